// Package openai adapts github.com/openai/openai-go's Chat Completions
// API to cchat.Backend. Structured the same way as
// cchat/upstream/anthropic (an interface over the SDK's generated
// service client so tests can substitute a fake), since openai-go and
// anthropic-sdk-go share the same generated-client/option.RequestOption
// shape. The teacher's features/model/openai/client.go targets the
// unrelated github.com/sashabaranov/go-openai package and is not reused
// here (see DESIGN.md).
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/lfedgeai/spear/cchat"
)

// ChatClient is the subset of the SDK client the adapter uses, satisfied
// by sdk.Client's Chat.Completions field.
type ChatClient interface {
	New(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
}

// Options configures default model selection and sampling parameters.
type Options struct {
	DefaultModel string
	MaxTokens    int
	Temperature  float64
}

// Client implements cchat.Backend over OpenAI Chat Completions.
type Client struct {
	chat         ChatClient
	defaultModel string
	maxTok       int
	temp         float64
}

var _ cchat.Backend = (*Client)(nil)

// New builds an OpenAI-backed Backend.
func New(chat ChatClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai: chat client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("openai: default model is required")
	}
	return &Client{chat: chat, defaultModel: opts.DefaultModel, maxTok: opts.MaxTokens, temp: opts.Temperature}, nil
}

// NewFromAPIKey constructs a client authenticated with apiKey; an empty
// key is an error.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	oc := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&oc.Chat.Completions, Options{DefaultModel: defaultModel})
}

func (c *Client) Name() string { return "openai" }

func (c *Client) Complete(ctx context.Context, req cchat.Request) (cchat.Response, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return cchat.Response{}, err
	}
	resp, err := c.chat.New(ctx, *params)
	if err != nil {
		return cchat.Response{}, fmt.Errorf("openai chat.completions.new: %w", err)
	}
	return translateResponse(resp)
}

func (c *Client) prepareRequest(req cchat.Request) (*sdk.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("openai: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}

	msgs, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}

	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(modelID),
		Messages: msgs,
	}
	if tools := encodeTools(req.Tools); len(tools) > 0 {
		params.Tools = tools
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	if maxTokens > 0 {
		params.MaxCompletionTokens = sdk.Int(int64(maxTokens))
	}
	temp := req.Temperature
	if temp <= 0 {
		temp = c.temp
	}
	if temp > 0 {
		params.Temperature = sdk.Float(temp)
	}
	return &params, nil
}

func encodeMessages(msgs []cchat.Message) ([]sdk.ChatCompletionMessageParamUnion, error) {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case cchat.RoleSystem:
			out = append(out, sdk.SystemMessage(m.Content))
		case cchat.RoleUser:
			out = append(out, sdk.UserMessage(m.Content))
		case cchat.RoleAssistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, sdk.AssistantMessage(m.Content))
				continue
			}
			calls := make([]sdk.ChatCompletionMessageToolCallParam, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				calls = append(calls, sdk.ChatCompletionMessageToolCallParam{
					ID:   tc.ID,
					Type: "function",
					Function: sdk.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
			out = append(out, sdk.ChatCompletionMessageParamUnion{
				OfAssistant: &sdk.ChatCompletionAssistantMessageParam{
					Content:   sdk.ChatCompletionAssistantMessageParamContentUnion{OfString: sdk.String(m.Content)},
					ToolCalls: calls,
				},
			})
		case cchat.RoleTool:
			out = append(out, sdk.ToolMessage(m.Content, m.ToolCallID))
		default:
			return nil, fmt.Errorf("openai: unsupported role %q", m.Role)
		}
	}
	return out, nil
}

func encodeTools(defs []cchat.ToolDef) []sdk.ChatCompletionToolParam {
	if len(defs) == 0 {
		return nil
	}
	out := make([]sdk.ChatCompletionToolParam, 0, len(defs))
	for _, def := range defs {
		params := sdk.FunctionParameters{}
		if len(def.Parameters) > 0 {
			var m map[string]any
			if err := json.Unmarshal(def.Parameters, &m); err == nil {
				params = m
			}
		}
		out = append(out, sdk.ChatCompletionToolParam{
			Function: sdk.FunctionDefinitionParam{
				Name:        def.Name,
				Description: sdk.String(def.Description),
				Parameters:  params,
			},
		})
	}
	return out
}

func translateResponse(resp *sdk.ChatCompletion) (cchat.Response, error) {
	if resp == nil || len(resp.Choices) == 0 {
		return cchat.Response{}, errors.New("openai: response has no choices")
	}
	choice := resp.Choices[0]
	out := cchat.Message{Role: cchat.RoleAssistant, Content: choice.Message.Content}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, cchat.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	finish := string(choice.FinishReason)
	if finish == "" {
		finish = "stop"
	}
	if len(out.ToolCalls) > 0 {
		finish = "tool_calls"
	}
	usage := cchat.Usage{
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
		TotalTokens:  int(resp.Usage.TotalTokens),
	}
	return cchat.Response{Message: out, FinishReason: finish, Usage: usage}, nil
}
