// Package bedrock adapts the AWS Bedrock Converse API
// (github.com/aws/aws-sdk-go-v2/service/bedrockruntime) to cchat.Backend.
// Grounded on features/model/bedrock/client.go's message/tool encoding
// and Converse response translation, collapsed from the teacher's
// Part-based model onto cchat's flat Message/ToolDef shape.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/lfedgeai/spear/cchat"
)

// RuntimeClient is the subset of the AWS Bedrock runtime client used by
// the adapter, satisfied by *bedrockruntime.Client.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Options configures default model selection and sampling parameters.
type Options struct {
	DefaultModel string
	MaxTokens    int
	Temperature  float32
}

// Client implements cchat.Backend over AWS Bedrock Converse.
type Client struct {
	runtime      RuntimeClient
	defaultModel string
	maxTok       int
	temp         float32
}

var _ cchat.Backend = (*Client)(nil)

// New builds a Bedrock-backed Backend.
func New(runtime *bedrockruntime.Client, opts Options) (*Client, error) {
	if runtime == nil {
		return nil, errors.New("bedrock: runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("bedrock: default model identifier is required")
	}
	return &Client{runtime: runtime, defaultModel: opts.DefaultModel, maxTok: opts.MaxTokens, temp: opts.Temperature}, nil
}

func (c *Client) Name() string { return "bedrock" }

func (c *Client) Complete(ctx context.Context, req cchat.Request) (cchat.Response, error) {
	input, err := c.buildConverseInput(req)
	if err != nil {
		return cchat.Response{}, err
	}
	out, err := c.runtime.Converse(ctx, input)
	if err != nil {
		return cchat.Response{}, fmt.Errorf("bedrock converse: %w", err)
	}
	return translateResponse(out)
}

func (c *Client) buildConverseInput(req cchat.Request) (*bedrockruntime.ConverseInput, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("bedrock: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}

	msgs, system, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(modelID),
		Messages: msgs,
	}
	if len(system) > 0 {
		input.System = system
	}
	if toolCfg := encodeTools(req.Tools); toolCfg != nil {
		input.ToolConfig = toolCfg
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	temp := float32(req.Temperature)
	if temp <= 0 {
		temp = c.temp
	}
	if maxTokens > 0 || temp > 0 {
		cfg := &brtypes.InferenceConfiguration{}
		if maxTokens > 0 {
			cfg.MaxTokens = aws.Int32(int32(maxTokens))
		}
		if temp > 0 {
			cfg.Temperature = aws.Float32(temp)
		}
		input.InferenceConfig = cfg
	}
	return input, nil
}

func encodeMessages(msgs []cchat.Message) ([]brtypes.Message, []brtypes.SystemContentBlock, error) {
	conversation := make([]brtypes.Message, 0, len(msgs))
	system := make([]brtypes.SystemContentBlock, 0)

	for _, m := range msgs {
		switch m.Role {
		case cchat.RoleSystem:
			if m.Content != "" {
				system = append(system, &brtypes.SystemContentBlockMemberText{Value: m.Content})
			}
		case cchat.RoleUser:
			conversation = append(conversation, brtypes.Message{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
			})
		case cchat.RoleAssistant:
			blocks := make([]brtypes.ContentBlock, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: m.Content})
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{Value: brtypes.ToolUseBlock{
					ToolUseId: aws.String(tc.ID),
					Name:      aws.String(tc.Name),
					Input:     toDocument(tc.Arguments),
				}})
			}
			if len(blocks) > 0 {
				conversation = append(conversation, brtypes.Message{Role: brtypes.ConversationRoleAssistant, Content: blocks})
			}
		case cchat.RoleTool:
			conversation = append(conversation, brtypes.Message{
				Role: brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberToolResult{Value: brtypes.ToolResultBlock{
					ToolUseId: aws.String(m.ToolCallID),
					Content:   []brtypes.ToolResultContentBlock{&brtypes.ToolResultContentBlockMemberText{Value: m.Content}},
				}}},
			})
		default:
			return nil, nil, fmt.Errorf("bedrock: unsupported role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, nil, errors.New("bedrock: at least one user/assistant message is required")
	}
	return conversation, system, nil
}

func encodeTools(defs []cchat.ToolDef) *brtypes.ToolConfiguration {
	if len(defs) == 0 {
		return nil
	}
	toolList := make([]brtypes.Tool, 0, len(defs))
	for _, def := range defs {
		toolList = append(toolList, &brtypes.ToolMemberToolSpec{Value: brtypes.ToolSpecification{
			Name:        aws.String(def.Name),
			Description: aws.String(def.Description),
			InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: toDocument(def.Parameters)},
		}})
	}
	return &brtypes.ToolConfiguration{Tools: toolList}
}

func toDocument(raw json.RawMessage) document.Interface {
	if len(raw) == 0 {
		return document.NewLazyDocument(map[string]any{"type": "object"})
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return document.NewLazyDocument(map[string]any{"type": "object"})
	}
	return document.NewLazyDocument(v)
}

func decodeDocument(doc document.Interface) json.RawMessage {
	if doc == nil {
		return nil
	}
	data, err := doc.MarshalSmithyDocument()
	if err != nil || len(data) == 0 {
		return nil
	}
	return json.RawMessage(data)
}

func translateResponse(out *bedrockruntime.ConverseOutput) (cchat.Response, error) {
	if out == nil {
		return cchat.Response{}, errors.New("bedrock: response is nil")
	}
	msg, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return cchat.Response{}, errors.New("bedrock: response output is not a message")
	}
	resMsg := cchat.Message{Role: cchat.RoleAssistant}
	for _, block := range msg.Value.Content {
		switch v := block.(type) {
		case *brtypes.ContentBlockMemberText:
			resMsg.Content += v.Value
		case *brtypes.ContentBlockMemberToolUse:
			raw := decodeDocument(v.Value.Input)
			id := ""
			if v.Value.ToolUseId != nil {
				id = *v.Value.ToolUseId
			}
			name := ""
			if v.Value.Name != nil {
				name = *v.Value.Name
			}
			resMsg.ToolCalls = append(resMsg.ToolCalls, cchat.ToolCall{ID: id, Name: name, Arguments: raw})
		}
	}
	finish := "stop"
	if len(resMsg.ToolCalls) > 0 {
		finish = "tool_calls"
	}
	var usage cchat.Usage
	if out.Usage != nil {
		usage = cchat.Usage{
			InputTokens:  int(aws.ToInt32(out.Usage.InputTokens)),
			OutputTokens: int(aws.ToInt32(out.Usage.OutputTokens)),
			TotalTokens:  int(aws.ToInt32(out.Usage.TotalTokens)),
		}
	}
	return cchat.Response{Message: resMsg, FinishReason: finish, Usage: usage}, nil
}
