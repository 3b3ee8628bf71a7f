package process

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lfedgeai/spear/runtime/payload"
	"github.com/lfedgeai/spear/spearlet/driver"
)

// echoScript is a tiny shell program that round-trips newline-delimited
// JSON request frames back as response frames, echoing the input payload
// uppercased. It stands in for a compiled sandbox entry in tests.
const echoScript = `#!/bin/sh
while IFS= read -r line; do
  printf '%%s\n' "$line" | %s
done
`

func buildEchoInstance(t *testing.T) (*Driver, driver.Handle) {
	t.Helper()
	dir := t.TempDir()
	helper := filepath.Join(dir, "echo_frame.py")
	require.NoError(t, os.WriteFile(helper, []byte(pythonEchoHelper), 0o755))

	script := fmt.Sprintf(echoScript, "python3 "+helper)
	scriptPath := filepath.Join(dir, "entry.sh")
	require.NoError(t, os.WriteFile(scriptPath, []byte(script), 0o755))

	d := New(nil)
	h, err := d.CreateInstance(context.Background(), driver.Spec{
		InstanceID: "inst-1",
		Entry:      scriptPath,
	})
	require.NoError(t, err)
	require.NoError(t, d.StartInstance(context.Background(), h))
	return d, h
}

const pythonEchoHelper = `#!/usr/bin/env python3
import sys, json, base64
frame = json.loads(sys.stdin.readline())
data = base64.b64decode(frame.get("input_base64", ""))
out = data.decode("utf-8", "replace").upper().encode("utf-8")
resp = {
    "id": frame["id"],
    "status": "ok",
    "output_content_type": "text/plain",
    "output_base64": base64.b64encode(out).decode("ascii"),
}
print(json.dumps(resp))
`

func TestDriver_ExecuteRoundTrip(t *testing.T) {
	if _, err := os.Stat("/usr/bin/python3"); err != nil {
		t.Skip("python3 not available")
	}
	d, h := buildEchoInstance(t)
	defer d.StopInstance(context.Background(), h)

	res, err := d.Execute(context.Background(), h, driver.Request{
		FunctionName: "handle",
		Input:        payload.Text("hello"),
		TimeoutMS:    2000,
	})
	require.NoError(t, err)
	assert.Equal(t, driver.StatusOK, res.Status)
	assert.Equal(t, "HELLO", string(res.Output.Bytes))
}

func TestDriver_CreateInstanceRequiresEntryOrArtifact(t *testing.T) {
	d := New(nil)
	_, err := d.CreateInstance(context.Background(), driver.Spec{InstanceID: "x"})
	require.Error(t, err)
}

func TestDecodeResult_DefaultsToOK(t *testing.T) {
	res, err := decodeResult(frameIn{Status: "", OutputType: "text/plain", OutputB64: base64.StdEncoding.EncodeToString([]byte("hi"))})
	require.NoError(t, err)
	assert.Equal(t, driver.StatusOK, res.Status)
	assert.Equal(t, "hi", string(res.Output.Bytes))
}

func TestFrameOut_EncodesAsNDJSON(t *testing.T) {
	out := frameOut{ID: 1, Function: "f", InputType: "text/plain", InputB64: "aGk="}
	b, err := json.Marshal(out)
	require.NoError(t, err)
	var decoded frameOut
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, out, decoded)
}

func TestDriver_ExecuteAfterStopInstanceFails(t *testing.T) {
	d, h := buildEchoInstanceNoop(t)
	require.NoError(t, d.StopInstance(context.Background(), h))
	_, err := d.Execute(context.Background(), h, driver.Request{})
	require.Error(t, err)
}

func buildEchoInstanceNoop(t *testing.T) (*Driver, driver.Handle) {
	t.Helper()
	d := New(nil)
	h, err := d.CreateInstance(context.Background(), driver.Spec{InstanceID: "noop-1", Entry: "/bin/true"})
	require.NoError(t, err)
	require.NoError(t, d.StartInstance(context.Background(), h))
	time.Sleep(50 * time.Millisecond)
	return d, h
}
