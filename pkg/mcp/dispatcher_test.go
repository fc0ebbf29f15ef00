package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lazallen/slack-mcp-relay/pkg/auth"
	"github.com/lazallen/slack-mcp-relay/pkg/slackpost"
)

type fakeExecutor struct {
	channel string
	text    string
	calls   int

	receipt slackpost.Receipt
	err     error
}

func (f *fakeExecutor) PostMessage(_ context.Context, channel, text string) (slackpost.Receipt, error) {
	f.calls++
	f.channel = channel
	f.text = text
	return f.receipt, f.err
}

// wire is the decoded wire shape of a response, used to assert what a
// client actually sees after marshaling.
type wire struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

func roundTrip(t *testing.T, resp *Response) wire {
	t.Helper()
	b, err := json.Marshal(resp)
	require.NoError(t, err)
	var w wire
	require.NoError(t, json.Unmarshal(b, &w))
	assert.Equal(t, "2.0", w.JSONRPC)
	return w
}

func dispatch(t *testing.T, d *Dispatcher, body string, id *auth.Identity) *Response {
	t.Helper()
	return d.Dispatch(context.Background(), []byte(body), id)
}

func newTestDispatcher(exec ToolExecutor, opts ...Option) *Dispatcher {
	return NewDispatcher(exec, zap.NewNop(), opts...)
}

func TestDispatchInitialize(t *testing.T) {
	d := newTestDispatcher(&fakeExecutor{})

	resp := dispatch(t, d, `{"jsonrpc":"2.0","id":"abc-7","method":"initialize","params":{}}`, nil)
	require.NotNil(t, resp)
	w := roundTrip(t, resp)

	assert.Equal(t, `"abc-7"`, string(w.ID), "request id must be echoed unchanged")
	require.Nil(t, w.Error)

	var result struct {
		ProtocolVersion string `json:"protocolVersion"`
		Capabilities    struct {
			Tools *struct{} `json:"tools"`
		} `json:"capabilities"`
		ServerInfo struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"serverInfo"`
	}
	require.NoError(t, json.Unmarshal(w.Result, &result))
	assert.Equal(t, mcplib.LATEST_PROTOCOL_VERSION, result.ProtocolVersion)
	assert.NotNil(t, result.Capabilities.Tools)
	assert.Equal(t, "slack-mcp-relay", result.ServerInfo.Name)
}

func TestDispatchInitializeNumericID(t *testing.T) {
	d := newTestDispatcher(&fakeExecutor{})

	resp := dispatch(t, d, `{"jsonrpc":"2.0","id":42,"method":"initialize"}`, nil)
	require.NotNil(t, resp)
	w := roundTrip(t, resp)
	assert.Equal(t, "42", string(w.ID))
}

func TestDispatchToolsList(t *testing.T) {
	d := newTestDispatcher(&fakeExecutor{})

	resp := dispatch(t, d, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, nil)
	require.NotNil(t, resp)
	w := roundTrip(t, resp)
	require.Nil(t, w.Error)

	var result struct {
		Tools []struct {
			Name        string `json:"name"`
			InputSchema struct {
				Type       string                     `json:"type"`
				Properties map[string]json.RawMessage `json:"properties"`
				Required   []string                   `json:"required"`
			} `json:"inputSchema"`
		} `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(w.Result, &result))
	require.Len(t, result.Tools, 1)

	tool := result.Tools[0]
	assert.Equal(t, DefaultToolName, tool.Name)
	assert.Equal(t, "object", tool.InputSchema.Type)
	assert.ElementsMatch(t, []string{"channel_id", "text"}, tool.InputSchema.Required)
}

func TestDispatchToolsListAuthedVariant(t *testing.T) {
	d := newTestDispatcher(&fakeExecutor{}, WithToolName(AuthedToolName))

	resp := dispatch(t, d, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, nil)
	w := roundTrip(t, resp)

	var result struct {
		Tools []struct {
			Name        string `json:"name"`
			InputSchema struct {
				Required []string `json:"required"`
			} `json:"inputSchema"`
		} `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(w.Result, &result))
	require.Len(t, result.Tools, 1)
	assert.Equal(t, AuthedToolName, result.Tools[0].Name)
	assert.ElementsMatch(t, []string{"channel", "text"}, result.Tools[0].InputSchema.Required)
}

func TestDispatchUnknownMethod(t *testing.T) {
	d := newTestDispatcher(&fakeExecutor{})

	resp := dispatch(t, d, `{"jsonrpc":"2.0","id":5,"method":"resources/list"}`, nil)
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeMethodNotFound, resp.Error.Code)
}

func TestDispatchUnknownTool(t *testing.T) {
	exec := &fakeExecutor{}
	d := newTestDispatcher(exec)

	resp := dispatch(t, d,
		`{"jsonrpc":"2.0","id":6,"method":"tools/call","params":{"name":"delete_channel","arguments":{}}}`, nil)
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeMethodNotFound, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "delete_channel")
	assert.Zero(t, exec.calls)
}

func TestDispatchParseError(t *testing.T) {
	d := newTestDispatcher(&fakeExecutor{})

	resp := dispatch(t, d, `{"jsonrpc":"2.0",`, nil)
	require.NotNil(t, resp)
	w := roundTrip(t, resp)
	assert.Equal(t, "null", string(w.ID))
	require.NotNil(t, w.Error)
	assert.Equal(t, CodeParseError, w.Error.Code)
}

func TestDispatchInvalidJSONRPCVersion(t *testing.T) {
	d := newTestDispatcher(&fakeExecutor{})

	resp := dispatch(t, d, `{"jsonrpc":"1.0","id":1,"method":"initialize"}`, nil)
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidRequest, resp.Error.Code)
}

func TestDispatchNotificationProducesNoResponse(t *testing.T) {
	d := newTestDispatcher(&fakeExecutor{})

	resp := dispatch(t, d, `{"jsonrpc":"2.0","method":"notifications/initialized"}`, nil)
	assert.Nil(t, resp)
}

func TestDispatchCallMissingArguments(t *testing.T) {
	exec := &fakeExecutor{}
	d := newTestDispatcher(exec)

	for _, args := range []string{
		`{}`,
		`{"channel_id":"C123"}`,
		`{"text":"hi"}`,
		`{"channel_id":"","text":"hi"}`,
	} {
		resp := dispatch(t, d,
			`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"slack_post_message","arguments":`+args+`}}`, nil)
		require.NotNil(t, resp, "arguments %s", args)
		require.NotNil(t, resp.Error, "arguments %s", args)
		assert.Equal(t, CodeInvalidParams, resp.Error.Code, "arguments %s", args)
	}
	assert.Zero(t, exec.calls)
}

func TestDispatchCallSuccess(t *testing.T) {
	exec := &fakeExecutor{receipt: slackpost.Receipt{Channel: "C123", Timestamp: "123.456"}}
	d := newTestDispatcher(exec)

	resp := dispatch(t, d,
		`{"jsonrpc":"2.0","id":9,"method":"tools/call","params":{"name":"slack_post_message","arguments":{"channel_id":"C123","text":"hi"}}}`, nil)
	require.NotNil(t, resp)
	w := roundTrip(t, resp)
	require.Nil(t, w.Error)
	assert.Equal(t, "9", string(w.ID))

	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	require.NoError(t, json.Unmarshal(w.Result, &result))
	assert.False(t, result.IsError)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "text", result.Content[0].Type)
	assert.Contains(t, result.Content[0].Text, "C123")

	assert.Equal(t, "C123", exec.channel)
	assert.Equal(t, "hi", exec.text)
}

func TestDispatchCallAcceptsChannelKey(t *testing.T) {
	exec := &fakeExecutor{receipt: slackpost.Receipt{Channel: "C9", Timestamp: "1.0"}}
	d := newTestDispatcher(exec)

	resp := dispatch(t, d,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"slack_post_message","arguments":{"channel":"C9","text":"hi"}}}`, nil)
	require.NotNil(t, resp)
	assert.Nil(t, resp.Error)
	assert.Equal(t, "C9", exec.channel)
}

func TestDispatchCallPrefixesIdentityDisplayName(t *testing.T) {
	exec := &fakeExecutor{receipt: slackpost.Receipt{Channel: "C1", Timestamp: "1.0"}}
	d := newTestDispatcher(exec, WithToolName(AuthedToolName))

	ident := &auth.Identity{Username: "jdoe", DisplayName: "Jane Doe", Email: "jdoe@example.com"}
	resp := dispatch(t, d,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"postMessage","arguments":{"channel":"C1","text":"hi"}}}`, ident)
	require.NotNil(t, resp)
	assert.Nil(t, resp.Error)
	assert.Equal(t, "[Jane Doe] hi", exec.text)
}

func TestDispatchCallFailureResultMode(t *testing.T) {
	exec := &fakeExecutor{err: errors.New("channel_not_found")}
	d := newTestDispatcher(exec)

	resp := dispatch(t, d,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"slack_post_message","arguments":{"channel_id":"C404","text":"hi"}}}`, nil)
	require.NotNil(t, resp)
	w := roundTrip(t, resp)
	require.Nil(t, w.Error, "result mode reports failures inside the result")

	var result struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	require.NoError(t, json.Unmarshal(w.Result, &result))
	assert.True(t, result.IsError)
	require.NotEmpty(t, result.Content)
	assert.Contains(t, result.Content[0].Text, "channel_not_found")
}

func TestDispatchCallFailureEnvelopeMode(t *testing.T) {
	exec := &fakeExecutor{err: errors.New("channel_not_found")}
	d := newTestDispatcher(exec, WithErrorMode(ErrorModeEnvelope))

	resp := dispatch(t, d,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"slack_post_message","arguments":{"channel_id":"C404","text":"hi"}}}`, nil)
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInternalError, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "channel_not_found")
}
