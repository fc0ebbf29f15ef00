package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/lazallen/slack-mcp-relay/pkg/auth"
	"github.com/lazallen/slack-mcp-relay/pkg/slackpost"
	"github.com/lazallen/slack-mcp-relay/pkg/version"
)

// DefaultToolName is the tool name advertised by unauthenticated
// deployments. Authenticated (Duo) deployments use AuthedToolName.
const (
	DefaultToolName = "slack_post_message"
	AuthedToolName  = "postMessage"
)

const serverName = "slack-mcp-relay"

// ErrorMode selects how tool execution failures are reported.
type ErrorMode int

const (
	// ErrorModeResult returns a tool result flagged isError:true. This keeps
	// the failure visible to the calling agent instead of surfacing a
	// protocol error.
	ErrorModeResult ErrorMode = iota
	// ErrorModeEnvelope returns a JSON-RPC error envelope (-32603).
	ErrorModeEnvelope
)

// ToolExecutor is the single capability the dispatcher invokes. The Slack
// client satisfies it.
type ToolExecutor interface {
	PostMessage(ctx context.Context, channel, text string) (slackpost.Receipt, error)
}

// Dispatcher interprets JSON-RPC requests and routes them to the matching
// handler. It is shared by all transports; only the adapters differ.
type Dispatcher struct {
	exec     ToolExecutor
	tool     mcplib.Tool
	toolName string
	mode     ErrorMode
	logger   *zap.Logger
}

// Option configures the Dispatcher.
type Option func(*Dispatcher)

// WithToolName overrides the advertised tool name. The "postMessage" name
// also switches the input schema to the "channel" argument spelling.
func WithToolName(name string) Option {
	return func(d *Dispatcher) { d.toolName = name }
}

// WithErrorMode selects the tool failure reporting mode.
func WithErrorMode(mode ErrorMode) Option {
	return func(d *Dispatcher) { d.mode = mode }
}

// NewDispatcher creates a Dispatcher that invokes exec for tool calls.
func NewDispatcher(exec ToolExecutor, logger *zap.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		exec:     exec,
		toolName: DefaultToolName,
		mode:     ErrorModeResult,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.tool = postMessageTool(d.toolName)
	return d
}

// postMessageTool builds the tool catalog entry. The authenticated variant
// historically named the channel argument "channel" rather than
// "channel_id"; both are accepted at call time.
func postMessageTool(name string) mcplib.Tool {
	channelArg := "channel_id"
	if name == AuthedToolName {
		channelArg = "channel"
	}
	return mcplib.NewTool(name,
		mcplib.WithDescription("Post a message to a Slack channel via chat.postMessage."),
		mcplib.WithTitleAnnotation("Post Slack Message"),
		mcplib.WithString(channelArg,
			mcplib.Required(),
			mcplib.Description("ID of the channel to post to, in format Cxxxxxxxxxx."),
		),
		mcplib.WithString("text",
			mcplib.Required(),
			mcplib.Description("Message text to post."),
		),
	)
}

// Dispatch decodes one JSON-RPC message and produces its response. A nil
// return means the message was a notification and gets only a
// transport-level acknowledgment. The request id is echoed unchanged in
// every non-notification response. identity may be nil on unauthenticated
// deployments.
func (d *Dispatcher) Dispatch(ctx context.Context, body []byte, identity *auth.Identity) *Response {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		d.logger.Warn("Failed to parse JSON-RPC request", zap.Error(err))
		return errorResponse(nil, CodeParseError, "Parse error")
	}

	if strings.HasPrefix(req.Method, "notifications/") {
		d.logger.Debug("Notification acknowledged", zap.String("method", req.Method))
		return nil
	}

	if req.JSONRPC != "2.0" {
		return errorResponse(req.ID, CodeInvalidRequest, "Invalid Request: unsupported jsonrpc version")
	}

	switch req.Method {
	case "initialize":
		return d.handleInitialize(req)
	case "tools/list":
		return d.handleToolsList(req)
	case "tools/call":
		return d.handleToolsCall(ctx, req, identity)
	default:
		d.logger.Debug("Unknown method", zap.String("method", req.Method))
		return errorResponse(req.ID, CodeMethodNotFound, "Method not found")
	}
}

func (d *Dispatcher) handleInitialize(req Request) *Response {
	result := map[string]any{
		"protocolVersion": mcplib.LATEST_PROTOCOL_VERSION,
		"capabilities": map[string]any{
			"tools": map[string]any{},
		},
		"serverInfo": map[string]any{
			"name":    serverName,
			"version": version.Version,
		},
	}
	return resultResponse(req.ID, result)
}

func (d *Dispatcher) handleToolsList(req Request) *Response {
	result := map[string]any{
		"tools": []mcplib.Tool{d.tool},
	}
	return resultResponse(req.ID, result)
}

func (d *Dispatcher) handleToolsCall(ctx context.Context, req Request, identity *auth.Identity) *Response {
	var params callParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errorResponse(req.ID, CodeInvalidParams, "Invalid params")
		}
	}

	if params.Name != d.toolName {
		return errorResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("Unknown tool: %s", params.Name))
	}

	var args callArguments
	if len(params.Arguments) > 0 {
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			return errorResponse(req.ID, CodeInvalidParams, "Invalid params: arguments must be an object")
		}
	}

	channel := args.channel()
	if channel == "" || args.Text == "" {
		return errorResponse(req.ID, CodeInvalidParams, "Invalid params: channel_id and text are required")
	}

	text := args.Text
	if identity != nil {
		text = "[" + identity.DisplayName + "] " + text
	}

	callID := uuid.New().String()
	d.logger.Info("Tool call received",
		zap.String("tool", params.Name),
		zap.String("channel", channel),
		zap.String("call_id", callID),
	)
	start := time.Now()

	receipt, err := d.exec.PostMessage(ctx, channel, text)

	d.logger.Info("Tool call finished",
		zap.String("tool", params.Name),
		zap.String("call_id", callID),
		zap.Duration("duration", time.Since(start)),
		zap.Bool("ok", err == nil),
	)

	if err != nil {
		if d.mode == ErrorModeEnvelope {
			return errorResponse(req.ID, CodeInternalError, fmt.Sprintf("failed to post message: %v", err))
		}
		return resultResponse(req.ID, mcplib.NewToolResultError(fmt.Sprintf("failed to post message: %v", err)))
	}

	return resultResponse(req.ID, mcplib.NewToolResultText(fmt.Sprintf(
		"Message sent to %s (ts %s)", receipt.Channel, receipt.Timestamp,
	)))
}
