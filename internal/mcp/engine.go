package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/loreworks/corpusd/internal/search"
)

// toolCallTimeout bounds a single tool execution.
const toolCallTimeout = 30 * time.Second

// Engine dispatches MCP methods against the tool and prompt registry.
//
// The engine is transport-agnostic: it consumes raw JSON-RPC frames and
// produces raw response frames (nil for notifications). Transports own
// delivery; the engine owns semantics.
type Engine struct {
	info     ServerInfo
	registry *Registry
	backend  search.Backend
	logger   *zap.Logger
	metrics  *Metrics
}

// NewEngine creates a protocol engine.
func NewEngine(info ServerInfo, registry *Registry, backend search.Backend, logger *zap.Logger, metrics *Metrics) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		info:     info,
		registry: registry,
		backend:  backend,
		logger:   logger,
		metrics:  metrics,
	}
}

// Handle processes one inbound frame for a session and returns the
// encoded response frame, or nil when the frame is a notification.
//
// Requests within one session are handled serially; sessions proceed
// independently of each other.
func (e *Engine) Handle(ctx context.Context, sess *Session, raw []byte) []byte {
	sess.dispatchMu.Lock()
	defer sess.dispatchMu.Unlock()

	sess.Touch()

	var req JSONRPCRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		e.observe("", "parse_error")
		return e.errorFrame(nil, ParseError, "parse error", nil)
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		e.observe(req.Method, "invalid_request")
		return e.errorFrame(req.ID, InvalidRequest, "invalid request", nil)
	}

	if req.IsNotification() {
		e.handleNotification(sess, &req)
		return nil
	}

	resp := e.dispatch(ctx, sess, &req)
	frame, err := json.Marshal(resp)
	if err != nil {
		e.logger.Error("response marshal failed",
			zap.String("method", req.Method),
			zap.Error(err),
		)
		return e.errorFrame(req.ID, InternalError, "internal error", nil)
	}
	return frame
}

// handleNotification processes a frame that must not produce a response.
func (e *Engine) handleNotification(sess *Session, req *JSONRPCRequest) {
	switch req.Method {
	case "initialized", "notifications/initialized":
		e.observe(req.Method, "ok")
		e.logger.Debug("client confirmed initialization",
			zap.String("session_id", sess.ID),
		)
	case "notifications/cancelled":
		e.observe(req.Method, "ok")
	default:
		e.observe(req.Method, "ignored")
		e.logger.Debug("ignoring unknown notification",
			zap.String("method", req.Method),
		)
	}
}

// dispatch routes one request to its method handler.
func (e *Engine) dispatch(ctx context.Context, sess *Session, req *JSONRPCRequest) interface{} {
	if req.Method != "initialize" && req.Method != "ping" && !sess.Initialized() {
		e.observe(req.Method, "not_initialized")
		return e.errorResponse(req.ID, InvalidParams, "session not initialized", CodeNotInitialized, nil)
	}

	switch req.Method {
	case "initialize":
		return e.handleInitialize(sess, req)
	case "ping":
		e.observe(req.Method, "ok")
		return &JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]interface{}{}}
	case "tools/list":
		e.observe(req.Method, "ok")
		return &JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: ToolsListResult{Tools: e.registry.ToolDescriptors()}}
	case "tools/call":
		return e.handleToolsCall(ctx, req)
	case "prompts/list":
		e.observe(req.Method, "ok")
		return &JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: PromptsListResult{Prompts: e.registry.PromptDescriptors()}}
	case "prompts/get":
		return e.handlePromptsGet(req)
	default:
		e.observe(req.Method, "method_not_found")
		return e.errorResponse(req.ID, MethodNotFound, "method not found: "+req.Method, "", nil)
	}
}

// handleInitialize negotiates the protocol version and records client
// identity on the session.
func (e *Engine) handleInitialize(sess *Session, req *JSONRPCRequest) interface{} {
	if sess.Initialized() {
		e.observe(req.Method, "already_initialized")
		return e.errorResponse(req.ID, InvalidParams, "session already initialized", CodeAlreadyInitialized, nil)
	}

	var params InitializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			e.observe(req.Method, "invalid_params")
			return e.errorResponse(req.ID, InvalidParams, "invalid initialize params", "", nil)
		}
	}

	version, ok := negotiateVersion(params.ProtocolVersion)
	if !ok {
		e.observe(req.Method, "unsupported_protocol")
		return e.errorResponse(req.ID, InvalidParams, "unsupported protocol version", CodeUnsupportedProtocol, map[string]interface{}{
			"supported": SupportedProtocolVersions,
			"requested": params.ProtocolVersion,
		})
	}

	sess.MarkInitialized(version, params.ClientInfo)
	e.observe(req.Method, "ok")
	e.logger.Info("session initialized",
		zap.String("session_id", sess.ID),
		zap.String("protocol_version", version),
		zap.String("client", params.ClientInfo.Name),
	)

	return &JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: InitializeResult{
			ProtocolVersion: version,
			Capabilities: ServerCapabilities{
				Tools:   map[string]interface{}{},
				Prompts: map[string]interface{}{},
			},
			ServerInfo: e.info,
		},
	}
}

// negotiateVersion picks the latest version both sides support.
//
// Clients send a single version; if the server speaks it, that version
// wins. Otherwise there is no common version and initialize fails.
func negotiateVersion(requested string) (string, bool) {
	for _, v := range SupportedProtocolVersions {
		if v == requested {
			return v, true
		}
	}
	return "", false
}

// handleToolsCall validates arguments and runs the tool handler under
// a timeout.
func (e *Engine) handleToolsCall(ctx context.Context, req *JSONRPCRequest) interface{} {
	var params ToolsCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		e.observe(req.Method, "invalid_params")
		return e.errorResponse(req.ID, InvalidParams, "invalid tools/call params", "", nil)
	}

	tool, ok := e.registry.Tool(params.Name)
	if !ok {
		e.observe(req.Method, "unknown_tool")
		e.observeTool(params.Name, "unknown_tool", 0)
		return e.errorResponse(req.ID, InvalidParams, "unknown tool: "+params.Name, CodeUnknownTool, nil)
	}

	args, err := tool.InputSchema.ValidateArguments(params.Arguments)
	if err != nil {
		e.observe(req.Method, "invalid_arguments")
		e.observeTool(params.Name, "invalid_arguments", 0)
		return e.errorResponse(req.ID, InvalidParams, err.Error(), CodeInvalidArguments, nil)
	}

	callCtx, cancel := context.WithTimeout(ctx, toolCallTimeout)
	defer cancel()

	start := time.Now()
	result, toolErr := e.runTool(callCtx, tool, args)
	elapsed := time.Since(start)

	if toolErr != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			e.observe(req.Method, "timeout")
			e.observeTool(params.Name, "timeout", elapsed)
			return e.errorResponse(req.ID, InternalError, "tool execution timed out", CodeTimeout, nil)
		}

		e.observe(req.Method, "error")
		e.observeTool(params.Name, "error", elapsed)
		e.logger.Warn("tool call failed",
			zap.String("tool", params.Name),
			zap.String("code", toolErr.Code),
			zap.String("error", toolErr.Message),
			zap.Duration("duration", elapsed),
		)

		rpcCode := InternalError
		if toolErr.Code == CodeInvalidArguments {
			rpcCode = InvalidParams
		}
		return e.errorResponse(req.ID, rpcCode, toolErr.Message, toolErr.Code, nil)
	}

	e.observe(req.Method, "ok")
	e.observeTool(params.Name, "ok", elapsed)
	return &JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: result}
}

// runTool executes the handler, converting a panic into a redacted
// ToolExecutionFailed error with full detail in the log.
func (e *Engine) runTool(ctx context.Context, tool *Tool, args map[string]interface{}) (result *ToolCallResult, toolErr *ToolError) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("tool handler panicked",
				zap.String("tool", tool.Name),
				zap.Any("panic", r),
			)
			result = nil
			toolErr = &ToolError{Code: CodeToolExecutionFailed, Message: "tool execution failed"}
		}
	}()
	return tool.Handler(ctx, args, e.backend)
}

// handlePromptsGet renders a prompt's message sequence.
func (e *Engine) handlePromptsGet(req *JSONRPCRequest) interface{} {
	var params PromptsGetParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		e.observe(req.Method, "invalid_params")
		return e.errorResponse(req.ID, InvalidParams, "invalid prompts/get params", "", nil)
	}

	prompt, ok := e.registry.Prompt(params.Name)
	if !ok {
		e.observe(req.Method, "unknown_prompt")
		return e.errorResponse(req.ID, InvalidParams, "unknown prompt: "+params.Name, CodeUnknownPrompt, nil)
	}

	for _, arg := range prompt.Arguments {
		if arg.Required {
			if _, present := params.Arguments[arg.Name]; !present {
				e.observe(req.Method, "invalid_arguments")
				return e.errorResponse(req.ID, InvalidParams, "missing required argument: "+arg.Name, CodeInvalidArguments, nil)
			}
		}
	}

	messages, err := prompt.Render(params.Arguments)
	if err != nil {
		e.observe(req.Method, "error")
		e.logger.Warn("prompt render failed",
			zap.String("prompt", params.Name),
			zap.Error(err),
		)
		return e.errorResponse(req.ID, InternalError, "prompt render failed", CodeToolExecutionFailed, nil)
	}

	e.observe(req.Method, "ok")
	return &JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: PromptsGetResult{
			Description: prompt.Description,
			Messages:    messages,
		},
	}
}

// errorResponse builds an error response with an optional stable domain
// code in data.code.
func (e *Engine) errorResponse(id interface{}, code int, message, domainCode string, extra map[string]interface{}) *JSONRPCError {
	var data map[string]interface{}
	if domainCode != "" || len(extra) > 0 {
		data = make(map[string]interface{}, len(extra)+1)
		if domainCode != "" {
			data["code"] = domainCode
		}
		for k, v := range extra {
			data[k] = v
		}
	}
	return &JSONRPCError{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &ErrorDetail{Code: code, Message: message, Data: data},
	}
}

// errorFrame marshals an error response directly to bytes, for paths
// where no request object is available.
func (e *Engine) errorFrame(id interface{}, code int, message string, data map[string]interface{}) []byte {
	frame, err := json.Marshal(e.errorResponse(id, code, message, "", data))
	if err != nil {
		return []byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32603,"message":"internal error"}}`)
	}
	return frame
}

// ParseErrorFrame builds a standalone parse-error frame for transports
// that reject frames before the engine sees them.
func ParseErrorFrame() []byte {
	return []byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"parse error"}}`)
}

func (e *Engine) observe(method, status string) {
	e.metrics.ObserveRequest(method, status)
}

func (e *Engine) observeTool(tool, outcome string, d time.Duration) {
	e.metrics.ObserveToolCall(tool, outcome, d)
}
