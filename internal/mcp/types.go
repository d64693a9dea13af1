// Package mcp implements the Model Context Protocol engine for corpusd.
//
// The engine consumes JSON-RPC 2.0 frames, dispatches MCP methods
// (initialize, tools/list, tools/call, prompts/list, prompts/get, ping)
// and produces response frames. Transports deliver frames: the line
// transport over stdin/stdout and the streaming HTTP transport over an
// SSE stream plus a submission endpoint.
package mcp

import (
	"encoding/json"
	"errors"
)

// Protocol versions supported by the server, oldest first.
const (
	ProtocolVersion20241105 = "2024-11-05"
	ProtocolVersion20250326 = "2025-03-26"
)

// SupportedProtocolVersions lists the versions the server speaks,
// oldest first. Negotiation picks the latest version common to both
// sides.
var SupportedProtocolVersions = []string{
	ProtocolVersion20241105,
	ProtocolVersion20250326,
}

// JSONRPCRequest represents a JSON-RPC 2.0 request or notification.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`          // Always "2.0"
	ID      interface{}     `json:"id,omitempty"`     // Request ID (string or number); nil for notifications
	Method  string          `json:"method"`           // MCP method name
	Params  json.RawMessage `json:"params,omitempty"` // Method-specific parameters
}

// IsNotification reports whether the frame carries no id and therefore
// must not produce a response.
func (r *JSONRPCRequest) IsNotification() bool {
	return r.ID == nil
}

// JSONRPCResponse represents a successful JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result"`
}

// JSONRPCError represents an error JSON-RPC 2.0 response.
type JSONRPCError struct {
	JSONRPC string       `json:"jsonrpc"`
	ID      interface{}  `json:"id"`
	Error   *ErrorDetail `json:"error"`
}

// ErrorDetail carries the JSON-RPC error code plus a stable textual
// domain code in Data["code"] for errors beyond the protocol layer.
type ErrorDetail struct {
	Code    int                    `json:"code"`
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// JSON-RPC 2.0 standard error codes.
const (
	ParseError     = -32700 // Invalid JSON
	InvalidRequest = -32600 // Invalid Request object
	MethodNotFound = -32601 // Method doesn't exist
	InvalidParams  = -32602 // Invalid method params
	InternalError  = -32603 // Internal server error
)

// Stable domain error codes surfaced in error.data.code.
const (
	CodeNotInitialized      = "NotInitialized"
	CodeAlreadyInitialized  = "AlreadyInitialized"
	CodeUnsupportedProtocol = "UnsupportedProtocol"
	CodeUnknownTool         = "UnknownTool"
	CodeUnknownPrompt       = "UnknownPrompt"
	CodeInvalidArguments    = "InvalidArguments"
	CodeToolExecutionFailed = "ToolExecutionFailed"
	CodeTimeout             = "Timeout"
	CodeBackendUnavailable  = "BackendUnavailable"
)

// Sentinel errors for session handling.
var (
	// ErrSessionNotFound is returned when a session id is unknown or evicted.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionClosed is returned when submitting to a closed session.
	ErrSessionClosed = errors.New("session closed")
)

// ClientInfo identifies the connected MCP client.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerInfo identifies this server in the initialize result.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerCapabilities describes the capability surface advertised at
// initialize. Both tools and prompts are static catalogs, so the
// capability objects are empty per the MCP wire format.
type ServerCapabilities struct {
	Tools   map[string]interface{} `json:"tools"`
	Prompts map[string]interface{} `json:"prompts"`
}

// InitializeParams contains parameters for the initialize method.
type InitializeParams struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    map[string]interface{} `json:"capabilities"`
	ClientInfo      ClientInfo             `json:"clientInfo"`
}

// InitializeResult contains the result of the initialize method.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      ServerInfo         `json:"serverInfo"`
}

// ToolDescriptor is a tools/list entry.
type ToolDescriptor struct {
	Name        string       `json:"name"`
	Description string       `json:"description"`
	InputSchema *InputSchema `json:"inputSchema"`
}

// ToolsListResult is the tools/list result.
type ToolsListResult struct {
	Tools []ToolDescriptor `json:"tools"`
}

// ToolsCallParams contains parameters for the tools/call method.
type ToolsCallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// ContentItem is a single entry in a tool result or prompt message.
type ContentItem struct {
	Type string `json:"type"` // "text"
	Text string `json:"text"`
}

// TextContent builds a text content item.
func TextContent(text string) ContentItem {
	return ContentItem{Type: "text", Text: text}
}

// ToolCallResult is the tools/call result.
//
// IsError marks tool-level failures (e.g. document not found) that are
// part of the tool's contract rather than protocol errors.
type ToolCallResult struct {
	Content []ContentItem `json:"content"`
	IsError bool          `json:"isError"`
}

// ToolError is the failure arm of a tool handler's return.
//
// Handlers never panic across the engine boundary; they return a
// ToolError with a stable domain code instead.
type ToolError struct {
	Code    string
	Message string
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	return e.Code + ": " + e.Message
}

// PromptArgument describes a single prompt argument.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// PromptDescriptor is a prompts/list entry.
type PromptDescriptor struct {
	Name        string           `json:"name"`
	Title       string           `json:"title,omitempty"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// PromptsListResult is the prompts/list result.
type PromptsListResult struct {
	Prompts []PromptDescriptor `json:"prompts"`
}

// PromptsGetParams contains parameters for the prompts/get method.
type PromptsGetParams struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments"`
}

// PromptMessage is a single rendered prompt message.
type PromptMessage struct {
	Role    string      `json:"role"` // "user" or "assistant"
	Content ContentItem `json:"content"`
}

// PromptsGetResult is the prompts/get result.
type PromptsGetResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}
