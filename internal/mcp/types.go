// Package mcp implements the server side of the Model Context Protocol
// over JSON-RPC 2.0: initialize, tools/list, tools/call, tasks/get, and
// tasks/cancel, served on a single HTTP endpoint.
package mcp

import "encoding/json"

// ProtocolVersion is the MCP revision this server speaks.
const ProtocolVersion = "2024-11-05"

// JSON-RPC types

// Request is a JSON-RPC 2.0 request. A nil ID marks a notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error object. Data carries the fault kind for
// task execution errors.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Server-defined error codes.
const (
	// CodeTaskError is a task execution failure; data.kind carries the
	// fault classification.
	CodeTaskError = -32000

	// CodeTaskNotFound is an unknown task id.
	CodeTaskNotFound = -32001
)

// MCP method payloads

// InitializeResult answers the initialize handshake.
type InitializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    Capabilities `json:"capabilities"`
	ServerInfo      ServerInfo   `json:"serverInfo"`
}

// ServerInfo identifies this server to clients.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Capabilities advertises what this server supports. Only tools.
type Capabilities struct {
	Tools ToolsCapability `json:"tools"`
}

// ToolsCapability describes the tool surface.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged"`
}

// ToolDescriptor is one catalog entry in tools/list.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ListToolsResult is the tools/list payload.
type ListToolsResult struct {
	Tools []ToolDescriptor `json:"tools"`
}

// CallToolParams are the tools/call parameters.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CallToolResult is the tools/call payload.
type CallToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// ContentBlock is one piece of tool output.
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// TaskParams address one task, for tasks/get and tasks/cancel.
type TaskParams struct {
	TaskID string `json:"task_id"`
}

// CancelTaskResult acknowledges a tasks/cancel request.
type CancelTaskResult struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}
