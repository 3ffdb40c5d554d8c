package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/haasonsaas/wayfarer/internal/fault"
	"github.com/haasonsaas/wayfarer/internal/observability"
	"github.com/haasonsaas/wayfarer/internal/registry"
	"github.com/haasonsaas/wayfarer/internal/tasks"
)

// TaskReader serves tasks/get. The task store satisfies this.
type TaskReader interface {
	Fetch(ctx context.Context, id string) (*tasks.Task, error)
}

// TaskCanceller serves tasks/cancel. The orchestrator satisfies this.
type TaskCanceller interface {
	Cancel(ctx context.Context, taskID string) error
}

// Server dispatches MCP JSON-RPC requests against the tool registry. It is
// transport-agnostic: ServeHTTP adapts it to a single POST endpoint.
type Server struct {
	registry  *registry.Registry
	store     TaskReader
	canceller TaskCanceller
	info      ServerInfo
	logger    *slog.Logger
	metrics   *observability.Metrics
}

// NewServer builds the dispatcher. version is reported in the initialize
// handshake. A nil store or canceller disables the corresponding tasks/*
// method.
func NewServer(reg *registry.Registry, store TaskReader, canceller TaskCanceller, version string, logger *slog.Logger, metrics *observability.Metrics) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		registry:  reg,
		store:     store,
		canceller: canceller,
		info:      ServerInfo{Name: "wayfarer", Version: version},
		logger:    logger.With("component", "mcp"),
		metrics:   metrics,
	}
}

// ServeHTTP handles one JSON-RPC request per POST body. Notifications get
// 202 with no body.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeResponse(w, errorResponse(nil, CodeParseError, fmt.Sprintf("parse request: %v", err), nil))
		return
	}

	resp := s.Dispatch(r.Context(), &req)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeResponse(w, resp)
}

// Dispatch routes one request. A nil return means the request was a
// notification and has no response.
func (s *Server) Dispatch(ctx context.Context, req *Request) *Response {
	if req.JSONRPC != "2.0" {
		return errorResponse(req.ID, CodeInvalidRequest, "jsonrpc must be \"2.0\"", nil)
	}

	s.logger.Debug("rpc request", "method", req.Method)
	switch req.Method {
	case "initialize":
		return s.result(req.ID, InitializeResult{
			ProtocolVersion: ProtocolVersion,
			Capabilities:    Capabilities{Tools: ToolsCapability{ListChanged: false}},
			ServerInfo:      s.info,
		})
	case "notifications/initialized":
		return nil
	case "tools/list":
		return s.handleToolsList(req)
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	case "tasks/get":
		if s.store == nil {
			return errorResponse(req.ID, CodeMethodNotFound, "tasks/get is not available", nil)
		}
		return s.handleTasksGet(ctx, req)
	case "tasks/cancel":
		if s.canceller == nil {
			return errorResponse(req.ID, CodeMethodNotFound, "tasks/cancel is not available", nil)
		}
		return s.handleTasksCancel(ctx, req)
	default:
		if req.ID == nil {
			// Unknown notification; nothing to answer.
			return nil
		}
		return errorResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("unknown method %q", req.Method), nil)
	}
}

func (s *Server) handleToolsList(req *Request) *Response {
	infos := s.registry.List()
	out := ListToolsResult{Tools: make([]ToolDescriptor, 0, len(infos))}
	for _, info := range infos {
		out.Tools = append(out.Tools, ToolDescriptor{
			Name:        info.Name,
			Description: info.Description,
			InputSchema: info.InputSchema,
		})
	}
	return s.result(req.ID, out)
}

// handleToolsCall validates and executes a tool. Validation failures and
// unknown tools are invalid-params; execution failures surface the fault
// kind in error data.
func (s *Server) handleToolsCall(ctx context.Context, req *Request) *Response {
	var params CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, CodeInvalidParams, fmt.Sprintf("parse params: %v", err), nil)
	}
	if params.Name == "" {
		return errorResponse(req.ID, CodeInvalidParams, "tool name is required", nil)
	}

	tool, err := s.registry.Lookup(params.Name)
	if err != nil {
		return s.faultResponse(req.ID, err)
	}
	if err := tool.ValidateArguments(params.Arguments); err != nil {
		return s.faultResponse(req.ID, err)
	}

	result, err := tool.Declaration.Handler.Execute(ctx, params.Arguments)
	if err != nil {
		return s.faultResponse(req.ID, err)
	}

	out := CallToolResult{IsError: result.IsError}
	for _, c := range result.Content {
		out.Content = append(out.Content, ContentBlock{
			Type:     c.Type,
			Text:     c.Text,
			Data:     c.Data,
			MimeType: c.MimeType,
		})
	}
	return s.result(req.ID, out)
}

// handleTasksGet returns the hydrated task record. Unknown ids get the
// task-not-found code.
func (s *Server) handleTasksGet(ctx context.Context, req *Request) *Response {
	params, resp := s.taskParams(req)
	if resp != nil {
		return resp
	}
	task, err := s.store.Fetch(ctx, params.TaskID)
	if err != nil {
		if errors.Is(err, tasks.ErrNotFound) {
			return errorResponse(req.ID, CodeTaskNotFound, fmt.Sprintf("task %s not found", params.TaskID), nil)
		}
		return s.faultResponse(req.ID, err)
	}
	return s.result(req.ID, task)
}

// handleTasksCancel requests cancellation; the task winds down at its next
// step boundary.
func (s *Server) handleTasksCancel(ctx context.Context, req *Request) *Response {
	params, resp := s.taskParams(req)
	if resp != nil {
		return resp
	}
	if err := s.canceller.Cancel(ctx, params.TaskID); err != nil {
		if errors.Is(err, tasks.ErrNotFound) {
			return errorResponse(req.ID, CodeTaskNotFound, fmt.Sprintf("task %s not found", params.TaskID), nil)
		}
		return s.faultResponse(req.ID, err)
	}
	return s.result(req.ID, CancelTaskResult{TaskID: params.TaskID, Status: "CANCELLING"})
}

func (s *Server) taskParams(req *Request) (TaskParams, *Response) {
	var params TaskParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return params, errorResponse(req.ID, CodeInvalidParams, fmt.Sprintf("parse params: %v", err), nil)
	}
	if params.TaskID == "" {
		return params, errorResponse(req.ID, CodeInvalidParams, "task_id is required", nil)
	}
	return params, nil
}

// faultResponse maps a classified error onto the JSON-RPC code space:
// argument and lookup problems are invalid-params, task not found has its
// own code, everything else is a task error with data.kind.
func (s *Server) faultResponse(id any, err error) *Response {
	kind := fault.KindOf(err)
	data, _ := json.Marshal(map[string]string{"kind": string(kind)})

	code := CodeTaskError
	switch kind {
	case fault.KindUnknownTool, fault.KindInvalidArguments:
		code = CodeInvalidParams
	}
	msg := err.Error()
	if fe, ok := fault.As(err); ok {
		msg = fe.Message
	}
	return errorResponse(id, code, msg, data)
}

func (s *Server) result(id any, payload any) *Response {
	raw, err := json.Marshal(payload)
	if err != nil {
		return errorResponse(id, CodeInternalError, fmt.Sprintf("encode result: %v", err), nil)
	}
	return &Response{JSONRPC: "2.0", ID: id, Result: raw}
}

func errorResponse(id any, code int, message string, data json.RawMessage) *Response {
	return &Response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &Error{Code: code, Message: message, Data: data},
	}
}

func writeResponse(w http.ResponseWriter, resp *Response) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
