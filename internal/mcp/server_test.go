package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/haasonsaas/wayfarer/internal/fault"
	"github.com/haasonsaas/wayfarer/internal/registry"
	"github.com/haasonsaas/wayfarer/internal/tasks"
)

// echoHandler returns its arguments as text.
type echoHandler struct{}

func (echoHandler) Execute(ctx context.Context, args json.RawMessage) (*registry.Result, error) {
	return registry.TextResult(string(args)), nil
}

// failingHandler always fails with a classified error.
type failingHandler struct{ kind fault.Kind }

func (h failingHandler) Execute(ctx context.Context, args json.RawMessage) (*registry.Result, error) {
	return nil, fault.New(h.kind, "browser lost its session")
}

func newTestServer(t *testing.T, handlers map[string]registry.Handler) *Server {
	t.Helper()
	var decls []registry.Declaration
	for name, h := range handlers {
		decls = append(decls, registry.Declaration{
			Name:        name,
			Handwritten: "test tool " + name,
			Parameters: map[string]registry.Parameter{
				"instructions": {Type: "string", Required: true},
			},
			Capabilities: []registry.Capability{registry.CapabilityOneShot},
			Handler:      h,
		})
	}
	reg, err := registry.New(context.Background(), decls, registry.Options{ModelID: "none"})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return NewServer(reg, nil, nil, "test", nil, nil)
}

func post(t *testing.T, s *Server, body string) (*httptest.ResponseRecorder, *Response) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Body.Len() == 0 {
		return rec, nil
	}
	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
	}
	return rec, &resp
}

func TestInitializeHandshake(t *testing.T) {
	s := newTestServer(t, map[string]registry.Handler{"browse": echoHandler{}})

	_, resp := post(t, s, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	if resp.Error != nil {
		t.Fatalf("error = %+v", resp.Error)
	}
	var result InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.ProtocolVersion != ProtocolVersion || result.ServerInfo.Name != "wayfarer" {
		t.Fatalf("result = %+v", result)
	}
}

func TestInitializedNotificationHasNoBody(t *testing.T) {
	s := newTestServer(t, map[string]registry.Handler{"browse": echoHandler{}})

	rec, resp := post(t, s, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	if resp != nil {
		t.Fatalf("notification answered: %+v", resp)
	}
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestToolsListServesCatalog(t *testing.T) {
	s := newTestServer(t, map[string]registry.Handler{"browse": echoHandler{}})

	_, resp := post(t, s, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	var result ListToolsResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(result.Tools) != 1 || result.Tools[0].Name != "browse" {
		t.Fatalf("tools = %+v", result.Tools)
	}
	if !strings.Contains(string(result.Tools[0].InputSchema), `"additionalProperties":false`) {
		t.Fatalf("schema = %s", result.Tools[0].InputSchema)
	}
}

func TestToolsCallExecutes(t *testing.T) {
	s := newTestServer(t, map[string]registry.Handler{"browse": echoHandler{}})

	_, resp := post(t, s, `{"jsonrpc":"2.0","id":3,"method":"tools/call",
		"params":{"name":"browse","arguments":{"instructions":"read example.com"}}}`)
	if resp.Error != nil {
		t.Fatalf("error = %+v", resp.Error)
	}
	var result CallToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(result.Content) != 1 || !strings.Contains(result.Content[0].Text, "read example.com") {
		t.Fatalf("content = %+v", result.Content)
	}
}

func TestUnknownMethodIsMethodNotFound(t *testing.T) {
	s := newTestServer(t, map[string]registry.Handler{"browse": echoHandler{}})

	_, resp := post(t, s, `{"jsonrpc":"2.0","id":4,"method":"resources/list"}`)
	if resp.Error == nil || resp.Error.Code != CodeMethodNotFound {
		t.Fatalf("error = %+v", resp.Error)
	}
}

func TestUnknownToolIsInvalidParams(t *testing.T) {
	s := newTestServer(t, map[string]registry.Handler{"browse": echoHandler{}})

	_, resp := post(t, s, `{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"nope"}}`)
	if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Fatalf("error = %+v", resp.Error)
	}
	var data map[string]string
	if err := json.Unmarshal(resp.Error.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data["kind"] != string(fault.KindUnknownTool) {
		t.Fatalf("kind = %q", data["kind"])
	}
}

func TestSchemaRejectionBeforeExecution(t *testing.T) {
	s := newTestServer(t, map[string]registry.Handler{"browse": echoHandler{}})

	// Unknown argument key trips additionalProperties before the handler runs.
	_, resp := post(t, s, `{"jsonrpc":"2.0","id":6,"method":"tools/call",
		"params":{"name":"browse","arguments":{"instructions":"x","bogus":true}}}`)
	if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Fatalf("error = %+v", resp.Error)
	}
	var data map[string]string
	_ = json.Unmarshal(resp.Error.Data, &data)
	if data["kind"] != string(fault.KindInvalidArguments) {
		t.Fatalf("kind = %q", data["kind"])
	}
}

func TestExecutionFailureIsTaskError(t *testing.T) {
	s := newTestServer(t, map[string]registry.Handler{
		"browse": failingHandler{kind: fault.KindBrowserCrashed},
	})

	_, resp := post(t, s, `{"jsonrpc":"2.0","id":7,"method":"tools/call",
		"params":{"name":"browse","arguments":{"instructions":"x"}}}`)
	if resp.Error == nil || resp.Error.Code != CodeTaskError {
		t.Fatalf("error = %+v", resp.Error)
	}
	var data map[string]string
	_ = json.Unmarshal(resp.Error.Data, &data)
	if data["kind"] != string(fault.KindBrowserCrashed) {
		t.Fatalf("kind = %q", data["kind"])
	}
	if resp.Error.Message != "browser lost its session" {
		t.Fatalf("message = %q", resp.Error.Message)
	}
}

func TestMalformedBodyIsParseError(t *testing.T) {
	s := newTestServer(t, map[string]registry.Handler{"browse": echoHandler{}})

	_, resp := post(t, s, `{"jsonrpc":`)
	if resp.Error == nil || resp.Error.Code != CodeParseError {
		t.Fatalf("error = %+v", resp.Error)
	}
}

func TestWrongVersionIsInvalidRequest(t *testing.T) {
	s := newTestServer(t, map[string]registry.Handler{"browse": echoHandler{}})

	_, resp := post(t, s, `{"jsonrpc":"1.0","id":8,"method":"initialize"}`)
	if resp.Error == nil || resp.Error.Code != CodeInvalidRequest {
		t.Fatalf("error = %+v", resp.Error)
	}
}

func TestGetIsRejected(t *testing.T) {
	s := newTestServer(t, map[string]registry.Handler{"browse": echoHandler{}})

	req := httptest.NewRequest(http.MethodGet, "/v1", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rec.Code)
	}
}

// fakeCanceller records cancellations and serves a scripted error.
type fakeCanceller struct {
	cancelled []string
	err       error
}

func (f *fakeCanceller) Cancel(ctx context.Context, taskID string) error {
	if f.err != nil {
		return f.err
	}
	f.cancelled = append(f.cancelled, taskID)
	return nil
}

func newTaskServer(t *testing.T, canceller TaskCanceller) (*Server, *tasks.MemoryStore) {
	t.Helper()
	reg, err := registry.New(context.Background(), nil, registry.Options{ModelID: "none"})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	store := tasks.NewMemoryStore()
	return NewServer(reg, store, canceller, "test", nil, nil), store
}

func TestTasksGetReturnsRecord(t *testing.T) {
	s, store := newTaskServer(t, &fakeCanceller{})
	task := &tasks.Task{
		ID:            "task-9",
		ToolName:      "browseWebAndReturnText",
		Status:        tasks.StatusQueued,
		MaxSteps:      3,
		ExecutionMode: tasks.ModeAuto,
	}
	if err := store.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("create: %v", err)
	}

	_, resp := post(t, s, `{"jsonrpc":"2.0","id":7,"method":"tasks/get","params":{"task_id":"task-9"}}`)
	if resp.Error != nil {
		t.Fatalf("error = %+v", resp.Error)
	}
	var got tasks.Task
	if err := json.Unmarshal(resp.Result, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != "task-9" || got.Status != tasks.StatusQueued {
		t.Fatalf("task = %+v", got)
	}
}

func TestTasksGetUnknownIDIsTaskNotFound(t *testing.T) {
	s, _ := newTaskServer(t, &fakeCanceller{})

	_, resp := post(t, s, `{"jsonrpc":"2.0","id":8,"method":"tasks/get","params":{"task_id":"nope"}}`)
	if resp.Error == nil || resp.Error.Code != CodeTaskNotFound {
		t.Fatalf("error = %+v", resp.Error)
	}
}

func TestTasksCancelAcknowledges(t *testing.T) {
	canceller := &fakeCanceller{}
	s, _ := newTaskServer(t, canceller)

	_, resp := post(t, s, `{"jsonrpc":"2.0","id":9,"method":"tasks/cancel","params":{"task_id":"task-9"}}`)
	if resp.Error != nil {
		t.Fatalf("error = %+v", resp.Error)
	}
	var result CancelTaskResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.TaskID != "task-9" || result.Status != "CANCELLING" {
		t.Fatalf("result = %+v", result)
	}
	if len(canceller.cancelled) != 1 {
		t.Fatalf("cancelled = %v", canceller.cancelled)
	}
}

func TestTasksCancelUnknownIDIsTaskNotFound(t *testing.T) {
	s, _ := newTaskServer(t, &fakeCanceller{err: tasks.ErrNotFound})

	_, resp := post(t, s, `{"jsonrpc":"2.0","id":10,"method":"tasks/cancel","params":{"task_id":"nope"}}`)
	if resp.Error == nil || resp.Error.Code != CodeTaskNotFound {
		t.Fatalf("error = %+v", resp.Error)
	}
}

func TestTasksMethodsDisabledWithoutCollaborators(t *testing.T) {
	s := newTestServer(t, map[string]registry.Handler{"browse": echoHandler{}})

	_, resp := post(t, s, `{"jsonrpc":"2.0","id":11,"method":"tasks/get","params":{"task_id":"x"}}`)
	if resp.Error == nil || resp.Error.Code != CodeMethodNotFound {
		t.Fatalf("error = %+v", resp.Error)
	}
}
