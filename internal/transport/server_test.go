package transport

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agentfusion/internal/consensus"
	"github.com/agentfusion/internal/events"
	"github.com/agentfusion/internal/metrics"
	"github.com/agentfusion/internal/orchestrator"
	"github.com/agentfusion/internal/registry"
	"github.com/agentfusion/internal/routing"
	"github.com/agentfusion/internal/store"
	"github.com/agentfusion/internal/types"
)

type fixture struct {
	server *Server
	ts     *httptest.Server
	store  *store.Store
	bus    *events.Bus
}

func newFixture(t *testing.T, agents ...types.AgentRecord) *fixture {
	t.Helper()
	s, err := store.Open(":memory:", 1)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	bus := events.NewBus(s, 0)
	reg := registry.New(bus, nil)
	for _, a := range agents {
		reg.Register(a)
	}
	router := routing.NewEngine(reg, routing.DefaultConfig())

	ccfg := consensus.DefaultConfig()
	ccfg.SoloDeadline = 5 * time.Second
	ce := consensus.NewEngine(s, bus, ccfg)
	ce.Start()

	rec := metrics.NewRecorder(bus, s)
	rec.Start()

	// No agent transport: solo tasks park in WAITING_INPUT for polling.
	orch := orchestrator.New(s, bus, reg, router, ce, nil, nil, orchestrator.DefaultConfig())

	srv, err := NewServer(DefaultConfig(), orch, nil, bus, s, reg, rec)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	srv.hub.Run()
	ts := httptest.NewServer(srv.Router())

	t.Cleanup(func() {
		ts.Close()
		srv.hub.Stop()
		rec.Stop()
		ce.Stop()
		orch.Stop()
		bus.Close()
		s.Close()
	})
	return &fixture{server: srv, ts: ts, store: s, bus: bus}
}

func docAgent(id string, strength float64) types.AgentRecord {
	return types.AgentRecord{
		ID:           id,
		Capabilities: map[types.Capability]float64{types.CapDocumentation: 0.9},
	}
}

// rpc posts one JSON-RPC request as the given agent
func (f *fixture) rpc(t *testing.T, agentID, method string, params interface{}) *types.RPCResponse {
	t.Helper()
	body := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	}
	data, _ := json.Marshal(body)

	req, _ := http.NewRequest(http.MethodPost, f.ts.URL+"/mcp", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Agent-ID", agentID)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /mcp: %v", err)
	}
	defer resp.Body.Close()

	var out types.RPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return &out
}

func TestToolsList(t *testing.T) {
	f := newFixture(t, docAgent("agent-a", 0.9))

	resp := f.rpc(t, "agent-a", "tools/list", nil)
	if resp.Error != nil {
		t.Fatalf("tools/list error: %+v", resp.Error)
	}

	result := resp.Result.(map[string]interface{})
	tools := result["tools"].([]interface{})

	want := []string{
		"assign_task", "cancel_task", "complete_task", "continue_task",
		"create_consensus_task", "create_simple_task", "get_context_stats",
		"get_pending_tasks", "get_rebuild_status", "get_task_status",
		"query_context", "rebuild_context", "refresh_context",
		"respond_to_task", "submit_input",
	}
	if len(tools) != len(want) {
		t.Fatalf("expected %d tools, got %d", len(want), len(tools))
	}
	for i, name := range want {
		got := tools[i].(map[string]interface{})["name"]
		if got != name {
			t.Errorf("tool %d: expected %s, got %v", i, name, got)
		}
	}
}

func TestSchemaValidation_OutOfRangeComplexity(t *testing.T) {
	f := newFixture(t, docAgent("agent-a", 0.9))

	for _, c := range []int{0, 11} {
		resp := f.rpc(t, "agent-a", "create_simple_task", map[string]interface{}{
			"title":      "x",
			"complexity": c,
		})
		if resp.Error == nil || resp.Error.Code != types.CodeInvalidArgs {
			t.Errorf("complexity=%d: expected -32602, got %+v", c, resp.Error)
		}
	}
}

func TestSchemaValidation_MissingRequired(t *testing.T) {
	f := newFixture(t, docAgent("agent-a", 0.9))

	resp := f.rpc(t, "agent-a", "submit_input", map[string]interface{}{
		"taskId": "t1",
		// agentId and content missing
	})
	if resp.Error == nil || resp.Error.Code != types.CodeInvalidArgs {
		t.Fatalf("expected -32602 for missing required params, got %+v", resp.Error)
	}
}

func TestMethodNotFound(t *testing.T) {
	f := newFixture(t)
	resp := f.rpc(t, "agent-a", "no_such_tool", map[string]interface{}{})
	if resp.Error == nil || resp.Error.Code != types.CodeMethodNotFound {
		t.Fatalf("expected -32601, got %+v", resp.Error)
	}
}

func TestParseError(t *testing.T) {
	f := newFixture(t)

	req, _ := http.NewRequest(http.MethodPost, f.ts.URL+"/mcp", strings.NewReader("{not json"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	var out types.RPCResponse
	json.NewDecoder(resp.Body).Decode(&out)
	if out.Error == nil || out.Error.Code != types.CodeParseError {
		t.Fatalf("expected -32700, got %+v", out.Error)
	}
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t, docAgent("agent-a", 0.9))

	created := f.rpc(t, "creator", "create_simple_task", map[string]interface{}{
		"title":      "Fix typo in README",
		"type":       "DOCUMENTATION",
		"complexity": 1,
		"risk":       1,
	})
	if created.Error != nil {
		t.Fatalf("create_simple_task: %+v", created.Error)
	}
	taskID := created.Result.(map[string]interface{})["taskId"].(string)

	// Pull deployment: the assignee polls and submits.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		pending := f.rpc(t, "agent-a", "get_pending_tasks", map[string]interface{}{})
		if pending.Error == nil {
			if tasks, ok := pending.Result.(map[string]interface{})["tasks"].([]interface{}); ok && len(tasks) == 1 {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
	}

	submitted := f.rpc(t, "agent-a", "submit_input", map[string]interface{}{
		"taskId":     taskID,
		"agentId":    "agent-a",
		"inputType":  "INITIAL_SOLUTION",
		"confidence": 0.9,
		"content":    "fixed the typo",
	})
	if submitted.Error != nil {
		t.Fatalf("submit_input: %+v", submitted.Error)
	}
	proposalID := submitted.Result.(map[string]interface{})["proposalId"].(string)

	// Idempotence: identical content returns the same proposal ID.
	dup := f.rpc(t, "agent-a", "submit_input", map[string]interface{}{
		"taskId":     taskID,
		"agentId":    "agent-a",
		"inputType":  "INITIAL_SOLUTION",
		"confidence": 0.9,
		"content":    "fixed the typo",
	})
	if dup.Error != nil {
		t.Fatalf("duplicate submit_input: %+v", dup.Error)
	}
	if dupID := dup.Result.(map[string]interface{})["proposalId"].(string); dupID != proposalID {
		t.Errorf("duplicate submit should return %s, got %s", proposalID, dupID)
	}

	deadline = time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		status := f.rpc(t, "creator", "get_task_status", map[string]interface{}{"taskId": taskID})
		if status.Error != nil {
			t.Fatalf("get_task_status: %+v", status.Error)
		}
		if status.Result.(map[string]interface{})["status"] == "COMPLETED" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("task never completed over HTTP")
}

func TestCompleteTask_UnauthorizedOverHTTP(t *testing.T) {
	f := newFixture(t, docAgent("agent-a", 0.9))

	created := f.rpc(t, "agent-a", "create_simple_task", map[string]interface{}{
		"title": "write docs",
		"type":  "DOCUMENTATION",
	})
	taskID := created.Result.(map[string]interface{})["taskId"].(string)

	resp := f.rpc(t, "agent-b", "complete_task", map[string]interface{}{
		"taskId":        taskID,
		"resultSummary": "done",
	})
	if resp.Error == nil || resp.Error.Code != types.CodeUnauthorized {
		t.Fatalf("expected -32005, got %+v", resp.Error)
	}
}

func TestTaskNotFoundMapsToCode(t *testing.T) {
	f := newFixture(t)
	resp := f.rpc(t, "agent-a", "get_task_status", map[string]interface{}{"taskId": "missing"})
	if resp.Error == nil || resp.Error.Code != types.CodeTaskNotFound {
		t.Fatalf("expected -32001, got %+v", resp.Error)
	}
}

func TestSSE_StreamsTopicEvents(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.ts.URL + "/sse/tasks")
	if err != nil {
		t.Fatalf("GET /sse/tasks: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected event-stream, got %s", ct)
	}

	f.bus.Publish(events.New(events.EventTaskCreated, "task-9", "", map[string]interface{}{"title": "t"}))

	reader := bufio.NewReader(resp.Body)
	var id, eventType, data string
	deadline := time.After(3 * time.Second)
	lines := make(chan string, 16)
	go func() {
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			lines <- strings.TrimRight(line, "\n")
		}
	}()

	for data == "" {
		select {
		case line := <-lines:
			switch {
			case strings.HasPrefix(line, "id: "):
				id = strings.TrimPrefix(line, "id: ")
			case strings.HasPrefix(line, "event: "):
				eventType = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			}
		case <-deadline:
			t.Fatal("no SSE frame received")
		}
	}

	if eventType != string(events.EventTaskCreated) {
		t.Errorf("expected task_created frame, got %s", eventType)
	}
	if id != "1" {
		t.Errorf("expected frame id 1 (bus seq), got %s", id)
	}
	var ev events.Event
	if err := json.Unmarshal([]byte(data), &ev); err != nil || ev.TaskID != "task-9" {
		t.Errorf("bad frame payload: %s", data)
	}
}

func TestSSE_UnknownTopic(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.ts.URL + "/sse/nonsense")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestHealthAndStats(t *testing.T) {
	f := newFixture(t, docAgent("agent-a", 0.9))

	resp, err := http.Get(f.ts.URL + "/api/health")
	if err != nil {
		t.Fatalf("GET /api/health: %v", err)
	}
	defer resp.Body.Close()
	var health map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&health)
	if health["status"] != "ok" {
		t.Errorf("expected ok, got %v", health)
	}

	f.rpc(t, "creator", "create_simple_task", map[string]interface{}{
		"title": "t", "type": "DOCUMENTATION",
	})

	stats, err := http.Get(f.ts.URL + "/api/stats")
	if err != nil {
		t.Fatalf("GET /api/stats: %v", err)
	}
	defer stats.Body.Close()
	var out map[string]interface{}
	json.NewDecoder(stats.Body).Decode(&out)
	if _, ok := out["tasks_by_status"]; !ok {
		t.Errorf("stats missing tasks_by_status: %v", out)
	}
	if _, ok := out["agents"].(map[string]interface{})["agent-a"]; !ok {
		t.Errorf("stats missing agent-a: %v", out)
	}
}

func TestBusyWhenInflightExhausted(t *testing.T) {
	f := newFixture(t)
	// Saturate the limiter by hand.
	for i := 0; i < f.server.cfg.MaxInflight; i++ {
		f.server.inflight <- struct{}{}
	}
	defer func() {
		for i := 0; i < f.server.cfg.MaxInflight; i++ {
			<-f.server.inflight
		}
	}()

	resp := f.rpc(t, "agent-a", "get_pending_tasks", map[string]interface{}{})
	if resp.Error == nil || resp.Error.Code != types.CodeBusy {
		t.Fatalf("expected -32004 Busy, got %+v", resp.Error)
	}
}

func TestRPCErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{types.InvalidArgf("x", "bad"), types.CodeInvalidArgs},
		{fmt.Errorf("wrap: %w", types.ErrNotFound), types.CodeTaskNotFound},
		{fmt.Errorf("wrap: %w", types.ErrConflictingState), types.CodeConflictingState},
		{fmt.Errorf("wrap: %w", types.ErrNoEligibleAgent), types.CodeNoEligibleAgent},
		{types.ErrBusy, types.CodeBusy},
		{fmt.Errorf("wrap: %w", types.ErrUnauthorized), types.CodeUnauthorized},
		{fmt.Errorf("boom"), types.CodeInternal},
	}
	for _, tc := range cases {
		if got := toRPCError(tc.err); got.Code != tc.code {
			t.Errorf("toRPCError(%v) = %d, want %d", tc.err, got.Code, tc.code)
		}
	}
}
