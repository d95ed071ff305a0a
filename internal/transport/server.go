// Package transport exposes the orchestrator over JSON-RPC 2.0 at
// POST /mcp, server-sent events per topic, and an operator WebSocket
// feed.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/agentfusion/internal/contextclient"
	"github.com/agentfusion/internal/events"
	"github.com/agentfusion/internal/metrics"
	"github.com/agentfusion/internal/orchestrator"
	"github.com/agentfusion/internal/registry"
	"github.com/agentfusion/internal/store"
	"github.com/agentfusion/internal/types"
)

// protocolVersion is reported by initialize
const protocolVersion = "2025-03-26"

// Config tunes the HTTP surface
type Config struct {
	Port          int
	MaxInflight   int           // concurrent tool calls before Busy
	SSEQueueSize  int           // per-connection event queue
	KeepAlive     time.Duration // SSE ping interval
}

// DefaultConfig returns the standard transport tuning
func DefaultConfig() Config {
	return Config{
		Port:         8700,
		MaxInflight:  64,
		SSEQueueSize: 128,
		KeepAlive:    30 * time.Second,
	}
}

// Server is the HTTP transport
type Server struct {
	cfg      Config
	tools    *ToolRegistry
	bus      *events.Bus
	store    *store.Store
	registry *registry.Registry
	recorder *metrics.Recorder
	hub      *Hub
	inflight chan struct{}
	httpSrv  *http.Server
}

// NewServer wires the tool surface and live feeds
func NewServer(cfg Config, orch *orchestrator.Orchestrator, ctxp contextclient.Provider,
	bus *events.Bus, s *store.Store, reg *registry.Registry, rec *metrics.Recorder) (*Server, error) {
	if cfg.MaxInflight <= 0 {
		cfg = DefaultConfig()
	}
	if ctxp == nil {
		ctxp = contextclient.Noop{}
	}

	tools := NewToolRegistry()
	if err := registerTools(tools, orch, ctxp); err != nil {
		return nil, err
	}

	srv := &Server{
		cfg:      cfg,
		tools:    tools,
		bus:      bus,
		store:    s,
		registry: reg,
		recorder: rec,
		hub:      NewHub(bus),
		inflight: make(chan struct{}, cfg.MaxInflight),
	}
	return srv, nil
}

// Router builds the HTTP route table
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/mcp", s.handleMCP).Methods(http.MethodPost)
	r.HandleFunc("/sse/{topic}", s.handleSSE).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.hub.ServeWS).Methods(http.MethodGet)
	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/stats", s.handleStats).Methods(http.MethodGet)
	return r
}

// Start binds the listener and serves until Shutdown. A failed bind is
// returned immediately so main can exit with the port-bind code.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", addr, err)
	}

	s.hub.Run()
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE connections are long-lived
	}

	log.Printf("[TRANSPORT] listening on %s", addr)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("[TRANSPORT] ERROR: server stopped: %v", err)
		}
	}()
	return nil
}

// Shutdown drains connections and stops the hub
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Stop()
	if s.httpSrv != nil {
		return s.httpSrv.Shutdown(ctx)
	}
	return nil
}

// callerID resolves the calling agent's identity
func callerID(r *http.Request) string {
	if id := r.Header.Get("X-Agent-ID"); id != "" {
		return id
	}
	if id := r.URL.Query().Get("agent_id"); id != "" {
		return id
	}
	return "anonymous"
}

// handleMCP dispatches one JSON-RPC request
func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	caller := callerID(r)

	var req types.RPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeResponse(w, &types.RPCResponse{
			JSONRPC: "2.0",
			Error:   &types.RPCError{Code: types.CodeParseError, Message: "Parse error"},
		})
		return
	}

	resp := s.dispatch(caller, &req)
	if req.ID == nil && resp.Error == nil {
		// Notification: no response body.
		w.WriteHeader(http.StatusAccepted)
		return
	}
	s.writeResponse(w, resp)
}

// dispatch routes a JSON-RPC method. Tools are addressable both as
// plain methods and through MCP tools/call.
func (s *Server) dispatch(caller string, req *types.RPCRequest) *types.RPCResponse {
	resp := &types.RPCResponse{JSONRPC: "2.0", ID: req.ID}

	switch req.Method {
	case "initialize":
		resp.Result = map[string]interface{}{
			"protocolVersion": protocolVersion,
			"serverInfo": map[string]interface{}{
				"name":    "agentfusion",
				"version": "1.0.0",
			},
			"capabilities": map[string]interface{}{
				"tools": map[string]interface{}{},
			},
		}
		return resp

	case "tools/list":
		resp.Result = map[string]interface{}{"tools": s.tools.List()}
		return resp

	case "tools/call":
		var call struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := json.Unmarshal(req.Params, &call); err != nil {
			resp.Error = &types.RPCError{Code: types.CodeInvalidArgs, Message: "invalid tools/call params"}
			return resp
		}
		return s.execute(caller, call.Name, call.Arguments, resp)

	default:
		if _, ok := s.tools.Get(req.Method); ok {
			return s.execute(caller, req.Method, req.Params, resp)
		}
		resp.Error = &types.RPCError{Code: types.CodeMethodNotFound,
			Message: fmt.Sprintf("method not found: %s", req.Method)}
		return resp
	}
}

// execute runs a tool under the in-flight limit
func (s *Server) execute(caller, name string, params json.RawMessage, resp *types.RPCResponse) *types.RPCResponse {
	select {
	case s.inflight <- struct{}{}:
		defer func() { <-s.inflight }()
	default:
		resp.Error = toRPCError(types.ErrBusy)
		return resp
	}

	result, err := s.tools.Execute(name, caller, params)
	if err != nil {
		resp.Error = toRPCError(err)
		return resp
	}
	resp.Result = result
	return resp
}

func (s *Server) writeResponse(w http.ResponseWriter, resp *types.RPCResponse) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("[TRANSPORT] ERROR: writing response: %v", err)
	}
}

// handleHealth reports liveness
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "ok",
		"seq":    s.bus.Seq(),
		"time":   time.Now().UTC(),
	})
}

// handleStats serves the dashboard aggregate
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	byStatus := map[string]int{}
	for _, status := range []types.TaskStatus{
		types.StatusPending, types.StatusAssigned, types.StatusInProgress,
		types.StatusWaitingInput, types.StatusDeciding, types.StatusCompleted,
		types.StatusFailed, types.StatusCancelled,
	} {
		_, total, err := s.store.ListTasks(store.TaskFilter{Status: status},
			store.TaskSort{}, store.TaskPage{Limit: 1})
		if err == nil && total > 0 {
			byStatus[string(status)] = total
		}
	}

	agents := map[string]string{}
	for _, a := range s.registry.All() {
		agents[a.ID] = string(a.Status)
	}

	out := map[string]interface{}{
		"tasks_by_status": byStatus,
		"agents":          agents,
		"dropped_events":  s.bus.DroppedEventCount(),
	}
	if s.recorder != nil {
		out["counters"] = s.recorder.TakeSnapshot()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}
