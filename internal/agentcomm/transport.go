// Package agentcomm carries work between the orchestrator and external
// agent adapters. Agents connect to the broker as plain NATS clients and
// serve request/reply on their dispatch and ping subjects.
package agentcomm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	nc "github.com/nats-io/nats.go"
)

// Subject patterns for agent messaging. Use fmt.Sprintf with the agent ID.
const (
	// SubjectAgentDispatch carries work requests to a specific agent
	SubjectAgentDispatch = "agent.%s.dispatch"

	// SubjectAgentPing probes agent liveness
	SubjectAgentPing = "agent.%s.ping"

	// SubjectContextQuery is served by the context-retrieval subsystem
	SubjectContextQuery = "context.query"
)

// Request is the work payload sent to an agent
type Request struct {
	TaskID  string `json:"task_id"`
	Prompt  string `json:"prompt"`
	Stage   int    `json:"stage"`
	Context string `json:"context,omitempty"`
}

// Response is an agent's reply to a dispatch
type Response struct {
	Content    string  `json:"content"`
	InputType  string  `json:"input_type,omitempty"`
	Confidence float64 `json:"confidence"`
	TokensIn   int     `json:"tokens_in,omitempty"`
	TokensOut  int     `json:"tokens_out,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// Transport is the contract the orchestrator and registry depend on
type Transport interface {
	Call(ctx context.Context, agentID string, req *Request) (*Response, error)
	Ping(ctx context.Context, agentID string) error
}

// permanentError marks a dependency failure not worth retrying
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// IsTransient classifies a transport error: timeouts and missing
// responders are retryable, malformed replies are not.
func IsTransient(err error) bool {
	var pe *permanentError
	return err != nil && !errors.As(err, &pe)
}

// NATSTransport implements Transport over a NATS connection
type NATSTransport struct {
	conn *nc.Conn
}

// Connect dials the broker with indefinite reconnects, the same handler
// wiring the rest of the system logs with.
func Connect(url string) (*NATSTransport, error) {
	opts := []nc.Option{
		nc.ReconnectWait(2 * time.Second),
		nc.MaxReconnects(-1),
		nc.DisconnectErrHandler(func(conn *nc.Conn, err error) {
			if err != nil {
				log.Printf("[NATS] disconnected: %v", err)
			}
		}),
		nc.ReconnectHandler(func(conn *nc.Conn) {
			log.Printf("[NATS] reconnected to %s", conn.ConnectedUrl())
		}),
		nc.ClosedHandler(func(conn *nc.Conn) {
			log.Printf("[NATS] connection closed")
		}),
	}

	conn, err := nc.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSTransport{conn: conn}, nil
}

// NewNATSTransport wraps an existing connection (tests, embedded broker)
func NewNATSTransport(conn *nc.Conn) *NATSTransport {
	return &NATSTransport{conn: conn}
}

// Close closes the underlying connection
func (t *NATSTransport) Close() {
	if t.conn != nil {
		t.conn.Close()
	}
}

// Conn exposes the underlying connection for sibling clients
func (t *NATSTransport) Conn() *nc.Conn {
	return t.conn
}

// Call sends a work request to an agent and waits for its reply until
// ctx expires.
func (t *NATSTransport) Call(ctx context.Context, agentID string, req *Request) (*Response, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, &permanentError{err: fmt.Errorf("failed to marshal request: %w", err)}
	}

	subject := fmt.Sprintf(SubjectAgentDispatch, agentID)
	msg, err := t.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		// No responder and timeouts are transient; the agent may be
		// reconnecting or mid-restart.
		return nil, fmt.Errorf("dispatch to %s failed: %w", agentID, err)
	}

	var resp Response
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, &permanentError{err: fmt.Errorf("malformed reply from %s: %w", agentID, err)}
	}
	if resp.Error != "" {
		return nil, &permanentError{err: fmt.Errorf("agent %s reported: %s", agentID, resp.Error)}
	}
	return &resp, nil
}

// Ping probes an agent's liveness
func (t *NATSTransport) Ping(ctx context.Context, agentID string) error {
	subject := fmt.Sprintf(SubjectAgentPing, agentID)
	if _, err := t.conn.RequestWithContext(ctx, subject, []byte("ping")); err != nil {
		return fmt.Errorf("ping to %s failed: %w", agentID, err)
	}
	return nil
}
