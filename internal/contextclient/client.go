// Package contextclient gives the orchestrator read access to the
// external context-retrieval subsystem. Failures are non-fatal: prompts
// are simply built without context.
package contextclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	nc "github.com/nats-io/nats.go"
	gocache "github.com/patrickmn/go-cache"

	"github.com/agentfusion/internal/types"
)

// Provider is the contract the core consumes
type Provider interface {
	Query(ctx context.Context, query, scope string, budget int) ([]types.ContextSnippet, error)
	Refresh(ctx context.Context, scope string) error
	Rebuild(ctx context.Context) (string, error)
	RebuildStatus(ctx context.Context, jobID string) (map[string]interface{}, error)
	Stats(ctx context.Context) (map[string]interface{}, error)
}

// queryRequest is the wire shape served by the retrieval subsystem
type queryRequest struct {
	Op     string `json:"op"` // query, refresh, rebuild, rebuild_status, stats
	Query  string `json:"query,omitempty"`
	Scope  string `json:"scope,omitempty"`
	Budget int    `json:"budget,omitempty"`
	JobID  string `json:"job_id,omitempty"`
}

type queryResponse struct {
	Snippets []types.ContextSnippet `json:"snippets,omitempty"`
	JobID    string                 `json:"job_id,omitempty"`
	Status   map[string]interface{} `json:"status,omitempty"`
	Error    string                 `json:"error,omitempty"`
}

// Client talks to the provider over NATS request/reply and caches query
// results for a short TTL so repeated prompt builds stay cheap.
type Client struct {
	conn    *nc.Conn
	subject string
	timeout time.Duration
	cache   *gocache.Cache
}

// NewClient creates a caching provider client
func NewClient(conn *nc.Conn, subject string, timeout, cacheTTL time.Duration) *Client {
	if subject == "" {
		subject = "context.query"
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if cacheTTL <= 0 {
		cacheTTL = 2 * time.Minute
	}
	return &Client{
		conn:    conn,
		subject: subject,
		timeout: timeout,
		cache:   gocache.New(cacheTTL, 2*cacheTTL),
	}
}

func (c *Client) roundTrip(ctx context.Context, req *queryRequest) (*queryResponse, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal context request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	msg, err := c.conn.RequestWithContext(callCtx, c.subject, data)
	if err != nil {
		return nil, fmt.Errorf("context provider unavailable: %w", err)
	}

	var resp queryResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("malformed context reply: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("context provider: %s", resp.Error)
	}
	return &resp, nil
}

// Query retrieves snippets for a query, serving a warm cache when the
// same (query, scope, budget) was asked recently.
func (c *Client) Query(ctx context.Context, query, scope string, budget int) ([]types.ContextSnippet, error) {
	key := fmt.Sprintf("%s|%s|%d", query, scope, budget)
	if cached, ok := c.cache.Get(key); ok {
		return cached.([]types.ContextSnippet), nil
	}

	resp, err := c.roundTrip(ctx, &queryRequest{Op: "query", Query: query, Scope: scope, Budget: budget})
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, resp.Snippets, gocache.DefaultExpiration)
	return resp.Snippets, nil
}

// Refresh asks the provider to re-index a scope and drops the cache
func (c *Client) Refresh(ctx context.Context, scope string) error {
	c.cache.Flush()
	_, err := c.roundTrip(ctx, &queryRequest{Op: "refresh", Scope: scope})
	return err
}

// Rebuild starts a full index rebuild and returns the job ID
func (c *Client) Rebuild(ctx context.Context) (string, error) {
	c.cache.Flush()
	resp, err := c.roundTrip(ctx, &queryRequest{Op: "rebuild"})
	if err != nil {
		return "", err
	}
	return resp.JobID, nil
}

// RebuildStatus reports progress of a rebuild job
func (c *Client) RebuildStatus(ctx context.Context, jobID string) (map[string]interface{}, error) {
	resp, err := c.roundTrip(ctx, &queryRequest{Op: "rebuild_status", JobID: jobID})
	if err != nil {
		return nil, err
	}
	return resp.Status, nil
}

// Stats returns provider index statistics
func (c *Client) Stats(ctx context.Context) (map[string]interface{}, error) {
	resp, err := c.roundTrip(ctx, &queryRequest{Op: "stats"})
	if err != nil {
		return nil, err
	}
	return resp.Status, nil
}

// Noop is the fallback provider when no retrieval subsystem is wired.
// Query returns nothing, Refresh logs and succeeds, Stats reports an empty
// index, and Rebuild and RebuildStatus return an error.
type Noop struct{}

// Query returns no snippets
func (Noop) Query(ctx context.Context, query, scope string, budget int) ([]types.ContextSnippet, error) {
	return nil, nil
}

// Refresh is a no-op
func (Noop) Refresh(ctx context.Context, scope string) error {
	log.Printf("[CONTEXT] refresh requested but no provider is configured")
	return nil
}

// Rebuild fails: there is no index to rebuild
func (Noop) Rebuild(ctx context.Context) (string, error) {
	return "", fmt.Errorf("no context provider configured")
}

// RebuildStatus fails: no rebuild job can exist
func (Noop) RebuildStatus(ctx context.Context, jobID string) (map[string]interface{}, error) {
	return nil, fmt.Errorf("no context provider configured")
}

// Stats reports an empty index
func (Noop) Stats(ctx context.Context) (map[string]interface{}, error) {
	return map[string]interface{}{"indexed": 0, "provider": "none"}, nil
}
