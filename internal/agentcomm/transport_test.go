package agentcomm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	nc "github.com/nats-io/nats.go"
)

// startBroker runs an embedded broker on a test port
func startBroker(t *testing.T, port int) *EmbeddedServer {
	t.Helper()
	broker := NewEmbeddedServer(EmbeddedServerConfig{Port: port})
	if err := broker.Start(); err != nil {
		t.Fatalf("broker start: %v", err)
	}
	t.Cleanup(broker.Shutdown)
	return broker
}

// fakeAgent subscribes as an agent adapter would
func fakeAgent(t *testing.T, url, agentID string, handler func(*Request) *Response) *nc.Conn {
	t.Helper()
	conn, err := nc.Connect(url)
	if err != nil {
		t.Fatalf("agent connect: %v", err)
	}
	t.Cleanup(conn.Close)

	conn.Subscribe(fmt.Sprintf(SubjectAgentDispatch, agentID), func(msg *nc.Msg) {
		var req Request
		json.Unmarshal(msg.Data, &req)
		resp := handler(&req)
		data, _ := json.Marshal(resp)
		msg.Respond(data)
	})
	conn.Subscribe(fmt.Sprintf(SubjectAgentPing, agentID), func(msg *nc.Msg) {
		msg.Respond([]byte("pong"))
	})
	conn.Flush()
	return conn
}

func TestNATSTransport_CallAndPing(t *testing.T) {
	broker := startBroker(t, 14301)

	fakeAgent(t, broker.ClientURL(), "agent-a", func(req *Request) *Response {
		return &Response{
			Content:    "echo: " + req.Prompt,
			Confidence: 0.8,
			TokensOut:  12,
		}
	})

	transport, err := Connect(broker.ClientURL())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer transport.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := transport.Call(ctx, "agent-a", &Request{TaskID: "t1", Prompt: "do the thing"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.Content != "echo: do the thing" || resp.Confidence != 0.8 {
		t.Errorf("unexpected response: %+v", resp)
	}

	if err := transport.Ping(ctx, "agent-a"); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestNATSTransport_NoResponderIsTransient(t *testing.T) {
	broker := startBroker(t, 14302)

	transport, err := Connect(broker.ClientURL())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer transport.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	_, err = transport.Call(ctx, "ghost", &Request{TaskID: "t1", Prompt: "hello"})
	if err == nil {
		t.Fatal("expected error for missing agent")
	}
	if !IsTransient(err) {
		t.Errorf("missing responder should be transient, got %v", err)
	}
}

func TestNATSTransport_AgentErrorIsPermanent(t *testing.T) {
	broker := startBroker(t, 14303)

	fakeAgent(t, broker.ClientURL(), "agent-a", func(req *Request) *Response {
		return &Response{Error: "cannot comply"}
	})

	transport, err := Connect(broker.ClientURL())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer transport.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = transport.Call(ctx, "agent-a", &Request{TaskID: "t1", Prompt: "x"})
	if err == nil {
		t.Fatal("expected agent-reported error")
	}
	if IsTransient(err) {
		t.Errorf("agent-reported failure must be permanent, got %v", err)
	}
}

func TestIsTransient_Classification(t *testing.T) {
	if !IsTransient(errors.New("timeout")) {
		t.Error("plain errors default to transient")
	}
	if IsTransient(&permanentError{err: errors.New("bad payload")}) {
		t.Error("permanentError must not be transient")
	}
	if IsTransient(nil) {
		t.Error("nil is not an error at all")
	}
}
