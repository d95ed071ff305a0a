package agentcomm

import (
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// EmbeddedServerConfig holds configuration for the embedded NATS broker
type EmbeddedServerConfig struct {
	Port int // listen port, 4222 when zero
}

// EmbeddedServer runs the broker in-process so agent adapters need no
// external infrastructure.
type EmbeddedServer struct {
	server *server.Server
	config EmbeddedServerConfig
}

// NewEmbeddedServer creates an embedded broker instance
func NewEmbeddedServer(config EmbeddedServerConfig) *EmbeddedServer {
	if config.Port <= 0 {
		config.Port = 4222
	}
	return &EmbeddedServer{config: config}
}

// Start launches the broker and waits until it accepts connections
func (e *EmbeddedServer) Start() error {
	opts := &server.Options{
		Host:       "127.0.0.1",
		Port:       e.config.Port,
		NoSigs:     true,
		MaxPayload: 1024 * 1024,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return fmt.Errorf("failed to create NATS server: %w", err)
	}
	e.server = ns

	go ns.Start()

	if !ns.ReadyForConnections(10 * time.Second) {
		return fmt.Errorf("NATS server not ready on port %d", e.config.Port)
	}
	return nil
}

// ClientURL returns the URL local clients connect to
func (e *EmbeddedServer) ClientURL() string {
	return fmt.Sprintf("nats://127.0.0.1:%d", e.config.Port)
}

// Shutdown stops the broker and waits for it to exit
func (e *EmbeddedServer) Shutdown() {
	if e.server != nil {
		e.server.Shutdown()
		e.server.WaitForShutdown()
	}
}
