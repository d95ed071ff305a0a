// Command agentfusion runs the local orchestration server coordinating
// heterogeneous AI coding agents over MCP-style JSON-RPC.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentfusion/internal/agentcomm"
	"github.com/agentfusion/internal/config"
	"github.com/agentfusion/internal/consensus"
	"github.com/agentfusion/internal/contextclient"
	"github.com/agentfusion/internal/events"
	"github.com/agentfusion/internal/metrics"
	"github.com/agentfusion/internal/orchestrator"
	"github.com/agentfusion/internal/registry"
	"github.com/agentfusion/internal/routing"
	"github.com/agentfusion/internal/store"
	"github.com/agentfusion/internal/transport"
	"github.com/agentfusion/internal/types"
)

// Exit codes
const (
	exitOK          = 0
	exitConfigError = 1
	exitStoreError  = 2
	exitBindError   = 3
)

func main() {
	var (
		configPath string
		port       int
		storePath  string
		natsPort   int
	)

	runServe := func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(configPath, port, storePath, natsPort)
		if err != nil {
			fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
			os.Exit(exitConfigError)
		}
		os.Exit(run(cfg))
	}

	root := &cobra.Command{
		Use:          "agentfusion",
		Short:        "Local orchestration server for collaborating AI coding agents",
		SilenceUsage: true,
		// Bare invocation serves, matching the common deployment.
		Run: runServe,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "configuration file (YAML)")
	root.PersistentFlags().IntVar(&port, "port", 0, "HTTP port (overrides config)")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration server",
		Run:   runServe,
	}
	serve.Flags().StringVar(&storePath, "store", "", "database file path (overrides config)")
	serve.Flags().IntVar(&natsPort, "nats-port", 0, "embedded broker port (overrides config)")

	status := &cobra.Command{
		Use:   "status",
		Short: "Query a running server's health endpoint",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := loadConfig(configPath, port, "", 0)
			if err != nil {
				fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
				os.Exit(exitConfigError)
			}
			if err := showStatus(cfg.Server.Port); err != nil {
				fmt.Fprintf(os.Stderr, "%v\n", err)
				os.Exit(exitConfigError)
			}
		},
	}

	root.AddCommand(serve, status)
	if err := root.Execute(); err != nil {
		os.Exit(exitConfigError)
	}
}

// loadConfig reads the file and layers CLI flag overrides
func loadConfig(path string, port int, storePath string, natsPort int) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if port > 0 {
		cfg.Server.Port = port
	}
	if storePath != "" {
		cfg.Store.Path = storePath
	}
	if natsPort > 0 {
		cfg.NATS.Port = natsPort
	}
	return cfg, cfg.Validate()
}

// run starts every component in dependency order and tears them down in
// reverse on SIGINT/SIGTERM.
func run(cfg *config.Config) int {
	log.Printf("[MAIN] starting agentfusion: port=%d store=%s", cfg.Server.Port, cfg.Store.Path)

	// Store first: everything durable hangs off it.
	st, err := store.Open(cfg.Store.Path, cfg.Server.DBWorkers)
	if err != nil {
		fmt.Fprintf(os.Stderr, "store error: %v\n", err)
		return exitStoreError
	}
	defer st.Close()

	// Event bus over the store-backed audit log.
	bus := events.NewBus(st, cfg.Server.SSEQueueSize)
	defer bus.Close()

	stopRetention := st.RunRetention(cfg.Retention.MaxEvents, cfg.Retention.PruneEvery)
	defer stopRetention()

	// Broker for agent adapters (embedded by default).
	var natsURL string
	if cfg.NATS.Embedded {
		broker := agentcomm.NewEmbeddedServer(agentcomm.EmbeddedServerConfig{Port: cfg.NATS.Port})
		if err := broker.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "broker error: %v\n", err)
			return exitBindError
		}
		defer broker.Shutdown()
		natsURL = broker.ClientURL()
	} else {
		natsURL = cfg.NATS.URL
	}

	agentTransport, err := agentcomm.Connect(natsURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "broker connect error: %v\n", err)
		return exitBindError
	}
	defer agentTransport.Close()

	// Registry seeded from configuration.
	reg := registry.New(bus, st)
	for _, seed := range cfg.Agents {
		caps := make(map[types.Capability]float64, len(seed.Capabilities))
		for name, strength := range seed.Capabilities {
			caps[types.Capability(name)] = strength
		}
		if err := reg.Register(types.AgentRecord{
			ID:           seed.ID,
			Type:         seed.Type,
			Name:         seed.Name,
			Capabilities: caps,
		}); err != nil {
			fmt.Fprintf(os.Stderr, "configuration error: agent %s: %v\n", seed.ID, err)
			return exitConfigError
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reg.HealthLoop(ctx, agentTransport, registry.HealthConfig{
		ProbeEvery:   cfg.NATS.ProbeEvery,
		ProbeTimeout: cfg.NATS.PingTimeout,
		MaxFailures:  cfg.NATS.MaxProbeFail,
	})

	router := routing.NewEngine(reg, routing.Config{
		SoloMaxComplexity:   cfg.Routing.SoloMaxComplexity,
		SoloMaxRisk:         cfg.Routing.SoloMaxRisk,
		ConsensusComplexity: cfg.Routing.ConsensusComplexity,
		ConsensusRisk:       cfg.Routing.ConsensusRisk,
		ParallelK:           cfg.Routing.ParallelK,
		ConsensusMinAgents:  cfg.Routing.ConsensusMinAgents,
		ConsensusMaxAgents:  cfg.Routing.ConsensusMaxAgents,
	})

	consensusEngine := consensus.NewEngine(st, bus, consensus.Config{
		DefaultStrategy: types.ConsensusStrategy(cfg.Consensus.DefaultStrategy),
		SoloDeadline:    cfg.Consensus.SoloDeadline,
		RoundDeadline:   cfg.Consensus.RoundDeadline,
		MaxRounds:       cfg.Consensus.MaxRounds,
		OnConflict:      cfg.Consensus.OnConflict,
		Strategies: consensus.StrategyConfig{
			ApprovalThreshold: cfg.Consensus.ApprovalThreshold,
			QualityMargin:     cfg.Consensus.QualityMargin,
			RubricRationale:   cfg.Consensus.RubricRationale,
			RubricEdgeCases:   cfg.Consensus.RubricEdgeCases,
			RubricPriorArt:    cfg.Consensus.RubricPriorArt,
		},
	})
	consensusEngine.Start()
	defer consensusEngine.Stop()

	ctxProvider := contextclient.NewClient(agentTransport.Conn(), cfg.Context.Subject,
		cfg.Context.Timeout, cfg.Context.CacheTTL)

	orch := orchestrator.New(st, bus, reg, router, consensusEngine, agentTransport, ctxProvider,
		orchestrator.Config{
			MaxRetries:       cfg.Consensus.MaxRetries,
			RetryBase:        500 * time.Millisecond,
			StageDeadline:    cfg.NATS.CallTimeout,
			UpgradeThreshold: cfg.Consensus.UpgradeThreshold,
			DefaultStrategy:  types.ConsensusStrategy(cfg.Consensus.DefaultStrategy),
		})
	defer orch.Stop()

	recorder := metrics.NewRecorder(bus, st)
	recorder.Start()
	defer recorder.Stop()

	httpServer, err := transport.NewServer(transport.Config{
		Port:         cfg.Server.Port,
		MaxInflight:  cfg.Server.MaxInflight,
		SSEQueueSize: cfg.Server.SSEQueueSize,
		KeepAlive:    time.Duration(cfg.Server.KeepAliveSecs) * time.Second,
	}, orch, ctxProvider, bus, st, reg, recorder)
	if err != nil {
		fmt.Fprintf(os.Stderr, "transport error: %v\n", err)
		return exitConfigError
	}
	if err := httpServer.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "bind error: %v\n", err)
		return exitBindError
	}

	log.Printf("[MAIN] ready: %d agents registered, broker at %s", len(cfg.Agents), natsURL)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Printf("[MAIN] shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[MAIN] ERROR: shutdown: %v", err)
	}
	return exitOK
}

// showStatus prints the health endpoint of a running instance
func showStatus(port int) error {
	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/api/health", port))
	if err != nil {
		return fmt.Errorf("no server on port %d: %w", port, err)
	}
	defer resp.Body.Close()

	var health map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("bad health response: %w", err)
	}
	out, _ := json.MarshalIndent(health, "", "  ")
	fmt.Println(string(out))
	return nil
}
