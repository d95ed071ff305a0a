// Package config loads the server configuration from a YAML file with
// AGENTFUSION_* environment overrides on top. CLI flag overrides are
// applied by the caller after Load.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full server configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Routing   RoutingConfig   `mapstructure:"routing"`
	Consensus ConsensusConfig `mapstructure:"consensus"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Context   ContextConfig   `mapstructure:"context"`
	Retention RetentionConfig `mapstructure:"retention"`
	Agents    []AgentSeed     `mapstructure:"agents"`
}

// ServerConfig covers the HTTP transport
type ServerConfig struct {
	Port          int `mapstructure:"port"`
	MaxInflight   int `mapstructure:"max_inflight"`    // concurrent tool calls before Busy
	SSEQueueSize  int `mapstructure:"sse_queue_size"`  // per-connection event queue
	KeepAliveSecs int `mapstructure:"keepalive_secs"`  // SSE ping interval
	DBWorkers     int `mapstructure:"db_workers"`      // store worker pool size
}

// StoreConfig covers the embedded database
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// RoutingConfig holds the routing thresholds of the decision table
type RoutingConfig struct {
	SoloMaxComplexity   int `mapstructure:"solo_max_complexity"`
	SoloMaxRisk         int `mapstructure:"solo_max_risk"`
	ConsensusComplexity int `mapstructure:"consensus_complexity"`
	ConsensusRisk       int `mapstructure:"consensus_risk"`
	ParallelK           int `mapstructure:"parallel_k"`
	ConsensusMinAgents  int `mapstructure:"consensus_min_agents"`
	ConsensusMaxAgents  int `mapstructure:"consensus_max_agents"`
}

// ConsensusConfig holds strategy defaults and deadlines
type ConsensusConfig struct {
	DefaultStrategy   string        `mapstructure:"default_strategy"`
	ApprovalThreshold float64       `mapstructure:"approval_threshold"`
	QualityMargin     float64       `mapstructure:"quality_margin"`
	SoloDeadline      time.Duration `mapstructure:"solo_deadline"`
	RoundDeadline     time.Duration `mapstructure:"round_deadline"`
	MaxRounds         int           `mapstructure:"max_rounds"`
	OnConflict        string        `mapstructure:"on_conflict"` // "refine" or "escalate"
	UpgradeThreshold  float64       `mapstructure:"upgrade_threshold"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RubricRationale   float64       `mapstructure:"rubric_rationale"`
	RubricEdgeCases   float64       `mapstructure:"rubric_edge_cases"`
	RubricPriorArt    float64       `mapstructure:"rubric_prior_art"`
}

// NATSConfig covers the embedded broker and agent transport
type NATSConfig struct {
	Port         int           `mapstructure:"port"`
	Embedded     bool          `mapstructure:"embedded"`
	URL          string        `mapstructure:"url"` // used when embedded=false
	CallTimeout  time.Duration `mapstructure:"call_timeout"`
	PingTimeout  time.Duration `mapstructure:"ping_timeout"`
	ProbeEvery   time.Duration `mapstructure:"probe_every"`
	MaxProbeFail int           `mapstructure:"max_probe_fail"`
}

// ContextConfig covers the context provider client
type ContextConfig struct {
	Subject  string        `mapstructure:"subject"` // NATS subject of the provider
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// RetentionConfig bounds the events_log ring
type RetentionConfig struct {
	MaxEvents  int           `mapstructure:"max_events"`
	PruneEvery time.Duration `mapstructure:"prune_every"`
}

// AgentSeed is a statically configured agent registration
type AgentSeed struct {
	ID           string             `mapstructure:"id"`
	Type         string             `mapstructure:"type"`
	Name         string             `mapstructure:"name"`
	Capabilities map[string]float64 `mapstructure:"capabilities"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8700)
	v.SetDefault("server.max_inflight", 64)
	v.SetDefault("server.sse_queue_size", 128)
	v.SetDefault("server.keepalive_secs", 30)
	v.SetDefault("server.db_workers", 4)

	v.SetDefault("store.path", "data/fusion.db")

	v.SetDefault("routing.solo_max_complexity", 3)
	v.SetDefault("routing.solo_max_risk", 3)
	v.SetDefault("routing.consensus_complexity", 7)
	v.SetDefault("routing.consensus_risk", 7)
	v.SetDefault("routing.parallel_k", 2)
	v.SetDefault("routing.consensus_min_agents", 2)
	v.SetDefault("routing.consensus_max_agents", 5)

	v.SetDefault("consensus.default_strategy", "VOTING")
	v.SetDefault("consensus.approval_threshold", 0.75)
	v.SetDefault("consensus.quality_margin", 0.1)
	v.SetDefault("consensus.solo_deadline", 30*time.Second)
	v.SetDefault("consensus.round_deadline", 5*time.Minute)
	v.SetDefault("consensus.max_rounds", 3)
	v.SetDefault("consensus.on_conflict", "refine")
	v.SetDefault("consensus.upgrade_threshold", 0.6)
	v.SetDefault("consensus.max_retries", 3)
	v.SetDefault("consensus.rubric_rationale", 0.4)
	v.SetDefault("consensus.rubric_edge_cases", 0.35)
	v.SetDefault("consensus.rubric_prior_art", 0.25)

	v.SetDefault("nats.port", 4222)
	v.SetDefault("nats.embedded", true)
	v.SetDefault("nats.call_timeout", 30*time.Second)
	v.SetDefault("nats.ping_timeout", 1*time.Second)
	v.SetDefault("nats.probe_every", 15*time.Second)
	v.SetDefault("nats.max_probe_fail", 3)

	v.SetDefault("context.subject", "context.query")
	v.SetDefault("context.cache_ttl", 2*time.Minute)
	v.SetDefault("context.timeout", 5*time.Second)

	v.SetDefault("retention.max_events", 10000)
	v.SetDefault("retention.prune_every", 5*time.Minute)
}

// Load reads configuration from path (optional; defaults apply when empty
// or missing) and layers AGENTFUSION_* environment variables on top.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("AGENTFUSION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the server cannot start with
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d", c.Server.Port)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path must not be empty")
	}
	if c.Routing.ParallelK < 1 {
		return fmt.Errorf("routing.parallel_k must be >= 1, got %d", c.Routing.ParallelK)
	}
	if c.Routing.ConsensusMinAgents < 2 {
		return fmt.Errorf("routing.consensus_min_agents must be >= 2, got %d", c.Routing.ConsensusMinAgents)
	}
	if c.Consensus.ApprovalThreshold <= 0 || c.Consensus.ApprovalThreshold > 1 {
		return fmt.Errorf("consensus.approval_threshold must be in (0,1], got %v", c.Consensus.ApprovalThreshold)
	}
	switch c.Consensus.OnConflict {
	case "refine", "escalate":
	default:
		return fmt.Errorf("consensus.on_conflict must be refine or escalate, got %q", c.Consensus.OnConflict)
	}
	for i, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("agents[%d].id must not be empty", i)
		}
		for cap, s := range a.Capabilities {
			if s < 0 || s > 1 {
				return fmt.Errorf("agents[%d] capability %s strength out of range: %v", i, cap, s)
			}
		}
	}
	return nil
}
