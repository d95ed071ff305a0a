package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agentfusion.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_DefaultsOnly(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8700 {
		t.Errorf("default port: got %d", cfg.Server.Port)
	}
	if cfg.Server.MaxInflight != 64 {
		t.Errorf("default max_inflight: got %d", cfg.Server.MaxInflight)
	}
	if cfg.Consensus.ApprovalThreshold != 0.75 {
		t.Errorf("default approval threshold: got %v", cfg.Consensus.ApprovalThreshold)
	}
	if cfg.Consensus.RoundDeadline != 5*time.Minute {
		t.Errorf("default round deadline: got %v", cfg.Consensus.RoundDeadline)
	}
	if cfg.Routing.ParallelK != 2 {
		t.Errorf("default parallel K: got %d", cfg.Routing.ParallelK)
	}
	if cfg.Retention.MaxEvents != 10000 {
		t.Errorf("default retention: got %d", cfg.Retention.MaxEvents)
	}
}

func TestLoad_FileOverridesAndAgents(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9100
consensus:
  default_strategy: MERGE
  approval_threshold: 0.6
agents:
  - id: claude-term
    type: terminal
    name: Terminal Assistant
    capabilities:
      IMPLEMENTATION: 0.9
      DOCUMENTATION: 0.8
  - id: cli-agent
    type: cli
    capabilities:
      REVIEW: 0.7
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("file override lost: port %d", cfg.Server.Port)
	}
	if cfg.Consensus.DefaultStrategy != "MERGE" {
		t.Errorf("strategy override lost: %s", cfg.Consensus.DefaultStrategy)
	}
	if len(cfg.Agents) != 2 {
		t.Fatalf("expected 2 agents, got %d", len(cfg.Agents))
	}
	if cfg.Agents[0].Capabilities["IMPLEMENTATION"] != 0.9 {
		t.Errorf("capability strength lost: %+v", cfg.Agents[0])
	}
	// Untouched keys keep their defaults.
	if cfg.Routing.ConsensusRisk != 7 {
		t.Errorf("default consensus risk lost: %d", cfg.Routing.ConsensusRisk)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("AGENTFUSION_SERVER_PORT", "9999")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("env override lost: port %d", cfg.Server.Port)
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"bad port", "server:\n  port: -1\n"},
		{"bad threshold", "consensus:\n  approval_threshold: 1.5\n"},
		{"bad conflict mode", "consensus:\n  on_conflict: shrug\n"},
		{"agent without id", "agents:\n  - name: ghost\n"},
		{"strength out of range", "agents:\n  - id: a\n    capabilities:\n      REVIEW: 2.0\n"},
	}
	for _, tc := range cases {
		path := writeConfig(t, tc.yaml)
		if _, err := Load(path); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestLoad_MissingFileErrors(t *testing.T) {
	if _, err := Load("/does/not/exist.yaml"); err == nil {
		t.Error("expected error for missing config file")
	}
}
