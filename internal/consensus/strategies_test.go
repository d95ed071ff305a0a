package consensus

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/agentfusion/internal/store"
	"github.com/agentfusion/internal/types"
)

func prop(id, agent, content string, confidence float64, createdOffset time.Duration) *types.Proposal {
	return &types.Proposal{
		ID:          id,
		TaskID:      "task-1",
		AgentID:     agent,
		Content:     content,
		ContentHash: store.HashContent(content),
		Confidence:  confidence,
		TokensIn:    types.EstimateTokens(content),
		TokensOut:   types.EstimateTokens(content),
		CreatedAt:   time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC).Add(createdOffset),
	}
}

func TestExecute_EmptyProposalSet(t *testing.T) {
	_, err := Execute(types.StrategyVoting, nil, DefaultStrategyConfig())
	if !errors.Is(err, types.ErrNoProposals) {
		t.Errorf("expected ErrNoProposals, got %v", err)
	}
}

func TestVoting_ConsensusWhenThresholdMet(t *testing.T) {
	proposals := []*types.Proposal{
		prop("p1", "a", "use plan X", 0.8, 0),
		prop("p2", "b", "use plan X", 0.7, time.Second),
		prop("p3", "c", "use plan X", 0.9, 2*time.Second),
		prop("p4", "d", "use plan Y", 0.9, 3*time.Second),
	}
	out, err := Execute(types.StrategyVoting, proposals, DefaultStrategyConfig())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !out.Consensus {
		t.Error("3/4 identical should meet the 0.75 threshold")
	}
	if out.Winner.Content != "use plan X" {
		t.Errorf("wrong winner content: %q", out.Winner.Content)
	}
	// Representative is the highest-confidence member of the group.
	if out.Winner.ID != "p3" {
		t.Errorf("expected p3 as representative, got %s", out.Winner.ID)
	}
	if len(out.RunnerUps) != 3 {
		t.Errorf("expected 3 runner-ups, got %d", len(out.RunnerUps))
	}
}

func TestVoting_BelowThresholdNoConsensus(t *testing.T) {
	proposals := []*types.Proposal{
		prop("p1", "a", "plan X", 0.8, 0),
		prop("p2", "b", "plan Y", 0.7, time.Second),
	}
	out, _ := Execute(types.StrategyVoting, proposals, DefaultStrategyConfig())
	if out.Consensus {
		t.Error("1/2 share must not reach 0.75 threshold")
	}
}

func TestVoting_TieBreaksByConfidenceThenEarliest(t *testing.T) {
	// Two groups of one; Y has higher confidence and wins.
	out, _ := Execute(types.StrategyVoting, []*types.Proposal{
		prop("p1", "a", "plan X", 0.6, 0),
		prop("p2", "b", "plan Y", 0.9, time.Second),
	}, DefaultStrategyConfig())
	if out.Winner.ID != "p2" {
		t.Errorf("higher confidence should win the tie, got %s", out.Winner.ID)
	}

	// Equal confidence: earliest submission wins.
	out, _ = Execute(types.StrategyVoting, []*types.Proposal{
		prop("p1", "a", "plan X", 0.8, 0),
		prop("p2", "b", "plan Y", 0.8, time.Second),
	}, DefaultStrategyConfig())
	if out.Winner.ID != "p1" {
		t.Errorf("earliest submission should win the tie, got %s", out.Winner.ID)
	}
}

func TestReasoningQuality_PrefersRationale(t *testing.T) {
	rich := "Take approach A because the failure mode is bounded. " +
		"Edge case: empty input and concurrent timeout are both handled. " +
		"Similar to the existing retry helper, see also https://example.com/prior."
	poor := "Take approach B."

	out, err := Execute(types.StrategyReasoningQuality, []*types.Proposal{
		prop("p1", "a", poor, 0.95, 0),
		prop("p2", "b", rich, 0.7, time.Second),
	}, DefaultStrategyConfig())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Winner.ID != "p2" {
		t.Errorf("rubric should outrank raw confidence, got winner %s", out.Winner.ID)
	}
	if !out.Consensus {
		t.Error("large rubric gap should set consensus")
	}
}

func TestMerge_UnionsDistinctSections(t *testing.T) {
	a := "# Setup\ninstall deps\n\n# Testing\nrun the suite"
	b := "# Setup\nalternative install\n\n# Rollout\ncanary first"

	out, err := Execute(types.StrategyMerge, []*types.Proposal{
		prop("p1", "a", a, 0.9, 0),
		prop("p2", "b", b, 0.5, time.Second),
	}, DefaultStrategyConfig())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !out.Consensus {
		t.Error("merge must always produce consensus")
	}
	// Setup conflict resolved in favor of the higher-confidence proposal.
	if !strings.Contains(out.Content, "install deps") || strings.Contains(out.Content, "alternative install") {
		t.Errorf("conflict resolution wrong:\n%s", out.Content)
	}
	if !strings.Contains(out.Content, "canary first") || !strings.Contains(out.Content, "run the suite") {
		t.Errorf("distinct sections missing:\n%s", out.Content)
	}
	want := (0.9 + 0.5) / 2
	if out.Confidence != want {
		t.Errorf("expected mean confidence %v, got %v", want, out.Confidence)
	}
}

func TestTokenOptimization_QualityPerToken(t *testing.T) {
	small := prop("p1", "a", "tiny", 0.6, 0)
	big := prop("p2", "b", strings.Repeat("very long content ", 200), 0.9, time.Second)

	out, err := Execute(types.StrategyTokenOptimize, []*types.Proposal{small, big}, DefaultStrategyConfig())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Winner.ID != "p1" {
		t.Errorf("cheap confident answer should win per token, got %s", out.Winner.ID)
	}
}

func TestRRFFusion_MergesRankedLists(t *testing.T) {
	out, err := Execute(types.StrategyRRFFusion, []*types.Proposal{
		prop("p1", "a", "alpha\nbeta\ngamma", 0.8, 0),
		prop("p2", "b", "beta\nalpha\ndelta", 0.8, time.Second),
	}, DefaultStrategyConfig())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	lines := strings.Split(out.Content, "\n")
	// alpha: 1/61 + 1/62; beta: 1/62 + 1/61 -- tied, first seen wins.
	if lines[0] != "alpha" {
		t.Errorf("expected alpha first on tie, got %q", lines[0])
	}
	if len(lines) != 4 {
		t.Errorf("expected 4 fused items, got %d", len(lines))
	}
	if !out.Consensus {
		t.Error("fusion always reaches consensus")
	}
}

func TestSoloStrategy(t *testing.T) {
	out, err := Execute(types.StrategySolo, []*types.Proposal{
		prop("p1", "a", "the fix", 0.85, 0),
	}, DefaultStrategyConfig())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !out.Consensus || out.Winner.ID != "p1" || out.Confidence != 0.85 {
		t.Errorf("solo outcome wrong: %+v", out)
	}
}

func TestTokensSaved_NeverNegative(t *testing.T) {
	proposals := []*types.Proposal{
		prop("p1", "a", "short", 0.5, 0),
		prop("p2", "b", strings.Repeat("long ", 100), 0.5, time.Second),
	}
	if saved := TokensSaved(3, proposals); saved < 0 {
		t.Errorf("tokens saved must be >= 0, got %d", saved)
	}
	if saved := TokensSaved(0, proposals); saved < 0 {
		t.Errorf("tokens saved must be >= 0 with zero expected, got %d", saved)
	}
}
