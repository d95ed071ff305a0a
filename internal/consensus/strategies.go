package consensus

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/agentfusion/internal/types"
)

// rrfK is the reciprocal-rank-fusion constant
const rrfK = 60

// rrfTopN caps the fused winner set
const rrfTopN = 10

// StrategyConfig tunes the consensus strategies
type StrategyConfig struct {
	ApprovalThreshold float64 // VOTING: winning share required
	QualityMargin     float64 // REASONING_QUALITY: gap for consensus=true
	RubricRationale   float64
	RubricEdgeCases   float64
	RubricPriorArt    float64
}

// DefaultStrategyConfig returns the standard strategy tuning
func DefaultStrategyConfig() StrategyConfig {
	return StrategyConfig{
		ApprovalThreshold: 0.75,
		QualityMargin:     0.1,
		RubricRationale:   0.4,
		RubricEdgeCases:   0.35,
		RubricPriorArt:    0.25,
	}
}

// Outcome is a strategy's verdict before it is persisted as a Decision
type Outcome struct {
	Consensus   bool
	Winner      *types.Proposal
	RunnerUps   []*types.Proposal
	Content     string
	Confidence  float64
	TotalTokens int
	Rationale   string
}

// Execute dispatches to the named strategy. Adding a strategy means
// adding a tag and a case here.
func Execute(strategy types.ConsensusStrategy, proposals []*types.Proposal, cfg StrategyConfig) (*Outcome, error) {
	if len(proposals) == 0 {
		return nil, types.ErrNoProposals
	}
	switch strategy {
	case types.StrategyVoting:
		return runVoting(proposals, cfg), nil
	case types.StrategyReasoningQuality:
		return runReasoningQuality(proposals, cfg), nil
	case types.StrategyMerge:
		return runMerge(proposals), nil
	case types.StrategyTokenOptimize:
		return runTokenOptimization(proposals), nil
	case types.StrategyRRFFusion:
		return runRRFFusion(proposals), nil
	case types.StrategySolo:
		return runSolo(proposals), nil
	default:
		return nil, types.InvalidArgf("strategy", "unknown consensus strategy %q", strategy)
	}
}

// runSolo accepts the single proposal as the decision
func runSolo(proposals []*types.Proposal) *Outcome {
	best := proposals[0]
	for _, p := range proposals[1:] {
		if p.Confidence > best.Confidence {
			best = p
		}
	}
	return &Outcome{
		Consensus:   true,
		Winner:      best,
		RunnerUps:   others(proposals, best),
		Content:     best.Content,
		Confidence:  best.Confidence,
		TotalTokens: sumTokens(proposals),
		Rationale:   "single-agent execution accepted",
	}
}

// runVoting treats each proposal as a categorical choice keyed by
// content hash. Consensus requires the winning share to meet the
// approval threshold; ties break by summed confidence, then earliest
// submission.
func runVoting(proposals []*types.Proposal, cfg StrategyConfig) *Outcome {
	type group struct {
		hash       string
		members    []*types.Proposal
		confidence float64
		earliest   int
	}

	byHash := map[string]*group{}
	var order []*group
	for i, p := range proposals {
		g, ok := byHash[p.ContentHash]
		if !ok {
			g = &group{hash: p.ContentHash, earliest: i}
			byHash[p.ContentHash] = g
			order = append(order, g)
		}
		g.members = append(g.members, p)
		g.confidence += p.Confidence
	}

	sort.SliceStable(order, func(i, j int) bool {
		a, b := order[i], order[j]
		if len(a.members) != len(b.members) {
			return len(a.members) > len(b.members)
		}
		if a.confidence != b.confidence {
			return a.confidence > b.confidence
		}
		return a.earliest < b.earliest
	})

	winning := order[0]
	share := float64(len(winning.members)) / float64(len(proposals))
	consensus := share >= cfg.ApprovalThreshold

	// Representative of the winning group: highest confidence, then first.
	rep := winning.members[0]
	for _, p := range winning.members[1:] {
		if p.Confidence > rep.Confidence {
			rep = p
		}
	}

	return &Outcome{
		Consensus:   consensus,
		Winner:      rep,
		RunnerUps:   others(proposals, rep),
		Content:     rep.Content,
		Confidence:  clamp01(meanConfidence(winning.members)),
		TotalTokens: sumTokens(proposals),
		Rationale: fmt.Sprintf("voting: %d/%d chose the winning content (share %.2f, threshold %.2f)",
			len(winning.members), len(proposals), share, cfg.ApprovalThreshold),
	}
}

// rubric axes scored 0-1 by content inspection
var (
	rationaleMarkers = []string{"because", "rationale", "reasoning", "therefore", "trade-off", "tradeoff"}
	edgeCaseMarkers  = []string{"edge case", "boundary", "corner case", "empty", "overflow", "timeout", "concurrent"}
	priorArtMarkers  = []string{"similar to", "prior art", "existing", "reference", "https://", "rfc", "see also"}
)

func axisScore(content string, markers []string) float64 {
	lower := strings.ToLower(content)
	hits := 0
	for _, m := range markers {
		if strings.Contains(lower, m) {
			hits++
		}
	}
	score := float64(hits) / 2
	if score > 1 {
		score = 1
	}
	return score
}

// runReasoningQuality scores each proposal along the rubric axes and
// takes the argmax. Consensus requires a clear score gap.
func runReasoningQuality(proposals []*types.Proposal, cfg StrategyConfig) *Outcome {
	scores := make([]float64, len(proposals))
	for i, p := range proposals {
		scores[i] = cfg.RubricRationale*axisScore(p.Content, rationaleMarkers) +
			cfg.RubricEdgeCases*axisScore(p.Content, edgeCaseMarkers) +
			cfg.RubricPriorArt*axisScore(p.Content, priorArtMarkers)
	}

	best, second := 0, -1
	for i := 1; i < len(proposals); i++ {
		if scores[i] > scores[best] {
			second = best
			best = i
		} else if second < 0 || scores[i] > scores[second] {
			second = i
		}
	}

	gap := scores[best]
	if second >= 0 {
		gap = scores[best] - scores[second]
	}

	winner := proposals[best]
	return &Outcome{
		Consensus:   gap > cfg.QualityMargin,
		Winner:      winner,
		RunnerUps:   others(proposals, winner),
		Content:     winner.Content,
		Confidence:  winner.Confidence,
		TotalTokens: sumTokens(proposals),
		Rationale: fmt.Sprintf("reasoning quality: winner scored %.2f with gap %.2f (margin %.2f)",
			scores[best], gap, cfg.QualityMargin),
	}
}

// runMerge unions distinct structural sections across all proposals,
// preferring higher-confidence proposals on conflicting keys. Merge
// always produces output when at least one proposal exists.
func runMerge(proposals []*types.Proposal) *Outcome {
	// Higher-confidence proposals claim contested section keys.
	ranked := append([]*types.Proposal{}, proposals...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Confidence > ranked[j].Confidence
	})

	type section struct {
		key  string
		body string
	}
	seen := map[string]bool{}
	var merged []section
	for _, p := range ranked {
		for _, sec := range splitSections(p.Content) {
			if seen[sec.key] {
				continue
			}
			seen[sec.key] = true
			merged = append(merged, sec)
		}
	}

	var sb strings.Builder
	for i, sec := range merged {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(sec.body)
	}

	winner := ranked[0]
	return &Outcome{
		Consensus:   true,
		Winner:      winner,
		RunnerUps:   others(proposals, winner),
		Content:     sb.String(),
		Confidence:  clamp01(meanConfidence(proposals)),
		TotalTokens: sumTokens(proposals),
		Rationale: fmt.Sprintf("merge: %d distinct sections from %d proposals",
			len(merged), len(proposals)),
	}
}

// splitSections breaks content into keyed structural sections. Markdown
// headings key their section; plain paragraphs key by normalized first
// line.
func splitSections(content string) []struct{ key, body string } {
	var out []struct{ key, body string }
	blocks := strings.Split(content, "\n\n")
	for _, block := range blocks {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		first := strings.SplitN(block, "\n", 2)[0]
		key := strings.ToLower(strings.TrimSpace(strings.TrimLeft(first, "# ")))
		out = append(out, struct{ key, body string }{key: key, body: block})
	}
	return out
}

// runTokenOptimization maximizes quality per token. Quality defaults to
// confidence when no rubric is available.
func runTokenOptimization(proposals []*types.Proposal) *Outcome {
	best := proposals[0]
	bestScore := math.Inf(-1)
	for _, p := range proposals {
		tokens := p.TokensIn + p.TokensOut
		if tokens < 1 {
			tokens = 1
		}
		score := p.Confidence / float64(tokens)
		if score > bestScore {
			bestScore = score
			best = p
		}
	}
	return &Outcome{
		Consensus:   true,
		Winner:      best,
		RunnerUps:   others(proposals, best),
		Content:     best.Content,
		Confidence:  best.Confidence,
		TotalTokens: sumTokens(proposals),
		Rationale: fmt.Sprintf("token optimization: winner at %.5f quality per token",
			bestScore),
	}
}

// runRRFFusion merges the ranked lists carried by each proposal
// (one item per non-empty line) with reciprocal rank fusion, k=60.
func runRRFFusion(proposals []*types.Proposal) *Outcome {
	type fused struct {
		item  string
		score float64
		first int
	}
	scores := map[string]*fused{}
	var order []*fused

	for _, p := range proposals {
		rank := 0
		for _, line := range strings.Split(p.Content, "\n") {
			item := strings.TrimSpace(line)
			if item == "" {
				continue
			}
			rank++
			f, ok := scores[item]
			if !ok {
				f = &fused{item: item, first: len(order)}
				scores[item] = f
				order = append(order, f)
			}
			f.score += 1.0 / float64(rrfK+rank)
		}
	}

	sort.SliceStable(order, func(i, j int) bool {
		if order[i].score != order[j].score {
			return order[i].score > order[j].score
		}
		return order[i].first < order[j].first
	})
	if len(order) > rrfTopN {
		order = order[:rrfTopN]
	}

	var lines []string
	for _, f := range order {
		lines = append(lines, f.item)
	}
	content := strings.Join(lines, "\n")

	// Credit the proposal whose top item leads the fused ranking;
	// fall back to highest confidence.
	winner := proposals[0]
	if len(order) > 0 {
		found := false
		for _, p := range proposals {
			if firstLine(p.Content) == order[0].item {
				winner = p
				found = true
				break
			}
		}
		if !found {
			for _, p := range proposals {
				if p.Confidence > winner.Confidence {
					winner = p
				}
			}
		}
	}

	return &Outcome{
		Consensus:   true,
		Winner:      winner,
		RunnerUps:   others(proposals, winner),
		Content:     content,
		Confidence:  clamp01(meanConfidence(proposals)),
		TotalTokens: sumTokens(proposals),
		Rationale: fmt.Sprintf("rrf fusion over %d ranked lists, top %d items kept",
			len(proposals), len(order)),
	}
}

// TokensSaved estimates tokens avoided versus every expected agent
// producing a worst-case response. Never negative.
func TokensSaved(expectedAgents int, proposals []*types.Proposal) int {
	if len(proposals) == 0 {
		return 0
	}
	worstSingle := 0
	for _, p := range proposals {
		if t := p.TokensIn + p.TokensOut; t > worstSingle {
			worstSingle = t
		}
	}
	if expectedAgents < len(proposals) {
		expectedAgents = len(proposals)
	}
	saved := expectedAgents*worstSingle - sumTokens(proposals)
	if saved < 0 {
		saved = 0
	}
	return saved
}

// firstLine returns the first non-empty trimmed line of content
func firstLine(content string) string {
	for _, line := range strings.Split(content, "\n") {
		if s := strings.TrimSpace(line); s != "" {
			return s
		}
	}
	return ""
}

func sumTokens(proposals []*types.Proposal) int {
	total := 0
	for _, p := range proposals {
		total += p.TokensIn + p.TokensOut
	}
	return total
}

func meanConfidence(proposals []*types.Proposal) float64 {
	if len(proposals) == 0 {
		return 0
	}
	sum := 0.0
	for _, p := range proposals {
		sum += p.Confidence
	}
	return sum / float64(len(proposals))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func others(proposals []*types.Proposal, winner *types.Proposal) []*types.Proposal {
	var out []*types.Proposal
	for _, p := range proposals {
		if p.ID != winner.ID {
			out = append(out, p)
		}
	}
	return out
}
