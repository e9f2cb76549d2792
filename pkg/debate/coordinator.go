// Package debate scores competing proposals to pick a winner. A coordinator
// instance accumulates proposals and critiques for the duration of one
// debate; deciding is a pure read.
package debate

import (
	"sort"
	"sync"
)

// Proposal is a candidate answer. Numeric fields are conceptually in [0,1];
// cost and risk above 1 are clamped during scoring.
type Proposal struct {
	ID         string  `json:"id"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Cost       float64 `json:"cost"`
	Risk       float64 `json:"risk"`
	Evidence   float64 `json:"evidence"`
}

// Critique records feedback on a proposal. Critiques are kept for audit and
// debugging only; they never affect scoring.
type Critique struct {
	ProposalID string `json:"proposal_id"`
	From       string `json:"from"`
	Text       string `json:"text"`
}

// ScoredProposal pairs a proposal with its computed score.
type ScoredProposal struct {
	Proposal Proposal `json:"proposal"`
	Score    float64  `json:"score"`
}

// Decision is the outcome of a debate: the winner (nil when no proposals
// were collected) and the full ranked list.
type Decision struct {
	Winner *Proposal        `json:"winner"`
	Ranked []ScoredProposal `json:"ranked"`
}

// Scoring weights. Evidence dominates, then confidence; cost and risk are
// inverted so cheaper and safer proposals score higher.
const (
	weightEvidence   = 0.4
	weightConfidence = 0.25
	weightCost       = 0.15
	weightRisk       = 0.2
)

// Coordinator accumulates one debate's proposals and critiques.
type Coordinator struct {
	proposals []Proposal
	critiques []Critique
	mu        sync.RWMutex
}

func NewCoordinator() *Coordinator {
	return &Coordinator{}
}

func (c *Coordinator) CollectProposal(p Proposal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.proposals = append(c.proposals, p)
}

func (c *Coordinator) CollectCritique(cr Critique) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.critiques = append(c.critiques, cr)
}

// Critiques returns the collected critiques (audit use).
func (c *Coordinator) Critiques() []Critique {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Critique{}, c.critiques...)
}

// Score computes the weighted score for a single proposal.
func Score(p Proposal) float64 {
	return weightEvidence*p.Evidence +
		weightConfidence*p.Confidence +
		weightCost*(1-clamp1(p.Cost)) +
		weightRisk*(1-clamp1(p.Risk))
}

// Decide ranks the collected proposals by score, descending, with ties broken
// by insertion order. It does not mutate coordinator state and may be called
// repeatedly.
func (c *Coordinator) Decide() Decision {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ranked := make([]ScoredProposal, 0, len(c.proposals))
	for _, p := range c.proposals {
		ranked = append(ranked, ScoredProposal{Proposal: p, Score: Score(p)})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})

	decision := Decision{Ranked: ranked}
	if len(ranked) > 0 {
		winner := ranked[0].Proposal
		decision.Winner = &winner
	}
	return decision
}

func clamp1(v float64) float64 {
	if v > 1 {
		return 1
	}
	return v
}
