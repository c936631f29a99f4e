// Package scanner implements the real-time conversation scanner fan-out: a
// thin orchestrator over LLM-backed and rule-based scanners. Scanners judge
// one conversation at a time; they are independent of the statistical
// analysis pipeline and never influence what it flags.
package scanner

import (
	"context"
	"sort"
	"sync"
)

// Message is one conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Decision classifies a scanner verdict.
const (
	DecisionAllow = "allow"
	DecisionFlag  = "flag"
	DecisionSkip  = "skip"
)

// Verdict is one scanner's judgement of a conversation.
type Verdict struct {
	Scanner  string  `json:"scanner"`
	Decision string  `json:"decision"`
	Score    float64 `json:"score"`
	Reason   string  `json:"reason,omitempty"`
}

// Scanner judges a conversation against a declared agent purpose.
type Scanner interface {
	Name() string
	Scan(ctx context.Context, messages []Message, purpose string) Verdict
}

// Orchestrator fans a conversation out to every configured scanner
// concurrently and merges the verdicts deterministically by scanner name.
type Orchestrator struct {
	scanners []Scanner
}

// NewOrchestrator creates an orchestrator over the given scanners.
func NewOrchestrator(scanners ...Scanner) *Orchestrator {
	return &Orchestrator{scanners: scanners}
}

// Scan runs all scanners concurrently. A scanner that cannot run (missing
// credentials, upstream error) reports a skip verdict rather than failing
// the whole scan.
func (o *Orchestrator) Scan(ctx context.Context, messages []Message, purpose string) []Verdict {
	verdicts := make([]Verdict, len(o.scanners))

	var wg sync.WaitGroup
	for i, s := range o.scanners {
		wg.Add(1)
		go func(i int, s Scanner) {
			defer wg.Done()
			verdicts[i] = s.Scan(ctx, messages, purpose)
		}(i, s)
	}
	wg.Wait()

	sort.Slice(verdicts, func(i, j int) bool { return verdicts[i].Scanner < verdicts[j].Scanner })
	return verdicts
}
