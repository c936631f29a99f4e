package scanner

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// PromptGuardScanner flags prompt-injection and jailbreak phrasing in user
// turns with a small rule set. It never calls out to the network.
type PromptGuardScanner struct{}

// NewPromptGuardScanner creates a rule-based prompt guard.
func NewPromptGuardScanner() *PromptGuardScanner { return &PromptGuardScanner{} }

// Name implements Scanner.
func (s *PromptGuardScanner) Name() string { return "PromptGuard" }

var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions|rules|prompts)`),
	regexp.MustCompile(`(?i)disregard\s+(your|the)\s+(instructions|guidelines|system prompt)`),
	regexp.MustCompile(`(?i)you\s+are\s+now\s+(dan|in\s+developer\s+mode)`),
	regexp.MustCompile(`(?i)pretend\s+(you\s+have|there\s+are)\s+no\s+(rules|restrictions|guidelines)`),
	regexp.MustCompile(`(?i)reveal\s+(your|the)\s+system\s+prompt`),
	regexp.MustCompile(`(?i)\bjailbreak\b`),
}

// Scan implements Scanner.
func (s *PromptGuardScanner) Scan(ctx context.Context, messages []Message, purpose string) Verdict {
	hits := 0
	var firstMatch string
	for _, msg := range messages {
		if msg.Role != "user" {
			continue
		}
		for _, pattern := range injectionPatterns {
			if m := pattern.FindString(msg.Content); m != "" {
				hits++
				if firstMatch == "" {
					firstMatch = m
				}
			}
		}
	}

	if hits == 0 {
		return Verdict{Scanner: s.Name(), Decision: DecisionAllow, Score: 0}
	}
	score := float64(hits) / float64(hits+1)
	return Verdict{
		Scanner:  s.Name(),
		Decision: DecisionFlag,
		Score:    score,
		Reason:   fmt.Sprintf("injection phrasing detected: %q", firstMatch),
	}
}

// DataDisclosureScanner flags personal data patterns (emails, card and
// social security numbers, phone numbers) in assistant turns.
type DataDisclosureScanner struct{}

// NewDataDisclosureScanner creates a rule-based PII scanner.
func NewDataDisclosureScanner() *DataDisclosureScanner { return &DataDisclosureScanner{} }

// Name implements Scanner.
func (s *DataDisclosureScanner) Name() string { return "DataDisclosure" }

var piiPatterns = map[string]*regexp.Regexp{
	"email":       regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`),
	"ssn":         regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	"credit_card": regexp.MustCompile(`\b(?:\d[ \-]?){13,16}\b`),
	"phone":       regexp.MustCompile(`\+?\d{1,3}[ \-]?\(?\d{2,4}\)?[ \-]?\d{3}[ \-]?\d{2,4}`),
}

// Scan implements Scanner.
func (s *DataDisclosureScanner) Scan(ctx context.Context, messages []Message, purpose string) Verdict {
	var kinds []string
	seen := make(map[string]bool)
	for _, msg := range messages {
		if msg.Role != "assistant" {
			continue
		}
		for kind, pattern := range piiPatterns {
			if !seen[kind] && pattern.MatchString(msg.Content) {
				seen[kind] = true
				kinds = append(kinds, kind)
			}
		}
	}

	if len(kinds) == 0 {
		return Verdict{Scanner: s.Name(), Decision: DecisionAllow, Score: 0}
	}
	sort.Strings(kinds)
	score := float64(len(kinds)) / float64(len(piiPatterns))
	return Verdict{
		Scanner:  s.Name(),
		Decision: DecisionFlag,
		Score:    score,
		Reason:   "personal data in assistant output: " + strings.Join(kinds, ", "),
	}
}
