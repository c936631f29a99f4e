// Package analysis implements the deviations and bias analyzer: a pure,
// offline pipeline that normalizes OTEL trace batches, infers business
// metrics and grouping parameters, detects temporal drift and disparate
// treatment, and emits ranked findings with concern narratives.
package analysis

import (
	"errors"
	"unicode/utf8"

	"github.com/fidde/agent_audit/pkg/models"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
)

// maxPurposeBytes caps how much of the agent purpose is consulted.
const maxPurposeBytes = 4096

// Analyze runs the full pipeline over a raw OTEL payload. The result is
// deterministic: identical payload, configuration and purpose produce a
// byte-identical envelope, including finding order. Fatal failures
// (ErrMalformedInput, ErrConfigurationInvalid) return a nil envelope; an
// empty input returns an envelope with no findings.
func Analyze(payload []byte, cfg Config, purpose string) (*models.Envelope, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	normalized, err := Normalize(payload)
	if err != nil {
		if errors.Is(err, ErrEmptyInput) {
			return emptyEnvelope(), nil
		}
		return nil, err
	}
	return analyzeNormalized(normalized, cfg, truncatePurpose(purpose)), nil
}

// AnalyzeRequest runs the pipeline over an already-decoded OTLP export
// request. It produces the same envelope as Analyze on the equivalent OTLP
// JSON payload; the receivers themselves only capture and archive batches.
func AnalyzeRequest(req *coltracepb.ExportTraceServiceRequest, cfg Config, purpose string) (*models.Envelope, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	normalized, err := NormalizeRequest(req)
	if err != nil {
		if errors.Is(err, ErrEmptyInput) {
			return emptyEnvelope(), nil
		}
		return nil, err
	}
	return analyzeNormalized(normalized, cfg, truncatePurpose(purpose)), nil
}

func analyzeNormalized(n *Normalized, cfg Config, purpose string) *models.Envelope {
	ex := Extract(n.Records, cfg, purpose)

	var findings []models.Finding
	skipped := append([]models.SkipReason{}, n.Skipped...)

	if n.Granularity != "" {
		for _, metric := range ex.Metrics {
			fs, sk := detectTemporal(n.Records, n.Buckets, metric, cfg)
			findings = append(findings, fs...)
			skipped = append(skipped, sk...)
		}
	}

	biasFindings, biasSkipped := detectBias(n.Records, ex, cfg)
	findings = append(findings, biasFindings...)
	skipped = append(skipped, biasSkipped...)

	findings = synthesize(findings, purpose, cfg)

	env := &models.Envelope{
		Findings: findings,
		Run: models.RunInfo{
			MetricsConsidered:    metricNames(ex),
			ParametersConsidered: parameterNames(ex),
			ProtectedDetected:    ex.Protected,
			Skipped:              skipped,
		},
	}
	if env.Findings == nil {
		env.Findings = []models.Finding{}
	}
	if env.Run.ProtectedDetected == nil {
		env.Run.ProtectedDetected = []string{}
	}
	if env.Run.Skipped == nil {
		env.Run.Skipped = []models.SkipReason{}
	}
	if n.Granularity != "" {
		g := string(n.Granularity)
		env.Run.GranularityUsed = &g
	}
	return env
}

func emptyEnvelope() *models.Envelope {
	return &models.Envelope{
		Findings: []models.Finding{},
		Run: models.RunInfo{
			MetricsConsidered:    []string{},
			ParametersConsidered: []string{},
			ProtectedDetected:    []string{},
			Skipped: []models.SkipReason{
				{Entity: "input", Reason: "no records parsed"},
			},
		},
	}
}

func truncatePurpose(purpose string) string {
	if len(purpose) <= maxPurposeBytes {
		return purpose
	}
	cut := maxPurposeBytes
	for cut > 0 && !utf8.RuneStart(purpose[cut]) {
		cut--
	}
	return purpose[:cut]
}

func metricNames(ex *Extraction) []string {
	names := make([]string, 0, len(ex.Metrics))
	for _, m := range ex.Metrics {
		names = append(names, m.Name)
	}
	return names
}

func parameterNames(ex *Extraction) []string {
	names := make([]string, 0, len(ex.Parameters))
	for _, p := range ex.Parameters {
		names = append(names, p.Name)
	}
	return names
}
