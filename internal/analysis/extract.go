package analysis

import (
	"sort"
	"strconv"
	"strings"

	"github.com/fidde/agent_audit/pkg/models"
)

// MetricKind classifies a metric's shape.
type MetricKind string

const (
	MetricContinuous MetricKind = "continuous"
	MetricRate       MetricKind = "rate"
	MetricCount      MetricKind = "count"
)

// MetricDescriptor describes one candidate business metric.
type MetricDescriptor struct {
	Name           string
	Kind           MetricKind
	Count          int
	Mean           float64
	Stdev          float64
	CV             float64
	Min            float64
	Max            float64
	PurposeMatched bool
}

// NumericSplit buckets a numeric parameter into two labeled halves at a
// fixed threshold. The rule is fixed per run and parameter.
type NumericSplit struct {
	Threshold float64
	LowLabel  string
	HighLabel string
}

// ParameterDescriptor describes one grouping parameter. Categorical
// parameters bucket by the value's canonical label; numeric parameters with
// a Split bucket by threshold.
type ParameterDescriptor struct {
	Name        string
	Protected   bool
	Cardinality int
	Split       *NumericSplit
}

// BucketLabel maps a value to its group label. ok is false when the value
// cannot be bucketed under this parameter.
func (p *ParameterDescriptor) BucketLabel(v models.Value) (string, bool) {
	if p.Split != nil {
		num, ok := v.Numeric()
		if !ok {
			return "", false
		}
		if num < p.Split.Threshold {
			return p.Split.LowLabel, true
		}
		return p.Split.HighLabel, true
	}
	label := v.Label()
	if label == "" {
		return "", false
	}
	return label, true
}

// Extraction partitions attribute names into metrics, grouping parameters
// and protected attributes.
type Extraction struct {
	Metrics    []MetricDescriptor
	Parameters []ParameterDescriptor
	Protected  []string
}

// IsProtected reports whether the named attribute matched a protected
// keyword family.
func (e *Extraction) IsProtected(name string) bool {
	for _, p := range e.Protected {
		if p == name {
			return true
		}
	}
	return false
}

// protectedFamilies are the recognized anti-discrimination keyword families.
// Matching is case-insensitive, substring or token; false positives are
// acceptable, missed protected attributes are not.
var protectedFamilies = []string{
	"age", "years_old",
	"gender", "sex",
	"race", "ethnic", "ethnicity",
	"religion",
	"national_origin", "nationality",
	"disability", "disabled",
	"marital_status", "married",
	"genetic",
	"veteran", "orientation",
}

// ageFamily drives the fixed-at-40 bucketing rule for numeric protected
// attributes that represent age.
var ageFamily = []string{"age", "years_old"}

func matchesFamily(name string, families []string) bool {
	lower := strings.ToLower(name)
	for _, kw := range families {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// purposeStopwords is a small set filtered out of purpose keyword
// tokenization so function words never create metric matches.
var purposeStopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "from": {}, "that": {},
	"this": {}, "are": {}, "was": {}, "were": {}, "has": {}, "have": {},
	"will": {}, "all": {}, "any": {}, "its": {}, "our": {}, "your": {},
	"agent": {}, "should": {}, "must": {},
}

// purposeKeywords tokenizes the agent purpose into a lowercase keyword set.
func purposeKeywords(purpose string) map[string]struct{} {
	keywords := make(map[string]struct{})
	for _, tok := range tokenize(purpose) {
		if len(tok) <= 3 {
			continue
		}
		if _, stop := purposeStopwords[tok]; stop {
			continue
		}
		keywords[tok] = struct{}{}
	}
	return keywords
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9')
	})
}

func nameMatchesPurpose(name string, keywords map[string]struct{}) bool {
	if len(keywords) == 0 {
		return false
	}
	for _, tok := range tokenize(name) {
		if _, ok := keywords[tok]; ok {
			return true
		}
	}
	return false
}

// attrProfile is the per-key scan accumulated over the record set.
type attrProfile struct {
	name     string
	present  int
	values   []float64
	allInt   bool
	distinct map[string]struct{}
}

// Extract classifies every attribute key over the record set. Metric
// ordering is purpose-matched first then descending CV; parameter ordering
// is protected first then ascending cardinality. Ties break on name so the
// output is deterministic.
func Extract(records []models.Record, cfg Config, purpose string) *Extraction {
	total := len(records)
	keywords := purposeKeywords(purpose)

	profiles := make(map[string]*attrProfile)
	for _, rec := range records {
		for key, val := range rec.Attributes {
			p, ok := profiles[key]
			if !ok {
				p = &attrProfile{name: key, allInt: true, distinct: make(map[string]struct{})}
				profiles[key] = p
			}
			p.present++
			p.distinct[val.Label()] = struct{}{}
			if num, ok := val.Numeric(); ok {
				p.values = append(p.values, num)
				if val.Kind != models.ValueInt {
					p.allInt = false
				}
			}
		}
	}

	keys := make([]string, 0, len(profiles))
	for key := range profiles {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	ex := &Extraction{}
	isMetric := make(map[string]bool)

	for _, key := range keys {
		p := profiles[key]
		if matchesFamily(key, protectedFamilies) {
			ex.Protected = append(ex.Protected, key)
		}

		if total == 0 {
			continue
		}
		stats := summarize(p.values)
		coverage := float64(stats.n) / float64(total)
		numeric := coverage >= cfg.MinNumericCoverage

		if numeric && len(p.distinct) >= 3 {
			cv := 0.0
			if stats.mean != 0 {
				cv = stats.stdev / abs(stats.mean)
			}
			floor := cfg.MinCV
			matched := nameMatchesPurpose(key, keywords)
			if matched {
				floor /= 2
			}
			if cv >= floor {
				isMetric[key] = true
				ex.Metrics = append(ex.Metrics, MetricDescriptor{
					Name:           key,
					Kind:           metricKind(p, stats),
					Count:          stats.n,
					Mean:           stats.mean,
					Stdev:          stats.stdev,
					CV:             cv,
					Min:            stats.min,
					Max:            stats.max,
					PurposeMatched: matched,
				})
			}
		}
	}

	for _, key := range keys {
		p := profiles[key]
		card := len(p.distinct)
		numeric := total > 0 && float64(len(p.values))/float64(total) >= cfg.MinNumericCoverage
		protected := matchesFamily(key, protectedFamilies)

		switch {
		case numeric && protected:
			// A protected attribute that happens to be numeric (age, most
			// commonly) is always bucketed so it never escapes bias analysis
			// by qualifying as a metric. Age attributes split at 40,
			// everything else at the sample median.
			split := numericSplit(key, p)
			if split != nil {
				ex.Parameters = append(ex.Parameters, ParameterDescriptor{
					Name:        key,
					Protected:   true,
					Cardinality: 2,
					Split:       split,
				})
			}
		case !isMetric[key] && card >= 2 && card <= cfg.MaxGroupCardinality:
			ex.Parameters = append(ex.Parameters, ParameterDescriptor{
				Name:        key,
				Protected:   protected,
				Cardinality: card,
			})
		}
	}

	sort.SliceStable(ex.Metrics, func(i, j int) bool {
		a, b := ex.Metrics[i], ex.Metrics[j]
		if a.PurposeMatched != b.PurposeMatched {
			return a.PurposeMatched
		}
		if a.CV != b.CV {
			return a.CV > b.CV
		}
		return a.Name < b.Name
	})
	sort.SliceStable(ex.Parameters, func(i, j int) bool {
		a, b := ex.Parameters[i], ex.Parameters[j]
		if a.Protected != b.Protected {
			return a.Protected
		}
		if a.Cardinality != b.Cardinality {
			return a.Cardinality < b.Cardinality
		}
		return a.Name < b.Name
	})

	return ex
}

// numericSplit fixes the bucketization rule for a numeric parameter: age
// attributes split at 40, everything else at the sample median.
func numericSplit(name string, p *attrProfile) *NumericSplit {
	if len(p.values) == 0 {
		return nil
	}
	if matchesFamily(name, ageFamily) {
		return &NumericSplit{Threshold: 40, LowLabel: "<40", HighLabel: "40+"}
	}
	med := median(p.values)
	label := strconv.FormatFloat(med, 'g', -1, 64)
	return &NumericSplit{
		Threshold: med,
		LowLabel:  "<" + label,
		HighLabel: ">=" + label,
	}
}

func median(values []float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

func metricKind(p *attrProfile, stats sampleStats) MetricKind {
	if matchesFamily(p.name, []string{"rate", "ratio", "percent", "pct"}) {
		return MetricRate
	}
	if stats.n > 0 && stats.min >= 0 && stats.max <= 1 {
		return MetricRate
	}
	if p.allInt {
		return MetricCount
	}
	return MetricContinuous
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
