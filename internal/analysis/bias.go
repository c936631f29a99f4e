package analysis

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fidde/agent_audit/pkg/models"
)

const biasEpsilon = 1e-9

// groupStat is the per-group accumulation of one metric restricted to one
// bucket label.
type groupStat struct {
	label string
	n     int
	mean  float64
	stdev float64
}

// detectBias runs single-parameter and intersectional disparity detection
// over the extracted metrics and parameters. Findings carry evidence and
// severity; narrative text is added by the synthesizer.
func detectBias(records []models.Record, ex *Extraction, cfg Config) ([]models.Finding, []models.SkipReason) {
	var findings []models.Finding
	var skipped []models.SkipReason

	for _, metric := range ex.Metrics {
		for pi := range ex.Parameters {
			param := &ex.Parameters[pi]
			if isCircular(metric.Name, param.Name) {
				continue
			}

			groups := singleGroupStats(records, metric.Name, param, cfg.MinGroupSize)
			if len(groups) < 2 {
				skipped = append(skipped, models.SkipReason{
					Entity: metric.Name + "/" + param.Name,
					Reason: "fewer than two groups meet the minimum group size",
				})
				continue
			}

			f, reason := compareGroups(groups, cfg.BiasThresholdD, cfg)
			if f == nil {
				if reason != "" {
					skipped = append(skipped, models.SkipReason{Entity: metric.Name + "/" + param.Name, Reason: reason})
				}
				continue
			}

			f.Kind = models.KindSingle
			f.Metric = metric.Name
			f.Parameters = []string{param.Name}
			applyBiasSeverity(f, param.Protected, cfg)
			findings = append(findings, *f)
		}
	}

	inter, interSkipped := detectIntersectional(records, ex, cfg)
	findings = append(findings, inter...)
	skipped = append(skipped, interSkipped...)

	return findings, skipped
}

// detectIntersectional examines pairs of distinct grouping parameters where
// at least one is protected, over composite Cartesian groups.
func detectIntersectional(records []models.Record, ex *Extraction, cfg Config) ([]models.Finding, []models.SkipReason) {
	var findings []models.Finding
	var skipped []models.SkipReason

	threshold := cfg.BiasThresholdD * cfg.IntersectionalMultiplier

	for _, metric := range ex.Metrics {
		for i := range ex.Parameters {
			for j := i + 1; j < len(ex.Parameters); j++ {
				p1, p2 := &ex.Parameters[i], &ex.Parameters[j]
				if !p1.Protected && !p2.Protected {
					continue
				}
				if isCircular(metric.Name, p1.Name) || isCircular(metric.Name, p2.Name) {
					continue
				}

				groups := compositeGroupStats(records, metric.Name, p1, p2, cfg.MinGroupSize)
				if len(groups) < 2 {
					continue
				}

				f, _ := compareGroups(groups, threshold, cfg)
				if f == nil {
					continue
				}

				f.Kind = models.KindIntersectional
				f.Metric = metric.Name
				f.Parameters = []string{p1.Name, p2.Name}
				applyBiasSeverity(f, p1.Protected || p2.Protected, cfg)
				findings = append(findings, *f)
			}
		}
	}

	return findings, skipped
}

// singleGroupStats partitions the metric by one parameter's bucket labels,
// discarding groups below the minimum size. Groups come back sorted by
// label so downstream comparisons are deterministic.
func singleGroupStats(records []models.Record, metric string, param *ParameterDescriptor, minGroupSize int) []groupStat {
	acc := make(map[string][]float64)
	for _, rec := range records {
		pv, ok := rec.Attributes[param.Name]
		if !ok {
			continue
		}
		label, ok := param.BucketLabel(pv)
		if !ok {
			continue
		}
		mv, ok := rec.Attributes[metric]
		if !ok {
			continue
		}
		num, numeric := mv.Numeric()
		if !numeric {
			continue
		}
		acc[label] = append(acc[label], num)
	}
	return finishGroups(acc, minGroupSize)
}

// compositeGroupStats partitions by the Cartesian product of two parameters'
// bucket labels.
func compositeGroupStats(records []models.Record, metric string, p1, p2 *ParameterDescriptor, minGroupSize int) []groupStat {
	acc := make(map[string][]float64)
	for _, rec := range records {
		v1, ok := rec.Attributes[p1.Name]
		if !ok {
			continue
		}
		l1, ok := p1.BucketLabel(v1)
		if !ok {
			continue
		}
		v2, ok := rec.Attributes[p2.Name]
		if !ok {
			continue
		}
		l2, ok := p2.BucketLabel(v2)
		if !ok {
			continue
		}
		mv, ok := rec.Attributes[metric]
		if !ok {
			continue
		}
		num, numeric := mv.Numeric()
		if !numeric {
			continue
		}
		label := l1 + " & " + l2
		acc[label] = append(acc[label], num)
	}
	return finishGroups(acc, minGroupSize)
}

func finishGroups(acc map[string][]float64, minGroupSize int) []groupStat {
	groups := make([]groupStat, 0, len(acc))
	for label, values := range acc {
		if len(values) < minGroupSize {
			continue
		}
		s := summarize(values)
		groups = append(groups, groupStat{label: label, n: s.n, mean: s.mean, stdev: s.stdev})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].label < groups[j].label })
	return groups
}

// compareGroups identifies the advantaged (highest mean) and disadvantaged
// (lowest mean) groups and computes the standardized effect size. The
// returned finding has evidence and the raw |d| but no severity yet; nil
// with a reason means the pair is skipped.
func compareGroups(groups []groupStat, threshold float64, cfg Config) (*models.Finding, string) {
	adv, dis := groups[0], groups[0]
	for _, g := range groups[1:] {
		if g.mean > adv.mean {
			adv = g
		}
		if g.mean < dis.mean {
			dis = g
		}
	}

	pooled := pooledStdev(adv.n, adv.stdev, dis.n, dis.stdev)
	if pooled == 0 {
		pooled = max(adv.stdev, dis.stdev) + biasEpsilon
		if pooled <= biasEpsilon && adv.mean != dis.mean {
			return nil, "degenerate groups: zero pooled stdev"
		}
	}

	d := (adv.mean - dis.mean) / pooled
	if abs(d) < threshold {
		return nil, fmt.Sprintf("|d| %.3f below threshold %.3f", abs(d), threshold)
	}

	var ratio *float64
	if dis.mean != 0 && sameSign(adv.mean, dis.mean) {
		r := adv.mean / dis.mean
		ratio = &r
	}

	return &models.Finding{
		Type:          models.FindingBias,
		Advantaged:    adv.label,
		Disadvantaged: dis.label,
		Evidence: models.BiasEvidence{
			MeanAdv:        adv.mean,
			MeanDis:        dis.mean,
			NAdv:           adv.n,
			NDis:           dis.n,
			CohensD:        d,
			DisparityRatio: ratio,
		},
	}, ""
}

// applyBiasSeverity maps |d| into [0, 1], raises the floor for severe
// disparity ratios, and applies the single protected-attribute boost.
func applyBiasSeverity(f *models.Finding, protected bool, cfg Config) {
	ev := f.Evidence.(models.BiasEvidence)

	s := abs(ev.CohensD) / 2.0
	if s > 1 {
		s = 1
	}
	if ev.DisparityRatio != nil && abs(*ev.DisparityRatio) >= cfg.SevereDisparityRatio && s < 0.85 {
		s = 0.85
	}
	if protected {
		s = s * 1.5
		if s > 1 {
			s = 1
		}
	}

	f.Severity = s
	p := protected
	f.Protected = &p
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

// isCircular reports whether a metric and a parameter refer to the same
// underlying attribute (for example a numeric age metric against its own
// bucketed form). Such comparisons are meaningless and always skipped.
func isCircular(metric, param string) bool {
	m := strings.ToLower(metric)
	p := strings.ToLower(param)
	if m == p {
		return true
	}
	trim := func(s string) string {
		for _, suffix := range []string{"_group", "_range", "_bucket", "_band"} {
			s = strings.TrimSuffix(s, suffix)
		}
		return s
	}
	return trim(m) == trim(p)
}
