package analysis

import (
	"fmt"

	"github.com/fidde/agent_audit/pkg/models"
)

// bucketStat holds per-bucket statistics for one metric. Buckets with fewer
// than two samples contribute a mean but no stdev and cannot take part in
// shift z computations.
type bucketStat struct {
	id       string
	mean     float64
	stdev    float64
	n        int
	hasStdev bool
}

// detectTemporal runs the three ordered sub-detectors (trend, shift,
// outliers) for one metric. At most one finding per sub-detector is
// emitted. Findings carry evidence and severity; narrative text is added by
// the synthesizer.
func detectTemporal(records []models.Record, buckets []TimeBucket, metric MetricDescriptor, cfg Config) ([]models.Finding, []models.SkipReason) {
	var findings []models.Finding
	var skipped []models.SkipReason

	stats := bucketStats(records, buckets, metric.Name)
	if len(stats) < cfg.MinPeriods {
		skipped = append(skipped, models.SkipReason{
			Entity: metric.Name,
			Reason: fmt.Sprintf("insufficient trend periods: %d usable buckets, need %d", len(stats), cfg.MinPeriods),
		})
		return nil, skipped
	}

	global := globalStats(records, metric.Name)

	trend := detectTrend(stats, global, metric, cfg)
	shift := detectShift(stats, global, metric, cfg)

	if trend != nil {
		// A trend subsumes a shift on the same metric; the largest shift
		// z-score rides along as supporting evidence.
		if shift != nil {
			ev := trend.Evidence.(models.TrendEvidence)
			z := shift.Evidence.(models.ShiftEvidence).ZScore
			ev.MaxShiftZ = &z
			trend.Evidence = ev
		}
		findings = append(findings, *trend)
	} else if shift != nil {
		findings = append(findings, *shift)
	}

	if outliers := detectOutliers(records, metric, cfg); outliers != nil {
		findings = append(findings, *outliers)
	}

	return findings, skipped
}

func bucketStats(records []models.Record, buckets []TimeBucket, metric string) []bucketStat {
	var stats []bucketStat
	for _, bucket := range buckets {
		var values []float64
		for _, idx := range bucket.Indices {
			if v, ok := records[idx].Attributes[metric]; ok {
				if num, numeric := v.Numeric(); numeric {
					values = append(values, num)
				}
			}
		}
		if len(values) == 0 {
			continue
		}
		s := summarize(values)
		stats = append(stats, bucketStat{
			id:       bucket.ID,
			mean:     s.mean,
			stdev:    s.stdev,
			n:        s.n,
			hasStdev: s.n >= 2,
		})
	}
	return stats
}

func globalStats(records []models.Record, metric string) sampleStats {
	var values []float64
	for _, rec := range records {
		if v, ok := rec.Attributes[metric]; ok {
			if num, numeric := v.Numeric(); numeric {
				values = append(values, num)
			}
		}
	}
	return summarize(values)
}

// detectTrend flags a strictly monotonic run of bucket means whose relative
// change clears half the sigma threshold expressed in tens of percent (10%
// at the default 2.0 sigma).
func detectTrend(stats []bucketStat, global sampleStats, metric MetricDescriptor, cfg Config) *models.Finding {
	increasing, decreasing := true, true
	for i := 1; i < len(stats); i++ {
		if stats[i].mean <= stats[i-1].mean {
			increasing = false
		}
		if stats[i].mean >= stats[i-1].mean {
			decreasing = false
		}
	}
	if !increasing && !decreasing {
		return nil
	}

	first, last := stats[0], stats[len(stats)-1]
	var percentChange float64
	switch {
	case first.mean != 0:
		percentChange = (last.mean - first.mean) / abs(first.mean)
	case global.mean != 0:
		percentChange = (last.mean - first.mean) / abs(global.mean)
	default:
		percentChange = (last.mean - first.mean) / 1e-9
	}

	if abs(percentChange) < 0.5*cfg.DeviationThresholdSigma*0.10 {
		return nil
	}

	direction := "increasing"
	if decreasing {
		direction = "decreasing"
	}

	return &models.Finding{
		Type:   models.FindingDeviation,
		Kind:   models.KindTrend,
		Metric: metric.Name,
		Evidence: models.TrendEvidence{
			Direction:     direction,
			PercentChange: percentChange,
			FirstBucket:   first.id,
			LastBucket:    last.id,
			FirstMean:     first.mean,
			LastMean:      last.mean,
			Periods:       len(stats),
		},
		Severity: severityFromMagnitude(abs(percentChange), cfg),
	}
}

// detectShift scans consecutive bucket pairs for a mean jump whose z-score
// against the metric's pooled stdev exceeds the sigma threshold. Only the
// largest jump is reported.
func detectShift(stats []bucketStat, global sampleStats, metric MetricDescriptor, cfg Config) *models.Finding {
	pooled := global.stdev
	if pooled == 0 {
		return nil
	}

	best := -1.0
	var evidence models.ShiftEvidence
	for i := 0; i+1 < len(stats); i++ {
		a, b := stats[i], stats[i+1]
		if !a.hasStdev || !b.hasStdev {
			continue
		}
		z := abs(b.mean-a.mean) / pooled
		if z > best {
			best = z
			evidence = models.ShiftEvidence{
				FromBucket: a.id,
				ToBucket:   b.id,
				FromMean:   a.mean,
				ToMean:     b.mean,
				ZScore:     z,
			}
		}
	}
	if best <= cfg.DeviationThresholdSigma {
		return nil
	}

	return &models.Finding{
		Type:     models.FindingDeviation,
		Kind:     models.KindShift,
		Metric:   metric.Name,
		Evidence: evidence,
		Severity: severityFromMagnitude(best/cfg.DeviationThresholdSigma, cfg),
	}
}

// detectOutliers counts values deviating more than sigma stdevs from the
// global mean and fires when the fraction clears the configured floor.
func detectOutliers(records []models.Record, metric MetricDescriptor, cfg Config) *models.Finding {
	global := globalStats(records, metric.Name)
	if global.n == 0 {
		return nil
	}
	stdev := global.stdev
	if stdev == 0 {
		return nil
	}

	count := 0
	maxAbsZ := 0.0
	for _, rec := range records {
		v, ok := rec.Attributes[metric.Name]
		if !ok {
			continue
		}
		num, numeric := v.Numeric()
		if !numeric {
			continue
		}
		z := abs(num-global.mean) / stdev
		if z > maxAbsZ {
			maxAbsZ = z
		}
		if z > cfg.DeviationThresholdSigma {
			count++
		}
	}

	fraction := float64(count) / float64(global.n)
	if fraction < cfg.OutlierFractionFloor {
		return nil
	}

	return &models.Finding{
		Type:   models.FindingDeviation,
		Kind:   models.KindOutliers,
		Metric: metric.Name,
		Evidence: models.OutliersEvidence{
			OutlierCount:    count,
			TotalCount:      global.n,
			OutlierFraction: fraction,
			Mean:            global.mean,
			Stdev:           stdev,
			MaxAbsZ:         maxAbsZ,
		},
		Severity: severityFromMagnitude(fraction, cfg),
	}
}

// severityFromMagnitude maps a detector magnitude into [0, 1]. The mapping
// is monotonic non-decreasing in the magnitude.
func severityFromMagnitude(magnitude float64, cfg Config) float64 {
	s := magnitude / (cfg.DeviationThresholdSigma * 0.5)
	if s > 1 {
		return 1
	}
	return s
}
