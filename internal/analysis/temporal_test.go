package analysis

import (
	"math"
	"testing"
	"time"

	"github.com/fidde/agent_audit/pkg/models"
)

// timedRecords builds one record per value with evenly spaced timestamps and
// the derived bucketing.
func timedRecords(t *testing.T, metric string, bucketValues [][]float64, bucketSpacing time.Duration) ([]models.Record, []TimeBucket) {
	t.Helper()
	base := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC) // a Monday

	var records []models.Record
	for b, values := range bucketValues {
		for i, v := range values {
			records = append(records, models.Record{
				Timestamp:    base.Add(time.Duration(b)*bucketSpacing + time.Duration(i)*time.Second),
				HasTimestamp: true,
				Attributes:   map[string]models.Value{metric: models.FloatValue(v)},
			})
		}
	}

	g, buckets := buildBuckets(records)
	if g == "" {
		t.Fatal("expected usable granularity")
	}
	return records, buckets
}

func repeat(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestDetectTrendMonotonicIncrease(t *testing.T) {
	records, buckets := timedRecords(t, "refund_amount", [][]float64{
		repeat(52, 40), repeat(67, 40), repeat(82, 40), repeat(95, 40),
	}, 7*24*time.Hour)

	metric := MetricDescriptor{Name: "refund_amount"}
	findings, skipped := detectTemporal(records, buckets, metric, DefaultConfig())
	if len(skipped) != 0 {
		t.Fatalf("skipped = %v", skipped)
	}
	if len(findings) != 1 {
		t.Fatalf("findings = %d, want exactly 1 (trend only)", len(findings))
	}

	f := findings[0]
	if f.Kind != models.KindTrend {
		t.Fatalf("kind = %q, want trend", f.Kind)
	}
	ev := f.Evidence.(models.TrendEvidence)
	if ev.Direction != "increasing" {
		t.Errorf("direction = %q", ev.Direction)
	}
	wantChange := (95.0 - 52.0) / 52.0
	if math.Abs(ev.PercentChange-wantChange) > 1e-9 {
		t.Errorf("percent change = %v, want %v", ev.PercentChange, wantChange)
	}
	if ev.Periods != 4 {
		t.Errorf("periods = %d, want 4", ev.Periods)
	}
	wantSeverity := wantChange / (2.0 * 0.5)
	if math.Abs(f.Severity-wantSeverity) > 1e-9 {
		t.Errorf("severity = %v, want %v", f.Severity, wantSeverity)
	}
}

func TestDetectTrendTieBreaksMonotonicity(t *testing.T) {
	records, buckets := timedRecords(t, "m", [][]float64{
		repeat(50, 5), repeat(60, 5), repeat(60, 5), repeat(70, 5),
	}, 7*24*time.Hour)

	findings, _ := detectTemporal(records, buckets, MetricDescriptor{Name: "m"}, DefaultConfig())
	for _, f := range findings {
		if f.Kind == models.KindTrend {
			t.Fatal("equal consecutive means must not count as monotonic")
		}
	}
}

func TestDetectTrendBelowChangeFloor(t *testing.T) {
	// Strictly increasing but only 6% total change: below the 10% floor at
	// the default 2.0 sigma.
	records, buckets := timedRecords(t, "m", [][]float64{
		repeat(100, 5), repeat(102, 5), repeat(104, 5), repeat(106, 5),
	}, 7*24*time.Hour)

	findings, _ := detectTemporal(records, buckets, MetricDescriptor{Name: "m"}, DefaultConfig())
	for _, f := range findings {
		if f.Kind == models.KindTrend {
			t.Fatalf("6%% change should not fire at the default threshold, got %+v", f)
		}
	}
}

func TestDetectShift(t *testing.T) {
	// Flat at 10 for two buckets, then a jump to 40. Not monotonic overall
	// (10, 10 ties), so the shift is reported on its own. Values inside each
	// bucket vary slightly so bucket stdevs exist.
	jitter := func(center float64) []float64 {
		out := make([]float64, 20)
		for i := range out {
			out[i] = center + float64(i%3)-1
		}
		return out
	}
	records, buckets := timedRecords(t, "m", [][]float64{
		jitter(10), jitter(10), jitter(40),
	}, 24*time.Hour)

	findings, _ := detectTemporal(records, buckets, MetricDescriptor{Name: "m"}, DefaultConfig())

	var shift *models.Finding
	for i := range findings {
		if findings[i].Kind == models.KindShift {
			shift = &findings[i]
		}
	}
	if shift == nil {
		t.Fatalf("expected a shift finding, got %+v", findings)
	}
	ev := shift.Evidence.(models.ShiftEvidence)
	if ev.FromMean >= ev.ToMean {
		t.Errorf("shift evidence means = %v -> %v, want an upward jump", ev.FromMean, ev.ToMean)
	}
	if ev.ZScore <= 2.0 {
		t.Errorf("z = %v, want > sigma threshold", ev.ZScore)
	}
}

func TestTrendSubsumesShift(t *testing.T) {
	// Monotonic and steep: both sub-detectors would fire; only the trend is
	// emitted, carrying the max shift z as supporting evidence.
	jitter := func(center float64) []float64 {
		out := make([]float64, 20)
		for i := range out {
			out[i] = center + float64(i%3)-1
		}
		return out
	}
	records, buckets := timedRecords(t, "m", [][]float64{
		jitter(10), jitter(11), jitter(60),
	}, 24*time.Hour)

	findings, _ := detectTemporal(records, buckets, MetricDescriptor{Name: "m"}, DefaultConfig())

	var trend, shift *models.Finding
	for i := range findings {
		switch findings[i].Kind {
		case models.KindTrend:
			trend = &findings[i]
		case models.KindShift:
			shift = &findings[i]
		}
	}
	if shift != nil {
		t.Fatal("shift must be folded into the trend finding")
	}
	if trend == nil {
		t.Fatal("expected a trend finding")
	}
	ev := trend.Evidence.(models.TrendEvidence)
	if ev.MaxShiftZ == nil || *ev.MaxShiftZ <= 2.0 {
		t.Errorf("trend should carry the supporting shift z, got %+v", ev.MaxShiftZ)
	}
}

func TestDetectOutliers(t *testing.T) {
	// 90 values near 100, 10 values far out: 10% outliers at sigma 2.
	var values []float64
	for i := 0; i < 90; i++ {
		values = append(values, 100+float64(i%5)-2)
	}
	for i := 0; i < 10; i++ {
		values = append(values, 200)
	}
	records, buckets := timedRecords(t, "m", [][]float64{values[:50], values[50:]}, time.Hour)

	findings, _ := detectTemporal(records, buckets, MetricDescriptor{Name: "m"}, DefaultConfig())

	var outliers *models.Finding
	for i := range findings {
		if findings[i].Kind == models.KindOutliers {
			outliers = &findings[i]
		}
	}
	if outliers == nil {
		t.Fatalf("expected an outliers finding, got %+v", findings)
	}
	ev := outliers.Evidence.(models.OutliersEvidence)
	if ev.TotalCount != 100 {
		t.Errorf("total = %d, want 100", ev.TotalCount)
	}
	if ev.OutlierFraction < 0.05 {
		t.Errorf("fraction = %v, want >= floor", ev.OutlierFraction)
	}
	if outliers.Severity <= 0 || outliers.Severity > 1 {
		t.Errorf("severity = %v out of range", outliers.Severity)
	}
}

func TestAllIdenticalValuesNoFindings(t *testing.T) {
	records, buckets := timedRecords(t, "m", [][]float64{
		repeat(42, 20), repeat(42, 20), repeat(42, 20),
	}, 24*time.Hour)

	findings, _ := detectTemporal(records, buckets, MetricDescriptor{Name: "m"}, DefaultConfig())
	if len(findings) != 0 {
		t.Fatalf("identical values must produce no findings, got %+v", findings)
	}
}

func TestInsufficientPeriodsSkipsMetric(t *testing.T) {
	// The metric is present in only one bucket even though two exist.
	base := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	records := []models.Record{
		{Timestamp: base, HasTimestamp: true, Attributes: map[string]models.Value{"m": models.FloatValue(1)}},
		{Timestamp: base.Add(time.Minute), HasTimestamp: true, Attributes: map[string]models.Value{"m": models.FloatValue(2)}},
		{Timestamp: base.Add(2 * time.Hour), HasTimestamp: true, Attributes: map[string]models.Value{"other": models.FloatValue(3)}},
	}
	_, buckets := buildBuckets(records)

	findings, skipped := detectTemporal(records, buckets, MetricDescriptor{Name: "m"}, DefaultConfig())
	if len(findings) != 0 {
		t.Fatalf("findings = %+v, want none", findings)
	}
	if len(skipped) != 1 {
		t.Fatalf("skipped = %v, want one insufficient-periods entry", skipped)
	}
}
