package analysis

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/fidde/agent_audit/pkg/models"
)

func TestNormalizeShapeDetection(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr error
	}{
		{
			name:    "compact form",
			payload: `{"traces": [{"timestamp": "2025-06-02T10:00:00Z", "attributes": {"x": 1}}]}`,
		},
		{
			name: "otlp form",
			payload: `{"resourceSpans": [{"scopeSpans": [{"spans": [
				{"traceId": "0af7651916cd43dd8448eb211c80319c", "spanId": "b7ad6b7169203331",
				 "name": "op", "startTimeUnixNano": "1748858400000000000",
				 "attributes": [{"key": "x", "value": {"intValue": "1"}}]}]}]}]}`,
		},
		{
			name:    "unrecognized root",
			payload: `{"spans": [{"name": "op"}]}`,
			wantErr: ErrMalformedInput,
		},
		{
			name:    "not an object",
			payload: `[1, 2, 3]`,
			wantErr: ErrMalformedInput,
		},
		{
			name:    "empty traces array",
			payload: `{"traces": []}`,
			wantErr: ErrEmptyInput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize([]byte(tt.payload))
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Normalize() error = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Normalize() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseTimestampFormats(t *testing.T) {
	want := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		payload string
		wantOK  bool
	}{
		{"iso with zone", `"2025-06-02T10:00:00Z"`, true},
		{"iso with offset", `"2025-06-02T12:00:00+02:00"`, true},
		{"unix seconds", `1748858400`, true},
		{"unix seconds float", `1748858400.0`, true},
		{"unix nanoseconds", `1748858400000000000`, true},
		{"unix nanoseconds string", `"1748858400000000000"`, true},
		{"garbage string", `"not a time"`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := fmt.Sprintf(`{"traces": [{"timestamp": %s, "attributes": {"v": 1}}]}`, tt.payload)
			n, err := Normalize([]byte(payload))
			if err != nil {
				t.Fatalf("Normalize() error = %v", err)
			}
			rec := n.Records[0]
			if rec.HasTimestamp != tt.wantOK {
				t.Fatalf("HasTimestamp = %v, want %v", rec.HasTimestamp, tt.wantOK)
			}
			if tt.wantOK && !rec.Timestamp.Equal(want) {
				t.Errorf("Timestamp = %v, want %v", rec.Timestamp, want)
			}
		})
	}
}

func TestNormalizeCompactAttributeCoercion(t *testing.T) {
	payload := `{"traces": [{"timestamp": "2025-06-02T10:00:00Z", "attributes": {
		"str": "hello", "int": 42, "float": 3.5, "bool": true,
		"nested": {"inner": 1}, "list": [1, 2]}}]}`

	n, err := Normalize([]byte(payload))
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}

	attrs := n.Records[0].Attributes
	if got := attrs["str"]; got.Kind != models.ValueString || got.Str != "hello" {
		t.Errorf("str = %+v", got)
	}
	if got := attrs["int"]; got.Kind != models.ValueInt || got.Int != 42 {
		t.Errorf("int = %+v, want integer 42", got)
	}
	if got := attrs["float"]; got.Kind != models.ValueFloat || got.Float != 3.5 {
		t.Errorf("float = %+v", got)
	}
	if got := attrs["bool"]; got.Kind != models.ValueBool || !got.Bool {
		t.Errorf("bool = %+v", got)
	}
	if _, ok := attrs["nested"]; ok {
		t.Error("nested object should produce no attribute")
	}
	if _, ok := attrs["list"]; ok {
		t.Error("array should produce no attribute")
	}
}

func TestNormalizeOTLPResourceMerge(t *testing.T) {
	payload := `{"resourceSpans": [{
		"resource": {"attributes": [
			{"key": "service", "value": {"stringValue": "resource-level"}},
			{"key": "region", "value": {"stringValue": "eu-north-1"}}]},
		"scopeSpans": [{"spans": [{
			"traceId": "0af7651916cd43dd8448eb211c80319c", "spanId": "b7ad6b7169203331",
			"name": "op", "startTimeUnixNano": "1748858400000000000",
			"attributes": [
				{"key": "service", "value": {"stringValue": "span-level"}},
				{"key": "amount", "value": {"doubleValue": 12.5}}]}]}]}]}`

	n, err := Normalize([]byte(payload))
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}

	attrs := n.Records[0].Attributes
	if got := attrs["service"].Str; got != "span-level" {
		t.Errorf("span attribute should override resource attribute, got %q", got)
	}
	if got := attrs["region"].Str; got != "eu-north-1" {
		t.Errorf("resource attribute not merged, got %q", got)
	}
	if got, _ := attrs["amount"].Numeric(); got != 12.5 {
		t.Errorf("amount = %v", got)
	}
}

func TestNormalizeUnparseableTimestampRetained(t *testing.T) {
	payload := `{"traces": [
		{"timestamp": "garbage", "attributes": {"v": 1}},
		{"timestamp": "2025-06-02T10:00:00Z", "attributes": {"v": 2}},
		{"timestamp": "2025-06-02T11:30:00Z", "attributes": {"v": 3}}]}`

	n, err := Normalize([]byte(payload))
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if len(n.Records) != 3 {
		t.Fatalf("records = %d, want 3 (unparseable timestamp keeps the record)", len(n.Records))
	}
	if n.Records[0].HasTimestamp {
		t.Error("record 0 should have no timestamp")
	}

	// The timestamped records fall into two hourly buckets; the untimed
	// record must be in neither.
	total := 0
	for _, b := range n.Buckets {
		total += len(b.Indices)
	}
	if total != 2 {
		t.Errorf("bucketed records = %d, want 2", total)
	}
}

func TestGranularitySelection(t *testing.T) {
	tests := []struct {
		name string
		span time.Duration
		step time.Duration
		n    int
		want Granularity
	}{
		{"21 days spans weeks", 21 * 24 * time.Hour, 7 * 24 * time.Hour, 4, GranularityWeek},
		{"one week spans days", 6 * 24 * time.Hour, 24 * time.Hour, 7, GranularityDay},
		{"90 minutes spans hours", 90 * time.Minute, 45 * time.Minute, 3, GranularityHour},
	}

	base := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC) // a Monday
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := `{"traces": [`
			for i := 0; i < tt.n; i++ {
				if i > 0 {
					payload += ","
				}
				ts := base.Add(time.Duration(i) * tt.step)
				payload += fmt.Sprintf(`{"timestamp": %q, "attributes": {"v": %d}}`, ts.Format(time.RFC3339), i)
			}
			payload += `]}`

			n, err := Normalize([]byte(payload))
			if err != nil {
				t.Fatalf("Normalize() error = %v", err)
			}
			if n.Granularity != tt.want {
				t.Errorf("granularity = %q, want %q", n.Granularity, tt.want)
			}
			if len(n.Buckets) < 2 {
				t.Errorf("buckets = %d, want >= 2", len(n.Buckets))
			}
		})
	}
}

func TestGranularityDisabledForSingleBucket(t *testing.T) {
	// All timestamps equal: one bucket even at hourly width, so temporal
	// detection is disabled with a warning.
	payload := `{"traces": [
		{"timestamp": "2025-06-02T10:00:00Z", "attributes": {"v": 1}},
		{"timestamp": "2025-06-02T10:00:00Z", "attributes": {"v": 2}}]}`

	n, err := Normalize([]byte(payload))
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if n.Granularity != "" {
		t.Errorf("granularity = %q, want none for a single non-empty bucket", n.Granularity)
	}
	if len(n.Skipped) == 0 {
		t.Error("expected a skip reason for disabled temporal detection")
	}
}

func TestWeekBucketsAreISOWeeks(t *testing.T) {
	// 2025-06-01 is a Sunday, 2025-06-02 a Monday: they belong to different
	// ISO weeks even though they are adjacent days.
	payload := `{"traces": [
		{"timestamp": "2025-06-01T12:00:00Z", "attributes": {"v": 1}},
		{"timestamp": "2025-06-02T12:00:00Z", "attributes": {"v": 2}},
		{"timestamp": "2025-06-23T12:00:00Z", "attributes": {"v": 3}}]}`

	n, err := Normalize([]byte(payload))
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if n.Granularity != GranularityWeek {
		t.Fatalf("granularity = %q, want week", n.Granularity)
	}
	if got := n.Buckets[0].ID; got != "2025-W22" {
		t.Errorf("first bucket = %q, want 2025-W22", got)
	}
	if got := n.Buckets[1].ID; got != "2025-W23" {
		t.Errorf("second bucket = %q, want 2025-W23", got)
	}
	for _, b := range n.Buckets {
		if b.Start.Weekday() != time.Monday {
			t.Errorf("bucket %s starts on %v, want Monday", b.ID, b.Start.Weekday())
		}
		if b.End.Sub(b.Start) != 7*24*time.Hour {
			t.Errorf("bucket %s width = %v, want 168h", b.ID, b.End.Sub(b.Start))
		}
	}
}

func TestBucketIntervalsHalfOpen(t *testing.T) {
	// A record exactly on an hour boundary belongs to the bucket it opens.
	payload := `{"traces": [
		{"timestamp": "2025-06-02T10:00:00Z", "attributes": {"v": 1}},
		{"timestamp": "2025-06-02T10:59:59Z", "attributes": {"v": 2}},
		{"timestamp": "2025-06-02T11:00:00Z", "attributes": {"v": 3}}]}`

	n, err := Normalize([]byte(payload))
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if len(n.Buckets) != 2 {
		t.Fatalf("buckets = %d, want 2", len(n.Buckets))
	}
	if got := len(n.Buckets[0].Indices); got != 2 {
		t.Errorf("first bucket holds %d records, want 2", got)
	}
	if got := len(n.Buckets[1].Indices); got != 1 {
		t.Errorf("second bucket holds %d records, want 1", got)
	}
}
