package analysis

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fidde/agent_audit/pkg/models"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	"google.golang.org/protobuf/encoding/protojson"
)

// Granularity is the time-bucket width chosen for a run.
type Granularity string

const (
	GranularityHour Granularity = "hour"
	GranularityDay  Granularity = "day"
	GranularityWeek Granularity = "week"
)

// TimeBucket groups record indices into one half-open interval [Start, End).
type TimeBucket struct {
	ID      string
	Start   time.Time
	End     time.Time
	Indices []int
}

// Normalized is the output of the trace normalizer: the record set plus the
// derived time bucketing. Granularity is empty when fewer than two non-empty
// buckets exist even at hourly width; temporal detection is then skipped.
type Normalized struct {
	Records     []models.Record
	Granularity Granularity
	Buckets     []TimeBucket
	Skipped     []models.SkipReason
}

// Normalize converts a raw OTEL payload into a Normalized record set. Two
// shapes are recognized: the compact {"traces": [...]} form and the OTLP
// {"resourceSpans": [...]} form with typed attribute values. Anything else
// fails with ErrMalformedInput; a recognized payload with zero parseable
// records fails with ErrEmptyInput.
func Normalize(payload []byte) (*Normalized, error) {
	var root map[string]json.RawMessage
	if err := json.Unmarshal(payload, &root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}

	var records []models.Record
	switch {
	case root["resourceSpans"] != nil:
		req := &coltracepb.ExportTraceServiceRequest{}
		opts := protojson.UnmarshalOptions{DiscardUnknown: true}
		if err := opts.Unmarshal(payload, req); err != nil {
			return nil, fmt.Errorf("%w: otlp: %v", ErrMalformedInput, err)
		}
		records = recordsFromRequest(req)
	case root["traces"] != nil:
		var err error
		records, err = parseCompact(root["traces"])
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: payload has neither %q nor %q", ErrMalformedInput, "traces", "resourceSpans")
	}

	return finishNormalize(records)
}

// NormalizeRequest normalizes an already-decoded OTLP export request. This
// is the path the receivers use; it shares record construction and time
// bucketing with Normalize.
func NormalizeRequest(req *coltracepb.ExportTraceServiceRequest) (*Normalized, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: nil request", ErrMalformedInput)
	}
	return finishNormalize(recordsFromRequest(req))
}

func finishNormalize(records []models.Record) (*Normalized, error) {
	if len(records) == 0 {
		return nil, ErrEmptyInput
	}

	n := &Normalized{Records: records}
	n.Granularity, n.Buckets = buildBuckets(records)
	if n.Granularity == "" {
		n.Skipped = append(n.Skipped, models.SkipReason{
			Entity: "temporal",
			Reason: "fewer than 2 non-empty time buckets; temporal detection skipped",
		})
	}
	return n, nil
}

// compactTrace is one element of the compact {"traces": [...]} form.
type compactTrace struct {
	TraceID    string         `json:"trace_id"`
	Timestamp  any            `json:"timestamp"`
	SpanName   string         `json:"span_name"`
	Attributes map[string]any `json:"attributes"`
}

func parseCompact(raw json.RawMessage) ([]models.Record, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var traces []compactTrace
	if err := dec.Decode(&traces); err != nil {
		return nil, fmt.Errorf("%w: traces: %v", ErrMalformedInput, err)
	}

	records := make([]models.Record, 0, len(traces))
	for _, tr := range traces {
		rec := models.Record{Attributes: make(map[string]models.Value, len(tr.Attributes))}
		if ts, ok := parseTimestamp(tr.Timestamp); ok {
			rec.Timestamp = ts.UTC()
			rec.HasTimestamp = true
		}
		for key, raw := range tr.Attributes {
			if v, ok := scalarValue(raw); ok {
				rec.Attributes[key] = v
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

// scalarValue coerces a decoded JSON value to a scalar attribute. Nested
// objects and arrays produce no attribute.
func scalarValue(raw any) (models.Value, bool) {
	switch v := raw.(type) {
	case string:
		return models.StringValue(v), true
	case bool:
		return models.BoolValue(v), true
	case json.Number:
		s := v.String()
		if !strings.ContainsAny(s, ".eE") {
			if i, err := strconv.ParseInt(s, 10, 64); err == nil {
				return models.IntValue(i), true
			}
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return models.FloatValue(f), true
		}
		return models.Value{}, false
	default:
		return models.Value{}, false
	}
}

// unixThresholdNanos: numeric timestamps above 1e12 are treated as
// nanoseconds, below as seconds.
const unixThresholdNanos = 1e12

var isoLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// parseTimestamp accepts ISO-8601 strings, Unix seconds (integer or real)
// and Unix nanoseconds. Unparseable timestamps return ok=false; the record
// is retained without one.
func parseTimestamp(raw any) (time.Time, bool) {
	switch v := raw.(type) {
	case nil:
		return time.Time{}, false
	case string:
		if v == "" {
			return time.Time{}, false
		}
		if isAllDigits(v) {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				return fromUnix(float64(n)), true
			}
			return time.Time{}, false
		}
		for _, layout := range isoLayouts {
			if t, err := time.Parse(layout, v); err == nil {
				return t, true
			}
		}
		return time.Time{}, false
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return fromUnix(f), true
		}
		return time.Time{}, false
	case float64:
		return fromUnix(v), true
	case int64:
		return fromUnix(float64(v)), true
	default:
		return time.Time{}, false
	}
}

func fromUnix(n float64) time.Time {
	if n > unixThresholdNanos {
		return time.Unix(0, int64(n)).UTC()
	}
	sec := int64(n)
	nsec := int64((n - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// recordsFromRequest walks the typed OTLP structure. Resource attributes are
// merged into each span under the same keys, with span-level values winning.
func recordsFromRequest(req *coltracepb.ExportTraceServiceRequest) []models.Record {
	var records []models.Record
	for _, rs := range req.ResourceSpans {
		resourceAttrs := extractScalars(rs.GetResource().GetAttributes())
		for _, ss := range rs.ScopeSpans {
			for _, span := range ss.Spans {
				attrs := make(map[string]models.Value, len(resourceAttrs)+len(span.Attributes))
				for k, v := range resourceAttrs {
					attrs[k] = v
				}
				for k, v := range extractScalars(span.Attributes) {
					attrs[k] = v
				}

				rec := models.Record{Attributes: attrs}
				if span.StartTimeUnixNano > 0 {
					rec.Timestamp = time.Unix(0, int64(span.StartTimeUnixNano)).UTC()
					rec.HasTimestamp = true
				}
				records = append(records, rec)
			}
		}
	}
	return records
}

// extractScalars unwraps OTLP typed attribute values. Unknown value kinds
// (arrays, kvlists, bytes) produce no attribute.
func extractScalars(attrs []*commonpb.KeyValue) map[string]models.Value {
	result := make(map[string]models.Value, len(attrs))
	for _, attr := range attrs {
		if v, ok := anyValueToScalar(attr.GetValue()); ok {
			result[attr.Key] = v
		}
	}
	return result
}

func anyValueToScalar(value *commonpb.AnyValue) (models.Value, bool) {
	if value == nil {
		return models.Value{}, false
	}
	switch v := value.Value.(type) {
	case *commonpb.AnyValue_StringValue:
		return models.StringValue(v.StringValue), true
	case *commonpb.AnyValue_IntValue:
		return models.IntValue(v.IntValue), true
	case *commonpb.AnyValue_DoubleValue:
		return models.FloatValue(v.DoubleValue), true
	case *commonpb.AnyValue_BoolValue:
		return models.BoolValue(v.BoolValue), true
	default:
		return models.Value{}, false
	}
}

// buildBuckets starts from the granularity the timestamp span calls for
// (week at 21 days or more, day at 3 days or more, hour otherwise) and falls
// back to the next finer one until at least two non-empty buckets exist,
// stopping at hour. Bucket intervals are
// half-open [start, end), floored to the granularity boundary in UTC; weeks
// are ISO-8601 (Monday start).
func buildBuckets(records []models.Record) (Granularity, []TimeBucket) {
	var minT, maxT time.Time
	timed := 0
	for _, rec := range records {
		if !rec.HasTimestamp {
			continue
		}
		if timed == 0 || rec.Timestamp.Before(minT) {
			minT = rec.Timestamp
		}
		if timed == 0 || rec.Timestamp.After(maxT) {
			maxT = rec.Timestamp
		}
		timed++
	}
	if timed == 0 {
		return "", nil
	}

	span := maxT.Sub(minT)
	var order []Granularity
	switch {
	case span >= 21*24*time.Hour:
		order = []Granularity{GranularityWeek, GranularityDay, GranularityHour}
	case span >= 3*24*time.Hour:
		order = []Granularity{GranularityDay, GranularityHour}
	default:
		order = []Granularity{GranularityHour}
	}

	for _, g := range order {
		buckets := bucketize(records, g)
		if len(buckets) >= 2 {
			return g, buckets
		}
	}
	return "", nil
}

func bucketize(records []models.Record, g Granularity) []TimeBucket {
	byStart := make(map[time.Time]*TimeBucket)
	for i, rec := range records {
		if !rec.HasTimestamp {
			continue
		}
		start := floorTo(rec.Timestamp, g)
		b, ok := byStart[start]
		if !ok {
			b = &TimeBucket{
				ID:    bucketID(start, g),
				Start: start,
				End:   bucketEnd(start, g),
			}
			byStart[start] = b
		}
		b.Indices = append(b.Indices, i)
	}

	buckets := make([]TimeBucket, 0, len(byStart))
	for _, b := range byStart {
		buckets = append(buckets, *b)
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Start.Before(buckets[j].Start) })
	return buckets
}

func floorTo(t time.Time, g Granularity) time.Time {
	t = t.UTC()
	switch g {
	case GranularityHour:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, time.UTC)
	case GranularityDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case GranularityWeek:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		// Monday of the ISO week.
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	default:
		return t
	}
}

func bucketEnd(start time.Time, g Granularity) time.Time {
	switch g {
	case GranularityHour:
		return start.Add(time.Hour)
	case GranularityDay:
		return start.AddDate(0, 0, 1)
	case GranularityWeek:
		return start.AddDate(0, 0, 7)
	default:
		return start
	}
}

func bucketID(start time.Time, g Granularity) string {
	switch g {
	case GranularityHour:
		return start.Format("2006-01-02 15:00")
	case GranularityDay:
		return start.Format("2006-01-02")
	case GranularityWeek:
		year, week := start.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	default:
		return start.Format(time.RFC3339)
	}
}
