package receiver

import (
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fidde/agent_audit/internal/storage/memory"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"google.golang.org/protobuf/proto"
)

const otlpJSON = `{"resourceSpans": [{"scopeSpans": [{"spans": [
	{"traceId": "0af7651916cd43dd8448eb211c80319c", "spanId": "b7ad6b7169203331",
	 "name": "score_candidate", "startTimeUnixNano": "1748858400000000000",
	 "attributes": [{"key": "cv_score", "value": {"doubleValue": 81.5}}]}]}]}]}`

func TestHandleTracesJSON(t *testing.T) {
	store := memory.New()
	r := NewHTTPReceiver("127.0.0.1:0", store, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/traces?session=hiring", bytes.NewReader([]byte(otlpJSON)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	r.handleTraces(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	capture, err := store.GetCapture(context.Background(), "hiring")
	if err != nil {
		t.Fatalf("GetCapture() error = %v", err)
	}
	if len(capture.Batches) != 1 || capture.SpanCount != 1 {
		t.Fatalf("capture = %+v", capture)
	}
}

func TestHandleTracesProtobufGzip(t *testing.T) {
	store := memory.New()
	r := NewHTTPReceiver("127.0.0.1:0", store, nil)

	exportReq := &coltracepb.ExportTraceServiceRequest{}
	body, err := proto.Marshal(exportReq)
	if err != nil {
		t.Fatal(err)
	}

	var compressed bytes.Buffer
	gz := gzip.NewWriter(&compressed)
	gz.Write(body)
	gz.Close()

	req := httptest.NewRequest(http.MethodPost, "/v1/traces", &compressed)
	req.Header.Set("Content-Type", "application/x-protobuf")
	req.Header.Set("Content-Encoding", "gzip")
	w := httptest.NewRecorder()

	r.handleTraces(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	// An empty request still creates the default session with zero spans.
	capture, err := store.GetCapture(context.Background(), DefaultSession)
	if err != nil {
		t.Fatalf("GetCapture() error = %v", err)
	}
	if capture.SpanCount != 0 {
		t.Errorf("span count = %d, want 0", capture.SpanCount)
	}
}

func TestHandleTracesRejectsGarbage(t *testing.T) {
	store := memory.New()
	r := NewHTTPReceiver("127.0.0.1:0", store, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/traces", bytes.NewReader([]byte("not a payload")))
	w := httptest.NewRecorder()

	r.handleTraces(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestGRPCExport(t *testing.T) {
	store := memory.New()
	r := NewGRPCReceiver("127.0.0.1:0", store, nil)

	resp, err := r.Export(context.Background(), &coltracepb.ExportTraceServiceRequest{})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if resp.PartialSuccess == nil || resp.PartialSuccess.RejectedSpans != 0 {
		t.Errorf("resp = %+v", resp)
	}

	if _, err := store.GetCapture(context.Background(), DefaultSession); err != nil {
		t.Errorf("default session not created: %v", err)
	}
}
