// Package receiver implements OTLP HTTP and gRPC trace endpoints. Received
// batches are stored verbatim in a named capture session; nothing is
// analyzed at ingest time - analysis stays post-hoc through the API.
package receiver

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/fidde/agent_audit/internal/analysis"
	"github.com/fidde/agent_audit/internal/storage"
	"github.com/fidde/agent_audit/pkg/models"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// DefaultSession is the capture session used when the sender names none.
const DefaultSession = "default"

// RecordArchiver receives normalized records at ingest time for long-horizon
// retention. Archiving failures are logged, never surfaced to the sender.
type RecordArchiver interface {
	ArchiveRecords(ctx context.Context, scenario string, records []models.Record) error
}

// HTTPReceiver handles OTLP/HTTP trace export requests.
type HTTPReceiver struct {
	store   storage.Store
	archive RecordArchiver
	server  *http.Server
}

// NewHTTPReceiver creates a new HTTP receiver. archive may be nil.
func NewHTTPReceiver(addr string, store storage.Store, archive RecordArchiver) *HTTPReceiver {
	r := &HTTPReceiver{store: store, archive: archive}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/traces", r.handleTraces)
	mux.HandleFunc("/health", r.handleHealth)

	r.server = &http.Server{Addr: addr, Handler: mux}
	return r
}

// Start starts the HTTP server.
func (r *HTTPReceiver) Start() error {
	return r.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (r *HTTPReceiver) Shutdown(ctx context.Context) error {
	return r.server.Shutdown(ctx)
}

// handleTraces handles OTLP traces export requests.
func (r *HTTPReceiver) handleTraces(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx := req.Context()

	reader := req.Body
	if req.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(req.Body)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to decompress: %v", err), http.StatusBadRequest)
			return
		}
		defer gz.Close()
		reader = gz
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to read body: %v", err), http.StatusBadRequest)
		return
	}
	defer req.Body.Close()

	// Always try protobuf first (default for OTLP), then fall back to JSON.
	var exportReq coltracepb.ExportTraceServiceRequest
	if err := proto.Unmarshal(body, &exportReq); err != nil {
		unmarshaler := protojson.UnmarshalOptions{DiscardUnknown: true}
		if jsonErr := unmarshaler.Unmarshal(body, &exportReq); jsonErr != nil {
			log.Printf("Failed to parse traces request: protobuf error: %v, json error: %v", err, jsonErr)
			http.Error(w, fmt.Sprintf("Failed to parse request: protobuf error: %v, json error: %v", err, jsonErr), http.StatusBadRequest)
			return
		}
	}

	session := req.URL.Query().Get("session")
	if session == "" {
		session = DefaultSession
	}

	if err := CaptureBatch(ctx, r.store, session, &exportReq); err != nil {
		log.Printf("Capture error: %v", err)
		http.Error(w, fmt.Sprintf("Failed to capture batch: %v", err), http.StatusInternalServerError)
		return
	}
	archiveBatch(ctx, r.archive, session, &exportReq)

	r.writeResponse(w, &coltracepb.ExportTraceServiceResponse{})
}

// handleHealth handles health check requests.
func (r *HTTPReceiver) handleHealth(w http.ResponseWriter, req *http.Request) {
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// writeResponse writes a protobuf response. OTLP always uses protobuf for
// responses.
func (r *HTTPReceiver) writeResponse(w http.ResponseWriter, resp proto.Message) {
	respBytes, err := proto.Marshal(resp)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to marshal response: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/x-protobuf")
	w.WriteHeader(http.StatusOK)
	w.Write(respBytes)
}

// CaptureBatch converts one export request to its OTLP JSON form and appends
// it to the named capture session.
func CaptureBatch(ctx context.Context, store storage.Store, session string, req *coltracepb.ExportTraceServiceRequest) error {
	batch, err := protojson.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding batch: %w", err)
	}
	return store.AppendCaptureBatch(ctx, session, batch, countSpans(req))
}

// archiveBatch normalizes one batch and hands it to the record archive.
// Best-effort: batches that fail to normalize (including empty ones) are
// skipped silently, and archive failures only log.
func archiveBatch(ctx context.Context, archive RecordArchiver, session string, req *coltracepb.ExportTraceServiceRequest) {
	if archive == nil {
		return
	}
	normalized, err := analysis.NormalizeRequest(req)
	if err != nil {
		return
	}
	if err := archive.ArchiveRecords(ctx, session, normalized.Records); err != nil {
		log.Printf("Archive error for session %s: %v", session, err)
	}
}

func countSpans(req *coltracepb.ExportTraceServiceRequest) int {
	count := 0
	for _, rs := range req.ResourceSpans {
		for _, ss := range rs.ScopeSpans {
			count += len(ss.Spans)
		}
	}
	return count
}
