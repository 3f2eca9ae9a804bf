// Package api exposes the HTTP surface: event ingest, paginated
// timeseries reads, the websocket stream, health and metrics.
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"sentiflow/internal/domain"
	"sentiflow/internal/fanout"
	"sentiflow/internal/idhash"
	"sentiflow/internal/observability"
	"sentiflow/internal/storage"
	"sentiflow/internal/stream"
	"sentiflow/internal/timeseries"
)

type Server struct {
	writer     *fanout.Writer
	reader     *timeseries.Service
	streamHdlr *stream.Handler
	logger     *log.Logger
	started    time.Time
}

func NewServer(writer *fanout.Writer, reader *timeseries.Service, streamHdlr *stream.Handler, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(os.Stdout, "[api] ", log.LstdFlags)
	}
	return &Server{
		writer:     writer,
		reader:     reader,
		streamHdlr: streamHdlr,
		logger:     logger,
		started:    time.Now(),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", observability.Handler())
	mux.HandleFunc("/v1/events", s.handleIngest)
	mux.HandleFunc("/v1/timeseries", s.handleTimeseries)
	if s.streamHdlr != nil {
		mux.Handle("/v1/stream", s.streamHdlr)
	}
	mux.HandleFunc("/status", s.handleStatus)

	return mux
}

// ingestRequest is the POST /v1/events payload. When event_id is
// absent it is derived from (ticker, source, article_url, time), so
// upstream scorers without their own id scheme still get stable
// redelivery semantics.
type ingestRequest struct {
	domain.Event
	ArticleURL string `json:"article_url,omitempty"`
}

// ingestResponse summarizes one fan-out.
type ingestResponse struct {
	EventID   string   `json:"event_id"`
	Updated   int      `json:"updated"`
	Duplicate bool     `json:"duplicate"`
	Failed    []string `json:"failed,omitempty"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	ev := req.Event
	if ev.ID == "" {
		ev.ID = idhash.ComputeEventID(ev.Ticker, ev.Source, req.ArticleURL, ev.Time)
	}

	result, err := s.writer.Write(r.Context(), ev)
	if err != nil {
		if errors.Is(err, domain.ErrMalformedEvent) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Printf("ingest %q: %v", ev.ID, err)
		writeError(w, http.StatusInternalServerError, "write failed")
		return
	}

	resp := ingestResponse{
		EventID:   result.EventID,
		Updated:   len(result.Updated),
		Duplicate: result.Duplicate,
	}
	for _, f := range result.Failed {
		resp.Failed = append(resp.Failed, f.Resolution.String())
	}

	// A partial fan-out asks the producer to redeliver; the applied
	// subset deduplicates on the retry.
	status := http.StatusOK
	if len(result.Failed) > 0 {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleTimeseries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	cursor, _ := strconv.ParseInt(q.Get("cursor"), 10, 64)

	page, err := s.reader.Latest(r.Context(), timeseries.Query{
		Ticker:     q.Get("ticker"),
		Resolution: domain.Resolution(q.Get("resolution")),
		Limit:      limit,
		Cursor:     cursor,
	})
	if err != nil {
		if errors.Is(err, storage.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Printf("timeseries read: %v", err)
		writeError(w, http.StatusInternalServerError, "read failed")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// StatusResponse is the JSON response for the /status endpoint.
type StatusResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		Status: "running",
		Uptime: time.Since(s.started).String(),
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
