package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/shwetabhartimsft/durabletask/internal/metrics"
	"github.com/shwetabhartimsft/durabletask/internal/store"
)

type Server struct {
	store   store.Store
	timeout time.Duration
}

// NewRouter builds the HTTP surface over the given store. Exposed separately
// from NewServer so tests can mount it on an httptest.Server.
func NewRouter(s store.Store) http.Handler {
	srv := &Server{
		store:   s,
		timeout: 30 * time.Second,
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(srv.timeout))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		// queue lifecycle
		r.Put("/queues/{queue}", srv.handleCreateQueue)
		r.Delete("/queues/{queue}", srv.handleDeleteQueue)
		r.Get("/queues/{queue}", srv.handleGetQueue)

		// enqueue: POST /v1/queues/{queue}/messages
		r.Post("/queues/{queue}/messages", srv.handleEnqueue)

		// lease: POST /v1/queues/{queue}:lease
		r.Post("/queues/{queue}:lease", srv.handleLease)

		// peek: POST /v1/queues/{queue}:peek
		r.Post("/queues/{queue}:peek", srv.handlePeek)

		// receipt-guarded message ops
		r.Post("/queues/{queue}/messages/{id}:renew", srv.handleRenew)
		r.Post("/queues/{queue}/messages/{id}:delete", srv.handleDelete)
	})

	return r
}

func NewServer(addr string, s store.Store) *http.Server {
	return &http.Server{
		Addr:    addr,
		Handler: NewRouter(s),
	}
}

type enqueueRequest struct {
	Body    string `json:"body"`
	DelayMS int64  `json:"delay_ms,omitempty"`
}

type enqueueResponse struct {
	ID int64 `json:"id"`
}

type leaseRequest struct {
	Max          int   `json:"max"`
	VisibilityMS int64 `json:"visibility_ms"`
}

type peekRequest struct {
	Max int `json:"max"`
}

type wireMessage struct {
	ID           int64      `json:"id"`
	Body         string     `json:"body"`
	Receipt      string     `json:"receipt,omitempty"`
	LeaseUntil   *time.Time `json:"lease_until,omitempty"`
	DequeueCount int        `json:"dequeue_count"`
}

type renewRequest struct {
	Receipt      string `json:"receipt"`
	VisibilityMS int64  `json:"visibility_ms"`
}

type renewResponse struct {
	Receipt    string    `json:"receipt"`
	LeaseUntil time.Time `json:"lease_until"`
}

type deleteRequest struct {
	Receipt string `json:"receipt"`
}

type deleteResponse struct {
	OK bool `json:"ok"`
}

type queueInfo struct {
	Name             string `json:"name"`
	ApproximateCount int64  `json:"approximate_count"`
}

// ---------- Handlers ----------

func (s *Server) handleCreateQueue(w http.ResponseWriter, r *http.Request) {
	qname := chi.URLParam(r, "queue")
	if qname == "" {
		httpError(w, http.StatusBadRequest, "missing queue path param")
		return
	}
	created, err := s.store.CreateQueue(r.Context(), qname)
	if err != nil {
		storeError(w, err, "create queue failed")
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
		log.WithFields(log.Fields{"event": "create_queue", "queue": qname}).Info("queue created")
	}
	writeJSON(w, code, &queueInfo{Name: qname})
}

func (s *Server) handleDeleteQueue(w http.ResponseWriter, r *http.Request) {
	qname := chi.URLParam(r, "queue")
	deleted, err := s.store.DeleteQueue(r.Context(), qname)
	if err != nil {
		storeError(w, err, "delete queue failed")
		return
	}
	if !deleted {
		httpError(w, http.StatusNotFound, "queue not found")
		return
	}
	log.WithFields(log.Fields{"event": "delete_queue", "queue": qname}).Info("queue deleted")
	writeJSON(w, http.StatusOK, &deleteResponse{OK: true})
}

func (s *Server) handleGetQueue(w http.ResponseWriter, r *http.Request) {
	qname := chi.URLParam(r, "queue")
	stats, err := s.store.Stats(r.Context(), qname)
	if err != nil {
		storeError(w, err, "queue stats failed")
		return
	}
	writeJSON(w, http.StatusOK, &queueInfo{
		Name:             stats.Name,
		ApproximateCount: stats.ApproximateCount,
	})
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	qname := chi.URLParam(r, "queue")
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	delay := time.Duration(req.DelayMS) * time.Millisecond
	if delay < 0 {
		httpError(w, http.StatusBadRequest, "delay must not be negative")
		return
	}

	id, err := s.store.Enqueue(r.Context(), qname, []byte(req.Body), delay)
	if err != nil {
		storeError(w, err, "enqueue failed")
		return
	}
	metrics.MessagesEnqueued.WithLabelValues(qname).Inc()
	writeJSON(w, http.StatusCreated, &enqueueResponse{ID: id})
}

func (s *Server) handleLease(w http.ResponseWriter, r *http.Request) {
	qname := chi.URLParam(r, "queue")
	var req leaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	if req.Max <= 0 || req.Max > 32 {
		req.Max = 1
	}
	vis := time.Duration(req.VisibilityMS) * time.Millisecond
	if vis <= 0 {
		vis = 30 * time.Second
	}

	out, err := s.store.Lease(r.Context(), store.LeaseOptions{
		Queue:      qname,
		Limit:      req.Max,
		Visibility: vis,
	})
	if err != nil {
		storeError(w, err, "lease failed")
		return
	}
	if n := len(out); n > 0 {
		metrics.MessagesLeased.WithLabelValues(qname).Add(float64(n))
	}
	writeJSON(w, http.StatusOK, toWire(out))
}

func (s *Server) handlePeek(w http.ResponseWriter, r *http.Request) {
	qname := chi.URLParam(r, "queue")
	var req peekRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	if req.Max <= 0 || req.Max > 32 {
		req.Max = 1
	}
	out, err := s.store.Peek(r.Context(), qname, req.Max)
	if err != nil {
		storeError(w, err, "peek failed")
		return
	}
	writeJSON(w, http.StatusOK, toWire(out))
}

func (s *Server) handleRenew(w http.ResponseWriter, r *http.Request) {
	qname := chi.URLParam(r, "queue")
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var req renewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	if req.Receipt == "" {
		httpError(w, http.StatusBadRequest, "`receipt` is required")
		return
	}
	vis := time.Duration(req.VisibilityMS) * time.Millisecond
	if vis <= 0 {
		vis = 30 * time.Second
	}

	receipt, leaseUntil, err := s.store.Renew(r.Context(), qname, id, req.Receipt, vis)
	if err != nil {
		storeError(w, err, "renew failed")
		return
	}
	metrics.LeasesRenewed.Inc()
	writeJSON(w, http.StatusOK, &renewResponse{Receipt: receipt, LeaseUntil: leaseUntil})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	qname := chi.URLParam(r, "queue")
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var req deleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	if req.Receipt == "" {
		httpError(w, http.StatusBadRequest, "`receipt` is required")
		return
	}

	if err := s.store.Delete(r.Context(), qname, id, req.Receipt); err != nil {
		storeError(w, err, "delete failed")
		return
	}
	metrics.MessagesDeleted.Inc()
	writeJSON(w, http.StatusOK, &deleteResponse{OK: true})
}

// ---------- helpers ----------

func parseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	idStr := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid id: %v", err)
		return 0, false
	}
	return id, true
}

func toWire(msgs []store.Message) []wireMessage {
	out := make([]wireMessage, 0, len(msgs))
	for _, m := range msgs {
		wm := wireMessage{
			ID:           m.ID,
			Body:         string(m.Body),
			LeaseUntil:   m.LeaseUntil,
			DequeueCount: m.DequeueCount,
		}
		if m.Receipt != nil {
			wm.Receipt = *m.Receipt
		}
		out = append(out, wm)
	}
	return out
}

func storeError(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, store.ErrQueueNotFound):
		httpError(w, http.StatusNotFound, "queue not found")
	case errors.Is(err, store.ErrMessageNotFound):
		httpError(w, http.StatusNotFound, "message not found")
	case errors.Is(err, store.ErrStaleReceipt):
		httpError(w, http.StatusConflict, "stale receipt: lease no longer held")
	default:
		httpError(w, http.StatusInternalServerError, "%s: %v", msg, err)
	}
}

func httpError(w http.ResponseWriter, code int, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
