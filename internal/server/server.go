// Package server exposes the queue, the webhook ingress and the activity log
// queries over HTTP.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"

	"github.com/msageha/replyq/internal/activity"
	"github.com/msageha/replyq/internal/ingest"
	"github.com/msageha/replyq/internal/model"
	"github.com/msageha/replyq/internal/queue"
)

const (
	maxBodyBytes     = 1 << 20
	defaultTailBytes = 64 << 10
)

// Deps are the components the HTTP surface dispatches to.
type Deps struct {
	Queue  *queue.Queue
	Gate   *ingest.Gate
	Logs   *activity.Reader
	Oracle queue.Confirmer
}

type Server struct {
	deps    Deps
	apiKey  string
	maxWait time.Duration
	logger  glog.Logger
}

func New(cfg model.Config, deps Deps, logger glog.Logger) *Server {
	if logger == nil {
		logger = glog.Nop()
	}
	return &Server{
		deps:    deps,
		apiKey:  cfg.Server.APIKey,
		maxWait: time.Duration(cfg.Queue.MaxClaimWaitMs) * time.Millisecond,
		logger:  logger,
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.Handle("POST /queue/enqueue", s.requireKey(s.handleEnqueue))
	mux.Handle("POST /queue/claim", s.requireKey(s.handleClaim))
	mux.Handle("POST /queue/done", s.requireKey(s.lockOp(s.deps.Queue.Done)))
	mux.Handle("POST /queue/requeue", s.requireKey(s.lockOp(s.deps.Queue.Requeue)))
	mux.Handle("POST /queue/heartbeat", s.requireKey(s.lockOp(s.deps.Queue.Heartbeat)))
	mux.Handle("POST /queue/done-safe", s.requireKey(s.handleDoneSafe))
	mux.Handle("GET /queue/stats", s.requireKey(s.handleStats))

	mux.HandleFunc("POST /webhook/{account}", s.handleWebhook)

	mux.Handle("GET /logs", s.requireKey(s.handleListLogs))
	mux.Handle("GET /logs/tail", s.requireKey(s.handleTail))
	mux.Handle("GET /logs/has", s.requireKey(s.handleHas))
	return s.accessLog(mux)
}

func (s *Server) requireKey(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" {
			got := r.Header.Get("X-API-Key")
			if got == "" {
				got = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.apiKey)) != 1 {
				s.writeError(w, model.Forbidden("invalid api key"))
				return
			}
		}
		h(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("http_request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration_ms", time.Since(start).Milliseconds())
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// decodeBody decodes an optional JSON body into dst. An empty body leaves
// dst untouched.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return model.InvalidArgument("invalid json body", map[string]any{"error": err.Error()})
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps taxonomy errors to their status and a JSON body
// {"error": message, "code": text_code, ...metadata}.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := model.StatusCode(err)
	body := map[string]any{"error": err.Error()}

	var rich *goerrors.Error
	if goerrors.As(err, &rich) {
		for k, v := range rich.Metadata {
			body[k] = v
		}
		body["error"] = rich.Message
		body["code"] = rich.TextCode
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		status = http.StatusServiceUnavailable
	}
	if status >= 500 {
		s.logger.Error("request_failed", "status", status, "error", err)
	}
	writeJSON(w, status, body)
}
