package server

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/msageha/replyq/internal/activity"
	"github.com/msageha/replyq/internal/model"
	"github.com/msageha/replyq/internal/queue"
)

type claimRequest struct {
	Account string `json:"account"`
	WaitMs  int    `json:"wait_ms"`
}

// claimResponse keeps the field names existing workers consume.
type claimResponse struct {
	Has            bool       `json:"has"`
	LockID         string     `json:"lockId,omitempty"`
	ChatID         string     `json:"ChatId,omitempty"`
	ReplyText      string     `json:"ReplyText,omitempty"`
	MessageID      string     `json:"MessageId,omitempty"`
	Account        string     `json:"Account,omitempty"`
	Epoch          int        `json:"epoch,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
}

// lockRequest carries the epoch from the claim response. Zero skips the
// holder check.
type lockRequest struct {
	LockID string `json:"lockId"`
	Epoch  int    `json:"epoch,omitempty"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req queue.CreateRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	task, err := s.deps.Queue.Create(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Account == "" {
		req.Account = r.URL.Query().Get("account")
	}

	wait := time.Duration(req.WaitMs) * time.Millisecond
	if wait > s.maxWait {
		wait = s.maxWait
	}
	claimed, err := s.deps.Queue.ClaimWait(r.Context(), req.Account, wait)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if claimed == nil {
		writeJSON(w, http.StatusOK, claimResponse{Has: false})
		return
	}
	expires := claimed.LeaseExpiresAt
	writeJSON(w, http.StatusOK, claimResponse{
		Has:            true,
		LockID:         claimed.LockID,
		ChatID:         claimed.Task.ChatID,
		ReplyText:      claimed.Task.ReplyText,
		MessageID:      claimed.Task.MessageID,
		Account:        claimed.Task.Account,
		Epoch:          claimed.Epoch,
		LeaseExpiresAt: &expires,
	})
}

func (s *Server) lockOp(op func(ctx context.Context, lockID string, epoch int) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req lockRequest
		if err := decodeBody(r, &req); err != nil {
			s.writeError(w, err)
			return
		}
		if err := op(r.Context(), req.LockID, req.Epoch); err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

func (s *Server) handleDoneSafe(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.deps.Queue.DoneSafe(r.Context(), req.LockID, req.Epoch); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Queue.Stats(r.Context(), r.URL.Query().Get("account"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		s.logger.Warn("webhook_read_failed", "error", err)
	}
	if len(body) > maxBodyBytes {
		body = body[:maxBodyBytes]
		s.logger.Warn("webhook_body_truncated", "account", r.PathValue("account"), "limit", maxBodyBytes)
	}
	if s.deps.Gate != nil {
		if err := s.deps.Gate.Handle(r.Context(), r.PathValue("account"), r.Header, body); err != nil {
			s.writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	parts, err := s.deps.Logs.Partitions()
	if err != nil {
		s.writeError(w, model.Internal(err, "list log partitions"))
		return
	}
	if parts == nil {
		parts = []activity.Partition{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"partitions": parts})
}

func (s *Server) handleTail(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	maxBytes := int64(defaultTailBytes)
	if v := strings.TrimSpace(q.Get("bytes")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			s.writeError(w, model.InvalidArgument("bytes must be a positive integer", map[string]any{"bytes": v}))
			return
		}
		maxBytes = n
	}
	data, err := s.deps.Logs.Tail(q.Get("name"), maxBytes)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleHas(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	chatID := strings.TrimSpace(q.Get("chat_id"))
	if chatID == "" {
		s.writeError(w, model.InvalidArgument("chat_id is required", nil))
		return
	}
	if s.deps.Oracle == nil {
		writeJSON(w, http.StatusOK, map[string]any{"has": false, "sources": []string{}})
		return
	}
	var since time.Time
	if v := strings.TrimSpace(q.Get("since")); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, model.InvalidArgument("since must be an RFC3339 timestamp", map[string]any{"since": v}))
			return
		}
		since = t
	}
	res, err := s.deps.Oracle.Confirmed(r.Context(), chatID, q.Get("author_id"), since)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"has": res.Confirmed, "sources": res.Sources})
}
