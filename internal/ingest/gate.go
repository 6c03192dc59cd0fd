package ingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	glog "github.com/goliatone/go-logger/glog"

	"github.com/msageha/replyq/internal/activity"
	"github.com/msageha/replyq/internal/confirm"
	"github.com/msageha/replyq/internal/lock"
	"github.com/msageha/replyq/internal/model"
	"github.com/msageha/replyq/internal/queue"
)

const (
	HeaderSecret    = "X-Webhook-Secret"
	HeaderSignature = "X-Signature"
	signaturePrefix = "sha256="
)

var redactedHeaders = map[string]bool{
	HeaderSecret:    true,
	"Authorization": true,
	"X-Api-Key":     true,
}

// TaskCreator is the subset of the queue the gate needs.
type TaskCreator interface {
	Create(ctx context.Context, req queue.CreateRequest) (model.Task, error)
}

// ActivityLog receives every raw inbound event.
type ActivityLog interface {
	Append(e activity.Entry) error
}

// OutboundRecorder indexes observed outbound replies.
type OutboundRecorder interface {
	Record(ctx context.Context, rec confirm.OutboundRecord) error
}

type Options struct {
	DefaultAccount string
	WebhookSecret  string
	DedupEnabled   bool
	Rules          []Rule
	// Optional collaborators.
	Dedup    *Deduper
	Recorder OutboundRecorder
}

type Gate struct {
	creator TaskCreator
	log     ActivityLog
	opts    Options
	chats   *lock.MutexMap
	logger  glog.Logger
	now     func() time.Time
}

func NewGate(creator TaskCreator, log ActivityLog, opts Options, logger glog.Logger) *Gate {
	if logger == nil {
		logger = glog.Nop()
	}
	return &Gate{
		creator: creator,
		log:     log,
		opts:    opts,
		chats:   lock.NewMutexMap(),
		logger:  logger,
		now:     time.Now,
	}
}

// Handle processes one inbound event. The event is always written to the
// activity log first. Only a failed secret check is reported (Forbidden);
// every other failure is logged and swallowed so the sender never retries.
func (g *Gate) Handle(ctx context.Context, account string, header http.Header, body []byte) (err error) {
	account = model.SanitizeAccount(account, g.opts.DefaultAccount)
	ev, parseErr := ParseEvent(body)

	g.record(account, ev, header, body)

	if !g.verify(header, body) {
		g.logger.Warn("webhook_forbidden", "account", account)
		return model.Forbidden("webhook secret check failed")
	}

	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("ingest_panic", "account", account, "panic", fmt.Sprint(r))
			err = nil
		}
	}()

	if parseErr != nil {
		g.logger.Warn("ingest_parse_failed", "account", account, "error", parseErr)
		return nil
	}
	g.process(ctx, account, ev)
	return nil
}

func (g *Gate) record(account string, ev Event, header http.Header, body []byte) {
	entry := activity.Entry{
		At:        g.now().UTC(),
		Kind:      "webhook",
		Account:   account,
		ChatID:    ev.ChatID,
		MessageID: ev.MessageID,
		Headers:   flattenHeaders(header),
	}
	if ev.Outbound() {
		entry.Direction = "outbound"
		entry.AuthorID = ev.authorNumber()
	} else if ev.ChatID != "" {
		entry.Direction = "inbound"
	}
	if json.Valid(body) {
		entry.Body = json.RawMessage(body)
	} else {
		quoted, _ := json.Marshal(string(body))
		entry.Body = quoted
	}
	if g.log == nil {
		return
	}
	if err := g.log.Append(entry); err != nil {
		g.logger.Error("activity_append_failed", "account", account, "error", err)
	}
}

func (g *Gate) verify(header http.Header, body []byte) bool {
	secret := g.opts.WebhookSecret
	if secret == "" {
		return true
	}
	if got := header.Get(HeaderSecret); got != "" {
		return hmac.Equal([]byte(got), []byte(secret))
	}
	sig := header.Get(HeaderSignature)
	if !strings.HasPrefix(sig, signaturePrefix) {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(sig, signaturePrefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

func (g *Gate) process(ctx context.Context, account string, ev Event) {
	if ev.ChatID == "" {
		g.logger.Debug("ingest_skip", "account", account, "reason", "no chat_id")
		return
	}

	if ev.Outbound() {
		if g.opts.Recorder != nil {
			rec := confirm.OutboundRecord{
				ChatID:    ev.ChatID,
				AuthorID:  ev.AuthorID,
				Account:   account,
				MessageID: ev.MessageID,
				At:        g.now().UTC(),
			}
			if err := g.opts.Recorder.Record(ctx, rec); err != nil {
				g.logger.Warn("outbound_index_failed", "chat_id", ev.ChatID, "error", err)
			}
		}
		return
	}

	key := account + "/" + ev.ChatID
	g.chats.Lock(key)
	defer g.chats.Unlock(key)

	for _, rule := range g.opts.Rules {
		if !rule.Match(ev) {
			continue
		}
		now := g.now()
		marked := false
		if rule.Deduplicated() && g.opts.DedupEnabled && g.opts.Dedup != nil {
			first, err := g.opts.Dedup.First(account, ev.ChatID, now)
			switch {
			case err != nil:
				// Bookkeeping failure; create anyway.
				g.logger.Warn("dedup_failed", "chat_id", ev.ChatID, "error", err)
			case !first:
				g.logger.Info("ingest_deduplicated", "account", account, "chat_id", ev.ChatID, "rule", rule.Name())
				return
			default:
				marked = true
			}
		}

		task, err := g.creator.Create(ctx, queue.CreateRequest{
			Account:   account,
			ChatID:    ev.ChatID,
			MessageID: ev.MessageID,
		})
		if err != nil {
			g.logger.Warn("ingest_create_failed", "chat_id", ev.ChatID, "rule", rule.Name(), "error", err)
			if marked {
				if err := g.opts.Dedup.Release(account, ev.ChatID, now); err != nil {
					g.logger.Warn("dedup_release_failed", "chat_id", ev.ChatID, "error", err)
				}
			}
			return
		}
		g.logger.Info("ingest_enqueued", "account", account, "chat_id", ev.ChatID, "rule", rule.Name(), "task_id", task.ID)
		return
	}
}

func flattenHeaders(header http.Header) map[string]string {
	if len(header) == 0 {
		return nil
	}
	out := make(map[string]string, len(header))
	for k, v := range header {
		ck := http.CanonicalHeaderKey(k)
		if redactedHeaders[ck] {
			out[ck] = "[redacted]"
			continue
		}
		out[ck] = strings.Join(v, ", ")
	}
	return out
}
