// Package queue implements the storage-directory task queue: creation,
// rename-based claiming, heartbeat lease extension, confirmed completion and
// reclamation of abandoned leases.
//
// Every record is one file in a shared directory. An Available record is named
// "{account}__{id}"; claiming renames it to "{account}__{id}.taking", and that
// leased name is the lock id. Rename is the only mutual-exclusion primitive:
// of any number of racing claimers exactly one rename succeeds.
package queue

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"golang.org/x/sync/singleflight"

	"github.com/msageha/replyq/internal/model"
	"github.com/msageha/replyq/internal/yaml"
)

// Confirmer decides whether an outbound reply for a conversation happened.
type Confirmer interface {
	// Confirmed reports a reply observed at or after since. A zero since
	// accepts replies of any age.
	Confirmed(ctx context.Context, chatID, authorID string, since time.Time) (model.Confirmation, error)
}

// CreateRequest carries the inputs of Create.
type CreateRequest struct {
	Account   string `json:"account"`
	ChatID    string `json:"chat_id"`
	ReplyText string `json:"reply_text"`
	MessageID string `json:"message_id"`
}

type Queue struct {
	dir       string
	cfg       model.QueueConfig
	logger    glog.Logger
	confirmer Confirmer
	waiter    *Waiter
	now       func() time.Time
	sweeps    singleflight.Group
}

// New opens (creating if needed) the task directory.
func New(dir string, cfg model.QueueConfig, logger glog.Logger) (*Queue, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create task dir: %w", err)
	}
	if logger == nil {
		logger = glog.Nop()
	}
	if cfg.ClaimCandidates <= 0 {
		cfg.ClaimCandidates = 5
	}
	return &Queue{
		dir:    dir,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}, nil
}

// SetConfirmer wires the oracle consulted by DoneSafe.
// Must be called before serving requests.
func (q *Queue) SetConfirmer(c Confirmer) {
	q.confirmer = c
}

// Dir returns the task directory.
func (q *Queue) Dir() string {
	return q.dir
}

// Create persists a new Available task.
func (q *Queue) Create(ctx context.Context, req CreateRequest) (model.Task, error) {
	chatID := strings.TrimSpace(req.ChatID)
	if chatID == "" {
		return model.Task{}, model.InvalidArgument("chat_id is required", nil)
	}
	if err := ctx.Err(); err != nil {
		return model.Task{}, err
	}

	replyText := req.ReplyText
	if strings.TrimSpace(replyText) == "" {
		replyText = q.cfg.DefaultReplyText
	}
	task := model.Task{
		ID:        model.GenerateTaskID(),
		Account:   model.SanitizeAccount(req.Account, q.cfg.DefaultAccount),
		ChatID:    chatID,
		ReplyText: replyText,
		MessageID: strings.TrimSpace(req.MessageID),
		CreatedAt: q.now().UTC(),
	}

	data, err := yaml.EncodeTask(task)
	if err != nil {
		return model.Task{}, model.Internal(err, "encode task")
	}
	name := availableName(task.Account, task.ID)
	if err := yaml.AtomicWriteRaw(filepath.Join(q.dir, name), data); err != nil {
		return model.Task{}, model.Internal(err, "write task record")
	}

	q.logger.Info("task_created", "record", name, "chat_id", task.ChatID, "message_id", task.MessageID)
	q.notifyAvailable()
	return task, nil
}

type candidate struct {
	name    string
	modTime time.Time
}

// Claim leases the most recently created Available task, trying at most
// ClaimCandidates records. Ordering is best-effort recency, not FIFO. When no
// candidate can be taken, stale leases are swept back and nil is returned.
func (q *Queue) Claim(ctx context.Context, account string) (*model.Claimed, error) {
	account = q.filterAccount(account)

	candidates, err := q.listAvailable(account)
	if err != nil {
		return nil, model.Internal(err, "list available records")
	}
	if len(candidates) > q.cfg.ClaimCandidates {
		candidates = candidates[:q.cfg.ClaimCandidates]
	}

	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		claimed, ok := q.claimOne(c.name)
		if ok {
			return claimed, nil
		}
	}

	if _, err := q.Sweep(ctx, account); err != nil {
		q.logger.Warn("sweep_failed", "account", account, "error", err)
	}
	return nil, nil
}

func (q *Queue) claimOne(name string) (*model.Claimed, bool) {
	avail := filepath.Join(q.dir, name)
	lockID := leasedName(name)
	leased := filepath.Join(q.dir, lockID)
	now := q.now()

	// Touch first so the leased file's mtime is fresh from the instant it appears.
	if err := os.Chtimes(avail, now, now); err != nil {
		if !yaml.IsNotExist(err) {
			q.logger.Warn("claim_touch_failed", "record", name, "error", err)
		}
		return nil, false
	}
	if err := os.Rename(avail, leased); err != nil {
		q.logger.Debug("claim_lost", "record", name, "error", err)
		return nil, false
	}

	task, err := q.readLeased(leased)
	if err != nil {
		q.quarantine(leased, err)
		return nil, false
	}

	task.Lease.Epoch++
	task.Lease.LeasedAt = now.UTC()
	task.Lease.RenewedAt = now.UTC()
	if data, err := yaml.EncodeTask(task); err != nil {
		q.logger.Warn("lease_encode_failed", "lock", lockID, "error", err)
	} else if err := yaml.RewriteInPlace(leased, data); err != nil {
		if yaml.IsNotExist(err) {
			return nil, false
		}
		// mtime still carries the lease clock
		q.logger.Warn("lease_write_failed", "lock", lockID, "error", err)
	}

	q.logger.Info("lease_acquire", "lock", lockID, "chat_id", task.ChatID, "epoch", task.Lease.Epoch)
	return &model.Claimed{
		Task:           task,
		LockID:         lockID,
		Epoch:          task.Lease.Epoch,
		LeaseExpiresAt: now.Add(q.cfg.VisibilityTimeout()).UTC(),
	}, true
}

// readLeased decodes a record, re-reading once to ride out a concurrent
// in-place rewrite.
func (q *Queue) readLeased(path string) (model.Task, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			time.Sleep(10 * time.Millisecond)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return model.Task{}, err
		}
		task, err := yaml.DecodeTask(data)
		if err == nil {
			return task, nil
		}
		lastErr = err
	}
	return model.Task{}, lastErr
}

func (q *Queue) quarantine(path string, cause error) {
	if yaml.IsNotExist(cause) {
		return
	}
	moved, err := yaml.Quarantine(q.dir, path)
	if err != nil {
		q.logger.Error("quarantine_failed", "record", filepath.Base(path), "cause", cause, "error", err)
		return
	}
	q.logger.Warn("record_quarantined", "record", filepath.Base(path), "to", moved, "cause", cause)
}

// Heartbeat extends a lease without changing task content. A non-zero
// epoch must match the record's current lease epoch.
func (q *Queue) Heartbeat(ctx context.Context, lockID string, epoch int) error {
	path, err := q.lockPath(lockID)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	now := q.now()
	data, err := os.ReadFile(path)
	if err != nil {
		if yaml.IsNotExist(err) {
			return model.NotFound("lock not found", map[string]any{"lock_id": lockID})
		}
		return model.Internal(err, "read lock")
	}

	task, err := yaml.DecodeTask(data)
	if err != nil {
		// Fall back to the mtime floor for a record we cannot rewrite.
		if err := os.Chtimes(path, now, now); err != nil {
			if yaml.IsNotExist(err) {
				return model.NotFound("lock not found", map[string]any{"lock_id": lockID})
			}
			return model.Internal(err, "touch lock")
		}
		q.logger.Warn("heartbeat_touch_only", "lock", lockID, "error", err)
		return nil
	}

	if err := q.checkEpoch(lockID, epoch, task.Lease.Epoch); err != nil {
		return err
	}

	task.Lease.RenewedAt = now.UTC()
	if task.Lease.LeasedAt.IsZero() {
		task.Lease.LeasedAt = now.UTC()
	}
	encoded, err := yaml.EncodeTask(task)
	if err != nil {
		return model.Internal(err, "encode lease")
	}
	if err := yaml.RewriteInPlace(path, encoded); err != nil {
		if yaml.IsNotExist(err) {
			return model.NotFound("lock not found", map[string]any{"lock_id": lockID})
		}
		return model.Internal(err, "write lease")
	}

	q.logger.Debug("lease_extend", "lock", lockID, "epoch", task.Lease.Epoch)
	return nil
}

// Done deletes the leased record. Deleting a missing record is success.
// A non-zero epoch must match the record's current lease epoch.
func (q *Queue) Done(ctx context.Context, lockID string, epoch int) error {
	path, err := q.lockPath(lockID)
	if err != nil {
		return err
	}
	if err := q.verifyHolder(path, lockID, epoch); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !yaml.IsNotExist(err) {
		return model.Internal(err, "remove lock")
	}
	q.logger.Info("task_done", "lock", lockID)
	return nil
}

// Requeue makes a leased task Available again. Rename failures are logged
// and swallowed; the sweep and reaper eventually reclaim the lease.
func (q *Queue) Requeue(ctx context.Context, lockID string, epoch int) error {
	path, err := q.lockPath(lockID)
	if err != nil {
		return err
	}
	if err := q.verifyHolder(path, lockID, epoch); err != nil {
		return err
	}
	avail := filepath.Join(q.dir, availableFromLeased(lockID))
	if err := os.Rename(path, avail); err != nil {
		q.logger.Warn("requeue_failed", "lock", lockID, "error", err)
		return nil
	}
	q.logger.Info("lease_release", "lock", lockID)
	q.notifyAvailable()
	return nil
}

// DoneSafe completes a task only after the confirmer has observed an
// outbound reply for its conversation. Otherwise it returns a
// PreconditionRequired error listing the sources scanned and leaves the
// lease untouched.
func (q *Queue) DoneSafe(ctx context.Context, lockID string, epoch int) error {
	path, err := q.lockPath(lockID)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if yaml.IsNotExist(err) {
			return model.NotFound("lock not found", map[string]any{"lock_id": lockID})
		}
		return model.Internal(err, "read lock")
	}
	task, err := yaml.DecodeTask(data)
	if err == nil {
		if err := q.checkEpoch(lockID, epoch, task.Lease.Epoch); err != nil {
			return err
		}
	}
	if err != nil || task.ChatID == "" {
		return model.PreconditionRequired("chat_id not found for lock", map[string]any{
			"lock_id": lockID,
			"sources": []string{},
		})
	}

	if q.confirmer == nil {
		return model.PreconditionRequired("no confirmation source configured", map[string]any{
			"lock_id": lockID,
			"chat_id": task.ChatID,
			"sources": []string{},
		})
	}

	res, err := q.confirmer.Confirmed(ctx, task.ChatID, "", task.CreatedAt)
	if err != nil {
		return model.Internal(err, "confirm outbound reply")
	}
	if !res.Confirmed {
		q.logger.Info("done_safe_unconfirmed", "lock", lockID, "chat_id", task.ChatID, "sources", strings.Join(res.Sources, ","))
		sources := res.Sources
		if sources == nil {
			sources = []string{}
		}
		return model.PreconditionRequired("outbound reply not confirmed yet", map[string]any{
			"lock_id": lockID,
			"chat_id": task.ChatID,
			"sources": sources,
		})
	}
	return q.Done(ctx, lockID, epoch)
}

// verifyHolder checks epoch against the leased record at path. Missing or
// undecodable records are left to the caller.
func (q *Queue) verifyHolder(path, lockID string, epoch int) error {
	if epoch == 0 {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	task, err := yaml.DecodeTask(data)
	if err != nil {
		return nil
	}
	return q.checkEpoch(lockID, epoch, task.Lease.Epoch)
}

func (q *Queue) checkEpoch(lockID string, want, current int) error {
	if want == 0 || want == current {
		return nil
	}
	q.logger.Warn("lease_lost", "lock", lockID, "epoch", want, "current_epoch", current)
	return model.LeaseLost("lease is held under a newer epoch", map[string]any{
		"lock_id":       lockID,
		"epoch":         want,
		"current_epoch": current,
	})
}

// Stats counts records, optionally for one account.
func (q *Queue) Stats(ctx context.Context, account string) (model.QueueStats, error) {
	account = q.filterAccount(account)
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return model.QueueStats{}, model.Internal(err, "list task dir")
	}

	now := q.now()
	var stats model.QueueStats
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		rn, ok := parseName(e.Name())
		if !ok || (account != "" && rn.Account != account) {
			continue
		}
		if !rn.Leased {
			stats.Available++
			continue
		}
		stats.Leased++
		if age, ok := q.leaseAge(filepath.Join(q.dir, e.Name()), now); ok && age > q.cfg.StaleAfter() {
			stats.Stale++
		}
	}
	return stats, nil
}

func (q *Queue) listAvailable(account string) ([]candidate, error) {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return nil, err
	}
	var out []candidate
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		rn, ok := parseName(e.Name())
		if !ok || rn.Leased || (account != "" && rn.Account != account) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, candidate{name: e.Name(), modTime: info.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].modTime.Equal(out[j].modTime) {
			return out[i].name > out[j].name
		}
		return out[i].modTime.After(out[j].modTime)
	})
	return out, nil
}

func (q *Queue) filterAccount(account string) string {
	if strings.TrimSpace(account) == "" {
		return ""
	}
	return model.SanitizeAccount(account, q.cfg.DefaultAccount)
}

func (q *Queue) lockPath(lockID string) (string, error) {
	lockID = strings.TrimSpace(lockID)
	if lockID == "" {
		return "", model.InvalidArgument("lockId is required", nil)
	}
	if !validLockID(lockID) {
		return "", model.InvalidArgument("malformed lockId", map[string]any{"lock_id": lockID})
	}
	return filepath.Join(q.dir, lockID), nil
}
