package queue

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	glog "github.com/goliatone/go-logger/glog"

	"github.com/msageha/replyq/internal/lock"
)

// Reaper periodically returns abandoned leases to the Available state,
// independent of any request. On each host only the holder of
// {task_dir}/.locks/reaper.lock reaps; other processes retry leadership
// every tick.
type Reaper struct {
	queue    *Queue
	interval time.Duration
	fileLock *lock.FileLock
	logger   glog.Logger

	mu    sync.Mutex
	hooks []TickHook
}

// TickHook is extra housekeeping run on every leader tick.
type TickHook func(ctx context.Context, now time.Time)

func NewReaper(q *Queue, interval time.Duration, logger glog.Logger) (*Reaper, error) {
	if logger == nil {
		logger = glog.Nop()
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	lockDir := filepath.Join(q.dir, ".locks")
	if err := os.MkdirAll(lockDir, 0755); err != nil {
		return nil, err
	}
	return &Reaper{
		queue:    q,
		interval: interval,
		fileLock: lock.NewFileLock(filepath.Join(lockDir, "reaper.lock")),
		logger:   logger,
	}, nil
}

// AddHook registers housekeeping to run after each reclamation pass.
func (r *Reaper) AddHook(h TickHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, h)
}

// Run ticks until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	defer func() {
		if err := r.fileLock.Unlock(); err != nil {
			r.logger.Warn("reaper_unlock_failed", "error", err)
		}
	}()

	r.logger.Info("reaper_started", "interval_ms", r.interval.Milliseconds())
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper_stopped")
			return nil
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick performs one reclamation pass if this process is the reaper leader
// and returns the number of leases reclaimed.
func (r *Reaper) Tick(ctx context.Context) int {
	if err := r.fileLock.TryLock(); err != nil {
		if errors.Is(err, lock.ErrHeld) {
			r.logger.Debug("reaper_standby")
		} else {
			r.logger.Warn("reaper_lock_failed", "error", err)
		}
		return 0
	}

	n, err := r.queue.reclaimStale(ctx, "")
	if err != nil {
		r.logger.Warn("reaper_tick_failed", "error", err)
	}
	if n > 0 {
		r.logger.Info("reaper_tick", "reclaimed", n)
	}

	r.mu.Lock()
	hooks := append([]TickHook(nil), r.hooks...)
	r.mu.Unlock()
	now := r.queue.now()
	for _, h := range hooks {
		h(ctx, now)
	}
	return n
}
