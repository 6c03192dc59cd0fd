package queue

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	glog "github.com/goliatone/go-logger/glog"

	"github.com/msageha/replyq/internal/model"
)

// pollInterval bounds how long a waiting claimer can miss a record when
// filesystem notifications are lost or unavailable (e.g. network mounts).
const pollInterval = 500 * time.Millisecond

// Waiter turns filesystem notifications on the task directory into wake-ups
// for long-polling claimers.
type Waiter struct {
	watcher *fsnotify.Watcher
	logger  glog.Logger

	mu   sync.Mutex
	subs map[chan struct{}]struct{}
}

// NewWaiter starts watching dir. Call Run to deliver events and Close when done.
func NewWaiter(dir string, logger glog.Logger) (*Waiter, error) {
	if logger == nil {
		logger = glog.Nop()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	return &Waiter{
		watcher: watcher,
		logger:  logger,
		subs:    make(map[chan struct{}]struct{}),
	}, nil
}

// Run forwards Available-record arrivals to subscribers until ctx ends.
func (w *Waiter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if rn, ok := parseName(filepath.Base(event.Name)); ok && !rn.Leased {
				w.broadcast()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("fsnotify_error", "error", err)
		}
	}
}

// Close stops the underlying watcher.
func (w *Waiter) Close() error {
	return w.watcher.Close()
}

func (w *Waiter) subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	w.mu.Lock()
	w.subs[ch] = struct{}{}
	w.mu.Unlock()
	return ch, func() {
		w.mu.Lock()
		delete(w.subs, ch)
		w.mu.Unlock()
	}
}

func (w *Waiter) broadcast() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for ch := range w.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// notifyAvailable wakes local waiters without waiting for the filesystem
// event.
func (q *Queue) notifyAvailable() {
	if q.waiter != nil {
		q.waiter.broadcast()
	}
}

// SetWaiter wires change notifications for ClaimWait. Without a waiter,
// ClaimWait polls.
func (q *Queue) SetWaiter(w *Waiter) {
	q.waiter = w
}

// ClaimWait behaves like Claim but, when nothing is claimable, keeps trying
// until a task is leased, wait elapses, or ctx is cancelled.
func (q *Queue) ClaimWait(ctx context.Context, account string, wait time.Duration) (*model.Claimed, error) {
	claimed, err := q.Claim(ctx, account)
	if err != nil || claimed != nil || wait <= 0 {
		return claimed, err
	}

	var notify <-chan struct{}
	if q.waiter != nil {
		ch, cancel := q.waiter.subscribe()
		defer cancel()
		notify = ch
	}

	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	poll := time.NewTicker(pollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, nil
		case <-deadline.C:
			return nil, nil
		case <-notify:
		case <-poll.C:
		}
		claimed, err := q.Claim(ctx, account)
		if err != nil || claimed != nil {
			return claimed, err
		}
	}
}
