package queue

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/msageha/replyq/internal/model"
	"github.com/msageha/replyq/internal/yaml"
)

// Sweep reverts every leased record (optionally for one account) whose last
// touch is older than visibility timeout plus heartbeat grace. Concurrent
// sweeps of the same account inside this process share one pass.
func (q *Queue) Sweep(ctx context.Context, account string) (int, error) {
	account = q.filterAccount(account)
	v, err, _ := q.sweeps.Do("sweep:"+account, func() (any, error) {
		return q.reclaimStale(ctx, account)
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (q *Queue) reclaimStale(ctx context.Context, account string) (int, error) {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return 0, model.Internal(err, "list task dir")
	}

	now := q.now()
	staleAfter := q.cfg.StaleAfter()
	reclaimed := 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return reclaimed, err
		}
		if e.IsDir() {
			continue
		}
		rn, ok := parseName(e.Name())
		if !ok || !rn.Leased || (account != "" && rn.Account != account) {
			continue
		}

		path := filepath.Join(q.dir, e.Name())
		age, decoded := q.leaseAge(path, now)
		if age <= staleAfter {
			continue
		}
		if !decoded {
			// Unreadable and untouched for a full lease: not recoverable.
			if _, statErr := os.Stat(path); statErr == nil {
				q.quarantine(path, errUndecodable)
			}
			continue
		}

		avail := filepath.Join(q.dir, availableFromLeased(e.Name()))
		if err := os.Rename(path, avail); err != nil {
			if !yaml.IsNotExist(err) {
				q.logger.Warn("lease_reclaim_failed", "lock", e.Name(), "error", err)
			}
			continue
		}
		reclaimed++
		q.logger.Warn("lease_reclaim", "lock", e.Name(), "age_ms", age.Milliseconds())
	}
	if reclaimed > 0 {
		q.notifyAvailable()
	}
	return reclaimed, nil
}

// leaseAge returns now minus the record's last touch, taken as the later of
// the explicit lease clock and the file mtime. decoded is false when the
// record could not be parsed and only the mtime was used; a missing file
// reports age zero.
func (q *Queue) leaseAge(path string, now time.Time) (time.Duration, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, false
	}
	lastTouch := info.ModTime()

	decoded := false
	if data, err := os.ReadFile(path); err == nil {
		if task, err := yaml.DecodeTask(data); err == nil {
			decoded = true
			if lt := task.Lease.LastTouch(); lt.After(lastTouch) {
				lastTouch = lt
			}
		}
	}
	return now.Sub(lastTouch), decoded
}
