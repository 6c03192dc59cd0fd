package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	glog "github.com/goliatone/go-logger/glog"

	"github.com/msageha/replyq/internal/yaml"
)

// DedupDir is the marker root inside the task directory.
const DedupDir = ".dedup"

const dayLayout = "2006-01-02"

// Deduper records the first triggering event per (account, conversation)
// per UTC day as create-exclusive marker files, so any number of ingestion
// processes sharing the task directory agree on who was first.
type Deduper struct {
	root      string
	retention int
	logger    glog.Logger
}

func NewDeduper(taskDir string, retentionDays int, logger glog.Logger) (*Deduper, error) {
	if logger == nil {
		logger = glog.Nop()
	}
	if retentionDays <= 0 {
		retentionDays = 2
	}
	root := filepath.Join(taskDir, DedupDir)
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create dedup dir: %w", err)
	}
	return &Deduper{root: root, retention: retentionDays, logger: logger}, nil
}

// First claims the marker for (account, chatID) on now's UTC day. It returns
// true for exactly one caller.
func (d *Deduper) First(account, chatID string, now time.Time) (bool, error) {
	marker := d.markerPath(account, chatID, now)
	if err := os.MkdirAll(filepath.Dir(marker), 0755); err != nil {
		return false, fmt.Errorf("create dedup day dir: %w", err)
	}
	content := []byte("created_at: " + now.UTC().Format(time.RFC3339) + "\n")
	if err := yaml.WriteExclusive(marker, content); err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Release drops the marker First claimed for (account, chatID) on now's UTC
// day, so a later event can try again. A missing marker is not an error.
func (d *Deduper) Release(account, chatID string, now time.Time) error {
	if err := os.Remove(d.markerPath(account, chatID, now)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("release dedup marker: %w", err)
	}
	return nil
}

func (d *Deduper) markerPath(account, chatID string, now time.Time) string {
	return filepath.Join(d.root, now.UTC().Format(dayLayout), account+"__"+url.PathEscape(chatID))
}

// Prune removes day directories older than the retention window. It is
// registered as a reaper tick hook.
func (d *Deduper) Prune(ctx context.Context, now time.Time) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		d.logger.Warn("dedup_prune_failed", "error", err)
		return
	}
	cutoff := now.UTC().AddDate(0, 0, -d.retention).Format(dayLayout)
	for _, e := range entries {
		if ctx.Err() != nil {
			return
		}
		if !e.IsDir() {
			continue
		}
		if _, err := time.Parse(dayLayout, e.Name()); err != nil {
			continue
		}
		if e.Name() >= cutoff {
			continue
		}
		if err := os.RemoveAll(filepath.Join(d.root, e.Name())); err != nil {
			d.logger.Warn("dedup_prune_failed", "day", e.Name(), "error", err)
			continue
		}
		d.logger.Info("dedup_pruned", "day", e.Name())
	}
}
