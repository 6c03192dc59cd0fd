// Package activity is the append-only activity log: one JSON line per
// inbound webhook event, partitioned into files named by UTC calendar date.
package activity

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/msageha/replyq/internal/model"
)

const (
	// PartitionExt is the extension of every partition file.
	PartitionExt = ".log"
	dayLayout    = "2006-01-02"
)

var partitionPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}\.log$`)

// Entry is one activity record. Field order is part of the on-disk format:
// chat_id precedes direction and author_id so proximity scans find them
// close together.
type Entry struct {
	At        time.Time         `json:"at"`
	Kind      string            `json:"kind"`
	Account   string            `json:"account,omitempty"`
	ChatID    string            `json:"chat_id,omitempty"`
	Direction string            `json:"direction,omitempty"`
	AuthorID  int64             `json:"author_id,omitempty"`
	MessageID string            `json:"message_id,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      json.RawMessage   `json:"body,omitempty"`
}

// Partition describes one log file.
type Partition struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// PartitionName returns the partition file name holding records written at t.
func PartitionName(t time.Time) string {
	return t.UTC().Format(dayLayout) + PartitionExt
}

// ValidPartitionName reports whether name is a bare partition file name.
func ValidPartitionName(name string) bool {
	return partitionPattern.MatchString(name)
}

// Sink appends entries to the current day's partition, switching files at
// UTC midnight.
type Sink struct {
	mu   sync.Mutex
	dir  string
	now  func() time.Time
	file *os.File
	name string
}

func NewSink(dir string) (*Sink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	return &Sink{dir: dir, now: time.Now}, nil
}

// Append writes e as one line. A zero At is stamped with the current time.
func (s *Sink) Append(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.At.IsZero() {
		e.At = s.now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal activity entry: %w", err)
	}
	data = append(data, '\n')

	name := PartitionName(e.At)
	if s.file == nil || s.name != name {
		if err := s.openLocked(name); err != nil {
			return err
		}
	}
	if _, err := s.file.Write(data); err != nil {
		return fmt.Errorf("write activity entry: %w", err)
	}
	return nil
}

func (s *Sink) openLocked(name string) error {
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open partition %s: %w", name, err)
	}
	s.file = f
	s.name = name
	return nil
}

// Close flushes and closes the open partition.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Sync()
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	s.file = nil
	return err
}

// Reader serves read-only queries over the partitions in a directory.
type Reader struct {
	dir string
}

func NewReader(dir string) *Reader {
	return &Reader{dir: dir}
}

// Partitions lists partition files, most recent first.
func (r *Reader) Partitions() ([]Partition, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list log dir: %w", err)
	}
	var parts []Partition
	for _, e := range entries {
		if e.IsDir() || !ValidPartitionName(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		parts = append(parts, Partition{Name: e.Name(), Size: info.Size(), ModTime: info.ModTime().UTC()})
	}
	// Names sort chronologically.
	sort.Slice(parts, func(i, j int) bool { return parts[i].Name > parts[j].Name })
	return parts, nil
}

// Recent returns up to n most recent partitions.
func (r *Reader) Recent(n int) ([]Partition, error) {
	parts, err := r.Partitions()
	if err != nil {
		return nil, err
	}
	if n > 0 && len(parts) > n {
		parts = parts[:n]
	}
	return parts, nil
}

// Tail returns at most maxBytes from the end of the named partition.
func (r *Reader) Tail(name string, maxBytes int64) ([]byte, error) {
	if !ValidPartitionName(name) {
		return nil, model.InvalidArgument("invalid partition name", map[string]any{"name": name})
	}
	f, err := os.Open(filepath.Join(r.dir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, model.NotFound("partition not found", map[string]any{"name": name})
		}
		return nil, model.Internal(err, "open partition")
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, model.Internal(err, "stat partition")
	}
	offset := int64(0)
	if maxBytes > 0 && info.Size() > maxBytes {
		offset = info.Size() - maxBytes
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, model.Internal(err, "seek partition")
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, model.Internal(err, "read partition")
	}
	return data, nil
}
