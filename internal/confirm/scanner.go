// Package confirm decides whether an outbound reply for a conversation has
// been observed, either by scanning the recent activity log window or by
// querying the structured outbound index.
package confirm

import (
	"bytes"
	"context"
	"regexp"
	"strings"
	"time"

	glog "github.com/goliatone/go-logger/glog"

	"github.com/msageha/replyq/internal/activity"
	"github.com/msageha/replyq/internal/model"
)

// ScanOptions bound the recent window a LogScanner inspects.
type ScanOptions struct {
	Files          int
	TailBytes      int64
	ProximityBytes int
	OutboundMarker string
}

// LogScanner is the heuristic oracle: it looks in the tails of the most
// recent partitions for a chat_id followed closely by the outbound marker
// and a non-zero author_id. It can report false negatives when the record
// has left the window, and false positives on coincidental matches.
type LogScanner struct {
	reader *activity.Reader
	opts   ScanOptions
	logger glog.Logger
}

func NewLogScanner(reader *activity.Reader, opts ScanOptions, logger glog.Logger) *LogScanner {
	if logger == nil {
		logger = glog.Nop()
	}
	if opts.Files <= 0 {
		opts.Files = 3
	}
	if opts.ProximityBytes <= 0 {
		opts.ProximityBytes = 600
	}
	if opts.OutboundMarker == "" {
		opts.OutboundMarker = `"direction":"outbound"`
	}
	return &LogScanner{reader: reader, opts: opts, logger: logger}
}

// Confirmed scans partitions newest first and stops at the first match.
// Sources lists every partition scanned, including the matching one.
// Partitions for days before since are not scanned.
func (s *LogScanner) Confirmed(ctx context.Context, chatID, authorID string, since time.Time) (model.Confirmation, error) {
	res := model.Confirmation{Sources: []string{}}
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return res, nil
	}

	parts, err := s.reader.Recent(s.opts.Files)
	if err != nil {
		return res, model.Internal(err, "list log partitions")
	}

	chatRe := fieldPattern("chat_id", chatID)
	authorRe := anyAuthorPattern
	if a := strings.TrimSpace(authorID); a != "" {
		authorRe = fieldPattern("author_id", a)
	}
	marker := []byte(s.opts.OutboundMarker)
	oldest := ""
	if !since.IsZero() {
		oldest = activity.PartitionName(since)
	}

	for _, p := range parts {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if p.Name < oldest {
			break
		}
		data, err := s.reader.Tail(p.Name, s.opts.TailBytes)
		if err != nil {
			s.logger.Warn("partition_read_failed", "partition", p.Name, "error", err)
			continue
		}
		res.Sources = append(res.Sources, p.Name)
		if s.match(data, chatRe, authorRe, marker) {
			res.Confirmed = true
			return res, nil
		}
	}
	return res, nil
}

func (s *LogScanner) match(data []byte, chatRe, authorRe *regexp.Regexp, marker []byte) bool {
	for _, loc := range chatRe.FindAllIndex(data, -1) {
		end := loc[1] + s.opts.ProximityBytes
		if end > len(data) {
			end = len(data)
		}
		window := data[loc[1]:end]
		// never look into the next record
		if nl := bytes.IndexByte(window, '\n'); nl >= 0 {
			window = window[:nl]
		}
		if bytes.Contains(window, marker) && authorRe.Match(window) {
			return true
		}
	}
	return false
}

var anyAuthorPattern = regexp.MustCompile(`"author_id"\s*:\s*"?[1-9][0-9]*"?\s*[,}]`)

// fieldPattern matches "name":value or "name":"value" with value exact.
func fieldPattern(name, value string) *regexp.Regexp {
	return regexp.MustCompile(`"` + regexp.QuoteMeta(name) + `"\s*:\s*"?` + regexp.QuoteMeta(value) + `"?\s*[,}]`)
}
