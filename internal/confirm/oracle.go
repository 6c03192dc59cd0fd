package confirm

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"

	"github.com/msageha/replyq/internal/model"
)

// Oracle combines the outbound index and the log scanner according to the
// configured mode. In "both" mode the index answers first and the scanner
// covers replies the index never saw.
type Oracle struct {
	mode    string
	index   *Index
	scanner *LogScanner
	logger  glog.Logger
}

func NewOracle(mode string, index *Index, scanner *LogScanner, logger glog.Logger) *Oracle {
	if logger == nil {
		logger = glog.Nop()
	}
	if mode == "" {
		mode = model.ConfirmModeBoth
	}
	return &Oracle{mode: mode, index: index, scanner: scanner, logger: logger}
}

// Confirmed only counts replies observed at or after since.
func (o *Oracle) Confirmed(ctx context.Context, chatID, authorID string, since time.Time) (model.Confirmation, error) {
	res := model.Confirmation{Sources: []string{}}

	useIndex := o.index != nil && (o.mode == model.ConfirmModeIndex || o.mode == model.ConfirmModeBoth)
	useScan := o.scanner != nil && (o.mode == model.ConfirmModeScan || o.mode == model.ConfirmModeBoth)

	if useIndex {
		got, err := o.index.Confirmed(ctx, chatID, authorID, since)
		switch {
		case err != nil && !useScan:
			return res, err
		case err != nil:
			o.logger.Warn("index_confirm_failed", "chat_id", chatID, "error", err)
		default:
			res.Sources = append(res.Sources, got.Sources...)
			if got.Confirmed {
				res.Confirmed = true
				return res, nil
			}
		}
	}

	if useScan {
		got, err := o.scanner.Confirmed(ctx, chatID, authorID, since)
		if err != nil {
			return res, err
		}
		res.Sources = append(res.Sources, got.Sources...)
		res.Confirmed = got.Confirmed
	}

	o.logger.Debug("confirm_result", "chat_id", chatID, "confirmed", res.Confirmed, "mode", o.mode)
	return res, nil
}
