package confirm

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
	"github.com/google/uuid"

	"github.com/msageha/replyq/internal/model"
)

// IndexSource is the source name reported for index lookups.
const IndexSource = "index:outbound"

// OutboundRecord is one observed outbound reply.
type OutboundRecord struct {
	ChatID    string    `json:"chat_id"`
	AuthorID  string    `json:"author_id"`
	Account   string    `json:"account"`
	MessageID string    `json:"message_id"`
	At        time.Time `json:"at"`
}

// Index is the structured outbound record store, keyed by conversation.
type Index struct {
	index bleve.Index
}

func buildIndexMapping() mapping.IndexMapping {
	doc := bleve.NewDocumentMapping()

	keyword := bleve.NewKeywordFieldMapping()
	doc.AddFieldMappingsAt("chat_id", keyword)
	doc.AddFieldMappingsAt("author_id", keyword)
	doc.AddFieldMappingsAt("account", keyword)
	doc.AddFieldMappingsAt("message_id", keyword)
	doc.AddFieldMappingsAt("at", bleve.NewDateTimeFieldMapping())

	im := bleve.NewIndexMapping()
	im.DefaultMapping = doc
	return im
}

// OpenIndex opens the index at path, creating it when missing.
func OpenIndex(path string) (*Index, error) {
	var (
		idx bleve.Index
		err error
	)
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		idx, err = bleve.New(path, buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("create outbound index: %w", err)
		}
	} else {
		idx, err = bleve.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open outbound index: %w", err)
		}
	}
	return &Index{index: idx}, nil
}

// NewMemIndex returns an in-memory index.
func NewMemIndex() (*Index, error) {
	idx, err := bleve.NewMemOnly(buildIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("create in-memory outbound index: %w", err)
	}
	return &Index{index: idx}, nil
}

// Record stores rec. Records sharing a message id replace each other.
func (x *Index) Record(ctx context.Context, rec OutboundRecord) error {
	if strings.TrimSpace(rec.ChatID) == "" {
		return model.InvalidArgument("chat_id is required", nil)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}
	id := rec.MessageID
	if id == "" {
		id = uuid.NewString()
	}
	if err := x.index.Index(id, rec); err != nil {
		return fmt.Errorf("index outbound record: %w", err)
	}
	return nil
}

// Confirmed reports whether an outbound record exists for chatID (and
// authorID when given) stamped at or after since. A zero since matches
// records of any age.
func (x *Index) Confirmed(ctx context.Context, chatID, authorID string, since time.Time) (model.Confirmation, error) {
	res := model.Confirmation{Sources: []string{IndexSource}}
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return res, nil
	}

	chatQ := bleve.NewTermQuery(chatID)
	chatQ.SetField("chat_id")
	queries := []query.Query{chatQ}
	if a := strings.TrimSpace(authorID); a != "" {
		authorQ := bleve.NewTermQuery(a)
		authorQ.SetField("author_id")
		queries = append(queries, authorQ)
	}
	if !since.IsZero() {
		atQ := bleve.NewDateRangeQuery(since.UTC(), time.Time{})
		atQ.SetField("at")
		queries = append(queries, atQ)
	}

	req := bleve.NewSearchRequestOptions(bleve.NewConjunctionQuery(queries...), 1, 0, false)
	out, err := x.index.SearchInContext(ctx, req)
	if err != nil {
		return res, model.Internal(err, "search outbound index")
	}
	res.Confirmed = out.Total > 0
	return res, nil
}

// Count returns the number of indexed records.
func (x *Index) Count() (uint64, error) {
	return x.index.DocCount()
}

func (x *Index) Close() error {
	return x.index.Close()
}
