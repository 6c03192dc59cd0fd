// Package ingest is the Ingestion Gate: it logs every inbound webhook event,
// checks the optional shared secret, classifies the event and creates reply
// tasks.
package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Event is the classified view of an inbound envelope
// {"payload":{"value":{type, content:{text, flow_id}, chat_id, id, author_id}}}.
type Event struct {
	Type      string
	Text      string
	FlowID    string
	ChatID    string
	MessageID string
	AuthorID  string
}

type envelope struct {
	Payload struct {
		Value struct {
			Type    string `json:"type"`
			Content struct {
				Text   string `json:"text"`
				FlowID string `json:"flow_id"`
			} `json:"content"`
			ChatID   flexString `json:"chat_id"`
			ID       flexString `json:"id"`
			AuthorID flexString `json:"author_id"`
		} `json:"value"`
	} `json:"payload"`
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number: %w", err)
	}
	*f = flexString(n.String())
	return nil
}

// ParseEvent extracts the fields the gate classifies on.
func ParseEvent(body []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Event{}, fmt.Errorf("parse webhook envelope: %w", err)
	}
	v := env.Payload.Value
	return Event{
		Type:      strings.TrimSpace(v.Type),
		Text:      v.Content.Text,
		FlowID:    strings.TrimSpace(v.Content.FlowID),
		ChatID:    strings.TrimSpace(string(v.ChatID)),
		MessageID: strings.TrimSpace(string(v.ID)),
		AuthorID:  strings.TrimSpace(string(v.AuthorID)),
	}, nil
}

// Outbound reports whether the event is a reply sent by an agent: a text
// message with a positive author id.
func (e Event) Outbound() bool {
	if e.Type != "text" {
		return false
	}
	return e.authorNumber() > 0
}

func (e Event) authorNumber() int64 {
	n, err := strconv.ParseInt(e.AuthorID, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
