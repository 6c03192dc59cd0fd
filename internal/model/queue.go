package model

import "time"

// Task is one unit of queued reply work bound to a single conversation.
// Lifecycle state is not stored here: it is encoded by the record's file name.
type Task struct {
	ID        string    `yaml:"id" json:"id"`
	Account   string    `yaml:"account" json:"account"`
	ChatID    string    `yaml:"chat_id" json:"chat_id"`
	ReplyText string    `yaml:"reply_text" json:"reply_text"`
	MessageID string    `yaml:"message_id,omitempty" json:"message_id,omitempty"`
	CreatedAt time.Time `yaml:"created_at" json:"created_at"`

	Lease Lease `yaml:"lease,omitempty" json:"-"`
}

// Lease is the explicit lease clock written into a leased record.
// RenewedAt moves forward on every heartbeat; LeasedAt keeps the claim time.
type Lease struct {
	Epoch     int       `yaml:"epoch,omitempty"`
	LeasedAt  time.Time `yaml:"leased_at,omitempty"`
	RenewedAt time.Time `yaml:"renewed_at,omitempty"`
}

// LastTouch returns the most recent lease timestamp recorded in the lease,
// or the zero time when the record was never leased.
func (l Lease) LastTouch() time.Time {
	if l.RenewedAt.After(l.LeasedAt) {
		return l.RenewedAt
	}
	return l.LeasedAt
}

// Claimed is the result of a successful claim.
type Claimed struct {
	Task           Task
	LockID         string
	Epoch          int
	LeaseExpiresAt time.Time
}

// QueueStats summarizes the storage directory.
type QueueStats struct {
	Available int `json:"available"`
	Leased    int `json:"leased"`
	Stale     int `json:"stale"`
}

// Confirmation is the outcome of asking the confirmation oracle whether an
// outbound reply for a conversation has been observed.
type Confirmation struct {
	Confirmed bool     `json:"confirmed"`
	Sources   []string `json:"sources"`
}
