// Package store holds the client-local persisted state: the bounded
// chat log, the offline send queue, and the last-GC timestamp.
package store

import "time"

// Message statuses.
const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// Message is one chat log entry.
type Message struct {
	ID          string
	Sender      string
	Text        string
	Timestamp   time.Time
	Status      string
	Fingerprint string
}

// Service is the local storage contract. Writes are durability-first:
// callers persist before touching the network.
type Service interface {
	SaveMessage(m Message) error
	UpdateStatus(id, status string) error
	RecentMessages(limit int) ([]Message, error)
	PendingMessages() ([]Message, error)
	TrimLog(keep int) error
	SetLastGC(t time.Time) error
	LastGC() (time.Time, bool, error)
	Close() error
}
