package storage

import "time"

// EventWriter persists batch status events.
// Write() must NEVER block the caller.
type EventWriter interface {
	Write(event *BatchEvent)
	Close()
}

// BatchEvent is one aggregate status publication of a tool batch. The
// invocation columns are parallel arrays, one element per invocation.
type BatchEvent struct {
	BatchID    string
	SnapshotID string // empty until the batch settled
	Sequence   int32
	Final      bool
	ProjectID  string
	TeamID     string
	UserID     string
	Surface    string
	Timestamp  time.Time

	InvocationIDs       []string
	InvocationTools     []string
	InvocationStatuses  []string // "pending", "in_progress", "completed", "failed"
	InvocationProgress  []string
	InvocationExplained []string

	Source string
}
