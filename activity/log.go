// Package activity is the append-only diagnostic event ring shown in the
// client's observability panel. Entries are created, never mutated, and
// only the most recent entries are retained.
package activity

import (
	"sync"
	"time"
)

// DefaultLimit is how many entries the ring keeps.
const DefaultLimit = 50

// Kind classifies an entry.
type Kind string

const (
	KindInfo  Kind = "info"
	KindTurn  Kind = "turn"
	KindAudio Kind = "audio"
	KindError Kind = "error"
)

// Entry is one immutable diagnostic event.
type Entry struct {
	ID        int64
	Kind      Kind
	Message   string
	Timestamp time.Time
}

// Log is a bounded ring of entries. The id counter belongs to the instance,
// not the process.
type Log struct {
	mu      sync.Mutex
	entries []Entry
	nextID  int64
	limit   int
}

// New creates a log keeping at most limit entries; limit <= 0 means
// DefaultLimit.
func New(limit int) *Log {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Log{limit: limit, nextID: 1}
}

// Append records an event and returns the created entry.
func (l *Log) Append(kind Kind, message string) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		ID:        l.nextID,
		Kind:      kind,
		Message:   message,
		Timestamp: time.Now(),
	}
	l.nextID++

	l.entries = append(l.entries, entry)
	if len(l.entries) > l.limit {
		l.entries = l.entries[len(l.entries)-l.limit:]
	}
	return entry
}

// Entries returns a copy, oldest first.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of retained entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
