// Package offline holds care events recorded while disconnected and
// replays them against the authoritative store when connectivity returns.
package offline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/verdant/plantcare/internal/care"
)

// EntryStatus is the sync state of a pending entry.
type EntryStatus string

const (
	StatusQueued  EntryStatus = "queued"
	StatusSyncing EntryStatus = "syncing"
	StatusSynced  EntryStatus = "synced"
	StatusFailed  EntryStatus = "failed"
)

// Entry is a care event waiting to be synced. LocalID is the
// idempotency key used for every submission of the entry.
type Entry struct {
	Seq           int64           `json:"seq"`
	LocalID       string          `json:"local_id"`
	Request       care.LogRequest `json:"request"`
	Status        EntryStatus     `json:"status"`
	Attempts      int             `json:"attempts"`
	LastError     string          `json:"last_error,omitempty"`
	LastAttemptAt *time.Time      `json:"last_attempt_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// ErrEntryNotFound is returned for operations on an unknown local ID.
var ErrEntryNotFound = errors.New("pending entry not found")

// Queue is durable local storage for pending entries. Entries leave the
// queue only through Remove, after the store acknowledged them.
type Queue interface {
	// Append stores a new entry and assigns its sequence number.
	Append(ctx context.Context, e *Entry) error
	// Pending returns every entry still in the queue in enqueue order.
	Pending(ctx context.Context) ([]Entry, error)
	MarkSyncing(ctx context.Context, localID string, at time.Time) error
	MarkFailed(ctx context.Context, localID string, reason string) error
	Remove(ctx context.Context, localID string) error
	// ResetSyncing returns entries left in syncing by an interrupted pass
	// to queued and reports how many there were.
	ResetSyncing(ctx context.Context) (int, error)
}

// MemoryQueue is an in-process Queue for tests and ephemeral clients.
type MemoryQueue struct {
	mu      sync.Mutex
	seq     int64
	entries map[string]*Entry
}

// NewMemoryQueue returns an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{entries: make(map[string]*Entry)}
}

func (q *MemoryQueue) Append(ctx context.Context, e *Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.entries[e.LocalID]; exists {
		return fmt.Errorf("append %s: duplicate local id", e.LocalID)
	}
	q.seq++
	e.Seq = q.seq
	cp := *e
	q.entries[e.LocalID] = &cp
	return nil
}

func (q *MemoryQueue) Pending(ctx context.Context) ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Entry, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (q *MemoryQueue) MarkSyncing(ctx context.Context, localID string, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[localID]
	if !ok {
		return fmt.Errorf("mark syncing %s: %w", localID, ErrEntryNotFound)
	}
	e.Status = StatusSyncing
	e.Attempts++
	e.LastAttemptAt = &at
	return nil
}

func (q *MemoryQueue) MarkFailed(ctx context.Context, localID string, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[localID]
	if !ok {
		return fmt.Errorf("mark failed %s: %w", localID, ErrEntryNotFound)
	}
	e.Status = StatusFailed
	e.LastError = reason
	return nil
}

func (q *MemoryQueue) Remove(ctx context.Context, localID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.entries[localID]; !ok {
		return fmt.Errorf("remove %s: %w", localID, ErrEntryNotFound)
	}
	delete(q.entries, localID)
	return nil
}

func (q *MemoryQueue) ResetSyncing(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, e := range q.entries {
		if e.Status == StatusSyncing {
			e.Status = StatusQueued
			n++
		}
	}
	return n, nil
}

// Len returns the number of queued entries.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
