package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrDuplicateLSN is returned when an entry reuses a journaled LSN. Event ids
// are not unique: a redelivered event that applies again gets a new LSN.
var ErrDuplicateLSN = errors.New("journal entry lsn already exists")

// JournalEntry is one event that the topology accepted, stored so the
// projection can be rebuilt by replaying entries in LSN order.
type JournalEntry struct {
	LSN             uint64
	EventID         string
	EventType       string
	EventTimeUTCNs  int64
	ReceivedAtUTCNs int64
	Payload         []byte
	Source          string
	SourceRef       string
}

// Journal is the append-only log of accepted events.
type Journal interface {
	Append(ctx context.Context, entry JournalEntry) error
	// Entries returns every entry with LSN > afterLSN in LSN order.
	Entries(ctx context.Context, afterLSN uint64) ([]JournalEntry, error)
	Close() error
}

// MemoryJournal keeps entries in process. Used by tests and when no journal
// directory is configured.
type MemoryJournal struct {
	mu      sync.Mutex
	entries []JournalEntry
	lsns    map[uint64]struct{}
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{lsns: map[uint64]struct{}{}}
}

func (m *MemoryJournal) Append(_ context.Context, entry JournalEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.lsns[entry.LSN]; dup {
		return fmt.Errorf("%w: %d", ErrDuplicateLSN, entry.LSN)
	}
	m.lsns[entry.LSN] = struct{}{}
	entry.Payload = append([]byte(nil), entry.Payload...)
	m.entries = append(m.entries, entry)
	return nil
}

func (m *MemoryJournal) Entries(_ context.Context, afterLSN uint64) ([]JournalEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []JournalEntry
	for _, e := range m.entries {
		if e.LSN > afterLSN {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LSN < out[j].LSN })
	return out, nil
}

func (m *MemoryJournal) Close() error { return nil }
