package diag

import (
	"fmt"
	"sync"
	"time"
)

// Kind classifies a diagnostic per the relay error taxonomy.
type Kind string

const (
	KindTransport Kind = "transport" // socket/connection failure
	KindFraming   Kind = "framing"   // malformed header, unterminated frame at EOF
	KindRouting   Kind = "routing"   // unknown/missing run identifier, unparseable frame
	KindSpawn     Kind = "spawn"     // subprocess failed to start
)

// Entry is one recorded diagnostic. Dropped frames and transport
// problems never crash the relay; they end up here instead.
type Entry struct {
	ID        string
	Kind      Kind
	RunID     string // empty when the frame carried no usable identifier
	Remote    string // remote address of the connection, when known
	Message   string
	Timestamp time.Time
}

// Store keeps a bounded in-memory ring of diagnostics.
type Store struct {
	entries    []Entry
	maxEntries int
	seq        uint64
	mu         sync.RWMutex
}

func NewStore(maxEntries int) *Store {
	if maxEntries <= 0 {
		maxEntries = 200
	}
	return &Store{
		entries:    make([]Entry, 0, maxEntries),
		maxEntries: maxEntries,
	}
}

// Record appends a diagnostic, evicting the oldest entry when full.
func (s *Store) Record(kind Kind, runID, remote, message string) Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	entry := Entry{
		ID:        fmt.Sprintf("%s-%d", kind, s.seq),
		Kind:      kind,
		RunID:     runID,
		Remote:    remote,
		Message:   message,
		Timestamp: time.Now(),
	}

	if len(s.entries) >= s.maxEntries {
		s.entries = s.entries[1:]
	}
	s.entries = append(s.entries, entry)

	return entry
}

// Recordf is Record with fmt-style message formatting.
func (s *Store) Recordf(kind Kind, runID, remote, format string, args ...interface{}) Entry {
	return s.Record(kind, runID, remote, fmt.Sprintf(format, args...))
}

// All returns a copy of the current entries, oldest first.
func (s *Store) All() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// ByKind returns entries of one kind, oldest first.
func (s *Store) ByKind(kind Kind) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Entry
	for _, e := range s.entries {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// ByRun returns entries attributed to one run, oldest first.
func (s *Store) ByRun(runID string) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Entry
	for _, e := range s.entries {
		if e.RunID == runID {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of retained entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
