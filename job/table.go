package job

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultCapacity is the default bound on concurrent in-flight jobs.
const DefaultCapacity = 50

// ErrEvicted is delivered to a waiter whose job was cancelled to admit a
// newer one under capacity pressure.
var ErrEvicted = errors.New("job evicted: queue full")

// ErrSwept is delivered to a waiter whose job was cleared by a table sweep.
var ErrSwept = errors.New("job cancelled: server stopping")

// Table is the bounded, shared mapping from job ID to record. It is the only
// state shared between the network I/O context and the host execution thread,
// and every operation on it is atomic with respect to both.
//
// Contract:
// - Size never exceeds the configured capacity as observed by submitters.
// - Transition is the sole serialization point for terminal outcomes: the
//   first caller to move a record into a terminal state wins, and the result
//   it supplies is written before the record's Done channel closes.
// - A second terminal transition attempt is a reported no-op, never silent.
type Table struct {
	mu       sync.Mutex
	capacity int
	jobs     map[string]*Record
	order    []string // admission order, oldest first
	log      zerolog.Logger
}

// NewTable creates a table bounded to capacity in-flight jobs. A capacity of
// zero or less uses DefaultCapacity.
func NewTable(capacity int, log zerolog.Logger) *Table {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Table{
		capacity: capacity,
		jobs:     make(map[string]*Record, capacity),
		log:      log,
	}
}

// Admit inserts a record, synchronously evicting the oldest live entry first
// when the table is at capacity. The evicted record (if any) is returned
// already transitioned to Cancelled with its waiter released. Admit never
// blocks.
func (t *Table) Admit(rec *Record) (evicted *Record) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.jobs) >= t.capacity {
		evicted = t.evictOldestLocked()
	}

	t.jobs[rec.ID] = rec
	t.order = append(t.order, rec.ID)
	return evicted
}

// evictOldestLocked cancels and removes the oldest entry. Entries already
// terminal (their waiter is about to remove them) are removed without a
// second transition.
func (t *Table) evictOldestLocked() *Record {
	for len(t.order) > 0 {
		id := t.order[0]
		t.order = t.order[1:]
		rec, ok := t.jobs[id]
		if !ok {
			continue
		}
		delete(t.jobs, id)
		if rec.State.Terminal() {
			// Result already delivered; dropping it freed a slot, so no
			// live job needs cancelling.
			return nil
		}
		age := time.Since(rec.CreatedAt)
		t.log.Warn().
			Str("job", rec.ID).
			Str("capability", rec.Capability).
			Dur("age", age).
			Int("capacity", t.capacity).
			Msg("queue full, evicting oldest job")
		t.finishLocked(rec, Cancelled, Result{Err: ErrEvicted})
		return rec
	}
	return nil
}

// Get returns the record for id, or nil if it is not in the table.
func (t *Table) Get(id string) *Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.jobs[id]
}

// Len returns the number of in-flight records.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.jobs)
}

// Transition moves a record to state, recording result when state is
// terminal. It returns false when the record is unknown or already terminal;
// the losing caller of a terminal race must treat the existing outcome as
// authoritative.
func (t *Table) Transition(id string, state State, result Result) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.jobs[id]
	if !ok {
		t.log.Warn().Str("job", id).Stringer("to", state).Msg("transition on unknown job")
		return false
	}
	if rec.State.Terminal() {
		t.log.Warn().
			Str("job", id).
			Stringer("from", rec.State).
			Stringer("to", state).
			Msg("ignored transition on terminal job")
		return false
	}

	if !state.Terminal() {
		rec.State = state
		return true
	}
	t.finishLocked(rec, state, result)
	return true
}

// finishLocked writes the terminal state and result, then fires the one-shot
// completion signal. Result before signal, always.
func (t *Table) finishLocked(rec *Record, state State, result Result) {
	rec.State = state
	rec.Result = result
	close(rec.done)
}

// Remove deletes a record once its result has been delivered to the original
// caller.
func (t *Table) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.jobs, id)
}

// Due returns pending records whose deadline has not elapsed, oldest first.
// The tick adapter uses the snapshot to execute jobs in admission order
// without holding the table lock across payload execution. Due also compacts
// the admission order, dropping IDs whose records have been removed.
func (t *Table) Due(now time.Time) []*Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	var due []*Record
	live := t.order[:0]
	for _, id := range t.order {
		rec, ok := t.jobs[id]
		if !ok {
			continue
		}
		live = append(live, id)
		if rec.State != Pending || now.After(rec.Deadline) {
			continue
		}
		due = append(due, rec)
	}
	t.order = live
	return due
}

// Sweep cancels and removes every remaining entry, releasing any waiters with
// a cancellation outcome. It runs at startup (stale entries from a previous
// server run have no live waiter) and at shutdown. Returns the number of
// entries cleared.
func (t *Table) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(t.jobs)
	for id, rec := range t.jobs {
		if !rec.State.Terminal() {
			t.finishLocked(rec, Cancelled, Result{Err: ErrSwept})
		}
		delete(t.jobs, id)
	}
	t.order = t.order[:0]
	if n > 0 {
		t.log.Info().Int("cleared", n).Msg("swept job table")
	}
	return n
}
