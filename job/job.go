package job

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a job. Transitions are strictly ordered
// Pending -> Running -> terminal; the timeout and eviction paths may move a
// job straight from Pending or Running to a terminal state.
type State int

// Job lifecycle states.
const (
	Pending State = iota
	Running
	Completed
	Failed
	TimedOut
	Cancelled
)

// Terminal reports whether the state is final. A record in a terminal state
// never transitions again.
func (s State) Terminal() bool {
	return s >= Completed
}

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case TimedOut:
		return "timed_out"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// Result is the captured outcome of executing a job's payload on the host
// thread.
type Result struct {
	// Output is the textual output produced during execution.
	Output string

	// Value is the structured return value, if the payload produced one.
	Value any

	// Err carries the failure detail for Failed, TimedOut, and Cancelled
	// outcomes. Nil for Completed.
	Err error
}

// Payload is the unit of work executed on the host thread. The context is the
// adapter's run context, not the submitting caller's; payloads must not block
// past the host's tolerance since the host thread is not preemptible.
type Payload func(ctx context.Context) Result

// Record is one queued invocation awaiting execution and result delivery.
//
// Contract:
// - Result is written at most once, under the owning Table's lock, strictly
//   before Done is signalled. Waiters must not read Result before observing
//   Done.
// - All mutation goes through the Table; callers outside the table treat a
//   Record as read-only once admitted.
type Record struct {
	// ID uniquely identifies the job for its lifetime.
	ID string

	// Capability is the name of the capability being invoked.
	Capability string

	// Payload is the closure the tick adapter runs on the host thread.
	Payload Payload

	// CreatedAt is the admission time, used for FIFO eviction order.
	CreatedAt time.Time

	// Deadline is CreatedAt plus the invocation timeout. The broker enforces
	// it; the tick adapter only uses it to skip work nobody is waiting for.
	Deadline time.Time

	// State is the current lifecycle state. Guarded by the table lock.
	State State

	// Result is the captured outcome. Valid only after Done is signalled.
	Result Result

	done chan struct{}
}

// NewRecord creates a Pending record with a fresh ID and the given deadline
// window.
func NewRecord(capability string, payload Payload, timeout time.Duration) *Record {
	now := time.Now()
	return &Record{
		ID:         uuid.NewString(),
		Capability: capability,
		Payload:    payload,
		CreatedAt:  now,
		Deadline:   now.Add(timeout),
		State:      Pending,
		done:       make(chan struct{}),
	}
}

// Done returns the completion signal. It is closed exactly once, after the
// record reaches a terminal state and its result has been written.
func (r *Record) Done() <-chan struct{} {
	return r.done
}
