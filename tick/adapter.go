package tick

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/niewinny/bMCP/job"
)

// Adapter drains and executes due jobs when the host grants a tick.
//
// Contract:
// - PollOnce is invoked from the host execution thread, once per tick, never
//   concurrently with itself.
// - The adapter never suspends; it must return promptly since it shares the
//   host thread with all other host activity. A pathologically slow payload
//   stalls the host itself; the adapter cannot preempt it and does not try.
// - The job deadline is enforced by the broker, not here; the adapter only
//   skips pending jobs nobody can be waiting on any more.
type Adapter struct {
	table *job.Table
	log   zerolog.Logger
}

// NewAdapter creates an adapter over the shared job table.
func NewAdapter(table *job.Table, log zerolog.Logger) *Adapter {
	return &Adapter{table: table, log: log}
}

// PollOnce executes due pending jobs in admission order until the budget
// elapses, and returns the number of jobs executed. A budget of zero or less
// executes everything currently due.
func (a *Adapter) PollOnce(budget time.Duration) int {
	start := time.Now()
	due := a.table.Due(start)
	executed := 0
	for _, rec := range due {
		if budget > 0 && time.Since(start) >= budget && executed > 0 {
			break
		}
		a.run(rec)
		executed++
	}
	return executed
}

// run executes one job's payload on the calling (host) thread and publishes
// its terminal state through the table.
func (a *Adapter) run(rec *job.Record) {
	// The broker's timeout or an eviction may have finished the record since
	// the due snapshot was taken. The transition refusing is the signal to
	// skip the work entirely.
	if !a.table.Transition(rec.ID, job.Running, job.Result{}) {
		return
	}

	res := execute(rec)

	state := job.Completed
	if res.Err != nil {
		state = job.Failed
	}
	if !a.table.Transition(rec.ID, state, res) {
		// Lost the race against timeout or eviction: the delivered outcome
		// stands, the late result is discarded.
		a.log.Warn().
			Str("job", rec.ID).
			Str("capability", rec.Capability).
			Stringer("late", state).
			Msg("discarded late completion")
	}
}

// execute runs the payload, converting a panic into a failed result so one
// broken job never takes down the host thread.
func execute(rec *job.Record) (res job.Result) {
	defer func() {
		if r := recover(); r != nil {
			res = job.Result{Err: fmt.Errorf("payload panic: %v", r)}
		}
	}()
	return rec.Payload(context.Background())
}
