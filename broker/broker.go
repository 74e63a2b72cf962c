// Package broker hands executable payloads from the concurrent network
// context to the host's single execution thread and returns captured results
// to the waiting caller. It owns admission, the deadline, and the
// timeout/completion race; actual execution happens in the tick adapter.
package broker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/niewinny/bMCP/capability"
	"github.com/niewinny/bMCP/job"
)

// DefaultTimeout bounds how long an invocation waits for the host thread.
const DefaultTimeout = 5 * time.Minute

// Scheduler is the broker's view of the host's cooperative scheduler.
//
// Contract:
// - Schedule requests that the host grant a tick at or after its next
//   opportunity. It must never run work itself and must be safe to call from
//   the network context. Hosts that tick continuously may make it a no-op.
type Scheduler interface {
	Schedule()
}

// SchedulerFunc adapts a function to the Scheduler interface.
type SchedulerFunc func()

// Schedule calls f.
func (f SchedulerFunc) Schedule() { f() }

// Invocation is one capability invocation request.
type Invocation struct {
	// Kind selects the capability variant to look up.
	Kind capability.Kind

	// Name is the capability name within Kind.
	Name string

	// Args are the caller-supplied arguments, validated against the
	// capability's input schema before a job is created.
	Args map[string]any

	// Timeout overrides the broker's default deadline when positive.
	Timeout time.Duration
}

// Options configures a Broker.
type Options struct {
	// Timeout is the default invocation deadline. Default: 5 minutes.
	Timeout time.Duration

	// Logger receives admission, eviction, and race observability events.
	Logger zerolog.Logger
}

// Broker accepts invocation requests, creates jobs, and waits for their
// results across the thread boundary.
type Broker struct {
	table    *job.Table
	registry *capability.Registry
	sched    Scheduler
	timeout  time.Duration
	log      zerolog.Logger
}

// New creates a broker over the given table and registry. sched may be nil
// for hosts that tick on their own schedule.
func New(table *job.Table, registry *capability.Registry, sched Scheduler, opts Options) *Broker {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Broker{
		table:    table,
		registry: registry,
		sched:    sched,
		timeout:  opts.Timeout,
		log:      opts.Logger,
	}
}

// Invoke validates the invocation, admits a job for the host thread, and
// blocks the calling context on the job's completion signal up to the
// deadline. The result or a classified error is returned; the job record is
// removed once its result has been delivered.
func (b *Broker) Invoke(ctx context.Context, inv Invocation) (job.Result, error) {
	desc, ok := b.registry.Get(inv.Kind, inv.Name)
	if !ok {
		return job.Result{}, execErrorf(ErrUnknownCapability, "%s %q is not registered", inv.Kind, inv.Name)
	}
	if err := desc.ValidateArgs(inv.Args); err != nil {
		return job.Result{}, execErrorf(ErrInvalidPayload, "arguments for %q rejected: %v", inv.Name, err)
	}

	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = b.timeout
	}
	rec := job.NewRecord(inv.Name, payload(desc, inv.Args), timeout)
	if evicted := b.table.Admit(rec); evicted != nil {
		b.log.Warn().
			Str("job", rec.ID).
			Str("evicted", evicted.ID).
			Msg("admitted job by evicting oldest")
	}
	if b.sched != nil {
		b.sched.Schedule()
	}

	b.log.Debug().Str("job", rec.ID).Str("capability", inv.Name).Msg("job admitted")
	return b.wait(ctx, rec)
}

// wait blocks on the record's completion signal, racing it against the
// deadline and the caller's context. Both losing paths funnel through the
// table's Transition so exactly one terminal outcome is ever observed.
func (b *Broker) wait(ctx context.Context, rec *job.Record) (job.Result, error) {
	timer := time.NewTimer(time.Until(rec.Deadline))
	defer timer.Stop()

	select {
	case <-rec.Done():
	case <-timer.C:
		// The tick adapter may be completing this job right now. Whichever
		// transition lands first is authoritative; if ours loses, the result
		// written by the winner is already in place behind the closed signal.
		if b.table.Transition(rec.ID, job.TimedOut, job.Result{Err: ErrTimeout}) {
			b.log.Warn().
				Str("job", rec.ID).
				Str("capability", rec.Capability).
				Msg("job deadline elapsed before completion")
		}
		<-rec.Done()
	case <-ctx.Done():
		b.table.Transition(rec.ID, job.Cancelled, job.Result{Err: ErrCancelled})
		<-rec.Done()
	}

	res := rec.Result
	b.table.Remove(rec.ID)
	return res, res.Err
}

// payload wraps a capability handler into the closure the tick adapter runs
// on the host thread, normalizing the handler's return convention into a job
// result.
func payload(desc *capability.Descriptor, args map[string]any) job.Payload {
	return func(ctx context.Context) job.Result {
		v, err := desc.Handler(ctx, args)
		if err != nil {
			return job.Result{Err: &ExecError{Detail: err.Error(), Err: err}}
		}
		switch out := v.(type) {
		case capability.Output:
			return job.Result{Output: out.Text, Value: out.Value}
		case string:
			return job.Result{Output: out}
		default:
			return job.Result{Value: out}
		}
	}
}
