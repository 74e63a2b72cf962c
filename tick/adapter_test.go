package tick

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/niewinny/bMCP/job"
)

func admit(t *testing.T, tbl *job.Table, capability string, p job.Payload) *job.Record {
	t.Helper()
	rec := job.NewRecord(capability, p, time.Minute)
	if evicted := tbl.Admit(rec); evicted != nil {
		t.Fatalf("unexpected eviction admitting %s", capability)
	}
	return rec
}

func TestAdapter_PollOnceExecutesInOrder(t *testing.T) {
	tbl := job.NewTable(0, zerolog.Nop())
	a := NewAdapter(tbl, zerolog.Nop())

	var ran []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		admit(t, tbl, name, func(ctx context.Context) job.Result {
			ran = append(ran, name)
			return job.Result{Output: name}
		})
	}

	if n := a.PollOnce(0); n != 3 {
		t.Fatalf("PollOnce() = %d, want 3", n)
	}
	want := []string{"first", "second", "third"}
	for i, name := range want {
		if ran[i] != name {
			t.Fatalf("execution order = %v, want %v", ran, want)
		}
	}
}

func TestAdapter_PollOnceCompletesAndSignals(t *testing.T) {
	tbl := job.NewTable(0, zerolog.Nop())
	a := NewAdapter(tbl, zerolog.Nop())

	var seen job.State
	rec := admit(t, tbl, "observe", func(ctx context.Context) job.Result {
		return job.Result{Output: "done"}
	})
	// Observe the state mid-run via a second job admitted after the first.
	admit(t, tbl, "witness", func(ctx context.Context) job.Result {
		seen = rec.State
		return job.Result{}
	})

	a.PollOnce(0)

	if seen != job.Completed {
		t.Errorf("first job state during second = %s, want completed", seen)
	}
	select {
	case <-rec.Done():
	default:
		t.Fatal("completion signal not fired")
	}
	if rec.Result.Output != "done" {
		t.Errorf("result output = %q, want %q", rec.Result.Output, "done")
	}
}

func TestAdapter_PollOnceCapturesFailure(t *testing.T) {
	tbl := job.NewTable(0, zerolog.Nop())
	a := NewAdapter(tbl, zerolog.Nop())

	wantErr := errors.New("host raised")
	rec := admit(t, tbl, "fails", func(ctx context.Context) job.Result {
		return job.Result{Err: wantErr}
	})

	a.PollOnce(0)

	if rec.State != job.Failed {
		t.Errorf("state = %s, want failed", rec.State)
	}
	if !errors.Is(rec.Result.Err, wantErr) {
		t.Errorf("result err = %v, want %v", rec.Result.Err, wantErr)
	}
}

func TestAdapter_PollOnceRecoversPanic(t *testing.T) {
	tbl := job.NewTable(0, zerolog.Nop())
	a := NewAdapter(tbl, zerolog.Nop())

	rec := admit(t, tbl, "panics", func(ctx context.Context) job.Result {
		panic("segfault in disguise")
	})
	after := admit(t, tbl, "survivor", func(ctx context.Context) job.Result {
		return job.Result{Output: "still here"}
	})

	if n := a.PollOnce(0); n != 2 {
		t.Fatalf("PollOnce() = %d, want 2", n)
	}
	if rec.State != job.Failed {
		t.Errorf("panicking job state = %s, want failed", rec.State)
	}
	if rec.Result.Err == nil {
		t.Error("panicking job has no error")
	}
	if after.Result.Output != "still here" {
		t.Error("job after a panic did not run")
	}
}

func TestAdapter_PollOnceSkipsTerminal(t *testing.T) {
	tbl := job.NewTable(0, zerolog.Nop())
	a := NewAdapter(tbl, zerolog.Nop())

	executed := false
	rec := admit(t, tbl, "timed-out", func(ctx context.Context) job.Result {
		executed = true
		return job.Result{}
	})
	tbl.Transition(rec.ID, job.TimedOut, job.Result{Err: errors.New("deadline")})

	if n := a.PollOnce(0); n != 0 {
		t.Fatalf("PollOnce() = %d, want 0", n)
	}
	if executed {
		t.Error("payload ran for a terminal job")
	}
}

func TestAdapter_PollOnceBudgetRunsAtLeastOne(t *testing.T) {
	tbl := job.NewTable(0, zerolog.Nop())
	a := NewAdapter(tbl, zerolog.Nop())

	for i := 0; i < 3; i++ {
		admit(t, tbl, "slow", func(ctx context.Context) job.Result {
			time.Sleep(20 * time.Millisecond)
			return job.Result{}
		})
	}

	// A tiny budget still makes progress on exactly one job.
	if n := a.PollOnce(time.Nanosecond); n != 1 {
		t.Fatalf("PollOnce() = %d, want 1", n)
	}
	// The rest drain on later ticks.
	if n := a.PollOnce(0); n != 2 {
		t.Fatalf("second PollOnce() = %d, want 2", n)
	}
}
