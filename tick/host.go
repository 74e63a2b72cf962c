// Package tick is the single integration point with the host application's
// cooperative scheduler. The host grants the adapter one scheduling
// opportunity per tick; the adapter drains due jobs and executes them on the
// host's one execution thread.
package tick

// Host is implemented by the embedding application. Every method is called on
// the host execution thread only, never from the network context.
//
// Contract:
// - Methods need not be safe for concurrent use; the adapter serializes all
//   calls on the host thread.
// - RunCode output should be everything the snippet printed; an execution
//   failure is reported through the error, not by panicking.
type Host interface {
	// RunCode executes a code snippet in the host's scripting environment
	// with full host access and returns the captured textual output.
	RunCode(code string) (output string, err error)
}

// Snapshot is one read-only view of host state exposed as a resource.
type Snapshot struct {
	// Name keys the resource; its URI becomes blender://<name>.
	Name string

	// Description is shown in resource listings.
	Description string

	// Read produces the resource content. Runs on the host thread.
	Read func() (string, error)
}

// SnapshotProvider is an optional interface a Host may implement to expose
// read-only state snapshots as resources.
type SnapshotProvider interface {
	Host

	// Snapshots returns the snapshot set to register. Called once at server
	// construction.
	Snapshots() []Snapshot
}
