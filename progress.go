package replaykit

import "github.com/gogpu/replaykit/internal/shm"

// ClassProgress is the counter triple for one pipeline class. The protocol
// guarantees Completed+Skipped <= Total at every instant; the remainder is
// work not yet attempted.
type ClassProgress struct {
	Total     uint64
	Completed uint64
	Skipped   uint64
}

// Outstanding returns the records not yet accounted for.
func (p ClassProgress) Outstanding() uint64 {
	return p.Total - p.Completed - p.Skipped
}

// Progress is one consistent-enough snapshot of a replay batch. Individual
// counters are read atomically; the snapshot as a whole is taken while the
// worker may still be running, so cross-counter sums drift until the
// complete flag is observed.
type Progress struct {
	Graphics ClassProgress
	Compute  ClassProgress

	TotalModules  uint64
	BannedModules uint64

	// CleanDeaths and DirtyDeaths sum the tallies a worker published into
	// the control block (a worker that itself supervises sub-replays) with
	// the supervisor's own reap classification.
	CleanDeaths uint64
	DirtyDeaths uint64
}

// snapshotProgress reads every worker-owned counter from the control block.
func snapshotProgress(b *shm.Block) Progress {
	return Progress{
		Graphics: ClassProgress{
			Total:     b.Load(shm.GraphicsTotal),
			Completed: b.Load(shm.GraphicsCompleted),
			Skipped:   b.Load(shm.GraphicsSkipped),
		},
		Compute: ClassProgress{
			Total:     b.Load(shm.ComputeTotal),
			Completed: b.Load(shm.ComputeCompleted),
			Skipped:   b.Load(shm.ComputeSkipped),
		},
		TotalModules:  b.Load(shm.TotalModules),
		BannedModules: b.Load(shm.BannedModules),
		CleanDeaths:   b.Load(shm.CleanDeaths),
		DirtyDeaths:   b.Load(shm.DirtyDeaths),
	}
}

// PollResult classifies the worker's state at the moment of a Poll.
type PollResult int

const (
	// PollNotReady means the worker is alive but has not published the
	// started flag; counters are not yet meaningful.
	PollNotReady PollResult = iota
	// PollRunning means the worker is alive and counters are live.
	PollRunning
	// PollComplete means the worker exited cleanly with the complete flag
	// set.
	PollComplete
	// PollCrashed means the worker died without completing the batch.
	PollCrashed
)

func (r PollResult) String() string {
	switch r {
	case PollNotReady:
		return "not-ready"
	case PollRunning:
		return "running"
	case PollComplete:
		return "complete"
	case PollCrashed:
		return "crashed"
	}
	return "unknown"
}
