package replay

import "github.com/gogpu/replaykit/internal/shm"

// ProgressSink receives the scheduler's externally visible progress. A
// supervised worker passes its attached *shm.Block; an unsupervised run
// passes NopSink.
type ProgressSink interface {
	Add(c shm.Counter, delta uint64)
	Store(c shm.Counter, v uint64)
	SetFlag(f shm.Flag)
	WriteLog(line string) error
}

var _ ProgressSink = (*shm.Block)(nil)

// NopSink discards all progress.
type NopSink struct{}

func (NopSink) Add(shm.Counter, uint64)   {}
func (NopSink) Store(shm.Counter, uint64) {}
func (NopSink) SetFlag(shm.Flag)          {}
func (NopSink) WriteLog(string) error     { return nil }
