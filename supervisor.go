package replaykit

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gogpu/replaykit/internal/shm"
)

// Options configures a supervised replay run.
type Options struct {
	// Database is the record database path handed to the worker.
	Database string

	// WorkerCommand is the argv prefix used to launch the worker; the
	// supervisor appends the worker flags. Empty means re-exec this binary.
	WorkerCommand []string

	// NumThreads and LoopCount are forwarded to the worker; zero values are
	// omitted and the worker applies its defaults.
	NumThreads int
	LoopCount  int

	// RingSize overrides the log ring size in bytes; 0 keeps the default.
	RingSize int

	// NullDriver makes the worker replay against the in-memory device
	// instead of a real GPU.
	NullDriver bool

	// OnDiskCache is a pipeline-cache file the worker loads before and
	// saves after replay. Empty disables it.
	OnDiskCache string

	// Quiet suppresses the worker's inherited stdout and stderr. Ring log
	// lines still flow through the control block.
	Quiet bool

	// FilterGraphics and FilterCompute restrict pipeline replay to the
	// listed hashes (16-digit hex, one per entry).
	FilterGraphics []string
	FilterCompute  []string
}

// segmentIndex disambiguates segments created by one supervisor process.
var segmentIndex atomic.Uint64

// Supervisor runs one worker process against a shared control block,
// observes its progress, and classifies its death. It never writes the
// worker-owned counters; its own reap classification stays supervisor-local
// and is merged with any worker-published death tallies in Progress.
type Supervisor struct {
	opts Options

	mu      sync.Mutex
	block   *shm.Block
	segment string
	cmd     *exec.Cmd
	done    chan struct{}
	waitErr error
	started bool
	reaped  bool

	cleanDeaths uint64
	dirtyDeaths uint64
}

// NewSupervisor returns an idle supervisor; call Start to launch the worker.
func NewSupervisor(opts Options) *Supervisor {
	return &Supervisor{opts: opts, done: make(chan struct{})}
}

// Segment returns the control-block segment name, empty before Start.
func (s *Supervisor) Segment() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.segment
}

// Start creates the control block and launches the worker process. The
// worker inherits stdout and stderr; structured progress flows through the
// block, the log ring carries its diagnostics.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}

	name := fmt.Sprintf("replaykit-%d-%d", os.Getpid(), segmentIndex.Add(1))
	block, err := shm.Create(name, s.opts.RingSize)
	if err != nil {
		return err
	}

	argv := s.opts.WorkerCommand
	if len(argv) == 0 {
		exe, err := os.Executable()
		if err != nil {
			_ = block.Close()
			return fmt.Errorf("%w: %v", ErrLaunch, err)
		}
		argv = []string{exe}
	}
	args := append([]string(nil), argv[1:]...)
	args = append(args, "--worker", "--shm", name, "--db", s.opts.Database)
	if s.opts.NumThreads > 0 {
		args = append(args, "--num-threads", strconv.Itoa(s.opts.NumThreads))
	}
	if s.opts.LoopCount > 0 {
		args = append(args, "--loop", strconv.Itoa(s.opts.LoopCount))
	}
	if s.opts.NullDriver {
		args = append(args, "--null-driver")
	}
	if s.opts.OnDiskCache != "" {
		args = append(args, "--on-disk-cache", s.opts.OnDiskCache)
	}
	if s.opts.Quiet {
		args = append(args, "--quiet")
	}
	for _, h := range s.opts.FilterGraphics {
		args = append(args, "--filter-graphics", h)
	}
	for _, h := range s.opts.FilterCompute {
		args = append(args, "--filter-compute", h)
	}

	cmd := exec.Command(argv[0], args...)
	if !s.opts.Quiet {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}
	if err := cmd.Start(); err != nil {
		_ = block.Close()
		return fmt.Errorf("%w: %v", ErrLaunch, err)
	}

	s.block = block
	s.segment = name
	s.cmd = cmd
	s.started = true
	Logger().Info("worker launched", "pid", cmd.Process.Pid, "segment", name)

	// Single reaper: every other method observes death through done.
	go func() {
		err := cmd.Wait()
		s.mu.Lock()
		s.waitErr = err
		s.mu.Unlock()
		close(s.done)
	}()
	return nil
}

// drainLog forwards queued worker log lines to the supervisor's logger.
func (s *Supervisor) drainLog(block *shm.Block) {
	lines, err := block.DrainLog()
	if err != nil {
		Logger().Warn("log ring drain failed", "err", err)
		return
	}
	for _, line := range lines {
		Logger().Info("worker log", "msg", line)
	}
}

// accountDeath classifies a reaped worker exactly once. A death is clean
// only when the exit status and the complete flag agree: a worker that
// exits 0 without publishing completion still counts as dirty.
func (s *Supervisor) accountDeath() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	clean := s.waitErr == nil && s.block.FlagSet(shm.FlagComplete)
	if !s.reaped {
		s.reaped = true
		if clean {
			s.cleanDeaths++
		} else {
			s.dirtyDeaths++
			Logger().Warn("worker died dirty", "err", s.waitErr,
				"complete", s.block.FlagSet(shm.FlagComplete))
		}
	}
	return clean
}

// Poll drains the log ring and reports the worker's current state without
// blocking.
func (s *Supervisor) Poll() (PollResult, Progress, error) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return PollNotReady, Progress{}, ErrNotStarted
	}
	if s.block == nil {
		s.mu.Unlock()
		return PollNotReady, Progress{}, ErrClosed
	}
	block := s.block
	s.mu.Unlock()

	s.drainLog(block)

	select {
	case <-s.done:
		if s.accountDeath() {
			return PollComplete, s.Progress(), nil
		}
		return PollCrashed, s.Progress(), nil
	default:
	}
	if !block.FlagSet(shm.FlagStarted) {
		return PollNotReady, Progress{}, nil
	}
	return PollRunning, s.Progress(), nil
}

// Wait blocks until the worker exits and reports whether it died clean.
// The log ring is drained before and after blocking so nothing queued at
// death is lost.
func (s *Supervisor) Wait() (bool, error) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return false, ErrNotStarted
	}
	if s.block == nil {
		s.mu.Unlock()
		return false, ErrClosed
	}
	block := s.block
	s.mu.Unlock()

	s.drainLog(block)
	<-s.done
	s.drainLog(block)
	return s.accountDeath(), nil
}

// Kill forcibly terminates the worker and reaps it. The death is accounted
// as dirty unless the worker had already completed.
func (s *Supervisor) Kill() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ErrNotStarted
	}
	if s.block == nil {
		s.mu.Unlock()
		return ErrClosed
	}
	cmd := s.cmd
	s.mu.Unlock()

	select {
	case <-s.done:
	default:
		_ = cmd.Process.Kill()
	}
	<-s.done
	s.accountDeath()
	return nil
}

// IsComplete reports, without blocking, whether the worker has exited.
func (s *Supervisor) IsComplete() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Progress snapshots the control-block counters merged with the
// supervisor-side death accounting. Death tallies a worker published into
// the block (from sub-replays it supervised itself) are included.
func (s *Supervisor) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.block == nil {
		return Progress{}
	}
	p := snapshotProgress(s.block)
	p.CleanDeaths += s.cleanDeaths
	p.DirtyDeaths += s.dirtyDeaths
	return p
}

// Close kills a still-running worker, reaps it, and destroys the control
// block segment.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	started := s.started
	block := s.block
	s.block = nil
	s.mu.Unlock()

	if started {
		select {
		case <-s.done:
		default:
			s.mu.Lock()
			cmd := s.cmd
			s.mu.Unlock()
			_ = cmd.Process.Kill()
		}
		<-s.done
	}
	if block == nil {
		return nil
	}
	return block.Close()
}
