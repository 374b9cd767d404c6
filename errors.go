package replaykit

import (
	"errors"

	"github.com/gogpu/replaykit/internal/shm"
)

var (
	// ErrLaunch reports that the worker process could not be started.
	ErrLaunch = errors.New("replaykit: worker launch failed")

	// ErrAlreadyStarted reports a second Start on the same supervisor.
	ErrAlreadyStarted = errors.New("replaykit: worker already started")

	// ErrNotStarted reports an operation that needs a launched worker.
	ErrNotStarted = errors.New("replaykit: worker not started")

	// ErrClosed reports an operation on a supervisor whose control block
	// has been torn down by Close.
	ErrClosed = errors.New("replaykit: supervisor closed")

	// ErrAllocation reports that the shared control block could not be
	// created.
	ErrAllocation = shm.ErrAllocation

	// ErrProtocolMismatch reports a control-block version mismatch between
	// supervisor and worker binaries.
	ErrProtocolMismatch = shm.ErrProtocolMismatch
)
