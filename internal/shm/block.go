// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package shm implements the shared-memory control block through which a
// replay worker reports progress to its supervisor: lock-free atomic
// counters, lifecycle flags with acquire/release ordering, and a
// flock-serialized log ring buffer.
//
// The block is a fixed-layout byte region backed by a file under /dev/shm.
// Callers never touch raw offsets; every access goes through the Block
// methods, which encode the required memory-order discipline.
package shm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Magic stamps a control block's layout version. An attaching worker must
// verify it before reading any other field: a mismatched cookie means the
// layout itself may differ.
const Magic uint32 = 0x52504B31 // "RPK1"

const (
	headerSize = 4096

	// DefaultRingSize matches the original 64 KiB log ring.
	DefaultRingSize = 64 * 1024

	// MessageSize is the fixed ring message size; lines are truncated or
	// zero-padded to it.
	MessageSize = 64

	offCookie     = 0
	offStarted    = 4
	offComplete   = 8
	offRingOffset = 12
	offRingSize   = 16
	offRingWrite  = 24
	offRingRead   = 32
	offCounters   = 64
)

// Counter indexes one progress counter in the block's counter table.
type Counter int

const (
	GraphicsTotal Counter = iota
	GraphicsCompleted
	GraphicsSkipped
	ComputeTotal
	ComputeCompleted
	ComputeSkipped
	TotalModules
	BannedModules
	CleanDeaths
	DirtyDeaths

	CounterCount
)

// Flag is one of the two lifecycle flags.
type Flag int

const (
	// FlagStarted is set (release) by the worker before its first class;
	// counters are unreliable until a reader observes it (acquire).
	FlagStarted Flag = iota
	// FlagComplete is set (release) by the worker after the final drain.
	FlagComplete
)

var (
	// ErrAllocation reports that the shared segment could not be created.
	ErrAllocation = errors.New("shm: segment allocation failed")
	// ErrProtocolMismatch reports a version-cookie mismatch on attach.
	ErrProtocolMismatch = errors.New("shm: control block version mismatch")
)

// Dir is the directory holding segment files. Tests may point it at a
// private temp directory; supervisor and worker must agree on it.
var Dir = "/dev/shm"

// Block is one mapped control block. The creating (supervisor) side treats
// counters and flags as read-only; the attached (worker) side mutates them.
// Ring access is serialized by flock on the segment file plus an in-process
// mutex, since flock does not exclude goroutines sharing one descriptor.
type Block struct {
	file    *os.File
	data    []byte
	ringOff uint32
	ringCap uint32

	ringMu sync.Mutex

	owner bool
}

// Create allocates a zero-filled segment of headerSize+ringSize bytes,
// stamps the ring geometry and version cookie, and returns the mapped block.
// ringSize is rounded down to a multiple of MessageSize; zero selects
// DefaultRingSize.
func Create(name string, ringSize int) (*Block, error) {
	if ringSize <= 0 {
		ringSize = DefaultRingSize
	}
	ringSize -= ringSize % MessageSize
	if ringSize < MessageSize {
		return nil, fmt.Errorf("%w: ring size %d below one message", ErrAllocation, ringSize)
	}

	path := filepath.Join(Dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAllocation, err)
	}
	total := headerSize + ringSize
	if err := f.Truncate(int64(total)); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("%w: %v", ErrAllocation, err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("%w: mmap: %v", ErrAllocation, err)
	}

	b := &Block{file: f, data: data, ringOff: headerSize, ringCap: uint32(ringSize), owner: true}
	atomic.StoreUint32(b.u32(offRingOffset), headerSize)
	atomic.StoreUint32(b.u32(offRingSize), uint32(ringSize))
	// Cookie last: an attacher that sees it can trust the geometry.
	atomic.StoreUint32(b.u32(offCookie), Magic)
	return b, nil
}

// Attach maps an existing segment by name. The version cookie is verified
// before any other field is interpreted.
func Attach(name string) (*Block, error) {
	path := filepath.Join(Dir, name)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("shm: attach %q: %w", name, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("shm: attach %q: %w", name, err)
	}
	if st.Size() < headerSize+MessageSize {
		_ = f.Close()
		return nil, fmt.Errorf("%w: segment too small (%d bytes)", ErrProtocolMismatch, st.Size())
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("shm: attach %q: mmap: %w", name, err)
	}

	b := &Block{file: f, data: data}
	if cookie := atomic.LoadUint32(b.u32(offCookie)); cookie != Magic {
		_ = unix.Munmap(data)
		_ = f.Close()
		return nil, fmt.Errorf("%w: cookie %#x, want %#x", ErrProtocolMismatch, cookie, Magic)
	}
	b.ringOff = atomic.LoadUint32(b.u32(offRingOffset))
	b.ringCap = atomic.LoadUint32(b.u32(offRingSize))
	if int(b.ringOff)+int(b.ringCap) > len(data) || b.ringCap < MessageSize {
		_ = unix.Munmap(data)
		_ = f.Close()
		return nil, fmt.Errorf("%w: ring geometry out of bounds", ErrProtocolMismatch)
	}
	return b, nil
}

// Close unmaps the block and closes the segment file. The creating side
// additionally unlinks the file, destroying the segment name.
func (b *Block) Close() error {
	var first error
	if b.data != nil {
		if err := unix.Munmap(b.data); err != nil && first == nil {
			first = err
		}
		b.data = nil
	}
	if b.file != nil {
		name := b.file.Name()
		if err := b.file.Close(); err != nil && first == nil {
			first = err
		}
		if b.owner {
			if err := os.Remove(name); err != nil && first == nil {
				first = err
			}
		}
		b.file = nil
	}
	return first
}

func (b *Block) u32(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&b.data[off]))
}

func (b *Block) u64(off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&b.data[off]))
}

func flagOffset(f Flag) int {
	if f == FlagComplete {
		return offComplete
	}
	return offStarted
}

// SetFlag publishes a lifecycle flag. Go's atomics are sequentially
// consistent, which subsumes the release ordering the protocol requires:
// counter stores issued before SetFlag are visible to any reader that
// observes the flag.
func (b *Block) SetFlag(f Flag) {
	atomic.StoreUint32(b.u32(flagOffset(f)), 1)
}

// FlagSet reports whether a lifecycle flag has been published.
func (b *Block) FlagSet(f Flag) bool {
	return atomic.LoadUint32(b.u32(flagOffset(f))) != 0
}

func (b *Block) counterOffset(c Counter) int {
	return offCounters + int(c)*8
}

// Add atomically increments a counter.
func (b *Block) Add(c Counter, delta uint64) {
	atomic.AddUint64(b.u64(b.counterOffset(c)), delta)
}

// Store atomically overwrites a counter.
func (b *Block) Store(c Counter, v uint64) {
	atomic.StoreUint64(b.u64(b.counterOffset(c)), v)
}

// Load atomically reads a counter.
func (b *Block) Load(c Counter) uint64 {
	return atomic.LoadUint64(b.u64(b.counterOffset(c)))
}
