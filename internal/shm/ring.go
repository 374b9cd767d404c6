// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package shm

import (
	"bytes"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Ring cursors are monotonic byte offsets; the byte at offset o lives at
// ring[o % ringCap]. The capacity is a multiple of MessageSize, so a message
// never wraps. The ring is best-effort telemetry: when full, the oldest
// unread message is overwritten.

// lockRing takes the in-process mutex, then flock on the segment file for
// cross-process exclusion.
func (b *Block) lockRing() error {
	b.ringMu.Lock()
	if err := unix.Flock(int(b.file.Fd()), unix.LOCK_EX); err != nil {
		b.ringMu.Unlock()
		return err
	}
	return nil
}

func (b *Block) unlockRing() {
	_ = unix.Flock(int(b.file.Fd()), unix.LOCK_UN)
	b.ringMu.Unlock()
}

// WriteLog appends one log line to the ring as a fixed-size message,
// truncating to MessageSize-1 bytes (the final byte stays zero). Worker side.
func (b *Block) WriteLog(line string) error {
	if err := b.lockRing(); err != nil {
		return err
	}
	defer b.unlockRing()

	write := atomic.LoadUint64(b.u64(offRingWrite))
	read := atomic.LoadUint64(b.u64(offRingRead))

	// Full: sacrifice the oldest unread message.
	if write-read+MessageSize > uint64(b.ringCap) {
		read += MessageSize
		atomic.StoreUint64(b.u64(offRingRead), read)
	}

	pos := int(b.ringOff) + int(write%uint64(b.ringCap))
	msg := b.data[pos : pos+MessageSize]
	clear(msg)
	copy(msg[:MessageSize-1], line)

	atomic.StoreUint64(b.u64(offRingWrite), write+MessageSize)
	return nil
}

// DrainLog removes and returns every complete message between the read and
// write cursors, oldest first. Supervisor side; call it periodically or
// unread messages are lost to overwrite.
func (b *Block) DrainLog() ([]string, error) {
	if err := b.lockRing(); err != nil {
		return nil, err
	}
	defer b.unlockRing()

	write := atomic.LoadUint64(b.u64(offRingWrite))
	read := atomic.LoadUint64(b.u64(offRingRead))

	var lines []string
	for ; read+MessageSize <= write; read += MessageSize {
		pos := int(b.ringOff) + int(read%uint64(b.ringCap))
		msg := b.data[pos : pos+MessageSize]
		if i := bytes.IndexByte(msg, 0); i >= 0 {
			msg = msg[:i]
		}
		lines = append(lines, string(msg))
	}
	atomic.StoreUint64(b.u64(offRingRead), read)
	return lines, nil
}
