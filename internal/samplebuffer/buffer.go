// Package samplebuffer provides an append-only PCM byte log with any number of
// independent readers trailing a single producer.
//
// Storage is split into fixed-capacity segments. A segment stays alive while a
// reader or a position lock references it; once the oldest segment is no longer
// referenced it is recycled, so memory is bounded by the distance between the
// slowest live reader and the write position.
package samplebuffer

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
)

// Unbounded marks a limit or end-of-stream position that has not been set.
const Unbounded int64 = math.MaxInt64

// DefaultGranularity is the segment size used when none is configured.
const DefaultGranularity = 4096

// maxFreeSegments caps how many recycled segments are kept for reuse.
const maxFreeSegments = 32

var (
	// ErrInvalidPosition is returned when an offset is already reclaimed,
	// lies beyond the write position, or a limit is moved backward.
	ErrInvalidPosition = errors.New("invalid buffer position")
	// ErrNotLocked is returned when unlocking a position that holds no lock.
	ErrNotLocked = errors.New("position not locked")
	// ErrClosed is returned when writing to a closed buffer.
	ErrClosed = errors.New("buffer closed")
	// ErrReaderClosed is returned when reading from a closed reader.
	ErrReaderClosed = errors.New("reader closed")
	// ErrSourceRead wraps failures of the source passed to WriteFrom.
	ErrSourceRead = errors.New("source read failed")
)

type segment struct {
	offset  int64
	data    []byte
	written int
	refs    int
	next    *segment
}

// Buffer is a segmented append-only byte log.
// It is safe for concurrent use by one writer and many readers.
type Buffer struct {
	mu   sync.Mutex
	cond *sync.Cond

	capacity    int
	channels    int
	sampleBytes int

	position int64
	segments map[int64]*segment
	free     []*segment
	head     *segment
	tail     *segment
	closed   bool
}

// New creates a buffer for interleaved PCM with the given channel count and
// bytes per sample. Segment capacity is granularity rounded down to whole
// frames; a non-positive granularity selects DefaultGranularity.
func New(channels, sampleBytes, granularity int) *Buffer {
	channels = max(channels, 1)
	sampleBytes = max(sampleBytes, 1)
	if granularity <= 0 {
		granularity = DefaultGranularity
	}
	frameSize := channels * sampleBytes

	b := &Buffer{
		capacity:    max(granularity/frameSize, 1) * frameSize,
		channels:    channels,
		sampleBytes: sampleBytes,
		segments:    make(map[int64]*segment),
	}
	b.cond = sync.NewCond(&b.mu)
	b.head = b.allocLocked(0)
	b.tail = b.head
	return b
}

// Channels returns the number of interleaved channels.
func (b *Buffer) Channels() int { return b.channels }

// FrameSize returns the number of bytes per frame across all channels.
func (b *Buffer) FrameSize() int { return b.channels * b.sampleBytes }

// SegmentSize returns the capacity of one segment in bytes.
func (b *Buffer) SegmentSize() int { return b.capacity }

// Position returns the total number of bytes written.
func (b *Buffer) Position() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.position
}

// Closed reports whether Close has been called.
func (b *Buffer) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Segments returns the number of segments currently retained.
func (b *Buffer) Segments() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.segments)
}

// Write appends p to the buffer and wakes blocked readers.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrClosed
	}

	n := 0
	for n < len(p) {
		c := copy(b.tail.data[b.tail.written:], p[n:])
		b.commitLocked(c)
		n += c
	}
	if n > 0 {
		b.cond.Broadcast()
	}
	return n, nil
}

// WriteFrom performs a single read from src directly into the tail segment.
// The read happens without holding the buffer lock. At the end of src it
// returns io.EOF; the buffer stays open so further sources can be chained.
// Other source failures are wrapped in ErrSourceRead.
func (b *Buffer) WriteFrom(src io.Reader) (int, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, ErrClosed
	}
	tail := b.tail
	dst := tail.data[tail.written:]
	b.mu.Unlock()

	n, err := src.Read(dst)

	b.mu.Lock()
	defer b.mu.Unlock()
	if n > 0 {
		if b.tail != tail || b.closed {
			return 0, ErrClosed
		}
		b.commitLocked(n)
		b.cond.Broadcast()
	}
	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, io.EOF):
		return n, io.EOF
	default:
		return n, fmt.Errorf("%w: %w", ErrSourceRead, err)
	}
}

// Close marks the end of writing. Readers drain what was written, then see io.EOF.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cond.Broadcast()
	return nil
}

// LockPosition pins the segment holding offset so it survives even when no
// reader sits on it. Locking Unbounded is a no-op.
func (b *Buffer) LockPosition(offset int64) error {
	if offset == Unbounded {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	seg, err := b.segmentLocked(offset)
	if err != nil {
		return err
	}
	seg.refs++
	return nil
}

// UnlockPosition releases a lock taken with LockPosition.
func (b *Buffer) UnlockPosition(offset int64) error {
	if offset == Unbounded {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.unlockLocked(offset)
}

// MoveLockPosition moves a lock from oldOffset to newOffset.
func (b *Buffer) MoveLockPosition(oldOffset, newOffset int64) error {
	if oldOffset == newOffset {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if newOffset != Unbounded {
		seg, err := b.segmentLocked(newOffset)
		if err != nil {
			return err
		}
		seg.refs++
	}
	if oldOffset == Unbounded {
		return nil
	}
	return b.unlockLocked(oldOffset)
}

// MoveLockAtOrAfter moves a lock from oldOffset to newOffset, or to the
// oldest retained position when newOffset was already reclaimed. It returns
// the position now locked.
func (b *Buffer) MoveLockAtOrAfter(oldOffset, newOffset int64) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	newOffset = max(newOffset, b.oldestLocked())
	seg, err := b.segmentLocked(newOffset)
	if err != nil {
		return oldOffset, err
	}
	seg.refs++
	return newOffset, b.unlockLocked(oldOffset)
}

func (b *Buffer) unlockLocked(offset int64) error {
	seg, ok := b.segments[b.align(offset)]
	if !ok || seg.refs == 0 {
		return fmt.Errorf("%w: offset %d", ErrNotLocked, offset)
	}
	seg.refs--
	b.reclaimLocked()
	return nil
}

func (b *Buffer) align(offset int64) int64 {
	return offset - offset%int64(b.capacity)
}

// segmentLocked returns the live segment containing offset.
func (b *Buffer) segmentLocked(offset int64) (*segment, error) {
	if offset < 0 || offset > b.position {
		return nil, fmt.Errorf("%w: offset %d outside [0, %d]", ErrInvalidPosition, offset, b.position)
	}
	seg, ok := b.segments[b.align(offset)]
	if !ok {
		return nil, fmt.Errorf("%w: offset %d already reclaimed", ErrInvalidPosition, offset)
	}
	return seg, nil
}

// commitLocked accounts n bytes written into the tail and opens a new tail
// segment once the current one is full.
func (b *Buffer) commitLocked(n int) {
	b.tail.written += n
	b.position += int64(n)
	if b.tail.written < b.capacity {
		return
	}
	next := b.allocLocked(b.tail.offset + int64(b.capacity))
	b.tail.next = next
	b.tail = next
	b.reclaimLocked()
}

func (b *Buffer) allocLocked(offset int64) *segment {
	var seg *segment
	if n := len(b.free); n > 0 {
		seg = b.free[n-1]
		b.free[n-1] = nil
		b.free = b.free[:n-1]
	} else {
		seg = &segment{data: make([]byte, b.capacity)}
	}
	seg.offset = offset
	b.segments[offset] = seg
	return seg
}

// reclaimLocked releases unreferenced segments from the head of the chain.
func (b *Buffer) reclaimLocked() {
	for b.head != b.tail && b.head.refs == 0 {
		seg := b.head
		b.head = seg.next
		delete(b.segments, seg.offset)
		seg.next = nil
		seg.written = 0
		if len(b.free) < maxFreeSegments {
			b.free = append(b.free, seg)
		}
	}
}

// oldestLocked returns the lowest offset still addressable.
func (b *Buffer) oldestLocked() int64 {
	return b.head.offset
}
