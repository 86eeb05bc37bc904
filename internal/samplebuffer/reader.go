package samplebuffer

import (
	"fmt"
	"io"
)

// Reader reads interleaved bytes from a Buffer within the bounds of a Limit.
// Each reader keeps its own cursor and holds a reference on the segment under
// it. A Reader must not be used from more than one goroutine at a time.
type Reader struct {
	buf      *Buffer
	limit    *Limit
	seg      *segment
	pos      int64
	blocking bool
	closed   bool
}

// Reader returns a blocking reader that starts at the oldest retained byte
// and may read everything written.
func (b *Buffer) Reader() (*Reader, error) {
	b.mu.Lock()
	bof := b.oldestLocked()
	b.mu.Unlock()
	return b.NewReader(b.UnboundedLimit(bof))
}

// NewReader returns a blocking reader positioned at limit.BOF().
func (b *Buffer) NewReader(limit *Limit) (*Reader, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	seg, err := b.segmentLocked(limit.bof)
	if err != nil {
		return nil, err
	}
	seg.refs++
	return &Reader{buf: b, limit: limit, seg: seg, pos: limit.bof, blocking: true}, nil
}

// Limit returns the limit bounding this reader.
func (r *Reader) Limit() *Limit {
	return r.limit
}

// SetBlocking controls whether Read waits for data. A non-blocking Read with
// nothing available returns 0 and a nil error.
func (r *Reader) SetBlocking(blocking bool) {
	r.buf.mu.Lock()
	defer r.buf.mu.Unlock()
	r.blocking = blocking
	r.buf.cond.Broadcast()
}

// Position returns the cursor relative to the limit's begin offset.
func (r *Reader) Position() int64 {
	r.buf.mu.Lock()
	defer r.buf.mu.Unlock()
	return r.pos - r.limit.bof
}

// SetPosition moves the cursor to pos bytes past the limit's begin offset.
func (r *Reader) SetPosition(pos int64) error {
	r.buf.mu.Lock()
	defer r.buf.mu.Unlock()
	return r.seekLocked(r.limit.bof + pos)
}

// Remaining returns how many bytes can be read without blocking.
func (r *Reader) Remaining() int64 {
	r.buf.mu.Lock()
	defer r.buf.mu.Unlock()
	if r.closed {
		return 0
	}
	return max(r.limit.readableLocked()-r.pos, 0)
}

// EOF reports whether the cursor reached the end of stream.
func (r *Reader) EOF() bool {
	r.buf.mu.Lock()
	defer r.buf.mu.Unlock()
	return r.closed || r.pos >= r.limit.endLocked()
}

// Read copies available bytes into p. It returns io.EOF once the cursor
// reaches the end of stream.
func (r *Reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	r.buf.mu.Lock()
	defer r.buf.mu.Unlock()

	avail, err := r.waitLocked(1)
	if err != nil || avail == 0 {
		return 0, err
	}
	return r.copyLocked(p[:min(int64(len(p)), avail)]), nil
}

// Close releases the reader's segment reference and wakes a blocked Read.
func (r *Reader) Close() error {
	r.buf.mu.Lock()
	defer r.buf.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.seg.refs--
	r.seg = nil
	r.buf.reclaimLocked()
	r.buf.cond.Broadcast()
	return nil
}

// waitLocked waits until at least want bytes are readable and returns how
// many are. It returns 0 without error for a non-blocking reader with too
// little data, and io.EOF when fewer than want bytes remain before the end.
func (r *Reader) waitLocked(want int64) (int64, error) {
	for {
		if r.closed {
			return 0, ErrReaderClosed
		}
		end := r.limit.endLocked()
		if end-r.pos < want {
			return 0, io.EOF
		}
		if avail := r.limit.readableLocked() - r.pos; avail >= want {
			return avail, nil
		}
		if !r.blocking {
			return 0, nil
		}
		r.buf.cond.Wait()
	}
}

// copyLocked copies len(p) bytes, which the caller checked are readable.
func (r *Reader) copyLocked(p []byte) int {
	capacity := int64(r.buf.capacity)
	n := 0
	for n < len(p) {
		off := int(r.pos - r.seg.offset)
		c := copy(p[n:], r.seg.data[off:r.seg.written])
		n += c
		r.pos += int64(c)
		if r.pos-r.seg.offset == capacity {
			next := r.seg.next
			next.refs++
			r.seg.refs--
			r.seg = next
			r.buf.reclaimLocked()
		}
	}
	return n
}

func (r *Reader) seekLocked(pos int64) error {
	if r.closed {
		return ErrReaderClosed
	}
	if pos < r.limit.bof || pos > r.limit.eof {
		return fmt.Errorf("%w: %d outside limit", ErrInvalidPosition, pos)
	}
	seg, err := r.buf.segmentLocked(pos)
	if err != nil {
		return err
	}
	seg.refs++
	r.seg.refs--
	r.seg = seg
	r.pos = pos
	r.buf.reclaimLocked()
	r.buf.cond.Broadcast()
	return nil
}

// ChannelReader extracts a single channel from an interleaved stream.
// Positions are per-channel byte offsets.
type ChannelReader struct {
	*Reader
	channel int
	scratch []byte
}

// SampleReader is satisfied by both Reader and ChannelReader.
type SampleReader interface {
	io.ReadCloser
	Position() int64
	SetPosition(pos int64) error
	Remaining() int64
	EOF() bool
	SetBlocking(blocking bool)
}

// NewChannelReader returns a reader for one channel. A mono buffer yields a
// plain Reader.
func (b *Buffer) NewChannelReader(limit *Limit, channel int) (SampleReader, error) {
	if channel < 0 || channel >= b.channels {
		return nil, fmt.Errorf("channel %d out of range [0, %d)", channel, b.channels)
	}
	r, err := b.NewReader(limit)
	if err != nil {
		return nil, err
	}
	if b.channels == 1 {
		return r, nil
	}
	return &ChannelReader{Reader: r, channel: channel}, nil
}

// Position returns the per-channel cursor relative to the begin offset.
func (c *ChannelReader) Position() int64 {
	return c.Reader.Position() / int64(c.buf.channels)
}

// SetPosition moves the cursor to a per-channel byte offset.
func (c *ChannelReader) SetPosition(pos int64) error {
	return c.Reader.SetPosition(pos * int64(c.buf.channels))
}

// Remaining returns how many channel bytes can be read without blocking.
func (c *ChannelReader) Remaining() int64 {
	frame := int64(c.buf.FrameSize())
	return c.Reader.Remaining() / frame * int64(c.buf.sampleBytes)
}

// Read fills p with whole samples of the selected channel.
func (c *ChannelReader) Read(p []byte) (int, error) {
	sb := c.buf.sampleBytes
	frames := len(p) / sb
	if frames == 0 {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.ErrShortBuffer
	}
	frame := c.buf.FrameSize()

	c.buf.mu.Lock()
	defer c.buf.mu.Unlock()

	avail, err := c.waitLocked(int64(frame))
	if err != nil || avail == 0 {
		return 0, err
	}
	frames = min(frames, int(avail/int64(frame)))
	need := frames * frame
	if cap(c.scratch) < need {
		c.scratch = make([]byte, need)
	}
	raw := c.scratch[:need]
	c.copyLocked(raw)

	off := c.channel * sb
	for i := range frames {
		copy(p[i*sb:(i+1)*sb], raw[i*frame+off:i*frame+off+sb])
	}
	return frames * sb, nil
}
