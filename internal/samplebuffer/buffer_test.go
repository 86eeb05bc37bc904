package samplebuffer

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pattern(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i*7 + i/251)
	}
	return p
}

func TestRoundTripAcrossSegments(t *testing.T) {
	tests := []struct {
		name     string
		channels int
		gran     int
		writes   []int
	}{
		{"mono single write", 1, 64, []int{1000}},
		{"mono uneven writes", 1, 64, []int{1, 63, 64, 65, 300, 7}},
		{"stereo small segments", 2, 16, []int{4, 12, 100, 2, 30}},
		{"six channels", 6, 100, []int{12, 240, 36, 600}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New(tt.channels, 2, tt.gran)
			r, err := b.Reader()
			require.NoError(t, err)

			total := 0
			for _, n := range tt.writes {
				total += n
			}
			data := pattern(total)
			off := 0
			for _, n := range tt.writes {
				written, err := b.Write(data[off : off+n])
				require.NoError(t, err)
				require.Equal(t, n, written)
				off += n
			}
			require.NoError(t, b.Close())

			got, err := io.ReadAll(r)
			require.NoError(t, err)
			assert.Equal(t, data, got)
			assert.Equal(t, int64(total), b.Position())
		})
	}
}

func TestSegmentCapacityIsFrameAligned(t *testing.T) {
	b := New(3, 2, 100)
	assert.Equal(t, 96, b.SegmentSize())
	assert.Equal(t, 6, b.FrameSize())

	b = New(2, 2, 1)
	assert.Equal(t, 4, b.SegmentSize())
}

// anchor keeps every written segment alive for the duration of the test.
func anchor(t *testing.T, b *Buffer) {
	t.Helper()
	r, err := b.Reader()
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
}

func TestReaderRespectsLimit(t *testing.T) {
	b := New(1, 1, 8)
	anchor(t, b)
	_, err := b.Write(pattern(40))
	require.NoError(t, err)

	first := b.CreateLimit(0)
	second := b.CreateLimit(10)
	r1, err := b.NewReader(first)
	require.NoError(t, err)
	r2, err := b.NewReader(second)
	require.NoError(t, err)
	r1.SetBlocking(false)
	r2.SetBlocking(false)

	require.NoError(t, first.SetLimit(5))
	require.NoError(t, second.SetLimit(30))

	buf := make([]byte, 64)
	n, err := r1.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, pattern(40)[:5], buf[:n])

	n, err = r1.Read(buf)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = r2.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, pattern(40)[10:30], buf[:n])
	assert.Equal(t, int64(20), r2.Position())
	assert.Equal(t, int64(5), r1.Position())
}

func TestLimitsAreMonotonic(t *testing.T) {
	b := New(1, 2, 0)
	l := b.CreateLimit(0)

	require.NoError(t, l.SetLimit(10))
	require.NoError(t, l.SetLimit(10))
	require.NoError(t, l.SetLimit(20))
	assert.ErrorIs(t, l.SetLimit(19), ErrInvalidPosition)

	assert.ErrorIs(t, l.SetEOF(15), ErrInvalidPosition)
	require.NoError(t, l.SetEOF(40))
	require.NoError(t, l.SetEOF(50))
	assert.ErrorIs(t, l.SetEOF(45), ErrInvalidPosition)
	assert.ErrorIs(t, l.SetLimit(60), ErrInvalidPosition)
	require.NoError(t, l.SetLimit(50))
	assert.Equal(t, int64(50), l.Limit())
	assert.Equal(t, int64(50), l.EOF())
}

func TestReaderEOFAtLimitEnd(t *testing.T) {
	b := New(1, 1, 16)
	anchor(t, b)
	_, err := b.Write(pattern(50))
	require.NoError(t, err)

	l := b.CreateLimit(4)
	r, err := b.NewReader(l)
	require.NoError(t, err)
	require.NoError(t, l.SetLimit(20))
	require.NoError(t, l.SetEOF(20))

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, pattern(50)[4:20], got)
	assert.True(t, r.EOF())
}

func TestBlockingReadWakesOnWrite(t *testing.T) {
	b := New(1, 1, 8)
	r, err := b.Reader()
	require.NoError(t, err)

	done := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 4)
		n, _ := r.Read(buf)
		done <- buf[:n]
	}()

	select {
	case <-done:
		t.Fatal("read returned before data was written")
	case <-time.After(20 * time.Millisecond):
	}

	_, err = b.Write([]byte{1, 2, 3})
	require.NoError(t, err)

	select {
	case got := <-done:
		assert.Equal(t, []byte{1, 2, 3}, got)
	case <-time.After(time.Second):
		t.Fatal("blocked read was not woken")
	}
}

func TestCloseDrainsThenEOF(t *testing.T) {
	b := New(1, 1, 8)
	r, err := b.Reader()
	require.NoError(t, err)
	_, err = b.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, b.Close())

	buf := make([]byte, 16)
	n, err := r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	_, err = r.Read(buf)
	assert.ErrorIs(t, err, io.EOF)

	_, err = b.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestReaderCloseUnblocksRead(t *testing.T) {
	b := New(1, 1, 8)
	r, err := b.Reader()
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := r.Read(make([]byte, 4))
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, r.Close())

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrReaderClosed)
	case <-time.After(time.Second):
		t.Fatal("read did not return after close")
	}
}

func TestSegmentReclamation(t *testing.T) {
	b := New(1, 1, 10)
	lagging, err := b.Reader()
	require.NoError(t, err)

	_, err = b.Write(pattern(100))
	require.NoError(t, err)
	assert.Equal(t, 11, b.Segments())

	ahead, err := b.NewReader(b.UnboundedLimit(55))
	require.NoError(t, err)

	require.NoError(t, lagging.Close())
	assert.Equal(t, 6, b.Segments(), "segments before the remaining reader are released")

	_, err = b.NewReader(b.CreateLimit(20))
	assert.ErrorIs(t, err, ErrInvalidPosition)

	_, err = b.Write(pattern(200))
	require.NoError(t, err)
	require.NoError(t, b.Close())

	got, err := io.ReadAll(ahead)
	require.NoError(t, err)
	want := append(pattern(100)[55:], pattern(200)...)
	assert.Equal(t, want, got)
}

func TestNoReadersKeepsOneSegment(t *testing.T) {
	b := New(1, 1, 16)
	for range 50 {
		_, err := b.Write(pattern(16))
		require.NoError(t, err)
	}
	assert.Equal(t, 1, b.Segments())
}

func TestLockPositionRetainsSegment(t *testing.T) {
	b := New(1, 1, 10)
	_, err := b.Write(pattern(5))
	require.NoError(t, err)

	require.NoError(t, b.LockPosition(3))
	_, err = b.Write(pattern(50))
	require.NoError(t, err)
	assert.Equal(t, 6, b.Segments())

	r, err := b.NewReader(b.CreateLimit(3))
	require.NoError(t, err)
	require.NoError(t, b.MoveLockPosition(3, 42))
	require.NoError(t, r.Close())
	assert.Equal(t, 2, b.Segments())

	require.NoError(t, b.UnlockPosition(42))
	assert.Equal(t, 1, b.Segments())
	assert.ErrorIs(t, b.UnlockPosition(42), ErrNotLocked)

	assert.ErrorIs(t, b.LockPosition(3), ErrInvalidPosition)
	assert.ErrorIs(t, b.LockPosition(1000), ErrInvalidPosition)
	assert.NoError(t, b.LockPosition(Unbounded))
}

func TestMoveLockAtOrAfterSkipsReclaimed(t *testing.T) {
	b := New(1, 1, 10)
	_, err := b.Write(pattern(5))
	require.NoError(t, err)
	require.NoError(t, b.LockPosition(3))
	_, err = b.Write(pattern(50))
	require.NoError(t, err)

	pos, err := b.MoveLockAtOrAfter(3, 27)
	require.NoError(t, err)
	assert.Equal(t, int64(27), pos)
	assert.Equal(t, 4, b.Segments())

	pos, err = b.MoveLockAtOrAfter(27, 12)
	require.NoError(t, err)
	assert.Equal(t, int64(20), pos, "reclaimed offsets lock the oldest retained position")
	assert.Equal(t, 4, b.Segments())

	pos, err = b.MoveLockAtOrAfter(20, 1000)
	assert.ErrorIs(t, err, ErrInvalidPosition)
	assert.Equal(t, int64(20), pos)
	assert.Equal(t, 4, b.Segments())

	require.NoError(t, b.UnlockPosition(20))
	assert.Equal(t, 1, b.Segments())
}

func TestSetPosition(t *testing.T) {
	b := New(1, 1, 8)
	anchor(t, b)
	data := pattern(30)
	_, err := b.Write(data)
	require.NoError(t, err)

	l := b.CreateLimit(2)
	require.NoError(t, l.SetLimit(30))
	r, err := b.NewReader(l)
	require.NoError(t, err)

	require.NoError(t, r.SetPosition(10))
	buf := make([]byte, 4)
	_, err = io.ReadFull(r, buf)
	require.NoError(t, err)
	assert.Equal(t, data[12:16], buf)
	assert.Equal(t, int64(14), r.Position())
	assert.Equal(t, int64(14), r.Remaining())

	assert.ErrorIs(t, r.SetPosition(-1), ErrInvalidPosition)
}

type chunkSource struct {
	chunks [][]byte
	err    error
}

func (s *chunkSource) Read(p []byte) (int, error) {
	if len(s.chunks) == 0 {
		if s.err != nil {
			return 0, s.err
		}
		return 0, io.EOF
	}
	n := copy(p, s.chunks[0])
	s.chunks[0] = s.chunks[0][n:]
	if len(s.chunks[0]) == 0 {
		s.chunks = s.chunks[1:]
	}
	return n, nil
}

func TestWriteFromChainsSources(t *testing.T) {
	b := New(2, 2, 16)
	r, err := b.Reader()
	require.NoError(t, err)

	var want bytes.Buffer
	for _, chunks := range [][][]byte{
		{pattern(10), pattern(40)},
		{pattern(3)},
	} {
		src := &chunkSource{chunks: chunks}
		for _, c := range chunks {
			want.Write(c)
		}
		for {
			_, err := b.WriteFrom(src)
			if errors.Is(err, io.EOF) {
				break
			}
			require.NoError(t, err)
		}
		assert.False(t, b.Closed(), "end of a source does not close the buffer")
	}

	failing := &chunkSource{err: errors.New("boom")}
	_, err = b.WriteFrom(failing)
	assert.ErrorIs(t, err, ErrSourceRead)

	require.NoError(t, b.Close())
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, want.Bytes(), got)
}

func TestChannelReader(t *testing.T) {
	b := New(2, 2, 12)
	anchor(t, b)

	// Frames: left = 0x0100+i, right = 0x0200+i (little endian).
	var data []byte
	for i := range 20 {
		data = append(data, byte(i), 0x01, byte(i), 0x02)
	}
	_, err := b.Write(data)
	require.NoError(t, err)
	require.NoError(t, b.Close())

	newLimit := func() *Limit {
		l := b.CreateLimit(0)
		require.NoError(t, l.SetLimit(int64(len(data))))
		return l
	}

	left, err := b.NewChannelReader(newLimit(), 0)
	require.NoError(t, err)
	right, err := b.NewChannelReader(newLimit(), 1)
	require.NoError(t, err)

	gotLeft, err := io.ReadAll(left)
	require.NoError(t, err)
	gotRight, err := io.ReadAll(right)
	require.NoError(t, err)

	require.Len(t, gotLeft, 40)
	require.Len(t, gotRight, 40)
	for i := range 20 {
		assert.Equal(t, []byte{byte(i), 0x01}, gotLeft[2*i:2*i+2])
		assert.Equal(t, []byte{byte(i), 0x02}, gotRight[2*i:2*i+2])
	}
	assert.Equal(t, int64(40), left.Position())
	assert.True(t, left.EOF())

	probe, err := b.NewChannelReader(newLimit(), 1)
	require.NoError(t, err)
	require.NoError(t, probe.SetPosition(10))
	assert.Equal(t, int64(30), probe.Remaining())

	buf := make([]byte, 3)
	n, err := probe.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []byte{5, 0x02}, buf[:n])
	assert.Equal(t, int64(12), probe.Position())

	_, err = probe.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.ErrShortBuffer)

	_, err = b.NewChannelReader(newLimit(), 2)
	assert.Error(t, err)
}

func TestMonoChannelReaderIsPlain(t *testing.T) {
	b := New(1, 2, 0)
	r, err := b.NewChannelReader(b.CreateLimit(0), 0)
	require.NoError(t, err)
	_, ok := r.(*Reader)
	assert.True(t, ok)
}
