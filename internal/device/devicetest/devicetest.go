// Package devicetest provides in-memory audio lines for exercising the
// device arbiter and its callers without hardware.
package devicetest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"

	"github.com/oszuidwest/zwfm-talkback/internal/audio"
)

// ErrStopped is returned by Player.Write after Stop.
var ErrStopped = errors.New("player stopped")

// Player records everything written to it.
type Player struct {
	// OpenErr, when set, fails every Open.
	OpenErr error
	// Gate, when set, makes every Write wait until it is closed or Stop is called.
	Gate chan struct{}

	mu      sync.Mutex
	open    bool
	stop    chan struct{}
	formats []audio.Format
	data    bytes.Buffer
	closes  int
	stops   int
	writes  chan struct{}
}

// NewPlayer returns an idle player.
func NewPlayer() *Player {
	return &Player{writes: make(chan struct{}, 1)}
}

// Open implements device.Player.
func (p *Player) Open(f audio.Format) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.OpenErr != nil {
		return p.OpenErr
	}
	if p.open && len(p.formats) > 0 && p.formats[len(p.formats)-1] == f {
		return nil
	}
	p.open = true
	p.stop = make(chan struct{})
	p.formats = append(p.formats, f)
	return nil
}

// Write implements device.Player.
func (p *Player) Write(b []byte) (int, error) {
	p.mu.Lock()
	stop, gate := p.stop, p.Gate
	p.mu.Unlock()

	select {
	case p.writes <- struct{}{}:
	default:
	}
	if gate != nil {
		select {
		case <-gate:
		case <-stop:
			return 0, ErrStopped
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-stop:
		return 0, ErrStopped
	default:
	}
	return p.data.Write(b)
}

// CloseLine implements device.Player.
func (p *Player) CloseLine() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.open {
		p.open = false
		p.closes++
	}
	return nil
}

// Stop implements device.Player.
func (p *Player) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops++
	if p.stop != nil {
		select {
		case <-p.stop:
		default:
			close(p.stop)
		}
	}
}

// Writing signals after a Write begins.
func (p *Player) Writing() <-chan struct{} {
	return p.writes
}

// Bytes returns everything played so far.
func (p *Player) Bytes() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return bytes.Clone(p.data.Bytes())
}

// Formats returns the format of every line opened.
func (p *Player) Formats() []audio.Format {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]audio.Format(nil), p.formats...)
}

// Closes returns how many times an open line was closed.
func (p *Player) Closes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}

// Stops returns how many times Stop was called.
func (p *Player) Stops() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stops
}

// Recorder serves captured audio fed by the test.
type Recorder struct {
	// OpenErr, when set, fails every Open.
	OpenErr error

	mu     sync.Mutex
	w      *io.PipeWriter
	opens  int
	closes int
	opened chan struct{}
}

// NewRecorder returns an idle recorder.
func NewRecorder() *Recorder {
	return &Recorder{opened: make(chan struct{}, 1)}
}

// Open implements device.Recorder.
func (r *Recorder) Open(_ context.Context, _ audio.Format) (io.ReadCloser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.OpenErr != nil {
		return nil, r.OpenErr
	}
	pr, pw := io.Pipe()
	r.w = pw
	r.opens++
	select {
	case r.opened <- struct{}{}:
	default:
	}
	return pr, nil
}

// CloseLine implements device.Recorder.
func (r *Recorder) CloseLine() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return nil
	}
	r.closes++
	err := r.w.Close()
	r.w = nil
	return err
}

// Feed delivers captured bytes to the open line's reader. It blocks until
// they are read and fails once the line is closed.
func (r *Recorder) Feed(p []byte) error {
	r.mu.Lock()
	w := r.w
	r.mu.Unlock()
	if w == nil {
		return io.ErrClosedPipe
	}
	_, err := w.Write(p)
	return err
}

// Opened signals after a line is opened.
func (r *Recorder) Opened() <-chan struct{} {
	return r.opened
}

// Opens returns how many lines were opened.
func (r *Recorder) Opens() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opens
}

// Closes returns how many lines were closed.
func (r *Recorder) Closes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closes
}
