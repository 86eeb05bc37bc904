package device

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/oszuidwest/zwfm-talkback/internal/audio"
)

type taskKind int

const (
	taskPlay taskKind = iota + 1
	taskRecord
)

func (k taskKind) String() string {
	switch k {
	case taskPlay:
		return "play"
	case taskRecord:
		return "record"
	default:
		return "idle"
	}
}

// task is one queued unit of line work. Exactly one is active at a time.
type task struct {
	kind   taskKind
	format audio.Format

	// play
	src       io.Reader
	markStart bool
	isLast    bool

	// record
	ctx     context.Context
	ready   chan struct{}
	stream  io.ReadCloser
	openErr error

	finishing  chan struct{}
	finishOnce sync.Once
	aborted    atomic.Bool

	done chan struct{}
	err  error
}

func newTask(kind taskKind) *task {
	return &task{
		kind:      kind,
		ready:     make(chan struct{}),
		finishing: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// finish asks the task to wind down.
func (t *task) finish() {
	t.finishOnce.Do(func() { close(t.finishing) })
}

func (t *task) complete(err error) {
	t.err = err
	close(t.done)
}

// discard completes a task that never ran.
func (t *task) discard() {
	t.aborted.Store(true)
	if t.kind == taskRecord {
		t.openErr = ErrAborted
		close(t.ready)
	}
	if c, ok := t.src.(io.Closer); ok {
		_ = c.Close()
	}
	t.complete(ErrAborted)
}

// Playback tracks a queued play request.
type Playback struct {
	t *task
}

// Done is closed when playback completed, failed or was aborted.
func (p *Playback) Done() <-chan struct{} {
	return p.t.done
}

// Wait blocks until playback ends and returns its error.
func (p *Playback) Wait() error {
	<-p.t.done
	return p.t.err
}
