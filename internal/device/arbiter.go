// Package device serializes playback and capture on a single half-duplex
// audio line. Requests are queued as tasks and run one at a time by a
// dedicated worker, which closes the open line before switching direction.
package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/oszuidwest/zwfm-talkback/internal/audio"
)

var (
	// ErrLineUnavailable is returned when the line cannot be opened.
	ErrLineUnavailable = errors.New("audio line unavailable")
	// ErrUnsupportedFormat is returned for formats the line cannot carry.
	ErrUnsupportedFormat = errors.New("unsupported line format")
	// ErrAborted is reported by tasks discarded or stopped by Abort.
	ErrAborted = errors.New("task aborted")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("arbiter closed")
)

// Mode is the direction the line is currently open in.
type Mode int32

// Line modes.
const (
	ModeIdle Mode = iota
	ModePlay
	ModeRecord
)

func (m Mode) String() string {
	switch m {
	case ModePlay:
		return "playing"
	case ModeRecord:
		return "recording"
	default:
		return "idle"
	}
}

// Player writes PCM to the output line.
type Player interface {
	// Open readies the line for f. An open line in the same format is kept.
	Open(f audio.Format) error
	Write(p []byte) (int, error)
	// CloseLine pads the line with silence, drains it and closes it.
	CloseLine() error
	// Stop cuts playback short. It may be called while Write blocks.
	Stop()
}

// Recorder captures PCM from the input line.
type Recorder interface {
	Open(ctx context.Context, f audio.Format) (io.ReadCloser, error)
	// CloseLine stops capture; the stream returned by Open then ends.
	CloseLine() error
}

// Listener is notified of line activity. Callbacks run on the worker.
type Listener interface {
	PlayingStarted()
	PlayingEnded()
	ListeningStarted()
	ListeningEnded()
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	OnPlayingStarted   func()
	OnPlayingEnded     func()
	OnListeningStarted func()
	OnListeningEnded   func()
}

func call(f func()) {
	if f != nil {
		f()
	}
}

// PlayingStarted implements Listener.
func (f ListenerFuncs) PlayingStarted() { call(f.OnPlayingStarted) }

// PlayingEnded implements Listener.
func (f ListenerFuncs) PlayingEnded() { call(f.OnPlayingEnded) }

// ListeningStarted implements Listener.
func (f ListenerFuncs) ListeningStarted() { call(f.OnListeningStarted) }

// ListeningEnded implements Listener.
func (f ListenerFuncs) ListeningEnded() { call(f.OnListeningEnded) }

// playChunkFrames is how many frames a play task moves per write.
const playChunkFrames = 512

// Arbiter owns one audio line.
type Arbiter struct {
	player   Player
	recorder Recorder

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []*task
	active    *task
	listeners []Listener
	closed    bool

	mode      atomic.Int32
	bytes     atomic.Int64
	frameSize atomic.Int64
	playing   atomic.Bool

	done chan struct{}
}

// New starts an arbiter driving player and recorder.
func New(player Player, recorder Recorder) *Arbiter {
	a := &Arbiter{
		player:   player,
		recorder: recorder,
		done:     make(chan struct{}),
	}
	a.cond = sync.NewCond(&a.mu)
	a.frameSize.Store(1)
	go a.run()
	return a
}

// AddListener registers l for line events.
func (a *Arbiter) AddListener(l Listener) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listeners = append(a.listeners, l)
}

// Mode returns the direction the line is open in.
func (a *Arbiter) Mode() Mode {
	return Mode(a.mode.Load())
}

// Busy reports whether a task is running or queued.
func (a *Arbiter) Busy() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active != nil || len(a.queue) > 0
}

// Pending returns the number of queued tasks behind the active one.
func (a *Arbiter) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

// FramePosition returns the frames moved since the active task's start
// marker.
func (a *Arbiter) FramePosition() int64 {
	return a.bytes.Load() / a.frameSize.Load()
}

// Play queues r for playback in format f. With markStart the frame position
// resets and PlayingStarted fires; with isLast the line is closed after r
// ends and PlayingEnded fires. r is closed when it implements io.Closer.
func (a *Arbiter) Play(r io.Reader, f audio.Format, markStart, isLast bool) *Playback {
	t := newTask(taskPlay)
	t.src, t.format, t.markStart, t.isLast = r, f, markStart, isLast
	if err := f.Validate(); err != nil {
		t.complete(fmt.Errorf("%w: %w", ErrUnsupportedFormat, err))
		return &Playback{t: t}
	}
	if err := a.enqueue(t); err != nil {
		t.complete(err)
	}
	return &Playback{t: t}
}

// Record queues a capture task and blocks until the line is open. The
// returned stream ends when the task is finished or aborted.
func (a *Arbiter) Record(ctx context.Context, f audio.Format) (io.ReadCloser, error) {
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedFormat, err)
	}
	t := newTask(taskRecord)
	t.format = f
	t.ctx = ctx
	if err := a.enqueue(t); err != nil {
		return nil, err
	}

	select {
	case <-t.ready:
		if t.openErr != nil {
			return nil, t.openErr
		}
		return t.stream, nil
	case <-ctx.Done():
		a.cancel(t)
		return nil, ctx.Err()
	}
}

// Finish lets the active task wind down and waits until every queued task
// has completed and the line is idle. A playing task runs to the end of its
// stream; a recording task closes its line.
func (a *Arbiter) Finish() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for {
		if a.active == nil && len(a.queue) == 0 {
			return
		}
		if t := a.active; t != nil {
			t.finish()
			for a.active == t {
				a.cond.Wait()
			}
			continue
		}
		a.cond.Wait()
	}
}

// Abort discards queued tasks and stops the active one immediately. It
// returns once the active task has completed.
func (a *Arbiter) Abort() {
	a.mu.Lock()
	dropped := a.queue
	a.queue = nil
	t := a.active
	a.cond.Broadcast()
	a.mu.Unlock()

	for _, q := range dropped {
		q.discard()
	}
	if t == nil {
		return
	}

	t.aborted.Store(true)
	t.finish()
	if t.kind == taskPlay {
		a.player.Stop()
		if c, ok := t.src.(io.Closer); ok {
			_ = c.Close()
		}
	}
	<-t.done
	slog.Info("device task aborted", "task", t.kind, "discarded", len(dropped))
}

// Close aborts all work and stops the worker.
func (a *Arbiter) Close() error {
	a.Abort()
	a.mu.Lock()
	a.closed = true
	a.cond.Broadcast()
	a.mu.Unlock()
	<-a.done
	return nil
}

func (a *Arbiter) enqueue(t *task) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	a.queue = append(a.queue, t)
	a.cond.Broadcast()
	return nil
}

// cancel withdraws t when its caller gave up before the line opened.
func (a *Arbiter) cancel(t *task) {
	a.mu.Lock()
	for i, q := range a.queue {
		if q == t {
			a.queue = append(a.queue[:i], a.queue[i+1:]...)
			a.mu.Unlock()
			t.discard()
			return
		}
	}
	a.mu.Unlock()
	t.finish()
	<-t.ready
	if t.stream != nil {
		_ = t.stream.Close()
	}
}

func (a *Arbiter) snapshotListeners() []Listener {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Listener(nil), a.listeners...)
}

func (a *Arbiter) notify(fn func(Listener)) {
	for _, l := range a.snapshotListeners() {
		fn(l)
	}
}

// run is the worker loop. Only the worker opens and closes lines.
func (a *Arbiter) run() {
	defer close(a.done)
	for {
		a.mu.Lock()
		if len(a.queue) == 0 && !a.closed {
			// Idle: release the line before waiting for work.
			a.mu.Unlock()
			a.setMode(ModeIdle)
			a.mu.Lock()
			for len(a.queue) == 0 && !a.closed {
				a.cond.Wait()
			}
		}
		if a.closed && len(a.queue) == 0 {
			a.mu.Unlock()
			a.setMode(ModeIdle)
			return
		}
		t := a.queue[0]
		a.queue = a.queue[1:]
		a.active = t
		a.cond.Broadcast()
		a.mu.Unlock()

		err := a.runTask(t)

		a.mu.Lock()
		idle := len(a.queue) == 0
		a.mu.Unlock()
		if idle {
			a.setMode(ModeIdle)
		}

		a.mu.Lock()
		a.active = nil
		t.complete(err)
		a.cond.Broadcast()
		a.mu.Unlock()
	}
}

func (a *Arbiter) runTask(t *task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("device task panic", "task", t.kind, "panic", r)
			err = fmt.Errorf("device task panic: %v", r)
		}
	}()
	switch t.kind {
	case taskPlay:
		return a.runPlay(t)
	case taskRecord:
		return a.runRecord(t)
	default:
		return fmt.Errorf("unknown task kind %d", t.kind)
	}
}

// setMode closes the line open in the other direction.
func (a *Arbiter) setMode(m Mode) {
	old := Mode(a.mode.Load())
	if old == m {
		return
	}
	var err error
	switch old {
	case ModePlay:
		err = a.player.CloseLine()
	case ModeRecord:
		err = a.recorder.CloseLine()
	}
	if err != nil {
		slog.Warn("failed to close audio line", "mode", old, "error", err)
	}
	a.mode.Store(int32(m))
}

func (a *Arbiter) runPlay(t *task) error {
	if closer, ok := t.src.(io.Closer); ok {
		defer closer.Close()
	}
	a.setMode(ModePlay)
	if t.isLast {
		defer a.endPlaying()
	}

	if err := a.player.Open(t.format); err != nil {
		a.mode.Store(int32(ModeIdle))
		return fmt.Errorf("%w: %w", ErrLineUnavailable, err)
	}
	frame := t.format.FrameSize()
	a.frameSize.Store(int64(frame))
	if t.markStart {
		a.bytes.Store(0)
		a.playing.Store(true)
		a.notify(Listener.PlayingStarted)
	}

	buf := make([]byte, playChunkFrames*frame)
	var playErr error
	for !t.aborted.Load() {
		n, err := io.ReadFull(t.src, buf)
		if n > 0 {
			if _, werr := a.player.Write(buf[:n]); werr != nil {
				playErr = werr
				break
			}
			a.bytes.Add(int64(n))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				playErr = fmt.Errorf("read playback stream: %w", err)
			}
			break
		}
	}

	if t.aborted.Load() {
		a.setMode(ModeIdle)
		return ErrAborted
	}
	if t.isLast {
		a.setMode(ModeIdle)
	}
	return playErr
}

// endPlaying fires PlayingEnded once for the sequence that fired PlayingStarted.
func (a *Arbiter) endPlaying() {
	if a.playing.CompareAndSwap(true, false) {
		a.notify(Listener.PlayingEnded)
	}
}

func (a *Arbiter) runRecord(t *task) error {
	a.setMode(ModeRecord)

	stream, err := a.recorder.Open(t.ctx, t.format)
	if err != nil {
		a.mode.Store(int32(ModeIdle))
		t.openErr = fmt.Errorf("%w: %w", ErrLineUnavailable, err)
		close(t.ready)
		return t.openErr
	}
	a.frameSize.Store(int64(t.format.FrameSize()))
	a.bytes.Store(0)
	t.stream = &countingReader{ReadCloser: stream, bytes: &a.bytes}
	close(t.ready)

	a.notify(Listener.ListeningStarted)
	<-t.finishing
	a.setMode(ModeIdle)
	a.notify(Listener.ListeningEnded)

	if t.aborted.Load() {
		return ErrAborted
	}
	return nil
}

// countingReader advances the arbiter's frame position as captured audio is read.
type countingReader struct {
	io.ReadCloser
	bytes *atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.ReadCloser.Read(p)
	c.bytes.Add(int64(n))
	return n, err
}
