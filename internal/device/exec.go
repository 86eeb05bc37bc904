package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/oszuidwest/zwfm-talkback/internal/audio"
	"github.com/oszuidwest/zwfm-talkback/internal/types"
	"github.com/oszuidwest/zwfm-talkback/internal/util"
)

// linePadding is the silence written before an output line is closed so the
// tail of the last clip is not cut off by the device.
const linePadding = 300 * time.Millisecond

// startupGrace is how long a freshly started capture process must survive
// before its line counts as open.
const startupGrace = 150 * time.Millisecond

// lineProcess is a running playback or capture command.
type lineProcess struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stderr *bytes.Buffer
	exited chan struct{}
	err    error
}

func startLine(ctx context.Context, name string, args []string, setup func(*exec.Cmd) error) (*lineProcess, error) {
	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Cancel = func() error {
		return util.GracefulSignal(cmd.Process)
	}
	cmd.WaitDelay = types.ShutdownTimeout

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := setup(cmd); err != nil {
		cancel()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, util.WrapError("start "+name, err)
	}

	p := &lineProcess{cmd: cmd, cancel: cancel, stderr: &stderr, exited: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.exited)
	}()
	return p, nil
}

// stop signals the process and waits for it to exit.
func (p *lineProcess) stop() error {
	p.cancel()
	<-p.exited
	return p.exitError()
}

// wait waits for a natural exit.
func (p *lineProcess) wait() error {
	<-p.exited
	p.cancel()
	return p.exitError()
}

func (p *lineProcess) exitError() error {
	if p.err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(p.err, &exitErr) && !exitErr.Exited() {
		// Killed by our own signal.
		return nil
	}
	if msg := util.ExtractLastError(p.stderr.String()); msg != "" {
		return fmt.Errorf("%w: %s", p.err, msg)
	}
	return p.err
}

// ExecPlayer plays through the platform's playback command. One process
// serves consecutive clips of the same format.
type ExecPlayer struct {
	device     string
	ffmpegPath string

	mu     sync.Mutex
	proc   *lineProcess
	stdin  io.WriteCloser
	format audio.Format
}

// NewExecPlayer returns a player for device. An empty device selects the
// system default.
func NewExecPlayer(device, ffmpegPath string) *ExecPlayer {
	return &ExecPlayer{device: device, ffmpegPath: ffmpegPath}
}

// Open implements Player.
func (p *ExecPlayer) Open(f audio.Format) error {
	p.mu.Lock()
	if p.proc != nil && p.format == f {
		p.mu.Unlock()
		return nil
	}
	device := p.device
	p.mu.Unlock()
	if err := p.CloseLine(); err != nil {
		slog.Warn("failed to close playback line", "error", err)
	}

	name, args, err := audio.BuildPlaybackCommand(device, p.ffmpegPath, f)
	if err != nil {
		return err
	}
	var stdin io.WriteCloser
	proc, err := startLine(context.Background(), name, args, func(cmd *exec.Cmd) error {
		var err error
		stdin, err = cmd.StdinPipe()
		return err
	})
	if err != nil {
		return err
	}
	slog.Info("playback line opened", "command", name, "device", device, "rate", f.SampleRate, "channels", f.Channels)

	p.mu.Lock()
	p.proc, p.stdin, p.format = proc, stdin, f
	p.mu.Unlock()
	return nil
}

// Write implements Player.
func (p *ExecPlayer) Write(b []byte) (int, error) {
	p.mu.Lock()
	stdin, proc := p.stdin, p.proc
	p.mu.Unlock()
	if stdin == nil {
		return 0, ErrLineUnavailable
	}
	n, err := stdin.Write(b)
	if err != nil {
		select {
		case <-proc.exited:
			return n, fmt.Errorf("%w: %w", ErrLineUnavailable, proc.exitError())
		default:
		}
		return n, fmt.Errorf("%w: %w", ErrLineUnavailable, err)
	}
	return n, nil
}

// CloseLine implements Player.
func (p *ExecPlayer) CloseLine() error {
	p.mu.Lock()
	proc, stdin, f := p.proc, p.stdin, p.format
	p.proc, p.stdin = nil, nil
	p.mu.Unlock()
	if proc == nil {
		return nil
	}

	select {
	case <-proc.exited:
	default:
		pad := make([]byte, f.BytesPerSecond()*int(linePadding/time.Millisecond)/1000)
		pad = pad[:len(pad)/f.FrameSize()*f.FrameSize()]
		if _, err := stdin.Write(pad); err != nil {
			slog.Debug("failed to pad playback line", "error", err)
		}
	}
	if err := stdin.Close(); err != nil {
		slog.Debug("failed to close playback stdin", "error", err)
	}
	return proc.wait()
}

// Stop implements Player.
func (p *ExecPlayer) Stop() {
	p.mu.Lock()
	proc := p.proc
	p.mu.Unlock()
	if proc != nil {
		proc.cancel()
	}
}

// SetDevice selects the output device. An open line is closed so the next
// clip starts on the new device.
func (p *ExecPlayer) SetDevice(device string) {
	p.mu.Lock()
	changed := p.device != device
	p.device = device
	p.mu.Unlock()
	if changed {
		if err := p.CloseLine(); err != nil {
			slog.Warn("failed to close playback line", "error", err)
		}
	}
}

// ExecRecorder captures through the platform's capture command.
type ExecRecorder struct {
	device     string
	ffmpegPath string

	mu   sync.Mutex
	proc *lineProcess
}

// NewExecRecorder returns a recorder for device. An empty device selects the
// first detected input.
func NewExecRecorder(device, ffmpegPath string) *ExecRecorder {
	return &ExecRecorder{device: device, ffmpegPath: ffmpegPath}
}

// Open implements Recorder. A command that exits straight away is reported
// with the last line it wrote to stderr.
func (r *ExecRecorder) Open(ctx context.Context, f audio.Format) (io.ReadCloser, error) {
	if err := r.CloseLine(); err != nil {
		slog.Warn("failed to close capture line", "error", err)
	}

	r.mu.Lock()
	device := r.device
	r.mu.Unlock()
	name, args, err := audio.BuildCaptureCommand(device, r.ffmpegPath, f)
	if err != nil {
		return nil, err
	}
	// A plain pipe lets readers drain everything the process wrote before
	// seeing EOF, independent of when Wait returns.
	stdout, pw, err := os.Pipe()
	if err != nil {
		return nil, util.WrapError("create capture pipe", err)
	}
	proc, err := startLine(ctx, name, args, func(cmd *exec.Cmd) error {
		cmd.Stdout = pw
		return nil
	})
	if closeErr := pw.Close(); closeErr != nil {
		slog.Debug("failed to close capture pipe writer", "error", closeErr)
	}
	if err != nil {
		_ = stdout.Close()
		return nil, err
	}

	select {
	case <-proc.exited:
		_ = stdout.Close()
		err := proc.exitError()
		if err == nil {
			err = errors.New("capture exited immediately")
		}
		return nil, err
	case <-time.After(startupGrace):
	}
	slog.Info("capture line opened", "command", name, "device", device, "rate", f.SampleRate, "channels", f.Channels)

	r.mu.Lock()
	r.proc = proc
	r.mu.Unlock()
	return stdout, nil
}

// CloseLine implements Recorder.
func (r *ExecRecorder) CloseLine() error {
	r.mu.Lock()
	proc := r.proc
	r.proc = nil
	r.mu.Unlock()
	if proc == nil {
		return nil
	}
	return proc.stop()
}

// SetDevice selects the input device for the next capture.
func (r *ExecRecorder) SetDevice(device string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.device = device
}
