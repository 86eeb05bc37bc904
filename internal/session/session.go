// Package session runs the talkback station: it opens the microphone on
// request, lets the endpoint detector cut utterances out of the capture,
// forwards them to the relay and plays the replies that come back.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oszuidwest/zwfm-talkback/internal/audio"
	"github.com/oszuidwest/zwfm-talkback/internal/config"
	"github.com/oszuidwest/zwfm-talkback/internal/cues"
	"github.com/oszuidwest/zwfm-talkback/internal/device"
	"github.com/oszuidwest/zwfm-talkback/internal/endpoint"
	"github.com/oszuidwest/zwfm-talkback/internal/eventlog"
	"github.com/oszuidwest/zwfm-talkback/internal/observe"
	"github.com/oszuidwest/zwfm-talkback/internal/relay"
	"github.com/oszuidwest/zwfm-talkback/internal/types"
	"github.com/oszuidwest/zwfm-talkback/internal/util"
)

// Sentinel errors for session operations.
var (
	ErrAlreadyListening = errors.New("already listening")
	ErrNotListening     = errors.New("not listening")
	ErrClosed           = errors.New("session closed")
	ErrNoCue            = errors.New("cue is silent")
)

// Deps are the collaborators of a Session. Relay, Cues, Events and Metrics
// are optional.
type Deps struct {
	Config   *config.Config
	Player   device.Player
	Recorder device.Recorder
	Relay    *relay.Client
	Cues     *cues.Set
	Events   *eventlog.Logger
	Metrics  *observe.Metrics
}

// Session owns the audio line and the detector.
// It is safe for concurrent use.
type Session struct {
	config   *config.Config
	player   device.Player
	recorder device.Recorder
	arbiter  *device.Arbiter
	detector *endpoint.Detector
	relay    *relay.Client
	cues     *cues.Set
	events   *eventlog.Logger
	metrics  *observe.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	closed        bool
	listening     bool
	speaking      bool
	useDetector   bool
	format        audio.Format
	channel       int
	speechStart   int64
	silenceCfg    audio.SilenceConfig
	silence       *audio.SilenceDetector
	peakHolder    *audio.PeakHolder
	levels        audio.Levels
	lastError     string
	startTime     time.Time
	utterances    int
	replies       int
	lastUtterance *types.UtteranceInfo
	uploads       sync.WaitGroup

	feed feed
}

// New creates a session. The detector starts from the configured
// parameters.
func New(d Deps) (*Session, error) {
	if d.Config == nil || d.Player == nil || d.Recorder == nil {
		return nil, errors.New("session requires config, player and recorder")
	}
	snap := d.Config.Snapshot()
	det, err := endpoint.New(snap.DetectorParams())
	if err != nil {
		return nil, err
	}

	s := &Session{
		config:      d.Config,
		player:      d.Player,
		recorder:    d.Recorder,
		arbiter:     device.New(d.Player, d.Recorder),
		detector:    det,
		relay:       d.Relay,
		cues:        d.Cues,
		events:      d.Events,
		metrics:     d.Metrics,
		useDetector: snap.UseDetector,
		format:      snap.Format,
		channel:     snap.Channel,
		silence:     audio.NewSilenceDetector(),
		peakHolder:  audio.NewPeakHolder(),
		levels:      audio.Levels{Peak: audio.MinDB, PeakHold: audio.MinDB},
		startTime:   time.Now(),
	}
	if s.cues == nil {
		s.cues = &cues.Set{}
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	det.AddListener(endpoint.ListenerFuncs{
		OnSpeechStart: s.onSpeechStart,
		OnSpeechEnd:   s.onSpeechEnd,
		OnNoSpeech:    s.onNoSpeech,
	})
	s.arbiter.AddListener(device.ListenerFuncs{
		OnPlayingStarted:   func() { s.onDevice(eventlog.PlayingStarted, device.ModePlay) },
		OnPlayingEnded:     func() { s.onDevice(eventlog.PlayingEnded, device.ModePlay) },
		OnListeningStarted: s.onListeningStarted,
		OnListeningEnded:   s.onListeningEnded,
	})
	return s, nil
}

// Run polls the relay for replies, keeps the relay connection checked and
// meters the input until ctx is done.
func (s *Session) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.meterLoop(ctx)
		return nil
	})
	if s.relay != nil && s.relay.CanPoll() {
		g.Go(func() error {
			return s.relay.PollLoop(ctx, s.playReply)
		})
	}
	if s.relay != nil && s.relay.CanPing() {
		interval := s.config.Snapshot().PingInterval
		g.Go(func() error {
			return s.relay.PingLoop(ctx, interval)
		})
	}
	return g.Wait()
}

// Listen plays the start cue, opens the microphone and starts cutting
// utterances. With useDetector false the whole capture is forwarded until
// StopListening. It returns once the capture line is open.
func (s *Session) Listen(useDetector bool) error {
	snap := s.config.Snapshot()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.listening {
		s.mu.Unlock()
		return ErrAlreadyListening
	}
	s.listening = true
	s.speaking = false
	s.useDetector = useDetector
	s.format = snap.Format
	s.channel = snap.Channel
	s.silenceCfg = snap.Silence
	s.silence = audio.NewSilenceDetector()
	s.mu.Unlock()

	if !s.cues.Start.Empty() {
		s.playCue(s.cues.Start)
	}

	stream, err := s.arbiter.Record(s.ctx, snap.Format)
	if err != nil {
		s.listenFailed(err)
		return err
	}
	if err := s.detector.Listen(stream, snap.Format, snap.Channel, useDetector); err != nil {
		_ = stream.Close()
		s.arbiter.Finish()
		s.listenFailed(err)
		return err
	}
	return nil
}

func (s *Session) listenFailed(err error) {
	s.mu.Lock()
	s.listening = false
	s.lastError = err.Error()
	s.mu.Unlock()

	slog.Error("failed to start listening", "error", err)
	s.logEvent(func(l *eventlog.Logger) error {
		return l.LogDevice(eventlog.DeviceError, device.ModeRecord.String(), s.config.AudioInput(), err.Error())
	})
	s.publish(eventlog.DeviceError, 0, map[string]any{"error": err.Error()})
}

// StopListening closes the microphone. The detector finishes at the end of
// the captured audio, so an utterance in progress is forwarded in full.
func (s *Session) StopListening() error {
	s.mu.Lock()
	listening := s.listening
	s.mu.Unlock()
	if !listening {
		return ErrNotListening
	}
	s.arbiter.Finish()
	return nil
}

// CancelListening drops the capture. An utterance in progress ends at what
// was already forwarded and no detector events fire.
func (s *Session) CancelListening() error {
	s.mu.Lock()
	listening := s.listening
	s.mu.Unlock()
	if !listening {
		return ErrNotListening
	}
	s.detector.Disable()
	s.arbiter.Abort()
	return nil
}

// AbortPlayback stops whatever the line is doing and drops queued clips.
func (s *Session) AbortPlayback() {
	s.arbiter.Abort()
}

// SetParameter updates a runtime detector parameter and persists it.
func (s *Session) SetParameter(name string, value float64) error {
	if err := s.config.SetDetectorParameter(name, value); err != nil {
		return err
	}
	return s.detector.SetParameter(name, value)
}

// Parameter returns a runtime detector parameter, or -1 for unknown names.
func (s *Session) Parameter(name string) float64 {
	return s.detector.Parameter(name)
}

// SetUseDetector selects endpointing or hold-to-talk for future sessions
// and persists the choice.
func (s *Session) SetUseDetector(enabled bool) error {
	if err := s.config.SetDetectorEnabled(enabled); err != nil {
		return err
	}
	s.mu.Lock()
	if !s.listening {
		s.useDetector = enabled
	}
	s.mu.Unlock()
	return nil
}

// deviceSelector is implemented by backends that can switch devices.
type deviceSelector interface {
	SetDevice(device string)
}

// SetDevices persists the input and output device and applies them to
// backends that support switching. Capture in progress keeps its device.
func (s *Session) SetDevices(input, output string) error {
	if err := s.config.SetAudioDevices(input, output); err != nil {
		return err
	}
	if ds, ok := s.recorder.(deviceSelector); ok {
		ds.SetDevice(input)
	}
	if ds, ok := s.player.(deviceSelector); ok {
		ds.SetDevice(output)
	}
	slog.Info("audio devices changed", "input", input, "output", output)
	return nil
}

// Status returns the current session status.
func (s *Session) Status() types.SessionStatus {
	mode := s.arbiter.Mode()
	detState := s.detector.State()
	connected := s.relay != nil && s.relay.Connected()

	s.mu.Lock()
	defer s.mu.Unlock()

	var last *types.UtteranceInfo
	if s.lastUtterance != nil {
		u := *s.lastUtterance
		last = &u
	}
	return types.SessionStatus{
		State:          s.stateLocked(mode),
		DeviceMode:     mode.String(),
		DetectorState:  detState.String(),
		UseDetector:    s.useDetector,
		RelayConnected: connected,
		Uptime:         util.FormatUptime(s.startTime),
		LastError:      s.lastError,
		Utterances:     s.utterances,
		Replies:        s.replies,
		LastUtterance:  last,
	}
}

// State returns what the session is doing.
func (s *Session) State() types.SessionState {
	mode := s.arbiter.Mode()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked(mode)
}

func (s *Session) stateLocked(mode device.Mode) types.SessionState {
	switch {
	case s.speaking:
		return types.StateSpeaking
	case s.listening:
		return types.StateListening
	case mode == device.ModePlay:
		return types.StatePlaying
	default:
		return types.StateIdle
	}
}

// Levels returns the latest input meter reading.
func (s *Session) Levels() audio.Levels {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.levels
}

// Format returns the capture format of the current or last session.
func (s *Session) Format() audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format
}

// Close stops all audio and waits for uploads in flight.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	_ = s.detector.Close()
	err := s.arbiter.Close()
	s.uploads.Wait()
	s.feed.close()
	return err
}

// --- Detector events ---

func (s *Session) onSpeechStart(offset int64) {
	// The reader must be created before this listener returns.
	s.mu.Lock()
	channel := s.channel
	s.mu.Unlock()
	reader, err := s.detector.CreateReader(channel)
	if err != nil {
		slog.Error("failed to open utterance reader", "error", err)
		return
	}

	s.mu.Lock()
	s.speaking = true
	s.speechStart = offset
	use := s.useDetector
	f := s.format.Mono()
	info := types.UtteranceInfo{StartSample: offset, At: time.Now().UTC().Format(time.RFC3339)}
	s.uploads.Add(1)
	s.mu.Unlock()

	slog.Info("speech started", "offset", offset, "detector", use)
	s.metrics.RecordSpeechStart(s.ctx, use)
	s.logEvent(func(l *eventlog.Logger) error {
		return l.LogSpeech(eventlog.SpeechStart, offset, 0, use)
	})
	s.publish(eventlog.SpeechStart, offset, nil)

	go s.forward(reader, f, info)
}

func (s *Session) onSpeechEnd(offset int64) {
	s.mu.Lock()
	start, use, f := s.speechStart, s.useDetector, s.format
	s.speaking = false
	s.mu.Unlock()

	length := f.Duration((offset - start) * int64(f.FrameSize()))
	slog.Info("speech ended", "offset", offset, "duration", length)
	s.metrics.RecordSpeechEnd(s.ctx, use, length)
	s.logEvent(func(l *eventlog.Logger) error {
		return l.LogSpeech(eventlog.SpeechEnd, offset, length.Milliseconds(), use)
	})
	s.publish(eventlog.SpeechEnd, offset, map[string]any{"duration_ms": length.Milliseconds()})

	// Finish blocks until the line is idle; detector listeners must not.
	go s.arbiter.Finish()
}

func (s *Session) onNoSpeech(offset int64) {
	slog.Info("no speech detected", "offset", offset)
	s.metrics.RecordNoSpeech(s.ctx)
	s.logEvent(func(l *eventlog.Logger) error {
		return l.LogSpeech(eventlog.NoSpeech, offset, 0, true)
	})
	s.publish(eventlog.NoSpeech, offset, nil)
	go s.arbiter.Finish()
}

// forward streams one utterance to the relay, or discards it when no record
// endpoint is configured, then plays the end cue.
func (s *Session) forward(r io.ReadCloser, f audio.Format, info types.UtteranceInfo) {
	defer s.uploads.Done()

	start := time.Now()
	var n int64
	var err error
	if s.relay != nil && s.relay.CanUpload() {
		n, err = s.relay.Upload(s.ctx, r, f)
		s.metrics.RecordUpload(s.ctx, n, time.Since(start), err)
	} else {
		n, err = io.Copy(io.Discard, r)
	}
	if cerr := r.Close(); cerr != nil {
		slog.Debug("failed to close utterance reader", "error", cerr)
	}

	info.Bytes = n
	info.DurationMs = f.Duration(n).Milliseconds()
	info.EndSample = info.StartSample + n/int64(f.FrameSize())
	info.UploadError = util.ErrorString(err)

	s.mu.Lock()
	s.utterances++
	s.lastUtterance = &info
	if err != nil {
		s.lastError = err.Error()
	}
	s.mu.Unlock()

	url := ""
	if s.relay != nil {
		url = s.relay.RecordURL()
	}
	if err != nil {
		slog.Error("failed to forward utterance", "bytes", n, "error", err)
		s.logEvent(func(l *eventlog.Logger) error {
			return l.LogRelay(eventlog.UploadFailed, url, 0, n, time.Since(start).Milliseconds(), err.Error(), 0)
		})
		s.publish(eventlog.UploadFailed, info.StartSample, map[string]any{"bytes": n, "error": err.Error()})
	} else {
		slog.Info("utterance forwarded", "bytes", n, "duration_ms", info.DurationMs)
		s.logEvent(func(l *eventlog.Logger) error {
			return l.LogRelay(eventlog.UploadCompleted, url, 0, n, time.Since(start).Milliseconds(), "", 0)
		})
		s.publish(eventlog.UploadCompleted, info.StartSample, map[string]any{"bytes": n, "duration_ms": info.DurationMs})
	}

	if s.ctx.Err() == nil && !s.cues.End.Empty() {
		s.playCue(s.cues.End)
	}
}

// --- Device events ---

func (s *Session) onListeningStarted() {
	s.metrics.ListeningChanged(s.ctx, true)
	s.mu.Lock()
	use := s.useDetector
	s.mu.Unlock()
	s.logEvent(func(l *eventlog.Logger) error {
		return l.LogSpeech(eventlog.ListeningStarted, 0, 0, use)
	})
	s.publish(eventlog.ListeningStarted, 0, nil)
}

func (s *Session) onListeningEnded() {
	s.metrics.ListeningChanged(s.ctx, false)
	pos := s.arbiter.FramePosition()
	s.mu.Lock()
	s.listening = false
	s.speaking = false
	use := s.useDetector
	s.mu.Unlock()
	s.logEvent(func(l *eventlog.Logger) error {
		return l.LogSpeech(eventlog.ListeningEnded, pos, 0, use)
	})
	s.publish(eventlog.ListeningEnded, pos, nil)
}

func (s *Session) onDevice(ev eventlog.EventType, mode device.Mode) {
	s.logEvent(func(l *eventlog.Logger) error {
		return l.LogDevice(ev, mode.String(), s.config.Snapshot().AudioOutput, "")
	})
	s.publish(ev, 0, nil)
}

// --- Playback ---

func (s *Session) playCue(c *cues.Cue) *device.Playback {
	s.metrics.RecordPlayback(s.ctx, "cue")
	return s.arbiter.Play(c.Reader(), c.Format, true, true)
}

// PlayCue plays the start or end cue on its own.
func (s *Session) PlayCue(start bool) error {
	c := s.cues.End
	if start {
		c = s.cues.Start
	}
	if c.Empty() {
		return ErrNoCue
	}
	s.playCue(c)
	return nil
}

// playReply queues a reply and waits for it so a streamed reply is not
// polled over.
func (s *Session) playReply(ctx context.Context, reply *relay.Reply) {
	s.mu.Lock()
	s.replies++
	s.mu.Unlock()

	s.metrics.RecordPlayback(ctx, "reply")
	s.logEvent(func(l *eventlog.Logger) error {
		return l.LogRelay(eventlog.ReplyReceived, s.relay.PlayURL(), 200, reply.Bytes, reply.Format.Duration(reply.Bytes).Milliseconds(), "", 0)
	})
	s.publish(eventlog.ReplyReceived, 0, map[string]any{"bytes": reply.Bytes})

	pb := s.arbiter.Play(reply.PCM, reply.Format, true, true)
	select {
	case <-pb.Done():
	case <-ctx.Done():
		return
	}
	if err := pb.Wait(); err != nil && !errors.Is(err, device.ErrAborted) {
		s.mu.Lock()
		s.lastError = err.Error()
		s.mu.Unlock()
		slog.Warn("failed to play reply", "error", err)
		s.logEvent(func(l *eventlog.Logger) error {
			return l.LogDevice(eventlog.DeviceError, device.ModePlay.String(), s.config.Snapshot().AudioOutput, err.Error())
		})
		s.publish(eventlog.DeviceError, 0, map[string]any{"error": err.Error()})
	}
}

// PlayClip queues arbitrary audio, for example an operator announcement.
func (s *Session) PlayClip(r io.Reader, f audio.Format) error {
	if err := f.Validate(); err != nil {
		return fmt.Errorf("%w: %w", device.ErrUnsupportedFormat, err)
	}
	s.metrics.RecordPlayback(s.ctx, "clip")
	s.arbiter.Play(r, f, true, true)
	return nil
}

// --- Metering ---

func (s *Session) meterLoop(ctx context.Context) {
	ticker := time.NewTicker(types.LevelsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.updateLevels(now)
		}
	}
}

// updateLevels folds the detector's peak into the VU reading and flags a
// dead microphone while listening.
func (s *Session) updateLevels(now time.Time) {
	db := audio.PeakDB(s.detector.ReadPeakLevel())

	s.mu.Lock()
	listening := s.listening
	cfg := s.silenceCfg
	detector := s.silence
	s.mu.Unlock()

	hold := s.peakHolder.Update(db, now)
	var ev audio.SilenceEvent
	if listening {
		ev = detector.Update(db, cfg, now)
	}

	s.mu.Lock()
	s.levels = audio.Levels{
		Peak:              db,
		PeakHold:          hold,
		Silence:           ev.InSilence,
		SilenceDurationMs: ev.DurationMs,
	}
	s.mu.Unlock()

	switch {
	case ev.JustEntered:
		slog.Warn("input silent", "level_db", db, "duration_ms", ev.DurationMs)
		s.logEvent(func(l *eventlog.Logger) error {
			return l.LogInputSilence(eventlog.InputSilent, db, ev.DurationMs)
		})
		s.publish(eventlog.InputSilent, 0, map[string]any{"level_db": db})
	case ev.JustRecovered:
		slog.Info("input recovered", "silence_ms", ev.TotalDurationMs)
		s.logEvent(func(l *eventlog.Logger) error {
			return l.LogInputSilence(eventlog.InputRecovered, db, ev.TotalDurationMs)
		})
		s.publish(eventlog.InputRecovered, 0, map[string]any{"duration_ms": ev.TotalDurationMs})
	}
}

func (s *Session) logEvent(fn func(*eventlog.Logger) error) {
	if s.events == nil {
		return
	}
	if err := fn(s.events); err != nil {
		slog.Warn("failed to write event log", "error", err)
	}
}
