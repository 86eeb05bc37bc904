// Package endpoint detects the start and end of an utterance in a live PCM
// stream and exposes exactly the padded utterance to downstream readers.
//
// A Detector pumps its source into a samplebuffer.Buffer on a goroutine of its
// own, classifies overlapping analysis windows with an autocorrelation
// voicing test, and advances a samplebuffer.Limit as segments are confirmed.
// Listeners receive speech start, speech end and no-speech events carrying
// sample offsets.
package endpoint

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/oszuidwest/zwfm-talkback/internal/audio"
	"github.com/oszuidwest/zwfm-talkback/internal/samplebuffer"
)

var (
	// ErrUnsupportedFormat is returned by Listen for formats that cannot be analyzed.
	ErrUnsupportedFormat = errors.New("unsupported detector format")
	// ErrNotListening is returned when no source is attached.
	ErrNotListening = errors.New("detector is not listening")
	// ErrNoUtterance is returned when creating a reader before speech started.
	ErrNoUtterance = errors.New("no utterance in progress")
	// ErrUnknownParameter is returned by SetParameter for unsupported names.
	ErrUnknownParameter = errors.New("unknown detector parameter")
)

// State is the detector's lifecycle state.
type State int

// Detector states.
const (
	Idle State = iota
	Init
	Speech
	AwaitEnable
	Disabled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Init:
		return "init"
	case Speech:
		return "speech"
	case AwaitEnable:
		return "await_enable"
	case Disabled:
		return "disabled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Detector is an online speech endpoint detector.
// It is safe for concurrent use.
type Detector struct {
	mu        sync.Mutex
	params    Params
	listeners []Listener
	state     State
	gen       uint64
	running   bool
	closed    bool

	src     io.ReadCloser
	format  audio.Format
	channel int
	buf     *samplebuffer.Buffer
	reader  samplebuffer.SampleReader
	meter   samplebuffer.SampleReader
	limit   *samplebuffer.Limit

	t  timing
	an *analyzer

	// Analysis window, refilled by one frame per step.
	pcm         []byte
	filled      int
	samples     []float64
	frameOffset int64
	samplesRead int64

	// Segmentation state, in samples.
	uttStart        int64
	uttEnd          int64
	transitionStart int64
	segmentStart    int64
	inSpeech        bool
	inTransition    bool
	limitMax        int64
	// Where a re-enabled utterance begins: the start of the last confirmed
	// silence, never more than startPadding behind the window.
	nextUttStart int64

	drainTo       int64
	pendingEnd    int64
	pendingEnable *bool

	meterBuf []byte
	peak     atomic.Int32
}

// New creates an idle detector.
func New(params Params) (*Detector, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid detector parameters: %w", err)
	}
	return &Detector{params: params, uttStart: samplebuffer.Unbounded}, nil
}

// AddListener registers l for detector events.
func (d *Detector) AddListener(l Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, l)
}

// State returns the current state.
func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Format returns the format of the attached source.
func (d *Detector) Format() audio.Format {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.format
}

// Listen attaches src and starts analyzing channel. With useDetector false
// the whole stream is exposed immediately and speechStart(0) fires before
// Listen returns. A previously attached source is released first.
func (d *Detector) Listen(src io.ReadCloser, format audio.Format, channel int, useDetector bool) error {
	if err := format.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnsupportedFormat, err)
	}
	if channel < 0 || channel >= format.Channels {
		return fmt.Errorf("%w: channel %d of %d", ErrUnsupportedFormat, channel, format.Channels)
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrNotListening
	}
	d.releaseLocked()

	buf := samplebuffer.New(format.Channels, format.SampleBytes, d.params.Granularity)
	reader, err := buf.NewChannelReader(buf.UnboundedLimit(0), channel)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	meter, err := buf.NewChannelReader(buf.UnboundedLimit(0), channel)
	if err != nil {
		_ = reader.Close()
		d.mu.Unlock()
		return err
	}
	reader.SetBlocking(false)
	meter.SetBlocking(false)

	d.src = src
	d.format = format
	d.channel = channel
	d.buf = buf
	d.reader = reader
	d.meter = meter
	d.limit = nil
	d.t = newTiming(&d.params, format.SampleRate)
	d.an = newAnalyzer(&d.params, format.SampleRate, int(d.t.window))
	d.pcm = make([]byte, int(d.t.window)*format.SampleBytes)
	d.samples = make([]float64, d.t.window)
	d.meterBuf = make([]byte, 256*format.SampleBytes)
	d.filled = 0
	d.frameOffset = 0
	d.samplesRead = 0
	d.uttStart = samplebuffer.Unbounded
	d.nextUttStart = 0
	d.peak.Store(0)
	d.logIfErr("lock window start", buf.LockPosition(0))
	d.logIfErr("lock next utterance start", buf.LockPosition(0))

	evs := d.enableLocked(useDetector)
	d.startLocked()
	d.mu.Unlock()

	slog.Info("detector listening",
		"rate", format.SampleRate, "channels", format.Channels,
		"channel", channel, "detector", useDetector)
	d.fire(evs)
	return nil
}

// Enable restarts endpointing on the attached source from the start of the
// last confirmed silence. While an utterance
// is being finalized the request is queued and applied once the detector is
// idle. Events it produces follow the speechEnd event.
func (d *Detector) Enable(useDetector bool) error {
	d.mu.Lock()
	if d.src == nil || d.buf == nil {
		d.mu.Unlock()
		return ErrNotListening
	}
	if d.state == AwaitEnable {
		d.pendingEnable = &useDetector
		d.mu.Unlock()
		return nil
	}
	evs := d.enableLocked(useDetector)
	d.startLocked()
	d.mu.Unlock()
	d.fire(evs)
	return nil
}

// Disable stops detection, releases the source and ends every reader of the
// current utterance at what has been exposed so far. No events fire.
func (d *Detector) Disable() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.releaseLocked()
}

// Close disables the detector for good.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.releaseLocked()
	d.closed = true
	return nil
}

// ReadPeakLevel returns the largest absolute sample seen since the previous
// call, normalized to [0, 1], and resets it.
func (d *Detector) ReadPeakLevel() float64 {
	return float64(d.peak.Swap(0)) / audio.MaxSampleValue
}

// CreateReader returns a blocking reader for one channel of the current
// utterance. For a speechStart event it must be called from the listener.
func (d *Detector) CreateReader(channel int) (samplebuffer.SampleReader, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.buf == nil {
		return nil, ErrNotListening
	}
	if d.limit == nil {
		return nil, ErrNoUtterance
	}
	return d.buf.NewChannelReader(d.limit, channel)
}

// CreateReaderAll returns a blocking reader for all channels of the current
// utterance, interleaved.
func (d *Detector) CreateReaderAll() (*samplebuffer.Reader, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.buf == nil {
		return nil, ErrNotListening
	}
	if d.limit == nil {
		return nil, ErrNoUtterance
	}
	return d.buf.NewReader(d.limit)
}

// SetParameter updates a runtime-tunable parameter.
func (d *Detector) SetParameter(name string, value float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch name {
	case ParamEnergyRange:
		d.params.EnergyRange = value
	case ParamVoicingThreshold:
		d.params.VoicingThreshold = value
	default:
		return fmt.Errorf("%w: %q", ErrUnknownParameter, name)
	}
	return nil
}

// Parameter returns a runtime-tunable parameter, or -1 for unknown names.
func (d *Detector) Parameter(name string) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch name {
	case ParamEnergyRange:
		return d.params.EnergyRange
	case ParamVoicingThreshold:
		return d.params.VoicingThreshold
	default:
		return -1
	}
}

// ParameterNames lists the runtime-tunable parameters.
func (d *Detector) ParameterNames() []string {
	return ParameterNames()
}

// Params returns a copy of the current parameters.
func (d *Detector) Params() Params {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.params
}

// SetParams replaces all parameters. Timing changes apply from the next Listen.
func (d *Detector) SetParams(p Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.params = p
	return nil
}

func (d *Detector) bytesFor(sample int64) int64 {
	if sample == samplebuffer.Unbounded {
		return sample
	}
	return sample * int64(d.format.FrameSize())
}

// startLocked launches the processing goroutine unless one is running.
func (d *Detector) startLocked() {
	if d.running || d.state == Idle {
		return
	}
	d.running = true
	d.gen++
	go d.run(d.gen, d.src, d.buf)
}

// releaseLocked abandons any utterance and detaches the source.
func (d *Detector) releaseLocked() {
	if d.buf == nil {
		return
	}
	d.abandonLocked()
	d.gen++
	d.running = false
	d.state = Idle
	d.pendingEnable = nil
	if d.src != nil {
		if err := d.src.Close(); err != nil {
			slog.Debug("failed to close detector source", "error", err)
		}
		d.src = nil
	}
	_ = d.reader.Close()
	_ = d.meter.Close()
	_ = d.buf.Close()
	d.buf = nil
	d.limit = nil
}

// abandonLocked ends the current utterance without events.
func (d *Detector) abandonLocked() {
	switch d.state {
	case Init:
		d.unlockStartLocked()
	case Speech, Disabled, AwaitEnable:
		if d.limit != nil {
			d.logIfErr("end abandoned utterance", d.limit.SetEOF(d.limit.Limit()))
		}
	}
}

func (d *Detector) unlockStartLocked() {
	if d.uttStart == samplebuffer.Unbounded {
		return
	}
	d.logIfErr("unlock utterance start", d.buf.UnlockPosition(d.bytesFor(d.uttStart)))
	d.uttStart = samplebuffer.Unbounded
}

// enableLocked resets segmentation at the start of the last silence and
// enters Init or Disabled.
func (d *Detector) enableLocked(useDetector bool) []event {
	d.abandonLocked()
	start := d.nextUttStart
	d.uttEnd = samplebuffer.Unbounded
	d.pendingEnable = nil

	if useDetector {
		d.an.reset()
		d.state = Init
		d.limit = nil
		d.uttStart = start
		d.logIfErr("lock utterance start", d.buf.LockPosition(d.bytesFor(start)))
		d.segmentStart = start
		d.inSpeech = true
		d.inTransition = false
		d.limitMax = start
		return nil
	}

	d.state = Disabled
	bof := d.bytesFor(start)
	d.limit = d.buf.CreateLimit(bof)
	d.limitMax = start
	d.exposeAllLocked()
	// Keep the start alive until listeners have created their readers.
	d.logIfErr("lock utterance start", d.buf.LockPosition(bof))
	return []event{{
		kind:   eventSpeechStart,
		offset: start,
		after:  d.unlockAfter(bof),
	}}
}

func (d *Detector) unlockAfter(offset int64) func() {
	buf := d.buf
	return func() {
		if err := buf.UnlockPosition(offset); err != nil {
			slog.Debug("failed to unlock utterance start", "error", err)
		}
	}
}

// exposeAllLocked raises a Disabled utterance's limit to every whole frame written.
func (d *Detector) exposeAllLocked() {
	frame := int64(d.format.FrameSize())
	end := d.buf.Position() / frame
	if end > d.limitMax {
		d.limitMax = end
		d.logIfErr("expose audio", d.limit.SetLimit(d.bytesFor(end)))
	}
}

// run pumps src into buf and processes windows until the detector goes idle
// or a newer generation takes over.
func (d *Detector) run(gen uint64, src io.Reader, buf *samplebuffer.Buffer) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("detector panic", "panic", r)
		}
	}()

	for {
		_, err := buf.WriteFrom(src)

		d.mu.Lock()
		if d.gen != gen {
			d.mu.Unlock()
			return
		}

		eof := false
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			eof = true
			_ = buf.Close()
			if d.src != nil {
				_ = d.src.Close()
				d.src = nil
			}
		default:
			slog.Warn("audio source failed, abandoning utterance", "state", d.state, "error", err)
			d.abandonLocked()
			d.state = Idle
			d.running = false
			d.pendingEnable = nil
			_ = buf.Close()
			if d.src != nil {
				_ = d.src.Close()
				d.src = nil
			}
			d.mu.Unlock()
			return
		}

		d.meterLocked()
		evs := d.processLocked(eof)
		stop := d.state == Idle
		if stop {
			d.running = false
		}
		d.mu.Unlock()

		d.fire(evs)
		if stop {
			return
		}
	}
}

// meterLocked folds everything new on the channel into the peak level.
func (d *Detector) meterLocked() {
	sb := d.format.SampleBytes
	peak := d.peak.Load()
	for {
		n, err := d.meter.Read(d.meterBuf)
		if n == 0 || err != nil {
			break
		}
		for i := 0; i+sb <= n; i += sb {
			var v int32
			if sb == 1 {
				v = (int32(d.meterBuf[i]) - 128) << 8
			} else {
				v = int32(audio.Sample16(d.meterBuf[i:], d.format.BigEndian))
			}
			peak = max(peak, v, -v)
		}
	}
	// A concurrent ReadPeakLevel reset wins over this update.
	for {
		old := d.peak.Load()
		if peak <= old || d.peak.CompareAndSwap(old, peak) {
			return
		}
	}
}

// processLocked runs every analysis step the buffered audio allows.
func (d *Detector) processLocked(eof bool) []event {
	var evs []event
	for {
		switch d.state {
		case Disabled:
			for d.fillWindowLocked() {
				d.advanceWindowLocked()
			}
			d.exposeAllLocked()
			if eof {
				evs = append(evs, d.finishDisabledLocked()...)
			}
			return evs
		case AwaitEnable:
			return append(evs, d.finishDrainLocked(eof)...)
		case Init, Speech:
			if d.fillWindowLocked() {
				evs = append(evs, d.stepLocked(false)...)
				d.advanceWindowLocked()
				continue
			}
			if !eof {
				return evs
			}
			d.uttEnd = d.samplesRead
			evs = append(evs, d.stepLocked(true)...)
		default:
			return evs
		}
	}
}

// fillWindowLocked reads toward a full analysis window and reports whether
// one is ready.
func (d *Detector) fillWindowLocked() bool {
	for d.filled < len(d.pcm) {
		n, err := d.reader.Read(d.pcm[d.filled:])
		d.filled += n
		d.samplesRead = d.frameOffset + int64(d.filled/d.format.SampleBytes)
		if n == 0 || err != nil {
			break
		}
	}
	return d.filled == len(d.pcm)
}

// advanceWindowLocked slides the window forward by one frame.
func (d *Detector) advanceWindowLocked() {
	hop := int(d.t.frame) * d.format.SampleBytes
	copy(d.pcm, d.pcm[hop:d.filled])
	d.filled -= hop
	old := d.frameOffset
	d.frameOffset += d.t.frame
	d.logIfErr("move window lock", d.buf.MoveLockPosition(d.bytesFor(old), d.bytesFor(d.frameOffset)))
	if floor := d.frameOffset - d.t.startPadding; floor > d.nextUttStart {
		d.moveNextStartLocked(floor)
	}
}

// moveNextStartLocked moves the next utterance start to sample, or to the
// oldest retained frame after it.
func (d *Detector) moveNextStartLocked(sample int64) {
	frame := int64(d.format.FrameSize())
	pos, err := d.buf.MoveLockAtOrAfter(d.bytesFor(d.nextUttStart), d.bytesFor(sample))
	d.logIfErr("move next utterance start", err)
	d.nextUttStart = pos / frame
}

// stepLocked classifies the current window, applies hysteresis and advances
// the state machine. At end of input no window is analyzed.
func (d *Detector) stepLocked(eof bool) []event {
	f := d.frameOffset

	var transition bool
	var lastDuration int64
	speech := false
	if !eof {
		n := audio.Decode(d.samples, d.pcm, d.format)
		res := d.an.analyze(d.samples[:n], d.params.VoicingThreshold, d.params.EnergyRange)
		speech = res.Speech

		if d.inSpeech != speech {
			if !d.inTransition {
				d.transitionStart = f
				d.inTransition = true
			}
			pending := f - d.transitionStart
			if (speech && pending > d.t.voice) || (!speech && pending > d.t.silence) {
				transition = true
				lastDuration = d.transitionStart - d.segmentStart
				d.segmentStart = d.transitionStart
				d.inTransition = false
				d.inSpeech = speech
				if !speech {
					d.moveNextStartLocked(d.transitionStart)
				}
			}
		} else {
			d.inTransition = false
		}
	}

	// Last sample known to belong to the current segment.
	segmentEnd := f
	if d.inTransition {
		segmentEnd = d.transitionStart
	}
	duration := segmentEnd - d.segmentStart

	switch d.state {
	case Init:
		if eof {
			d.unlockStartLocked()
			d.state = Idle
			return []event{{kind: eventNoSpeech, offset: d.uttEnd}}
		}
		sample := max(f-d.t.startPadding, d.uttStart)
		if speech && transition && lastDuration > d.t.preSpeech {
			start := d.uttStart
			bof := d.bytesFor(start)
			d.state = Speech
			d.limit = d.buf.CreateLimit(bof)
			d.limitMax = sample
			d.logIfErr("expose utterance", d.limit.SetLimit(d.bytesFor(sample)))
			d.uttStart = samplebuffer.Unbounded
			return []event{{kind: eventSpeechStart, offset: start, after: d.unlockAfter(bof)}}
		}
		if sample != d.uttStart {
			d.logIfErr("move utterance start", d.buf.MoveLockPosition(d.bytesFor(d.uttStart), d.bytesFor(sample)))
			d.uttStart = sample
		}

	case Speech:
		if eof || (!d.inSpeech && !transition && !d.inTransition && duration > d.t.postSpeech) {
			end := min(f+d.t.window+d.t.endPadding, d.uttEnd)
			d.limitMax = max(d.limitMax, end)
			d.logIfErr("end utterance", d.limit.SetEOF(d.bytesFor(d.limitMax)))
			d.logIfErr("expose utterance", d.limit.SetLimit(d.bytesFor(d.limitMax)))
			d.state = AwaitEnable
			d.drainTo = d.bytesFor(d.limitMax)
			d.pendingEnd = end
			return d.finishDrainLocked(eof)
		}
		d.limitMax = max(d.limitMax, segmentEnd-d.t.postSpeech, d.segmentStart)
		d.logIfErr("expose utterance", d.limit.SetLimit(d.bytesFor(d.limitMax)))
	}
	return nil
}

// finishDrainLocked completes an utterance once its padding has been
// captured or the source ended.
func (d *Detector) finishDrainLocked(eof bool) []event {
	if !eof && d.buf.Position() < d.drainTo {
		return nil
	}
	end := d.pendingEnd
	if d.buf.Closed() {
		end = min(end, d.buf.Position()/int64(d.format.FrameSize()))
	}
	d.state = Idle

	evs := []event{{kind: eventSpeechEnd, offset: end}}
	if d.pendingEnable != nil && d.src != nil {
		use := *d.pendingEnable
		evs = append(evs, d.enableLocked(use)...)
	}
	d.pendingEnable = nil
	return evs
}

// finishDisabledLocked ends a hold-to-talk utterance at end of input.
func (d *Detector) finishDisabledLocked() []event {
	end := d.buf.Position() / int64(d.format.FrameSize())
	d.logIfErr("end utterance", d.limit.SetEOF(d.bytesFor(d.limitMax)))
	d.state = Idle
	return []event{{kind: eventSpeechEnd, offset: end}}
}

func (d *Detector) logIfErr(op string, err error) {
	if err != nil {
		slog.Error("detector buffer operation failed", "operation", op, "error", err)
	}
}
