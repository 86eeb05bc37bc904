package endpoint

import "log/slog"

// Listener receives detector events. Offsets are sample indices from the
// start of the listening session. Callbacks run on the detector goroutine,
// or on the caller's goroutine for Listen and Enable, without the detector
// lock held.
type Listener interface {
	SpeechStart(offset int64)
	SpeechEnd(offset int64)
	NoSpeech(offset int64)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	OnSpeechStart func(offset int64)
	OnSpeechEnd   func(offset int64)
	OnNoSpeech    func(offset int64)
}

// SpeechStart implements Listener.
func (f ListenerFuncs) SpeechStart(offset int64) {
	if f.OnSpeechStart != nil {
		f.OnSpeechStart(offset)
	}
}

// SpeechEnd implements Listener.
func (f ListenerFuncs) SpeechEnd(offset int64) {
	if f.OnSpeechEnd != nil {
		f.OnSpeechEnd(offset)
	}
}

// NoSpeech implements Listener.
func (f ListenerFuncs) NoSpeech(offset int64) {
	if f.OnNoSpeech != nil {
		f.OnNoSpeech(offset)
	}
}

type eventKind int

const (
	eventSpeechStart eventKind = iota
	eventSpeechEnd
	eventNoSpeech
)

func (k eventKind) String() string {
	switch k {
	case eventSpeechStart:
		return "speech_start"
	case eventSpeechEnd:
		return "speech_end"
	default:
		return "no_speech"
	}
}

// event is queued under the detector lock and delivered after it is released.
// after runs once every listener has seen the event.
type event struct {
	kind   eventKind
	offset int64
	after  func()
}

func (d *Detector) fire(evs []event) {
	if len(evs) == 0 {
		return
	}
	d.mu.Lock()
	listeners := append([]Listener(nil), d.listeners...)
	d.mu.Unlock()

	for _, ev := range evs {
		slog.Debug("detector event", "event", ev.kind, "offset", ev.offset)
		for _, l := range listeners {
			switch ev.kind {
			case eventSpeechStart:
				l.SpeechStart(ev.offset)
			case eventSpeechEnd:
				l.SpeechEnd(ev.offset)
			case eventNoSpeech:
				l.NoSpeech(ev.offset)
			}
		}
		if ev.after != nil {
			ev.after()
		}
	}
}
