package session

import (
	"sync"

	"github.com/oszuidwest/zwfm-talkback/internal/eventlog"
	"github.com/oszuidwest/zwfm-talkback/internal/types"
)

// subscriberBuffer is the number of events a slow subscriber may lag behind
// before events are dropped for it.
const subscriberBuffer = 32

// feed fans session events out to live subscribers.
type feed struct {
	mu     sync.Mutex
	subs   map[chan types.WSEvent]struct{}
	closed bool
}

func (f *feed) subscribe() (<-chan types.WSEvent, func()) {
	ch := make(chan types.WSEvent, subscriberBuffer)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		close(ch)
		return ch, func() {}
	}
	if f.subs == nil {
		f.subs = make(map[chan types.WSEvent]struct{})
	}
	f.subs[ch] = struct{}{}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if _, ok := f.subs[ch]; ok {
				delete(f.subs, ch)
				close(ch)
			}
		})
	}
}

func (f *feed) publish(ev types.WSEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (f *feed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for ch := range f.subs {
		close(ch)
	}
	f.subs = nil
}

// Subscribe returns a channel of session events and a function that ends
// the subscription. Events are dropped for subscribers that fall behind.
func (s *Session) Subscribe() (<-chan types.WSEvent, func()) {
	return s.feed.subscribe()
}

func (s *Session) publish(ev eventlog.EventType, offset int64, details map[string]any) {
	s.feed.publish(types.WSEvent{
		Type:    "event",
		Event:   string(ev),
		Offset:  offset,
		Details: details,
	})
}
