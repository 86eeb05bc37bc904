package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oszuidwest/zwfm-talkback/internal/audio"
	"github.com/oszuidwest/zwfm-talkback/internal/config"
	"github.com/oszuidwest/zwfm-talkback/internal/device/devicetest"
	"github.com/oszuidwest/zwfm-talkback/internal/endpoint"
	"github.com/oszuidwest/zwfm-talkback/internal/eventlog"
	"github.com/oszuidwest/zwfm-talkback/internal/relay"
	"github.com/oszuidwest/zwfm-talkback/internal/types"
)

type fixture struct {
	session  *Session
	config   *config.Config
	player   *devicetest.Player
	recorder *devicetest.Recorder
}

func newFixture(t *testing.T, rc *relay.Client) *fixture {
	t.Helper()
	cfg := config.New(filepath.Join(t.TempDir(), "config.json"))
	player := devicetest.NewPlayer()
	recorder := devicetest.NewRecorder()
	s, err := New(Deps{Config: cfg, Player: player, Recorder: recorder, Relay: rc})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return &fixture{session: s, config: cfg, player: player, recorder: recorder}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 10*time.Millisecond, msg)
}

func TestNewRequiresDevices(t *testing.T) {
	_, err := New(Deps{Config: config.New(filepath.Join(t.TempDir(), "config.json"))})
	assert.Error(t, err)
}

func TestHoldToTalkWithoutRelay(t *testing.T) {
	f := newFixture(t, nil)
	s := f.session

	require.NoError(t, s.Listen(false))
	assert.ErrorIs(t, s.Listen(false), ErrAlreadyListening)

	data := bytes.Repeat([]byte{0x10, 0x02}, 1600)
	require.NoError(t, f.recorder.Feed(data))
	require.NoError(t, s.StopListening())

	waitFor(t, func() bool { return s.Status().Utterances == 1 }, "utterance was not forwarded")
	waitFor(t, func() bool { return s.State() == types.StateIdle }, "session did not go idle")

	st := s.Status()
	require.NotNil(t, st.LastUtterance)
	assert.Equal(t, int64(len(data)), st.LastUtterance.Bytes)
	assert.Equal(t, int64(100), st.LastUtterance.DurationMs)
	assert.Equal(t, int64(0), st.LastUtterance.StartSample)
	assert.Equal(t, int64(1600), st.LastUtterance.EndSample)
	assert.Empty(t, st.LastUtterance.UploadError)
	assert.False(t, st.RelayConnected)
	assert.False(t, st.UseDetector)

	assert.ErrorIs(t, s.StopListening(), ErrNotListening)
}

func TestHoldToTalkUploadsToRelay(t *testing.T) {
	var (
		mu   sync.Mutex
		body []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		body = b
		mu.Unlock()
	}))
	defer srv.Close()

	f := newFixture(t, relay.New(relay.Options{RecordURL: srv.URL}))
	s := f.session
	events, unsubscribe := s.Subscribe()
	defer unsubscribe()

	require.NoError(t, s.Listen(false))
	data := bytes.Repeat([]byte{0x20, 0x01, 0xe0, 0xfe}, 800)
	require.NoError(t, f.recorder.Feed(data[:1600]))
	require.NoError(t, f.recorder.Feed(data[1600:]))
	require.NoError(t, s.StopListening())

	seen := map[string]bool{}
	timeout := time.After(5 * time.Second)
	for !seen[string(eventlog.UploadCompleted)] {
		select {
		case ev := <-events:
			assert.Equal(t, "event", ev.Type)
			seen[ev.Event] = true
		case <-timeout:
			t.Fatalf("upload not reported, saw %v", seen)
		}
	}
	assert.True(t, seen[string(eventlog.SpeechStart)])
	assert.True(t, seen[string(eventlog.SpeechEnd)])

	mu.Lock()
	assert.Equal(t, data, body)
	mu.Unlock()

	st := s.Status()
	assert.Equal(t, 1, st.Utterances)
	assert.True(t, st.RelayConnected)
	assert.Equal(t, int64(len(data)), st.LastUtterance.Bytes)
}

func TestUploadFailureIsRecorded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := newFixture(t, relay.New(relay.Options{RecordURL: srv.URL}))
	s := f.session

	require.NoError(t, s.Listen(false))
	require.NoError(t, f.recorder.Feed(make([]byte, 640)))
	require.NoError(t, s.StopListening())

	waitFor(t, func() bool { return s.Status().Utterances == 1 }, "utterance was not attempted")
	st := s.Status()
	assert.NotEmpty(t, st.LastUtterance.UploadError)
	assert.NotEmpty(t, st.LastError)
}

func TestCancelListening(t *testing.T) {
	f := newFixture(t, nil)
	s := f.session
	assert.ErrorIs(t, s.CancelListening(), ErrNotListening)

	require.NoError(t, s.Listen(false))
	require.NoError(t, f.recorder.Feed(make([]byte, 320)))
	require.NoError(t, s.CancelListening())

	waitFor(t, func() bool { return s.State() == types.StateIdle }, "session did not go idle")
	waitFor(t, func() bool { return s.Status().Utterances == 1 }, "reader did not end")
	assert.LessOrEqual(t, s.Status().LastUtterance.Bytes, int64(320))
	assert.Equal(t, endpoint.Idle.String(), s.Status().DetectorState)

	// The line is free for the next session.
	require.NoError(t, s.Listen(false))
	require.NoError(t, s.StopListening())
}

func TestListenOpenFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.recorder.OpenErr = errors.New("no microphone")
	s := f.session

	require.Error(t, s.Listen(true))
	st := s.Status()
	assert.Equal(t, types.StateIdle, st.State)
	assert.Contains(t, st.LastError, "no microphone")
	assert.Equal(t, 0, f.recorder.Opens())
}

func TestListenAfterClose(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.session.Close())
	assert.ErrorIs(t, f.session.Listen(true), ErrClosed)
	require.NoError(t, f.session.Close())
}

func TestRunPlaysReplies(t *testing.T) {
	format := audio.PCM16(16000, 1)
	pcm := audio.Tone(format, 440, 40*time.Millisecond, 0.3)
	path := filepath.Join(t.TempDir(), "reply.wav")
	out, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, audio.EncodeWAV(out, format, pcm))
	require.NoError(t, out.Close())
	wav, err := os.ReadFile(path)
	require.NoError(t, err)

	var served atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if served.CompareAndSwap(false, true) {
			w.Header().Set("Content-Type", "audio/wav")
			_, _ = w.Write(wav)
			return
		}
		select {
		case <-r.Context().Done():
		case <-time.After(50 * time.Millisecond):
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	f := newFixture(t, relay.New(relay.Options{PlayURL: srv.URL}))
	s := f.session

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitFor(t, func() bool { return bytes.Equal(f.player.Bytes(), pcm) }, "reply was not played")
	waitFor(t, func() bool { return s.Status().Replies == 1 }, "reply was not counted")
	assert.Equal(t, []audio.Format{format}, f.player.Formats())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}
}

func TestSetParameterPersists(t *testing.T) {
	f := newFixture(t, nil)
	s := f.session

	require.NoError(t, s.SetParameter(endpoint.ParamVoicingThreshold, 0.55))
	assert.InDelta(t, 0.55, s.Parameter(endpoint.ParamVoicingThreshold), 1e-9)
	assert.InDelta(t, 0.55, f.config.Snapshot().Detector.VoicingThreshold, 1e-9)

	assert.ErrorIs(t, s.SetParameter("gain", 1), endpoint.ErrUnknownParameter)

	require.NoError(t, s.SetUseDetector(false))
	assert.False(t, s.Status().UseDetector)
	assert.False(t, f.config.Snapshot().UseDetector)
}

func TestUpdateLevelsFlagsSilence(t *testing.T) {
	f := newFixture(t, nil)
	s := f.session
	events, unsubscribe := s.Subscribe()
	defer unsubscribe()

	s.mu.Lock()
	s.listening = true
	s.silenceCfg = audio.SilenceConfig{Threshold: -40, DurationMs: 100, RecoveryMs: 100}
	s.mu.Unlock()

	now := time.Now()
	s.updateLevels(now)
	s.updateLevels(now.Add(200 * time.Millisecond))

	lv := s.Levels()
	assert.Equal(t, audio.MinDB, lv.Peak)
	assert.True(t, lv.Silence)

	select {
	case ev := <-events:
		assert.Equal(t, string(eventlog.InputSilent), ev.Event)
	case <-time.After(time.Second):
		t.Fatal("silence was not published")
	}
}

func TestSubscribeAfterClose(t *testing.T) {
	f := newFixture(t, nil)
	events, unsubscribe := f.session.Subscribe()
	require.NoError(t, f.session.Close())
	_, ok := <-events
	assert.False(t, ok)
	unsubscribe()

	late, _ := f.session.Subscribe()
	_, ok = <-late
	assert.False(t, ok)
}
