package relay

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oszuidwest/zwfm-talkback/internal/audio"
)

func wavBytes(t *testing.T, f audio.Format, pcm []byte) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "reply.wav")
	out, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, audio.EncodeWAV(out, f, pcm))
	require.NoError(t, out.Close())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

func TestUploadStreamsChunkedPCM(t *testing.T) {
	var (
		gotBody        []byte
		gotType        string
		gotEncoding    []string
		gotContentSize int64
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		gotType = r.Header.Get("Content-Type")
		gotEncoding = r.TransferEncoding
		gotContentSize = r.ContentLength
		gotBody, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	c := New(Options{RecordURL: srv.URL})
	pcm := bytes.Repeat([]byte{1, 2}, 5000)
	n, err := c.Upload(context.Background(), io.MultiReader(bytes.NewReader(pcm[:4000]), bytes.NewReader(pcm[4000:])), audio.PCM16(16000, 1))
	require.NoError(t, err)

	assert.Equal(t, int64(len(pcm)), n)
	assert.Equal(t, pcm, gotBody)
	assert.Equal(t, "AUDIO/L16; CHANNELS=1; RATE=16000; BIG=false", gotType)
	assert.Equal(t, []string{"chunked"}, gotEncoding)
	assert.Equal(t, int64(-1), gotContentSize)
	assert.True(t, c.Connected())
}

func TestUploadRejectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := New(Options{RecordURL: srv.URL}).Upload(context.Background(), bytes.NewReader([]byte{0, 0}), audio.PCM16(16000, 1))
	assert.ErrorIs(t, err, ErrUnexpectedStatus)
}

func TestUploadNotConfigured(t *testing.T) {
	_, err := New(Options{}).Upload(context.Background(), bytes.NewReader(nil), audio.PCM16(16000, 1))
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestPollDecodesWAV(t *testing.T) {
	f := audio.PCM16(22050, 1)
	pcm := audio.Tone(f, 300, 50*time.Millisecond, 0.3)
	body := wavBytes(t, f, pcm)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	reply, err := New(Options{PlayURL: srv.URL}).Poll(context.Background())
	require.NoError(t, err)
	defer reply.PCM.Close() //nolint:errcheck // Test cleanup

	assert.Equal(t, f, reply.Format)
	assert.Equal(t, int64(len(pcm)), reply.Bytes)
	got, err := io.ReadAll(reply.PCM)
	require.NoError(t, err)
	assert.Equal(t, pcm, got)
}

func TestPollRawPCM(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "AUDIO/L16; CHANNELS=2; RATE=8000; BIG=true")
		_, _ = w.Write([]byte{1, 2, 3, 4})
	}))
	defer srv.Close()

	reply, err := New(Options{PlayURL: srv.URL}).Poll(context.Background())
	require.NoError(t, err)
	defer reply.PCM.Close() //nolint:errcheck // Test cleanup

	assert.Equal(t, audio.Format{SampleRate: 8000, Channels: 2, SampleBytes: 2, BigEndian: true}, reply.Format)
	assert.Equal(t, int64(-1), reply.Bytes)
	got, err := io.ReadAll(reply.PCM)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, got)
}

func TestPollOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    error
	}{
		{"no content", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}, ErrNoContent},
		{"empty ok", func(w http.ResponseWriter, r *http.Request) {}, ErrNoContent},
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}, ErrUnexpectedStatus},
		{"text reply", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/plain")
			_, _ = w.Write([]byte("hello"))
		}, ErrUnsupportedReply},
		{"broken wav", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "audio/x-wav")
			_, _ = w.Write([]byte("RIFF...."))
		}, ErrUnsupportedReply},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()
			_, err := New(Options{PlayURL: srv.URL}).Poll(context.Background())
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestPollTimeoutIsNoContent(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := New(Options{PlayURL: srv.URL, PollTimeout: 50 * time.Millisecond}).Poll(context.Background())
	assert.ErrorIs(t, err, ErrNoContent)
}

func TestPing(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	c := New(Options{RecordURL: srv.URL})
	require.NoError(t, c.Ping(context.Background()))
	assert.True(t, c.Connected())

	status.Store(http.StatusBadGateway)
	assert.ErrorIs(t, c.Ping(context.Background()), ErrUnexpectedStatus)
	assert.False(t, c.Connected())
	assert.Equal(t, int32(2), hits.Load())
}

func TestPollLoopDeliversReplies(t *testing.T) {
	f := audio.PCM16(16000, 1)
	body := wavBytes(t, f, make([]byte, 320))
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1)%2 == 1 {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	replies := make(chan *Reply, 4)
	done := make(chan error, 1)
	go func() {
		done <- New(Options{PlayURL: srv.URL}).PollLoop(ctx, func(_ context.Context, r *Reply) {
			replies <- r
			if len(replies) == 2 {
				cancel()
			}
		})
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("poll loop did not stop")
	}
	require.Len(t, replies, 2)
	r := <-replies
	assert.Equal(t, f, r.Format)
	assert.Equal(t, int64(320), r.Bytes)
}

func TestLoopsRequireEndpoints(t *testing.T) {
	c := New(Options{})
	assert.ErrorIs(t, c.PollLoop(context.Background(), func(context.Context, *Reply) {}), ErrNotConfigured)
	assert.ErrorIs(t, c.PingLoop(context.Background(), time.Second), ErrNotConfigured)
}
