package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oszuidwest/zwfm-talkback/internal/audio"
	"github.com/oszuidwest/zwfm-talkback/internal/config"
	"github.com/oszuidwest/zwfm-talkback/internal/device/devicetest"
	"github.com/oszuidwest/zwfm-talkback/internal/eventlog"
	"github.com/oszuidwest/zwfm-talkback/internal/session"
	"github.com/oszuidwest/zwfm-talkback/internal/types"
)

type testServer struct {
	srv      *Server
	handler  http.Handler
	config   *config.Config
	recorder *devicetest.Recorder
}

func newTestServer(t *testing.T, eventsPath string) *testServer {
	t.Helper()
	cfg := config.New(filepath.Join(t.TempDir(), "config.json"))
	recorder := devicetest.NewRecorder()
	sess, err := session.New(session.Deps{Config: cfg, Player: devicetest.NewPlayer(), Recorder: recorder})
	require.NoError(t, err)

	srv := NewServer(cfg, sess, nil, eventsPath, false)
	srv.listDevices = func() types.DeviceList {
		return types.DeviceList{Inputs: []audio.Device{{ID: "hw:1,0", Name: "USB Audio"}}}
	}
	t.Cleanup(func() {
		srv.version.Stop()
		_ = sess.Close()
	})
	return &testServer{srv: srv, handler: srv.SetupRoutes(), config: cfg, recorder: recorder}
}

func (ts *testServer) do(t *testing.T, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestHealthzAndSecurityHeaders(t *testing.T) {
	ts := newTestServer(t, "")
	rec := ts.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestListenStopFlow(t *testing.T) {
	ts := newTestServer(t, "")

	rec := ts.do(t, http.MethodPost, "/api/listen", `{"use_detector": false}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, ts.recorder.Opens())

	rec = ts.do(t, http.MethodPost, "/api/listen", "", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	status := decodeBody[types.SessionStatus](t, ts.do(t, http.MethodGet, "/api/status", "", nil))
	assert.Equal(t, types.StateSpeaking, status.State)
	assert.False(t, status.UseDetector)

	rec = ts.do(t, http.MethodPost, "/api/stop", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = ts.do(t, http.MethodPost, "/api/cancel", "", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/stop", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestDetectorEndpoint(t *testing.T) {
	ts := newTestServer(t, "")

	rec := ts.do(t, http.MethodPost, "/api/detector", `{"voicing_threshold": 0.5, "enabled": false}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	settings := decodeBody[types.DetectorSettings](t, rec)
	assert.InDelta(t, 0.5, settings.VoicingThreshold, 1e-9)
	assert.False(t, settings.Enabled)

	rec = ts.do(t, http.MethodPost, "/api/detector", `{"energy_range": 99}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/detector", "", nil)
	settings = decodeBody[types.DetectorSettings](t, rec)
	assert.InDelta(t, 0.5, settings.VoicingThreshold, 1e-9)
}

func TestAPIKeyProtectsControl(t *testing.T) {
	ts := newTestServer(t, "")
	require.NoError(t, ts.config.SetAPIKey("abcdefghijklmnopqrst"))

	rec := ts.do(t, http.MethodPost, "/api/abort", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/abort", "", map[string]string{"X-API-Key": "abcdefghijklmnopqrst"})
	assert.Equal(t, http.StatusOK, rec.Code)

	// Read-only routes stay open.
	rec = ts.do(t, http.MethodGet, "/api/status", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDevicesEndpoint(t *testing.T) {
	ts := newTestServer(t, "")
	list := decodeBody[types.DeviceList](t, ts.do(t, http.MethodGet, "/api/devices", "", nil))
	require.Len(t, list.Inputs, 1)
	assert.Equal(t, "hw:1,0", list.Inputs[0].ID)
}

func TestEventsEndpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	logger, err := eventlog.NewLogger(path)
	require.NoError(t, err)
	require.NoError(t, logger.LogSpeech(eventlog.SpeechStart, 10, 0, true))
	require.NoError(t, logger.LogRelay(eventlog.UploadCompleted, "http://relay/record", 200, 3200, 100, "", 0))
	require.NoError(t, logger.Close())

	ts := newTestServer(t, path)
	rec := ts.do(t, http.MethodGet, "/api/events?filter=relay&limit=10", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var page struct {
		Events  []eventlog.Event `json:"events"`
		HasMore bool             `json:"has_more"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Events, 1)
	assert.Equal(t, eventlog.UploadCompleted, page.Events[0].Type)

	rec = ts.do(t, http.MethodGet, "/api/events?limit=abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = ts.do(t, http.MethodGet, "/api/events?filter=mail", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	noLog := newTestServer(t, "")
	rec = noLog.do(t, http.MethodGet, "/api/events", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, "")
	rec := ts.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebSocketFeed(t *testing.T) {
	ts := newTestServer(t, "")
	httpSrv := httptest.NewServer(ts.handler)
	defer httpSrv.Close()

	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck // Test cleanup
	defer conn.Close()      //nolint:errcheck // Test cleanup
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var first map[string]any
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "status", first["type"])

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "listen/start",
		"data": map[string]any{"use_detector": false},
	}))

	seen := map[string]bool{}
	for !seen["listen/start_result"] || !seen["speech_start"] || !seen["levels"] {
		var msg map[string]any
		require.NoError(t, conn.ReadJSON(&msg))
		typ, _ := msg["type"].(string)
		if typ == "event" {
			typ, _ = msg["event"].(string)
		}
		seen[typ] = true
	}
	assert.Equal(t, 1, ts.recorder.Opens())
}
