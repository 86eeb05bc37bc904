package main

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oszuidwest/zwfm-talkback/internal/audio"
	"github.com/oszuidwest/zwfm-talkback/internal/config"
	"github.com/oszuidwest/zwfm-talkback/internal/observe"
	"github.com/oszuidwest/zwfm-talkback/internal/server"
	"github.com/oszuidwest/zwfm-talkback/internal/session"
	"github.com/oszuidwest/zwfm-talkback/internal/types"
)

// Server is an HTTP server that provides the control API and live feed for the talkback gateway.
type Server struct {
	config          *config.Config
	session         *session.Session
	commands        *server.CommandHandler
	metrics         *observe.Metrics
	version         *VersionChecker
	eventsPath      string
	ffmpegAvailable bool

	// listDevices is replaceable in tests; the real listing runs external commands.
	listDevices func() types.DeviceList
}

// NewServer returns a new Server for sess. eventsPath is the event log served
// by /api/events; empty disables it.
func NewServer(cfg *config.Config, sess *session.Session, metrics *observe.Metrics, eventsPath string, ffmpegAvailable bool) *Server {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Server{
		config:          cfg,
		session:         sess,
		commands:        server.NewCommandHandler(cfg, sess, eventsPath),
		metrics:         metrics,
		version:         NewVersionChecker(),
		eventsPath:      eventsPath,
		ffmpegAvailable: ffmpegAvailable,
		listDevices:     listAudioDevices,
	}
}

func listAudioDevices() types.DeviceList {
	return types.DeviceList{
		Inputs:  audio.InputDevices(),
		Outputs: audio.OutputDevices(),
	}
}

// handleWebSocket handles bidirectional WebSocket communication for real-time updates.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := server.UpgradeConnection(w, r)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}

	// Only the writer goroutine writes to the connection.
	send := make(chan any, 32)
	done := make(chan struct{})
	statusUpdate := make(chan struct{}, 1)

	go s.runWebSocketWriter(conn, send)
	go s.runWebSocketReader(conn, send, done, statusUpdate)

	s.runWebSocketEventLoop(send, done, statusUpdate)
}

// runWebSocketWriter writes messages from the send channel to the connection.
func (s *Server) runWebSocketWriter(conn server.WebSocketConn, send <-chan any) {
	defer func() {
		if err := conn.Close(); err != nil {
			slog.Debug("WebSocket close error", "error", err)
		}
	}()
	for msg := range send {
		if err := conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// runWebSocketReader reads commands from the connection and dispatches them.
func (s *Server) runWebSocketReader(conn server.WebSocketConn, send chan<- any, done, statusUpdate chan<- struct{}) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in WebSocket reader", "panic", r)
		}
		close(done)
	}()

	for {
		var cmd server.WSCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		s.commands.Handle(cmd, send, func() {
			select {
			case statusUpdate <- struct{}{}:
			default:
			}
		})
	}
}

// runWebSocketEventLoop pushes levels, status and session events until the
// client goes away.
func (s *Server) runWebSocketEventLoop(send chan any, done, statusUpdate <-chan struct{}) {
	levelsTicker := time.NewTicker(types.LevelsInterval)
	statusTicker := time.NewTicker(types.StatusInterval)
	defer levelsTicker.Stop()
	defer statusTicker.Stop()

	events, unsubscribe := s.session.Subscribe()
	defer unsubscribe()

	trySend := func(msg any) bool {
		select {
		case send <- msg:
			return true
		case <-done:
			return false
		}
	}

	if !trySend(s.buildWSStatus()) {
		close(send)
		return
	}

	for {
		var msg any
		select {
		case <-done:
			close(send)
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			msg = ev
		case <-statusUpdate:
			msg = s.buildWSStatus()
		case <-levelsTicker.C:
			msg = types.WSLevelsResponse{Type: "levels", Levels: s.session.Levels()}
		case <-statusTicker.C:
			msg = s.buildWSStatus()
		}
		if !trySend(msg) {
			close(send)
			return
		}
	}
}

// buildWSStatus returns the current WebSocket status response.
func (s *Server) buildWSStatus() types.WSStatusResponse {
	cfg := s.config.Snapshot()
	return types.WSStatusResponse{
		Type:            "status",
		FFmpegAvailable: s.ffmpegAvailable,
		Session:         s.session.Status(),
		Format:          cfg.Format,
		Detector:        cfg.DetectorSettings(),
		Devices:         s.listDevices(),
		Settings: types.WSSettings{
			AudioInput:  cfg.AudioInput,
			AudioOutput: cfg.AudioOutput,
			RecordURL:   cfg.RecordURL,
			PlayURL:     cfg.PlayURL,
			Platform:    runtime.GOOS,
		},
		Version: s.version.Info(),
	}
}

// SetupRoutes returns an [http.Handler] configured with all application routes.
func (s *Server) SetupRoutes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", s.handleHealthz)
	if s.config.Snapshot().MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
	}

	// Read-only API
	mux.HandleFunc("/api/status", s.handleAPIStatus)
	mux.HandleFunc("/api/devices", s.handleAPIDevices)
	mux.HandleFunc("/api/events", s.handleAPIEvents)

	// Control API (API key auth when a key is configured)
	mux.HandleFunc("/api/listen", s.apiKeyAuth(s.handleAPIListen))
	mux.HandleFunc("/api/stop", s.apiKeyAuth(s.handleAPIStop))
	mux.HandleFunc("/api/cancel", s.apiKeyAuth(s.handleAPICancel))
	mux.HandleFunc("/api/abort", s.apiKeyAuth(s.handleAPIAbort))
	mux.HandleFunc("/api/detector", s.apiKeyAuth(s.handleAPIDetector))

	mux.HandleFunc("/ws", s.handleWebSocket)

	return securityHeaders(observe.Middleware(s.metrics)(mux))
}

// securityHeaders returns middleware that wraps handlers with security headers.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// apiKeyAuth returns middleware that checks the X-API-Key header. Without a
// configured key the control API is open.
func (s *Server) apiKeyAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		apiKey := s.config.GetAPIKey()
		if apiKey == "" {
			next(w, r)
			return
		}
		providedKey := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(providedKey), []byte(apiKey)) != 1 {
			s.writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next(w, r)
	}
}

// Start begins the HTTP server.
// Returns an *http.Server that can be used for graceful shutdown.
func (s *Server) Start() *http.Server {
	addr := fmt.Sprintf(":%d", s.config.Snapshot().WebPort)
	slog.Info("starting web server", "addr", addr)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.SetupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	return srv
}
