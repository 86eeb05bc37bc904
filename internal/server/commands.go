package server

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/oszuidwest/zwfm-talkback/internal/config"
	"github.com/oszuidwest/zwfm-talkback/internal/session"
)

// WSCommand is a command received from a WebSocket client.
type WSCommand struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// CommandHandler processes WebSocket commands.
type CommandHandler struct {
	cfg        *config.Config
	session    *session.Session
	eventsPath string
}

// NewCommandHandler creates a new command handler. eventsPath is the event
// log read by events/get; empty disables it.
func NewCommandHandler(cfg *config.Config, sess *session.Session, eventsPath string) *CommandHandler {
	return &CommandHandler{cfg: cfg, session: sess, eventsPath: eventsPath}
}

// Handle processes a WebSocket command and performs the requested action.
// Commands use slash-style format: namespace/action (e.g. "listen/start", "detector/update").
func (h *CommandHandler) Handle(cmd WSCommand, send chan<- any, triggerStatusUpdate func()) {
	namespace, action, _ := strings.Cut(cmd.Type, "/")

	switch namespace {
	case "listen":
		h.handleListen(action, cmd, send)
	case "playback":
		h.handlePlayback(action, cmd, send)
	case "detector":
		h.handleDetector(action, cmd, send)
	case "audio":
		h.handleAudio(action, cmd, send)
	case "cues":
		h.handleCues(action, cmd, send)
	case "events":
		h.handleEvents(action, cmd, send)
	case "system":
		h.handleSystem(action, send)
	case "config":
		h.handleConfig(action, send)
	case "status":
		h.handleStatus(action, send)
	default:
		slog.Warn("unknown WebSocket command", "type", cmd.Type)
	}

	triggerStatusUpdate()
}

// --- Namespace handlers ---

// handleListen routes listen/* commands
func (h *CommandHandler) handleListen(action string, cmd WSCommand, send chan<- any) {
	switch action {
	case "start":
		h.handleListenStart(cmd, send)
	case "stop":
		HandleActionAsync(cmd, send, func() (any, error) {
			return nil, h.session.StopListening()
		})
	case "cancel":
		HandleActionAsync(cmd, send, func() (any, error) {
			return nil, h.session.CancelListening()
		})
	default:
		slog.Warn("unknown listen action", "action", action)
	}
}

// handlePlayback routes playback/* commands
func (h *CommandHandler) handlePlayback(action string, cmd WSCommand, send chan<- any) {
	switch action {
	case "abort":
		HandleActionAsync(cmd, send, func() (any, error) {
			h.session.AbortPlayback()
			return nil, nil
		})
	default:
		slog.Warn("unknown playback action", "action", action)
	}
}

// handleDetector routes detector/* commands
func (h *CommandHandler) handleDetector(action string, cmd WSCommand, send chan<- any) {
	switch action {
	case "update":
		h.handleDetectorUpdate(cmd, send)
	case "get":
		h.handleDetectorGet(cmd, send)
	default:
		slog.Warn("unknown detector action", "action", action)
	}
}

// handleAudio routes audio/* commands
func (h *CommandHandler) handleAudio(action string, cmd WSCommand, send chan<- any) {
	switch action {
	case "update":
		h.handleAudioUpdate(cmd, send)
	case "get":
		h.handleAudioGet(cmd, send)
	default:
		slog.Warn("unknown audio action", "action", action)
	}
}

// handleCues routes cues/* commands
func (h *CommandHandler) handleCues(action string, cmd WSCommand, send chan<- any) {
	switch action {
	case "test":
		h.handleCueTest(cmd, send)
	case "check-s3":
		h.handleCueCheckS3(cmd, send)
	default:
		slog.Warn("unknown cues action", "action", action)
	}
}

// handleEvents routes events/* commands
func (h *CommandHandler) handleEvents(action string, cmd WSCommand, send chan<- any) {
	switch action {
	case "get":
		h.handleEventsGet(cmd, send)
	default:
		slog.Warn("unknown events action", "action", action)
	}
}

// handleSystem routes system/* commands
func (h *CommandHandler) handleSystem(action string, send chan<- any) {
	switch action {
	case "regenerate-key":
		h.handleRegenerateAPIKey(send)
	default:
		slog.Warn("unknown system action", "action", action)
	}
}

// handleConfig routes config/* commands
func (h *CommandHandler) handleConfig(action string, send chan<- any) {
	switch action {
	case "get":
		h.handleConfigGet(send)
	default:
		slog.Warn("unknown config action", "action", action)
	}
}

// handleStatus routes status/* commands
func (h *CommandHandler) handleStatus(action string, send chan<- any) {
	switch action {
	case "get":
		// Status is sent automatically, but explicit get triggers immediate update
		slog.Debug("status/get received, status update will be triggered")
	default:
		slog.Warn("unknown status action", "action", action)
	}
}
