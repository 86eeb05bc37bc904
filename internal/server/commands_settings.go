package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/oszuidwest/zwfm-talkback/internal/audio"
	"github.com/oszuidwest/zwfm-talkback/internal/config"
	"github.com/oszuidwest/zwfm-talkback/internal/cues"
	"github.com/oszuidwest/zwfm-talkback/internal/endpoint"
	"github.com/oszuidwest/zwfm-talkback/internal/eventlog"
	"github.com/oszuidwest/zwfm-talkback/internal/types"
)

// s3CheckTimeout bounds a cues/check-s3 command.
const s3CheckTimeout = 30 * time.Second

// --- Listen handlers ---

// handleListenStart processes a listen/start command. The reply is sent
// once the capture line is open.
func (h *CommandHandler) handleListenStart(cmd WSCommand, send chan<- any) {
	var req ListenRequest
	if len(cmd.Data) > 0 && !DecodeAndValidate(cmd, send, &req) {
		return
	}
	useDetector := h.cfg.Snapshot().UseDetector
	if req.UseDetector != nil {
		useDetector = *req.UseDetector
	}

	HandleActionAsync(cmd, send, func() (any, error) {
		if err := h.session.Listen(useDetector); err != nil {
			return nil, err
		}
		return map[string]bool{"use_detector": useDetector}, nil
	})
}

// --- Detector handlers ---

// handleDetectorUpdate processes a detector/update command.
func (h *CommandHandler) handleDetectorUpdate(cmd WSCommand, send chan<- any) {
	HandleCommand(h, cmd, send, func(req *DetectorUpdateRequest) error {
		return ApplyDetectorUpdate(h.session, req)
	})
}

// ApplyDetectorUpdate applies the fields set in req and persists them.
func ApplyDetectorUpdate(sess DetectorTuner, req *DetectorUpdateRequest) error {
	if req.Enabled != nil {
		if err := sess.SetUseDetector(*req.Enabled); err != nil {
			return err
		}
	}
	if req.VoicingThreshold != nil {
		if err := sess.SetParameter(endpoint.ParamVoicingThreshold, *req.VoicingThreshold); err != nil {
			return err
		}
	}
	if req.EnergyRange != nil {
		if err := sess.SetParameter(endpoint.ParamEnergyRange, *req.EnergyRange); err != nil {
			return err
		}
	}
	return nil
}

// DetectorTuner is the part of the session detector commands drive.
type DetectorTuner interface {
	SetUseDetector(enabled bool) error
	SetParameter(name string, value float64) error
}

// handleDetectorGet processes a detector/get command.
func (h *CommandHandler) handleDetectorGet(cmd WSCommand, send chan<- any) {
	snap := h.cfg.Snapshot()
	SendSuccess(send, cmd.Type, snap.DetectorSettings())
}

// --- Audio handlers ---

// handleAudioUpdate processes an audio/update command.
func (h *CommandHandler) handleAudioUpdate(cmd WSCommand, send chan<- any) {
	HandleCommand(h, cmd, send, func(req *AudioUpdateRequest) error {
		slog.Info("audio/update: changing audio devices", "input", req.Input, "output", req.Output)
		return h.session.SetDevices(req.Input, req.Output)
	})
}

// handleAudioGet processes an audio/get command.
func (h *CommandHandler) handleAudioGet(cmd WSCommand, send chan<- any) {
	snap := h.cfg.Snapshot()
	SendSuccess(send, cmd.Type, map[string]any{
		"input":   snap.AudioInput,
		"output":  snap.AudioOutput,
		"format":  snap.Format,
		"channel": snap.Channel,
	})
}

// --- Cue handlers ---

// handleCueTest processes a cues/test command by playing the cue.
func (h *CommandHandler) handleCueTest(cmd WSCommand, send chan<- any) {
	HandleCommand(h, cmd, send, func(req *CueTestRequest) error {
		return h.session.PlayCue(req.Cue == "start")
	})
}

// handleCueCheckS3 processes a cues/check-s3 command.
func (h *CommandHandler) handleCueCheckS3(cmd WSCommand, send chan<- any) {
	var req CueTestRequest
	if !DecodeAndValidate(cmd, send, &req) {
		return
	}
	snap := h.cfg.Snapshot()
	cue := snap.EndCue
	if req.Cue == "start" {
		cue = snap.StartCue
	}

	HandleActionAsync(cmd, send, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), s3CheckTimeout)
		defer cancel()
		if err := cues.CheckS3(ctx, cue.S3); err != nil {
			return nil, err
		}
		return map[string]string{"bucket": cue.S3.Bucket, "key": cue.S3.Key}, nil
	})
}

// --- Event log handlers ---

// handleEventsGet processes an events/get command.
func (h *CommandHandler) handleEventsGet(cmd WSCommand, send chan<- any) {
	var req EventsRequest
	if len(cmd.Data) > 0 && !DecodeAndValidate(cmd, send, &req) {
		return
	}
	page, err := ReadEvents(h.eventsPath, req)
	if err != nil {
		SendError(send, cmd.Type, err)
		return
	}
	SendSuccess(send, cmd.Type, page)
}

// EventsPage is one page of the event log, newest first.
type EventsPage struct {
	Events  []eventlog.Event `json:"events"`
	HasMore bool             `json:"has_more"`
}

// errNoEventLog is returned when no event log is configured.
var errNoEventLog = errors.New("event log is not configured")

// ReadEvents reads a page of the event log at path.
func ReadEvents(path string, req EventsRequest) (EventsPage, error) {
	if path == "" {
		return EventsPage{}, errNoEventLog
	}
	filter := eventlog.TypeFilter(req.Filter)
	if req.Filter == "all" {
		filter = eventlog.FilterAll
	}
	if !eventlog.ValidFilter(filter) {
		return EventsPage{}, errors.New("invalid event filter")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultEventsLimit
	}
	events, more, err := eventlog.ReadLast(path, limit, req.Offset, filter)
	if err != nil {
		return EventsPage{}, err
	}
	if events == nil {
		events = []eventlog.Event{}
	}
	return EventsPage{Events: events, HasMore: more}, nil
}

// defaultEventsLimit is the page size when none is requested.
const defaultEventsLimit = 50

// --- System handlers ---

// handleRegenerateAPIKey processes a system/regenerate-key command.
func (h *CommandHandler) handleRegenerateAPIKey(send chan<- any) {
	HandleActionAsync(WSCommand{Type: "system/regenerate-key"}, send, func() (any, error) {
		newKey, err := config.GenerateAPIKey()
		if err != nil {
			return nil, err
		}
		if err := h.cfg.SetAPIKey(newKey); err != nil {
			return nil, err
		}

		slog.Info("API key regenerated")
		return map[string]string{"api_key": newKey}, nil
	})
}

// handleConfigGet processes a config/get command.
func (h *CommandHandler) handleConfigGet(send chan<- any) {
	trySend(send, "config/get", types.WSConfigResponse{
		Type:   "config",
		Config: NewConfigView(h.cfg.Snapshot()),
	})
}

// ConfigView is the configuration as shown to clients. Secrets are left out.
type ConfigView struct {
	Port        int                    `json:"port"`
	AudioInput  string                 `json:"audio_input"`
	AudioOutput string                 `json:"audio_output"`
	Format      audio.Format           `json:"format"`
	Channel     int                    `json:"channel"`
	Detector    types.DetectorSettings `json:"detector"`
	RecordURL   string                 `json:"record_url"`
	PlayURL     string                 `json:"play_url"`
	PingURL     string                 `json:"ping_url,omitzero"`
	LogPath     string                 `json:"log_path,omitzero"`
	HasAPIKey   bool                   `json:"has_api_key"`
	Metrics     bool                   `json:"metrics"`
}

// NewConfigView builds a ConfigView from a snapshot.
func NewConfigView(snap config.Snapshot) ConfigView {
	return ConfigView{
		Port:        snap.WebPort,
		AudioInput:  snap.AudioInput,
		AudioOutput: snap.AudioOutput,
		Format:      snap.Format,
		Channel:     snap.Channel,
		Detector:    snap.DetectorSettings(),
		RecordURL:   snap.RecordURL,
		PlayURL:     snap.PlayURL,
		PingURL:     snap.PingURL,
		LogPath:     snap.LogPath,
		HasAPIKey:   snap.APIKey != "",
		Metrics:     snap.MetricsEnabled,
	}
}
