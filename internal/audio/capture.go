package audio

import "errors"

// ErrNoAudioDevice is returned when no audio device is available.
var ErrNoAudioDevice = errors.New("no audio device found")

// LineConfig defines platform-specific capture and playback commands.
type LineConfig struct {
	// CaptureCommand is the executable used for recording (e.g., "arecord", "ffmpeg").
	CaptureCommand string

	// PlaybackCommand is the executable used for playback (e.g., "aplay", "ffplay").
	PlaybackCommand string

	// DefaultInput is used when no input device is configured.
	DefaultInput string

	// DefaultOutput is used when no output device is configured.
	DefaultOutput string

	// UsesFFmpeg indicates if this platform uses FFmpeg for capture.
	UsesFFmpeg bool

	// CaptureArgs returns the arguments to record raw PCM to stdout.
	CaptureArgs func(device string, f Format) []string

	// PlaybackArgs returns the arguments to play raw PCM from stdin.
	PlaybackArgs func(device string, f Format) []string
}

// BuildCaptureCommand returns the command and arguments for audio capture.
// If device is empty, it attempts to use the default or auto-detect.
// The ffmpegPath parameter is used on platforms that use FFmpeg for capture.
func BuildCaptureCommand(device, ffmpegPath string, f Format) (cmd string, args []string, err error) {
	if err := f.Validate(); err != nil {
		return "", nil, err
	}
	cfg := getPlatformConfig()

	if device == "" {
		device = cfg.DefaultInput
	}
	// Auto-detect if still empty (Windows has no safe default).
	if device == "" {
		devices := InputDevices()
		if len(devices) == 0 {
			return "", nil, ErrNoAudioDevice
		}
		device = devices[0].ID
	}

	command := cfg.CaptureCommand
	if cfg.UsesFFmpeg && ffmpegPath != "" {
		command = ffmpegPath
	}
	return command, cfg.CaptureArgs(device, f), nil
}

// BuildPlaybackCommand returns the command and arguments for audio playback.
func BuildPlaybackCommand(device, ffmpegPath string, f Format) (cmd string, args []string, err error) {
	if err := f.Validate(); err != nil {
		return "", nil, err
	}
	cfg := getPlatformConfig()

	if device == "" {
		device = cfg.DefaultOutput
	}
	command := cfg.PlaybackCommand
	if cfg.UsesFFmpeg && ffmpegPath != "" && command == "ffmpeg" {
		command = ffmpegPath
	}
	return command, cfg.PlaybackArgs(device, f), nil
}
