//go:build windows

package audio

import (
	"regexp"
	"strings"
)

func getPlatformConfig() LineConfig {
	return LineConfig{
		CaptureCommand:  "ffmpeg",
		PlaybackCommand: "ffplay",
		DefaultInput:    "", // Auto-detect, no safe default on Windows
		UsesFFmpeg:      true,
		CaptureArgs:     buildWindowsCaptureArgs,
		PlaybackArgs:    buildWindowsPlaybackArgs,
	}
}

// Capture keeps stdin open so FFmpeg can be stopped with 'q'.
func buildWindowsCaptureArgs(device string, f Format) []string {
	return buildFFmpegCaptureArgs("dshow", device, f, false)
}

// ffplay always renders to the default output; device is ignored.
func buildWindowsPlaybackArgs(_ string, f Format) []string {
	args := []string{"-nodisp", "-autoexit", "-hide_banner", "-loglevel", "warning"}
	return append(args, rawInputArgs(f)...)
}

func inputDeviceList() DeviceListConfig {
	return DeviceListConfig{
		Command: []string{"ffmpeg", "-hide_banner", "-f", "dshow", "-list_devices", "true", "-i", "dummy"},
		// FFmpeg versions vary in section headers; filter on "(audio)" instead.
		DevicePattern: regexp.MustCompile(`\[dshow[^\]]*\]\s*"([^"]+)"\s*\(audio\)`),
		ParseDevice: func(matches []string) *Device {
			if len(matches) < 2 {
				return nil
			}
			name := strings.TrimSpace(matches[1])
			return &Device{
				ID:   "audio=" + name,
				Name: name,
			}
		},
	}
}

func outputDeviceList() DeviceListConfig {
	return DeviceListConfig{
		FallbackDevices: []Device{{ID: "", Name: "Default output"}},
	}
}
