//go:build darwin

package audio

import "regexp"

func getPlatformConfig() LineConfig {
	return LineConfig{
		CaptureCommand:  "ffmpeg",
		PlaybackCommand: "ffmpeg",
		DefaultInput:    ":0",
		DefaultOutput:   "0",
		UsesFFmpeg:      true,
		CaptureArgs:     buildDarwinCaptureArgs,
		PlaybackArgs:    buildDarwinPlaybackArgs,
	}
}

func buildDarwinCaptureArgs(device string, f Format) []string {
	return buildFFmpegCaptureArgs("avfoundation", device, f, true)
}

func buildDarwinPlaybackArgs(device string, f Format) []string {
	args := []string{"-nostdin", "-hide_banner", "-loglevel", "warning"}
	args = append(args, rawInputArgs(f)...)
	return append(args, "-f", "audiotoolbox", "-audio_device_index", device, "-")
}

func inputDeviceList() DeviceListConfig {
	return DeviceListConfig{
		Command:          []string{"ffmpeg", "-hide_banner", "-f", "avfoundation", "-list_devices", "true", "-i", ""},
		AudioStartMarker: "AVFoundation audio devices:",
		AudioStopMarker:  "AVFoundation video devices:",
		DevicePattern:    regexp.MustCompile(`\[AVFoundation[^\]]*\]\s*\[(\d+)\]\s*(.+)`),
		ParseDevice: func(matches []string) *Device {
			if len(matches) < 3 {
				return nil
			}
			return &Device{
				ID:   ":" + matches[1],
				Name: matches[2],
			}
		},
	}
}

func outputDeviceList() DeviceListConfig {
	return DeviceListConfig{
		Command:       []string{"ffmpeg", "-hide_banner", "-f", "lavfi", "-i", "anullsrc", "-t", "0", "-f", "audiotoolbox", "-list_devices", "true", "-"},
		DevicePattern: regexp.MustCompile(`\[AudioToolbox[^\]]*\]\s*\[(\d+)\]\s*(.+?),`),
		ParseDevice: func(matches []string) *Device {
			if len(matches) < 3 {
				return nil
			}
			return &Device{ID: matches[1], Name: matches[2]}
		},
		FallbackDevices: []Device{{ID: "0", Name: "System output"}},
	}
}
