//go:build linux

package audio

import (
	"regexp"
	"strconv"
)

func getPlatformConfig() LineConfig {
	return LineConfig{
		CaptureCommand:  "arecord",
		PlaybackCommand: "aplay",
		DefaultInput:    "default:CARD=sndrpihifiberry",
		DefaultOutput:   "default:CARD=sndrpihifiberry",
		CaptureArgs:     buildLinuxArgs,
		PlaybackArgs:    buildLinuxArgs,
	}
}

// buildLinuxArgs serves both arecord and aplay, which share their flags.
func buildLinuxArgs(device string, f Format) []string {
	return []string{
		"-D", device,
		"-f", f.alsaSampleFormat(),
		"-r", strconv.Itoa(f.SampleRate),
		"-c", strconv.Itoa(f.Channels),
		"-t", "raw",
		"-q",
		"-",
	}
}

var alsaCardPattern = regexp.MustCompile(`card\s+(\d+):\s+(\w+)\s+\[([^\]]+)\]`)

func alsaDevice(matches []string) *Device {
	if len(matches) < 4 {
		return nil
	}
	return &Device{
		ID:   "default:CARD=" + matches[2],
		Name: matches[3],
	}
}

func inputDeviceList() DeviceListConfig {
	return DeviceListConfig{
		Command:       []string{"arecord", "-l"},
		DevicePattern: alsaCardPattern,
		ParseDevice:   alsaDevice,
		FallbackDevices: []Device{
			{ID: "default:CARD=sndrpihifiberry", Name: "HiFiBerry (default)"},
		},
	}
}

func outputDeviceList() DeviceListConfig {
	return DeviceListConfig{
		Command:       []string{"aplay", "-l"},
		DevicePattern: alsaCardPattern,
		ParseDevice:   alsaDevice,
		FallbackDevices: []Device{
			{ID: "default:CARD=sndrpihifiberry", Name: "HiFiBerry (default)"},
		},
	}
}
