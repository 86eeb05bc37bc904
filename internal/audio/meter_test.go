package audio

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPeakHolder(t *testing.T) {
	p := NewPeakHolder()
	p.SetHoldDuration(time.Second)
	now := time.Now()

	assert.Equal(t, -10.0, p.Update(-10, now))
	assert.Equal(t, -10.0, p.Update(-30, now.Add(500*time.Millisecond)), "held within duration")
	assert.Equal(t, -5.0, p.Update(-5, now.Add(600*time.Millisecond)), "higher peak replaces held")
	assert.Equal(t, -40.0, p.Update(-40, now.Add(2*time.Second)), "decays after duration")

	p.Reset()
	assert.Equal(t, -50.0, p.Update(-50, now))
}

func TestSilenceDetector(t *testing.T) {
	cfg := SilenceConfig{Threshold: -40, DurationMs: 1000, RecoveryMs: 500}
	d := NewSilenceDetector()
	start := time.Now()
	at := func(ms int) time.Time { return start.Add(time.Duration(ms) * time.Millisecond) }

	ev := d.Update(-50, cfg, at(0))
	assert.False(t, ev.InSilence)

	ev = d.Update(-50, cfg, at(1000))
	assert.True(t, ev.InSilence)
	assert.True(t, ev.JustEntered)

	ev = d.Update(-50, cfg, at(1500))
	assert.True(t, ev.InSilence)
	assert.False(t, ev.JustEntered)
	assert.Equal(t, int64(1500), ev.DurationMs)

	ev = d.Update(-10, cfg, at(1600))
	assert.True(t, ev.InSilence, "still recovering")

	ev = d.Update(-10, cfg, at(2100))
	assert.False(t, ev.InSilence)
	assert.True(t, ev.JustRecovered)
	assert.Equal(t, int64(1500), ev.TotalDurationMs)

	ev = d.Update(-50, cfg, at(2200))
	assert.False(t, ev.InSilence)
	d.Reset()
	ev = d.Update(-50, cfg, at(2300))
	assert.False(t, ev.InSilence)
}

func TestParseDeviceOutput(t *testing.T) {
	output := `**** List of CAPTURE Hardware Devices ****
card 0: sndrpihifiberry [snd_rpi_hifiberry_dacplusadc], device 0: HiFiBerry
card 1: Device [USB Audio Device], device 0: USB Audio [USB Audio]
`
	cfg := &DeviceListConfig{
		DevicePattern: regexp.MustCompile(`card\s+(\d+):\s+(\w+)\s+\[([^\]]+)\]`),
		ParseDevice: func(m []string) *Device {
			return &Device{ID: "default:CARD=" + m[2], Name: m[3]}
		},
		FallbackDevices: []Device{{ID: "fallback"}},
	}

	devices := parseDeviceOutput(cfg, output)
	assert.Equal(t, []Device{
		{ID: "default:CARD=sndrpihifiberry", Name: "snd_rpi_hifiberry_dacplusadc"},
		{ID: "default:CARD=Device", Name: "USB Audio Device"},
	}, devices)

	assert.Equal(t, cfg.FallbackDevices, parseDeviceOutput(cfg, "nothing here"))

	sectioned := &DeviceListConfig{
		AudioStartMarker: "audio devices:",
		AudioStopMarker:  "video devices:",
		DevicePattern:    regexp.MustCompile(`\[(\d+)\]\s*(.+)`),
		ParseDevice:      func(m []string) *Device { return &Device{ID: m[1], Name: m[2]} },
	}
	devices = parseDeviceOutput(sectioned, "[9] camera\naudio devices:\n[0] Mic\nvideo devices:\n[1] Cam\n")
	assert.Equal(t, []Device{{ID: "0", Name: "Mic"}}, devices)
}
