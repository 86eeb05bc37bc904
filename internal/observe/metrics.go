// Package observe provides the OpenTelemetry metrics of the talkback station
// and the HTTP middleware that records request latency.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported to
// Prometheus by [InitProvider]. Tests should use [NewMetrics] with their own
// [metric.MeterProvider].
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/oszuidwest/zwfm-talkback"

// Metrics holds all metric instruments. The instruments are safe for
// concurrent use.
type Metrics struct {
	// --- Detector counters ---

	// SpeechStarts counts speechStart events. Attribute "mode" is
	// "detector" or "manual".
	SpeechStarts metric.Int64Counter

	// SpeechEnds counts speechEnd events.
	SpeechEnds metric.Int64Counter

	// NoSpeech counts listening sessions that ended without speech.
	NoSpeech metric.Int64Counter

	// --- Relay ---

	// UploadBytes counts bytes sent to the relay.
	UploadBytes metric.Int64Counter

	// UploadErrors counts failed uploads.
	UploadErrors metric.Int64Counter

	// UploadDuration tracks how long an utterance upload took.
	UploadDuration metric.Float64Histogram

	// --- Device ---

	// Playbacks counts playback tasks. Attribute "kind" is "cue" or "reply".
	Playbacks metric.Int64Counter

	// UtteranceDuration tracks the audio length of uploaded utterances.
	UtteranceDuration metric.Float64Histogram

	// ListeningActive is 1 while the capture line is open.
	ListeningActive metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time.
	HTTPRequestDuration metric.Float64Histogram
}

// durationBuckets are histogram boundaries in seconds sized for spoken
// utterances and their uploads.
var durationBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30, 60,
}

// NewMetrics creates all instruments on the given provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.SpeechStarts, err = m.Int64Counter("talkback.speech.starts",
		metric.WithDescription("Utterances that started, by mode."),
	); err != nil {
		return nil, err
	}
	if met.SpeechEnds, err = m.Int64Counter("talkback.speech.ends",
		metric.WithDescription("Utterances that ended, by mode."),
	); err != nil {
		return nil, err
	}
	if met.NoSpeech, err = m.Int64Counter("talkback.speech.none",
		metric.WithDescription("Listening sessions that ended without speech."),
	); err != nil {
		return nil, err
	}
	if met.UploadBytes, err = m.Int64Counter("talkback.upload.bytes",
		metric.WithDescription("Audio bytes uploaded to the relay."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.UploadErrors, err = m.Int64Counter("talkback.upload.errors",
		metric.WithDescription("Failed utterance uploads."),
	); err != nil {
		return nil, err
	}
	if met.Playbacks, err = m.Int64Counter("talkback.playback.count",
		metric.WithDescription("Clips played, by kind."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.UtteranceDuration, err = m.Float64Histogram("talkback.utterance.duration",
		metric.WithDescription("Audio length of captured utterances."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	); err != nil {
		return nil, err
	}
	if met.UploadDuration, err = m.Float64Histogram("talkback.upload.duration",
		metric.WithDescription("Wall time of utterance uploads."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("talkback.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.ListeningActive, err = m.Int64UpDownCounter("talkback.listening.active",
		metric.WithDescription("1 while the microphone is open."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns a package-level instance bound to the global meter
// provider. It panics if instrument creation fails.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

func modeAttr(detector bool) metric.MeasurementOption {
	mode := "manual"
	if detector {
		mode = "detector"
	}
	return metric.WithAttributes(attribute.String("mode", mode))
}

// RecordSpeechStart counts a speechStart event.
func (m *Metrics) RecordSpeechStart(ctx context.Context, detector bool) {
	m.SpeechStarts.Add(ctx, 1, modeAttr(detector))
}

// RecordSpeechEnd counts a speechEnd event and records the utterance length.
func (m *Metrics) RecordSpeechEnd(ctx context.Context, detector bool, length time.Duration) {
	m.SpeechEnds.Add(ctx, 1, modeAttr(detector))
	m.UtteranceDuration.Record(ctx, length.Seconds(), modeAttr(detector))
}

// RecordNoSpeech counts a listening session without speech.
func (m *Metrics) RecordNoSpeech(ctx context.Context) {
	m.NoSpeech.Add(ctx, 1)
}

// RecordUpload records the outcome of an utterance upload.
func (m *Metrics) RecordUpload(ctx context.Context, bytes int64, elapsed time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		m.UploadErrors.Add(ctx, 1)
	}
	m.UploadBytes.Add(ctx, bytes)
	m.UploadDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordPlayback counts a played clip.
func (m *Metrics) RecordPlayback(ctx context.Context, kind string) {
	m.Playbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// ListeningChanged moves the listening gauge.
func (m *Metrics) ListeningChanged(ctx context.Context, active bool) {
	if active {
		m.ListeningActive.Add(ctx, 1)
	} else {
		m.ListeningActive.Add(ctx, -1)
	}
}
