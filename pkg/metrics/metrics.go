// Package metrics holds the Prometheus instrumentation for the client. All
// recording methods are nil-safe so components can run uninstrumented.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the voice client.
type Metrics struct {
	registry *prometheus.Registry

	// Transport metrics
	FramesTotal     *prometheus.CounterVec
	DecodeFailures  prometheus.Counter
	ReconnectsTotal prometheus.Counter
	ConnectionState prometheus.Gauge
	DroppedSends    prometheus.Counter

	// Audio metrics
	AudioBytesTotal  *prometheus.CounterVec
	PlaybackQueueLen prometheus.Gauge
	PlaybackSkips    prometheus.Counter
	InterruptsTotal  prometheus.Counter
}

// New creates a Metrics instance with all metrics registered on a private
// registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "voxlink"
	}

	registry := prometheus.NewRegistry()

	framesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Total protocol frames by direction and type",
		},
		[]string{"direction", "type"},
	)

	decodeFailures := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_failures_total",
			Help:      "Total inbound frames dropped because they failed to decode",
		},
	)

	reconnectsTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Total reconnection attempts after an unexpected close",
		},
	)

	connectionState := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_open",
			Help:      "1 while the duplex channel is open, 0 otherwise",
		},
	)

	droppedSends := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_sends_total",
			Help:      "Total outbound frames dropped because the channel was not open",
		},
	)

	audioBytesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Total audio bytes processed by direction",
		},
		[]string{"direction"},
	)

	playbackQueueLen := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "playback_queue_length",
			Help:      "Fragments enqueued for playback but not yet started",
		},
	)

	playbackSkips := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_skips_total",
			Help:      "Fragments skipped because the sink rejected them",
		},
	)

	interruptsTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interrupts_total",
			Help:      "Hard playback interrupts (local or server initiated)",
		},
	)

	registry.MustRegister(
		framesTotal,
		decodeFailures,
		reconnectsTotal,
		connectionState,
		droppedSends,
		audioBytesTotal,
		playbackQueueLen,
		playbackSkips,
		interruptsTotal,
	)

	return &Metrics{
		registry:         registry,
		FramesTotal:      framesTotal,
		DecodeFailures:   decodeFailures,
		ReconnectsTotal:  reconnectsTotal,
		ConnectionState:  connectionState,
		DroppedSends:     droppedSends,
		AudioBytesTotal:  audioBytesTotal,
		PlaybackQueueLen: playbackQueueLen,
		PlaybackSkips:    playbackSkips,
		InterruptsTotal:  interruptsTotal,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordFrame records one protocol frame.
func (m *Metrics) RecordFrame(direction, frameType string) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues(direction, frameType).Inc()
}

// RecordDecodeFailure records a dropped inbound frame.
func (m *Metrics) RecordDecodeFailure() {
	if m == nil {
		return
	}
	m.DecodeFailures.Inc()
}

// RecordReconnect records a scheduled reconnection attempt.
func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.ReconnectsTotal.Inc()
}

// SetConnected records the connection state.
func (m *Metrics) SetConnected(open bool) {
	if m == nil {
		return
	}
	if open {
		m.ConnectionState.Set(1)
	} else {
		m.ConnectionState.Set(0)
	}
}

// RecordDroppedSend records an outbound frame dropped while disconnected.
func (m *Metrics) RecordDroppedSend() {
	if m == nil {
		return
	}
	m.DroppedSends.Inc()
}

// RecordAudio records audio bytes by direction ("in" or "out").
func (m *Metrics) RecordAudio(direction string, bytes int) {
	if m == nil || bytes <= 0 {
		return
	}
	m.AudioBytesTotal.WithLabelValues(direction).Add(float64(bytes))
}

// SetPlaybackQueueLen records the current playback queue depth.
func (m *Metrics) SetPlaybackQueueLen(n int) {
	if m == nil {
		return
	}
	m.PlaybackQueueLen.Set(float64(n))
}

// RecordPlaybackSkip records a fragment the sink rejected.
func (m *Metrics) RecordPlaybackSkip() {
	if m == nil {
		return
	}
	m.PlaybackSkips.Inc()
}

// RecordInterrupt records a hard playback interrupt.
func (m *Metrics) RecordInterrupt() {
	if m == nil {
		return
	}
	m.InterruptsTotal.Inc()
}
