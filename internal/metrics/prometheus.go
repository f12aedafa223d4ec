package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ClientMetrics holds the Prometheus collectors for the streaming client.
type ClientMetrics struct {
	Connected         prometheus.Gauge
	ReconnectAttempts prometheus.Counter
	ReconnectFailures prometheus.Counter
	EventsReceived    *prometheus.CounterVec
	UnknownEvents     prometheus.Counter
	HandlerPanics     *prometheus.CounterVec

	FramesSent       prometheus.Counter
	FramesFailed     prometheus.Counter
	FrameBytes       prometheus.Counter
	CompressionRatio prometheus.Gauge
	SendLatency      prometheus.Histogram

	PartialResults    prometheus.Counter
	FinalResults      prometheus.Counter
	AbandonedRequests prometheus.Counter

	SessionMembers prometheus.Gauge
}

// NewClientMetrics registers the client collectors with the given registerer.
// A nil registerer falls back to the default registry.
func NewClientMetrics(reg prometheus.Registerer) *ClientMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &ClientMetrics{
		Connected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "interview_client_connected",
			Help: "Whether the service connection is currently established (1) or not (0)",
		}),
		ReconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "interview_client_reconnect_attempts_total",
			Help: "Total number of reconnection attempts",
		}),
		ReconnectFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "interview_client_reconnect_failures_total",
			Help: "Total number of terminal reconnection failures",
		}),
		EventsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "interview_client_events_received_total",
			Help: "Total number of inbound events by name",
		}, []string{"event"}),
		UnknownEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "interview_client_unknown_events_total",
			Help: "Total number of inbound events outside the contract",
		}),
		HandlerPanics: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "interview_client_handler_panics_total",
			Help: "Total number of recovered event handler panics by event",
		}, []string{"event"}),
		FramesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "interview_client_frames_sent_total",
			Help: "Total number of audio frames sent",
		}),
		FramesFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "interview_client_frames_failed_total",
			Help: "Total number of frame batches dropped on encode or send failure",
		}),
		FrameBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "interview_client_frame_bytes_total",
			Help: "Total wire bytes of sent audio frames",
		}),
		CompressionRatio: factory.NewGauge(prometheus.GaugeOpts{
			Name: "interview_client_compression_ratio",
			Help: "Smoothed compression ratio of sent audio frames",
		}),
		SendLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "interview_client_send_latency_seconds",
			Help:    "Round-trip time between frame send and service acknowledgement",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		PartialResults: factory.NewCounter(prometheus.CounterOpts{
			Name: "interview_client_partial_results_total",
			Help: "Total number of partial transcription results received",
		}),
		FinalResults: factory.NewCounter(prometheus.CounterOpts{
			Name: "interview_client_final_results_total",
			Help: "Total number of final transcription results received",
		}),
		AbandonedRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "interview_client_abandoned_requests_total",
			Help: "Total number of transcription requests evicted without a final result",
		}),
		SessionMembers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "interview_client_session_members",
			Help: "Number of members currently observed in the joined session",
		}),
	}
}

// SetConnected records the connection state.
func (m *ClientMetrics) SetConnected(connected bool) {
	if connected {
		m.Connected.Set(1)
	} else {
		m.Connected.Set(0)
	}
}

// RecordReconnectAttempt counts one reconnection attempt.
func (m *ClientMetrics) RecordReconnectAttempt() {
	m.ReconnectAttempts.Inc()
}

// RecordReconnectFailure counts one terminal reconnection failure.
func (m *ClientMetrics) RecordReconnectFailure() {
	m.ReconnectFailures.Inc()
}

// RecordEventReceived counts one dispatched inbound event.
func (m *ClientMetrics) RecordEventReceived(event string) {
	m.EventsReceived.WithLabelValues(event).Inc()
}

// RecordUnknownEvent counts one inbound event outside the contract.
func (m *ClientMetrics) RecordUnknownEvent() {
	m.UnknownEvents.Inc()
}

// RecordHandlerPanic counts one recovered handler panic.
func (m *ClientMetrics) RecordHandlerPanic(event string) {
	m.HandlerPanics.WithLabelValues(event).Inc()
}

// RecordFrameSent counts one sent frame with its wire size and smoothed
// compression ratio.
func (m *ClientMetrics) RecordFrameSent(wireBytes int, smoothedRatio float64) {
	m.FramesSent.Inc()
	m.FrameBytes.Add(float64(wireBytes))
	m.CompressionRatio.Set(smoothedRatio)
}

// RecordFrameFailed counts one dropped frame batch.
func (m *ClientMetrics) RecordFrameFailed() {
	m.FramesFailed.Inc()
}

// RecordSendLatency observes one frame acknowledgement round trip.
func (m *ClientMetrics) RecordSendLatency(rtt time.Duration) {
	m.SendLatency.Observe(rtt.Seconds())
}

// RecordPartialResult counts one partial transcription result.
func (m *ClientMetrics) RecordPartialResult() {
	m.PartialResults.Inc()
}

// RecordFinalResult counts one final transcription result.
func (m *ClientMetrics) RecordFinalResult() {
	m.FinalResults.Inc()
}

// RecordAbandonedRequest counts one request evicted without a final.
func (m *ClientMetrics) RecordAbandonedRequest() {
	m.AbandonedRequests.Inc()
}

// SetSessionMembers records the observed member count.
func (m *ClientMetrics) SetSessionMembers(count int) {
	m.SessionMembers.Set(float64(count))
}

// ServerMetrics holds the Prometheus collectors for the dev server.
type ServerMetrics struct {
	ActiveConnections prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	AuthFailures      prometheus.Counter
	ActiveSessions    prometheus.Gauge
	EventsHandled     *prometheus.CounterVec
	FramesRelayed     prometheus.Counter
	RelayedBytes      prometheus.Counter
	Utterances        prometheus.Counter
	EngineResults     *prometheus.CounterVec
}

// NewServerMetrics registers the dev server collectors with the given
// registerer. A nil registerer falls back to the default registry.
func NewServerMetrics(reg prometheus.Registerer) *ServerMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &ServerMetrics{
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "interview_server_active_connections",
			Help: "Number of live WebSocket connections",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "interview_server_connections_total",
			Help: "Total number of accepted WebSocket connections",
		}),
		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "interview_server_auth_failures_total",
			Help: "Total number of rejected credentials",
		}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "interview_server_active_sessions",
			Help: "Number of live sessions",
		}),
		EventsHandled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "interview_server_events_handled_total",
			Help: "Total number of handled client events by name",
		}, []string{"event"}),
		FramesRelayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "interview_server_frames_relayed_total",
			Help: "Total number of audio frames relayed to session members",
		}),
		RelayedBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "interview_server_relayed_bytes_total",
			Help: "Total wire bytes of relayed audio frames",
		}),
		Utterances: factory.NewCounter(prometheus.CounterOpts{
			Name: "interview_server_utterances_total",
			Help: "Total number of utterances segmented from streamed audio",
		}),
		EngineResults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "interview_server_engine_results_total",
			Help: "Total number of emitted transcription results by status",
		}, []string{"status"}),
	}
}

// RecordConnectionOpened counts a new connection.
func (m *ServerMetrics) RecordConnectionOpened() {
	m.ConnectionsTotal.Inc()
	m.ActiveConnections.Inc()
}

// RecordConnectionClosed releases a live connection.
func (m *ServerMetrics) RecordConnectionClosed() {
	m.ActiveConnections.Dec()
}

// RecordAuthFailure counts one rejected credential.
func (m *ServerMetrics) RecordAuthFailure() {
	m.AuthFailures.Inc()
}

// SetActiveSessions records the live session count.
func (m *ServerMetrics) SetActiveSessions(count int) {
	m.ActiveSessions.Set(float64(count))
}

// RecordEventHandled counts one handled client event.
func (m *ServerMetrics) RecordEventHandled(event string) {
	m.EventsHandled.WithLabelValues(event).Inc()
}

// RecordFrameRelayed counts one relayed audio frame.
func (m *ServerMetrics) RecordFrameRelayed(wireBytes int) {
	m.FramesRelayed.Inc()
	m.RelayedBytes.Add(float64(wireBytes))
}

// RecordUtterance counts one segmented utterance.
func (m *ServerMetrics) RecordUtterance() {
	m.Utterances.Inc()
}

// RecordEngineResult counts one emitted transcription result.
func (m *ServerMetrics) RecordEngineResult(status string) {
	m.EngineResults.WithLabelValues(status).Inc()
}
