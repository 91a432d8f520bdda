// Package metrics exposes Prometheus instrumentation for the session engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Operation names used as the "op" label.
const (
	OpSend         = "send"
	OpTranscribe   = "transcribe"
	OpListHistory  = "list_conversations"
	OpLoadHistory  = "load_conversation"
	OpAuthenticate = "authenticate"
)

const (
	resultSuccess = "success"
	resultFailure = "failure"
)

// Metrics holds all collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Channel
	ChannelState      prometheus.Gauge
	ReconnectAttempts prometheus.Counter
	ChannelExhausted  prometheus.Counter
	EventsReceived    prometheus.Counter

	// Session
	MessagesAppended  *prometheus.CounterVec
	DuplicatesDropped prometheus.Counter
	SendFailures      prometheus.Counter
	RevealsStarted    prometheus.Counter
	RevealsCancelled  prometheus.Counter

	// API
	Requests        *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// New creates and registers all collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ChannelState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tutorchat_channel_state",
			Help: "Current realtime channel state (0=disconnected 1=connecting 2=connected 3=reconnecting 4=error)",
		}),
		ReconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "tutorchat_channel_reconnect_attempts_total",
			Help: "Total number of channel reconnect attempts",
		}),
		ChannelExhausted: factory.NewCounter(prometheus.CounterOpts{
			Name: "tutorchat_channel_exhausted_total",
			Help: "Number of times the channel gave up reconnecting",
		}),
		EventsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "tutorchat_channel_events_total",
			Help: "Total number of inbound message events",
		}),

		MessagesAppended: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tutorchat_messages_appended_total",
			Help: "Messages appended to the active conversation by source",
		}, []string{"source"}),
		DuplicatesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "tutorchat_messages_duplicate_total",
			Help: "Inbound messages dropped because their id was already present",
		}),
		SendFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "tutorchat_send_failures_total",
			Help: "Messages marked failed after a dispatch error",
		}),
		RevealsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "tutorchat_reveals_started_total",
			Help: "Incremental reveals started",
		}),
		RevealsCancelled: factory.NewCounter(prometheus.CounterOpts{
			Name: "tutorchat_reveals_cancelled_total",
			Help: "Incremental reveals cancelled before completion",
		}),

		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tutorchat_api_requests_total",
			Help: "API calls by operation and result",
		}, []string{"op", "result"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tutorchat_api_request_duration_seconds",
			Help:    "API call latency by operation",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
	}
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the collectors in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetChannelState records the numeric channel state.
func (m *Metrics) SetChannelState(state int) {
	if m == nil {
		return
	}
	m.ChannelState.Set(float64(state))
}

// IncReconnect counts one reconnect attempt.
func (m *Metrics) IncReconnect() {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc()
}

// IncExhausted counts a channel that gave up.
func (m *Metrics) IncExhausted() {
	if m == nil {
		return
	}
	m.ChannelExhausted.Inc()
}

// IncEvent counts an inbound event.
func (m *Metrics) IncEvent() {
	if m == nil {
		return
	}
	m.EventsReceived.Inc()
}

// IncAppended counts messages appended from source ("local", "channel", "history").
func (m *Metrics) IncAppended(source string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.MessagesAppended.WithLabelValues(source).Add(float64(n))
}

// IncDuplicate counts a deduplicated inbound message.
func (m *Metrics) IncDuplicate() {
	if m == nil {
		return
	}
	m.DuplicatesDropped.Inc()
}

// IncSendFailure counts a message marked failed.
func (m *Metrics) IncSendFailure() {
	if m == nil {
		return
	}
	m.SendFailures.Inc()
}

// IncReveal counts a started reveal.
func (m *Metrics) IncReveal() {
	if m == nil {
		return
	}
	m.RevealsStarted.Inc()
}

// IncRevealCancelled counts a reveal stopped early.
func (m *Metrics) IncRevealCancelled() {
	if m == nil {
		return
	}
	m.RevealsCancelled.Inc()
}

// ObserveRequest records one API call.
func (m *Metrics) ObserveRequest(op string, started time.Time, err error) {
	if m == nil {
		return
	}
	result := resultSuccess
	if err != nil {
		result = resultFailure
	}
	m.Requests.WithLabelValues(op, result).Inc()
	m.RequestDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
}
