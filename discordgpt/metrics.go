package discordgpt

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"strconv"
	"time"
)

const metricsNamespace = "discordgpt"

// turn outcomes, used as the 'outcome' label on turn metrics
const (
	outcomeOK            = "ok"
	outcomeContention    = "contention"
	outcomeNotFound      = "not_found"
	outcomeProviderError = "provider_error"
	outcomeRenderError   = "render_error"
	outcomeUnsaved       = "unsaved"
	outcomeFlagged       = "flagged"
	outcomeInvalid       = "invalid"
	outcomeLockError     = "lock_error"
)

// turn kinds
const (
	turnKindReply = "reply"
	turnKindChat  = "chat"
)

// Metrics holds the bot's prometheus collectors. Each Bot has its own
// registry, so several can run in one process (as in tests). A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	turns              *prometheus.CounterVec
	turnsInFlight      prometheus.Gauge
	completionDuration *prometheus.HistogramVec
	tokens             *prometheus.CounterVec
	renders            prometheus.Counter
	discordConnected   prometheus.Gauge
	discordConnects    prometheus.Counter
	discordDisconnects prometheus.Counter
	pruned             prometheus.Counter
	apiRequests        *prometheus.CounterVec
}

func newMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		turns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "turns_total",
				Help:      "Turns handled, by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		),
		turnsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "turns_in_flight",
				Help:      "Turns currently being handled.",
			},
		),
		completionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "completion_duration_seconds",
				Help:      "Time from sending a completion request to having the full reply.",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 60, 120},
			},
			[]string{"stream"},
		),
		tokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "tokens_total",
				Help:      "Tokens used, by type (prompt or completion).",
			},
			[]string{"type"},
		),
		renders: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "stream_renders_total",
				Help:      "Message edits made while streaming replies.",
			},
		),
		discordConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "discord_connected",
				Help:      "1 if the discord gateway is connected.",
			},
		),
		discordConnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "discord_connects_total",
				Help:      "Discord gateway connects.",
			},
		),
		discordDisconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "discord_disconnects_total",
				Help:      "Discord gateway disconnects.",
			},
		),
		pruned: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "conversations_pruned_total",
				Help:      "Conversations deleted by retention.",
			},
		),
		apiRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "api_requests_total",
				Help:      "Admin API requests, by method, route and status code.",
			},
			[]string{"method", "route", "status"},
		),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.turns,
		m.turnsInFlight,
		m.completionDuration,
		m.tokens,
		m.renders,
		m.discordConnected,
		m.discordConnects,
		m.discordDisconnects,
		m.pruned,
		m.apiRequests,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// turnStarted increments the in-flight gauge, and returns a func
// recording the turn's outcome
func (m *Metrics) turnStarted(kind string) func(outcome string) {
	if m == nil {
		return func(string) {}
	}
	m.turnsInFlight.Inc()
	return func(outcome string) {
		m.turnsInFlight.Dec()
		m.turns.WithLabelValues(kind, outcome).Inc()
	}
}

func (m *Metrics) observeCompletion(stream bool, elapsed time.Duration, usage TokenUsage) {
	if m == nil {
		return
	}
	label := "false"
	if stream {
		label = "true"
	}
	m.completionDuration.WithLabelValues(label).Observe(elapsed.Seconds())
	m.tokens.WithLabelValues("prompt").Add(float64(usage.PromptTokens))
	m.tokens.WithLabelValues("completion").Add(float64(usage.CompletionTokens))
}

func (m *Metrics) observeRender() {
	if m == nil {
		return
	}
	m.renders.Inc()
}

func (m *Metrics) setConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.discordConnected.Set(1)
		m.discordConnects.Inc()
		return
	}
	m.discordConnected.Set(0)
	m.discordDisconnects.Inc()
}

func (m *Metrics) observePruned(n int64) {
	if m == nil {
		return
	}
	m.pruned.Add(float64(n))
}

func (m *Metrics) observeAPIRequest(method, route string, status int) {
	if m == nil {
		return
	}
	m.apiRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}
