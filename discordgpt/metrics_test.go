package discordgpt

import (
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

func TestMetrics_Nil(t *testing.T) {
	var m *Metrics
	assert.Nil(t, m.Registry())
	assert.NotPanics(
		t, func() {
			m.turnStarted(turnKindReply)(outcomeOK)
			m.observeCompletion(true, time.Second, TokenUsage{PromptTokens: 1})
			m.observeRender()
			m.setConnected(true)
			m.observePruned(1)
			m.observeAPIRequest("GET", "/healthz", 200)
		},
	)
}

func TestMetrics_Turns(t *testing.T) {
	m := newMetrics()

	finish := m.turnStarted(turnKindChat)
	assert.InDelta(t, 1, testutil.ToFloat64(m.turnsInFlight), 0)
	finish(outcomeFlagged)
	assert.InDelta(t, 0, testutil.ToFloat64(m.turnsInFlight), 0)

	m.turnStarted(turnKindReply)(outcomeOK)
	m.turnStarted(turnKindReply)(outcomeOK)

	assert.InDelta(t, 1, testutil.ToFloat64(m.turns.WithLabelValues(turnKindChat, outcomeFlagged)), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.turns.WithLabelValues(turnKindReply, outcomeOK)), 0)
}

func TestMetrics_Completion(t *testing.T) {
	m := newMetrics()
	m.observeCompletion(true, 3*time.Second, TokenUsage{PromptTokens: 10, CompletionTokens: 4})
	m.observeCompletion(false, time.Second, TokenUsage{PromptTokens: 5, CompletionTokens: 1})

	assert.InDelta(t, 15, testutil.ToFloat64(m.tokens.WithLabelValues("prompt")), 0)
	assert.InDelta(t, 5, testutil.ToFloat64(m.tokens.WithLabelValues("completion")), 0)
	assert.Equal(t, 2, testutil.CollectAndCount(m.completionDuration))
}

func TestMetrics_Connection(t *testing.T) {
	m := newMetrics()
	m.setConnected(true)
	m.setConnected(false)
	m.setConnected(true)

	assert.InDelta(t, 1, testutil.ToFloat64(m.discordConnected), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.discordConnects), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.discordDisconnects), 0)
}

func TestMetrics_Registry(t *testing.T) {
	m := newMetrics()
	m.observeRender()
	m.observeAPIRequest("POST", "/login", 429)

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "discordgpt_stream_renders_total")
	assert.Contains(t, names, "discordgpt_api_requests_total")
	assert.Contains(t, names, "go_goroutines")

	// each bot has its own registry
	assert.NotSame(t, m.Registry(), newMetrics().Registry())
}
