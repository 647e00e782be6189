package discordgpt

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestValidateCron(t *testing.T) {
	tests := []struct {
		expr  string
		valid bool
	}{
		{DefaultRetentionCron, true},
		{"*/15 * * * *", true},
		{"@daily", true},
		{"every day", false},
	}
	for _, tc := range tests {
		t.Run(
			tc.expr, func(t *testing.T) {
				err := structValidator.Var(tc.expr, "cron")
				if tc.valid {
					assert.NoError(t, err)
				} else {
					assert.Error(t, err)
				}
			},
		)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg.OpenAI)
	assert.Equal(t, DefaultOpenAIModel, cfg.OpenAI.Model)
	assert.True(t, cfg.OpenAI.Moderation)
	assert.Equal(t, DefaultReplyLockBackend, cfg.ReplyLock.Backend)
	assert.Equal(t, DefaultRenderDisplayLimit, cfg.Render.DisplayLimit)
	assert.False(t, cfg.Retention.Enabled)
	assert.True(t, cfg.API.Enabled)

	// the tokens are the only required settings without defaults
	err := structValidator.Struct(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Token")
	assert.Contains(t, err.Error(), "ApplicationID")

	cfg.OpenAI.Token = "o"
	cfg.Discord.Token = "d"
	cfg.Discord.ApplicationID = "a"
	assert.NoError(t, structValidator.Struct(cfg))

	// log levels are independent
	cfg.LogLevel.Set(cfg.LogLevel.Level() - 4)
	assert.NotEqual(t, cfg.LogLevel.Level(), DefaultConfig().LogLevel.Level())
}

func TestDefaultCORSConfig(t *testing.T) {
	a := DefaultCORSConfig()
	a.AllowMethods[0] = "PATCH"
	assert.Equal(t, DefaultCORSAllowMethods, DefaultCORSConfig().AllowMethods)

	gc := DefaultCORSConfig().GINConfig()
	assert.True(t, gc.AllowCredentials)
	assert.Contains(t, gc.ExposeHeaders, xRequestIDHeader)
}

func TestConfig_LogValueRedacted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OpenAI.Token = "sk-very-secret"
	cfg.Discord.Token = "discord-very-secret"
	cfg.API.Secret = "api-very-secret"

	s := cfg.LogValue().String()
	assert.NotContains(t, s, "very-secret")
	assert.Contains(t, s, "[redacted]")
}
