package discordgpt

import (
	"bytes"
	"context"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"testing"
)

func TestLoggerCtx(t *testing.T) {
	_, ok := ContextLogger(context.Background())
	assert.False(t, ok)

	logger := slog.Default().With("test", t.Name())
	ctx := WithLogger(context.Background(), logger)
	got, ok := ContextLogger(ctx)
	require.True(t, ok)
	assert.Same(t, logger, got)

	got, ok = ContextLogger(WithLogger(context.Background(), nil))
	require.True(t, ok)
	assert.Same(t, slog.Default(), got)
}

func TestConfigLogValue(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Discord.Token = "super-secret-token"
	cfg.OpenAI.Token = "another-secret"
	cfg.OpenAI.LogLevel.Set(slog.LevelDebug)

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	logger.Info("loaded config", "config", cfg)

	out := buf.String()
	assert.NotContains(t, out, "super-secret-token")
	assert.NotContains(t, out, "another-secret")
	assert.Contains(t, out, `"token":"[redacted]"`)
	assert.Contains(t, out, `"openai":{`)
	assert.Contains(t, out, `"log_level":"DEBUG"`)
	assert.NotContains(t, out, `"guild_id"`, "unset fields are omitted")
}

func TestMessageAttr(t *testing.T) {
	m := &discordgo.Message{
		ID:        "m1",
		ChannelID: "c1",
		Author:    &discordgo.User{ID: "u1", Username: "someone"},
		MessageReference: &discordgo.MessageReference{
			MessageID: "m0",
		},
	}
	attr := messageAttr(m)
	assert.Equal(t, "message", attr.Key)

	got := map[string]string{}
	for _, a := range attr.Value.Group() {
		got[a.Key] = a.Value.String()
	}
	assert.Equal(t, "m0", got["reply_to_id"])
	assert.Equal(t, "u1", got[columnOwnerID])
	assert.NotContains(t, got, "guild_id")
}

func TestInteractionAttr(t *testing.T) {
	i := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:        "i1",
			Type:      discordgo.InteractionApplicationCommand,
			ChannelID: "c1",
		},
	}
	attr := interactionAttr(i)
	assert.Equal(t, "interaction", attr.Key)
	assert.Len(t, attr.Value.Group(), 3)
}
