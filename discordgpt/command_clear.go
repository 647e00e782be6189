package discordgpt

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const noticeClearFailed = "There was an error while clearing your data. Please try again later!"

// runClearCommand handles /clear, deleting every conversation the user
// started
func (b *Bot) runClearCommand(ctx context.Context, i *discordgo.InteractionCreate) {
	logger := b.ctxLogger(ctx)

	user := getDiscordUser(i)
	if user == nil {
		logger.WarnContext(ctx, "no user found for interaction")
		return
	}

	label := b.config.OpenAI.AssistantLabel
	err := b.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: fmt.Sprintf("Clearing all %s data...", label),
				Flags:   discordgo.MessageFlagsEphemeral,
			},
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		logger.ErrorContext(ctx, "error responding to clear command", tint.Err(err))
		return
	}

	content := fmt.Sprintf("Cleared all %s data!", label)
	deleted, err := b.store.ClearOwner(ctx, user.ID)
	if err != nil {
		logger.ErrorContext(ctx, "error clearing conversations", tint.Err(err))
		content = noticeClearFailed
	} else {
		logger.InfoContext(ctx, "cleared conversations", "user_id", user.ID, "deleted", deleted)
	}

	if _, err = b.discord.session.InteractionResponseEdit(
		i.Interaction,
		&discordgo.WebhookEdit{Content: &content},
		discordgo.WithContext(ctx),
	); err != nil {
		logger.ErrorContext(ctx, "error editing clear command response", tint.Err(err))
	}
}

func (b *Bot) runPingCommand(ctx context.Context, i *discordgo.InteractionCreate) {
	err := b.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{Content: "Pong!"},
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		b.ctxLogger(ctx).ErrorContext(ctx, "error responding to ping", tint.Err(err))
	}
}
