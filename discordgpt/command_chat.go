package discordgpt

import (
	"context"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// runChatCommand handles /chat: the response is deferred (ephemeral if
// requested), then the orchestrator starts a conversation in it.
func (b *Bot) runChatCommand(ctx context.Context, i *discordgo.InteractionCreate) {
	logger := b.ctxLogger(ctx)

	user := getDiscordUser(i)
	if user == nil {
		logger.WarnContext(ctx, "no user found for interaction")
		return
	}

	options := commandOptions(i)
	turn := chatTurnFromOptions(user, options)

	var flags discordgo.MessageFlags
	if optionBool(options, chatOptionEphemeral) {
		flags = discordgo.MessageFlagsEphemeral
	}

	if err := b.discord.session.InteractionRespond(
		i.Interaction,
		ackResponse(flags),
		discordgo.WithContext(ctx),
	); err != nil {
		logger.ErrorContext(ctx, "error acknowledging interaction", tint.Err(err))
		return
	}

	surface := newInteractionSurface(b.discord.session, i.Interaction, flags)
	if err := b.orchestrator.StartConversation(ctx, surface, turn); err != nil {
		logger.InfoContext(ctx, "chat command ended with error", tint.Err(err))
	}
}

func chatTurnFromOptions(
	user *discordgo.User,
	options commandOptionMap,
) ChatTurn {
	return ChatTurn{
		UserID:   user.ID,
		Username: user.Username,
		Content:  optionString(options, chatOptionMessage),
		Stream:   optionBool(options, chatOptionStream),
		Raw:      optionBool(options, chatOptionRaw),
		Preset:   optionString(options, chatOptionPrompt),
		Persona:  optionString(options, chatOptionPersona),
	}
}

func optionString(
	options commandOptionMap,
	name string,
) string {
	opt, ok := options[name]
	if !ok || opt.Type != discordgo.ApplicationCommandOptionString {
		return ""
	}
	return opt.StringValue()
}

func optionBool(
	options commandOptionMap,
	name string,
) bool {
	opt, ok := options[name]
	if !ok || opt.Type != discordgo.ApplicationCommandOptionBoolean {
		return false
	}
	return opt.BoolValue()
}
