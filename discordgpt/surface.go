package discordgpt

import (
	"context"
	"errors"
	"github.com/bwmarrin/discordgo"
	"sync"
)

// MessageSurface is where a turn's replies are shown. Implementations
// don't retry failed calls.
type MessageSurface interface {
	// Send posts a new message and returns its ID
	Send(ctx context.Context, reply Reply) (messageID string, err error)

	// Edit replaces the content of a message previously returned by Send
	Edit(ctx context.Context, messageID string, reply Reply) error

	Delete(ctx context.Context, messageID string) error

	// SignalTyping shows the typing indicator, where supported
	SignalTyping(ctx context.Context) error
}

// channelSurface posts replies to a channel message, as discord replies
// referencing that message
type channelSurface struct {
	session   DiscordSessionHandler
	channelID string
	reference *discordgo.MessageReference
}

func newChannelSurface(session DiscordSessionHandler, m *discordgo.Message) *channelSurface {
	return &channelSurface{
		session:   session,
		channelID: m.ChannelID,
		reference: m.Reference(),
	}
}

func (c *channelSurface) Send(ctx context.Context, reply Reply) (string, error) {
	msg, err := c.session.ChannelMessageSendComplex(
		c.channelID,
		&discordgo.MessageSend{
			Content:   reply.Content,
			Embeds:    reply.Embeds,
			Files:     reply.Files,
			Reference: c.reference,
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return "", err
	}
	return msg.ID, nil
}

func (c *channelSurface) Edit(ctx context.Context, messageID string, reply Reply) error {
	content := reply.Content
	embeds := reply.Embeds
	edit := &discordgo.MessageEdit{
		ID:      messageID,
		Channel: c.channelID,
		Content: &content,
		Embeds:  &embeds,
		Files:   reply.Files,
	}
	if len(reply.Files) > 0 {
		// drops the previous attachment, so edits replace it
		// rather than pile up
		edit.Attachments = &[]*discordgo.MessageAttachment{}
	}
	_, err := c.session.ChannelMessageEditComplex(edit, discordgo.WithContext(ctx))
	return err
}

func (c *channelSurface) Delete(ctx context.Context, messageID string) error {
	return c.session.ChannelMessageDelete(c.channelID, messageID, discordgo.WithContext(ctx))
}

func (c *channelSurface) SignalTyping(ctx context.Context) error {
	return c.session.ChannelTyping(c.channelID, discordgo.WithContext(ctx))
}

// interactionSurface shows replies as the response to a slash command.
// The interaction must already have a deferred response. The first Send
// fills in that response; later Sends are followup messages.
type interactionSurface struct {
	session     DiscordSessionHandler
	interaction *discordgo.Interaction

	// flags are applied to followups, so they match the response
	// (ex: ephemeral)
	flags discordgo.MessageFlags

	mu         sync.Mutex
	responseID string
}

func newInteractionSurface(
	session DiscordSessionHandler,
	i *discordgo.Interaction,
	flags discordgo.MessageFlags,
) *interactionSurface {
	return &interactionSurface{session: session, interaction: i, flags: flags}
}

func (s *interactionSurface) isResponse(messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return messageID == "" || messageID == s.responseID
}

func (s *interactionSurface) Send(ctx context.Context, reply Reply) (string, error) {
	s.mu.Lock()
	responded := s.responseID != ""
	s.mu.Unlock()

	var msg *discordgo.Message
	var err error
	if responded {
		msg, err = s.session.FollowupMessageCreate(
			s.interaction,
			true,
			&discordgo.WebhookParams{
				Content: reply.Content,
				Embeds:  reply.Embeds,
				Files:   reply.Files,
				Flags:   s.flags,
			},
			discordgo.WithContext(ctx),
		)
	} else {
		msg, err = s.session.InteractionResponseEdit(
			s.interaction,
			webhookEdit(reply),
			discordgo.WithContext(ctx),
		)
	}
	if err != nil {
		return "", err
	}
	if msg == nil {
		return "", errors.New("no message returned for interaction response")
	}
	if !responded {
		s.mu.Lock()
		s.responseID = msg.ID
		s.mu.Unlock()
	}
	return msg.ID, nil
}

func (s *interactionSurface) Edit(ctx context.Context, messageID string, reply Reply) error {
	var err error
	if s.isResponse(messageID) {
		_, err = s.session.InteractionResponseEdit(
			s.interaction,
			webhookEdit(reply),
			discordgo.WithContext(ctx),
		)
	} else {
		_, err = s.session.FollowupMessageEdit(
			s.interaction,
			messageID,
			webhookEdit(reply),
			discordgo.WithContext(ctx),
		)
	}
	return err
}

func (s *interactionSurface) Delete(ctx context.Context, messageID string) error {
	if s.isResponse(messageID) {
		return s.session.InteractionResponseDelete(s.interaction, discordgo.WithContext(ctx))
	}
	return s.session.FollowupMessageDelete(s.interaction, messageID, discordgo.WithContext(ctx))
}

// SignalTyping is a no-op, the deferred response already shows the bot
// as thinking
func (*interactionSurface) SignalTyping(context.Context) error {
	return nil
}

func webhookEdit(reply Reply) *discordgo.WebhookEdit {
	content := reply.Content
	embeds := reply.Embeds
	edit := &discordgo.WebhookEdit{
		Content: &content,
		Embeds:  &embeds,
		Files:   reply.Files,
	}
	if len(reply.Files) > 0 {
		edit.Attachments = &[]*discordgo.MessageAttachment{}
	}
	return edit
}
