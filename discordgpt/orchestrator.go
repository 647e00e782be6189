package discordgpt

import (
	"context"
	"errors"
	"fmt"
	"github.com/dustin/go-humanize"
	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
	"log/slog"
	"time"
)

// user-facing notices
const (
	noticeContention = "I am replying to this message! Please try again when I am done!"
	noticeNotFound   = "There was an error while getting the message from the database. " +
		"Please try again later!"
	noticeLockError = "Something went wrong while starting this reply. " +
		"Please try again later."
	noticeProviderError = "There was an error while getting a response from the API. " +
		"Please try again later."
	noticeUnsaved = "I couldn't save this reply, so replying to it won't continue " +
		"the conversation."
	noticeFlagged = "Your message was flagged by the moderation API. " +
		"Please try again with a different message."
	noticeModerationError = "There was an error while checking your message for " +
		"moderation. Please try again later."
)

var (
	errProvider = errors.New("completion provider error")
	errRender   = errors.New("error rendering reply")
	errPersist  = errors.New("error saving conversation")
)

// TurnDeps are the collaborators a TurnOrchestrator works with.
// Moderator, Metrics and Prompts may be nil.
type TurnDeps struct {
	Store     ConversationStore
	Locks     ReplyLocker
	Provider  CompletionProvider
	Moderator Moderator
	Tokens    TokenCounter
	Metrics   *Metrics
	Prompts   *PromptLibrary

	// Now defaults to time.Now
	Now func() time.Time

	// After defaults to time.After. It's used to wait before deleting
	// transient notices.
	After func(time.Duration) <-chan time.Time
}

// TurnOrchestrator runs user turns: replies to bot messages, which
// continue an existing conversation, and /chat commands, which start one.
type TurnOrchestrator struct {
	deps   TurnDeps
	logger *slog.Logger

	renderer             renderer
	typingInterval       time.Duration
	transientDeleteDelay time.Duration
	requestTimeout       time.Duration
	assistantLabel       string
}

func NewTurnOrchestrator(deps TurnDeps, config *Config, logger *slog.Logger) *TurnOrchestrator {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.After == nil {
		deps.After = time.After
	}
	if deps.Tokens == nil {
		deps.Tokens = tiktokenCounter{}
	}
	if deps.Prompts == nil {
		deps.Prompts = DefaultPromptLibrary()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TurnOrchestrator{
		deps:                 deps,
		logger:               logger.With(loggerNameKey, "orchestrator"),
		renderer:             newRenderer(config.Render),
		typingInterval:       config.Discord.TypingInterval,
		transientDeleteDelay: config.Discord.TransientDeleteDelay,
		requestTimeout:       config.OpenAI.RequestTimeout,
		assistantLabel:       config.OpenAI.AssistantLabel,
	}
}

// ReplyTurn is a user message replying to one of the bot's messages
type ReplyTurn struct {
	// ReplyToID is the bot message being replied to
	ReplyToID string

	// UserMessageID is the user's message
	UserMessageID string

	UserID   string
	Username string
	Content  string

	// AssistantLabel is stored as the speaker of the reply. Defaults to
	// the configured assistant label.
	AssistantLabel string

	Stream bool
}

func (t ReplyTurn) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("reply_to_id", t.ReplyToID),
		slog.String("user_message_id", t.UserMessageID),
		slog.String("user_id", t.UserID),
		slog.String("username", t.Username),
		slog.Bool("stream", t.Stream),
	)
}

// ChatTurn is a /chat command, starting a new conversation
type ChatTurn struct {
	UserID   string
	Username string
	Content  string
	Stream   bool
	Raw      bool

	// Preset is the 'prompt' option value, if set
	Preset string

	// Persona fills in names for presets that need them
	Persona string
}

func (t ChatTurn) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("user_id", t.UserID),
		slog.String("username", t.Username),
		slog.Bool("stream", t.Stream),
		slog.Bool("raw", t.Raw),
		slog.String("preset", t.Preset),
	)
}

func (o *TurnOrchestrator) ctxLogger(ctx context.Context) *slog.Logger {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		return o.logger
	}
	return logger
}

// HandleReply continues the conversation addressed by turn.ReplyToID.
//
// The reply lock for ReplyToID is held from before the conversation is
// loaded until the reply has been rendered, and is released on every
// path. If another reply is already in flight, a notice is shown, the
// notice and the user's message are deleted after a delay, and
// ErrReplyInProgress is returned. On success the exchange is appended
// to the conversation, which becomes addressed by the new reply.
func (o *TurnOrchestrator) HandleReply(
	ctx context.Context,
	surface MessageSurface,
	turn ReplyTurn,
) error {
	logger := o.ctxLogger(ctx).With("turn", turn)
	ctx = WithLogger(ctx, logger)
	started := o.deps.Now()

	outcome := outcomeOK
	finish := o.deps.Metrics.turnStarted(turnKindReply)
	defer func() { finish(outcome) }()

	release, err := acquireReplyLock(ctx, o.deps.Locks, turn.ReplyToID, logger)
	if err != nil {
		if errors.Is(err, ErrReplyInProgress) {
			outcome = outcomeContention
			logger.InfoContext(ctx, "reply already in progress")
			o.transientNotice(ctx, surface, noticeContention, turn.UserMessageID)
			return err
		}
		outcome = outcomeLockError
		logger.ErrorContext(ctx, "error acquiring reply lock", tint.Err(err))
		o.transientNotice(ctx, surface, noticeLockError, turn.UserMessageID)
		return err
	}
	defer release()

	conv, err := o.deps.Store.Load(ctx, turn.ReplyToID)
	if err != nil {
		outcome = outcomeNotFound
		if !errors.Is(err, ErrConversationNotFound) {
			logger.ErrorContext(ctx, "error loading conversation", tint.Err(err))
		} else {
			logger.InfoContext(ctx, "no conversation for message")
		}
		release()
		o.transientNotice(ctx, surface, noticeNotFound, turn.UserMessageID)
		return err
	}
	logger = logger.With("conversation_id", conv.ID)
	ctx = WithLogger(ctx, logger)

	messages := buildMessages(conv.Turns, conv.Raw, started, turn.Content)

	result, err := o.complete(
		ctx, surface, completionRequest{
			user:     turn.UserID,
			messages: messages,
			stream:   turn.Stream,
			started:  started,
		},
	)
	if err != nil {
		release()
		outcome = o.failCompletion(ctx, surface, result.messageID, err)
		return err
	}

	release()

	assistantLabel := turn.AssistantLabel
	if assistantLabel == "" {
		assistantLabel = o.assistantLabel
	}
	newTurns := []ConversationTurn{
		{SpeakerLabel: turn.Username, Role: RoleUser, Content: turn.Content},
		{SpeakerLabel: assistantLabel, Role: RoleAssistant, Content: result.content},
	}
	err = o.deps.Store.AppendAndRekey(ctx, turn.ReplyToID, newTurns, result.messageID)
	if err != nil {
		outcome = outcomeUnsaved
		o.warnUnsaved(ctx, surface, err)
		return fmt.Errorf("%w: %w", errPersist, err)
	}

	logger.InfoContext(
		ctx,
		"reply saved",
		"message_id", result.messageID,
		"elapsed", o.deps.Now().Sub(started),
	)
	return nil
}

// StartConversation runs a /chat command. The surface should be an
// interaction surface whose first Send becomes the conversation's
// first message.
func (o *TurnOrchestrator) StartConversation(
	ctx context.Context,
	surface MessageSurface,
	turn ChatTurn,
) error {
	logger := o.ctxLogger(ctx).With("turn", turn)
	ctx = WithLogger(ctx, logger)
	started := o.deps.Now()

	outcome := outcomeOK
	finish := o.deps.Metrics.turnStarted(turnKindChat)
	defer func() { finish(outcome) }()

	if o.deps.Moderator != nil {
		flagged, err := o.deps.Moderator.Moderate(ctx, turn.UserID, turn.Content)
		switch {
		case err != nil:
			outcome = outcomeProviderError
			o.sendNotice(ctx, surface, noticeModerationError)
			return fmt.Errorf("moderation failed: %w", err)
		case flagged:
			outcome = outcomeFlagged
			o.sendNotice(ctx, surface, noticeFlagged)
			return ErrMessageFlagged
		}
	}

	raw := turn.Raw
	var storedTurns []ConversationTurn
	var messages []openai.ChatCompletionMessage

	if turn.Preset != "" {
		presetPrompt, err := o.deps.Prompts.Resolve(turn.Preset, turn.Persona)
		if err != nil {
			outcome = outcomeInvalid
			o.sendNotice(ctx, surface, err.Error())
			return err
		}
		// presets replace the context prompt, and are kept in the
		// conversation so replies continue in character
		raw = true
		storedTurns = append(
			storedTurns,
			ConversationTurn{SpeakerLabel: turn.Username, Role: RoleUser, Content: presetPrompt},
		)
		messages = append(
			messages,
			openai.ChatCompletionMessage{Role: string(RoleUser), Content: presetPrompt},
		)
		messages = append(
			messages,
			openai.ChatCompletionMessage{Role: string(RoleUser), Content: turn.Content},
		)
	} else {
		messages = buildMessages(nil, raw, started, turn.Content)
	}

	promptTokens := countMessageTokens(o.deps.Tokens, messages)
	messageID, err := surface.Send(
		ctx,
		o.renderer.loading(TokenUsage{PromptTokens: promptTokens}, 0),
	)
	if err != nil {
		outcome = outcomeRenderError
		logger.ErrorContext(ctx, "error sending initial response", tint.Err(err))
		return fmt.Errorf("%w: %w", errRender, err)
	}

	result, err := o.complete(
		ctx, surface, completionRequest{
			user:         turn.UserID,
			messages:     messages,
			stream:       turn.Stream,
			started:      started,
			promptTokens: promptTokens,
			messageID:    messageID,
		},
	)
	if err != nil {
		outcome = o.failCompletion(ctx, surface, messageID, err)
		return err
	}

	storedTurns = append(
		storedTurns,
		ConversationTurn{SpeakerLabel: turn.Username, Role: RoleUser, Content: turn.Content},
		ConversationTurn{
			SpeakerLabel: o.assistantLabel,
			Role:         RoleAssistant,
			Content:      result.content,
		},
	)
	conv, err := o.deps.Store.Create(
		ctx,
		turn.UserID,
		turn.Username,
		storedTurns,
		result.messageID,
		raw,
	)
	if err != nil {
		outcome = outcomeUnsaved
		o.warnUnsaved(ctx, surface, err)
		return fmt.Errorf("%w: %w", errPersist, err)
	}
	logger.InfoContext(
		ctx,
		"conversation started",
		"conversation_id", conv.ID,
		"message_id", result.messageID,
		"elapsed", o.deps.Now().Sub(started),
	)
	return nil
}

type completionRequest struct {
	user     string
	messages []openai.ChatCompletionMessage
	stream   bool
	started  time.Time

	// promptTokens is shown until the provider reports usage. When
	// zero, it's estimated from messages.
	promptTokens int

	// messageID is an already-sent message to render into. When empty,
	// the first render is sent as a new message.
	messageID string
}

type completionResult struct {
	content   string
	usage     TokenUsage
	messageID string
}

// complete calls the provider and renders the reply, returning the ID
// of the message it was rendered into. Provider failures are wrapped
// with errProvider, and failures to show the final reply with errRender.
// The returned messageID is set whenever a message was sent, even on
// error.
func (o *TurnOrchestrator) complete(
	ctx context.Context,
	surface MessageSurface,
	req completionRequest,
) (completionResult, error) {
	logger := o.ctxLogger(ctx)
	result := completionResult{messageID: req.messageID}
	if req.promptTokens == 0 {
		req.promptTokens = countMessageTokens(o.deps.Tokens, req.messages)
	}

	// bounds the whole request, including reading a streamed body
	pctx, cancel := context.WithTimeout(ctx, o.requestTimeout)
	defer cancel()

	requestStarted := o.deps.Now()

	if !req.stream {
		stopTyping := o.keepTyping(ctx, surface)
		completion, err := o.deps.Provider.Complete(pctx, req.user, req.messages)
		stopTyping()
		if err != nil {
			return result, fmt.Errorf("%w: %w", errProvider, err)
		}
		o.deps.Metrics.observeCompletion(false, o.deps.Now().Sub(requestStarted), completion.Usage)

		result.content = completion.Content
		result.usage = completion.Usage
		reply := o.renderer.render(completion.Content, completion.Usage, o.deps.Now().Sub(req.started))
		o.logAttachment(ctx, reply)
		if err = o.show(ctx, surface, &result, reply); err != nil {
			return result, fmt.Errorf("%w: %w", errRender, err)
		}
		return result, nil
	}

	stopTyping := o.keepTyping(ctx, surface)
	body, err := o.deps.Provider.CompleteStream(pctx, req.user, req.messages)
	stopTyping()
	if err != nil {
		return result, fmt.Errorf("%w: %w", errProvider, err)
	}
	defer func() {
		if closeErr := body.Close(); closeErr != nil {
			logger.WarnContext(ctx, "error closing completion stream", tint.Err(closeErr))
		}
	}()

	if result.messageID == "" {
		loading := o.renderer.loading(
			TokenUsage{PromptTokens: req.promptTokens},
			o.deps.Now().Sub(req.started),
		)
		if err = o.show(ctx, surface, &result, loading); err != nil {
			return result, fmt.Errorf("%w: %w", errRender, err)
		}
	}

	acc := NewStreamAccumulator()
	content, err := acc.Reassemble(
		pctx, body, func(ev RenderEvent) error {
			result.usage = TokenUsage{
				PromptTokens:     req.promptTokens,
				CompletionTokens: o.deps.Tokens.Count(ev.Content),
			}
			reply := o.renderer.render(ev.Content, result.usage, o.deps.Now().Sub(req.started))
			if ev.Final {
				o.logAttachment(ctx, reply)
				if e := o.show(ctx, surface, &result, reply); e != nil {
					return fmt.Errorf("%w: %w", errRender, e)
				}
				return nil
			}
			o.deps.Metrics.observeRender()
			if e := o.show(ctx, surface, &result, reply); e != nil {
				// a missed intermediate edit is caught up by the next one
				logger.WarnContext(ctx, "error rendering partial reply", tint.Err(e))
			}
			return nil
		},
	)
	result.content = content
	if err != nil {
		if errors.Is(err, errRender) {
			return result, err
		}
		logger.ErrorContext(
			ctx,
			"completion stream failed",
			"received_chars", acc.Len(),
			tint.Err(err),
		)
		return result, fmt.Errorf("%w: %w", errProvider, err)
	}
	o.deps.Metrics.observeCompletion(true, o.deps.Now().Sub(requestStarted), result.usage)
	return result, nil
}

// show sends reply as a new message if result has none yet, otherwise
// edits the existing one
func (o *TurnOrchestrator) show(
	ctx context.Context,
	surface MessageSurface,
	result *completionResult,
	reply Reply,
) error {
	if result.messageID == "" {
		id, err := surface.Send(ctx, reply)
		if err != nil {
			return err
		}
		result.messageID = id
		return nil
	}
	return surface.Edit(ctx, result.messageID, reply)
}

func (o *TurnOrchestrator) logAttachment(ctx context.Context, reply Reply) {
	f, ok := reply.attachment()
	if !ok {
		return
	}
	o.ctxLogger(ctx).InfoContext(
		ctx,
		"reply too long to show inline, attaching",
		"attachment", f.Name,
		"size", humanize.Bytes(uint64(attachmentSize(f))),
	)
}

// failCompletion shows the right notice for an error from complete,
// returning the turn outcome
func (o *TurnOrchestrator) failCompletion(
	ctx context.Context,
	surface MessageSurface,
	messageID string,
	err error,
) string {
	logger := o.ctxLogger(ctx)
	if errors.Is(err, errRender) {
		logger.ErrorContext(ctx, "error rendering reply", tint.Err(err))
		return outcomeRenderError
	}
	logger.ErrorContext(ctx, "error getting completion", tint.Err(err))
	reply := notice(noticeProviderError)
	var noticeErr error
	if messageID != "" {
		noticeErr = surface.Edit(ctx, messageID, reply)
	} else {
		_, noticeErr = surface.Send(ctx, reply)
	}
	if noticeErr != nil {
		logger.ErrorContext(ctx, "error sending provider error notice", tint.Err(noticeErr))
	}
	return outcomeProviderError
}

// warnUnsaved tells the user the reply they got won't continue the
// conversation. The reply itself is left as-is.
func (o *TurnOrchestrator) warnUnsaved(ctx context.Context, surface MessageSurface, err error) {
	logger := o.ctxLogger(ctx)
	logger.ErrorContext(ctx, "error saving conversation", tint.Err(err))
	if _, sendErr := surface.Send(ctx, notice(noticeUnsaved)); sendErr != nil {
		logger.ErrorContext(ctx, "error sending unsaved warning", tint.Err(sendErr))
	}
}

func (o *TurnOrchestrator) sendNotice(ctx context.Context, surface MessageSurface, text string) {
	if _, err := surface.Send(ctx, notice(text)); err != nil {
		o.ctxLogger(ctx).ErrorContext(ctx, "error sending notice", tint.Err(err))
	}
}

// transientNotice replies with text, then after transientDeleteDelay
// deletes both the notice and the user's message. If ctx ends first,
// they're deleted right away.
func (o *TurnOrchestrator) transientNotice(
	ctx context.Context,
	surface MessageSurface,
	text string,
	userMessageID string,
) {
	logger := o.ctxLogger(ctx)
	noticeID, err := surface.Send(ctx, notice(text))
	if err != nil {
		logger.ErrorContext(ctx, "error sending notice", tint.Err(err))
	}

	select {
	case <-ctx.Done():
	case <-o.deps.After(o.transientDeleteDelay):
	}

	delCtx := context.WithoutCancel(ctx)
	for _, id := range []string{userMessageID, noticeID} {
		if id == "" {
			continue
		}
		if delErr := surface.Delete(delCtx, id); delErr != nil {
			logger.WarnContext(ctx, "error deleting message", "message_id", id, tint.Err(delErr))
		}
	}
}

// keepTyping signals typing right away, then every typingInterval, until
// the returned stop func is called. stop waits for the loop to exit, so
// nothing is signaled once it returns.
func (o *TurnOrchestrator) keepTyping(ctx context.Context, surface MessageSurface) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	logger := o.ctxLogger(ctx)

	go func() {
		defer close(done)
		ticker := time.NewTicker(o.typingInterval)
		defer ticker.Stop()
		for {
			if ctx.Err() != nil {
				return
			}
			if err := surface.SignalTyping(ctx); err != nil && ctx.Err() == nil {
				logger.DebugContext(ctx, "error signaling typing", tint.Err(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// buildMessages returns the completion request for a conversation's
// history plus the new user message. Conversations that aren't raw get
// the context prompt first.
func buildMessages(
	history []ConversationTurn,
	raw bool,
	now time.Time,
	content string,
) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	if !raw {
		messages = append(
			messages,
			openai.ChatCompletionMessage{
				Role:    string(RoleSystem),
				Content: contextPrompt(now),
			},
		)
	}
	for _, t := range history {
		messages = append(messages, t.ChatMessage())
	}
	return append(
		messages,
		openai.ChatCompletionMessage{Role: string(RoleUser), Content: content},
	)
}
