package discordgpt

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/bwmarrin/discordgo"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeOpenAIServer answers chat completions with a fixed reply, and
// flags moderation input containing "flagme"
type fakeOpenAIServer struct {
	*httptest.Server
	reply       string
	completions atomic.Int32
	moderations atomic.Int32
}

func newFakeOpenAIServer(t testing.TB, reply string) *fakeOpenAIServer {
	t.Helper()
	f := &fakeOpenAIServer{reply: reply}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeOpenAIServer) handle(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/v1/moderations":
		f.moderations.Add(1)
		var req openai.ModerationRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(
			w,
			`{"id": "modr", "model": "m", "results": [{"flagged": %v}]}`,
			strings.Contains(req.Input, "flagme"),
		)
	case "/v1/chat/completions":
		f.completions.Add(1)
		var req openai.ChatCompletionRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Stream {
			w.Header().Set("Content-Type", "text/event-stream")
			_, _ = io.WriteString(w, deltaLine(f.reply)+"data: [DONE]\n")
			return
		}
		resp := openai.ChatCompletionResponse{
			ID:    "chatcmpl",
			Model: req.Model,
			Choices: []openai.ChatCompletionChoice{
				{
					Message:      openai.ChatCompletionMessage{Role: "assistant", Content: f.reply},
					FinishReason: openai.FinishReasonStop,
				},
			},
			Usage: openai.Usage{PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	default:
		http.NotFound(w, r)
	}
}

var testBotUser = &discordgo.User{ID: "bot-user", Username: "discordgpt", Bot: true}

// newTestBot returns a Bot that has been initialized against a temporary
// sqlite database, a fake OpenAI server and a mock discord session,
// without connecting to the gateway
func newTestBot(t *testing.T) (*Bot, *mockDiscordSession, *fakeOpenAIServer) {
	t.Helper()
	srv := newFakeOpenAIServer(t, "Hi there")

	cfg := DefaultConfig()
	cfg.Database = filepath.Join(t.TempDir(), "bot.sqlite3")
	cfg.Discord.Token = "discord-token"
	cfg.Discord.ApplicationID = "app-id"
	cfg.Discord.TransientDeleteDelay = 0
	cfg.OpenAI.Token = testOpenAIToken
	cfg.OpenAI.BaseURL = srv.URL + "/v1"
	cfg.OpenAI.MaxRequestsPerSecond = 0
	cfg.API.Secret = "test-secret"

	bot, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, bot.ValidateConfig())

	session := newMockDiscordSession()
	bot.discord.session = session

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, bot.initRun(ctx))
	t.Cleanup(
		func() {
			_ = bot.close(context.Background())
		},
	)
	bot.discord.setBotUser(testBotUser)
	return bot, session, srv
}

func replyMessage(content string, replyTo *discordgo.Message) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID:        "user-msg",
			ChannelID: "c1",
			Content:   content,
			Author:    &discordgo.User{ID: "u1", Username: "someone"},
			MessageReference: &discordgo.MessageReference{
				MessageID: replyTo.ID,
				ChannelID: "c1",
			},
			ReferencedMessage: replyTo,
		},
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DatabaseType = "mysql"
	cfg.ReplyLock.Backend = replyLockBackendPostgres
	cfg.API.Enabled = false

	_, err := New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid database type")
	assert.Contains(t, err.Error(), "requires database_type=postgres")

	cfg = DefaultConfig()
	cfg.API.Enabled = false
	cfg.PromptsFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = New(cfg)
	assert.ErrorContains(t, err, "failed to read prompts file")
}

func TestBot_ValidateConfig(t *testing.T) {
	newValidBot := func(t *testing.T) *Bot {
		cfg := DefaultConfig()
		cfg.Discord.Token = "t"
		cfg.Discord.ApplicationID = "a"
		cfg.OpenAI.Token = "o"
		cfg.API.Enabled = false
		bot, err := New(cfg)
		require.NoError(t, err)
		return bot
	}

	require.NoError(t, newValidBot(t).ValidateConfig())

	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"missing discord token", func(c *Config) { c.Discord.Token = "" }},
		{"missing openai token", func(c *Config) { c.OpenAI.Token = "" }},
		{"bad reply lock backend", func(c *Config) { c.ReplyLock.Backend = "redis" }},
		{"display limit over discord's", func(c *Config) { c.Render.DisplayLimit = 2001 }},
		{
			"bad retention cron", func(c *Config) {
				c.Retention.Enabled = true
				c.Retention.Cron = "every day"
			},
		},
		{
			"retention max age too short", func(c *Config) {
				c.Retention.Enabled = true
				c.Retention.MaxAge = time.Minute
			},
		},
		{"typing interval too short", func(c *Config) { c.Discord.TypingInterval = time.Millisecond }},
		{"bad base url", func(c *Config) { c.OpenAI.BaseURL = "not a url" }},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				bot := newValidBot(t)
				tc.modify(bot.config)
				assert.Error(t, bot.ValidateConfig())
			},
		)
	}

	t.Run(
		"retention cron ignored when disabled", func(t *testing.T) {
			bot := newValidBot(t)
			bot.config.Retention.Cron = ""
			assert.NoError(t, bot.ValidateConfig())
		},
	)
}

func TestHandleDiscordMessage_Reply(t *testing.T) {
	bot, session, srv := newTestBot(t)
	ctx := context.Background()

	_, err := bot.store.Create(ctx, "u1", "someone", exchange("Hello", "Hi"), "bot-msg", false)
	require.NoError(t, err)

	botMessage := &discordgo.Message{ID: "bot-msg", ChannelID: "c1", Author: testBotUser}
	bot.handleDiscordMessage(ctx, replyMessage("How are you?", botMessage))

	assert.Equal(t, int32(1), srv.completions.Load())
	assert.Zero(t, srv.moderations.Load(), "replies aren't moderated")
	require.Equal(t, []string{"Hi there"}, session.sentContents())
	assert.Equal(t, "user-msg", session.sent[0].Reference.MessageID)

	conv, err := bot.store.Load(ctx, "sent-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"Hello", "Hi", "How are you?", "Hi there"}, turnContents(conv.Turns))
	assert.Equal(t, testBotUser.Username, conv.Turns[3].SpeakerLabel)

	var logs []CompletionLog
	require.NoError(t, bot.db.Find(&logs).Error)
	assert.Len(t, logs, 1)
}

func TestHandleDiscordMessage_FetchesReferencedMessage(t *testing.T) {
	bot, session, _ := newTestBot(t)
	ctx := context.Background()

	_, err := bot.store.Create(ctx, "u1", "someone", nil, "bot-msg", false)
	require.NoError(t, err)
	session.messages["bot-msg"] = &discordgo.Message{ID: "bot-msg", ChannelID: "c1", Author: testBotUser}

	m := replyMessage("Hello", &discordgo.Message{ID: "bot-msg"})
	m.ReferencedMessage = nil
	bot.handleDiscordMessage(ctx, m)

	assert.Equal(t, []string{"Hi there"}, session.sentContents())
}

func TestHandleDiscordMessage_Ignored(t *testing.T) {
	ctx := context.Background()
	botMessage := &discordgo.Message{ID: "bot-msg", ChannelID: "c1", Author: testBotUser}

	tests := []struct {
		name    string
		message func() *discordgo.MessageCreate
	}{
		{
			name: "from a bot",
			message: func() *discordgo.MessageCreate {
				m := replyMessage("hi", botMessage)
				m.Author = &discordgo.User{ID: "other-bot", Bot: true}
				return m
			},
		},
		{
			name: "not a reply",
			message: func() *discordgo.MessageCreate {
				m := replyMessage("hi", botMessage)
				m.MessageReference = nil
				m.ReferencedMessage = nil
				return m
			},
		},
		{
			name: "reply to another user",
			message: func() *discordgo.MessageCreate {
				return replyMessage(
					"hi",
					&discordgo.Message{ID: "bot-msg", Author: &discordgo.User{ID: "u2"}},
				)
			},
		},
		{
			name: "referenced message can't be fetched",
			message: func() *discordgo.MessageCreate {
				m := replyMessage("hi", botMessage)
				m.ReferencedMessage = nil
				return m
			},
		},
		{
			name: "no message",
			message: func() *discordgo.MessageCreate {
				return &discordgo.MessageCreate{}
			},
		},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				bot, session, srv := newTestBot(t)
				_, err := bot.store.Create(ctx, "u1", "someone", nil, "bot-msg", false)
				require.NoError(t, err)

				bot.handleDiscordMessage(ctx, tc.message())
				assert.Empty(t, session.sentContents())
				assert.Zero(t, srv.completions.Load())
			},
		)
	}
}

func TestHandleDiscordMessage_BotUserUnknown(t *testing.T) {
	bot, session, _ := newTestBot(t)
	bot.discord.setBotUser(nil)

	botMessage := &discordgo.Message{ID: "bot-msg", Author: testBotUser}
	bot.handleDiscordMessage(context.Background(), replyMessage("hi", botMessage))
	assert.Empty(t, session.sentContents())
}

func TestHandleDiscordMessage_NoConversation(t *testing.T) {
	bot, session, srv := newTestBot(t)

	botMessage := &discordgo.Message{ID: "old-bot-msg", Author: testBotUser}
	bot.handleDiscordMessage(context.Background(), replyMessage("hi", botMessage))

	assert.Equal(t, []string{noticeNotFound}, session.sentContents())
	assert.ElementsMatch(t, []string{"user-msg", "sent-1"}, session.deleted)
	assert.Zero(t, srv.completions.Load())
}

func chatInteraction(options ...*discordgo.ApplicationCommandInteractionDataOption) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:        "i1",
			Type:      discordgo.InteractionApplicationCommand,
			ChannelID: "c1",
			Member: &discordgo.Member{
				User: &discordgo.User{ID: "u1", Username: "someone"},
			},
			Data: discordgo.ApplicationCommandInteractionData{
				Name:    DiscordSlashCommandChat,
				Options: options,
			},
		},
	}
}

func stringOption(name, value string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionString,
		Value: value,
	}
}

func boolOption(name string, value bool) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionBoolean,
		Value: value,
	}
}

func TestChatTurnFromOptions(t *testing.T) {
	i := chatInteraction(
		stringOption(chatOptionMessage, "Hello"),
		boolOption(chatOptionStream, true),
		boolOption(chatOptionRaw, false),
		stringOption(chatOptionPrompt, "uwu"),
		stringOption(chatOptionPersona, "Baine Bloodhoof"),
		// wrong type, ignored
		stringOption(chatOptionEphemeral, "yes"),
	)
	options := commandOptions(i)
	turn := chatTurnFromOptions(getDiscordUser(i), options)

	assert.Equal(
		t, ChatTurn{
			UserID:   "u1",
			Username: "someone",
			Content:  "Hello",
			Stream:   true,
			Raw:      false,
			Preset:   "uwu",
			Persona:  "Baine Bloodhoof",
		}, turn,
	)
	assert.False(t, optionBool(options, chatOptionEphemeral))
	assert.Empty(t, optionString(options, "missing"))
}

func TestHandleInteraction_Chat(t *testing.T) {
	bot, session, srv := newTestBot(t)
	ctx := context.Background()

	bot.handleInteraction(
		ctx, chatInteraction(
			stringOption(chatOptionMessage, "Hello"),
			boolOption(chatOptionEphemeral, true),
		),
	)

	require.Len(t, session.responds, 1)
	assert.Equal(t, discordgo.InteractionResponseDeferredChannelMessageWithSource, session.responds[0].Type)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, session.responds[0].Data.Flags)

	assert.Equal(t, int32(1), srv.moderations.Load())
	assert.Equal(t, int32(1), srv.completions.Load())
	assert.Equal(t, "Hi there", session.lastResponseContent(t))

	conv, err := bot.store.Load(ctx, "response-i1")
	require.NoError(t, err)
	assert.Equal(t, "u1", conv.OwnerID)
	assert.Equal(t, []string{"Hello", "Hi there"}, turnContents(conv.Turns))
}

func TestHandleInteraction_ChatStream(t *testing.T) {
	bot, session, _ := newTestBot(t)
	ctx := context.Background()

	bot.handleInteraction(
		ctx, chatInteraction(
			stringOption(chatOptionMessage, "Hello"),
			boolOption(chatOptionStream, true),
			boolOption(chatOptionRaw, true),
		),
	)

	assert.Equal(t, "Hi there", session.lastResponseContent(t))
	conv, err := bot.store.Load(ctx, "response-i1")
	require.NoError(t, err)
	assert.True(t, conv.Raw)
}

func TestHandleInteraction_ChatFlagged(t *testing.T) {
	bot, session, srv := newTestBot(t)
	ctx := context.Background()

	bot.handleInteraction(ctx, chatInteraction(stringOption(chatOptionMessage, "please flagme")))

	assert.Zero(t, srv.completions.Load())
	assert.Equal(t, noticeFlagged, session.lastResponseContent(t))
	_, err := bot.store.Load(ctx, "response-i1")
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestHandleInteraction_ChatAckFails(t *testing.T) {
	bot, session, srv := newTestBot(t)
	session.sendErr = fmt.Errorf("unknown interaction")

	bot.handleInteraction(context.Background(), chatInteraction(stringOption(chatOptionMessage, "Hello")))
	assert.Zero(t, srv.completions.Load())
}

func TestHandleInteraction_Clear(t *testing.T) {
	bot, session, _ := newTestBot(t)
	ctx := context.Background()

	for i := range 2 {
		_, err := bot.store.Create(ctx, "u1", "someone", exchange("a", "b"), fmt.Sprintf("m%d", i), false)
		require.NoError(t, err)
	}
	_, err := bot.store.Create(ctx, "u2", "other", exchange("a", "b"), "other", false)
	require.NoError(t, err)

	i := chatInteraction()
	i.Data = discordgo.ApplicationCommandInteractionData{Name: DiscordSlashCommandClear}
	bot.handleInteraction(ctx, i)

	require.Len(t, session.responds, 1)
	assert.Equal(t, "Clearing all GPT-3 data...", session.responds[0].Data.Content)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, session.responds[0].Data.Flags)
	assert.Equal(t, "Cleared all GPT-3 data!", session.lastResponseContent(t))

	convs, err := bot.store.ListByOwner(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, convs)
	_, err = bot.store.Load(ctx, "other")
	assert.NoError(t, err)
}

func TestHandleInteraction_Ping(t *testing.T) {
	bot, session, _ := newTestBot(t)

	i := chatInteraction()
	i.Data = discordgo.ApplicationCommandInteractionData{Name: DiscordSlashCommandPing}
	bot.handleInteraction(context.Background(), i)

	require.Len(t, session.responds, 1)
	assert.Equal(t, "Pong!", session.responds[0].Data.Content)
}

func TestHandleInteraction_Ignored(t *testing.T) {
	bot, session, _ := newTestBot(t)

	i := chatInteraction()
	i.Data = discordgo.ApplicationCommandInteractionData{Name: "unknown"}
	bot.handleInteraction(context.Background(), i)

	i = chatInteraction()
	i.Type = discordgo.InteractionMessageComponent
	bot.handleInteraction(context.Background(), i)

	assert.Empty(t, session.responds)
}

func TestBot_SpawnRecovers(t *testing.T) {
	bot, _, _ := newTestBot(t)

	var wg sync.WaitGroup
	for _, v := range []any{"boom", fmt.Errorf("wrapped boom"), 42} {
		bot.spawn(
			context.Background(), &wg, func(context.Context) {
				panic(v)
			},
		)
	}
	wg.Wait()
	assert.Zero(t, bot.handlersInFlight.Load())
}

func TestBot_Stop(t *testing.T) {
	bot, _, _ := newTestBot(t)

	// no-op before Run
	bot.Stop()

	bot.signalStop = make(chan struct{}, 1)
	bot.Stop()
	bot.Stop()
	select {
	case <-bot.signalStop:
	default:
		t.Fatal("expected stop signal")
	}
}

func TestBot_InitReplyLocks(t *testing.T) {
	bot, _, _ := newTestBot(t)
	ctx := context.Background()

	bot.config.ReplyLock.Backend = replyLockBackendDatabase
	require.NoError(t, bot.initReplyLocks(ctx))
	locks, ok := bot.locks.(*databaseReplyLocker)
	require.True(t, ok)

	acquired, err := locks.TryAcquire(ctx, "m1")
	require.NoError(t, err)
	require.True(t, acquired)

	// locks left by a previous run on this host are released on startup
	require.NoError(t, bot.initReplyLocks(ctx))
	acquired, err = bot.locks.TryAcquire(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, acquired)

	bot.config.ReplyLock.Backend = replyLockBackendMemory
	require.NoError(t, bot.initReplyLocks(ctx))
	assert.IsType(t, &memoryReplyLocker{}, bot.locks)
}

func TestBot_RegisterSlashCommands(t *testing.T) {
	bot, session, _ := newTestBot(t)

	created, err := bot.RegisterSlashCommands()
	require.NoError(t, err)
	assert.Len(t, created, 3)
	assert.Len(t, session.commands, 3)
}

func TestBot_Run(t *testing.T) {
	srv := newFakeOpenAIServer(t, "Hi there")

	cfg := DefaultConfig()
	cfg.Database = filepath.Join(t.TempDir(), "run.sqlite3")
	cfg.Discord.Token = "discord-token"
	cfg.Discord.ApplicationID = "app-id"
	cfg.Discord.RegisterCommands = true
	cfg.OpenAI.Token = testOpenAIToken
	cfg.OpenAI.BaseURL = srv.URL + "/v1"
	cfg.API.Listen = "127.0.0.1:0"
	cfg.Retention.Enabled = true
	cfg.ShutdownTimeout = 5 * time.Second

	bot, err := New(cfg)
	require.NoError(t, err)
	session := newMockDiscordSession()
	bot.discord.session = session

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() {
		runErr <- bot.Run(ctx)
	}()

	select {
	case <-bot.Ready():
	case err = <-runErr:
		t.Fatalf("run ended early: %v", err)
	case <-time.After(30 * time.Second):
		t.Fatal("timed out waiting for ready")
	}

	session.mu.Lock()
	assert.True(t, session.opened)
	assert.Len(t, session.commands, 3)
	session.mu.Unlock()

	bot.Stop()
	select {
	case err = <-runErr:
		assert.NoError(t, err)
	case <-time.After(30 * time.Second):
		t.Fatal("timed out waiting for shutdown")
	}
	assert.True(t, session.closed)
}
