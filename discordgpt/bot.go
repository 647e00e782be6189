package discordgpt

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"log/slog"
	"net/http"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

const shutdownAnnouncementInterval = 10 * time.Second

var (
	// When building, set these like:
	// -ldflags "-X github.com/kalkafox/discordgpt/discordgpt.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// Bot wires discord events to the TurnOrchestrator, and runs the admin
// API and retention scheduler alongside.
type Bot struct {
	config *Config
	logger *slog.Logger

	// read connection
	db *gorm.DB

	// write wrapper around db. With sqlite, writes are serialized.
	writeDB DBI

	discord      *Discord
	openai       *OpenAI
	metrics      *Metrics
	prompts      *PromptLibrary
	store        ConversationStore
	locks        ReplyLocker
	pgLocks      *postgresReplyLocker
	orchestrator *TurnOrchestrator
	retention    *retentionScheduler
	api          *API

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// signalStop cancels Run, ex: from the admin API
	signalStop chan struct{}

	// signalReady receives a value once Run has connected to discord
	signalReady chan struct{}

	startedAt time.Time

	// handlersInFlight is the number of discord event handlers running
	handlersInFlight atomic.Int64
}

// New validates the config and builds a Bot. Connections to the
// database and discord are made in Run.
func New(config *Config) (*Bot, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.ReplyLock != nil && config.ReplyLock.Backend == replyLockBackendPostgres &&
		config.DatabaseType != dbTypePostgres {
		errs = append(
			errs,
			errors.New("reply_lock.backend=postgres requires database_type=postgres"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	b := &Bot{
		config:      config,
		signalReady: make(chan struct{}, 1),
		metrics:     newMetrics(),
	}

	b.logger = slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	)
	slog.SetDefault(b.logger)

	b.prompts = DefaultPromptLibrary()
	if config.PromptsFile != "" {
		prompts, err := LoadPromptLibrary(config.PromptsFile)
		if err != nil {
			errs = append(errs, err)
		} else {
			b.prompts = prompts
		}
	}

	if config.OpenAI != nil {
		b.openai = newOpenAI(config.OpenAI, nil, config.HTTPClient)
	}

	if config.Discord != nil {
		config.Discord.httpClient = config.HTTPClient
		discordgo.Logger = discordgoLoggerFunc(
			context.Background(),
			tint.NewHandler(
				defaultLogWriter, &tint.Options{
					Level:     config.Discord.DiscordGoLogLevel,
					AddSource: true,
				},
			).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
		)
		b.discord = newDiscord(config.Discord, b.metrics)
	}

	if config.API != nil && config.API.Enabled {
		api, err := newAPI(b, config.API)
		if err != nil {
			errs = append(errs, err)
		}
		b.api = api
	}

	return b, errors.Join(errs...)
}

func (b *Bot) ValidateConfig() error {
	return structValidator.Struct(b.config)
}

func (b *Bot) ctxLogger(ctx context.Context) *slog.Logger {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		return b.logger
	}
	return logger
}

// Metrics returns the bot's metrics, for serving or inspection
func (b *Bot) Metrics() *Metrics {
	return b.metrics
}

// Ready receives a value once Run has finished starting up
func (b *Bot) Ready() <-chan struct{} {
	return b.signalReady
}

// RegisterSlashCommands overwrites the bot's slash commands with
// /chat, /clear and /ping.
func (b *Bot) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	if b.discord.session == nil {
		session, err := b.discord.newSession()
		if err != nil {
			return nil, err
		}
		b.discord.session = session
	}
	return b.discord.registerCommands(b.prompts, options...)
}

// Stop asks a running bot to shut down
func (b *Bot) Stop() {
	if b.signalStop == nil {
		return
	}
	select {
	case b.signalStop <- struct{}{}:
	default:
	}
}

// Run connects to the database and discord, and handles events until
// ctx is canceled or Stop is called. Turns in progress are given up to
// ShutdownTimeout to finish.
func (b *Bot) Run(ctx context.Context) error {
	// prevents concurrent runs
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.signalStop = make(chan struct{}, 1)
	b.startedAt = time.Now()
	logger := b.logger

	if err := b.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-b.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
		}
	}()

	runtimeWG := &sync.WaitGroup{}

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- b.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out: %w", startCtx.Err())
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	if b.api != nil {
		go func() {
			httpErr := b.api.Serve(ctx)
			if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
			}
		}()
	}

	if err := b.initDiscordSession(ctx, runtimeWG); err != nil {
		logger.ErrorContext(ctx, "error creating discord session", tint.Err(err))
		return err
	}

	logger.InfoContext(ctx, "connecting to discord")
	if err := b.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		return fmt.Errorf("error connecting to discord: %w", err)
	}

	if b.config.Discord.RegisterCommands {
		if _, err := b.RegisterSlashCommands(discordgo.WithContext(startCtx)); err != nil {
			logger.ErrorContext(ctx, "error registering commands", tint.Err(err))
		}
	}

	if b.config.Retention.Enabled {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			b.retention.run(ctx)
		}()
	}

	b.signalReady <- struct{}{}
	logger.InfoContext(ctx, "sent ready signal")

	// block until something cancels the main runtime context - generally
	// from an interrupt, or the admin API
	<-ctx.Done()

	return b.shutdown(ctx, runtimeWG)
}

// initRun opens the database and builds everything that depends on it.
// With the postgres lock backend, its pool is connected alongside the
// database.
func (b *Bot) initRun(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(
		func() error {
			if err := b.initDB(gctx); err != nil {
				return fmt.Errorf("error initializing database: %w", err)
			}
			return nil
		},
	)
	if b.config.ReplyLock.Backend == replyLockBackendPostgres && b.pgLocks == nil {
		g.Go(
			func() error {
				locks, err := newPostgresReplyLocker(gctx, b.config.Database, b.logger)
				if err != nil {
					return fmt.Errorf("error initializing reply locks: %w", err)
				}
				b.pgLocks = locks
				return nil
			},
		)
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := b.initReplyLocks(ctx); err != nil {
		return err
	}

	b.openai.db = b.writeDB
	b.store = NewConversationStore(b.writeDB)

	var moderator Moderator
	if b.config.OpenAI.Moderation {
		moderator = b.openai
	}
	b.orchestrator = NewTurnOrchestrator(
		TurnDeps{
			Store:     b.store,
			Locks:     b.locks,
			Provider:  b.openai,
			Moderator: moderator,
			Tokens:    tiktokenCounter{},
			Metrics:   b.metrics,
			Prompts:   b.prompts,
		},
		b.config,
		b.logger,
	)
	b.retention = newRetentionScheduler(b.store, b.config.Retention, b.metrics, b.logger)

	creds, err := LatestAdminCredentials(ctx, b.db)
	if err != nil {
		return fmt.Errorf("error getting admin credentials: %w", err)
	}
	if creds == nil && b.api != nil {
		b.logger.WarnContext(
			ctx,
			"admin credentials not set, API login is disabled until 'init' is run",
		)
	}
	return nil
}

func (b *Bot) initDB(ctx context.Context) error {
	if b.db != nil {
		return nil
	}
	handler := tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     b.config.DatabaseLogLevel,
			AddSource: true,
		},
	)
	db, err := createDB(
		ctx,
		b.config.DatabaseType,
		b.config.Database,
		newGORMLogger(handler, b.config.DatabaseSlowThreshold),
	)
	if err != nil {
		return err
	}
	b.db = db
	b.writeDB = NewDatabase(db, b.logger, b.config.DatabaseType == dbTypePostgres)
	return nil
}

func (b *Bot) initReplyLocks(ctx context.Context) error {
	switch b.config.ReplyLock.Backend {
	case replyLockBackendPostgres:
		b.locks = b.pgLocks
	case replyLockBackendDatabase:
		holder, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("error getting hostname for reply locks: %w", err)
		}
		locks := newDatabaseReplyLocker(b.writeDB, holder, b.config.ReplyLock.StaleAfter)
		released, err := locks.releaseHeldBy(ctx, holder)
		if err != nil {
			return fmt.Errorf("error releasing previous reply locks: %w", err)
		}
		if released > 0 {
			b.logger.WarnContext(
				ctx,
				"released reply locks left from a previous run",
				"holder", holder,
				"count", released,
			)
		}
		b.locks = locks
	default:
		b.locks = newMemoryReplyLocker()
	}
	return nil
}

func (b *Bot) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	if b.discord.session == nil {
		session, err := b.discord.newSession()
		if err != nil {
			return fmt.Errorf("error creating discord session: %w", err)
		}
		b.discord.session = session
	}

	for _, h := range b.discord.discordgoRemoveHandlerFuncs {
		h()
	}

	b.discord.session.SetIdentify(
		discordgo.Identify{
			Intents: b.config.Discord.GatewayIntents,
			Presence: discordgo.GatewayStatusUpdate{
				Status: string(discordgo.StatusOnline),
			},
		},
	)

	// turns keep going through shutdown, until ShutdownTimeout
	turnCtx := context.WithoutCancel(ctx)

	b.discord.discordgoRemoveHandlerFuncs = []func(){
		b.discord.session.AddHandler(b.discord.handlerConnect()),
		b.discord.session.AddHandler(b.discord.handlerDisconnect()),
		b.discord.session.AddHandler(b.discord.handlerReady()),
		b.discord.session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				b.spawn(
					turnCtx, runtimeWG, func(hctx context.Context) {
						b.handleInteraction(hctx, i)
					},
				)
			},
		),
		b.discord.session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.MessageCreate) {
				b.spawn(
					turnCtx, runtimeWG, func(hctx context.Context) {
						b.handleDiscordMessage(hctx, m)
					},
				)
			},
		),
	}
	return nil
}

// spawn runs f in a goroutine tracked by wg, recovering panics
func (b *Bot) spawn(ctx context.Context, wg *sync.WaitGroup, f func(context.Context)) {
	wg.Add(1)
	b.handlersInFlight.Add(1)
	go func() {
		defer wg.Done()
		defer b.handlersInFlight.Add(-1)
		defer func() {
			if rc := recover(); rc != nil {
				b.handleRecover(ctx, rc)
			}
		}()
		f(ctx)
	}()
}

// handleDiscordMessage starts a reply turn when m replies to one of the
// bot's messages. Everything else is ignored.
func (b *Bot) handleDiscordMessage(ctx context.Context, m *discordgo.MessageCreate) {
	if m.Message == nil {
		return
	}
	logger := b.logger.With(messageAttr(m.Message))
	ctx = WithLogger(ctx, logger)

	if m.Author == nil || m.Author.Bot {
		logger.DebugContext(ctx, "ignoring message from bot")
		return
	}
	if m.MessageReference == nil || m.MessageReference.MessageID == "" {
		return
	}

	botUser := b.discord.BotUser()
	if botUser == nil {
		logger.WarnContext(ctx, "bot user not known yet, ignoring reply")
		return
	}

	ref := m.ReferencedMessage
	if ref == nil {
		channelID := m.MessageReference.ChannelID
		if channelID == "" {
			channelID = m.ChannelID
		}
		fetched, err := b.discord.session.ChannelMessage(
			channelID,
			m.MessageReference.MessageID,
			discordgo.WithContext(ctx),
		)
		if err != nil {
			logger.ErrorContext(ctx, "error getting referenced message", tint.Err(err))
			return
		}
		ref = fetched
	}
	if ref.Author == nil || ref.Author.ID != botUser.ID {
		logger.DebugContext(ctx, "ignoring reply to another user's message")
		return
	}

	turn := ReplyTurn{
		ReplyToID:      ref.ID,
		UserMessageID:  m.ID,
		UserID:         m.Author.ID,
		Username:       m.Author.Username,
		Content:        m.Content,
		AssistantLabel: botUser.Username,
		Stream:         b.config.Discord.StreamReplies,
	}
	surface := newChannelSurface(b.discord.session, m.Message)
	if err := b.orchestrator.HandleReply(ctx, surface, turn); err != nil {
		logger.InfoContext(ctx, "reply turn ended with error", tint.Err(err))
	}
}

func (b *Bot) handleInteraction(ctx context.Context, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	logger := b.logger.With(interactionAttr(i))
	ctx = WithLogger(ctx, logger)

	data := i.ApplicationCommandData()
	logger.InfoContext(ctx, "got command", "command", data.Name)

	switch data.Name {
	case DiscordSlashCommandChat:
		b.runChatCommand(ctx, i)
	case DiscordSlashCommandClear:
		b.runClearCommand(ctx, i)
	case DiscordSlashCommandPing:
		b.runPingCommand(ctx, i)
	default:
		logger.WarnContext(ctx, "unknown command", "command", data.Name)
	}
}

// handleRecover logs a panic recovered from an event handler, with a
// stack trace
func (*Bot) handleRecover(ctx context.Context, rc any) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = slog.Default()
	}
	stackTrace := string(debug.Stack())
	switch v := rc.(type) {
	case error:
		logger.ErrorContext(ctx, "recovered from panic", tint.Err(v), "stack_trace", stackTrace)
	case string:
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(errors.New(v)),
			"stack_trace", stackTrace,
		)
	default:
		logger.ErrorContext(ctx, "recovered from panic", "panic_arg", rc, "stack_trace", stackTrace)
	}
}

// shutdown stops taking new events, waits for handlers already running
// (up to ShutdownTimeout), then closes connections.
func (b *Bot) shutdown(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	b.logger.WarnContext(ctx, "shutting down")
	shutdownStart := time.Now()
	shutdownDeadline := shutdownStart.Add(b.config.ShutdownTimeout)

	b.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", b.config.ShutdownTimeout,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(context.Background(), shutdownDeadline)
	defer closeCancel()

	for _, h := range b.discord.discordgoRemoveHandlerFuncs {
		h()
	}
	b.discord.discordgoRemoveHandlerFuncs = nil

	finished := make(chan struct{})
	go func() {
		runtimeWG.Wait()
		close(finished)
	}()

	announcementTicker := time.NewTicker(shutdownAnnouncementInterval)
	defer announcementTicker.Stop()

	var waitErr error
wait:
	for {
		select {
		case <-finished:
			break wait
		case <-announcementTicker.C:
			b.logger.Warn(
				fmt.Sprintf("time until hard shutdown: %s", time.Until(shutdownDeadline)),
				"handlers_in_flight", b.handlersInFlight.Load(),
			)
		case <-closeCtx.Done():
			waitErr = errors.New("handlers did not stop in time")
			b.logger.Warn("handlers did not stop in time, forcing close")
			break wait
		}
	}

	closeErr := b.close(closeCtx)
	shutdownEnded := time.Now()
	b.logger.InfoContext(
		ctx,
		"shutdown complete",
		"shutdown_duration", shutdownEnded.Sub(shutdownStart),
	)
	return errors.Join(waitErr, closeErr)
}

// close closes the discord session, API server, lock pool and database
func (b *Bot) close(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	if b.discord != nil && b.discord.session != nil {
		g.Go(
			func() error {
				if err := b.discord.session.Close(); err != nil {
					return fmt.Errorf("error closing discord session: %w", err)
				}
				return nil
			},
		)
	}
	if b.api != nil && b.api.httpServer != nil {
		g.Go(
			func() error {
				if err := b.api.httpServer.Shutdown(gctx); err != nil {
					_ = b.api.httpServer.Close()
					return fmt.Errorf("error stopping api server: %w", err)
				}
				return nil
			},
		)
	}
	if b.pgLocks != nil {
		g.Go(
			func() error {
				b.pgLocks.Close()
				return nil
			},
		)
	}
	err := g.Wait()

	if b.db != nil {
		if sqlDB, dbErr := b.db.DB(); dbErr == nil {
			err = errors.Join(err, sqlDB.Close())
		}
	}
	return err
}
