package discordgpt

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm/logger"
	"io"
	"log/slog"
	"os"
	"reflect"
	"strings"
	"time"
)

const loggerNameKey = "logger"

type contextKey string

const loggerContextKey contextKey = "logger"

var discordGoLogLevels = map[int]slog.Level{
	discordgo.LogDebug:         slog.LevelDebug,
	discordgo.LogInformational: slog.LevelInfo,
	discordgo.LogWarning:       slog.LevelWarn,
	discordgo.LogError:         slog.LevelError,
}

var (
	defaultLogWriter io.Writer = os.Stdout
)

// newComponentLogger returns a tint logger writing to defaultLogWriter,
// filtered by the given level and tagged with the component name.
func newComponentLogger(level slog.Leveler, name string) *slog.Logger {
	return slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     level,
				AddSource: true,
			},
		),
	).With(loggerNameKey, name)
}

// WithLogger attaches a turn- or request-scoped logger to ctx. A nil
// logger attaches slog.Default().
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if logger == nil {
		logger = slog.Default()
	}
	return context.WithValue(ctx, loggerContextKey, logger)
}

// ContextLogger returns the logger attached by WithLogger
func ContextLogger(ctx context.Context) (*slog.Logger, bool) {
	logger, ok := ctx.Value(loggerContextKey).(*slog.Logger)
	return logger, ok
}

// configLogValue renders a config struct as nested slog groups keyed by
// config key. Unset fields are left out, and a `log` tag replaces the
// field's value (secrets are tagged `log:"[redacted]"`).
func configLogValue(v any) slog.Value {
	val := reflect.Indirect(reflect.ValueOf(v))
	if !val.IsValid() {
		return slog.AnyValue(nil)
	}
	if val.Kind() != reflect.Struct {
		return slog.AnyValue(v)
	}

	typ := val.Type()
	attrs := make([]slog.Attr, 0, typ.NumField())
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		fv := val.Field(i)
		if !field.IsExported() || fv.IsZero() {
			continue
		}
		if (fv.Kind() == reflect.Slice || fv.Kind() == reflect.Map) && fv.Len() == 0 {
			continue
		}

		key, _, _ := strings.Cut(field.Tag.Get("mapstructure"), ",")
		if key == "" {
			key = field.Name
		}
		if replacement, ok := field.Tag.Lookup("log"); ok {
			attrs = append(attrs, slog.String(key, replacement))
			continue
		}
		if lv, ok := fv.Interface().(slog.Leveler); ok {
			attrs = append(attrs, slog.String(key, lv.Level().String()))
			continue
		}
		attrs = append(attrs, slog.Attr{Key: key, Value: configLogValue(fv.Interface())})
	}
	return slog.GroupValue(attrs...)
}

// messageAttr groups the IDs identifying a discord message
func messageAttr(m *discordgo.Message) slog.Attr {
	attrs := []any{
		"message_id", m.ID,
		"channel_id", m.ChannelID,
	}
	if m.GuildID != "" {
		attrs = append(attrs, "guild_id", m.GuildID)
	}
	if m.Author != nil {
		attrs = append(attrs, columnOwnerID, m.Author.ID, "username", m.Author.Username)
	}
	if m.MessageReference != nil {
		attrs = append(attrs, "reply_to_id", m.MessageReference.MessageID)
	}
	return slog.Group("message", attrs...)
}

func interactionAttr(i *discordgo.InteractionCreate) slog.Attr {
	attrs := []any{
		"id", i.ID,
		"type", i.Type.String(),
	}
	if i.ChannelID != "" {
		attrs = append(attrs, "channel_id", i.ChannelID)
	}
	if i.GuildID != "" {
		attrs = append(attrs, "guild_id", i.GuildID)
	}
	return slog.Group("interaction", attrs...)
}

func discordgoLoggerFunc(ctx context.Context, handler slog.Handler) func(
	msgL int,
	caller int,
	format string,
	args ...any,
) {
	log := slog.New(handler)
	return func(
		msgL int,
		_ int,
		format string,
		args ...any,
	) {
		level, ok := discordGoLogLevels[msgL]
		if !ok {
			level = slog.LevelInfo
		}
		log.LogAttrs(
			ctx,
			level,
			strings.ReplaceAll(fmt.Sprintf(format, args...), "\n", ""),
		)
	}
}

type gormStructuredLogger struct {
	logger        *slog.Logger
	handler       slog.Handler
	SlowThreshold time.Duration
}

func newGORMLogger(
	handler slog.Handler,
	slowThreshold time.Duration,
) *gormStructuredLogger {
	return &gormStructuredLogger{
		logger:        slog.New(handler).With(loggerNameKey, "gorm"),
		handler:       handler,
		SlowThreshold: slowThreshold,
	}
}

func (g gormStructuredLogger) LogMode(_ logger.LogLevel) logger.Interface {
	return g
}

func (g gormStructuredLogger) Info(
	ctx context.Context,
	s string,
	i ...any,
) {
	g.logger.InfoContext(ctx, fmt.Sprintf(s, i...))
}

func (g gormStructuredLogger) Warn(
	ctx context.Context,
	s string,
	i ...any,
) {
	g.logger.WarnContext(ctx, fmt.Sprintf(s, i...))
}

func (g gormStructuredLogger) Error(
	ctx context.Context,
	s string,
	i ...any,
) {
	g.logger.ErrorContext(ctx, fmt.Sprintf(s, i...))
}

func (g gormStructuredLogger) Trace(
	ctx context.Context,
	begin time.Time,
	fc func() (sql string, rowsAffected int64),
	err error,
) {
	elapsed := time.Since(begin)
	s, rowsAffected := fc()
	var rows any = rowsAffected
	if rowsAffected == -1 {
		rows = "-"
	}

	if g.SlowThreshold != 0 && elapsed > g.SlowThreshold {
		g.logger.WarnContext(
			ctx,
			"slow sql",
			"elapsed", elapsed,
			"threshold", g.SlowThreshold,
			"rows", rows,
			"sql", s,
			tint.Err(err),
		)
		return
	}
	g.logger.DebugContext(
		ctx,
		"sql completed",
		"elapsed", elapsed,
		"rows", rows,
		"sql", s,
		tint.Err(err),
	)
}
