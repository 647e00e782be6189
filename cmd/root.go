package cmd

import (
	"context"
	"fmt"
	"github.com/joho/godotenv"
	"github.com/kalkafox/discordgpt/discordgpt"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
)

var (
	cfg        = discordgpt.DefaultConfig()
	configFile string
)

// levelKeys are the config keys holding a *slog.LevelVar
var levelKeys = []string{
	"log_level",
	"database_log_level",
	"openai.log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"api.log_level",
}

var rootCmd = &cobra.Command{
	Use:   "discordgpt [flags]",
	Short: "A discord bot for conversations with OpenAI chat models",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if err := loadConfig(cfg); err != nil {
			log.Fatalln(err)
		}
	},
}

func loadConfig(c *discordgpt.Config) error {
	return viper.Unmarshal(
		c,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				LevelToStringHookFunc(),
				StringFieldsHookFunc(),
			),
		),
	)
}

func getLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes level names (ex: "WARN") into
// *slog.LevelVar fields. mapstructure hands non-nil struct pointers to
// hooks already dereferenced, so a LevelVar target is set in place and
// an empty map is returned for the decoder to walk.
func LevelToStringHookFunc() mapstructure.DecodeHookFuncValue {
	levelVarType := reflect.TypeOf((*slog.LevelVar)(nil)).Elem()
	return func(from reflect.Value, to reflect.Value) (any, error) {
		data := from.Interface()
		if from.Kind() != reflect.String {
			return data, nil
		}

		var target *slog.LevelVar
		switch {
		case to.Type() == reflect.PointerTo(levelVarType):
			if to.IsNil() {
				target = &slog.LevelVar{}
			} else {
				target = to.Interface().(*slog.LevelVar)
			}
		case to.Type() == levelVarType && to.CanAddr():
			target = to.Addr().Interface().(*slog.LevelVar)
		default:
			return data, nil
		}

		lvl, err := getLogLevel(from.String())
		if err != nil {
			return nil, err
		}
		target.Set(lvl)

		if to.Kind() == reflect.Ptr {
			return target, nil
		}
		return map[string]any{}, nil
	}
}

// StringFieldsHookFunc splits strings on whitespace when decoding into
// a []string. Lists set from the environment are space-separated.
func StringFieldsHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf([]string{}) {
			return data, nil
		}
		return strings.Fields(data.(string)), nil
	}
}

// Execute runs the root command. SIGINT, SIGTERM and SIGHUP cancel the
// command's context.
func Execute() {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
	)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("error loading env file %q: %v", configFile, err)
		}
	}
	if err := setDefaults(); err != nil {
		log.Fatalf("error: %v", err)
	}
}

// setDefaults registers every config key with viper, so each can be set
// from the environment (ex: DGPT_DISCORD_TOKEN for discord.token)
func setDefaults() error {
	viper.SetDefault("database", discordgpt.DefaultDatabase)
	viper.SetDefault("database_type", discordgpt.DefaultDatabaseType)
	viper.SetDefault("database_slow_threshold", discordgpt.DefaultDatabaseSlowThreshold)
	viper.SetDefault("database_log_level", discordgpt.DefaultDatabaseLogLevel.String())
	viper.SetDefault("prompts_file", "")
	viper.SetDefault("log_level", discordgpt.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", discordgpt.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", discordgpt.DefaultShutdownTimeout)

	// OpenAI
	viper.SetDefault("openai.token", "")
	viper.SetDefault("openai.base_url", "")
	viper.SetDefault("openai.model", discordgpt.DefaultOpenAIModel)
	viper.SetDefault("openai.log_level", discordgpt.DefaultOpenAILogLevel.String())
	viper.SetDefault(
		"openai.max_requests_per_second",
		discordgpt.DefaultOpenAIMaxRequestsPerSecond,
	)
	viper.SetDefault("openai.request_timeout", discordgpt.DefaultOpenAIRequestTimeout)
	viper.SetDefault("openai.assistant_label", discordgpt.DefaultOpenAIAssistantLabel)
	viper.SetDefault("openai.moderation", true)

	// Discord
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.log_level", discordgpt.DefaultDiscordLogLevel.String())
	viper.SetDefault(
		"discord.discordgo_log_level",
		discordgpt.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault("discord.gateway_intents", int(discordgpt.DefaultDiscordGatewayIntent))
	viper.SetDefault("discord.custom_status", discordgpt.DefaultDiscordCustomStatus)
	viper.SetDefault("discord.typing_interval", discordgpt.DefaultDiscordTypingInterval)
	viper.SetDefault(
		"discord.transient_delete_delay",
		discordgpt.DefaultDiscordTransientDeleteDelay,
	)
	viper.SetDefault("discord.register_commands", false)
	viper.SetDefault("discord.stream_replies", false)

	// Reply locks
	viper.SetDefault("reply_lock.backend", discordgpt.DefaultReplyLockBackend)
	viper.SetDefault("reply_lock.stale_after", discordgpt.DefaultReplyLockStaleAfter)

	// Rendering
	viper.SetDefault("render.display_limit", discordgpt.DefaultRenderDisplayLimit)
	viper.SetDefault("render.placeholder", discordgpt.DefaultRenderPlaceholder)
	viper.SetDefault("render.attachment_name", discordgpt.DefaultRenderAttachmentName)

	// Retention
	viper.SetDefault("retention.enabled", false)
	viper.SetDefault("retention.cron", discordgpt.DefaultRetentionCron)
	viper.SetDefault("retention.max_age", discordgpt.DefaultRetentionMaxAge)

	// API
	viper.SetDefault("api.enabled", true)
	viper.SetDefault("api.listen", discordgpt.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.log_level", discordgpt.DefaultAPILogLevel.String())
	viper.SetDefault("api.session_max_age", discordgpt.DefaultAPISessionMaxAge)
	viper.SetDefault("api.read_timeout", discordgpt.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", discordgpt.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", discordgpt.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", discordgpt.DefaultIdleTimeout)
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.ssl.cert", "")
	viper.SetDefault("api.ssl.key", "")
	viper.SetDefault("api.ssl.tls_min_version", discordgpt.DefaultAPITLSMinVersion)

	// API: CORS
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.allow_methods", discordgpt.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.allow_headers", discordgpt.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.expose_headers", discordgpt.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.max_age", discordgpt.DefaultCORSMaxAge)
	viper.SetDefault("api.cors.allow_credentials", discordgpt.DefaultAPICORSAllowCredentials)

	envPrefix := os.Getenv(discordgpt.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = discordgpt.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	for _, k := range levelKeys {
		if _, err := getLogLevel(viper.GetString(k)); err != nil {
			return fmt.Errorf("error parsing %s: %w", k, err)
		}
	}
	return nil
}

//nolint:gochecknoinits
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load settings from (defaults to .env)",
	)
}
