//nolint:lll // struct tags can't be split
package discordgpt

import (
	"crypto/tls"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	openai "github.com/sashabaranov/go-openai"
	"log/slog"
	"net/http"
	"time"
)

const (
	EnvvarSetEnvPrefix                = "DISCORDGPT_ENV_PREFIX"
	DefaultEnvPrefix                  = "DGPT"
	DefaultDatabaseType               = "sqlite"
	DefaultDatabase                   = "discordgpt.sqlite3"
	DefaultLogLevel                   = slog.LevelInfo
	DefaultStartupTimeout             = 30 * time.Second
	DefaultShutdownTimeout            = 60 * time.Second
	DefaultOpenAIModel                = openai.GPT3Dot5Turbo
	DefaultOpenAIMaxRequestsPerSecond = 3.0
	DefaultOpenAIRequestTimeout       = 2 * time.Minute
	DefaultOpenAIAssistantLabel       = "GPT-3"

	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	DiscordSlashCommandChat  = "chat"
	DiscordSlashCommandClear = "clear"
	DiscordSlashCommandPing  = "ping"

	DefaultDiscordGatewayIntent = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsGuildMessageTyping |
		discordgo.IntentsDirectMessageTyping |
		discordgo.IntentMessageContent
	DefaultDiscordLogLevel             = slog.LevelWarn
	DefaultDiscordgoLogLevel           = slog.LevelWarn
	DefaultDiscordCustomStatus         = "/chat with me!"
	DefaultDiscordTypingInterval       = 5 * time.Second
	DefaultDiscordTransientDeleteDelay = 5 * time.Second

	DefaultReplyLockBackend    = replyLockBackendMemory
	DefaultReplyLockStaleAfter = 10 * time.Minute

	DefaultRenderDisplayLimit   = 2000
	DefaultRenderPlaceholder    = ":pencil:"
	DefaultRenderAttachmentName = "response.txt"

	DefaultRetentionCron   = "0 4 * * *"
	DefaultRetentionMaxAge = 30 * 24 * time.Hour

	DefaultAPIListen               = "127.0.0.1:5000"
	DefaultAPITLSMinVersion        = tls.VersionTLS12
	DefaultAPISessionMaxAge        = 6 * time.Hour
	DefaultAPILogLevel             = slog.LevelInfo
	DefaultAPICORSAllowCredentials = true

	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelInfo
	DefaultOpenAILogLevel        = slog.LevelInfo
	defaultListenNetwork         = "tcp"
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodDelete,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Requested-With",
		"Cache-Control",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		xRequestIDHeader,
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

type Config struct {
	// Database connection string
	Database string `yaml:"database" mapstructure:"database" json:"database" binding:"required"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// PromptsFile is an optional YAML file with prompt presets for /chat.
	// The built-in presets are used when empty.
	PromptsFile string `yaml:"prompts_file" mapstructure:"prompts_file" json:"prompts_file"`

	OpenAI    *OpenAIConfig    `yaml:"openai" mapstructure:"openai" json:"openai" binding:"required"`
	Discord   *DiscordConfig   `yaml:"discord" mapstructure:"discord" json:"discord" binding:"required"`
	ReplyLock *ReplyLockConfig `yaml:"reply_lock" mapstructure:"reply_lock" json:"reply_lock" binding:"required"`
	Render    *RenderConfig    `yaml:"render" mapstructure:"render" json:"render" binding:"required"`
	Retention *RetentionConfig `yaml:"retention" mapstructure:"retention" json:"retention" binding:"required"`
	API       *APIConfig       `yaml:"api" mapstructure:"api" json:"api" binding:"required"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout limits the time allowed to connect to the database and
	// discord. If this is passed, the bot aborts startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow in-flight turns to finish after
	// a shutdown signal.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return configLogValue(c)
}

// OpenAIConfig configures the completion and moderation endpoints
type OpenAIConfig struct {
	// OpenAI API token
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Base URL override, for OpenAI-compatible servers. Empty uses the
	// go-openai default.
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url" binding:"omitempty,url"`

	// Chat completion model
	Model string `yaml:"model" mapstructure:"model" json:"model" binding:"required"`

	// OpenAI base log level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Client-side request rate limit. 0 disables limiting.
	MaxRequestsPerSecond float64 `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second" json:"max_requests_per_second" binding:"min=0"`

	// RequestTimeout bounds a single completion call, including the
	// full duration of a streamed response.
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout" json:"request_timeout" binding:"min=1s"`

	// AssistantLabel is the speaker label stored on assistant turns
	// created by /chat.
	AssistantLabel string `yaml:"assistant_label" mapstructure:"assistant_label" json:"assistant_label"`

	// Moderation enables the moderation check on /chat input
	Moderation bool `yaml:"moderation" mapstructure:"moderation" json:"moderation"`
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID specifies the guild ID used when registering slash commands.
	// Leave empty for commands to be registered as global.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// Custom status shown on the bot user
	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	// How often the typing indicator is re-sent while waiting on a completion
	TypingInterval time.Duration `yaml:"typing_interval" mapstructure:"typing_interval" json:"typing_interval" binding:"min=1s"`

	// How long transient notices (and the message that triggered them)
	// stay up before being deleted
	TransientDeleteDelay time.Duration `yaml:"transient_delete_delay" mapstructure:"transient_delete_delay" json:"transient_delete_delay"`

	// RegisterCommands overwrites the bot's slash commands on startup
	RegisterCommands bool `yaml:"register_commands" mapstructure:"register_commands" json:"register_commands"`

	// StreamReplies streams completions for replies to bot messages.
	// /chat decides per invocation via its 'stream' option.
	StreamReplies bool `yaml:"stream_replies" mapstructure:"stream_replies" json:"stream_replies"`

	httpClient *http.Client
}

// ReplyLockConfig selects where reply locks are kept
type ReplyLockConfig struct {
	// One of 'memory', 'database' or 'postgres'. 'postgres' uses advisory
	// locks and requires database_type=postgres.
	Backend string `yaml:"backend" mapstructure:"backend" json:"backend" binding:"oneof=memory database postgres"`

	// Database-backed locks older than this are considered abandoned
	// (ex: the process holding them crashed) and may be taken over.
	StaleAfter time.Duration `yaml:"stale_after" mapstructure:"stale_after" json:"stale_after" binding:"min=1m"`
}

// RenderConfig controls how completions are shown in discord
type RenderConfig struct {
	// Replies longer than this many characters are sent as an attachment
	DisplayLimit int `yaml:"display_limit" mapstructure:"display_limit" json:"display_limit" binding:"min=1,max=2000"`

	// Message content shown in place of an oversized reply
	Placeholder string `yaml:"placeholder" mapstructure:"placeholder" json:"placeholder" binding:"required"`

	// Filename used for oversized reply attachments
	AttachmentName string `yaml:"attachment_name" mapstructure:"attachment_name" json:"attachment_name" binding:"required"`
}

// RetentionConfig configures periodic pruning of old conversations
type RetentionConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// Cron expression for when pruning runs
	Cron string `yaml:"cron" mapstructure:"cron" json:"cron" binding:"required_if=Enabled true,omitempty,cron"`

	// Conversations not updated within this window are deleted
	MaxAge time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age" binding:"required_if=Enabled true,omitempty,min=1h"`
}

// APIConfig configures the admin API server
type APIConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required_if=Enabled true,omitempty,oneof=tcp tcp4 tcp6 unix"`

	// Secret used for signing cookies
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]"`

	// Configuration for SSL/TLS. Served over plain HTTP when no
	// certificate is configured.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`

	// Max age for session cookies
	SessionMaxAge time.Duration `yaml:"session_max_age" mapstructure:"session_max_age" json:"session_max_age" binding:"required_if=Enabled true,omitempty,min=10m,max=24h"`

	// Development relaxes cookie SameSite settings and enables pprof
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	Cert string `yaml:"cert" mapstructure:"cert" json:"cert"`

	// Path to an SSL cert key
	Key string `yaml:"key" mapstructure:"key" json:"key" binding:"required_with=Cert"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	defaultMethods := make([]string, len(DefaultCORSAllowMethods))
	copy(defaultMethods, DefaultCORSAllowMethods)

	defaultHeaders := make([]string, len(DefaultCORSAllowHeaders))
	copy(defaultHeaders, DefaultCORSAllowHeaders)

	defaultExpose := make([]string, len(DefaultCORSExposeHeaders))
	copy(defaultExpose, DefaultCORSExposeHeaders)

	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     defaultMethods,
		AllowHeaders:     defaultHeaders,
		ExposeHeaders:    defaultExpose,
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	openaiLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	openaiLogLevel.Set(DefaultOpenAILogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		OpenAI: &OpenAIConfig{
			LogLevel:             openaiLogLevel,
			Model:                DefaultOpenAIModel,
			MaxRequestsPerSecond: DefaultOpenAIMaxRequestsPerSecond,
			RequestTimeout:       DefaultOpenAIRequestTimeout,
			AssistantLabel:       DefaultOpenAIAssistantLabel,
			Moderation:           true,
		},
		Discord: &DiscordConfig{
			GatewayIntents:       DefaultDiscordGatewayIntent,
			LogLevel:             discordLogLevel,
			DiscordGoLogLevel:    discordgoLogLevel,
			CustomStatus:         DefaultDiscordCustomStatus,
			TypingInterval:       DefaultDiscordTypingInterval,
			TransientDeleteDelay: DefaultDiscordTransientDeleteDelay,
		},
		ReplyLock: &ReplyLockConfig{
			Backend:    DefaultReplyLockBackend,
			StaleAfter: DefaultReplyLockStaleAfter,
		},
		Render: &RenderConfig{
			DisplayLimit:   DefaultRenderDisplayLimit,
			Placeholder:    DefaultRenderPlaceholder,
			AttachmentName: DefaultRenderAttachmentName,
		},
		Retention: &RetentionConfig{
			Cron:   DefaultRetentionCron,
			MaxAge: DefaultRetentionMaxAge,
		},
		API: &APIConfig{
			Enabled:       true,
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultAPITLSMinVersion,
			},
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			SessionMaxAge:     DefaultAPISessionMaxAge,
			CORS:              DefaultCORSConfig(),
		},
	}
}
