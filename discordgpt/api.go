package discordgpt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"github.com/adhocore/gronx"
	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
	"log/slog"
	"net"
	"net/http"
	"time"
)

const (
	pprofPrefix                  = "/debug"
	apiPrefix                    = "/api"
	apiPathLogin                 = "/login"
	apiPathLogout                = "/logout"
	apiHealthCheck               = "/healthz"
	apiPathMetrics               = "/metrics"
	apiPathLoggedIn              = "/logged_in"
	apiPathQuit                  = "/quit"
	apiPathConversations         = "/conversations"
	apiPathOwnerConversations    = "/conversations/:owner_id"
	apiPathConversation          = "/conversation/:id"
	apiPathConversationByMessage = "/conversation/by_message/:message_id"
	apiPathCompletionLogs        = "/completion_logs"
	apiPathRetentionRun          = "/retention/run"
	apiPathRegisterCommands      = "/discord/register_commands"
)

const (
	xRequestIDHeader = "X-Request-ID"
	sessionVarName   = "user"
	sessionVarField  = "username"
)

var (
	structValidator = validator.New()
)

var (
	Ascending  Sort = "asc"
	Descending Sort = "desc"
)

// API is the admin HTTP server. It exposes health and metrics, and,
// behind a session login, conversation lookups and maintenance actions.
type API struct {
	config              *APIConfig
	httpServer          *http.Server
	listener            net.Listener
	engine              *gin.Engine
	store               CookieStore
	loginRequestLimiter *rate.Limiter
	logger              *slog.Logger

	handlers *APIHandlers
}

func newAPI(b *Bot, config *APIConfig) (*API, error) {
	logger := newComponentLogger(config.LogLevel, "api")

	r := gin.New()

	api := &API{
		config:              config,
		engine:              r,
		loginRequestLimiter: rate.NewLimiter(rate.Every(time.Second), 3),
		logger:              logger,
	}
	apiHandlers := NewAPIHandlers(b, api, logger)
	api.handlers = apiHandlers
	api.store = apiHandlers.store

	tlsCfg, e := adminTLSConfig(config.SSL)
	if e != nil {
		return nil, fmt.Errorf("error loading SSL certs: %w", e)
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowAllOrigins = config.Development
		if !config.Development {
			corsConfig.AllowOrigins = []string{"http://" + config.Listen, "https://" + config.Listen}
		}
	}

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
		metricMiddleware(b.metrics),
		cors.New(corsConfig),
		sessions.Sessions(sessionVarName, apiHandlers.store),
	)

	r.GET(apiHealthCheck, apiHandlers.healthCheck)
	r.GET(
		apiPathMetrics,
		gin.WrapH(promhttp.HandlerFor(b.metrics.Registry(), promhttp.HandlerOpts{})),
	)
	r.POST(apiPathLogin, apiHandlers.loginHandler)
	r.POST(apiPathLogout, apiHandlers.logoutHandler)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(apiHandlers))

	protected.GET(apiPathLoggedIn, apiHandlers.loggedIn)
	protected.POST(apiPathQuit, apiHandlers.botQuit)
	protected.GET(apiPathConversations, apiHandlers.getConversations)
	protected.DELETE(apiPathOwnerConversations, apiHandlers.deleteOwnerConversations)
	protected.GET(apiPathConversation, apiHandlers.getConversation)
	protected.GET(apiPathConversationByMessage, apiHandlers.getConversationByMessage)
	protected.GET(apiPathCompletionLogs, apiHandlers.getCompletionLogs)
	protected.POST(apiPathRetentionRun, apiHandlers.runRetention)
	protected.POST(apiPathRegisterCommands, apiHandlers.discordRegisterCommands)

	return api, nil
}

// Serve listens on the configured address, using TLS when a certificate
// is configured
func (a *API) Serve(ctx context.Context) error {
	if a.listener != nil {
		return a.httpServer.Serve(a.listener)
	}
	listenCfg := &net.ListenConfig{}
	ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
	if err != nil {
		return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
	}
	if a.httpServer.TLSConfig != nil {
		ln = tls.NewListener(ln, a.httpServer.TLSConfig)
	}
	a.listener = ln
	a.logger.InfoContext(ctx, "api listening", "address", ln.Addr().String())
	return a.httpServer.Serve(a.listener)
}

type CookieStore interface {
	sessions.Store
}

func NewCookieStore(keyPairs ...[]byte) CookieStore {
	return &cookieStore{gsessions.NewCookieStore(keyPairs...)}
}

type cookieStore struct {
	*gsessions.CookieStore
}

func (c *cookieStore) Options(options sessions.Options) {
	c.CookieStore.Options = options.ToGorillaOptions()
}

// APIHandlers contains the handlers for the API endpoints
type APIHandlers struct {
	b      *Bot
	api    *API
	logger *slog.Logger
	store  CookieStore
}

// NewAPIHandlers sets up the session store. Without a configured secret,
// a random one is generated, so sessions don't survive a restart.
func NewAPIHandlers(b *Bot, api *API, logger *slog.Logger) *APIHandlers {
	var secretKey []byte
	switch sk := b.config.API.Secret; {
	case sk == "":
		logger.Warn(
			"api secret not set, generating random secret " +
				"(sessions will not persist across restarts)",
		)
		secretKey = securecookie.GenerateRandomKey(64)
	default:
		secretKey = sessionKey(sk)
	}

	store := NewCookieStore(secretKey)
	store.Options(sessionOptions(b.config.API))
	return &APIHandlers{b: b, api: api, logger: logger, store: store}
}

func sessionOptions(config *APIConfig) sessions.Options {
	sameSite := http.SameSiteStrictMode
	if config.Development {
		sameSite = http.SameSiteNoneMode
	}
	return sessions.Options{
		Path:     "/",
		HttpOnly: true,
		Secure:   config.SSL.Cert != "",
		MaxAge:   int(config.SessionMaxAge.Seconds()),
		SameSite: sameSite,
	}
}

// healthCheck reports the gateway connection and how many discord
// events are being handled
func (h *APIHandlers) healthCheck(c *gin.Context) {
	resp := healthCheckResponse{
		HandlersInFlight: h.b.handlersInFlight.Load(),
	}
	if h.b.discord != nil {
		resp.DiscordGatewayConnected = h.b.discord.connected.Load()
	}
	if !h.b.startedAt.IsZero() {
		resp.Uptime = time.Since(h.b.startedAt).Round(time.Second).String()
	}
	c.JSON(http.StatusOK, resp)
}

// loginHandler checks the credentials against the stored admin login and
// starts a session. Attempts are rate limited.
func (h *APIHandlers) loginHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	if !h.api.loginRequestLimiter.Allow() {
		logger.Warn("login rate limited")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, httpError{Error: "too many requests"})
		return
	}

	var login userLogin
	if err := c.ShouldBindJSON(&login); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	creds, err := LatestAdminCredentials(c.Request.Context(), h.b.db)
	if err != nil {
		logger.Error("error getting admin credentials", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	if creds == nil {
		logger.Warn("admin username and password not set")
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	if login.Username != creds.Username {
		logger.Warn("admin username incorrect")
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	valid, err := verifyPassword(creds.PasswordHash, login.Password)
	if err != nil {
		logger.Error("error verifying password", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	if !valid {
		logger.Warn("invalid login attempt", "username", login.Username)
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}

	session := sessions.Default(c)
	session.Set(sessionVarField, login.Username)
	if err = session.Save(); err != nil {
		logger.Error("error saving session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	logger.Info("saved user session", "username", login.Username)
	c.JSON(http.StatusOK, loggedInResponse{Username: login.Username})
}

func (h *APIHandlers) logoutHandler(c *gin.Context) {
	session := sessions.Default(c)
	session.Clear()
	if err := session.Save(); err != nil {
		ginContextLogger(c).Error("error saving cookie", tint.Err(err))
	}
	ginReplyMessage(c, "logged out")
}

func (h *APIHandlers) loggedIn(c *gin.Context) {
	username, _ := c.Get(sessionVarField)
	name, _ := username.(string)
	c.JSON(http.StatusOK, loggedInResponse{Username: name})
}

// botQuit stops the bot, as if it were interrupted
func (h *APIHandlers) botQuit(c *gin.Context) {
	ginContextLogger(c).Warn("sending stop signal")
	h.b.Stop()
	ginReplyMessage(c, "quitting")
}

func (h *APIHandlers) getConversations(c *gin.Context) {
	var query GetConversationsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid query parameters"})
		return
	}
	convs, err := h.b.store.ListByOwner(c.Request.Context(), query.OwnerID)
	if err != nil {
		ginContextLogger(c).Error("error listing conversations", tint.Err(err))
		ginReplyError(c, "error listing conversations")
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convs, "total": len(convs)})
}

func (h *APIHandlers) getConversation(c *gin.Context) {
	conv, err := h.b.store.Get(c.Request.Context(), c.Param("id"))
	h.replyConversation(c, conv, err)
}

func (h *APIHandlers) getConversationByMessage(c *gin.Context) {
	conv, err := h.b.store.Load(c.Request.Context(), c.Param("message_id"))
	h.replyConversation(c, conv, err)
}

func (h *APIHandlers) replyConversation(c *gin.Context, conv *Conversation, err error) {
	switch {
	case errors.Is(err, ErrConversationNotFound):
		c.JSON(http.StatusNotFound, httpError{Error: "conversation not found"})
	case err != nil:
		ginContextLogger(c).Error("error getting conversation", tint.Err(err))
		ginReplyError(c, "error getting conversation")
	default:
		c.JSON(http.StatusOK, conv)
	}
}

func (h *APIHandlers) deleteOwnerConversations(c *gin.Context) {
	ownerID := c.Param("owner_id")
	deleted, err := h.b.store.ClearOwner(c.Request.Context(), ownerID)
	if err != nil {
		ginContextLogger(c).Error("error clearing conversations", tint.Err(err))
		ginReplyError(c, "error clearing conversations")
		return
	}
	ginContextLogger(c).Info("cleared conversations", "owner_id", ownerID, "deleted", deleted)
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

func (h *APIHandlers) getCompletionLogs(c *gin.Context) {
	var query GetCompletionLogsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid query parameters"})
		return
	}
	if query.Order == "" {
		query.Order = Descending
	}
	if query.Limit == 0 {
		query.Limit = 25
	}

	log := ginContextLogger(c)
	db := h.b.db.WithContext(c.Request.Context()).Model(&CompletionLog{})
	if query.UserID != "" {
		db = db.Where("user_id = ?", query.UserID)
	}

	var totalCount int64
	if err := db.Count(&totalCount).Error; err != nil {
		log.ErrorContext(c, "error counting completion logs", tint.Err(err))
		ginReplyError(c, "error retrieving logs")
		return
	}

	switch query.Order {
	case Descending:
		db = db.Order("created_at DESC")
	default:
		db = db.Order("created_at ASC")
	}

	var logs []CompletionLog
	if err := db.Limit(query.Limit).Offset(query.Offset).Find(&logs).Error; err != nil {
		log.ErrorContext(c, "error retrieving completion logs", tint.Err(err))
		ginReplyError(c, "error retrieving logs")
		return
	}

	c.JSON(
		http.StatusOK, gin.H{
			"total":  totalCount,
			"offset": query.Offset,
			"limit":  query.Limit,
			"logs":   logs,
		},
	)
}

// runRetention prunes old conversations now, regardless of the schedule
func (h *APIHandlers) runRetention(c *gin.Context) {
	deleted, err := h.b.retention.prune(c.Request.Context())
	switch {
	case errors.Is(err, errRetentionRunning):
		c.JSON(http.StatusConflict, httpError{Error: err.Error()})
	case err != nil:
		ginContextLogger(c).Error("error running retention", tint.Err(err))
		ginReplyError(c, "error running retention")
	default:
		c.JSON(http.StatusOK, gin.H{"deleted": deleted})
	}
}

func (h *APIHandlers) discordRegisterCommands(c *gin.Context) {
	log := ginContextLogger(c)
	log.Info("registering commands")

	created, err := h.b.RegisterSlashCommands()
	if err != nil {
		log.Error("error registering commands", tint.Err(err))
		ginReplyError(c, "error registering commands")
		return
	}
	c.JSON(http.StatusCreated, created)
}

// GetConversationsQuery is the query for listing a user's conversations
type GetConversationsQuery struct {
	OwnerID string `form:"owner_id" binding:"required"`
}

// GetCompletionLogsQuery represents the query parameters for fetching
// CompletionLog records
type GetCompletionLogsQuery struct {
	Pagination
	UserID string `form:"user_id"`
}

// Pagination represents the pagination parameters for API requests
type Pagination struct {
	Limit  int  `form:"limit" binding:"omitempty,min=1,max=100"`
	Order  Sort `form:"order" binding:"omitempty,oneof=asc desc"`
	Offset int  `form:"offset" binding:"omitempty,min=0"`
}

// Sort represents the sorting order for queries
type Sort string

type loggedInResponse struct {
	Username string `json:"username"`
}

type healthCheckResponse struct {
	DiscordGatewayConnected bool   `json:"discord_gateway_connected"`
	HandlersInFlight        int64  `json:"handlers_in_flight"`
	Uptime                  string `json:"uptime,omitempty"`
}

type httpReply struct {
	Message string `json:"message"`
}

type httpError struct {
	Error string `json:"error"`
}

type userLogin struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// authMiddleware rejects requests without a session for the current
// admin user
func authMiddleware(h *APIHandlers) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)
		session := sessions.Default(c)
		username, _ := session.Get(sessionVarField).(string)
		if username == "" {
			logger.Warn("username not found in session")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}

		// sessions end when the admin login is changed
		creds, err := LatestAdminCredentials(c.Request.Context(), h.b.db)
		if err != nil {
			logger.Error("error getting admin credentials", tint.Err(err))
			ginReplyError(c, "internal server error")
			return
		}
		if creds == nil || creds.Username != username {
			logger.Warn("session user is not the admin user", "username", username)
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		c.Set(sessionVarField, username)
		c.Next()
	}
}

// requestIDMiddleware assigns a random request ID to each request, and
// returns it in the X-Request-ID header
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := randomHex(16)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, ok := logger.(*slog.Logger); ok {
			return requestLogger
		}
	}
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := slog.Default().With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request when it finishes, with its
// duration and status
func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID, _ := c.Get(xRequestIDHeader)
		requestLogger := base.With(
			slog.Group(
				"request",
				"method", c.Request.Method,
				"path", c.Request.URL.Path,
				"remote_ip", c.RemoteIP(),
			),
			slog.Any(xRequestIDHeader, requestID),
		)
		c.Set(string(loggerContextKey), requestLogger)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				"errors", errs.String(),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

// metricMiddleware counts requests by route, after they're handled
func metricMiddleware(m *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.observeAPIRequest(c.Request.Method, route, c.Writer.Status())
	}
}

// ginReplyMessage sends a JSON response with a message,
// with HTTP status code 200, via the gin context.
func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// ginReplyError sends a JSON response with a message,
// with HTTP status code 500, via the gin context.
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

func validateCron(fl validator.FieldLevel) bool {
	return gronx.IsValid(fl.Field().String())
}

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
	if err := structValidator.RegisterValidation("cron", validateCron); err != nil {
		panic(err)
	}
}
