package discofeed

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/arcward/discofeed/feedmachine"
	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

const (
	pprofPrefix           = "/debug"
	apiPrefix             = "/api"
	apiHealthCheck        = "/api/health"
	apiPathFeeds          = "/feeds"
	apiPathHandles        = "/handles"
	apiPathGuildFeeds     = "/guilds/:guild_id/feeds"
	apiPathGuildFeed      = "/guilds/:guild_id/feeds/:class/*id"
	xRequestIDHeader      = "X-Request-ID"
	authorizationHeader   = "Authorization"
	bearerPrefix          = "Bearer "
	authFailureBurst      = 5
	authFailureRefillRate = rate.Limit(1)
)

// API serves the admin endpoints for inspecting and managing feed
// subscriptions outside of discord
type API struct {
	config     *APIConfig
	httpServer *http.Server
	listener   net.Listener
	engine     *gin.Engine
	logger     *slog.Logger
	handlers   *APIHandlers
}

func newAPI(d *DiscoFeed, config *APIConfig) (*API, error) {
	r := gin.New()

	api := &API{
		config: config,
		engine: r,
		logger: newLogger(config.LogLevel, "api"),
	}
	apiHandlers := NewAPIHandlers(d)
	api.handlers = apiHandlers

	var tlsCfg *tls.Config
	if config.SSL.Enabled() {
		cfg, err := tlsConfig(
			config.SSL.Cert,
			config.SSL.Key,
			config.SSL.TLSMinVersion,
		)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
		tlsCfg = cfg
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
	if len(corsConfig.AllowOrigins) == 0 && config.Development {
		corsConfig.AllowOrigins = []string{"*"}
	}

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(api.logger),
	)
	if len(corsConfig.AllowOrigins) > 0 {
		r.Use(cors.New(corsConfig))
	}

	r.GET(apiHealthCheck, apiHandlers.healthCheck)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(config.Secret, api.logger))

	protected.GET(apiPathFeeds, apiHandlers.getFeeds)
	protected.POST(apiPathFeeds, apiHandlers.registerFeed)
	protected.GET(apiPathHandles, apiHandlers.getHandles)
	protected.GET(apiPathGuildFeeds, apiHandlers.getGuildFeeds)
	protected.DELETE(apiPathGuildFeeds, apiHandlers.clearGuildFeeds)
	protected.DELETE(apiPathGuildFeed, apiHandlers.unregisterFeed)

	return api, nil
}

// listen opens the configured listener, wrapped with TLS if certs
// are configured
func (a *API) listen(ctx context.Context) error {
	network := a.config.ListenNetwork
	if network == "" {
		network = defaultListenNetwork
	}
	listenCfg := &net.ListenConfig{}
	ln, err := listenCfg.Listen(ctx, network, a.config.Listen)
	if err != nil {
		return err
	}
	if a.httpServer.TLSConfig != nil {
		ln = tls.NewListener(ln, a.httpServer.TLSConfig)
	}
	a.listener = ln
	a.logger.InfoContext(ctx, "api listening", "addr", ln.Addr().String())
	return nil
}

// Serve blocks serving requests on the listener opened by
// [API.listen]
func (a *API) Serve() error {
	if a.listener == nil {
		return errors.New("api listener not initialized")
	}
	return a.httpServer.Serve(a.listener)
}

type APIHandlers struct {
	d *DiscoFeed
}

func NewAPIHandlers(d *DiscoFeed) *APIHandlers {
	return &APIHandlers{d: d}
}

// healthCheckResponse is returned by the unauthenticated health endpoint
type healthCheckResponse struct {
	DiscordGatewayConnected bool                       `json:"discord_gateway_connected"`
	DiscordConnects         int64                      `json:"discord_connects"`
	DiscordDisconnects      int64                      `json:"discord_disconnects"`
	MessagesSent            int64                      `json:"messages_sent"`
	Uptime                  string                     `json:"uptime"`
	Handles                 []feedmachine.HandleStatus `json:"handles"`
}

// registerFeedRequest is the payload for POST /api/feeds
type registerFeedRequest struct {
	Class     string `json:"class" binding:"required"`
	ID        string `json:"id" binding:"required,max=512"`
	GuildID   string `json:"guild_id" binding:"required,numeric"`
	ChannelID string `json:"channel_id" binding:"required,numeric"`
}

type registerFeedResponse struct {
	Status         string             `json:"status"`
	Feed           feedmachine.FeedID `json:"feed"`
	ChannelID      string             `json:"channel_id"`
	PriorChannelID string             `json:"prior_channel_id,omitempty"`
}

type unregisterFeedResponse struct {
	Status    string             `json:"status"`
	Feed      feedmachine.FeedID `json:"feed"`
	ChannelID string             `json:"channel_id,omitempty"`
}

type clearGuildFeedsResponse struct {
	Removed int `json:"removed"`
}

// feeds returns the running feed manager, or replies with 503 if the
// bot hasn't finished starting
func (h *APIHandlers) feeds(c *gin.Context) (*feedmachine.Manager, bool) {
	if h.d == nil || h.d.feeds == nil {
		c.AbortWithStatusJSON(
			http.StatusServiceUnavailable,
			httpError{Error: "feeds not initialized"},
		)
		return nil, false
	}
	return h.d.feeds, true
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	resp := healthCheckResponse{Handles: []feedmachine.HandleStatus{}}
	if h.d != nil {
		if h.d.discord != nil {
			resp.DiscordGatewayConnected = h.d.discord.connected.Load()
			resp.DiscordConnects = h.d.discord.metricConnects.Load()
			resp.DiscordDisconnects = h.d.discord.metricDisconnects.Load()
			resp.MessagesSent = h.d.discord.metricMessagesSent.Load()
		}
		if !h.d.startedAt.IsZero() {
			resp.Uptime = time.Since(h.d.startedAt).Round(time.Second).String()
		}
		if h.d.feeds != nil {
			resp.Handles = h.d.feeds.Status()
		}
	}
	c.JSON(http.StatusOK, resp)
}

// getFeeds lists every persisted feed with its subscribers
func (h *APIHandlers) getFeeds(c *gin.Context) {
	feeds, ok := h.feeds(c)
	if !ok {
		return
	}
	summaries, err := feeds.Feeds(c.Request.Context())
	if err != nil {
		ginFeedError(c, err)
		return
	}
	c.JSON(http.StatusOK, summaries)
}

func (h *APIHandlers) getHandles(c *gin.Context) {
	feeds, ok := h.feeds(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, feeds.Status())
}

func (h *APIHandlers) getGuildFeeds(c *gin.Context) {
	feeds, ok := h.feeds(c)
	if !ok {
		return
	}
	guildFeeds, err := feeds.ListGuildFeeds(c.Request.Context(), c.Param("guild_id"))
	if err != nil {
		ginFeedError(c, err)
		return
	}
	c.JSON(http.StatusOK, guildFeeds)
}

// registerFeed subscribes a guild channel to a feed.
//
// Responses:
//   - 201 Created: the feed was newly registered for the guild
//   - 200 OK: the guild's channel was replaced, or it was already registered
//   - 400 Bad Request: invalid payload, feed class or identifier
//   - 409 Conflict: the feed class is disabled
//   - 503 Service Unavailable: the bot is shutting down
func (h *APIHandlers) registerFeed(c *gin.Context) {
	feeds, ok := h.feeds(c)
	if !ok {
		return
	}
	logger := ginContextLogger(c)

	var payload registerFeedRequest
	if err := c.ShouldBindJSON(&payload); err != nil {
		logger.Warn("invalid payload", tint.Err(err))
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	id, err := apiFeedID(payload.Class, payload.ID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	result, err := feeds.Register(c.Request.Context(), id, payload.GuildID, payload.ChannelID)
	if err != nil {
		ginFeedError(c, err)
		return
	}

	resp := registerFeedResponse{
		Status:         result.Status.String(),
		Feed:           id,
		ChannelID:      payload.ChannelID,
		PriorChannelID: result.PriorChannelID,
	}
	switch result.Status {
	case feedmachine.Registered:
		c.JSON(http.StatusCreated, resp)
	case feedmachine.NotEnabled:
		c.JSON(http.StatusConflict, resp)
	default:
		c.JSON(http.StatusOK, resp)
	}
}

// unregisterFeed removes a guild's subscription to a feed. The feed
// identifier is the remainder of the path, so URLs don't need escaping.
func (h *APIHandlers) unregisterFeed(c *gin.Context) {
	feeds, ok := h.feeds(c)
	if !ok {
		return
	}

	id, err := apiFeedID(c.Param("class"), strings.TrimPrefix(c.Param("id"), "/"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	result, err := feeds.Unregister(c.Request.Context(), id, c.Param("guild_id"))
	if err != nil {
		ginFeedError(c, err)
		return
	}
	resp := unregisterFeedResponse{
		Status:    result.Status.String(),
		Feed:      id,
		ChannelID: result.ChannelID,
	}
	if result.Status == feedmachine.NotRegistered {
		c.JSON(http.StatusNotFound, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *APIHandlers) clearGuildFeeds(c *gin.Context) {
	feeds, ok := h.feeds(c)
	if !ok {
		return
	}
	removed, err := feeds.UnregisterGuildFeeds(c.Request.Context(), c.Param("guild_id"))
	if err != nil {
		ginFeedError(c, err)
		return
	}
	c.JSON(http.StatusOK, clearGuildFeedsResponse{Removed: removed})
}

func apiFeedID(class string, id string) (feedmachine.FeedID, error) {
	c, err := feedmachine.ParseClass(class)
	if err != nil {
		return feedmachine.FeedID{}, err
	}
	return feedmachine.NewFeedID(c, id)
}

// ginFeedError replies 503 if the feed manager is shut down, otherwise
// logs the error and replies 500
func ginFeedError(c *gin.Context, err error) {
	if errors.Is(err, feedmachine.ErrManagerClosed) {
		c.AbortWithStatusJSON(
			http.StatusServiceUnavailable,
			httpError{Error: "shutting down"},
		)
		return
	}
	_ = c.Error(err)
	ginReplyError(c, "internal server error")
}

// httpError represents an error message returned to the client
type httpError struct {
	Error string `json:"error"`
}

// authMiddleware requires the API secret as a bearer token. If no
// secret is configured, every request is allowed. Failed attempts are
// rate limited.
func authMiddleware(secret string, logger *slog.Logger) gin.HandlerFunc {
	failures := rate.NewLimiter(authFailureRefillRate, authFailureBurst)
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}

		token, found := strings.CutPrefix(c.GetHeader(authorizationHeader), bearerPrefix)
		if found && subtle.ConstantTimeCompare([]byte(token), []byte(secret)) == 1 {
			c.Next()
			return
		}

		if !failures.Allow() {
			logger.Warn("too many failed auth attempts", "remote_ip", c.RemoteIP())
			c.AbortWithStatusJSON(
				http.StatusTooManyRequests,
				httpError{Error: "too many requests"},
			)
			return
		}
		logger.Warn("unauthorized", "remote_ip", c.RemoteIP())
		c.AbortWithStatusJSON(
			http.StatusUnauthorized,
			httpError{Error: "unauthorized"},
		)
	}
}

// requestIDMiddleware generates a Gin middleware function that assigns a
// unique request ID to each incoming request.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
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
	return setGinContextLogger(c, slog.Default())
}

func setGinContextLogger(c *gin.Context, base *slog.Logger) *slog.Logger {
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := base.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request when it finishes, with its
// duration and response status. Errors attached to the gin context
// are logged at ERROR.
func ginLoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := setGinContextLogger(c, logger)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, e.Err)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				tint.Err(errors.Join(errs...)),
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

// ginReplyError sends a JSON response with a message,
// with HTTP status code 500, via the gin context.
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}
