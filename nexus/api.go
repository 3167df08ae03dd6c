package nexus

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
)

const (
	apiPrefix                 = "/api"
	apiHealthCheck            = "/healthz"
	apiPathParams             = "/params"
	apiPathPeerConfig         = "/peer_config/:chat_id"
	apiPathPeerConfigFlush    = "/peer_config/:chat_id/invalidate"
	apiPathPeerConfigFlushAll = "/peer_config/invalidate"
	apiPathRateLimits         = "/rate_limits"
	apiPathPause              = "/pause"
	apiPathResume             = "/resume"
	apiPathQuit               = "/quit"
	apiPathState              = "/state"
)

const xRequestIDHeader = "X-Request-ID"

// API is the backend admin HTTP server: parameter registry inspection,
// per-chat configuration reads and patches, cache invalidation, and
// operator controls. All /api routes require basic auth against the
// persisted [BotState] credentials.
type API struct {
	config           *APIConfig
	httpServer       *http.Server
	listener         net.Listener
	engine           *gin.Engine
	requestMetrics   map[string]int
	requestMetricsMu sync.Mutex
	logger           *slog.Logger

	handlers *APIHandlers
}

func newAPI(n *Nexus, config *APIConfig) (*API, error) {
	setupLogger := slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	api := &API{
		config:         config,
		engine:         r,
		requestMetrics: map[string]int{},
	}
	api.handlers = NewAPIHandlers(n)
	api.logger = setupLogger.With(loggerNameKey, "api")

	var tlsCfg *tls.Config
	if config.SSL.Cert != "" {
		var e error
		tlsCfg, e = tlsConfig(
			config.SSL.Cert,
			config.SSL.Key,
			config.SSL.TLSMinVersion,
		)
		if e != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", e)
		}
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

	r.Use(gin.Recovery())
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(),
		metricMiddleware(api),
		cors.New(config.CORS.GINConfig()),
	)

	r.GET(apiHealthCheck, api.handlers.healthCheck)

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(n))

	protected.GET(apiPathParams, api.handlers.getParams)
	protected.GET(apiPathPeerConfig, api.handlers.getPeerConfig)
	protected.PATCH(apiPathPeerConfig, api.handlers.updatePeerConfig)
	protected.POST(apiPathPeerConfigFlush, api.handlers.invalidatePeerConfig)
	protected.POST(apiPathPeerConfigFlushAll, api.handlers.invalidateAllPeerConfigs)
	protected.GET(apiPathRateLimits, api.handlers.getRateLimits)
	protected.GET(apiPathState, api.handlers.getState)
	protected.POST(apiPathPause, api.handlers.botPause)
	protected.POST(apiPathResume, api.handlers.botResume)
	protected.POST(apiPathQuit, api.handlers.botQuit)

	return api, nil
}

func (a *API) Serve(ctx context.Context) error {
	if a.listener != nil {
		return a.httpServer.Serve(a.listener)
	}
	listenCfg := &net.ListenConfig{}
	ln, e := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
	if e != nil {
		return e
	}
	if a.httpServer.TLSConfig != nil {
		ln = tls.NewListener(ln, a.httpServer.TLSConfig)
	}
	a.listener = ln
	return a.httpServer.Serve(a.listener)
}

// APIHandlers bundles the route handlers with the bot they operate on.
type APIHandlers struct {
	n      *Nexus
	logger *slog.Logger
}

func NewAPIHandlers(n *Nexus) *APIHandlers {
	return &APIHandlers{
		n:      n,
		logger: slog.Default().With(loggerNameKey, "api_handlers"),
	}
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	c.JSON(
		http.StatusOK, healthCheckResponse{
			Status:    "ok",
			Paused:    h.n.Paused(),
			StartedAt: h.n.startedAt,
			Uptime:    time.Since(h.n.startedAt).String(),
		},
	)
}

// getParams lists every registered configuration parameter, in display
// order.
func (h *APIHandlers) getParams(c *gin.Context) {
	c.JSON(http.StatusOK, h.n.registry.Params())
}

func chatIDParam(c *gin.Context) (int64, bool) {
	chatID, err := strconv.ParseInt(c.Param("chat_id"), 10, 64)
	if err != nil {
		c.AbortWithStatusJSON(
			http.StatusBadRequest,
			httpError{Error: "invalid chat_id"},
		)
		return 0, false
	}
	return chatID, true
}

// getPeerConfig returns a chat's current configuration document,
// creating it with defaults if the chat has never been seen.
func (h *APIHandlers) getPeerConfig(c *gin.Context) {
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}
	doc, err := h.n.peerConfig.Get(c.Request.Context(), chatID)
	if err != nil {
		ginContextLogger(c).Error("error getting peer config", tint.Err(err))
		ginReplyError(c, "error getting peer config")
		return
	}
	c.JSON(http.StatusOK, doc)
}

// updatePeerConfig applies a partial update to a chat's configuration.
// Unknown and invalid entries are dropped, matching the settings
// command's behavior.
func (h *APIHandlers) updatePeerConfig(c *gin.Context) {
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}
	var updates map[string]any
	if err := c.ShouldBindJSON(&updates); err != nil {
		c.AbortWithStatusJSON(
			http.StatusBadRequest,
			httpError{Error: "invalid request body"},
		)
		return
	}
	doc, err := h.n.peerConfig.Update(c.Request.Context(), chatID, updates)
	if err != nil {
		ginContextLogger(c).Error("error updating peer config", tint.Err(err))
		ginReplyError(c, "error updating peer config")
		return
	}

	if !h.n.dbNotifier.PeerConfigInvalidated(c.Request.Context(), chatID) {
		ginContextLogger(c).Error(
			"error broadcasting peer config invalidation",
			"chat_id", chatID,
		)
	}
	c.JSON(http.StatusOK, doc)
}

func (h *APIHandlers) invalidatePeerConfig(c *gin.Context) {
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}
	h.n.peerConfig.Invalidate(chatID)
	if !h.n.dbNotifier.PeerConfigInvalidated(c.Request.Context(), chatID) {
		ginContextLogger(c).Error(
			"error broadcasting peer config invalidation",
			"chat_id", chatID,
		)
	}
	ginReplyMessage(c, fmt.Sprintf("invalidated cache for chat %d", chatID))
}

func (h *APIHandlers) invalidateAllPeerConfigs(c *gin.Context) {
	h.n.peerConfig.InvalidateAll()
	if !h.n.dbNotifier.PeerConfigInvalidated(c.Request.Context(), 0) {
		ginContextLogger(c).Error("error broadcasting peer config invalidation")
	}
	ginReplyMessage(c, "invalidated all cached peer configs")
}

// getRateLimits lists durable rate-limit records, most recent first.
func (h *APIHandlers) getRateLimits(c *gin.Context) {
	var records []RateLimitRecord
	err := h.n.db.DB().WithContext(c.Request.Context()).Order(
		fmt.Sprintf("%s desc", columnRateLimitLastAllowedAt),
	).Find(&records).Error
	if err != nil {
		ginContextLogger(c).Error("error listing rate limits", tint.Err(err))
		ginReplyError(c, "error listing rate limits")
		return
	}
	c.JSON(http.StatusOK, records)
}

func (h *APIHandlers) getState(c *gin.Context) {
	h.n.botStateMu.RLock()
	state := h.n.botState
	h.n.botStateMu.RUnlock()
	if state == nil {
		c.AbortWithStatusJSON(
			http.StatusNotFound,
			httpError{Error: "bot state not initialized"},
		)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (h *APIHandlers) botPause(c *gin.Context) {
	if h.n.Pause(c.Request.Context()) {
		ginReplyMessage(c, "paused")
		return
	}
	ginReplyMessage(c, "already paused")
}

func (h *APIHandlers) botResume(c *gin.Context) {
	if h.n.Resume(c.Request.Context()) {
		ginReplyMessage(c, "resumed")
		return
	}
	ginReplyMessage(c, "not paused")
}

func (h *APIHandlers) botQuit(c *gin.Context) {
	ginContextLogger(c).Warn("received quit request")
	if !h.n.dbNotifier.Stop(c.Request.Context()) {
		ginReplyError(c, "error sending stop signal")
		return
	}
	ginReplyMessage(c, "stopping")
}

// authMiddleware enforces basic auth against the persisted BotState
// admin credentials. Requests are rejected until `init` has created
// the credentials.
func authMiddleware(n *Nexus) gin.HandlerFunc {
	return func(c *gin.Context) {
		n.botStateMu.RLock()
		state := n.botState
		n.botStateMu.RUnlock()

		if state == nil || state.AdminUsername == "" {
			c.AbortWithStatusJSON(
				http.StatusServiceUnavailable,
				httpError{Error: "admin credentials not initialized"},
			)
			return
		}

		username, password, ok := c.Request.BasicAuth()
		if !ok {
			c.Header("WWW-Authenticate", `Basic realm="restricted"`)
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}

		usernameMatch := subtle.ConstantTimeCompare(
			[]byte(username),
			[]byte(state.AdminUsername),
		) == 1
		passwordMatch, err := verifyPassword(state.AdminPassword, password)
		if err != nil {
			ginContextLogger(c).Error("error verifying password", tint.Err(err))
		}
		if !usernameMatch || !passwordMatch {
			c.Header("WWW-Authenticate", `Basic realm="restricted"`)
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		c.Next()
	}
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		if requestID, exists := c.Get(xRequestIDHeader); exists {
			c.Header(xRequestIDHeader, requestID.(string))
		}
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	var requestLogger *slog.Logger
	logger, ok := c.Get(string(loggerContextKey))
	if ok {
		requestLogger, ok = logger.(*slog.Logger)
		if ok {
			return requestLogger
		}
	}
	requestLogger = slog.Default()
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	raw := c.Request.URL.RawQuery
	if raw != "" {
		path = path + "?" + raw
	}

	requestLogger = requestLogger.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
			"referer", c.Request.Referer(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware returns a Gin middleware function for logging HTTP
// requests.
//
// It logs the request method, path, remote address, user agent, referer,
// and the duration of the request. If there are any errors, it logs them
// as well.
func ginLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, *e)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf(
					"%s %s finished with errors",
					c.Request.Method,
					c.Request.URL,
				),
				"duration", latency,
				"errors", errs,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		} else {
			requestLogger.Info(
				fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
				"duration", latency,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		}
	}
}

// metricMiddleware returns a Gin middleware function for tracking API
// request metrics.
//
// It increments the request count for each unique combination of HTTP
// method and URL path. The metrics are stored in the API's requestMetrics
// map, which is protected by a mutex.
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer c.Next()

		a.requestMetricsMu.Lock()
		defer a.requestMetricsMu.Unlock()

		key := fmt.Sprintf("%s %s", c.Request.Method, c.Request.URL.Path)
		_, ok := a.requestMetrics[key]
		if !ok {
			a.requestMetrics[key] = 1
			return
		}
		a.requestMetrics[key]++
	}
}

type healthCheckResponse struct {
	Status    string    `json:"status"`
	Paused    bool      `json:"paused"`
	StartedAt time.Time `json:"started_at"`
	Uptime    string    `json:"uptime"`
}

type httpReply struct {
	Message string `json:"message"`
}

type httpError struct {
	Error string `json:"error"`
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
