package nexus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var structValidator = validator.New()

//nolint:gochecknoinits // gotta point the validator at the binding tags
func init() {
	structValidator.SetTagName("binding")
}

// Nexus is the top-level bot. It owns the parameter registry, the
// per-chat configuration store, the rate limiter, the gateway
// connection, and the backend API server.
type Nexus struct {
	config  *Config
	logger  *slog.Logger
	handler slog.Handler

	db         DBI
	dbNotifier DBNotifier

	registry    *ParamRegistry
	peerConfig  *PeerConfigStore
	rateLimiter *RateLimiter

	discord *Discord
	api     *API

	pluginMu sync.RWMutex
	plugins  []Plugin
	commands map[string]Plugin

	botState   *BotState
	botStateMu sync.RWMutex

	paused atomic.Bool

	runMu       sync.Mutex
	signalStop  chan struct{}
	signalReady chan struct{}
	startedAt   time.Time
}

// BotState is the persisted operator state: backend API credentials and
// the paused flag. A single row is created by the `init` command.
type BotState struct {
	ModelUintID
	ModelUnixTime
	AdminUsername string `json:"admin_username" gorm:"type:string"`

	// AdminPassword is an argon2id hash, never the plaintext
	AdminPassword string `json:"-" gorm:"type:string" log:"[redacted]"`

	Paused bool `json:"paused"`
}

func (BotState) TableName() string {
	return "bot_state"
}

var columnBotStatePaused = "paused"

// New creates a Nexus instance from the given config. The database
// isn't opened and the gateway isn't connected until [Nexus.Run].
func New(config *Config) (*Nexus, error) {
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

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	n := &Nexus{
		config:      config,
		commands:    map[string]Plugin{},
		signalReady: make(chan struct{}, 1),
	}

	n.handler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     n.config.LogLevel,
			AddSource: true,
		},
	)
	n.logger = slog.New(n.handler)
	slog.SetDefault(n.logger)

	n.registry = NewParamRegistry()
	n.registerCoreParams()

	n.config.Discord.httpClient = n.config.HTTPClient
	disc, err := newDiscord(n.config.Discord)
	if err != nil {
		errs = append(errs, err)
	}

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     n.config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	if disc != nil {
		disc.logger = slog.New(
			tint.NewHandler(
				defaultLogWriter, &tint.Options{
					Level:     n.config.Discord.LogLevel,
					AddSource: true,
				},
			),
		).With(loggerNameKey, "discord")
		disc.n = n
		n.discord = disc
	}

	api, err := newAPI(n, config.API)
	errs = append(errs, err)
	n.api = api

	return n, errors.Join(errs...)
}

// RegisterParam registers a configuration parameter, logging when an
// existing registration was overwritten.
func (n *Nexus) RegisterParam(p ParamDescriptor) {
	if overwrote := n.registry.Register(p); overwrote {
		n.logger.Warn(
			"parameter registration overwrote an existing entry",
			"param", p.Name,
			"kind", p.Kind,
		)
	}
}

// registerCoreParams registers the parameters every chat carries
// regardless of which plugins are enabled.
func (n *Nexus) registerCoreParams() {
	n.RegisterParam(
		ParamDescriptor{
			Name:        "nsfw_enabled",
			Kind:        ParamKindCore,
			Default:     false,
			Description: "Whether 18+ content is allowed in this chat",
			DisplayName: "NSFW content",
		},
	)
	n.RegisterParam(
		ParamDescriptor{
			Name:        "is_vip",
			Kind:        ParamKindCore,
			Default:     false,
			Description: "VIP status",
			DisplayName: "VIP status",
			Hidden:      true,
		},
	)
}

func (n *Nexus) ValidateConfig() error {
	return structValidator.Struct(n.config)
}

// Registry returns the parameter registry.
func (n *Nexus) Registry() *ParamRegistry {
	return n.registry
}

// PeerConfig returns the per-chat configuration store. Nil until
// [Nexus.Run] has initialized the database.
func (n *Nexus) PeerConfig() *PeerConfigStore {
	return n.peerConfig
}

// Paused reports whether command processing is paused.
func (n *Nexus) Paused() bool {
	return n.paused.Load()
}

// Pause stops command processing. It returns a bool indicating whether
// the bot was running at the time the function was called.
func (n *Nexus) Pause(ctx context.Context) bool {
	prev := n.paused.Swap(true)
	if prev {
		return false
	}
	n.logger.WarnContext(ctx, "bot paused")
	n.persistPaused(ctx, true)
	return true
}

// Resume resumes command processing. It returns a bool indicating
// whether the bot was paused at the time the function was called.
func (n *Nexus) Resume(ctx context.Context) bool {
	prev := n.paused.Swap(false)
	if !prev {
		n.logger.Warn("bot not paused")
		return false
	}
	n.logger.InfoContext(ctx, "bot resumed")
	n.persistPaused(ctx, false)
	return true
}

func (n *Nexus) persistPaused(ctx context.Context, paused bool) {
	n.botStateMu.RLock()
	state := n.botState
	n.botStateMu.RUnlock()
	if state == nil || n.db == nil {
		return
	}
	if _, err := n.db.Update(ctx, state, columnBotStatePaused, paused); err != nil {
		n.logger.ErrorContext(ctx, "unable to persist paused state", tint.Err(err))
	}
}

// CheckRateLimit reports whether the user may perform the operation
// now, stamping the grant if so. Plugins should call this before doing
// expensive work.
func (n *Nexus) CheckRateLimit(
	ctx context.Context,
	userID int64,
	operation string,
	window time.Duration,
) bool {
	return n.rateLimiter.Check(ctx, userID, operation, window)
}

// Reply sends content to the chat the event came from, as a reply to
// the triggering message. Content longer than the platform limit is
// truncated.
func (n *Nexus) Reply(event CommandEvent, content string) error {
	if n.discord == nil || n.discord.session == nil {
		return errors.New("discord session not initialized")
	}
	content = truncate(content, discordMaxMessageLength)
	_, err := n.discord.session.ChannelMessageSendReply(
		event.Message.ChannelID,
		content,
		event.Message.Reference(),
	)
	return err
}

// Run starts the bot and blocks until the given context is canceled or
// a stop signal arrives, then shuts down gracefully.
func (n *Nexus) Run(ctx context.Context) error {
	// prevents concurrent runs
	n.runMu.Lock()
	defer n.runMu.Unlock()

	n.signalStop = make(chan struct{}, 1)
	n.startedAt = time.Now()
	logger := n.logger

	if err := n.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", n.config))

	// runtime context: canceling it triggers a graceful shutdown
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-n.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			logger.Warn("context canceled, sending stop signal")
			n.signalStop <- struct{}{}
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, n.config.StartupTimeout)
	defer startCancel()

	if err := n.initRun(startCtx); err != nil {
		logger.ErrorContext(ctx, "init error", tint.Err(err))
		return err
	}

	runtimeWG := &sync.WaitGroup{}

	go func() {
		httpErr := n.api.Serve(ctx)
		if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
			logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
		}
	}()

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		n.rateLimiter.runSweeper(ctx, n.config.RateLimit.SweepInterval)
	}()

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		if e := n.dbNotifier.Listen(ctx, n.dbNotifier.PeerConfigChannelName()); e != nil {
			logger.ErrorContext(ctx, "error listening to peer config channel", tint.Err(e))
		}
	}()

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		if e := n.dbNotifier.Listen(ctx, n.dbNotifier.StopChannelName()); e != nil {
			logger.ErrorContext(ctx, "error listening to stop channel", tint.Err(e))
		}
	}()

	if discErr := n.initDiscordSession(ctx); discErr != nil {
		logger.ErrorContext(ctx, "error creating discord session", tint.Err(discErr))
		return discErr
	}

	n.signalReady <- struct{}{}
	logger.InfoContext(ctx, "sent ready signal")

	<-ctx.Done()

	return n.shutdown(runtimeWG)
}

// initRun opens the database, wires the stores, and loads persisted
// operator state.
func (n *Nexus) initRun(ctx context.Context) error {
	if n.db == nil {
		db, err := CreateDB(ctx, n.config.DatabaseType, n.config.Database)
		if err != nil {
			return fmt.Errorf("error initializing database: %w", err)
		}
		gormLogger := newGORMLogger(
			tint.NewHandler(
				defaultLogWriter, &tint.Options{
					Level:     n.config.DatabaseLogLevel,
					AddSource: true,
				},
			),
			n.config.DatabaseSlowThreshold,
		)
		db.Logger = gormLogger
		n.db = NewDatabase(
			db,
			n.logger,
			n.config.DatabaseType == dbTypePostgres,
		)
	}

	n.peerConfig = NewPeerConfigStore(n.db, n.registry, n.logger)
	n.rateLimiter = NewRateLimiter(n.db, n.logger, n.config.RateLimit.Retention)
	if err := n.rateLimiter.Warm(ctx); err != nil {
		n.logger.WarnContext(ctx, "unable to warm rate limiter cache", tint.Err(err))
	}

	notifier, err := newDBNotifier(n)
	if err != nil {
		return fmt.Errorf("error creating db notifier: %w", err)
	}
	n.dbNotifier = notifier

	var state BotState
	err = n.db.DB().WithContext(ctx).Last(&state).Error
	switch {
	case err == nil:
		n.botStateMu.Lock()
		n.botState = &state
		n.botStateMu.Unlock()
		n.paused.Store(state.Paused)
	case errors.Is(err, gorm.ErrRecordNotFound):
		n.logger.WarnContext(
			ctx,
			"no bot state found, backend API disabled until `init` is run",
		)
	default:
		return fmt.Errorf("error loading bot state: %w", err)
	}

	return nil
}

// initDiscordSession opens the gateway connection and attaches event
// handlers.
func (n *Nexus) initDiscordSession(ctx context.Context) error {
	session, err := n.discord.newSession()
	if err != nil {
		return err
	}
	n.discord.session = session
	if n.discord.memberPermissions == nil {
		n.discord.memberPermissions = func(m *discordgo.MessageCreate) (int64, error) {
			return session.UserChannelPermissions(m.Author.ID, m.ChannelID)
		}
	}

	n.discord.discordgoRemoveHandlerFuncs = []func(){
		session.AddHandler(n.discord.handlerReady()),
		session.AddHandler(n.discord.handlerConnect()),
		session.AddHandler(n.discord.handlerDisconnect()),
		session.AddHandler(n.discord.handlerMessageCreate(ctx)),
	}

	if err = session.Open(); err != nil {
		return fmt.Errorf("error opening discord connection: %w", err)
	}
	return nil
}

func (n *Nexus) shutdown(runtimeWG *sync.WaitGroup) error {
	logger := n.logger
	logger.Warn("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		n.config.ShutdownTimeout,
	)
	defer shutdownCancel()

	g := new(errgroup.Group)

	if n.discord != nil && n.discord.session != nil {
		g.Go(
			func() error {
				for _, removeHandler := range n.discord.discordgoRemoveHandlerFuncs {
					removeHandler()
				}
				if err := n.discord.session.Close(); err != nil {
					return fmt.Errorf("error closing discord session: %w", err)
				}
				return nil
			},
		)
	}

	if n.api != nil && n.api.httpServer != nil {
		g.Go(
			func() error {
				if err := n.api.httpServer.Shutdown(shutdownCtx); err != nil {
					return fmt.Errorf("error shutting down api server: %w", err)
				}
				return nil
			},
		)
	}

	done := make(chan error, 1)
	go func() {
		err := g.Wait()
		runtimeWG.Wait()
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			logger.Error("shutdown finished with errors", tint.Err(err))
			return err
		}
		logger.Info("shutdown complete")
		return nil
	case <-shutdownCtx.Done():
		return errors.New("shutdown timed out")
	}
}
