package nexus

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// Discord manages the gateway connection and turns incoming messages
// into command dispatches.
//
// Incoming messages are filtered down to commands (prefix match against
// the configured command prefix), parsed into a [CommandEvent], then
// routed to the plugin that registered the command name.
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	metricCommandsHandled       atomic.Int64
	connected                   atomic.Bool
	discordgoRemoveHandlerFuncs []func()
	n                           *Nexus

	// memberPermissions resolves the author's permissions in the channel
	// a message was sent from. Overridable in tests.
	memberPermissions func(m *discordgo.MessageCreate) (int64, error)
}

// newDiscord initializes a new Discord instance with the provided configuration
func newDiscord(config *DiscordConfig) (*Discord, error) {
	if config.Token == "" {
		return nil, fmt.Errorf("discord token not set")
	}
	d := &Discord{
		config:                      config,
		discordgoRemoveHandlerFuncs: []func(){},
	}
	return d, nil
}

// newSession initializes a new Discord session for the Discord struct.
// It sets up the session with the appropriate logger, token, and configuration.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.Identify.Intents = d.config.GatewayIntents
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}

	err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level())
	if err != nil {
		return session, err
	}

	return session, nil
}

// channelMessageSend sends the given message to the given discord channel ID
func (d *Discord) channelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) error {
	_, err := d.session.ChannelMessageSend(channelID, message, opts...)
	return err
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(s *discordgo.Session, r *discordgo.Ready) {
		d.logger.Info(
			"Ready",
			"session_id", s.State.SessionID,
			columnRateLimitUserID, s.State.User.ID,
			"username", s.State.User.Username,
		)
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(s *discordgo.Session, r *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		var sessionID string
		var userID string
		var username string

		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
			if s.State.User != nil {
				userID = s.State.User.ID
				username = s.State.User.Username
			}
		}
		d.logger.Info(
			"Connected",
			"session_id", sessionID,
			slog.Group("user", "id", userID, "username", username),
		)
		if d.config.NotificationChannelID != "" && d.config.StartupMessage != "" {
			if sendErr := d.channelMessageSend(
				d.config.NotificationChannelID,
				d.config.StartupMessage,
				discordgo.WithRetryOnRatelimit(false),
				discordgo.WithRestRetries(1),
			); sendErr != nil {
				d.logger.Error("unable to send startup message", tint.Err(sendErr))
			}
		}
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(s *discordgo.Session, r *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		d.logger.Warn("disconnected")
	}
}

// handlerMessageCreate returns the gateway handler that parses incoming
// messages into commands and dispatches them to plugins. Messages from
// bots, messages without the command prefix, and unknown command names
// are ignored.
func (d *Discord) handlerMessageCreate(ctx context.Context) func(
	s *discordgo.Session,
	m *discordgo.MessageCreate,
) {
	return func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.Bot {
			return
		}
		event, ok := d.parseCommand(m)
		if !ok {
			return
		}
		plugin, ok := d.n.pluginForCommand(event.Command)
		if !ok {
			return
		}
		log := d.logger.With(
			"command", event.Command,
			columnPeerConfigChatID, event.ChatID,
			columnRateLimitUserID, event.UserID,
		)
		if d.n.Paused() {
			log.Info("ignoring command, bot is paused")
			return
		}
		d.metricCommandsHandled.Add(1)
		log.Info("dispatching command", "plugin", plugin.Name())
		if err := plugin.Handle(ctx, d.n, event); err != nil {
			log.Error("command failed", tint.Err(err))
			if replyErr := d.n.Reply(event, d.n.config.Discord.ErrorMessage); replyErr != nil {
				log.Error("unable to send error reply", tint.Err(replyErr))
			}
		}
	}
}

// parseCommand parses a message into a CommandEvent. The second return
// value is false when the message is not a command this bot can handle.
func (d *Discord) parseCommand(m *discordgo.MessageCreate) (CommandEvent, bool) {
	var event CommandEvent

	fields := strings.Fields(m.Content)
	if len(fields) == 0 {
		return event, false
	}
	prefix := d.config.CommandPrefix
	if !strings.HasPrefix(fields[0], prefix) {
		return event, false
	}
	command := strings.ToLower(strings.TrimPrefix(fields[0], prefix))
	if command == "" {
		return event, false
	}

	chatID, err := strconv.ParseInt(m.ChannelID, 10, 64)
	if err != nil {
		d.logger.Warn("malformed channel ID", "channel_id", m.ChannelID, tint.Err(err))
		return event, false
	}
	userID, err := strconv.ParseInt(m.Author.ID, 10, 64)
	if err != nil {
		d.logger.Warn("malformed user ID", "user_id", m.Author.ID, tint.Err(err))
		return event, false
	}

	return CommandEvent{
		ChatID:  chatID,
		UserID:  userID,
		Command: command,
		Args:    fields[1:],
		Message: m,
	}, true
}

// authorIsAdmin reports whether the message author can manage the chat
// the message was sent in. Errors resolving permissions deny.
func (d *Discord) authorIsAdmin(m *discordgo.MessageCreate) bool {
	if m.GuildID == "" {
		return false
	}
	if d.memberPermissions == nil {
		return false
	}
	perms, err := d.memberPermissions(m)
	if err != nil {
		d.logger.Warn(
			"unable to resolve member permissions",
			"user_id", m.Author.ID,
			"channel_id", m.ChannelID,
			tint.Err(err),
		)
		return false
	}
	return perms&(discordgo.PermissionAdministrator|discordgo.PermissionManageServer) != 0
}

func (d *Discord) updateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

// DiscordSessionHandler defines the interface for handling Discord sessions.
// This is basically defines methods from `discordgo.Session` which are
// used in this application, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// ChannelMessageSend sends a message to a specified channel.
	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendReply sends a message to the given channel, as a
	// reply to the referenced message
	ChannelMessageSendReply(
		channelID string,
		content string,
		reference *discordgo.MessageReference,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// UpdateCustomStatus sets the bot's user status to the given string.
	// If empty, sets the bot user to active and removes any existing
	// custom status.
	UpdateCustomStatus(status string) error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// UserChannelPermissions returns the given user's permissions in the
	// given channel, from gateway state where available.
	UserChannelPermissions(userID string, channelID string) (int64, error)

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) ChannelMessageSendReply(
	channelID string,
	content string,
	reference *discordgo.MessageReference,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendReply(
		channelID, content, reference, options...,
	)
	if err != nil {
		d.logger.Error(
			"error sending message reply",
			tint.Err(err),
			"channel_id", channelID,
			"content", content,
		)
	}
	return msg, err
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, message, opts...)
}

func (d DiscordSession) UserChannelPermissions(
	userID string,
	channelID string,
) (int64, error) {
	return d.session.State.UserChannelPermissions(userID, channelID)
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}
