package discofeed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/cenkalti/backoff/v4"
	"github.com/lmittmann/tint"
)

// Discord represents the Discord integration for DiscoFeed.
//
// It manages the gateway session, registers the `/feed` command, sweeps
// feeds for guilds the bot is removed from, and implements
// [feedmachine.Sink] to post feed entries to channels.
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	metricMessagesSent          atomic.Int64
	connected                   atomic.Bool
	discordgoRemoveHandlerFuncs []func()
	df                          *DiscoFeed
}

// newDiscord initializes a new Discord instance with the provided configuration
func newDiscord(config *DiscordConfig) *Discord {
	return &Discord{
		config:                      config,
		discordgoRemoveHandlerFuncs: []func(){},
		logger:                      slog.Default(),
	}
}

// newSession initializes a new Discord session with the configured
// token, HTTP client and log level.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = false
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}
	session.SetLogLevel(d.config.DiscordGoLogLevel.Level())
	return session, nil
}

// SendMessage posts content to the channel, truncated to discord's
// message length limit. Missing channels and missing permissions are
// returned as [backoff.PermanentError], as retrying won't help.
func (d *Discord) SendMessage(ctx context.Context, channelID string, content string) error {
	if d.session == nil {
		return backoff.Permanent(errors.New("discord session not initialized"))
	}
	_, err := d.session.ChannelMessageSend(
		channelID,
		truncateMessage(content, discordMaxMessageLength),
		discordgo.WithContext(ctx),
		discordgo.WithRetryOnRatelimit(true),
	)
	if err != nil {
		var restErr *discordgo.RESTError
		if errors.As(err, &restErr) && restErr.Response != nil {
			switch restErr.Response.StatusCode {
			case http.StatusForbidden, http.StatusNotFound:
				return backoff.Permanent(err)
			}
		}
		return err
	}
	d.metricMessagesSent.Add(1)
	return nil
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		attrs := []any{
			"session_id", r.SessionID,
			"guilds", len(r.Guilds),
		}
		if r.User != nil {
			attrs = append(
				attrs,
				slog.Group("user", "id", r.User.ID, "username", r.User.Username),
			)
		}
		d.logger.Info("Ready", attrs...)
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(s *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)

		var sessionID string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
		}
		d.logger.Info("connected", "session_id", sessionID)
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(s *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)

		var sessionID string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
		}
		d.logger.Info("disconnected", "session_id", sessionID)
	}
}

// handlerGuildDelete removes every feed subscription of a guild the bot
// was removed from. Guilds that are only unavailable (outages) keep
// their subscriptions.
func (d *Discord) handlerGuildDelete(ctx context.Context) func(
	s *discordgo.Session,
	g *discordgo.GuildDelete,
) {
	return func(_ *discordgo.Session, g *discordgo.GuildDelete) {
		if g == nil || g.Guild == nil {
			return
		}
		d.removeGuild(ctx, g.Guild)
	}
}

func (d *Discord) removeGuild(ctx context.Context, g *discordgo.Guild) {
	logger := d.logger.With("guild_id", g.ID)
	if g.Unavailable {
		logger.WarnContext(ctx, "guild unavailable, keeping feeds")
		return
	}
	if d.df == nil || d.df.feeds == nil {
		logger.WarnContext(ctx, "feed manager not initialized, skipping guild sweep")
		return
	}

	removed, err := d.df.feeds.UnregisterGuildFeeds(ctx, g.ID)
	if err != nil {
		logger.ErrorContext(ctx, "error removing guild feeds", tint.Err(err))
		return
	}
	logger.InfoContext(ctx, "removed from guild, unregistered feeds", "count", removed)
}

func (d *Discord) registerCommands(
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	commands := []*discordgo.ApplicationCommand{
		appCommandFeed(),
	}

	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	if len(created) == 0 {
		d.logger.Warn("no commands created")
	}
	return created, nil
}

// DiscordSessionHandler is the subset of [discordgo.Session] the bot
// uses
type DiscordSessionHandler interface {
	Open() error

	Close() error

	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	UpdateCustomStatus(status string) error

	AddHandler(handler any) func()

	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	SetIdentify(discordgo.Identify)

	SetLogLevel(lvl slog.Level)
}

// DiscordSession wraps [discordgo.Session] to implement [DiscordSessionHandler]
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) {
	d.session.LogLevel = discordgoLogLevel(lvl)
}

func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	d.session.Identify = i
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.InteractionResponseEdit(interaction, newresp, options...)
	if err != nil {
		d.logger.Error(
			"error editing interaction response",
			tint.Err(err),
			"interaction_id", interaction.ID,
		)
	}
	return msg, err
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
	msg, err := d.session.ChannelMessageSend(channelID, message, opts...)
	if err != nil {
		d.logger.Error("error sending message", tint.Err(err), "channel_id", channelID)
	} else {
		d.logger.Debug("sent message", "channel_id", channelID, "message_id", msg.ID)
	}
	return msg, err
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
	if err != nil {
		return created, err
	}
	for _, c := range created {
		d.logger.Info("created command", "command", c.Name, "command_id", c.ID)
	}
	return created, nil
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}
