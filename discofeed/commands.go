package discofeed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/arcward/discofeed/feedmachine"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/samber/lo"
)

const (
	DiscordSlashCommandFeed = "feed"

	feedSubcommandAdd    = "add"
	feedSubcommandRemove = "remove"
	feedSubcommandList   = "list"
	feedSubcommandClear  = "clear"

	feedOptionType    = "type"
	feedOptionID      = "id"
	feedOptionChannel = "channel"

	feedOptionIDMaxLength = 512
)

var feedClassDisplayNames = map[feedmachine.Class]string{
	feedmachine.ClassYouTube: "YouTube channel",
	feedmachine.ClassTwitter: "Twitter/X handle",
	feedmachine.ClassRSS:     "RSS/Atom feed URL",
}

// appCommandFeed returns the guild-only `/feed` command. Members need
// the Manage Channels permission to see it.
func appCommandFeed() *discordgo.ApplicationCommand {
	dmPerm := false
	var permissions int64 = discordgo.PermissionManageChannels

	contexts := []discordgo.InteractionContextType{
		discordgo.InteractionContextGuild,
	}
	integrationTypes := []discordgo.ApplicationIntegrationType{
		discordgo.ApplicationIntegrationGuildInstall,
	}

	typeChoices := lo.Map(
		feedmachine.Classes,
		func(c feedmachine.Class, _ int) *discordgo.ApplicationCommandOptionChoice {
			return &discordgo.ApplicationCommandOptionChoice{
				Name:  feedClassDisplayNames[c],
				Value: c.String(),
			}
		},
	)
	minLength := 1
	feedOptions := func() []*discordgo.ApplicationCommandOption {
		return []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        feedOptionType,
				Description: "Feed type",
				Required:    true,
				Choices:     typeChoices,
			},
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        feedOptionID,
				Description: "Channel ID, handle or feed URL",
				Required:    true,
				MinLength:   &minLength,
				MaxLength:   feedOptionIDMaxLength,
			},
		}
	}

	addOptions := append(
		feedOptions(),
		&discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionChannel,
			Name:        feedOptionChannel,
			Description: "Channel to post to (defaults to this one)",
			ChannelTypes: []discordgo.ChannelType{
				discordgo.ChannelTypeGuildText,
				discordgo.ChannelTypeGuildNews,
			},
		},
	)

	return &discordgo.ApplicationCommand{
		Name:                     DiscordSlashCommandFeed,
		Description:              "Manage feed subscriptions for this server",
		Type:                     discordgo.ChatApplicationCommand,
		DMPermission:             &dmPerm,
		DefaultMemberPermissions: &permissions,
		Contexts:                 &contexts,
		IntegrationTypes:         &integrationTypes,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        feedSubcommandAdd,
				Description: "Post new entries from a feed to a channel",
				Options:     addOptions,
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        feedSubcommandRemove,
				Description: "Stop posting entries from a feed",
				Options:     feedOptions(),
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        feedSubcommandList,
				Description: "List this server's feeds",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        feedSubcommandClear,
				Description: "Remove all of this server's feeds",
			},
		},
	}
}

// feedCommand is a parsed `/feed` invocation
type feedCommand struct {
	Subcommand string
	GuildID    string
	ChannelID  string
	Class      string
	ID         string
}

func parseFeedCommand(i *discordgo.InteractionCreate) (feedCommand, error) {
	cmd := feedCommand{GuildID: i.GuildID, ChannelID: i.ChannelID}

	data := i.ApplicationCommandData()
	if len(data.Options) == 0 {
		return cmd, errors.New("missing subcommand")
	}
	sub := data.Options[0]
	if sub.Type != discordgo.ApplicationCommandOptionSubCommand {
		return cmd, fmt.Errorf("unexpected option type: %d", sub.Type)
	}
	cmd.Subcommand = sub.Name

	opts := discordInteractionOptions(sub.Options)
	if opt, ok := opts[feedOptionType]; ok {
		cmd.Class = opt.StringValue()
	}
	if opt, ok := opts[feedOptionID]; ok {
		cmd.ID = opt.StringValue()
	}
	if opt, ok := opts[feedOptionChannel]; ok {
		if ch := opt.ChannelValue(nil); ch != nil && ch.ID != "" {
			cmd.ChannelID = ch.ID
		}
	}
	return cmd, nil
}

// handleInteraction acknowledges `/feed` commands with an ephemeral
// deferred response, runs them, then edits the response with the result.
func (d *DiscoFeed) handleInteraction(ctx context.Context, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	if i.ApplicationCommandData().Name != DiscordSlashCommandFeed {
		return
	}

	logger := d.discord.logger.With(slog.Group("interaction", interactionLogAttrs(*i)...))
	ctx = WithLogger(ctx, logger)
	logger.InfoContext(ctx, "received feed command")

	session := d.discord.session
	if i.GuildID == "" {
		if err := session.InteractionRespond(
			i.Interaction,
			ephemeralResponse("Feeds can only be managed in a server."),
		); err != nil {
			logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
		}
		return
	}

	if err := session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Flags: discordgo.MessageFlagsEphemeral,
			},
		},
		discordgo.WithContext(ctx),
	); err != nil {
		logger.ErrorContext(ctx, "error acknowledging interaction", tint.Err(err))
		return
	}

	var content string
	switch {
	case i.Member != nil && i.Member.Permissions&discordgo.PermissionManageChannels == 0:
		content = "You need the Manage Channels permission to manage feeds."
	default:
		cmd, err := parseFeedCommand(i)
		if err != nil {
			logger.ErrorContext(ctx, "error parsing feed command", tint.Err(err))
			content = DefaultDiscordErrorMessage
		} else {
			content = d.runFeedCommand(ctx, cmd)
		}
	}

	content = truncateMessage(content, discordMaxMessageLength)
	if _, err := session.InteractionResponseEdit(
		i.Interaction,
		&discordgo.WebhookEdit{Content: &content},
		discordgo.WithContext(ctx),
	); err != nil {
		logger.ErrorContext(ctx, "error editing interaction response", tint.Err(err))
	}
}

func ephemeralResponse(content string) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	}
}

// runFeedCommand executes the command and returns the reply to show
// the member
func (d *DiscoFeed) runFeedCommand(ctx context.Context, cmd feedCommand) string {
	logger, ok := ContextLogger(ctx)
	if !ok {
		logger = d.logger
	}

	switch cmd.Subcommand {
	case feedSubcommandAdd:
		id, err := commandFeedID(cmd)
		if err != nil {
			return fmt.Sprintf("Invalid feed: %s", err)
		}
		result, err := d.feeds.Register(ctx, id, cmd.GuildID, cmd.ChannelID)
		if err != nil {
			return feedCommandError(ctx, logger, err)
		}
		switch result.Status {
		case feedmachine.Registered:
			return fmt.Sprintf("New entries from %s will be posted to <#%s>.", feedMention(id), cmd.ChannelID)
		case feedmachine.Replaced:
			return fmt.Sprintf(
				"Moved %s from <#%s> to <#%s>.",
				feedMention(id), result.PriorChannelID, cmd.ChannelID,
			)
		case feedmachine.AlreadyRegistered:
			return fmt.Sprintf("%s is already posted to <#%s>.", feedMention(id), cmd.ChannelID)
		case feedmachine.NotEnabled:
			return fmt.Sprintf("%s feeds are disabled.", id.Class)
		}
	case feedSubcommandRemove:
		id, err := commandFeedID(cmd)
		if err != nil {
			return fmt.Sprintf("Invalid feed: %s", err)
		}
		result, err := d.feeds.Unregister(ctx, id, cmd.GuildID)
		if err != nil {
			return feedCommandError(ctx, logger, err)
		}
		switch result.Status {
		case feedmachine.Unregistered, feedmachine.FeedRemoved:
			return fmt.Sprintf("%s will no longer be posted to <#%s>.", feedMention(id), result.ChannelID)
		case feedmachine.NotRegistered:
			return fmt.Sprintf("This server isn't subscribed to %s.", feedMention(id))
		}
	case feedSubcommandList:
		feeds, err := d.feeds.ListGuildFeeds(ctx, cmd.GuildID)
		if err != nil {
			return feedCommandError(ctx, logger, err)
		}
		return formatGuildFeeds(feeds)
	case feedSubcommandClear:
		removed, err := d.feeds.UnregisterGuildFeeds(ctx, cmd.GuildID)
		if err != nil {
			return feedCommandError(ctx, logger, err)
		}
		if removed == 1 {
			return "Removed 1 feed."
		}
		return fmt.Sprintf("Removed %d feeds.", removed)
	}

	logger.WarnContext(ctx, "unknown feed subcommand", "subcommand", cmd.Subcommand)
	return DefaultDiscordErrorMessage
}

func commandFeedID(cmd feedCommand) (feedmachine.FeedID, error) {
	class, err := feedmachine.ParseClass(cmd.Class)
	if err != nil {
		return feedmachine.FeedID{}, err
	}
	return feedmachine.NewFeedID(class, cmd.ID)
}

func feedCommandError(ctx context.Context, logger *slog.Logger, err error) string {
	if errors.Is(err, feedmachine.ErrManagerClosed) {
		return "I'm shutting down, try again in a bit."
	}
	logger.ErrorContext(ctx, "error running feed command", tint.Err(err))
	return DefaultDiscordErrorMessage
}

func feedMention(id feedmachine.FeedID) string {
	return fmt.Sprintf("%s `%s`", id.Class, id.ID)
}

// formatGuildFeeds renders one line per feed, with the time of the last
// posted entry
func formatGuildFeeds(feeds []feedmachine.GuildFeed) string {
	if len(feeds) == 0 {
		return "This server has no feeds. Add one with `/feed add`."
	}
	var b strings.Builder
	if len(feeds) == 1 {
		b.WriteString("**1 feed**\n")
	} else {
		fmt.Fprintf(&b, "**%d feeds**\n", len(feeds))
	}
	for _, f := range feeds {
		fmt.Fprintf(
			&b,
			"- %s → <#%s> (last update <t:%d:R>)\n",
			feedMention(f.Feed),
			f.ChannelID,
			f.LastUpdate.Unix(),
		)
	}
	return strings.TrimSpace(b.String())
}
