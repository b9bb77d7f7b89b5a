// Package discofeed implements a Discord bot that posts new entries from
// YouTube channels, Twitter/X accounts and RSS/Atom feeds to guild
// channels.
//
// Guild members with the Manage Channels permission subscribe channels
// to feeds with the `/feed` slash command. Polling, change detection and
// dispatch are handled by [feedmachine.Manager], with [Discord] as its
// message sink.
//
// Key components of the package include:
//
//   - DiscoFeed: Ties the feed manager, discord session, database and
//     admin API together, and handles startup and graceful shutdown.
//   - Discord: Handles the gateway session, command registration, and
//     posting feed entries.
//   - API: An optional HTTP API for listing and managing feeds outside
//     of discord.
//
// The `/feed` command supports these subcommands:
//
//   - add: Post new entries from a feed to a channel (defaults to the
//     current one). Re-adding a feed moves it to the new channel.
//   - remove: Stop posting entries from a feed.
//   - list: List the server's feeds.
//   - clear: Remove all of the server's feeds.
//
// When the bot is removed from a guild, all of the guild's feeds are
// unregistered.
package discofeed
