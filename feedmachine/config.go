package feedmachine

import (
	"log/slog"
	"time"
)

const (
	DefaultYouTubeURLTemplate = "https://www.youtube.com/feeds/videos.xml?channel_id={id}"
	DefaultTwitterURLTemplate = "https://nitter.net/{id}/rss"
	DefaultRSSURLTemplate     = "{id}"
	DefaultTwitterDisplay     = "x.com"

	DefaultYouTubeDelayBase = 15 * time.Minute
	DefaultTwitterDelayBase = 10 * time.Minute
	DefaultRSSDelayBase     = 30 * time.Minute
	DefaultDelayFloor       = 30 * time.Second
	DefaultRSSDelayFloor    = time.Minute
	DefaultDelayCeiling     = 30 * time.Minute
	DefaultRSSDelayCeiling  = time.Hour

	DefaultMessageCooldown = time.Second
	DefaultRequestTimeout  = 20 * time.Second
	DefaultMaxBodySize     = 5 << 20
	DefaultSendAttempts    = 3
	DefaultUserAgent       = "discofeed/1.0 (+https://github.com/arcward/discofeed)"
	DefaultLogLevel        = slog.LevelInfo

	// MinPollDelay is used when a delay config works out to zero
	MinPollDelay = time.Second

	// idPlaceholder is replaced with the feed identifier in URL templates
	idPlaceholder = "{id}"
)

// Config configures every feed class, plus the HTTP client and message
// dispatch shared by all of them.
//
//nolint:lll // struct tags can't be split
type Config struct {
	YouTube ClassConfig `yaml:"youtube" mapstructure:"youtube" json:"youtube"`
	Twitter ClassConfig `yaml:"twitter" mapstructure:"twitter" json:"twitter"`

	// Generic configures the generic RSS/Atom/JSON feed class
	Generic ClassConfig `yaml:"generic" mapstructure:"generic" json:"generic"`

	// LogLevel for the feed manager and its workers
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// MessageCooldown is the minimum pause between messages sent to the
	// same channel within a single dispatch
	MessageCooldown time.Duration `yaml:"message_cooldown" mapstructure:"message_cooldown" json:"message_cooldown" binding:"min=0"`

	// RequestTimeout is the per-request timeout for feed fetches
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout" json:"request_timeout" binding:"min=1s"`

	// UserAgent sent with every feed request
	UserAgent string `yaml:"user_agent" mapstructure:"user_agent" json:"user_agent"`

	// MaxBodySize caps the number of bytes read from a feed response
	MaxBodySize int64 `yaml:"max_body_size" mapstructure:"max_body_size" json:"max_body_size" binding:"min=0"`

	// SendAttempts is how many times a message send is attempted before
	// it's dropped
	SendAttempts int `yaml:"send_attempts" mapstructure:"send_attempts" json:"send_attempts" binding:"min=1"`
}

// ClassConfig configures a single feed class.
//
//nolint:lll // struct tags can't be split
type ClassConfig struct {
	// Enabled determines whether a Handle is created for the class
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// URLTemplate produces the fetch URL. "{id}" is replaced with the
	// feed identifier.
	URLTemplate string `yaml:"url_template" mapstructure:"url_template" json:"url_template" binding:"required_if=Enabled true"`

	// DisplayDomain, if set, replaces the host of entry links in
	// outgoing messages
	DisplayDomain string `yaml:"display_domain" mapstructure:"display_domain" json:"display_domain"`

	Delays DelayConfig `yaml:"delays" mapstructure:"delays" json:"delays"`

	// IncludeReposts keeps retweets/reposts. Only used by the twitter class.
	IncludeReposts bool `yaml:"include_reposts" mapstructure:"include_reposts" json:"include_reposts"`
}

// DelayConfig parameterizes the adaptive poll delay. A full rotation of
// the queue takes roughly Base, with each individual wait clamped to
// [Floor, Ceiling]. A zero Floor or Ceiling disables that bound. Base
// must be positive; a computed delay of zero falls back to
// [MinPollDelay].
//
//nolint:lll // struct tags can't be split
type DelayConfig struct {
	Base    time.Duration `yaml:"base" mapstructure:"base" json:"base" binding:"gt=0"`
	Floor   time.Duration `yaml:"floor" mapstructure:"floor" json:"floor" binding:"min=0"`
	Ceiling time.Duration `yaml:"ceiling" mapstructure:"ceiling" json:"ceiling" binding:"min=0"`
}

// Delay returns the wait before the next poll, given the current queue
// length.
func (d DelayConfig) Delay(queueLen int) time.Duration {
	n := max(queueLen, 1)
	delay := d.Base / time.Duration(n)
	if d.Floor > 0 && delay < d.Floor {
		delay = d.Floor
	}
	if d.Ceiling > 0 && delay > d.Ceiling {
		delay = d.Ceiling
	}
	if delay <= 0 {
		return MinPollDelay
	}
	return delay
}

// ClassConfig returns the configuration for the given class.
func (c *Config) ClassConfig(class Class) ClassConfig {
	switch class {
	case ClassYouTube:
		return c.YouTube
	case ClassTwitter:
		return c.Twitter
	case ClassRSS:
		return c.Generic
	default:
		return ClassConfig{}
	}
}

// DefaultConfig returns a Config with YouTube and generic RSS feeds
// enabled. The twitter class is disabled, as it depends on a third-party
// RSS proxy.
func DefaultConfig() *Config {
	logLevel := &slog.LevelVar{}
	logLevel.Set(DefaultLogLevel)

	return &Config{
		YouTube: ClassConfig{
			Enabled:     true,
			URLTemplate: DefaultYouTubeURLTemplate,
			Delays: DelayConfig{
				Base:    DefaultYouTubeDelayBase,
				Floor:   DefaultDelayFloor,
				Ceiling: DefaultDelayCeiling,
			},
		},
		Twitter: ClassConfig{
			Enabled:       false,
			URLTemplate:   DefaultTwitterURLTemplate,
			DisplayDomain: DefaultTwitterDisplay,
			Delays: DelayConfig{
				Base:    DefaultTwitterDelayBase,
				Floor:   DefaultDelayFloor,
				Ceiling: DefaultDelayCeiling,
			},
		},
		Generic: ClassConfig{
			Enabled:     true,
			URLTemplate: DefaultRSSURLTemplate,
			Delays: DelayConfig{
				Base:    DefaultRSSDelayBase,
				Floor:   DefaultRSSDelayFloor,
				Ceiling: DefaultRSSDelayCeiling,
			},
		},
		LogLevel:        logLevel,
		MessageCooldown: DefaultMessageCooldown,
		RequestTimeout:  DefaultRequestTimeout,
		UserAgent:       DefaultUserAgent,
		MaxBodySize:     DefaultMaxBodySize,
		SendAttempts:    DefaultSendAttempts,
	}
}
