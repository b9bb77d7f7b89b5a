package feedmachine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"
	"gorm.io/gorm"
)

const (
	columnClass      = "class"
	columnIdentifier = "identifier"
	columnGuildID    = "guild_id"
	columnLastUpdate = "last_update"
)

var dbOperationTimeout = 30 * time.Second

// Store persists feed states and their subscribers. Every mutating
// operation commits before it returns; a returned error means nothing
// was changed.
type Store interface {
	Register(ctx context.Context, id FeedID, guildID, channelID string) (RegisterResult, error)
	Unregister(ctx context.Context, id FeedID, guildID string) (UnregisterResult, error)

	// RemoveGuildFeeds drops every subscription for the guild. It returns
	// the number of subscriptions removed, and the feeds that were left
	// without subscribers (and so were removed entirely).
	RemoveGuildFeeds(ctx context.Context, guildID string) (int, []FeedID, error)

	// GetLastUpdate returns the feed's high-water mark. ok is false if
	// the feed doesn't exist.
	GetLastUpdate(ctx context.Context, id FeedID) (ts time.Time, ok bool, err error)

	// SetLastUpdate advances the feed's high-water mark. It never moves
	// it backwards, and is a no-op for a feed that doesn't exist.
	SetLastUpdate(ctx context.Context, id FeedID, ts time.Time) error

	// Identifiers returns every persisted feed of the given class, in
	// registration order.
	Identifiers(ctx context.Context, class Class) ([]FeedID, error)

	GuildFeeds(ctx context.Context, guildID string) ([]GuildFeed, error)
	Subscribers(ctx context.Context, id FeedID) ([]Subscriber, error)
	Feeds(ctx context.Context) ([]FeedSummary, error)

	Flush(ctx context.Context) error
	Close() error
}

// FeedState is the persisted high-water mark of a single feed. It exists
// as long as at least one [FeedSubscription] references it.
type FeedState struct {
	Class      string `gorm:"primaryKey;size:32" json:"class"`
	Identifier string `gorm:"primaryKey;size:1024" json:"identifier"`

	// LastUpdate is the newest dispatched entry's timestamp, as unix
	// milliseconds. Set to the registration time on creation.
	LastUpdate int64 `gorm:"not null" json:"last_update"`

	CreatedAt int64 `gorm:"autoCreateTime:milli;index" json:"created_at,omitempty"`
	UpdatedAt int64 `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

func (s FeedState) FeedID() FeedID {
	return FeedID{Class: Class(s.Class), ID: s.Identifier}
}

// FeedSubscription maps a feed to the channel a guild wants its entries
// posted in. A guild subscribes a given feed to at most one channel.
type FeedSubscription struct {
	Class      string `gorm:"primaryKey;size:32" json:"class"`
	Identifier string `gorm:"primaryKey;size:1024" json:"identifier"`
	GuildID    string `gorm:"primaryKey;size:32;index" json:"guild_id"`
	ChannelID  string `gorm:"not null;size:32" json:"channel_id"`

	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64 `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

// GuildFeed is a feed a guild is subscribed to.
type GuildFeed struct {
	Feed       FeedID    `json:"feed"`
	ChannelID  string    `json:"channel_id"`
	LastUpdate time.Time `json:"last_update"`
}

// Subscriber is a channel a feed's entries are posted to.
type Subscriber struct {
	GuildID   string `json:"guild_id"`
	ChannelID string `json:"channel_id"`
}

// FeedSummary is a persisted feed, with all of its subscribers.
type FeedSummary struct {
	Feed        FeedID       `json:"feed"`
	LastUpdate  time.Time    `json:"last_update"`
	Subscribers []Subscriber `json:"subscribers"`
}

type RegisterStatus int

const (
	// Registered means a new subscription was created
	Registered RegisterStatus = iota

	// Replaced means the guild was already subscribed to the feed, in a
	// different channel. The prior channel is reported.
	Replaced

	// AlreadyRegistered means the guild was already subscribed to the
	// feed in the same channel. Nothing changed.
	AlreadyRegistered

	// NotEnabled means the feed's class is disabled. Nothing changed.
	NotEnabled
)

func (s RegisterStatus) String() string {
	switch s {
	case Registered:
		return "registered"
	case Replaced:
		return "replaced"
	case AlreadyRegistered:
		return "already_registered"
	case NotEnabled:
		return "not_enabled"
	default:
		return fmt.Sprintf("RegisterStatus(%d)", int(s))
	}
}

func (s RegisterStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type RegisterResult struct {
	Status RegisterStatus `json:"status"`

	// PriorChannelID is set when Status is Replaced
	PriorChannelID string `json:"prior_channel_id,omitempty"`
}

type UnregisterStatus int

const (
	// Unregistered means the subscription was removed, and the feed
	// still has other subscribers
	Unregistered UnregisterStatus = iota

	// FeedRemoved means the subscription was the feed's last, so the
	// feed (and its last update) was removed too
	FeedRemoved

	// NotRegistered means there was no such subscription
	NotRegistered
)

func (s UnregisterStatus) String() string {
	switch s {
	case Unregistered:
		return "unregistered"
	case FeedRemoved:
		return "feed_removed"
	case NotRegistered:
		return "not_registered"
	default:
		return fmt.Sprintf("UnregisterStatus(%d)", int(s))
	}
}

func (s UnregisterStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type UnregisterResult struct {
	Status UnregisterStatus `json:"status"`

	// ChannelID is the channel the removed subscription posted to
	ChannelID string `json:"channel_id,omitempty"`
}

// GormStore is a [Store] backed by GORM.
type GormStore struct {
	db     *gorm.DB
	mu     sync.Mutex
	logger *slog.Logger

	// enableConcurrentWrites disables mu. SQLite needs writes serialized.
	enableConcurrentWrites bool

	// now is used to set the initial last update of new feeds
	now func() time.Time
}

type StoreOption func(s *GormStore)

// WithStoreLogger sets the store's logger
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *GormStore) {
		s.logger = logger
	}
}

// WithConcurrentWrites lets writes run concurrently. Only enable
// this for databases that support it (ex: postgres).
func WithConcurrentWrites(enabled bool) StoreOption {
	return func(s *GormStore) {
		s.enableConcurrentWrites = enabled
	}
}

// WithClock overrides the clock used to timestamp new feeds
func WithClock(now func() time.Time) StoreOption {
	return func(s *GormStore) {
		s.now = now
	}
}

func NewGormStore(db *gorm.DB, opts ...StoreOption) *GormStore {
	s := &GormStore{
		db:     db,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("logger", "feed_store")
	return s
}

// Migrate creates or updates the tables the store uses.
func (s *GormStore) Migrate(ctx context.Context) error {
	return s.transaction(
		ctx, func(tx *gorm.DB) error {
			return tx.Migrator().AutoMigrate(&FeedState{}, &FeedSubscription{})
		},
	)
}

func (s *GormStore) lock() func() {
	if s.enableConcurrentWrites {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *GormStore) transaction(ctx context.Context, fc func(tx *gorm.DB) error) error {
	defer s.lock()()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
		defer cancel()
	}
	if err := s.db.WithContext(ctx).Transaction(fc); err != nil {
		return fmt.Errorf("%w: %w", ErrStore, err)
	}
	return nil
}

func (s *GormStore) read(ctx context.Context, fc func(db *gorm.DB) error) error {
	defer s.lock()()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
		defer cancel()
	}
	if err := fc(s.db.WithContext(ctx)); err != nil {
		return fmt.Errorf("%w: %w", ErrStore, err)
	}
	return nil
}

func feedWhere(id FeedID) map[string]any {
	return map[string]any{
		columnClass:      string(id.Class),
		columnIdentifier: id.ID,
	}
}

func (s *GormStore) Register(
	ctx context.Context,
	id FeedID,
	guildID string,
	channelID string,
) (RegisterResult, error) {
	var result RegisterResult

	err := s.transaction(
		ctx, func(tx *gorm.DB) error {
			var sub FeedSubscription
			rv := tx.Where(feedWhere(id)).Where(columnGuildID+" = ?", guildID).Limit(1).Find(&sub)
			if rv.Error != nil {
				return rv.Error
			}

			if rv.RowsAffected > 0 {
				if sub.ChannelID == channelID {
					result = RegisterResult{Status: AlreadyRegistered}
					return nil
				}
				result = RegisterResult{Status: Replaced, PriorChannelID: sub.ChannelID}
				return tx.Model(&sub).Update("channel_id", channelID).Error
			}

			var stateCount int64
			if err := tx.Model(&FeedState{}).Where(feedWhere(id)).Count(&stateCount).Error; err != nil {
				return err
			}
			if stateCount == 0 {
				state := FeedState{
					Class:      string(id.Class),
					Identifier: id.ID,
					LastUpdate: s.now().UTC().UnixMilli(),
				}
				if err := tx.Create(&state).Error; err != nil {
					return err
				}
			}

			sub = FeedSubscription{
				Class:      string(id.Class),
				Identifier: id.ID,
				GuildID:    guildID,
				ChannelID:  channelID,
			}
			if err := tx.Create(&sub).Error; err != nil {
				return err
			}
			result = RegisterResult{Status: Registered}
			return nil
		},
	)
	if err != nil {
		return RegisterResult{}, err
	}
	s.logger.DebugContext(
		ctx,
		"registered feed",
		"feed", id,
		"guild_id", guildID,
		"channel_id", channelID,
		"status", result.Status,
	)
	return result, nil
}

func (s *GormStore) Unregister(
	ctx context.Context,
	id FeedID,
	guildID string,
) (UnregisterResult, error) {
	var result UnregisterResult

	err := s.transaction(
		ctx, func(tx *gorm.DB) error {
			var sub FeedSubscription
			rv := tx.Where(feedWhere(id)).Where(columnGuildID+" = ?", guildID).Limit(1).Find(&sub)
			if rv.Error != nil {
				return rv.Error
			}
			if rv.RowsAffected == 0 {
				result = UnregisterResult{Status: NotRegistered}
				return nil
			}

			if err := tx.Where(feedWhere(id)).Where(columnGuildID+" = ?", guildID).Delete(&FeedSubscription{}).Error; err != nil {
				return err
			}

			removed, err := removeOrphanedFeed(tx, id)
			if err != nil {
				return err
			}
			if removed {
				result = UnregisterResult{Status: FeedRemoved, ChannelID: sub.ChannelID}
			} else {
				result = UnregisterResult{Status: Unregistered, ChannelID: sub.ChannelID}
			}
			return nil
		},
	)
	if err != nil {
		return UnregisterResult{}, err
	}
	s.logger.DebugContext(
		ctx,
		"unregistered feed",
		"feed", id,
		"guild_id", guildID,
		"status", result.Status,
	)
	return result, nil
}

// removeOrphanedFeed deletes the feed's state if it no longer has any
// subscribers, and reports whether it did.
func removeOrphanedFeed(tx *gorm.DB, id FeedID) (bool, error) {
	var remaining int64
	if err := tx.Model(&FeedSubscription{}).Where(feedWhere(id)).Count(&remaining).Error; err != nil {
		return false, err
	}
	if remaining > 0 {
		return false, nil
	}
	if err := tx.Where(feedWhere(id)).Delete(&FeedState{}).Error; err != nil {
		return false, err
	}
	return true, nil
}

func (s *GormStore) RemoveGuildFeeds(ctx context.Context, guildID string) (int, []FeedID, error) {
	var removedFeeds []FeedID
	var removedSubs int

	err := s.transaction(
		ctx, func(tx *gorm.DB) error {
			removedFeeds = nil

			var subs []FeedSubscription
			if err := tx.Where(columnGuildID+" = ?", guildID).Find(&subs).Error; err != nil {
				return err
			}
			if len(subs) == 0 {
				removedSubs = 0
				return nil
			}

			rv := tx.Where(columnGuildID+" = ?", guildID).Delete(&FeedSubscription{})
			if rv.Error != nil {
				return rv.Error
			}
			removedSubs = int(rv.RowsAffected)

			feeds := lo.Uniq(
				lo.Map(
					subs, func(sub FeedSubscription, _ int) FeedID {
						return FeedID{Class: Class(sub.Class), ID: sub.Identifier}
					},
				),
			)
			for _, id := range feeds {
				removed, err := removeOrphanedFeed(tx, id)
				if err != nil {
					return err
				}
				if removed {
					removedFeeds = append(removedFeeds, id)
				}
			}
			return nil
		},
	)
	if err != nil {
		return 0, nil, err
	}
	s.logger.InfoContext(
		ctx,
		"removed guild feeds",
		"guild_id", guildID,
		"subscriptions_removed", removedSubs,
		"feeds_removed", len(removedFeeds),
	)
	return removedSubs, removedFeeds, nil
}

func (s *GormStore) GetLastUpdate(ctx context.Context, id FeedID) (time.Time, bool, error) {
	var states []FeedState
	err := s.read(
		ctx, func(db *gorm.DB) error {
			return db.Where(feedWhere(id)).Limit(1).Find(&states).Error
		},
	)
	if err != nil {
		return time.Time{}, false, err
	}
	if len(states) == 0 {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(states[0].LastUpdate).UTC(), true, nil
}

func (s *GormStore) SetLastUpdate(ctx context.Context, id FeedID, ts time.Time) error {
	ms := ts.UTC().UnixMilli()
	return s.transaction(
		ctx, func(tx *gorm.DB) error {
			return tx.Model(&FeedState{}).
				Where(feedWhere(id)).
				Where(columnLastUpdate+" < ?", ms).
				Update(columnLastUpdate, ms).Error
		},
	)
}

func (s *GormStore) Identifiers(ctx context.Context, class Class) ([]FeedID, error) {
	var states []FeedState
	err := s.read(
		ctx, func(db *gorm.DB) error {
			return db.Where(columnClass+" = ?", string(class)).
				Order("created_at, " + columnIdentifier).
				Find(&states).Error
		},
	)
	if err != nil {
		return nil, err
	}
	return lo.Map(
		states, func(s FeedState, _ int) FeedID {
			return s.FeedID()
		},
	), nil
}

func (s *GormStore) GuildFeeds(ctx context.Context, guildID string) ([]GuildFeed, error) {
	type row struct {
		Class      string
		Identifier string
		ChannelID  string
		LastUpdate int64
	}
	var rows []row

	err := s.read(
		ctx, func(db *gorm.DB) error {
			return db.Model(&FeedSubscription{}).
				Select(
					"feed_subscriptions.class, feed_subscriptions.identifier, " +
						"feed_subscriptions.channel_id, feed_states.last_update",
				).
				Joins(
					"JOIN feed_states ON feed_states.class = feed_subscriptions.class " +
						"AND feed_states.identifier = feed_subscriptions.identifier",
				).
				Where("feed_subscriptions.guild_id = ?", guildID).
				Order("feed_subscriptions.class, feed_subscriptions.created_at, feed_subscriptions.identifier").
				Scan(&rows).Error
		},
	)
	if err != nil {
		return nil, err
	}

	return lo.Map(
		rows, func(r row, _ int) GuildFeed {
			return GuildFeed{
				Feed:       FeedID{Class: Class(r.Class), ID: r.Identifier},
				ChannelID:  r.ChannelID,
				LastUpdate: time.UnixMilli(r.LastUpdate).UTC(),
			}
		},
	), nil
}

func (s *GormStore) Subscribers(ctx context.Context, id FeedID) ([]Subscriber, error) {
	var subs []FeedSubscription
	err := s.read(
		ctx, func(db *gorm.DB) error {
			return db.Where(feedWhere(id)).Order(columnGuildID).Find(&subs).Error
		},
	)
	if err != nil {
		return nil, err
	}
	return lo.Map(
		subs, func(sub FeedSubscription, _ int) Subscriber {
			return Subscriber{GuildID: sub.GuildID, ChannelID: sub.ChannelID}
		},
	), nil
}

func (s *GormStore) Feeds(ctx context.Context) ([]FeedSummary, error) {
	var states []FeedState
	var subs []FeedSubscription

	err := s.read(
		ctx, func(db *gorm.DB) error {
			if err := db.Order("class, created_at, identifier").Find(&states).Error; err != nil {
				return err
			}
			return db.Order(columnGuildID).Find(&subs).Error
		},
	)
	if err != nil {
		return nil, err
	}

	byFeed := lo.GroupBy(
		subs, func(sub FeedSubscription) FeedID {
			return FeedID{Class: Class(sub.Class), ID: sub.Identifier}
		},
	)
	return lo.Map(
		states, func(state FeedState, _ int) FeedSummary {
			id := state.FeedID()
			return FeedSummary{
				Feed:       id,
				LastUpdate: time.UnixMilli(state.LastUpdate).UTC(),
				Subscribers: lo.Map(
					byFeed[id], func(sub FeedSubscription, _ int) Subscriber {
						return Subscriber{GuildID: sub.GuildID, ChannelID: sub.ChannelID}
					},
				),
			}
		},
	), nil
}

// Flush checkpoints the SQLite write-ahead log. It's a no-op for other
// databases.
func (s *GormStore) Flush(ctx context.Context) error {
	if s.db.Dialector.Name() != "sqlite" {
		return nil
	}
	return s.read(
		ctx, func(db *gorm.DB) error {
			return db.Exec("PRAGMA wal_checkpoint(TRUNCATE)").Error
		},
	)
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStore, err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrStore, err)
	}
	return nil
}
