package feedmachine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lmittmann/tint"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	maxConcurrentDispatch = 8
	sendRetryInterval     = 500 * time.Millisecond
)

// Sink delivers rendered entries to a chat channel. Return an error
// wrapped with [backoff.Permanent] for failures that shouldn't be
// retried (ex: missing channel permissions).
type Sink interface {
	SendMessage(ctx context.Context, channelID string, content string) error
}

// queueHandle is the class-independent view of a [Handle]
type queueHandle interface {
	Class() Class
	Modify(fc Context, fn func(queue []FeedID) []FeedID)
	Replace(fc Context, ids []FeedID)
	Remove(fc Context, id FeedID) bool
	Retain(fc Context, keep func(id FeedID) bool) int
	Queue() []FeedID
	IsRunning() bool
	Abort()
}

// HandleStatus is a snapshot of a feed class's handle
type HandleStatus struct {
	Class   Class    `json:"class"`
	Enabled bool     `json:"enabled"`
	Running bool     `json:"running"`
	Queue   []FeedID `json:"queue"`
}

// Manager keeps persisted feed subscriptions and the per-class poll
// queues in sync, and posts new entries to each feed's subscribers via
// a [Sink]. It implements [Context] for the handles it owns.
//
// Store mutations always commit before the matching queue mutation, so
// a worker never polls a feed that isn't persisted.
type Manager struct {
	config  *Config
	store   Store
	sink    Sink
	client  *http.Client
	logger  *slog.Logger
	handles map[Class]queueHandle

	// mu serializes store+queue mutations
	mu     sync.Mutex
	closed atomic.Bool
}

type ManagerOption func(m *Manager)

// WithHTTPClient overrides the client built from [Config.RequestTimeout]
// and [Config.UserAgent]
func WithHTTPClient(client *http.Client) ManagerOption {
	return func(m *Manager) {
		m.client = client
	}
}

func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a Manager with a [Handle] for every enabled class.
// Workers are bound to ctx. No polling happens until feeds are
// registered, or loaded with [Manager.SpawnFromPersistence].
func NewManager(
	ctx context.Context,
	config *Config,
	store Store,
	sink Sink,
	opts ...ManagerOption,
) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	m := &Manager{
		config:  config,
		store:   store,
		sink:    sink,
		logger:  slog.Default(),
		handles: map[Class]queueHandle{},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.client == nil {
		m.client = NewHTTPClient(config.RequestTimeout, config.UserAgent)
	}
	m.logger = m.logger.With("logger", "feed_manager")

	handleOpts := []HandleOption{
		WithHandleLogger(m.logger),
		WithMaxBodySize(config.MaxBodySize),
	}
	for _, class := range Classes {
		cc := config.ClassConfig(class)
		if !cc.Enabled {
			continue
		}
		switch class {
		case ClassYouTube:
			m.handles[class] = NewHandle[YouTubeEntry](ctx, NewYouTubeModel(cc), handleOpts...)
		case ClassTwitter:
			m.handles[class] = NewHandle[TwitterEntry](ctx, NewTwitterModel(cc), handleOpts...)
		case ClassRSS:
			m.handles[class] = NewHandle[RSSEntry](ctx, NewRSSModel(cc), handleOpts...)
		}
	}
	return m
}

// Enabled reports whether feeds of the given class can be registered
func (m *Manager) Enabled(class Class) bool {
	_, ok := m.handles[class]
	return ok
}

// SpawnFromPersistence loads every persisted feed into its class's
// queue, replacing whatever was queued. Feeds of disabled classes stay
// persisted but aren't polled.
func (m *Manager) SpawnFromPersistence(ctx context.Context) error {
	if m.closed.Load() {
		return ErrManagerClosed
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, class := range Classes {
		ids, err := m.store.Identifiers(ctx, class)
		if err != nil {
			return fmt.Errorf("loading %s feeds: %w", class, err)
		}
		h, ok := m.handles[class]
		if !ok {
			if len(ids) > 0 {
				m.logger.WarnContext(
					ctx,
					"feeds persisted for disabled class will not be polled",
					"class", class,
					"count", len(ids),
				)
			}
			continue
		}
		h.Replace(m, ids)
		m.logger.InfoContext(ctx, "loaded feeds", "class", class, "count", len(ids))
	}
	return nil
}

// Register subscribes the guild's channel to the feed, and queues the
// feed if it's new.
func (m *Manager) Register(
	ctx context.Context,
	id FeedID,
	guildID string,
	channelID string,
) (RegisterResult, error) {
	if m.closed.Load() {
		return RegisterResult{}, ErrManagerClosed
	}
	h, ok := m.handles[id.Class]
	if !ok {
		return RegisterResult{Status: NotEnabled}, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed.Load() {
		return RegisterResult{}, ErrManagerClosed
	}

	result, err := m.store.Register(ctx, id, guildID, channelID)
	if err != nil {
		return RegisterResult{}, err
	}
	h.Modify(
		m, func(queue []FeedID) []FeedID {
			if slices.Contains(queue, id) {
				return queue
			}
			return append(queue, id)
		},
	)

	m.logger.InfoContext(
		ctx,
		"registered feed",
		"feed", id,
		"guild_id", guildID,
		"channel_id", channelID,
		"status", result.Status,
	)
	return result, nil
}

// Unregister removes the guild's subscription to the feed. If it was
// the feed's last subscriber, the feed is dequeued too.
func (m *Manager) Unregister(
	ctx context.Context,
	id FeedID,
	guildID string,
) (UnregisterResult, error) {
	if m.closed.Load() {
		return UnregisterResult{}, ErrManagerClosed
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed.Load() {
		return UnregisterResult{}, ErrManagerClosed
	}

	result, err := m.store.Unregister(ctx, id, guildID)
	if err != nil {
		return UnregisterResult{}, err
	}
	if result.Status == FeedRemoved {
		if h, ok := m.handles[id.Class]; ok {
			h.Remove(m, id)
		}
	}

	m.logger.InfoContext(
		ctx,
		"unregistered feed",
		"feed", id,
		"guild_id", guildID,
		"status", result.Status,
	)
	return result, nil
}

// UnregisterGuildFeeds removes every subscription the guild has, and
// dequeues feeds left without subscribers. It returns the number of
// subscriptions removed.
func (m *Manager) UnregisterGuildFeeds(ctx context.Context, guildID string) (int, error) {
	if m.closed.Load() {
		return 0, ErrManagerClosed
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed.Load() {
		return 0, ErrManagerClosed
	}

	count, removed, err := m.store.RemoveGuildFeeds(ctx, guildID)
	if err != nil {
		return 0, err
	}
	if len(removed) > 0 {
		evicted := lo.SliceToMap(
			removed, func(id FeedID) (FeedID, struct{}) {
				return id, struct{}{}
			},
		)
		for _, h := range m.handles {
			h.Retain(
				m, func(id FeedID) bool {
					_, gone := evicted[id]
					return !gone
				},
			)
		}
	}

	m.logger.InfoContext(
		ctx,
		"unregistered guild feeds",
		"guild_id", guildID,
		"subscriptions", count,
		"feeds_removed", len(removed),
	)
	return count, nil
}

// ListGuildFeeds returns every feed the guild is subscribed to
func (m *Manager) ListGuildFeeds(ctx context.Context, guildID string) ([]GuildFeed, error) {
	return m.store.GuildFeeds(ctx, guildID)
}

// Feeds returns every persisted feed and its subscribers
func (m *Manager) Feeds(ctx context.Context) ([]FeedSummary, error) {
	return m.store.Feeds(ctx)
}

// Status returns a snapshot of every class's handle, in [Classes] order
func (m *Manager) Status() []HandleStatus {
	statuses := make([]HandleStatus, 0, len(Classes))
	for _, class := range Classes {
		status := HandleStatus{Class: class, Queue: []FeedID{}}
		if h, ok := m.handles[class]; ok {
			status.Enabled = true
			status.Running = h.IsRunning()
			status.Queue = h.Queue()
		}
		statuses = append(statuses, status)
	}
	return statuses
}

// HandleStatus returns a snapshot of the class's handle. ok is false if
// the class is disabled.
func (m *Manager) HandleStatus(class Class) (status HandleStatus, ok bool) {
	h, ok := m.handles[class]
	if !ok {
		return HandleStatus{Class: class}, false
	}
	return HandleStatus{
		Class:   class,
		Enabled: true,
		Running: h.IsRunning(),
		Queue:   h.Queue(),
	}, true
}

// Shutdown rejects further calls, waits for in-progress calls to
// finish, stops every worker and flushes the store. The store is not
// closed.
func (m *Manager) Shutdown(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return ErrManagerClosed
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, h := range m.handles {
		h.Abort()
	}
	m.logger.InfoContext(ctx, "feed workers stopped")

	if err := m.store.Flush(ctx); err != nil {
		return fmt.Errorf("flushing feed store: %w", err)
	}
	return nil
}

func (m *Manager) Client() *http.Client {
	return m.client
}

func (m *Manager) GetLastUpdate(ctx context.Context, id FeedID) (time.Time, bool, error) {
	return m.store.GetLastUpdate(ctx, id)
}

func (m *Manager) SaveLastUpdate(ctx context.Context, id FeedID, ts time.Time) error {
	return m.store.SetLastUpdate(ctx, id, ts)
}

func (m *Manager) OnError(ctx context.Context, err error) {
	attrs := []any{tint.Err(err)}
	var fe *FeedError
	if errors.As(err, &fe) {
		attrs = append(attrs, "feed", fe.Feed)
	}
	if errors.Is(err, ErrStore) {
		m.logger.ErrorContext(ctx, "feed worker failed", attrs...)
		return
	}
	m.logger.ErrorContext(ctx, "feed poll failed", attrs...)
}

// OnNewEntries posts entries to every channel subscribed to the feed.
// Channels are sent to concurrently; entries within a channel are sent
// in order, at most one per [Config.MessageCooldown].
func (m *Manager) OnNewEntries(ctx context.Context, id FeedID, entries []Entry) {
	subs, err := m.store.Subscribers(ctx, id)
	if err != nil {
		m.OnError(ctx, asFeedError(ErrStore, id, err))
		return
	}
	if len(subs) == 0 {
		m.logger.DebugContext(ctx, "no subscribers for feed", "feed", id)
		return
	}

	var g errgroup.Group
	g.SetLimit(maxConcurrentDispatch)
	for _, sub := range subs {
		g.Go(
			func() error {
				m.dispatch(ctx, id, sub, entries)
				return nil
			},
		)
	}
	_ = g.Wait()
}

func (m *Manager) dispatch(ctx context.Context, id FeedID, sub Subscriber, entries []Entry) {
	logger := m.logger.With(
		"feed", id,
		"guild_id", sub.GuildID,
		"channel_id", sub.ChannelID,
	)

	var limiter *rate.Limiter
	if m.config.MessageCooldown > 0 {
		limiter = rate.NewLimiter(rate.Every(m.config.MessageCooldown), 1)
	}

	for _, entry := range entries {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				logger.WarnContext(ctx, "dispatch cancelled", tint.Err(err))
				return
			}
		}
		if err := m.send(ctx, sub.ChannelID, entry.Message()); err != nil {
			if ctx.Err() != nil {
				logger.WarnContext(ctx, "dispatch cancelled", tint.Err(err))
				return
			}
			logger.ErrorContext(
				ctx,
				"failed to send feed entry",
				tint.Err(err),
				"entry_id", entry.EntryID(),
			)
			continue
		}
		logger.DebugContext(ctx, "sent feed entry", "entry_id", entry.EntryID())
	}
}

func (m *Manager) send(ctx context.Context, channelID string, content string) error {
	attempts := max(m.config.SendAttempts, 1)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = sendRetryInterval
	bo := backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)

	return backoff.Retry(
		func() error {
			return m.sink.SendMessage(ctx, channelID, content)
		},
		bo,
	)
}
