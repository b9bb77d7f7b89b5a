package feedmachine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"github.com/samber/lo"
)

// Context is what a [Handle]'s worker needs from its owner: an HTTP
// client, somewhere to send new entries and errors, and access to
// persisted last-update timestamps. Implementations must be safe for
// concurrent use by multiple handles.
type Context interface {
	Client() *http.Client

	// OnNewEntries receives entries newer than the feed's last update,
	// in ascending timestamp order. The feed's last update has already
	// been advanced when this is called.
	OnNewEntries(ctx context.Context, id FeedID, entries []Entry)

	// OnError receives non-fatal errors (ex: a failed fetch), and the
	// error that stopped a worker, if one did
	OnError(ctx context.Context, err error)

	GetLastUpdate(ctx context.Context, id FeedID) (time.Time, bool, error)
	SaveLastUpdate(ctx context.Context, id FeedID, ts time.Time) error
}

// Handle owns the rotating poll queue for a single feed class, and the
// worker goroutine that polls it. At most one worker runs at a time. A
// worker is started by any mutation that leaves the queue non-empty
// while none is running, and the worker stops on its own once it
// observes an empty queue.
//
// Mutations never wait on the worker: removing a feed takes effect at
// the worker's next rotation, and emptying the queue interrupts the
// worker's current wait.
type Handle[E Entry] struct {
	model       Model[E]
	logger      *slog.Logger
	maxBodySize int64

	// ctx is the parent context of every worker
	ctx context.Context

	mu        sync.RWMutex
	queue     []FeedID
	task      *task
	interrupt chan struct{}
}

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

type HandleOption func(*handleOptions)

type handleOptions struct {
	logger      *slog.Logger
	maxBodySize int64
}

func WithHandleLogger(logger *slog.Logger) HandleOption {
	return func(o *handleOptions) {
		o.logger = logger
	}
}

// WithMaxBodySize caps how much of each feed response is read
func WithMaxBodySize(n int64) HandleOption {
	return func(o *handleOptions) {
		o.maxBodySize = n
	}
}

// NewHandle creates an idle Handle for model's class. Workers are
// started with a context derived from ctx, so cancelling ctx stops
// any running worker.
func NewHandle[E Entry](ctx context.Context, model Model[E], opts ...HandleOption) *Handle[E] {
	o := &handleOptions{
		logger:      slog.Default(),
		maxBodySize: DefaultMaxBodySize,
	}
	for _, opt := range opts {
		opt(o)
	}
	return &Handle[E]{
		model:       model,
		logger:      o.logger.With("logger", "feed_handle", "class", model.Class()),
		maxBodySize: o.maxBodySize,
		ctx:         ctx,
		interrupt:   make(chan struct{}, 1),
	}
}

func (h *Handle[E]) Class() Class {
	return h.model.Class()
}

// Push appends id to the end of the queue
func (h *Handle[E]) Push(fc Context, id FeedID) {
	h.Modify(
		fc, func(queue []FeedID) []FeedID {
			return append(queue, id)
		},
	)
}

// Extend appends ids to the end of the queue, in order
func (h *Handle[E]) Extend(fc Context, ids ...FeedID) {
	h.Modify(
		fc, func(queue []FeedID) []FeedID {
			return append(queue, ids...)
		},
	)
}

// Replace sets the queue to ids
func (h *Handle[E]) Replace(fc Context, ids []FeedID) {
	h.Modify(
		fc, func([]FeedID) []FeedID {
			return slices.Clone(ids)
		},
	)
}

// Remove drops every occurrence of id from the queue, and reports
// whether there were any.
func (h *Handle[E]) Remove(fc Context, id FeedID) bool {
	return h.Retain(
		fc, func(queued FeedID) bool {
			return queued != id
		},
	) > 0
}

// Retain keeps only the queued feeds for which keep returns true, and
// returns the number removed.
func (h *Handle[E]) Retain(fc Context, keep func(id FeedID) bool) int {
	var removed int
	h.Modify(
		fc, func(queue []FeedID) []FeedID {
			n := len(queue)
			queue = slices.DeleteFunc(
				queue, func(id FeedID) bool {
					return !keep(id)
				},
			)
			removed = n - len(queue)
			return queue
		},
	)
	return removed
}

func (h *Handle[E]) Clear(fc Context) {
	h.Modify(
		fc, func([]FeedID) []FeedID {
			return nil
		},
	)
}

// Modify replaces the queue with the result of fn, then starts or
// interrupts the worker as needed. fn is called with the handle locked,
// and may modify the slice it's given.
func (h *Handle[E]) Modify(fc Context, fn func(queue []FeedID) []FeedID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.queue = fn(h.queue)

	switch {
	case len(h.queue) == 0 && h.task != nil:
		select {
		case h.interrupt <- struct{}{}:
		default:
		}
	case len(h.queue) > 0 && h.task == nil:
		h.spawn(fc)
	}
}

// Queue returns a copy of the queue. The first element is polled next.
func (h *Handle[E]) Queue() []FeedID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return slices.Clone(h.queue)
}

func (h *Handle[E]) QueueLen() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.queue)
}

func (h *Handle[E]) IsQueueEmpty() bool {
	return h.QueueLen() == 0
}

// IsRunning reports whether a worker is running
func (h *Handle[E]) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.task != nil
}

// Abort cancels the running worker, if any, and waits for it to exit.
// The queue is left as-is, so the next mutation starts a new worker.
func (h *Handle[E]) Abort() {
	h.mu.RLock()
	t := h.task
	h.mu.RUnlock()
	if t == nil {
		return
	}
	t.cancel()
	<-t.done
}

// spawn starts a worker. h.mu must be held.
func (h *Handle[E]) spawn(fc Context) {
	ctx, cancel := context.WithCancel(h.ctx)
	t := &task{cancel: cancel, done: make(chan struct{})}
	h.task = t

	// drop any interrupt left over from a previous worker
	select {
	case <-h.interrupt:
	default:
	}

	go h.run(ctx, fc, t)
}

// release clears t from the handle if it's still the running task.
func (h *Handle[E]) release(t *task) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.task == t {
		h.task = nil
	}
}

// releaseIfEmpty clears t from the handle if the queue is empty,
// and reports whether the worker should stop. Checking the queue and
// clearing the task under one lock means a concurrent push either
// sees the running task (and the worker sees the push), or sees no
// task and starts a new one.
func (h *Handle[E]) releaseIfEmpty(t *task) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.task != t {
		return true
	}
	if len(h.queue) > 0 {
		return false
	}
	h.task = nil
	return true
}

// rotate moves the front of the queue to the back, and returns it.
// If the queue is empty, the task is released and ok is false.
func (h *Handle[E]) rotate(t *task) (id FeedID, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.task != t {
		return FeedID{}, false
	}
	if len(h.queue) == 0 {
		h.task = nil
		return FeedID{}, false
	}
	id = h.queue[0]
	copy(h.queue, h.queue[1:])
	h.queue[len(h.queue)-1] = id
	return id, true
}

func (h *Handle[E]) run(ctx context.Context, fc Context, t *task) {
	defer close(t.done)
	defer t.cancel()

	h.logger.DebugContext(ctx, "feed worker started")
	err := h.loop(ctx, fc, t)
	h.release(t)

	switch {
	case err == nil:
		h.logger.DebugContext(ctx, "feed worker stopped")
	case ctx.Err() != nil:
		h.logger.DebugContext(ctx, "feed worker cancelled", tint.Err(err))
	default:
		fc.OnError(
			context.WithoutCancel(ctx),
			fmt.Errorf("%s feed worker stopped: %w", h.model.Class(), err),
		)
	}
}

func (h *Handle[E]) loop(ctx context.Context, fc Context, t *task) error {
	lastAdvance := time.Now()
	for h.wait(ctx, t, lastAdvance) {
		id, ok := h.rotate(t)
		if !ok {
			return nil
		}
		lastAdvance = time.Now()
		if err := h.tick(ctx, fc, id); err != nil {
			return err
		}
	}
	return nil
}

// wait blocks until the next poll is due, and returns true. It returns
// false if the worker should stop instead: either ctx is done, or the
// queue was emptied.
func (h *Handle[E]) wait(ctx context.Context, t *task, lastAdvance time.Time) bool {
	deadline := lastAdvance.Add(h.model.Delay(h.QueueLen()))
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		case <-h.interrupt:
			if h.releaseIfEmpty(t) {
				return false
			}
		}
	}
}

// tick polls a single feed. Only store errors are returned; everything
// else is reported to fc.OnError.
func (h *Handle[E]) tick(ctx context.Context, fc Context, id FeedID) error {
	logger := h.logger.With("feed", id)

	u, err := h.model.URL(id)
	if err != nil {
		fc.OnError(ctx, asFeedError(ErrInvalidURL, id, err))
		return nil
	}

	lastUpdate, ok, err := fc.GetLastUpdate(ctx, id)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return asFeedError(ErrStore, id, err)
	}
	if !ok {
		logger.DebugContext(ctx, "feed no longer persisted, skipping")
		return nil
	}

	logger.DebugContext(ctx, "polling feed", "url", u.String(), "last_update", lastUpdate)
	feed, err := FetchAndParse(ctx, fc.Client(), u, h.maxBodySize)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		kind := ErrNetwork
		if errors.Is(err, ErrParse) {
			kind = ErrParse
		}
		fc.OnError(ctx, asFeedError(kind, id, err))
		return nil
	}

	entries, err := h.model.Convert(id, feed)
	if err != nil {
		fc.OnError(ctx, asFeedError(ErrSchema, id, err))
		return nil
	}

	// the feed may have been removed, or removed and registered again,
	// while the fetch was in flight
	lastUpdate, ok, err = fc.GetLastUpdate(ctx, id)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return asFeedError(ErrStore, id, err)
	}
	if !ok {
		logger.DebugContext(ctx, "feed removed during fetch, discarding entries")
		return nil
	}

	fresh := h.newEntries(id, entries, lastUpdate)
	if len(fresh) == 0 {
		logger.DebugContext(ctx, "no new entries", "entries", len(entries))
		return nil
	}
	if ctx.Err() != nil {
		return nil
	}

	newest := fresh[len(fresh)-1].Timestamp()
	if err := fc.SaveLastUpdate(ctx, id, newest); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return asFeedError(ErrStore, id, err)
	}
	if ctx.Err() != nil {
		return nil
	}

	logger.InfoContext(ctx, "new entries", "count", len(fresh), "newest", newest)
	batch := make([]Entry, len(fresh))
	for i, e := range fresh {
		batch[i] = e
	}
	fc.OnNewEntries(ctx, id, batch)
	return nil
}

// newEntries de-duplicates entries by ID, drops those not newer than
// lastUpdate or rejected by the model's filter, and sorts the rest
// oldest first.
func (h *Handle[E]) newEntries(id FeedID, entries []E, lastUpdate time.Time) []E {
	entries = lo.UniqBy(
		entries, func(e E) string {
			return e.EntryID()
		},
	)
	fresh := lo.Filter(
		entries, func(e E, _ int) bool {
			return e.Timestamp().After(lastUpdate) && h.model.Filter(id, e)
		},
	)
	slices.SortStableFunc(
		fresh, func(a, b E) int {
			return a.Timestamp().Compare(b.Timestamp())
		},
	)
	return fresh
}

// asFeedError returns err as-is if it's already a *FeedError, otherwise
// wraps it with the given kind.
func asFeedError(kind error, id FeedID, err error) error {
	var fe *FeedError
	if errors.As(err, &fe) {
		return err
	}
	return newFeedError(kind, id, err)
}
