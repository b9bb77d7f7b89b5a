package feedmachine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lmittmann/tint"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var (
	t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Hour)
	t2 = t0.Add(2 * time.Hour)
	t3 = t0.Add(3 * time.Hour)
)

func testLogger() *slog.Logger {
	return slog.New(
		tint.NewHandler(
			os.Stdout,
			&tint.Options{Level: slog.LevelWarn, AddSource: true},
		),
	)
}

type testVideo struct {
	ID        string
	Title     string
	Published time.Time
}

func youtubeFeedXML(channel string, videos ...testVideo) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns:yt="http://www.youtube.com/xml/schemas/2015" xmlns:media="http://search.yahoo.com/mrss/" xmlns="http://www.w3.org/2005/Atom">
 <title>` + channel + `</title>
 <link rel="alternate" href="https://www.youtube.com/channel/` + channel + `"/>
`)
	for _, v := range videos {
		fmt.Fprintf(
			&b, ` <entry>
  <id>yt:video:%[1]s</id>
  <yt:videoId>%[1]s</yt:videoId>
  <yt:channelId>%[2]s</yt:channelId>
  <title>%[3]s</title>
  <link rel="alternate" href="https://www.youtube.com/watch?v=%[1]s"/>
  <author><name>%[2]s</name></author>
  <published>%[4]s</published>
  <updated>%[4]s</updated>
  <media:group>
   <media:title>%[3]s</media:title>
   <media:thumbnail url="https://i.ytimg.com/vi/%[1]s/hqdefault.jpg" width="480" height="360"/>
  </media:group>
 </entry>
`, v.ID, channel, v.Title, v.Published.Format(time.RFC3339),
		)
	}
	b.WriteString("</feed>\n")
	return b.String()
}

// feedServer serves a configurable body, and tracks how many requests
// it has seen, and the most it has seen in flight at once.
type feedServer struct {
	*httptest.Server
	mu          sync.Mutex
	body        string
	status      int
	paths       []string
	requests    atomic.Int64
	inFlight    atomic.Int64
	maxInFlight atomic.Int64
	latency     time.Duration
}

func newFeedServer(t testing.TB, body string) *feedServer {
	t.Helper()
	fs := &feedServer{body: body, status: http.StatusOK}
	fs.Server = httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				n := fs.inFlight.Add(1)
				defer fs.inFlight.Add(-1)
				for {
					m := fs.maxInFlight.Load()
					if n <= m || fs.maxInFlight.CompareAndSwap(m, n) {
						break
					}
				}

				fs.mu.Lock()
				body, status, latency := fs.body, fs.status, fs.latency
				fs.paths = append(fs.paths, r.URL.RequestURI())
				fs.mu.Unlock()

				if latency > 0 {
					select {
					case <-time.After(latency):
					case <-r.Context().Done():
						return
					}
				}
				fs.requests.Add(1)
				w.Header().Set("Content-Type", "application/atom+xml")
				w.WriteHeader(status)
				_, _ = w.Write([]byte(body))
			},
		),
	)
	t.Cleanup(fs.Close)
	return fs
}

func (fs *feedServer) SetBody(body string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.body = body
}

func (fs *feedServer) SetStatus(status int) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.status = status
}

func (fs *feedServer) SetLatency(d time.Duration) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.latency = d
}

func (fs *feedServer) Paths() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]string(nil), fs.paths...)
}

// waitRequests blocks until the server has seen at least n more requests
func (fs *feedServer) waitRequests(t testing.TB, n int64) {
	t.Helper()
	target := fs.requests.Load() + n
	require.Eventually(
		t,
		func() bool { return fs.requests.Load() >= target },
		5*time.Second,
		2*time.Millisecond,
	)
}

func testDelays() DelayConfig {
	return DelayConfig{
		Base:    10 * time.Millisecond,
		Floor:   5 * time.Millisecond,
		Ceiling: 20 * time.Millisecond,
	}
}

// testConfig enables every class, with all fetch URLs pointing at baseURL
func testConfig(baseURL string) *Config {
	cfg := DefaultConfig()
	cfg.YouTube = ClassConfig{
		Enabled:     true,
		URLTemplate: baseURL + "/feeds/videos.xml?channel_id={id}",
		Delays:      testDelays(),
	}
	cfg.Twitter = ClassConfig{
		Enabled:       true,
		URLTemplate:   baseURL + "/{id}/rss",
		DisplayDomain: "x.com",
		Delays:        testDelays(),
	}
	cfg.Generic = ClassConfig{
		Enabled:     true,
		URLTemplate: DefaultRSSURLTemplate,
		Delays:      testDelays(),
	}
	cfg.MessageCooldown = time.Millisecond
	cfg.RequestTimeout = 5 * time.Second
	cfg.SendAttempts = 2
	return cfg
}

func newTestDB(t testing.TB) *gorm.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "feeds.sqlite3")
	db, err := gorm.Open(
		sqlite.Open(dbPath),
		&gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)},
	)
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

// testClock is a settable clock for [WithClock]
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func newTestStore(t testing.TB, clock *testClock) *GormStore {
	t.Helper()
	opts := []StoreOption{WithStoreLogger(testLogger())}
	if clock != nil {
		opts = append(opts, WithClock(clock.Now))
	}
	store := NewGormStore(newTestDB(t), opts...)
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

type sentMessage struct {
	ChannelID string
	Content   string
}

// recordingSink records every message it's asked to send
type recordingSink struct {
	mu       sync.Mutex
	messages []sentMessage
	err      error
}

func (s *recordingSink) SendMessage(_ context.Context, channelID string, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.messages = append(s.messages, sentMessage{ChannelID: channelID, Content: content})
	return nil
}

func (s *recordingSink) Messages() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMessage(nil), s.messages...)
}

type dispatchedBatch struct {
	Feed    FeedID
	Entries []Entry
}

// fakeContext is an in-memory [Context] for exercising a Handle alone.
// Every feed counts as persisted until it's passed to Forget.
type fakeContext struct {
	client *http.Client

	mu         sync.Mutex
	lastUpdate map[FeedID]time.Time
	forgotten  map[FeedID]bool
	batches    []dispatchedBatch
	errs       []error
	saveErr    error
}

func newFakeContext() *fakeContext {
	return &fakeContext{
		client:     NewHTTPClient(5*time.Second, "test"),
		lastUpdate: map[FeedID]time.Time{},
		forgotten:  map[FeedID]bool{},
	}
}

func (f *fakeContext) Client() *http.Client {
	return f.client
}

func (f *fakeContext) OnNewEntries(_ context.Context, id FeedID, entries []Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, dispatchedBatch{Feed: id, Entries: entries})
}

func (f *fakeContext) OnError(_ context.Context, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, err)
}

func (f *fakeContext) GetLastUpdate(_ context.Context, id FeedID) (time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.forgotten[id] {
		return time.Time{}, false, nil
	}
	return f.lastUpdate[id], true, nil
}

// Forget makes the feed look unregistered to the worker
func (f *fakeContext) Forget(id FeedID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgotten[id] = true
	delete(f.lastUpdate, id)
}

func (f *fakeContext) SaveLastUpdate(_ context.Context, id FeedID, ts time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	if ts.After(f.lastUpdate[id]) {
		f.lastUpdate[id] = ts
	}
	return nil
}

func (f *fakeContext) SetLastUpdate(id FeedID, ts time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastUpdate[id] = ts
}

func (f *fakeContext) Batches() []dispatchedBatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]dispatchedBatch(nil), f.batches...)
}

func (f *fakeContext) Errors() []error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]error(nil), f.errs...)
}
