package discofeed

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/arcward/discofeed/feedmachine"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testGuildID   = "100000000000000001"
	testChannelID = "200000000000000001"
	testUserID    = "300000000000000001"
)

type sentMessage struct {
	ChannelID string
	Content   string
}

// mockDiscordSession implements DiscordSessionHandler, recording
// everything sent to discord
type mockDiscordSession struct {
	DiscordSessionHandler

	mu        sync.Mutex
	messages  []sentMessage
	responses []*discordgo.InteractionResponse
	edits     []string
	commands  []*discordgo.ApplicationCommand
	identify  discordgo.Identify
	status    string
	handlers  int
	opened    bool
	closed    bool
	sendErr   error
	logLevel  slog.Level
}

func newMockDiscordSession() *mockDiscordSession {
	return &mockDiscordSession{}
}

func (m *mockDiscordSession) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened = true
	return nil
}

func (m *mockDiscordSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockDiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.messages = append(m.messages, sentMessage{ChannelID: channelID, Content: message})
	return &discordgo.Message{ChannelID: channelID, Content: message}, nil
}

func (m *mockDiscordSession) ApplicationCommandBulkOverwrite(
	_ string,
	_ string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = commands
	return commands, nil
}

func (m *mockDiscordSession) UpdateCustomStatus(status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = status
	return nil
}

func (m *mockDiscordSession) AddHandler(_ any) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers++
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.handlers--
	}
}

func (m *mockDiscordSession) InteractionRespond(
	_ *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, resp)
	return nil
}

func (m *mockDiscordSession) InteractionResponseEdit(
	_ *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var content string
	if newresp.Content != nil {
		content = *newresp.Content
	}
	m.edits = append(m.edits, content)
	return &discordgo.Message{Content: content}, nil
}

func (m *mockDiscordSession) SetIdentify(i discordgo.Identify) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identify = i
}

func (m *mockDiscordSession) SetLogLevel(lvl slog.Level) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logLevel = lvl
}

func (m *mockDiscordSession) Messages() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentMessage(nil), m.messages...)
}

func (m *mockDiscordSession) Responses() []*discordgo.InteractionResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*discordgo.InteractionResponse(nil), m.responses...)
}

func (m *mockDiscordSession) Edits() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.edits...)
}

// LastEdit returns the most recent interaction response edit
func (m *mockDiscordSession) LastEdit(t testing.TB) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.edits, "no interaction response edits")
	return m.edits[len(m.edits)-1]
}

func (m *mockDiscordSession) setSendErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// newTestConfig returns a config with a sqlite database in a temp dir,
// an API listening on a random port, and quiet loggers
func newTestConfig(t testing.TB) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Database = filepath.Join(t.TempDir(), "discofeed_test.sqlite3")
	cfg.StartupTimeout = 5 * time.Second
	cfg.ShutdownTimeout = 10 * time.Second
	cfg.Discord.Token = "test-token"
	cfg.Discord.ApplicationID = "400000000000000001"
	cfg.API.Listen = "127.0.0.1:0"

	// keep workers from polling during tests, unless a test opts in
	cfg.RSS.YouTube.Delays = feedmachine.DelayConfig{Base: time.Hour, Floor: time.Hour}
	cfg.RSS.Generic.Delays = feedmachine.DelayConfig{Base: time.Hour, Floor: time.Hour}
	cfg.RSS.YouTube.URLTemplate = "http://127.0.0.1:1/{id}"

	logLevel := slog.LevelWarn
	cfg.LogLevel.Set(logLevel)
	cfg.DatabaseLogLevel.Set(logLevel)
	cfg.Discord.LogLevel.Set(logLevel)
	cfg.Discord.DiscordGoLogLevel.Set(logLevel)
	cfg.API.LogLevel.Set(logLevel)
	cfg.RSS.LogLevel.Set(logLevel)
	return cfg
}

// newTestDiscoFeed returns a bot with a mock discord session, an open
// store and a running feed manager, without connecting to anything
func newTestDiscoFeed(t testing.TB, cfg *Config) (*DiscoFeed, *mockDiscordSession) {
	t.Helper()
	if cfg == nil {
		cfg = newTestConfig(t)
	}
	d, err := New(cfg)
	require.NoError(t, err)

	session := newMockDiscordSession()
	d.discord.session = session

	ctx, cancel := context.WithCancel(context.Background())
	store, err := OpenFeedStore(ctx, cfg)
	require.NoError(t, err)
	d.store = store
	d.feeds = feedmachine.NewManager(
		ctx,
		cfg.RSS,
		store,
		d.discord,
		feedmachine.WithLogger(newLogger(cfg.RSS.LogLevel, "rss")),
	)

	t.Cleanup(
		func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(
				context.Background(),
				5*time.Second,
			)
			defer shutdownCancel()
			_ = d.feeds.Shutdown(shutdownCtx)
			cancel()
			_ = store.Close()
		},
	)
	return d, session
}

// generateSelfSignedCert writes a self-signed cert and key for localhost,
// valid for an hour
func generateSelfSignedCert(t testing.TB) (certFile string, keyFile string) {
	t.Helper()
	dir := t.TempDir()
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{Organization: []string{"discofeed test"}},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	require.NoError(t, err)

	keyDER, err := x509.MarshalECPrivateKey(priv)
	require.NoError(t, err)

	require.NoError(
		t,
		os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600),
	)
	require.NoError(
		t,
		os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600),
	)
	return certFile, keyFile
}

func TestTruncateMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		limit int
		want  string
	}{
		{name: "under limit", input: "hello", limit: 10, want: "hello"},
		{name: "blank lines dropped", input: "a\n\n\nb", limit: 3, want: "a\nb"},
		{name: "trailing space trimmed", input: "ab cdef", limit: 4, want: "ab…"},
		{name: "truncated", input: "abcdefgh", limit: 5, want: "abcd…"},
		{name: "multibyte", input: "ééééé", limit: 3, want: "éé…"},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				t.Parallel()
				got := truncateMessage(tc.input, tc.limit)
				assert.Equal(t, tc.want, got)
				assert.LessOrEqual(t, len([]rune(got)), tc.limit)
			},
		)
	}
}

func TestStructToSlogValue(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.Discord.Token = "super-secret"
	cfg.API.Secret = "also-secret"

	var b strings.Builder
	logger := slog.New(slog.NewJSONHandler(&b, nil))
	logger.Info("config", "config", cfg)

	out := b.String()
	assert.NotContains(t, out, "super-secret")
	assert.NotContains(t, out, "also-secret")
	assert.Contains(t, out, `"token":"[redacted]"`)
	assert.Contains(t, out, `"log_level":"INFO"`)
	assert.Contains(t, out, `"database_type":"sqlite"`)
}

func TestDiscordgoLogLevel(t *testing.T) {
	t.Parallel()
	assert.Equal(t, discordgo.LogDebug, discordgoLogLevel(slog.LevelDebug))
	assert.Equal(t, discordgo.LogInformational, discordgoLogLevel(slog.LevelInfo))
	assert.Equal(t, discordgo.LogWarning, discordgoLogLevel(slog.LevelWarn))
	assert.Equal(t, discordgo.LogError, discordgoLogLevel(slog.LevelError))
}

func TestGenerateRandomHexString(t *testing.T) {
	t.Parallel()
	a, err := generateRandomHexString(31)
	require.NoError(t, err)
	assert.Len(t, a, 31)

	b, err := generateRandomHexString(31)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestContextLogger(t *testing.T) {
	t.Parallel()
	_, ok := ContextLogger(context.Background())
	assert.False(t, ok)

	logger := slog.New(slog.NewTextHandler(&strings.Builder{}, nil))
	got, ok := ContextLogger(WithLogger(context.Background(), logger))
	require.True(t, ok)
	assert.Same(t, logger, got)
}

func TestTLSConfig(t *testing.T) {
	t.Parallel()
	certFile, keyFile := generateSelfSignedCert(t)

	cfg, err := tlsConfig(certFile, keyFile, DefaultTLSMinVersion)
	require.NoError(t, err)
	assert.Len(t, cfg.Certificates, 1)
	assert.Equal(t, uint16(DefaultTLSMinVersion), cfg.MinVersion)

	_, err = tlsConfig(filepath.Join(t.TempDir(), "nope.pem"), keyFile, DefaultTLSMinVersion)
	assert.Error(t, err)
}
