package discofeed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/arcward/discofeed/feedmachine"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/arcward/discofeed/discofeed.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// shutdownAnnouncementInterval is how often the remaining time is logged
// while waiting on a graceful shutdown
var shutdownAnnouncementInterval = 10 * time.Second

type DiscoFeed struct {
	config *Config

	// Standard logger. Missing loggers will try to use this,
	// and fall back to slog.Default()
	logger *slog.Logger

	// Handles the discord session, `/feed` and posting feed entries
	discord *Discord

	// Admin API, only served when [APIConfig.Enabled] is set
	api *API

	// Persisted feed subscriptions. Opened by Run unless already set.
	store feedmachine.Store

	// Polls feeds and dispatches new entries to [Discord.SendMessage].
	// Created by Run, bound to the runtime context.
	feeds *feedmachine.Manager

	// signalStop enables an explicit stop signal to be sent to the bot
	signalStop chan struct{}

	// signalReady has a value sent on it once Run has loaded persisted
	// feeds, started the API and connected to discord
	signalReady chan struct{}

	// A signal is sent on this channel when the
	// [DiscoFeed.shutdown] function finished
	eventShutdown chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// The time Run was called
	startedAt time.Time
}

// New validates the database type, and sets up loggers, the discord
// integration and the admin API. Nothing connects until Run is called.
func New(config *Config) (*DiscoFeed, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	d := &DiscoFeed{
		config:        config,
		signalReady:   make(chan struct{}, 1),
		signalStop:    make(chan struct{}, 1),
		eventShutdown: make(chan struct{}, 1),
	}

	d.logger = slog.New(newLogHandler(d.config.LogLevel))
	slog.SetDefault(d.logger)

	d.config.Discord.httpClient = d.config.HTTPClient
	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(d.config.Discord.DiscordGoLogLevel).
			WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	disc := newDiscord(d.config.Discord)
	disc.logger = newLogger(d.config.Discord.LogLevel, "discord")
	disc.df = d
	d.discord = disc

	api, err := newAPI(d, config.API)
	errs = append(errs, err)
	d.api = api

	return d, errors.Join(errs...)
}

func (d *DiscoFeed) ValidateConfig() error {
	return d.config.Validate()
}

// Stop signals a running bot to shut down
func (d *DiscoFeed) Stop() {
	select {
	case d.signalStop <- struct{}{}:
	default:
	}
}

// Run opens the database, loads persisted feeds into their poll queues,
// serves the admin API (if enabled) and connects to discord. It blocks
// until ctx is cancelled or [DiscoFeed.Stop] is called, then shuts down
// gracefully.
func (d *DiscoFeed) Run(ctx context.Context) error {
	// prevents concurrent runs
	d.runMu.Lock()
	defer d.runMu.Unlock()

	d.startedAt = time.Now()
	logger := d.logger

	if err := d.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", d.config))

	// in-flight interactions, API requests and the like
	runtimeWG := &sync.WaitGroup{}

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-d.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, d.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- d.initRun(startCtx, ctx, runtimeWG)
	}()

	select {
	case <-startCtx.Done():
		err := fmt.Errorf("startup cancelled or timed out: %w", startCtx.Err())
		return errors.Join(err, d.shutdown(ctx, runtimeWG))
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			return errors.Join(err, d.shutdown(ctx, runtimeWG))
		}
		logger.InfoContext(ctx, "init complete")
	}

	d.signalReady <- struct{}{}
	logger.InfoContext(ctx, "sent ready signal")

	// block until something cancels the main runtime context - generally
	// from an interrupt
	<-ctx.Done()

	return d.shutdown(ctx, runtimeWG)
}

// initRun opens the store, creates the feed manager bound to the runtime
// context, loads persisted feeds and then starts the API and the
// discord session
func (d *DiscoFeed) initRun(
	startCtx context.Context,
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	if d.store == nil {
		d.logger.Debug("initializing DB...")
		store, err := OpenFeedStore(startCtx, d.config)
		if err != nil {
			return fmt.Errorf("error initializing database: %w", err)
		}
		d.store = store
		d.logger.Debug("finished initializing DB")
	}

	managerOpts := []feedmachine.ManagerOption{
		feedmachine.WithLogger(newLogger(d.config.RSS.LogLevel, "rss")),
	}
	// the default client has no timeout, so feeds get their own unless
	// one was explicitly configured
	if d.config.HTTPClient != nil && d.config.HTTPClient != http.DefaultClient {
		managerOpts = append(managerOpts, feedmachine.WithHTTPClient(d.config.HTTPClient))
	}
	d.feeds = feedmachine.NewManager(ctx, d.config.RSS, d.store, d.discord, managerOpts...)

	if err := d.feeds.SpawnFromPersistence(startCtx); err != nil {
		return fmt.Errorf("error loading feeds: %w", err)
	}

	if d.config.API.Enabled {
		if err := d.api.listen(startCtx); err != nil {
			return fmt.Errorf("error starting api: %w", err)
		}
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			if err := d.api.Serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(err))
			}
		}()
	}

	if err := d.initDiscordSession(ctx, runtimeWG); err != nil {
		return fmt.Errorf("error creating discord session: %w", err)
	}
	return d.discordInit(ctx)
}

func (d *DiscoFeed) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	if d.discord.session == nil {
		disc, err := d.discord.newSession()
		if err != nil {
			return err
		}
		d.discord.session = disc
	}

	ctx = WithLogger(ctx, d.discord.logger)

	for _, h := range d.discord.discordgoRemoveHandlerFuncs {
		h()
	}

	d.discord.session.SetIdentify(
		discordgo.Identify{
			Intents: d.config.Discord.GatewayIntents,
			Presence: discordgo.GatewayStatusUpdate{
				Status: string(discordgo.StatusOnline),
			},
		},
	)

	d.discord.discordgoRemoveHandlerFuncs = []func(){
		d.discord.session.AddHandler(d.discord.handlerConnect()),
		d.discord.session.AddHandler(d.discord.handlerDisconnect()),
		d.discord.session.AddHandler(d.discord.handlerReady()),
		d.discord.session.AddHandler(d.discord.handlerGuildDelete(ctx)),
		d.discord.session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					d.handleInteraction(ctx, i)
				}()
			},
		),
	}
	return nil
}

// discordInit opens the discord websocket connection, registers
// commands and sets the custom status
func (d *DiscoFeed) discordInit(ctx context.Context) error {
	d.logger.InfoContext(ctx, "connecting to discord")
	if err := d.discord.session.Open(); err != nil {
		d.logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		return fmt.Errorf("error connecting to discord: %w", err)
	}

	if _, err := d.discord.registerCommands(discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("error registering commands: %w", err)
	}

	if status := d.config.Discord.CustomStatus; status != "" {
		go func() {
			if err := d.discord.session.UpdateCustomStatus(status); err != nil {
				d.logger.Error("error updating discord status", tint.Err(err))
			}
		}()
	}
	return nil
}

// shutdown stops accepting new commands and API requests, waits for
// in-flight ones, stops feed workers and closes the store. If that
// doesn't finish within [Config.ShutdownTimeout], the API server is
// force-closed and an error is returned.
func (d *DiscoFeed) shutdown(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	d.logger.WarnContext(ctx, "shutting down")
	defer func() {
		select {
		case d.eventShutdown <- struct{}{}:
		default:
		}
	}()

	shutdownStart := time.Now()
	shutdownDeadline := shutdownStart.Add(d.config.ShutdownTimeout)

	announcementTicker := time.NewTicker(shutdownAnnouncementInterval)
	defer announcementTicker.Stop()

	d.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", d.config.ShutdownTimeout,
		"shutdown_started", shutdownStart,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(
		context.Background(),
		shutdownDeadline,
	)
	defer closeCancel()

	gracefulShutdownCh := make(chan error, 1)
	go func() {
		stopWG := &sync.WaitGroup{}

		if d.api != nil && d.api.listener != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				d.logger.InfoContext(ctx, "stopping http server")
				_ = d.api.httpServer.Shutdown(closeCtx)
				d.logger.InfoContext(ctx, "http server stopped")
			}()
		}

		if d.discord.session != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				d.logger.InfoContext(ctx, "closing discord session")
				if err := d.discord.session.Close(); err != nil {
					d.logger.ErrorContext(ctx, "error closing discord session", tint.Err(err))
				}
				for _, h := range d.discord.discordgoRemoveHandlerFuncs {
					h()
				}
				d.discord.discordgoRemoveHandlerFuncs = nil
				d.logger.InfoContext(ctx, "discord session closed")
			}()
		}

		stopWG.Wait()
		runtimeWG.Wait()
		d.logger.InfoContext(
			ctx,
			"finished handling in-flight requests",
			"runtime_stop_duration", time.Since(shutdownStart),
		)

		var errs []error
		if d.feeds != nil {
			if err := d.feeds.Shutdown(closeCtx); err != nil &&
				!errors.Is(err, feedmachine.ErrManagerClosed) {
				errs = append(errs, err)
			}
		}
		if d.store != nil {
			if err := d.store.Close(); err != nil {
				errs = append(errs, fmt.Errorf("error closing store: %w", err))
			}
		}
		gracefulShutdownCh <- errors.Join(errs...)
	}()

	// if we get a signal on gracefulShutdownCh, everything stopped and
	// cleaned up normally.
	// otherwise, burn it all down!
	for {
		select {
		case err := <-gracefulShutdownCh:
			d.logger.InfoContext(
				ctx,
				"shutdown complete",
				"shutdown_duration", time.Since(shutdownStart),
				tint.Err(err),
			)
			return err
		case <-announcementTicker.C:
			d.logger.Warn(
				fmt.Sprintf(
					"time until hard shutdown: %s",
					time.Until(shutdownDeadline).String(),
				),
			)
		case <-closeCtx.Done():
			d.logger.Warn("did not stop in time, forcing close")
			if d.api != nil && d.api.listener != nil {
				go func() {
					_ = d.api.httpServer.Close()
				}()
			}
			return errors.New("shutdown timed out")
		}
	}
}
