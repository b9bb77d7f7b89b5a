package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/arcward/discofeed/discofeed"
	"github.com/arcward/discofeed/feedmachine"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = discofeed.DefaultConfig()
	configFile string
)

// logLevelKeys are converted from strings to *slog.LevelVar after
// loading, so each subsystem's level can be changed at runtime
var logLevelKeys = []string{
	"log_level",
	"database_log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"api.log_level",
	"rss.log_level",
}

var rootCmd = &cobra.Command{
	Use:   "discofeed [flags]",
	Short: "Posts YouTube, Twitter/X and RSS feed updates to Discord channels",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if err := unmarshalConfig(cfg); err != nil {
			log.Fatalln(err)
		}
	},
}

func unmarshalConfig(config *discofeed.Config) error {
	return viper.Unmarshal(
		config,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(" "),
				LevelToStringHookFunc(),
			),
		),
	)
}

func getLogLevel(level string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
	return lvl, nil
}

// LevelToStringHookFunc decodes level names (ex: "DEBUG", "warn") into
// *slog.LevelVar fields
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, err
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		signal.Stop(signals)
		cancel()
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("error loading %s: %v", configFile, err)
		}
	}

	viper.SetDefault("database", discofeed.DefaultDatabase)
	viper.SetDefault("database_type", discofeed.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		discofeed.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		discofeed.DefaultDatabaseLogLevel.String(),
	)

	viper.SetDefault("log_level", discofeed.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", discofeed.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", discofeed.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault(
		"discord.log_level",
		discofeed.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		discofeed.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		discofeed.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault("discord.custom_status", discofeed.DefaultDiscordCustomStatus)

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.listen", discofeed.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.log_level", discofeed.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", discofeed.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		discofeed.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", discofeed.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", discofeed.DefaultIdleTimeout)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// API: SSL config
	fatalErr(viper.BindEnv("api.ssl.cert"))
	fatalErr(viper.BindEnv("api.ssl.key"))
	viper.SetDefault("api.ssl.tls_min_version", discofeed.DefaultTLSMinVersion)

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		discofeed.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		discofeed.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"api.cors.expose_headers",
		discofeed.DefaultCORSExposeHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_origins",
		[]string{},
	)
	viper.SetDefault("api.cors.max_age", discofeed.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		discofeed.DefaultAPICORSAllowCredentials,
	)

	// Feed config
	rssDefaults := feedmachine.DefaultConfig()
	viper.SetDefault("rss.log_level", feedmachine.DefaultLogLevel.String())
	viper.SetDefault("rss.message_cooldown", rssDefaults.MessageCooldown)
	viper.SetDefault("rss.request_timeout", rssDefaults.RequestTimeout)
	viper.SetDefault("rss.user_agent", rssDefaults.UserAgent)
	viper.SetDefault("rss.max_body_size", rssDefaults.MaxBodySize)
	viper.SetDefault("rss.send_attempts", rssDefaults.SendAttempts)
	setClassDefaults("rss.youtube", rssDefaults.YouTube)
	setClassDefaults("rss.twitter", rssDefaults.Twitter)
	setClassDefaults("rss.generic", rssDefaults.Generic)

	envPrefix := os.Getenv(discofeed.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = discofeed.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	for _, key := range []string{
		"api.cors.allow_headers",
		"api.cors.allow_origins",
		"api.cors.allow_methods",
		"api.cors.expose_headers",
	} {
		viper.Set(key, viper.GetStringSlice(key))
	}

	for _, key := range logLevelKeys {
		if _, ok := viper.Get(key).(*slog.LevelVar); ok {
			continue
		}
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func setClassDefaults(prefix string, c feedmachine.ClassConfig) {
	viper.SetDefault(prefix+".enabled", c.Enabled)
	viper.SetDefault(prefix+".url_template", c.URLTemplate)
	viper.SetDefault(prefix+".display_domain", c.DisplayDomain)
	viper.SetDefault(prefix+".include_reposts", c.IncludeReposts)
	viper.SetDefault(prefix+".delays.base", c.Delays.Base)
	viper.SetDefault(prefix+".delays.floor", c.Delays.Floor)
	viper.SetDefault(prefix+".delays.ceiling", c.Delays.Ceiling)
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//nolint:gochecknoinits
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load config from (defaults to .env)",
	)
}
