package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ScarletRedJoker/Nebula-Command-sub002/internal/api"
	"github.com/ScarletRedJoker/Nebula-Command-sub002/internal/lockfile"
	"github.com/ScarletRedJoker/Nebula-Command-sub002/internal/messaging"
	"github.com/ScarletRedJoker/Nebula-Command-sub002/internal/models"
	"github.com/ScarletRedJoker/Nebula-Command-sub002/internal/notify"
	"github.com/ScarletRedJoker/Nebula-Command-sub002/internal/outbox"
	"github.com/ScarletRedJoker/Nebula-Command-sub002/internal/platform"
	"github.com/ScarletRedJoker/Nebula-Command-sub002/internal/scheduler"
	"github.com/ScarletRedJoker/Nebula-Command-sub002/internal/store"
	"github.com/ScarletRedJoker/Nebula-Command-sub002/internal/tokens"
	"github.com/ScarletRedJoker/Nebula-Command-sub002/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for stream-bot state data
	DefaultStateDir = "/var/lib/streambot"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "streambot.db"
	// DefaultAPIAddr is the default API listen address
	DefaultAPIAddr = ":8080"

	// Recurring job cadences.
	outboxFlushEvery = 2 * time.Second
	tokenSweepEvery  = 5 * time.Minute
	// reaperCron purges terminal rows nightly.
	reaperCron = "30 3 * * *"
)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(config)

	if err := run(flags); err != nil {
		slog.Error("streambot failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("streambot exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL string
	StateDir    string
	APIAddr     string
}

// Flags holds command line flag values
type Flags struct {
	stateDir *string
	dbDSN    *string
	apiAddr  *string
}

// initializeLogger sets up structured logging. STREAMBOT_DEBUG=false drops
// the level to info.
func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("STREAMBOT_DEBUG", true) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		StateDir:    os.Getenv("STREAMBOT_STATE_DIR"),
		APIAddr:     os.Getenv("API_ADDR"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No STREAMBOT_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.APIAddr == "" {
		config.APIAddr = DefaultAPIAddr
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", os.Getenv("DATABASE_URL") != "",
		"STREAMBOT_STATE_DIR", config.StateDir,
		"API_ADDR", config.APIAddr)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir: flag.String("state-dir", config.StateDir, "state directory for streambot data (overrides $STREAMBOT_STATE_DIR)"),
		dbDSN:    flag.String("db-dsn", config.DatabaseURL, "database DSN: SQLite file path or PostgreSQL URL (overrides $DATABASE_URL)"),
		apiAddr:  flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"apiAddr", *flags.apiAddr)

	return flags
}

// openStore selects the backend from the DSN shape.
func openStore(dsn string) (store.Store, error) {
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql")
		return store.NewPostgresStore(store.WithPostgresDSN(dsn))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", dsn)
	return store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
}

// buildOAuthEndpoints reads per-platform client credentials from the
// environment. Platforms without credentials are simply not refreshable.
func buildOAuthEndpoints() map[models.Platform]tokens.OAuthConfig {
	endpoints := make(map[models.Platform]tokens.OAuthConfig)
	for _, entry := range []struct {
		platform models.Platform
		tokenURL string
		prefix   string
	}{
		{models.PlatformTwitch, "https://id.twitch.tv/oauth2/token", "TWITCH"},
		{models.PlatformKick, "https://id.kick.com/oauth/token", "KICK"},
		{models.PlatformDiscord, "https://discord.com/api/oauth2/token", "DISCORD"},
		{models.PlatformSpotify, "https://accounts.spotify.com/api/token", "SPOTIFY"},
	} {
		id := os.Getenv(entry.prefix + "_CLIENT_ID")
		secret := os.Getenv(entry.prefix + "_CLIENT_SECRET")
		if id == "" || secret == "" {
			continue
		}
		endpoints[entry.platform] = tokens.OAuthConfig{
			TokenURL:     entry.tokenURL,
			ClientID:     id,
			ClientSecret: secret,
		}
		slog.Debug("OAuth endpoint configured", "platform", entry.platform)
	}
	return endpoints
}

// buildSenderRegistry wires the configured platform senders.
func buildSenderRegistry() *messaging.Registry {
	registry := messaging.NewRegistry()
	if os.Getenv("TWILIO_ACCOUNT_SID") != "" {
		sender, err := messaging.NewTwilioSender()
		if err != nil {
			slog.Warn("Twilio sender not configured", "error", err)
		} else {
			registry.Register(models.PlatformTwilio, sender)
			slog.Info("Twilio sender registered")
		}
	}
	return registry
}

func run(flags Flags) error {
	// Two pollers on one database would double-claim messages and jobs.
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := openStore(*flags.dbDSN)
	if err != nil {
		return err
	}
	defer st.Close()

	notifier := notify.NewLogNotifier()
	monitor := platform.NewMonitor(platform.DefaultConfig())

	var refresh tokens.RefreshFunc
	if endpoints := buildOAuthEndpoints(); len(endpoints) > 0 {
		refresh = tokens.NewOAuthRefresher(endpoints).Refresh
	}
	tokenMgr := tokens.NewManager(st, notifier, refresh, tokens.DefaultConfig())

	sched := scheduler.New(st, notifier, scheduler.DefaultConfig())
	ob := outbox.New(st, notifier, outbox.DefaultConfig())
	dispatcher := outbox.NewDispatcher(st, monitor, tokenMgr, buildSenderRegistry(), notifier, outbox.DefaultDispatchConfig())

	// Crash recovery: release claims held by a previous process.
	if err := dispatcher.RecoverStaleClaims(); err != nil {
		return err
	}
	if err := sched.RecoverStaleJobs(); err != nil {
		return err
	}

	// Periodic work runs through the durable scheduler so cadence survives
	// restarts and failures are visible in the job history.
	sched.RegisterHandler("outbox_flush", func(ctx context.Context, _ string) error {
		return dispatcher.Flush(ctx)
	})
	sched.RegisterHandler("token_sweep", func(ctx context.Context, _ string) error {
		return tokenMgr.Sweep(ctx)
	})
	if _, err := sched.CreateJob("outbox_flush", "outbox flush", "", scheduler.JobOptions{
		RepeatInterval: outboxFlushEvery,
		DedupeKey:      "outbox_flush",
	}); err != nil {
		return err
	}
	if _, err := sched.CreateJob("token_sweep", "token rotation sweep", "", scheduler.JobOptions{
		RepeatInterval: tokenSweepEvery,
		DedupeKey:      "token_sweep",
	}); err != nil {
		return err
	}

	reaper := scheduler.NewReaper(st, scheduler.DefaultRetention)
	if err := reaper.Schedule(reaperCron); err != nil {
		return err
	}
	defer reaper.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := api.NewServer(ob, sched, monitor, tokenMgr, api.WithAddr(*flags.apiAddr))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()

	slog.Info("streambot running", "apiAddr", *flags.apiAddr)
	err = server.Run(ctx)

	stop()
	wg.Wait()
	return err
}
