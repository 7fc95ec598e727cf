package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/BTreeMap/WellnessCoach/internal/api"
	"github.com/BTreeMap/WellnessCoach/internal/flow"
	"github.com/BTreeMap/WellnessCoach/internal/genai"
	"github.com/BTreeMap/WellnessCoach/internal/lockfile"
	"github.com/BTreeMap/WellnessCoach/internal/notify"
	"github.com/BTreeMap/WellnessCoach/internal/prompt"
	"github.com/BTreeMap/WellnessCoach/internal/scheduler"
	"github.com/BTreeMap/WellnessCoach/internal/store"
	"github.com/BTreeMap/WellnessCoach/internal/tools"
	"github.com/BTreeMap/WellnessCoach/internal/util"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for WellnessCoach state data
	DefaultStateDir = "/var/lib/wellnesscoach"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "wellnesscoach.db"
	// DefaultOutboxPollInterval is how often queued notifications are delivered
	DefaultOutboxPollInterval = 5 * time.Second
)

func main() {
	loadDotEnv()
	initializeLogger(os.Getenv("LOG_LEVEL"))

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping WellnessCoach", "provider", flags.provider, "api_addr", flags.apiAddr, "dsn_type", store.DetectDSNType(flags.dbDSN))
	if err := run(ctx, flags); err != nil {
		slog.Error("WellnessCoach failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("WellnessCoach exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir         string
	DatabaseURL      string
	APIAddr          string
	Provider         string
	OpenAIKey        string
	OpenAIModel      string
	GoogleAIKey      string
	GeminiModel      string
	AgentTimeout     time.Duration
	PromptDir        string
	HistoryLimit     int
	SessionTTL       time.Duration
	SessionCacheSize int
	RedisURL         string
	NotifyOutbound   bool

	YouTubeKey          string
	OpenWeatherKey      string
	NaverClientID       string
	NaverClientSecret   string
	GeminiCacheName     string
	CalendarCredentials string
	CalendarToken       string
	// OutboxRecoverySpec is the cron expression for requeueing stuck notifications
	OutboxRecoverySpec  string
}

// Flags holds the resolved configuration after command line overrides
type Flags struct {
	stateDir     string
	dbDSN        string
	apiAddr      string
	provider     string
	promptDir    string
	redisURL     string
	agentTimeout time.Duration
	notify       bool
	config       Config
}

func loadDotEnv() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}
}

// initializeLogger sets up structured logging; the level defaults to debug.
func initializeLogger(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil || level == "" {
		lvl = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig reads configuration from environment variables.
func loadEnvironmentConfig() Config {
	config := Config{
		StateDir:         os.Getenv("WELLNESS_STATE_DIR"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		APIAddr:          os.Getenv("API_ADDR"),
		Provider:         os.Getenv("AGENT_PROVIDER"),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:      os.Getenv("OPENAI_MODEL"),
		GoogleAIKey:      os.Getenv("GOOGLE_AI_API_KEY"),
		GeminiModel:      os.Getenv("GEMINI_MODEL"),
		AgentTimeout:     util.ParseDurationEnv("AGENT_TIMEOUT", flow.DefaultAgentTimeout),
		PromptDir:        os.Getenv("PROMPT_DIR"),
		HistoryLimit:     util.ParseIntEnv("HISTORY_LIMIT", store.DefaultHistoryLimit),
		SessionTTL:       util.ParseDurationEnv("SESSION_TTL", flow.DefaultSessionTTL),
		SessionCacheSize: util.ParseIntEnv("SESSION_CACHE_SIZE", flow.DefaultSessionCacheSize),
		RedisURL:         os.Getenv("REDIS_URL"),
		NotifyOutbound:   util.ParseBoolEnv("NOTIFY_OUTBOUND", false),

		YouTubeKey:          os.Getenv("YOUTUBE_API_KEY"),
		OpenWeatherKey:      os.Getenv("OPENWEATHER_API_KEY"),
		NaverClientID:       os.Getenv("NAVER_DEV_CLIENT_ID"),
		NaverClientSecret:   os.Getenv("NAVER_DEV_CLIENT_SECRET"),
		GeminiCacheName:     os.Getenv("GEMINI_CACHE_NAME"),
		CalendarCredentials: os.Getenv("GOOGLE_CALENDAR_CREDENTIALS"),
		CalendarToken:       os.Getenv("GOOGLE_CALENDAR_TOKEN"),
		OutboxRecoverySpec:  os.Getenv("OUTBOX_RECOVERY_CRON"),
	}
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
	}
	if config.Provider == "" {
		config.Provider = genai.ProviderOpenAI
	}
	if config.PromptDir == "" {
		config.PromptDir = prompt.DefaultDir
	}
	if config.OutboxRecoverySpec == "" {
		config.OutboxRecoverySpec = scheduler.DefaultOutboxRecoverySpec
	}

	slog.Debug("environment variables loaded",
		"WELLNESS_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"AGENT_PROVIDER", config.Provider,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"GOOGLE_AI_API_KEY_SET", config.GoogleAIKey != "",
		"REDIS_URL_SET", config.RedisURL != "",
		"NOTIFY_OUTBOUND", config.NotifyOutbound)
	return config
}

// parseCommandLineFlags applies command line overrides on top of the environment.
func parseCommandLineFlags(config Config) Flags {
	return parseFlags(flag.CommandLine, os.Args[1:], config)
}

func parseFlags(fs *flag.FlagSet, args []string, config Config) Flags {
	stateDir := fs.String("state-dir", config.StateDir, "state directory for the SQLite database and lock file (overrides $WELLNESS_STATE_DIR)")
	dbDSN := fs.String("db-dsn", config.DatabaseURL, "PostgreSQL DSN or SQLite path (overrides $DATABASE_URL)")
	apiAddr := fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	provider := fs.String("provider", config.Provider, "agent provider: openai or gemini (overrides $AGENT_PROVIDER)")
	promptDir := fs.String("prompt-dir", config.PromptDir, "prompt template directory (overrides $PROMPT_DIR)")
	redisURL := fs.String("redis-url", config.RedisURL, "Redis URL for cross-instance user locks (overrides $REDIS_URL)")
	agentTimeout := fs.Duration("agent-timeout", config.AgentTimeout, "deadline for one agent invocation (overrides $AGENT_TIMEOUT)")
	notifyOut := fs.Bool("notify", config.NotifyOutbound, "deliver risk notifications through Twilio (overrides $NOTIFY_OUTBOUND)")
	if err := fs.Parse(args); err != nil {
		slog.Warn("failed to parse flags", "error", err)
	}

	f := Flags{
		stateDir:     *stateDir,
		dbDSN:        *dbDSN,
		apiAddr:      *apiAddr,
		provider:     *provider,
		promptDir:    *promptDir,
		redisURL:     *redisURL,
		agentTimeout: *agentTimeout,
		notify:       *notifyOut,
		config:       config,
	}
	if f.dbDSN == "" {
		f.dbDSN = filepath.Join(f.stateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", f.dbDSN)
	}
	return f
}

// run wires the modules together and blocks until ctx is cancelled.
func run(ctx context.Context, flags Flags) error {
	if store.DetectDSNType(flags.dbDSN) != "postgres" {
		lock, err := lockfile.Acquire(flags.stateDir)
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	st, err := openStore(flags.dbDSN)
	if err != nil {
		return err
	}
	defer st.Close()

	metrics := flow.DefaultMetrics()
	coach, closers, err := buildCoach(ctx, flags, st, metrics)
	defer func() {
		for _, c := range closers {
			if err := c(); err != nil {
				slog.Warn("shutdown: close failed", "error", err)
			}
		}
	}()

	var handler api.ChatHandler
	if err != nil {
		// The server still starts so the app gets a readable 503 instead of a refused connection.
		slog.Error("AI manager initialization failed", "error", err)
	} else {
		handler = coach
	}

	apiOpts := buildAPIOptions(flags)
	server := api.NewServer(handler, apiOpts...)

	sender := buildOutboxSender(flags, st)
	var sched *scheduler.Scheduler
	if sender != nil {
		if sched, err = buildScheduler(flags.config.OutboxRecoverySpec, sender); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	if sender != nil {
		g.Go(func() error {
			sender.Run(gctx)
			return nil
		})
		g.Go(func() error {
			sched.Run(gctx)
			return nil
		})
	}
	return g.Wait()
}

// openStore opens PostgreSQL for postgres DSNs and SQLite otherwise.
func openStore(dsn string) (store.OutboxStore, error) {
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		st, err := store.NewPostgresStore(store.WithPostgresDSN(dsn))
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return st, nil
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", dsn)
	st, err := store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	return st, nil
}

// buildRuntime creates the agent runtime for the configured provider.
func buildRuntime(ctx context.Context, flags Flags) (genai.Runtime, error) {
	provider, err := genai.NormalizeProvider(flags.provider)
	if err != nil {
		return nil, err
	}
	cfg := flags.config
	switch provider {
	case genai.ProviderGemini:
		opts := []genai.Option{genai.WithAPIKey(cfg.GoogleAIKey)}
		if cfg.GeminiModel != "" {
			opts = append(opts, genai.WithModel(cfg.GeminiModel))
		}
		return genai.NewGeminiRuntime(ctx, opts...)
	default:
		opts := []genai.Option{genai.WithAPIKey(cfg.OpenAIKey)}
		if cfg.OpenAIModel != "" {
			opts = append(opts, genai.WithModel(cfg.OpenAIModel))
		}
		return genai.NewOpenAIRuntime(opts...)
	}
}

// buildToolRegistry registers the built-in tools with caching and metrics.
func buildToolRegistry(cfg Config, metrics *flow.Metrics) (*tools.Registry, *tools.KnowledgeBase) {
	kb := tools.NewKnowledgeBase(tools.KnowledgeBaseConfig{APIKey: cfg.GoogleAIKey, CacheName: cfg.GeminiCacheName})
	opts := []tools.RegistryOption{tools.WithCallObserver(metrics.ObserveToolCall)}
	if cache, err := tools.NewResultCache(tools.DefaultCacheSize, tools.DefaultCacheTTL); err != nil {
		slog.Warn("tool result cache disabled", "error", err)
	} else {
		opts = append(opts, tools.WithResultCache(cache))
	}
	reg := tools.NewDefaultRegistry(tools.Config{
		YouTube:       tools.YouTubeConfig{APIKey: cfg.YouTubeKey},
		Weather:       tools.WeatherConfig{APIKey: cfg.OpenWeatherKey},
		Naver:         tools.NaverConfig{ClientID: cfg.NaverClientID, ClientSecret: cfg.NaverClientSecret},
		Calendar:      tools.CalendarConfig{CredentialsFile: cfg.CalendarCredentials, TokenFile: cfg.CalendarToken},
		KnowledgeBase: kb,
		TimeParser:    tools.NewTimeParser(),
	}, opts...)
	return reg, kb
}

// buildCoach assembles the chat pipeline. The returned closers run on shutdown
// even when err is non-nil.
func buildCoach(ctx context.Context, flags Flags, st store.OutboxStore, metrics *flow.Metrics) (*flow.Coach, []func() error, error) {
	var closers []func() error

	runtime, err := buildRuntime(ctx, flags)
	if err != nil {
		return nil, closers, fmt.Errorf("agent runtime: %w", err)
	}
	closers = append(closers, runtime.Close)

	registry, kb := buildToolRegistry(flags.config, metrics)
	closers = append(closers, kb.Close)

	cfg := flags.config
	bridge := flow.NewBridge(runtime, registry, st,
		flow.WithAgentTimeout(flags.agentTimeout),
		flow.WithSessionCache(flow.NewSessionCache(cfg.SessionCacheSize, cfg.SessionTTL)),
		flow.WithBridgeMetrics(metrics),
	)

	coachOpts := []flow.CoachOption{
		flow.WithHistoryLimit(cfg.HistoryLimit),
		flow.WithMetrics(metrics),
	}
	if flags.redisURL != "" {
		locker, err := flow.NewRedisLocker(flags.redisURL, flow.DefaultRedisLockTTL)
		if err != nil {
			return nil, closers, fmt.Errorf("redis locker: %w", err)
		}
		closers = append(closers, locker.Close)
		if err := locker.Ping(ctx); err != nil {
			return nil, closers, fmt.Errorf("redis locker: %w", err)
		}
		coachOpts = append(coachOpts, flow.WithUserLocker(locker))
	}
	if flags.notify {
		coachOpts = append(coachOpts, flow.WithNotifier(flow.NewOutboxNotifier(st)))
	}

	composer := prompt.NewComposer(prompt.NewDirLoader(flags.promptDir))
	return flow.NewCoach(st, composer, bridge, coachOpts...), closers, nil
}

// buildOutboxSender returns nil when outbound notifications are disabled or
// Twilio is not configured.
func buildOutboxSender(flags Flags, st store.OutboxStore) *store.OutboxSender {
	if !flags.notify {
		return nil
	}
	client, err := notify.NewClient()
	if err != nil {
		if errors.Is(err, notify.ErrConfiguration) {
			slog.Warn("NOTIFY_OUTBOUND is set but Twilio is not configured; notifications stay queued", "error", err)
		} else {
			slog.Error("failed to create notification client", "error", err)
		}
		return nil
	}
	return store.NewOutboxSender(st, notify.OutboxSendFunc(client, st), DefaultOutboxPollInterval)
}

// buildScheduler schedules periodic requeueing of notifications left in the
// sending state by a crashed delivery attempt.
func buildScheduler(spec string, sender *store.OutboxSender) (*scheduler.Scheduler, error) {
	sched := scheduler.NewScheduler(time.Minute)
	err := sched.AddJob("outbox-recovery", spec, func(ctx context.Context) error {
		return sender.RecoverStaleMessages()
	})
	if err != nil {
		return nil, err
	}
	return sched, nil
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	apiOpts := []api.Option{api.WithGatherer(prometheus.DefaultGatherer)}
	if flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(flags.apiAddr))
	}
	if flags.agentTimeout > 0 {
		// Leave room for locking and persistence around the agent call.
		apiOpts = append(apiOpts, api.WithWriteTimeout(2*flags.agentTimeout+10*time.Second))
	}
	return apiOpts
}
