package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/BTreeMap/WellnessCoach/internal/flow"
	"github.com/BTreeMap/WellnessCoach/internal/genai"
	"github.com/BTreeMap/WellnessCoach/internal/lockfile"
	"github.com/BTreeMap/WellnessCoach/internal/prompt"
	"github.com/BTreeMap/WellnessCoach/internal/scheduler"
	"github.com/BTreeMap/WellnessCoach/internal/store"
	"github.com/prometheus/client_golang/prometheus"
)

var configEnv = []string{
	"WELLNESS_STATE_DIR", "DATABASE_URL", "API_ADDR", "AGENT_PROVIDER", "OPENAI_API_KEY",
	"GOOGLE_AI_API_KEY", "AGENT_TIMEOUT", "PROMPT_DIR", "HISTORY_LIMIT", "REDIS_URL", "NOTIFY_OUTBOUND", "OUTBOX_RECOVERY_CRON",
}

func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, k := range configEnv {
		t.Setenv(k, "")
	}
}

func TestLoadEnvironmentConfigDefaults(t *testing.T) {
	clearConfigEnv(t)
	config := loadEnvironmentConfig()

	if config.StateDir != DefaultStateDir {
		t.Errorf("expected default state dir %q, got %q", DefaultStateDir, config.StateDir)
	}
	if config.Provider != genai.ProviderOpenAI {
		t.Errorf("expected default provider openai, got %q", config.Provider)
	}
	if config.PromptDir != prompt.DefaultDir {
		t.Errorf("expected default prompt dir, got %q", config.PromptDir)
	}
	if config.AgentTimeout != flow.DefaultAgentTimeout || config.HistoryLimit != store.DefaultHistoryLimit {
		t.Errorf("unexpected defaults: timeout %v history %d", config.AgentTimeout, config.HistoryLimit)
	}
	if config.NotifyOutbound {
		t.Errorf("outbound notifications should be off by default")
	}
	if config.OutboxRecoverySpec != scheduler.DefaultOutboxRecoverySpec {
		t.Errorf("unexpected recovery spec %q", config.OutboxRecoverySpec)
	}
}

func TestLoadEnvironmentConfigOverrides(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("WELLNESS_STATE_DIR", "/tmp/wellness")
	t.Setenv("AGENT_PROVIDER", "gemini")
	t.Setenv("AGENT_TIMEOUT", "45s")
	t.Setenv("HISTORY_LIMIT", "4")
	t.Setenv("NOTIFY_OUTBOUND", "true")

	config := loadEnvironmentConfig()
	if config.StateDir != "/tmp/wellness" || config.Provider != "gemini" {
		t.Errorf("environment not applied: %+v", config)
	}
	if config.AgentTimeout != 45*time.Second || config.HistoryLimit != 4 || !config.NotifyOutbound {
		t.Errorf("typed values not parsed: %+v", config)
	}
}

func TestParseFlags(t *testing.T) {
	clearConfigEnv(t)
	config := loadEnvironmentConfig()

	f := parseFlags(flag.NewFlagSet("test", flag.ContinueOnError), nil, config)
	if f.dbDSN != filepath.Join(DefaultStateDir, DefaultDBFileName) {
		t.Errorf("expected SQLite default under state dir, got %q", f.dbDSN)
	}

	f = parseFlags(flag.NewFlagSet("test", flag.ContinueOnError),
		[]string{"-state-dir", "/srv/coach", "-provider", "gemini", "-agent-timeout", "30s"}, config)
	if f.dbDSN != filepath.Join("/srv/coach", DefaultDBFileName) {
		t.Errorf("SQLite path should follow -state-dir, got %q", f.dbDSN)
	}
	if f.provider != "gemini" || f.agentTimeout != 30*time.Second {
		t.Errorf("flags not applied: %+v", f)
	}

	f = parseFlags(flag.NewFlagSet("test", flag.ContinueOnError),
		[]string{"-db-dsn", "postgres://u:p@localhost/coach"}, config)
	if store.DetectDSNType(f.dbDSN) != "postgres" {
		t.Errorf("expected postgres DSN, got %q", f.dbDSN)
	}
}

func TestInitializeLogger(t *testing.T) {
	for _, level := range []string{"", "info", "WARN", "bogus"} {
		initializeLogger(level)
	}
}

func TestBuildRuntime(t *testing.T) {
	clearConfigEnv(t)
	config := loadEnvironmentConfig()

	if _, err := buildRuntime(context.Background(), Flags{provider: "claude", config: config}); !errors.Is(err, genai.ErrUnknownProvider) {
		t.Errorf("expected ErrUnknownProvider, got %v", err)
	}
	if _, err := buildRuntime(context.Background(), Flags{provider: "openai", config: config}); !errors.Is(err, genai.ErrConfiguration) {
		t.Errorf("expected missing key error, got %v", err)
	}

	config.OpenAIKey = "sk-test"
	rt, err := buildRuntime(context.Background(), Flags{provider: "openai", config: config})
	if err != nil {
		t.Fatalf("buildRuntime: %v", err)
	}
	rt.Close()
}

func TestBuildCoach_MissingKeyStillReturnsClosers(t *testing.T) {
	clearConfigEnv(t)
	st := store.NewInMemoryStore()
	flags := Flags{provider: "openai", config: loadEnvironmentConfig()}
	coach, closers, err := buildCoach(context.Background(), flags, st, flow.MustNewMetrics(prometheus.NewRegistry()))
	if err == nil || coach != nil {
		t.Fatalf("expected error without an API key")
	}
	if len(closers) != 0 {
		t.Errorf("nothing was opened, got %d closers", len(closers))
	}
}

func TestBuildCoach(t *testing.T) {
	clearConfigEnv(t)
	config := loadEnvironmentConfig()
	config.OpenAIKey = "sk-test"
	flags := Flags{provider: "openai", promptDir: t.TempDir(), agentTimeout: time.Second, notify: true, config: config}

	coach, closers, err := buildCoach(context.Background(), flags, store.NewInMemoryStore(), flow.MustNewMetrics(prometheus.NewRegistry()))
	if err != nil || coach == nil {
		t.Fatalf("buildCoach: %v", err)
	}
	if len(closers) != 2 {
		t.Errorf("expected runtime and knowledge base closers, got %d", len(closers))
	}
	for _, c := range closers {
		c()
	}
}

func TestBuildOutboxSender(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")
	st := store.NewInMemoryStore()

	if s := buildOutboxSender(Flags{notify: false}, st); s != nil {
		t.Errorf("sender should be nil when notifications are off")
	}
	if s := buildOutboxSender(Flags{notify: true}, st); s != nil {
		t.Errorf("sender should be nil without Twilio credentials")
	}

	t.Setenv("TWILIO_ACCOUNT_SID", "AC123")
	t.Setenv("TWILIO_AUTH_TOKEN", "token")
	t.Setenv("TWILIO_FROM_NUMBER", "+15550001111")
	if s := buildOutboxSender(Flags{notify: true}, st); s == nil {
		t.Errorf("expected a sender when Twilio is configured")
	}
}

func TestBuildScheduler(t *testing.T) {
	st := store.NewInMemoryStore()
	sender := store.NewOutboxSender(st, func(context.Context, store.OutboxMessage) error { return nil }, time.Second)
	sched, err := buildScheduler(scheduler.DefaultOutboxRecoverySpec, sender)
	if err != nil || sched.Len() != 1 {
		t.Fatalf("buildScheduler: %v", err)
	}
	if _, err := buildScheduler("not cron", sender); err == nil {
		t.Errorf("expected invalid spec to fail")
	}
}

func TestRun_InvalidRecoveryScheduleFailsBeforeServing(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("TWILIO_ACCOUNT_SID", "AC123")
	t.Setenv("TWILIO_AUTH_TOKEN", "token")
	t.Setenv("TWILIO_FROM_NUMBER", "+15550001111")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	dir := t.TempDir()
	flags := Flags{
		stateDir:     dir,
		dbDSN:        filepath.Join(dir, DefaultDBFileName),
		apiAddr:      addr,
		provider:     genai.ProviderOpenAI,
		agentTimeout: time.Second,
		notify:       true,
		config:       Config{OutboxRecoverySpec: "not cron"},
	}

	done := make(chan error, 1)
	go func() { done <- run(context.Background(), flags) }()
	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected invalid schedule to fail run")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not return on an invalid schedule")
	}

	again, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("server should not be left listening on %s: %v", addr, err)
	}
	again.Close()

	lock, err := lockfile.Acquire(dir)
	if err != nil {
		t.Fatalf("state dir lock should be released: %v", err)
	}
	lock.Release()
}

func TestOpenStore_SQLite(t *testing.T) {
	st, err := openStore(filepath.Join(t.TempDir(), DefaultDBFileName))
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	defer st.Close()
	if status, err := st.GetUserStatus(context.Background(), "u1"); err != nil || status == "" {
		t.Errorf("expected default status from fresh store, got %q %v", status, err)
	}
}

func TestBuildAPIOptions(t *testing.T) {
	if opts := buildAPIOptions(Flags{}); len(opts) != 1 {
		t.Errorf("expected only the gatherer option, got %d", len(opts))
	}
	if opts := buildAPIOptions(Flags{apiAddr: ":9000", agentTimeout: time.Minute}); len(opts) != 3 {
		t.Errorf("expected gatherer, addr and write timeout, got %d", len(opts))
	}
}
