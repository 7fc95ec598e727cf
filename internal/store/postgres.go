// Package store provides storage backends for WellnessCoach.
//
// This file implements a PostgreSQL-backed store for users, turns and analyses.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/WellnessCoach/internal/models"
	"github.com/BTreeMap/WellnessCoach/internal/util"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
	*outboxTable
}

// Compile-time check that PostgresStore implements OutboxStore.
var _ OutboxStore = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db, outboxTable: newOutboxTable(db, dialectPostgres, "PostgresStore")}, nil
}

func (s *PostgresStore) GetUserStatus(ctx context.Context, userID string) (models.UserStatus, error) {
	var status sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT status FROM users WHERE user_id = $1`, userID).Scan(&status)
	if err == sql.ErrNoRows || (err == nil && status.String == "") {
		return models.DefaultUserStatus, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetUserStatus failed", "error", err, "userID", userID)
		return "", fmt.Errorf("failed to get status for %s: %w", userID, err)
	}
	return models.UserStatus(status.String), nil
}

func (s *PostgresStore) SetUserStatus(ctx context.Context, userID string, status models.UserStatus) error {
	if userID == "" {
		return ErrEmptyUserID
	}
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (user_id, status, created_at, updated_at) VALUES ($1, $2, $3, $3)
		ON CONFLICT (user_id) DO UPDATE SET status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`,
		userID, string(status), now)
	if err != nil {
		slog.Error("PostgresStore SetUserStatus failed", "error", err, "userID", userID, "status", status)
		return fmt.Errorf("failed to set status for %s: %w", userID, err)
	}
	slog.Debug("PostgresStore SetUserStatus succeeded", "userID", userID, "status", status)
	return nil
}

func (s *PostgresStore) GetUserProfile(ctx context.Context, userID string) (json.RawMessage, error) {
	var profile []byte
	err := s.db.QueryRowContext(ctx, `SELECT profile FROM users WHERE user_id = $1`, userID).Scan(&profile)
	if err == sql.ErrNoRows || (err == nil && len(profile) == 0) {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetUserProfile failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to get profile for %s: %w", userID, err)
	}
	return json.RawMessage(profile), nil
}

func (s *PostgresStore) SaveUserProfile(ctx context.Context, userID string, profile json.RawMessage) error {
	if userID == "" {
		return ErrEmptyUserID
	}
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (user_id, status, profile, created_at, updated_at) VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (user_id) DO UPDATE SET profile = EXCLUDED.profile, updated_at = EXCLUDED.updated_at`,
		userID, string(models.DefaultUserStatus), string(payloadOrEmpty(profile)), now)
	if err != nil {
		slog.Error("PostgresStore SaveUserProfile failed", "error", err, "userID", userID)
		return fmt.Errorf("failed to save profile for %s: %w", userID, err)
	}
	return nil
}

func (s *PostgresStore) SaveConversationTurn(ctx context.Context, turn models.ConversationTurn) error {
	if turn.UserID == "" {
		return ErrEmptyUserID
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_turns (user_id, session_id, query, response_text, created_at) VALUES ($1, $2, $3, $4, $5)`,
		turn.UserID, turn.SessionID, turn.Query, turn.ResponseText, turn.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveConversationTurn failed", "error", err, "userID", turn.UserID, "sessionID", turn.SessionID)
		return fmt.Errorf("failed to save conversation turn: %w", err)
	}
	slog.Debug("PostgresStore SaveConversationTurn succeeded", "userID", turn.UserID, "sessionID", turn.SessionID)
	return nil
}

func (s *PostgresStore) GetConversationHistory(ctx context.Context, userID string, limit int) ([]models.ConversationTurn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, session_id, query, response_text, created_at FROM conversation_turns
		WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`,
		userID, normalizeLimit(limit))
	if err != nil {
		slog.Error("PostgresStore GetConversationHistory query failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to query conversation history: %w", err)
	}
	defer rows.Close()
	return scanTurnsNewestFirst(rows)
}

func (s *PostgresStore) SaveAnalysisRecord(ctx context.Context, rec models.AnalysisRecord) error {
	if rec.UserID == "" {
		return ErrEmptyUserID
	}
	if rec.ID == "" {
		rec.ID = util.GenerateAnalysisID()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO analysis_records (id, user_id, session_id, payload, created_at) VALUES ($1, $2, $3, $4, $5)`,
		rec.ID, rec.UserID, rec.SessionID, string(payloadOrEmpty(rec.Payload)), rec.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveAnalysisRecord failed", "error", err, "userID", rec.UserID)
		return fmt.Errorf("failed to save analysis record: %w", err)
	}
	slog.Debug("PostgresStore SaveAnalysisRecord succeeded", "userID", rec.UserID, "id", rec.ID)
	return nil
}

func (s *PostgresStore) ListAnalysisRecords(ctx context.Context, userID string, limit int) ([]models.AnalysisRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, session_id, payload, created_at FROM analysis_records
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`,
		userID, normalizeLimit(limit))
	if err != nil {
		slog.Error("PostgresStore ListAnalysisRecords query failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to query analysis records: %w", err)
	}
	defer rows.Close()
	return scanAnalysisRecords(rows)
}

// Close closes the Postgres connection pool.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}
