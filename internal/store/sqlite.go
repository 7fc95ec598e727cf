// Package store provides storage backends for WellnessCoach.
//
// This file implements an SQLite-backed store for users, turns and analyses.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/WellnessCoach/internal/models"
	"github.com/BTreeMap/WellnessCoach/internal/util"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
	*outboxTable
}

// Compile-time check that SQLiteStore implements OutboxStore.
var _ OutboxStore = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// A single writer avoids "database is locked" under concurrent requests.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully", "dsn", dsn)

	return &SQLiteStore{db: db, outboxTable: newOutboxTable(db, dialectSQLite, "SQLiteStore")}, nil
}

func (s *SQLiteStore) GetUserStatus(ctx context.Context, userID string) (models.UserStatus, error) {
	var status sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT status FROM users WHERE user_id = ?`, userID).Scan(&status)
	if err == sql.ErrNoRows || (err == nil && status.String == "") {
		return models.DefaultUserStatus, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetUserStatus failed", "error", err, "userID", userID)
		return "", fmt.Errorf("failed to get status for %s: %w", userID, err)
	}
	return models.UserStatus(status.String), nil
}

func (s *SQLiteStore) SetUserStatus(ctx context.Context, userID string, status models.UserStatus) error {
	if userID == "" {
		return ErrEmptyUserID
	}
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (user_id, status, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at`,
		userID, string(status), now, now)
	if err != nil {
		slog.Error("SQLiteStore SetUserStatus failed", "error", err, "userID", userID, "status", status)
		return fmt.Errorf("failed to set status for %s: %w", userID, err)
	}
	slog.Debug("SQLiteStore SetUserStatus succeeded", "userID", userID, "status", status)
	return nil
}

func (s *SQLiteStore) GetUserProfile(ctx context.Context, userID string) (json.RawMessage, error) {
	var profile sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT profile FROM users WHERE user_id = ?`, userID).Scan(&profile)
	if err == sql.ErrNoRows || (err == nil && profile.String == "") {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetUserProfile failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to get profile for %s: %w", userID, err)
	}
	return json.RawMessage(profile.String), nil
}

func (s *SQLiteStore) SaveUserProfile(ctx context.Context, userID string, profile json.RawMessage) error {
	if userID == "" {
		return ErrEmptyUserID
	}
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (user_id, status, profile, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET profile = excluded.profile, updated_at = excluded.updated_at`,
		userID, string(models.DefaultUserStatus), string(profile), now, now)
	if err != nil {
		slog.Error("SQLiteStore SaveUserProfile failed", "error", err, "userID", userID)
		return fmt.Errorf("failed to save profile for %s: %w", userID, err)
	}
	return nil
}

func (s *SQLiteStore) SaveConversationTurn(ctx context.Context, turn models.ConversationTurn) error {
	if turn.UserID == "" {
		return ErrEmptyUserID
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_turns (user_id, session_id, query, response_text, created_at) VALUES (?, ?, ?, ?, ?)`,
		turn.UserID, turn.SessionID, turn.Query, turn.ResponseText, turn.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveConversationTurn failed", "error", err, "userID", turn.UserID, "sessionID", turn.SessionID)
		return fmt.Errorf("failed to save conversation turn: %w", err)
	}
	slog.Debug("SQLiteStore SaveConversationTurn succeeded", "userID", turn.UserID, "sessionID", turn.SessionID)
	return nil
}

func (s *SQLiteStore) GetConversationHistory(ctx context.Context, userID string, limit int) ([]models.ConversationTurn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, session_id, query, response_text, created_at FROM conversation_turns
		WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		userID, normalizeLimit(limit))
	if err != nil {
		slog.Error("SQLiteStore GetConversationHistory query failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to query conversation history: %w", err)
	}
	defer rows.Close()
	return scanTurnsNewestFirst(rows)
}

func (s *SQLiteStore) SaveAnalysisRecord(ctx context.Context, rec models.AnalysisRecord) error {
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
		`INSERT INTO analysis_records (id, user_id, session_id, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, rec.SessionID, string(payloadOrEmpty(rec.Payload)), rec.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveAnalysisRecord failed", "error", err, "userID", rec.UserID)
		return fmt.Errorf("failed to save analysis record: %w", err)
	}
	slog.Debug("SQLiteStore SaveAnalysisRecord succeeded", "userID", rec.UserID, "id", rec.ID)
	return nil
}

func (s *SQLiteStore) ListAnalysisRecords(ctx context.Context, userID string, limit int) ([]models.AnalysisRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, session_id, payload, created_at FROM analysis_records
		WHERE user_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		userID, normalizeLimit(limit))
	if err != nil {
		slog.Error("SQLiteStore ListAnalysisRecords query failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to query analysis records: %w", err)
	}
	defer rows.Close()
	return scanAnalysisRecords(rows)
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
