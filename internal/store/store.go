// Package store provides storage backends for WellnessCoach.
//
// It is the only component that reads or writes user status, profiles, the
// conversation turn log and analysis records. An in-memory store is used for
// tests and for deployments without a database; SQLite and PostgreSQL back
// persistent deployments.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/WellnessCoach/internal/models"
	"github.com/BTreeMap/WellnessCoach/internal/util"
)

// DefaultHistoryLimit is used when a non-positive history limit is requested.
const DefaultHistoryLimit = 10

// ErrEmptyUserID is returned when a write targets no user.
var ErrEmptyUserID = errors.New("user ID cannot be empty")

// Store is the persistence gateway used by the chat pipeline.
type Store interface {
	// GetUserStatus returns the user's status, or NEEDS_ANALYSIS when none is stored.
	GetUserStatus(ctx context.Context, userID string) (models.UserStatus, error)
	// SetUserStatus upserts the status while keeping the profile.
	SetUserStatus(ctx context.Context, userID string, status models.UserStatus) error
	// GetUserProfile returns the stored profile, or nil when absent.
	GetUserProfile(ctx context.Context, userID string) (json.RawMessage, error)
	// SaveUserProfile upserts the profile while keeping the status.
	SaveUserProfile(ctx context.Context, userID string, profile json.RawMessage) error
	// SaveConversationTurn appends a turn to the log.
	SaveConversationTurn(ctx context.Context, turn models.ConversationTurn) error
	// GetConversationHistory returns the newest limit turns across all sessions, oldest first.
	GetConversationHistory(ctx context.Context, userID string, limit int) ([]models.ConversationTurn, error)
	// SaveAnalysisRecord appends an analysis record.
	SaveAnalysisRecord(ctx context.Context, rec models.AnalysisRecord) error
	// ListAnalysisRecords returns the newest limit analysis records, newest first.
	ListAnalysisRecords(ctx context.Context, userID string, limit int) ([]models.AnalysisRecord, error)
	// Close releases backend resources.
	Close() error
}

// Opts holds configuration for the SQL-backed stores.
type Opts struct {
	DSN string
}

// Option configures a store.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL URLs or keyword DSNs and
// "sqlite3" for everything else.
func DetectDSNType(dsn string) string {
	trimmed := strings.TrimSpace(dsn)
	if strings.HasPrefix(trimmed, "postgres://") || strings.HasPrefix(trimmed, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(trimmed, "host=") || strings.Contains(trimmed, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// OutboxStore is a Store that can also persist outbound notifications.
type OutboxStore interface {
	Store
	OutboxRepo
}

// New opens the backend selected by the DSN. An empty DSN yields an InMemoryStore.
func New(dsn string) (OutboxStore, error) {
	if dsn == "" {
		slog.Debug("store.New: no DSN configured, using in-memory store")
		return NewInMemoryStore(), nil
	}
	if DetectDSNType(dsn) == "postgres" {
		return NewPostgresStore(WithPostgresDSN(dsn))
	}
	return NewSQLiteStore(WithSQLiteDSN(dsn))
}

// FormatHistory flattens turns into "User: ..." / "AI: ..." lines. A stored
// response that is a JSON object carrying response_for_user contributes only
// that field.
func FormatHistory(turns []models.ConversationTurn) []string {
	lines := make([]string, 0, len(turns)*2)
	for _, turn := range turns {
		lines = append(lines, "User: "+turn.Query)
		lines = append(lines, "AI: "+displayText(turn.ResponseText))
	}
	return lines
}

func displayText(response string) string {
	var wrapped struct {
		ResponseForUser *string `json:"response_for_user"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(response)), &wrapped); err != nil || wrapped.ResponseForUser == nil {
		return response
	}
	return *wrapped.ResponseForUser
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	return limit
}

type memoryUser struct {
	status    models.UserStatus
	profile   json.RawMessage
	updatedAt time.Time
}

// InMemoryStore is a mutex-guarded Store for tests and database-less deployments.
type InMemoryStore struct {
	mu       sync.RWMutex
	users    map[string]*memoryUser
	turns    []models.ConversationTurn
	analyses []models.AnalysisRecord
	outbox   []OutboxMessage
}

// Compile-time check that InMemoryStore implements OutboxStore.
var _ OutboxStore = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{users: make(map[string]*memoryUser)}
}

func (s *InMemoryStore) user(userID string) *memoryUser {
	u, ok := s.users[userID]
	if !ok {
		u = &memoryUser{status: models.DefaultUserStatus}
		s.users[userID] = u
	}
	return u
}

func (s *InMemoryStore) GetUserStatus(ctx context.Context, userID string) (models.UserStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if u, ok := s.users[userID]; ok && u.status != "" {
		return u.status, nil
	}
	return models.DefaultUserStatus, nil
}

func (s *InMemoryStore) SetUserStatus(ctx context.Context, userID string, status models.UserStatus) error {
	if userID == "" {
		return ErrEmptyUserID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.user(userID)
	u.status = status
	u.updatedAt = time.Now()
	slog.Debug("InMemoryStore.SetUserStatus", "userID", userID, "status", status)
	return nil
}

func (s *InMemoryStore) GetUserProfile(ctx context.Context, userID string) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok || len(u.profile) == 0 {
		return nil, nil
	}
	return append(json.RawMessage(nil), u.profile...), nil
}

func (s *InMemoryStore) SaveUserProfile(ctx context.Context, userID string, profile json.RawMessage) error {
	if userID == "" {
		return ErrEmptyUserID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.user(userID)
	u.profile = append(json.RawMessage(nil), profile...)
	u.updatedAt = time.Now()
	return nil
}

func (s *InMemoryStore) SaveConversationTurn(ctx context.Context, turn models.ConversationTurn) error {
	if turn.UserID == "" {
		return ErrEmptyUserID
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, turn)
	return nil
}

func (s *InMemoryStore) GetConversationHistory(ctx context.Context, userID string, limit int) ([]models.ConversationTurn, error) {
	limit = normalizeLimit(limit)
	s.mu.RLock()
	var turns []models.ConversationTurn
	for _, t := range s.turns {
		if t.UserID == userID {
			turns = append(turns, t)
		}
	}
	s.mu.RUnlock()

	// Stable sort keeps insertion order for equal timestamps.
	sort.SliceStable(turns, func(i, j int) bool { return turns[i].CreatedAt.Before(turns[j].CreatedAt) })
	if len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return turns, nil
}

func (s *InMemoryStore) SaveAnalysisRecord(ctx context.Context, rec models.AnalysisRecord) error {
	if rec.UserID == "" {
		return ErrEmptyUserID
	}
	if rec.ID == "" {
		rec.ID = util.GenerateAnalysisID()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	rec.Payload = append(json.RawMessage(nil), rec.Payload...)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.analyses = append(s.analyses, rec)
	return nil
}

func (s *InMemoryStore) ListAnalysisRecords(ctx context.Context, userID string, limit int) ([]models.AnalysisRecord, error) {
	limit = normalizeLimit(limit)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.AnalysisRecord
	for i := len(s.analyses) - 1; i >= 0 && len(out) < limit; i-- {
		if s.analyses[i].UserID == userID {
			out = append(out, s.analyses[i])
		}
	}
	return out, nil
}

func (s *InMemoryStore) Close() error {
	return nil
}
