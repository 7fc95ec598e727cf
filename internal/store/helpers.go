package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/BTreeMap/WellnessCoach/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// payloadOrEmpty maps an absent payload to an empty JSON object.
func payloadOrEmpty(p json.RawMessage) json.RawMessage {
	if len(p) == 0 {
		return json.RawMessage("{}")
	}
	return p
}

// scanTurnsNewestFirst reads turns selected in descending order and returns
// them oldest first.
func scanTurnsNewestFirst(rows *sql.Rows) ([]models.ConversationTurn, error) {
	var turns []models.ConversationTurn
	for rows.Next() {
		var t models.ConversationTurn
		if err := rows.Scan(&t.UserID, &t.SessionID, &t.Query, &t.ResponseText, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation turn failed: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conversation turn iteration failed: %w", err)
	}
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// scanAnalysisRecords scans AnalysisRecords from sql.Rows.
func scanAnalysisRecords(rows *sql.Rows) ([]models.AnalysisRecord, error) {
	var out []models.AnalysisRecord
	for rows.Next() {
		var rec models.AnalysisRecord
		var payload []byte
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.SessionID, &payload, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan analysis record failed: %w", err)
		}
		rec.Payload = json.RawMessage(payload)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("analysis record iteration failed: %w", err)
	}
	return out, nil
}

// scanOutboxMessage scans an OutboxMessage from sql.Rows.
func scanOutboxMessage(rows *sql.Rows) (OutboxMessage, error) {
	var m OutboxMessage
	var payloadJSON, dedupeKey, lastError sql.NullString
	var nextAttemptAt, lockedAt sql.NullTime
	err := rows.Scan(
		&m.ID, &m.UserID, &m.Kind, &payloadJSON, &m.Status, &m.Attempts,
		&nextAttemptAt, &dedupeKey, &lockedAt, &lastError, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return m, fmt.Errorf("scan outbox message failed: %w", err)
	}
	m.PayloadJSON = payloadJSON.String
	m.DedupeKey = dedupeKey.String
	m.LastError = lastError.String
	if nextAttemptAt.Valid {
		m.NextAttemptAt = &nextAttemptAt.Time
	}
	if lockedAt.Valid {
		m.LockedAt = &lockedAt.Time
	}
	return m, nil
}
