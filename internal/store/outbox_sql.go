package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/WellnessCoach/internal/util"
)

type sqlDialect int

const (
	dialectSQLite sqlDialect = iota
	dialectPostgres
)

const outboxColumns = `id, user_id, kind, payload_json, status, attempts, next_attempt_at, dedupe_key, locked_at, last_error, created_at, updated_at`

// outboxTable implements OutboxRepo on the outbox_messages table. Queries are
// written with ? placeholders and rebound for PostgreSQL.
type outboxTable struct {
	conn    *sql.DB
	dialect sqlDialect
	owner   string
}

func newOutboxTable(conn *sql.DB, dialect sqlDialect, owner string) *outboxTable {
	return &outboxTable{conn: conn, dialect: dialect, owner: owner}
}

// rebind rewrites ? placeholders to $1, $2, ... for PostgreSQL.
func (o *outboxTable) rebind(query string) string {
	if o.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r != '?' {
			b.WriteRune(r)
			continue
		}
		n++
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(n))
	}
	return b.String()
}

func (o *outboxTable) EnqueueOutboxMessage(userID, kind, payloadJSON, dedupeKey string) (string, error) {
	if dedupeKey != "" {
		var existing string
		err := o.conn.QueryRow(
			o.rebind(`SELECT id FROM outbox_messages WHERE dedupe_key = ? AND status NOT IN ('canceled', 'failed') LIMIT 1`),
			dedupeKey,
		).Scan(&existing)
		switch {
		case err == nil:
			slog.Debug(o.owner+".EnqueueOutboxMessage: duplicate suppressed", "dedupeKey", dedupeKey, "existingID", existing)
			return existing, nil
		case !errors.Is(err, sql.ErrNoRows):
			return "", fmt.Errorf("look up outbox dedupe key: %w", err)
		}
	}

	id := util.GenerateOutboxID()
	now := time.Now()
	_, err := o.conn.Exec(
		o.rebind(`INSERT INTO outbox_messages (id, user_id, kind, payload_json, status, attempts, dedupe_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)`),
		id, userID, kind, payloadJSON, string(OutboxStatusQueued), nilIfEmpty(dedupeKey), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("insert outbox message: %w", err)
	}
	slog.Debug(o.owner+".EnqueueOutboxMessage: queued", "id", id, "userID", userID, "kind", kind)
	return id, nil
}

// ClaimDueOutboxMessages returns claimed messages oldest first.
func (o *outboxTable) ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error) {
	var (
		msgs []OutboxMessage
		err  error
	)
	if o.dialect == dialectPostgres {
		msgs, err = o.claimReturning(now, limit)
	} else {
		msgs, err = o.claimInTx(now, limit)
	}
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(msgs, func(a, b OutboxMessage) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return msgs, nil
}

// claimReturning claims in one statement; SKIP LOCKED keeps concurrent
// senders on different rows.
func (o *outboxTable) claimReturning(now time.Time, limit int) ([]OutboxMessage, error) {
	rows, err := o.conn.Query(o.rebind(`UPDATE outbox_messages SET status = 'sending', locked_at = ?, updated_at = ?
		 WHERE id IN (
		   SELECT id FROM outbox_messages
		   WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		   ORDER BY created_at ASC LIMIT ?
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+outboxColumns), now, now, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim outbox messages: %w", err)
	}
	defer rows.Close()
	return collectOutbox(rows)
}

// claimInTx selects due rows and flips them to sending inside one
// transaction. Rows another writer claimed first are dropped.
func (o *outboxTable) claimInTx(now time.Time, limit int) ([]OutboxMessage, error) {
	tx, err := o.conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin outbox claim: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT `+outboxColumns+` FROM outbox_messages
		 WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		 ORDER BY created_at ASC LIMIT ?`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("select due outbox messages: %w", err)
	}
	due, err := collectOutbox(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	claimed := due[:0]
	for _, m := range due {
		res, err := tx.Exec(
			`UPDATE outbox_messages SET status = 'sending', locked_at = ?, updated_at = ? WHERE id = ? AND status = 'queued'`,
			now, now, m.ID,
		)
		if err != nil {
			return nil, fmt.Errorf("claim outbox message %s: %w", m.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		lockedAt := now
		m.Status = OutboxStatusSending
		m.LockedAt = &lockedAt
		claimed = append(claimed, m)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit outbox claim: %w", err)
	}
	return claimed, nil
}

func collectOutbox(rows *sql.Rows) ([]OutboxMessage, error) {
	var msgs []OutboxMessage
	for rows.Next() {
		m, err := scanOutboxMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox messages: %w", err)
	}
	return msgs, nil
}

func (o *outboxTable) MarkOutboxMessageSent(id string) error {
	return o.update("mark outbox message sent",
		`UPDATE outbox_messages SET status = 'sent', locked_at = NULL, updated_at = ? WHERE id = ?`,
		time.Now(), id)
}

func (o *outboxTable) FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time, terminal bool) error {
	return o.update("record outbox failure",
		`UPDATE outbox_messages
		 SET status = ?, attempts = attempts + 1, last_error = ?, next_attempt_at = ?, locked_at = NULL, updated_at = ?
		 WHERE id = ?`,
		string(failStatus(terminal)), errMsg, nextAttemptAt, time.Now(), id)
}

func (o *outboxTable) RequeueStaleSendingMessages(staleBefore time.Time) (int, error) {
	res, err := o.conn.Exec(
		o.rebind(`UPDATE outbox_messages SET status = 'queued', locked_at = NULL, updated_at = ? WHERE status = 'sending' AND locked_at < ?`),
		time.Now(), staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale outbox messages: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info(o.owner+".RequeueStaleSendingMessages: requeued", "count", n)
	}
	return int(n), nil
}

func (o *outboxTable) update(action, query string, args ...interface{}) error {
	if _, err := o.conn.Exec(o.rebind(query), args...); err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}
	return nil
}
