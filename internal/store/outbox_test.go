package store

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func outboxBackends(t *testing.T) map[string]OutboxRepo {
	return map[string]OutboxRepo{
		"memory": NewInMemoryStore(),
		"sqlite": newTestSQLiteStore(t),
	}
}

func TestOutboxRepo_EnqueueAndClaim(t *testing.T) {
	for name, repo := range outboxBackends(t) {
		t.Run(name, func(t *testing.T) {
			id, err := repo.EnqueueOutboxMessage("user-1", OutboxKindRiskNotification, `{"title":"수면 부족 경고"}`, "")
			if err != nil {
				t.Fatalf("EnqueueOutboxMessage failed: %v", err)
			}
			if id == "" {
				t.Fatal("EnqueueOutboxMessage returned empty ID")
			}
			msgs, err := repo.ClaimDueOutboxMessages(time.Now(), 10)
			if err != nil {
				t.Fatalf("ClaimDueOutboxMessages failed: %v", err)
			}
			if len(msgs) != 1 {
				t.Fatalf("expected 1 message, got %d", len(msgs))
			}
			if msgs[0].Status != OutboxStatusSending || msgs[0].UserID != "user-1" {
				t.Errorf("unexpected claimed message: %+v", msgs[0])
			}
			again, _ := repo.ClaimDueOutboxMessages(time.Now(), 10)
			if len(again) != 0 {
				t.Errorf("expected claimed message not to be reclaimed, got %d", len(again))
			}
		})
	}
}

func TestOutboxRepo_DedupeIncludesSent(t *testing.T) {
	for name, repo := range outboxBackends(t) {
		t.Run(name, func(t *testing.T) {
			id1, _ := repo.EnqueueOutboxMessage("u", OutboxKindRiskNotification, `{}`, "u|t|2026-01-01")
			repo.ClaimDueOutboxMessages(time.Now(), 10)
			if err := repo.MarkOutboxMessageSent(id1); err != nil {
				t.Fatalf("MarkOutboxMessageSent failed: %v", err)
			}
			id2, err := repo.EnqueueOutboxMessage("u", OutboxKindRiskNotification, `{}`, "u|t|2026-01-01")
			if err != nil {
				t.Fatalf("EnqueueOutboxMessage failed: %v", err)
			}
			if id1 != id2 {
				t.Errorf("expected dedupe to return %s, got %s", id1, id2)
			}
		})
	}
}

func TestOutboxRepo_FailAndRetry(t *testing.T) {
	for name, repo := range outboxBackends(t) {
		t.Run(name, func(t *testing.T) {
			id, _ := repo.EnqueueOutboxMessage("u", OutboxKindRiskNotification, `{}`, "")
			repo.ClaimDueOutboxMessages(time.Now(), 10)
			if err := repo.FailOutboxMessage(id, "send error", time.Now().Add(-time.Second), false); err != nil {
				t.Fatalf("FailOutboxMessage failed: %v", err)
			}
			msgs, _ := repo.ClaimDueOutboxMessages(time.Now(), 10)
			if len(msgs) != 1 || msgs[0].Attempts != 1 {
				t.Fatalf("expected 1 retryable message with 1 attempt, got %+v", msgs)
			}
			if err := repo.FailOutboxMessage(id, "send error", time.Now().Add(-time.Second), true); err != nil {
				t.Fatalf("FailOutboxMessage failed: %v", err)
			}
			msgs, _ = repo.ClaimDueOutboxMessages(time.Now(), 10)
			if len(msgs) != 0 {
				t.Errorf("expected terminal failure not to be reclaimed, got %d", len(msgs))
			}
		})
	}
}

func TestOutboxRepo_RequeueStale(t *testing.T) {
	for name, repo := range outboxBackends(t) {
		t.Run(name, func(t *testing.T) {
			repo.EnqueueOutboxMessage("u", OutboxKindRiskNotification, `{}`, "")
			repo.ClaimDueOutboxMessages(time.Now(), 10)
			n, err := repo.RequeueStaleSendingMessages(time.Now().Add(time.Minute))
			if err != nil {
				t.Fatalf("RequeueStaleSendingMessages failed: %v", err)
			}
			if n != 1 {
				t.Errorf("expected 1 requeued, got %d", n)
			}
		})
	}
}

func TestOutboxSender_Basic(t *testing.T) {
	s := NewInMemoryStore()

	var sent int32
	sender := NewOutboxSender(s, func(ctx context.Context, msg OutboxMessage) error {
		atomic.AddInt32(&sent, 1)
		return nil
	}, 20*time.Millisecond)

	if _, err := s.EnqueueOutboxMessage("u", OutboxKindRiskNotification, `{"title":"t"}`, ""); err != nil {
		t.Fatalf("EnqueueOutboxMessage failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	sender.Run(ctx)

	if atomic.LoadInt32(&sent) != 1 {
		t.Errorf("expected 1 send, got %d", atomic.LoadInt32(&sent))
	}
	msgs := s.OutboxMessages()
	if len(msgs) != 1 || msgs[0].Status != OutboxStatusSent {
		t.Errorf("expected message marked sent, got %+v", msgs)
	}
}

func TestOutboxSender_TerminalAfterMaxAttempts(t *testing.T) {
	s := NewInMemoryStore()
	sender := NewOutboxSender(s, func(ctx context.Context, msg OutboxMessage) error {
		return errors.New("twilio down")
	}, time.Hour)
	sender.maxAttempts = 1

	s.EnqueueOutboxMessage("u", OutboxKindRiskNotification, `{}`, "")
	sender.poll(context.Background())

	msgs := s.OutboxMessages()
	if len(msgs) != 1 || msgs[0].Status != OutboxStatusFailed {
		t.Fatalf("expected message marked failed, got %+v", msgs)
	}
	if msgs[0].LastError != "twilio down" {
		t.Errorf("expected last error recorded, got %q", msgs[0].LastError)
	}
}

func TestOutboxRepo_ClaimOldestFirstWithinLimit(t *testing.T) {
	for name, repo := range outboxBackends(t) {
		t.Run(name, func(t *testing.T) {
			var ids []string
			for _, title := range []string{"first", "second", "third"} {
				id, err := repo.EnqueueOutboxMessage("user-1", OutboxKindRiskNotification, `{"title":"`+title+`"}`, "")
				if err != nil {
					t.Fatalf("EnqueueOutboxMessage failed: %v", err)
				}
				ids = append(ids, id)
				time.Sleep(2 * time.Millisecond)
			}

			batch, err := repo.ClaimDueOutboxMessages(time.Now(), 2)
			if err != nil {
				t.Fatalf("ClaimDueOutboxMessages failed: %v", err)
			}
			if len(batch) != 2 || batch[0].ID != ids[0] || batch[1].ID != ids[1] {
				t.Fatalf("expected the two oldest messages in order, got %+v", batch)
			}
			for _, m := range batch {
				if m.LockedAt == nil {
					t.Errorf("claimed message %s has no lock time", m.ID)
				}
			}

			rest, _ := repo.ClaimDueOutboxMessages(time.Now(), 2)
			if len(rest) != 1 || rest[0].ID != ids[2] {
				t.Errorf("expected only the third message, got %+v", rest)
			}
		})
	}
}

func TestOutboxTable_Rebind(t *testing.T) {
	query := `UPDATE outbox_messages SET status = ? WHERE id = ? AND locked_at < ?`
	sqlite := newOutboxTable(nil, dialectSQLite, "SQLiteStore")
	if got := sqlite.rebind(query); got != query {
		t.Errorf("sqlite query should be unchanged, got %q", got)
	}
	pg := newOutboxTable(nil, dialectPostgres, "PostgresStore")
	want := `UPDATE outbox_messages SET status = $1 WHERE id = $2 AND locked_at < $3`
	if got := pg.rebind(query); got != want {
		t.Errorf("rebind = %q, want %q", got, want)
	}
}
