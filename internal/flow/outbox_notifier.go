package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/WellnessCoach/internal/models"
	"github.com/BTreeMap/WellnessCoach/internal/store"
)

// OutboxNotifier queues risk notifications in the store outbox. The same
// notification is queued at most once per user and UTC day.
type OutboxNotifier struct {
	repo store.OutboxRepo
	now  func() time.Time
}

// NewOutboxNotifier creates an OutboxNotifier on repo.
func NewOutboxNotifier(repo store.OutboxRepo) *OutboxNotifier {
	return &OutboxNotifier{repo: repo, now: func() time.Time { return time.Now().UTC() }}
}

// EnqueueNotification implements NotificationEnqueuer.
func (n *OutboxNotifier) EnqueueNotification(ctx context.Context, userID string, note models.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	dedupe := fmt.Sprintf("%s|%s|%s", userID, note.Title, n.now().Format("2006-01-02"))
	id, err := n.repo.EnqueueOutboxMessage(userID, store.OutboxKindRiskNotification, string(payload), dedupe)
	if err != nil {
		return fmt.Errorf("enqueue notification: %w", err)
	}
	slog.Info("OutboxNotifier.EnqueueNotification: notification queued", "userID", userID, "title", note.Title, "id", id)
	return nil
}
