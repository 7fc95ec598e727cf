package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/WellnessCoach/internal/health"
	"github.com/BTreeMap/WellnessCoach/internal/models"
	"github.com/BTreeMap/WellnessCoach/internal/prompt"
	"github.com/BTreeMap/WellnessCoach/internal/store"
)

// ErrInvalidRequest wraps chat request validation failures.
var ErrInvalidRequest = errors.New("invalid chat request")

// Chat outcomes reported to metrics.
const (
	OutcomeAnswered      = "answered"
	OutcomeQuestionnaire = "questionnaire"
	OutcomeFallback      = "fallback"
	OutcomeInvalid       = "invalid"
	OutcomeError         = "error"
)

// Coach handles one chat request end to end.
type Coach struct {
	store        store.Store
	composer     *prompt.Composer
	bridge       *Bridge
	updater      *StateUpdater
	locker       UserLocker
	notifier     NotificationEnqueuer
	historyLimit int
	metrics      *Metrics
}

// CoachOption configures a Coach.
type CoachOption func(*Coach)

// WithUserLocker replaces the in-process KeyedMutex.
func WithUserLocker(l UserLocker) CoachOption {
	return func(c *Coach) { c.locker = l }
}

// WithHistoryLimit sets how many past turns are embedded in prompts.
func WithHistoryLimit(n int) CoachOption {
	return func(c *Coach) {
		if n > 0 {
			c.historyLimit = n
		}
	}
}

// WithNotifier enables outbound delivery of risk notifications.
func WithNotifier(n NotificationEnqueuer) CoachOption {
	return func(c *Coach) { c.notifier = n }
}

// WithMetrics records pipeline metrics on m.
func WithMetrics(m *Metrics) CoachOption {
	return func(c *Coach) { c.metrics = m }
}

// NewCoach wires the pipeline stages together.
func NewCoach(st store.Store, composer *prompt.Composer, bridge *Bridge, opts ...CoachOption) *Coach {
	c := &Coach{
		store:        st,
		composer:     composer,
		bridge:       bridge,
		historyLimit: store.DefaultHistoryLimit,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.locker == nil {
		c.locker = NewKeyedMutex()
	}
	c.updater = NewStateUpdater(st, c.notifier)
	return c
}

// HandleChat runs gate, compose, invoke, classify and persist under the
// user's lock. Agent failures are answered with FallbackResponse; only
// invalid requests, lock timeouts and storage failures before the agent
// call are returned as errors.
func (c *Coach) HandleChat(ctx context.Context, req models.ChatRequest) (resp models.ChatResponse, err error) {
	defer c.metrics.trackActive()()
	outcome := OutcomeError
	defer func() { c.metrics.IncChatRequest(outcome) }()

	if verr := req.Validate(); verr != nil {
		outcome = OutcomeInvalid
		return models.ChatResponse{}, fmt.Errorf("%w: %w", ErrInvalidRequest, verr)
	}
	slog.Info("Coach.HandleChat: request received", "userID", req.UserID, "sessionID", req.SessionID, "hasHealthData", req.HealthData != nil)

	lockCtx, cancel := context.WithTimeout(ctx, c.bridge.Timeout())
	unlock, err := c.locker.Lock(lockCtx, req.UserID)
	cancel()
	if err != nil {
		slog.Error("Coach.HandleChat: failed to acquire user lock", "userID", req.UserID, "error", err)
		return models.ChatResponse{}, err
	}
	defer unlock()

	status, err := c.store.GetUserStatus(ctx, req.UserID)
	if err != nil {
		slog.Error("Coach.HandleChat: failed to read status", "userID", req.UserID, "error", err)
		return models.ChatResponse{}, fmt.Errorf("read user status: %w", err)
	}

	start := time.Now()
	if needsSurvey(req.HealthData) {
		if err := c.store.SetUserStatus(ctx, req.UserID, models.StatusAwaitingSurveyResponse); err != nil {
			slog.Error("Coach.HandleChat: failed to set survey status", "userID", req.UserID, "error", err)
			return models.ChatResponse{}, fmt.Errorf("set user status: %w", err)
		}
		c.metrics.ObserveStage("gate", "questionnaire", time.Since(start))
		slog.Info("Coach.HandleChat: insufficient health data, sending questionnaire", "userID", req.UserID, "priorStatus", status)
		outcome = OutcomeQuestionnaire
		return models.ChatResponse{ChatResponse: health.Questionnaire()}, nil
	}
	c.metrics.ObserveStage("gate", "pass", time.Since(start))

	start = time.Now()
	in, err := c.promptInput(ctx, req, status)
	if err != nil {
		return models.ChatResponse{}, err
	}
	composed, err := c.composer.Compose(ctx, in)
	c.metrics.ObserveStage("compose", stageStatus(err), time.Since(start))
	if err != nil {
		return models.ChatResponse{}, fmt.Errorf("compose prompt: %w", err)
	}

	start = time.Now()
	raw, err := c.bridge.Invoke(ctx, Invocation{
		UserID:     req.UserID,
		SessionID:  req.SessionID,
		Query:      req.Message,
		Prompt:     composed.Prompt,
		HealthData: req.HealthData,
		Profile:    in.Profile,
	})
	c.metrics.ObserveStage("invoke", stageStatus(err), time.Since(start))
	if err != nil {
		slog.Error("Coach.HandleChat: agent invocation failed", "userID", req.UserID, "retryable", IsRetryable(err), "error", err)
		outcome = OutcomeFallback
		return models.ChatResponse{ChatResponse: FallbackResponse}, nil
	}

	start = time.Now()
	cls := Classify(raw, status)
	if err := c.updater.Apply(ctx, req.UserID, req.SessionID, cls); err != nil {
		slog.Error("Coach.HandleChat: failed to apply classification", "userID", req.UserID, "error", err)
	}
	c.metrics.ObserveStage("classify", "ok", time.Since(start))

	outcome = OutcomeAnswered
	if raw == FallbackResponse {
		outcome = OutcomeFallback
	}
	slog.Info("Coach.HandleChat: response ready", "userID", req.UserID, "kind", cls.Kind, "transition", cls.StatusTransition, "notification", cls.Notification != nil)
	return models.ChatResponse{ChatResponse: cls.DisplayText, Notification: cls.Notification}, nil
}

// needsSurvey reports whether supplied health data is too thin to analyze.
// Requests without health data pass, so survey answers reach the agent.
func needsSurvey(data models.HealthData) bool {
	return data != nil && !health.IsSufficient(data)
}

func (c *Coach) promptInput(ctx context.Context, req models.ChatRequest, status models.UserStatus) (prompt.Input, error) {
	in := prompt.Input{Status: status, HealthData: req.HealthData, Query: req.Message}

	turns, err := c.store.GetConversationHistory(ctx, req.UserID, c.historyLimit)
	if err != nil {
		// Prompts still work without history.
		slog.Warn("Coach.promptInput: failed to load history", "userID", req.UserID, "error", err)
	}
	in.History = store.FormatHistory(turns)

	if profile := req.HealthData.Section(models.SectionUserProfile); profile != nil && !models.IsEmptyJSON(profile) {
		if err := c.store.SaveUserProfile(ctx, req.UserID, profile); err != nil {
			slog.Warn("Coach.promptInput: failed to save profile", "userID", req.UserID, "error", err)
		}
		in.Profile = json.RawMessage(profile)
		return in, nil
	}
	in.Profile, err = c.store.GetUserProfile(ctx, req.UserID)
	if err != nil {
		slog.Warn("Coach.promptInput: failed to load profile", "userID", req.UserID, "error", err)
	}
	return in, ctx.Err()
}
