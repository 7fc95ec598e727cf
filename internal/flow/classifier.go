package flow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/WellnessCoach/internal/models"
	"github.com/BTreeMap/WellnessCoach/internal/store"
)

// ErrResponseParse indicates a reply that looked like JSON but was not a JSON object.
var ErrResponseParse = errors.New("agent response is not a JSON object")

// Markers and fixed texts used when classifying agent replies.
const (
	RiskMarker          = "[🚨 위험 요소]"
	AnalysisMarker      = "analysis_json"
	UnparsableAnalysis  = "분석 결과를 해석할 수 없습니다."
	CalendarEncouraging = "\n\n📅 등록한 일정에 맞춰 꾸준히 실천해 보세요. 작은 습관이 큰 변화를 만듭니다! 💪"
)

// RiskRule maps a keyword inside a risk-flagged reply to a notification.
type RiskRule struct {
	Keyword      string
	Notification models.Notification
}

// RiskRules are checked in order; the first keyword found wins.
var RiskRules = []RiskRule{
	{Keyword: "수면", Notification: models.Notification{Title: "수면 부족 경고", Body: "어젯밤 수면의 질이 좋지 않았습니다. 앱에서 확인해보세요."}},
	{Keyword: "스트레스", Notification: models.Notification{Title: "높은 스트레스 감지", Body: "스트레스 지수가 높게 측정되었습니다. 휴식이 필요합니다."}},
}

// OutputKind tags an AgentOutput.
type OutputKind string

const (
	KindStructuredAnalysis OutputKind = "structured_analysis"
	KindPlainText          OutputKind = "plain_text"
)

// StructuredAnalysis is a reply that parsed as a JSON object.
type StructuredAnalysis struct {
	Fields map[string]json.RawMessage
}

// ResponseForUser returns response_for_user when it is a string.
func (s *StructuredAnalysis) ResponseForUser() (string, bool) {
	var text string
	raw, ok := s.Fields["response_for_user"]
	if !ok || json.Unmarshal(raw, &text) != nil {
		return "", false
	}
	return text, true
}

// Analysis returns analysis_json unless it is absent or null.
func (s *StructuredAnalysis) Analysis() (json.RawMessage, bool) {
	raw, ok := s.Fields[AnalysisMarker]
	trimmed := bytes.TrimSpace(raw)
	if !ok || len(trimmed) == 0 || string(trimmed) == "null" {
		return nil, false
	}
	return trimmed, true
}

// StatusUpdate returns status_update when it names a known status.
func (s *StructuredAnalysis) StatusUpdate() (models.UserStatus, bool) {
	var v string
	raw, ok := s.Fields["status_update"]
	if !ok || json.Unmarshal(raw, &v) != nil {
		return "", false
	}
	return models.ParseUserStatus(v)
}

// AgentOutput is either a StructuredAnalysis or plain text.
type AgentOutput struct {
	Kind       OutputKind
	Structured *StructuredAnalysis
	Text       string // trimmed text with any code fence removed
	ParseErr   error
}

// ParseAgentOutput decides the reply kind with one strict JSON object parse.
func ParseAgentOutput(raw string) AgentOutput {
	text := stripCodeFence(strings.TrimSpace(raw))
	out := AgentOutput{Kind: KindPlainText, Text: text}
	if !strings.HasPrefix(text, "{") {
		return out
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &fields); err != nil {
		out.ParseErr = fmt.Errorf("%w: %v", ErrResponseParse, err)
		return out
	}
	if fields == nil {
		fields = map[string]json.RawMessage{}
	}
	out.Kind = KindStructuredAnalysis
	out.Structured = &StructuredAnalysis{Fields: fields}
	return out
}

// stripCodeFence removes a single surrounding markdown code fence.
func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") || !strings.HasSuffix(s, "```") || len(s) < 6 {
		return s
	}
	body := strings.TrimSuffix(s[3:], "```")
	if i := strings.IndexByte(body, '\n'); i >= 0 && !strings.ContainsAny(body[:i], "{[") {
		body = body[i+1:] // language tag
	}
	return strings.TrimSpace(body)
}

// Classification is the user-facing view of an agent reply plus the state
// changes it implies.
type Classification struct {
	Kind             OutputKind
	DisplayText      string
	Notification     *models.Notification
	StatusTransition models.UserStatus // empty when the status stays
	Analysis         json.RawMessage
	HasAnalysis      bool
	ParseErr         error
}

// Classify interprets raw given the status before the invocation. It has no
// side effects.
func Classify(raw string, prior models.UserStatus) Classification {
	out := ParseAgentOutput(raw)
	c := Classification{Kind: out.Kind, ParseErr: out.ParseErr}

	if out.Kind != KindStructuredAnalysis {
		c.DisplayText = out.Text
		if mentionsCalendarEvent(c.DisplayText) {
			c.DisplayText += CalendarEncouraging
		}
		return c
	}

	if text, ok := out.Structured.ResponseForUser(); ok {
		c.DisplayText = text
	} else {
		c.DisplayText = UnparsableAnalysis
	}
	c.Analysis, c.HasAnalysis = out.Structured.Analysis()
	if status, ok := out.Structured.StatusUpdate(); ok {
		c.StatusTransition = status
	}

	// Notifications and transitions come only from a parsed analysis.
	if strings.Contains(c.DisplayText, RiskMarker) {
		for _, rule := range RiskRules {
			if strings.Contains(c.DisplayText, rule.Keyword) {
				n := rule.Notification
				c.Notification = &n
				break
			}
		}
	}

	if c.StatusTransition == "" && prior == models.StatusNeedsAnalysis && c.HasAnalysis {
		c.StatusTransition = models.StatusRoutineInProgress
	}

	if mentionsCalendarEvent(c.DisplayText) {
		c.DisplayText += CalendarEncouraging
	}
	return c
}

func mentionsCalendarEvent(text string) bool {
	return strings.Contains(text, "캘린더에") && strings.Contains(text, "등록") && !strings.HasSuffix(text, CalendarEncouraging)
}

// NotificationEnqueuer queues a notification for outbound delivery.
type NotificationEnqueuer interface {
	EnqueueNotification(ctx context.Context, userID string, n models.Notification) error
}

// StateUpdater applies a Classification through the store.
type StateUpdater struct {
	store    store.Store
	notifier NotificationEnqueuer
	now      func() time.Time
}

// NewStateUpdater creates a StateUpdater. notifier may be nil when outbound
// delivery is disabled.
func NewStateUpdater(st store.Store, notifier NotificationEnqueuer) *StateUpdater {
	return &StateUpdater{store: st, notifier: notifier, now: time.Now}
}

// Apply saves the analysis record, sets the status transition and queues the
// notification. Every step is attempted; the errors are joined.
func (u *StateUpdater) Apply(ctx context.Context, userID, sessionID string, c Classification) error {
	var errs []error
	if c.ParseErr != nil {
		slog.Warn("StateUpdater.Apply: agent reply treated as plain text", "userID", userID, "error", c.ParseErr)
	}
	if c.HasAnalysis {
		rec := models.AnalysisRecord{UserID: userID, SessionID: sessionID, Payload: c.Analysis, CreatedAt: u.now()}
		if err := u.store.SaveAnalysisRecord(ctx, rec); err != nil {
			slog.Error("StateUpdater.Apply: failed to save analysis record", "userID", userID, "error", err)
			errs = append(errs, fmt.Errorf("save analysis record: %w", err))
		} else {
			slog.Info("StateUpdater.Apply: analysis record saved", "userID", userID, "sessionID", sessionID)
		}
	}
	if c.StatusTransition != "" {
		if err := u.store.SetUserStatus(ctx, userID, c.StatusTransition); err != nil {
			slog.Error("StateUpdater.Apply: failed to set status", "userID", userID, "status", c.StatusTransition, "error", err)
			errs = append(errs, fmt.Errorf("set user status: %w", err))
		} else {
			slog.Info("StateUpdater.Apply: status updated", "userID", userID, "status", c.StatusTransition)
		}
	}
	if c.Notification != nil && u.notifier != nil {
		if err := u.notifier.EnqueueNotification(ctx, userID, *c.Notification); err != nil {
			slog.Error("StateUpdater.Apply: failed to enqueue notification", "userID", userID, "error", err)
			errs = append(errs, fmt.Errorf("enqueue notification: %w", err))
		}
	}
	return errors.Join(errs...)
}
