// Package flow runs the per-request chat pipeline: gate, compose, invoke the
// agent, classify the reply and persist the outcome.
package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/WellnessCoach/internal/genai"
	"github.com/BTreeMap/WellnessCoach/internal/models"
	"github.com/BTreeMap/WellnessCoach/internal/store"
	"github.com/BTreeMap/WellnessCoach/internal/tools"
)

// FallbackResponse is returned to the user when the agent produced no answer.
const FallbackResponse = "죄송합니다, 답변을 생성하는 데 실패했습니다."

// DefaultAgentTimeout bounds one agent invocation, overridable with AGENT_TIMEOUT.
const DefaultAgentTimeout = 60 * time.Second

const maxToolRounds = 10 // Prevent infinite loops

// DefaultSystemInstruction is given to every new agent session.
const DefaultSystemInstruction = `당신은 사용자의 건강 데이터를 분석하고 생활 습관 개선을 돕는 전문 웰니스 코치입니다.
항상 한국어로 친절하고 구체적으로 답변하세요.
필요하면 제공된 도구를 사용해 건강 데이터, 날씨, 뉴스, 주변 장소, 영상, 지식 베이스를 확인하고 일정을 등록하세요.
시간 표현이 포함된 일정을 등록할 때는 먼저 convert_natural_time_to_iso 도구로 시간을 변환하세요.`

// Invocation stages reported by AgentInvocationError.
const (
	StageInit     = "init"
	StageDispatch = "dispatch"
	StageDrain    = "drain"
)

// ErrAgentTimeout indicates the agent did not finish within the agent timeout.
var ErrAgentTimeout = errors.New("agent invocation timed out")

// AgentInvocationError reports a runtime failure while talking to the agent.
type AgentInvocationError struct {
	Stage   string
	Rounds  int
	Partial string // last text seen before the failure, if any
	Err     error
}

func (e *AgentInvocationError) Error() string {
	return fmt.Sprintf("agent invocation failed at %s after %d tool rounds: %v", e.Stage, e.Rounds, e.Err)
}

func (e *AgentInvocationError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a transient agent failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrAgentTimeout)
}

// Invocation is one request to the agent.
type Invocation struct {
	UserID     string
	SessionID  string
	Query      string
	Prompt     string
	HealthData models.HealthData
	Profile    json.RawMessage // stored profile
}

// Bridge drives the agent's tool-call loop for a single request.
type Bridge struct {
	runtime           genai.Runtime
	registry          *tools.Registry
	store             store.Store
	sessions          *SessionCache
	timeout           time.Duration
	maxRounds         int
	systemInstruction string
	metrics           *Metrics
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithAgentTimeout bounds each invocation.
func WithAgentTimeout(d time.Duration) BridgeOption {
	return func(b *Bridge) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithSessionCache sets the cache holding agent sessions.
func WithSessionCache(c *SessionCache) BridgeOption {
	return func(b *Bridge) { b.sessions = c }
}

// WithSystemInstruction overrides DefaultSystemInstruction.
func WithSystemInstruction(s string) BridgeOption {
	return func(b *Bridge) { b.systemInstruction = s }
}

// WithMaxToolRounds caps the tool rounds per invocation.
func WithMaxToolRounds(n int) BridgeOption {
	return func(b *Bridge) {
		if n > 0 {
			b.maxRounds = n
		}
	}
}

// WithBridgeMetrics records agent rounds on m.
func WithBridgeMetrics(m *Metrics) BridgeOption {
	return func(b *Bridge) { b.metrics = m }
}

// NewBridge creates a Bridge. The store receives one conversation turn per invocation.
func NewBridge(runtime genai.Runtime, registry *tools.Registry, st store.Store, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		runtime:           runtime,
		registry:          registry,
		store:             st,
		timeout:           DefaultAgentTimeout,
		maxRounds:         maxToolRounds,
		systemInstruction: DefaultSystemInstruction,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.registry == nil {
		b.registry = tools.NewRegistry()
	}
	if b.sessions == nil {
		b.sessions = NewSessionCache(0, 0)
	}
	slog.Debug("Bridge.NewBridge: bridge created", "timeout", b.timeout, "maxRounds", b.maxRounds, "tools", len(b.registry.Names()))
	return b
}

// Timeout returns the per-invocation deadline.
func (b *Bridge) Timeout() time.Duration {
	return b.timeout
}

// Invoke sends the composed prompt and drains tool calls until the agent
// answers. It returns FallbackResponse when no final text arrives. Exactly one
// conversation turn is saved per call, also on failure.
func (b *Bridge) Invoke(ctx context.Context, inv Invocation) (string, error) {
	text, err := b.invoke(ctx, inv)
	if err != nil {
		text = FallbackResponse
	}
	b.saveTurn(ctx, inv, text)
	return text, err
}

func (b *Bridge) invoke(parent context.Context, inv Invocation) (string, error) {
	if b.runtime == nil {
		return "", &AgentInvocationError{Stage: StageInit, Err: genai.ErrConfiguration}
	}
	ctx, cancel := context.WithTimeout(parent, b.timeout)
	defer cancel()
	ctx = tools.WithRequestData(ctx, tools.RequestData{UserID: inv.UserID, HealthData: inv.HealthData, Profile: inv.Profile})

	key := SessionKey(inv.UserID, inv.SessionID)
	sess, hit, err := b.sessions.GetOrCreate(key, func() (genai.Session, error) {
		return b.runtime.NewSession(genai.SessionConfig{
			SystemInstruction: b.systemInstruction,
			Tools:             b.registry.Definitions(),
		})
	})
	if err != nil {
		slog.Error("Bridge.Invoke: session init failed", "userID", inv.UserID, "sessionID", inv.SessionID, "error", err)
		return "", b.fail(ctx, key, StageInit, 0, "", err)
	}
	slog.Debug("Bridge.Invoke: session ready", "userID", inv.UserID, "sessionID", inv.SessionID, "cached", hit)

	start := time.Now()
	reply, err := sess.Send(ctx, inv.Prompt)
	b.metrics.ObserveStage("agent_dispatch", stageStatus(err), time.Since(start))
	if err != nil {
		slog.Error("Bridge.Invoke: dispatch failed", "userID", inv.UserID, "error", err)
		return "", b.fail(ctx, key, StageDispatch, 0, "", err)
	}

	partial := reply.Text
	rounds := 0
	for len(reply.ToolCalls) > 0 && rounds < b.maxRounds {
		rounds++
		slog.Info("Bridge.Invoke: processing tool calls", "userID", inv.UserID, "round", rounds, "toolCallCount", len(reply.ToolCalls))
		results := make([]models.ToolResult, 0, len(reply.ToolCalls))
		for _, call := range reply.ToolCalls {
			res := b.registry.Execute(ctx, call)
			logToolResult(inv.UserID, rounds, call, res)
			results = append(results, res)
		}
		reply, err = sess.SubmitToolResults(ctx, results)
		if err != nil {
			slog.Error("Bridge.Invoke: tool round failed", "userID", inv.UserID, "round", rounds, "error", err)
			return "", b.fail(ctx, key, StageDrain, rounds, partial, err)
		}
		if reply.Text != "" {
			partial = reply.Text
		}
	}
	b.metrics.ObserveAgentRounds(rounds)

	if !reply.IsFinal() {
		// Pending tool calls leave the session history unanswered.
		slog.Warn("Bridge.Invoke: no final answer from agent", "userID", inv.UserID, "rounds", rounds, "pendingToolCalls", len(reply.ToolCalls))
		b.sessions.Evict(key)
		return FallbackResponse, nil
	}
	slog.Info("Bridge.Invoke: final response", "userID", inv.UserID, "rounds", rounds, "responseLength", len(reply.Text))
	return reply.Text, nil
}

func (b *Bridge) fail(ctx context.Context, key, stage string, rounds int, partial string, err error) error {
	b.sessions.Evict(key)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w after %s: %w", ErrAgentTimeout, b.timeout, err)
	}
	return &AgentInvocationError{Stage: stage, Rounds: rounds, Partial: partial, Err: err}
}

func (b *Bridge) saveTurn(ctx context.Context, inv Invocation, text string) {
	if b.store == nil {
		return
	}
	turn := models.ConversationTurn{
		UserID:       inv.UserID,
		SessionID:    inv.SessionID,
		Query:        inv.Query,
		ResponseText: text,
	}
	// The agent deadline may already have passed; the turn is still recorded.
	if err := b.store.SaveConversationTurn(context.WithoutCancel(ctx), turn); err != nil {
		slog.Error("Bridge.saveTurn: failed to save conversation turn", "userID", inv.UserID, "sessionID", inv.SessionID, "error", err)
	}
}

func stageStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
