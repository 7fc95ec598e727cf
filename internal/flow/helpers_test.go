package flow

import (
	"context"
	"errors"
	"sync"

	"github.com/BTreeMap/WellnessCoach/internal/genai"
	"github.com/BTreeMap/WellnessCoach/internal/models"
)

// mockSession replays queued replies and records what the bridge sent.
type mockSession struct {
	mu      sync.Mutex
	replies []*genai.Reply
	errs    []error
	sent    []string
	results [][]models.ToolResult
	block   bool // wait for ctx cancellation instead of replying
}

func (s *mockSession) next(ctx context.Context) (*genai.Reply, error) {
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(s.replies) == 0 {
		return nil, errors.New("mockSession: no reply queued")
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	return r, nil
}

func (s *mockSession) Send(ctx context.Context, text string) (*genai.Reply, error) {
	s.mu.Lock()
	s.sent = append(s.sent, text)
	s.mu.Unlock()
	return s.next(ctx)
}

func (s *mockSession) SubmitToolResults(ctx context.Context, results []models.ToolResult) (*genai.Reply, error) {
	s.mu.Lock()
	s.results = append(s.results, results)
	s.mu.Unlock()
	return s.next(ctx)
}

func (s *mockSession) sentMessages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

// mockRuntime hands out sessions produced by factory and counts them.
type mockRuntime struct {
	mu      sync.Mutex
	factory func() *mockSession
	created []*mockSession
	configs []genai.SessionConfig
	err     error
}

func (r *mockRuntime) NewSession(cfg genai.SessionConfig) (genai.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	s := r.factory()
	r.created = append(r.created, s)
	r.configs = append(r.configs, cfg)
	return s, nil
}

func (r *mockRuntime) Close() error { return nil }

func (r *mockRuntime) sessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.created)
}

func (r *mockRuntime) last() *mockSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.created) == 0 {
		return nil
	}
	return r.created[len(r.created)-1]
}

func textReply(text string) *genai.Reply {
	return &genai.Reply{Text: text}
}

func toolReply(id, name, args string) *genai.Reply {
	return &genai.Reply{ToolCalls: []models.ToolCall{{ID: id, Type: "function", Function: models.FunctionCall{Name: name, Arguments: []byte(args)}}}}
}

// repeatText returns a factory whose sessions answer every message with text.
func repeatText(text string) func() *mockSession {
	return func() *mockSession {
		replies := make([]*genai.Reply, 20)
		for i := range replies {
			replies[i] = textReply(text)
		}
		return &mockSession{replies: replies}
	}
}
