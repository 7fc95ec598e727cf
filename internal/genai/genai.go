// Package genai provides the agent runtimes used by WellnessCoach.
//
// A Runtime opens Sessions. A Session keeps the conversation context of one
// chat session and turns every model reply into a Reply event: either tool
// calls to execute or final text.
package genai

import (
	"context"
	"errors"
	"strings"

	"github.com/BTreeMap/WellnessCoach/internal/models"
)

// Provider names accepted by AGENT_PROVIDER.
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

var (
	// ErrConfiguration indicates a missing credential or setting.
	ErrConfiguration = errors.New("genai: missing configuration")
	// ErrNoChoicesReturned indicates the model returned an empty reply.
	ErrNoChoicesReturned = errors.New("no choices returned")
	// ErrUnknownProvider indicates an unsupported AGENT_PROVIDER value.
	ErrUnknownProvider = errors.New("unknown agent provider")
)

// SessionConfig configures a new Session.
type SessionConfig struct {
	SystemInstruction string
	Tools             []models.ToolDefinition
}

// Reply is one model turn.
type Reply struct {
	Text      string
	ToolCalls []models.ToolCall
}

// IsFinal reports whether the reply carries text and requests no tools.
func (r *Reply) IsFinal() bool {
	return r != nil && len(r.ToolCalls) == 0 && strings.TrimSpace(r.Text) != ""
}

// Session is a stateful conversation with the model.
type Session interface {
	// Send adds a user message and returns the model's reply.
	Send(ctx context.Context, text string) (*Reply, error)
	// SubmitToolResults answers the tool calls of the previous reply.
	SubmitToolResults(ctx context.Context, results []models.ToolResult) (*Reply, error)
}

// Runtime creates Sessions against one model provider.
type Runtime interface {
	NewSession(cfg SessionConfig) (Session, error)
	Close() error
}

// NormalizeProvider lower-cases a provider name, defaulting to OpenAI.
func NormalizeProvider(p string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(p)) {
	case "", ProviderOpenAI:
		return ProviderOpenAI, nil
	case ProviderGemini, "google":
		return ProviderGemini, nil
	default:
		return "", ErrUnknownProvider
	}
}
