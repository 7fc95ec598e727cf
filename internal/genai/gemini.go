package genai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/BTreeMap/WellnessCoach/internal/models"
	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// DefaultGeminiModel is used when no Gemini model is configured.
const DefaultGeminiModel = "gemini-2.0-flash"

// geminiChat is the part of *genai.ChatSession a session uses.
type geminiChat interface {
	SendMessage(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// GeminiRuntime runs sessions on Gemini with function declarations.
type GeminiRuntime struct {
	client *genai.Client
	model  string
}

// NewGeminiRuntime creates a Gemini runtime. The API key falls back to GOOGLE_AI_API_KEY.
func NewGeminiRuntime(ctx context.Context, opts ...Option) (*GeminiRuntime, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("GOOGLE_AI_API_KEY")
	}
	if cfg.APIKey == "" {
		slog.Error("GeminiRuntime.New: API key not set")
		return nil, fmt.Errorf("%w: GOOGLE_AI_API_KEY not set", ErrConfiguration)
	}
	if cfg.Model == "" {
		cfg.Model = DefaultGeminiModel
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	slog.Debug("GeminiRuntime.New: client created", "model", cfg.Model)
	return &GeminiRuntime{client: client, model: cfg.Model}, nil
}

// NewSession starts a chat on a freshly configured model.
func (r *GeminiRuntime) NewSession(cfg SessionConfig) (Session, error) {
	model := r.client.GenerativeModel(r.model)
	if cfg.SystemInstruction != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(cfg.SystemInstruction)}}
	}
	if len(cfg.Tools) > 0 {
		model.Tools = []*genai.Tool{{FunctionDeclarations: toFunctionDeclarations(cfg.Tools)}}
	}
	return newGeminiSession(model.StartChat()), nil
}

// Close closes the Gemini client.
func (r *GeminiRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

type geminiSession struct {
	chat geminiChat
	mu   sync.Mutex
	seq  int
}

func newGeminiSession(chat geminiChat) *geminiSession {
	return &geminiSession{chat: chat}
}

func (s *geminiSession) Send(ctx context.Context, text string) (*Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.send(ctx, genai.Text(text))
}

func (s *geminiSession) SubmitToolResults(ctx context.Context, results []models.ToolResult) (*Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	parts := make([]genai.Part, 0, len(results))
	for _, res := range results {
		response := map[string]any{"result": res.Content}
		if !res.Success && res.Error != "" {
			response["error"] = res.Error
		}
		parts = append(parts, genai.FunctionResponse{Name: res.Name, Response: response})
	}
	return s.send(ctx, parts...)
}

func (s *geminiSession) send(ctx context.Context, parts ...genai.Part) (*Reply, error) {
	resp, err := s.chat.SendMessage(ctx, parts...)
	if err != nil {
		slog.Error("geminiSession.send: gemini api error", "error", err)
		return nil, fmt.Errorf("gemini api error: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, ErrNoChoicesReturned
	}

	reply := &Reply{}
	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		switch p := part.(type) {
		case genai.Text:
			text.WriteString(string(p))
		case genai.FunctionCall:
			args, err := json.Marshal(p.Args)
			if err != nil {
				args = []byte("{}")
			}
			// Gemini function calls carry no ID; results are matched by name.
			s.seq++
			reply.ToolCalls = append(reply.ToolCalls, models.ToolCall{
				ID:       fmt.Sprintf("gemini_call_%d", s.seq),
				Type:     "function",
				Function: models.FunctionCall{Name: p.Name, Arguments: args},
			})
		}
	}
	reply.Text = text.String()
	slog.Debug("geminiSession.send: reply received", "contentLength", len(reply.Text), "toolCallCount", len(reply.ToolCalls))
	return reply, nil
}

func toFunctionDeclarations(defs []models.ToolDefinition) []*genai.FunctionDeclaration {
	decls := make([]*genai.FunctionDeclaration, 0, len(defs))
	for _, d := range defs {
		decl := &genai.FunctionDeclaration{Name: d.Name, Description: d.Description}
		if len(d.Parameters) > 0 {
			decl.Parameters = toSchema(d.Parameters)
		}
		decls = append(decls, decl)
	}
	return decls
}

// toSchema converts a JSON schema object into a Gemini schema.
func toSchema(m map[string]interface{}) *genai.Schema {
	s := &genai.Schema{}
	switch t, _ := m["type"].(string); t {
	case "object":
		s.Type = genai.TypeObject
	case "array":
		s.Type = genai.TypeArray
	case "integer":
		s.Type = genai.TypeInteger
	case "number":
		s.Type = genai.TypeNumber
	case "boolean":
		s.Type = genai.TypeBoolean
	default:
		s.Type = genai.TypeString
	}
	if desc, ok := m["description"].(string); ok {
		s.Description = desc
	}
	s.Enum = stringSlice(m["enum"])
	s.Required = stringSlice(m["required"])
	if props, ok := m["properties"].(map[string]interface{}); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, raw := range props {
			if pm, ok := raw.(map[string]interface{}); ok {
				s.Properties[name] = toSchema(pm)
			}
		}
	}
	if items, ok := m["items"].(map[string]interface{}); ok {
		s.Items = toSchema(items)
	}
	return s
}

func stringSlice(v interface{}) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []interface{}:
		out := make([]string, 0, len(vals))
		for _, x := range vals {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
