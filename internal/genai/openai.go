package genai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/BTreeMap/WellnessCoach/internal/models"
	"github.com/openai/openai-go"
	openaiopt "github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"
)

// DefaultOpenAIModel is used when no model is configured.
const DefaultOpenAIModel = openai.ChatModelGPT4oMini

// DefaultMaxHistoryMessages bounds the messages kept per OpenAI session.
const DefaultMaxHistoryMessages = 60

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// completionsAdapter adapts the SDK completions service to chatService.
type completionsAdapter struct {
	svc *openai.ChatCompletionService
}

func (a completionsAdapter) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := a.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration for the OpenAI runtime.
type Opts struct {
	APIKey      string
	Model       string
	Temperature float64
	MaxHistory  int
}

// Option modifies Opts.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the chat model name.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithMaxHistory bounds the number of messages a session retains.
func WithMaxHistory(n int) Option {
	return func(o *Opts) { o.MaxHistory = n }
}

// OpenAIRuntime runs sessions on OpenAI chat completions with function tools.
type OpenAIRuntime struct {
	chat        chatService
	model       string
	temperature float64
	maxHistory  int
}

// NewOpenAIRuntime creates a runtime. The API key falls back to OPENAI_API_KEY.
func NewOpenAIRuntime(opts ...Option) (*OpenAIRuntime, error) {
	cfg := Opts{Temperature: 0.3, MaxHistory: DefaultMaxHistoryMessages}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		slog.Error("OpenAIRuntime.New: API key not set")
		return nil, fmt.Errorf("%w: OPENAI_API_KEY not set", ErrConfiguration)
	}
	if cfg.Model == "" {
		cfg.Model = DefaultOpenAIModel
	}
	cli := openai.NewClient(openaiopt.WithAPIKey(cfg.APIKey))
	slog.Debug("OpenAIRuntime.New: client created", "model", cfg.Model)
	return &OpenAIRuntime{
		chat:        completionsAdapter{svc: &cli.Chat.Completions},
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxHistory:  cfg.MaxHistory,
	}, nil
}

// NewSession starts a conversation seeded with the system instruction.
func (r *OpenAIRuntime) NewSession(cfg SessionConfig) (Session, error) {
	s := &openAISession{runtime: r, tools: toOpenAITools(cfg.Tools)}
	if cfg.SystemInstruction != "" {
		s.system = []openai.ChatCompletionMessageParamUnion{openai.SystemMessage(cfg.SystemInstruction)}
	}
	return s, nil
}

// Close releases nothing; the HTTP client is shared.
func (r *OpenAIRuntime) Close() error { return nil }

type openAISession struct {
	runtime  *OpenAIRuntime
	tools    []openai.ChatCompletionToolParam
	mu       sync.Mutex
	system   []openai.ChatCompletionMessageParamUnion
	messages []openai.ChatCompletionMessageParamUnion
}

func (s *openAISession) Send(ctx context.Context, text string) (*Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trim()
	s.messages = append(s.messages, openai.UserMessage(text))
	return s.complete(ctx)
}

func (s *openAISession) SubmitToolResults(ctx context.Context, results []models.ToolResult) (*Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, res := range results {
		content := res.Content
		if content == "" {
			content = "Tool executed successfully"
		}
		s.messages = append(s.messages, openai.ToolMessage(content, res.ToolCallID))
	}
	return s.complete(ctx)
}

func (s *openAISession) complete(ctx context.Context) (*Reply, error) {
	params := openai.ChatCompletionNewParams{
		Model:       s.runtime.model,
		Messages:    append(append([]openai.ChatCompletionMessageParamUnion{}, s.system...), s.messages...),
		Temperature: openai.Float(s.runtime.temperature),
	}
	if len(s.tools) > 0 {
		params.Tools = s.tools
	}

	resp, err := s.runtime.chat.Create(ctx, params)
	if err != nil {
		slog.Error("openAISession.complete: chat completion failed", "error", err, "messageCount", len(params.Messages))
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, ErrNoChoicesReturned
	}
	msg := resp.Choices[0].Message
	reply := &Reply{Text: msg.Content}

	if len(msg.ToolCalls) > 0 {
		calls := make([]openai.ChatCompletionMessageToolCallParam, 0, len(msg.ToolCalls))
		for _, tc := range msg.ToolCalls {
			reply.ToolCalls = append(reply.ToolCalls, models.ToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: models.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: json.RawMessage(tc.Function.Arguments),
				},
			})
			calls = append(calls, openai.ChatCompletionMessageToolCallParam{
				ID:   tc.ID,
				Type: "function",
				Function: openai.ChatCompletionMessageToolCallFunctionParam{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		assistant := openai.ChatCompletionAssistantMessageParam{
			Content: openai.ChatCompletionAssistantMessageParamContentUnion{
				OfString: param.NewOpt(msg.Content),
			},
			ToolCalls: calls,
		}
		s.messages = append(s.messages, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
	} else {
		s.messages = append(s.messages, openai.AssistantMessage(msg.Content))
	}

	slog.Debug("openAISession.complete: reply received", "contentLength", len(msg.Content), "toolCallCount", len(reply.ToolCalls))
	return reply, nil
}

// trim drops the oldest messages so the next request starts at a user
// message and never splits a tool call from its results.
func (s *openAISession) trim() {
	limit := s.runtime.maxHistory
	if limit <= 0 || len(s.messages) <= limit {
		return
	}
	for i := len(s.messages) - limit; i < len(s.messages); i++ {
		if s.messages[i].OfUser != nil {
			s.messages = append([]openai.ChatCompletionMessageParamUnion{}, s.messages[i:]...)
			return
		}
	}
	s.messages = nil
}

func toOpenAITools(defs []models.ToolDefinition) []openai.ChatCompletionToolParam {
	tools := make([]openai.ChatCompletionToolParam, 0, len(defs))
	for _, d := range defs {
		tools = append(tools, openai.ChatCompletionToolParam{
			Type: "function",
			Function: shared.FunctionDefinitionParam{
				Name:        d.Name,
				Description: openai.String(d.Description),
				Parameters:  shared.FunctionParameters(d.Parameters),
			},
		})
	}
	return tools
}
