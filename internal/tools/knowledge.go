package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/BTreeMap/WellnessCoach/internal/models"
	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// generator is the part of *genai.GenerativeModel the knowledge base uses.
type generator interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// KnowledgeBaseConfig configures ask_knowledge_base.
type KnowledgeBaseConfig struct {
	APIKey    string
	CacheName string
}

// KnowledgeBase answers questions from a Gemini cached-content corpus.
// The cache is loaded on first use.
type KnowledgeBase struct {
	cfg    KnowledgeBaseConfig
	mu     sync.Mutex
	client *genai.Client
	model  generator
}

// NewKnowledgeBase creates a lazily initialised knowledge base.
func NewKnowledgeBase(cfg KnowledgeBaseConfig) *KnowledgeBase {
	return &KnowledgeBase{cfg: cfg}
}

func (kb *KnowledgeBase) load(ctx context.Context) (generator, error) {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	if kb.model != nil {
		return kb.model, nil
	}
	if kb.cfg.APIKey == "" || kb.cfg.CacheName == "" {
		return nil, fmt.Errorf("%w: GOOGLE_AI_API_KEY and GEMINI_CACHE_NAME must be set", ErrConfiguration)
	}
	client, err := genai.NewClient(context.WithoutCancel(ctx), option.WithAPIKey(kb.cfg.APIKey))
	if err != nil {
		return nil, &ExternalServiceError{Service: "Gemini", Err: err}
	}
	cc, err := client.GetCachedContent(ctx, kb.cfg.CacheName)
	if err != nil {
		client.Close()
		return nil, &ExternalServiceError{Service: "Gemini cache", Err: err}
	}
	slog.Info("KnowledgeBase.load: cached content loaded", "name", cc.Name, "model", cc.Model)
	kb.client = client
	kb.model = client.GenerativeModelFromCachedContent(cc)
	return kb.model, nil
}

// Ask sends a question to the cached corpus.
func (kb *KnowledgeBase) Ask(ctx context.Context, question string) (string, error) {
	model, err := kb.load(ctx)
	if err != nil {
		return "", err
	}
	resp, err := model.GenerateContent(ctx, genai.Text(question))
	if err != nil {
		return "", &ExternalServiceError{Service: "Gemini", Err: err}
	}
	var sb strings.Builder
	if resp != nil && len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if t, ok := part.(genai.Text); ok {
				sb.WriteString(string(t))
			}
		}
	}
	if sb.Len() == 0 {
		return "지식 베이스에서 관련 내용을 찾지 못했습니다.", nil
	}
	return sb.String(), nil
}

// Tool exposes the knowledge base as ask_knowledge_base.
func (kb *KnowledgeBase) Tool() Tool {
	return Tool{
		Definition: models.ToolDefinition{
			Name:        "ask_knowledge_base",
			Description: "건강 관련 PDF 문서가 캐싱된 지식 베이스에 질문하여 답변을 얻습니다. 분석 중 과학적 근거를 찾을 때 사용합니다.",
			Parameters: objectSchema(map[string]interface{}{
				"question": stringParam("지식 베이스에 할 질문"),
			}, "question"),
		},
		Cacheable: true,
		Execute: func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args struct {
				Question string `json:"question"`
			}
			if err := DecodeArgs(raw, &args); err != nil {
				return "", err
			}
			if err := requireString("question", args.Question); err != nil {
				return "", err
			}
			return kb.Ask(ctx, args.Question)
		},
	}
}

// Close releases the Gemini client if it was created.
func (kb *KnowledgeBase) Close() error {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	if kb.client != nil {
		return kb.client.Close()
	}
	return nil
}
