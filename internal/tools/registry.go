// Package tools implements the in-process tools the coaching agent may call.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/WellnessCoach/internal/models"
	"github.com/kaptinlin/jsonrepair"
)

var (
	// ErrConfiguration indicates a missing credential for a tool.
	ErrConfiguration = errors.New("tool is not configured")
	// ErrUnknownTool indicates the agent requested an unregistered tool.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrInvalidArguments indicates tool arguments that could not be decoded.
	ErrInvalidArguments = errors.New("invalid tool arguments")
)

// ExternalServiceError reports a failure from a third-party API.
type ExternalServiceError struct {
	Service    string
	StatusCode int
	Err        error
}

func (e *ExternalServiceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s returned status %d: %v", e.Service, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s request failed: %v", e.Service, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// ExecuteFunc runs a tool with raw JSON arguments and returns text for the agent.
type ExecuteFunc func(ctx context.Context, args json.RawMessage) (string, error)

// Tool is a callable tool.
type Tool struct {
	Definition models.ToolDefinition
	Execute    ExecuteFunc
	// Cacheable marks read-only tools whose results may be reused.
	Cacheable bool
}

// Call status values reported to observers.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusCached  = "cached"
	StatusUnknown = "unknown"
)

// CallObserver is notified after every tool call.
type CallObserver func(tool, status string, elapsed time.Duration)

// Registry maps tool names to tools.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	cache    *ResultCache
	observer CallObserver
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithResultCache reuses results of cacheable tools.
func WithResultCache(c *ResultCache) RegistryOption {
	return func(r *Registry) { r.cache = c }
}

// WithCallObserver sets a callback invoked after each call.
func WithCallObserver(o CallObserver) RegistryOption {
	return func(r *Registry) { r.observer = o }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Definition.Name] = t
	slog.Debug("Registry.Register: tool registered", "tool", t.Definition.Name, "cacheable", t.Cacheable)
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

// Definitions returns the tool definitions in name order.
func (r *Registry) Definitions() []models.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]models.ToolDefinition, 0, len(r.tools))
	for _, name := range r.namesLocked() {
		defs = append(defs, r.tools[name].Definition)
	}
	return defs
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute runs a tool call. Failures never escape as errors: they become a
// readable Korean message in the result so the agent can carry on.
func (r *Registry) Execute(ctx context.Context, call models.ToolCall) models.ToolResult {
	start := time.Now()
	name := call.Function.Name
	result := models.ToolResult{ToolCallID: call.ID, Name: name}

	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		slog.Warn("Registry.Execute: unknown tool call", "tool", name, "toolCallID", call.ID)
		result.Content = UserMessage(name, ErrUnknownTool)
		result.Error = ErrUnknownTool.Error()
		r.observe(name, StatusUnknown, start)
		return result
	}

	args := call.Function.Arguments
	var key string
	if tool.Cacheable && r.cache != nil {
		key = CacheKey(name, args)
		if content, hit := r.cache.Get(key); hit {
			slog.Debug("Registry.Execute: cache hit", "tool", name)
			result.Success = true
			result.Content = content
			r.observe(name, StatusCached, start)
			return result
		}
	}

	slog.Info("Registry.Execute: executing tool", "tool", name, "toolCallID", call.ID)
	content, err := tool.Execute(ctx, args)
	if err != nil {
		slog.Error("Registry.Execute: tool failed", "tool", name, "error", err)
		result.Content = UserMessage(name, err)
		result.Error = err.Error()
		r.observe(name, StatusError, start)
		return result
	}
	if key != "" {
		r.cache.Add(key, content)
	}
	result.Success = true
	result.Content = content
	r.observe(name, StatusSuccess, start)
	return result
}

func (r *Registry) observe(name, status string, start time.Time) {
	if r.observer != nil {
		r.observer(name, status, time.Since(start))
	}
}

// UserMessage converts a tool error into text the agent can relay.
func UserMessage(tool string, err error) string {
	var ext *ExternalServiceError
	var tpe *TimeParseError
	switch {
	case errors.Is(err, ErrUnknownTool):
		return fmt.Sprintf("❌ 알 수 없는 도구입니다: %s", tool)
	case errors.Is(err, ErrConfiguration):
		return fmt.Sprintf("'%s' 도구를 사용하기 위한 인증 정보가 설정되지 않았습니다.", tool)
	case errors.Is(err, ErrInvalidArguments):
		return fmt.Sprintf("❌ '%s' 도구의 입력값을 해석할 수 없습니다: %v", tool, err)
	case errors.As(err, &tpe):
		return fmt.Sprintf("오류: '%s'을(를) 시간으로 해석할 수 없습니다.", tpe.Expr)
	case errors.As(err, &ext):
		if ext.StatusCode != 0 {
			return fmt.Sprintf("%s 요청 중 서버 오류가 발생했습니다 (코드: %d).", ext.Service, ext.StatusCode)
		}
		return fmt.Sprintf("%s 요청 중 오류가 발생했습니다: %v", ext.Service, ext.Err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fmt.Sprintf("'%s' 도구 실행 시간이 초과되었습니다.", tool)
	default:
		return fmt.Sprintf("❌ '%s' 실행 중 오류가 발생했습니다: %v", tool, err)
	}
}

// DecodeArgs decodes tool arguments into v, repairing malformed JSON first.
func DecodeArgs(raw json.RawMessage, v interface{}) error {
	text := strings.TrimSpace(string(raw))
	if text == "" {
		text = "{}"
	}
	if err := json.Unmarshal([]byte(text), v); err == nil {
		return nil
	}
	repaired, err := jsonrepair.JSONRepair(text)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if err := json.Unmarshal([]byte(repaired), v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	slog.Debug("DecodeArgs: repaired malformed arguments", "original", text, "repaired", repaired)
	return nil
}

// stringParam builds a JSON schema property of type string.
func stringParam(description string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": description}
}

// objectSchema builds a JSON schema object with required properties.
func objectSchema(props map[string]interface{}, required ...string) map[string]interface{} {
	if required == nil {
		required = []string{}
	}
	return map[string]interface{}{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func requireString(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidArguments, field)
	}
	return nil
}
