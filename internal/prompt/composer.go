// Package prompt selects a prompt template for the user's status and renders
// it with health data, profile, conversation history and the user's query.
package prompt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/BTreeMap/WellnessCoach/internal/models"
)

// Placeholder tokens recognized in templates.
const (
	TokenUserGoal            = "((USER_GOAL))"
	TokenUserProfile         = "((USER_PROFILE))"
	TokenCurrentHealthData   = "((CURRENT_HEALTH_DATA))"
	TokenTimeseriesData      = "((TIMESERIES_DATA))"
	TokenSleepData           = "((SLEEP_DATA))"
	TokenExerciseData        = "((EXERCISE_DATA))"
	TokenNutritionData       = "((NUTRITION_DATA))"
	TokenVitalsData          = "((VITALS_DATA))"
	TokenConversationHistory = "((CONVERSATION_HISTORY))"
)

// QueryPrefix introduces the user's message when the template has no goal token.
const QueryPrefix = "Latest User Query: "

// BuiltinInstruction is used when no template file can be loaded at all.
const BuiltinInstruction = `당신은 사용자의 건강 데이터를 분석하고 맞춤형 웰니스 코칭을 제공하는 AI 코치입니다.
아래 대화 기록을 참고하여 사용자의 질문에 한국어로 친절하고 구체적으로 답변하세요.

[대화 기록]
((CONVERSATION_HISTORY))`

var (
	// ErrTemplateNotFound reports that the mapped template was missing and the default was used.
	ErrTemplateNotFound = errors.New("prompt template not found")
	// ErrTemplateUnavailable reports that the default template was also missing.
	ErrTemplateUnavailable = errors.New("default prompt template unavailable")
)

// MissingPlaceholderError reports a ((TOKEN)) left unrendered in the prompt.
type MissingPlaceholderError struct {
	Token    string
	Template TemplateName
}

func (e *MissingPlaceholderError) Error() string {
	return fmt.Sprintf("placeholder %s in template %s has no value", e.Token, e.Template)
}

var placeholderPattern = regexp.MustCompile(`\(\([A-Z0-9_]+\)\)`)

// Input carries everything a prompt may embed.
type Input struct {
	Status     models.UserStatus
	HealthData models.HealthData
	History    []string
	Query      string
	Profile    json.RawMessage // stored profile, used when the payload has none
}

// Result is a rendered prompt plus any non-fatal problems met while rendering.
type Result struct {
	Prompt   string
	Template TemplateName
	Warnings []error
}

// Composer renders prompts from templates supplied by a Loader.
type Composer struct {
	loader Loader
}

// NewComposer creates a Composer reading templates through loader.
func NewComposer(loader Loader) *Composer {
	return &Composer{loader: loader}
}

// Compose selects the template for in.Status and renders it. Template lookup
// failures degrade through the default template to BuiltinInstruction and are
// reported in Result.Warnings; only context cancellation is returned as an error.
func (c *Composer) Compose(ctx context.Context, in Input) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	name := TemplateFor(in.Status)
	var warnings []error
	text, err := c.load(name)
	if err != nil && name != DefaultTemplate {
		slog.Warn("Composer.Compose: template missing, falling back to default", "template", name, "error", err)
		warnings = append(warnings, fmt.Errorf("%w: %s: %v", ErrTemplateNotFound, name, err))
		name = DefaultTemplate
		text, err = c.load(name)
	}
	if err != nil {
		slog.Error("Composer.Compose: default template unavailable, using built-in instruction", "error", err)
		warnings = append(warnings, fmt.Errorf("%w: %v", ErrTemplateUnavailable, err))
		name = TemplateBuiltin
		text = BuiltinInstruction
	}

	rendered, missing := render(text, in)
	for _, token := range missing {
		slog.Warn("Composer.Compose: placeholder left unrendered", "template", name, "token", token)
		warnings = append(warnings, &MissingPlaceholderError{Token: token, Template: name})
	}
	if !strings.Contains(text, TokenUserGoal) {
		rendered = rendered + "\n\n" + QueryPrefix + in.Query
	}

	slog.Debug("Composer.Compose: prompt rendered", "status", in.Status, "template", name, "length", len(rendered), "warnings", len(warnings))
	return Result{Prompt: rendered, Template: name, Warnings: warnings}, nil
}

func (c *Composer) load(name TemplateName) (string, error) {
	if c.loader == nil {
		return "", errors.New("no template loader configured")
	}
	return c.loader.Load(name)
}

// render substitutes every recognized token in one pass and returns the
// tokens that remained unrecognized.
func render(text string, in Input) (string, []string) {
	values := values(in)
	var missing []string
	seen := make(map[string]bool)
	out := placeholderPattern.ReplaceAllStringFunc(text, func(token string) string {
		if v, ok := values[token]; ok {
			return v
		}
		if !seen[token] {
			seen[token] = true
			missing = append(missing, token)
		}
		return token
	})
	return out, missing
}

func values(in Input) map[string]string {
	profile := in.HealthData.Section(models.SectionUserProfile)
	if profile == nil && len(in.Profile) > 0 {
		profile = in.Profile
	}
	var current json.RawMessage
	if !in.HealthData.IsEmpty() {
		if b, err := marshalJSON(in.HealthData); err == nil {
			current = b
		}
	}
	return map[string]string{
		TokenUserGoal:            in.Query,
		TokenUserProfile:         jsonOr(profile, "{}"),
		TokenCurrentHealthData:   jsonOr(current, "{}"),
		TokenTimeseriesData:      jsonOr(in.HealthData.Section(models.SectionTimeseries), "[]"),
		TokenSleepData:           jsonOr(in.HealthData.Section(models.SectionSleep), "{}"),
		TokenExerciseData:        jsonOr(in.HealthData.Section(models.SectionExercise), "[]"),
		TokenNutritionData:       jsonOr(in.HealthData.Section(models.SectionNutrition), "{}"),
		TokenVitalsData:          jsonOr(in.HealthData.Section(models.SectionVitals), "{}"),
		TokenConversationHistory: strings.Join(in.History, "\n"),
	}
}

// jsonOr re-encodes raw without HTML escaping, or returns fallback when raw is absent.
func jsonOr(raw json.RawMessage, fallback string) string {
	if len(bytes.TrimSpace(raw)) == 0 {
		return fallback
	}
	b, err := marshalJSON(raw)
	if err != nil {
		return string(raw)
	}
	return string(b)
}

// marshalJSON encodes v keeping non-ASCII text and HTML characters verbatim.
func marshalJSON(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
