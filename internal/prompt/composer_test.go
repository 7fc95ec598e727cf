package prompt

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BTreeMap/WellnessCoach/internal/models"
)

func testTemplates() MapLoader {
	return MapLoader{
		TemplateAnalytics:       "ANALYTICS goal=((USER_GOAL)) sleep=((SLEEP_DATA)) profile=((USER_PROFILE))",
		TemplateRoutineFeedback: "ROUTINE history:\n((CONVERSATION_HISTORY))",
		TemplateNewGoal:         "NEW_GOAL current=((CURRENT_HEALTH_DATA))",
	}
}

func TestTemplateFor(t *testing.T) {
	cases := map[models.UserStatus]TemplateName{
		models.StatusNeedsAnalysis:          TemplateAnalytics,
		models.StatusAwaitingSurveyResponse: TemplateAnalytics,
		models.StatusRoutineInProgress:      TemplateRoutineFeedback,
		models.StatusGoalAchieved:           TemplateNewGoal,
		models.UserStatus("SOMETHING_ELSE"): DefaultTemplate,
		models.UserStatus(""):               DefaultTemplate,
	}
	for status, want := range cases {
		if got := TemplateFor(status); got != want {
			t.Errorf("TemplateFor(%q) = %q, want %q", status, got, want)
		}
	}
}

func TestCompose_AnalyticsRendersGoalAndData(t *testing.T) {
	c := NewComposer(testTemplates())
	in := Input{
		Status: models.StatusNeedsAnalysis,
		HealthData: models.HealthData{
			"sleep_data":   json.RawMessage(`{"duration_hours": 5, "note": "<깊은 잠 부족>"}`),
			"user_profile": json.RawMessage(`{"name":"김철수"}`),
		},
		Query: "건강 분석해줘",
	}
	res, err := c.Compose(context.Background(), in)
	if err != nil {
		t.Fatalf("Compose returned error: %v", err)
	}
	if res.Template != TemplateAnalytics {
		t.Errorf("expected analytics template, got %q", res.Template)
	}
	if !strings.Contains(res.Prompt, "goal=건강 분석해줘") {
		t.Errorf("expected goal substituted, got %q", res.Prompt)
	}
	if !strings.Contains(res.Prompt, `"note":"<깊은 잠 부족>"`) {
		t.Errorf("expected unescaped Korean and HTML characters, got %q", res.Prompt)
	}
	if !strings.Contains(res.Prompt, `profile={"name":"김철수"}`) {
		t.Errorf("expected profile substituted, got %q", res.Prompt)
	}
	if strings.Contains(res.Prompt, QueryPrefix) {
		t.Errorf("query should not be appended when the template carries the goal token")
	}
	if len(res.Warnings) != 0 {
		t.Errorf("expected no warnings, got %v", res.Warnings)
	}
}

func TestCompose_RoutineAppendsQueryAndHistory(t *testing.T) {
	c := NewComposer(testTemplates())
	res, err := c.Compose(context.Background(), Input{
		Status:  models.StatusRoutineInProgress,
		History: []string{"User: 안녕", "AI: 안녕하세요"},
		Query:   "오늘 운동 어땠어?",
	})
	if err != nil {
		t.Fatalf("Compose returned error: %v", err)
	}
	if res.Template != TemplateRoutineFeedback {
		t.Errorf("expected routine_feedback template, got %q", res.Template)
	}
	if !strings.Contains(res.Prompt, "User: 안녕\nAI: 안녕하세요") {
		t.Errorf("expected history lines, got %q", res.Prompt)
	}
	if !strings.HasSuffix(res.Prompt, "\n\n"+QueryPrefix+"오늘 운동 어땠어?") {
		t.Errorf("expected query appended at the end, got %q", res.Prompt)
	}
}

func TestCompose_NewGoalUsesWholePayload(t *testing.T) {
	c := NewComposer(testTemplates())
	res, err := c.Compose(context.Background(), Input{
		Status:     models.StatusGoalAchieved,
		HealthData: models.HealthData{"vitals_data": json.RawMessage(`{"hr":60}`)},
		Query:      "다음 목표는?",
	})
	if err != nil {
		t.Fatalf("Compose returned error: %v", err)
	}
	if res.Template != TemplateNewGoal {
		t.Errorf("expected new_goal template, got %q", res.Template)
	}
	if !strings.Contains(res.Prompt, `current={"vitals_data":{"hr":60}}`) {
		t.Errorf("expected whole payload rendered, got %q", res.Prompt)
	}
}

func TestCompose_EmptyDataUsesDefaults(t *testing.T) {
	c := NewComposer(testTemplates())
	res, err := c.Compose(context.Background(), Input{Status: models.StatusNeedsAnalysis, Query: "q"})
	if err != nil {
		t.Fatalf("Compose returned error: %v", err)
	}
	if !strings.Contains(res.Prompt, "sleep={}") || !strings.Contains(res.Prompt, "profile={}") {
		t.Errorf("expected empty-object defaults, got %q", res.Prompt)
	}
}

func TestCompose_StoredProfileUsedWhenPayloadHasNone(t *testing.T) {
	c := NewComposer(testTemplates())
	res, err := c.Compose(context.Background(), Input{
		Status:  models.StatusNeedsAnalysis,
		Profile: json.RawMessage(`{"age":30}`),
	})
	if err != nil {
		t.Fatalf("Compose returned error: %v", err)
	}
	if !strings.Contains(res.Prompt, `profile={"age":30}`) {
		t.Errorf("expected stored profile, got %q", res.Prompt)
	}
}

func TestCompose_MissingTemplateFallsBackToDefault(t *testing.T) {
	loader := testTemplates()
	delete(loader, TemplateNewGoal)
	c := NewComposer(loader)
	res, err := c.Compose(context.Background(), Input{Status: models.StatusGoalAchieved, Query: "q"})
	if err != nil {
		t.Fatalf("Compose returned error: %v", err)
	}
	if res.Template != DefaultTemplate {
		t.Errorf("expected default template, got %q", res.Template)
	}
	if len(res.Warnings) != 1 || !errors.Is(res.Warnings[0], ErrTemplateNotFound) {
		t.Errorf("expected ErrTemplateNotFound warning, got %v", res.Warnings)
	}
}

func TestCompose_NoTemplatesUsesBuiltin(t *testing.T) {
	c := NewComposer(MapLoader{})
	res, err := c.Compose(context.Background(), Input{
		Status:  models.StatusRoutineInProgress,
		History: []string{"User: hi"},
		Query:   "hello",
	})
	if err != nil {
		t.Fatalf("Compose returned error: %v", err)
	}
	if res.Template != TemplateBuiltin {
		t.Errorf("expected builtin template, got %q", res.Template)
	}
	if !strings.Contains(res.Prompt, "User: hi") || !strings.HasSuffix(res.Prompt, QueryPrefix+"hello") {
		t.Errorf("unexpected builtin prompt: %q", res.Prompt)
	}
	var unavailable bool
	for _, w := range res.Warnings {
		if errors.Is(w, ErrTemplateUnavailable) {
			unavailable = true
		}
	}
	if !unavailable {
		t.Errorf("expected ErrTemplateUnavailable warning, got %v", res.Warnings)
	}
}

func TestCompose_UnknownPlaceholderLeftAndReported(t *testing.T) {
	c := NewComposer(MapLoader{TemplateAnalytics: "((USER_GOAL)) ((FAVORITE_COLOR)) ((FAVORITE_COLOR))"})
	res, err := c.Compose(context.Background(), Input{Status: models.StatusNeedsAnalysis, Query: "q"})
	if err != nil {
		t.Fatalf("Compose returned error: %v", err)
	}
	if !strings.Contains(res.Prompt, "((FAVORITE_COLOR))") {
		t.Errorf("expected unknown token left in place, got %q", res.Prompt)
	}
	if len(res.Warnings) != 1 {
		t.Fatalf("expected one warning, got %v", res.Warnings)
	}
	var mp *MissingPlaceholderError
	if !errors.As(res.Warnings[0], &mp) || mp.Token != "((FAVORITE_COLOR))" {
		t.Errorf("expected MissingPlaceholderError, got %v", res.Warnings[0])
	}
}

func TestCompose_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := NewComposer(testTemplates())
	if _, err := c.Compose(ctx, Input{Status: models.StatusNeedsAnalysis}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestDirLoader(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "analytics_prompt.txt"), []byte("  hello ((USER_GOAL))\n"), 0644); err != nil {
		t.Fatalf("write template: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "new_goal_prompt.txt"), []byte("   \n"), 0644); err != nil {
		t.Fatalf("write template: %v", err)
	}
	l := NewDirLoader(dir)

	text, err := l.Load(TemplateAnalytics)
	if err != nil {
		t.Fatalf("Load analytics: %v", err)
	}
	if text != "hello ((USER_GOAL))" {
		t.Errorf("expected trimmed template, got %q", text)
	}
	if _, err := l.Load(TemplateRoutineFeedback); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected not-exist error, got %v", err)
	}
	if _, err := l.Load(TemplateNewGoal); err == nil {
		t.Errorf("expected error for blank template")
	}
}

func TestShippedTemplatesRender(t *testing.T) {
	l := NewDirLoader(filepath.Join("..", "..", DefaultDir))
	c := NewComposer(l)
	for _, status := range models.AllUserStatuses() {
		res, err := c.Compose(context.Background(), Input{Status: status, Query: "테스트"})
		if err != nil {
			t.Fatalf("Compose(%s): %v", status, err)
		}
		if len(res.Warnings) != 0 {
			t.Errorf("Compose(%s) warnings: %v", status, res.Warnings)
		}
		if res.Template != TemplateFor(status) {
			t.Errorf("Compose(%s) used %q", status, res.Template)
		}
	}
}
