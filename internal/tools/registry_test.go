package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/WellnessCoach/internal/models"
)

func call(id, name, args string) models.ToolCall {
	return models.ToolCall{ID: id, Type: "function", Function: models.FunctionCall{Name: name, Arguments: json.RawMessage(args)}}
}

type observed struct {
	mu    sync.Mutex
	calls []string
}

func (o *observed) record(tool, status string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, tool+":"+status)
}

func echoTool(name string, cacheable bool, counter *int) Tool {
	return Tool{
		Definition: models.ToolDefinition{Name: name, Description: "echo", Parameters: objectSchema(map[string]interface{}{"text": stringParam("text")}, "text")},
		Cacheable:  cacheable,
		Execute: func(ctx context.Context, raw json.RawMessage) (string, error) {
			*counter++
			var args struct {
				Text string `json:"text"`
			}
			if err := DecodeArgs(raw, &args); err != nil {
				return "", err
			}
			return "echo:" + args.Text, nil
		},
	}
}

func TestRegistry_ExecuteAndDefinitions(t *testing.T) {
	var n int
	obs := &observed{}
	r := NewRegistry(WithCallObserver(obs.record))
	r.Register(echoTool("b_echo", false, &n))
	r.Register(echoTool("a_echo", false, &n))

	defs := r.Definitions()
	if len(defs) != 2 || defs[0].Name != "a_echo" || defs[1].Name != "b_echo" {
		t.Fatalf("expected sorted definitions, got %+v", defs)
	}

	res := r.Execute(context.Background(), call("c1", "a_echo", `{"text":"hi"}`))
	if !res.Success || res.Content != "echo:hi" || res.ToolCallID != "c1" || res.Name != "a_echo" {
		t.Errorf("unexpected result %+v", res)
	}
	if len(obs.calls) != 1 || obs.calls[0] != "a_echo:success" {
		t.Errorf("unexpected observations %v", obs.calls)
	}
}

func TestRegistry_UnknownTool(t *testing.T) {
	obs := &observed{}
	r := NewRegistry(WithCallObserver(obs.record))
	res := r.Execute(context.Background(), call("c1", "launch_rocket", `{}`))
	if res.Success {
		t.Fatalf("expected failure for unknown tool")
	}
	if !strings.Contains(res.Content, "알 수 없는 도구") {
		t.Errorf("expected Korean unknown tool message, got %q", res.Content)
	}
	if obs.calls[0] != "launch_rocket:unknown" {
		t.Errorf("unexpected observation %v", obs.calls)
	}
}

func TestRegistry_RepairsMalformedArguments(t *testing.T) {
	var n int
	r := NewRegistry()
	r.Register(echoTool("echo", false, &n))
	res := r.Execute(context.Background(), call("c1", "echo", `{text: 'hi there',}`))
	if !res.Success || res.Content != "echo:hi there" {
		t.Errorf("expected repaired arguments, got %+v", res)
	}
}

func TestRegistry_ResultCache(t *testing.T) {
	cache, err := NewResultCache(8, time.Minute)
	if err != nil {
		t.Fatalf("NewResultCache: %v", err)
	}
	var cached, uncached int
	obs := &observed{}
	r := NewRegistry(WithResultCache(cache), WithCallObserver(obs.record))
	r.Register(echoTool("cached", true, &cached))
	r.Register(echoTool("uncached", false, &uncached))

	r.Execute(context.Background(), call("1", "cached", `{"text":"a"}`))
	res := r.Execute(context.Background(), call("2", "cached", `{ "text" : "a" }`))
	if cached != 1 {
		t.Errorf("expected one execution for equivalent arguments, got %d", cached)
	}
	if res.Content != "echo:a" || res.ToolCallID != "2" {
		t.Errorf("unexpected cached result %+v", res)
	}
	r.Execute(context.Background(), call("3", "cached", `{"text":"b"}`))
	if cached != 2 {
		t.Errorf("expected new execution for different arguments, got %d", cached)
	}

	r.Execute(context.Background(), call("4", "uncached", `{"text":"a"}`))
	r.Execute(context.Background(), call("5", "uncached", `{"text":"a"}`))
	if uncached != 2 {
		t.Errorf("non-cacheable tool should always execute, got %d", uncached)
	}
	if obs.calls[1] != "cached:cached" {
		t.Errorf("expected cached observation, got %v", obs.calls)
	}
}

func TestResultCache_Expiry(t *testing.T) {
	cache, _ := NewResultCache(4, time.Minute)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }
	cache.Add("k", "v")
	if v, ok := cache.Get("k"); !ok || v != "v" {
		t.Fatalf("expected fresh entry")
	}
	now = now.Add(2 * time.Minute)
	if _, ok := cache.Get("k"); ok {
		t.Errorf("expected entry to expire")
	}
	if cache.Len() != 0 {
		t.Errorf("expected expired entry to be removed")
	}
}

func TestUserMessage(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("%w: KEY not set", ErrConfiguration), "인증 정보가 설정되지 않았습니다"},
		{&ExternalServiceError{Service: "Naver", StatusCode: 401, Err: errors.New("unauthorized")}, "서버 오류가 발생했습니다 (코드: 401)"},
		{&ExternalServiceError{Service: "YouTube", Err: errors.New("dial tcp")}, "YouTube 요청 중 오류가 발생했습니다"},
		{fmt.Errorf("%w: query is required", ErrInvalidArguments), "입력값을 해석할 수 없습니다"},
		{context.DeadlineExceeded, "시간이 초과되었습니다"},
		{errors.New("boom"), "실행 중 오류가 발생했습니다: boom"},
	}
	for _, tc := range cases {
		if got := UserMessage("tool", tc.err); !strings.Contains(got, tc.want) {
			t.Errorf("UserMessage(%v) = %q, want substring %q", tc.err, got, tc.want)
		}
	}
}

func TestNewDefaultRegistry(t *testing.T) {
	r := NewDefaultRegistry(Config{})
	want := []string{
		"ask_knowledge_base",
		"convert_natural_time_to_iso",
		"find_nearby_places",
		"get_health_data",
		"get_weather",
		"google_calendar_create_recurring_event",
		"google_calendar_create_single_event",
		"search_naver_news",
		"youtube_search",
	}
	got := r.Names()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected tools %v", got)
	}
	for _, d := range r.Definitions() {
		if d.Description == "" || d.Parameters["type"] != "object" {
			t.Errorf("tool %s has incomplete definition", d.Name)
		}
	}

	// Unconfigured tools answer with a configuration message instead of failing the turn.
	res := r.Execute(context.Background(), call("1", "get_weather", `{"location":"Seoul"}`))
	if res.Success || !strings.Contains(res.Content, "인증 정보가 설정되지 않았습니다") {
		t.Errorf("expected configuration message, got %+v", res)
	}
	res = r.Execute(context.Background(), call("2", "ask_knowledge_base", `{"question":"수면"}`))
	if res.Success || !strings.Contains(res.Content, "인증 정보가 설정되지 않았습니다") {
		t.Errorf("expected configuration message, got %+v", res)
	}
	res = r.Execute(context.Background(), call("3", "google_calendar_create_single_event",
		`{"title":"걷기","start_time":"2025-10-20T07:00:00","end_time":"2025-10-20T07:30:00"}`))
	if res.Success || !strings.Contains(res.Content, "인증 정보가 설정되지 않았습니다") {
		t.Errorf("expected configuration message, got %+v", res)
	}
}

func TestHealthDataTool(t *testing.T) {
	tool := HealthDataTool()

	out, err := tool.Execute(context.Background(), nil)
	if err != nil || !strings.Contains(out, "error") {
		t.Errorf("expected error payload without request data, got %q (%v)", out, err)
	}

	ctx := WithRequestData(context.Background(), RequestData{
		UserID:     "u1",
		HealthData: models.HealthData{"sleep_data": json.RawMessage(`{"hours":6}`)},
		Profile:    json.RawMessage(`{"name":"김철수"}`),
	})
	out, err = tool.Execute(ctx, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var got map[string]json.RawMessage
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if string(got["sleep_data"]) != `{"hours":6}` || string(got["user_profile"]) != `{"name":"김철수"}` {
		t.Errorf("unexpected merged data %s", out)
	}

	// A profile in the payload wins over the stored one.
	ctx = WithRequestData(context.Background(), RequestData{
		HealthData: models.HealthData{"user_profile": json.RawMessage(`{"name":"이영희"}`)},
		Profile:    json.RawMessage(`{"name":"김철수"}`),
	})
	out, _ = tool.Execute(ctx, nil)
	if !strings.Contains(out, "이영희") || strings.Contains(out, "김철수") {
		t.Errorf("expected payload profile, got %s", out)
	}
}

func TestDecodeArgs(t *testing.T) {
	var v struct {
		Weeks flexInt `json:"recurrence_weeks"`
	}
	if err := DecodeArgs(json.RawMessage(`{"recurrence_weeks":"4"}`), &v); err != nil || v.Weeks != 4 {
		t.Errorf("expected numeric string to decode, got %d (%v)", v.Weeks, err)
	}
	if err := DecodeArgs(nil, &v); err != nil {
		t.Errorf("empty arguments should decode as an empty object: %v", err)
	}
	if err := DecodeArgs(json.RawMessage(`[1,2`), &v); !errors.Is(err, ErrInvalidArguments) {
		t.Errorf("expected ErrInvalidArguments, got %v", err)
	}
}
