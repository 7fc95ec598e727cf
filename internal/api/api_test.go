package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/WellnessCoach/internal/flow"
	"github.com/BTreeMap/WellnessCoach/internal/models"
	"github.com/BTreeMap/WellnessCoach/internal/testutil"
	"github.com/prometheus/client_golang/prometheus"
)

type mockCoach struct {
	got  []models.ChatRequest
	resp models.ChatResponse
	err  error
}

func (m *mockCoach) HandleChat(ctx context.Context, req models.ChatRequest) (models.ChatResponse, error) {
	m.got = append(m.got, req)
	return m.resp, m.err
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, testutil.CreateJSONRequest(t, method, path, body))
	return rr
}

func TestRootHandler(t *testing.T) {
	s := NewServer(&mockCoach{}, WithGatherer(prometheus.NewRegistry()))
	rr := doRequest(t, s.Handler(), http.MethodGet, "/", "")
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "GET /")
	testutil.AssertJSONResponse(t, rr, "WellnessCoach AI Server is running")
}

func TestChatHandler_Success(t *testing.T) {
	coach := &mockCoach{resp: models.ChatResponse{
		ChatResponse: "[🚨 위험 요소] 수면 부족",
		Notification: &models.Notification{Title: "수면 부족 경고", Body: "b"},
	}}
	s := NewServer(coach, WithGatherer(prometheus.NewRegistry()))
	req := models.ChatRequest{
		UserID:     "u1",
		SessionID:  "s1",
		Message:    "안녕",
		HealthData: models.HealthData{"sleep_data": json.RawMessage(`{"hours":6}`)},
	}
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, testutil.CreateJSONRequest(t, http.MethodPost, "/chat", req))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var out map[string]interface{}
	testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &out)
	if out["chatResponse"] != "[🚨 위험 요소] 수면 부족" {
		t.Errorf("unexpected chatResponse %v", out["chatResponse"])
	}
	note, _ := out["notification"].(map[string]interface{})
	if note["title"] != "수면 부족 경고" {
		t.Errorf("unexpected notification %v", out["notification"])
	}
	if len(coach.got) != 1 || coach.got[0].UserID != "u1" || string(coach.got[0].HealthData["sleep_data"]) != `{"hours":6}` {
		t.Errorf("request not forwarded intact: %+v", coach.got)
	}
}

func TestChatHandler_OmitsEmptyNotification(t *testing.T) {
	s := NewServer(&mockCoach{resp: models.ChatResponse{ChatResponse: "그냥 안녕하세요"}}, WithGatherer(prometheus.NewRegistry()))
	rr := doRequest(t, s.Handler(), http.MethodPost, "/chat", `{"userId":"u","sessionId":"s","message":"hi"}`)
	if strings.Contains(rr.Body.String(), "notification") {
		t.Errorf("notification should be omitted: %s", rr.Body.String())
	}
}

func TestChatHandler_NotReady(t *testing.T) {
	s := NewServer(nil, WithGatherer(prometheus.NewRegistry()))
	rr := doRequest(t, s.Handler(), http.MethodPost, "/chat", `{"userId":"u","sessionId":"s","message":"hi"}`)
	testutil.AssertHTTPStatus(t, http.StatusServiceUnavailable, rr.Code, "nil coach")
	out := testutil.AssertJSONResponse(t, rr, "error")
	if out["error"] != "AI Manager is not initialized" {
		t.Errorf("unexpected body %v", out)
	}
}

func TestChatHandler_Errors(t *testing.T) {
	cases := []struct {
		name string
		body string
		err  error
		want int
	}{
		{"malformed json", `{"userId":`, nil, http.StatusBadRequest},
		{"validation", `{"userId":"u","sessionId":"s"}`, fmt.Errorf("%w: %w", flow.ErrInvalidRequest, models.ErrEmptyMessage), http.StatusBadRequest},
		{"lock timeout", `{"userId":"u","sessionId":"s","message":"m"}`, fmt.Errorf("%w: u", flow.ErrLockTimeout), http.StatusTooManyRequests},
		{"storage", `{"userId":"u","sessionId":"s","message":"m"}`, errors.New("database is locked"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := NewServer(&mockCoach{err: tc.err}, WithGatherer(prometheus.NewRegistry()))
			rr := doRequest(t, s.Handler(), http.MethodPost, "/chat", tc.body)
			if rr.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rr.Code, rr.Body.String())
			}
			testutil.AssertJSONResponse(t, rr, "error")
			if strings.Contains(rr.Body.String(), "database is locked") {
				t.Errorf("internal error leaked: %s", rr.Body.String())
			}
		})
	}
}

func TestRouting(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "wellness_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()
	s := NewServer(&mockCoach{}, WithGatherer(reg))

	if rr := doRequest(t, s.Handler(), http.MethodGet, "/chat", ""); rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /chat: expected 405, got %d", rr.Code)
	}
	if rr := doRequest(t, s.Handler(), http.MethodGet, "/healthz", ""); rr.Code != http.StatusOK {
		t.Errorf("GET /healthz: expected 200, got %d", rr.Code)
	}
	rr := doRequest(t, s.Handler(), http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "wellness_test_total 1") {
		t.Errorf("GET /metrics: unexpected response %d %s", rr.Code, rr.Body.String())
	}
	if rr := doRequest(t, s.Handler(), http.MethodGet, "/nope", ""); rr.Code != http.StatusNotFound {
		t.Errorf("GET /nope: expected 404, got %d", rr.Code)
	}
}

func TestRun_GracefulShutdown(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	l.Close()

	s := NewServer(&mockCoach{}, WithAddr(addr), WithGatherer(prometheus.NewRegistry()), WithShutdownTimeout(time.Second))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	var resp *http.Response
	for i := 0; i < 50; i++ {
		resp, err = http.Get("http://" + addr + "/")
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("server did not start: %v", err)
	}
	resp.Body.Close()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shut down")
	}
}
