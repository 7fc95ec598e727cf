package testutil

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/WellnessCoach/internal/models"
	"github.com/BTreeMap/WellnessCoach/internal/store"
)

// mockT records failures instead of stopping the test.
type mockT struct {
	failed bool
	msg    string
}

func (m *mockT) Helper() {}

func (m *mockT) Errorf(format string, args ...interface{}) {
	m.failed = true
	m.msg = fmt.Sprintf(format, args...)
}

func (m *mockT) Fatalf(format string, args ...interface{}) {
	m.Errorf(format, args...)
}

func TestAssertHTTPStatus(t *testing.T) {
	m := &mockT{}
	AssertHTTPStatus(m, 200, 200, "ok")
	if m.failed {
		t.Errorf("matching status should pass")
	}
	AssertHTTPStatus(m, 200, 404, "chat")
	if !m.failed || m.msg != "chat: expected status 200, got 404" {
		t.Errorf("mismatch should fail with context, got %q", m.msg)
	}
}

func TestAssertJSONResponse(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status string
		fail   bool
	}{
		{"matching status", `{"status":"ok","result":1}`, "ok", false},
		{"different status", `{"status":"error"}`, "ok", true},
		{"missing status", `{"chatResponse":"x"}`, "ok", true},
		{"not json", `oops`, "ok", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			rr.WriteString(tt.body)
			m := &mockT{}
			AssertJSONResponse(m, rr, tt.status)
			if m.failed != tt.fail {
				t.Errorf("failed=%v, want %v (%s)", m.failed, tt.fail, m.msg)
			}
		})
	}
}

func TestCreateJSONRequest(t *testing.T) {
	req := CreateJSONRequest(t, http.MethodPost, "/chat", models.ChatRequest{UserID: "u1", SessionID: "s1", Message: "hi"})
	if req.Header.Get("Content-Type") != "application/json" {
		t.Errorf("missing content type")
	}
	var got models.ChatRequest
	MustUnmarshalJSON(t, mustRead(t, req), &got)
	if got.UserID != "u1" || got.Message != "hi" {
		t.Errorf("body not encoded: %+v", got)
	}

	raw := CreateJSONRequest(t, http.MethodPost, "/chat", `{"userId":`)
	if string(mustRead(t, raw)) != `{"userId":` {
		t.Errorf("string bodies should be sent verbatim")
	}
	if empty := CreateJSONRequest(t, http.MethodGet, "/", nil); len(mustRead(t, empty)) != 0 {
		t.Errorf("nil body should be empty")
	}
}

func mustRead(t *testing.T, req *http.Request) []byte {
	t.Helper()
	data, err := io.ReadAll(req.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return data
}

func TestSeedHelpers(t *testing.T) {
	st := store.NewInMemoryStore()
	SeedUser(t, st, "u1", models.StatusRoutineInProgress, `{"name":"김철수"}`)
	SeedTurns(t, st, "u1", "s1", [2]string{"q1", "a1"}, [2]string{"q2", "a2"})

	turns := AssertTurnCount(t, st, "u1", 2, "seeded")
	if turns[0].Query != "q1" || turns[1].ResponseText != "a2" {
		t.Errorf("turns out of order: %+v", turns)
	}
	m := &mockT{}
	AssertTurnCount(m, st, "u1", 3, "wrong")
	if !m.failed {
		t.Errorf("count mismatch should fail")
	}
}

func TestMustMarshalJSON(t *testing.T) {
	data := MustMarshalJSON(t, map[string]string{"key": "value"})
	if string(data) != `{"key":"value"}` {
		t.Errorf("unexpected JSON %s", data)
	}
	m := &mockT{}
	MustMarshalJSON(m, make(chan int))
	if !m.failed {
		t.Errorf("unmarshalable value should fail")
	}
}
