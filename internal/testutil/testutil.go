// Package testutil provides common test helpers for WellnessCoach packages.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"

	"github.com/BTreeMap/WellnessCoach/internal/models"
	"github.com/BTreeMap/WellnessCoach/internal/store"
)

// T is the subset of testing.TB the helpers use.
type T interface {
	Helper()
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t T, expected, actual int, label string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", label, expected, actual)
	}
}

// AssertJSONResponse decodes a JSON object response and validates its status field.
func AssertJSONResponse(t T, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode JSON response: %v (%s)", err, rr.Body.String())
		return nil
	}
	if status, _ := response["status"].(string); status != expectedStatus {
		t.Errorf("expected status %q, got %q", expectedStatus, response["status"])
	}
	return response
}

// CreateJSONRequest builds a request whose body is v encoded as JSON. A string
// body is sent verbatim so tests can post malformed JSON.
func CreateJSONRequest(t T, method, url string, v interface{}) *http.Request {
	t.Helper()
	var body []byte
	switch b := v.(type) {
	case nil:
	case string:
		body = []byte(b)
	default:
		body = MustMarshalJSON(t, v)
	}
	req := httptest.NewRequest(method, url, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

// SeedUser stores a status and, when non-empty, a profile for userID.
func SeedUser(t T, st store.Store, userID string, status models.UserStatus, profile string) {
	t.Helper()
	ctx := context.Background()
	if err := st.SetUserStatus(ctx, userID, status); err != nil {
		t.Fatalf("seed status for %s: %v", userID, err)
	}
	if profile != "" {
		if err := st.SaveUserProfile(ctx, userID, json.RawMessage(profile)); err != nil {
			t.Fatalf("seed profile for %s: %v", userID, err)
		}
	}
}

// SeedTurns appends query/response pairs to the conversation log in order.
func SeedTurns(t T, st store.Store, userID, sessionID string, pairs ...[2]string) {
	t.Helper()
	for _, p := range pairs {
		turn := models.ConversationTurn{UserID: userID, SessionID: sessionID, Query: p[0], ResponseText: p[1]}
		if err := st.SaveConversationTurn(context.Background(), turn); err != nil {
			t.Fatalf("seed turn for %s: %v", userID, err)
		}
	}
}

// AssertTurnCount validates the number of stored turns for userID.
func AssertTurnCount(t T, st store.Store, userID string, expected int, label string) []models.ConversationTurn {
	t.Helper()
	turns, err := st.GetConversationHistory(context.Background(), userID, 1000)
	if err != nil {
		t.Fatalf("%s: failed to load history: %v", label, err)
		return nil
	}
	if len(turns) != expected {
		t.Errorf("%s: expected %d turns, got %d", label, expected, len(turns))
	}
	return turns
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t T, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
