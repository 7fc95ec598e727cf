package util

import (
	"strings"
	"testing"
)

func TestGenerateRandomID(t *testing.T) {
	tests := []struct {
		name       string
		gen        func() string
		wantPrefix string
	}{
		{name: "outbox ID format", gen: GenerateOutboxID, wantPrefix: "outbox_"},
		{name: "analysis ID format", gen: GenerateAnalysisID, wantPrefix: "an_"},
		{name: "custom prefix", gen: func() string { return GenerateRandomID("test_") }, wantPrefix: "test_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := tt.gen()
			if !strings.HasPrefix(id, tt.wantPrefix) {
				t.Errorf("expected prefix %q, got %q", tt.wantPrefix, id)
			}
			if got := len(id) - len(tt.wantPrefix); got != 32 {
				t.Errorf("expected 32 hex chars after prefix, got %d (%q)", got, id)
			}
			if strings.Contains(id, "-") {
				t.Errorf("expected no dashes, got %q", id)
			}
		})
	}
}

func TestGenerateRandomIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := GenerateOutboxID()
		if seen[id] {
			t.Fatalf("duplicate ID generated: %s", id)
		}
		seen[id] = true
	}
}

func TestGenerateLockToken(t *testing.T) {
	a, b := GenerateLockToken(), GenerateLockToken()
	if a == "" || a == b {
		t.Errorf("expected distinct non-empty tokens, got %q and %q", a, b)
	}
}
