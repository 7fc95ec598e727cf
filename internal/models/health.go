package models

import (
	"bytes"
	"encoding/json"
	"math"
)

// Health data section keys as sent by the mobile client.
const (
	SectionUserProfile = "user_profile"
	SectionTimeseries  = "timeseries_data"
	SectionSleep       = "sleep_data"
	SectionExercise    = "exercise_data"
	SectionNutrition   = "nutrition_data"
	SectionVitals      = "vitals_data"
)

// HealthData is the caller-supplied health payload. Sections are kept raw so
// they can be re-embedded into prompts without loss.
type HealthData map[string]json.RawMessage

// IsEmpty reports whether no section is present.
func (h HealthData) IsEmpty() bool {
	return len(h) == 0
}

// Section returns the raw JSON of a section, or nil when absent or null.
func (h HealthData) Section(key string) json.RawMessage {
	if h == nil {
		return nil
	}
	raw, ok := h[key]
	if !ok || len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	return raw
}

// HasSection reports whether the section is present and not an empty value.
func (h HealthData) HasSection(key string) bool {
	raw, ok := h[key]
	return ok && !IsEmptyJSON(raw)
}

// TotalSteps reads exercise_data[0].stats.total_steps. Missing values count as zero.
func (h HealthData) TotalSteps() float64 {
	raw := h.Section(SectionExercise)
	if raw == nil {
		return 0
	}
	var entries []struct {
		Stats struct {
			TotalSteps json.Number `json:"total_steps"`
		} `json:"stats"`
	}
	if err := json.Unmarshal(raw, &entries); err != nil || len(entries) == 0 {
		return 0
	}
	n, err := entries[0].Stats.TotalSteps.Float64()
	if err != nil || math.IsNaN(n) {
		return 0
	}
	return n
}

// IsEmptyJSON reports whether raw is absent or a falsy JSON value:
// null, {}, [], "", 0 or false.
func IsEmptyJSON(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return true
	}
	switch string(trimmed) {
	case "null", "{}", "[]", `""`, "0", "false":
		return true
	}
	var v interface{}
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return false
	}
	switch t := v.(type) {
	case map[string]interface{}:
		return len(t) == 0
	case []interface{}:
		return len(t) == 0
	case float64:
		return t == 0
	}
	return false
}
