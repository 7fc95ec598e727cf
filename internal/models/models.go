// Package models defines the core data structures for WellnessCoach.
//
// It includes the chat request/response envelopes, user status values, conversation
// turns and analysis records shared across modules.
package models

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// UserStatus is the coarse conversation phase that drives template selection.
type UserStatus string

const (
	// StatusNeedsAnalysis means the user has not received an initial analysis yet.
	StatusNeedsAnalysis UserStatus = "NEEDS_ANALYSIS"
	// StatusAwaitingSurveyResponse means the user was sent the data questionnaire.
	StatusAwaitingSurveyResponse UserStatus = "AWAITING_SURVEY_RESPONSE"
	// StatusRoutineInProgress means the user is following a suggested routine.
	StatusRoutineInProgress UserStatus = "ROUTINE_IN_PROGRESS"
	// StatusGoalAchieved means the user reached their current goal.
	StatusGoalAchieved UserStatus = "GOAL_ACHIEVED"
)

// DefaultUserStatus is reported for users without a stored status.
const DefaultUserStatus = StatusNeedsAnalysis

// IsValid reports whether s is one of the known statuses.
func (s UserStatus) IsValid() bool {
	switch s {
	case StatusNeedsAnalysis, StatusAwaitingSurveyResponse, StatusRoutineInProgress, StatusGoalAchieved:
		return true
	default:
		return false
	}
}

// AllUserStatuses returns the known statuses in lifecycle order.
func AllUserStatuses() []UserStatus {
	return []UserStatus{StatusNeedsAnalysis, StatusAwaitingSurveyResponse, StatusRoutineInProgress, StatusGoalAchieved}
}

// ParseUserStatus normalizes a status string. Unknown values return false.
func ParseUserStatus(v string) (UserStatus, bool) {
	s := UserStatus(strings.ToUpper(strings.TrimSpace(v)))
	return s, s.IsValid()
}

// Validation errors for incoming chat requests.
var (
	ErrEmptyUserID    = errors.New("userId is required")
	ErrEmptySessionID = errors.New("sessionId is required")
	ErrEmptyMessage   = errors.New("message is required")
)

// MaxMessageLength bounds the user message accepted by the chat endpoint.
const MaxMessageLength = 8192

// ErrMessageTooLong is returned for messages exceeding MaxMessageLength.
var ErrMessageTooLong = errors.New("message exceeds maximum length")

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	UserID     string     `json:"userId"`
	SessionID  string     `json:"sessionId"`
	Message    string     `json:"message"`
	HealthData HealthData `json:"healthData,omitempty"`
}

// Validate checks the required request fields.
func (r *ChatRequest) Validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return ErrEmptyUserID
	}
	if strings.TrimSpace(r.SessionID) == "" {
		return ErrEmptySessionID
	}
	if strings.TrimSpace(r.Message) == "" {
		return ErrEmptyMessage
	}
	if len(r.Message) > MaxMessageLength {
		return ErrMessageTooLong
	}
	return nil
}

// Notification is a push-style alert synthesized from a risk marker.
type Notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// ChatResponse is the body returned by POST /chat.
type ChatResponse struct {
	ChatResponse string        `json:"chatResponse"`
	Notification *Notification `json:"notification,omitempty"`
}

// ConversationTurn is one user query plus one agent reply.
type ConversationTurn struct {
	UserID       string    `json:"user_id"`
	SessionID    string    `json:"session_id"`
	Query        string    `json:"query"`
	ResponseText string    `json:"response_text"`
	CreatedAt    time.Time `json:"created_at"`
}

// AnalysisRecord is a structured analysis emitted by the agent.
type AnalysisRecord struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	SessionID string          `json:"session_id"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// API Response types for consistent JSON responses

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Error   string      `json:"error,omitempty"`   // error description for failed requests
	Message string      `json:"message,omitempty"` // optional additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{
		response: APIResponse{},
	}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithError sets the error description of the API response.
func (b *APIResponseBuilder) WithError(message string) *APIResponseBuilder {
	b.response.Error = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// Error creates an error API response.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithError(message).
		Build()
}
