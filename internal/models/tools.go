// Package models defines tool structures for LLM function calling.
package models

import (
	"encoding/json"
)

// ToolCall represents a tool invocation requested by the agent.
type ToolCall struct {
	ID       string       `json:"id"`   // Tool call ID from the runtime
	Type     string       `json:"type"` // Always "function"
	Function FunctionCall `json:"function"`
}

// FunctionCall represents the function details within a tool call.
type FunctionCall struct {
	Name      string          `json:"name"`      // Function name (e.g., "get_weather")
	Arguments json.RawMessage `json:"arguments"` // JSON arguments as raw message
}

// ToolResult represents the textual outcome of a tool call fed back to the agent.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`    // ID of the tool call this responds to
	Name       string `json:"name"`            // Tool name, required by some runtimes
	Success    bool   `json:"success"`         // Whether the tool execution succeeded
	Content    string `json:"content"`         // Human-readable result text
	Error      string `json:"error,omitempty"` // Underlying error if success is false
}

// ToolDefinition describes a tool to the agent runtime.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"` // JSON schema object
}
