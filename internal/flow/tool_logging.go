package flow

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/BTreeMap/WellnessCoach/internal/models"
)

const toolLogLimit = 1024

func truncateForLog(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > toolLogLimit {
		return strings.ToValidUTF8(s[:toolLogLimit], "") + "...(truncated)"
	}
	return s
}

func formatToolArgumentsForLog(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	return truncateForLog(string(raw))
}

func logToolResult(userID string, round int, call models.ToolCall, res models.ToolResult) {
	slog.Debug("Bridge.Invoke: tool call finished",
		"userID", userID,
		"round", round,
		"tool", call.Function.Name,
		"toolCallID", call.ID,
		"arguments", formatToolArgumentsForLog(call.Function.Arguments),
		"success", res.Success,
		"result", truncateForLog(res.Content))
}
