package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"

	"github.com/BTreeMap/WellnessCoach/internal/models"
)

// RequestData is the per-request data visible to tools.
type RequestData struct {
	UserID     string
	HealthData models.HealthData
	Profile    json.RawMessage
}

type requestDataKey struct{}

// WithRequestData attaches request data to ctx.
func WithRequestData(ctx context.Context, d RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, d)
}

// RequestDataFrom returns the request data attached to ctx.
func RequestDataFrom(ctx context.Context) (RequestData, bool) {
	d, ok := ctx.Value(requestDataKey{}).(RequestData)
	return d, ok
}

const noHealthDataMessage = `{"error":"현재 요청과 저장소 모두에 사용자 건강 데이터가 존재하지 않습니다."}`

// HealthDataTool returns the current request's health data merged with the stored profile.
func HealthDataTool() Tool {
	return Tool{
		Definition: models.ToolDefinition{
			Name:        "get_health_data",
			Description: "사용자의 최신 건강 데이터(수면, 운동, 영양, 생체 신호)와 프로필을 JSON으로 가져옵니다.",
			Parameters:  objectSchema(map[string]interface{}{}),
		},
		Execute: func(ctx context.Context, _ json.RawMessage) (string, error) {
			d, ok := RequestDataFrom(ctx)
			if !ok {
				slog.Warn("get_health_data: no request data in context")
				return noHealthDataMessage, nil
			}
			merged := make(map[string]json.RawMessage, len(d.HealthData)+1)
			for k, v := range d.HealthData {
				merged[k] = v
			}
			if d.HealthData.Section(models.SectionUserProfile) == nil && len(bytes.TrimSpace(d.Profile)) > 0 {
				merged[models.SectionUserProfile] = d.Profile
			}
			if len(merged) == 0 {
				return noHealthDataMessage, nil
			}
			var buf bytes.Buffer
			enc := json.NewEncoder(&buf)
			enc.SetEscapeHTML(false)
			if err := enc.Encode(merged); err != nil {
				return "", err
			}
			slog.Debug("get_health_data: returning data", "userID", d.UserID, "sections", len(merged))
			return string(bytes.TrimRight(buf.Bytes(), "\n")), nil
		},
	}
}
