// Package health decides whether a health data payload carries enough signal
// for a full analysis, and provides the questionnaire sent when it does not.
package health

import (
	"log/slog"

	"github.com/BTreeMap/WellnessCoach/internal/models"
)

// RequiredSections must be present and non-empty for an analysis.
var RequiredSections = []string{models.SectionSleep, models.SectionExercise}

// IsSufficient reports whether payload has sleep and exercise data and a
// nonzero step count. A nil payload is insufficient.
func IsSufficient(payload models.HealthData) bool {
	if payload.IsEmpty() {
		slog.Debug("health.IsSufficient: no health data supplied")
		return false
	}
	for _, key := range RequiredSections {
		if !payload.HasSection(key) {
			slog.Debug("health.IsSufficient: required section missing or empty", "section", key)
			return false
		}
	}
	if payload.TotalSteps() == 0 {
		slog.Debug("health.IsSufficient: total steps is zero")
		return false
	}
	slog.Debug("health.IsSufficient: payload is sufficient")
	return true
}

const questionnaire = `정확한 분석을 위해 몇 가지 추가 정보가 필요해요. 😊
아래 질문에 간단하게 답변해주시겠어요?

1. 어젯밤 수면의 질은 어떠셨나요? (예: 푹 잤어요, 자주 깼어요)
2. 오늘 하루 스트레스는 어느 정도였나요? (예: 거의 없었어요, 스트레스가 심했어요)
3. 오늘 드신 주요 음식은 무엇인가요? (예: 점심에 샐러드, 저녁에 치킨)
4. 오늘 신체 활동량은 어땠나요? (예: 대부분 앉아 있었어요, 많이 걸었어요)
5. 현재 가장 개선하고 싶은 건강 목표가 있다면 알려주세요. (예: 체중 감량, 숙면)

답변을 모두 입력해주시면 바로 분석해 드릴게요!`

// Questionnaire returns the survey shown when health data is insufficient.
func Questionnaire() string {
	return questionnaire
}
