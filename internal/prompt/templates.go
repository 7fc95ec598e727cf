package prompt

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/BTreeMap/WellnessCoach/internal/models"
)

// TemplateName identifies a prompt template.
type TemplateName string

const (
	TemplateAnalytics       TemplateName = "analytics"
	TemplateRoutineFeedback TemplateName = "routine_feedback"
	TemplateNewGoal         TemplateName = "new_goal"
	// TemplateBuiltin marks a prompt rendered from BuiltinInstruction.
	TemplateBuiltin TemplateName = "builtin"
)

// DefaultTemplate is used for unknown statuses and as the lookup fallback.
const DefaultTemplate = TemplateAnalytics

// DefaultDir is the template directory used when none is configured.
const DefaultDir = "prompts"

var statusTemplates = map[models.UserStatus]TemplateName{
	models.StatusNeedsAnalysis:          TemplateAnalytics,
	models.StatusAwaitingSurveyResponse: TemplateAnalytics,
	models.StatusRoutineInProgress:      TemplateRoutineFeedback,
	models.StatusGoalAchieved:           TemplateNewGoal,
}

// TemplateFor maps a user status to its template. Unknown statuses map to DefaultTemplate.
func TemplateFor(status models.UserStatus) TemplateName {
	if name, ok := statusTemplates[status]; ok {
		return name
	}
	return DefaultTemplate
}

// Loader returns the text of a named template.
type Loader interface {
	Load(name TemplateName) (string, error)
}

// DirLoader reads "<Dir>/<name>_prompt.txt" on every call, so edited
// templates take effect without a restart.
type DirLoader struct {
	Dir string
}

// NewDirLoader creates a DirLoader; an empty dir means DefaultDir.
func NewDirLoader(dir string) *DirLoader {
	if dir == "" {
		dir = DefaultDir
	}
	return &DirLoader{Dir: dir}
}

// Path returns the file path of a template.
func (l *DirLoader) Path(name TemplateName) string {
	return filepath.Join(l.Dir, string(name)+"_prompt.txt")
}

func (l *DirLoader) Load(name TemplateName) (string, error) {
	path := l.Path(name)
	content, err := os.ReadFile(path)
	if err != nil {
		slog.Debug("DirLoader.Load: failed to read template", "path", path, "error", err)
		return "", fmt.Errorf("failed to read template %s: %w", path, err)
	}
	text := strings.TrimSpace(string(content))
	if text == "" {
		return "", fmt.Errorf("template %s is empty", path)
	}
	return text, nil
}

// MapLoader serves templates from memory.
type MapLoader map[TemplateName]string

func (m MapLoader) Load(name TemplateName) (string, error) {
	text, ok := m[name]
	if !ok {
		return "", fmt.Errorf("template %s: %w", name, os.ErrNotExist)
	}
	return text, nil
}
