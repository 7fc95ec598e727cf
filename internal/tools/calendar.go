package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/WellnessCoach/internal/models"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

const (
	// CalendarTimeZone is the zone attached to created events.
	CalendarTimeZone = "Asia/Seoul"
	// CalendarEventDescription is the description of every created event.
	CalendarEventDescription = "WellnessCoachAI를 통해 생성된 일정입니다."
	// MaxRecurrenceWeeks bounds recurring events.
	MaxRecurrenceWeeks = 52
)

// CalendarConfig configures the Google Calendar tools. CredentialsFile is
// the OAuth client JSON; TokenFile is a previously authorized user token.
type CalendarConfig struct {
	CredentialsFile string
	TokenFile       string
	// Endpoint overrides the API base URL and disables authentication.
	Endpoint string
}

func (c CalendarConfig) service(ctx context.Context) (*calendar.Service, error) {
	if c.Endpoint != "" {
		return calendar.NewService(ctx, option.WithEndpoint(c.Endpoint), option.WithoutAuthentication())
	}
	if c.CredentialsFile == "" || c.TokenFile == "" {
		return nil, fmt.Errorf("%w: GOOGLE_CALENDAR_CREDENTIALS and GOOGLE_CALENDAR_TOKEN must be set", ErrConfiguration)
	}
	creds, err := os.ReadFile(c.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("%w: read credentials: %v", ErrConfiguration, err)
	}
	conf, err := google.ConfigFromJSON(creds, calendar.CalendarEventsScope)
	if err != nil {
		return nil, fmt.Errorf("%w: parse credentials: %v", ErrConfiguration, err)
	}
	tokenBytes, err := os.ReadFile(c.TokenFile)
	if err != nil {
		return nil, fmt.Errorf("%w: read token: %v", ErrConfiguration, err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(tokenBytes, &tok); err != nil {
		return nil, fmt.Errorf("%w: parse token: %v", ErrConfiguration, err)
	}
	return calendar.NewService(ctx, option.WithTokenSource(conf.TokenSource(ctx, &tok)))
}

type calendarEventArgs struct {
	Title           string  `json:"title"`
	StartTime       string  `json:"start_time"`
	EndTime         string  `json:"end_time"`
	RecurrenceWeeks flexInt `json:"recurrence_weeks"`
}

func (a calendarEventArgs) validate() error {
	if err := requireString("title", a.Title); err != nil {
		return err
	}
	for field, v := range map[string]string{"start_time": a.StartTime, "end_time": a.EndTime} {
		if _, err := time.Parse(ISOLayout, v); err != nil {
			return fmt.Errorf("%w: %s must use %s format", ErrInvalidArguments, field, "YYYY-MM-DDTHH:MM:SS")
		}
	}
	return nil
}

// buildEvent converts arguments into an event in CalendarTimeZone.
func buildEvent(a calendarEventArgs, weeks int) *calendar.Event {
	ev := &calendar.Event{
		Summary:     a.Title,
		Description: CalendarEventDescription,
		Start:       &calendar.EventDateTime{DateTime: a.StartTime, TimeZone: CalendarTimeZone},
		End:         &calendar.EventDateTime{DateTime: a.EndTime, TimeZone: CalendarTimeZone},
	}
	if weeks > 0 {
		ev.Recurrence = []string{fmt.Sprintf("RRULE:FREQ=WEEKLY;COUNT=%d", weeks)}
	}
	return ev
}

func calendarParams(recurring bool) map[string]interface{} {
	props := map[string]interface{}{
		"title":      stringParam("일정 제목"),
		"start_time": stringParam("시작 시간 (YYYY-MM-DDTHH:MM:SS 형식, convert_natural_time_to_iso 결과 사용)"),
		"end_time":   stringParam("종료 시간 (YYYY-MM-DDTHH:MM:SS 형식)"),
	}
	if recurring {
		props["recurrence_weeks"] = map[string]interface{}{"type": "integer", "description": "매주 반복할 총 주(week) 수"}
		return objectSchema(props, "title", "start_time", "end_time", "recurrence_weeks")
	}
	return objectSchema(props, "title", "start_time", "end_time")
}

func insertEvent(ctx context.Context, cfg CalendarConfig, ev *calendar.Event) (*calendar.Event, error) {
	svc, err := cfg.service(ctx)
	if err != nil {
		return nil, err
	}
	created, err := svc.Events.Insert("primary", ev).Context(ctx).Do()
	if err != nil {
		return nil, &ExternalServiceError{Service: "Google Calendar", Err: err}
	}
	slog.Info("calendar: event created", "summary", ev.Summary, "recurring", len(ev.Recurrence) > 0)
	return created, nil
}

// CalendarSingleEventTool creates a one-off event on the primary calendar.
func CalendarSingleEventTool(cfg CalendarConfig) Tool {
	return Tool{
		Definition: models.ToolDefinition{
			Name:        "google_calendar_create_single_event",
			Description: "주어진 제목과 시간으로 구글 캘린더에 단일 일정을 생성합니다.",
			Parameters:  calendarParams(false),
		},
		Execute: func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args calendarEventArgs
			if err := DecodeArgs(raw, &args); err != nil {
				return "", err
			}
			if err := args.validate(); err != nil {
				return "", err
			}
			created, err := insertEvent(ctx, cfg, buildEvent(args, 0))
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("✅ 구글 캘린더에 '%s' 일정을 성공적으로 등록했습니다. 링크: %s", args.Title, created.HtmlLink), nil
		},
	}
}

// CalendarRecurringEventTool creates a weekly recurring event on the primary calendar.
func CalendarRecurringEventTool(cfg CalendarConfig) Tool {
	return Tool{
		Definition: models.ToolDefinition{
			Name:        "google_calendar_create_recurring_event",
			Description: "주어진 제목과 시간으로 구글 캘린더에 매주 반복되는 일정을 생성합니다.",
			Parameters:  calendarParams(true),
		},
		Execute: func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args calendarEventArgs
			if err := DecodeArgs(raw, &args); err != nil {
				return "", err
			}
			if err := args.validate(); err != nil {
				return "", err
			}
			weeks := int(args.RecurrenceWeeks)
			if weeks < 1 || weeks > MaxRecurrenceWeeks {
				return "", fmt.Errorf("%w: recurrence_weeks must be between 1 and %d", ErrInvalidArguments, MaxRecurrenceWeeks)
			}
			created, err := insertEvent(ctx, cfg, buildEvent(args, weeks))
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("✅ 구글 캘린더에 '%s' 일정을 %d주 동안 반복되도록 등록했습니다. 링크: %s", args.Title, weeks, created.HtmlLink), nil
		},
	}
}

// flexInt accepts a JSON number or a numeric string.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("not a number: %s", s)
	}
	*f = flexInt(n)
	return nil
}
