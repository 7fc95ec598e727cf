package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/WellnessCoach/internal/models"
)

// ISOLayout is the local timestamp format used by the calendar tools.
const ISOLayout = "2006-01-02T15:04:05"

// DefaultTimeZone is the zone natural time expressions are resolved in.
const DefaultTimeZone = "Asia/Seoul"

// TimeParseError reports an expression that could not be resolved.
type TimeParseError struct {
	Expr   string
	Reason string
}

func (e *TimeParseError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("cannot parse time expression %q: %s", e.Expr, e.Reason)
	}
	return fmt.Sprintf("cannot parse time expression %q", e.Expr)
}

// TimeParser resolves Korean and English relative time expressions such as
// "내일 저녁 7시 30분", "모레 20:15", "다음주 월요일 오전 9시" or
// "tomorrow 7pm". Times without a date resolve to their next occurrence.
type TimeParser struct {
	Now      func() time.Time
	Location *time.Location
}

// NewTimeParser creates a parser for DefaultTimeZone, falling back to UTC
// when zone data is unavailable.
func NewTimeParser() *TimeParser {
	loc, err := time.LoadLocation(DefaultTimeZone)
	if err != nil {
		loc = time.UTC
	}
	return &TimeParser{Now: time.Now, Location: loc}
}

var absoluteLayouts = []string{
	ISOLayout,
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006/01/02 15:04",
	"2006/01/02",
	"2006.01.02 15:04",
	"2006.01.02",
}

var (
	reOffsetKo   = regexp.MustCompile(`(\d+)\s*(분|시간|일|주|개월|달)\s*(?:후|뒤|있다가)`)
	reOffsetEn   = regexp.MustCompile(`(?:in\s+)?(\d+)\s*(minutes?|mins?|hours?|hrs?|days?|weeks?|months?)(?:\s+later|\s+from now)?`)
	reMonthDay   = regexp.MustCompile(`(?:(\d{4})\s*년\s*)?(\d{1,2})\s*월\s*(\d{1,2})\s*일`)
	reSlashDate  = regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})\b`)
	reWeekdayKo  = regexp.MustCompile(`(다다음\s*주|다음\s*주|담주|이번\s*주|이번주)?\s*([월화수목금토일])요일`)
	reWeekdayEn  = regexp.MustCompile(`(next|this)?\s*(monday|tuesday|wednesday|thursday|friday|saturday|sunday)`)
	reHourEn     = regexp.MustCompile(`(\d{1,2})(?::(\d{2}))?\s*(am|pm|a\.m\.|p\.m\.)`)
	reClock      = regexp.MustCompile(`(\d{1,2}):(\d{2})`)
	reHourKo     = regexp.MustCompile(`(\d{1,2})\s*시(?:\s*(\d{1,2})\s*분|\s*(반))?`)
	reHourNative = regexp.MustCompile(`(열두|열한|열|한|두|세|네|다섯|여섯|일곱|여덟|아홉)\s*시(?:\s*(\d{1,2})\s*분|\s*(반))?`)
)

var nativeHours = map[string]int{
	"한": 1, "두": 2, "세": 3, "네": 4, "다섯": 5, "여섯": 6,
	"일곱": 7, "여덟": 8, "아홉": 9, "열": 10, "열한": 11, "열두": 12,
}

type dayWord struct {
	word   string
	offset int
	period string
}

// Longer words first so "내일모레" is not read as "내일".
var dayWords = []dayWord{
	{"내일모레", 2, ""},
	{"day after tomorrow", 2, ""},
	{"글피", 3, ""},
	{"모레", 2, ""},
	{"내일", 1, ""},
	{"tomorrow", 1, ""},
	{"오늘", 0, ""},
	{"tonight", 0, periodNight},
	{"today", 0, ""},
	{"어제", -1, ""},
	{"yesterday", -1, ""},
}

const (
	periodAM    = "am"
	periodPM    = "pm"
	periodNoon  = "noon"
	periodNight = "night"
)

type periodWord struct {
	word        string
	period      string
	defaultHour int
}

var periodWords = []periodWord{
	{"새벽", periodAM, 6},
	{"아침", periodAM, 8},
	{"오전", periodAM, 9},
	{"점심", periodNoon, 12},
	{"정오", periodNoon, 12},
	{"오후", periodPM, 15},
	{"저녁", periodPM, 19},
	{"밤", periodNight, 21},
	{"morning", periodAM, 9},
	{"afternoon", periodPM, 15},
	{"noon", periodNoon, 12},
	{"evening", periodPM, 19},
	{"night", periodNight, 21},
}

var koWeekdays = map[string]time.Weekday{
	"월": time.Monday, "화": time.Tuesday, "수": time.Wednesday, "목": time.Thursday,
	"금": time.Friday, "토": time.Saturday, "일": time.Sunday,
}

var enWeekdays = map[string]time.Weekday{
	"monday": time.Monday, "tuesday": time.Tuesday, "wednesday": time.Wednesday, "thursday": time.Thursday,
	"friday": time.Friday, "saturday": time.Saturday, "sunday": time.Sunday,
}

type parseState struct {
	expr string
	s    string

	duration    time.Duration
	dayOffset   int
	monthOffset int
	relDate     bool

	year, month, day int
	dateSet          bool

	weekday     time.Weekday
	weekdaySet  bool
	weekShift   int // 0 next occurrence, 1 this week, 2 next week, 3 the week after
	hour        int
	minute      int
	timeSet     bool
	period      string
	periodHour  int
	matchedSome bool
}

// consume removes the first match of re from the working string.
func (st *parseState) consume(re *regexp.Regexp) []string {
	loc := re.FindStringSubmatchIndex(st.s)
	if loc == nil {
		return nil
	}
	m := make([]string, len(loc)/2)
	for i := range m {
		if loc[2*i] >= 0 {
			m[i] = st.s[loc[2*i]:loc[2*i+1]]
		}
	}
	st.s = st.s[:loc[0]] + " " + st.s[loc[1]:]
	st.matchedSome = true
	return m
}

func (st *parseState) consumeWord(w string) bool {
	if i := strings.Index(st.s, w); i >= 0 {
		st.s = st.s[:i] + " " + st.s[i+len(w):]
		st.matchedSome = true
		return true
	}
	return false
}

// Parse resolves expr relative to the parser's clock.
func (p *TimeParser) Parse(expr string) (time.Time, error) {
	loc := p.Location
	if loc == nil {
		loc = time.UTC
	}
	nowFn := p.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	now := nowFn().In(loc)

	s := strings.ToLower(strings.TrimSpace(expr))
	if s == "" {
		return time.Time{}, &TimeParseError{Expr: expr, Reason: "empty expression"}
	}
	for _, layout := range absoluteLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}

	st := &parseState{expr: expr, s: s}
	st.parseOffsets()
	st.parseDayWord()
	if err := st.parseDate(); err != nil {
		return time.Time{}, &TimeParseError{Expr: expr, Reason: err.Error()}
	}
	st.parseWeekday()
	if err := st.parseTime(); err != nil {
		return time.Time{}, &TimeParseError{Expr: expr, Reason: err.Error()}
	}
	st.parsePeriod()
	if !st.matchedSome {
		return time.Time{}, &TimeParseError{Expr: expr}
	}
	return st.resolve(now, loc)
}

func (st *parseState) parseOffsets() {
	for {
		m := st.consume(reOffsetKo)
		if m == nil {
			break
		}
		n, _ := strconv.Atoi(m[1])
		switch m[2] {
		case "분":
			st.duration += time.Duration(n) * time.Minute
		case "시간":
			st.duration += time.Duration(n) * time.Hour
		case "일":
			st.dayOffset += n
			st.relDate = true
		case "주":
			st.dayOffset += 7 * n
			st.relDate = true
		case "개월", "달":
			st.monthOffset += n
			st.relDate = true
		}
	}
	// English offsets need an explicit marker to avoid eating "7 pm" style input.
	if !strings.Contains(st.s, "in ") && !strings.Contains(st.s, "later") && !strings.Contains(st.s, "from now") {
		return
	}
	for {
		m := st.consume(reOffsetEn)
		if m == nil {
			break
		}
		n, _ := strconv.Atoi(m[1])
		switch unit := m[2]; {
		case strings.HasPrefix(unit, "min"):
			st.duration += time.Duration(n) * time.Minute
		case strings.HasPrefix(unit, "h"):
			st.duration += time.Duration(n) * time.Hour
		case strings.HasPrefix(unit, "day"):
			st.dayOffset += n
			st.relDate = true
		case strings.HasPrefix(unit, "week"):
			st.dayOffset += 7 * n
			st.relDate = true
		case strings.HasPrefix(unit, "month"):
			st.monthOffset += n
			st.relDate = true
		}
	}
}

func (st *parseState) parseDayWord() {
	for _, dw := range dayWords {
		if st.consumeWord(dw.word) {
			st.dayOffset += dw.offset
			st.relDate = true
			if dw.period != "" && st.period == "" {
				st.period = dw.period
				st.periodHour = 21
			}
			return
		}
	}
}

func (st *parseState) parseDate() error {
	if m := st.consume(reMonthDay); m != nil {
		if m[1] != "" {
			st.year, _ = strconv.Atoi(m[1])
		}
		st.month, _ = strconv.Atoi(m[2])
		st.day, _ = strconv.Atoi(m[3])
		st.dateSet = true
	} else if m := st.consume(reSlashDate); m != nil {
		st.month, _ = strconv.Atoi(m[1])
		st.day, _ = strconv.Atoi(m[2])
		st.dateSet = true
	}
	if st.dateSet && (st.month < 1 || st.month > 12 || st.day < 1 || st.day > 31) {
		return fmt.Errorf("invalid date %d/%d", st.month, st.day)
	}
	return nil
}

func (st *parseState) parseWeekday() {
	if m := st.consume(reWeekdayKo); m != nil {
		st.weekday = koWeekdays[m[2]]
		st.weekdaySet = true
		switch q := strings.ReplaceAll(m[1], " ", ""); q {
		case "이번주":
			st.weekShift = 1
		case "다음주", "담주":
			st.weekShift = 2
		case "다다음주":
			st.weekShift = 3
		}
		return
	}
	if m := st.consume(reWeekdayEn); m != nil {
		st.weekday = enWeekdays[m[2]]
		st.weekdaySet = true
		switch m[1] {
		case "this":
			st.weekShift = 1
		case "next":
			st.weekShift = 2
		}
	}
}

func (st *parseState) parseTime() error {
	var hour, minute int
	switch {
	case reHourEn.MatchString(st.s):
		m := st.consume(reHourEn)
		hour, _ = strconv.Atoi(m[1])
		if m[2] != "" {
			minute, _ = strconv.Atoi(m[2])
		}
		if strings.HasPrefix(m[3], "p") {
			st.period = periodPM
		} else {
			st.period = periodAM
		}
	case reClock.MatchString(st.s):
		m := st.consume(reClock)
		hour, _ = strconv.Atoi(m[1])
		minute, _ = strconv.Atoi(m[2])
	case reHourKo.MatchString(st.s):
		m := st.consume(reHourKo)
		hour, _ = strconv.Atoi(m[1])
		minute = minuteOf(m[2], m[3])
	case reHourNative.MatchString(st.s):
		m := st.consume(reHourNative)
		hour = nativeHours[m[1]]
		minute = minuteOf(m[2], m[3])
	default:
		return nil
	}
	if hour > 24 || minute > 59 {
		return fmt.Errorf("invalid time %d:%02d", hour, minute)
	}
	st.hour, st.minute, st.timeSet = hour, minute, true
	return nil
}

func minuteOf(digits, half string) int {
	if half != "" {
		return 30
	}
	if digits != "" {
		n, _ := strconv.Atoi(digits)
		return n
	}
	return 0
}

func (st *parseState) parsePeriod() {
	for _, pw := range periodWords {
		if st.consumeWord(pw.word) {
			if st.period == "" || st.period == periodNight {
				st.period = pw.period
			}
			st.periodHour = pw.defaultHour
			return
		}
	}
}

func (st *parseState) resolve(now time.Time, loc *time.Location) (time.Time, error) {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	base := today

	if st.dateSet {
		year := st.year
		if year == 0 {
			year = now.Year()
		}
		base = time.Date(year, time.Month(st.month), st.day, 0, 0, 0, 0, loc)
		if base.Day() != st.day {
			return time.Time{}, &TimeParseError{Expr: st.expr, Reason: "day out of range for month"}
		}
		if st.year == 0 && base.Before(today) {
			base = base.AddDate(1, 0, 0)
		}
	}
	if st.weekdaySet {
		base = weekdayDate(today, st.weekday, st.weekShift)
	}
	base = base.AddDate(0, st.monthOffset, st.dayOffset)

	hour, minute := now.Hour(), now.Minute()
	switch {
	case st.timeSet:
		hour, minute = st.hour, st.minute
		var extraDays int
		hour, extraDays = applyPeriod(hour, st.period)
		base = base.AddDate(0, 0, extraDays)
		if st.period == "" && !st.hasDate() && hour >= 1 && hour < 12 {
			// A bare "7시" that already passed today means the evening.
			am := time.Date(base.Year(), base.Month(), base.Day(), hour, minute, 0, 0, loc)
			pm := am.Add(12 * time.Hour)
			if am.Before(now) && !pm.Before(now) {
				hour += 12
			}
		}
	case st.period != "":
		hour, minute = st.periodHour, 0
	case st.duration > 0 && !st.hasDate():
		return now.Add(st.duration).Truncate(time.Minute), nil
	}

	result := time.Date(base.Year(), base.Month(), base.Day(), hour, minute, 0, 0, loc)
	switch {
	case !st.hasDate() && result.Before(now):
		result = result.AddDate(0, 0, 1)
	case st.weekdaySet && st.weekShift == 0 && result.Before(now):
		result = result.AddDate(0, 0, 7)
	}
	return result.Add(st.duration), nil
}

func (st *parseState) hasDate() bool {
	return st.dateSet || st.relDate || st.weekdaySet
}

// applyPeriod converts a 12-hour reading to 24-hour time and reports days to add.
func applyPeriod(hour int, period string) (int, int) {
	if hour == 24 {
		return 0, 1
	}
	switch period {
	case periodAM:
		if hour == 12 {
			return 0, 0
		}
	case periodPM:
		if hour < 12 {
			return hour + 12, 0
		}
	case periodNoon:
		if hour < 11 {
			return hour + 12, 0
		}
	case periodNight:
		switch {
		case hour == 12:
			return 0, 1
		case hour < 5:
			return hour, 1
		case hour < 12:
			return hour + 12, 0
		}
	}
	return hour, 0
}

// weekdayDate returns the date of wd. shift 0 picks the next occurrence
// from today, 1 this week, 2 next week, 3 the week after, with weeks
// starting on Monday.
func weekdayDate(today time.Time, wd time.Weekday, shift int) time.Time {
	if shift == 0 {
		diff := (int(wd) - int(today.Weekday()) + 7) % 7
		return today.AddDate(0, 0, diff)
	}
	monday := today.AddDate(0, 0, -((int(today.Weekday()) + 6) % 7))
	return monday.AddDate(0, 0, (shift-1)*7+(int(wd)+6)%7)
}

// NaturalTimeTool converts natural language time expressions to ISOLayout.
func NaturalTimeTool(p *TimeParser) Tool {
	if p == nil {
		p = NewTimeParser()
	}
	return Tool{
		Definition: models.ToolDefinition{
			Name:        "convert_natural_time_to_iso",
			Description: "\"오늘 저녁 7시 30분\", \"모레 20:15\"와 같은 자연어 시간 표현을 'YYYY-MM-DDTHH:MM:SS' 형식의 문자열로 변환합니다. 캘린더 일정을 만들기 전에 사용합니다.",
			Parameters: objectSchema(map[string]interface{}{
				"time_expression": stringParam("변환할 자연어 시간 표현"),
			}, "time_expression"),
		},
		Execute: func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args struct {
				TimeExpression string `json:"time_expression"`
			}
			if err := DecodeArgs(raw, &args); err != nil {
				return "", err
			}
			t, err := p.Parse(args.TimeExpression)
			if err != nil {
				return "", err
			}
			return t.Format(ISOLayout), nil
		},
	}
}
