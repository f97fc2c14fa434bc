package services

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"mailpulse/models"
)

// ScheduleRequest is the user's choice of when a message goes out.
type ScheduleRequest struct {
	Type      string `json:"scheduleType" validate:"required,oneof=date time dayOfWeek"`
	Date      string `json:"scheduledDate"`
	Time      string `json:"scheduledTime"`
	DayOfWeek *int   `json:"dayOfWeek" validate:"omitempty,min=0,max=6"`
}

// Schedule is a resolved request: either an absolute instant or a weekday.
type Schedule struct {
	Type      string
	At        *time.Time
	DayOfWeek *int
}

// ResolveSchedule turns req into a Schedule relative to now. "date" takes
// a YYYY-MM-DD day with an optional HH:MM, "time" is the next occurrence
// of HH:MM and "dayOfWeek" is 0 (Sunday) to 6.
func ResolveSchedule(req ScheduleRequest, now time.Time) (Schedule, error) {
	loc := now.Location()
	switch req.Type {
	case models.ScheduleDate:
		if strings.TrimSpace(req.Date) == "" {
			return Schedule{}, fmt.Errorf("%w: scheduledDate is required", ErrInvalidSchedule)
		}
		day, err := parseDate(req.Date, loc)
		if err != nil {
			return Schedule{}, err
		}
		if req.Time != "" {
			h, m, err := parseClock(req.Time)
			if err != nil {
				return Schedule{}, err
			}
			day = time.Date(day.Year(), day.Month(), day.Day(), h, m, 0, 0, loc)
		}
		return Schedule{Type: models.ScheduleDate, At: &day}, nil

	case models.ScheduleTime:
		h, m, err := parseClock(req.Time)
		if err != nil {
			return Schedule{}, err
		}
		at := time.Date(now.Year(), now.Month(), now.Day(), h, m, 0, 0, loc)
		if at.Before(now) {
			at = at.AddDate(0, 0, 1)
		}
		return Schedule{Type: models.ScheduleTime, At: &at}, nil

	case models.ScheduleDayOfWeek:
		if req.DayOfWeek == nil || *req.DayOfWeek < 0 || *req.DayOfWeek > 6 {
			return Schedule{}, fmt.Errorf("%w: dayOfWeek must be between 0 and 6", ErrInvalidSchedule)
		}
		dow := *req.DayOfWeek
		return Schedule{Type: models.ScheduleDayOfWeek, DayOfWeek: &dow}, nil
	}
	return Schedule{}, fmt.Errorf("%w: unknown schedule type %q", ErrInvalidSchedule, req.Type)
}

func parseDate(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.ParseInLocation("2006-01-02", s, loc); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad date %q", ErrInvalidSchedule, s)
	}
	return t.In(loc), nil
}

func parseClock(s string) (int, int, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%w: time must be HH:MM", ErrInvalidSchedule)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("%w: bad hour in %q", ErrInvalidSchedule, s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("%w: bad minute in %q", ErrInvalidSchedule, s)
	}
	return h, m, nil
}

// NextDayOfWeek returns the first instant at hour:00 on weekday dow
// strictly after from's calendar day.
func NextDayOfWeek(from time.Time, dow, hour int) time.Time {
	days := dow - int(from.Weekday())
	if days <= 0 {
		days += 7
	}
	d := from.AddDate(0, 0, days)
	return time.Date(d.Year(), d.Month(), d.Day(), hour, 0, 0, 0, from.Location())
}

// IsDue reports whether a scheduled message should be sent at now.
func IsDue(msg *models.Message, now time.Time, weeklyHour int) bool {
	if msg.Status != models.StatusScheduled {
		return false
	}
	if msg.ScheduledDayOfWeek != nil {
		if int(now.Weekday()) != *msg.ScheduledDayOfWeek {
			return false
		}
		created := msg.CreatedAt.In(now.Location())
		return !NextDayOfWeek(created, *msg.ScheduledDayOfWeek, weeklyHour).After(now)
	}
	return msg.ScheduledFor != nil && !msg.ScheduledFor.After(now)
}

var weekdayNames = []string{"Sunday", "Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday"}

// ScheduleDisplay is the human-readable form of a message's schedule.
type ScheduleDisplay struct {
	Day          string `json:"day"`
	Date         string `json:"date"`
	Time         string `json:"time"`
	FullDateTime string `json:"fullDateTime,omitempty"`
	Type         string `json:"type"`
}

// DisplaySchedule renders the schedule of msg for listings.
func DisplaySchedule(msg *models.Message, weeklyHour int) ScheduleDisplay {
	d := ScheduleDisplay{Type: msg.ScheduledType}
	if d.Type == "" {
		d.Type = "N/A"
	}
	switch {
	case msg.ScheduledDayOfWeek != nil && *msg.ScheduledDayOfWeek >= 0 && *msg.ScheduledDayOfWeek < len(weekdayNames):
		day := weekdayNames[*msg.ScheduledDayOfWeek]
		d.Day = day
		d.Type = "Recurring Weekly"
		d.Date = "Every " + day
		d.Time = time.Date(2000, 1, 1, weeklyHour, 0, 0, 0, time.UTC).Format("03:04 PM")
	case msg.ScheduledFor != nil:
		at := *msg.ScheduledFor
		d.Day = at.Weekday().String()
		d.Date = at.Format("January 2, 2006")
		d.Time = at.Format("03:04 PM")
		d.FullDateTime = at.Format("Monday, January 2, 2006 03:04 PM")
	}
	return d
}

// Matches reports whether term appears in the rendered schedule.
func (d ScheduleDisplay) Matches(term string) bool {
	term = strings.ToLower(term)
	for _, part := range []string{d.Day, d.Date, d.Time, d.FullDateTime} {
		if part != "" && strings.Contains(strings.ToLower(part), term) {
			return true
		}
	}
	return false
}
