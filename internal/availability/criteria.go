package availability

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// DateLayout is the wire format of calendar dates.
const DateLayout = "2006-01-02"

// ValidationError reports a search request that breaks one of the input rules.
// Its message is meant to be shown to the user as is.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Is matches validation errors by code, so errors.Is works against the
// package sentinels even when the message carries policy-specific values.
func (e *ValidationError) Is(target error) bool {
	t, ok := target.(*ValidationError)
	return ok && t.Code == e.Code
}

var (
	ErrNoParticipants        = &ValidationError{Code: "no_participants", Message: "select at least one participant"}
	ErrTooManyParticipants   = &ValidationError{Code: "too_many_participants", Message: "too many participants"}
	ErrInvalidDateFormat     = &ValidationError{Code: "invalid_date_format", Message: "dates must use the YYYY-MM-DD format"}
	ErrStartAfterEnd         = &ValidationError{Code: "start_after_end", Message: "start date must not be after end date"}
	ErrRangeTooLong          = &ValidationError{Code: "range_too_long", Message: "search range is too long"}
	ErrInvalidTimeFormat     = &ValidationError{Code: "invalid_time_format", Message: "times must use the HH:MM format"}
	ErrInvalidStartTime      = &ValidationError{Code: "invalid_start_time", Message: "start time is out of range"}
	ErrInvalidEndTime        = &ValidationError{Code: "invalid_end_time", Message: "end time is out of range"}
	ErrStartTimeNotBeforeEnd = &ValidationError{Code: "start_time_not_before_end", Message: "start time must be before end time"}
	ErrDurationTooShort      = &ValidationError{Code: "duration_too_short", Message: "duration too short"}
	ErrDurationTooLong       = &ValidationError{Code: "duration_too_long", Message: "duration too long"}
	ErrWindowTooShort        = &ValidationError{Code: "window_too_short", Message: "time window is shorter than the meeting duration"}
)

func violation(base *ValidationError, format string, args ...any) *ValidationError {
	return &ValidationError{Code: base.Code, Message: fmt.Sprintf(format, args...)}
}

// Request is a search request as received from a caller, before validation.
type Request struct {
	Participants    []string      `json:"participants"`
	StartDate       string        `json:"start_date"`
	EndDate         string        `json:"end_date"`
	StartTime       string        `json:"start_time"`
	EndTime         string        `json:"end_time"`
	DurationMinutes int           `json:"duration_minutes"`
	CallerIdentity  string        `json:"caller_identity,omitempty"`
	LiveCredentials *oauth2.Token `json:"live_credentials,omitempty"`
}

// Clock is a time of day in minutes since midnight.
type Clock int

// ParseClock parses an HH:MM string. Range checks are left to Validate so
// that a malformed value and an out-of-range value are reported differently.
func ParseClock(s string) (Clock, int, int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || !isDigits(hh) || !isDigits(mm) {
		return 0, 0, 0, fmt.Errorf("malformed time %q", s)
	}
	h, _ := strconv.Atoi(hh)
	m, _ := strconv.Atoi(mm)
	return Clock(h*60 + m), h, m, nil
}

func isDigits(s string) bool {
	if s == "" || len(s) > 2 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

// On returns the instant at which the clock time occurs on the given
// calendar date in loc.
func (c Clock) On(date time.Time, loc *time.Location) time.Time {
	y, m, d := date.Date()
	return time.Date(y, m, d, int(c)/60, int(c)%60, 0, 0, loc)
}

// Criteria is a validated search request.
type Criteria struct {
	Participants []string
	StartDate    time.Time // calendar date, midnight UTC
	EndDate      time.Time // calendar date, midnight UTC, inclusive
	StartTime    Clock
	EndTime      Clock
	Duration     time.Duration
}

// Validate checks a request against the policy and returns the parsed
// criteria. Rules are checked in a fixed order and the first failure wins.
func (p Policy) Validate(req Request) (Criteria, error) {
	if len(req.Participants) < 1 {
		return Criteria{}, ErrNoParticipants
	}
	if len(req.Participants) > p.MaxParticipants {
		return Criteria{}, violation(ErrTooManyParticipants, "too many participants: at most %d are allowed", p.MaxParticipants)
	}

	startDate, err1 := time.Parse(DateLayout, req.StartDate)
	endDate, err2 := time.Parse(DateLayout, req.EndDate)
	if err1 != nil || err2 != nil {
		return Criteria{}, ErrInvalidDateFormat
	}
	if startDate.After(endDate) {
		return Criteria{}, ErrStartAfterEnd
	}
	if days := int(endDate.Sub(startDate).Hours() / 24); days > p.MaxRangeDays {
		return Criteria{}, violation(ErrRangeTooLong, "search range is too long: at most %d days are allowed", p.MaxRangeDays)
	}

	startTime, sh, sm, err1 := ParseClock(req.StartTime)
	endTime, eh, em, err2 := ParseClock(req.EndTime)
	if err1 != nil || err2 != nil {
		return Criteria{}, ErrInvalidTimeFormat
	}
	if sh > 23 || sm > 59 {
		return Criteria{}, ErrInvalidStartTime
	}
	if eh > 23 || em > 59 {
		return Criteria{}, ErrInvalidEndTime
	}
	if startTime >= endTime {
		return Criteria{}, ErrStartTimeNotBeforeEnd
	}

	duration := time.Duration(req.DurationMinutes) * time.Minute
	if err := p.checkDuration(duration); err != nil {
		return Criteria{}, err
	}
	if window := time.Duration(endTime-startTime) * time.Minute; window < duration {
		return Criteria{}, ErrWindowTooShort
	}

	return Criteria{
		Participants: append([]string(nil), req.Participants...),
		StartDate:    startDate,
		EndDate:      endDate,
		StartTime:    startTime,
		EndTime:      endTime,
		Duration:     duration,
	}, nil
}

func (p Policy) checkDuration(d time.Duration) error {
	if d < p.MinDuration {
		return violation(ErrDurationTooShort, "duration too short: minimum is %d minutes", int(p.MinDuration.Minutes()))
	}
	if d > p.MaxDuration {
		return violation(ErrDurationTooLong, "duration too long: maximum is %d minutes", int(p.MaxDuration.Minutes()))
	}
	return nil
}
