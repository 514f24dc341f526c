// Package cronexpr validates five-field cron expressions and computes fire times
// at minute resolution.
package cronexpr

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/t77yq/chansync/internal/model"
)

// FieldCount is the number of space separated fields in an expression
const FieldCount = 5

// Parser accepts minute, hour, day-of-month, month and day-of-week fields.
// Descriptors such as @hourly and the seconds field are rejected.
var Parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// probe is used to reject expressions that can never fire (e.g. 30 February)
var probe = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// Expression is a parsed cron expression
type Expression struct {
	raw      string
	schedule cron.Schedule
}

// Parse validates expr and returns the parsed expression
func Parse(expr string) (*Expression, error) {
	raw := strings.TrimSpace(expr)
	fields := strings.Fields(raw)
	if len(fields) != FieldCount {
		return nil, &model.Error{
			Kind:    model.KindInvalidCronExpression,
			Message: fmt.Sprintf("invalid cron expression %q: expected %d fields, got %d", expr, FieldCount, len(fields)),
		}
	}

	schedule, err := Parser.Parse(strings.Join(fields, " "))
	if err != nil {
		return nil, &model.Error{
			Kind:    model.KindInvalidCronExpression,
			Message: fmt.Sprintf("invalid cron expression %q", expr),
			Err:     err,
		}
	}

	if schedule.Next(probe).IsZero() {
		return nil, &model.Error{
			Kind:    model.KindInvalidCronExpression,
			Message: fmt.Sprintf("cron expression %q never fires", expr),
		}
	}

	return &Expression{raw: strings.Join(fields, " "), schedule: schedule}, nil
}

// Validate reports whether expr is well formed
func Validate(expr string) error {
	_, err := Parse(expr)
	return err
}

// Next returns the earliest instant strictly after t that satisfies the expression.
// The result is in t's location and always has zero seconds.
func (e *Expression) Next(t time.Time) time.Time {
	return e.schedule.Next(t)
}

// Upcoming returns the next n fire times after t
func (e *Expression) Upcoming(t time.Time, n int) []time.Time {
	times := make([]time.Time, 0, n)
	for i := 0; i < n; i++ {
		t = e.Next(t)
		if t.IsZero() {
			break
		}
		times = append(times, t)
	}
	return times
}

// Schedule exposes the underlying robfig schedule for timer registration
func (e *Expression) Schedule() cron.Schedule {
	return e.schedule
}

func (e *Expression) String() string {
	return e.raw
}

// Next parses expr and returns its next fire time after t
func Next(expr string, t time.Time) (time.Time, error) {
	e, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return e.Next(t), nil
}
