package cronexpr

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t77yq/chansync/internal/model"
)

func TestParse(t *testing.T) {
	valid := []string{
		"* * * * *",
		"*/5 * * * *",
		"0 9 * * 1-5",
		"15,45 */2 1 * *",
		"0 0 29 2 *",
		"  30   6 * * 0  ",
	}
	for _, expr := range valid {
		t.Run("valid "+expr, func(t *testing.T) {
			_, err := Parse(expr)
			assert.NoError(t, err)
		})
	}

	invalid := []string{
		"",
		"* * * *",
		"* * * * * *",
		"60 * * * *",
		"* 24 * * *",
		"* * 0 * *",
		"* * * 13 *",
		"*/0 * * * *",
		"a b c d e",
		"@hourly",
		"0 0 30 2 *",
	}
	for _, expr := range invalid {
		t.Run("invalid "+expr, func(t *testing.T) {
			_, err := Parse(expr)
			require.Error(t, err)
			assert.True(t, errors.Is(err, model.ErrInvalidCronExpression))
			assert.Equal(t, model.KindInvalidCronExpression, model.KindOf(err))
		})
	}
}

func TestNextEveryFiveMinutes(t *testing.T) {
	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	next, err := Next("*/5 * * * *", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, time.March, 10, 12, 5, 0, 0, time.UTC), next)
}

func TestNextIsStrictlyAfterAndEarliest(t *testing.T) {
	exprs := []string{"*/5 * * * *", "0 9 * * 1-5", "15,45 */2 * * *", "0 0 1 * *", "7 13 * 6 *"}
	starts := []time.Time{
		time.Date(2026, time.January, 31, 23, 59, 30, 0, time.UTC),
		time.Date(2026, time.June, 1, 12, 0, 0, 0, time.UTC),
		time.Date(2026, time.October, 15, 8, 44, 59, 999, time.UTC),
	}

	for _, expr := range exprs {
		e, err := Parse(expr)
		require.NoError(t, err)

		for _, start := range starts {
			next := e.Next(start)
			require.False(t, next.IsZero())
			assert.True(t, next.After(start), "%s from %s", expr, start)
			assert.Zero(t, next.Second())

			// no minute between start and next may match
			cursor := start.Truncate(time.Minute)
			for cursor.Before(next) {
				if cursor.After(start) {
					assert.NotEqual(t, cursor, e.Next(cursor.Add(-time.Second)),
						"%s: %s matches before %s", expr, cursor, next)
				}
				cursor = cursor.Add(time.Minute)
			}
		}
	}
}

func TestUpcoming(t *testing.T) {
	e, err := Parse("0 */6 * * *")
	require.NoError(t, err)

	start := time.Date(2026, time.March, 10, 1, 0, 0, 0, time.UTC)
	times := e.Upcoming(start, 3)
	require.Len(t, times, 3)
	assert.Equal(t, 6, times[0].Hour())
	assert.Equal(t, 12, times[1].Hour())
	assert.Equal(t, 18, times[2].Hour())
	assert.Equal(t, "0 */6 * * *", e.String())
}
