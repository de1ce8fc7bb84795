package period

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestResolve_Daily(t *testing.T) {
	anchor := day(2026, time.March, 1)

	p, err := Resolve("shop-1", anchor, Daily(), day(2026, time.March, 10).Add(13*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, day(2026, time.March, 10), p.Start)
	assert.Equal(t, day(2026, time.March, 11), p.End)
	assert.Equal(t, "shop-1", p.TenantID)
}

func TestResolve_HalfOpenBoundary(t *testing.T) {
	anchor := day(2026, time.March, 1)

	p, err := Resolve("t", anchor, Cycle{Days: 7}, day(2026, time.March, 8))
	require.NoError(t, err)
	assert.Equal(t, day(2026, time.March, 8), p.Start, "end instant belongs to the next period")
	assert.True(t, p.Contains(day(2026, time.March, 8)))
	assert.False(t, p.Contains(day(2026, time.March, 15)))
}

func TestResolve_BeforeAnchor(t *testing.T) {
	anchor := day(2026, time.March, 10)

	p, err := Resolve("t", anchor, Daily(), day(2026, time.March, 8).Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, day(2026, time.March, 8), p.Start)
	assert.Equal(t, day(2026, time.March, 9), p.End)
}

func TestResolve_MonthlyClampsShortMonths(t *testing.T) {
	anchor := day(2026, time.January, 31)

	p, err := Resolve("t", anchor, Monthly(), day(2026, time.March, 15))
	require.NoError(t, err)
	assert.Equal(t, day(2026, time.February, 28), p.Start)
	assert.Equal(t, day(2026, time.March, 31), p.End)

	p, err = Resolve("t", anchor, Monthly(), day(2026, time.February, 10))
	require.NoError(t, err)
	assert.Equal(t, day(2026, time.January, 31), p.Start)
	assert.Equal(t, day(2026, time.February, 28), p.End)
}

func TestResolve_Quarterly(t *testing.T) {
	anchor := day(2025, time.November, 15)

	p, err := Resolve("t", anchor, Cycle{Months: 3}, day(2026, time.October, 16))
	require.NoError(t, err)
	assert.Equal(t, day(2026, time.August, 15), p.Start)
	assert.Equal(t, day(2026, time.November, 15), p.End)
}

func TestResolve_Deterministic(t *testing.T) {
	anchor := day(2026, time.January, 5)
	now := day(2026, time.June, 20)

	a, err := Resolve("t", anchor, Monthly(), now)
	require.NoError(t, err)
	b, err := Resolve("t", anchor, Monthly(), now)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, a.ID(), b.ID())
}

func TestResolve_Rollover(t *testing.T) {
	anchor := day(2026, time.March, 1)

	d1, err := Resolve("t", anchor, Daily(), day(2026, time.March, 1).Add(23*time.Hour))
	require.NoError(t, err)
	d2, err := Resolve("t", anchor, Daily(), day(2026, time.March, 2))
	require.NoError(t, err)

	assert.NotEqual(t, d1.ID(), d2.ID())
	assert.True(t, d1.Closed(day(2026, time.March, 2)))
	assert.False(t, d2.Closed(day(2026, time.March, 2)))
}

func TestCycle_Validate(t *testing.T) {
	assert.NoError(t, Cycle{Days: 30}.Validate())
	assert.NoError(t, Cycle{Months: 12}.Validate())
	assert.ErrorIs(t, Cycle{}.Validate(), ErrInvalidCycle)
	assert.ErrorIs(t, Cycle{Days: 1, Months: 1}.Validate(), ErrInvalidCycle)
	assert.ErrorIs(t, Cycle{Days: -1}.Validate(), ErrInvalidCycle)

	_, err := Resolve("t", time.Now(), Cycle{}, time.Now())
	assert.ErrorIs(t, err, ErrInvalidCycle)
}
