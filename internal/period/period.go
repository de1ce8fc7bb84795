// Package period resolves the billing window a tenant's usage accrues to.
package period

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidCycle = errors.New("billing cycle must set exactly one of days or months")

// Cycle is the length of a billing period, either a whole number of days or
// of calendar months.
type Cycle struct {
	Days   int `json:"days,omitempty"`
	Months int `json:"months,omitempty"`
}

func Daily() Cycle   { return Cycle{Days: 1} }
func Monthly() Cycle { return Cycle{Months: 1} }

func (c Cycle) Validate() error {
	if (c.Days > 0) == (c.Months > 0) || c.Days < 0 || c.Months < 0 {
		return ErrInvalidCycle
	}
	return nil
}

func (c Cycle) String() string {
	if c.Months > 0 {
		return fmt.Sprintf("%dmo", c.Months)
	}
	return fmt.Sprintf("%dd", c.Days)
}

// Period is the half-open window [Start, End) for one tenant.
type Period struct {
	TenantID string
	Start    time.Time
	End      time.Time
}

// ID is stable for the lifetime of the period and sorts chronologically.
func (p Period) ID() string {
	return p.Start.UTC().Format("20060102T150405Z")
}

func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// Closed reports whether no more reservations may be taken against p at now.
func (p Period) Closed(now time.Time) bool {
	return !now.Before(p.End)
}

// Resolve computes the period containing now for a subscription anchored at
// anchor. Periods repeat forwards and backwards from the anchor, so the result
// is a pure function of its arguments.
func Resolve(tenantID string, anchor time.Time, c Cycle, now time.Time) (Period, error) {
	if err := c.Validate(); err != nil {
		return Period{}, err
	}
	anchor = anchor.UTC()
	now = now.UTC()

	var start, end time.Time
	if c.Days > 0 {
		length := time.Duration(c.Days) * 24 * time.Hour
		n := floorDiv(int64(now.Sub(anchor)), int64(length))
		start = anchor.Add(time.Duration(n) * length)
		end = start.Add(length)
	} else {
		elapsed := (now.Year()-anchor.Year())*12 + int(now.Month()-anchor.Month())
		n := int(floorDiv(int64(elapsed), int64(c.Months)))
		start = addMonths(anchor, n*c.Months)
		// Clamping (Jan 31 -> Feb 28) can leave the estimate one step off.
		for start.After(now) {
			n--
			start = addMonths(anchor, n*c.Months)
		}
		for {
			next := addMonths(anchor, (n+1)*c.Months)
			if next.After(now) {
				end = next
				break
			}
			n++
			start = next
		}
	}

	return Period{TenantID: tenantID, Start: start, End: end}, nil
}

// addMonths moves t by n calendar months, clamping the day to the length of
// the target month instead of overflowing into the next one.
func addMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
	last := first.AddDate(0, 1, -1).Day()
	if d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
