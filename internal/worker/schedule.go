package worker

import (
	"sort"
	"time"
)

// Schedule yields the next instant, strictly after t, at which a job fires.
type Schedule interface {
	Next(t time.Time) time.Time
}

// Every fires at a fixed period after each run.
type Every time.Duration

func (e Every) Next(t time.Time) time.Time { return t.Add(time.Duration(e)) }

// Daily fires at fixed clock times of the ward's day.
type Daily struct {
	clocks []time.Duration
	loc    *time.Location
}

// DailyAt builds a schedule firing at each clock offset from midnight in loc.
func DailyAt(loc *time.Location, clocks ...time.Duration) Daily {
	if loc == nil {
		loc = time.UTC
	}
	sorted := append([]time.Duration(nil), clocks...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return Daily{clocks: sorted, loc: loc}
}

// Next computes the instant from the calendar date so that DST changes move
// the wall clock, not the schedule.
func (d Daily) Next(t time.Time) time.Time {
	if len(d.clocks) == 0 {
		return t.Add(24 * time.Hour)
	}
	local := t.In(d.loc)
	for day := 0; day <= 1; day++ {
		y, m, dd := local.AddDate(0, 0, day).Date()
		for _, c := range d.clocks {
			mins := int(c / time.Minute)
			at := time.Date(y, m, dd, mins/60, mins%60, 0, 0, d.loc)
			if at.After(t) {
				return at
			}
		}
	}
	return t.Add(24 * time.Hour)
}
