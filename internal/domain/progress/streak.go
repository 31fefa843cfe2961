package progress

import (
	"sort"
	"time"

	"github.com/tradeacademy/progress-engine/pkg/timeutil"
)

// Streak is the result of a streak computation.
type Streak struct {
	Current int `json:"current"`
	Longest int `json:"longest"`
}

// ComputeStreak derives the learning streak from the calendar dates on which a
// user completed at least one slide.
//
// Dates are grouped into maximal runs of consecutive days. Current is the size
// of the run containing today or yesterday, otherwise 0. Longest is the largest
// run, never lower than previousLongest. Duplicate dates count once and the
// input order does not matter.
func ComputeStreak(dates []time.Time, today time.Time, previousLongest int) Streak {
	today = timeutil.Normalize(today)
	days := distinctDescending(dates)

	result := Streak{Longest: previousLongest}
	if len(days) == 0 {
		return result
	}

	yesterday := timeutil.AddDays(today, -1)
	runLen := 0
	for i, d := range days {
		if i > 0 && !timeutil.IsConsecutiveDay(d, days[i-1]) {
			result.absorb(days[i-runLen], days[i-1], today, yesterday)
			runLen = 0
		}
		runLen++
	}
	result.absorb(days[len(days)-runLen], days[len(days)-1], today, yesterday)

	return result
}

// absorb folds one finished run, newest date head and oldest date tail, into
// the result. Today and yesterday are adjacent, so at most one run holds either.
func (s *Streak) absorb(head, tail, today, yesterday time.Time) {
	runLen := timeutil.DaysBetween(tail, head) + 1
	if runLen > s.Longest {
		s.Longest = runLen
	}
	if contains(head, tail, today) || contains(head, tail, yesterday) {
		s.Current = runLen
	}
}

func contains(head, tail, d time.Time) bool {
	return !d.After(head) && !d.Before(tail)
}

// distinctDescending normalises, de-duplicates and sorts dates newest first.
func distinctDescending(dates []time.Time) []time.Time {
	seen := make(map[time.Time]struct{}, len(dates))
	out := make([]time.Time, 0, len(dates))
	for _, d := range dates {
		n := timeutil.Normalize(d)
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].After(out[j]) })
	return out
}
