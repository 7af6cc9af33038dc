package aggregate

import (
	"cmp"
	"slices"
	"time"

	"github.com/couchcryptid/crime-grid-engine/internal/domain"
)

// Rolling window lengths in days. Each window includes the bucket's own day.
const (
	Window1d  = 1
	Window7d  = 7
	Window30d = 30

	// WarmupDays is the observed history a cell needs before rolling_30d
	// covers only observed days.
	WarmupDays = Window30d
)

const secondsPerDay = 86400

// dayIndex numbers civil days, which are stored as UTC midnights.
func dayIndex(d time.Time) int64 {
	return d.Unix() / secondsPerDay
}

func dayFromIndex(i int64) time.Time {
	return time.Unix(i*secondsPerDay, 0).UTC()
}

// dailyTotals maps a day index to the cell's event count across all hours.
type dailyTotals map[int64]int

func (t dailyTotals) window(end int64, days int) int {
	sum := 0
	for d := end - int64(days) + 1; d <= end; d++ {
		sum += t[d]
	}
	return sum
}

// apply recomputes the rolling sums and warm flag of b from the totals.
func (t dailyTotals) apply(b *domain.AggregateBucket, firstDay int64) {
	d := dayIndex(b.Date)
	b.Rolling1d = t.window(d, Window1d)
	b.Rolling7d = t.window(d, Window7d)
	b.Rolling30d = t.window(d, Window30d)
	b.IsWarm = d-firstDay+1 < WarmupDays
}

type slot struct {
	day  int64
	hour int
}

// computeCell derives the full bucket set of a cell from its hourly counts.
func computeCell(cellID string, counts map[slot]int) []domain.AggregateBucket {
	if len(counts) == 0 {
		return nil
	}
	totals := make(dailyTotals)
	first := int64(0)
	haveFirst := false
	for s, n := range counts {
		totals[s.day] += n
		if !haveFirst || s.day < first {
			first, haveFirst = s.day, true
		}
	}

	out := make([]domain.AggregateBucket, 0, len(counts))
	for s, n := range counts {
		b := domain.AggregateBucket{
			CellID: cellID,
			Date:   dayFromIndex(s.day),
			Hour:   s.hour,
			Count:  n,
		}
		totals.apply(&b, first)
		out = append(out, b)
	}
	slices.SortFunc(out, compareBuckets)
	return out
}

func compareBuckets(a, b domain.AggregateBucket) int {
	if c := cmp.Compare(a.CellID, b.CellID); c != 0 {
		return c
	}
	if c := a.Date.Compare(b.Date); c != 0 {
		return c
	}
	return cmp.Compare(a.Hour, b.Hour)
}

func sameDerived(a, b domain.AggregateBucket) bool {
	return a.Count == b.Count &&
		a.Rolling1d == b.Rolling1d &&
		a.Rolling7d == b.Rolling7d &&
		a.Rolling30d == b.Rolling30d &&
		a.IsWarm == b.IsWarm
}

// Rolling holds the trailing window sums of a cell ending on one day.
type Rolling struct {
	Rolling1d  int `json:"rolling_1d"`
	Rolling7d  int `json:"rolling_7d"`
	Rolling30d int `json:"rolling_30d"`
}

// RollingAt sums the buckets' counts over the windows ending on day. It works
// for days without a bucket of their own, which Ingest never materializes.
func RollingAt(buckets []domain.AggregateBucket, day time.Time) Rolling {
	totals := make(dailyTotals)
	for _, b := range buckets {
		totals[dayIndex(b.Date)] += b.Count
	}
	d := dayIndex(day)
	return Rolling{
		Rolling1d:  totals.window(d, Window1d),
		Rolling7d:  totals.window(d, Window7d),
		Rolling30d: totals.window(d, Window30d),
	}
}
