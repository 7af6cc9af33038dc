package domain

import (
	"fmt"
	"time"
)

const dateLayout = "2006-01-02"

// CivilDay returns the calendar day of t in loc as a UTC midnight value.
func CivilDay(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// LocalHour returns the hour of day of t in loc.
func LocalHour(t time.Time, loc *time.Location) int {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Hour()
}

// DateKey formats a civil day as YYYY-MM-DD.
func DateKey(day time.Time) string {
	return day.Format(dateLayout)
}

// ParseDate parses a YYYY-MM-DD string into a UTC midnight civil day.
func ParseDate(s string) (time.Time, error) {
	d, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, InvalidArgument("date %q: expected YYYY-MM-DD", s)
	}
	return d, nil
}

// DaysBetween returns the number of whole days from a to b (both civil days).
func DaysBetween(a, b time.Time) int {
	return int(b.Sub(a).Hours() / 24)
}

// Features is the model input for one (cell, date, hour). The temporal fields
// mirror the offline feature engineering; the aggregate fields are taken from
// the cell's history preceding the forecast.
type Features struct {
	Hour      int    `json:"hour"`
	DayOfWeek int    `json:"day_of_week"` // 0 = Monday
	IsWeekend bool   `json:"is_weekend"`
	Month     int    `json:"month"`
	Season    string `json:"season"`
	IsHoliday bool   `json:"is_holiday"`
	TimeOfDay string `json:"time_of_day"`

	Rolling1d      int     `json:"rolling_1d"`
	Rolling7d      int     `json:"rolling_7d"`
	Rolling30d     int     `json:"rolling_30d"`
	TotalEvents    int     `json:"total_events"`
	HourlyMean     float64 `json:"hourly_mean"`
	HasHourHistory bool    `json:"has_hour_history"`
}

// TemporalFeatures fills the calendar-derived fields for a civil day and hour.
func TemporalFeatures(day time.Time, hour int) Features {
	dow := (int(day.Weekday()) + 6) % 7
	return Features{
		Hour:      hour,
		DayOfWeek: dow,
		IsWeekend: dow >= 5,
		Month:     int(day.Month()),
		Season:    Season(day.Month()),
		IsHoliday: IsHoliday(day),
		TimeOfDay: TimeOfDay(hour),
	}
}

// Vector flattens the numeric features by name, booleans as 0/1.
func (f Features) Vector() map[string]float64 {
	return map[string]float64{
		"hour":         float64(f.Hour),
		"day_of_week":  float64(f.DayOfWeek),
		"is_weekend":   boolFloat(f.IsWeekend),
		"month":        float64(f.Month),
		"is_holiday":   boolFloat(f.IsHoliday),
		"rolling_1d":   float64(f.Rolling1d),
		"rolling_7d":   float64(f.Rolling7d),
		"rolling_30d":  float64(f.Rolling30d),
		"total_events": float64(f.TotalEvents),
		"hourly_mean":  f.HourlyMean,
	}
}

// Season maps a month to its meteorological season.
func Season(m time.Month) string {
	switch m {
	case time.December, time.January, time.February:
		return "Winter"
	case time.March, time.April, time.May:
		return "Spring"
	case time.June, time.July, time.August:
		return "Summer"
	default:
		return "Fall"
	}
}

// IsHoliday reports fixed-date holidays: New Year, Independence Day, Christmas.
func IsHoliday(day time.Time) bool {
	_, m, d := day.Date()
	return (m == time.January && d == 1) ||
		(m == time.July && d == 4) ||
		(m == time.December && d == 25)
}

// TimeOfDay buckets an hour into Night, Morning, Afternoon or Evening.
func TimeOfDay(hour int) string {
	switch {
	case hour < 6:
		return "Night"
	case hour < 12:
		return "Morning"
	case hour < 18:
		return "Afternoon"
	default:
		return "Evening"
	}
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// String renders a bucket key for logs and store keys.
func (k BucketKey) String() string {
	return fmt.Sprintf("%s/%s/%02d", k.CellID, k.Date, k.Hour)
}
