package evidence

import (
	"fmt"
	"time"
)

const dateLayout = "2006-01-02"

// DateKey returns the UTC calendar date key (YYYY-MM-DD) for t.
func DateKey(t time.Time) string {
	return t.UTC().Format(dateLayout)
}

// ParseDateKey parses a YYYY-MM-DD key as midnight UTC.
func ParseDateKey(key string) (time.Time, error) {
	t, err := time.ParseInLocation(dateLayout, key, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date key %q: %w", key, err)
	}
	return t, nil
}

// WeekKey returns the ISO-8601 week key (YYYY-Www) for t in UTC.
func WeekKey(t time.Time) string {
	year, week := t.UTC().ISOWeek()
	return fmt.Sprintf("%04d-W%02d", year, week)
}

// MonthKey returns the calendar month key (YYYY-MM) for t in UTC.
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// Metadata is the per-snapshot freshness record.
type Metadata struct {
	Date      string    `json:"date"`
	ISOWeek   string    `json:"iso_week"`
	ISOMonth  string    `json:"iso_month"`
	CreatedAt time.Time `json:"created_at"`
	RunID     string    `json:"run_id,omitempty"`
}

// NewMetadata derives the calendar keys for a run started at t.
func NewMetadata(t time.Time, runID string) Metadata {
	return Metadata{
		Date:      DateKey(t),
		ISOWeek:   WeekKey(t),
		ISOMonth:  MonthKey(t),
		CreatedAt: t.UTC(),
		RunID:     runID,
	}
}
