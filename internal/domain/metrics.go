package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallMetrics is one campaign's transition counters for one day, aggregated
// by the metrics worker from the transition stream.
type CallMetrics struct {
	CampaignID   uuid.UUID
	Day          time.Time
	Initiated    int64
	Picked       int64
	Disconnected int64
	RNR          int64
	Failed       int64
	Exhausted    int64
	Retries      int64
}

// MetricsDay truncates a timestamp to its UTC calendar day.
func MetricsDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
