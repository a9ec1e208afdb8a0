package domain

import (
	"time"

	"github.com/google/uuid"
)

// RetryRule is one calling window: the weekdays and minute range during which
// retries may be placed, and the retry parameters that apply inside it.
// Windows are half-open [StartMinute, EndMinute) at minute granularity.
type RetryRule struct {
	Name            string
	Days            []time.Weekday
	StartMinute     int
	EndMinute       int
	MaxAttempts     int
	IntervalMinutes int
}

// AppliesOn reports whether the rule covers the given weekday.
func (r RetryRule) AppliesOn(day time.Weekday) bool {
	for _, d := range r.Days {
		if d == day {
			return true
		}
	}
	return false
}

// Contains reports whether the instant (weekday, minute-of-day) falls inside
// the rule's window.
func (r RetryRule) Contains(day time.Weekday, minuteOfDay int) bool {
	if !r.AppliesOn(day) {
		return false
	}
	return minuteOfDay >= r.StartMinute && minuteOfDay < r.EndMinute
}

// Interval returns the retry interval as a duration.
func (r RetryRule) Interval() time.Duration {
	return time.Duration(r.IntervalMinutes) * time.Minute
}

// RuleSet is one immutable snapshot of the retry policy document. Reads go
// through a snapshot so a reload never exposes a half-updated document.
type RuleSet struct {
	Location           *time.Location
	DefaultMaxAttempts int
	DefaultInterval    time.Duration
	Global             []RetryRule
	Campaign           map[uuid.UUID][]RetryRule
}

// RulesFor selects the rule list consulted for a campaign. A campaign with
// rules of its own shadows the global list entirely.
func (rs *RuleSet) RulesFor(campaignID uuid.UUID) []RetryRule {
	if rules, ok := rs.Campaign[campaignID]; ok && len(rules) > 0 {
		return rules
	}
	return rs.Global
}

// RetryDecision is the evaluator's verdict for one failed attempt.
type RetryDecision struct {
	Eligible    bool
	NextRetryAt time.Time
	MaxAttempts int
	RuleName    string
}
