package policy

import (
	"time"

	"github.com/google/uuid"

	"github.com/acme/campaign-call-manager/internal/domain"
)

// Resolve decides whether a failed attempt may be retried and when the next
// attempt should fire. attemptCount is the number of attempts already made.
//
// Rule selection: a campaign with rules of its own shadows the global list;
// inside a list, declaration order breaks ties. When now falls inside a
// window the next attempt fires after that window's interval; outside every
// window it defers to the earliest upcoming window start, scanning forward
// day by day and wrapping the week. With no windows at all the document
// default interval applies.
func Resolve(rs *domain.RuleSet, campaignID uuid.UUID, attemptCount int, now time.Time) domain.RetryDecision {
	local := now.In(location(rs))
	rules := rs.RulesFor(campaignID)

	maxAttempts := resolveMaxAttempts(rs, rules, local.Weekday())
	if attemptCount >= maxAttempts {
		return domain.RetryDecision{Eligible: false, MaxAttempts: maxAttempts}
	}

	minute := minuteOfDay(local)
	for _, r := range rules {
		if r.Contains(local.Weekday(), minute) {
			return domain.RetryDecision{
				Eligible:    true,
				NextRetryAt: now.Add(r.Interval()),
				MaxAttempts: maxAttempts,
				RuleName:    r.Name,
			}
		}
	}

	if start, name, ok := nextWindowStart(rules, local); ok {
		return domain.RetryDecision{
			Eligible:    true,
			NextRetryAt: start,
			MaxAttempts: maxAttempts,
			RuleName:    name,
		}
	}

	return domain.RetryDecision{
		Eligible:    true,
		NextRetryAt: now.Add(rs.DefaultInterval),
		MaxAttempts: maxAttempts,
	}
}

// InWindow reports whether now falls inside any calling window for the
// campaign. With no windows configured every instant qualifies.
func InWindow(rs *domain.RuleSet, campaignID uuid.UUID, now time.Time) bool {
	rules := rs.RulesFor(campaignID)
	if len(rules) == 0 {
		return true
	}
	local := now.In(location(rs))
	minute := minuteOfDay(local)
	for _, r := range rules {
		if r.Contains(local.Weekday(), minute) {
			return true
		}
	}
	return false
}

// NextWindow returns the earliest upcoming window start after now for the
// campaign. ok is false when the campaign has no windows.
func NextWindow(rs *domain.RuleSet, campaignID uuid.UUID, now time.Time) (time.Time, bool) {
	local := now.In(location(rs))
	start, _, ok := nextWindowStart(rs.RulesFor(campaignID), local)
	return start, ok
}

// resolveMaxAttempts takes the maximum ceiling among rules applicable on the
// given weekday, falling back to the whole list and then the document
// default.
func resolveMaxAttempts(rs *domain.RuleSet, rules []domain.RetryRule, day time.Weekday) int {
	max := 0
	for _, r := range rules {
		if r.AppliesOn(day) && r.MaxAttempts > max {
			max = r.MaxAttempts
		}
	}
	if max == 0 {
		for _, r := range rules {
			if r.MaxAttempts > max {
				max = r.MaxAttempts
			}
		}
	}
	if max == 0 {
		max = rs.DefaultMaxAttempts
	}
	return max
}

// nextWindowStart scans up to a full week ahead, including later windows
// today, for the earliest window start strictly after local.
func nextWindowStart(rules []domain.RetryRule, local time.Time) (time.Time, string, bool) {
	minute := minuteOfDay(local)
	for offset := 0; offset <= 7; offset++ {
		day := time.Weekday((int(local.Weekday()) + offset) % 7)
		var best time.Time
		var name string
		for _, r := range rules {
			if !r.AppliesOn(day) {
				continue
			}
			if offset == 0 && r.StartMinute <= minute {
				continue
			}
			start := windowStart(local, offset, r.StartMinute)
			if best.IsZero() || start.Before(best) {
				best = start
				name = r.Name
			}
		}
		if !best.IsZero() {
			return best, name, true
		}
	}
	return time.Time{}, "", false
}

func windowStart(local time.Time, dayOffset, startMinute int) time.Time {
	day := local.AddDate(0, 0, dayOffset)
	return time.Date(day.Year(), day.Month(), day.Day(), startMinute/60, startMinute%60, 0, 0, day.Location())
}

func minuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

func location(rs *domain.RuleSet) *time.Location {
	if rs.Location != nil {
		return rs.Location
	}
	return time.UTC
}
