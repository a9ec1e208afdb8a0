package policy

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/acme/campaign-call-manager/internal/domain"
)

func utcRuleSet(global []domain.RetryRule) *domain.RuleSet {
	return &domain.RuleSet{
		Location:           time.UTC,
		DefaultMaxAttempts: 3,
		DefaultInterval:    60 * time.Minute,
		Global:             global,
		Campaign:           map[uuid.UUID][]domain.RetryRule{},
	}
}

func TestResolveInsideWindow(t *testing.T) {
	rs := utcRuleSet([]domain.RetryRule{
		{
			Name:            "weekday-hours",
			Days:            []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
			StartMinute:     9 * 60,
			EndMinute:       18 * 60,
			MaxAttempts:     3,
			IntervalMinutes: 60,
		},
	})

	// 2024-01-01 is a Monday.
	mondayMorning := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	decision := Resolve(rs, uuid.New(), 1, mondayMorning)
	if !decision.Eligible {
		t.Fatalf("expected eligible decision inside window")
	}
	want := mondayMorning.Add(60 * time.Minute)
	if !decision.NextRetryAt.Equal(want) {
		t.Fatalf("expected next retry %v, got %v", want, decision.NextRetryAt)
	}
	if decision.RuleName != "weekday-hours" {
		t.Fatalf("expected rule weekday-hours, got %q", decision.RuleName)
	}
}

func TestResolveDefersToWindowLaterToday(t *testing.T) {
	rs := utcRuleSet([]domain.RetryRule{
		{
			Name:            "saturday-push",
			Days:            []time.Weekday{time.Saturday},
			StartMinute:     10 * 60,
			EndMinute:       12 * 60,
			MaxAttempts:     3,
			IntervalMinutes: 30,
		},
	})

	// 2024-01-06 is a Saturday; 09:00 sits before the window opens.
	saturdayEarly := time.Date(2024, 1, 6, 9, 0, 0, 0, time.UTC)
	decision := Resolve(rs, uuid.New(), 1, saturdayEarly)
	if !decision.Eligible {
		t.Fatalf("expected eligible decision before window")
	}
	want := time.Date(2024, 1, 6, 10, 0, 0, 0, time.UTC)
	if !decision.NextRetryAt.Equal(want) {
		t.Fatalf("expected deferral to same-day window start %v, got %v", want, decision.NextRetryAt)
	}
}

func TestResolveWrapsToNextWeek(t *testing.T) {
	rs := utcRuleSet([]domain.RetryRule{
		{
			Name:            "saturday-push",
			Days:            []time.Weekday{time.Saturday},
			StartMinute:     10 * 60,
			EndMinute:       12 * 60,
			MaxAttempts:     3,
			IntervalMinutes: 30,
		},
	})

	// Saturday 13:00, after the only window closed for the day.
	saturdayAfternoon := time.Date(2024, 1, 6, 13, 0, 0, 0, time.UTC)
	decision := Resolve(rs, uuid.New(), 1, saturdayAfternoon)
	if !decision.Eligible {
		t.Fatalf("expected eligible decision")
	}
	want := time.Date(2024, 1, 13, 10, 0, 0, 0, time.UTC)
	if !decision.NextRetryAt.Equal(want) {
		t.Fatalf("expected wrap to next Saturday %v, got %v", want, decision.NextRetryAt)
	}
}

func TestResolveExhaustsAtMaxAttempts(t *testing.T) {
	rs := utcRuleSet([]domain.RetryRule{
		{
			Name:            "everyday",
			Days:            []time.Weekday{time.Sunday, time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday},
			StartMinute:     0,
			EndMinute:       24*60 - 1,
			MaxAttempts:     3,
			IntervalMinutes: 60,
		},
	})

	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	decision := Resolve(rs, uuid.New(), 3, now)
	if decision.Eligible {
		t.Fatalf("expected exhaustion at attempt 3 of 3")
	}
	if decision.MaxAttempts != 3 {
		t.Fatalf("expected max attempts 3, got %d", decision.MaxAttempts)
	}

	decision = Resolve(rs, uuid.New(), 2, now)
	if !decision.Eligible {
		t.Fatalf("expected attempt 2 of 3 to stay eligible")
	}
}

func TestResolveCampaignRulesShadowGlobal(t *testing.T) {
	campaignID := uuid.New()
	rs := utcRuleSet([]domain.RetryRule{
		{
			Name:            "global",
			Days:            []time.Weekday{time.Monday},
			StartMinute:     9 * 60,
			EndMinute:       18 * 60,
			MaxAttempts:     3,
			IntervalMinutes: 60,
		},
	})
	rs.Campaign[campaignID] = []domain.RetryRule{
		{
			Name:            "campaign-special",
			Days:            []time.Weekday{time.Monday},
			StartMinute:     9 * 60,
			EndMinute:       18 * 60,
			MaxAttempts:     5,
			IntervalMinutes: 15,
		},
	}

	mondayMorning := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	decision := Resolve(rs, campaignID, 1, mondayMorning)
	if decision.RuleName != "campaign-special" {
		t.Fatalf("expected campaign rule to shadow global, got %q", decision.RuleName)
	}
	if want := mondayMorning.Add(15 * time.Minute); !decision.NextRetryAt.Equal(want) {
		t.Fatalf("expected campaign interval, got %v", decision.NextRetryAt)
	}

	other := Resolve(rs, uuid.New(), 1, mondayMorning)
	if other.RuleName != "global" {
		t.Fatalf("expected other campaigns to use the global rule, got %q", other.RuleName)
	}
}

func TestResolveDeclarationOrderBreaksTies(t *testing.T) {
	rs := utcRuleSet([]domain.RetryRule{
		{
			Name:            "first",
			Days:            []time.Weekday{time.Monday},
			StartMinute:     9 * 60,
			EndMinute:       18 * 60,
			MaxAttempts:     3,
			IntervalMinutes: 30,
		},
		{
			Name:            "second",
			Days:            []time.Weekday{time.Monday},
			StartMinute:     9 * 60,
			EndMinute:       18 * 60,
			MaxAttempts:     3,
			IntervalMinutes: 90,
		},
	})

	mondayMorning := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	decision := Resolve(rs, uuid.New(), 1, mondayMorning)
	if decision.RuleName != "first" {
		t.Fatalf("expected first declared rule to win, got %q", decision.RuleName)
	}
}

func TestResolveWithoutRulesUsesDefaultInterval(t *testing.T) {
	rs := utcRuleSet(nil)

	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	decision := Resolve(rs, uuid.New(), 1, now)
	if !decision.Eligible {
		t.Fatalf("expected eligible decision without rules")
	}
	if want := now.Add(60 * time.Minute); !decision.NextRetryAt.Equal(want) {
		t.Fatalf("expected default interval, got %v", decision.NextRetryAt)
	}
	if decision.MaxAttempts != 3 {
		t.Fatalf("expected default max attempts, got %d", decision.MaxAttempts)
	}
}

func TestResolveMaxAttemptsPrefersTodayRules(t *testing.T) {
	rs := utcRuleSet([]domain.RetryRule{
		{
			Name:            "weekday",
			Days:            []time.Weekday{time.Monday},
			StartMinute:     9 * 60,
			EndMinute:       18 * 60,
			MaxAttempts:     5,
			IntervalMinutes: 60,
		},
		{
			Name:            "weekend",
			Days:            []time.Weekday{time.Saturday},
			StartMinute:     10 * 60,
			EndMinute:       12 * 60,
			MaxAttempts:     2,
			IntervalMinutes: 60,
		},
	})

	monday := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	if decision := Resolve(rs, uuid.New(), 3, monday); !decision.Eligible {
		t.Fatalf("expected Monday ceiling of 5 to keep attempt 3 eligible")
	}

	saturday := time.Date(2024, 1, 6, 10, 30, 0, 0, time.UTC)
	if decision := Resolve(rs, uuid.New(), 3, saturday); decision.Eligible {
		t.Fatalf("expected Saturday ceiling of 2 to exhaust attempt 3")
	}
}

func TestResolveHonorsPolicyTimezone(t *testing.T) {
	kolkata, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	rs := utcRuleSet([]domain.RetryRule{
		{
			Name:            "local-morning",
			Days:            []time.Weekday{time.Monday},
			StartMinute:     9 * 60,
			EndMinute:       12 * 60,
			MaxAttempts:     3,
			IntervalMinutes: 60,
		},
	})
	rs.Location = kolkata

	// 04:30 UTC on Monday is 10:00 in Kolkata, inside the window.
	now := time.Date(2024, 1, 1, 4, 30, 0, 0, time.UTC)
	decision := Resolve(rs, uuid.New(), 1, now)
	if decision.RuleName != "local-morning" {
		t.Fatalf("expected window match in policy timezone, got %q", decision.RuleName)
	}
}

func TestInWindow(t *testing.T) {
	rs := utcRuleSet([]domain.RetryRule{
		{
			Name:            "saturday-push",
			Days:            []time.Weekday{time.Saturday},
			StartMinute:     10 * 60,
			EndMinute:       12 * 60,
			MaxAttempts:     3,
			IntervalMinutes: 30,
		},
	})

	inside := time.Date(2024, 1, 6, 11, 0, 0, 0, time.UTC)
	if !InWindow(rs, uuid.New(), inside) {
		t.Fatalf("expected %v to be inside the window", inside)
	}

	boundary := time.Date(2024, 1, 6, 12, 0, 0, 0, time.UTC)
	if InWindow(rs, uuid.New(), boundary) {
		t.Fatalf("expected window end %v to be exclusive", boundary)
	}

	if !InWindow(utcRuleSet(nil), uuid.New(), inside) {
		t.Fatalf("expected every instant to qualify without rules")
	}
}

func TestNextWindow(t *testing.T) {
	rs := utcRuleSet([]domain.RetryRule{
		{
			Name:            "saturday-push",
			Days:            []time.Weekday{time.Saturday},
			StartMinute:     10 * 60,
			EndMinute:       12 * 60,
			MaxAttempts:     3,
			IntervalMinutes: 30,
		},
	})

	sundayNoon := time.Date(2024, 1, 7, 12, 0, 0, 0, time.UTC)
	start, ok := NextWindow(rs, uuid.New(), sundayNoon)
	if !ok {
		t.Fatalf("expected an upcoming window")
	}
	if want := time.Date(2024, 1, 13, 10, 0, 0, 0, time.UTC); !start.Equal(want) {
		t.Fatalf("expected next Saturday %v, got %v", want, start)
	}

	if _, ok := NextWindow(utcRuleSet(nil), uuid.New(), sundayNoon); ok {
		t.Fatalf("expected no window without rules")
	}
}
