package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/acme/campaign-call-manager/internal/domain"
	"github.com/acme/campaign-call-manager/internal/queue"
	"github.com/acme/campaign-call-manager/internal/repository"
	apperrors "github.com/acme/campaign-call-manager/pkg/errors"
	"github.com/acme/campaign-call-manager/pkg/logger"
)

type fakeCalls struct {
	mu   sync.Mutex
	rows map[string]*domain.CallAttempt
}

func newFakeCalls() *fakeCalls {
	return &fakeCalls{rows: make(map[string]*domain.CallAttempt)}
}

func (f *fakeCalls) Create(ctx context.Context, attempt *domain.CallAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[attempt.CallID]; ok {
		return repository.ErrConflict
	}
	cp := *attempt
	f.rows[attempt.CallID] = &cp
	return nil
}

func (f *fakeCalls) Get(ctx context.Context, callID string) (*domain.CallAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[callID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (f *fakeCalls) ListByCampaign(ctx context.Context, campaignID uuid.UUID, limit, offset int) ([]domain.CallAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.CallAttempt
	for _, row := range f.rows {
		if row.CampaignID == campaignID {
			out = append(out, *row)
		}
	}
	return out, nil
}

func (f *fakeCalls) Transition(ctx context.Context, callID string, from []domain.CallStatus, change repository.StatusChange) (*domain.CallAttempt, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[callID]
	if !ok {
		return nil, false, repository.ErrNotFound
	}

	matched := false
	for _, s := range from {
		if row.Status == s {
			matched = true
			break
		}
	}
	if !matched {
		cp := *row
		return &cp, false, nil
	}

	row.Status = change.To
	if change.IncrementAttempt {
		row.AttemptCount++
	}
	if change.MaxAttempts != nil {
		row.MaxAttempts = *change.MaxAttempts
	}
	if change.ExternalRef != nil && row.ExternalRef == nil {
		ref := *change.ExternalRef
		row.ExternalRef = &ref
	}
	if change.DurationSeconds != nil {
		d := *change.DurationSeconds
		row.DurationSeconds = &d
	}
	if change.ErrorMessage != nil {
		msg := *change.ErrorMessage
		row.ErrorMessage = &msg
	}
	if change.NextRetryAt != nil {
		at := *change.NextRetryAt
		row.NextRetryAt = &at
	} else {
		row.NextRetryAt = nil
	}
	row.LastTransitionAt = change.At

	cp := *row
	return &cp, true, nil
}

func (f *fakeCalls) ListDueForRetry(ctx context.Context, now time.Time, limit int) ([]domain.CallAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.CallAttempt
	for _, row := range f.rows {
		if row.Status.IsRetryPending() && row.NextRetryAt != nil && !row.NextRetryAt.After(now) && row.AttemptCount < row.MaxAttempts {
			out = append(out, *row)
		}
	}
	return out, nil
}

func (f *fakeCalls) DeferRetry(ctx context.Context, callID string, until time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[callID]
	if !ok {
		return repository.ErrNotFound
	}
	if row.Status.IsRetryPending() {
		at := until
		row.NextRetryAt = &at
	}
	return nil
}

type fakeCampaigns struct {
	rows map[uuid.UUID]*domain.Campaign
}

func (f *fakeCampaigns) Create(ctx context.Context, campaign *domain.Campaign) error {
	f.rows[campaign.ID] = campaign
	return nil
}

func (f *fakeCampaigns) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	row, ok := f.rows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (f *fakeCampaigns) List(ctx context.Context, afterID *uuid.UUID, limit int) ([]*domain.Campaign, error) {
	var out []*domain.Campaign
	for _, row := range f.rows {
		cp := *row
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeCampaigns) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	row, ok := f.rows[id]
	if !ok {
		return repository.ErrNotFound
	}
	row.Active = active
	return nil
}

type fakeAdmitter struct {
	mu       sync.Mutex
	denyWith error
	admitted []string
	released []string
}

func (f *fakeAdmitter) Admit(ctx context.Context, callID, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.denyWith != nil {
		return f.denyWith
	}
	f.admitted = append(f.admitted, callID)
	return nil
}

func (f *fakeAdmitter) Release(ctx context.Context, callID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, callID)
	return nil
}

func (f *fakeAdmitter) releaseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.released)
}

type fakeDispatcher struct {
	mu      sync.Mutex
	fail    error
	intents []queue.IntentMessage
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, msg queue.IntentMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.intents = append(f.intents, msg)
	return nil
}

type fakeStream struct {
	mu       sync.Mutex
	messages []queue.TransitionMessage
}

func (f *fakeStream) PublishTransition(ctx context.Context, msg queue.TransitionMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
	return nil
}

func (f *fakeStream) transitions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.messages))
	for _, m := range f.messages {
		out = append(out, m.To)
	}
	return out
}

type fakeAudit struct {
	mu     sync.Mutex
	events []domain.TransitionEvent
}

func (f *fakeAudit) Append(ctx context.Context, event domain.TransitionEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeAudit) ListByCall(ctx context.Context, callID string, limit int) ([]domain.TransitionEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.TransitionEvent
	for _, ev := range f.events {
		if ev.CallID == callID {
			out = append(out, ev)
		}
	}
	return out, nil
}

type policyStub struct {
	rules *domain.RuleSet
}

func (p policyStub) Snapshot() *domain.RuleSet { return p.rules }

func allWeek() []time.Weekday {
	return []time.Weekday{
		time.Sunday, time.Monday, time.Tuesday, time.Wednesday,
		time.Thursday, time.Friday, time.Saturday,
	}
}

func anytimeRules(maxAttempts, intervalMinutes int) *domain.RuleSet {
	return &domain.RuleSet{
		Location:           time.UTC,
		DefaultMaxAttempts: maxAttempts,
		DefaultInterval:    time.Duration(intervalMinutes) * time.Minute,
		Global: []domain.RetryRule{{
			Name:            "anytime",
			Days:            allWeek(),
			StartMinute:     0,
			EndMinute:       24 * 60,
			MaxAttempts:     maxAttempts,
			IntervalMinutes: intervalMinutes,
		}},
	}
}

type fixture struct {
	engine     *Engine
	calls      *fakeCalls
	campaigns  *fakeCampaigns
	admitter   *fakeAdmitter
	dispatcher *fakeDispatcher
	stream     *fakeStream
	audit      *fakeAudit
	campaignID uuid.UUID
}

func newFixture(t *testing.T, rules *domain.RuleSet) *fixture {
	t.Helper()
	campaignID := uuid.New()
	fx := &fixture{
		calls: newFakeCalls(),
		campaigns: &fakeCampaigns{rows: map[uuid.UUID]*domain.Campaign{
			campaignID: {ID: campaignID, Name: "festive-sale", Active: true},
		}},
		admitter:   &fakeAdmitter{},
		dispatcher: &fakeDispatcher{},
		stream:     &fakeStream{},
		audit:      &fakeAudit{},
		campaignID: campaignID,
	}
	fx.engine = New(
		fx.calls, fx.campaigns, fx.audit,
		fx.admitter, fx.dispatcher, fx.stream,
		policyStub{rules}, logger.Nop(),
	)
	return fx
}

func (fx *fixture) create(t *testing.T) *domain.CallAttempt {
	t.Helper()
	attempt, err := fx.engine.Create(context.Background(), CreateInput{
		CampaignID:  fx.campaignID,
		PhoneNumber: "+91 98765-43210",
	})
	if err != nil {
		t.Fatalf("create call: %v", err)
	}
	return attempt
}

func intp(v int) *int { return &v }

func TestCreateAdmitsAndDispatches(t *testing.T) {
	fx := newFixture(t, anytimeRules(3, 60))
	attempt := fx.create(t)

	if attempt.Status != domain.CallStatusInitiated {
		t.Fatalf("expected INITIATED, got %s", attempt.Status)
	}
	if attempt.AttemptCount != 1 || attempt.MaxAttempts != 3 {
		t.Fatalf("unexpected attempt bookkeeping: %d of %d", attempt.AttemptCount, attempt.MaxAttempts)
	}
	if attempt.PhoneNumber != "919876543210" {
		t.Fatalf("expected normalized target, got %q", attempt.PhoneNumber)
	}
	if len(fx.admitter.admitted) != 1 {
		t.Fatalf("expected one admission, got %d", len(fx.admitter.admitted))
	}
	if len(fx.dispatcher.intents) != 1 {
		t.Fatalf("expected one dial intent, got %d", len(fx.dispatcher.intents))
	}
	if got := fx.dispatcher.intents[0]; got.CallID != attempt.CallID || got.Attempt != 1 {
		t.Fatalf("unexpected intent %+v", got)
	}
	if got := fx.stream.transitions(); len(got) != 1 || got[0] != string(domain.CallStatusInitiated) {
		t.Fatalf("unexpected transition stream %v", got)
	}
}

func TestCreateRejectsBadTarget(t *testing.T) {
	fx := newFixture(t, anytimeRules(3, 60))
	for _, number := range []string{"", "12345", "98xy7654321", "1234567890123456"} {
		_, err := fx.engine.Create(context.Background(), CreateInput{
			CampaignID:  fx.campaignID,
			PhoneNumber: number,
		})
		if !errors.Is(err, apperrors.ErrValidation) {
			t.Fatalf("number %q: expected validation error, got %v", number, err)
		}
	}
	if len(fx.admitter.admitted) != 0 {
		t.Fatalf("invalid targets must not reach admission")
	}
}

func TestCreateRefusesInactiveCampaign(t *testing.T) {
	fx := newFixture(t, anytimeRules(3, 60))
	fx.campaigns.rows[fx.campaignID].Active = false

	_, err := fx.engine.Create(context.Background(), CreateInput{
		CampaignID:  fx.campaignID,
		PhoneNumber: "9876543210",
	})
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCreateUnknownCampaign(t *testing.T) {
	fx := newFixture(t, anytimeRules(3, 60))
	_, err := fx.engine.Create(context.Background(), CreateInput{
		CampaignID:  uuid.New(),
		PhoneNumber: "9876543210",
	})
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCreateSurfacesAdmissionDenials(t *testing.T) {
	for _, deny := range []error{apperrors.ErrDuplicateCall, apperrors.ErrCapacityExhausted} {
		fx := newFixture(t, anytimeRules(3, 60))
		fx.admitter.denyWith = deny

		_, err := fx.engine.Create(context.Background(), CreateInput{
			CampaignID:  fx.campaignID,
			PhoneNumber: "9876543210",
		})
		if !errors.Is(err, deny) {
			t.Fatalf("expected %v, got %v", deny, err)
		}
		if len(fx.calls.rows) != 0 {
			t.Fatalf("denied call must not be persisted")
		}
		if len(fx.dispatcher.intents) != 0 {
			t.Fatalf("denied call must not be dispatched")
		}
	}
}

func TestCreateReleasesSlotWhenDispatchFails(t *testing.T) {
	fx := newFixture(t, anytimeRules(3, 60))
	fx.dispatcher.fail = errors.New("broker down")

	_, err := fx.engine.Create(context.Background(), CreateInput{
		CampaignID:  fx.campaignID,
		PhoneNumber: "9876543210",
	})
	if !errors.Is(err, apperrors.ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if fx.admitter.releaseCount() != 1 {
		t.Fatalf("expected the slot to be released, got %d releases", fx.admitter.releaseCount())
	}

	var parked *domain.CallAttempt
	for _, row := range fx.calls.rows {
		parked = row
	}
	if parked == nil {
		t.Fatal("expected the attempt row to survive the dispatch failure")
	}
	if parked.Status != domain.CallStatusFailed {
		t.Fatalf("expected the attempt parked FAILED, got %s", parked.Status)
	}
	if parked.NextRetryAt != nil {
		t.Fatal("a never-dispatched attempt must not be scheduled for retry")
	}
	if parked.ErrorMessage == nil {
		t.Fatal("expected the dispatch error to be recorded")
	}
}

func TestProviderAcceptedSetsExternalRefOnce(t *testing.T) {
	fx := newFixture(t, anytimeRules(3, 60))
	attempt := fx.create(t)

	got, err := fx.engine.Transition(context.Background(), attempt.CallID, ProviderAccepted{ExternalRef: "ext-001"})
	if err != nil {
		t.Fatalf("provider accepted: %v", err)
	}
	if got.Status != domain.CallStatusProcessing {
		t.Fatalf("expected PROCESSING, got %s", got.Status)
	}
	if got.ExternalRef == nil || *got.ExternalRef != "ext-001" {
		t.Fatalf("expected external ref ext-001, got %v", got.ExternalRef)
	}

	events := len(fx.stream.transitions())
	again, err := fx.engine.Transition(context.Background(), attempt.CallID, ProviderAccepted{ExternalRef: "ext-002"})
	if err != nil {
		t.Fatalf("duplicate accept: %v", err)
	}
	if again.Status != domain.CallStatusProcessing {
		t.Fatalf("duplicate accept changed status to %s", again.Status)
	}
	if *again.ExternalRef != "ext-001" {
		t.Fatalf("external ref must be set at most once, got %s", *again.ExternalRef)
	}
	if len(fx.stream.transitions()) != events {
		t.Fatalf("stale transition must not emit events")
	}
}

func TestCallbackPickedIsTerminal(t *testing.T) {
	fx := newFixture(t, anytimeRules(3, 60))
	attempt := fx.create(t)

	if _, err := fx.engine.Transition(context.Background(), attempt.CallID, ProviderAccepted{ExternalRef: "ext-001"}); err != nil {
		t.Fatalf("provider accepted: %v", err)
	}
	got, err := fx.engine.Transition(context.Background(), attempt.CallID, CallbackReceived{
		Outcome:         domain.OutcomePicked,
		DurationSeconds: intp(45),
	})
	if err != nil {
		t.Fatalf("picked callback: %v", err)
	}
	if got.Status != domain.CallStatusPicked {
		t.Fatalf("expected PICKED, got %s", got.Status)
	}
	if got.DurationSeconds == nil || *got.DurationSeconds != 45 {
		t.Fatalf("expected duration 45, got %v", got.DurationSeconds)
	}
	if got.NextRetryAt != nil {
		t.Fatalf("terminal call must not carry a retry time")
	}
	if fx.admitter.releaseCount() != 1 {
		t.Fatalf("expected one slot release, got %d", fx.admitter.releaseCount())
	}

	// A redelivered callback with a different duration settles as a no-op.
	again, err := fx.engine.Transition(context.Background(), attempt.CallID, CallbackReceived{
		Outcome:         domain.OutcomePicked,
		DurationSeconds: intp(50),
	})
	if err != nil {
		t.Fatalf("duplicate callback: %v", err)
	}
	if again.Status != domain.CallStatusPicked || *again.DurationSeconds != 45 {
		t.Fatalf("duplicate callback must not rewrite the row: %s %v", again.Status, again.DurationSeconds)
	}
	if fx.admitter.releaseCount() != 1 {
		t.Fatalf("duplicate callback must not release twice, got %d", fx.admitter.releaseCount())
	}
}

func TestCallbackRetryPendingKeepsOutcomeAndSchedules(t *testing.T) {
	fx := newFixture(t, anytimeRules(3, 60))
	attempt := fx.create(t)

	if _, err := fx.engine.Transition(context.Background(), attempt.CallID, ProviderAccepted{}); err != nil {
		t.Fatalf("provider accepted: %v", err)
	}

	before := time.Now().UTC()
	got, err := fx.engine.Transition(context.Background(), attempt.CallID, CallbackReceived{
		Outcome: domain.OutcomeDisconnected,
	})
	if err != nil {
		t.Fatalf("disconnected callback: %v", err)
	}
	if got.Status != domain.CallStatusDisconnected {
		t.Fatalf("outcome must be preserved, got %s", got.Status)
	}
	if got.NextRetryAt == nil {
		t.Fatalf("retry-pending call must carry a retry time")
	}
	lower := before.Add(59 * time.Minute)
	upper := time.Now().UTC().Add(61 * time.Minute)
	if got.NextRetryAt.Before(lower) || got.NextRetryAt.After(upper) {
		t.Fatalf("next retry %v outside the hour window", got.NextRetryAt)
	}
	if fx.admitter.releaseCount() != 1 {
		t.Fatalf("retry-pending call must release its slot immediately")
	}
}

func TestCallbackExhaustsAtCeiling(t *testing.T) {
	fx := newFixture(t, anytimeRules(1, 60))
	attempt := fx.create(t)

	if _, err := fx.engine.Transition(context.Background(), attempt.CallID, ProviderAccepted{}); err != nil {
		t.Fatalf("provider accepted: %v", err)
	}
	got, err := fx.engine.Transition(context.Background(), attempt.CallID, CallbackReceived{
		Outcome: domain.OutcomeRNR,
	})
	if err != nil {
		t.Fatalf("rnr callback: %v", err)
	}
	if got.Status != domain.CallStatusExhausted {
		t.Fatalf("expected EXHAUSTED, got %s", got.Status)
	}
	if got.ErrorMessage == nil {
		t.Fatalf("exhausted call must record an error message")
	}
	if got.NextRetryAt != nil {
		t.Fatalf("exhausted call must not be rescheduled")
	}

	// The stream preserves the outcome before collapsing to EXHAUSTED.
	want := []string{"INITIATED", "PROCESSING", "RNR", "EXHAUSTED"}
	got2 := fx.stream.transitions()
	if len(got2) != len(want) {
		t.Fatalf("expected %v, got %v", want, got2)
	}
	for i := range want {
		if got2[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got2)
		}
	}
}

func TestProviderRejectedFailsFromInitiated(t *testing.T) {
	fx := newFixture(t, anytimeRules(3, 60))
	attempt := fx.create(t)

	got, err := fx.engine.Transition(context.Background(), attempt.CallID, ProviderRejected{Reason: "trunk unavailable"})
	if err != nil {
		t.Fatalf("provider rejected: %v", err)
	}
	if got.Status != domain.CallStatusFailed {
		t.Fatalf("expected FAILED, got %s", got.Status)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != "trunk unavailable" {
		t.Fatalf("expected rejection reason, got %v", got.ErrorMessage)
	}
	if got.NextRetryAt == nil {
		t.Fatalf("rejected attempt below the ceiling must be rescheduled")
	}
	if fx.admitter.releaseCount() != 1 {
		t.Fatalf("rejected attempt must free its slot")
	}
}

func TestRetryAdmittedAdvancesAttempt(t *testing.T) {
	fx := newFixture(t, anytimeRules(3, 60))
	attempt := fx.create(t)

	if _, err := fx.engine.Transition(context.Background(), attempt.CallID, ProviderAccepted{}); err != nil {
		t.Fatalf("provider accepted: %v", err)
	}
	if _, err := fx.engine.Transition(context.Background(), attempt.CallID, CallbackReceived{Outcome: domain.OutcomeRNR}); err != nil {
		t.Fatalf("rnr callback: %v", err)
	}

	got, err := fx.engine.Transition(context.Background(), attempt.CallID, RetryAdmitted{})
	if err != nil {
		t.Fatalf("retry admitted: %v", err)
	}
	if got.Status != domain.CallStatusInitiated {
		t.Fatalf("expected INITIATED, got %s", got.Status)
	}
	if got.AttemptCount != 2 {
		t.Fatalf("expected attempt 2, got %d", got.AttemptCount)
	}
	if got.NextRetryAt != nil {
		t.Fatalf("re-armed call must not keep a retry time")
	}
	if len(fx.dispatcher.intents) != 2 {
		t.Fatalf("expected a fresh dial intent, got %d", len(fx.dispatcher.intents))
	}
	if fx.dispatcher.intents[1].Attempt != 2 {
		t.Fatalf("fresh intent must carry attempt 2, got %d", fx.dispatcher.intents[1].Attempt)
	}

	// Both hops of the re-arm show up on the stream.
	trail := fx.stream.transitions()
	if trail[len(trail)-2] != "RETRYING" || trail[len(trail)-1] != "INITIATED" {
		t.Fatalf("expected RETRYING then INITIATED at the tail, got %v", trail)
	}
}

func TestRetryAdmittedOnSettledCallReleasesSlot(t *testing.T) {
	fx := newFixture(t, anytimeRules(3, 60))
	attempt := fx.create(t)

	if _, err := fx.engine.Transition(context.Background(), attempt.CallID, ProviderAccepted{}); err != nil {
		t.Fatalf("provider accepted: %v", err)
	}
	if _, err := fx.engine.Transition(context.Background(), attempt.CallID, CallbackReceived{Outcome: domain.OutcomePicked, DurationSeconds: intp(30)}); err != nil {
		t.Fatalf("picked callback: %v", err)
	}
	releases := fx.admitter.releaseCount()

	got, err := fx.engine.Transition(context.Background(), attempt.CallID, RetryAdmitted{})
	if err != nil {
		t.Fatalf("retry admitted on settled call: %v", err)
	}
	if got.Status != domain.CallStatusPicked {
		t.Fatalf("settled call must stay PICKED, got %s", got.Status)
	}
	if fx.admitter.releaseCount() != releases+1 {
		t.Fatalf("the unused slot must be released")
	}
	if got.AttemptCount != 1 {
		t.Fatalf("stale retry must leave the attempt count alone, got %d", got.AttemptCount)
	}
}

func TestRetryAdmittedParksOnDispatchFailure(t *testing.T) {
	fx := newFixture(t, anytimeRules(3, 60))
	attempt := fx.create(t)

	if _, err := fx.engine.Transition(context.Background(), attempt.CallID, ProviderAccepted{}); err != nil {
		t.Fatalf("provider accepted: %v", err)
	}
	if _, err := fx.engine.Transition(context.Background(), attempt.CallID, CallbackReceived{Outcome: domain.OutcomeFailed, Reason: "busy"}); err != nil {
		t.Fatalf("failed callback: %v", err)
	}

	fx.dispatcher.fail = errors.New("broker down")
	_, err := fx.engine.Transition(context.Background(), attempt.CallID, RetryAdmitted{})
	if !errors.Is(err, apperrors.ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}

	row, getErr := fx.engine.Get(context.Background(), attempt.CallID)
	if getErr != nil {
		t.Fatalf("get: %v", getErr)
	}
	if row.Status != domain.CallStatusFailed {
		t.Fatalf("expected the attempt parked as FAILED, got %s", row.Status)
	}
	if row.NextRetryAt == nil {
		t.Fatalf("parked attempt must stay visible to the sweep")
	}
	if row.AttemptCount != 2 {
		t.Fatalf("expected attempt 2 after the failed re-arm, got %d", row.AttemptCount)
	}
}

func TestExhaustionAfterFinalAttempt(t *testing.T) {
	fx := newFixture(t, anytimeRules(3, 60))
	attempt := fx.create(t)
	ctx := context.Background()

	for round := 1; round <= 3; round++ {
		if _, err := fx.engine.Transition(ctx, attempt.CallID, ProviderAccepted{}); err != nil {
			t.Fatalf("round %d accept: %v", round, err)
		}
		got, err := fx.engine.Transition(ctx, attempt.CallID, CallbackReceived{Outcome: domain.OutcomeRNR})
		if err != nil {
			t.Fatalf("round %d callback: %v", round, err)
		}
		if round < 3 {
			if got.Status != domain.CallStatusRNR {
				t.Fatalf("round %d: expected RNR, got %s", round, got.Status)
			}
			if _, err := fx.engine.Transition(ctx, attempt.CallID, RetryAdmitted{}); err != nil {
				t.Fatalf("round %d retry: %v", round, err)
			}
		} else {
			if got.Status != domain.CallStatusExhausted {
				t.Fatalf("final round must exhaust, got %s", got.Status)
			}
			if got.AttemptCount != 3 {
				t.Fatalf("expected 3 attempts, got %d", got.AttemptCount)
			}
		}
	}

	want := []string{
		"INITIATED", "PROCESSING", "RNR", "RETRYING", "INITIATED",
		"PROCESSING", "RNR", "RETRYING", "INITIATED",
		"PROCESSING", "RNR", "EXHAUSTED",
	}
	got := fx.stream.transitions()
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s (%v)", i, want[i], got[i], got)
		}
	}

	trail, err := fx.engine.History(context.Background(), attempt.CallID, 50)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(trail) != len(want) {
		t.Fatalf("audit log should mirror the stream: %d vs %d", len(trail), len(want))
	}
}

func TestTransitionUnknownCall(t *testing.T) {
	fx := newFixture(t, anytimeRules(3, 60))
	_, err := fx.engine.Transition(context.Background(), "call_missing", CallbackReceived{Outcome: domain.OutcomePicked})
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
