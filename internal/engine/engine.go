package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/campaign-call-manager/internal/domain"
	"github.com/acme/campaign-call-manager/internal/policy"
	"github.com/acme/campaign-call-manager/internal/queue"
	"github.com/acme/campaign-call-manager/internal/repository"
	apperrors "github.com/acme/campaign-call-manager/pkg/errors"
	"github.com/acme/campaign-call-manager/pkg/logger"
)

// Admitter gates call creation behind the concurrency ceiling and the
// per-target duplicate window.
type Admitter interface {
	Admit(ctx context.Context, callID, target string) error
	Release(ctx context.Context, callID string) error
}

// IntentDispatcher pushes dial intents for admitted attempts.
type IntentDispatcher interface {
	Dispatch(ctx context.Context, msg queue.IntentMessage) error
}

// TransitionPublisher mirrors applied transitions onto the event stream.
type TransitionPublisher interface {
	PublishTransition(ctx context.Context, msg queue.TransitionMessage) error
}

// PolicySource yields the current retry rule snapshot.
type PolicySource interface {
	Snapshot() *domain.RuleSet
}

// Engine owns the call attempt lifecycle. All writes after creation go
// through a compare-and-set on the current status, so replayed or reordered
// events settle as no-ops instead of corrupting state.
type Engine struct {
	calls       repository.CallRepository
	campaigns   repository.CampaignRepository
	audit       repository.TransitionLog
	admitter    Admitter
	dispatcher  IntentDispatcher
	transitions TransitionPublisher
	policies    PolicySource
	log         *logger.Logger
}

// New builds the call state engine.
func New(
	calls repository.CallRepository,
	campaigns repository.CampaignRepository,
	audit repository.TransitionLog,
	admitter Admitter,
	dispatcher IntentDispatcher,
	transitions TransitionPublisher,
	policies PolicySource,
	log *logger.Logger,
) *Engine {
	return &Engine{
		calls:       calls,
		campaigns:   campaigns,
		audit:       audit,
		admitter:    admitter,
		dispatcher:  dispatcher,
		transitions: transitions,
		policies:    policies,
		log:         log,
	}
}

// CreateInput carries the arguments for initiating a call.
type CreateInput struct {
	CampaignID  uuid.UUID
	PhoneNumber string
}

// Create validates, admits and persists a new call attempt, then publishes
// its dial intent. Admission denials surface unchanged so callers can map the
// duplicate and capacity cases separately.
func (e *Engine) Create(ctx context.Context, input CreateInput) (*domain.CallAttempt, error) {
	target, ok := domain.NormalizeTarget(input.PhoneNumber)
	if !ok {
		return nil, fmt.Errorf("%w: phone number must be 7 to 15 digits", apperrors.ErrValidation)
	}
	if input.CampaignID == uuid.Nil {
		return nil, fmt.Errorf("%w: campaign id is required", apperrors.ErrValidation)
	}

	campaign, err := e.campaigns.Get(ctx, input.CampaignID)
	if err != nil {
		return nil, fmt.Errorf("call engine: lookup campaign: %w", err)
	}
	if !campaign.Active {
		return nil, fmt.Errorf("%w: campaign %s is not active", apperrors.ErrValidation, campaign.ID)
	}

	now := time.Now().UTC()
	decision := policy.Resolve(e.policies.Snapshot(), campaign.ID, 0, now)
	callID := domain.NewCallID(campaign.ID, target, now)

	if err := e.admitter.Admit(ctx, callID, target); err != nil {
		return nil, fmt.Errorf("call engine: admit: %w", err)
	}

	attempt := &domain.CallAttempt{
		CallID:           callID,
		CampaignID:       campaign.ID,
		PhoneNumber:      target,
		Status:           domain.CallStatusInitiated,
		AttemptCount:     1,
		MaxAttempts:      decision.MaxAttempts,
		CreatedAt:        now,
		LastTransitionAt: now,
	}
	if err := e.calls.Create(ctx, attempt); err != nil {
		e.releaseSlot(ctx, callID)
		return nil, fmt.Errorf("call engine: persist call: %w", err)
	}

	e.emitPath(ctx, attempt, now, "", domain.CallStatusInitiated)

	if err := e.dispatcher.Dispatch(ctx, e.intentFor(attempt, now)); err != nil {
		e.parkCreateFailure(ctx, attempt, err)
		return nil, fmt.Errorf("%w: dispatch intent for %s: %v", apperrors.ErrUnavailable, callID, err)
	}
	return attempt, nil
}

// parkCreateFailure marks a never-dispatched attempt FAILED without a retry
// time. The caller already saw the error and owns the redial decision, so the
// sweep must not resurrect the row.
func (e *Engine) parkCreateFailure(ctx context.Context, attempt *domain.CallAttempt, cause error) {
	now := time.Now().UTC()
	msg := fmt.Sprintf("dispatch intent: %v", cause)
	change := repository.StatusChange{
		To:           domain.CallStatusFailed,
		ErrorMessage: &msg,
		At:           now,
	}
	parked, applied, err := e.apply(ctx, attempt.CallID, []domain.CallStatus{domain.CallStatusInitiated}, change)
	if err != nil {
		e.log.Error("call engine: park after dispatch failure",
			zap.String("call_id", attempt.CallID),
			zap.Error(err),
		)
	} else if applied {
		e.emitPath(ctx, parked, now, domain.CallStatusInitiated, domain.CallStatusFailed)
	}
	e.releaseSlot(ctx, attempt.CallID)
}

// Transition applies a lifecycle event through the status guard. When the
// guard misses the call is untouched and its current state returns with a nil
// error, so redelivered events settle quietly.
func (e *Engine) Transition(ctx context.Context, callID string, event Event) (*domain.CallAttempt, error) {
	if callID == "" {
		return nil, fmt.Errorf("%w: call id is required", apperrors.ErrValidation)
	}
	switch ev := event.(type) {
	case ProviderAccepted:
		return e.providerAccepted(ctx, callID, ev)
	case ProviderRejected:
		return e.callbackReceived(ctx, callID, CallbackReceived{Outcome: domain.OutcomeFailed, Reason: ev.Reason})
	case CallbackReceived:
		return e.callbackReceived(ctx, callID, ev)
	case RetryAdmitted:
		return e.retryAdmitted(ctx, callID)
	default:
		return nil, fmt.Errorf("%w: unsupported transition event %q", apperrors.ErrValidation, event.kind())
	}
}

// Get returns the call attempt by id.
func (e *Engine) Get(ctx context.Context, callID string) (*domain.CallAttempt, error) {
	return e.calls.Get(ctx, callID)
}

// ListByCampaign returns a page of the campaign's call attempts, newest first.
func (e *Engine) ListByCampaign(ctx context.Context, campaignID uuid.UUID, limit, offset int) ([]domain.CallAttempt, error) {
	return e.calls.ListByCampaign(ctx, campaignID, limit, offset)
}

// History returns the audit trail of applied transitions for a call.
func (e *Engine) History(ctx context.Context, callID string, limit int) ([]domain.TransitionEvent, error) {
	return e.audit.ListByCall(ctx, callID, limit)
}

func (e *Engine) providerAccepted(ctx context.Context, callID string, ev ProviderAccepted) (*domain.CallAttempt, error) {
	now := time.Now().UTC()
	change := repository.StatusChange{
		To: domain.CallStatusProcessing,
		At: now,
	}
	if ev.ExternalRef != "" {
		ref := ev.ExternalRef
		change.ExternalRef = &ref
	}

	attempt, applied, err := e.apply(ctx, callID, []domain.CallStatus{domain.CallStatusInitiated}, change)
	if err != nil || !applied {
		return attempt, err
	}
	e.emitPath(ctx, attempt, now, domain.CallStatusInitiated, domain.CallStatusProcessing)
	return attempt, nil
}

func (e *Engine) callbackReceived(ctx context.Context, callID string, ev CallbackReceived) (*domain.CallAttempt, error) {
	current, err := e.calls.Get(ctx, callID)
	if err != nil {
		return nil, fmt.Errorf("call engine: lookup call: %w", err)
	}

	now := time.Now().UTC()
	from := []domain.CallStatus{domain.CallStatusProcessing, domain.CallStatusInitiated}

	var ref *string
	if ev.ExternalRef != "" {
		ref = &ev.ExternalRef
	}

	if ev.Outcome == domain.OutcomePicked {
		change := repository.StatusChange{
			To:              domain.CallStatusPicked,
			ExternalRef:     ref,
			DurationSeconds: ev.DurationSeconds,
			At:              now,
		}
		attempt, applied, err := e.apply(ctx, callID, from, change)
		if err != nil || !applied {
			return attempt, err
		}
		e.emitPath(ctx, attempt, now, current.Status, domain.CallStatusPicked)
		e.releaseSlot(ctx, callID)
		return attempt, nil
	}

	status := ev.Outcome.Status()
	if !status.IsRetryPending() {
		return nil, fmt.Errorf("%w: unsupported outcome %q", apperrors.ErrValidation, ev.Outcome)
	}

	decision := policy.Resolve(e.policies.Snapshot(), current.CampaignID, current.AttemptCount, now)
	if !decision.Eligible {
		msg := "retry budget exhausted"
		if ev.Reason != "" {
			msg = ev.Reason
		}
		change := repository.StatusChange{
			To:           domain.CallStatusExhausted,
			ExternalRef:  ref,
			ErrorMessage: &msg,
			At:           now,
		}
		attempt, applied, err := e.apply(ctx, callID, from, change)
		if err != nil || !applied {
			return attempt, err
		}
		e.emitPath(ctx, attempt, now, current.Status, status, domain.CallStatusExhausted)
		e.releaseSlot(ctx, callID)
		return attempt, nil
	}

	var reason *string
	if ev.Reason != "" {
		reason = &ev.Reason
	}
	next := decision.NextRetryAt
	change := repository.StatusChange{
		To:              status,
		MaxAttempts:     &decision.MaxAttempts,
		ExternalRef:     ref,
		DurationSeconds: ev.DurationSeconds,
		ErrorMessage:    reason,
		NextRetryAt:     &next,
		At:              now,
	}
	attempt, applied, err := e.apply(ctx, callID, from, change)
	if err != nil || !applied {
		return attempt, err
	}
	e.emitPath(ctx, attempt, now, current.Status, status)
	e.releaseSlot(ctx, callID)
	return attempt, nil
}

func (e *Engine) retryAdmitted(ctx context.Context, callID string) (*domain.CallAttempt, error) {
	current, err := e.calls.Get(ctx, callID)
	if err != nil {
		return nil, fmt.Errorf("call engine: lookup call: %w", err)
	}

	now := time.Now().UTC()
	from := domain.RetryPendingStatuses()

	decision := policy.Resolve(e.policies.Snapshot(), current.CampaignID, current.AttemptCount, now)
	if !decision.Eligible {
		msg := "retry budget exhausted"
		change := repository.StatusChange{
			To:           domain.CallStatusExhausted,
			ErrorMessage: &msg,
			At:           now,
		}
		attempt, applied, err := e.apply(ctx, callID, from, change)
		if err != nil || !applied {
			e.releaseSlot(ctx, callID)
			return attempt, err
		}
		e.emitPath(ctx, attempt, now, current.Status, domain.CallStatusExhausted)
		e.releaseSlot(ctx, callID)
		return attempt, nil
	}

	change := repository.StatusChange{
		To:               domain.CallStatusInitiated,
		IncrementAttempt: true,
		MaxAttempts:      &decision.MaxAttempts,
		At:               now,
	}
	attempt, applied, err := e.apply(ctx, callID, from, change)
	if err != nil {
		return nil, err
	}
	if !applied {
		// The slot the scheduler admitted belongs to no attempt now.
		e.releaseSlot(ctx, callID)
		return attempt, nil
	}
	e.emitPath(ctx, attempt, now, current.Status, domain.CallStatusRetrying, domain.CallStatusInitiated)

	if err := e.dispatcher.Dispatch(ctx, e.intentFor(attempt, now)); err != nil {
		return nil, e.recoverDispatchFailure(ctx, attempt, err)
	}
	return attempt, nil
}

// recoverDispatchFailure parks a freshly re-armed attempt back in FAILED (or
// EXHAUSTED when the budget is gone) so a later sweep picks it up, then frees
// the slot.
func (e *Engine) recoverDispatchFailure(ctx context.Context, attempt *domain.CallAttempt, cause error) error {
	now := time.Now().UTC()
	msg := fmt.Sprintf("dispatch intent: %v", cause)
	change := repository.StatusChange{
		To:           domain.CallStatusFailed,
		ErrorMessage: &msg,
		At:           now,
	}

	decision := policy.Resolve(e.policies.Snapshot(), attempt.CampaignID, attempt.AttemptCount, now)
	if decision.Eligible {
		next := decision.NextRetryAt
		change.NextRetryAt = &next
	} else {
		change.To = domain.CallStatusExhausted
	}

	parked, applied, err := e.apply(ctx, attempt.CallID, []domain.CallStatus{domain.CallStatusInitiated}, change)
	if err != nil {
		e.log.Error("call engine: park after dispatch failure",
			zap.String("call_id", attempt.CallID),
			zap.Error(err),
		)
	} else if applied {
		e.emitPath(ctx, parked, now, domain.CallStatusInitiated, change.To)
	}
	e.releaseSlot(ctx, attempt.CallID)
	return fmt.Errorf("%w: dispatch intent for %s: %v", apperrors.ErrUnavailable, attempt.CallID, cause)
}

// apply runs one guarded update. A guard miss is the stale-transition case:
// the current row returns untouched and nothing is emitted.
func (e *Engine) apply(ctx context.Context, callID string, from []domain.CallStatus, change repository.StatusChange) (*domain.CallAttempt, bool, error) {
	attempt, applied, err := e.calls.Transition(ctx, callID, from, change)
	if err != nil {
		return nil, false, fmt.Errorf("call engine: transition %s: %w", callID, err)
	}
	if !applied {
		status := domain.CallStatus("")
		if attempt != nil {
			status = attempt.Status
		}
		e.log.Debug("call engine: stale transition",
			zap.String("call_id", callID),
			zap.String("status", string(status)),
			zap.String("requested", string(change.To)),
		)
	}
	return attempt, applied, nil
}

// emitPath publishes each hop of the transition path to the event stream and
// the audit log. Failures are logged, not returned: the row is canonical and
// downstream consumers tolerate gaps better than the lifecycle tolerates
// rollbacks.
func (e *Engine) emitPath(ctx context.Context, attempt *domain.CallAttempt, at time.Time, path ...domain.CallStatus) {
	for i := 0; i+1 < len(path); i++ {
		e.emit(ctx, attempt, path[i], path[i+1], at)
	}
}

func (e *Engine) emit(ctx context.Context, attempt *domain.CallAttempt, from, to domain.CallStatus, at time.Time) {
	msg := queue.TransitionMessage{
		CallID:     attempt.CallID,
		CampaignID: attempt.CampaignID,
		From:       string(from),
		To:         string(to),
		Attempt:    attempt.AttemptCount,
		OccurredAt: at,
	}
	if err := e.transitions.PublishTransition(ctx, msg); err != nil {
		e.log.Error("call engine: publish transition",
			zap.String("call_id", attempt.CallID),
			zap.Error(err),
		)
	}

	event := domain.TransitionEvent{
		CallID:  attempt.CallID,
		From:    from,
		To:      to,
		Attempt: attempt.AttemptCount,
		At:      at,
	}
	if err := e.audit.Append(ctx, event); err != nil {
		e.log.Error("call engine: append transition log",
			zap.String("call_id", attempt.CallID),
			zap.Error(err),
		)
	}
}

func (e *Engine) intentFor(attempt *domain.CallAttempt, now time.Time) queue.IntentMessage {
	return queue.IntentMessage{
		CallID:      attempt.CallID,
		CampaignID:  attempt.CampaignID,
		PhoneNumber: attempt.PhoneNumber,
		Attempt:     attempt.AttemptCount,
		MaxAttempts: attempt.MaxAttempts,
		EnqueuedAt:  now,
	}
}

func (e *Engine) releaseSlot(ctx context.Context, callID string) {
	if err := e.admitter.Release(ctx, callID); err != nil {
		e.log.Warn("call engine: release slot",
			zap.String("call_id", callID),
			zap.Error(err),
		)
	}
}
