package admission

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	apperrors "github.com/acme/campaign-call-manager/pkg/errors"
)

func newTestController(t *testing.T, cfg Config) (*Controller, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error = %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})

	return NewController(client, cfg), mr
}

func TestNewControllerDefaults(t *testing.T) {
	c := NewController(nil, Config{})
	if c.limit != 100 {
		t.Fatalf("expected default ceiling 100, got %d", c.limit)
	}
	if c.duplicateWindow != 5*time.Minute {
		t.Fatalf("expected default duplicate window 5m, got %v", c.duplicateWindow)
	}
	if c.slotTTL != time.Hour {
		t.Fatalf("expected default slot ttl 1h, got %v", c.slotTTL)
	}
	if c.prefix != "admission" {
		t.Fatalf("expected default prefix, got %q", c.prefix)
	}
}

func TestKeyLayout(t *testing.T) {
	c := NewController(nil, Config{KeyPrefix: "adm"})
	if got := c.slotsKey(); got != "adm:slots" {
		t.Errorf("slots key = %q", got)
	}
	if got := c.slotKey("call_1"); got != "adm:slot:call_1" {
		t.Errorf("slot key = %q", got)
	}
	if got := c.targetKey("15550001111"); got != "adm:target:15550001111" {
		t.Errorf("target key = %q", got)
	}
}

func TestDenialFromScore(t *testing.T) {
	if err := denialFromScore(1, "15550001111"); err != nil {
		t.Fatalf("expected admission, got %v", err)
	}

	err := denialFromScore(-1, "15550001111")
	if !apperrors.Is(err, apperrors.ErrDuplicateCall) {
		t.Fatalf("expected duplicate denial, got %v", err)
	}

	err = denialFromScore(0, "15550001111")
	if !apperrors.Is(err, apperrors.ErrCapacityExhausted) {
		t.Fatalf("expected capacity denial, got %v", err)
	}

	if !apperrors.IsAdmissionDenied(err) {
		t.Fatalf("expected capacity denial to count as admission denial")
	}
}

func TestAdmitEnforcesCeiling(t *testing.T) {
	c, _ := newTestController(t, Config{MaxConcurrent: 2})
	ctx := context.Background()

	if err := c.Admit(ctx, "call_a", "15550000001"); err != nil {
		t.Fatalf("first admit: %v", err)
	}
	if err := c.Admit(ctx, "call_b", "15550000002"); err != nil {
		t.Fatalf("second admit: %v", err)
	}

	err := c.Admit(ctx, "call_c", "15550000003")
	if !apperrors.Is(err, apperrors.ErrCapacityExhausted) {
		t.Fatalf("third admit at the ceiling must be a capacity denial, got %v", err)
	}

	active, err := c.Active(ctx)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if active != 2 {
		t.Fatalf("denied admit must not consume a slot: active = %d", active)
	}

	if err := c.Release(ctx, "call_a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := c.Admit(ctx, "call_c", "15550000003"); err != nil {
		t.Fatalf("admit after release must succeed, got %v", err)
	}

	active, err = c.Active(ctx)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if active != 2 {
		t.Fatalf("expected 2 live slots after release+admit, got %d", active)
	}
}

func TestAdmitSuppressesDuplicateTarget(t *testing.T) {
	c, _ := newTestController(t, Config{MaxConcurrent: 10})
	ctx := context.Background()

	if err := c.Admit(ctx, "call_a", "15550000001"); err != nil {
		t.Fatalf("first admit: %v", err)
	}

	err := c.Admit(ctx, "call_b", "15550000001")
	if !apperrors.Is(err, apperrors.ErrDuplicateCall) {
		t.Fatalf("second admit for the same target must be a duplicate denial, got %v", err)
	}

	if err := c.Admit(ctx, "call_b", "15550000002"); err != nil {
		t.Fatalf("admit for a fresh target: %v", err)
	}
}

func TestReleaseFreesTargetForNewCall(t *testing.T) {
	c, _ := newTestController(t, Config{MaxConcurrent: 10})
	ctx := context.Background()

	if err := c.Admit(ctx, "call_a", "15550000001"); err != nil {
		t.Fatalf("admit: %v", err)
	}
	if err := c.Release(ctx, "call_a"); err != nil {
		t.Fatalf("release: %v", err)
	}

	active, err := c.Active(ctx)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if active != 0 {
		t.Fatalf("expected no live slots after release, got %d", active)
	}

	if err := c.Admit(ctx, "call_b", "15550000001"); err != nil {
		t.Fatalf("released target must admit again, got %v", err)
	}
}

func TestDuplicateWindowExpiry(t *testing.T) {
	c, mr := newTestController(t, Config{MaxConcurrent: 10, DuplicateWindow: 2 * time.Minute})
	ctx := context.Background()

	if err := c.Admit(ctx, "call_a", "15550000001"); err != nil {
		t.Fatalf("admit: %v", err)
	}

	err := c.Admit(ctx, "call_b", "15550000001")
	if !apperrors.Is(err, apperrors.ErrDuplicateCall) {
		t.Fatalf("admit inside the window must be denied, got %v", err)
	}

	mr.FastForward(3 * time.Minute)

	if err := c.Admit(ctx, "call_b", "15550000001"); err != nil {
		t.Fatalf("admit after the window expired: %v", err)
	}
}

func TestReleaseKeepsForeignTargetLock(t *testing.T) {
	c, mr := newTestController(t, Config{MaxConcurrent: 10, DuplicateWindow: 2 * time.Minute})
	ctx := context.Background()

	if err := c.Admit(ctx, "call_a", "15550000001"); err != nil {
		t.Fatalf("admit call_a: %v", err)
	}

	// call_a's duplicate lock lapses while its slot is still live; the target
	// is then re-locked by call_b.
	mr.FastForward(3 * time.Minute)
	if err := c.Admit(ctx, "call_b", "15550000001"); err != nil {
		t.Fatalf("admit call_b: %v", err)
	}

	if err := c.Release(ctx, "call_a"); err != nil {
		t.Fatalf("release call_a: %v", err)
	}

	err := c.CanAdmit(ctx, "15550000001")
	if !apperrors.Is(err, apperrors.ErrDuplicateCall) {
		t.Fatalf("call_b's lock must survive call_a's release, got %v", err)
	}
}

func TestCanAdmitReservesNothing(t *testing.T) {
	c, _ := newTestController(t, Config{MaxConcurrent: 1})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := c.CanAdmit(ctx, "15550000001"); err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
	}

	active, err := c.Active(ctx)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if active != 0 {
		t.Fatalf("checks must not reserve slots, got %d", active)
	}

	if err := c.Admit(ctx, "call_a", "15550000001"); err != nil {
		t.Fatalf("admit: %v", err)
	}
	if err := c.CanAdmit(ctx, "15550000002"); !apperrors.Is(err, apperrors.ErrCapacityExhausted) {
		t.Fatalf("check at the ceiling must be a capacity denial, got %v", err)
	}
}
