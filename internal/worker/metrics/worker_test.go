package metrics

import (
	"testing"

	"github.com/acme/campaign-call-manager/internal/domain"
	"github.com/acme/campaign-call-manager/internal/repository"
)

func TestDeltaForCountedStatuses(t *testing.T) {
	cases := []struct {
		to   domain.CallStatus
		want repository.MetricsDelta
	}{
		{domain.CallStatusInitiated, repository.MetricsDelta{Initiated: 1}},
		{domain.CallStatusPicked, repository.MetricsDelta{Picked: 1}},
		{domain.CallStatusDisconnected, repository.MetricsDelta{Disconnected: 1}},
		{domain.CallStatusRNR, repository.MetricsDelta{RNR: 1}},
		{domain.CallStatusFailed, repository.MetricsDelta{Failed: 1}},
		{domain.CallStatusExhausted, repository.MetricsDelta{Exhausted: 1}},
		{domain.CallStatusRetrying, repository.MetricsDelta{Retries: 1}},
	}

	for _, tc := range cases {
		got, ok := deltaFor(string(tc.to))
		if !ok {
			t.Errorf("deltaFor(%s): expected a counted delta", tc.to)
			continue
		}
		if got != tc.want {
			t.Errorf("deltaFor(%s) = %+v, want %+v", tc.to, got, tc.want)
		}
	}
}

func TestDeltaForSkipsHandoffStates(t *testing.T) {
	for _, to := range []string{string(domain.CallStatusProcessing), "UNKNOWN", ""} {
		if _, ok := deltaFor(to); ok {
			t.Errorf("deltaFor(%q): expected no delta", to)
		}
	}
}
