package types

import (
	"testing"
	"time"
)

func TestCalculateNextRetry(t *testing.T) {
	policy := RetryPolicy{
		MaxAttempts:   3,
		BaseDelay:     1 * time.Second,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
	}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second}, // capped
		{-1, 1 * time.Second}, // negative clamps to zero
	}
	for _, tc := range cases {
		if got := CalculateNextRetry(policy, tc.attempt); got != tc.want {
			t.Errorf("attempt %d: expected %s, got %s", tc.attempt, tc.want, got)
		}
	}
}

func TestCalculateNextRetry_OverflowClampsToMax(t *testing.T) {
	policy := RetryPolicy{
		MaxAttempts:   100,
		BaseDelay:     1 * time.Hour,
		MaxDelay:      24 * time.Hour,
		BackoffFactor: 10.0,
	}
	if got := CalculateNextRetry(policy, 50); got != policy.MaxDelay {
		t.Errorf("expected clamp to MaxDelay, got %s", got)
	}
}

func TestDeliveryStatusTransitions(t *testing.T) {
	allowed := []struct {
		from, to DeliveryStatus
	}{
		{DeliveryStatusPending, DeliveryStatusSent},
		{DeliveryStatusSent, DeliveryStatusDelivered},
		{DeliveryStatusDelivered, DeliveryStatusRead},
		{DeliveryStatusPending, DeliveryStatusFailed},
		{DeliveryStatusFailed, DeliveryStatusRetrying},
		{DeliveryStatusRetrying, DeliveryStatusSent},
	}
	for _, tc := range allowed {
		if !tc.from.CanTransitionTo(tc.to) {
			t.Errorf("%s -> %s must be allowed", tc.from, tc.to)
		}
	}

	forbidden := []struct {
		from, to DeliveryStatus
	}{
		{DeliveryStatusRead, DeliveryStatusFailed},
		{DeliveryStatusRead, DeliveryStatusPending},
		{DeliveryStatusDelivered, DeliveryStatusSent},
		{DeliveryStatusSent, DeliveryStatusPending},
		{DeliveryStatusSent, DeliveryStatusRetrying},
	}
	for _, tc := range forbidden {
		if tc.from.CanTransitionTo(tc.to) {
			t.Errorf("%s -> %s must be rejected", tc.from, tc.to)
		}
	}
}
