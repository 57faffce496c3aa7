package creditgate

import (
	"context"
	"time"
)

// DeviceCheck carries the request signals for a device-quota decision.
type DeviceCheck struct {
	DeviceID string
	IP       string
	// TokenValid is false when the presented device token was missing,
	// expired, or failed verification.
	TokenValid bool
	// SessionAge is the age of the device token.
	SessionAge time.Duration
}

// DeviceDecision is the outcome of a device-quota check.
type DeviceDecision struct {
	Allowed bool
	// Flagged marks a request allowed only pending manual review.
	Flagged   bool
	Remaining int
	Score     int
	Decision  RiskDecision
}

// DeviceQuota enforces the per-device free allowance. Requests within the
// allowance pass; requests beyond it go through the risk scorer and come
// back as a challenge, a review-flagged allow, or a block, never a silent
// rejection.
type DeviceQuota struct {
	store    Store
	limit    int
	scorer   *RiskScorer
	attempts *AttemptTracker
}

// NewDeviceQuota creates a DeviceQuota.
func NewDeviceQuota(store Store, limit int, scorer *RiskScorer, attempts *AttemptTracker) *DeviceQuota {
	if limit <= 0 {
		limit = DefaultDeviceFreeLimit
	}
	if scorer == nil {
		scorer = NewRiskScorer(RiskConfig{})
	}
	if attempts == nil {
		attempts = NewAttemptTracker(0)
	}
	return &DeviceQuota{store: store, limit: limit, scorer: scorer, attempts: attempts}
}

// Check decides whether a device may take a free use.
func (d *DeviceQuota) Check(ctx context.Context, check DeviceCheck) (DeviceDecision, error) {
	usage, err := d.store.DeviceUsage(ctx, check.DeviceID)
	if err != nil {
		return DeviceDecision{}, err
	}

	if usage.FreeUsed < d.limit {
		return DeviceDecision{Allowed: true, Remaining: d.limit - usage.FreeUsed}, nil
	}

	// Allowance spent: escalate instead of flatly denying.
	d.attempts.Record(check.DeviceID, check.IP)
	score, decision := d.scorer.Score(RiskSignals{
		TokenValid:    check.TokenValid,
		SessionAge:    check.SessionAge,
		PriorAttempts: d.attempts.Attempts(check.DeviceID),
		IPDevices:     d.attempts.DevicesForIP(check.IP),
	})

	dec := DeviceDecision{Score: score, Decision: decision}
	if decision == RiskReview {
		dec.Allowed = true
		dec.Flagged = true
	}
	return dec, nil
}

// Record consumes one free use.
func (d *DeviceQuota) Record(ctx context.Context, deviceID, ip string) (DeviceUsage, error) {
	return d.store.IncrementDeviceUsage(ctx, deviceID, ip)
}

// Limit returns the configured allowance.
func (d *DeviceQuota) Limit() int { return d.limit }
