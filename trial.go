package creditgate

import (
	"context"
	"fmt"
	"strings"
)

// TrialTracker counts free trial uses per normalized email. The counter only
// increases; once it reaches the limit the email is exhausted for good.
//
// Two concurrent requests may both observe the last remaining use and both
// proceed. That race is accepted: it is bounded to one extra free use and
// trial abuse is limited by email verification upstream, so no lock is
// taken here.
type TrialTracker struct {
	store Store
	limit int
}

// NewTrialTracker creates a TrialTracker with the given allowance.
func NewTrialTracker(store Store, limit int) *TrialTracker {
	if limit <= 0 {
		limit = DefaultTrialLimit
	}
	return &TrialTracker{store: store, limit: limit}
}

// Available reports whether the email still has trial uses left, and how
// many. Unparsable emails are never eligible.
func (t *TrialTracker) Available(ctx context.Context, email string) (bool, int, error) {
	norm := NormalizeEmail(email)
	if norm == "" {
		return false, 0, nil
	}
	rec, err := t.store.TrialUses(ctx, norm)
	if err != nil {
		return false, 0, err
	}
	left := t.limit - rec.Uses
	if left < 0 {
		left = 0
	}
	return left > 0, left, nil
}

// Uses returns the consumed trial count for an email.
func (t *TrialTracker) Uses(ctx context.Context, email string) (int, error) {
	norm := NormalizeEmail(email)
	if norm == "" {
		return 0, nil
	}
	rec, err := t.store.TrialUses(ctx, norm)
	if err != nil {
		return 0, err
	}
	return rec.Uses, nil
}

// Record consumes one trial use.
func (t *TrialTracker) Record(ctx context.Context, email string) (TrialRecord, error) {
	norm := NormalizeEmail(email)
	if norm == "" {
		return TrialRecord{}, fmt.Errorf("creditgate: trial: unusable email %q", email)
	}
	return t.store.RecordTrialUse(ctx, norm)
}

// Limit returns the configured allowance.
func (t *TrialTracker) Limit() int { return t.limit }

// NormalizeEmail lower-cases, trims, and strips one +tag from the local
// part so aliased addresses share a single trial allowance. Returns "" for
// anything without a usable local part and domain.
func NormalizeEmail(email string) string {
	email = strings.ToLower(strings.TrimSpace(email))
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return ""
	}
	local, domain := email[:at], email[at+1:]
	if plus := strings.Index(local, "+"); plus > 0 {
		local = local[:plus]
	}
	return local + "@" + domain
}
