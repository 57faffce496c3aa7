package creditgate

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// QuoteManager prices prospective extractions and locks the result for a
// bounded window. Quotes are single-use: consumption is a one-way
// active→used transition, and used or expired quotes present as not-found.
type QuoteManager struct {
	store   Store
	pricing Pricing
	ttl     time.Duration
	meter   Meter
}

// NewQuoteManager creates a QuoteManager. A nil meter disables events.
func NewQuoteManager(store Store, pricing Pricing, ttl time.Duration, meter Meter) *QuoteManager {
	if ttl <= 0 {
		ttl = DefaultQuoteTTL
	}
	if meter == nil {
		meter = noopMeter{}
	}
	return &QuoteManager{store: store, pricing: pricing, ttl: ttl, meter: meter}
}

// Create prices the declared files and stores an active quote with a fixed
// TTL.
func (m *QuoteManager) Create(ctx context.Context, in QuoteInput) (Quote, error) {
	if len(in.Files) == 0 {
		return Quote{}, fmt.Errorf("creditgate: quote: at least one file is required")
	}
	tier := in.Tier
	if tier == "" {
		tier = TierStandard
	}

	files, total := m.pricing.PriceFiles(in.Files, tier, in.Ops)
	now := time.Now().UTC()
	q := Quote{
		ID:           ulid.Make().String(),
		SessionID:    in.SessionID,
		UserID:       in.UserID,
		Files:        files,
		Tier:         tier,
		Ops:          in.Ops,
		CreditsTotal: total,
		Status:       QuoteActive,
		CreatedAt:    now,
		ExpiresAt:    now.Add(m.ttl),
	}

	err := m.store.PutQuote(ctx, q)
	m.meter.OnQuote(QuoteEvent{Op: QuoteOpCreate, QuoteID: q.ID, Credits: total, Err: err})
	if err != nil {
		return Quote{}, fmt.Errorf("creditgate: store quote: %w", err)
	}
	return q, nil
}

// Get returns a quote while it is active and unexpired. Missing, used, and
// expired quotes all yield ErrQuoteNotFound, which is what pushes callers to
// re-quote instead of reusing a stale price.
func (m *QuoteManager) Get(ctx context.Context, id string) (Quote, error) {
	if id == "" {
		return Quote{}, ErrQuoteNotFound
	}
	return m.store.GetQuote(ctx, id)
}

// MarkUsed consumes a quote. Subsequent Get calls return not-found; that
// absence is the replay protection.
func (m *QuoteManager) MarkUsed(ctx context.Context, id string) error {
	err := m.store.MarkQuoteUsed(ctx, id)
	m.meter.OnQuote(QuoteEvent{Op: QuoteOpConsume, QuoteID: id, Err: err})
	return err
}

// CleanupExpired removes quotes past their expiry, bounding the store's
// size, and returns the number removed.
func (m *QuoteManager) CleanupExpired(ctx context.Context) (int, error) {
	return m.store.DeleteExpiredQuotes(ctx)
}

// TTL returns the quote lifetime.
func (m *QuoteManager) TTL() time.Duration { return m.ttl }
