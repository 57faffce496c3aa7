package creditgate

import "time"

// Meter observes engine events for monitoring/logging. Implementations must
// not block: every call happens after the state transition it describes, and
// never between a worker result and its commit or release.
type Meter interface {
	// OnAccess is called once per request when access resolution concludes.
	OnAccess(event AccessEvent)

	// OnCharge is called for every hold operation against the ledger.
	OnCharge(event ChargeEvent)

	// OnQuote is called when a quote is created or consumed.
	OnQuote(event QuoteEvent)

	// OnSweep is called after each sweeper pass.
	OnSweep(event SweepEvent)
}

// AccessEvent describes an access-resolution outcome.
type AccessEvent struct {
	RequestID  string
	Mode       AccessMode
	SubjectKey string
	Email      string
	DeviceID   string
	Granted    bool
	Bypassed   bool
	Flagged    bool
	RiskScore  int
	Err        error
}

// ChargeOp names a hold operation.
type ChargeOp string

const (
	ChargeReserve ChargeOp = "reserve"
	ChargeCommit  ChargeOp = "commit"
	ChargeRelease ChargeOp = "release"
)

// ChargeEvent describes the outcome of a hold operation.
type ChargeEvent struct {
	Op        ChargeOp
	RequestID string
	BalanceID string
	Amount    int64
	Duration  time.Duration
	Err       error
}

// QuoteOp names a quote lifecycle operation.
type QuoteOp string

const (
	QuoteOpCreate  QuoteOp = "create"
	QuoteOpConsume QuoteOp = "consume"
)

// QuoteEvent describes a quote lifecycle operation.
type QuoteEvent struct {
	Op      QuoteOp
	QuoteID string
	Credits int64
	Err     error
}

// SweepEvent describes one sweeper pass.
type SweepEvent struct {
	HoldsReleased int
	QuotesRemoved int
	Duration      time.Duration
	Err           error
}
