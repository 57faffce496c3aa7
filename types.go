package creditgate

import (
	"fmt"
	"time"
)

// AccessMode identifies how a request was granted access to the worker.
type AccessMode string

const (
	// AccessTrial is a free use consumed from the per-email trial allowance.
	AccessTrial AccessMode = "trial_limited"
	// AccessPaid is a use charged against a prepaid credit balance.
	AccessPaid AccessMode = "paid"
	// AccessDeviceFree is a free use consumed from the per-device allowance.
	AccessDeviceFree AccessMode = "device_free"
)

// Tier selects extraction depth.
type Tier string

const (
	TierStandard Tier = "standard"
	TierDeep     Tier = "deep"
)

// OpFlags enables optional extraction features. Each flag affects price.
type OpFlags struct {
	OCR       bool `json:"ocr,omitempty" yaml:"ocr"`
	Preview   bool `json:"preview,omitempty" yaml:"preview"`
	Checksums bool `json:"checksums,omitempty" yaml:"checksums"`
}

// Balance is a subject's prepaid credit balance. Credits never go negative;
// every mutation happens through a single atomic storage operation.
type Balance struct {
	ID         string
	SubjectKey string
	Credits    int64
	UpdatedAt  time.Time
}

// HoldState is the lifecycle state of a reservation.
type HoldState string

const (
	HoldReserved  HoldState = "RESERVED"
	HoldCommitted HoldState = "COMMITTED"
	HoldReleased  HoldState = "RELEASED"
)

// Hold is a reservation against a balance, keyed by the caller's idempotency
// key (RequestID, unique per balance). The amount is debited at reserve time;
// commit leaves the balance untouched and release refunds it. COMMITTED and
// RELEASED are terminal.
type Hold struct {
	ID        string
	BalanceID string
	RequestID string
	Amount    int64
	State     HoldState
	Reason    string
	QuoteID   string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether a still-reserved hold has outlived its TTL.
func (h Hold) Expired(now time.Time) bool {
	return h.State == HoldReserved && now.After(h.ExpiresAt)
}

// TxnKind classifies a ledger transaction row.
type TxnKind string

const (
	TxnGrant   TxnKind = "grant"
	TxnReserve TxnKind = "reserve"
	TxnCommit  TxnKind = "commit"
	TxnRelease TxnKind = "release"
)

// Transaction is an append-only audit row written whenever a balance changes.
// Reserve rows carry a negative delta, release rows a positive one, and
// commit rows a zero delta marking the finalized charge. At most one commit
// row may exist per request id.
type Transaction struct {
	ID        string
	BalanceID string
	Delta     int64
	Kind      TxnKind
	Reason    string
	RequestID string
	CreatedAt time.Time
}

// QuoteStatus is the lifecycle state of a price quote.
type QuoteStatus string

const (
	QuoteActive  QuoteStatus = "active"
	QuoteUsed    QuoteStatus = "used"
	QuoteExpired QuoteStatus = "expired"
)

// QuoteFile is one declared file inside a quote with its locked price.
type QuoteFile struct {
	ClientFileID string `json:"client_file_id"`
	Name         string `json:"name"`
	SizeBytes    int64  `json:"size_bytes"`
	Credits      int64  `json:"credits"`
}

// Quote is a time-boxed, single-use price lock for a prospective batch of
// files. Consumption is a one-way active→used transition; used and expired
// quotes present uniformly as not-found.
type Quote struct {
	ID           string      `json:"quote_id"`
	SessionID    string      `json:"session_id,omitempty"`
	UserID       string      `json:"user_id,omitempty"`
	Files        []QuoteFile `json:"files"`
	Tier         Tier        `json:"tier"`
	Ops          OpFlags     `json:"ops"`
	CreditsTotal int64       `json:"credits_total"`
	Status       QuoteStatus `json:"status"`
	CreatedAt    time.Time   `json:"created_at"`
	ExpiresAt    time.Time   `json:"expires_at"`
	UsedAt       time.Time   `json:"used_at,omitempty"`
}

// FileCredits returns the locked price for a declared file.
func (q Quote) FileCredits(clientFileID string) (int64, bool) {
	for _, f := range q.Files {
		if f.ClientFileID == clientFileID {
			return f.Credits, true
		}
	}
	return 0, false
}

// FileSpec declares a file for quoting before it is uploaded.
type FileSpec struct {
	ClientFileID string `json:"client_file_id"`
	Name         string `json:"name"`
	SizeBytes    int64  `json:"size_bytes"`
}

// QuoteInput is the request to lock a price for a batch of files.
type QuoteInput struct {
	SessionID string
	UserID    string
	Files     []FileSpec
	Tier      Tier
	Ops       OpFlags
}

// TrialRecord counts trial uses for a normalized email. Uses only increases;
// once the limit is reached the email is permanently exhausted.
type TrialRecord struct {
	Email      string
	Uses       int
	LastUsedAt time.Time
}

// DeviceUsage counts free uses for an anonymous device.
type DeviceUsage struct {
	DeviceID    string
	FreeUsed    int
	LastIP      string
	FirstUsedAt time.Time
	LastUsedAt  time.Time
}

// SubjectKey builds a ledger subject key namespaced per product, e.g.
// "extract:user:u_42" or "extract:session:s_9f2".
func SubjectKey(product, kind, id string) string {
	return fmt.Sprintf("%s:%s:%s", product, kind, id)
}

// ExtractRequest is a single metered extraction request.
type ExtractRequest struct {
	// Caller identity. UserID wins over SessionID when both are set.
	SessionID string
	UserID    string

	// Email enables the trial allowance when set.
	Email string

	// DeviceToken is the signed anonymous device token, if the caller has
	// one. Empty or invalid tokens cause a fresh token to be issued.
	DeviceToken string

	// IdempotencyKey is required for paid mode and identifies retries of
	// the same logical request.
	IdempotencyKey string

	// QuoteID plus ClientFileID lock a previously quoted price.
	QuoteID      string
	ClientFileID string

	// File under extraction.
	FilePath  string
	FileName  string
	SizeBytes int64

	Tier Tier
	Ops  OpFlags

	// ClientIP feeds risk scoring for over-quota anonymous requests.
	ClientIP string
}

// AccessInfo describes how an extraction was granted and what it cost.
type AccessInfo struct {
	Mode            AccessMode `json:"mode"`
	CreditsCharged  int64      `json:"credits_charged"`
	CreditsRequired int64      `json:"credits_required"`
	TrialUsesLeft   int        `json:"trial_uses_left"`
	DeviceUsesLeft  int        `json:"device_uses_left"`
	// Bypassed marks non-production requests allowed without touching the
	// ledger (AccessPolicy).
	Bypassed bool `json:"bypassed,omitempty"`
	// Flagged marks requests allowed but queued for manual review by the
	// risk scorer.
	Flagged bool `json:"flagged,omitempty"`
}

// ExtractResult is the outcome of a successful extraction.
type ExtractResult struct {
	RequestID string     `json:"request_id"`
	Access    AccessInfo `json:"access"`
	Document  *Document  `json:"document"`
	QuoteID   string     `json:"quote_id,omitempty"`
	// DeviceToken echoes the verified token or carries a newly issued one.
	DeviceToken string `json:"device_token,omitempty"`
}
