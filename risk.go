package creditgate

import "time"

// RiskDecision is the escalation outcome for an over-quota anonymous
// request.
type RiskDecision int

const (
	// RiskNone means the quota was not exceeded and no scoring happened.
	RiskNone RiskDecision = iota
	// RiskChallenge allows the request only after the caller passes a
	// challenge.
	RiskChallenge
	// RiskReview allows the request but flags it for manual review.
	RiskReview
	// RiskBlock rejects the request outright.
	RiskBlock
)

func (d RiskDecision) String() string {
	switch d {
	case RiskNone:
		return "none"
	case RiskChallenge:
		return "challenge"
	case RiskReview:
		return "review"
	case RiskBlock:
		return "block"
	default:
		return "unknown"
	}
}

// RiskSignals are the inputs the scorer combines.
type RiskSignals struct {
	// TokenValid is false when the device token was missing, expired, or
	// failed signature verification.
	TokenValid bool
	// SessionAge is the age of the device token.
	SessionAge time.Duration
	// PriorAttempts counts over-quota attempts from this device within the
	// attempt window.
	PriorAttempts int
	// IPDevices counts distinct devices seen from the caller's IP within
	// the attempt window.
	IPDevices int
}

// Signal weights.
const (
	riskWeightInvalidToken  = 45
	riskWeightYoungSession  = 20
	riskWeightRepeatAttempt = 15
	riskWeightSharedIP      = 25

	riskRepeatAttemptsAfter = 3
)

// RiskScorer turns abuse signals on an over-quota request into a graded
// escalation (challenge, review, or block) instead of a flat denial. The
// asymmetry slows automated abuse without universally punishing legitimate
// retries.
type RiskScorer struct {
	cfg RiskConfig
}

// NewRiskScorer creates a scorer. Zero config fields fall back to defaults.
func NewRiskScorer(cfg RiskConfig) *RiskScorer {
	return &RiskScorer{cfg: cfg.withDefaults()}
}

// Score combines the signals into a score and a decision. Scores at or
// above BlockScore block, at or above ReviewScore flag for review, and
// everything below resolves to a challenge.
func (s *RiskScorer) Score(sig RiskSignals) (int, RiskDecision) {
	score := 0
	if !sig.TokenValid {
		score += riskWeightInvalidToken
	}
	if sig.SessionAge < s.cfg.MinSessionAge {
		score += riskWeightYoungSession
	}
	if sig.PriorAttempts > riskRepeatAttemptsAfter {
		score += riskWeightRepeatAttempt
	}
	if sig.IPDevices > s.cfg.MaxIPDevices {
		score += riskWeightSharedIP
	}

	switch {
	case score >= s.cfg.BlockScore:
		return score, RiskBlock
	case score >= s.cfg.ReviewScore:
		return score, RiskReview
	default:
		return score, RiskChallenge
	}
}
