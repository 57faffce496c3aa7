// Package meter provides Meter implementations for creditgate.
package meter

import (
	"log/slog"

	"github.com/meterline/creditgate"
)

// LogMeter logs engine events using slog. Raw emails never reach the log;
// access events carry the subject key and device id instead.
type LogMeter struct {
	Logger *slog.Logger
}

var _ creditgate.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnAccess(e creditgate.AccessEvent) {
	if e.Granted {
		m.Logger.Info("access",
			"request", e.RequestID,
			"mode", e.Mode,
			"subject", e.SubjectKey,
			"device", e.DeviceID,
			"bypassed", e.Bypassed,
			"flagged", e.Flagged,
			"risk_score", e.RiskScore,
		)
	} else {
		m.Logger.Warn("access_denied",
			"request", e.RequestID,
			"mode", e.Mode,
			"subject", e.SubjectKey,
			"device", e.DeviceID,
			"risk_score", e.RiskScore,
			"error", e.Err,
		)
	}
}

func (m *LogMeter) OnCharge(e creditgate.ChargeEvent) {
	if e.Err == nil {
		m.Logger.Info("charge",
			"op", e.Op,
			"request", e.RequestID,
			"balance", e.BalanceID,
			"amount", e.Amount,
			"duration_ms", e.Duration.Milliseconds(),
		)
	} else {
		m.Logger.Warn("charge_error",
			"op", e.Op,
			"request", e.RequestID,
			"balance", e.BalanceID,
			"amount", e.Amount,
			"duration_ms", e.Duration.Milliseconds(),
			"error", e.Err,
		)
	}
}

func (m *LogMeter) OnQuote(e creditgate.QuoteEvent) {
	if e.Err == nil {
		m.Logger.Info("quote",
			"op", e.Op,
			"quote", e.QuoteID,
			"credits", e.Credits,
		)
	} else {
		m.Logger.Warn("quote_error",
			"op", e.Op,
			"quote", e.QuoteID,
			"credits", e.Credits,
			"error", e.Err,
		)
	}
}

func (m *LogMeter) OnSweep(e creditgate.SweepEvent) {
	switch {
	case e.Err != nil:
		m.Logger.Warn("sweep_error",
			"holds_released", e.HoldsReleased,
			"quotes_removed", e.QuotesRemoved,
			"duration_ms", e.Duration.Milliseconds(),
			"error", e.Err,
		)
	case e.HoldsReleased > 0 || e.QuotesRemoved > 0:
		m.Logger.Info("sweep",
			"holds_released", e.HoldsReleased,
			"quotes_removed", e.QuotesRemoved,
			"duration_ms", e.Duration.Milliseconds(),
		)
	default:
		m.Logger.Debug("sweep",
			"duration_ms", e.Duration.Milliseconds(),
		)
	}
}
