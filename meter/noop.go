package meter

import "github.com/meterline/creditgate"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ creditgate.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnAccess(creditgate.AccessEvent) {}
func (m *NoopMeter) OnCharge(creditgate.ChargeEvent) {}
func (m *NoopMeter) OnQuote(creditgate.QuoteEvent)   {}
func (m *NoopMeter) OnSweep(creditgate.SweepEvent)   {}
