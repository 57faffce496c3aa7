package meter

import (
	"sync"
	"sync/atomic"

	"github.com/meterline/creditgate"
)

// AsyncMeter decouples event delivery from the hot path: events are queued
// on a buffered channel and forwarded to the wrapped meter by a single
// background goroutine. When the buffer is full, events are dropped and
// counted rather than blocking a charge.
type AsyncMeter struct {
	inner   creditgate.Meter
	events  chan asyncEvent
	stopCh  chan struct{}
	stop    sync.Once
	wg      sync.WaitGroup
	dropped atomic.Int64
}

var _ creditgate.Meter = (*AsyncMeter)(nil)

// asyncEvent is a one-of wrapper; exactly one field is set.
type asyncEvent struct {
	access *creditgate.AccessEvent
	charge *creditgate.ChargeEvent
	quote  *creditgate.QuoteEvent
	sweep  *creditgate.SweepEvent
}

// NewAsyncMeter wraps inner with a buffered dispatch goroutine.
// buffer <= 0 selects the default of 1024 events.
func NewAsyncMeter(inner creditgate.Meter, buffer int) *AsyncMeter {
	if buffer <= 0 {
		buffer = 1024
	}
	m := &AsyncMeter{
		inner:  inner,
		events: make(chan asyncEvent, buffer),
		stopCh: make(chan struct{}),
	}
	m.wg.Add(1)
	go m.run()
	return m
}

func (m *AsyncMeter) OnAccess(e creditgate.AccessEvent) { m.enqueue(asyncEvent{access: &e}) }
func (m *AsyncMeter) OnCharge(e creditgate.ChargeEvent) { m.enqueue(asyncEvent{charge: &e}) }
func (m *AsyncMeter) OnQuote(e creditgate.QuoteEvent)   { m.enqueue(asyncEvent{quote: &e}) }
func (m *AsyncMeter) OnSweep(e creditgate.SweepEvent)   { m.enqueue(asyncEvent{sweep: &e}) }

// Stop delivers buffered events to the wrapped meter and stops the
// dispatch goroutine. Events enqueued after Stop are not delivered.
func (m *AsyncMeter) Stop() {
	m.stop.Do(func() {
		close(m.stopCh)
		m.wg.Wait()
	})
}

// Dropped reports how many events were discarded because the buffer was
// full.
func (m *AsyncMeter) Dropped() int64 {
	return m.dropped.Load()
}

func (m *AsyncMeter) enqueue(e asyncEvent) {
	select {
	case m.events <- e:
	default:
		m.dropped.Add(1)
	}
}

func (m *AsyncMeter) run() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			for {
				select {
				case e := <-m.events:
					m.dispatch(e)
				default:
					return
				}
			}
		case e := <-m.events:
			m.dispatch(e)
		}
	}
}

func (m *AsyncMeter) dispatch(e asyncEvent) {
	switch {
	case e.access != nil:
		m.inner.OnAccess(*e.access)
	case e.charge != nil:
		m.inner.OnCharge(*e.charge)
	case e.quote != nil:
		m.inner.OnQuote(*e.quote)
	case e.sweep != nil:
		m.inner.OnSweep(*e.sweep)
	}
}
