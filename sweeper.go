package creditgate

import (
	"context"
	"sync"
	"time"
)

// Sweeper periodically reconciles abandoned holds and quotes back to a
// terminal state: holds left RESERVED past their expiry are released and
// refunded, expired quotes are removed. Release is idempotent per hold, so
// a sweep is safe to run concurrently with live requests and on multiple
// instances.
type Sweeper struct {
	holds    *HoldManager
	quotes   *QuoteManager
	interval time.Duration
	meter    Meter

	mu      sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewSweeper creates a Sweeper. A nil meter disables events.
func NewSweeper(holds *HoldManager, quotes *QuoteManager, interval time.Duration, meter Meter) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if meter == nil {
		meter = noopMeter{}
	}
	return &Sweeper{
		holds:    holds,
		quotes:   quotes,
		interval: interval,
		meter:    meter,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the background loop. Calling Start twice is a no-op.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true

	s.wg.Add(1)
	go s.loop()
}

// Stop halts the loop and waits for an in-flight pass to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
}

func (s *Sweeper) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep(context.Background())
		case <-s.stopCh:
			return
		}
	}
}

// Sweep runs one reconciliation pass, usable directly as a manual recovery
// operation. It returns how many holds were released and how many quotes
// removed by this pass.
func (s *Sweeper) Sweep(ctx context.Context) (released, removed int, err error) {
	start := time.Now()

	released, err = s.holds.CleanupExpired(ctx)
	removed, quoteErr := s.quotes.CleanupExpired(ctx)
	if err == nil {
		err = quoteErr
	}

	s.meter.OnSweep(SweepEvent{
		HoldsReleased: released,
		QuotesRemoved: removed,
		Duration:      time.Since(start),
		Err:           err,
	})
	return released, removed, err
}
