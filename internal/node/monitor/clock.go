package monitor

import "time"

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

// TickSource delivers scan ticks.
type TickSource interface {
	Ticks() <-chan time.Time
	Stop()
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// RealClock returns the wall clock.
func RealClock() Clock { return realClock{} }

type intervalTicks struct {
	ticker *time.Ticker
}

// NewIntervalTicks returns a TickSource that ticks every interval.
func NewIntervalTicks(interval time.Duration) TickSource {
	return &intervalTicks{ticker: time.NewTicker(interval)}
}

func (t *intervalTicks) Ticks() <-chan time.Time { return t.ticker.C }

func (t *intervalTicks) Stop() { t.ticker.Stop() }
