package mixer

import "time"

// DefaultRefreshRate is the paint cadence the mixer loop is aligned to when no
// other pacer is supplied.
const DefaultRefreshRate = 60.0

// Pacer delivers paint-cycle ticks to the mixer loop. The mixer decides on
// every tick whether enough time has elapsed to composite.
type Pacer interface {
	C() <-chan time.Time
	Stop()
}

// RefreshPacer ticks at a fixed display refresh rate.
type RefreshPacer struct {
	ticker *time.Ticker
}

// NewRefreshPacer creates a pacer ticking hz times per second.
func NewRefreshPacer(hz float64) *RefreshPacer {
	if hz <= 0 {
		hz = DefaultRefreshRate
	}
	return &RefreshPacer{ticker: time.NewTicker(time.Duration(float64(time.Second) / hz))}
}

// C returns the tick channel.
func (p *RefreshPacer) C() <-chan time.Time {
	return p.ticker.C
}

// Stop releases the underlying ticker.
func (p *RefreshPacer) Stop() {
	p.ticker.Stop()
}
