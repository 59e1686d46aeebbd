// Package ratelimit provides a simple packets-per-second policer.
package ratelimit

import "time"

// Policer admits up to pps packets per second on average, plus a burst
// of up to burst packets above the schedule. It never blocks: packets
// over the limit are rejected.
// Not safe for concurrent use.
type Policer struct {
	interval time.Duration // time budget per packet
	slack    time.Duration // how far ahead of now tat may run
	tat      time.Time     // theoretical arrival time of the next packet
	now      func() time.Time
}

// New creates a policer for pps packets per second.
// If pps == 0, policing is disabled and New returns nil.
// A nil *Policer admits every packet.
func New(pps, burst uint64) *Policer {
	if pps == 0 {
		return nil
	}
	interval := max(time.Second/time.Duration(pps), 1)
	return &Policer{
		interval: interval,
		slack:    time.Duration(burst) * interval,
		now:      time.Now,
	}
}

// Allow reports whether one more packet fits the rate.
func (p *Policer) Allow() bool {
	if p == nil {
		return true
	}
	now := p.now()
	if p.tat.Before(now) {
		// Idle time does not accumulate credit beyond the burst.
		p.tat = now
	}
	if p.tat.Sub(now) > p.slack {
		return false
	}
	p.tat = p.tat.Add(p.interval)
	return true
}
