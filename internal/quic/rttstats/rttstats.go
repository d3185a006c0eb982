// Package rttstats tracks round-trip time samples for a single packet
// number space and derives the smoothed estimators the loss detector
// and congestion controller consume.
package rttstats

import "time"

const (
	// initialRttMicros is used until the first valid sample arrives.
	initialRttMicros = 100 * 1000

	minRtt = time.Microsecond
)

// RttStats holds the RTT estimators for one connection/packet-number
// space. All fields are zero until the first valid sample, except
// initialRtt which seeds smoothedRtt before any sample exists.
type RttStats struct {
	latestRtt    time.Duration
	minRtt       time.Duration
	smoothedRtt  time.Duration
	previousSrtt time.Duration
	meanDeviation time.Duration
	initialRtt   time.Duration
}

// New returns an RttStats seeded with the default initial RTT.
func New() *RttStats {
	return &RttStats{initialRtt: initialRttMicros * time.Microsecond}
}

// SetInitialRtt overrides the initial RTT estimate used until the first
// sample arrives. Has no effect once a sample has been recorded.
func (r *RttStats) SetInitialRtt(d time.Duration) {
	r.initialRtt = d
}

// LatestRtt returns the most recent RTT sample.
func (r *RttStats) LatestRtt() time.Duration { return r.latestRtt }

// MinRtt returns the minimum RTT observed over the connection's life.
func (r *RttStats) MinRtt() time.Duration { return r.minRtt }

// SmoothedRtt returns the current smoothed RTT estimate, or the initial
// RTT if no sample has been recorded yet.
func (r *RttStats) SmoothedRtt() time.Duration {
	if r.smoothedRtt == 0 {
		return r.initialRtt
	}
	return r.smoothedRtt
}

// PreviousSrtt returns the smoothed RTT as it stood before the most
// recent UpdateRtt call.
func (r *RttStats) PreviousSrtt() time.Duration { return r.previousSrtt }

// MeanDeviation returns the current mean RTT deviation estimate.
func (r *RttStats) MeanDeviation() time.Duration { return r.meanDeviation }

// InitialRttUs returns the initial RTT estimate in microseconds.
func (r *RttStats) InitialRttUs() int64 { return r.initialRtt.Microseconds() }

// UpdateRtt records a new RTT sample. sendDelta is the time between
// sending the packet and receiving its ack; ackDelay is the delay the
// peer reported applying before sending the ack (subtracted from
// sendDelta when it does not make the sample implausible).
func (r *RttStats) UpdateRtt(sendDelta, ackDelay time.Duration) {
	if sendDelta <= 0 {
		return
	}

	if r.minRtt == 0 || sendDelta < r.minRtt {
		r.minRtt = sendDelta
	}

	sample := sendDelta
	if ackDelay > 0 && sample-ackDelay > r.minRtt {
		sample -= ackDelay
	}

	r.latestRtt = sample

	if r.smoothedRtt == 0 {
		r.smoothedRtt = sample
		r.meanDeviation = sample / 2
		r.previousSrtt = sample
		return
	}

	r.previousSrtt = r.smoothedRtt

	// meanDeviation uses beta = 3/4: new = 3/4*old + 1/4*|srtt-sample|
	delta := r.smoothedRtt - sample
	if delta < 0 {
		delta = -delta
	}
	r.meanDeviation = (3*r.meanDeviation + delta) / 4

	// smoothedRtt uses beta = 7/8: new = 7/8*old + 1/8*sample
	r.smoothedRtt = (7*r.smoothedRtt + sample) / 8
}

// ExpireSmoothedMetrics resets the smoothed RTT upward to the latest
// sample when the latest sample exceeds it; the mean deviation is
// widened correspondingly. Mirrors the original's guard against a
// stale smoothed estimate surviving a sudden RTT increase.
func (r *RttStats) ExpireSmoothedMetrics() {
	if r.latestRtt <= r.smoothedRtt {
		return
	}
	delta := r.latestRtt - r.smoothedRtt
	if delta > r.meanDeviation {
		r.meanDeviation = delta
	}
	r.smoothedRtt = r.latestRtt
}

// OnConnectionMigration resets per-path state: latestRtt, minRtt,
// smoothedRtt and the mean deviation are all cleared since they
// describe the old path, so SmoothedRtt falls back to the initial
// estimate until the next sample.
func (r *RttStats) OnConnectionMigration() {
	r.latestRtt = 0
	r.minRtt = 0
	r.smoothedRtt = 0
	r.previousSrtt = 0
	r.meanDeviation = 0
}
