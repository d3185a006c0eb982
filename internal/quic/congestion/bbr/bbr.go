// Package bbr implements the BBR congestion control algorithm as the
// bundled default congestion.Controller. BBR's internal state machine
// is explicitly out of this core's scope (only its Controller surface
// and outputs are consumed elsewhere); it is adapted here essentially
// unchanged from its original form, with a thin in-flight accounting
// addition (CanSend) to satisfy the Controller interface.
//
// Based on Google's BBR algorithm: https://queue.acm.org/detail.cfm?id=3022184
package bbr

import (
	"sync"
	"time"
)

// State represents the current state of BBR.
type State int

const (
	// StateStartup is the initial state where BBR aggressively probes for bandwidth.
	StateStartup State = iota

	// StateDrain reduces the sending rate to drain the queue built up during startup.
	StateDrain

	// StateProbeBW is the steady state where BBR probes for more bandwidth.
	StateProbeBW

	// StateProbeRTT reduces inflight data to probe for minimum RTT.
	StateProbeRTT
)

func (s State) String() string {
	switch s {
	case StateStartup:
		return "STARTUP"
	case StateDrain:
		return "DRAIN"
	case StateProbeBW:
		return "PROBE_BW"
	case StateProbeRTT:
		return "PROBE_RTT"
	default:
		return "UNKNOWN"
	}
}

const (
	// StartupGain is the pacing gain used during STARTUP.
	StartupGain = 2.77

	// DrainGain is the pacing gain used during DRAIN.
	DrainGain = 1.0 / StartupGain

	// ProbeBWCycleLen is the length of the PROBE_BW pacing-gain cycle.
	ProbeBWCycleLen = 8

	// ProbeRTTDuration is how long to stay in PROBE_RTT.
	ProbeRTTDuration = 200 * time.Millisecond

	// ProbeRTTInterval is the interval between PROBE_RTT states.
	ProbeRTTInterval = 10 * time.Second

	// MinPipeCwnd is the minimum cwnd value (in packets).
	MinPipeCwnd = 4

	// HighGain is used to probe for bandwidth.
	HighGain = 2.0

	// FullBandwidthThreshold is the threshold to consider bandwidth
	// fully utilized (no growth in 3 rounds).
	FullBandwidthThreshold = 1.25
)

// probeBWGainCycle alternates between probing higher and lower to find equilibrium.
var probeBWGainCycle = []float64{1.25, 0.75, 1.0, 1.0, 1.0, 1.0, 1.0, 1.0}

// BBR implements the BBR congestion control algorithm and the
// congestion.Controller interface.
type BBR struct {
	mu sync.RWMutex

	state        State
	stateEntryAt time.Time

	btlBw       uint64
	rtProp      time.Duration
	rtPropStamp time.Time

	pacingRate uint64
	sendWindow uint32
	pacingGain float64
	cwndGain   float64

	cycleIndex int
	cycleStamp time.Time
	priorCwnd  uint32

	bandwidthSamples []bandwidthSample
	lastSampleTime   time.Time
	roundCount       uint64
	roundStart       bool

	fullBandwidthReached bool
	fullBandwidthCount   int
	lastBandwidthReached uint64

	deliveredBytes uint64
	deliveredTime  time.Time

	bytesInFlight uint64

	minRTT       time.Duration
	maxBandwidth uint64
}

type bandwidthSample struct {
	bandwidth uint64
	rtt       time.Duration
	timestamp time.Time
}

// Config contains configuration for BBR.
type Config struct {
	InitialCwnd  uint32
	MinRTT       time.Duration
	MaxBandwidth uint64
}

// DefaultConfig returns default BBR configuration.
func DefaultConfig() *Config {
	return &Config{
		InitialCwnd:  10,
		MinRTT:       10 * time.Millisecond,
		MaxBandwidth: 100 * 1024 * 1024,
	}
}

// New creates a new BBR congestion controller.
func New(config *Config) *BBR {
	if config == nil {
		config = DefaultConfig()
	}

	now := time.Now()

	b := &BBR{
		state:            StateStartup,
		stateEntryAt:     now,
		btlBw:            0,
		rtProp:           config.MinRTT,
		rtPropStamp:      now,
		pacingGain:       StartupGain,
		cwndGain:         StartupGain,
		cycleIndex:       0,
		cycleStamp:       now,
		bandwidthSamples: make([]bandwidthSample, 0, 10),
		lastSampleTime:   now,
		deliveredTime:    now,
		minRTT:           config.MinRTT,
		maxBandwidth:     config.MaxBandwidth,
	}

	b.sendWindow = config.InitialCwnd * 1400
	b.pacingRate = uint64(float64(b.sendWindow) / b.rtProp.Seconds())

	return b
}

// OnPacketSent implements congestion.Controller.
func (b *BBR) OnPacketSent(size uint32, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.deliveredBytes += uint64(size)
	b.bytesInFlight += uint64(size)
}

// OnPacketAcked implements congestion.Controller.
func (b *BBR) OnPacketAcked(size uint32, rtt time.Duration, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if uint64(size) <= b.bytesInFlight {
		b.bytesInFlight -= uint64(size)
	} else {
		b.bytesInFlight = 0
	}

	b.updateRTT(rtt, now)
	b.updateBandwidth(size, rtt, now)
	b.updateState(now)
	b.updatePacingAndWindow()
}

// OnPacketLost implements congestion.Controller. BBR does not reduce
// cwnd on loss; the loss is already factored into bandwidth
// estimation, matching the original behavior. In-flight accounting is
// still adjusted so CanSend reflects reality.
func (b *BBR) OnPacketLost(size uint32, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if uint64(size) <= b.bytesInFlight {
		b.bytesInFlight -= uint64(size)
	} else {
		b.bytesInFlight = 0
	}
}

// CanSend implements congestion.Controller: permits a send while
// bytesInFlight plus the candidate size would not exceed the current
// send window.
func (b *BBR) CanSend(size uint32) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bytesInFlight+uint64(size) <= uint64(b.sendWindow)
}

// PacingDelay implements congestion.Controller.
func (b *BBR) PacingDelay(size uint32) time.Duration {
	return b.CalculatePacingDelay(size)
}

func (b *BBR) updateRTT(rtt time.Duration, now time.Time) {
	if rtt < b.rtProp || now.Sub(b.rtPropStamp) > ProbeRTTInterval {
		b.rtProp = rtt
		b.rtPropStamp = now
	}
}

func (b *BBR) updateBandwidth(size uint32, rtt time.Duration, now time.Time) {
	timeDelta := now.Sub(b.lastSampleTime)
	if timeDelta <= 0 {
		return
	}

	bandwidth := uint64(float64(size) / timeDelta.Seconds())

	sample := bandwidthSample{bandwidth: bandwidth, rtt: rtt, timestamp: now}
	b.bandwidthSamples = append(b.bandwidthSamples, sample)

	if len(b.bandwidthSamples) > 10 {
		b.bandwidthSamples = b.bandwidthSamples[1:]
	}

	maxBw := uint64(0)
	for _, s := range b.bandwidthSamples {
		if s.bandwidth > maxBw {
			maxBw = s.bandwidth
		}
	}
	b.btlBw = maxBw
	b.lastSampleTime = now

	if b.state == StateStartup {
		b.checkFullBandwidth()
	}
}

func (b *BBR) checkFullBandwidth() {
	if b.btlBw >= b.lastBandwidthReached*uint64(FullBandwidthThreshold*100)/100 {
		b.lastBandwidthReached = b.btlBw
		b.fullBandwidthCount = 0
	} else {
		b.fullBandwidthCount++
		if b.fullBandwidthCount >= 3 {
			b.fullBandwidthReached = true
		}
	}
}

func (b *BBR) updateState(now time.Time) {
	switch b.state {
	case StateStartup:
		if b.fullBandwidthReached {
			b.enterDrain(now)
		}

	case StateDrain:
		inflight := b.sendWindow
		bdp := b.calculateBDP()
		if inflight <= bdp {
			b.enterProbeBW(now)
		}

	case StateProbeBW:
		if now.Sub(b.rtPropStamp) > ProbeRTTInterval {
			b.enterProbeRTT(now)
		} else {
			b.updateProbeBWCycle(now)
		}

	case StateProbeRTT:
		if now.Sub(b.stateEntryAt) >= ProbeRTTDuration {
			b.enterProbeBW(now)
		}
	}
}

func (b *BBR) enterDrain(now time.Time) {
	b.state = StateDrain
	b.stateEntryAt = now
	b.pacingGain = DrainGain
	b.cwndGain = 2.0
}

func (b *BBR) enterProbeBW(now time.Time) {
	b.state = StateProbeBW
	b.stateEntryAt = now
	b.cycleIndex = 0
	b.cycleStamp = now
	b.pacingGain = probeBWGainCycle[0]
	b.cwndGain = 2.0
}

func (b *BBR) enterProbeRTT(now time.Time) {
	b.state = StateProbeRTT
	b.stateEntryAt = now
	b.pacingGain = 1.0
	b.cwndGain = 1.0
	b.priorCwnd = b.sendWindow
}

func (b *BBR) updateProbeBWCycle(now time.Time) {
	if now.Sub(b.cycleStamp) > b.rtProp {
		b.cycleIndex = (b.cycleIndex + 1) % ProbeBWCycleLen
		b.cycleStamp = now
		b.pacingGain = probeBWGainCycle[b.cycleIndex]
	}
}

func (b *BBR) updatePacingAndWindow() {
	if b.btlBw > 0 {
		b.pacingRate = uint64(float64(b.btlBw) * b.pacingGain)
	}

	bdp := b.calculateBDP()
	cwnd := uint32(float64(bdp) * b.cwndGain)

	minCwnd := uint32(MinPipeCwnd * 1400)
	if cwnd < minCwnd {
		cwnd = minCwnd
	}

	b.sendWindow = cwnd
}

func (b *BBR) calculateBDP() uint32 {
	if b.btlBw == 0 || b.rtProp == 0 {
		return MinPipeCwnd * 1400
	}
	bdp := uint64(float64(b.btlBw) * b.rtProp.Seconds())
	return uint32(bdp)
}

// GetPacingRate returns the current pacing rate (bytes/sec).
func (b *BBR) GetPacingRate() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.pacingRate
}

// GetSendWindow returns the current send window (bytes).
func (b *BBR) GetSendWindow() uint32 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sendWindow
}

// GetCwnd returns the current congestion window (packets).
func (b *BBR) GetCwnd() uint32 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sendWindow / 1400
}

// GetState returns the current BBR state.
func (b *BBR) GetState() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// GetBandwidth returns the estimated bottleneck bandwidth (bytes/sec).
func (b *BBR) GetBandwidth() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.btlBw
}

// GetRTT returns the minimum RTT.
func (b *BBR) GetRTT() time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.rtProp
}

// CalculatePacingDelay calculates the delay between sending packets.
func (b *BBR) CalculatePacingDelay(packetSize uint32) time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.pacingRate == 0 {
		return 0
	}

	return time.Duration(float64(packetSize) / float64(b.pacingRate) * float64(time.Second))
}

// Reset resets the BBR controller to its initial state.
func (b *BBR) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.state = StateStartup
	b.stateEntryAt = now
	b.btlBw = 0
	b.rtProp = b.minRTT
	b.rtPropStamp = now
	b.pacingGain = StartupGain
	b.cwndGain = StartupGain
	b.cycleIndex = 0
	b.fullBandwidthReached = false
	b.fullBandwidthCount = 0
	b.lastBandwidthReached = 0
	b.bandwidthSamples = b.bandwidthSamples[:0]
	b.bytesInFlight = 0
}

// Statistics returns BBR statistics for telemetry/debugging.
func (b *BBR) Statistics() map[string]interface{} {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return map[string]interface{}{
		"state":         b.state.String(),
		"btl_bw_mbps":   float64(b.btlBw) / 1024 / 1024,
		"rtt_ms":        float64(b.rtProp.Microseconds()) / 1000,
		"pacing_rate":   b.pacingRate,
		"send_window":   b.sendWindow,
		"cwnd_packets":  b.sendWindow / 1400,
		"pacing_gain":   b.pacingGain,
		"cwnd_gain":     b.cwndGain,
		"bytes_inflight": b.bytesInFlight,
	}
}
