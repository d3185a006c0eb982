// Package loss implements the Loss Detection Engine: given an ACK that
// advanced the largest newly-acked packet number, decide which
// in-flight packets must be declared lost, and produce the next
// absolute time the caller must re-invoke detection even absent a new
// ACK.
package loss

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/quicproto/qcore/internal/quic/rttstats"
	"github.com/quicproto/qcore/internal/quic/unacked"
)

// Mode selects the loss-detection algorithm.
type Mode int

const (
	ModeNack Mode = iota
	ModeLazyFack
	ModeTime
	ModeAdaptiveTime
)

// numberOfNacksBeforeRetransmission is the FACK reordering tolerance:
// a packet is declared lost once this many packets sent after it have
// been acked.
const numberOfNacksBeforeRetransmission = 3

const minLossDelay = 5 * time.Millisecond

const initialReorderingShift = 4

var tracer = otel.Tracer("internal/quic/loss")

// LostPacket is a (packet number, bytes sent) pair produced by loss
// detection and consumed by the retransmission driver to reinject
// frames at new packet numbers.
type LostPacket struct {
	PacketNumber unacked.PacketNumber
	BytesSent    int
}

// Detector holds the adaptive state for one packet-number space's loss
// detection: its mode and, for AdaptiveTime, the current reordering
// shift.
type Detector struct {
	mode Mode

	reorderingShift int

	largestPreviouslyAcked unacked.PacketNumber
}

// New creates a Detector in the given mode.
func New(mode Mode) *Detector {
	return &Detector{mode: mode, reorderingShift: initialReorderingShift}
}

// Mode returns the detector's configured algorithm.
func (d *Detector) Mode() Mode { return d.mode }

// ReorderingShift returns the current reordering-shift exponent
// (meaningful only in AdaptiveTime mode).
func (d *Detector) ReorderingShift() int { return d.reorderingShift }

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

// lossDelay computes max(5ms, max(previousSrtt, latestRtt) * (1 + 2^-reorderingShift)),
// expressed as maxRtt + maxRtt>>reorderingShift to stay in integer
// duration arithmetic.
func (d *Detector) lossDelay(rtt *rttstats.RttStats) time.Duration {
	maxRtt := maxDuration(rtt.PreviousSrtt(), rtt.LatestRtt())
	if maxRtt == 0 {
		maxRtt = rtt.SmoothedRtt()
	}
	delay := maxRtt + (maxRtt >> uint(d.reorderingShift))
	return maxDuration(delay, minLossDelay)
}

// DetectLosses iterates every in-flight unacked packet with packet
// number <= largestNewlyAcked in ascending order and decides which are
// lost per the configured mode. Returns the lost packets and the
// absolute time the caller must re-arm a timer for (zero if no
// time-based decision is pending).
func (d *Detector) DetectLosses(m *unacked.Map, rtt *rttstats.RttStats, now time.Time, largestNewlyAcked unacked.PacketNumber) (lost []LostPacket, lossTimeout time.Time) {
	_, span := tracer.Start(context.Background(), "DetectLosses")
	defer span.End()

	largestSentTime := m.GetLastPacketSentTime()
	if info := m.GetInfo(largestNewlyAcked); info != nil {
		largestSentTime = info.SentTime
	}

	for pn := m.LeastUnacked(); pn <= largestNewlyAcked; pn++ {
		info := m.GetInfo(pn)
		if info == nil || !info.InFlight {
			continue
		}

		if d.declaredLostByMode(pn, largestNewlyAcked) {
			lost = append(lost, LostPacket{PacketNumber: pn, BytesSent: info.BytesSent})
			continue
		}

		earlyRetransmit := info.HasRetransmittableData() && m.LargestSentRetransmittablePacket() <= largestNewlyAcked
		if earlyRetransmit || d.mode == ModeTime || d.mode == ModeAdaptiveTime {
			whenLost := info.SentTime.Add(d.lossDelay(rtt))
			if now.Before(whenLost) {
				lossTimeout = whenLost
				break
			}
			lost = append(lost, LostPacket{PacketNumber: pn, BytesSent: info.BytesSent})
			continue
		}

		if info.SentTime.Add(rtt.SmoothedRtt()).Before(largestSentTime) {
			lost = append(lost, LostPacket{PacketNumber: pn, BytesSent: info.BytesSent})
		}
	}

	d.largestPreviouslyAcked = largestNewlyAcked
	return lost, lossTimeout
}

// declaredLostByMode applies the Nack/LazyFack immediate-declaration
// rule; Time and AdaptiveTime never declare here and fall through to
// the time-based check in DetectLosses.
func (d *Detector) declaredLostByMode(pn, largestNewlyAcked unacked.PacketNumber) bool {
	switch d.mode {
	case ModeNack:
		return uint64(largestNewlyAcked-pn) >= numberOfNacksBeforeRetransmission
	case ModeLazyFack:
		return largestNewlyAcked > d.largestPreviouslyAcked &&
			d.largestPreviouslyAcked > pn &&
			uint64(d.largestPreviouslyAcked-pn) >= numberOfNacksBeforeRetransmission-1
	default:
		return false
	}
}

// SpuriousRetransmitDetected is invoked when a packet declared lost
// was in fact acked later. In AdaptiveTime mode it shrinks
// reorderingShift while the implied extra time (maxRtt >>
// reorderingShift) is still less than or equal to the observed gap,
// and while reorderingShift > 0. This is the newer, unconditional-
// shrink path; the older once-per-largest-sent-watermark path is not
// implemented. No-op outside AdaptiveTime mode.
func (d *Detector) SpuriousRetransmitDetected(maxRtt, extraTimeNeeded time.Duration) {
	if d.mode != ModeAdaptiveTime {
		return
	}
	for d.reorderingShift > 0 && (maxRtt>>uint(d.reorderingShift)) <= extraTimeNeeded {
		d.reorderingShift--
	}
}
