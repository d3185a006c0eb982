// Package ackbuilder tracks which packet numbers have been received
// and turns that set into the IETF ACK-range frame a Generator
// Delegate's GetUpdatedAckFrame is asked for. Stream reassembly and
// in-order delivery are out of scope for this core (frame.StreamFrame
// is carried opaquely); only the contiguous-range bookkeeping a SACK
// construction needs is adapted here.
package ackbuilder

import (
	"sort"
	"sync"
	"time"

	"github.com/quicproto/qcore/internal/quic/frame"
)

// MaxAckRanges bounds how many contiguous ranges a single ACK frame
// carries; beyond this the oldest ranges are dropped, matching the
// wire format's practical limit.
const MaxAckRanges = 8

// Builder accumulates received packet numbers for one packet-number
// space and constructs ACK frames on demand.
type Builder struct {
	mu sync.RWMutex

	received    map[uint64]struct{}
	largest     uint64
	haveLargest bool
	largestTime time.Time

	totalReceived uint64
	duplicates    uint64
}

// New creates an empty Builder.
func New() *Builder {
	return &Builder{received: make(map[uint64]struct{})}
}

// RecordReceived notes that pn was received at receiveTime. Returns
// true if pn had already been recorded (a duplicate, which the caller
// should not otherwise process).
func (b *Builder) RecordReceived(pn uint64, receiveTime time.Time) (duplicate bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.received[pn]; exists {
		b.duplicates++
		return true
	}

	b.received[pn] = struct{}{}
	b.totalReceived++

	if !b.haveLargest || pn > b.largest {
		b.largest = pn
		b.haveLargest = true
		b.largestTime = receiveTime
	}
	return false
}

// LargestObserved returns the largest packet number recorded so far.
func (b *Builder) LargestObserved() (uint64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.largest, b.haveLargest
}

// BuildAckFrame constructs the ACK frame to bundle into the next
// outgoing packet: the largest observed packet number, the delay since
// it arrived, and up to MaxAckRanges contiguous ranges ordered from
// largest to smallest (the order frame.AckFrame.Encode expects, since
// each range after the first is delta-encoded against its
// predecessor's lower bound).
func (b *Builder) BuildAckFrame(now time.Time) *frame.AckFrame {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.haveLargest {
		return &frame.AckFrame{}
	}

	pns := make([]uint64, 0, len(b.received))
	for pn := range b.received {
		pns = append(pns, pn)
	}
	sort.Slice(pns, func(i, j int) bool { return pns[i] > pns[j] })

	var ranges []frame.AckRange
	for _, pn := range pns {
		if len(ranges) > 0 && ranges[len(ranges)-1].Smallest == pn+1 {
			ranges[len(ranges)-1].Smallest = pn
			continue
		}
		ranges = append(ranges, frame.AckRange{Smallest: pn, Largest: pn})
		if len(ranges) > MaxAckRanges {
			ranges = ranges[:MaxAckRanges]
			break
		}
	}

	return &frame.AckFrame{
		LargestAcked: b.largest,
		AckDelay:     uint64(now.Sub(b.largestTime)),
		Ranges:       ranges,
	}
}

// Statistics reports duplicate/total counters for telemetry.
func (b *Builder) Statistics() map[string]uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return map[string]uint64{
		"total_received": b.totalReceived,
		"duplicates":     b.duplicates,
		"tracked":        uint64(len(b.received)),
	}
}

// Reset discards all tracked packet numbers, used on connection
// migration.
func (b *Builder) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.received = make(map[uint64]struct{})
	b.haveLargest = false
	b.largest = 0
	b.totalReceived = 0
	b.duplicates = 0
}
