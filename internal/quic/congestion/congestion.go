// Package congestion declares the external congestion-controller
// surface this core consumes. Congestion algorithm internals (BBR,
// Cubic) are not specified here, only the interface and the outputs
// the reliability core reacts to.
package congestion

import "time"

// Controller is the small trait spec §9 calls for in place of a
// Delegate interface with many methods: a congestion controller need
// only report whether sending is currently permitted and observe the
// three packet lifecycle events that affect its internal model.
type Controller interface {
	// OnPacketSent records that size bytes were just sent.
	OnPacketSent(size uint32, now time.Time)
	// OnPacketAcked records that size bytes, sent one rtt ago, were
	// just acknowledged.
	OnPacketAcked(size uint32, rtt time.Duration, now time.Time)
	// OnPacketLost records that size bytes were declared lost.
	OnPacketLost(size uint32, now time.Time)
	// CanSend reports whether the controller currently permits sending
	// another packet of the given size; this is the value the
	// Generator's ShouldGeneratePacket delegate call ultimately
	// consults.
	CanSend(size uint32) bool
	// PacingDelay returns how long to wait before sending a packet of
	// the given size, honoring the controller's current pacing rate.
	PacingDelay(size uint32) time.Duration
}

// NopController permits every send immediately; useful for tests that
// do not exercise congestion behavior.
type NopController struct{}

func (NopController) OnPacketSent(uint32, time.Time)             {}
func (NopController) OnPacketAcked(uint32, time.Duration, time.Time) {}
func (NopController) OnPacketLost(uint32, time.Time)              {}
func (NopController) CanSend(uint32) bool                         { return true }
func (NopController) PacingDelay(uint32) time.Duration            { return 0 }
