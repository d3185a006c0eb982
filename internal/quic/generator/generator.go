// Package generator assembles outgoing packets from an arbitrary
// sequence of ConsumeData/AddControlFrame/SetShouldSendAck/
// GenerateMtuDiscoveryPacket calls, consulting a Delegate before each
// packet emission and handing frames to a creator.PacketCreator for
// serialization. The Generator owns scheduling, queueing and batching;
// the Creator owns the bytes.
package generator

import (
	"context"
	"math/rand"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/quicproto/qcore/internal/quic/creator"
	"github.com/quicproto/qcore/internal/quic/frame"
)

// CryptoStreamID is the reserved stream ID carrying the handshake.
// Handshake data must never share a packet with other retransmittable
// frames.
const CryptoStreamID = 1

// FinState describes whether a ConsumeData call should close the
// stream, and whether it should additionally pad the final packet.
type FinState int

const (
	NoFin FinState = iota
	Fin
	FinAndPadding
)

// Delegate is consulted before every packet emission and supplies the
// few pieces of packet content the Generator cannot construct itself.
type Delegate interface {
	// ShouldGeneratePacket reports whether the connection currently
	// permits sending a packet with the given properties; a false
	// return defers the packet (congestion/flow-control back-pressure).
	ShouldGeneratePacket(hasRetransmittable bool, isHandshake bool) bool
	// GetUpdatedAckFrame returns the ACK frame to bundle into the next
	// packet, built from the receiver's current view of the peer's
	// sent packets.
	GetUpdatedAckFrame() *frame.AckFrame
	// PopulateStopWaitingFrame fills in the least-unacked watermark.
	PopulateStopWaitingFrame(f *frame.StopWaitingFrame)
	// OnUnrecoverableError is called when a single frame cannot fit
	// into an otherwise-empty packet, a framing-layer defect.
	OnUnrecoverableError(code, detail string)
}

// ConsumedData reports how much of a ConsumeData call's input was
// actually accepted into packets.
type ConsumedData struct {
	BytesConsumed int
	FinConsumed   bool
}

// Generator assembles outgoing packets and drives a creator.PacketCreator.
type Generator struct {
	log      *zap.Logger
	delegate Delegate
	creator  *creator.PacketCreator
	limiter  *rate.Limiter

	batchMode           bool
	shouldSendAck       bool
	shouldSendStopWait  bool
	pendingStopWaiting  frame.StopWaitingFrame
	queuedControlFrames []frame.ControlFrame
}

// New creates a Generator driving the given PacketCreator. limiter may
// be nil to disable pacing (the congestion controller's own PacingDelay
// is the primary pacing signal; limiter is an additional token-bucket
// smoothing layer in front of it).
func New(log *zap.Logger, delegate Delegate, c *creator.PacketCreator, limiter *rate.Limiter) *Generator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Generator{log: log, delegate: delegate, creator: c, limiter: limiter}
}

func (g *Generator) bug(msg string, fields ...zap.Field) {
	g.log.Error(msg, append(fields, zap.Bool("bug", true))...)
}

// InBatchMode reports whether the Generator currently defers Flush
// calls until FinishBatchOperations/FlushAllQueuedFrames.
func (g *Generator) InBatchMode() bool { return g.batchMode }

// StartBatchOperations enters batch mode: frames accumulate across
// multiple calls instead of flushing after each one.
func (g *Generator) StartBatchOperations() { g.batchMode = true }

// FinishBatchOperations exits batch mode and flushes anything pending.
func (g *Generator) FinishBatchOperations() {
	g.batchMode = false
	g.SendQueuedFrames(false)
}

// FlushAllQueuedFrames forces every pending frame out regardless of
// batch mode.
func (g *Generator) FlushAllQueuedFrames() { g.SendQueuedFrames(true) }

// HasPendingFrames reports whether an ack, stop-waiting, or queued
// control frame awaits a slot in a packet.
func (g *Generator) HasPendingFrames() bool {
	return g.shouldSendAck || g.shouldSendStopWait || len(g.queuedControlFrames) > 0
}

// HasQueuedFrames reports whether the creator or the generator itself
// holds anything still to be sent.
func (g *Generator) HasQueuedFrames() bool {
	return g.creator.HasPendingFrames() || g.HasPendingFrames()
}

// HasRetransmittableFrames reports whether any queued or
// creator-pending frame carries retransmittable data.
func (g *Generator) HasRetransmittableFrames() bool {
	return len(g.queuedControlFrames) > 0 || g.creator.HasPendingRetransmittableFrames()
}

// SetShouldSendAck arranges for a fresh ACK frame (and optionally a
// STOP_WAITING frame) to ride the next outgoing packet.
func (g *Generator) SetShouldSendAck(alsoSendStopWaiting bool) {
	if g.creator.HasAck() {
		return
	}
	if alsoSendStopWaiting && g.creator.HasStopWaiting() {
		g.bug("should only ever be one pending stop-waiting frame")
		return
	}
	g.shouldSendAck = true
	g.shouldSendStopWait = alsoSendStopWaiting
	g.SendQueuedFrames(false)
}

// AddControlFrame enqueues a control frame for transmission; queued
// control frames drain LIFO in SendQueuedFrames.
func (g *Generator) AddControlFrame(f frame.ControlFrame) {
	g.queuedControlFrames = append(g.queuedControlFrames, f)
	g.SendQueuedFrames(false)
}

// ConsumeData implements the ConsumeData algorithm: handshake data
// never shares a packet with other retransmittable frames, the fast
// path is taken for large non-handshake writes with nothing else
// queued, and the slow path otherwise appends one STREAM frame per
// delegate-approved iteration.
func (g *Generator) ConsumeData(streamID uint64, data []byte, offset uint64, state FinState) ConsumedData {
	hasHandshake := streamID == CryptoStreamID
	fin := state != NoFin

	if hasHandshake && fin {
		g.bug("handshake packets should never send a fin")
	}

	if hasHandshake && g.creator.HasPendingRetransmittableFrames() {
		g.SendQueuedFrames(true)
	} else {
		g.SendQueuedFrames(false)
	}

	var consumed int
	var finConsumed bool

	if !g.creator.HasRoomForStreamFrame(streamID, offset) {
		g.creator.Flush()
	}

	if !fin && len(data) == 0 {
		g.bug("attempt to consume empty data without fin")
		return ConsumedData{}
	}

	runFastPath := !hasHandshake && state != FinAndPadding && !g.HasQueuedFrames() &&
		len(data)-consumed > creator.MaxPacketSize

	for !runFastPath && g.delegate.ShouldGeneratePacket(true, hasHandshake) {
		_, n, frameFin := g.creator.ConsumeData(streamID, data, consumed, offset, fin, hasHandshake)
		if n == 0 && !frameFin {
			g.bug("failed to ConsumeData", zap.Uint64("streamID", streamID))
			return ConsumedData{BytesConsumed: consumed}
		}

		consumed += n
		finConsumed = fin && consumed == len(data)
		if finConsumed && state == FinAndPadding {
			g.addRandomPadding()
		}

		if !g.InBatchMode() {
			g.creator.Flush()
		}

		if consumed == len(data) {
			break
		}
		g.creator.Flush()

		runFastPath = !hasHandshake && state != FinAndPadding && !g.HasQueuedFrames() &&
			len(data)-consumed > creator.MaxPacketSize
	}

	if runFastPath {
		return g.consumeDataFastPath(streamID, data, offset, fin, consumed)
	}

	if hasHandshake {
		g.SendQueuedFrames(true)
	}

	return ConsumedData{BytesConsumed: consumed, FinConsumed: finConsumed}
}

func (g *Generator) consumeDataFastPath(streamID uint64, data []byte, offset uint64, fin bool, consumed int) ConsumedData {
	for consumed < len(data) && g.delegate.ShouldGeneratePacket(true, false) {
		n, _ := g.creator.CreateAndSerializeStreamFrame(streamID, data, consumed, offset, fin)
		consumed += n
	}
	return ConsumedData{BytesConsumed: consumed, FinConsumed: fin && consumed == len(data)}
}

// GenerateMtuDiscoveryPacket builds and sends a single padded probe
// packet at targetMTU, then restores the previous maximum length.
// MTU discovery frames must be sent alone.
func (g *Generator) GenerateMtuDiscoveryPacket(targetMTU int) {
	if !g.creator.CanSetMaxPacketLength() {
		g.bug("MTU discovery packets should only be sent when no other frames need to be sent")
		return
	}
	current := g.creator.MaxPacketLength()

	g.creator.SetMaxPacketLength(targetMTU)
	probe := frame.NewPingFrame()
	ok := g.creator.AddPaddedSavedFrame(probe)
	g.creator.Flush()
	if !ok {
		g.bug("AddPaddedSavedFrame failed for MTU discovery probe", zap.Int("targetMTU", targetMTU))
	}

	g.creator.SetMaxPacketLength(current)
}

// canSendWithNextPendingFrameAddition mirrors the delegate check
// SendQueuedFrames performs before adding each pending frame: ack,
// stop-waiting and padding-only additions are not retransmittable.
func (g *Generator) canSendWithNextPendingFrameAddition() bool {
	retransmittable := true
	if g.shouldSendAck || g.shouldSendStopWait || g.creator.PendingPaddingBytes() > 0 {
		retransmittable = false
	}
	return g.delegate.ShouldGeneratePacket(retransmittable, false)
}

// SendQueuedFrames drains, in order: a fresh ACK (if requested), a
// populated STOP_WAITING (if requested), then queued control frames
// popped LIFO. A single frame too large for an empty packet is an
// unrecoverable framing error.
func (g *Generator) SendQueuedFrames(flush bool) {
	for g.HasPendingFrames() && (flush || g.canSendWithNextPendingFrameAddition()) {
		firstFrame := g.creator.CanSetMaxPacketLength()
		if !g.addNextPendingFrame() && firstFrame {
			g.bug("a single frame cannot fit into a packet",
				zap.Bool("shouldSendAck", g.shouldSendAck),
				zap.Bool("shouldSendStopWaiting", g.shouldSendStopWait),
				zap.Int("queuedControlFrames", len(g.queuedControlFrames)))
			g.delegate.OnUnrecoverableError("QUIC_FAILED_TO_SERIALIZE_PACKET", "single frame cannot fit into a packet")
			return
		}
	}
	if flush || !g.InBatchMode() {
		g.creator.Flush()
	}
}

func (g *Generator) addNextPendingFrame() bool {
	if g.shouldSendAck {
		g.shouldSendAck = !g.creator.AddSavedFrame(g.delegate.GetUpdatedAckFrame())
		return !g.shouldSendAck
	}

	if g.shouldSendStopWait {
		g.delegate.PopulateStopWaitingFrame(&g.pendingStopWaiting)
		g.shouldSendStopWait = !g.creator.AddSavedFrame(&g.pendingStopWaiting)
		return !g.shouldSendStopWait
	}

	if len(g.queuedControlFrames) == 0 {
		g.bug("addNextPendingFrame called with no queued control frames")
		return true
	}

	last := g.queuedControlFrames[len(g.queuedControlFrames)-1]
	if !g.creator.AddSavedFrame(last) {
		return false
	}
	g.queuedControlFrames = g.queuedControlFrames[:len(g.queuedControlFrames)-1]
	return true
}

// addRandomPadding queues between 1 and MaxNumRandomPaddingBytes bytes
// of padding, used after a FIN_AND_PADDING write completes.
func (g *Generator) addRandomPadding() {
	g.creator.AddPendingPadding(rand.Intn(creator.MaxNumRandomPaddingBytes) + 1)
}

// SendRemainingPendingPadding flushes any leftover padding once no
// other frame stands in its way.
func (g *Generator) SendRemainingPendingPadding() {
	for g.creator.PendingPaddingBytes() > 0 && !g.HasQueuedFrames() && g.canSendWithNextPendingFrameAddition() {
		g.creator.Flush()
	}
}

// Wait blocks until the pacing limiter (if configured) permits sending
// a packet of size bytes. With no limiter configured this returns
// immediately; pacing then comes solely from the congestion
// controller's PacingDelay.
func (g *Generator) Wait(size int) {
	if g.limiter == nil {
		return
	}
	_ = g.limiter.WaitN(context.Background(), size)
}
