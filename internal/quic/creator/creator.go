// Package creator owns packet serialization: accumulating frames up
// to a per-connection maximum packet size, assigning packet numbers,
// and handing finished packets to its Delegate for encryption and
// send. It is the Creator half of the Generator/Creator split: the
// Generator owns scheduling and queueing, the Creator owns the bytes.
package creator

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/quicproto/qcore/internal/quic/frame"
)

// MaxPacketSize is the default maximum serialized packet size before
// AEAD expansion.
const MaxPacketSize = 1350

// MaxNumRandomPaddingBytes bounds the random padding appended after a
// FIN_AND_PADDING stream write.
const MaxNumRandomPaddingBytes = 256

// PacketNumber identifies an outgoing packet within one packet-number
// space.
type PacketNumber uint64

// Delegate receives fully assembled packets and is asked to resolve
// the Creator's few external dependencies (padding randomness aside,
// everything else flows through frame content already decided by the
// caller).
type Delegate interface {
	OnSerializedPacket(packet *SerializedPacket)
	OnUnrecoverableError(code, detail string)
}

// SerializedPacket is a fully assembled, not-yet-encrypted packet
// ready for the AEAD seal step.
type SerializedPacket struct {
	PacketNumber       PacketNumber
	PacketNumberLength int
	Frames             []frame.Frame
	EncryptedLength    int
	HasCryptoHandshake bool
	NumPaddingBytes    int
}

// PacketCreator accumulates frames for the packet currently being
// built and flushes it once full or explicitly asked to.
type PacketCreator struct {
	log      *zap.Logger
	delegate Delegate

	maxPacketLength int
	packetNumber    PacketNumber

	pending             []frame.Frame
	pendingLen          int
	pendingPaddingBytes int
	hasAck              bool
	hasStopWaiting      bool
	hasCryptoHandshake  bool

	ackListeners []ackListenerEntry
}

type ackListenerEntry struct {
	listener AckListener
	bytes    int
}

// AckListener receives ack and retransmission notifications for bytes
// it was registered against. The Creator holds registered listeners
// only until the next Flush; it does not copy them into the
// SerializedPacket and never calls either method.
type AckListener interface {
	OnPacketAcked(ackedBytes int)
	OnPacketRetransmitted(retransmittedBytes int)
}

// New creates a PacketCreator with the default maximum packet length.
func New(log *zap.Logger, delegate Delegate) *PacketCreator {
	if log == nil {
		log = zap.NewNop()
	}
	return &PacketCreator{
		log:             log,
		delegate:        delegate,
		maxPacketLength: MaxPacketSize,
	}
}

func (c *PacketCreator) bug(msg string, fields ...zap.Field) {
	c.log.Error(msg, append(fields, zap.Bool("bug", true))...)
}

// PacketNumber returns the packet number that will be assigned to the
// next flushed packet.
func (c *PacketCreator) PacketNumber() PacketNumber { return c.packetNumber }

// MaxPacketLength returns the current maximum serialized length.
func (c *PacketCreator) MaxPacketLength() int { return c.maxPacketLength }

// CanSetMaxPacketLength reports whether the max length may be changed
// right now, only legal with an empty pending packet, since changing
// it mid-packet would invalidate byte-budget decisions already made.
func (c *PacketCreator) CanSetMaxPacketLength() bool {
	return !c.HasPendingFrames() && c.pendingPaddingBytes == 0
}

// SetMaxPacketLength changes the maximum serialized length. Callers
// must check CanSetMaxPacketLength first.
func (c *PacketCreator) SetMaxPacketLength(length int) {
	if !c.CanSetMaxPacketLength() {
		c.bug("SetMaxPacketLength called with a non-empty packet pending")
		return
	}
	c.maxPacketLength = length
}

// HasPendingFrames reports whether any frame has been added to the
// packet currently under construction.
func (c *PacketCreator) HasPendingFrames() bool {
	return len(c.pending) > 0
}

// HasPendingRetransmittableFrames reports whether any accumulated
// frame carries retransmittable data.
func (c *PacketCreator) HasPendingRetransmittableFrames() bool {
	for _, f := range c.pending {
		if f.Retransmittable() {
			return true
		}
	}
	return false
}

// HasAck reports whether an ACK frame is already queued in the
// current packet.
func (c *PacketCreator) HasAck() bool { return c.hasAck }

// HasStopWaiting reports whether a STOP_WAITING frame is already
// queued in the current packet.
func (c *PacketCreator) HasStopWaiting() bool { return c.hasStopWaiting }

// PendingPaddingBytes returns the number of padding bytes still owed
// to the wire once the next packet is emitted.
func (c *PacketCreator) PendingPaddingBytes() int { return c.pendingPaddingBytes }

// AddPendingPadding queues n bytes of padding to be appended to a
// future flush.
func (c *PacketCreator) AddPendingPadding(n int) {
	c.pendingPaddingBytes += n
}

// HasRoomForStreamFrame reports whether the current packet has room
// for at least a STREAM frame header for (streamID, offset) plus one
// byte of data.
func (c *PacketCreator) HasRoomForStreamFrame(streamID uint64, offset uint64) bool {
	headerLen := streamFrameHeaderLen(streamID, offset)
	return c.pendingLen+headerLen+1 <= c.maxPacketLength
}

func streamFrameHeaderLen(streamID, offset uint64) int {
	f := &frame.StreamFrame{StreamID: streamID, Offset: offset}
	return f.EncodedLen() - len(f.Data)
}

// AddSavedFrame appends a previously constructed frame to the current
// packet if it fits. Returns false if the packet has no room.
func (c *PacketCreator) AddSavedFrame(f frame.Frame) bool {
	if c.pendingLen+f.EncodedLen() > c.maxPacketLength {
		return false
	}
	c.pending = append(c.pending, f)
	c.pendingLen += f.EncodedLen()

	switch f.Type() {
	case frame.TypeAck, frame.TypeAckECN:
		c.hasAck = true
	case frame.TypeStopWaiting:
		c.hasStopWaiting = true
	}
	return true
}

// AddPaddedSavedFrame adds f and, if it fits, pads the packet out to
// maxPacketLength. Used for MTU discovery probes which must travel
// alone and at the full target size.
func (c *PacketCreator) AddPaddedSavedFrame(f frame.Frame) bool {
	if !c.AddSavedFrame(f) {
		return false
	}
	if room := c.maxPacketLength - c.pendingLen; room > 0 {
		c.pending = append(c.pending, &frame.PaddingFrame{N: room})
		c.pendingLen = c.maxPacketLength
	}
	return true
}

// ConsumeData appends one STREAM frame carrying as much of data[off:]
// as fits in the remaining packet budget. Returns the frame added and
// the number of bytes it consumed.
func (c *PacketCreator) ConsumeData(streamID uint64, data []byte, consumed int, offset uint64, fin, hasHandshake bool) (*frame.StreamFrame, int, bool) {
	headerLen := streamFrameHeaderLen(streamID, offset+uint64(consumed))
	room := c.maxPacketLength - c.pendingLen - headerLen
	if room < 0 {
		room = 0
	}

	remaining := data[consumed:]
	take := len(remaining)
	frameFin := fin
	if take > room {
		take = room
		frameFin = false
	}
	if take == 0 && !frameFin {
		return nil, 0, false
	}

	sf := &frame.StreamFrame{
		StreamID: streamID,
		Offset:   offset + uint64(consumed),
		Data:     append([]byte(nil), remaining[:take]...),
		Fin:      frameFin,
	}
	if !c.AddSavedFrame(sf) {
		return nil, 0, false
	}
	if hasHandshake {
		c.hasCryptoHandshake = true
	}
	return sf, take, frameFin
}

// CreateAndSerializeStreamFrame implements the fast path: one
// maximum-sized stream frame serialized directly into its own packet,
// bypassing the generic pending-frame queue entirely.
func (c *PacketCreator) CreateAndSerializeStreamFrame(streamID uint64, data []byte, consumed int, offset uint64, fin bool) (bytesConsumed int, fullFin bool) {
	headerLen := streamFrameHeaderLen(streamID, offset+uint64(consumed))
	room := c.maxPacketLength - headerLen
	if room < 0 {
		room = 0
	}

	remaining := data[consumed:]
	take := len(remaining)
	frameFin := fin
	if take > room {
		take = room
		frameFin = false
	}

	sf := &frame.StreamFrame{
		StreamID: streamID,
		Offset:   offset + uint64(consumed),
		Data:     append([]byte(nil), remaining[:take]...),
		Fin:      frameFin,
	}
	c.pending = append(c.pending, sf)
	c.pendingLen += sf.EncodedLen()
	c.Flush()
	return take, frameFin
}

// AddAckListener records a listener against the bytes most recently
// added via ConsumeData. The next Flush discards the recorded
// listeners; the listener is not notified when the packet is acked or
// retransmitted.
func (c *PacketCreator) AddAckListener(l AckListener, bytes int) {
	if l == nil {
		return
	}
	c.ackListeners = append(c.ackListeners, ackListenerEntry{listener: l, bytes: bytes})
}

// Flush finalizes the packet under construction (if non-empty),
// assigns it the next packet number, and hands it to the Delegate.
func (c *PacketCreator) Flush() {
	if len(c.pending) == 0 && c.pendingPaddingBytes == 0 {
		return
	}

	if c.pendingPaddingBytes > 0 {
		c.pending = append(c.pending, &frame.PaddingFrame{N: c.pendingPaddingBytes})
		c.pendingLen += c.pendingPaddingBytes
		c.pendingPaddingBytes = 0
	}

	c.packetNumber++

	packet := &SerializedPacket{
		PacketNumber:       c.packetNumber,
		PacketNumberLength: packetNumberLength(c.packetNumber),
		Frames:             c.pending,
		EncryptedLength:    c.pendingLen,
		HasCryptoHandshake: c.hasCryptoHandshake,
	}

	c.pending = nil
	c.pendingLen = 0
	c.hasAck = false
	c.hasStopWaiting = false
	c.hasCryptoHandshake = false
	c.ackListeners = nil

	if c.delegate == nil {
		c.bug("Flush called with no delegate configured")
		return
	}
	c.delegate.OnSerializedPacket(packet)
}

func packetNumberLength(pn PacketNumber) int {
	switch {
	case pn < 1<<8:
		return 1
	case pn < 1<<16:
		return 2
	case pn < 1<<32:
		return 4
	default:
		return 6
	}
}

// String implements fmt.Stringer for debug logging.
func (p *SerializedPacket) String() string {
	return fmt.Sprintf("SerializedPacket{pn:%d frames:%d len:%d}", p.PacketNumber, len(p.Frames), p.EncryptedLength)
}
