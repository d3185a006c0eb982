// Package unacked implements the authoritative ledger of packets that
// have been sent but not yet retired: the Unacked Packet Map. It
// supports ACK processing, loss detection, retransmission transfer,
// and congestion accounting, and is the leaf data structure everything
// else in the reliability core reads from.
package unacked

import (
	"time"

	"go.uber.org/zap"

	"github.com/quicproto/qcore/internal/quic/frame"
)

// PacketNumber is a monotonic counter within one packet-number space
// (Initial, Handshake, or Application).
type PacketNumber uint64

// EncryptionLevel selects the key set (and therefore packet-number
// space) a packet was sent under.
type EncryptionLevel int

const (
	EncryptionInitial EncryptionLevel = iota
	EncryptionZeroRTT
	EncryptionHandshake
	EncryptionForward // 1-RTT / Application
)

// TransmissionType classifies why a packet was sent, mirroring the
// data model's transmission-type field.
type TransmissionType int

const (
	TransmissionNew TransmissionType = iota
	TransmissionTLP
	TransmissionRTO
	TransmissionLoss
	TransmissionHandshake
	TransmissionAllInitial
	TransmissionAllUnacked
	TransmissionProbing
)

// AckListener is notified of the fate of the bytes it was registered
// against: acked, or retransmitted under a new packet number.
type AckListener interface {
	OnPacketAcked(ackedBytes int, ackDelay time.Duration)
	OnPacketRetransmitted(retransmittedBytes int)
}

// ackListenerEntry pairs a listener with the byte count it should be
// told about, since one packet's bytes may be split across listeners
// registered by different callers (e.g. distinct streams).
type ackListenerEntry struct {
	listener AckListener
	bytes    int
}

// StreamNotifier is informed when a STREAM frame's bytes are
// retransmitted under a new packet number or discarded outright
// (stream reset). Reassembly itself is out of scope; only the
// notification is this core's concern.
type StreamNotifier interface {
	OnStreamFrameRetransmitted(streamID uint64, offset, length uint64)
	OnStreamFrameDiscarded(streamID uint64, offset, length uint64)
}

// TransmissionInfo is the per-packet record owned by the Map.
type TransmissionInfo struct {
	EncryptionLevel    EncryptionLevel
	PacketNumberLength int
	TransmissionType   TransmissionType
	SentTime           time.Time
	BytesSent          int
	InFlight           bool
	Unackable          bool
	HasCryptoHandshake bool
	NumPaddingBytes    int
	LargestAckedAtSend PacketNumber

	// Retransmission is the packet number of the newer packet this
	// one's frames were transferred to, or 0 if none.
	Retransmission PacketNumber

	// Frames holds the retransmittable subset only.
	Frames []frame.Frame

	ackListeners []ackListenerEntry
}

func newSentinel() *TransmissionInfo {
	return &TransmissionInfo{Unackable: true}
}

// IsUsefulForRttMeasurement reports whether an ACK of this packet
// could still usefully update the RTT estimate.
func (ti *TransmissionInfo) IsUsefulForRttMeasurement(largestObserved PacketNumber, pn PacketNumber) bool {
	if ti.Unackable {
		return false
	}
	return pn > largestObserved
}

// IsUsefulForCongestionControl reports whether this packet still
// contributes to in-flight accounting.
func (ti *TransmissionInfo) IsUsefulForCongestionControl() bool { return ti.InFlight }

// HasRetransmittableData reports whether this info still carries
// frames that must be resent if the packet is lost.
func (ti *TransmissionInfo) HasRetransmittableData() bool { return len(ti.Frames) > 0 }

// Map is the Unacked Packet Map for a single packet-number space.
type Map struct {
	log *zap.Logger

	packets map[PacketNumber]*TransmissionInfo

	leastUnacked    PacketNumber
	largestSent     PacketNumber
	largestObserved PacketNumber

	bytesInFlight int

	pendingCryptoPacketCount int

	largestSentRetransmittablePacket PacketNumber

	streamNotifier StreamNotifier
}

// New creates an empty Map. leastUnacked and largestSent both start at
// 0 and are advanced by the first AddSentPacket call (packet numbers
// are 1-based, matching the wire convention).
func New(log *zap.Logger, notifier StreamNotifier) *Map {
	if log == nil {
		log = zap.NewNop()
	}
	return &Map{
		log:            log,
		packets:        make(map[PacketNumber]*TransmissionInfo),
		streamNotifier: notifier,
	}
}

func (m *Map) bug(msg string, fields ...zap.Field) {
	fields = append(fields, zap.Bool("bug", true))
	m.log.Warn(msg, fields...)
}

// LeastUnacked returns the smallest packet number not yet retired from
// the map.
func (m *Map) LeastUnacked() PacketNumber { return m.leastUnacked }

// LargestSent returns the largest packet number ever added.
func (m *Map) LargestSent() PacketNumber { return m.largestSent }

// LargestObserved returns the largest packet number the peer has
// acknowledged receiving.
func (m *Map) LargestObserved() PacketNumber { return m.largestObserved }

// BytesInFlight returns the sum of BytesSent over all in-flight infos.
func (m *Map) BytesInFlight() int { return m.bytesInFlight }

// PendingCryptoPacketCount returns the number of in-flight packets
// whose retransmittable frame set contains crypto-handshake data.
func (m *Map) PendingCryptoPacketCount() int { return m.pendingCryptoPacketCount }

// HasPendingCryptoPackets reports whether any handshake packet is
// still in flight.
func (m *Map) HasPendingCryptoPackets() bool { return m.pendingCryptoPacketCount > 0 }

// GetInfo returns the TransmissionInfo for pn, or nil if it is not
// tracked (already retired, or never sent).
func (m *Map) GetInfo(pn PacketNumber) *TransmissionInfo { return m.packets[pn] }

// IsUnacked reports whether pn is still tracked by the map (sent and
// not yet retired as useless). A retired packet number and one never
// sent are indistinguishable from the outside, matching the original
// semantics: both simply are not present.
func (m *Map) IsUnacked(pn PacketNumber) bool {
	_, ok := m.packets[pn]
	return ok
}

// HasMultipleInFlightPackets reports whether more than one packet is
// currently in flight; used by early-retransmit/probe-timeout logic
// upstream of this core.
func (m *Map) HasMultipleInFlightPackets() bool {
	count := 0
	for _, info := range m.packets {
		if info.InFlight {
			count++
			if count > 1 {
				return true
			}
		}
	}
	return false
}

// HasUnackedRetransmittableFrames reports whether any in-flight packet
// still carries retransmittable frames.
func (m *Map) HasUnackedRetransmittableFrames() bool {
	for _, info := range m.packets {
		if info.InFlight && info.HasRetransmittableData() {
			return true
		}
	}
	return false
}

// GetLastPacketSentTime returns the send time of the largest packet
// number tracked, or the zero time if the map is empty.
func (m *Map) GetLastPacketSentTime() time.Time {
	if info, ok := m.packets[m.largestSent]; ok {
		return info.SentTime
	}
	return time.Time{}
}

// LargestSentRetransmittablePacket returns the largest packet number
// ever sent that carried retransmittable frames, used by the loss
// detector's early-retransmit trigger.
func (m *Map) LargestSentRetransmittablePacket() PacketNumber {
	return m.largestSentRetransmittablePacket
}

// AddSentPacket appends a new TransmissionInfo for a freshly sent
// packet. If pn skips ahead of largestSent+1, the gap is filled with
// is_unackable sentinels so that every packet number in
// [leastUnacked, largestSent] has a map entry. If oldPN is non-zero,
// this send is a retransmission of oldPN and TransferRetransmissionInfo
// runs before RemoveObsoletePackets.
func (m *Map) AddSentPacket(pn PacketNumber, oldPN PacketNumber, info *TransmissionInfo) {
	if m.leastUnacked == 0 {
		m.leastUnacked = pn
	}
	if pn <= m.largestSent {
		m.bug("AddSentPacket: packet number did not increase", zap.Uint64("pn", uint64(pn)), zap.Uint64("largest_sent", uint64(m.largestSent)))
		return
	}

	for gap := m.largestSent + 1; gap < pn; gap++ {
		m.packets[gap] = newSentinel()
	}

	m.packets[pn] = info
	m.largestSent = pn

	if info.InFlight {
		m.bytesInFlight += info.BytesSent
	}
	if info.HasCryptoHandshake && info.InFlight {
		m.pendingCryptoPacketCount++
	}
	if info.HasRetransmittableData() {
		m.largestSentRetransmittablePacket = pn
	}

	if oldPN != 0 {
		m.transferRetransmissionInfo(oldPN, pn, info)
	}

	m.RemoveObsoletePackets()
}

// transferRetransmissionInfo moves retransmittable state from oldPN's
// info to newInfo (already installed at pn) and links or unlinks the
// old info depending on transmission type.
func (m *Map) transferRetransmissionInfo(oldPN, pn PacketNumber, newInfo *TransmissionInfo) {
	old, ok := m.packets[oldPN]
	if !ok {
		m.bug("TransferRetransmissionInfo: old packet not found", zap.Uint64("old_pn", uint64(oldPN)))
		return
	}

	for _, f := range old.Frames {
		if sf, ok := f.(*frame.StreamFrame); ok && m.streamNotifier != nil {
			m.streamNotifier.OnStreamFrameRetransmitted(sf.StreamID, sf.Offset, uint64(len(sf.Data)))
		}
	}
	for _, le := range old.ackListeners {
		le.listener.OnPacketRetransmitted(le.bytes)
	}

	newInfo.Frames = old.Frames
	old.Frames = nil
	newInfo.HasCryptoHandshake = old.HasCryptoHandshake
	newInfo.NumPaddingBytes = old.NumPaddingBytes

	switch newInfo.TransmissionType {
	case TransmissionAllInitial, TransmissionAllUnacked:
		old.Unackable = true
	default:
		old.Retransmission = pn
	}
}

// IncreaseLargestObserved monotonically raises largestObserved; it
// never regresses.
func (m *Map) IncreaseLargestObserved(pn PacketNumber) {
	if pn > m.largestObserved {
		m.largestObserved = pn
	}
}

// RemoveRetransmittability walks the retransmission chain from pn to
// its tail, decrements the pending-crypto counter if the tail carried
// crypto data, deletes the tail's retransmittable frames, and clears
// its has-crypto-handshake flag. Idempotent: calling it again on an
// already-cleared chain is a no-op.
func (m *Map) RemoveRetransmittability(pn PacketNumber) {
	info, ok := m.packets[pn]
	if !ok {
		return
	}
	for info.Retransmission != 0 {
		next, ok := m.packets[info.Retransmission]
		if !ok {
			break
		}
		info = next
	}
	if info.HasCryptoHandshake && info.InFlight {
		m.pendingCryptoPacketCount--
	}
	info.Frames = nil
	info.HasCryptoHandshake = false
}

// RemoveFromInFlight clears the in-flight flag on pn and subtracts its
// bytes from bytesInFlight. A subtraction that would underflow is a
// bug and is refused (bytesInFlight is left unchanged).
func (m *Map) RemoveFromInFlight(pn PacketNumber) {
	info, ok := m.packets[pn]
	if !ok || !info.InFlight {
		return
	}
	if info.BytesSent > m.bytesInFlight {
		m.bug("RemoveFromInFlight: would underflow bytes_in_flight", zap.Uint64("pn", uint64(pn)))
		return
	}
	m.bytesInFlight -= info.BytesSent
	info.InFlight = false
	if info.HasCryptoHandshake {
		m.pendingCryptoPacketCount--
	}
}

// RestoreToInFlight re-adds a previously removed-from-flight packet,
// used when a loss declaration for pn is retracted as spurious.
func (m *Map) RestoreToInFlight(pn PacketNumber) {
	info, ok := m.packets[pn]
	if !ok || info.InFlight {
		return
	}
	info.InFlight = true
	m.bytesInFlight += info.BytesSent
	if info.HasCryptoHandshake {
		m.pendingCryptoPacketCount++
	}
}

// CancelRetransmissionsForStream walks every unacked info, removing
// STREAM frames matching streamID (notifying the stream notifier of
// discard) and clearing retransmittability entirely when an info's
// frame set becomes empty as a result.
func (m *Map) CancelRetransmissionsForStream(streamID uint64) {
	for pn, info := range m.packets {
		if len(info.Frames) == 0 {
			continue
		}
		kept := info.Frames[:0]
		changed := false
		for _, f := range info.Frames {
			sf, ok := f.(*frame.StreamFrame)
			if ok && sf.StreamID == streamID {
				changed = true
				if m.streamNotifier != nil {
					m.streamNotifier.OnStreamFrameDiscarded(sf.StreamID, sf.Offset, uint64(len(sf.Data)))
				}
				continue
			}
			kept = append(kept, f)
		}
		if !changed {
			continue
		}
		info.Frames = kept
		if len(info.Frames) == 0 {
			m.RemoveRetransmittability(pn)
		}
	}
}

// isUseless implements the §3 invariant: a packet is useless, and
// therefore eligible for removal from the head, iff it is
// simultaneously not useful for RTT measurement, not in-flight, and
// has no retransmittable frames and was not transferred forward past
// largestObserved.
func (m *Map) isUseless(pn PacketNumber, info *TransmissionInfo) bool {
	if info.IsUsefulForRttMeasurement(m.largestObserved, pn) {
		return false
	}
	if info.InFlight {
		return false
	}
	if info.HasRetransmittableData() {
		return false
	}
	if info.Retransmission != 0 && info.Retransmission > m.largestObserved {
		return false
	}
	return true
}

// RemoveObsoletePackets repeatedly inspects the head (leastUnacked);
// while useless, pops it and advances leastUnacked. Stops at the
// first non-useless head.
func (m *Map) RemoveObsoletePackets() {
	for m.leastUnacked <= m.largestSent {
		info, ok := m.packets[m.leastUnacked]
		if !ok {
			m.leastUnacked++
			continue
		}
		if !m.isUseless(m.leastUnacked, info) {
			return
		}
		delete(m.packets, m.leastUnacked)
		m.leastUnacked++
	}
}

// RegisterAckListener attaches a listener to pn's info, to be notified
// with ackedBytes when pn is acked or with the full byte count when
// pn's frames are retransmitted under a new packet number.
func (m *Map) RegisterAckListener(pn PacketNumber, listener AckListener, bytes int) {
	info, ok := m.packets[pn]
	if !ok {
		return
	}
	info.ackListeners = append(info.ackListeners, ackListenerEntry{listener: listener, bytes: bytes})
}

// NotifyAcked fires every ack listener registered against pn with the
// given ack delay, then clears in-flight/retransmittable state. The
// caller (ACK-processing driver) is expected to call this once per
// newly-acked packet number in ascending order.
func (m *Map) NotifyAcked(pn PacketNumber, ackDelay time.Duration) {
	info, ok := m.packets[pn]
	if !ok {
		return
	}
	for _, le := range info.ackListeners {
		le.listener.OnPacketAcked(le.bytes, ackDelay)
	}
	m.RemoveFromInFlight(pn)
	m.RemoveRetransmittability(pn)
	m.RemoveObsoletePackets()
}
