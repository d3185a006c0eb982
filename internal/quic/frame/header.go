package frame

import (
	"encoding/binary"
	"fmt"

	"github.com/quicproto/qcore/pkg/guuid"
)

// PacketType distinguishes the two kinds of datagram this core hands to
// its transport boundary: an AEAD-sealed packet belonging to one of the
// three packet-number spaces, or an opportunistic FEC parity shard for
// the Initial space's redundancy group. The cleartext header carries no
// ack state or SACK blocks; the ACK frame travels inside the sealed
// payload like any other frame, never in the open.
type PacketType byte

const (
	PacketTypeData      PacketType = 0x01
	PacketTypeFECParity PacketType = 0x02
)

// dataHeaderSize is Type(1) + ConnID(16) + Space(1) + PacketNumber(8).
const dataHeaderSize = 1 + 16 + 1 + 8

// fecHeaderSize is Type(1) + ConnID(16) + GroupID(8) + ShardIndex(2).
const fecHeaderSize = 1 + 16 + 8 + 2

// Header is the cleartext prefix this core's transport boundary writes
// ahead of a sealed packet or FEC parity shard, so the receiving side
// can demultiplex to the right Connection and packet-number space
// before it ever has key material to open anything.
type Header struct {
	Type         PacketType
	ConnID       guuid.GUUID
	Space        byte
	PacketNumber uint64
	GroupID      uint64
	ShardIndex   uint16
}

// EncodedLen returns the number of bytes Marshal will produce.
func (h *Header) EncodedLen() int {
	if h.Type == PacketTypeFECParity {
		return fecHeaderSize
	}
	return dataHeaderSize
}

// Marshal appends the header's wire encoding to dst.
func (h *Header) Marshal(dst []byte) []byte {
	dst = append(dst, byte(h.Type))
	dst = append(dst, h.ConnID[:]...)
	if h.Type == PacketTypeFECParity {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], h.GroupID)
		dst = append(dst, b[:]...)
		var s [2]byte
		binary.BigEndian.PutUint16(s[:], h.ShardIndex)
		return append(dst, s[:]...)
	}
	dst = append(dst, h.Space)
	var pn [8]byte
	binary.BigEndian.PutUint64(pn[:], h.PacketNumber)
	return append(dst, pn[:]...)
}

// DecodeHeader parses a Header from the front of data, returning the
// header and the number of bytes consumed so the caller can slice the
// remainder (ciphertext or parity) off the same buffer.
func DecodeHeader(data []byte) (*Header, int, error) {
	if len(data) < 1+16 {
		return nil, 0, fmt.Errorf("frame: packet too short for header: %d bytes", len(data))
	}
	h := &Header{Type: PacketType(data[0])}
	copy(h.ConnID[:], data[1:17])

	switch h.Type {
	case PacketTypeFECParity:
		if len(data) < fecHeaderSize {
			return nil, 0, fmt.Errorf("frame: truncated FEC header: need %d bytes, have %d", fecHeaderSize, len(data))
		}
		h.GroupID = binary.BigEndian.Uint64(data[17:25])
		h.ShardIndex = binary.BigEndian.Uint16(data[25:27])
		return h, fecHeaderSize, nil
	case PacketTypeData:
		if len(data) < dataHeaderSize {
			return nil, 0, fmt.Errorf("frame: truncated packet header: need %d bytes, have %d", dataHeaderSize, len(data))
		}
		h.Space = data[17]
		h.PacketNumber = binary.BigEndian.Uint64(data[18:26])
		return h, dataHeaderSize, nil
	default:
		return nil, 0, fmt.Errorf("frame: unknown packet type 0x%02x", byte(h.Type))
	}
}
