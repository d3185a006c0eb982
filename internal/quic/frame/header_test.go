package frame

import (
	"testing"

	"github.com/quicproto/qcore/pkg/guuid"
)

func TestDataHeaderRoundTrip(t *testing.T) {
	id, err := guuid.New()
	if err != nil {
		t.Fatalf("guuid.New: %v", err)
	}
	h := &Header{Type: PacketTypeData, ConnID: id, Space: 2, PacketNumber: 42}

	buf := h.Marshal(nil)
	if len(buf) != h.EncodedLen() {
		t.Fatalf("EncodedLen() = %d, Marshal produced %d bytes", h.EncodedLen(), len(buf))
	}

	got, n, err := DecodeHeader(buf)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("consumed = %d, want %d", n, len(buf))
	}
	if got.Type != PacketTypeData || got.ConnID != id || got.Space != 2 || got.PacketNumber != 42 {
		t.Fatalf("DecodeHeader = %+v, want matching fields", got)
	}
}

func TestFECHeaderRoundTrip(t *testing.T) {
	id, err := guuid.New()
	if err != nil {
		t.Fatalf("guuid.New: %v", err)
	}
	h := &Header{Type: PacketTypeFECParity, ConnID: id, GroupID: 7, ShardIndex: 3}

	buf := h.Marshal(nil)
	got, n, err := DecodeHeader(buf)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("consumed = %d, want %d", n, len(buf))
	}
	if got.Type != PacketTypeFECParity || got.ConnID != id || got.GroupID != 7 || got.ShardIndex != 3 {
		t.Fatalf("DecodeHeader = %+v, want matching fields", got)
	}
}

func TestDecodeHeaderRejectsTruncatedInput(t *testing.T) {
	if _, _, err := DecodeHeader([]byte{0x01, 0x02}); err == nil {
		t.Fatal("DecodeHeader should reject a buffer shorter than any header")
	}
}

func TestDecodeHeaderRejectsUnknownType(t *testing.T) {
	id, _ := guuid.New()
	h := &Header{Type: PacketTypeData, ConnID: id, Space: 0, PacketNumber: 1}
	buf := h.Marshal(nil)
	buf[0] = 0xee
	if _, _, err := DecodeHeader(buf); err == nil {
		t.Fatal("DecodeHeader should reject an unrecognized packet type")
	}
}
