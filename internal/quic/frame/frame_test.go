package frame

import "testing"

func TestStreamFrameRoundTripOffsets(t *testing.T) {
	offsets := []uint64{0, 1 << 14, (1 << 62) - 1}
	for _, off := range offsets {
		f := &StreamFrame{StreamID: 5, Offset: off, Data: []byte("payload"), Fin: true}
		buf := f.Encode(nil)
		if len(buf) != f.EncodedLen() {
			t.Fatalf("offset %d: EncodedLen()=%d, Encode produced %d bytes", off, f.EncodedLen(), len(buf))
		}

		// Re-parse: type byte, then stream id, offset, length varints.
		rest := buf[1:]
		streamID, n, err := ReadVarint(rest)
		if err != nil {
			t.Fatalf("offset %d: read stream id: %v", off, err)
		}
		rest = rest[n:]
		gotOffset, n, err := ReadVarint(rest)
		if err != nil {
			t.Fatalf("offset %d: read offset: %v", off, err)
		}
		rest = rest[n:]
		length, n, err := ReadVarint(rest)
		if err != nil {
			t.Fatalf("offset %d: read length: %v", off, err)
		}
		rest = rest[n:]

		if streamID != f.StreamID {
			t.Fatalf("offset %d: streamID round-trip = %d, want %d", off, streamID, f.StreamID)
		}
		if gotOffset != off {
			t.Fatalf("offset round-trip = %d, want %d", gotOffset, off)
		}
		if int(length) != len(f.Data) {
			t.Fatalf("offset %d: length round-trip = %d, want %d", off, length, len(f.Data))
		}
		if string(rest[:length]) != string(f.Data) {
			t.Fatalf("offset %d: data round-trip mismatch", off)
		}
	}
}

func TestAckFrameEncodeDecodeRoundTrip(t *testing.T) {
	f := &AckFrame{
		LargestAcked: 14,
		AckDelay:     uint64(3 * 1000 * 1000),
		Ranges: []AckRange{
			{Smallest: 10, Largest: 14},
			{Smallest: 5, Largest: 6},
			{Smallest: 1, Largest: 1},
		},
	}
	buf := f.Encode(nil)
	if len(buf) != f.EncodedLen() {
		t.Fatalf("EncodedLen()=%d, Encode produced %d bytes", f.EncodedLen(), len(buf))
	}

	got, n, err := DecodeAckFrame(buf)
	if err != nil {
		t.Fatalf("DecodeAckFrame: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("consumed = %d, want %d", n, len(buf))
	}
	if got.LargestAcked != f.LargestAcked || got.AckDelay != f.AckDelay {
		t.Fatalf("decoded = %+v, want LargestAcked=%d AckDelay=%d", got, f.LargestAcked, f.AckDelay)
	}
	if len(got.Ranges) != len(f.Ranges) {
		t.Fatalf("decoded %d ranges, want %d", len(got.Ranges), len(f.Ranges))
	}
	for i, r := range f.Ranges {
		if got.Ranges[i] != r {
			t.Errorf("range %d = %+v, want %+v", i, got.Ranges[i], r)
		}
	}
}

func TestAckFrameSingleRangeRoundTrip(t *testing.T) {
	f := &AckFrame{LargestAcked: 3, AckDelay: 0, Ranges: []AckRange{{Smallest: 1, Largest: 3}}}
	got, n, err := DecodeAckFrame(f.Encode(nil))
	if err != nil {
		t.Fatalf("DecodeAckFrame: %v", err)
	}
	if n != f.EncodedLen() {
		t.Fatalf("consumed = %d, want %d", n, f.EncodedLen())
	}
	if len(got.Ranges) != 1 || got.Ranges[0] != f.Ranges[0] {
		t.Fatalf("decoded ranges = %+v, want %+v", got.Ranges, f.Ranges)
	}
}

func TestDecodeAckFrameRejectsWrongType(t *testing.T) {
	if _, _, err := DecodeAckFrame([]byte{byte(TypePing)}); err == nil {
		t.Fatal("DecodeAckFrame should reject a non-ACK type byte")
	}
}

func TestVarintRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 0x3f, 0x40, 0x3fff, 0x4000, 0x3fffffff, 0x40000000, (1 << 62) - 1}
	for _, v := range values {
		buf := appendVarint(nil, v)
		got, n, err := ReadVarint(buf)
		if err != nil {
			t.Fatalf("value %d: %v", v, err)
		}
		if n != len(buf) {
			t.Fatalf("value %d: consumed %d, want %d", v, n, len(buf))
		}
		if got != v {
			t.Fatalf("value %d round-tripped to %d", v, got)
		}
	}
}

func TestControlFrameCloneIsDeep(t *testing.T) {
	f := NewRstStreamFrame(7, 1, 100)
	f.SetID(42)
	clone := f.Clone()
	clone.SetID(99)

	if f.ID() != 42 {
		t.Fatalf("original ID mutated by clone: got %d, want 42", f.ID())
	}
	if clone.ID() != 99 {
		t.Fatalf("clone ID = %d, want 99", clone.ID())
	}
}

func TestControlFrameIDSentinel(t *testing.T) {
	var id ControlFrameID
	if !id.IsSentinel() {
		t.Fatal("zero ControlFrameID should be sentinel")
	}
	id = 1
	if id.IsSentinel() {
		t.Fatal("non-zero ControlFrameID should not be sentinel")
	}
}
