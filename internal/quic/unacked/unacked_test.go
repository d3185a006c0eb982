package unacked

import (
	"testing"
	"time"
)

func sentPacket(bytesSent int, inFlight bool) *TransmissionInfo {
	return &TransmissionInfo{
		SentTime:  time.Now(),
		BytesSent: bytesSent,
		InFlight:  inFlight,
	}
}

func TestBasicAckFlow(t *testing.T) {
	m := New(nil, nil)

	for pn := PacketNumber(1); pn <= 5; pn++ {
		m.AddSentPacket(pn, 0, sentPacket(100, true))
	}

	if got := m.BytesInFlight(); got != 500 {
		t.Fatalf("BytesInFlight() = %d, want 500", got)
	}

	// Ack [1,3].
	m.IncreaseLargestObserved(3)
	for pn := PacketNumber(1); pn <= 3; pn++ {
		m.NotifyAcked(pn, 0)
	}

	if got := m.BytesInFlight(); got != 200 {
		t.Fatalf("BytesInFlight() after ack = %d, want 200", got)
	}
	if got := m.LargestObserved(); got != 3 {
		t.Fatalf("LargestObserved() = %d, want 3", got)
	}
	if !m.IsUnacked(4) || !m.IsUnacked(5) {
		t.Fatal("packets 4 and 5 should still be tracked (in flight)")
	}
	if m.IsUnacked(1) || m.IsUnacked(2) || m.IsUnacked(3) {
		t.Fatal("packets 1..3 should have been removed from the map")
	}
	if got := m.LeastUnacked(); got != 4 {
		t.Fatalf("LeastUnacked() = %d, want 4", got)
	}
}

func TestAddSentPacketFillsGapWithSentinels(t *testing.T) {
	m := New(nil, nil)
	m.AddSentPacket(1, 0, sentPacket(100, true))
	m.AddSentPacket(2, 0, sentPacket(100, true))
	// largestSent = N-3 = 2; send pn=5 directly -> sentinels at 3,4.
	m.AddSentPacket(5, 0, sentPacket(100, true))

	for _, pn := range []PacketNumber{3, 4} {
		info := m.GetInfo(pn)
		if info == nil {
			t.Fatalf("expected sentinel at pn=%d", pn)
		}
		if !info.Unackable {
			t.Fatalf("sentinel at pn=%d should be unackable", pn)
		}
	}

	// The sentinel at pn=3 (two before the newly sent pn=5, matching the
	// boundary case) only retires once it reaches the head of the map;
	// retire packets 1 and 2 first to get there.
	m.IncreaseLargestObserved(2)
	m.NotifyAcked(1, 0)
	m.NotifyAcked(2, 0)
	if m.IsUnacked(3) {
		t.Fatal("sentinel packet should have been retired as useless once it reached the head")
	}
}

func TestBytesInFlightInvariantAfterMixedOperations(t *testing.T) {
	m := New(nil, nil)
	m.AddSentPacket(1, 0, sentPacket(150, true))
	m.AddSentPacket(2, 0, sentPacket(200, true))
	m.AddSentPacket(3, 0, sentPacket(50, false))

	want := 350
	if got := m.BytesInFlight(); got != want {
		t.Fatalf("BytesInFlight() = %d, want %d", got, want)
	}

	m.RemoveFromInFlight(1)
	want -= 150
	if got := m.BytesInFlight(); got != want {
		t.Fatalf("after RemoveFromInFlight(1): BytesInFlight() = %d, want %d", got, want)
	}

	m.RestoreToInFlight(1)
	want += 150
	if got := m.BytesInFlight(); got != want {
		t.Fatalf("after RestoreToInFlight(1): BytesInFlight() = %d, want %d", got, want)
	}
}

func TestLargestObservedNeverRegresses(t *testing.T) {
	m := New(nil, nil)
	m.IncreaseLargestObserved(5)
	m.IncreaseLargestObserved(3)
	if got := m.LargestObserved(); got != 5 {
		t.Fatalf("LargestObserved() = %d, want 5 (must not regress)", got)
	}
}

func TestRemoveFromInFlightRefusesUnderflow(t *testing.T) {
	m := New(nil, nil)
	m.AddSentPacket(1, 0, sentPacket(100, true))
	// Corrupt bytesInFlight to force the underflow guard path.
	m.bytesInFlight = 50
	m.RemoveFromInFlight(1)
	if m.bytesInFlight != 50 {
		t.Fatalf("RemoveFromInFlight should have refused and left bytesInFlight unchanged, got %d", m.bytesInFlight)
	}
}
