package loss

import (
	"testing"
	"time"

	"github.com/quicproto/qcore/internal/quic/rttstats"
	"github.com/quicproto/qcore/internal/quic/unacked"
)

func sentAt(t time.Time, bytes int) *unacked.TransmissionInfo {
	return &unacked.TransmissionInfo{SentTime: t, BytesSent: bytes, InFlight: true}
}

func TestFackLossDetection(t *testing.T) {
	base := time.Now()
	m := unacked.New(nil, nil)
	for pn := unacked.PacketNumber(1); pn <= 5; pn++ {
		m.AddSentPacket(pn, 0, sentAt(base, 100))
	}

	d := New(ModeNack)
	rtt := rttstats.New()
	m.IncreaseLargestObserved(5)
	for pn := unacked.PacketNumber(2); pn <= 5; pn++ {
		m.NotifyAcked(pn, 0)
	}

	lost, _ := d.DetectLosses(m, rtt, base, 5)

	if len(lost) != 1 {
		t.Fatalf("len(lost) = %d, want 1", len(lost))
	}
	if lost[0].PacketNumber != 1 {
		t.Fatalf("lost packet = %d, want 1", lost[0].PacketNumber)
	}
}

func TestNackDoesNotDeclareWithinThreshold(t *testing.T) {
	base := time.Now()
	m := unacked.New(nil, nil)
	for pn := unacked.PacketNumber(1); pn <= 3; pn++ {
		m.AddSentPacket(pn, 0, sentAt(base, 100))
	}
	d := New(ModeNack)
	rtt := rttstats.New()
	m.IncreaseLargestObserved(3)

	// largestNewlyAcked - pn for pn=1 is 2, below the threshold of 3;
	// the early-retransmit / time-based fallback path also should not
	// fire within the same instant (now == sentTime, smoothedRtt > 0).
	lost, _ := d.DetectLosses(m, rtt, base, 3)
	for _, l := range lost {
		if l.PacketNumber == 1 {
			t.Fatal("packet 1 should not be declared lost yet (gap below threshold)")
		}
	}
}

func TestAdaptiveTimeShrinksReorderingShift(t *testing.T) {
	d := New(ModeAdaptiveTime)
	if d.ReorderingShift() != 4 {
		t.Fatalf("initial ReorderingShift() = %d, want 4", d.ReorderingShift())
	}

	maxRtt := 100 * time.Millisecond
	extraTimeNeeded := 20 * time.Millisecond

	d.SpuriousRetransmitDetected(maxRtt, extraTimeNeeded)

	// 100>>4=6.25ms <= 20 -> shrink to 3; 100>>3=12.5<=20 -> shrink to 2;
	// 100>>2=25 > 20 -> stop. Final shift = 2.
	if got := d.ReorderingShift(); got != 2 {
		t.Fatalf("ReorderingShift() after spurious detection = %d, want 2", got)
	}
}

func TestAdaptiveTimeShrinkIsNoOpOutsideAdaptiveMode(t *testing.T) {
	d := New(ModeTime)
	d.SpuriousRetransmitDetected(100*time.Millisecond, 20*time.Millisecond)
	if d.ReorderingShift() != 4 {
		t.Fatalf("ReorderingShift() = %d, want unchanged 4 outside AdaptiveTime", d.ReorderingShift())
	}
}

func TestReorderingShiftFloorsAtZero(t *testing.T) {
	d := New(ModeAdaptiveTime)
	// A huge extraTimeNeeded should shrink all the way to 0 and stop.
	d.SpuriousRetransmitDetected(100*time.Millisecond, 10*time.Second)
	if got := d.ReorderingShift(); got != 0 {
		t.Fatalf("ReorderingShift() = %d, want 0 (floor)", got)
	}
}

func TestTimeBasedLossSetsLossTimeout(t *testing.T) {
	base := time.Now()
	m := unacked.New(nil, nil)
	m.AddSentPacket(1, 0, sentAt(base, 100))
	m.AddSentPacket(2, 0, sentAt(base.Add(10*time.Millisecond), 100))

	d := New(ModeTime)
	rtt := rttstats.New()
	rtt.UpdateRtt(50*time.Millisecond, 0)
	m.IncreaseLargestObserved(2)

	// "now" is right at send time of packet 2 - too early for packet 1
	// to be declared lost under the loss_delay schedule.
	lost, timeout := d.DetectLosses(m, rtt, base.Add(10*time.Millisecond), 2)
	if len(lost) != 0 {
		t.Fatalf("expected no immediate losses, got %v", lost)
	}
	if timeout.IsZero() {
		t.Fatal("expected a non-zero loss timeout to be armed")
	}
}
