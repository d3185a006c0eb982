package rttstats

import (
	"testing"
	"time"
)

func TestUpdateRttFirstSample(t *testing.T) {
	r := New()
	r.UpdateRtt(100*time.Millisecond, 0)

	if got := r.LatestRtt(); got != 100*time.Millisecond {
		t.Fatalf("LatestRtt() = %v, want 100ms", got)
	}
	if got := r.SmoothedRtt(); got != 100*time.Millisecond {
		t.Fatalf("SmoothedRtt() = %v, want 100ms", got)
	}
	if got := r.MinRtt(); got != 100*time.Millisecond {
		t.Fatalf("MinRtt() = %v, want 100ms", got)
	}
}

func TestUpdateRttSmoothing(t *testing.T) {
	r := New()
	r.UpdateRtt(100*time.Millisecond, 0)
	r.UpdateRtt(200*time.Millisecond, 0)

	// srtt = 7/8*100 + 1/8*200 = 112.5ms
	want := (7*100*time.Millisecond + 200*time.Millisecond) / 8
	if got := r.SmoothedRtt(); got != want {
		t.Fatalf("SmoothedRtt() = %v, want %v", got, want)
	}
	if got := r.PreviousSrtt(); got != 100*time.Millisecond {
		t.Fatalf("PreviousSrtt() = %v, want 100ms", got)
	}
	if got := r.MinRtt(); got != 100*time.Millisecond {
		t.Fatalf("MinRtt() = %v, want 100ms (unchanged by larger sample)", got)
	}
}

func TestUpdateRttIgnoresNonPositiveSample(t *testing.T) {
	r := New()
	r.UpdateRtt(100*time.Millisecond, 0)
	r.UpdateRtt(0, 0)
	r.UpdateRtt(-5*time.Millisecond, 0)

	if got := r.SmoothedRtt(); got != 100*time.Millisecond {
		t.Fatalf("SmoothedRtt() = %v, want unchanged 100ms", got)
	}
}

func TestAckDelaySubtractedWhenPlausible(t *testing.T) {
	r := New()
	r.UpdateRtt(100*time.Millisecond, 0)
	// sendDelta=150ms, ackDelay=20ms -> sample should be 130ms since
	// 150-20=130 > minRtt(100ms).
	r.UpdateRtt(150*time.Millisecond, 20*time.Millisecond)
	if got := r.LatestRtt(); got != 130*time.Millisecond {
		t.Fatalf("LatestRtt() = %v, want 130ms", got)
	}
}

func TestAckDelayIgnoredWhenImplausible(t *testing.T) {
	r := New()
	r.UpdateRtt(100*time.Millisecond, 0)
	// sendDelta=105ms, ackDelay=20ms -> 105-20=85ms which is not > minRtt(100ms),
	// so the full sendDelta is kept.
	r.UpdateRtt(105*time.Millisecond, 20*time.Millisecond)
	if got := r.LatestRtt(); got != 105*time.Millisecond {
		t.Fatalf("LatestRtt() = %v, want 105ms (ackDelay not subtracted)", got)
	}
}

func TestExpireSmoothedMetrics(t *testing.T) {
	r := New()
	r.UpdateRtt(100*time.Millisecond, 0)
	r.UpdateRtt(100*time.Millisecond, 0)

	before := r.SmoothedRtt()
	r.latestRtt = 300 * time.Millisecond
	r.ExpireSmoothedMetrics()

	if r.SmoothedRtt() <= before {
		t.Fatalf("ExpireSmoothedMetrics did not widen smoothedRtt: before=%v after=%v", before, r.SmoothedRtt())
	}
	if r.SmoothedRtt() != 300*time.Millisecond {
		t.Fatalf("SmoothedRtt() = %v, want 300ms after expiry", r.SmoothedRtt())
	}
}

func TestOnConnectionMigrationResetsEstimators(t *testing.T) {
	r := New()
	r.UpdateRtt(100*time.Millisecond, 0)
	r.OnConnectionMigration()

	if r.LatestRtt() != 0 || r.MinRtt() != 0 || r.SmoothedRtt() != r.initialRtt {
		t.Fatalf("OnConnectionMigration did not reset estimators: latest=%v min=%v srtt=%v",
			r.LatestRtt(), r.MinRtt(), r.SmoothedRtt())
	}
}

func TestInitialRttBeforeFirstSample(t *testing.T) {
	r := New()
	r.SetInitialRtt(250 * time.Millisecond)
	if got := r.SmoothedRtt(); got != 250*time.Millisecond {
		t.Fatalf("SmoothedRtt() before first sample = %v, want 250ms", got)
	}
	if got := r.InitialRttUs(); got != 250000 {
		t.Fatalf("InitialRttUs() = %d, want 250000", got)
	}
}
