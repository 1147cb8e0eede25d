package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestTimerMeasuresElapsed(t *testing.T) {
	timer := NewTimer()
	time.Sleep(20 * time.Millisecond)

	first := timer.Duration()
	if first < 20*time.Millisecond {
		t.Errorf("Duration() = %v, want >= 20ms", first)
	}

	// The timer keeps running; a later read is strictly larger.
	time.Sleep(5 * time.Millisecond)
	if second := timer.Duration(); second <= first {
		t.Errorf("Duration() should grow between reads: %v then %v", first, second)
	}
}

func TestTimerObservesInvocationDuration(t *testing.T) {
	before := testutil.CollectAndCount(RPCDuration)

	// One timed invocation materializes a labeled series for its system.
	timer := NewTimer()
	timer.ObserveDurationVec(RPCDuration, "timerTestSystem")

	if after := testutil.CollectAndCount(RPCDuration); after != before+1 {
		t.Errorf("RPCDuration series count: had %d, now %d, want one more", before, after)
	}
}

func TestTimerObservesPlainHistogram(t *testing.T) {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "commit_roundtrip_duration_seconds",
		Help:    "Commit bundle round trip duration",
		Buckets: prometheus.DefBuckets,
	})

	timer := NewTimer()
	timer.ObserveDuration(h)

	if timer.Duration() <= 0 {
		t.Error("observed duration should be positive")
	}
	if got := testutil.CollectAndCount(h); got != 1 {
		t.Errorf("histogram collected %d metrics, want 1", got)
	}
}

func TestOutcomeCounterIncrements(t *testing.T) {
	c := RPCTotal.WithLabelValues("timerTestSystem", "ok")
	before := testutil.ToFloat64(c)

	c.Inc()

	if got := testutil.ToFloat64(c); got != before+1 {
		t.Errorf("RPCTotal = %v, want %v", got, before+1)
	}
}

func TestIndependentTimers(t *testing.T) {
	older := NewTimer()
	time.Sleep(10 * time.Millisecond)
	newer := NewTimer()
	time.Sleep(10 * time.Millisecond)

	if older.Duration() <= newer.Duration() {
		t.Errorf("timers share state: older=%v newer=%v", older.Duration(), newer.Duration())
	}
}
