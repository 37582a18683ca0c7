package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveOutcome(t *testing.T) {
	before := testutil.ToFloat64(EventsTotal.WithLabelValues("test", OutcomeAcknowledged))
	ObserveOutcome("test", OutcomeAcknowledged)
	after := testutil.ToFloat64(EventsTotal.WithLabelValues("test", OutcomeAcknowledged))

	if after-before != 1 {
		t.Fatalf("events_total delta = %v, want 1", after-before)
	}
}

func TestAckTimeoutHook(t *testing.T) {
	hook := AckTimeoutHook("hook-test")
	hook()
	hook()

	if got := testutil.ToFloat64(AckTimeoutsTotal.WithLabelValues("hook-test")); got != 2 {
		t.Fatalf("ack_timeouts_total = %v, want 2", got)
	}
}

func TestObserveAck(t *testing.T) {
	ObserveAck("latency-test", 20*time.Millisecond)

	if got := testutil.CollectAndCount(AckLatency, "boltgate_ack_latency_seconds"); got == 0 {
		t.Fatal("expected ack latency series")
	}
}
