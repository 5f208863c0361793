package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestBusPublishes_Registration(t *testing.T) {
	BusPublishes.WithLabelValues("rooms", "success").Inc()
	val := testutil.ToFloat64(BusPublishes.WithLabelValues("rooms", "success"))
	if val < 1 {
		t.Errorf("expected BusPublishes to be at least 1, got %v", val)
	}
}

func TestBusOperationDuration_Registration(t *testing.T) {
	BusOperationDuration.WithLabelValues("publish").Observe(0.05)
}

func TestBackendCapacityAndUsed_Registration(t *testing.T) {
	BackendCapacity.WithLabelValues("backend-1").Set(10)
	BackendUsed.WithLabelValues("backend-1").Set(3)

	if got := testutil.ToFloat64(BackendCapacity.WithLabelValues("backend-1")); got != 10 {
		t.Errorf("expected BackendCapacity 10, got %v", got)
	}
	if got := testutil.ToFloat64(BackendUsed.WithLabelValues("backend-1")); got != 3 {
		t.Errorf("expected BackendUsed 3, got %v", got)
	}
}

func TestTransactionsTimedOut_Registration(t *testing.T) {
	before := testutil.ToFloat64(TransactionsTimedOut)
	TransactionsTimedOut.Inc()
	after := testutil.ToFloat64(TransactionsTimedOut)
	if after != before+1 {
		t.Errorf("expected TransactionsTimedOut to increment by 1, got %v -> %v", before, after)
	}
}

func TestDispatcherRequests_Registration(t *testing.T) {
	DispatcherRequests.WithLabelValues("rtc.create", "200").Inc()
	val := testutil.ToFloat64(DispatcherRequests.WithLabelValues("rtc.create", "200"))
	if val < 1 {
		t.Errorf("expected DispatcherRequests to be at least 1, got %v", val)
	}
}

func TestRateLimitCounters_Registration(t *testing.T) {
	RateLimitRequests.WithLabelValues("rtc_signal.create").Inc()
	RateLimitExceeded.WithLabelValues("rtc_signal.create", "method").Inc()
}

func TestCircuitBreakerState_Registration(t *testing.T) {
	CircuitBreakerState.WithLabelValues("backend-1").Set(1)
	if got := testutil.ToFloat64(CircuitBreakerState.WithLabelValues("backend-1")); got != 1 {
		t.Errorf("expected CircuitBreakerState 1, got %v", got)
	}
}

func TestHousekeepingCounters_Registration(t *testing.T) {
	before := testutil.ToFloat64(HousekeepingSweeps.WithLabelValues("room_closure"))
	HousekeepingSweeps.WithLabelValues("room_closure").Inc()
	after := testutil.ToFloat64(HousekeepingSweeps.WithLabelValues("room_closure"))
	if after != before+1 {
		t.Errorf("expected HousekeepingSweeps to increment by 1, got %v -> %v", before, after)
	}

	HousekeepingItemsActed.WithLabelValues("room_closure").Add(3)
	if got := testutil.ToFloat64(HousekeepingItemsActed.WithLabelValues("room_closure")); got < 3 {
		t.Errorf("expected HousekeepingItemsActed to be at least 3, got %v", got)
	}
}
