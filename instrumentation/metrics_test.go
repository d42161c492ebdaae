package instrumentation

import (
	"testing"
	"time"
)

// waitForQuery polls the actor a few times since post() delivers
// asynchronously; the teacher's TestDiameterMetrics instead sleeps a
// fixed 100ms after pushing before querying.
func waitForQuery(t *testing.T, s *Server, metric string, labels ...string) float64 {
	t.Helper()
	var v float64
	for i := 0; i < 50; i++ {
		v = s.Query(metric, labels...)
		if v > 0 {
			return v
		}
		time.Sleep(2 * time.Millisecond)
	}
	return v
}

func TestServerAggregatesPeerActivity(t *testing.T) {
	s := NewServer()
	defer s.Stop()

	s.PeerRequestSent("peer1")
	s.PeerRequestReceived("peer1")
	s.PeerAnswerSent("peer1")
	s.PeerAnswerReceived("peer1")
	s.PeerTimeout("peer1")

	if got := waitForQuery(t, s, "peer_requests_sent", "peer1"); got != 1 {
		t.Fatalf("peer_requests_sent = %v, want 1", got)
	}
	if got := waitForQuery(t, s, "peer_requests_received", "peer1"); got != 1 {
		t.Fatalf("peer_requests_received = %v, want 1", got)
	}
	if got := waitForQuery(t, s, "peer_answers_sent", "peer1"); got != 1 {
		t.Fatalf("peer_answers_sent = %v, want 1", got)
	}
	if got := waitForQuery(t, s, "peer_answers_received", "peer1"); got != 1 {
		t.Fatalf("peer_answers_received = %v, want 1", got)
	}
	if got := waitForQuery(t, s, "peer_timeouts", "peer1"); got != 1 {
		t.Fatalf("peer_timeouts = %v, want 1", got)
	}
}

func TestServerAggregatesRoutingActivity(t *testing.T) {
	s := NewServer()
	defer s.Stop()

	s.RouteForwarded("realm.test", "16777238")
	s.RouteLoopDetected("realm.test", "16777238")
	s.RouteUnableToDeliver("realm.test", "16777238")

	if got := waitForQuery(t, s, "routes_forwarded", "realm.test", "16777238"); got != 1 {
		t.Fatalf("routes_forwarded = %v, want 1", got)
	}
	if got := waitForQuery(t, s, "routes_loop_detected", "realm.test", "16777238"); got != 1 {
		t.Fatalf("routes_loop_detected = %v, want 1", got)
	}
	if got := waitForQuery(t, s, "routes_unable_to_deliver", "realm.test", "16777238"); got != 1 {
		t.Fatalf("routes_unable_to_deliver = %v, want 1", got)
	}
}

func TestServerAggregatesPoolActivity(t *testing.T) {
	s := NewServer()
	defer s.Stop()

	s.PoolAllocated("internet", 3)
	s.PoolReleased("internet", 4)
	s.PoolExhausted("internet")

	if got := waitForQuery(t, s, "pool_allocations", "internet"); got != 1 {
		t.Fatalf("pool_allocations = %v, want 1", got)
	}
	if got := waitForQuery(t, s, "pool_releases", "internet"); got != 1 {
		t.Fatalf("pool_releases = %v, want 1", got)
	}
	if got := waitForQuery(t, s, "pool_exhausted", "internet"); got != 1 {
		t.Fatalf("pool_exhausted = %v, want 1", got)
	}
}

func TestNilServerMethodsAreNoOps(t *testing.T) {
	var s *Server
	s.PeerRequestSent("peer1")
	s.PeerStateChange("peer1", "OPEN")
	s.RouteForwarded("realm.test", "16777238")
	s.PoolAllocated("internet", 1)
	s.Stop()

	if got := s.Query("peer_requests_sent", "peer1"); got != 0 {
		t.Fatalf("nil Server Query = %v, want 0", got)
	}
}
