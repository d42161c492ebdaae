// Package instrumentation exposes peer, routing and pool activity as
// Prometheus counters/gauges, aggregated through a small actor-style
// server so producers never block on a registry under load. Grounded
// on the teacher's two instrumentation patterns: the CounterVec
// constructors of core/prometheus_counters.go (newXPrometheusMetrics
// registering a set of vectors against a prometheus.Registerer) and
// the event/query channel loop of instrumentation/metricsServer.go
// (InputChan for updates, QueryChan for point-in-time reads).
package instrumentation

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// eventQueueSize bounds the actor's inbound event channel; producers
// drop an event rather than block when the server falls behind,
// mirroring the teacher's INPUT_QUEUE_SIZE/QUERY_QUEUE_SIZE sizing.
const eventQueueSize = 256

// Metrics holds the Prometheus vectors proper, one CounterVec/GaugeVec
// per tracked activity, grouped the way DiameterPrometheusMetrics
// groups its peer counters.
type Metrics struct {
	PeerRequestsSent     *prometheus.CounterVec
	PeerRequestsReceived *prometheus.CounterVec
	PeerAnswersSent      *prometheus.CounterVec
	PeerAnswersReceived  *prometheus.CounterVec
	PeerTimeouts         *prometheus.CounterVec
	PeerStateChanges     *prometheus.CounterVec

	RoutesForwarded      *prometheus.CounterVec
	RoutesLoopDetected   *prometheus.CounterVec
	RoutesUnableToDeliver *prometheus.CounterVec

	PoolAllocations *prometheus.CounterVec
	PoolReleases    *prometheus.CounterVec
	PoolExhausted   *prometheus.CounterVec
	PoolAvailable   *prometheus.GaugeVec
}

// newMetrics builds and registers every vector against reg, following
// the teacher's newDiameterPrometheusMetrics(reg) constructor shape.
func newMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PeerRequestsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "diapcc_peer_requests_sent_total",
			Help: "Diameter requests sent per peer.",
		}, []string{"peer"}),
		PeerRequestsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "diapcc_peer_requests_received_total",
			Help: "Diameter requests received per peer.",
		}, []string{"peer"}),
		PeerAnswersSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "diapcc_peer_answers_sent_total",
			Help: "Diameter answers sent per peer.",
		}, []string{"peer"}),
		PeerAnswersReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "diapcc_peer_answers_received_total",
			Help: "Diameter answers received per peer.",
		}, []string{"peer"}),
		PeerTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "diapcc_peer_request_timeouts_total",
			Help: "Requests that timed out waiting for an answer, per peer.",
		}, []string{"peer"}),
		PeerStateChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "diapcc_peer_state_changes_total",
			Help: "Peer FSM transitions, per peer and resulting state.",
		}, []string{"peer", "state"}),

		RoutesForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "diapcc_routes_forwarded_total",
			Help: "Requests forwarded by the routing agent, per destination realm and application.",
		}, []string{"realm", "application"}),
		RoutesLoopDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "diapcc_routes_loop_detected_total",
			Help: "Requests rejected by the routing agent for a Route-Record loop.",
		}, []string{"realm", "application"}),
		RoutesUnableToDeliver: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "diapcc_routes_unable_to_deliver_total",
			Help: "Requests the routing agent had no candidate peer for.",
		}, []string{"realm", "application"}),

		PoolAllocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "diapcc_pool_allocations_total",
			Help: "IP addresses leased from a pool.",
		}, []string{"pool"}),
		PoolReleases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "diapcc_pool_releases_total",
			Help: "IP addresses returned to a pool.",
		}, []string{"pool"}),
		PoolExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "diapcc_pool_exhausted_total",
			Help: "Non-blocking allocations that failed because a pool was empty.",
		}, []string{"pool"}),
		PoolAvailable: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "diapcc_pool_available",
			Help: "Addresses currently free in a pool.",
		}, []string{"pool"}),
	}

	reg.MustRegister(
		m.PeerRequestsSent, m.PeerRequestsReceived, m.PeerAnswersSent, m.PeerAnswersReceived,
		m.PeerTimeouts, m.PeerStateChanges,
		m.RoutesForwarded, m.RoutesLoopDetected, m.RoutesUnableToDeliver,
		m.PoolAllocations, m.PoolReleases, m.PoolExhausted, m.PoolAvailable,
	)
	return m
}

// event is the actor's single inbound message type; one field set is
// populated depending on kind.
type event struct {
	kind                    eventKind
	peer, state             string
	realm, application      string
	pool                    string
	available               int
}

type eventKind int

const (
	evPeerRequestSent eventKind = iota
	evPeerRequestReceived
	evPeerAnswerSent
	evPeerAnswerReceived
	evPeerTimeout
	evPeerStateChange
	evRouteForwarded
	evRouteLoopDetected
	evRouteUnableToDeliver
	evPoolAllocated
	evPoolReleased
	evPoolExhausted
)

// Query asks the actor for the current value of one counter/gauge,
// identified the way the teacher's instrumentation Query did: by
// metric name plus the label values that select one vector cell.
type Query struct {
	Metric string
	Labels []string
	RChan  chan float64
}

// Server is the actor-style aggregator: producers post events on a
// bounded channel and never block the registry; a single goroutine
// applies them to the Prometheus vectors and answers queries.
type Server struct {
	Metrics *Metrics

	registry *prometheus.Registry
	eventCh  chan event
	queryCh  chan Query
	doneCh   chan struct{}
}

// NewServer builds a Server with its own Prometheus registry (so
// multiple Entities in the same process don't collide on metric
// names) and starts its event loop.
func NewServer() *Server {
	reg := prometheus.NewRegistry()
	s := &Server{
		Metrics:  newMetrics(reg),
		registry: reg,
		eventCh:  make(chan event, eventQueueSize),
		queryCh:  make(chan Query, eventQueueSize),
		doneCh:   make(chan struct{}),
	}
	go s.loop()
	return s
}

// Registry exposes the underlying registry for mounting
// promhttp.HandlerFor on a metrics endpoint.
func (s *Server) Registry() *prometheus.Registry { return s.registry }

// Stop terminates the event loop. Safe to call on a nil Server.
func (s *Server) Stop() {
	if s == nil {
		return
	}
	close(s.doneCh)
}

func (s *Server) loop() {
	for {
		select {
		case ev := <-s.eventCh:
			s.apply(ev)
		case q := <-s.queryCh:
			q.RChan <- s.answer(q)
		case <-s.doneCh:
			return
		}
	}
}

func (s *Server) apply(ev event) {
	switch ev.kind {
	case evPeerRequestSent:
		s.Metrics.PeerRequestsSent.WithLabelValues(ev.peer).Inc()
	case evPeerRequestReceived:
		s.Metrics.PeerRequestsReceived.WithLabelValues(ev.peer).Inc()
	case evPeerAnswerSent:
		s.Metrics.PeerAnswersSent.WithLabelValues(ev.peer).Inc()
	case evPeerAnswerReceived:
		s.Metrics.PeerAnswersReceived.WithLabelValues(ev.peer).Inc()
	case evPeerTimeout:
		s.Metrics.PeerTimeouts.WithLabelValues(ev.peer).Inc()
	case evPeerStateChange:
		s.Metrics.PeerStateChanges.WithLabelValues(ev.peer, ev.state).Inc()
	case evRouteForwarded:
		s.Metrics.RoutesForwarded.WithLabelValues(ev.realm, ev.application).Inc()
	case evRouteLoopDetected:
		s.Metrics.RoutesLoopDetected.WithLabelValues(ev.realm, ev.application).Inc()
	case evRouteUnableToDeliver:
		s.Metrics.RoutesUnableToDeliver.WithLabelValues(ev.realm, ev.application).Inc()
	case evPoolAllocated:
		s.Metrics.PoolAllocations.WithLabelValues(ev.pool).Inc()
		s.Metrics.PoolAvailable.WithLabelValues(ev.pool).Set(float64(ev.available))
	case evPoolReleased:
		s.Metrics.PoolReleases.WithLabelValues(ev.pool).Inc()
		s.Metrics.PoolAvailable.WithLabelValues(ev.pool).Set(float64(ev.available))
	case evPoolExhausted:
		s.Metrics.PoolExhausted.WithLabelValues(ev.pool).Inc()
	}
}

func (s *Server) answer(q Query) float64 {
	var vec *prometheus.CounterVec
	switch q.Metric {
	case "peer_requests_sent":
		vec = s.Metrics.PeerRequestsSent
	case "peer_requests_received":
		vec = s.Metrics.PeerRequestsReceived
	case "peer_answers_sent":
		vec = s.Metrics.PeerAnswersSent
	case "peer_answers_received":
		vec = s.Metrics.PeerAnswersReceived
	case "peer_timeouts":
		vec = s.Metrics.PeerTimeouts
	case "routes_forwarded":
		vec = s.Metrics.RoutesForwarded
	case "routes_loop_detected":
		vec = s.Metrics.RoutesLoopDetected
	case "routes_unable_to_deliver":
		vec = s.Metrics.RoutesUnableToDeliver
	case "pool_allocations":
		vec = s.Metrics.PoolAllocations
	case "pool_releases":
		vec = s.Metrics.PoolReleases
	case "pool_exhausted":
		vec = s.Metrics.PoolExhausted
	default:
		return 0
	}
	return counterValue(vec, q.Labels)
}

func counterValue(vec *prometheus.CounterVec, labels []string) float64 {
	c, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		return 0
	}
	var pb dto.Metric
	if err := c.Write(&pb); err != nil {
		return 0
	}
	return pb.GetCounter().GetValue()
}

// post sends ev without blocking; under sustained overload an event
// is dropped rather than stalling the caller's hot path.
func (s *Server) post(ev event) {
	if s == nil {
		return
	}
	select {
	case s.eventCh <- ev:
	default:
	}
}

// Query blocks for the actor's answer; safe to call on a nil Server
// (returns 0).
func (s *Server) Query(metric string, labels ...string) float64 {
	if s == nil {
		return 0
	}
	rchan := make(chan float64, 1)
	s.queryCh <- Query{Metric: metric, Labels: labels, RChan: rchan}
	return <-rchan
}

func (s *Server) PeerRequestSent(peer string)     { s.post(event{kind: evPeerRequestSent, peer: peer}) }
func (s *Server) PeerRequestReceived(peer string) { s.post(event{kind: evPeerRequestReceived, peer: peer}) }
func (s *Server) PeerAnswerSent(peer string)       { s.post(event{kind: evPeerAnswerSent, peer: peer}) }
func (s *Server) PeerAnswerReceived(peer string)   { s.post(event{kind: evPeerAnswerReceived, peer: peer}) }
func (s *Server) PeerTimeout(peer string)          { s.post(event{kind: evPeerTimeout, peer: peer}) }
func (s *Server) PeerStateChange(peer, state string) {
	s.post(event{kind: evPeerStateChange, peer: peer, state: state})
}

func (s *Server) RouteForwarded(realm, application string) {
	s.post(event{kind: evRouteForwarded, realm: realm, application: application})
}
func (s *Server) RouteLoopDetected(realm, application string) {
	s.post(event{kind: evRouteLoopDetected, realm: realm, application: application})
}
func (s *Server) RouteUnableToDeliver(realm, application string) {
	s.post(event{kind: evRouteUnableToDeliver, realm: realm, application: application})
}

func (s *Server) PoolAllocated(pool string, available int) {
	s.post(event{kind: evPoolAllocated, pool: pool, available: available})
}
func (s *Server) PoolReleased(pool string, available int) {
	s.post(event{kind: evPoolReleased, pool: pool, available: available})
}
func (s *Server) PoolExhausted(pool string) {
	s.post(event{kind: evPoolExhausted, pool: pool})
}
