// Package routingagent implements the DSC forwarding policy of spec
// §4.6: realm-based next-hop selection among OPEN peers supporting an
// application-id, with Route-Record loop detection. Grounded on the
// teacher's router.DiameterRouter request-routing path (peer table,
// RouteDiameterRequest, random/least-loaded peer pick).
package routingagent

import (
	"errors"
	"math/rand"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/diapcc/node/diamcodec"
	"github.com/diapcc/node/instrumentation"
)

// ErrUnableToDeliver is returned when no candidate peer is available
// for the request's destination realm and application-id.
var ErrUnableToDeliver = errors.New("routingagent: unable to deliver")

// ErrLoopDetected is returned when this node's Origin-Host already
// appears in the request's Route-Record.
var ErrLoopDetected = errors.New("routingagent: loop detected")

// Candidate is one forwarding option: a peer identity plus the means
// to exchange a request on it and to read its outstanding-request
// count (for load-based selection).
type Candidate struct {
	OriginHost  string
	Realm       string
	Outstanding func() int
	Exchange    func(m *diamcodec.Message, timeout time.Duration) (*diamcodec.Message, error)
}

// PeerSource supplies the current set of OPEN peers that support a
// given application-id, grouped by realm. Implemented by diamnode.Node.
type PeerSource interface {
	CandidatesForRealm(applicationId uint32, realm string) []Candidate
}

// Policy selects among a non-empty candidate slice.
type Policy int

const (
	// PolicyLeastLoaded picks the candidate with the lowest outstanding
	// count, ties broken by round-robin (spec §4.6, the default).
	PolicyLeastLoaded Policy = iota
	// PolicyRandom shuffles candidates and picks the first (teacher's
	// "random" route policy for its http-handler targets).
	PolicyRandom
	// PolicyRoundRobin cycles deterministically through candidates.
	PolicyRoundRobin
)

// Agent is the DSC routing policy bound to one node identity.
type Agent struct {
	logger     *zap.SugaredLogger
	originHost string
	peers      PeerSource
	policy     Policy

	// Metrics is nil unless the owning entity wired an instrumentation
	// server.
	Metrics *instrumentation.Server

	rrCounter uint64
}

func New(logger *zap.SugaredLogger, originHost string, peers PeerSource, policy Policy) *Agent {
	return &Agent{logger: logger, originHost: originHost, peers: peers, policy: policy}
}

// Forward appends this node's Origin-Host to Route-Record, checks for
// a routing loop, selects a candidate peer by policy and performs a
// blocking send-and-await on it (spec §4.6 steps 1-4). The outbound
// copy carries a fresh hop-by-hop/end-to-end id (spec §4.2: a request
// must carry a hop-by-hop-id unique among the chosen connection's
// pending requests — the inbound id was only unique on the inbound
// connection, and two unrelated inbound requests forwarded onto the
// same downstream peer could otherwise collide in its pending-request
// table, see diampeer's duplicate-hop-by-hop-id check). The returned
// answer has the original inbound ids restored, so the caller can
// relay it back to the inbound peer unchanged.
func (a *Agent) Forward(request *diamcodec.Message, destinationRealm string, timeout time.Duration) (*diamcodec.Message, error) {
	appLabel := strconv.FormatUint(uint64(request.ApplicationId), 10)

	if slices.ContainsFunc(request.GetAll("Route-Record"), func(rr diamcodec.AVP) bool {
		return rr.GetString() == a.originHost
	}) {
		a.Metrics.RouteLoopDetected(destinationRealm, appLabel)
		return nil, ErrLoopDetected
	}
	request.Add("Route-Record", a.originHost)

	candidates := a.peers.CandidatesForRealm(request.ApplicationId, destinationRealm)
	if len(candidates) == 0 {
		a.Metrics.RouteUnableToDeliver(destinationRealm, appLabel)
		return nil, ErrUnableToDeliver
	}

	selected := a.selectCandidate(candidates)
	a.logger.Debugf("routing %s to %s", request.LogicalName(), selected.OriginHost)
	a.Metrics.RouteForwarded(destinationRealm, appLabel)

	inboundHopByHopId, inboundEndToEndId := request.HopByHopId, request.EndToEndId
	outbound := *request
	outbound.HopByHopId = diamcodec.NextHopByHopId()
	outbound.EndToEndId = diamcodec.NextEndToEndId()

	answer, err := selected.Exchange(&outbound, timeout)
	if err != nil {
		return nil, err
	}
	answer.HopByHopId = inboundHopByHopId
	answer.EndToEndId = inboundEndToEndId
	return answer, nil
}

func (a *Agent) selectCandidate(candidates []Candidate) Candidate {
	switch a.policy {
	case PolicyRandom:
		return candidates[rand.Intn(len(candidates))]

	case PolicyRoundRobin:
		idx := a.rrCounter % uint64(len(candidates))
		a.rrCounter++
		return candidates[idx]

	default: // PolicyLeastLoaded
		best := candidates[0]
		bestLoad := best.Outstanding()
		tied := []Candidate{best}

		for _, c := range candidates[1:] {
			load := c.Outstanding()
			switch {
			case load < bestLoad:
				best, bestLoad, tied = c, load, []Candidate{c}
			case load == bestLoad:
				tied = append(tied, c)
			}
		}
		// Round-robin among ties: the rrCounter-th tied candidate wins.
		best = tied[a.rrCounter%uint64(len(tied))]
		a.rrCounter++
		return best
	}
}
