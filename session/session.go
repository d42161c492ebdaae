// Package session implements the per-application session table (spec
// §4.4): a primary map keyed by Session-Id plus secondary indexes on
// Framed-IP-Address and Framed-IPv6-Prefix, grounded on the teacher's
// sessionserver.RadiusSessionStore index bookkeeping.
package session

import (
	"sync"
	"time"
)

// MessageRef de-duplicates appended log entries by the triple
// (hop-by-hop-id, end-to-end-id, is-request), per spec §3.
type MessageRef struct {
	HopByHopId uint32
	EndToEndId uint32
	IsRequest  bool
	Name       string
	At         time.Time
}

// Subscriber identifies the subscriber bound to a session (spec §3:
// "Identity = (MSISDN, IMSI)").
type Subscriber struct {
	MSISDN  string
	IMSI    string
	SIPURI  string
	NAI     string
	Private string
	IMEI    string
	APN     string
}

// Session is one entry in an application's session table. Gx adds
// FramedIPv4/FramedIPv6Prefix/CalledStationId/SGSNMCCMNC; Rx/Sy add
// GxSessionId.
type Session struct {
	mu sync.Mutex

	Id            string
	ApplicationId uint32
	Active        bool
	Error         bool
	StartTime     time.Time
	EndTime       time.Time

	Subscriber *Subscriber

	FramedIPv4       string
	FramedIPv6Prefix string
	CalledStationId  string
	SGSNMCCMNC       string
	GxSessionId      string

	log  []MessageRef
	seen map[[3]uint64]struct{}
}

// NewSession creates a session in the active state, started at the
// given time (spec §3: "created by the first message that logically
// opens it ... start_time = message timestamp").
func NewSession(id string, applicationId uint32, start time.Time) *Session {
	return &Session{
		Id:            id,
		ApplicationId: applicationId,
		Active:        true,
		StartTime:     start,
		seen:          make(map[[3]uint64]struct{}),
	}
}

func msgKey(hopByHopId, endToEndId uint32, isRequest bool) [3]uint64 {
	req := uint64(0)
	if isRequest {
		req = 1
	}
	return [3]uint64{uint64(hopByHopId), uint64(endToEndId), req}
}

// AppendMessage records a message in the session's log, de-duplicating
// by (hop-by-hop-id, end-to-end-id, is-request). Returns false if the
// message was already recorded.
func (s *Session) AppendMessage(hopByHopId, endToEndId uint32, isRequest bool, name string, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := msgKey(hopByHopId, endToEndId, isRequest)
	if _, ok := s.seen[key]; ok {
		return false
	}
	s.seen[key] = struct{}{}
	s.log = append(s.log, MessageRef{HopByHopId: hopByHopId, EndToEndId: endToEndId, IsRequest: isRequest, Name: name, At: at})
	return true
}

// Log returns a snapshot copy of the session's message log.
func (s *Session) Log() []MessageRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]MessageRef, len(s.log))
	copy(out, s.log)
	return out
}

// Terminate marks the session inactive and stamps EndTime, per spec §3
// ("end-time is set iff active is false AND the session has been
// terminated").
func (s *Session) Terminate(at time.Time, withError bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Active = false
	s.Error = withError
	s.EndTime = at
}

func (s *Session) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Active
}
