package diampeer

import (
	"fmt"
	"time"

	"github.com/diapcc/node/diamcodec"
)

// SendAnswer sends an already-built answer (or a base-application
// request such as DWR/CER, which carry no completion channel) on this
// peer's connection.
func (p *Peer) SendAnswer(m *diamcodec.Message) {
	p.eventCh <- egressMsg{message: m}
}

// Exchange sends a request and blocks the caller until the matching
// answer arrives, the timeout elapses, or the peer closes (spec §4.5
// "send-and-await"). Must only be called with a non-base-application
// request.
func (p *Peer) Exchange(m *diamcodec.Message, timeout time.Duration) (*diamcodec.Message, error) {
	if m.ApplicationId == diamcodec.AppBase {
		return nil, fmt.Errorf("diampeer: Exchange must not be used for base application messages")
	}
	if !m.IsRequest {
		return nil, fmt.Errorf("diampeer: Exchange requires a request message")
	}

	rchan := make(chan interface{}, 1)
	p.eventCh <- egressMsg{message: m, rchan: rchan, timeout: timeout}

	switch v := (<-rchan).(type) {
	case error:
		return nil, v
	case *diamcodec.Message:
		return v, nil
	default:
		panic("diampeer: unreachable response type")
	}
}

// ExchangeAsync is the non-blocking form of Exchange: handler runs in
// its own goroutine once the answer or error is available.
func (p *Peer) ExchangeAsync(m *diamcodec.Message, timeout time.Duration, handler func(*diamcodec.Message, error)) {
	go func() {
		resp, err := p.Exchange(m, timeout)
		handler(resp, err)
	}()
}

// Cancel aborts a pending request identified by hopByHopId, waking its
// caller with ErrCancelled instead of an answer (spec §5
// "Cancellation").
func (p *Peer) Cancel(hopByHopId uint32) {
	p.eventCh <- cancelRequestMsg{hopByHopId: hopByHopId, reason: ErrCancelled}
}
