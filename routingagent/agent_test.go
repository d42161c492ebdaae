package routingagent

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/diapcc/node/config"
	"github.com/diapcc/node/diamcodec"
	"github.com/diapcc/node/diampeer"
)

type fakePeers struct {
	candidates []Candidate
}

func (f *fakePeers) CandidatesForRealm(applicationId uint32, realm string) []Candidate {
	return f.candidates
}

func newCandidate(host string, outstanding int, reply *diamcodec.Message) Candidate {
	return Candidate{
		OriginHost:  host,
		Outstanding: func() int { return outstanding },
		Exchange: func(m *diamcodec.Message, timeout time.Duration) (*diamcodec.Message, error) {
			return reply, nil
		},
	}
}

func TestForwardAppendsRouteRecordAndPicksLeastLoaded(t *testing.T) {
	req := diamcodec.NewRequest(diamcodec.AppGx, diamcodec.CmdCreditControl)

	reply := diamcodec.NewAnswer(req)
	reply.Add("Result-Code", uint32(diamcodec.ResultSuccess))

	var selectedHost string
	candidates := []Candidate{
		newCandidate("busy.test", 5, reply),
		newCandidate("idle.test", 0, reply),
	}
	candidates[1].Exchange = func(m *diamcodec.Message, timeout time.Duration) (*diamcodec.Message, error) {
		selectedHost = "idle.test"
		return reply, nil
	}

	peers := &fakePeers{candidates: candidates}
	agent := New(config.NewLogger(true), "dsc.test", peers, PolicyLeastLoaded)

	answer, err := agent.Forward(req, "pcrf.realm", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if answer.GetResultCode() != diamcodec.ResultSuccess {
		t.Fatalf("expected success result code")
	}
	if selectedHost != "idle.test" {
		t.Fatalf("expected the least-loaded candidate to be selected")
	}

	rr := req.GetAll("Route-Record")
	if len(rr) != 1 || rr[0].GetString() != "dsc.test" {
		t.Fatalf("expected Route-Record to contain dsc.test, got %v", rr)
	}
}

func TestForwardDetectsLoop(t *testing.T) {
	req := diamcodec.NewRequest(diamcodec.AppGx, diamcodec.CmdCreditControl)
	req.Add("Route-Record", "dsc.test")

	peers := &fakePeers{}
	agent := New(config.NewLogger(true), "dsc.test", peers, PolicyLeastLoaded)

	_, err := agent.Forward(req, "pcrf.realm", time.Second)
	if err != ErrLoopDetected {
		t.Fatalf("expected ErrLoopDetected, got %v", err)
	}
}

func TestForwardUnableToDeliverOnEmptyCandidates(t *testing.T) {
	req := diamcodec.NewRequest(diamcodec.AppGx, diamcodec.CmdCreditControl)

	peers := &fakePeers{candidates: nil}
	agent := New(config.NewLogger(true), "dsc.test", peers, PolicyLeastLoaded)

	_, err := agent.Forward(req, "pcrf.realm", time.Second)
	if err != ErrUnableToDeliver {
		t.Fatalf("expected ErrUnableToDeliver, got %v", err)
	}
}

// remoteDiameterHandshake performs the far end of a CER/CEA handshake
// over remoteConn, mirroring diampeer's own test helper since routingagent
// has no such helper of its own.
func remoteDiameterHandshake(t *testing.T, remoteConn net.Conn) {
	t.Helper()
	codec := diamcodec.DefaultCodec{}

	cer := diamcodec.NewRequest(diamcodec.AppBase, diamcodec.CmdCapabilitiesExchange)
	cer.AddOriginAVPs("pcrf.test", "test")
	cer.Add("Auth-Application-Id", uint32(diamcodec.AppGx))
	if err := codec.Encode(remoteConn, cer); err != nil {
		t.Fatal(err)
	}
	if _, err := codec.Decode(remoteConn); err != nil {
		t.Fatal(err)
	}
}

// remoteDiameterEchoLoop answers every request arriving on remoteConn
// with a success answer, echoing back whatever hop-by-hop id it was
// sent with.
func remoteDiameterEchoLoop(remoteConn net.Conn) {
	codec := diamcodec.DefaultCodec{}
	go func() {
		for {
			req, err := codec.Decode(remoteConn)
			if err != nil {
				return
			}
			ans := diamcodec.NewAnswer(req)
			ans.Add("Result-Code", uint32(diamcodec.ResultSuccess))
			ans.AddOriginAVPs("pcrf.test", "test")
			if err := codec.Encode(remoteConn, ans); err != nil {
				return
			}
		}
	}()
}

// TestForwardMintsFreshIdsOnConcurrentForwards guards against the
// collision spec §4.2 warns about: two unrelated inbound requests that
// happen to carry the same hop-by-hop id (plausible, since each
// arrived on a different inbound connection with its own id space)
// must not collide once forwarded onto the same downstream peer
// connection. Uses a real diampeer.Peer so the downstream's own
// duplicate-hop-by-hop-id guard is actually exercised.
func TestForwardMintsFreshIdsOnConcurrentForwards(t *testing.T) {
	serverConn, remoteConn := net.Pipe()
	defer remoteConn.Close()

	logger := config.NewLogger(true)
	control := make(chan interface{}, 16)
	handler := func(m *diamcodec.Message) (*diamcodec.Message, error) {
		t.Fatal("downstream peer should not receive an inbound request in this test")
		return nil, nil
	}
	downstream := diampeer.NewPassive(logger, "dsc.test", "test", serverConn, control, handler)

	remoteDiameterHandshake(t, remoteConn)
	remoteDiameterEchoLoop(remoteConn)

	deadline := time.After(time.Second)
	for downstream.State() != diampeer.StateOpen {
		select {
		case <-deadline:
			t.Fatal("downstream peer never reached OPEN")
		case <-time.After(time.Millisecond):
		}
	}

	candidate := Candidate{
		OriginHost:  "pcrf.test",
		Outstanding: func() int { return 0 },
		Exchange:    downstream.Exchange,
	}
	peers := &fakePeers{candidates: []Candidate{candidate}}
	agent := New(logger, "dsc.test", peers, PolicyLeastLoaded)

	const collidingId = uint32(42)
	req1 := diamcodec.NewRequest(diamcodec.AppGx, diamcodec.CmdCreditControl)
	req1.HopByHopId = collidingId
	req2 := diamcodec.NewRequest(diamcodec.AppGx, diamcodec.CmdCreditControl)
	req2.HopByHopId = collidingId

	var wg sync.WaitGroup
	answers := make([]*diamcodec.Message, 2)
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		answers[0], errs[0] = agent.Forward(req1, "pcrf.realm", time.Second)
	}()
	go func() {
		defer wg.Done()
		answers[1], errs[1] = agent.Forward(req2, "pcrf.realm", time.Second)
	}()
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("forward %d failed: %v", i, err)
		}
	}
	for i, ans := range answers {
		if ans.HopByHopId != collidingId {
			t.Fatalf("answer %d: expected restored hop-by-hop id %d, got %d", i, collidingId, ans.HopByHopId)
		}
	}
}
