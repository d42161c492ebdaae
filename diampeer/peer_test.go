package diampeer

import (
	"net"
	"testing"
	"time"

	"github.com/diapcc/node/config"
	"github.com/diapcc/node/diamcodec"
)

func echoHandler(request *diamcodec.Message) (*diamcodec.Message, error) {
	answer := diamcodec.NewAnswer(request)
	answer.Add("Result-Code", uint32(diamcodec.ResultSuccess))
	return answer, nil
}

func newTestPeerPair(t *testing.T) (*Peer, net.Conn, chan interface{}) {
	t.Helper()
	serverConn, remoteConn := net.Pipe()

	control := make(chan interface{}, 16)
	logger := config.NewLogger(true)
	peer := NewPassive(logger, "pcrf.test", "test", serverConn, control, echoHandler)

	return peer, remoteConn, control
}

// remoteSendCER emulates the far end of the handshake: it writes a CER
// onto remoteConn and returns the decoded CEA.
func remoteHandshake(t *testing.T, remoteConn net.Conn) *diamcodec.Message {
	t.Helper()
	codec := diamcodec.DefaultCodec{}

	cer := diamcodec.NewRequest(diamcodec.AppBase, diamcodec.CmdCapabilitiesExchange)
	cer.AddOriginAVPs("pcef.test", "test")
	cer.Add("Auth-Application-Id", uint32(diamcodec.AppGx))
	if err := codec.Encode(remoteConn, cer); err != nil {
		t.Fatal(err)
	}

	cea, err := codec.Decode(remoteConn)
	if err != nil {
		t.Fatal(err)
	}
	return cea
}

func TestPassivePeerHandshakeReachesOpen(t *testing.T) {
	peer, remoteConn, control := newTestPeerPair(t)
	defer remoteConn.Close()

	cea := remoteHandshake(t, remoteConn)
	if cea.GetResultCode() != diamcodec.ResultSuccess {
		t.Fatalf("expected successful CEA, got result code %d", cea.GetResultCode())
	}

	select {
	case ev := <-control:
		up, ok := ev.(PeerUpEvent)
		if !ok {
			t.Fatalf("expected PeerUpEvent, got %T", ev)
		}
		if up.DiameterHost != "pcef.test" {
			t.Fatalf("expected origin host pcef.test, got %s", up.DiameterHost)
		}
	case <-time.After(time.Second):
		t.Fatal("did not receive PeerUpEvent")
	}

	if peer.State() != StateOpen {
		t.Fatalf("expected state OPEN, got %s", peer.State())
	}
}

func TestRequestAnswerRoundTrip(t *testing.T) {
	peer, remoteConn, _ := newTestPeerPair(t)
	defer remoteConn.Close()
	remoteHandshake(t, remoteConn)

	codec := diamcodec.DefaultCodec{}

	done := make(chan *diamcodec.Message, 1)
	go func() {
		req, err := codec.Decode(remoteConn)
		if err != nil {
			return
		}
		ans := diamcodec.NewAnswer(req)
		ans.Add("Result-Code", uint32(diamcodec.ResultSuccess))
		ans.AddOriginAVPs("pcef.test", "test")
		codec.Encode(remoteConn, ans)
		done <- req
	}()

	req := diamcodec.NewRequest(diamcodec.AppGx, diamcodec.CmdCreditControl)
	req.Add("Session-Id", "pcef;1;1")
	req.Add("CC-Request-Type", uint32(diamcodec.CCRequestTypeInitial))

	answer, err := peer.Exchange(req, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if answer.GetResultCode() != diamcodec.ResultSuccess {
		t.Fatalf("expected success result code, got %d", answer.GetResultCode())
	}

	select {
	case echoed := <-done:
		if echoed.HopByHopId != req.HopByHopId {
			t.Fatalf("hop-by-hop id mismatch")
		}
	case <-time.After(time.Second):
		t.Fatal("remote never received the request")
	}
}

func TestExchangeTimesOut(t *testing.T) {
	peer, remoteConn, _ := newTestPeerPair(t)
	defer remoteConn.Close()
	remoteHandshake(t, remoteConn)

	// Drain anything written by the peer but never answer.
	go func() {
		codec := diamcodec.DefaultCodec{}
		for {
			if _, err := codec.Decode(remoteConn); err != nil {
				return
			}
		}
	}()

	req := diamcodec.NewRequest(diamcodec.AppGx, diamcodec.CmdCreditControl)
	req.Add("Session-Id", "pcef;1;2")

	_, err := peer.Exchange(req, 50*time.Millisecond)
	if err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestHopByHopIdsAreUnique(t *testing.T) {
	seen := make(map[uint32]bool)
	for i := 0; i < 1000; i++ {
		id := diamcodec.NextHopByHopId()
		if seen[id] {
			t.Fatalf("duplicate hop-by-hop id %d", id)
		}
		seen[id] = true
	}
}
