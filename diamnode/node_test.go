package diamnode

import (
	"testing"
	"time"

	"github.com/diapcc/node/config"
	"github.com/diapcc/node/diamcodec"
	"github.com/diapcc/node/transport"
)

type echoApp struct {
	id uint32
}

func (a *echoApp) ApplicationId() uint32 { return a.id }

func (a *echoApp) HandleRequest(request *diamcodec.Message) (*diamcodec.Message, error) {
	answer := diamcodec.NewAnswer(request)
	answer.Add("Result-Code", uint32(diamcodec.ResultSuccess))
	return answer, nil
}

func newTestNode(t *testing.T, bindAddr string) *Node {
	t.Helper()
	n := New(config.NewLogger(true), "pcrf.test", "test")
	if err := n.Start(bindAddr, transport.TCP); err != nil {
		t.Fatal(err)
	}
	return n
}

func TestDispatchToboundApplicationByRealm(t *testing.T) {
	n := newTestNode(t, "")
	n.AddApplication(&echoApp{id: diamcodec.AppGx}, []string{"test"})

	req := diamcodec.NewRequest(diamcodec.AppGx, diamcodec.CmdCreditControl)
	req.Add("Destination-Realm", "test")

	answer, err := n.dispatch(req)
	if err != nil {
		t.Fatal(err)
	}
	if answer.GetResultCode() != diamcodec.ResultSuccess {
		t.Fatalf("expected success, got %d", answer.GetResultCode())
	}
}

func TestDispatchUnableToDeliverWhenUnbound(t *testing.T) {
	n := newTestNode(t, "")

	req := diamcodec.NewRequest(diamcodec.AppGx, diamcodec.CmdCreditControl)
	req.Add("Destination-Realm", "unbound.test")

	answer, err := n.dispatch(req)
	if err != nil {
		t.Fatal(err)
	}
	if answer.GetResultCode() != diamcodec.ResultUnableToDeliver {
		t.Fatalf("expected UNABLE_TO_DELIVER, got %d", answer.GetResultCode())
	}
}

func TestDispatchFallsBackToDefaultHandler(t *testing.T) {
	n := newTestNode(t, "")

	called := false
	n.DefaultHandler = func(request *diamcodec.Message) (*diamcodec.Message, error) {
		called = true
		answer := diamcodec.NewAnswer(request)
		answer.Add("Result-Code", uint32(diamcodec.ResultSuccess))
		return answer, nil
	}

	req := diamcodec.NewRequest(diamcodec.AppGx, diamcodec.CmdCreditControl)
	req.Add("Destination-Realm", "other.realm")

	answer, err := n.dispatch(req)
	if err != nil {
		t.Fatal(err)
	}
	if !called {
		t.Fatalf("expected DefaultHandler to be invoked")
	}
	if answer.GetResultCode() != diamcodec.ResultSuccess {
		t.Fatalf("expected success from default handler")
	}
}

func TestPeersStatusReflectsConfiguredPeers(t *testing.T) {
	n := newTestNode(t, "")
	n.AddPeer(config.PeerConfig{DiameterHost: "other.test", Realm: "test", ConnectionPolicy: "passive"})

	statuses := n.PeersStatus()
	if len(statuses) != 1 || statuses[0].DiameterHost != "other.test" {
		t.Fatalf("expected one peer status for other.test, got %v", statuses)
	}
	if statuses[0].IsEngaged {
		t.Fatalf("expected newly added peer to be disengaged")
	}
}

func TestCandidatesForRealmEmptyWithNoOpenPeers(t *testing.T) {
	n := newTestNode(t, "")
	n.AddPeer(config.PeerConfig{DiameterHost: "other.test", Realm: "test", ConnectionPolicy: "passive"})

	candidates := n.CandidatesForRealm(diamcodec.AppGx, "test")
	if len(candidates) != 0 {
		t.Fatalf("expected no candidates before any peer reaches OPEN")
	}
}

func TestSendRequestUnableToDeliverWhenPeerNotOpen(t *testing.T) {
	n := newTestNode(t, "")
	n.AddPeer(config.PeerConfig{DiameterHost: "other.test", Realm: "test", ConnectionPolicy: "passive"})

	req := diamcodec.NewRequest(diamcodec.AppGx, diamcodec.CmdCreditControl)
	answer, err := n.SendRequest("other.test", req, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if answer.GetResultCode() != diamcodec.ResultUnableToDeliver {
		t.Fatalf("expected UNABLE_TO_DELIVER, got %d", answer.GetResultCode())
	}
}
