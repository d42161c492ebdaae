package entity

import (
	"testing"

	"go.uber.org/zap"

	"github.com/diapcc/node/config"
	"github.com/diapcc/node/diamcodec"
)

func testLogger() *zap.SugaredLogger {
	return config.NewLogger(true)
}

func testConfig(originHost, originRealm string, apps []config.ApplicationConfig) *config.NodeConfig {
	return &config.NodeConfig{
		OriginHost:   originHost,
		OriginRealm:  originRealm,
		Applications: apps,
	}
}

func TestPCRFWiresGxLookupForRx(t *testing.T) {
	cfg := testConfig("pcrf.test", "test", []config.ApplicationConfig{
		{Name: "Gx"},
		{Name: "Rx"},
	})

	e, err := NewPCRF(testLogger(), cfg)
	if err != nil {
		t.Fatal(err)
	}

	ccr := diamcodec.NewRequest(diamcodec.AppGx, diamcodec.CmdCreditControl)
	ccr.Add("Session-Id", "gx;pcrf;1")
	ccr.Add("CC-Request-Type", uint32(diamcodec.CCRequestTypeInitial))
	ccr.Add("Framed-IP-Address", "10.1.1.1")
	if _, err := e.Gx.HandleRequest(ccr); err != nil {
		t.Fatal(err)
	}

	aar := diamcodec.NewRequest(diamcodec.AppRx, diamcodec.CmdAuthorization)
	aar.Add("Session-Id", "rx;pcrf;1")
	aar.Add("Framed-IP-Address", "10.1.1.1")
	if _, err := e.Rx.HandleRequest(aar); err != nil {
		t.Fatal(err)
	}

	rxSess, found := e.Rx.Sessions.GetById("rx;pcrf;1")
	if !found {
		t.Fatalf("expected rx session to be created")
	}
	if rxSess.GxSessionId != "gx;pcrf;1" {
		t.Fatalf("expected inherited GxSessionId gx;pcrf;1, got %q", rxSess.GxSessionId)
	}
}

func TestPCEFAllocateForUnknownAPNErrors(t *testing.T) {
	cfg := testConfig("pcef.test", "test", []config.ApplicationConfig{{Name: "Gx"}})
	e, err := NewPCEF(testLogger(), cfg)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := e.AllocateFor("nonexistent.apn"); err == nil {
		t.Fatalf("expected error allocating from unconfigured APN")
	}
}

func TestPCEFAllocateForReturnsLeaseFromConfiguredPool(t *testing.T) {
	cfg := testConfig("pcef.test", "test", []config.ApplicationConfig{{Name: "Gx"}})
	cfg.Pools = []config.PoolConfig{{Name: "internet", CIDR: "10.9.9.0/30"}}

	e, err := NewPCEF(testLogger(), cfg)
	if err != nil {
		t.Fatal(err)
	}

	ip, err := e.AllocateFor("internet")
	if err != nil {
		t.Fatal(err)
	}
	if ip == "" {
		t.Fatalf("expected a leased address")
	}
	if e.Pools["internet"].Available() != 3 {
		t.Fatalf("expected 3 addresses remaining, got %d", e.Pools["internet"].Available())
	}
}

func TestDSCCandidatesIncludeHTTPHandlerTargets(t *testing.T) {
	cfg := testConfig("dsc.test", "test", nil)
	cfg.Routes = config.RoutingRules{
		{Realm: "partner.test", Application: "Gx", Handlers: []string{"https://handler.example/route"}},
	}

	e, err := NewDSC(testLogger(), cfg)
	if err != nil {
		t.Fatal(err)
	}

	source := &dscPeerSource{node: e.Node, routes: cfg.Routes}
	candidates := source.CandidatesForRealm(diamcodec.AppGx, "partner.test")
	if len(candidates) != 1 {
		t.Fatalf("expected 1 HTTP-handler candidate, got %d", len(candidates))
	}
	if candidates[0].OriginHost != "https://handler.example/route" {
		t.Fatalf("unexpected candidate origin host %q", candidates[0].OriginHost)
	}
}
