package diamcodec

import (
	"bytes"
	"net"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	req := NewRequest(AppGx, CmdCreditControl)
	req.Add("Session-Id", "pcef;1;1")
	req.Add("CC-Request-Type", uint32(CCRequestTypeInitial))
	req.Add("Origin-Host", "pcef.test")
	req.Add("Origin-Realm", "test")
	req.Add("Framed-IP-Address", net.ParseIP("10.0.0.5"))

	var buf bytes.Buffer
	codec := DefaultCodec{}
	if err := codec.Encode(&buf, req); err != nil {
		t.Fatal(err)
	}

	decoded, err := codec.Decode(&buf)
	if err != nil {
		t.Fatal(err)
	}

	if decoded.CommandCode != CmdCreditControl || decoded.ApplicationId != AppGx {
		t.Fatalf("unexpected header: %+v", decoded)
	}
	if !decoded.IsRequest {
		t.Fatalf("expected request flag to survive round trip")
	}
	if decoded.GetString("Session-Id") != "pcef;1;1" {
		t.Fatalf("expected Session-Id to survive round trip, got %q", decoded.GetString("Session-Id"))
	}
	if decoded.GetUint32("CC-Request-Type") != CCRequestTypeInitial {
		t.Fatalf("expected CC-Request-Type to survive round trip")
	}
	if ip, _ := decoded.Get("Framed-IP-Address"); ip.GetIP().String() != "10.0.0.5" {
		t.Fatalf("expected Framed-IP-Address to survive round trip, got %v", ip.Value)
	}
}

func TestNewAnswerEchoesIdentifiers(t *testing.T) {
	req := NewRequest(AppGx, CmdCreditControl)
	ans := NewAnswer(req)

	if ans.HopByHopId != req.HopByHopId || ans.EndToEndId != req.EndToEndId {
		t.Fatalf("answer must echo the request's identifiers")
	}
	if ans.IsRequest {
		t.Fatalf("answer must not have the request flag set")
	}
	if ans.CommandCode != req.CommandCode || ans.ApplicationId != req.ApplicationId {
		t.Fatalf("answer must echo command/application")
	}
}

func TestLogicalNameForCreditControl(t *testing.T) {
	ccr := NewRequest(AppGx, CmdCreditControl)
	ccr.Add("CC-Request-Type", uint32(CCRequestTypeInitial))
	if got := ccr.LogicalName(); got != "CCR-I" {
		t.Fatalf("expected CCR-I, got %s", got)
	}

	cca := NewAnswer(ccr)
	cca.Add("CC-Request-Type", uint32(CCRequestTypeTermination))
	if got := cca.LogicalName(); got != "CCA-T" {
		t.Fatalf("expected CCA-T, got %s", got)
	}
}

func TestLogicalNameForReAuth(t *testing.T) {
	rar := NewRequest(AppGx, CmdReAuth)
	if got := rar.LogicalName(); got != "RAR" {
		t.Fatalf("expected RAR, got %s", got)
	}
}

func TestUnknownAVPDecodesOpaque(t *testing.T) {
	req := NewRequest(AppGx, CmdCreditControl)
	req.AddRaw(AVP{Code: 999999, Mandatory: true, Name: "Unknown-999999", Value: []byte("abc")})

	var buf bytes.Buffer
	codec := DefaultCodec{}
	if err := codec.Encode(&buf, req); err != nil {
		t.Fatal(err)
	}
	decoded, err := codec.Decode(&buf)
	if err != nil {
		t.Fatal(err)
	}

	avp, ok := decoded.Get("Unknown-999999")
	if !ok {
		t.Fatalf("expected opaque AVP to decode under its generated name")
	}
	if string(avp.Value.([]byte)) != "abc" {
		t.Fatalf("expected opaque AVP value to survive round trip")
	}
}
