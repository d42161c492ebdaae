package diamcodec

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Message is the decoded form of one Diameter message (spec §3).
type Message struct {
	IsRequest       bool
	IsProxyable     bool
	IsError         bool
	IsRetransmitted bool

	CommandCode   uint32
	ApplicationId uint32
	HopByHopId    uint32
	EndToEndId    uint32

	AVPs []AVP
}

// NewRequest builds a new request message for the given application
// and command, with fresh hop-by-hop and end-to-end identifiers.
func NewRequest(applicationId, commandCode uint32) *Message {
	return &Message{
		IsRequest:     true,
		IsProxyable:   true,
		CommandCode:   commandCode,
		ApplicationId: applicationId,
		HopByHopId:    NextHopByHopId(),
		EndToEndId:    NextEndToEndId(),
	}
}

// NewAnswer builds the answer skeleton for request, echoing its
// identifiers and command/application as required by RFC 6733.
func NewAnswer(request *Message) *Message {
	return &Message{
		IsProxyable:   request.IsProxyable,
		CommandCode:   request.CommandCode,
		ApplicationId: request.ApplicationId,
		HopByHopId:    request.HopByHopId,
		EndToEndId:    request.EndToEndId,
	}
}

// Add appends a new AVP with the given dictionary name and value.
func (m *Message) Add(name string, value interface{}) *Message {
	m.AVPs = append(m.AVPs, newNamedAVP(name, value))
	return m
}

// AddRaw appends an AVP built outside the named dictionary (used for
// grouped/opaque values constructed by callers, e.g. Subscription-Id).
func (m *Message) AddRaw(avp AVP) *Message {
	m.AVPs = append(m.AVPs, avp)
	return m
}

// Get returns the first AVP with the given name.
func (m *Message) Get(name string) (AVP, bool) {
	for _, avp := range m.AVPs {
		if avp.Name == name {
			return avp, true
		}
	}
	return AVP{}, false
}

// GetAll returns every AVP with the given name, in message order.
func (m *Message) GetAll(name string) []AVP {
	var out []AVP
	for _, avp := range m.AVPs {
		if avp.Name == name {
			out = append(out, avp)
		}
	}
	return out
}

func (m *Message) GetString(name string) string {
	if avp, ok := m.Get(name); ok {
		return avp.GetString()
	}
	return ""
}

func (m *Message) GetUint32(name string) uint32 {
	if avp, ok := m.Get(name); ok {
		return avp.GetUint32()
	}
	return 0
}

func (m *Message) GetResultCode() uint32 {
	return m.GetUint32("Result-Code")
}

// AddOriginAVPs stamps Origin-Host and Origin-Realm, as every outgoing
// message from this node must.
func (m *Message) AddOriginAVPs(originHost, originRealm string) *Message {
	m.Add("Origin-Host", originHost)
	m.Add("Origin-Realm", originRealm)
	return m
}

func (m *Message) String() string {
	return fmt.Sprintf("%s app=%d hbh=%d e2e=%d avps=%d", m.LogicalName(), m.ApplicationId, m.HopByHopId, m.EndToEndId, len(m.AVPs))
}

// LogicalName derives the request/answer mnemonic used in logs and
// metrics (spec §3: "Derived logical name ... is a function of
// command-code + request flag + (for Credit-Control) CC-Request-Type").
func (m *Message) LogicalName() string {
	base, ok := commandNames[m.CommandCode]
	if !ok {
		base = fmt.Sprintf("Command-%d", m.CommandCode)
	}

	suffix := "R"
	if !m.IsRequest {
		suffix = "A"
	}

	if m.CommandCode == CmdCreditControl {
		switch m.GetUint32("CC-Request-Type") {
		case CCRequestTypeInitial:
			return "CC" + suffix + "-I"
		case CCRequestTypeUpdate:
			return "CC" + suffix + "-U"
		case CCRequestTypeTermination:
			return "CC" + suffix + "-T"
		case CCRequestTypeEvent:
			return "CC" + suffix + "-E"
		}
		return "CC" + suffix
	}

	return abbreviate(base) + suffix
}

// abbreviate maps a command's full name to its two-letter mnemonic
// prefix (e.g. "Capabilities-Exchange" -> "CE", "Device-Watchdog" ->
// "DW"), matching the conventional Diameter shorthand used in spec.md.
func abbreviate(name string) string {
	switch name {
	case "Capabilities-Exchange":
		return "CE"
	case "Device-Watchdog":
		return "DW"
	case "Disconnect-Peer":
		return "DP"
	case "Re-Auth":
		return "RA"
	case "Session-Termination":
		return "ST"
	case "Abort-Session":
		return "AS"
	case "Authorization":
		return "AA"
	case "Spending-Limit":
		return "SL"
	case "Spending-Status-Notify":
		return "SSN"
	case "Accounting":
		return "AC"
	default:
		return name
	}
}

// Identifier generation (spec §4.2 "Sending"): hop-by-hop ids are
// unique among a connection's outstanding requests; end-to-end ids are
// unique for roughly 4 minutes by combining a 12-bit time suffix with
// a monotonic counter, per RFC 6733 §3.
var (
	hopByHopCounter uint32
	endToEndCounter = initialEndToEndCounter()
)

func initialEndToEndCounter() uint32 {
	return uint32(time.Now().Unix()&0xfff) << 20
}

func NextHopByHopId() uint32 {
	return atomic.AddUint32(&hopByHopCounter, 1)
}

func NextEndToEndId() uint32 {
	return atomic.AddUint32(&endToEndCounter, 1)
}
