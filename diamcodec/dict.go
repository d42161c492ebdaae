package diamcodec

// Application identifiers (spec §6).
const (
	AppBase = 0
	AppGx   = 16777238
	AppRx   = 16777236
	AppSy   = 16777302
)

// Command codes (spec §6). CER/CEA etc. are carried on the base
// application (AppBase); Gx/Rx/Sy commands carry the application id
// above.
const (
	CmdCapabilitiesExchange = 257
	CmdReAuth               = 258
	CmdAccounting           = 271
	CmdCreditControl        = 272
	CmdAbortSession         = 274
	CmdSessionTermination   = 275
	CmdDeviceWatchdog       = 280
	CmdDisconnectPeer       = 282
	CmdAuthorization        = 265 // AAR/AAA
	CmdSpendingLimit        = 8388635
	CmdSpendingStatusNotify = 8388636
)

var commandNames = map[uint32]string{
	CmdCapabilitiesExchange: "Capabilities-Exchange",
	CmdReAuth:               "Re-Auth",
	CmdAccounting:           "Accounting",
	CmdCreditControl:        "Credit-Control",
	CmdAbortSession:         "Abort-Session",
	CmdSessionTermination:   "Session-Termination",
	CmdDeviceWatchdog:       "Device-Watchdog",
	CmdDisconnectPeer:       "Disconnect-Peer",
	CmdAuthorization:        "Authorization",
	CmdSpendingLimit:        "Spending-Limit",
	CmdSpendingStatusNotify: "Spending-Status-Notify",
}

// Result-Code AVP values used by the core (spec §6).
const (
	ResultSuccess          = 2001
	ResultUnableToDeliver  = 3002
	ResultRealmNotServed   = 3003
	ResultLoopDetected     = 3005
	ResultUnknownSessionId = 5002
	ResultUnableToComply   = 5012
)

// CC-Request-Type values (spec §6).
const (
	CCRequestTypeInitial     = 1
	CCRequestTypeUpdate      = 2
	CCRequestTypeTermination = 3
	CCRequestTypeEvent       = 4
)

// Subscription-Id-Type values (spec §6).
const (
	SubscriptionIdE164    = 0
	SubscriptionIdIMSI    = 1
	SubscriptionIdSIPURI  = 2
	SubscriptionIdNAI     = 3
	SubscriptionIdPrivate = 4
)

// avpType describes how an AVP's Value should be interpreted; the
// dictionary below covers only the AVPs spec.md names explicitly.
// Everything else is treated opaquely, per spec.md §1's non-goal of an
// exhaustive AVP dictionary: an unknown AVP decodes to its raw octets
// and Value holds a []byte.
type avpType int

const (
	typeOctetString avpType = iota
	typeUTF8String
	typeInteger32
	typeUnsigned32
	typeAddress
	typeGrouped
	typeEnumerated
)

type avpDictEntry struct {
	code     uint32
	vendorId uint32
	kind     avpType
}

// dictByName and dictByCode together form the opaque-by-default,
// named-by-exception AVP dictionary (spec.md §1, §9 "Dynamic attribute
// bag"). Vendor 10415 is 3GPP.
var dictByName = map[string]avpDictEntry{
	"Session-Id":           {263, 0, typeUTF8String},
	"Origin-Host":          {264, 0, typeOctetString},
	"Origin-Realm":         {296, 0, typeOctetString},
	"Destination-Host":     {293, 0, typeOctetString},
	"Destination-Realm":    {283, 0, typeOctetString},
	"Result-Code":          {268, 0, typeUnsigned32},
	"Auth-Application-Id":  {258, 0, typeUnsigned32},
	"Acct-Application-Id":  {259, 0, typeUnsigned32},
	"Vendor-Id":            {266, 0, typeUnsigned32},
	"Product-Name":         {269, 0, typeUTF8String},
	"Origin-State-Id":      {278, 0, typeUnsigned32},
	"Host-IP-Address":      {257, 0, typeAddress},
	"Firmware-Revision":    {267, 0, typeUnsigned32},
	"Route-Record":         {282, 0, typeOctetString},
	"CC-Request-Type":      {416, 0, typeEnumerated},
	"CC-Request-Number":    {415, 0, typeUnsigned32},
	"Framed-IP-Address":    {8, 0, typeAddress},
	"Framed-IPv6-Prefix":   {97, 0, typeOctetString},
	"Called-Station-Id":    {30, 0, typeUTF8String},
	"SGSN-MCC-MNC":         {18, 10415, typeUTF8String},
	"Subscription-Id":      {443, 0, typeGrouped},
	"Subscription-Id-Type": {450, 0, typeEnumerated},
	"Subscription-Id-Data": {444, 0, typeUTF8String},
}

var dictByCode = func() map[uint32]string {
	m := make(map[uint32]string, len(dictByName))
	for name, entry := range dictByName {
		m[entry.code] = name
	}
	return m
}()
