package entity

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/diapcc/node/application"
	"github.com/diapcc/node/config"
	"github.com/diapcc/node/diamcodec"
	"github.com/diapcc/node/instrumentation"
	"github.com/diapcc/node/session"
)

// NewPCEF builds a Policy and Charging Enforcement Function entity: it
// originates Gx CCR towards a PCRF, allocating the bearer's
// Framed-IP-Address from a pool keyed by APN and guaranteeing its
// release on CCR-T (spec §4.1, §4.5). Inbound RAR pushes from the
// PCRF are answered generically, since charging-rule business logic
// is explicitly out of scope.
func NewPCEF(logger *zap.SugaredLogger, cfg *config.NodeConfig) (*Entity, error) {
	metrics := instrumentation.NewServer()
	node := newNode(logger, cfg, metrics)

	pools, err := poolsFor(cfg, metrics)
	if err != nil {
		return nil, err
	}

	e := &Entity{logger: logger, Node: node, Pools: pools, Metrics: metrics}

	apps := newApplications(logger, node, cfg, map[application.Kind]bool{application.Gx: true})
	if gx, ok := apps[application.Gx]; ok {
		e.Gx = gx
	}

	return e, nil
}

// AllocateFor picks the pool bound to apnName and leases an address
// from it, used before building a CCR-I.
func (e *Entity) AllocateFor(apnName string) (string, error) {
	pool, ok := e.Pools[apnName]
	if !ok {
		return "", fmt.Errorf("entity: no IP pool configured for APN %q", apnName)
	}
	return pool.Allocate(context.Background(), false)
}

// SendCCRInitial builds and sends a Gx CCR-I for a new bearer,
// allocating its Framed-IP-Address from the APN's pool and wiring
// guaranteed release into the Gx application so that a later CCR-T
// (from either side) returns the address to the pool.
func (e *Entity) SendCCRInitial(destinationHost, apnName, sessionId, msisdn, imsi string, timeout time.Duration) (*diamcodec.Message, error) {
	if e.Gx == nil {
		return nil, fmt.Errorf("entity: PCEF has no Gx application configured")
	}

	if e.Gx.OnSessionClosed == nil {
		e.Gx.OnSessionClosed = func(sess *session.Session) {
			if sess.FramedIPv4 == "" {
				return
			}
			for _, pool := range e.Pools {
				pool.Release(sess.FramedIPv4)
			}
		}
	}

	framedIP, err := e.AllocateFor(apnName)
	if err != nil {
		return nil, err
	}

	ccr := diamcodec.NewRequest(diamcodec.AppGx, diamcodec.CmdCreditControl)
	ccr.Add("Session-Id", sessionId)
	ccr.Add("CC-Request-Type", uint32(diamcodec.CCRequestTypeInitial))
	ccr.AddOriginAVPs(e.Node.OriginHost, e.Node.OriginRealm)
	ccr.Add("Framed-IP-Address", framedIP)
	ccr.Add("Called-Station-Id", apnName)
	ccr.AddRaw(subscriptionIdAVP(diamcodec.SubscriptionIdE164, msisdn))
	ccr.AddRaw(subscriptionIdAVP(diamcodec.SubscriptionIdIMSI, imsi))

	answer, err := e.Gx.SendRequestCustom(destinationHost, ccr, timeout)
	if err != nil {
		for _, pool := range e.Pools {
			pool.Release(framedIP)
		}
		return nil, err
	}
	return answer, nil
}

// SendCCRTermination sends a Gx CCR-T for an existing session; the
// bound Gx application's OnSessionClosed hook (installed by
// SendCCRInitial) releases the session's Framed-IP-Address back to
// its pool once the session is removed.
func (e *Entity) SendCCRTermination(destinationHost, sessionId string, timeout time.Duration) (*diamcodec.Message, error) {
	if e.Gx == nil {
		return nil, fmt.Errorf("entity: PCEF has no Gx application configured")
	}

	ccr := diamcodec.NewRequest(diamcodec.AppGx, diamcodec.CmdCreditControl)
	ccr.Add("Session-Id", sessionId)
	ccr.Add("CC-Request-Type", uint32(diamcodec.CCRequestTypeTermination))
	ccr.AddOriginAVPs(e.Node.OriginHost, e.Node.OriginRealm)

	return e.Gx.SendRequestCustom(destinationHost, ccr, timeout)
}

func subscriptionIdAVP(idType uint32, data string) diamcodec.AVP {
	return diamcodec.AVP{
		Name: "Subscription-Id",
		Value: []diamcodec.AVP{
			{Name: "Subscription-Id-Type", Value: idType},
			{Name: "Subscription-Id-Data", Value: data},
		},
	}
}
