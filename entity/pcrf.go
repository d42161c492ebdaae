package entity

import (
	"go.uber.org/zap"

	"github.com/diapcc/node/application"
	"github.com/diapcc/node/config"
	"github.com/diapcc/node/instrumentation"
)

// NewPCRF builds a Policy and Charging Rules Function entity: it hosts
// a Gx application receiving CCR from PCEFs and an Rx application
// receiving AAR from AFs, with Rx bindings inheriting gx_session_id
// and Subscriber from the matching Gx session via Framed-IP-Address
// (spec §4.5 "Rx binding rules").
func NewPCRF(logger *zap.SugaredLogger, cfg *config.NodeConfig) (*Entity, error) {
	metrics := instrumentation.NewServer()
	node := newNode(logger, cfg, metrics)

	apps := newApplications(logger, node, cfg, map[application.Kind]bool{
		application.Gx: true,
		application.Rx: true,
	})

	e := &Entity{logger: logger, Node: node, Metrics: metrics}
	if gx, ok := apps[application.Gx]; ok {
		e.Gx = gx
	}
	if rx, ok := apps[application.Rx]; ok {
		e.Rx = rx
	}

	if e.Gx != nil && e.Rx != nil {
		e.Rx.GxLookupByFramedIPv4 = e.Gx.Sessions.GetByFramedIPv4
	}

	return e, nil
}
