package entity

import (
	"go.uber.org/zap"

	"github.com/diapcc/node/application"
	"github.com/diapcc/node/config"
	"github.com/diapcc/node/instrumentation"
)

// NewOCS builds an Online Charging System entity: it hosts an Sy
// application receiving SLR (Spending-Limit-Request) from a PCRF.
// Counter-value business logic is out of scope (spec §1 non-goals):
// the bound application answers Result-Code SUCCESS once a session is
// correctly bound, and the answer carries no policy counter statuses.
func NewOCS(logger *zap.SugaredLogger, cfg *config.NodeConfig) (*Entity, error) {
	metrics := instrumentation.NewServer()
	node := newNode(logger, cfg, metrics)

	apps := newApplications(logger, node, cfg, map[application.Kind]bool{application.Sy: true})

	e := &Entity{logger: logger, Node: node, Metrics: metrics}
	if sy, ok := apps[application.Sy]; ok {
		e.Sy = sy
	}

	return e, nil
}
