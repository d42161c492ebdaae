// Package entity composes a diamnode.Node with its application
// instances into the five node roles of spec §2's component table:
// PCEF, PCRF, AF, OCS and DSC. Grounded on the teacher's pattern of a
// thin composition layer wiring router+handlers+config together for a
// given deployment role (teacher: the constructors around
// NewDiameterRouter consuming a loaded PolicyConfig).
package entity

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/diapcc/node/application"
	"github.com/diapcc/node/config"
	"github.com/diapcc/node/diamcodec"
	"github.com/diapcc/node/diamnode"
	"github.com/diapcc/node/instrumentation"
	"github.com/diapcc/node/ippool"
	"github.com/diapcc/node/routingagent"
	"github.com/diapcc/node/transport"
)

// Entity bundles a node and the application instances bound to it.
// Fields are nil unless the constructing façade wires that piece.
type Entity struct {
	logger *zap.SugaredLogger
	Node   *diamnode.Node

	Gx *application.Application
	Rx *application.Application
	Sy *application.Application

	Agent *routingagent.Agent

	// Pools holds one ippool.Pool per configured pool name (spec §4.1),
	// indexed by PoolConfig.Name.
	Pools map[string]*ippool.Pool

	// Metrics aggregates this entity's peer, routing and pool activity
	// (spec §2 Instrumentation); every façade constructor wires it into
	// the Node, Agent and Pools it builds.
	Metrics *instrumentation.Server
}

// MetricsHandler returns an http.Handler exposing this entity's
// Prometheus metrics, grounded on the teacher's httpMetricsServer
// mounting promhttp on its own registry.
func (e *Entity) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(e.Metrics.Registry(), promhttp.HandlerOpts{})
}

// Start brings up the node: dials configured persistent peers and, if
// a bind address/port is configured, accepts inbound connections.
func (e *Entity) Start(cfg *config.NodeConfig) error {
	if cfg.BindAddress == "" || (cfg.BindPortTCP == 0 && cfg.BindPortSCTP == 0) {
		return e.Node.Start("", transport.TCP)
	}

	protocol := transport.TCP
	port := cfg.BindPortTCP
	if port == 0 {
		protocol = transport.SCTP
		port = cfg.BindPortSCTP
	}
	return e.Node.Start(fmt.Sprintf("%s:%d", cfg.BindAddress, port), protocol)
}

// Stop shuts the node down (spec §4.3 "stop() initiates DPR/close on
// all peers and joins workers").
func (e *Entity) Stop() {
	e.Node.Stop()
}

// newNode builds and configures the common diamnode.Node shared by
// every façade: peer table and instrumentation. It sets no
// DefaultHandler; NewDSC installs the routing agent itself.
func newNode(logger *zap.SugaredLogger, cfg *config.NodeConfig, metrics *instrumentation.Server) *diamnode.Node {
	n := diamnode.New(logger, cfg.OriginHost, cfg.OriginRealm)
	n.Metrics = metrics
	for _, peer := range cfg.Peers {
		n.AddPeer(peer)
	}
	return n
}

// applicationIdFor maps a configured application name to its 3GPP
// application-id and binding Kind (spec §6 "Application IDs").
func applicationIdFor(name string) (application.Kind, uint32, bool) {
	switch name {
	case "Gx":
		return application.Gx, diamcodec.AppGx, true
	case "Rx":
		return application.Rx, diamcodec.AppRx, true
	case "Sy":
		return application.Sy, diamcodec.AppSy, true
	default:
		return 0, 0, false
	}
}

// newApplications builds one application.Application per entry in
// cfg.Applications whose name this façade is willing to host, binding
// each to its node. accepted restricts which application kinds the
// façade accepts (e.g. PCEF only hosts Gx).
func newApplications(logger *zap.SugaredLogger, n *diamnode.Node, cfg *config.NodeConfig, accepted map[application.Kind]bool) map[application.Kind]*application.Application {
	apps := make(map[application.Kind]*application.Application)

	for _, appCfg := range cfg.Applications {
		kind, appId, ok := applicationIdFor(appCfg.Name)
		if !ok || !accepted[kind] {
			continue
		}

		app := application.New(logger, application.Config{
			Kind:          kind,
			ApplicationId: appId,
			MaxThreads:    appCfg.MaxThreads,
			QueueSize:     appCfg.QueueSize,
		}, n, nil)

		n.AddApplication(app, appCfg.Realms)
		apps[kind] = app
	}

	return apps
}

func poolsFor(cfg *config.NodeConfig, metrics *instrumentation.Server) (map[string]*ippool.Pool, error) {
	pools := make(map[string]*ippool.Pool, len(cfg.Pools))
	for _, pc := range cfg.Pools {
		var (
			pool *ippool.Pool
			err  error
		)
		if pc.CIDR != "" {
			pool, err = ippool.NewFromCIDR(pc.Name, pc.CIDR)
		} else {
			pool, err = ippool.NewFromRange(pc.Name, pc.Start, pc.End)
		}
		if err != nil {
			return nil, fmt.Errorf("entity: building pool %s: %w", pc.Name, err)
		}
		pool.Metrics = metrics
		pools[pc.Name] = pool
	}
	return pools, nil
}
