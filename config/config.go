// Package config loads and holds the static configuration for a
// Diameter node: peer table, routing rules, application bindings and
// IP-pool/APN definitions. It purposely carries no behavior of its own;
// diampeer, diamnode and entity consume these types but never import
// each other through config.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
)

// PeerConfig describes one configured Diameter peer.
type PeerConfig struct {
	DiameterHost string   `json:"diameterHost"`
	Realm        string   `json:"realm"`
	IPAddresses  []string `json:"ipAddresses"`
	Port         int      `json:"port"`

	// "tcp" or "sctp"
	Transport string `json:"transport"`

	// "active": this node dials and redials the peer.
	// "passive": this node only accepts inbound connections from it.
	ConnectionPolicy string `json:"connectionPolicy"`

	WatchdogIntervalMillis  int `json:"watchdogIntervalMillis"`
	ConnectionTimeoutMillis int `json:"connectionTimeoutMillis"`
}

func (p PeerConfig) IsPersistent() bool {
	return p.ConnectionPolicy == "active"
}

// PeerTable indexes PeerConfig by DiameterHost.
type PeerTable map[string]PeerConfig

// ValidateIncomingAddress checks that address is declared for some
// configured peer (diameterHost may be empty to match any peer).
func (pt PeerTable) ValidateIncomingAddress(diameterHost string, address net.IP) bool {
	for host, peer := range pt {
		if diameterHost != "" && host != diameterHost {
			continue
		}
		for _, a := range peer.IPAddresses {
			if a == address.String() {
				return true
			}
		}
	}
	return false
}

// RoutingRule binds an (realm, application) pair either to a set of
// peers (selected per Policy) or to a set of HTTP handler URLs.
type RoutingRule struct {
	Realm       string   `json:"realm"`
	Application string   `json:"application"`
	Peers       []string `json:"peers"`
	Handlers    []string `json:"handlers"`

	// "lowest-outstanding" (default), "random" or "round-robin".
	// NewDSC does not read this field: its agent always uses
	// lowest-outstanding selection.
	Policy string `json:"policy"`
}

type RoutingRules []RoutingRule

// ErrNoRoute is returned by Find when no rule matches.
var ErrNoRoute = fmt.Errorf("no matching routing rule")

// Find returns the first rule matching realm and application, falling
// back to a wildcard realm ("*") rule for that application.
func (rr RoutingRules) Find(realm string, application string) (RoutingRule, error) {
	var wildcard *RoutingRule
	for i := range rr {
		rule := rr[i]
		if rule.Application != application && rule.Application != "*" {
			continue
		}
		if rule.Realm == realm {
			return rule, nil
		}
		if rule.Realm == "*" && wildcard == nil {
			wildcard = &rr[i]
		}
	}
	if wildcard != nil {
		return *wildcard, nil
	}
	return RoutingRule{}, ErrNoRoute
}

// ApplicationConfig configures a worker pool bound to one Diameter
// application-id (Gx, Rx, Sy, ...).
type ApplicationConfig struct {
	Name       string `json:"name"`
	MaxThreads int    `json:"maxThreads"`
	QueueSize  int    `json:"queueSize"`

	// Realms for which this application accepts inbound requests.
	// Empty means "any realm".
	Realms []string `json:"realms"`
}

// PoolConfig describes an IPv4 lease pool backing an APN.
type PoolConfig struct {
	Name    string `json:"name"`
	APNName string `json:"apnName"`
	CIDR    string `json:"cidr"`
	Start   string `json:"start"`
	End     string `json:"end"`
}

// NodeConfig is the top level bootstrap document for one Diameter node.
type NodeConfig struct {
	OriginHost  string `json:"originHost"`
	OriginRealm string `json:"originRealm"`

	BindAddress  string `json:"bindAddress"`
	BindPortTCP  int    `json:"bindPortTcp"`
	BindPortSCTP int    `json:"bindPortSctp"`

	VendorId         uint32 `json:"vendorId"`
	FirmwareRevision uint32 `json:"firmwareRevision"`

	Peers        PeerTable           `json:"peers"`
	Routes       RoutingRules        `json:"routes"`
	Applications []ApplicationConfig `json:"applications"`
	Pools        []PoolConfig        `json:"pools"`
}

// Manager loads a NodeConfig from a JSON file and keeps the last
// successfully loaded copy so that callers can call Load again after an
// external change without losing the previous configuration on error.
type Manager struct {
	path    string
	current *NodeConfig
}

func NewManager(path string) *Manager {
	return &Manager{path: path}
}

func (m *Manager) Load() (*NodeConfig, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil, fmt.Errorf("reading bootstrap file %s: %w", m.path, err)
	}

	var nc NodeConfig
	if err := json.Unmarshal(data, &nc); err != nil {
		return nil, fmt.Errorf("decoding bootstrap file %s: %w", m.path, err)
	}

	m.current = &nc
	return &nc, nil
}

// Current returns the last successfully loaded configuration, or nil
// if Load has never succeeded.
func (m *Manager) Current() *NodeConfig {
	return m.current
}
