package entity

import (
	"time"

	"go.uber.org/zap"

	"github.com/diapcc/node/application"
	"github.com/diapcc/node/config"
	"github.com/diapcc/node/diamcodec"
	"github.com/diapcc/node/instrumentation"
	"github.com/diapcc/node/session"
)

// AbortTimeout bounds the administrative STR an AF sends back to the
// PCRF after honoring an ASR (spec §4.5, Rx binding rules).
const AbortTimeout = 5 * time.Second

// NewAF builds an Application Function entity: it originates AAR
// towards a PCRF and, on receiving an ASR for one of its sessions,
// answers ASA/2001 and then originates an administrative STR to close
// out the session at the PCRF, since a successful abort always ends
// the Rx session (RFC 6733 §8.5 semantics folded into the Rx binding
// rules this toolkit implements).
func NewAF(logger *zap.SugaredLogger, cfg *config.NodeConfig) (*Entity, error) {
	metrics := instrumentation.NewServer()
	node := newNode(logger, cfg, metrics)

	e := &Entity{logger: logger, Node: node, Metrics: metrics}

	for _, appCfg := range cfg.Applications {
		kind, appId, ok := applicationIdFor(appCfg.Name)
		if !ok || kind != application.Rx {
			continue
		}

		app := application.New(logger, application.Config{
			Kind:          kind,
			ApplicationId: appId,
			MaxThreads:    appCfg.MaxThreads,
			QueueSize:     appCfg.QueueSize,
		}, node, e.handleRxRequest)

		node.AddApplication(app, appCfg.Realms)
		e.Rx = app
	}

	return e, nil
}

// handleRxRequest answers every inbound Rx request with success, and
// for an ASR additionally schedules the follow-up STR once the answer
// has been sent.
func (e *Entity) handleRxRequest(request *diamcodec.Message, sess *session.Session) (*diamcodec.Message, error) {
	answer := diamcodec.NewAnswer(request)
	answer.Add("Result-Code", uint32(diamcodec.ResultSuccess))

	if request.CommandCode == diamcodec.CmdAbortSession && sess != nil {
		destinationHost := request.GetString("Origin-Host")
		sessionId := sess.Id
		go e.sendAdministrativeSTR(destinationHost, sessionId)
	}

	return answer, nil
}

func (e *Entity) sendAdministrativeSTR(destinationHost, sessionId string) {
	str := diamcodec.NewRequest(diamcodec.AppRx, diamcodec.CmdSessionTermination)
	str.Add("Session-Id", sessionId)
	str.AddOriginAVPs(e.Node.OriginHost, e.Node.OriginRealm)

	if _, err := e.Rx.SendRequestCustom(destinationHost, str, AbortTimeout); err != nil {
		e.logger.Warnf("administrative STR for %s failed: %v", sessionId, err)
	}
}
