// Package application implements the application layer of spec §4.5:
// application-id-scoped request dispatch over a bounded worker pool,
// with Gx/Rx/Sy session-binding rules. Grounded on the teacher's
// router.DiameterRouter dispatch-and-answer path (local/http handler
// goroutines with a response channel) generalized into a fixed worker
// pool per spec's "max_threads" requirement.
package application

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/diapcc/node/diamcodec"
	"github.com/diapcc/node/session"
)

// Kind selects the session-binding rules of §4.5.
type Kind int

const (
	Gx Kind = iota
	Rx
	Sy
)

func (k Kind) String() string {
	switch k {
	case Gx:
		return "Gx"
	case Rx:
		return "Rx"
	case Sy:
		return "Sy"
	default:
		return "unknown"
	}
}

// Config configures one application instance.
type Config struct {
	Kind          Kind
	ApplicationId uint32
	MaxThreads    int
	QueueSize     int
}

// RequestHandler is the caller-supplied business logic invoked once a
// request has been bound to its session. sess is nil when the request
// carries no Session-Id. Requests that core binding rejects as
// unknown-session are answered with UNKNOWN_SESSION_ID and never reach
// the handler.
type RequestHandler func(request *diamcodec.Message, sess *session.Session) (*diamcodec.Message, error)

// OutboundSender is the subset of diamnode.Node used to send requests
// this application originates (send_request_custom, spec §4.5).
type OutboundSender interface {
	SendRequest(destinationHost string, m *diamcodec.Message, timeout time.Duration) (*diamcodec.Message, error)
}

// ErrNotActive is returned by SendRequestCustom when the request is not
// a session-opening command and its Session-Id has no session in the
// store (never opened, or already terminated and removed).
var ErrNotActive = errors.New("application: session is not active")

type job struct {
	request  *diamcodec.Message
	resultCh chan *diamcodec.Message
}

// Application is the generic Gx/Rx/Sy worker-pool-backed request
// processor of spec §4.5.
type Application struct {
	logger        *zap.SugaredLogger
	kind          Kind
	applicationId uint32

	Sessions    *session.Store
	Subscribers *session.Subscribers

	handler RequestHandler
	sender  OutboundSender

	// GxLookupByFramedIPv4 resolves the Gx session bound to a framed
	// IPv4 address, used by an Rx application to inherit gx_session_id
	// and Subscriber (spec §4.5 "Rx binding rules"). Left nil for Gx/Sy.
	GxLookupByFramedIPv4 func(ipv4 string) (*session.Session, bool)

	// OnSessionClosed fires once a session is removed from the store on
	// termination (Gx CCR-T, Rx/Sy STR), before the answer is built. Entity
	// façades use it for guaranteed resource release, e.g. a PCEF
	// returning a Gx session's Framed-IP-Address to its pool.
	OnSessionClosed func(sess *session.Session)

	jobs chan job
	wg   sync.WaitGroup
}

// New constructs and starts an application's worker pool.
func New(logger *zap.SugaredLogger, cfg Config, sender OutboundSender, handler RequestHandler) *Application {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}
	maxThreads := cfg.MaxThreads
	if maxThreads <= 0 {
		maxThreads = 4
	}

	a := &Application{
		logger:        logger,
		kind:          cfg.Kind,
		applicationId: cfg.ApplicationId,
		Sessions:      session.NewStore(),
		Subscribers:   session.NewSubscribers(),
		handler:       handler,
		sender:        sender,
		jobs:          make(chan job, queueSize),
	}

	for i := 0; i < maxThreads; i++ {
		a.wg.Add(1)
		go a.worker()
	}

	return a
}

func (a *Application) ApplicationId() uint32 { return a.applicationId }

// HandleRequest implements diamnode.Application: it places the request
// on the bounded queue and blocks until a worker has produced the
// answer. Overflow is dropped with an UNABLE_TO_COMPLY answer (spec §5
// "queue pushes are bounded and non-blocking ... emit
// UNABLE_TO_COMPLY upstream if the dropped item was a request").
func (a *Application) HandleRequest(request *diamcodec.Message) (*diamcodec.Message, error) {
	resultCh := make(chan *diamcodec.Message, 1)

	select {
	case a.jobs <- job{request: request, resultCh: resultCh}:
	default:
		a.logger.Warnf("%s application queue full, dropping %s", a.kind, request.LogicalName())
		answer := diamcodec.NewAnswer(request)
		answer.Add("Result-Code", uint32(diamcodec.ResultUnableToComply))
		return answer, nil
	}

	return <-resultCh, nil
}

func (a *Application) worker() {
	defer a.wg.Done()
	for j := range a.jobs {
		j.resultCh <- a.process(j.request)
	}
}

func (a *Application) process(request *diamcodec.Message) *diamcodec.Message {
	sessionId := request.GetString("Session-Id")

	sess, bound, unknown := a.bind(sessionId, request, time.Now())
	if unknown {
		answer := diamcodec.NewAnswer(request)
		answer.Add("Result-Code", uint32(diamcodec.ResultUnknownSessionId))
		answer.AddOriginAVPs("", "")
		return answer
	}

	if bound && sess != nil {
		sess.AppendMessage(request.HopByHopId, request.EndToEndId, request.IsRequest, request.LogicalName(), time.Now())
	}

	if a.handler != nil {
		answer, err := a.handler(request, sess)
		if err != nil {
			answer = diamcodec.NewAnswer(request)
			answer.Add("Result-Code", uint32(diamcodec.ResultUnableToComply))
		}
		return answer
	}

	answer := diamcodec.NewAnswer(request)
	answer.Add("Result-Code", uint32(diamcodec.ResultSuccess))
	return answer
}

// SendRequestCustom implements the outbound send path of spec §4.5:
// stamp a timestamp, bind to a session, blocking send-and-await, bind
// the answer into the same session, and remove the session if it is
// no longer active.
func (a *Application) SendRequestCustom(destinationHost string, request *diamcodec.Message, timeout time.Duration) (*diamcodec.Message, error) {
	sessionId := request.GetString("Session-Id")
	sendTime := time.Now()

	sess, _, unknown := a.bind(sessionId, request, sendTime)
	if unknown {
		return nil, ErrNotActive
	}
	if sess != nil {
		sess.AppendMessage(request.HopByHopId, request.EndToEndId, true, request.LogicalName(), sendTime)
	}

	answer, err := a.sender.SendRequest(destinationHost, request, timeout)
	if err != nil {
		return nil, err
	}

	if sess != nil {
		sess.AppendMessage(answer.HopByHopId, answer.EndToEndId, false, answer.LogicalName(), time.Now())
		if !sess.IsActive() {
			a.Sessions.Remove(sess.Id)
		}
	}

	return answer, nil
}
