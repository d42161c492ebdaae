package application

import (
	"time"

	"github.com/diapcc/node/diamcodec"
	"github.com/diapcc/node/session"
)

// bind applies the Gx/Rx/Sy session-binding rules of spec §4.5 and
// returns the (possibly freshly created) session, whether a session
// was successfully found/created (bound), and whether the message
// arrived for an unknown session (a non-opener command whose
// Session-Id has no existing session).
func (a *Application) bind(sessionId string, request *diamcodec.Message, at time.Time) (sess *session.Session, bound bool, unknown bool) {
	if sessionId == "" {
		return nil, false, false
	}

	existing, found := a.Sessions.GetById(sessionId)

	switch a.kind {
	case Gx:
		return a.bindGx(sessionId, existing, found, request, at)
	case Rx:
		return a.bindRx(sessionId, existing, found, request, at)
	case Sy:
		return a.bindSy(sessionId, existing, found, request, at)
	default:
		if !found {
			return nil, false, true
		}
		return existing, true, false
	}
}

// bindGx implements the Gx binding rules: CCR-I opens, CCR-T closes,
// CCR-U requires an existing session, any other command with an
// unknown Session-Id is rejected.
func (a *Application) bindGx(sessionId string, existing *session.Session, found bool, request *diamcodec.Message, at time.Time) (*session.Session, bool, bool) {
	if request.CommandCode != diamcodec.CmdCreditControl {
		if !found {
			return nil, false, true
		}
		return existing, true, false
	}

	switch request.GetUint32("CC-Request-Type") {
	case diamcodec.CCRequestTypeInitial:
		if found {
			return existing, true, false
		}
		sess := session.NewSession(sessionId, a.applicationId, at)
		sess.FramedIPv4 = request.GetString("Framed-IP-Address")
		sess.FramedIPv6Prefix = request.GetString("Framed-IPv6-Prefix")
		sess.CalledStationId = request.GetString("Called-Station-Id")
		sess.SGSNMCCMNC = request.GetString("SGSN-MCC-MNC")
		sess.Subscriber = a.parseSubscriber(request)
		a.Sessions.Add(sess)
		return sess, true, false

	case diamcodec.CCRequestTypeTermination:
		if !found {
			return nil, false, true
		}
		existing.Terminate(at, false)
		a.Sessions.Remove(sessionId)
		if a.OnSessionClosed != nil {
			a.OnSessionClosed(existing)
		}
		return existing, true, false

	default: // UPDATE or EVENT
		if !found {
			return nil, false, true
		}
		return existing, true, false
	}
}

// bindRx implements the Rx binding rules: AAR opens (inheriting
// gx_session_id/Subscriber via Framed-IP-Address if the bound Gx
// application has a matching session), STR closes. An ASR is bound to
// its existing session without ending it, so the STR that follows a
// successful abort still finds the session.
func (a *Application) bindRx(sessionId string, existing *session.Session, found bool, request *diamcodec.Message, at time.Time) (*session.Session, bool, bool) {
	switch request.CommandCode {
	case diamcodec.CmdAuthorization: // AAR
		if found {
			return existing, true, false
		}
		sess := session.NewSession(sessionId, a.applicationId, at)
		if framedIPv4 := request.GetString("Framed-IP-Address"); framedIPv4 != "" && a.GxLookupByFramedIPv4 != nil {
			if gxSess, ok := a.GxLookupByFramedIPv4(framedIPv4); ok {
				sess.GxSessionId = gxSess.Id
				sess.Subscriber = gxSess.Subscriber
				sess.FramedIPv4 = framedIPv4
			}
		}
		a.Sessions.Add(sess)
		return sess, true, false

	case diamcodec.CmdSessionTermination: // STR
		if !found {
			return nil, false, true
		}
		existing.Terminate(at, false)
		a.Sessions.Remove(sessionId)
		if a.OnSessionClosed != nil {
			a.OnSessionClosed(existing)
		}
		return existing, true, false

	default:
		if !found {
			return nil, false, true
		}
		return existing, true, false
	}
}

// bindSy implements the Sy binding rules: SLR opens, STR closes.
func (a *Application) bindSy(sessionId string, existing *session.Session, found bool, request *diamcodec.Message, at time.Time) (*session.Session, bool, bool) {
	switch request.CommandCode {
	case diamcodec.CmdSpendingLimit: // SLR
		if found {
			return existing, true, false
		}
		sess := session.NewSession(sessionId, a.applicationId, at)
		a.Sessions.Add(sess)
		return sess, true, false

	case diamcodec.CmdSessionTermination: // STR
		if !found {
			return nil, false, true
		}
		existing.Terminate(at, false)
		a.Sessions.Remove(sessionId)
		if a.OnSessionClosed != nil {
			a.OnSessionClosed(existing)
		}
		return existing, true, false

	default:
		if !found {
			return nil, false, true
		}
		return existing, true, false
	}
}

// parseSubscriber extracts the Subscription-Id AVPs carried by a Gx
// CCR-I (spec §4.5: "parse Subscription-Id AVPs {E164->MSISDN, IMSI,
// SIP-URI, NAI, PRIVATE} and create Subscriber if absent") and
// resolves the deduplicated Subscriber record.
func (a *Application) parseSubscriber(request *diamcodec.Message) *session.Subscriber {
	var msisdn, imsi, sipURI, nai, private string

	for _, sub := range request.GetAll("Subscription-Id") {
		var idType uint32
		var idData string
		for _, inner := range sub.GetGrouped() {
			switch inner.Name {
			case "Subscription-Id-Type":
				idType = inner.GetUint32()
			case "Subscription-Id-Data":
				idData = inner.GetString()
			}
		}
		switch idType {
		case diamcodec.SubscriptionIdE164:
			msisdn = idData
		case diamcodec.SubscriptionIdIMSI:
			imsi = idData
		case diamcodec.SubscriptionIdSIPURI:
			sipURI = idData
		case diamcodec.SubscriptionIdNAI:
			nai = idData
		case diamcodec.SubscriptionIdPrivate:
			private = idData
		}
	}

	if msisdn == "" && imsi == "" {
		return nil
	}
	return a.Subscribers.GetOrCreate(msisdn, imsi, sipURI, nai, private)
}
