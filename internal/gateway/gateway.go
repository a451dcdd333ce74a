package gateway

import (
	"errors"

	"feedbactory/server/internal/netbuf"
	"feedbactory/server/internal/protocol"
	"feedbactory/server/internal/session"
)

var (
	ErrAlienTraffic     = errors.New("gateway: request failed header validation")
	ErrMalformedRequest = errors.New("gateway: malformed request")
)

// AccountGateway is the port into the account application layer. It
// authenticates session initiations, feeds account messages and detail
// snapshots into session responses, and serves account operations for
// established sessions.
type AccountGateway interface {
	session.AccountPort
	// ProcessRequest serves an account operation. us is nil for anonymous
	// requests.
	ProcessRequest(us *session.UserSession, payload *netbuf.Readable, resp *netbuf.Growable) error
}

// FeedbackGateway is the port into the feedback application layer.
type FeedbackGateway interface {
	// WriteHandshake writes the payload of a sessionless handshake
	// response.
	WriteHandshake(resp *netbuf.Growable)
	// ProcessRequest serves a feedback operation. us is nil for anonymous
	// requests.
	ProcessRequest(us *session.UserSession, payload *netbuf.Readable, resp *netbuf.Growable) error
}

// Gateway routes validated requests through session resolution into the
// application gateways.
type Gateway struct {
	header   *HeaderHandler
	sessions *session.Manager
	accounts AccountGateway
	feedback FeedbackGateway
}

// New wires the gateway.
func New(header *HeaderHandler, sessions *session.Manager, accounts AccountGateway, feedback FeedbackGateway) *Gateway {
	return &Gateway{header: header, sessions: sessions, accounts: accounts, feedback: feedback}
}

// Header exposes the header handler for admin operations.
func (g *Gateway) Header() *HeaderHandler {
	return g.header
}

// Process serves one request. A nil return means resp holds a complete
// response; a non-nil return means the request was erroneous and no
// response is owed.
func (g *Gateway) Process(req *netbuf.Readable, resp *netbuf.Growable) error {
	switch g.header.Process(req, resp) {
	case HeaderBad:
		return ErrAlienTraffic
	case HeaderSuperseded:
		return nil
	}

	// An empty remainder is the sessionless handshake.
	if req.Remaining() == 0 {
		g.feedback.WriteHandshake(resp)
		return nil
	}

	typeByte := req.Byte()
	if req.Err() != nil {
		return ErrMalformedRequest
	}
	requestType, ok := protocol.SessionRequestTypeFromByte(typeByte)
	if !ok {
		return ErrMalformedRequest
	}

	switch requestType {
	case protocol.SessionNone:
		return g.dispatch(nil, req, resp)
	case protocol.InitiateSession:
		return g.sessions.ProcessInitiation(req, resp)
	case protocol.RegularRequest:
		return g.sessions.ProcessRegular(req, resp, g.dispatch)
	case protocol.EncryptedRequest:
		return g.sessions.ProcessEncrypted(req, resp, g.dispatch)
	case protocol.ResumeSession:
		return g.sessions.ProcessResume(req, resp)
	default:
		return g.sessions.ProcessEnd(req, resp)
	}
}

func (g *Gateway) dispatch(us *session.UserSession, payload *netbuf.Readable, resp *netbuf.Growable) error {
	gatewayByte := payload.Byte()
	if payload.Err() != nil {
		return ErrMalformedRequest
	}
	id, ok := protocol.GatewayIDFromByte(gatewayByte)
	if !ok {
		return ErrMalformedRequest
	}
	if id == protocol.AccountGatewayID {
		return g.accounts.ProcessRequest(us, payload, resp)
	}
	return g.feedback.ProcessRequest(us, payload, resp)
}
