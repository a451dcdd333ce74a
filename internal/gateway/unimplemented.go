package gateway

import (
	"feedbactory/server/internal/account"
	"feedbactory/server/internal/netbuf"
	"feedbactory/server/internal/protocol"
	"feedbactory/server/internal/session"
)

// UnimplementedAccountGateway stands in while the account application
// layer is not linked in. Sign-in attempts are refused at capacity rather
// than failed, so clients retry later instead of discarding credentials.
type UnimplementedAccountGateway struct{}

func (UnimplementedAccountGateway) Authenticate(_ protocol.SessionInitiationType, _ *netbuf.Readable, _ *netbuf.Growable) session.Authentication {
	return session.Authentication{Status: protocol.AuthFailedCapacity}
}

func (UnimplementedAccountGateway) WriteAccountMessages(_ *account.Account, resp *netbuf.Growable) {
	resp.PutByte(byte(protocol.NoMessage))
}

func (UnimplementedAccountGateway) WriteNoAccountMessages(resp *netbuf.Growable) {
	resp.PutByte(byte(protocol.NoMessage))
}

func (UnimplementedAccountGateway) WriteAccountDetails(_ *account.Account, _ *netbuf.Growable) {}

func (UnimplementedAccountGateway) ProcessRequest(_ *session.UserSession, _ *netbuf.Readable, _ *netbuf.Growable) error {
	return ErrMalformedRequest
}

// UnimplementedFeedbackGateway stands in while the feedback application
// layer is not linked in. The handshake carries no payload.
type UnimplementedFeedbackGateway struct{}

func (UnimplementedFeedbackGateway) WriteHandshake(_ *netbuf.Growable) {}

func (UnimplementedFeedbackGateway) ProcessRequest(_ *session.UserSession, _ *netbuf.Readable, _ *netbuf.Growable) error {
	return ErrMalformedRequest
}
