// Package protocol defines the byte-level constants of the Feedbactory
// client request protocol. All multi-byte fields on the wire are big-endian.
package protocol

import "math"

// RequestMagic prefixes every client request. Traffic without it is alien
// and is dropped without a response.
const RequestMagic int32 = 0x46425459

// NoTime marks an absent timestamp field.
const NoTime int64 = math.MaxInt64

// Fixed field sizes on the wire.
const (
	SessionIDSize = 16
	NonceSize     = 24
	CounterSize   = 4
)

// SessionRequestType selects how a request relates to a user session.
type SessionRequestType byte

const (
	SessionNone      SessionRequestType = 0
	InitiateSession  SessionRequestType = 1
	RegularRequest   SessionRequestType = 2
	EncryptedRequest SessionRequestType = 3
	ResumeSession    SessionRequestType = 4
	EndSession       SessionRequestType = 127
)

// SessionRequestTypeFromByte returns the request type for a wire byte, or
// false if the byte is not a known type.
func SessionRequestTypeFromByte(b byte) (SessionRequestType, bool) {
	switch t := SessionRequestType(b); t {
	case SessionNone, InitiateSession, RegularRequest, EncryptedRequest, ResumeSession, EndSession:
		return t, true
	}
	return 0, false
}

// SessionInitiationType identifies the account operation carried by an
// InitiateSession request.
type SessionInitiationType byte

const (
	InitiateSignUp          SessionInitiationType = 0
	InitiateActivateAccount SessionInitiationType = 1
	InitiateEmailSignIn     SessionInitiationType = 2
	InitiateResetPassword   SessionInitiationType = 3
)

// SessionInitiationTypeFromByte returns the initiation type for a wire byte.
func SessionInitiationTypeFromByte(b byte) (SessionInitiationType, bool) {
	switch t := SessionInitiationType(b); t {
	case InitiateSignUp, InitiateActivateAccount, InitiateEmailSignIn, InitiateResetPassword:
		return t, true
	}
	return 0, false
}

// AuthenticationStatus is the first byte of every authenticated response.
type AuthenticationStatus byte

const (
	AuthSuccess             AuthenticationStatus = 0
	AuthSuccessNotActivated AuthenticationStatus = 1
	AuthFailed              AuthenticationStatus = 2
	AuthFailedTooManyTries  AuthenticationStatus = 3
	AuthFailedCapacity      AuthenticationStatus = 4
)

// GatewayID routes a resolved request to an application gateway.
type GatewayID byte

const (
	AccountGatewayID  GatewayID = 0
	FeedbackGatewayID GatewayID = 1
)

// GatewayIDFromByte returns the gateway for a wire byte.
func GatewayIDFromByte(b byte) (GatewayID, bool) {
	switch g := GatewayID(b); g {
	case AccountGatewayID, FeedbackGatewayID:
		return g, true
	}
	return 0, false
}

// IPStanding is an IP address's standing with the request monitor, and the
// first byte of every response.
type IPStanding byte

const (
	StandingOK          IPStanding = 0
	StandingTempBlocked IPStanding = 1
	StandingBlacklisted IPStanding = 2
)

// Availability is the server availability byte written after the standing.
type Availability byte

const (
	ServerAvailable    Availability = 0
	ServerBusy         Availability = 1
	ServerNotAvailable Availability = 2
)

// CompatibilityStatus grades a client version against the server's accepted
// range.
type CompatibilityStatus byte

const (
	UpToDate        CompatibilityStatus = 0
	UpdateAvailable CompatibilityStatus = 1
	UpdateRequired  CompatibilityStatus = 2
)

// MessageType tags a broadcast or availability message block.
type MessageType byte

const (
	NoMessage          MessageType = 0
	InformationMessage MessageType = 1
	WarningMessage     MessageType = 2
	ErrorMessage       MessageType = 3
)
