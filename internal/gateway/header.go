package gateway

import (
	"feedbactory/server/internal/netbuf"
	"feedbactory/server/internal/platform/timecache"
	"feedbactory/server/internal/protocol"
)

// HeaderResult is the outcome of request header processing.
type HeaderResult int

const (
	// HeaderOK: header valid, compatibility and broadcast blocks written.
	HeaderOK HeaderResult = iota
	// HeaderBad: alien or corrupt traffic; no response is owed.
	HeaderBad
	// HeaderSuperseded: client too old; the compatibility byte is the
	// whole remaining response.
	HeaderSuperseded
)

// HeaderHandler validates the fixed request header and writes the header
// portion of the response.
type HeaderHandler struct {
	compat    *CompatibilityManager
	broadcast *BroadcastManager
}

// NewHeaderHandler wires the handler to its version and broadcast state.
func NewHeaderHandler(compat *CompatibilityManager, broadcast *BroadcastManager) *HeaderHandler {
	return &HeaderHandler{compat: compat, broadcast: broadcast}
}

// Process reads the magic, client version and last-request time from req,
// and writes the compatibility byte plus, for admitted clients, the server
// time and broadcast block to resp.
func (h *HeaderHandler) Process(req *netbuf.Readable, resp *netbuf.Growable) HeaderResult {
	// The magic weeds traffic that has nothing to do with the platform out
	// of the security log: requests past this point at least looked like
	// client traffic and are worth grading.
	if req.Int32() != protocol.RequestMagic || req.Err() != nil {
		return HeaderBad
	}

	clientVersion := req.Int64()
	if req.Err() != nil {
		return HeaderBad
	}
	status := h.compat.Compatibility(clientVersion)
	resp.PutByte(byte(status))
	if status == protocol.UpdateRequired {
		return HeaderSuperseded
	}

	resp.PutInt64(timecache.NowMilliseconds())
	lastRequestTime := req.Int64()
	if req.Err() != nil {
		return HeaderBad
	}
	h.broadcast.WriteTo(lastRequestTime, resp)
	return HeaderOK
}

// Compat exposes the compatibility manager for admin operations.
func (h *HeaderHandler) Compat() *CompatibilityManager {
	return h.compat
}

// Broadcast exposes the broadcast manager for admin operations.
func (h *HeaderHandler) Broadcast() *BroadcastManager {
	return h.broadcast
}
