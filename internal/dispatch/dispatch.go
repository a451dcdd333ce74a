// Package dispatch runs the per-connection request pipeline: grade the
// client IP, check availability, read the framed request, hand it to the
// gateway and write the framed response, accounting every outcome with the
// IP monitor and the request metrics.
package dispatch

import (
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"feedbactory/server/internal/eventlog"
	"feedbactory/server/internal/gateway"
	"feedbactory/server/internal/ipmonitor"
	"feedbactory/server/internal/metrics"
	"feedbactory/server/internal/netbuf"
	"feedbactory/server/internal/platform/timecache"
	"feedbactory/server/internal/protocol"
	"feedbactory/server/internal/transport"
)

var errInternalFault = errors.New("dispatch: request handler fault")

// Static responses for connections that never reach the gateway. Each is
// wrapped per use, so the shared backing bytes are never consumed.
var (
	blockedResponse = []byte{byte(protocol.StandingTempBlocked)}
	busyResponse    = []byte{byte(protocol.StandingOK), byte(protocol.ServerBusy)}
)

// Config carries the pipeline thresholds.
type Config struct {
	// BusyThreshold is the active-connection count at which requests are
	// turned away with a busy response.
	BusyThreshold int64
}

// Dispatcher is the connection handler installed on the transport server.
type Dispatcher struct {
	cfg      Config
	reader   *transport.RequestReader
	writer   *transport.ResponseWriter
	monitor  *ipmonitor.Monitor
	gateway  *gateway.Gateway
	regular  *netbuf.Pool
	oversize *netbuf.Pool
	metrics  *metrics.Server
	log      *eventlog.Logger

	active atomic.Int64

	// Guards the admin-set availability state. notAvailable is the
	// precomputed static response, nil while the server is available.
	availabilityMu sync.Mutex
	notAvailable   []byte
}

// New wires the pipeline. The dispatcher owns closing every connection it
// is handed.
func New(cfg Config, reader *transport.RequestReader, writer *transport.ResponseWriter,
	monitor *ipmonitor.Monitor, gw *gateway.Gateway,
	regular, oversize *netbuf.Pool, m *metrics.Server, log *eventlog.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		reader:   reader,
		writer:   writer,
		monitor:  monitor,
		gateway:  gw,
		regular:  regular,
		oversize: oversize,
		metrics:  m,
		log:      log,
	}
}

// SetNotAvailable takes the server out of service. Requests are answered
// with a not-available response carrying the given message until
// SetAvailable is called. An empty text omits the message block's body.
func (d *Dispatcher) SetNotAvailable(msgType protocol.MessageType, text string) {
	resp := []byte{byte(protocol.StandingOK), byte(protocol.ServerNotAvailable)}
	if text == "" {
		resp = append(resp, byte(protocol.NoMessage))
	} else {
		resp = append(resp, byte(msgType))
		resp = binary.BigEndian.AppendUint64(resp, uint64(timecache.NowMilliseconds()))
		resp = binary.BigEndian.AppendUint32(resp, uint32(len(text)))
		resp = append(resp, text...)
	}

	d.availabilityMu.Lock()
	d.notAvailable = resp
	d.availabilityMu.Unlock()
	d.log.Warn("server set not available", "message", text)
}

// SetAvailable returns the server to service.
func (d *Dispatcher) SetAvailable() {
	d.availabilityMu.Lock()
	d.notAvailable = nil
	d.availabilityMu.Unlock()
	d.log.Info("server set available")
}

// ActiveConnections returns the number of connections in the pipeline.
func (d *Dispatcher) ActiveConnections() int64 {
	return d.active.Load()
}

// HandleConnection serves one request/response exchange and closes the
// connection.
func (d *Dispatcher) HandleConnection(conn net.Conn) {
	d.active.Add(1)
	d.metrics.ActiveConnections.Inc()
	defer func() {
		d.metrics.ActiveConnections.Dec()
		d.active.Add(-1)
		conn.Close()
	}()

	ip := transport.RemoteIP(conn)
	switch d.monitor.Standing(ip) {
	case protocol.StandingBlacklisted:
		// Blacklisted traffic gets nothing back, not even the block notice.
		d.monitor.ReportDenied(ip)
		d.metrics.RequestsDenied.Inc()
		return
	case protocol.StandingTempBlocked:
		d.discardRequest(conn)
		d.writeStatic(conn, ip, blockedResponse)
		d.monitor.ReportDenied(ip)
		d.metrics.RequestsDenied.Inc()
		return
	}

	if static := d.availabilityResponse(); static != nil {
		d.discardRequest(conn)
		d.writeStatic(conn, ip, static)
		return
	}

	d.serve(conn, ip)
}

// availabilityResponse returns the static response owed when the server is
// not serving requests, or nil when it is.
func (d *Dispatcher) availabilityResponse() []byte {
	d.availabilityMu.Lock()
	notAvailable := d.notAvailable
	d.availabilityMu.Unlock()
	if notAvailable != nil {
		return notAvailable
	}
	if d.active.Load() >= d.cfg.BusyThreshold {
		return busyResponse
	}
	return nil
}

func (d *Dispatcher) serve(conn net.Conn, ip string) {
	req := netbuf.NewGrowable(d.regular, d.oversize)
	defer req.Reclaim()
	if err := d.reader.Read(conn, req); err != nil {
		d.accountReadError(ip, err)
		return
	}

	resp := netbuf.NewGrowable(d.regular, d.oversize)
	defer resp.Reclaim()
	resp.PutByte(byte(protocol.StandingOK))
	resp.PutByte(byte(protocol.ServerAvailable))

	switch err := d.process(ip, req.Flip(), resp); {
	case errors.Is(err, errInternalFault):
		// Server-side fault: the client is not at fault, so its standing is
		// left alone, but it gets no response either.
		return
	case err != nil:
		d.monitor.ReportErroneous(ip)
		d.metrics.RequestsErroneous.Inc()
		return
	}

	if err := d.writer.Write(conn, resp.Flip()); err != nil {
		d.metrics.WriteFailures.Inc()
		d.log.Warn("response write failed", "ip", ip, "error", err)
		return
	}
	d.monitor.ReportLegitimate(ip)
	d.metrics.RequestsLegitimate.Inc()
}

// process isolates the gateway call so a panicking handler takes down one
// request, not the server.
func (d *Dispatcher) process(ip string, req *netbuf.Readable, resp *netbuf.Growable) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.InternalFaults.Inc()
			d.log.Security(eventlog.GradeHigh, "request handler fault", "ip", ip, "fault", r)
			err = errInternalFault
		}
	}()
	return d.gateway.Process(req, resp)
}

func (d *Dispatcher) accountReadError(ip string, err error) {
	switch {
	case errors.Is(err, transport.ErrReadOverflow):
		d.metrics.ReadOverflows.Inc()
		d.monitor.ReportErroneous(ip)
		d.log.Security(eventlog.GradeMedium, "oversized request", "ip", ip)
	case errors.Is(err, transport.ErrBadFrame):
		d.metrics.ReadFailures.Inc()
		d.monitor.ReportErroneous(ip)
		d.log.Security(eventlog.GradeMedium, "malformed request frame", "ip", ip)
	case errors.Is(err, transport.ErrReadTimeout):
		d.metrics.ReadTimeouts.Inc()
	default:
		d.metrics.ReadFailures.Inc()
		d.log.Debug("request read failed", "ip", ip, "error", err)
	}
}

// discardRequest drains the client's request before the static response is
// written, so the client never sees a reset from writing into a closed
// receive path. Read errors do not matter here.
func (d *Dispatcher) discardRequest(conn net.Conn) {
	var sink netbuf.Discard
	_ = d.reader.Read(conn, &sink)
}

func (d *Dispatcher) writeStatic(conn net.Conn, ip string, resp []byte) {
	if err := d.writer.Write(conn, netbuf.Wrap(resp)); err != nil {
		d.metrics.WriteFailures.Inc()
		d.log.Debug("static response write failed", "ip", ip, "error", err)
	}
}
