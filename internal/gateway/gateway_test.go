package gateway

import (
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"feedbactory/server/internal/account"
	"feedbactory/server/internal/eventlog"
	"feedbactory/server/internal/netbuf"
	"feedbactory/server/internal/platform/timecache"
	"feedbactory/server/internal/protocol"
	"feedbactory/server/internal/session"
)

const (
	handshakeMarker = byte(0xA1)
	accountMarker   = byte(0xA2)
	feedbackMarker  = byte(0xA3)
)

type fakeAccounts struct {
	registry *account.Registry
}

func (f *fakeAccounts) Authenticate(_ protocol.SessionInitiationType, _ *netbuf.Readable, response *netbuf.Growable) session.Authentication {
	return session.Authentication{Status: protocol.AuthSuccess, Account: f.registry.Register(1)}
}

func (f *fakeAccounts) WriteAccountMessages(_ *account.Account, response *netbuf.Growable) {
	response.PutByte(byte(protocol.NoMessage))
}

func (f *fakeAccounts) WriteNoAccountMessages(response *netbuf.Growable) {
	response.PutByte(byte(protocol.NoMessage))
}

func (f *fakeAccounts) WriteAccountDetails(_ *account.Account, _ *netbuf.Growable) {}

func (f *fakeAccounts) ProcessRequest(_ *session.UserSession, _ *netbuf.Readable, resp *netbuf.Growable) error {
	resp.PutByte(accountMarker)
	return nil
}

type fakeFeedback struct{}

func (fakeFeedback) WriteHandshake(resp *netbuf.Growable) {
	resp.PutByte(handshakeMarker)
}

func (fakeFeedback) ProcessRequest(_ *session.UserSession, _ *netbuf.Readable, resp *netbuf.Growable) error {
	resp.PutByte(feedbackMarker)
	return nil
}

type gatewayEnv struct {
	gateway   *Gateway
	compat    *CompatibilityManager
	broadcast *BroadcastManager
	pools     session.Pools
}

func newGatewayEnv(t *testing.T) *gatewayEnv {
	t.Helper()
	log := eventlog.New(slog.NewTextHandler(io.Discard, nil))

	compat, err := NewCompatibilityManager(filepath.Join(t.TempDir(), "compat.dat"), log)
	if err != nil {
		t.Fatalf("compat manager: %v", err)
	}
	broadcast := NewBroadcastManager()

	keys, err := session.GenerateKeyPair()
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	regular, err := netbuf.NewPool(16, 512)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	oversize, err := netbuf.NewPool(4, 4096)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	pools := session.Pools{Regular: regular, Oversize: oversize}

	registry := account.NewRegistry()
	accounts := &fakeAccounts{registry: registry}
	sessions := session.NewManager(session.Config{
		SessionsPerAccount:   4,
		DormantExpiry:        8 * 24 * time.Hour,
		TimeLeniency:         125 * time.Minute,
		HousekeepingInterval: 5 * time.Minute,
	}, keys, accounts, registry, pools, log)

	return &gatewayEnv{
		gateway:   New(NewHeaderHandler(compat, broadcast), sessions, accounts, fakeFeedback{}),
		compat:    compat,
		broadcast: broadcast,
		pools:     pools,
	}
}

// header assembles the request header: magic, client version, last request
// time.
func header(clientVersion, lastRequestTime int64) *netbuf.Growable {
	regular, _ := netbuf.NewPool(2, 512)
	oversize, _ := netbuf.NewPool(1, 2048)
	g := netbuf.NewGrowable(regular, oversize)
	g.PutInt32(protocol.RequestMagic)
	g.PutInt64(clientVersion)
	g.PutInt64(lastRequestTime)
	return g
}

func (env *gatewayEnv) process(t *testing.T, req *netbuf.Readable) (*netbuf.Readable, error) {
	t.Helper()
	resp := netbuf.NewGrowable(env.pools.Regular, env.pools.Oversize)
	err := env.gateway.Process(req, resp)
	return resp.Flip(), err
}

// readHeaderBlock consumes compatibility byte, server time and message
// block from an admitted response.
func readHeaderBlock(t *testing.T, resp *netbuf.Readable) protocol.MessageType {
	t.Helper()
	if status := protocol.CompatibilityStatus(resp.Byte()); status == protocol.UpdateRequired {
		t.Fatal("client unexpectedly superseded")
	}
	if serverTime := resp.Int64(); serverTime <= 0 {
		t.Fatalf("server time = %d", serverTime)
	}
	return protocol.MessageType(resp.Byte())
}

func TestBadMagicIsAlienTraffic(t *testing.T) {
	env := newGatewayEnv(t)
	req := netbuf.Wrap([]byte{0xde, 0xad, 0xbe, 0xef, 0, 0, 0, 0, 0, 0, 0, 0})
	resp, err := env.process(t, req)
	if !errors.Is(err, ErrAlienTraffic) {
		t.Fatalf("err = %v", err)
	}
	if resp.Remaining() != 0 {
		t.Fatal("alien traffic produced response bytes")
	}
}

func TestTruncatedHeaderIsAlienTraffic(t *testing.T) {
	env := newGatewayEnv(t)
	req := netbuf.Wrap([]byte{0x46, 0x42})
	if _, err := env.process(t, req); !errors.Is(err, ErrAlienTraffic) {
		t.Fatalf("err = %v", err)
	}
}

func TestSupersededClientGetsCompatByteOnly(t *testing.T) {
	env := newGatewayEnv(t)
	h := header(MinimumCompatibleClientVersion-1, protocol.NoTime)
	defer h.Reclaim()

	resp, err := env.process(t, h.Flip())
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if status := protocol.CompatibilityStatus(resp.Byte()); status != protocol.UpdateRequired {
		t.Fatalf("status = %d", status)
	}
	if resp.Remaining() != 0 {
		t.Fatalf("superseded response carries %d extra bytes", resp.Remaining())
	}
}

func TestHandshake(t *testing.T) {
	env := newGatewayEnv(t)
	h := header(MinimumCompatibleClientVersion, protocol.NoTime)
	defer h.Reclaim()

	resp, err := env.process(t, h.Flip())
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if msgType := readHeaderBlock(t, resp); msgType != protocol.NoMessage {
		t.Fatalf("message type = %d", msgType)
	}
	if resp.Byte() != handshakeMarker || resp.Err() != nil {
		t.Fatal("handshake payload missing")
	}
}

func TestBroadcastDeliveredToUnseenClient(t *testing.T) {
	env := newGatewayEnv(t)
	env.broadcast.Set(protocol.WarningMessage, "maintenance at midnight")

	h := header(MinimumCompatibleClientVersion, protocol.NoTime)
	defer h.Reclaim()
	resp, err := env.process(t, h.Flip())
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if msgType := readHeaderBlock(t, resp); msgType != protocol.WarningMessage {
		t.Fatalf("message type = %d", msgType)
	}
	if msgTime := resp.Int64(); msgTime <= 0 {
		t.Fatalf("message time = %d", msgTime)
	}
	if text := resp.String(); text != "maintenance at midnight" {
		t.Fatalf("text = %q", text)
	}
}

func TestBroadcastSkippedForSeenClient(t *testing.T) {
	env := newGatewayEnv(t)
	env.broadcast.Set(protocol.InformationMessage, "hello")

	// A client whose previous request came after the message was set has
	// already received it.
	seenAt := timecache.NowMilliseconds() + (time.Minute).Milliseconds()
	h := header(MinimumCompatibleClientVersion, seenAt)
	defer h.Reclaim()
	resp, err := env.process(t, h.Flip())
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if msgType := readHeaderBlock(t, resp); msgType != protocol.NoMessage {
		t.Fatalf("message type = %d", msgType)
	}
}

func TestAnonymousRequestRoutesByGatewayByte(t *testing.T) {
	env := newGatewayEnv(t)
	for _, tc := range []struct {
		gatewayByte byte
		marker      byte
	}{
		{byte(protocol.AccountGatewayID), accountMarker},
		{byte(protocol.FeedbackGatewayID), feedbackMarker},
	} {
		h := header(MinimumCompatibleClientVersion, protocol.NoTime)
		h.PutByte(byte(protocol.SessionNone))
		h.PutByte(tc.gatewayByte)

		resp, err := env.process(t, h.Flip())
		if err != nil {
			t.Fatalf("err = %v", err)
		}
		readHeaderBlock(t, resp)
		if got := resp.Byte(); got != tc.marker {
			t.Fatalf("marker = %#x, want %#x", got, tc.marker)
		}
		h.Reclaim()
	}
}

func TestUnknownSessionRequestTypeIsMalformed(t *testing.T) {
	env := newGatewayEnv(t)
	h := header(MinimumCompatibleClientVersion, protocol.NoTime)
	defer h.Reclaim()
	h.PutByte(99)

	if _, err := env.process(t, h.Flip()); !errors.Is(err, ErrMalformedRequest) {
		t.Fatalf("err = %v", err)
	}
}

func TestUnknownGatewayByteIsMalformed(t *testing.T) {
	env := newGatewayEnv(t)
	h := header(MinimumCompatibleClientVersion, protocol.NoTime)
	defer h.Reclaim()
	h.PutByte(byte(protocol.SessionNone))
	h.PutByte(7)

	if _, err := env.process(t, h.Flip()); !errors.Is(err, ErrMalformedRequest) {
		t.Fatalf("err = %v", err)
	}
}

func TestCompatibilityTiers(t *testing.T) {
	env := newGatewayEnv(t)
	latest := MinimumCompatibleClientVersion + 1000
	if err := env.compat.SetLatestVersion(latest, false); err != nil {
		t.Fatalf("set latest: %v", err)
	}

	cases := []struct {
		version int64
		want    protocol.CompatibilityStatus
	}{
		{latest + 5, protocol.UpToDate},
		{latest, protocol.UpToDate},
		{MinimumCompatibleClientVersion, protocol.UpdateAvailable},
		{MinimumCompatibleClientVersion - 1, protocol.UpdateRequired},
	}
	for _, tc := range cases {
		if got := env.compat.Compatibility(tc.version); got != tc.want {
			t.Fatalf("compatibility(%d) = %d, want %d", tc.version, got, tc.want)
		}
	}
}

func TestSetLatestVersionRules(t *testing.T) {
	env := newGatewayEnv(t)
	if err := env.compat.SetLatestVersion(MinimumCompatibleClientVersion-1, false); !errors.Is(err, ErrVersionBelowCodebase) {
		t.Fatalf("err = %v", err)
	}

	latest := MinimumCompatibleClientVersion + 500
	if err := env.compat.SetLatestVersion(latest, true); err != nil {
		t.Fatalf("force set: %v", err)
	}
	if env.compat.MinimumAcceptedVersion() != latest {
		t.Fatalf("minimum accepted = %d", env.compat.MinimumAcceptedVersion())
	}
}

func TestCompatibilityPersistsAcrossReload(t *testing.T) {
	log := eventlog.New(slog.NewTextHandler(io.Discard, nil))
	path := filepath.Join(t.TempDir(), "compat.dat")

	c, err := NewCompatibilityManager(path, log)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	latest := MinimumCompatibleClientVersion + 250
	if err := c.SetLatestVersion(latest, false); err != nil {
		t.Fatalf("set: %v", err)
	}

	reloaded, err := NewCompatibilityManager(path, log)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.LatestVersion() != latest {
		t.Fatalf("latest after reload = %d", reloaded.LatestVersion())
	}
	if reloaded.MinimumAcceptedVersion() != MinimumCompatibleClientVersion {
		t.Fatalf("minimum after reload = %d", reloaded.MinimumAcceptedVersion())
	}
}
