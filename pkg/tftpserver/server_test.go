package tftpserver

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/jgoldverg/tftpd/internal"
	"github.com/jgoldverg/tftpd/pkg/route"
	"github.com/jgoldverg/tftpd/pkg/session"
	"github.com/jgoldverg/tftpd/pkg/tftpwire"
	"github.com/jgoldverg/tftpd/pkg/transport"
)

func init() {
	internal.SetLogOutput(io.Discard)
}

type sentPacket struct {
	pkt []byte
	to  string
}

type fakeTransport struct {
	mu      sync.Mutex
	handler transport.DatagramHandler
	sent    chan sentPacket
	closes  int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sent: make(chan sentPacket, 64)}
}

func (f *fakeTransport) Bind(_ context.Context, _ transport.BindOptions, h transport.DatagramHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
	return nil
}

func (f *fakeTransport) Send(pkt []byte, to net.Addr) error {
	f.sent <- sentPacket{pkt: pkt, to: to.String()}
	return nil
}

func (f *fakeTransport) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 69}
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeTransport) inject(pkt []byte, from net.Addr) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h(pkt, from)
}

func (f *fakeTransport) next(t *testing.T) sentPacket {
	t.Helper()
	select {
	case p := <-f.sent:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("no packet sent")
	}
	return sentPacket{}
}

func (f *fakeTransport) expectQuiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case p := <-f.sent:
		t.Fatalf("unexpected packet % x to %s", p.pkt, p.to)
	case <-time.After(d):
	}
}

type doneRecorder struct {
	mu      sync.Mutex
	results map[string][]session.Result
	ch      chan string
}

func newDoneRecorder() *doneRecorder {
	return &doneRecorder{results: make(map[string][]session.Result), ch: make(chan string, 64)}
}

func (r *doneRecorder) record(key string, res session.Result) {
	r.mu.Lock()
	r.results[key] = append(r.results[key], res)
	r.mu.Unlock()
	r.ch <- key
}

func (r *doneRecorder) wait(t *testing.T) string {
	t.Helper()
	select {
	case k := <-r.ch:
		return k
	case <-time.After(2 * time.Second):
		t.Fatal("session did not terminate")
	}
	return ""
}

func (r *doneRecorder) count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.results[key])
}

func newTestServer(t *testing.T, opts ...Option) (*Server, *fakeTransport, *doneRecorder) {
	t.Helper()
	ft := newFakeTransport()
	rec := newDoneRecorder()
	opts = append([]Option{WithRetransmitTimeout(time.Hour), WithSessionDone(rec.record)}, opts...)
	srv := NewServer(ft, opts...)
	if err := srv.Bind(context.Background(), transport.DefaultBindOptions()); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })
	return srv, ft, rec
}

func addr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: port}
}

func serveString(content string) route.Handler {
	return func(req *route.Request, respond route.RespondFunc, next route.NextFunc) {
		respond([]byte(content))
	}
}

func TestSessionKey(t *testing.T) {
	if got := SessionKey(addr(4000)); got != "10.0.0.1_4000" {
		t.Fatalf("unexpected key %q", got)
	}
	v6 := &net.UDPAddr{IP: net.ParseIP("fe80::1"), Port: 69}
	if got := SessionKey(v6); got != "fe80::1_69" {
		t.Fatalf("unexpected v6 key %q", got)
	}

	eth0 := &net.UDPAddr{IP: net.ParseIP("fe80::1"), Port: 69, Zone: "eth0"}
	eth1 := &net.UDPAddr{IP: net.ParseIP("fe80::1"), Port: 69, Zone: "eth1"}
	if got := SessionKey(eth0); got != "fe80::1%eth0_69" {
		t.Fatalf("unexpected zoned key %q", got)
	}
	if SessionKey(eth0) == SessionKey(eth1) {
		t.Fatalf("zones collapsed into one key %q", SessionKey(eth0))
	}
}

func TestSameKeyReachesSameSession(t *testing.T) {
	srv, ft, rec := newTestServer(t)
	srv.Register(route.Exact("hello"), serveString("hi"))

	client := addr(5000)
	ft.inject(tftpwire.BuildReadRequest("hello", "octet"), client)
	p := ft.next(t)
	if !bytes.Equal(p.pkt, tftpwire.BuildData(1, []byte("hi"))) || p.to != client.String() {
		t.Fatalf("unexpected first packet % x to %s", p.pkt, p.to)
	}

	// A second RRQ from the same endpoint goes to the running session, which
	// ignores it.
	ft.inject(tftpwire.BuildReadRequest("hello", "octet"), client)
	ft.expectQuiet(t, 50*time.Millisecond)
	if n := len(srv.ActiveSessions()); n != 1 {
		t.Fatalf("expected one active session, have %d", n)
	}
	if started := srv.Metrics().Snapshot().SessionsStarted; started != 1 {
		t.Fatalf("second datagram created a session (%d started)", started)
	}

	ft.inject(tftpwire.BuildAck(1), client)
	if key := rec.wait(t); key != "10.0.0.1_5000" {
		t.Fatalf("unexpected session finished %q", key)
	}
	if n := len(srv.ActiveSessions()); n != 0 {
		t.Fatalf("session table not cleared, %d left", n)
	}

	// Same key after termination starts a fresh session.
	ft.inject(tftpwire.BuildReadRequest("hello", "octet"), client)
	p = ft.next(t)
	if !bytes.Equal(p.pkt, tftpwire.BuildData(1, []byte("hi"))) {
		t.Fatalf("new session did not start at block 1: % x", p.pkt)
	}
	if started := srv.Metrics().Snapshot().SessionsStarted; started != 2 {
		t.Fatalf("expected a second session, %d started", started)
	}
}

func TestConcurrentClientsAreIndependent(t *testing.T) {
	srv, ft, rec := newTestServer(t)
	srv.Register(route.Exact("a"), serveString("AAAA"))
	srv.Register(route.Exact("b"), serveString("BB"))

	ca, cb := addr(6000), addr(6001)
	ft.inject(tftpwire.BuildReadRequest("a", "octet"), ca)
	ft.inject(tftpwire.BuildReadRequest("b", "octet"), cb)

	got := map[string][]byte{}
	for i := 0; i < 2; i++ {
		p := ft.next(t)
		got[p.to] = p.pkt
	}
	if !bytes.Equal(got[ca.String()], tftpwire.BuildData(1, []byte("AAAA"))) {
		t.Fatalf("client a got % x", got[ca.String()])
	}
	if !bytes.Equal(got[cb.String()], tftpwire.BuildData(1, []byte("BB"))) {
		t.Fatalf("client b got % x", got[cb.String()])
	}

	// Acking b's block does not finish a.
	ft.inject(tftpwire.BuildAck(1), cb)
	if key := rec.wait(t); key != SessionKey(cb) {
		t.Fatalf("wrong session finished %q", key)
	}
	active := srv.ActiveSessions()
	if len(active) != 1 || active[0].Key != SessionKey(ca) || active[0].Filename != "a" {
		t.Fatalf("unexpected active sessions %+v", active)
	}
}

func TestUnknownFileSendsError(t *testing.T) {
	_, ft, rec := newTestServer(t)

	client := addr(7000)
	ft.inject(tftpwire.BuildReadRequest("missing", "octet"), client)
	p := ft.next(t)
	if !bytes.Equal(p.pkt, tftpwire.BuildError(tftpwire.ErrCodeFileNotFound, tftpwire.MsgFileNotFound)) {
		t.Fatalf("unexpected packet % x", p.pkt)
	}
	rec.wait(t)
	if res := rec.results[SessionKey(client)][0]; res.Reason != session.ReasonFailed {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestRouteChangesReachLiveServer(t *testing.T) {
	srv, ft, _ := newTestServer(t)

	h := srv.Register(route.Exact("x"), serveString("one"))
	srv.Unregister(h)
	if srv.Routes().Len() != 1 || srv.Routes().At(int(h)) != nil {
		t.Fatal("unregister should leave an empty slot")
	}
	h2 := srv.Register(route.Exact("x"), serveString("two"))
	if h2 == h {
		t.Fatal("handle reused")
	}

	ft.inject(tftpwire.BuildReadRequest("x", "octet"), addr(7100))
	if p := ft.next(t); !bytes.Equal(p.pkt, tftpwire.BuildData(1, []byte("two"))) {
		t.Fatalf("unexpected packet % x", p.pkt)
	}
}

func TestRetryExhaustionIsSilent(t *testing.T) {
	srv, ft, rec := newTestServer(t, WithRetransmitTimeout(10*time.Millisecond))
	srv.Register(nil, serveString("data"))

	client := addr(8000)
	ft.inject(tftpwire.BuildReadRequest("f", "octet"), client)
	for i := 0; i < 4; i++ {
		if p := ft.next(t); !bytes.Equal(p.pkt, tftpwire.BuildData(1, []byte("data"))) {
			t.Fatalf("send %d: unexpected packet % x", i, p.pkt)
		}
	}
	rec.wait(t)
	ft.expectQuiet(t, 50*time.Millisecond)

	snap := srv.Metrics().Snapshot()
	if snap.Outcomes[session.ReasonRetriesExhausted.String()] != 1 {
		t.Fatalf("exhaustion not counted: %v", snap.Outcomes)
	}
	if snap.Retransmissions != 3 {
		t.Fatalf("expected 3 retransmissions, got %d", snap.Retransmissions)
	}
}

func TestDestroyAbortsSessionsOnce(t *testing.T) {
	ft := newFakeTransport()
	rec := newDoneRecorder()
	srv := NewServer(ft, WithRetransmitTimeout(time.Hour), WithSessionDone(rec.record))
	if err := srv.Bind(context.Background(), transport.DefaultBindOptions()); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	srv.Register(nil, serveString("payload"))

	clients := []*net.UDPAddr{addr(9000), addr(9001), addr(9002)}
	for _, c := range clients {
		ft.inject(tftpwire.BuildReadRequest("f", "octet"), c)
		ft.next(t)
	}
	if n := len(srv.ActiveSessions()); n != 3 {
		t.Fatalf("expected 3 active sessions, have %d", n)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		srv.Destroy(func(err error) {
			errs <- err
			wg.Done()
		})
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("destroy callback got %v", err)
		}
	}

	for _, c := range clients {
		key := SessionKey(c)
		if n := rec.count(key); n != 1 {
			t.Fatalf("session %s terminated %d times", key, n)
		}
		if res := rec.results[key][0]; res.Reason != session.ReasonAborted || res.Err != nil {
			t.Fatalf("session %s ended with %+v", key, res)
		}
	}
	ft.mu.Lock()
	closes := ft.closes
	ft.mu.Unlock()
	if closes != 1 {
		t.Fatalf("transport closed %d times", closes)
	}
	ft.expectQuiet(t, 20*time.Millisecond)

	// Late datagrams after destroy start nothing.
	ft.inject(tftpwire.BuildReadRequest("f", "octet"), addr(9100))
	ft.expectQuiet(t, 50*time.Millisecond)
	if err := srv.Close(); err != nil {
		t.Fatalf("Close after Destroy: %v", err)
	}
}

func TestHandlerCanListSessions(t *testing.T) {
	srv, ft, rec := newTestServer(t)
	srv.Register(route.Exact("who"), func(req *route.Request, respond route.RespondFunc, next route.NextFunc) {
		respond([]byte{byte(len(srv.ActiveSessions()))})
	})

	client := addr(6100)
	ft.inject(tftpwire.BuildReadRequest("who", "octet"), client)
	p := ft.next(t)
	if !bytes.Equal(p.pkt, tftpwire.BuildData(1, []byte{1})) {
		t.Fatalf("unexpected packet % x", p.pkt)
	}

	sessions := srv.ActiveSessions()
	if len(sessions) != 1 {
		t.Fatalf("expected one active session, have %d", len(sessions))
	}
	info := sessions[0]
	if info.Key != SessionKey(client) || info.Filename != "who" || info.Remote != client.String() {
		t.Fatalf("unexpected session info %+v", info)
	}
	if info.State != session.StateSendDataPacket || info.Block != 1 {
		t.Fatalf("session info not following state: %+v", info)
	}

	ft.inject(tftpwire.BuildAck(1), client)
	if key := rec.wait(t); key != SessionKey(client) {
		t.Fatalf("unexpected session finished %q", key)
	}
	if n := len(srv.ActiveSessions()); n != 0 {
		t.Fatalf("finished session still listed (%d)", n)
	}

	done := make(chan error, 1)
	go func() { done <- srv.Close() }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
}
