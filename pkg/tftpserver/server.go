// Package tftpserver multiplexes TFTP read sessions over one bound datagram
// transport.
//
// Inbound datagrams are keyed by sender address and port. A datagram from an
// unknown key starts a new session; later datagrams from the same key are
// handed to that session until it terminates. All session work runs on a
// single event loop goroutine.
package tftpserver

import (
	"context"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/jgoldverg/tftpd/internal"
	"github.com/jgoldverg/tftpd/pkg/eventloop"
	"github.com/jgoldverg/tftpd/pkg/metrics"
	"github.com/jgoldverg/tftpd/pkg/route"
	"github.com/jgoldverg/tftpd/pkg/session"
	"github.com/jgoldverg/tftpd/pkg/transport"
)

type Option func(*Server)

// WithMetrics makes the server report into c instead of a private collector.
func WithMetrics(c *metrics.SessionCollector) Option {
	return func(s *Server) {
		if c != nil {
			s.metrics = c
		}
	}
}

func WithRetransmitTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.retransmitTimeout = d
	}
}

// WithSessionDone registers fn to run on the event loop each time a session
// terminates.
func WithSessionDone(fn func(key string, res session.Result)) Option {
	return func(s *Server) {
		s.onSessionDone = fn
	}
}

type Server struct {
	transport transport.Transport
	loop      *eventloop.Loop
	routes    *route.Table
	metrics   *metrics.SessionCollector
	observer  session.Observer

	retransmitTimeout time.Duration
	onSessionDone     func(key string, res session.Result)

	// Owned by the loop goroutine.
	sessions map[string]*session.Conn
	closed   bool

	// infos mirrors sessions for readers off the loop, such as route
	// handlers, which already run on it.
	infoMu sync.RWMutex
	infos  map[string]SessionInfo

	destroyOnce sync.Once
	destroyed   chan struct{}
	destroyErr  error
}

type SessionInfo struct {
	Key      string
	ID       string
	Remote   string
	Filename string
	State    session.State
	Block    int
	Started  time.Time
}

func NewServer(t transport.Transport, opts ...Option) *Server {
	s := &Server{
		transport: t,
		loop:      eventloop.New(),
		routes:    route.NewTable(),
		sessions:  make(map[string]*session.Conn),
		infos:     make(map[string]SessionInfo),
		destroyed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.NewSessionCollector("")
	}
	s.observer = &trackingObserver{
		Observer: &sessionObserver{metrics: s.metrics},
		track:    s.trackState,
	}
	go s.loop.Run(context.Background())
	return s
}

// Bind binds the transport and starts accepting requests.
func (s *Server) Bind(ctx context.Context, opts transport.BindOptions) error {
	return s.transport.Bind(ctx, opts, s.onDatagram)
}

func (s *Server) Addr() net.Addr {
	return s.transport.LocalAddr()
}

// Register appends a route. Sessions already in flight see it immediately.
func (s *Server) Register(filter route.Filter, h route.Handler) route.Handle {
	return s.routes.Register(filter, h)
}

func (s *Server) Unregister(h route.Handle) {
	s.routes.Unregister(h)
}

func (s *Server) Routes() *route.Table {
	return s.routes
}

func (s *Server) Metrics() *metrics.SessionCollector {
	return s.metrics
}

// SessionKey identifies a client endpoint as <ip>_<port>. Scoped IPv6
// addresses keep their zone, so the same link-local address on two
// interfaces gives two keys.
func SessionKey(addr net.Addr) string {
	if ua, ok := addr.(*net.UDPAddr); ok {
		host := ua.IP.String()
		if ua.Zone != "" {
			host += "%" + ua.Zone
		}
		return host + "_" + strconv.Itoa(ua.Port)
	}
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host + "_" + port
}

func (s *Server) onDatagram(pkt []byte, from net.Addr) {
	s.loop.Post(func() {
		s.dispatch(pkt, from)
	})
}

func (s *Server) dispatch(pkt []byte, from net.Addr) {
	if s.closed {
		return
	}
	key := SessionKey(from)
	if c, ok := s.sessions[key]; ok {
		c.Deliver(pkt)
		return
	}

	var conn *session.Conn
	conn = session.New(&session.Context{
		Key:        key,
		RemoteAddr: from,
		Request:    pkt,
		Routes:     s.routes,
	}, session.Config{
		Scheduler: s.loop,
		Outbound: func(b []byte) {
			if err := s.transport.Send(b, from); err != nil {
				internal.Warn("failed to send packet", internal.Fields{
					internal.FieldSession: key,
					internal.FieldError:   err.Error(),
				})
			}
		},
		OnDone: func(res session.Result) {
			if s.sessions[key] == conn {
				delete(s.sessions, key)
			}
			s.untrack(key, conn.Context().ID)
			if s.onSessionDone != nil {
				s.onSessionDone(key, res)
			}
		},
		Observer:          s.observer,
		RetransmitTimeout: s.retransmitTimeout,
	})
	s.sessions[key] = conn
	s.track(conn)
	conn.Start()
}

func (s *Server) track(c *session.Conn) {
	ctx := c.Context()
	info := SessionInfo{
		Key:     ctx.Key,
		ID:      ctx.ID,
		State:   session.StateInit,
		Started: time.Now(),
	}
	if ctx.RemoteAddr != nil {
		info.Remote = ctx.RemoteAddr.String()
	}
	s.infoMu.Lock()
	s.infos[ctx.Key] = info
	s.infoMu.Unlock()
}

func (s *Server) trackState(ctx *session.Context, st session.State) {
	s.infoMu.Lock()
	defer s.infoMu.Unlock()
	info, ok := s.infos[ctx.Key]
	if !ok || info.ID != ctx.ID {
		return
	}
	info.State = st
	info.Filename = ctx.Filename
	info.Block = ctx.Block
	if !ctx.Started.IsZero() {
		info.Started = ctx.Started
	}
	s.infos[ctx.Key] = info
}

func (s *Server) untrack(key, id string) {
	s.infoMu.Lock()
	defer s.infoMu.Unlock()
	if info, ok := s.infos[key]; ok && info.ID == id {
		delete(s.infos, key)
	}
}

// ActiveSessions lists sessions that have not terminated yet, ordered by key.
// It never waits on the event loop, so route handlers may call it.
func (s *Server) ActiveSessions() []SessionInfo {
	s.infoMu.RLock()
	out := make([]SessionInfo, 0, len(s.infos))
	for _, info := range s.infos {
		out = append(out, info)
	}
	s.infoMu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Destroy terminates every open session without notifying peers, closes the
// transport once and stops the event loop. cb, if set, receives the transport
// close error; every call to Destroy gets the same result.
func (s *Server) Destroy(cb func(error)) {
	s.destroyOnce.Do(func() {
		go s.shutdown()
	})
	if cb == nil {
		return
	}
	go func() {
		<-s.destroyed
		cb(s.destroyErr)
	}()
}

// Close is Destroy that waits for the shutdown to finish. It must not be
// called from a route handler.
func (s *Server) Close() error {
	s.Destroy(nil)
	<-s.destroyed
	return s.destroyErr
}

func (s *Server) shutdown() {
	aborted := 0
	s.loop.Call(func() {
		s.closed = true
		for _, c := range s.sessions {
			c.Abort()
			aborted++
		}
	})
	err := s.transport.Close()
	s.loop.Stop()

	fields := internal.Fields{
		internal.FieldKey("aborted_sessions"): aborted,
	}
	if err != nil {
		fields[internal.FieldError] = err.Error()
	}
	internal.Info("tftp server destroyed", fields)

	s.destroyErr = err
	close(s.destroyed)
}
