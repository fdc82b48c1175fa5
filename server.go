package tlsterm

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/account-login/ctxlog"
	"github.com/account-login/tlsterm/event"
	"github.com/account-login/tlsterm/filter"
	"github.com/account-login/tlsterm/sock"
	"github.com/account-login/tlsterm/sslfilter"
	"github.com/account-login/tlsterm/thread"
	"github.com/pkg/errors"
)

// Server terminates TLS on ListenAddr and forwards the plaintext to
// BackendAddr. Connection state lives on Loop, TLS work runs on Queue's pool.
type Server struct {
	// param
	ListenAddr  string
	BackendAddr string
	PreferIPv4  bool
	TLSConfig   *tls.Config
	Resolver    sslfilter.Resolver
	Fallback    sslfilter.Fallback
	Loop        *event.Loop
	Queue       *thread.Queue
	// zero keeps the filter's default
	HandshakeTimeout time.Duration

	listener net.Listener
	config   *tls.Config
	// loop only
	sessions map[*session]struct{}
	closed   bool
}

func (s *Server) Start(ctx context.Context) error {
	if s.Resolver == nil || s.Loop == nil || s.Queue == nil {
		return errors.New("server: Resolver, Loop and Queue are required")
	}

	listener, err := net.Listen("tcp", s.ListenAddr)
	if err != nil {
		return errors.Wrap(err, "listen")
	}
	s.listener = listener
	s.config = sslfilter.Config(s.TLSConfig)
	s.sessions = map[*session]struct{}{}

	ctxlog.Infof(ctx, "listening on %v, backend %v", listener.Addr(), s.BackendAddr)
	go s.acceptor(ctx, listener)
	return nil
}

func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *Server) acceptor(ctx context.Context, listener net.Listener) {
	session := uint64(0)
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				ctxlog.Infof(ctx, "acceptor exit")
				return
			}
			ctxlog.Errorf(ctx, "accept: %v", err)
			continue
		}

		session++
		ctx := ctxlog.Pushf(ctx, "[session:%v][client:%v]", session, conn.RemoteAddr())
		s.Loop.Post(func() { s.open(ctx, conn) })
	}
}

// Close stops accepting and drops every open connection.
func (s *Server) Close() error {
	err := s.listener.Close()
	s.Loop.Invoke(func() {
		s.closed = true
		for ss := range s.sessions {
			ss.close()
		}
	})
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

// Sessions is the number of open connections. Must not be called from the loop.
func (s *Server) Sessions() (n int) {
	s.Loop.Invoke(func() { n = len(s.sessions) })
	return
}

func (s *Server) open(ctx context.Context, conn net.Conn) {
	if s.closed {
		safeClose(ctx, conn)
		return
	}
	ctxlog.Debugf(ctx, "accepted")

	ss := &session{ctx: ctx, srv: s}
	ss.tls = sslfilter.New(ctx, s.config, s.Resolver, s.Fallback)
	tf := filter.NewThreadSocketFilter(s.Loop, s.Queue, ss.tls)
	if s.HandshakeTimeout > 0 {
		tf.SetHandshakeTimeout(s.HandshakeTimeout)
	}
	ss.front = filter.NewFilteredSocket(ctx, s.Loop, conn, tf, &frontHandler{ss})
	s.sessions[ss] = struct{}{}

	ss.front.ScheduleRead()
	go ss.connect()
}

type session struct {
	ctx   context.Context
	srv   *Server
	tls   *sslfilter.Filter
	front *filter.FilteredSocket
	back  *sock.Socket

	// loop only
	established   bool
	frontEnded    bool
	backEnded     bool
	backRemaining int
	done          bool
}

// front and back need distinct method sets on the same state
type frontHandler struct{ *session }
type backHandler struct{ *session }

func (ss *session) connect() {
	conn, err := dial(ss.ctx, ss.srv.BackendAddr, ss.srv.PreferIPv4)
	ss.srv.Loop.Post(func() { ss.attach(conn, err) })
}

func (ss *session) attach(conn net.Conn, err error) {
	if ss.done {
		if conn != nil {
			safeClose(ss.ctx, conn)
		}
		return
	}
	if err != nil {
		ctxlog.Errorf(ss.ctx, "backend dial: %v", err)
		ss.close()
		return
	}
	ctxlog.Debugf(ss.ctx, "backend connected: %v", conn.RemoteAddr())

	ss.back = sock.New(ss.srv.Loop, conn, &backHandler{ss})
	ss.back.ScheduleRead()
	if ss.frontEnded {
		ss.back.ShutdownWhenDrained()
	}
	// replay what arrived while dialing
	ss.front.ScheduleRead()
}

func (ss *session) close() {
	if ss.done {
		return
	}
	ss.done = true
	ss.front.Close()
	if ss.back != nil {
		ss.back.Close()
	}
	delete(ss.srv.sessions, ss)
}

// finish ends both sides after the backend reached end of stream and
// everything it sent has been handed to the TLS filter.
func (ss *session) finish() {
	if ss.done {
		return
	}
	ss.done = true
	ctxlog.Debugf(ss.ctx, "backend ended, shutting down")
	ss.front.Shutdown()
	ss.back.CloseWhenDrained()
	delete(ss.srv.sessions, ss)
}

func (ss *session) logEstablished() {
	if ss.established || !ss.tls.Established() {
		return
	}
	ss.established = true
	peer := ss.tls.Peer()
	ctxlog.Infof(ss.ctx, "tls established [sni:%s][alpn:%s][version:%s]",
		peer.ServerName, peer.Protocol, tls.VersionName(peer.Version))
}

// logWriteError reports a failed write to one side. A side that is already
// closed only means the session is being torn down.
func logWriteError(ctx context.Context, side string, err error) {
	if errors.Cause(err) == sock.ErrClosed {
		ctxlog.Debugf(ctx, "%s write after close", side)
		return
	}
	ctxlog.Warnf(ctx, "%s write: %v", side, err)
}

// filter.Handler: decrypted data from the client

func (h *frontHandler) OnData(p []byte) int {
	h.logEstablished()
	if h.back == nil || h.done {
		return 0
	}

	n, err := h.back.Write(p)
	if err != nil && errors.Cause(err) != sock.ErrWouldBlock {
		logWriteError(h.ctx, "backend", err)
		h.close()
		return 0
	}
	if n < len(p) {
		h.back.ScheduleWrite()
	}
	return n
}

func (h *frontHandler) OnWrite() {
	if h.back != nil && !h.done {
		h.back.ScheduleRead()
	}
}

func (h *frontHandler) OnEnd() {
	h.logEstablished()
	ctxlog.Debugf(h.ctx, "client ended")
	h.frontEnded = true
	if h.back != nil && !h.done {
		h.back.ShutdownWhenDrained()
	}
}

func (h *frontHandler) OnError(err error) {
	if errors.Cause(err) == filter.ErrHandshakeTimeout || !h.established {
		ctxlog.Warnf(h.ctx, "handshake: %v", err)
	} else {
		ctxlog.Warnf(h.ctx, "client: %v", err)
	}
	h.close()
}

// sock.Handler: plaintext from the backend

func (h *backHandler) OnSocketData(p []byte) int {
	if h.done {
		return 0
	}

	n, err := h.front.Write(p)
	if err != nil && errors.Cause(err) != sock.ErrWouldBlock {
		logWriteError(h.ctx, "client", err)
		h.close()
		return 0
	}
	if n < len(p) {
		h.front.ScheduleWrite()
	}
	if h.backEnded {
		h.backRemaining = len(p) - n
		if h.backRemaining == 0 {
			h.finish()
		}
	}
	return n
}

func (h *backHandler) OnSocketWrite() {
	if !h.done {
		h.front.ScheduleRead()
	}
}

func (h *backHandler) OnSocketEnd(remaining int) {
	h.backEnded = true
	h.backRemaining = remaining
	if remaining == 0 {
		h.finish()
	}
}

func (h *backHandler) OnSocketError(err error) {
	ctxlog.Warnf(h.ctx, "backend: %v", err)
	h.close()
}
