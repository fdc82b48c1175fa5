package filter

import (
	"context"
	"net"

	"github.com/account-login/ctxlog"
	"github.com/account-login/tlsterm/event"
	"github.com/account-login/tlsterm/sock"
)

// FilteredSocket owns a raw socket and a filter and presents the decoded
// stream to a Handler. Loop only.
type FilteredSocket struct {
	ctx    context.Context
	base   *sock.Socket
	filter SocketFilter
	h      Handler
	closed bool
}

func NewFilteredSocket(
	ctx context.Context, loop *event.Loop, conn net.Conn, f SocketFilter, h Handler) *FilteredSocket {

	s := &FilteredSocket{ctx: ctx, filter: f, h: h}
	s.base = sock.New(loop, conn, s)
	f.Init(s)
	return s
}

func (s *FilteredSocket) Context() context.Context {
	return s.ctx
}

func (s *FilteredSocket) RemoteAddr() net.Addr {
	return s.base.RemoteAddr()
}

func (s *FilteredSocket) IsClosed() bool {
	return s.closed
}

// sock.Handler

func (s *FilteredSocket) OnSocketData(p []byte) int {
	n, _ := s.filter.OnData(p)
	return n
}

func (s *FilteredSocket) OnSocketWrite() {
	s.filter.OnRawWrite()
}

func (s *FilteredSocket) OnSocketEnd(remaining int) {
	if !s.filter.OnRemaining(remaining) {
		return
	}
	if remaining == 0 {
		s.filter.OnEnd()
	}
}

func (s *FilteredSocket) OnSocketError(err error) {
	s.InvokeError(err)
}

// called by the filter

func (s *FilteredSocket) InternalWrite(p []byte) (int, error) {
	return s.base.Write(p)
}

func (s *FilteredSocket) InternalScheduleRead() {
	s.base.ScheduleRead()
}

func (s *FilteredSocket) InternalScheduleWrite() {
	s.base.ScheduleWrite()
}

func (s *FilteredSocket) InternalUnscheduleWrite() {
	s.base.UnscheduleWrite()
}

// InternalCloseWhenDrained ends the connection after the raw output queue has
// been written.
func (s *FilteredSocket) InternalCloseWhenDrained() {
	if s.closed {
		return
	}
	s.closed = true
	s.filter.Close()
	s.base.CloseWhenDrained()
}

// InvokeData hands decoded data to the handler. Returns false if the socket
// was closed meanwhile.
func (s *FilteredSocket) InvokeData() bool {
	p := s.filter.ReadBuffer()
	if len(p) == 0 {
		return !s.closed
	}
	n := s.h.OnData(p)
	if s.closed {
		return false
	}
	if n > 0 {
		s.filter.Consumed(n)
	}
	return !s.closed
}

func (s *FilteredSocket) InvokeWrite() bool {
	s.h.OnWrite()
	return !s.closed
}

func (s *FilteredSocket) InvokeEnd() {
	s.h.OnEnd()
}

// InvokeError closes the socket and reports err once.
func (s *FilteredSocket) InvokeError(err error) {
	if s.closed {
		return
	}
	ctxlog.Debugf(s.ctx, "filtered socket error: %v", err)
	s.Close()
	s.h.OnError(err)
}

// called by the handler

func (s *FilteredSocket) Write(p []byte) (int, error) {
	if s.closed {
		return 0, sock.ErrClosed
	}
	return s.filter.Write(p)
}

func (s *FilteredSocket) ScheduleRead() {
	s.filter.ScheduleRead()
}

func (s *FilteredSocket) ScheduleWrite() {
	s.filter.ScheduleWrite()
}

func (s *FilteredSocket) UnscheduleWrite() {
	s.filter.UnscheduleWrite()
}

// Shutdown ends the outgoing stream gracefully.
func (s *FilteredSocket) Shutdown() {
	if !s.closed {
		s.filter.Shutdown()
	}
}

func (s *FilteredSocket) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.filter.Close()
	s.base.Close()
}
