// Package sock adapts a blocking net.Conn to the reactor: a reader goroutine
// reads only when the owner asked for data and posts what it got to the loop,
// a writer goroutine drains a bounded output queue.
package sock

import (
	"io"
	"net"
	"sync"

	"github.com/account-login/tlsterm/event"
	"github.com/pkg/errors"
)

const kReaderBuf = 16 * 1024
const kWriteLimit = 64 * 1024

var (
	ErrWouldBlock = errors.New("socket would block")
	ErrClosed     = errors.New("socket closed")
)

// Handler receives socket events on the loop.
type Handler interface {
	// OnSocketData returns how many bytes of p were consumed. Unconsumed bytes
	// are kept and offered again after the next ScheduleRead.
	OnSocketData(p []byte) int
	// OnSocketWrite fires once per ScheduleWrite when the output queue has room.
	OnSocketWrite()
	// OnSocketEnd reports that the peer closed its side; remaining bytes are
	// still unconsumed.
	OnSocketEnd(remaining int)
	OnSocketError(err error)
}

type Socket struct {
	loop *event.Loop
	conn net.Conn
	h    Handler

	// loop only
	input       []byte
	reading     bool
	readWanted  bool
	eof         bool
	endReported bool
	failed      bool
	closed      bool

	readReq chan struct{}
	quit    chan struct{}

	// writer, guarded by mu
	mu               sync.Mutex
	cond             sync.Cond
	out              []byte
	writeWanted      bool
	writePosted      bool
	writerStop       bool
	closeWhenDrained bool
	shutdownWrite    bool
	shutdownDone     bool
	werr             error
}

// New starts the reader and writer goroutines. Nothing is read before the
// first ScheduleRead.
func New(loop *event.Loop, conn net.Conn, h Handler) *Socket {
	s := &Socket{
		loop:    loop,
		conn:    conn,
		h:       h,
		readReq: make(chan struct{}, 1),
		quit:    make(chan struct{}),
	}
	s.cond.L = &s.mu
	go s.reader()
	go s.writer()
	return s
}

func (s *Socket) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

func (s *Socket) IsClosed() bool {
	return s.closed
}

func (s *Socket) reader() {
	buf := make([]byte, kReaderBuf)
	for {
		select {
		case <-s.quit:
			return
		case <-s.readReq:
		}

		n, err := s.conn.Read(buf)
		data := make([]byte, n)
		copy(data, buf[:n])
		s.loop.Post(func() { s.onRead(data, err) })
		if err != nil {
			return
		}
	}
}

func (s *Socket) onRead(data []byte, err error) {
	if s.closed {
		return
	}
	s.reading = false
	if len(data) > 0 {
		s.input = append(s.input, data...)
	}
	if err != nil {
		if errors.Cause(err) != io.EOF {
			s.failed = true
			s.h.OnSocketError(errors.Wrap(err, "read"))
			return
		}
		s.eof = true
	}
	s.deliver()
}

func (s *Socket) deliver() {
	if len(s.input) > 0 {
		n := s.h.OnSocketData(s.input)
		if s.closed {
			return
		}
		s.input = s.input[n:]
		if len(s.input) == 0 {
			s.input = nil
		}
	}

	if s.eof {
		if !s.endReported {
			s.endReported = true
			s.h.OnSocketEnd(len(s.input))
		}
		return
	}

	if s.readWanted && len(s.input) == 0 {
		s.requestRead()
	}
}

func (s *Socket) requestRead() {
	if s.reading || s.eof || s.failed || s.closed {
		return
	}
	s.reading = true
	s.readReq <- struct{}{}
}

// ScheduleRead asks for more input; buffered leftovers are offered first.
func (s *Socket) ScheduleRead() {
	if s.closed {
		return
	}
	s.readWanted = true
	if len(s.input) > 0 {
		s.loop.Post(func() {
			if !s.closed {
				s.deliver()
			}
		})
		return
	}
	s.requestRead()
}

func (s *Socket) UnscheduleRead() {
	s.readWanted = false
}

// Write queues as much of p as the output limit allows.
func (s *Socket) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.werr != nil {
		return 0, s.werr
	}
	if s.writerStop || s.closeWhenDrained || s.shutdownWrite {
		return 0, ErrClosed
	}
	room := kWriteLimit - len(s.out)
	if room <= 0 {
		return 0, ErrWouldBlock
	}
	if len(p) > room {
		p = p[:room]
	}
	s.out = append(s.out, p...)
	s.cond.Signal()
	return len(p), nil
}

// ScheduleWrite requests one OnSocketWrite once the queue has room.
func (s *Socket) ScheduleWrite() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.writeWanted = true
	if len(s.out) < kWriteLimit && !s.writePosted {
		s.writePosted = true
		s.loop.Post(s.onWritable)
	}
}

func (s *Socket) UnscheduleWrite() {
	s.mu.Lock()
	s.writeWanted = false
	s.mu.Unlock()
}

// Pending is the number of queued but unwritten bytes.
func (s *Socket) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.out)
}

func (s *Socket) onWritable() {
	s.mu.Lock()
	wanted := s.writeWanted
	s.writeWanted = false
	s.writePosted = false
	s.mu.Unlock()

	if wanted && !s.closed {
		s.h.OnSocketWrite()
	}
}

func (s *Socket) onWriteError(err error) {
	if !s.closed {
		s.h.OnSocketError(errors.Wrap(err, "write"))
	}
}

func (s *Socket) writer() {
	for {
		s.mu.Lock()
		for len(s.out) == 0 && !s.writerStop && !s.closeWhenDrained &&
			!(s.shutdownWrite && !s.shutdownDone) {
			s.cond.Wait()
		}
		if s.writerStop {
			s.mu.Unlock()
			return
		}
		if len(s.out) == 0 {
			if s.closeWhenDrained {
				s.mu.Unlock()
				_ = s.conn.Close()
				return
			}
			s.shutdownDone = true
			s.mu.Unlock()
			if cw, ok := s.conn.(interface{ CloseWrite() error }); ok {
				_ = cw.CloseWrite()
			}
			continue
		}
		chunk := s.out
		s.out = nil
		s.mu.Unlock()

		_, err := s.conn.Write(chunk)

		s.mu.Lock()
		if err != nil {
			s.werr = err
			s.mu.Unlock()
			s.loop.Post(func() { s.onWriteError(err) })
			return
		}
		notify := s.writeWanted && !s.writePosted
		if notify {
			s.writePosted = true
		}
		s.mu.Unlock()

		if notify {
			s.loop.Post(s.onWritable)
		}
	}
}

// Close drops everything immediately.
func (s *Socket) Close() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.quit)

	s.mu.Lock()
	s.writerStop = true
	s.cond.Broadcast()
	s.mu.Unlock()

	_ = s.conn.Close()
}

// CloseWhenDrained stops reading and closes the connection once everything
// queued has been written.
func (s *Socket) CloseWhenDrained() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.quit)

	s.mu.Lock()
	s.closeWhenDrained = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

// ShutdownWhenDrained ends the outgoing direction once everything queued has
// been written. Reading goes on.
func (s *Socket) ShutdownWhenDrained() {
	if s.closed {
		return
	}
	s.mu.Lock()
	s.shutdownWrite = true
	s.cond.Broadcast()
	s.mu.Unlock()
}
