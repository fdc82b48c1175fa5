// Package engine drives a crypto/tls server connection as an explicit step
// machine over in-memory buffers. The tls.Conn runs on a driver goroutine that
// only makes progress while the caller is inside one of the Engine methods, so
// from the caller's point of view each call is a bounded, non-blocking step.
package engine

import (
	"crypto/tls"
	"io"
	"net"

	"github.com/account-login/tlsterm/fifo"
	"github.com/pkg/errors"
)

type Step int

const (
	StepDone Step = iota
	// more encrypted input is needed
	StepNeedData
	// the certificate selector asked to pause; call Handshake again later
	StepSuspended
	StepFailed
)

func (s Step) String() string {
	switch s {
	case StepDone:
		return "done"
	case StepNeedData:
		return "need-data"
	case StepSuspended:
		return "suspended"
	case StepFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// CertSelector is consulted with the ClientHello. Returning suspend pauses the
// handshake; the selector is asked again on the next Handshake call.
type CertSelector func(hello *tls.ClientHelloInfo) (cert *tls.Certificate, suspend bool, err error)

type yieldReason int

const (
	kYieldNone yieldReason = iota
	kYieldNeedData
	kYieldSuspended
	kYieldHandshakeDone
	kYieldOutputFull
	kYieldEOF
	kYieldError
)

const (
	// bounds on the bytes staged inside the engine
	kInputLimit  = fifo.Size
	kOutputLimit = fifo.Size
	kPlainLimit  = fifo.Size
	kReadChunk   = 16 * 1024
	kWriteChunk  = 16 * 1024
)

var ErrNotHandshaken = errors.New("engine: handshake not complete")

type Engine struct {
	conn     *tls.Conn
	pipe     pipe
	selector CertSelector

	resume chan struct{}
	yield  chan yieldReason
	quit   chan struct{}

	// caller side
	started   bool
	closed    bool
	finished  bool
	handshook bool
	last      yieldReason
	state     tls.ConnectionState

	// written by the driver before it yields
	err   error
	plain []byte
}

// NewServer prepares a server-side engine. The config is cloned; its
// certificate selection is replaced by selector.
func NewServer(config *tls.Config, selector CertSelector) *Engine {
	e := &Engine{
		selector: selector,
		resume:   make(chan struct{}),
		yield:    make(chan yieldReason),
		quit:     make(chan struct{}),
	}
	e.pipe.e = e

	cfg := config.Clone()
	cfg.Certificates = nil
	cfg.GetCertificate = e.getCertificate
	e.conn = tls.Server(&e.pipe, cfg)
	return e
}

// driver side

func (e *Engine) park(r yieldReason) bool {
	select {
	case e.yield <- r:
	case <-e.quit:
		return false
	}
	select {
	case <-e.resume:
		return true
	case <-e.quit:
		return false
	}
}

func (e *Engine) finish(r yieldReason, err error) {
	e.err = err
	select {
	case e.yield <- r:
	case <-e.quit:
	}
}

func (e *Engine) getCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	for {
		cert, suspend, err := e.selector(hello)
		if !suspend {
			return cert, err
		}
		if !e.park(kYieldSuspended) {
			return nil, net.ErrClosed
		}
	}
}

func (e *Engine) drive() {
	select {
	case <-e.resume:
	case <-e.quit:
		return
	}

	if err := e.conn.Handshake(); err != nil {
		e.finish(kYieldError, errors.Wrap(err, "handshake"))
		return
	}
	if !e.park(kYieldHandshakeDone) {
		return
	}

	buf := make([]byte, kReadChunk)
	for {
		n, err := e.conn.Read(buf)
		if n > 0 {
			e.plain = append(e.plain, buf[:n]...)
		}
		if err != nil {
			if err == io.EOF || (e.pipe.eof && err == io.ErrUnexpectedEOF) {
				e.finish(kYieldEOF, nil)
			} else {
				e.finish(kYieldError, errors.Wrap(err, "read"))
			}
			return
		}
		if len(e.plain) >= kPlainLimit {
			if !e.park(kYieldOutputFull) {
				return
			}
		}
	}
}

// caller side

func (e *Engine) step() yieldReason {
	if e.finished {
		return e.last
	}
	if !e.started {
		e.started = true
		go e.drive()
	}

	e.resume <- struct{}{}
	r := <-e.yield
	e.last = r
	if r == kYieldEOF || r == kYieldError {
		e.finished = true
	}
	return r
}

func (e *Engine) feed(in *fifo.Buffer) int {
	room := kInputLimit - len(e.pipe.in)
	p := in.Read()
	if len(p) > room {
		p = p[:room]
	}
	if len(p) == 0 {
		return 0
	}
	e.pipe.in = append(e.pipe.in, p...)
	in.Consume(len(p))
	return len(p)
}

func (e *Engine) flush(out *fifo.Buffer) {
	if len(e.pipe.out) == 0 {
		return
	}
	out.AllocateIfNull()
	n := out.Push(e.pipe.out)
	e.pipe.out = e.pipe.out[n:]
	if len(e.pipe.out) == 0 {
		e.pipe.out = nil
	}
}

func (e *Engine) movePlain(dst *fifo.Buffer) {
	if len(e.plain) == 0 {
		return
	}
	dst.AllocateIfNull()
	n := dst.Push(e.plain)
	e.plain = e.plain[n:]
	if len(e.plain) == 0 {
		e.plain = nil
	}
}

// SetEOF tells the engine that no more encrypted input will arrive.
func (e *Engine) SetEOF() {
	e.pipe.eof = true
}

// Handshake advances the handshake as far as possible with the input at hand.
func (e *Engine) Handshake(in, out *fifo.Buffer) (Step, error) {
	if e.handshook {
		return StepDone, nil
	}
	if e.finished {
		e.flush(out)
		return StepFailed, e.err
	}

	for {
		fed := e.feed(in)
		if e.last == kYieldNeedData && fed == 0 && len(e.pipe.in) == 0 && !e.pipe.eof {
			e.flush(out)
			return StepNeedData, nil
		}

		switch e.step() {
		case kYieldNeedData:
			if !in.IsEmpty() {
				continue
			}
			e.flush(out)
			return StepNeedData, nil
		case kYieldSuspended:
			e.flush(out)
			return StepSuspended, nil
		case kYieldHandshakeDone:
			e.handshook = true
			e.state = e.conn.ConnectionState()
			e.flush(out)
			return StepDone, nil
		case kYieldEOF:
			e.flush(out)
			return StepFailed, errors.Wrap(io.ErrUnexpectedEOF, "handshake")
		default:
			e.flush(out)
			return StepFailed, e.err
		}
	}
}

// Encrypt moves plaintext through the record layer into out.
func (e *Engine) Encrypt(plain, out *fifo.Buffer) error {
	if !e.handshook {
		return ErrNotHandshaken
	}

	for !plain.IsEmpty() && len(e.pipe.out) < kOutputLimit {
		p := plain.Read()
		if len(p) > kWriteChunk {
			p = p[:kWriteChunk]
		}
		n, err := e.conn.Write(p)
		plain.Consume(n)
		if err != nil {
			e.flush(out)
			return errors.Wrap(err, "write")
		}
	}
	e.flush(out)
	return nil
}

// Decrypt feeds encrypted input and collects plaintext into plain. eof is
// reported once the peer's stream ended and all plaintext was handed out.
func (e *Engine) Decrypt(in, plain *fifo.Buffer) (eof bool, err error) {
	if !e.handshook {
		return false, ErrNotHandshaken
	}

	for {
		e.movePlain(plain)
		if e.finished {
			if len(e.plain) > 0 {
				return false, nil
			}
			if e.last == kYieldEOF {
				return true, nil
			}
			return false, e.err
		}

		fed := e.feed(in)
		switch e.last {
		case kYieldOutputFull:
			if len(e.plain) >= kPlainLimit {
				return false, nil
			}
		case kYieldNeedData, kYieldHandshakeDone:
			if e.last == kYieldNeedData && fed == 0 && len(e.pipe.in) == 0 && !e.pipe.eof {
				return false, nil
			}
		}

		if e.step() == kYieldNeedData && in.IsEmpty() && len(e.pipe.in) == 0 && !e.pipe.eof {
			e.movePlain(plain)
			return false, nil
		}
	}
}

// Shutdown queues a close_notify alert into out.
func (e *Engine) Shutdown(out *fifo.Buffer) error {
	if !e.handshook {
		return ErrNotHandshaken
	}
	err := e.conn.CloseWrite()
	e.flush(out)
	return errors.Wrap(err, "close notify")
}

// Flush moves encrypted bytes still staged in the engine into out.
func (e *Engine) Flush(out *fifo.Buffer) {
	e.flush(out)
}

// PendingOutput is the number of encrypted bytes staged inside the engine.
func (e *Engine) PendingOutput() int {
	return len(e.pipe.out)
}

// PendingPlain is the number of decrypted bytes staged inside the engine.
func (e *Engine) PendingPlain() int {
	return len(e.plain)
}

// State is valid after the handshake completed.
func (e *Engine) State() tls.ConnectionState {
	return e.state
}

// Close stops the driver. No other method may run concurrently.
func (e *Engine) Close() {
	if e.closed {
		return
	}
	e.closed = true
	close(e.quit)
}
