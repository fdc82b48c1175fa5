package engine

import (
	"io"
	"net"
	"time"
)

// pipe is the transport under the tls.Conn: reads come from bytes handed in by
// the filter, writes are collected for the filter to pick up. A read with no
// data parks the driver until more input is fed.
type pipe struct {
	e   *Engine
	in  []byte
	out []byte
	eof bool
}

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "pipe" }

func (p *pipe) Read(b []byte) (n int, err error) {
	for len(p.in) == 0 {
		if p.eof {
			return 0, io.EOF
		}
		if !p.e.park(kYieldNeedData) {
			return 0, net.ErrClosed
		}
	}

	n = copy(b, p.in)
	p.in = p.in[n:]
	if len(p.in) == 0 {
		p.in = nil // release underlying array
	}
	return
}

func (p *pipe) Write(b []byte) (n int, err error) {
	p.out = append(p.out, b...)
	return len(b), nil
}

func (p *pipe) Close() error {
	return nil
}

func (p *pipe) LocalAddr() net.Addr {
	return pipeAddr{}
}

func (p *pipe) RemoteAddr() net.Addr {
	return pipeAddr{}
}

func (p *pipe) SetDeadline(t time.Time) error {
	return nil
}

func (p *pipe) SetReadDeadline(t time.Time) error {
	return nil
}

func (p *pipe) SetWriteDeadline(t time.Time) error {
	return nil
}
