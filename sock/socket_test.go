package sock

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/account-login/tlsterm/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	data   chan []byte
	writes chan struct{}
	ends   chan int
	errs   chan error
	// bytes of each delivery to consume, -1 for all
	take int
}

func newRecorder() *recorder {
	return &recorder{
		data:   make(chan []byte, 64),
		writes: make(chan struct{}, 64),
		ends:   make(chan int, 1),
		errs:   make(chan error, 1),
		take:   -1,
	}
}

func (r *recorder) OnSocketData(p []byte) int {
	n := len(p)
	if r.take >= 0 && r.take < n {
		n = r.take
	}
	r.data <- append([]byte(nil), p[:n]...)
	return n
}

func (r *recorder) OnSocketWrite()            { r.writes <- struct{}{} }
func (r *recorder) OnSocketEnd(remaining int) { r.ends <- remaining }
func (r *recorder) OnSocketError(err error)   { r.errs <- err }

func startLoop(t *testing.T) *event.Loop {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	loop := event.NewLoop()
	go func() {
		_ = loop.Run(ctx)
	}()
	return loop
}

func tcpPair(t *testing.T) (*net.TCPConn, *net.TCPConn) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	ch := make(chan net.Conn, 1)
	go func() {
		c, _ := l.Accept()
		ch <- c
	}()
	a, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	b := <-ch
	require.NotNil(t, b)
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a.(*net.TCPConn), b.(*net.TCPConn)
}

func recv[T any](t *testing.T, ch chan T) T {
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timeout")
		var zero T
		return zero
	}
}

func TestNothingReadBeforeSchedule(t *testing.T) {
	loop := startLoop(t)
	a, b := tcpPair(t)
	r := newRecorder()

	var s *Socket
	loop.Invoke(func() { s = New(loop, a, r) })
	_, err := b.Write([]byte("hello"))
	require.NoError(t, err)

	select {
	case <-r.data:
		t.Fatal("read without interest")
	case <-time.After(50 * time.Millisecond):
	}

	loop.Invoke(s.ScheduleRead)
	assert.Equal(t, "hello", string(recv(t, r.data)))
	loop.Invoke(s.Close)
}

func TestLeftoverOfferedAgain(t *testing.T) {
	loop := startLoop(t)
	a, b := tcpPair(t)
	r := newRecorder()
	r.take = 2

	var s *Socket
	loop.Invoke(func() {
		s = New(loop, a, r)
		s.ScheduleRead()
	})
	_, err := b.Write([]byte("abcdef"))
	require.NoError(t, err)

	var got []byte
	got = append(got, recv(t, r.data)...)
	for len(got) < 6 {
		loop.Invoke(s.ScheduleRead)
		got = append(got, recv(t, r.data)...)
	}
	assert.Equal(t, "abcdef", string(got))
	loop.Invoke(s.Close)
}

func TestEnd(t *testing.T) {
	loop := startLoop(t)
	a, b := tcpPair(t)
	r := newRecorder()

	var s *Socket
	loop.Invoke(func() {
		s = New(loop, a, r)
		s.ScheduleRead()
	})
	_, err := b.Write([]byte("xyz"))
	require.NoError(t, err)
	require.NoError(t, b.CloseWrite())

	var got []byte
	for len(got) < 3 {
		got = append(got, recv(t, r.data)...)
	}
	assert.Equal(t, "xyz", string(got))
	assert.Equal(t, 0, recv(t, r.ends))
	loop.Invoke(s.Close)
}

func TestWriteLimit(t *testing.T) {
	loop := startLoop(t)
	a, b := tcpPair(t)
	r := newRecorder()

	var s *Socket
	loop.Invoke(func() { s = New(loop, a, r) })

	big := make([]byte, 4*kWriteLimit)
	var total int
	loop.Invoke(func() {
		for {
			n, err := s.Write(big)
			if err != nil {
				assert.Equal(t, ErrWouldBlock, err)
				break
			}
			total += n
		}
		s.ScheduleWrite()
	})
	assert.GreaterOrEqual(t, total, kWriteLimit)

	// draining the peer makes room
	go func() {
		_, _ = io.CopyN(io.Discard, b, int64(total))
	}()
	recv(t, r.writes)
	loop.Invoke(s.Close)
}

func TestCloseWhenDrained(t *testing.T) {
	loop := startLoop(t)
	a, b := tcpPair(t)
	r := newRecorder()

	loop.Invoke(func() {
		s := New(loop, a, r)
		n, err := s.Write([]byte("bye"))
		assert.NoError(t, err)
		assert.Equal(t, 3, n)
		s.CloseWhenDrained()
		assert.True(t, s.IsClosed())
		_, err = s.Write([]byte("more"))
		assert.Equal(t, ErrClosed, err)
	})

	got, err := io.ReadAll(b)
	require.NoError(t, err)
	assert.Equal(t, "bye", string(got))
}

func TestShutdownWhenDrained(t *testing.T) {
	loop := startLoop(t)
	a, b := tcpPair(t)
	r := newRecorder()

	var s *Socket
	loop.Invoke(func() {
		s = New(loop, a, r)
		s.ScheduleRead()
		_, err := s.Write([]byte("last"))
		assert.NoError(t, err)
		s.ShutdownWhenDrained()
		_, err = s.Write([]byte("more"))
		assert.Equal(t, ErrClosed, err)
	})

	got, err := io.ReadAll(b)
	require.NoError(t, err)
	assert.Equal(t, "last", string(got))

	// reading goes on after the half close
	_, err = b.Write([]byte("reply"))
	require.NoError(t, err)
	assert.Equal(t, "reply", string(recv(t, r.data)))
	loop.Invoke(s.Close)
}

func TestReadError(t *testing.T) {
	loop := startLoop(t)
	a, b := tcpPair(t)
	r := newRecorder()

	loop.Invoke(func() {
		s := New(loop, a, r)
		s.ScheduleRead()
	})
	require.NoError(t, b.SetLinger(0))
	require.NoError(t, b.Close())

	select {
	case err := <-r.errs:
		assert.Contains(t, err.Error(), "read")
	case <-r.ends:
		// some stacks report the reset as a plain end of stream
	case <-time.After(5 * time.Second):
		t.Fatal("timeout")
	}
}
