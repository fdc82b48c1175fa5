// Package filter inserts a byte-stream transform between a raw socket and the
// protocol code above it. ThreadSocketFilter runs the transform on the worker
// pool while the reactor keeps a non-blocking view of it.
package filter

type Result int

const (
	ResultOK Result = iota
	// the filter cannot take more input now
	ResultBlocking
	// the socket was closed while handling the data
	ResultClosed
)

// SocketFilter is what a FilteredSocket calls. All methods run on the loop.
type SocketFilter interface {
	Init(s *FilteredSocket)
	// OnData offers raw bytes from the network and returns how many were taken.
	OnData(p []byte) (int, Result)
	// ReadBuffer returns decoded data ready for the upstream handler.
	ReadBuffer() []byte
	Consumed(n int)
	ScheduleRead()
	ScheduleWrite()
	UnscheduleWrite()
	// Write accepts plain data from upstream; returns sock.ErrWouldBlock when
	// nothing fits.
	Write(p []byte) (int, error)
	// OnRawWrite signals room in the raw socket's output queue.
	OnRawWrite()
	// OnRemaining reports the peer's end of stream; remaining bytes are still
	// held by the raw socket. Returns false if the socket was closed.
	OnRemaining(remaining int) bool
	OnEnd()
	// Shutdown flushes and ends the outgoing stream, then closes the socket.
	Shutdown()
	Close()
}

// Handler is the plaintext consumer above a FilteredSocket.
type Handler interface {
	// OnData returns how many bytes were consumed.
	OnData(p []byte) int
	// OnWrite fires after ScheduleWrite once Write may accept more.
	OnWrite()
	// OnEnd reports the end of the decoded input stream.
	OnEnd()
	// OnError is final: the socket is already closed.
	OnError(err error)
}
