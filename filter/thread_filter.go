package filter

import (
	"sync"
	"time"

	"github.com/account-login/ctxlog"
	"github.com/account-login/tlsterm/event"
	"github.com/account-login/tlsterm/fifo"
	"github.com/account-login/tlsterm/sock"
	"github.com/account-login/tlsterm/thread"
	"github.com/pkg/errors"
)

const kDefaultHandshakeTimeout = 60 * time.Second

var ErrHandshakeTimeout = errors.New("handshake timeout")

// Exchange is the worker-side copy of the buffer set. A handler's Run
// consumes EncryptedInput and PlainOutput and produces into DecryptedInput and
// EncryptedOutput; whatever it leaves behind stays for the next run.
type Exchange struct {
	EncryptedInput  fifo.Buffer
	DecryptedInput  fifo.Buffer
	PlainOutput     fifo.Buffer
	EncryptedOutput fifo.Buffer

	// in: still handshaking; the handler clears it when the handshake is done
	Handshaking bool
	// in: upstream asked for a clean end of the outgoing stream
	ShuttingDown bool
	// in: the raw socket reached end of stream and all of it was handed over
	RawEnded bool

	// out: the decoded stream ended; only honoured once DecryptedInput has
	// been handed over completely, the handler reports it again otherwise
	InputEOF bool
	// out: run again as soon as possible
	Again bool
	// out: input is left undecoded for lack of room in DecryptedInput
	InputBlocked bool
	// out: the handler holds no pending output of its own
	Drained bool
}

// ThreadSocketFilterHandler is the protocol logic run by a ThreadSocketFilter.
type ThreadSocketFilterHandler interface {
	// PreRun is called on the loop before every scheduling of Run.
	PreRun(f *ThreadSocketFilter)
	// Run is called on a worker without any lock held. A returned error is
	// fatal for the connection.
	Run(x *Exchange) error
	// PostRun is called on the loop after a run was collected.
	PostRun(f *ThreadSocketFilter)
	// CancelRun is called on the loop when the filter is closed while Run is
	// in progress; the handler should abandon sub-operations it owns.
	CancelRun(f *ThreadSocketFilter)
	// Close releases the handler; no Run is active or will start.
	Close()
}

type ThreadSocketFilter struct {
	loop    *event.Loop
	queue   *thread.Queue
	job     *thread.Job
	handler ThreadSocketFilterHandler
	socket  *FilteredSocket

	// loop only
	handshakeTimeout time.Duration
	handshakeTimer   *event.Timer
	unprotected    fifo.Buffer
	readScheduled  bool
	wantWrite      bool
	writePosted    bool
	rawRemaining   int
	endSent        bool
	closed         bool
	destroyed      bool

	// worker only
	priv Exchange

	mu              sync.Mutex
	encryptedInput  fifo.Buffer
	decryptedInput  fifo.Buffer
	plainOutput     fifo.Buffer
	encryptedOutput fifo.Buffer
	handshaking     bool
	drained         bool
	inputEOF        bool
	again           bool
	shuttingDown    bool
	rawEnded        bool
	inputBlocked    bool
	cancelled       bool
	err             error
}

func NewThreadSocketFilter(loop *event.Loop, queue *thread.Queue, h ThreadSocketFilterHandler) *ThreadSocketFilter {
	f := &ThreadSocketFilter{
		loop:             loop,
		queue:            queue,
		handler:          h,
		handshakeTimeout: kDefaultHandshakeTimeout,
		handshaking:      true,
		drained:          true,
	}
	f.job = thread.NewJob(f)
	return f
}

// SetHandshakeTimeout bounds the handshake; zero disables the bound. Must be
// called before the filter is attached to a FilteredSocket.
func (f *ThreadSocketFilter) SetHandshakeTimeout(d time.Duration) {
	f.handshakeTimeout = d
}

func (f *ThreadSocketFilter) Socket() *FilteredSocket {
	return f.socket
}

// IsHandshaking may be called from any goroutine.
func (f *ThreadSocketFilter) IsHandshaking() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handshaking
}

// Schedule queues a run of the handler. Loop only.
func (f *ThreadSocketFilter) Schedule() {
	if f.closed {
		return
	}

	f.handler.PreRun(f)

	f.mu.Lock()
	f.decryptedInput.AllocateIfNull()
	f.encryptedOutput.AllocateIfNull()
	f.mu.Unlock()

	f.queue.Add(f.job)
}

// SocketFilter

func (f *ThreadSocketFilter) Init(s *FilteredSocket) {
	f.socket = s
	if f.handshakeTimeout > 0 {
		f.handshakeTimer = f.loop.AfterFunc(f.handshakeTimeout, f.onHandshakeTimeout)
	}
	s.InternalScheduleRead()
}

func (f *ThreadSocketFilter) onHandshakeTimeout() {
	f.handshakeTimer = nil
	if f.closed || !f.IsHandshaking() {
		return
	}
	f.socket.InvokeError(ErrHandshakeTimeout)
}

func (f *ThreadSocketFilter) OnData(p []byte) (int, Result) {
	if f.closed {
		return 0, ResultClosed
	}

	f.mu.Lock()
	f.encryptedInput.AllocateIfNull()
	n := f.encryptedInput.Push(p)
	f.mu.Unlock()

	if f.rawRemaining > 0 {
		f.rawRemaining -= n
		if f.rawRemaining <= 0 {
			f.rawRemaining = 0
			f.OnEnd()
		}
	}

	if n > 0 {
		f.Schedule()
	}
	if n < len(p) {
		return n, ResultBlocking
	}
	return n, ResultOK
}

func (f *ThreadSocketFilter) ReadBuffer() []byte {
	return f.unprotected.Read()
}

func (f *ThreadSocketFilter) Consumed(n int) {
	f.unprotected.Consume(n)

	f.mu.Lock()
	f.unprotected.MoveFrom(&f.decryptedInput)
	f.decryptedInput.FreeIfEmpty()
	blocked := f.inputBlocked
	f.inputBlocked = false
	eof := f.inputEOF
	f.mu.Unlock()

	f.unprotected.FreeIfEmpty()
	if blocked {
		f.Schedule()
	}
	if eof && f.unprotected.IsEmpty() && !f.endSent {
		f.loop.Post(f.invokeEnd)
	}
}

func (f *ThreadSocketFilter) invokeEnd() {
	if f.closed || f.endSent || !f.unprotected.IsEmpty() {
		return
	}
	f.mu.Lock()
	pending := !f.decryptedInput.IsEmpty()
	f.mu.Unlock()
	if pending {
		return
	}
	f.endSent = true
	f.socket.InvokeEnd()
}

func (f *ThreadSocketFilter) ScheduleRead() {
	f.readScheduled = true

	f.mu.Lock()
	full := f.encryptedInput.IsDefinedAndFull()
	f.mu.Unlock()
	if !full {
		f.socket.InternalScheduleRead()
	}

	if !f.unprotected.IsEmpty() {
		f.loop.Post(func() {
			if !f.closed && !f.unprotected.IsEmpty() {
				f.socket.InvokeData()
			}
		})
	}
}

func (f *ThreadSocketFilter) ScheduleWrite() {
	f.wantWrite = true

	f.mu.Lock()
	room := !f.plainOutput.IsDefinedAndFull() && !f.shuttingDown
	f.mu.Unlock()

	if room && !f.writePosted {
		f.writePosted = true
		f.loop.Post(f.invokeWrite)
	}
}

func (f *ThreadSocketFilter) invokeWrite() {
	f.writePosted = false
	if f.closed || !f.wantWrite {
		return
	}
	f.wantWrite = false
	f.socket.InvokeWrite()
}

func (f *ThreadSocketFilter) UnscheduleWrite() {
	f.wantWrite = false
}

func (f *ThreadSocketFilter) Write(p []byte) (int, error) {
	f.mu.Lock()
	if f.shuttingDown {
		f.mu.Unlock()
		return 0, sock.ErrClosed
	}
	f.plainOutput.AllocateIfNull()
	n := f.plainOutput.Push(p)
	f.mu.Unlock()

	if n < len(p) {
		// resumed from Done once the worker made room
		f.wantWrite = true
	}
	if n == 0 {
		return 0, sock.ErrWouldBlock
	}
	f.Schedule()
	return n, nil
}

func (f *ThreadSocketFilter) OnRawWrite() {
	if !f.flushOutput() {
		return
	}

	f.mu.Lock()
	shuttingDown := f.shuttingDown
	f.mu.Unlock()
	// the last run may have left output the raw socket could not take
	if shuttingDown && f.queue.State(f.job) == thread.JobInitial {
		f.checkShutdown()
	}
}

func (f *ThreadSocketFilter) OnRemaining(remaining int) bool {
	if f.closed {
		return false
	}
	if remaining > 0 {
		// end once the raw socket's leftovers are in
		f.rawRemaining = remaining
		f.mu.Lock()
		full := f.encryptedInput.IsDefinedAndFull()
		f.mu.Unlock()
		if !full {
			f.socket.InternalScheduleRead()
		}
	}
	return true
}

func (f *ThreadSocketFilter) OnEnd() {
	f.mu.Lock()
	f.rawEnded = true
	f.mu.Unlock()
	f.Schedule()
}

func (f *ThreadSocketFilter) Shutdown() {
	f.mu.Lock()
	f.shuttingDown = true
	f.mu.Unlock()
	f.Schedule()
}

// Close cancels pending work. A run in progress cannot be stopped; the handler
// gets CancelRun and the filter is released when the run comes back.
func (f *ThreadSocketFilter) Close() {
	if f.closed {
		return
	}
	f.closed = true

	if f.handshakeTimer != nil {
		f.handshakeTimer.Cancel()
		f.handshakeTimer = nil
	}

	f.mu.Lock()
	f.cancelled = true
	f.mu.Unlock()

	if f.queue.Cancel(f.job) {
		f.destroy()
		return
	}
	f.handler.CancelRun(f)
}

func (f *ThreadSocketFilter) destroy() {
	if f.destroyed {
		return
	}
	f.destroyed = true

	f.handler.Close()

	f.mu.Lock()
	f.encryptedInput.Free()
	f.decryptedInput.Free()
	f.plainOutput.Free()
	f.encryptedOutput.Free()
	f.mu.Unlock()

	f.unprotected.Free()
	f.priv.EncryptedInput.Free()
	f.priv.DecryptedInput.Free()
	f.priv.PlainOutput.Free()
	f.priv.EncryptedOutput.Free()
}

// flushOutput writes encrypted output to the raw socket. Returns false if the
// socket was closed.
func (f *ThreadSocketFilter) flushOutput() bool {
	if f.closed {
		return false
	}

	f.mu.Lock()
	p := f.encryptedOutput.Read()
	if len(p) == 0 {
		f.mu.Unlock()
		return true
	}
	n, err := f.socket.InternalWrite(p)
	if err == nil {
		f.encryptedOutput.Consume(n)
	}
	remaining := !f.encryptedOutput.IsEmpty()
	more := !f.drained || !f.plainOutput.IsEmpty()
	f.mu.Unlock()

	if err != nil && errors.Cause(err) != sock.ErrWouldBlock {
		f.socket.InvokeError(err)
		return false
	}
	if remaining || err != nil {
		f.socket.InternalScheduleWrite()
	}
	if n > 0 && more {
		f.Schedule()
	}
	return true
}

// thread.Handler

func (f *ThreadSocketFilter) Run() {
	x := &f.priv

	f.mu.Lock()
	if f.cancelled || f.err != nil {
		f.mu.Unlock()
		return
	}
	f.again = false
	if !f.decryptedInput.IsDefined() || !f.encryptedOutput.IsDefined() {
		// let Schedule allocate them
		f.again = true
		f.mu.Unlock()
		return
	}

	x.EncryptedInput.MoveFrom(&f.encryptedInput)
	f.encryptedInput.FreeIfEmpty()
	x.PlainOutput.MoveFrom(&f.plainOutput)
	f.plainOutput.FreeIfEmpty()
	// leftovers of the previous run go first
	f.decryptedInput.MoveFrom(&x.DecryptedInput)
	f.encryptedOutput.MoveFrom(&x.EncryptedOutput)

	x.Handshaking = f.handshaking
	x.ShuttingDown = f.shuttingDown
	x.RawEnded = f.rawEnded && f.encryptedInput.IsEmpty()
	x.InputEOF = false
	x.Again = false
	x.InputBlocked = false
	x.Drained = false
	f.mu.Unlock()

	x.DecryptedInput.AllocateIfNull()
	x.EncryptedOutput.AllocateIfNull()

	err := f.handler.Run(x)

	f.mu.Lock()
	f.decryptedInput.MoveFrom(&x.DecryptedInput)
	f.encryptedOutput.MoveFrom(&x.EncryptedOutput)
	f.inputBlocked = !x.DecryptedInput.IsEmpty()
	if x.InputBlocked && !f.inputBlocked {
		// the hand-off made room
		f.again = true
	}

	if !x.Handshaking {
		f.handshaking = false
	}
	if x.InputEOF && x.DecryptedInput.IsEmpty() {
		f.inputEOF = true
	}
	f.drained = x.Drained && x.PlainOutput.IsEmpty() && x.EncryptedOutput.IsEmpty()
	if x.Again {
		f.again = true
	}
	if err != nil && f.err == nil {
		f.err = err
	}
	f.mu.Unlock()

	x.EncryptedInput.FreeIfEmpty()
	x.DecryptedInput.FreeIfEmpty()
	x.PlainOutput.FreeIfEmpty()
	x.EncryptedOutput.FreeIfEmpty()
}

func (f *ThreadSocketFilter) Done() {
	if f.closed {
		f.destroy()
		return
	}

	f.mu.Lock()
	err := f.err
	handshaking := f.handshaking
	inputEOF := f.inputEOF
	again := f.again
	shuttingDown := f.shuttingDown
	f.unprotected.MoveFrom(&f.decryptedInput)
	f.decryptedInput.FreeIfEmpty()
	inputFull := f.encryptedInput.IsDefinedAndFull()
	outputRoom := !f.plainOutput.IsDefinedAndFull()
	f.mu.Unlock()

	if err != nil {
		// raised once; the socket is closed by InvokeError
		f.socket.InvokeError(err)
		return
	}

	if !handshaking && f.handshakeTimer != nil {
		f.handshakeTimer.Cancel()
		f.handshakeTimer = nil
		ctxlog.Debugf(f.socket.Context(), "handshake done")
	}

	f.handler.PostRun(f)

	if !f.flushOutput() {
		return
	}

	if f.readScheduled && !f.unprotected.IsEmpty() {
		if !f.socket.InvokeData() {
			return
		}
	}

	if inputEOF {
		f.invokeEnd()
		if f.closed {
			return
		}
	}

	if f.wantWrite && outputRoom && !shuttingDown && !handshaking {
		f.wantWrite = false
		if !f.socket.InvokeWrite() {
			return
		}
	}

	if !inputFull && !inputEOF {
		f.socket.InternalScheduleRead()
	}

	if shuttingDown && f.checkShutdown() {
		return
	}

	if again {
		f.Schedule()
	}
}

// checkShutdown closes the socket once everything has been encrypted and
// queued on the raw socket.
func (f *ThreadSocketFilter) checkShutdown() bool {
	f.mu.Lock()
	done := f.drained && f.plainOutput.IsEmpty() && f.encryptedOutput.IsEmpty()
	f.mu.Unlock()

	if !done {
		return false
	}
	f.socket.InternalCloseWhenDrained()
	return true
}
