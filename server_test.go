package tlsterm

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/account-login/tlsterm/certdb"
	"github.com/account-login/tlsterm/event"
	"github.com/account-login/tlsterm/fallback"
	"github.com/account-login/tlsterm/filter"
	"github.com/account-login/tlsterm/sock"
	"github.com/account-login/tlsterm/sslfilter"
	"github.com/account-login/tlsterm/thread"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu    sync.Mutex
	recs  []*certdb.Record
	finds int
}

func (s *memStore) Find(ctx context.Context, name, selector string) (*certdb.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finds++
	if selector != "" {
		return nil, certdb.ErrNotFound
	}
	for _, r := range s.recs {
		for _, n := range r.Names {
			if n == name {
				return r, nil
			}
		}
	}
	return nil, certdb.ErrNotFound
}

func (s *memStore) Names(ctx context.Context, since time.Time) ([]certdb.NameRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []certdb.NameRecord
	for _, r := range s.recs {
		if !r.Modified.Before(since) {
			out = append(out, certdb.NameRecord{ID: r.ID, Names: r.Names, Modified: r.Modified})
		}
	}
	return out, nil
}

func (s *memStore) findCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finds
}

type env struct {
	t     *testing.T
	ctx   context.Context
	auth  *fallback.Authority
	store *memStore
	cache *certdb.Cache
	loop  *event.Loop
	queue *thread.Queue
	reg   *prometheus.Registry
}

func newEnv(t *testing.T, names ...string) *env {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	auth, err := fallback.Generate("tlsterm-test")
	require.NoError(t, err)
	key, err := x509.MarshalPKCS8PrivateKey(auth.PrivateKey())
	require.NoError(t, err)

	store := &memStore{}
	if len(names) > 0 {
		cert, err := auth.Issue(names...)
		require.NoError(t, err)
		store.recs = append(store.recs, &certdb.Record{
			ID: 1, Names: names, Chain: cert.Certificate, Key: key, Modified: time.Unix(1000, 0),
		})
	}

	reg := prometheus.NewRegistry()
	metrics, err := certdb.NewMetrics(reg)
	require.NoError(t, err)

	loop := event.NewLoop()
	queue := thread.NewQueue(loop)
	require.NoError(t, queue.Register(reg))
	pool := thread.NewPool(queue, 2)
	pool.Start(ctx)
	t.Cleanup(pool.Stop)
	go func() {
		_ = loop.Run(ctx)
	}()

	cache := certdb.NewCache(certdb.Config{}, store, certdb.NewNameCache(), loop, metrics)
	go func() {
		_ = cache.Run(ctx, nil)
	}()

	return &env{t: t, ctx: ctx, auth: auth, store: store, cache: cache, loop: loop, queue: queue, reg: reg}
}

// echoBackend copies every connection back to itself and half-closes when the
// client does.
func echoBackend(t *testing.T) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = io.Copy(conn, conn)
				_ = conn.(*net.TCPConn).CloseWrite()
			}()
		}
	}()
	return l.Addr().String()
}

func (e *env) serve(backend string, fb bool) *Server {
	srv := &Server{
		ListenAddr:  "127.0.0.1:0",
		BackendAddr: backend,
		TLSConfig:   &tls.Config{NextProtos: []string{"h2", "http/1.1"}},
		Resolver:    e.cache,
		Loop:        e.loop,
		Queue:       e.queue,
	}
	if fb {
		srv.Fallback = e.auth
	}
	require.NoError(e.t, srv.Start(e.ctx))
	e.t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func (e *env) dial(srv *Server, name string, protos ...string) (*tls.Conn, error) {
	d := &net.Dialer{Timeout: 5 * time.Second}
	conn, err := tls.DialWithDialer(d, "tcp", srv.Addr().String(), &tls.Config{
		ServerName: name,
		RootCAs:    e.auth.Roots(),
		NextProtos: protos,
	})
	if err == nil {
		e.t.Cleanup(func() { _ = conn.Close() })
		_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	}
	return conn, err
}

func waitUntil(d time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(d)
	for !cond() {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
	return true
}

func TestProxyEcho(t *testing.T) {
	e := newEnv(t, "www.example.com", "example.com")
	srv := e.serve(echoBackend(t), false)

	conn, err := e.dial(srv, "www.example.com", "http/1.1")
	require.NoError(t, err)
	st := conn.ConnectionState()
	assert.Equal(t, "http/1.1", st.NegotiatedProtocol)
	assert.Equal(t, "www.example.com", st.PeerCertificates[0].Subject.CommonName)

	payload := make([]byte, 200*1024)
	_, err = rand.Read(payload)
	require.NoError(t, err)

	werr := make(chan error, 1)
	go func() {
		_, err := conn.Write(payload)
		if err == nil {
			err = conn.CloseWrite()
		}
		werr <- err
	}()

	got, err := io.ReadAll(conn)
	require.NoError(t, err)
	require.NoError(t, <-werr)
	assert.True(t, bytes.Equal(payload, got))

	assert.True(t, waitUntil(5*time.Second, func() bool { return srv.Sessions() == 0 }))
}

func TestCertificateLookedUpOnce(t *testing.T) {
	e := newEnv(t, "api.example.com")
	srv := e.serve(echoBackend(t), false)

	for i := 0; i < 3; i++ {
		conn, err := e.dial(srv, "api.example.com")
		require.NoError(t, err)
		_, err = conn.Write([]byte("ping"))
		require.NoError(t, err)
		buf := make([]byte, 4)
		_, err = io.ReadFull(conn, buf)
		require.NoError(t, err)
		assert.Equal(t, "ping", string(buf))
		require.NoError(t, conn.Close())
	}
	assert.Equal(t, 1, e.store.findCount())
	assert.Equal(t, 1, e.cache.Len())
}

func TestUnknownNameFallback(t *testing.T) {
	e := newEnv(t, "www.example.com")
	srv := e.serve(echoBackend(t), true)

	require.True(t, waitUntil(5*time.Second, e.cache.Names().Complete))
	conn, err := e.dial(srv, "www.unknown.com")
	require.NoError(t, err)
	assert.Equal(t, "*.unknown.com", conn.ConnectionState().PeerCertificates[0].Subject.CommonName)
	// known absent from the mirror: no database round trip
	assert.Equal(t, 0, e.store.findCount())
}

func TestUnknownNameAborts(t *testing.T) {
	e := newEnv(t, "www.example.com")
	srv := e.serve(echoBackend(t), false)

	_, err := e.dial(srv, "www.unknown.com")
	require.Error(t, err)
	assert.True(t, waitUntil(5*time.Second, func() bool { return srv.Sessions() == 0 }))
}

func TestBackendDown(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	backend := l.Addr().String()
	require.NoError(t, l.Close())

	e := newEnv(t, "www.example.com")
	srv := e.serve(backend, false)

	conn, err := e.dial(srv, "www.example.com")
	if err == nil {
		_, err = conn.Read(make([]byte, 1))
	}
	require.Error(t, err)
	assert.True(t, waitUntil(5*time.Second, func() bool { return srv.Sessions() == 0 }))
}

func TestHandshakeTimeout(t *testing.T) {
	e := newEnv(t, "www.example.com")
	srv := &Server{
		ListenAddr:       "127.0.0.1:0",
		BackendAddr:      echoBackend(t),
		Resolver:         e.cache,
		Loop:             e.loop,
		Queue:            e.queue,
		HandshakeTimeout: 100 * time.Millisecond,
	}
	require.NoError(t, srv.Start(e.ctx))
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	// no client hello
	_, err = conn.Read(make([]byte, 1))
	require.Error(t, err)
	assert.True(t, waitUntil(5*time.Second, func() bool { return srv.Sessions() == 0 }))
}

func TestClientDataAfterBackendClosed(t *testing.T) {
	e := newEnv(t)
	srv := &Server{Loop: e.loop, Queue: e.queue, sessions: map[*session]struct{}{}}

	front, frontPeer := net.Pipe()
	back, backPeer := net.Pipe()
	t.Cleanup(func() {
		_ = frontPeer.Close()
		_ = backPeer.Close()
	})

	var n int
	var done bool
	e.loop.Invoke(func() {
		ss := &session{ctx: e.ctx, srv: srv}
		ss.tls = sslfilter.New(e.ctx, sslfilter.Config(nil), e.cache, nil)
		tf := filter.NewThreadSocketFilter(e.loop, e.queue, ss.tls)
		ss.front = filter.NewFilteredSocket(e.ctx, e.loop, front, tf, &frontHandler{ss})
		ss.back = sock.New(e.loop, back, &backHandler{ss})
		srv.sessions[ss] = struct{}{}

		ss.back.ShutdownWhenDrained()
		n = (&frontHandler{ss}).OnData([]byte("late"))
		done = ss.done
	})
	assert.Equal(t, 0, n)
	assert.True(t, done)
	assert.Equal(t, 0, srv.Sessions())
}

func TestCloseDropsSessions(t *testing.T) {
	e := newEnv(t, "www.example.com")
	srv := e.serve(echoBackend(t), false)

	conn, err := e.dial(srv, "www.example.com")
	require.NoError(t, err)
	require.True(t, waitUntil(5*time.Second, func() bool { return srv.Sessions() == 1 }))

	require.NoError(t, srv.Close())
	assert.Equal(t, 0, srv.Sessions())
	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err)
}

func TestStartDebugServer(t *testing.T) {
	e := newEnv(t)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	server := StartDebugServer(e.ctx, addr, e.reg)
	t.Cleanup(func() { _ = server.Close() })

	var body []byte
	ok := waitUntil(5*time.Second, func() bool {
		resp, err := http.Get("http://" + addr + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, err = io.ReadAll(resp.Body)
		return err == nil && resp.StatusCode == http.StatusOK
	})
	require.True(t, ok)
	assert.Contains(t, string(body), "tlsterm_certdb")

	resp, err := http.Get("http://" + addr + "/debug/pprof/")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
