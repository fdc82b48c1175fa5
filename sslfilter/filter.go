// Package sslfilter terminates TLS on a ThreadSocketFilter: the handshake and
// the record layer run on a worker, certificates come from a Resolver which may
// suspend the handshake until a lookup finishes.
package sslfilter

import (
	"context"
	"crypto/tls"
	"sync"

	"github.com/account-login/ctxlog"
	"github.com/account-login/tlsterm/certdb"
	"github.com/account-login/tlsterm/engine"
	"github.com/account-login/tlsterm/filter"
	"github.com/pkg/errors"
)

// ALPN protocol of TLS-ALPN-01 challenges
const kProtoACME = "acme-tls/1"

type Resolver interface {
	NewHandle() certdb.Handle
	Resolve(h certdb.Handle, name, selector string, completion *certdb.Completion) (certdb.Status, *tls.Certificate)
	Cancel(h certdb.Handle)
	Release(h certdb.Handle)
}

// Fallback supplies a certificate for names the store does not know.
type Fallback interface {
	Cert(ctx context.Context, hostname string) (*tls.Certificate, error)
}

// Peer describes the negotiated session.
type Peer struct {
	ServerName string
	Protocol   string
	Version    uint16
	// client certificate, if one was presented
	SubjectCN string
	IssuerCN  string
}

type Filter struct {
	ctx        context.Context
	resolver   Resolver
	fallback   Fallback
	handle     certdb.Handle
	engine     *engine.Engine
	completion *certdb.Completion

	// loop only
	tf     *filter.ThreadSocketFilter
	closed bool

	// worker only
	closeNotify bool

	mu          sync.Mutex
	peer        Peer
	established bool
}

// New creates the TLS handler of one connection. config supplies protocol
// settings; certificates always come from resolver. fallback may be nil.
func New(ctx context.Context, config *tls.Config, resolver Resolver, fallback Fallback) *Filter {
	f := &Filter{
		ctx:      ctx,
		resolver: resolver,
		fallback: fallback,
		handle:   resolver.NewHandle(),
	}
	f.completion = certdb.NewCompletion(f.resume)
	f.engine = engine.NewServer(config, f.selectCert)
	return f
}

// resume runs on the loop when a suspended lookup finished.
func (f *Filter) resume() {
	if f.closed || f.tf == nil {
		return
	}
	ctxlog.Debugf(f.ctx, "certificate lookup finished, resuming handshake")
	f.tf.Schedule()
}

// Config clones base, defaulting to HTTP/1.1, and offers the ACME challenge
// protocol so challenge handshakes can negotiate it.
func Config(base *tls.Config) *tls.Config {
	var config *tls.Config
	if base == nil {
		config = &tls.Config{NextProtos: []string{"http/1.1"}}
	} else {
		config = base.Clone()
	}
	for _, proto := range config.NextProtos {
		if proto == kProtoACME {
			return config
		}
	}
	n := len(config.NextProtos)
	config.NextProtos = append(config.NextProtos[:n:n], kProtoACME)
	return config
}

func selectorOf(hello *tls.ClientHelloInfo) string {
	for _, proto := range hello.SupportedProtos {
		if proto == kProtoACME {
			return certdb.SelectorACME
		}
	}
	return ""
}

// selectCert runs inside the handshake, on the worker.
func (f *Filter) selectCert(hello *tls.ClientHelloInfo) (*tls.Certificate, bool, error) {
	name := certdb.NormalizeName(hello.ServerName)
	selector := selectorOf(hello)

	status, cert := f.resolver.Resolve(f.handle, name, selector, f.completion)
	switch status {
	case certdb.StatusComplete:
		return cert, false, nil
	case certdb.StatusInProgress:
		return nil, true, nil
	case certdb.StatusNotFound:
		if f.fallback != nil && selector == "" && name != "" {
			cert, err := f.fallback.Cert(f.ctx, name)
			return cert, false, errors.Wrap(err, "fallback certificate")
		}
		return nil, false, errors.Wrapf(certdb.ErrNotFound, "server name %q", name)
	default:
		return nil, false, errors.Errorf("certificate lookup for %q failed", name)
	}
}

func (f *Filter) recordPeer() {
	st := f.engine.State()
	peer := Peer{
		ServerName: st.ServerName,
		Protocol:   st.NegotiatedProtocol,
		Version:    st.Version,
	}
	if len(st.PeerCertificates) > 0 {
		leaf := st.PeerCertificates[0]
		peer.SubjectCN = leaf.Subject.CommonName
		peer.IssuerCN = leaf.Issuer.CommonName
	}

	f.mu.Lock()
	f.peer = peer
	f.established = true
	f.mu.Unlock()
}

// Peer is valid once Established reports true.
func (f *Filter) Peer() Peer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peer
}

func (f *Filter) Established() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.established
}

// filter.ThreadSocketFilterHandler

func (f *Filter) PreRun(tf *filter.ThreadSocketFilter) {
	f.tf = tf
}

func (f *Filter) Run(x *filter.Exchange) error {
	if x.RawEnded {
		f.engine.SetEOF()
	}

	if x.Handshaking {
		step, err := f.engine.Handshake(&x.EncryptedInput, &x.EncryptedOutput)
		switch step {
		case engine.StepDone:
			x.Handshaking = false
			f.recordPeer()
		case engine.StepFailed:
			return errors.Wrap(err, "tls handshake")
		default:
			// NeedData waits for the socket, Suspended for the completion
			x.Drained = f.engine.PendingOutput() == 0
			return nil
		}
	}

	if err := f.engine.Encrypt(&x.PlainOutput, &x.EncryptedOutput); err != nil {
		return errors.Wrap(err, "tls encrypt")
	}

	eof, err := f.engine.Decrypt(&x.EncryptedInput, &x.DecryptedInput)
	if err != nil {
		return errors.Wrap(err, "tls decrypt")
	}
	if eof {
		x.InputEOF = true
	} else {
		x.InputBlocked = f.engine.PendingPlain() > 0 || !x.EncryptedInput.IsEmpty()
	}

	if x.ShuttingDown && x.PlainOutput.IsEmpty() && !f.closeNotify {
		f.closeNotify = true
		if err := f.engine.Shutdown(&x.EncryptedOutput); err != nil {
			return errors.Wrap(err, "tls shutdown")
		}
	}
	f.engine.Flush(&x.EncryptedOutput)

	x.Drained = f.engine.PendingOutput() == 0 && (!x.ShuttingDown || f.closeNotify)
	x.Again = !x.PlainOutput.IsEmpty() && x.EncryptedOutput.Available() > 0
	return nil
}

func (f *Filter) PostRun(tf *filter.ThreadSocketFilter) {}

func (f *Filter) CancelRun(tf *filter.ThreadSocketFilter) {
	f.closed = true
	f.resolver.Cancel(f.handle)
}

func (f *Filter) Close() {
	f.closed = true
	f.resolver.Release(f.handle)
	f.engine.Close()
}
