// Copyright 2015 Google Inc. All rights reserved.
// Modified by xxx.
// From github.com/google/martian/mitm/mitm.go
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package fallback is a local certificate authority that signs a certificate
// for any hostname. It backs handshakes whose hostname has no certificate in
// the store.
package fallback

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/account-login/ctxlog"
	"github.com/pkg/errors"
	"golang.org/x/net/publicsuffix"
)

// MaxSerialNumber is the upper boundary that is used to create unique serial
// numbers for the certificate. This can be any unsigned integer up to 20
// bytes (2^(8*20)-1).
var MaxSerialNumber = big.NewInt(0).SetBytes(bytes.Repeat([]byte{255}, 20))

var ErrNoName = errors.New("fallback: no hostname")

type Authority struct {
	ca       *x509.Certificate
	capriv   *rsa.PrivateKey
	priv     *rsa.PrivateKey
	keyID    []byte
	validity time.Duration
	org      string
	roots    *x509.CertPool
	cacheDir string

	certmu sync.RWMutex
	certs  map[string]*tls.Certificate
}

func keyIDOf(priv *rsa.PrivateKey) ([]byte, error) {
	// Subject Key Identifier support for end entity certificate.
	// https://www.ietf.org/rfc/rfc3280.txt (section 4.2.1.2)
	pkixpub, err := x509.MarshalPKIXPublicKey(priv.Public())
	if err != nil {
		return nil, err
	}
	h := sha1.New()
	h.Write(pkixpub)
	return h.Sum(nil), nil
}

// NewCA creates a new CA certificate and associated private key.
func NewCA(name, organization string, validity time.Duration) (*x509.Certificate, *rsa.PrivateKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, err
	}
	keyID, err := keyIDOf(priv)
	if err != nil {
		return nil, nil, err
	}

	serial, err := rand.Int(rand.Reader, MaxSerialNumber)
	if err != nil {
		return nil, nil, err
	}

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   name,
			Organization: []string{organization},
		},
		SubjectKeyId:          keyID,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		NotBefore:             time.Now().Add(-validity),
		NotAfter:              time.Now().Add(validity),
		DNSNames:              []string{name},
		IsCA:                  true,
	}

	raw, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, priv.Public(), priv)
	if err != nil {
		return nil, nil, err
	}

	// Parse certificate bytes so that we have a leaf certificate.
	x509c, err := x509.ParseCertificate(raw)
	if err != nil {
		return nil, nil, err
	}

	return x509c, priv, nil
}

// New makes an authority signing with the CA key. Issued certificates share
// the CA key pair.
func New(ca *x509.Certificate, priv *rsa.PrivateKey) (*Authority, error) {
	roots := x509.NewCertPool()
	roots.AddCert(ca)

	keyID, err := keyIDOf(priv)
	if err != nil {
		return nil, err
	}

	return &Authority{
		ca:       ca,
		capriv:   priv,
		priv:     priv,
		keyID:    keyID,
		validity: 365 * 24 * time.Hour,
		org:      "tlsterm",
		roots:    roots,
		certs:    make(map[string]*tls.Certificate),
	}, nil
}

// Generate makes an authority with a fresh in-memory CA.
func Generate(name string) (*Authority, error) {
	ca, priv, err := NewCA(name, name, 20*365*24*time.Hour)
	if err != nil {
		return nil, err
	}
	return New(ca, priv)
}

// LoadOrCreate reads a PEM bundle holding the CA certificate and its RSA key,
// creating it first if the file does not exist.
func LoadOrCreate(caPath string) (*Authority, error) {
	if _, err := os.Stat(caPath); os.IsNotExist(err) {
		validity := 20 * 365 * 24 * time.Hour
		cert, privkey, err := NewCA("tlsterm", "tlsterm", validity)
		if err != nil {
			return nil, errors.Wrap(err, "create ca")
		}

		merged := append(EncodeCert(cert.Raw), EncodeKey(privkey)...)
		if err = os.WriteFile(caPath, merged, 0600); err != nil {
			return nil, errors.Wrap(err, "write ca")
		}
	}

	data, err := os.ReadFile(caPath)
	if err != nil {
		return nil, errors.Wrap(err, "read ca")
	}
	pemMap := map[string][]byte{}
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}

		pemMap[block.Type] = block.Bytes
	}

	cert, err := x509.ParseCertificate(pemMap["CERTIFICATE"])
	if err != nil {
		return nil, errors.Wrap(err, "parse ca cert")
	}
	privkey, err := x509.ParsePKCS1PrivateKey(pemMap["RSA PRIVATE KEY"])
	if err != nil {
		return nil, errors.Wrap(err, "parse ca key")
	}

	return New(cert, privkey)
}

func EncodeCert(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func EncodeKey(priv *rsa.PrivateKey) []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	})
}

// SetCacheDir enables the on-disk cache of issued leaves.
func (a *Authority) SetCacheDir(dir string) {
	a.cacheDir = dir
}

// SetValidity sets the validity window around the current time that the
// certificate is valid for.
func (a *Authority) SetValidity(validity time.Duration) {
	a.validity = validity
}

func (a *Authority) SetOrganization(org string) {
	a.org = org
}

func (a *Authority) CA() *x509.Certificate {
	return a.ca
}

// Roots is a pool trusting only this authority.
func (a *Authority) Roots() *x509.CertPool {
	return a.roots
}

func (a *Authority) PrivateKey() *rsa.PrivateKey {
	return a.priv
}

func hostWildBase(host string) string {
	tld, icann := publicsuffix.PublicSuffix(host)
	if !icann || len(tld) >= len(host) {
		return ""
	}

	headBody := host[0 : len(host)-len(tld)-1]
	if i := strings.IndexByte(headBody, '.'); i > 0 {
		return host[i+1:]
	}

	return ""
}

func (a *Authority) certFromCache(ctx context.Context, key string) (*tls.Certificate, error) {
	// memory
	a.certmu.RLock()
	tlsc := a.certs[key]
	a.certmu.RUnlock()
	if tlsc != nil {
		return tlsc, nil
	}

	// file
	if a.cacheDir == "" {
		return nil, errors.New("cache not enabled")
	}
	filePath := path.Join(a.cacheDir, key)

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(data)
	if block == nil {
		ctxlog.Errorf(ctx, "can not decode pem: %s", filePath)
		return nil, errors.New("can not decode pem")
	}

	x509c, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		ctxlog.Errorf(ctx, "parse cert: %v", err)
		return nil, err
	}

	tlsc = &tls.Certificate{
		Certificate: [][]byte{x509c.Raw, a.ca.Raw},
		PrivateKey:  a.priv,
		Leaf:        x509c,
	}

	ctxlog.Debugf(ctx, "fallback: hit from file: %s", filePath)
	a.certmu.Lock()
	a.certs[key] = tlsc
	a.certmu.Unlock()
	return tlsc, nil
}

func (a *Authority) certToCache(ctx context.Context, key string, tlsc *tls.Certificate) error {
	a.certmu.Lock()
	a.certs[key] = tlsc
	a.certmu.Unlock()

	if a.cacheDir == "" {
		return nil
	}
	filePath := path.Join(a.cacheDir, key)
	if err := os.WriteFile(filePath, EncodeCert(tlsc.Leaf.Raw), 0644); err != nil {
		ctxlog.Errorf(ctx, "write file %s: %v", filePath, err)
		return err
	}
	return nil
}

// Cert returns a certificate for hostname, collapsing names below a registered
// domain into one wildcard certificate.
func (a *Authority) Cert(ctx context.Context, hostname string) (*tls.Certificate, error) {
	// Remove the port if it exists.
	if host, _, err := net.SplitHostPort(hostname); err == nil {
		hostname = host
	}
	hostname = strings.TrimSuffix(strings.ToLower(hostname), ".")
	if hostname == "" {
		return nil, ErrNoName
	}

	subjectName := hostname
	key := hostname
	if wildBase := hostWildBase(hostname); wildBase != "" {
		subjectName = "*." + wildBase
		key = subjectName[1:]
	}

	tlsc, err := a.certFromCache(ctx, key)
	if err == nil {
		// an expired or mismatched cached leaf is reissued
		if _, err := tlsc.Leaf.Verify(x509.VerifyOptions{
			DNSName: hostname,
			Roots:   a.roots,
		}); err == nil {
			return tlsc, nil
		}

		ctxlog.Debugf(ctx, "fallback: invalid certificate in cache for %s", hostname)
	}

	ctxlog.Debugf(ctx, "fallback: cache miss for %s", hostname)
	if tlsc, err = a.Issue(subjectName); err != nil {
		return nil, err
	}
	_ = a.certToCache(ctx, key, tlsc)

	return tlsc, nil
}

// Issue signs a leaf for the given names. The first name is the subject
// common name; IP literals go into the IP SANs.
func (a *Authority) Issue(names ...string) (*tls.Certificate, error) {
	if len(names) == 0 {
		return nil, ErrNoName
	}

	serial, err := rand.Int(rand.Reader, MaxSerialNumber)
	if err != nil {
		return nil, err
	}

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   names[0],
			Organization: []string{a.org},
		},
		Issuer:                a.ca.Subject,
		SubjectKeyId:          a.keyID,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		NotBefore:             time.Now().Add(-a.validity),
		NotAfter:              time.Now().Add(a.validity),
	}

	for _, name := range names {
		if ip := net.ParseIP(name); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, name)
		}
	}

	raw, err := x509.CreateCertificate(rand.Reader, tmpl, a.ca, a.priv.Public(), a.capriv)
	if err != nil {
		return nil, errors.Wrap(err, "sign")
	}

	x509c, err := x509.ParseCertificate(raw)
	if err != nil {
		return nil, err
	}

	return &tls.Certificate{
		Certificate: [][]byte{raw, a.ca.Raw},
		PrivateKey:  a.priv,
		Leaf:        x509c,
	}, nil
}
