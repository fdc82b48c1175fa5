package certdb

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"time"

	"github.com/pkg/errors"
)

// Record is one stored certificate. Names holds the common name first, then
// the alternative names.
type Record struct {
	ID       int64
	Names    []string
	Chain    [][]byte // DER, leaf first
	Key      []byte   // DER private key, sealed when KeyWrap is set
	KeyWrap  string
	Modified time.Time
}

// NameRecord is a row of the name tail used by the existence mirror.
type NameRecord struct {
	ID       int64
	Names    []string
	Deleted  bool
	Modified time.Time
}

type Store interface {
	// Find returns ErrNotFound when no live certificate matches name exactly.
	Find(ctx context.Context, name, selector string) (*Record, error)
	// Names returns records modified at or after since, deleted ones included.
	// A zero since loads every live record.
	Names(ctx context.Context, since time.Time) ([]NameRecord, error)
}

// Certificate decodes the record, unwrapping the private key with keys.
func (r *Record) Certificate(keys WrapKeys) (*tls.Certificate, error) {
	if len(r.Chain) == 0 {
		return nil, errors.Errorf("certificate %d: empty chain", r.ID)
	}

	der := r.Key
	if r.KeyWrap != "" {
		var err error
		if der, err = keys.Unwrap(r.KeyWrap, r.Key); err != nil {
			return nil, errors.Wrapf(err, "certificate %d", r.ID)
		}
	}

	var certPEM []byte
	for _, c := range r.Chain {
		certPEM = append(certPEM, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c})...)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, errors.Wrapf(err, "certificate %d", r.ID)
	}
	if cert.Leaf == nil {
		if cert.Leaf, err = x509.ParseCertificate(cert.Certificate[0]); err != nil {
			return nil, errors.Wrapf(err, "certificate %d", r.ID)
		}
	}
	return &cert, nil
}
