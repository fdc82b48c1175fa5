package certdb

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"sync"
	"testing"
	"time"

	"github.com/account-login/tlsterm/fallback"
	"github.com/stretchr/testify/require"
)

var (
	authOnce sync.Once
	auth     *fallback.Authority
)

func testAuthority(t *testing.T) *fallback.Authority {
	authOnce.Do(func() {
		var err error
		auth, err = fallback.Generate("certdb-test")
		require.NoError(t, err)
	})
	return auth
}

// record issues a certificate for names and stores its key under keys[wrap].
func record(t *testing.T, id int64, keys WrapKeys, wrap string, names ...string) (*Record, *tls.Certificate) {
	a := testAuthority(t)
	cert, err := a.Issue(names...)
	require.NoError(t, err)

	der, err := x509.MarshalPKCS8PrivateKey(a.PrivateKey())
	require.NoError(t, err)
	if wrap != "" {
		der, err = keys.Wrap(wrap, der)
		require.NoError(t, err)
	}

	return &Record{
		ID:       id,
		Names:    names,
		Chain:    cert.Certificate,
		Key:      der,
		KeyWrap:  wrap,
		Modified: time.Unix(1000+id, 0),
	}, cert
}

type memStore struct {
	mu     sync.Mutex
	recs   []*Record
	finds  map[string]int
	err    error
	gate   chan struct{}
	onFind func(name string)
}

func newMemStore(recs ...*Record) *memStore {
	return &memStore{recs: recs, finds: map[string]int{}}
}

func (s *memStore) Find(ctx context.Context, name, selector string) (*Record, error) {
	s.mu.Lock()
	s.finds[name]++
	gate, onFind, err := s.gate, s.onFind, s.err
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if onFind != nil {
		onFind(name)
	}
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.recs {
		for _, n := range r.Names {
			if n == name {
				return r, nil
			}
		}
	}
	return nil, ErrNotFound
}

func (s *memStore) Names(ctx context.Context, since time.Time) ([]NameRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []NameRecord
	for _, r := range s.recs {
		if !r.Modified.Before(since) {
			out = append(out, NameRecord{ID: r.ID, Names: r.Names, Modified: r.Modified})
		}
	}
	return out, nil
}

func (s *memStore) findCount(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finds[name]
}

func (s *memStore) totalFinds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, v := range s.finds {
		n += v
	}
	return n
}
