package fallback

import (
	"context"
	"crypto/x509"
	"os"
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHostWildBase(t *testing.T) {
	assert.Equal(t, "foo.com", hostWildBase("a.foo.com"))
	assert.Equal(t, "a.foo.com", hostWildBase("x.a.foo.com"))
	assert.Equal(t, "", hostWildBase("foo.com"))
	assert.Equal(t, "", hostWildBase("com"))
	assert.Equal(t, "", hostWildBase("a.b.internal-unlisted"))
}

func TestCertWildcardCollapse(t *testing.T) {
	ctx := context.Background()
	a, err := Generate("test-ca")
	require.NoError(t, err)

	c1, err := a.Cert(ctx, "a.foo.com")
	require.NoError(t, err)
	c2, err := a.Cert(ctx, "b.foo.com:443")
	require.NoError(t, err)
	assert.Same(t, c1, c2)
	assert.Equal(t, "*.foo.com", c1.Leaf.Subject.CommonName)

	apex, err := a.Cert(ctx, "foo.com")
	require.NoError(t, err)
	assert.Equal(t, "foo.com", apex.Leaf.Subject.CommonName)

	_, err = apex.Leaf.Verify(x509.VerifyOptions{DNSName: "foo.com", Roots: a.Roots()})
	assert.NoError(t, err)

	_, err = a.Cert(ctx, "")
	assert.Equal(t, ErrNoName, err)
}

func TestIssueSANs(t *testing.T) {
	a, err := Generate("test-ca")
	require.NoError(t, err)

	c, err := a.Issue("x.example", "*.y.example", "127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "x.example", c.Leaf.Subject.CommonName)
	assert.Equal(t, []string{"x.example", "*.y.example"}, c.Leaf.DNSNames)
	require.Len(t, c.Leaf.IPAddresses, 1)
	assert.Equal(t, "test-ca", c.Leaf.Issuer.CommonName)
	assert.Len(t, c.Certificate, 2)

	for _, name := range []string{"x.example", "z.y.example"} {
		_, err = c.Leaf.Verify(x509.VerifyOptions{DNSName: name, Roots: a.Roots()})
		assert.NoError(t, err, name)
	}
}

func TestLoadOrCreate(t *testing.T) {
	caPath := path.Join(t.TempDir(), "ca.pem")

	a1, err := LoadOrCreate(caPath)
	require.NoError(t, err)
	_, err = os.Stat(caPath)
	require.NoError(t, err)

	a2, err := LoadOrCreate(caPath)
	require.NoError(t, err)
	assert.Equal(t, a1.CA().Raw, a2.CA().Raw)
}

func TestFileCache(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	caPath := path.Join(dir, "ca.pem")

	a1, err := LoadOrCreate(caPath)
	require.NoError(t, err)
	a1.SetCacheDir(dir)
	c1, err := a1.Cert(ctx, "www.bar.org")
	require.NoError(t, err)

	_, err = os.Stat(path.Join(dir, ".bar.org"))
	require.NoError(t, err)

	a2, err := LoadOrCreate(caPath)
	require.NoError(t, err)
	a2.SetCacheDir(dir)
	c2, err := a2.Cert(ctx, "mail.bar.org")
	require.NoError(t, err)
	assert.Equal(t, c1.Leaf.Raw, c2.Leaf.Raw)
}
