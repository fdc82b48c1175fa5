package certdb

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeys(t *testing.T) WrapKeys {
	keys, err := ParseWrapKeys(map[string]string{
		"k1": hex.EncodeToString(bytes.Repeat([]byte{1}, 32)),
		"k2": hex.EncodeToString(bytes.Repeat([]byte{2}, 32)),
	})
	require.NoError(t, err)
	return keys
}

func TestWrapUnwrap(t *testing.T) {
	keys := testKeys(t)

	sealed, err := keys.Wrap("k1", []byte("secret key"))
	require.NoError(t, err)
	plain, err := keys.Unwrap("k1", sealed)
	require.NoError(t, err)
	assert.Equal(t, "secret key", string(plain))

	// bound to the key and its name
	_, err = keys.Unwrap("k2", sealed)
	assert.Error(t, err)

	sealed[len(sealed)-1] ^= 1
	_, err = keys.Unwrap("k1", sealed)
	assert.Error(t, err)

	_, err = keys.Unwrap("k1", []byte("short"))
	assert.Error(t, err)

	_, err = keys.Unwrap("nope", sealed)
	assert.Equal(t, ErrUnknownWrapKey, errors.Cause(err))
}

func TestParseWrapKeys(t *testing.T) {
	_, err := ParseWrapKeys(map[string]string{"bad": "zz"})
	assert.Error(t, err)
	_, err = ParseWrapKeys(map[string]string{"short": "0102"})
	assert.Error(t, err)
}

func TestRecordCertificate(t *testing.T) {
	keys := testKeys(t)

	rec, issued := record(t, 7, keys, "k2", "wrapped.example", "alt.example")
	cert, err := rec.Certificate(keys)
	require.NoError(t, err)
	assert.Equal(t, issued.Certificate, cert.Certificate)
	require.NotNil(t, cert.Leaf)
	assert.Equal(t, []string{"wrapped.example", "alt.example"}, cert.Leaf.DNSNames)

	_, err = rec.Certificate(nil)
	assert.Equal(t, ErrUnknownWrapKey, errors.Cause(err))

	plainRec, _ := record(t, 8, nil, "", "plain.example")
	_, err = plainRec.Certificate(nil)
	assert.NoError(t, err)

	// a key that does not match the leaf
	other, _ := record(t, 9, nil, "", "other.example")
	other.Key = []byte("garbage")
	_, err = other.Certificate(nil)
	assert.Error(t, err)

	_, err = (&Record{ID: 10}).Certificate(nil)
	assert.Error(t, err)
}
