package certdb

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
)

var ErrUnknownWrapKey = errors.New("certdb: unknown wrap key")

// WrapKeys maps a wrap key name to a 32-byte XChaCha20-Poly1305 key. Sealed
// data is nonce || ciphertext, authenticated with the key name.
type WrapKeys map[string][]byte

// ParseWrapKeys decodes hex-encoded keys.
func ParseWrapKeys(m map[string]string) (WrapKeys, error) {
	keys := WrapKeys{}
	for name, s := range m {
		key, err := hex.DecodeString(s)
		if err != nil {
			return nil, errors.Wrapf(err, "wrap key %q", name)
		}
		if len(key) != chacha20poly1305.KeySize {
			return nil, errors.Errorf("wrap key %q: want %d bytes, got %d",
				name, chacha20poly1305.KeySize, len(key))
		}
		keys[name] = key
	}
	return keys, nil
}

func (k WrapKeys) Wrap(name string, plain []byte) ([]byte, error) {
	key, ok := k[name]
	if !ok {
		return nil, errors.Wrap(ErrUnknownWrapKey, name)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plain, []byte(name)), nil
}

func (k WrapKeys) Unwrap(name string, sealed []byte) ([]byte, error) {
	key, ok := k[name]
	if !ok {
		return nil, errors.Wrap(ErrUnknownWrapKey, name)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.New("certdb: sealed key too short")
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ct, []byte(name))
	if err != nil {
		return nil, errors.Wrap(err, "unwrap key")
	}
	return plain, nil
}
