package certdb

import (
	"strings"

	"github.com/pkg/errors"
)

// Status is the resolution state of one handshake. Complete, NotFound and
// Error are terminal.
type Status int

const (
	StatusNone Status = iota
	StatusInProgress
	StatusComplete
	StatusNotFound
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusInProgress:
		return "in-progress"
	case StatusComplete:
		return "complete"
	case StatusNotFound:
		return "not-found"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusNotFound || s == StatusError
}

// Handle identifies one handshake to the cache.
type Handle uint64

var ErrNotFound = errors.New("certdb: certificate not found")

// SelectorACME picks TLS-ALPN-01 challenge certificates.
const SelectorACME = "acme-alpn-tls-01"

// NormalizeName lowercases and drops a trailing dot.
func NormalizeName(name string) string {
	return strings.TrimSuffix(strings.ToLower(name), ".")
}

// WildcardOf replaces the first label with "*". Single-label names and
// wildcards have none.
func WildcardOf(host string) string {
	i := strings.IndexByte(host, '.')
	if i <= 0 || i == len(host)-1 || strings.HasPrefix(host, "*.") {
		return ""
	}
	return "*." + host[i+1:]
}
