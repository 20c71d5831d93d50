// Package lease owns the server's record of connected clients: the
// lease table keyed by client id, the per-logger token sets attached to
// each lease, and the background sweeper that evicts dead leases.
package lease

import (
	"crypto/rand"
	"math/big"
)

// AnonymousID is the shared queue/sweeper identity for all leases that
// were not pre-provisioned. Anonymous clients share one queue processor,
// so pause/resume for them is keyed on this id rather than a real one.
const AnonymousID = "unknown"

const idAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Token is a short-lived authorization for one (lease, logger) pair.
// A zero Age never expires.
type Token struct {
	Data        string
	Age         int64
	DateCreated int64
}

// Valid reports whether the token is usable at the given unix time.
func (t Token) Valid(at int64) bool {
	return t.Age == 0 || at < t.DateCreated+t.Age
}

// Lease is the server's record of a caller: identity, session key
// material and expiry policy. Known means the id was pre-provisioned
// with a registered public key.
type Lease struct {
	ID           string
	Key          string // hex symmetric session key
	KeySize      int    // bytes
	BackupKey    string // previous key kept briefly after rotation
	PublicKeyPEM string
	Age          int64 // seconds of validity, 0 = never expires
	DateCreated  int64 // unix seconds, refreshed on handshake steps
	Acknowledged bool
	Known        bool

	tokens map[string][]Token
}

// Alive reports whether the lease has not expired at the given unix time.
func (l *Lease) Alive(at int64) bool {
	return l.Age == 0 || at < l.DateCreated+l.Age
}

// RandomID returns n random alphanumeric characters for anonymous
// client and session identities.
func RandomID(n int) (string, error) {
	out := make([]byte, n)
	max := big.NewInt(int64(len(idAlphabet)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = idAlphabet[idx.Int64()]
	}
	return string(out), nil
}

// RandomDigits returns n random decimal digits, the shape of issued
// token payloads.
func RandomDigits(n int) (string, error) {
	out := make([]byte, n)
	ten := big.NewInt(10)
	for i := range out {
		d, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		out[i] = byte('0' + d.Int64())
	}
	return string(out), nil
}
