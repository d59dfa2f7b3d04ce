// Package tokenstore keeps revoked JWT ids in memory so logout takes effect
// before token expiry. Entries are pruned once the token would have expired
// anyway. A multi-process deployment would need Redis or the DB instead.
package tokenstore

import (
	"sync"
	"time"
)

var (
	mu      sync.Mutex
	revoked = map[string]time.Time{} // jti -> token expiry
)

// Revoke marks a token id as revoked until its natural expiry.
func Revoke(jti string, expiresAt time.Time) {
	if jti == "" {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	revoked[jti] = expiresAt
	for id, exp := range revoked {
		if time.Now().After(exp) {
			delete(revoked, id)
		}
	}
}

// IsRevoked reports whether the token id has been revoked and is still
// within its original lifetime.
func IsRevoked(jti string) bool {
	if jti == "" {
		return false
	}
	mu.Lock()
	defer mu.Unlock()
	exp, ok := revoked[jti]
	if !ok {
		return false
	}
	if time.Now().After(exp) {
		delete(revoked, jti)
		return false
	}
	return true
}
