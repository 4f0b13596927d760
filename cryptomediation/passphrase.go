package cryptomediation

import (
	"sync"
	"time"
)

// PassphraseCache holds a single symmetric secret in memory for Timeout
// past the moment it was Set, the way mutt caches a PGP/SMIME passphrase
// across repeated operations in one session rather than prompting every
// time. ExternalAgent true (a gpg-agent or equivalent is configured)
// disables expiry altogether: the agent, not this cache, owns the
// passphrase lifecycle.
type PassphraseCache struct {
	Timeout       time.Duration
	ExternalAgent bool

	mu     sync.Mutex
	secret []byte
	expiry time.Time
}

// Valid reports whether the cache currently holds a usable secret.
func (c *PassphraseCache) Valid() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ExternalAgent {
		return true
	}
	return c.secret != nil && time.Now().Before(c.expiry)
}

// Get returns the cached secret and whether it is still valid. The
// returned slice must not be retained past the caller's immediate use —
// Forget zeroes the backing array in place.
func (c *PassphraseCache) Get() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.secret == nil {
		return nil, false
	}
	if !c.ExternalAgent && time.Now().After(c.expiry) {
		return nil, false
	}
	return c.secret, true
}

// Set stores secret, copying it so the caller's buffer can be reused or
// zeroed independently, and resets expiry to now+Timeout.
func (c *PassphraseCache) Set(secret []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.secret = append([]byte(nil), secret...)
	c.expiry = time.Now().Add(c.Timeout)
}

// Forget zeroes the cached secret before releasing it and clears expiry,
// so a failed decryption (the caller's signal that the cached passphrase
// was wrong) cannot leave the secret recoverable in a later heap scan or
// core dump.
func (c *PassphraseCache) Forget() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.secret {
		c.secret[i] = 0
	}
	c.secret = nil
	c.expiry = time.Time{}
}
