// Package config holds the one Config value cmd/mailcore builds from flags
// and passes down explicitly to every component that needs it, rather than
// each package reading its own package-level flag set — the redesign
// spec.md's Open Questions call for over the teacher's ad hoc per-binary
// flag globals (cmd/spilld/main.go declares its flags directly in main and
// threads individual values into spilldb.New; here one struct carries all
// of it so mime, transport, cryptomediation, and autocrypt stay decoupled
// from the command-line surface entirely).
package config

import (
	"time"

	"inkwell.dev/mime"
)

// Config carries every tunable a mailcore process needs to construct its
// collaborators: MIME parser limits, transport timeouts and TLS policy,
// on-disk store paths, and the external crypto binaries to shell out to.
type Config struct {
	// MIME carries mime.Parser's recursion/part-count limits and assumed
	// charset (§4.5).
	MIME mime.Limits

	// ConnectTimeout bounds transport.DialRaw/DialTunnel; ReadTimeout
	// bounds each subsequent Connection.Read/Poll wait.
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration

	// VerifyHost, VerifyDates, and VerifyPartial mirror mutt's
	// $ssl_verify_host, $ssl_verify_dates, and $ssl_verify_partial_chains
	// (transport.TLSConfig).
	VerifyHost    bool
	VerifyDates   bool
	VerifyPartial bool

	// TrustStorePath is the sqlite database backing transport.TrustStore.
	TrustStorePath string

	// AutocryptDBPath is the sqlite database backing autocrypt.Store.
	AutocryptDBPath string

	// PGPPath and SMIMEPath are the external binaries cryptomediation.Driver
	// invokes (mutt's $pgp_command family and $smime_* equivalents).
	PGPPath   string
	SMIMEPath string

	// LocalDomain supplies the right-hand side of a synthesized
	// Message-ID: (email.GenerateMessageID) when a message has none.
	LocalDomain string

	// PassphraseTimeout bounds how long cryptomediation.PassphraseCache
	// keeps a decrypted passphrase in memory; ExternalAgent disables the
	// timeout in favor of a configured gpg-agent.
	PassphraseTimeout time.Duration
	ExternalAgent     bool

	// LogDest and LogLevel configure internal/logging.New.
	LogDest  string
	LogLevel string

	// ErrorHistoryDepth bounds internal/errs.History.
	ErrorHistoryDepth int
}

// Default returns the Config used when a caller does not override anything
// from flags, mirroring mime.DefaultLimits's "generous enough for real
// mail, tight enough to stop an adversarial message" calibration.
func Default() Config {
	return Config{
		MIME:              mime.DefaultLimits(),
		ConnectTimeout:    30 * time.Second,
		ReadTimeout:       5 * time.Minute,
		VerifyHost:        true,
		VerifyDates:       true,
		VerifyPartial:     false,
		PGPPath:           "gpg",
		SMIMEPath:         "openssl",
		LocalDomain:       "localhost",
		PassphraseTimeout: 5 * time.Minute,
		LogDest:           "stderr",
		LogLevel:          "info",
		ErrorHistoryDepth: 200,
	}
}
