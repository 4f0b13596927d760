package transport

import (
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"strings"
	"sync"
	"time"

	"crawshaw.io/sqlite/sqlitex"
	"github.com/rs/xid"
)

// TrustStore is the on-disk replacement for mutt's SslCertFile, plus an
// in-memory SslSessionCerts equivalent for "accept once" decisions:
// interactive_check_cert only appends to SslCertFile on "accept always"
// but calls ssl_cache_trusted_cert (an in-process-only X509 stack) for
// both "once" and "always". Here, an "accept once" decision is kept in
// sessions rather than written to the durable table, so it never
// outlives the process, and is tagged with a session token so a log
// line can refer to the specific decision that let a handshake through.
type TrustStore struct {
	dbpool *sqlitex.Pool

	mu       sync.Mutex
	sessions map[string]string // cert digest -> session token, "accept once" only
}

// NewTrustStore opens (creating if needed) the TrustCert table in dbpool.
func NewTrustStore(dbpool *sqlitex.Pool) (*TrustStore, error) {
	conn := dbpool.Get(nil)
	defer dbpool.Put(conn)

	err := sqlitex.ExecTransient(conn, `CREATE TABLE IF NOT EXISTS TrustCert (
		Digest      TEXT PRIMARY KEY, -- hex sha256 of the DER cert
		Hostname    TEXT NOT NULL,    -- "" unless stored under a #H override
		PEM         TEXT NOT NULL,
		AcceptedAt  INTEGER NOT NULL, -- seconds since epoch
		AlwaysTrust INTEGER NOT NULL  -- 1 if accepted via "accept always"
	);`, nil)
	if err != nil {
		return nil, err
	}
	return &TrustStore{dbpool: dbpool, sessions: make(map[string]string)}, nil
}

func digestHex(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return fmt.Sprintf("%x", sum)
}

// Fingerprints returns the SHA1 and SHA256 hex digests of cert, the pair
// interactive_check_cert prints to let a user visually verify a
// certificate before accepting it.
func Fingerprints(cert *x509.Certificate) (sha1hex, sha256hex string) {
	s1 := sha1.Sum(cert.Raw)
	s256 := sha256.Sum256(cert.Raw)
	return fmt.Sprintf("%x", s1), fmt.Sprintf("%x", s256)
}

// IsTrusted reports whether cert (optionally scoped to a hostname override,
// matching mutt's "#H host fpr" trust-cache syntax) was previously accepted
// and, if AlwaysTrust is required, that it was accepted with "accept
// always" rather than a one-time "accept once".
func (ts *TrustStore) IsTrusted(ctx context.Context, cert *x509.Certificate, hostnameOverride string, requireAlways bool) (bool, error) {
	if !requireAlways {
		ts.mu.Lock()
		_, ok := ts.sessions[digestHex(cert)]
		ts.mu.Unlock()
		if ok {
			return true, nil
		}
	}

	conn := ts.dbpool.Get(ctx)
	if conn == nil {
		return false, context.Canceled
	}
	defer ts.dbpool.Put(conn)

	stmt := conn.Prep(`SELECT AlwaysTrust FROM TrustCert WHERE Digest = $digest AND Hostname = $hostname;`)
	stmt.SetText("$digest", digestHex(cert))
	stmt.SetText("$hostname", hostnameOverride)
	found, err := stmt.Step()
	if err != nil {
		return false, err
	}
	if !found {
		stmt.Reset()
		return false, nil
	}
	always := stmt.GetInt64("AlwaysTrust") != 0
	stmt.Reset()
	if requireAlways && !always {
		return false, nil
	}
	return true, nil
}

// Accept records cert as trusted, optionally scoped to hostnameOverride
// ("" to apply to any hostname this digest is seen under — the common
// case). always distinguishes a permanent "accept always" decision,
// written to the durable TrustCert table, from a session-scoped "accept
// once" decision, which only ever lives in an in-memory session-token
// cache and is gone the moment the process exits. Accept returns the
// session token for a "once" decision, "" for an "always" one.
func (ts *TrustStore) Accept(ctx context.Context, cert *x509.Certificate, hostnameOverride string, always bool) (err error) {
	if !always {
		token := xid.New().String()
		ts.mu.Lock()
		ts.sessions[digestHex(cert)] = token
		ts.mu.Unlock()
		return nil
	}

	conn := ts.dbpool.Get(ctx)
	if conn == nil {
		return context.Canceled
	}
	defer ts.dbpool.Put(conn)
	defer sqlitex.Save(conn)(&err)

	var buf strings.Builder
	pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})

	stmt := conn.Prep(`INSERT INTO TrustCert (Digest, Hostname, PEM, AcceptedAt, AlwaysTrust)
		VALUES ($digest, $hostname, $pem, $acceptedAt, 1)
		ON CONFLICT(Digest) DO UPDATE SET Hostname=excluded.Hostname, AlwaysTrust=excluded.AlwaysTrust;`)
	stmt.SetText("$digest", digestHex(cert))
	stmt.SetText("$hostname", hostnameOverride)
	stmt.SetText("$pem", buf.String())
	stmt.SetInt64("$acceptedAt", time.Now().Unix())
	_, err = stmt.Step()
	return err
}

// SessionToken reports the token an earlier "accept once" Accept call
// minted for cert, if any, for a caller that wants to log or display
// which in-session decision let a handshake through.
func (ts *TrustStore) SessionToken(cert *x509.Certificate) (string, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	token, ok := ts.sessions[digestHex(cert)]
	return token, ok
}
