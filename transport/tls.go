package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/net/idna"
)

// Decision is a user's (or a batch-mode default's) answer to a certificate
// prompt, mirroring the (r)eject/(o)nce/(a)lways/(s)kip choices
// interactive_check_cert offers.
type Decision int

const (
	Reject Decision = iota
	AcceptOnce
	AcceptAlways
	Skip // only offered for a non-leaf entry, with ssl_verify_partial enabled
)

// CertPrompt is asked to confirm a certificate the automatic checks could
// not verify. chainPos counts down from len(chain)-1 (the root) to 0 (the
// leaf), matching the "certificate %d of %d" numbering in
// interactive_check_cert. allowSkip is only true for non-leaf entries when
// partial-chain verification is enabled; allowAlways is false whenever
// storing the decision permanently would have no effect (a hostname
// mismatch, say).
type CertPrompt interface {
	Confirm(ctx context.Context, cert *x509.Certificate, chainPos, chainLen int, allowAlways, allowSkip bool) Decision
}

// BatchReject is the Non-Curses default: it cannot prompt, so it always
// rejects, matching interactive_check_cert's OPTNOCURSES branch.
type BatchReject struct{}

func (BatchReject) Confirm(context.Context, *x509.Certificate, int, int, bool, bool) Decision {
	return Reject
}

// TLSConfig holds the knobs mutt exposes as $ssl_verify_host,
// $ssl_verify_dates, $ssl_verify_partial_chains, and the on-disk
// certificate file, plus the interactive prompt dependency.
type TLSConfig struct {
	Trust          *TrustStore
	Prompt         CertPrompt // nil is equivalent to BatchReject{}
	VerifyHost     bool
	VerifyDates    bool
	VerifyPartial  bool // allow skipping a non-leaf chain entry interactively
	HostnameOverride string // "" unless a #H trust-cache line pins a different name
}

// Engine drives the certificate acceptance decision for one TLS
// connection: on-disk trust cache, then Go's own root-store chain
// verification, then (if both fail) an interactive prompt, tracking
// "skip mode" across the remainder of the chain the way
// ssl_verify_callback's skip_mode flag does.
type Engine struct {
	cfg TLSConfig
}

func NewEngine(cfg TLSConfig) *Engine {
	if cfg.Prompt == nil {
		cfg.Prompt = BatchReject{}
	}
	return &Engine{cfg: cfg}
}

// hostnameMatch ports hostname_match: certname may carry a single leading
// "*." wildcard label, matched against hostname's first label only — no
// matching inside a label, no multi-level wildcards.
func hostnameMatch(hostname, certname string) bool {
	cmp1, cmp2 := certname, hostname
	if strings.HasPrefix(certname, "*.") {
		cmp1 = certname[2:]
		i := strings.IndexByte(hostname, '.')
		if i < 0 {
			return false
		}
		cmp2 = hostname[i+1:]
	}
	if cmp1 == "" || cmp2 == "" {
		return false
	}
	return strings.EqualFold(cmp1, cmp2)
}

// checkHost ports check_host: try every SAN DNS name first, fall back to
// the certificate's CommonName only if no SAN matched (the CN fallback is
// itself only for compatibility with the many still-deployed certs that
// predate subjectAltName).
func checkHost(cert *x509.Certificate, hostname string) (bool, string) {
	asciiHost, err := idna.ToASCII(hostname)
	if err != nil {
		asciiHost = hostname
	}

	for _, san := range cert.DNSNames {
		if hostnameMatch(asciiHost, san) {
			return true, ""
		}
	}
	if cert.Subject.CommonName != "" && hostnameMatch(asciiHost, cert.Subject.CommonName) {
		return true, ""
	}
	return false, fmt.Sprintf("certificate owner does not match hostname %s", hostname)
}

// checkExpiration ports check_certificate_expiration.
func checkExpiration(cert *x509.Certificate) bool {
	now := time.Now()
	return now.After(cert.NotBefore) && now.Before(cert.NotAfter)
}

// verifyChain walks certs from the leaf (index 0) to the root, matching
// the direction Go's tls.ConnectionState reports them in (the reverse of
// OpenSSL's store-ctx callback order, which runs root-to-leaf). hostname
// is checked only against the leaf, exactly as ssl_verify_callback guards
// its check_host call with "pos == 0".
func (e *Engine) verifyChain(ctx context.Context, certs []*x509.Certificate, hostname string) error {
	if len(certs) == 0 {
		return fmt.Errorf("transport: empty certificate chain")
	}

	if e.cfg.VerifyHost {
		if ok, reason := checkHost(certs[0], hostname); !ok {
			// A hostname mismatch cannot be fixed by "accept always", so
			// interactive_check_cert disallows it for this prompt.
			d := e.cfg.Prompt.Confirm(ctx, certs[0], len(certs)-1, len(certs), false, false)
			if d == Reject || d == Skip {
				return fmt.Errorf("transport: %s", reason)
			}
		}
	}

	roots, err := x509.SystemCertPool()
	if err != nil || roots == nil {
		roots = x509.NewCertPool()
	}
	intermediates := x509.NewCertPool()
	for _, c := range certs[1:] {
		intermediates.AddCert(c)
	}

	skipMode := false
	for pos := len(certs) - 1; pos >= 0; pos-- {
		cert := certs[pos]

		trusted, terr := e.cfg.Trust.isTrustedOrNil(ctx, cert, e.cfg.HostnameOverride, false)
		if terr == nil && trusted {
			skipMode = false
			continue
		}

		_, chainErr := cert.Verify(x509.VerifyOptions{
			Roots:         roots,
			Intermediates: intermediates,
			CurrentTime:   time.Now(),
		})
		datesOK := !e.cfg.VerifyDates || checkExpiration(cert)
		if chainErr == nil && datesOK && !skipMode {
			continue
		}

		allowSkip := e.cfg.VerifyPartial && pos != 0
		allowAlways := e.cfg.Trust != nil && checkExpiration(cert)
		d := e.cfg.Prompt.Confirm(ctx, cert, pos, len(certs), allowAlways, allowSkip)
		switch d {
		case Reject:
			return fmt.Errorf("transport: certificate %d of %d rejected: %v", len(certs)-pos, len(certs), chainErr)
		case Skip:
			skipMode = true
		case AcceptOnce:
			skipMode = false
			if e.cfg.Trust != nil {
				if err := e.cfg.Trust.Accept(ctx, cert, e.cfg.HostnameOverride, false); err != nil {
					return err
				}
			}
		case AcceptAlways:
			skipMode = false
			if e.cfg.Trust != nil {
				if err := e.cfg.Trust.Accept(ctx, cert, e.cfg.HostnameOverride, true); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (ts *TrustStore) isTrustedOrNil(ctx context.Context, cert *x509.Certificate, hostnameOverride string, requireAlways bool) (bool, error) {
	if ts == nil {
		return false, nil
	}
	return ts.IsTrusted(ctx, cert, hostnameOverride, requireAlways)
}

// tlsBackend wraps a *tls.Conn as a Connection backend; the handshake and
// all acceptance logic happen in StartTLS/DialTLS before this is
// constructed.
type tlsBackend struct {
	conn *tls.Conn

	pending    byte
	hasPending bool
}

func (b *tlsBackend) open(ctx context.Context) error { return nil } // already connected
func (b *tlsBackend) close() error                    { return b.conn.Close() }

func (b *tlsBackend) read(buf []byte) (int, error) {
	if b.hasPending {
		if len(buf) == 0 {
			return 0, nil
		}
		buf[0] = b.pending
		b.hasPending = false
		return 1, nil
	}
	return b.conn.Read(buf)
}

func (b *tlsBackend) write(buf []byte) (int, error) { return b.conn.Write(buf) }

func (b *tlsBackend) poll(wait time.Duration) int {
	if b.hasPending {
		return 1
	}
	if err := b.conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
		return -1
	}
	defer b.conn.SetReadDeadline(time.Time{})
	var one [1]byte
	n, err := b.conn.Read(one[:])
	if n > 0 {
		b.pending, b.hasPending = one[0], true
		return 1
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return 0
	}
	return -1
}

func (b *tlsBackend) rawTCPConn() *net.TCPConn { return nil }

// DialTLS opens a raw TCP connection to account and immediately performs a
// TLS handshake over it (the "implicit TLS" / IMAPS-style path, as opposed
// to StartTLS's upgrade-in-place path).
func DialTLS(ctx context.Context, account Account, e *Engine, metrics *Metrics) (*Connection, error) {
	start := time.Now()
	raw := &rawBackend{account: account}
	if err := raw.open(ctx); err != nil {
		return nil, err
	}

	tconn, err := handshake(ctx, raw.conn, account.Host, e)
	if err != nil {
		raw.close()
		return nil, err
	}
	c := wrap(account, &tlsBackend{conn: tconn}, metrics)
	c.observeConnect("tls", true, time.Since(start))
	return c, nil
}

// StartTLS upgrades an already-open plaintext Connection in place, the
// STARTTLS path every stream protocol (IMAP, SMTP, POP3) uses after its
// plaintext greeting. It refuses to upgrade if the connection still has
// buffered plaintext waiting to be read — command injection risk, per
// mutt_socket_has_buffered_input's doc comment — and replaces the
// Connection's backend with the TLS-wrapped one on success.
func StartTLS(ctx context.Context, c *Connection, e *Engine) error {
	if c.HasBufferedInput() {
		return fmt.Errorf("transport: refusing STARTTLS with unread buffered plaintext")
	}
	raw, ok := c.be.(*rawBackend)
	if !ok {
		return fmt.Errorf("transport: StartTLS requires a raw TCP connection")
	}

	tconn, err := handshake(ctx, raw.conn, c.Account.Host, e)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.be = &tlsBackend{conn: tconn}
	c.mu.Unlock()
	return nil
}

func handshake(ctx context.Context, rawConn net.Conn, hostname string, e *Engine) (*tls.Conn, error) {
	cfg := &tls.Config{
		ServerName:         hostname,
		InsecureSkipVerify: true, // verification is done ourselves, in VerifyConnection
	}
	cfg.VerifyConnection = func(cs tls.ConnectionState) error {
		return e.verifyChain(ctx, cs.PeerCertificates, hostname)
	}

	tconn := tls.Client(rawConn, cfg)
	if err := tconn.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return tconn, nil
}
