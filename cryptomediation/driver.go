// Package cryptomediation mediates OpenPGP and S/MIME operations by
// shelling out to external gpg/gpgsm-style binaries, the way mutt never
// links against a crypto library directly: sign, encrypt, decrypt, and
// verify are all built on top of one subprocess-invocation primitive that
// pipes the message body in, captures stdout and a dedicated GnuPG
// status-fd stream, and waits for the child.
package cryptomediation

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"time"

	"crawshaw.io/iox"
	"github.com/asaskevich/EventBus"
	"github.com/prometheus/client_golang/prometheus"

	"inkwell.dev/util/throttle"
)

// Progress events published on Bus, one per subprocess invocation stage;
// an interactive front-end subscribes to surface "Invoking PGP..." type
// status without this package depending on any UI.
const (
	EventInvokeStart = "cryptomediation:invoke:start"
	EventInvokeDone  = "cryptomediation:invoke:done"
)

// Metrics are the Prometheus collectors for subprocess outcomes.
type Metrics struct {
	Invocations *prometheus.CounterVec // labels: tool, operation, outcome
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailcore_crypto_invocations_total",
			Help: "External PGP/SMIME subprocess invocations by tool, operation, and outcome.",
		}, []string{"tool", "operation", "outcome"}),
	}
	reg.MustRegister(m.Invocations)
	return m
}

// Config is the subset of mutt's pgp_*/smime_* command-template options
// this driver needs: paths to the binaries and the regexes that classify
// a signature as good when the status-fd check is unavailable or
// disabled.
type Config struct {
	PGPPath   string
	SMIMEPath string

	// GoodSignRegexp, when non-nil, replaces the status-fd based
	// verification result with a scan of the subprocess's combined
	// output for a matching line (mutt's $pgp_good_sign fallback).
	GoodSignRegexp *regexp.Regexp

	// CheckGPGDecryptStatusFD mirrors $pgp_check_gpg_decrypt_status_fd:
	// false falls back to a plain exit-code check for decryption.
	CheckGPGDecryptStatusFD bool
}

// Driver runs PGP/SMIME subprocesses on behalf of the mime package.
type Driver struct {
	Config
	Filer      *iox.Filer
	Passphrase *PassphraseCache
	Bus        EventBus.Bus
	Metrics    *Metrics
	Logf       func(format string, v ...interface{})

	// Throttle slows repeated failed decryption attempts keyed by
	// keyid, the same brute-force-attempt backoff spilldb/db/auth.go
	// applies to repeated failed IMAP/SMTP logins, applied here to a
	// repeatedly-wrong cached or prompted passphrase.
	Throttle throttle.Throttle
}

func (d *Driver) logf(format string, v ...interface{}) {
	if d.Logf != nil {
		d.Logf(format, v...)
	}
}

func (d *Driver) publish(topic string, args ...interface{}) {
	if d.Bus != nil {
		d.Bus.Publish(topic, args...)
	}
}

// SignResult is the armored detached signature plus the micalg value a
// multipart/signed wrapper needs.
type SignResult struct {
	Signature []byte
	Micalg    string
}

// EncryptResult is the control and payload parts of a multipart/encrypted
// tree (§4.9's "application/pgp-encrypted control part" and
// "application/octet-stream payload part").
type EncryptResult struct {
	Control *iox.BufferFile
	Payload *iox.BufferFile
}

// DecryptResult is the clear MIME stream recovered from an encrypted
// part, plus the status-fd verdict that gated whether it is trusted.
type DecryptResult struct {
	Cleartext *iox.BufferFile
	Outcome   DecryptionOutcome
}

// VerifyResult reports whether a detached signature validated.
type VerifyResult struct {
	Good   bool
	Detail string
}

// Protocol selects which external binary and calling convention
// Sign/Encrypt/Decrypt/Verify speak: OpenPGP via PGPPath (gpg's
// --status-fd/--batch family) or S/MIME via SMIMEPath (openssl smime's
// PKCS#7/CMS subcommands).
type Protocol string

const (
	ProtocolPGP   Protocol = "pgp"
	ProtocolSMIME Protocol = "smime"
)

// needPassphrase resolves the cached passphrase, or returns (nil, false)
// if the driver has nothing to send and must rely on the subprocess's own
// agent/pinentry.
func (d *Driver) needPassphrase() ([]byte, bool) {
	if d.Passphrase == nil {
		return nil, false
	}
	return d.Passphrase.Get()
}

// invoke is the single subprocess-invocation primitive every operation in
// this file is built on: it runs path with args, feeds body on stdin
// (preceded by the cached passphrase and a newline, if one is set — no
// secret ever appears on the command line, matching §4.9's subprocess
// discipline), and captures stdout plus a status-fd stream opened as fd 3,
// exactly as pgp_invoke_decode and its siblings pass an extra status
// descriptor to gpg's --status-fd.
func (d *Driver) invoke(ctx context.Context, path, operation string, args []string, body io.Reader) (stdout, status *iox.BufferFile, err error) {
	statusR, statusW, err := os.Pipe()
	if err != nil {
		return nil, nil, err
	}

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.ExtraFiles = []*os.File{statusW}

	if pass, ok := d.needPassphrase(); ok {
		cmd.Stdin = io.MultiReader(bytes.NewReader(pass), bytes.NewReader([]byte("\n")), body)
	} else {
		cmd.Stdin = body
	}

	stdout = d.Filer.BufferFile(0)
	cmd.Stdout = stdout
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	d.publish(EventInvokeStart, path, operation)
	start := time.Now()

	if err := cmd.Start(); err != nil {
		statusW.Close()
		statusR.Close()
		d.observe(path, operation, "spawn_error")
		return nil, nil, fmt.Errorf("cryptomediation: starting %s: %w", path, err)
	}
	statusW.Close() // the child's copy keeps fd 3 open; ours must close for EOF to reach statusR

	status = d.Filer.BufferFile(0)
	statusDone := make(chan error, 1)
	go func() {
		_, copyErr := io.Copy(status, statusR)
		statusR.Close()
		statusDone <- copyErr
	}()

	waitErr := cmd.Wait()
	<-statusDone

	d.logf("cryptomediation: %s %s took %s", path, operation, time.Since(start))

	if waitErr != nil {
		d.observe(path, operation, "exit_error")
		return stdout, status, fmt.Errorf("cryptomediation: %s %s: %w: %s", path, operation, waitErr, stderr.String())
	}
	d.observe(path, operation, "success")
	d.publish(EventInvokeDone, path, operation)
	return stdout, status, nil
}

func (d *Driver) observe(tool, operation, outcome string) {
	if d.Metrics == nil {
		return
	}
	d.Metrics.Invocations.WithLabelValues(tool, operation, outcome).Inc()
}

// Sign pipes body (already converted to 7-bit per §4.9) through the
// signer and returns the detached signature. The caller (the mime
// package) is responsible for assembling the multipart/signed wrapper
// with Micalg and "protocol". For protocol == ProtocolSMIME, keyid
// names the signer's cert+key PEM bundle and the signature comes back
// as PKCS#7 in PEM form rather than an ASCII-armored OpenPGP blob.
func (d *Driver) Sign(ctx context.Context, protocol Protocol, body io.Reader, keyid string) (*SignResult, error) {
	if protocol == ProtocolSMIME {
		args := []string{"smime", "-sign", "-signer", keyid, "-inkey", keyid, "-outform", "PEM"}
		stdout, _, err := d.invoke(ctx, d.SMIMEPath, "sign", args, body)
		if err != nil {
			return nil, err
		}
		sig, err := readAll(stdout)
		if err != nil {
			return nil, err
		}
		return &SignResult{Signature: sig, Micalg: "sha-256"}, nil
	}

	args := []string{"--batch", "--status-fd=3", "--armor", "--detach-sign", "--local-user", keyid}
	stdout, _, err := d.invoke(ctx, d.PGPPath, "sign", args, body)
	if err != nil {
		return nil, err
	}
	sig, err := readAll(stdout)
	if err != nil {
		return nil, err
	}
	return &SignResult{Signature: sig, Micalg: "pgp-sha256"}, nil
}

// Encrypt pipes body through the encryptor and builds the two parts a
// multipart/encrypted (PGP) or application/pkcs7-mime (S/MIME) tree
// needs. For protocol == ProtocolSMIME, recipients names cert PEM files
// (openssl smime -encrypt takes certificate paths, not key IDs) and
// signAs is unused — S/MIME sign-then-encrypt is two Driver calls, not
// one combined invocation, unlike gpg's --sign --encrypt.
func (d *Driver) Encrypt(ctx context.Context, protocol Protocol, body io.Reader, recipients []string, signAs string) (*EncryptResult, error) {
	if protocol == ProtocolSMIME {
		args := []string{"smime", "-encrypt", "-aes256", "-outform", "PEM"}
		args = append(args, recipients...)
		stdout, _, err := d.invoke(ctx, d.SMIMEPath, "encrypt", args, body)
		if err != nil {
			return nil, err
		}
		control := d.Filer.BufferFile(0)
		if _, err := control.Write([]byte("Content-Type: application/pkcs7-mime; smime-type=enveloped-data\n")); err != nil {
			return nil, err
		}
		return &EncryptResult{Control: control, Payload: stdout}, nil
	}

	args := []string{"--batch", "--status-fd=3", "--armor", "--encrypt"}
	for _, r := range recipients {
		args = append(args, "--recipient", r)
	}
	if signAs != "" {
		args = append(args, "--sign", "--local-user", signAs)
	}
	stdout, _, err := d.invoke(ctx, d.PGPPath, "encrypt", args, body)
	if err != nil {
		return nil, err
	}

	control := d.Filer.BufferFile(0)
	if _, err := control.Write([]byte("Version: 1\n")); err != nil {
		return nil, err
	}
	return &EncryptResult{Control: control, Payload: stdout}, nil
}

// Decrypt feeds encrypted into the subprocess and validates the result:
// for OpenPGP, against the GnuPG status-fd state machine (or, if
// CheckGPGDecryptStatusFD is false, a plain exit-code check); for
// S/MIME, openssl smime's exit code is the only signal available, so
// decryption success there is always reported as Success. keyid (a PGP
// key ID, or an S/MIME private-key PEM path) throttles repeated
// failures the same way an Authenticator throttles repeated bad logins
// from the same account: a wrong cached or externally-prompted
// passphrase should cost the caller time, not just an error return.
func (d *Driver) Decrypt(ctx context.Context, protocol Protocol, encrypted io.Reader, keyid string) (*DecryptResult, error) {
	d.Throttle.Throttle(keyid)

	if protocol == ProtocolSMIME {
		args := []string{"smime", "-decrypt", "-inkey", keyid, "-recip", keyid}
		stdout, _, err := d.invoke(ctx, d.SMIMEPath, "decrypt", args, encrypted)
		if err != nil {
			d.Throttle.Add(keyid)
			if d.Passphrase != nil {
				d.Passphrase.Forget()
			}
			return nil, err
		}
		return &DecryptResult{Cleartext: stdout, Outcome: Success}, nil
	}

	args := []string{"--batch", "--status-fd=3", "--decrypt"}
	stdout, status, err := d.invoke(ctx, d.PGPPath, "decrypt", args, encrypted)
	if err != nil {
		d.Throttle.Add(keyid)
		if d.Passphrase != nil {
			// A failed decryption voids the cached passphrase per §6's
			// invariant — it may simply be wrong, and holding onto a
			// wrong secret across retries only costs the user more
			// failed prompts.
			d.Passphrase.Forget()
		}
		return nil, err
	}

	if !d.CheckGPGDecryptStatusFD {
		return &DecryptResult{Cleartext: stdout, Outcome: Success}, nil
	}

	if _, err := status.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	outcome, err := ParseDecryptionStatus(status)
	if err != nil {
		return nil, err
	}
	if outcome == Failed {
		d.Throttle.Add(keyid)
		if d.Passphrase != nil {
			d.Passphrase.Forget()
		}
	}
	return &DecryptResult{Cleartext: stdout, Outcome: outcome}, nil
}

// Verify checks a detached signature (sig) against signed content.
// openssl smime -verify takes the signature as -in and the detached
// content as -content, the S/MIME analogue of gpg --verify's
// sig-path-plus-stdin-content convention; -noverify skips chain
// validation against a CA bundle this driver isn't configured with,
// so (as with GoodSignRegexp for PGP) a successful exit code is the
// only signal available without further CA configuration this repo's
// scope doesn't call for.
func (d *Driver) Verify(ctx context.Context, protocol Protocol, signed, sig *iox.BufferFile) (*VerifyResult, error) {
	if protocol == ProtocolSMIME {
		sigPath, sigCleanup, err := stageTempFile(sig)
		if err != nil {
			return nil, err
		}
		defer sigCleanup()
		contentPath, contentCleanup, err := stageTempFile(signed)
		if err != nil {
			return nil, err
		}
		defer contentCleanup()

		args := []string{"smime", "-verify", "-in", sigPath, "-content", contentPath, "-noverify"}
		_, _, err = d.invoke(ctx, d.SMIMEPath, "verify", args, bytes.NewReader(nil))
		if err != nil {
			return &VerifyResult{Good: false, Detail: err.Error()}, nil
		}
		return &VerifyResult{Good: true}, nil
	}

	sigPath, cleanup, err := stageTempFile(sig)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	args := []string{"--batch", "--status-fd=3", "--verify", sigPath, "-"}
	stdout, status, err := d.invoke(ctx, d.PGPPath, "verify", args, signed)
	if err != nil {
		return &VerifyResult{Good: false, Detail: err.Error()}, nil
	}

	if d.GoodSignRegexp != nil {
		// invoke leaves both buffers positioned at end-of-data from the
		// io.Copy writes that filled them; GoodSignature needs to read
		// from the start, the same seek readAll and Decrypt's status
		// read already perform before scanning their own buffers.
		if _, err := status.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		if _, err := stdout.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		combined := io.MultiReader(status, stdout)
		good, gerr := GoodSignature(combined, func(line string) bool {
			return d.GoodSignRegexp.MatchString(line)
		})
		return &VerifyResult{Good: good}, gerr
	}
	return &VerifyResult{Good: true}, nil
}

func readAll(r io.ReadSeeker) ([]byte, error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}

// stageTempFile copies buf to a real temp file on disk, since gpg's
// --verify needs an actual path for the detached signature argument; the
// file is removed as soon as the caller's cleanup runs, mirroring
// pgp_application_pgp_handler's mutt_buffer_mktemp/unlink-immediately
// pattern rather than leaving signature material lying around after use.
func stageTempFile(buf *iox.BufferFile) (path string, cleanup func(), err error) {
	f, err := os.CreateTemp("", "mailcore-pgp-*")
	if err != nil {
		return "", nil, err
	}
	if _, err := buf.Seek(0, io.SeekStart); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", nil, err
	}
	if _, err := io.Copy(f, buf); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", nil, err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", nil, err
	}
	name := f.Name()
	return name, func() { os.Remove(name) }, nil
}
