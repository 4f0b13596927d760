package cryptomediation

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"crawshaw.io/iox"
)

// writeFixtureScript installs a small shell script standing in for gpg or
// openssl: Driver.invoke runs whatever PGPPath/SMIMEPath names as a real
// subprocess, so a test double has to be a real executable, not a mocked
// interface. body becomes the script's contents; fd 3 is already open for
// status-fd output exactly as the child sees it under invoke's
// cmd.ExtraFiles wiring.
func writeFixtureScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write fixture script: %v", err)
	}
	return path
}

func newTestDriver(t *testing.T, binPath string) *Driver {
	t.Helper()
	return &Driver{
		Config: Config{PGPPath: binPath, SMIMEPath: binPath},
		Filer:  iox.NewFiler(0),
	}
}

func TestDriverSignReturnsDetachedSignature(t *testing.T) {
	// args land as $1.. in the child; --local-user's value ($6) is echoed
	// back so the test can confirm it reached the subprocess.
	bin := writeFixtureScript(t, `
echo "[GNUPG:] SIG_CREATED D" >&3
echo "-----BEGIN PGP SIGNATURE-----"
echo "keyid=$6"
echo "-----END PGP SIGNATURE-----"
`)
	d := newTestDriver(t, bin)

	res, err := d.Sign(context.Background(), ProtocolPGP, strings.NewReader("hello"), "0xDEADBEEF")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !bytes.Contains(res.Signature, []byte("BEGIN PGP SIGNATURE")) {
		t.Errorf("Signature = %q, missing armor header", res.Signature)
	}
	if !bytes.Contains(res.Signature, []byte("keyid=0xDEADBEEF")) {
		t.Errorf("Signature = %q, local-user keyid did not reach the subprocess", res.Signature)
	}
	if res.Micalg != "pgp-sha256" {
		t.Errorf("Micalg = %q, want pgp-sha256", res.Micalg)
	}
}

func TestDriverSignSMIMEUsesSMIMEPath(t *testing.T) {
	bin := writeFixtureScript(t, `
if [ "$1" != "smime" ] || [ "$2" != "-sign" ]; then
  echo "unexpected args: $@" >&2
  exit 1
fi
echo "-----BEGIN PKCS7-----"
echo "signer=$4"
echo "-----END PKCS7-----"
`)
	d := newTestDriver(t, bin)

	res, err := d.Sign(context.Background(), ProtocolSMIME, strings.NewReader("hello"), "/tmp/alice.pem")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !bytes.Contains(res.Signature, []byte("signer=/tmp/alice.pem")) {
		t.Errorf("Signature = %q, signer path did not reach the subprocess", res.Signature)
	}
	if res.Micalg != "sha-256" {
		t.Errorf("Micalg = %q, want sha-256", res.Micalg)
	}
}

func TestDriverEncryptBuildsControlAndPayload(t *testing.T) {
	bin := writeFixtureScript(t, `
echo "[GNUPG:] BEGIN_ENCRYPTION" >&3
cat >/dev/null
echo "-----BEGIN PGP MESSAGE-----"
echo "-----END PGP MESSAGE-----"
`)
	d := newTestDriver(t, bin)

	res, err := d.Encrypt(context.Background(), ProtocolPGP, strings.NewReader("hello"), []string{"bob@example.com"}, "")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	control, err := readAll(res.Control)
	if err != nil {
		t.Fatalf("read control: %v", err)
	}
	if !strings.Contains(string(control), "Version: 1") {
		t.Errorf("control = %q, want Version: 1", control)
	}
	payload, err := readAll(res.Payload)
	if err != nil {
		t.Fatalf("read payload: %v", err)
	}
	if !bytes.Contains(payload, []byte("BEGIN PGP MESSAGE")) {
		t.Errorf("payload = %q, missing armor header", payload)
	}
}

func TestDriverEncryptSMIMEBuildsPKCS7Control(t *testing.T) {
	bin := writeFixtureScript(t, `
cat >/dev/null
echo "-----BEGIN PKCS7-----"
echo "-----END PKCS7-----"
`)
	d := newTestDriver(t, bin)

	res, err := d.Encrypt(context.Background(), ProtocolSMIME, strings.NewReader("hello"), []string{"/tmp/bob.pem"}, "")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	control, err := readAll(res.Control)
	if err != nil {
		t.Fatalf("read control: %v", err)
	}
	if !strings.Contains(string(control), "pkcs7-mime") {
		t.Errorf("control = %q, want a pkcs7-mime Content-Type", control)
	}
}

func TestDriverDecryptPGPOutcomeFromStatusFD(t *testing.T) {
	bin := writeFixtureScript(t, `
echo "[GNUPG:] BEGIN_DECRYPTION" >&3
echo "[GNUPG:] DECRYPTION_OKAY" >&3
echo "[GNUPG:] END_DECRYPTION" >&3
cat >/dev/null
echo "plaintext body"
`)
	d := newTestDriver(t, bin)
	d.CheckGPGDecryptStatusFD = true

	res, err := d.Decrypt(context.Background(), ProtocolPGP, strings.NewReader("armored"), "0xDEADBEEF")
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if res.Outcome != Success {
		t.Errorf("Outcome = %v, want Success", res.Outcome)
	}
	cleartext, err := readAll(res.Cleartext)
	if err != nil {
		t.Fatalf("read cleartext: %v", err)
	}
	if !strings.Contains(string(cleartext), "plaintext body") {
		t.Errorf("cleartext = %q", cleartext)
	}
}

func TestDriverDecryptPGPThrottlesOnFailure(t *testing.T) {
	bin := writeFixtureScript(t, `
cat >/dev/null
exit 1
`)
	d := newTestDriver(t, bin)

	if _, err := d.Decrypt(context.Background(), ProtocolPGP, strings.NewReader("armored"), "0xDEADBEEF"); err == nil {
		t.Fatal("Decrypt: want error from a nonzero subprocess exit, got nil")
	}
}

func TestDriverDecryptSMIMEIsAlwaysSuccessOnCleanExit(t *testing.T) {
	bin := writeFixtureScript(t, `
cat >/dev/null
echo "plaintext body"
`)
	d := newTestDriver(t, bin)

	res, err := d.Decrypt(context.Background(), ProtocolSMIME, strings.NewReader("pkcs7"), "/tmp/bob.pem")
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if res.Outcome != Success {
		t.Errorf("Outcome = %v, want Success (openssl smime has no status-fd)", res.Outcome)
	}
}

func TestDriverVerifyGoodExitIsGoodWithoutRegexp(t *testing.T) {
	bin := writeFixtureScript(t, `
cat >/dev/null
exit 0
`)
	d := newTestDriver(t, bin)

	filer := iox.NewFiler(0)
	signed := filer.BufferFile(0)
	if _, err := signed.Write([]byte("signed content")); err != nil {
		t.Fatalf("write signed: %v", err)
	}
	signed.Seek(0, 0)
	sig := filer.BufferFile(0)
	if _, err := sig.Write([]byte("detached sig")); err != nil {
		t.Fatalf("write sig: %v", err)
	}

	res, err := d.Verify(context.Background(), ProtocolPGP, signed, sig)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !res.Good {
		t.Error("Good = false, want true on a clean exit with no GoodSignRegexp configured")
	}
}

func TestDriverVerifyGoodSignRegexpFallback(t *testing.T) {
	// Exercises the fix for a prior bug where status/stdout were scanned
	// without first seeking back to the start, so GoodSignRegexp always
	// saw zero bytes and reported a valid signature as bad.
	bin := writeFixtureScript(t, `
echo "[GNUPG:] TRUST_FULLY" >&3
cat >/dev/null
echo "gpg: Good signature from \"Alice <alice@example.com>\""
exit 0
`)
	d := newTestDriver(t, bin)
	d.GoodSignRegexp = regexp.MustCompile(`Good signature from`)

	filer := iox.NewFiler(0)
	signed := filer.BufferFile(0)
	if _, err := signed.Write([]byte("signed content")); err != nil {
		t.Fatalf("write signed: %v", err)
	}
	signed.Seek(0, 0)
	sig := filer.BufferFile(0)
	if _, err := sig.Write([]byte("detached sig")); err != nil {
		t.Fatalf("write sig: %v", err)
	}

	res, err := d.Verify(context.Background(), ProtocolPGP, signed, sig)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !res.Good {
		t.Error("Good = false, want true: GoodSignRegexp should match the staged stdout/status output")
	}
}

func TestDriverVerifySMIMEUsesStagedFiles(t *testing.T) {
	bin := writeFixtureScript(t, `
if [ "$1" != "smime" ] || [ "$2" != "-verify" ]; then
  echo "unexpected args: $@" >&2
  exit 1
fi
test -f "$4" && test -f "$6"
`)
	d := newTestDriver(t, bin)

	filer := iox.NewFiler(0)
	signed := filer.BufferFile(0)
	if _, err := signed.Write([]byte("signed content")); err != nil {
		t.Fatalf("write signed: %v", err)
	}
	signed.Seek(0, 0)
	sig := filer.BufferFile(0)
	if _, err := sig.Write([]byte("detached sig")); err != nil {
		t.Fatalf("write sig: %v", err)
	}

	res, err := d.Verify(context.Background(), ProtocolSMIME, signed, sig)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !res.Good {
		t.Errorf("Good = false, Detail=%q, want true: both staged files should exist", res.Detail)
	}
}

func TestDriverVerifyBadExitIsNotGood(t *testing.T) {
	bin := writeFixtureScript(t, `
cat >/dev/null
echo "gpg: BAD signature" >&2
exit 1
`)
	d := newTestDriver(t, bin)

	filer := iox.NewFiler(0)
	signed := filer.BufferFile(0)
	if _, err := signed.Write([]byte("signed content")); err != nil {
		t.Fatalf("write signed: %v", err)
	}
	signed.Seek(0, 0)
	sig := filer.BufferFile(0)
	if _, err := sig.Write([]byte("detached sig")); err != nil {
		t.Fatalf("write sig: %v", err)
	}

	res, err := d.Verify(context.Background(), ProtocolPGP, signed, sig)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Good {
		t.Error("Good = true, want false on a nonzero subprocess exit")
	}
	if res.Detail == "" {
		t.Error("Detail empty, want the subprocess error recorded")
	}
}
