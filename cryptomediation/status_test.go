package cryptomediation

import (
	"strings"
	"testing"
)

func TestParseDecryptionStatusSuccess(t *testing.T) {
	in := "[GNUPG:] ENC_TO 0123456789ABCDEF 1 0\n" +
		"[GNUPG:] BEGIN_DECRYPTION\n" +
		"[GNUPG:] DECRYPTION_OKAY\n" +
		"[GNUPG:] END_DECRYPTION\n"
	out, err := ParseDecryptionStatus(strings.NewReader(in))
	if err != nil {
		t.Fatalf("ParseDecryptionStatus: %v", err)
	}
	if out != Success {
		t.Errorf("outcome = %v, want Success", out)
	}
}

func TestParseDecryptionStatusFailed(t *testing.T) {
	in := "[GNUPG:] BEGIN_DECRYPTION\n" +
		"[GNUPG:] DECRYPTION_FAILED\n"
	out, err := ParseDecryptionStatus(strings.NewReader(in))
	if err != nil {
		t.Fatalf("ParseDecryptionStatus: %v", err)
	}
	if out != Failed {
		t.Errorf("outcome = %v, want Failed", out)
	}
}

func TestParseDecryptionStatusPlaintextOutsideDelimiters(t *testing.T) {
	in := "[GNUPG:] PLAINTEXT 62\n" +
		"[GNUPG:] BEGIN_DECRYPTION\n" +
		"[GNUPG:] DECRYPTION_OKAY\n" +
		"[GNUPG:] END_DECRYPTION\n"
	out, err := ParseDecryptionStatus(strings.NewReader(in))
	if err != nil {
		t.Fatalf("ParseDecryptionStatus: %v", err)
	}
	if out != PartiallyPlaintext {
		t.Errorf("outcome = %v, want PartiallyPlaintext", out)
	}
}

func TestParseDecryptionStatusNoTokens(t *testing.T) {
	out, err := ParseDecryptionStatus(strings.NewReader("some non-status noise\n"))
	if err != nil {
		t.Fatalf("ParseDecryptionStatus: %v", err)
	}
	if out != Unknown {
		t.Errorf("outcome = %v, want Unknown", out)
	}
}

func TestPassphraseCacheExpiry(t *testing.T) {
	c := &PassphraseCache{Timeout: 0}
	c.Set([]byte("hunter2"))
	if c.Valid() {
		t.Error("Valid() immediately after a zero Timeout Set, want false")
	}
}

func TestPassphraseCacheForgetZeroes(t *testing.T) {
	c := &PassphraseCache{Timeout: 1000}
	c.Set([]byte("hunter2"))
	secret, ok := c.Get()
	if !ok {
		t.Fatal("Get() after Set, want ok")
	}
	if string(secret) != "hunter2" {
		t.Fatalf("secret = %q", secret)
	}
	c.Forget()
	if c.Valid() {
		t.Error("Valid() after Forget, want false")
	}
	for _, b := range secret {
		if b != 0 {
			t.Fatal("Forget did not zero the backing array")
		}
	}
}

func TestScanTraditionalSeparatesPlainAndRegions(t *testing.T) {
	text := []byte("hello\n" +
		"-----BEGIN PGP MESSAGE-----\n" +
		"abc123\n" +
		"-----END PGP MESSAGE-----\n" +
		"goodbye\n")
	plain, regions := ScanTraditional(text)
	if len(regions) != 1 || regions[0].Banner != bannerMessage {
		t.Fatalf("regions = %+v, want one bannerMessage region", regions)
	}
	if len(plain) != 2 {
		t.Fatalf("plain = %q, want 2 entries (before and after)", plain)
	}
}
