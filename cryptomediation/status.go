package cryptomediation

import (
	"bufio"
	"bytes"
	"io"
)

// DecryptionOutcome is the verdict ParseDecryptionStatus computes from a
// GnuPG status-fd stream, mirroring pgp_check_decryption_okay's return
// codes.
type DecryptionOutcome int

const (
	// Unknown means no decryption status tokens were seen at all — the
	// part was not actually encrypted (or gpg produced no status-fd
	// output), which the caller must treat as a hard failure to decrypt.
	Unknown DecryptionOutcome = -1
	// PartiallyPlaintext means PLAINTEXT appeared outside any
	// BEGIN_DECRYPTION/END_DECRYPTION pair: a server (or attacker) spliced
	// unencrypted bytes into what should have been an all-ciphertext part.
	PartiallyPlaintext DecryptionOutcome = -2
	// Failed means gpg reported DECRYPTION_FAILED.
	Failed DecryptionOutcome = -3
	// Success means DECRYPTION_OKAY was seen with no stray PLAINTEXT.
	Success DecryptionOutcome = 0
)

const statusPrefix = "[GNUPG:] "

// ParseDecryptionStatus consumes r token by token, tracking an
// "inside decryption" flag across BEGIN_DECRYPTION/END_DECRYPTION pairs,
// exactly as pgp_check_decryption_okay does. DECRYPTION_FAILED returns
// immediately; DECRYPTION_OKAY keeps scanning so a later stray PLAINTEXT
// can still downgrade the verdict to PartiallyPlaintext.
func ParseDecryptionStatus(r io.Reader) (DecryptionOutcome, error) {
	rv := Unknown
	insideDecrypt := false

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Bytes()
		if !bytes.HasPrefix(line, []byte(statusPrefix)) {
			continue
		}
		token := line[len(statusPrefix):]

		switch {
		case bytes.HasPrefix(token, []byte("BEGIN_DECRYPTION")):
			insideDecrypt = true
		case bytes.HasPrefix(token, []byte("END_DECRYPTION")):
			insideDecrypt = false
		case bytes.HasPrefix(token, []byte("PLAINTEXT")):
			if !insideDecrypt && rv > PartiallyPlaintext {
				rv = PartiallyPlaintext
			}
		case bytes.HasPrefix(token, []byte("DECRYPTION_FAILED")):
			return Failed, nil
		case bytes.HasPrefix(token, []byte("DECRYPTION_OKAY")):
			if rv > PartiallyPlaintext {
				rv = Success
			}
		}
	}
	if err := sc.Err(); err != nil {
		return rv, err
	}
	return rv, nil
}

// GoodSignature reports whether r (the verification subprocess's combined
// stdout/status-fd stream) indicates a valid signature: either a
// configured regexp matches a line (the $pgp_good_sign-style
// configuration), or, when goodSign is nil, any exit code 0 is taken as
// success — the caller supplies that exit-code check itself and only
// calls this to layer on a stricter pattern match when one is configured.
func GoodSignature(r io.Reader, goodSign func(line string) bool) (bool, error) {
	if goodSign == nil {
		return true, nil
	}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if goodSign(sc.Text()) {
			return true, nil
		}
	}
	return false, sc.Err()
}
