package mime

import (
	"bufio"
	"bytes"
)

// scanTraditionalPGP implements the traditional (inline, non-MIME) PGP
// detection described in §4.5: a decoded text/plain leaf is searched line
// by line for a PGP armor banner. A hit does not change b's content type,
// but sets an "x-action" parameter so a later crypto-dispatch pass can
// recognise and process the part without relying on multipart/signed or
// multipart/encrypted structure.
//
// Multiple concatenated armor regions in the same part (e.g. a signed
// block followed by plain commentary followed by an encrypted block) are
// each noticed independently; this scan only records which kinds of
// banner were seen; splitting the runs apart for independent processing is
// a job for the crypto-mediation layer this part gets handed to.
func scanTraditionalPGP(b *Body, content []byte) {
	if len(content) == 0 {
		return
	}

	var sawEncrypted, sawSigned, sawKey bool
	sc := bufio.NewScanner(bytes.NewReader(content))
	sc.Buffer(make([]byte, 4096), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		const prefix = "-----BEGIN PGP "
		if !bytes.HasPrefix([]byte(line), []byte(prefix)) {
			continue
		}
		switch line[len(prefix):] {
		case "MESSAGE-----":
			sawEncrypted = true
		case "SIGNED MESSAGE-----":
			sawSigned = true
		case "PUBLIC KEY BLOCK-----":
			sawKey = true
		}
	}

	if !sawEncrypted && !sawSigned && !sawKey {
		return
	}

	if b.Parameters == nil {
		b.Parameters = map[string]string{}
	}
	b.Parameters["format"] = "fixed"
	switch {
	case sawEncrypted:
		b.Parameters["x-action"] = "pgp-encrypted"
	case sawSigned:
		b.Parameters["x-action"] = "pgp-signed"
	case sawKey:
		b.Parameters["x-action"] = "pgp-keys"
	}
	b.Flags.Traditional = true
}
