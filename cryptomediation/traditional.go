package cryptomediation

import (
	"bufio"
	"bytes"
	"context"
	"strings"
)

// traditionalBanner classifies a "-----BEGIN PGP ...-----" line the way
// pgp_application_pgp_handler switches on the text following "BEGIN PGP ".
type traditionalBanner int

const (
	bannerNone traditionalBanner = iota
	bannerMessage                // needs a passphrase / decryption
	bannerSigned                 // clearsigned; verify only if requested
	bannerPublicKey
)

func classifyBanner(line string) traditionalBanner {
	switch {
	case strings.HasPrefix(line, "-----BEGIN PGP MESSAGE-----"):
		return bannerMessage
	case strings.HasPrefix(line, "-----BEGIN PGP SIGNED MESSAGE-----"):
		return bannerSigned
	case strings.HasPrefix(line, "-----BEGIN PGP PUBLIC KEY BLOCK-----"):
		return bannerPublicKey
	default:
		return bannerNone
	}
}

func endMarkerFor(b traditionalBanner) string {
	switch b {
	case bannerMessage:
		return "-----END PGP MESSAGE-----"
	case bannerSigned:
		return "-----END PGP SIGNATURE-----"
	case bannerPublicKey:
		return "-----END PGP PUBLIC KEY BLOCK-----"
	}
	return ""
}

// TraditionalRegion is one carved-out PGP block found inside a plain-text
// part by ScanTraditional.
type TraditionalRegion struct {
	Banner  traditionalBanner
	Armored []byte // the full "-----BEGIN...-----" through "-----END...-----" block
}

// ScanTraditional walks text looking for "-----BEGIN PGP ...-----"
// banners, carving each region out independently and leaving everything
// else untouched, matching pgp_application_pgp_handler's behavior: a
// traditional-inline part is not all-or-nothing — ordinary prose
// interleaved with one or more PGP blocks is common, and only the PGP
// regions are processed.
func ScanTraditional(text []byte) (plain [][]byte, regions []TraditionalRegion) {
	sc := bufio.NewScanner(bytes.NewReader(text))
	var cur []byte
	var curBanner traditionalBanner
	var curPlain bytes.Buffer

	flushPlain := func() {
		if curPlain.Len() > 0 {
			plain = append(plain, append([]byte(nil), curPlain.Bytes()...))
			curPlain.Reset()
		}
	}

	inRegion := false
	for sc.Scan() {
		line := sc.Text()
		if !inRegion {
			if b := classifyBanner(line); b != bannerNone {
				flushPlain()
				inRegion = true
				curBanner = b
				cur = append(cur[:0], []byte(line+"\n")...)
				continue
			}
			curPlain.WriteString(line)
			curPlain.WriteByte('\n')
			continue
		}

		cur = append(cur, []byte(line+"\n")...)
		if strings.HasPrefix(line, endMarkerFor(curBanner)) {
			regions = append(regions, TraditionalRegion{Banner: curBanner, Armored: append([]byte(nil), cur...)})
			inRegion = false
			cur = cur[:0]
		}
	}
	flushPlain()
	return plain, regions
}

// DecryptTraditionalInline processes every carved-out region in text via
// the driver (decrypting bannerMessage blocks, verifying bannerSigned
// blocks) and reassembles the result in original order, copying
// non-PGP prose through untouched.
func (d *Driver) DecryptTraditionalInline(ctx context.Context, text []byte) ([]byte, error) {
	_, regions := ScanTraditional(text)
	if len(regions) == 0 {
		return text, nil
	}

	var out bytes.Buffer
	sc := bufio.NewScanner(bytes.NewReader(text))
	inRegion := false
	var curBanner traditionalBanner
	var region bytes.Buffer

	for sc.Scan() {
		line := sc.Text()
		if !inRegion {
			if b := classifyBanner(line); b != bannerNone {
				inRegion = true
				curBanner = b
				region.Reset()
				region.WriteString(line + "\n")
				continue
			}
			out.WriteString(line)
			out.WriteByte('\n')
			continue
		}
		region.WriteString(line + "\n")
		if strings.HasPrefix(line, endMarkerFor(curBanner)) {
			inRegion = false
			processed, err := d.processRegion(ctx, curBanner, region.Bytes())
			if err != nil {
				// A region that fails to process is copied through
				// verbatim rather than aborting the whole part, so one
				// bad block doesn't hide the rest of the message.
				out.Write(region.Bytes())
			} else {
				out.Write(processed)
			}
		}
	}
	return out.Bytes(), nil
}

func (d *Driver) processRegion(ctx context.Context, b traditionalBanner, armored []byte) ([]byte, error) {
	switch b {
	case bannerMessage:
		// Traditional inline PGP carries no explicit recipient keyid in
		// the banner; gpg resolves the secret key itself, so the
		// throttle key falls back to the banner kind rather than an
		// identity.
		res, err := d.Decrypt(ctx, ProtocolPGP, bytes.NewReader(armored), "traditional-inline")
		if err != nil {
			return nil, err
		}
		return readAll(res.Cleartext)
	case bannerSigned:
		// Clearsigned blocks are handed back as-is unless a verification
		// pass was explicitly requested by the caller; copying the armor
		// through (dash-unescaping is mime's job, not the driver's) keeps
		// this function pure text-in/text-out.
		return armored, nil
	default:
		return armored, nil
	}
}
