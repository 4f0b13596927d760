package autocrypt

import (
	"encoding/base64"
	"strings"

	"inkwell.dev/email/enc"
)

// Header is one parsed "addr=...; prefer-encrypt=mutual; keydata=..."
// Autocrypt or Autocrypt-Gossip header value. A header with an
// unrecognized "critical" attribute (any attribute name not in the
// Autocrypt 1.1 set whose name doesn't start with "_") or malformed
// keydata is invalid, matching AUTOCRYPTHDR.invalid in the original
// parser: invalid headers are kept around (so a caller can still see
// there *was* a header) but never participate in ingestion.
type Header struct {
	Addr          string
	PreferEncrypt PreferEncrypt
	KeyData       []byte
	Valid         bool
}

var relaxedDecoder = &enc.Decoder{AllowValueSpaces: true}

// recognizedAttrs are the Autocrypt 1.1 attribute names; any other
// attribute name not prefixed with "_" makes the header invalid (a
// future, not-yet-understood critical extension).
var recognizedAttrs = map[string]bool{
	"addr":           true,
	"prefer-encrypt": true,
	"keydata":        true,
}

// ParseHeader parses one raw Autocrypt: or Autocrypt-Gossip: header
// value (the relaxed whitespace-split parameter mode of C4's rfc2231
// decoder applies here, per spec.md §4.6).
func ParseHeader(raw string) *Header {
	params := relaxedDecoder.Decode(raw)

	h := &Header{Addr: strings.ToLower(params["addr"])}

	for name := range params {
		if !recognizedAttrs[name] && !strings.HasPrefix(name, "_") {
			return h // critical unknown attribute: invalid, addr kept for diagnostics
		}
	}

	if h.Addr == "" {
		return h
	}

	if params["prefer-encrypt"] == "mutual" {
		h.PreferEncrypt = PreferEncryptMutual
	}

	keydata, err := base64.StdEncoding.DecodeString(params["keydata"])
	if err != nil || len(keydata) == 0 {
		return h
	}
	h.KeyData = keydata
	h.Valid = true
	return h
}

// ParseHeaders parses every raw header value in raws, preserving order.
func ParseHeaders(raws []string) []*Header {
	out := make([]*Header, len(raws))
	for i, raw := range raws {
		out[i] = ParseHeader(raw)
	}
	return out
}

// foldKeydata base64-wraps keydata at 75 characters per line, each
// continuation line prefixed with a single tab, matching
// write_autocrypt_header_line's folding so the emitted header survives
// RFC5322 unstructured-header folding rules without breaking up the
// base64 token itself mid-line in a way a strict parser would reject.
func foldKeydata(keydata []byte) string {
	b64 := base64.StdEncoding.EncodeToString(keydata)
	var b strings.Builder
	for len(b64) > 0 {
		n := 75
		if n > len(b64) {
			n = len(b64)
		}
		b.WriteByte('\t')
		b.WriteString(b64[:n])
		b.WriteByte('\n')
		b64 = b64[n:]
	}
	return b.String()
}

// FormatHeader renders addr/preferEncrypt/keydata back into a raw
// "addr=...; prefer-encrypt=mutual; keydata=\n\t...\n" value suitable for
// an Autocrypt: or Autocrypt-Gossip: header line (without the header
// name itself).
func FormatHeader(addr string, preferEncrypt PreferEncrypt, keydata []byte) string {
	var b strings.Builder
	b.WriteString("addr=")
	b.WriteString(addr)
	b.WriteString("; ")
	if preferEncrypt == PreferEncryptMutual {
		b.WriteString("prefer-encrypt=mutual; ")
	}
	b.WriteString("keydata=\n")
	b.WriteString(foldKeydata(keydata))
	return b.String()
}
