// Package enc implements the C4 encoded-word (RFC2047) and parameter
// continuation (RFC2231) decoders used while reconstructing MIME headers.
package enc

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/simplifiedchinese"
)

// DecodeWords decodes a header value containing zero or more RFC2047
// encoded-words interspersed with plain text. Per RFC2047 §6.2, adjacent
// encoded-words using the same charset/encoding are concatenated with no
// intervening whitespace; a run that mixes plain text and encoded-words,
// or switches charset, keeps the separating whitespace untouched.
func DecodeWords(s string) string {
	var out strings.Builder
	lastWasEncoded := false
	i := 0
	for i < len(s) {
		start := strings.Index(s[i:], "=?")
		if start < 0 {
			out.WriteString(s[i:])
			break
		}
		start += i

		gap := s[i:start]

		word, end, ok := decodeOneWord(s[start:])
		if !ok {
			out.WriteString(s[i : start+2])
			i = start + 2
			lastWasEncoded = false
			continue
		}

		// Per RFC2047 §6.2: linear whitespace separating two adjacent
		// encoded-words (and nothing else) is elided; any other gap,
		// including whitespace next to plain text, is preserved as-is.
		if !(lastWasEncoded && allFoldWS(gap)) {
			out.WriteString(gap)
		}
		out.WriteString(word)
		lastWasEncoded = true
		i = start + end
	}
	return out.String()
}

func isFoldWS(b byte) bool { return b == ' ' || b == '\t' || b == '\r' || b == '\n' }

func allFoldWS(s string) bool {
	for i := 0; i < len(s); i++ {
		if !isFoldWS(s[i]) {
			return false
		}
	}
	return true
}

// decodeOneWord decodes a single "=?charset?enc?text?=" token starting at
// the beginning of s. It returns the decoded text, the length of the
// consumed token, and whether a well-formed token was found.
func decodeOneWord(s string) (decoded string, n int, ok bool) {
	if !strings.HasPrefix(s, "=?") {
		return "", 0, false
	}
	rest := s[2:]
	i1 := strings.IndexByte(rest, '?')
	if i1 < 0 {
		return "", 0, false
	}
	charset := rest[:i1]
	rest = rest[i1+1:]
	if len(rest) < 2 || rest[1] != '?' {
		return "", 0, false
	}
	enc := rest[0]
	rest = rest[2:]
	end := strings.Index(rest, "?=")
	if end < 0 {
		return "", 0, false
	}
	encoded := rest[:end]

	var raw []byte
	var err error
	switch enc {
	case 'Q', 'q':
		raw, err = decodeQ(encoded)
	case 'B', 'b':
		raw, err = base64.StdEncoding.DecodeString(encoded)
	default:
		return "", 0, false
	}
	if err != nil {
		return "", 0, false
	}

	text, err := convertCharset(charset, raw)
	if err != nil {
		return "", 0, false
	}

	total := 2 + i1 + 1 + 2 + end + 2
	return text, total, true
}

// decodeQ decodes RFC2047 "Q" encoding: like quoted-printable, but '_'
// decodes to a space.
func decodeQ(s string) ([]byte, error) {
	var buf bytes.Buffer
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '_':
			buf.WriteByte(' ')
		case '=':
			if i+2 >= len(s) {
				return nil, fmt.Errorf("enc: truncated Q-encoding")
			}
			hi := unhex(s[i+1])
			lo := unhex(s[i+2])
			if hi < 0 || lo < 0 {
				return nil, fmt.Errorf("enc: bad Q-encoding escape")
			}
			buf.WriteByte(byte(hi<<4 | lo))
			i += 2
		default:
			buf.WriteByte(c)
		}
	}
	return buf.Bytes(), nil
}

func unhex(c byte) int {
	switch {
	case '0' <= c && c <= '9':
		return int(c - '0')
	case 'a' <= c && c <= 'f':
		return int(c-'a') + 10
	case 'A' <= c && c <= 'F':
		return int(c-'A') + 10
	}
	return -1
}

// convertCharset converts raw bytes in the named IANA charset to a UTF-8
// string. An unrecognised charset falls back to returning the bytes
// unconverted rather than failing the whole decode.
func convertCharset(charset string, raw []byte) (string, error) {
	lc := strings.ToLower(charset)
	if lc == "" || lc == "us-ascii" || lc == "utf-8" || lc == "utf8" {
		return string(raw), nil
	}
	encoding, err := ianaindex.MIME.Encoding(charset)
	if err != nil || encoding == nil {
		if lc == "gb2312" {
			encoding = simplifiedchinese.HZGB2312
		} else {
			return string(raw), nil
		}
	}
	decoded, err := encoding.NewDecoder().Bytes(raw)
	if err != nil {
		return string(raw), nil
	}
	return string(decoded), nil
}
