package mime

import (
	"strings"

	"inkwell.dev/email"
	"inkwell.dev/email/enc"
)

// splitHeaderValue splits a structured header value into its primary token
// and the ";"-prefixed parameter tail enc.Decoder expects, e.g.
// "text/plain; charset=utf-8" -> ("text/plain", "; charset=utf-8").
func splitHeaderValue(v string) (primary, tail string) {
	i := strings.IndexByte(v, ';')
	if i < 0 {
		return strings.TrimSpace(v), ""
	}
	return strings.TrimSpace(v[:i]), v[i:]
}

func splitTypeSubtype(primary string) (typ, sub string) {
	i := strings.IndexByte(primary, '/')
	if i < 0 {
		return "", ""
	}
	return primary[:i], primary[i+1:]
}

// fillContentType populates b's type/subtype/parameters/charset from hdr's
// Content-Type field, applying C4's RFC2231 reassembly to the parameter
// tail and defaulting an absent type to text/plain; charset=us-ascii per
// §4.5.
func (p *Parser) fillContentType(b *Body, hdr *email.Header) {
	raw := strings.TrimSpace(string(hdr.Get("Content-Type")))
	b.XType = raw

	primary, tail := splitHeaderValue(raw)
	typ, sub := splitTypeSubtype(primary)
	if typ == "" {
		typ, sub = "text", "plain"
	}
	b.Type = strings.ToLower(typ)
	b.Subtype = strings.ToLower(sub)

	dec := &enc.Decoder{}
	params := dec.Decode(tail)
	b.Parameters = map[string]string(params)

	if cs, ok := b.Parameters["charset"]; ok {
		b.Charset = enc.FixDoubleCharset(cs)
	}
	if b.Type == "text" && b.Charset == "" {
		b.Charset = p.Limits.AssumedCharset
	}
	b.FormName = b.Parameters["name"]
}

// fillDisposition populates b's disposition/filename from hdr's
// Content-Disposition field, falling back to Content-Type's "name"
// parameter when no disposition filename is present.
func (p *Parser) fillDisposition(b *Body, hdr *email.Header) {
	raw := strings.TrimSpace(string(hdr.Get("Content-Disposition")))
	if raw == "" {
		b.Filename = b.FormName
		return
	}

	primary, tail := splitHeaderValue(raw)
	b.Disposition = strings.ToLower(primary)

	dec := &enc.Decoder{}
	params := dec.Decode(tail)
	if fn, ok := params["filename"]; ok {
		b.DFilename = fn
		b.Filename = fn
	} else {
		b.Filename = b.FormName
	}
}
