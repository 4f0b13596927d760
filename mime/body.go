// Package mime builds the MIME content tree (BODY) from a message stream:
// recursive multipart descent, attachment classification, and traditional
// inline-PGP detection. Header unfolding itself is C3's job
// (third_party/imf); this package is what turns a flat stream of headers
// and boundaries into a navigable tree.
package mime

import (
	"time"

	"inkwell.dev/email"
)

// Flags records per-part state the parser or a later pass sets.
type Flags struct {
	Recoded     bool // depth/part limit forced a defensive text/plain leaf
	BadHeader   bool // header parse reported a recoverable error
	Traditional bool // traditional inline-PGP banner found in this leaf
}

// ContentSummary is a cheap pass over a leaf's decoded bytes, computed once
// while the part is copied out of the stream. It avoids a second full scan
// later for the common questions a composer or attachment classifier asks.
type ContentSummary struct {
	Lines    int64
	HasNull  bool
	HasCR    bool
	AllASCII bool
}

// Body is one node of the MIME content tree.
//
// Invariants: Parts is non-empty iff Type is "multipart" or (Type,Subtype)
// is ("message", "rfc822"); Offset points past this part's own header
// block; Length measures the encoded payload, including any nested
// boundary delimiters for a multipart part.
type Body struct {
	Type        string // "text", "multipart", "application", ...
	Subtype     string // "plain", "mixed", ...
	XType       string // original Content-Type value, case preserved
	Parameters  map[string]string

	Description string
	Disposition string // "inline", "attachment", or "" if absent
	Filename    string // resolved filename (Content-Disposition wins over Content-Type name)
	DFilename   string // filename as it appeared before RFC2231 reassembly, for diagnostics
	FormName    string // Content-Type "name" param, multipart/form-data use

	Charset  string
	Encoding string // Content-Transfer-Encoding, lower-cased

	HdrOffset int64 // stream offset of this part's own header block
	Offset    int64 // stream offset past this part's headers
	Length    int64 // encoded payload length

	Content *ContentSummary

	Parts []*Body

	Hdr         *email.Header // inner message's headers, for message/rfc822
	MIMEHeaders *email.Header // memory-hole protected headers carried out-of-band

	AttachCount     int  // cached attachment total, root node only
	AttachQualifies bool // true if this leaf itself counts as an attachment

	Stamp time.Time
	Flags Flags
}

// IsMultipart reports whether b's Type/Subtype requires child Parts.
func (b *Body) IsMultipart() bool {
	return b.Type == "multipart" || (b.Type == "message" && b.Subtype == "rfc822")
}

// Walk calls fn for b and every descendant, depth-first, pre-order.
func (b *Body) Walk(fn func(*Body)) {
	if b == nil {
		return
	}
	fn(b)
	for _, p := range b.Parts {
		p.Walk(fn)
	}
}

// InvalidateAttachCount clears the cached attachment total on b, forcing
// the next CountAttachments call to recompute it.
func (b *Body) InvalidateAttachCount() {
	b.AttachCount = -1
}
