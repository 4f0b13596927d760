package mime

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"

	"crawshaw.io/iox"

	"inkwell.dev/email"
	"inkwell.dev/third_party/imf"
)

// Parser builds a Body tree from a message stream, per §4.5. It is not
// safe for concurrent use; construct one per message.
type Parser struct {
	Limits Limits
	Filer  *iox.Filer
	Logf   func(format string, v ...interface{})

	partsSeen int
}

func (p *Parser) logf(format string, v ...interface{}) {
	if p.Logf != nil {
		p.Logf(format, v...)
	}
}

// Parse reads src (a full message, headers plus body, starting at offset
// zero) and returns its root Body.
func (p *Parser) Parse(src io.Reader) (*Body, error) {
	buf := p.Filer.BufferFile(0)
	if _, err := io.Copy(buf, src); err != nil {
		buf.Close()
		return nil, fmt.Errorf("mime: %v", err)
	}
	if _, err := buf.Seek(0, io.SeekStart); err != nil {
		buf.Close()
		return nil, fmt.Errorf("mime: %v", err)
	}
	defer buf.Close()

	p.partsSeen = 0
	root, err := p.parsePart(buf, 0)
	if err != nil {
		return nil, fmt.Errorf("mime: %v", err)
	}
	return root, nil
}

// readPartHeader reads one part's header block via C3 and returns the
// still-open reader positioned at the start of the part's payload, along
// with the header-relative offset C3's Reader.NumRead reports.
func readPartHeader(r io.Reader) (email.Header, *bufio.Reader, int64, error) {
	br := bufio.NewReader(r)
	imfr := imf.NewReader(br)
	hdr, err := imfr.ReadMIMEHeader()
	if err != nil {
		return email.Header{}, nil, 0, err
	}
	return hdr, br, int64(imfr.NumRead()), nil
}

// parsePart reads one part's headers from r and builds its Body, recursing
// into children as required by its content type.
func (p *Parser) parsePart(r io.Reader, depth int) (*Body, error) {
	p.partsSeen++

	hdr, br, offset, err := readPartHeader(r)
	if err != nil {
		return nil, fmt.Errorf("part header: %v", err)
	}

	b := &Body{Offset: offset}
	p.fillContentType(b, &hdr)
	p.fillDisposition(b, &hdr)
	b.Description = string(hdr.Get("Content-Description"))
	b.Encoding = strings.ToLower(string(hdr.Get("Content-Transfer-Encoding")))

	if err := p.buildBody(b, br, depth); err != nil {
		return nil, err
	}
	return b, nil
}

// buildBody fills in b.Parts/b.Length/b.Content once its Content-Type
// fields are known, dispatching on type the way §4.5 describes.
func (p *Parser) buildBody(b *Body, br *bufio.Reader, depth int) error {
	if depth > p.Limits.MaxDepth {
		p.logf("mime: depth %d exceeds limit, recoding part as text/plain", depth)
		b.Type, b.Subtype = "text", "plain"
		b.XType = "text/plain"
		b.Parameters = nil
		b.Parts = nil
		b.Flags.Recoded = true
		n, _ := io.Copy(io.Discard, br)
		b.Length = n
		return nil
	}

	switch {
	case b.Type == "multipart":
		boundary := b.Parameters["boundary"]
		if boundary == "" {
			p.logf("mime: multipart/%s with no boundary parameter, treating as text/plain", b.Subtype)
			b.Type, b.Subtype = "text", "plain"
			n, _ := io.Copy(io.Discard, br)
			b.Length = n
			return nil
		}
		return p.parseMultipartChildren(b, br, boundary, depth)

	case b.Type == "message" && b.Subtype == "rfc822":
		innerHdr, innerBr, innerOffset, err := readPartHeader(br)
		if err != nil {
			return fmt.Errorf("message/rfc822 header: %v", err)
		}
		b.Hdr = &innerHdr
		inner := &Body{Offset: innerOffset}
		p.fillContentType(inner, &innerHdr)
		p.fillDisposition(inner, &innerHdr)
		inner.Description = string(innerHdr.Get("Content-Description"))
		inner.Encoding = strings.ToLower(string(innerHdr.Get("Content-Transfer-Encoding")))
		if err := p.buildBody(inner, innerBr, depth+1); err != nil {
			return err
		}
		b.Parts = []*Body{inner}

	case b.Type == "message" && b.Subtype == "external-body":
		// Headers only: the referenced content lives outside this
		// message, so there is nothing further to parse.

	default:
		retain := b.Type == "text" && b.Subtype == "plain"
		n, summary, content := p.drainLeaf(br, retain)
		b.Length = n
		b.Content = summary
		if retain {
			scanTraditionalPGP(b, content)
		}
	}

	return nil
}

func (p *Parser) parseMultipartChildren(b *Body, br *bufio.Reader, boundary string, depth int) error {
	bs := newBoundaryScanner(br, boundary)
	if err := bs.skipPreamble(); err != nil && err != io.EOF {
		p.logf("mime: multipart/%s preamble scan: %v", b.Subtype, err)
		return nil
	}

	for i := 0; ; i++ {
		if p.partsSeen >= p.Limits.MaxParts {
			p.logf("mime: part limit %d reached, truncating multipart/%s", p.Limits.MaxParts, b.Subtype)
			break
		}
		part, final, err := collectPart(p.Filer, bs)
		if err != nil {
			return fmt.Errorf("multipart/%s: %v", b.Subtype, err)
		}
		if part.Size() > 0 || !final || i == 0 {
			child, err := p.parsePart(part, depth+1)
			part.Close()
			if err != nil {
				return err
			}
			b.Parts = append(b.Parts, child)
		} else {
			part.Close()
		}
		if final {
			break
		}
	}
	return nil
}

// drainLeaf copies a leaf part's remaining bytes, computing a cheap
// content summary along the way. Body carries offset/length metadata, not
// a retained payload, so the bytes themselves are discarded unless retain
// is set (text/plain leaves, so the traditional inline-PGP scan has
// something to search).
func (p *Parser) drainLeaf(r io.Reader, retain bool) (int64, *ContentSummary, []byte) {
	summary := &ContentSummary{AllASCII: true}
	var n int64
	var kept bytes.Buffer
	buf := make([]byte, 32*1024)
	for {
		k, err := r.Read(buf)
		if k > 0 {
			n += int64(k)
			chunk := buf[:k]
			summary.Lines += int64(bytes.Count(chunk, []byte{'\n'}))
			if bytes.IndexByte(chunk, 0) >= 0 {
				summary.HasNull = true
			}
			if bytes.IndexByte(chunk, '\r') >= 0 {
				summary.HasCR = true
			}
			for _, c := range chunk {
				if c >= 0x80 {
					summary.AllASCII = false
				}
			}
			if retain {
				kept.Write(chunk)
			}
		}
		if err != nil {
			break
		}
	}
	if !retain {
		return n, summary, nil
	}
	return n, summary, kept.Bytes()
}
