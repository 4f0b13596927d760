package mime

import (
	"bufio"
	"bytes"
	"io"

	"crawshaw.io/iox"
)

// boundaryScanner splits a multipart body into its constituent parts by
// scanning for "--boundary" delimiter lines, the way §4.5 describes: read
// lines until a boundary line or end-of-part, tolerating a missing final
// "--boundary--" by handing the remainder of the stream to the last part.
type boundaryScanner struct {
	r             *bufio.Reader
	dashBoundary  []byte
	finalBoundary []byte
	done          bool
}

func newBoundaryScanner(r *bufio.Reader, boundary string) *boundaryScanner {
	return &boundaryScanner{
		r:             r,
		dashBoundary:  []byte("--" + boundary),
		finalBoundary: []byte("--" + boundary + "--"),
	}
}

// skipPreamble discards everything up to and including the first boundary
// line. Text before the first boundary is not part of the MIME structure.
func (s *boundaryScanner) skipPreamble() error {
	for {
		line, err := s.r.ReadBytes('\n')
		if isBoundaryLine(line, s.dashBoundary) || isBoundaryLine(line, s.finalBoundary) {
			if isBoundaryLine(line, s.finalBoundary) {
				s.done = true
			}
			return nil
		}
		if err != nil {
			s.done = true
			return err
		}
	}
}

// nextPart copies one part's raw bytes into buf, stopping at the next
// boundary line. It reports final=true when that boundary was the
// terminating "--boundary--" form, or when the stream ended before one was
// found (a tolerated malformed message, per §4.5).
func (s *boundaryScanner) nextPart(buf io.Writer) (final bool, err error) {
	if s.done {
		return true, io.EOF
	}
	var pendingCRLF []byte
	for {
		line, rerr := s.r.ReadBytes('\n')
		if len(line) > 0 {
			if isBoundaryLine(line, s.dashBoundary) {
				return false, nil
			}
			if isBoundaryLine(line, s.finalBoundary) {
				s.done = true
				return true, nil
			}
			if pendingCRLF != nil {
				buf.Write(pendingCRLF)
			}
			// Hold back the line's trailing CRLF: it belongs to the
			// delimiter, not the content, if this turns out to be the
			// last line before a boundary.
			body, crlf := splitTrailingCRLF(line)
			buf.Write(body)
			pendingCRLF = crlf
		}
		if rerr != nil {
			s.done = true
			if rerr == io.EOF {
				return true, nil
			}
			return true, rerr
		}
	}
}

func isBoundaryLine(line, delim []byte) bool {
	trimmed := bytes.TrimRight(line, "\r\n")
	return bytes.Equal(trimmed, delim)
}

func splitTrailingCRLF(line []byte) (body, crlf []byte) {
	n := len(line)
	if n >= 2 && line[n-2] == '\r' && line[n-1] == '\n' {
		return line[:n-2], line[n-2:]
	}
	if n >= 1 && line[n-1] == '\n' {
		return line[:n-1], line[n-1:]
	}
	return line, nil
}

// collectPart drains one part's raw bytes from the scanner into a
// pooled, temp-file-backed buffer — large MIME payloads (attachments,
// inline images) should not force the whole message into the Go heap.
func collectPart(filer *iox.Filer, s *boundaryScanner) (buf *iox.BufferFile, final bool, err error) {
	buf = filer.BufferFile(0)
	final, err = s.nextPart(buf)
	if err != nil && err != io.EOF {
		buf.Close()
		return nil, final, err
	}
	if _, err := buf.Seek(0, io.SeekStart); err != nil {
		buf.Close()
		return nil, final, err
	}
	return buf, final, nil
}
