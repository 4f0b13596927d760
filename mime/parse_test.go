package mime

import (
	"context"
	"strings"
	"testing"
	"time"

	"crawshaw.io/iox"
)

func newTestFiler(t *testing.T) *iox.Filer {
	filer := iox.NewFiler(0)
	filer.Logf = t.Logf
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		filer.Shutdown(ctx)
	})
	return filer
}

func parse(t *testing.T, raw string) *Body {
	t.Helper()
	p := &Parser{Limits: DefaultLimits(), Filer: newTestFiler(t), Logf: t.Logf}
	body, err := p.Parse(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return body
}

func TestParseSimpleText(t *testing.T) {
	raw := "Content-Type: text/plain\r\n" +
		"Content-Transfer-Encoding: 7bit\r\n" +
		"\r\n" +
		"hello\r\nworld\r\n"

	b := parse(t, raw)
	if b.Type != "text" || b.Subtype != "plain" {
		t.Fatalf("Type/Subtype = %s/%s, want text/plain", b.Type, b.Subtype)
	}
	if b.Charset != "us-ascii" {
		t.Errorf("Charset = %q, want us-ascii (assumed default)", b.Charset)
	}
	if b.Parts != nil {
		t.Errorf("Parts = %v, want nil for a leaf", b.Parts)
	}
	if b.Content == nil || b.Content.Lines != 2 {
		t.Errorf("Content = %+v, want 2 lines", b.Content)
	}
}

func TestParseMultipartMixed(t *testing.T) {
	raw := "Content-Type: multipart/mixed; boundary=XYZ\r\n" +
		"\r\n" +
		"preamble text, not a part\r\n" +
		"--XYZ\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"body text\r\n" +
		"--XYZ\r\n" +
		"Content-Type: application/octet-stream\r\n" +
		"Content-Disposition: attachment; filename=\"a.bin\"\r\n" +
		"\r\n" +
		"binarydata\r\n" +
		"--XYZ--\r\n" +
		"epilogue, also not a part\r\n"

	b := parse(t, raw)
	if b.Type != "multipart" || b.Subtype != "mixed" {
		t.Fatalf("Type/Subtype = %s/%s, want multipart/mixed", b.Type, b.Subtype)
	}
	if len(b.Parts) != 2 {
		t.Fatalf("len(Parts) = %d, want 2", len(b.Parts))
	}
	if b.Parts[0].Type != "text" || b.Parts[0].Subtype != "plain" {
		t.Errorf("Parts[0] = %s/%s, want text/plain", b.Parts[0].Type, b.Parts[0].Subtype)
	}
	if b.Parts[1].Disposition != "attachment" || b.Parts[1].Filename != "a.bin" {
		t.Errorf("Parts[1] disposition/filename = %q/%q, want attachment/a.bin",
			b.Parts[1].Disposition, b.Parts[1].Filename)
	}
}

func TestParseMissingFinalBoundaryTolerated(t *testing.T) {
	raw := "Content-Type: multipart/mixed; boundary=XYZ\r\n" +
		"\r\n" +
		"--XYZ\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"only part, no closing boundary\r\n"

	b := parse(t, raw)
	if len(b.Parts) != 1 {
		t.Fatalf("len(Parts) = %d, want 1", len(b.Parts))
	}
}

func TestParseMessageRFC822(t *testing.T) {
	raw := "Content-Type: message/rfc822\r\n" +
		"\r\n" +
		"Subject: inner\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"inner body\r\n"

	b := parse(t, raw)
	if b.Type != "message" || b.Subtype != "rfc822" {
		t.Fatalf("Type/Subtype = %s/%s, want message/rfc822", b.Type, b.Subtype)
	}
	if b.Hdr == nil {
		t.Fatal("Hdr is nil, want inner message's header")
	}
	if got := string(b.Hdr.Get("Subject")); got != "inner" {
		t.Errorf("Hdr.Get(Subject) = %q, want inner", got)
	}
	if len(b.Parts) != 1 || b.Parts[0].Type != "text" {
		t.Fatalf("Parts = %+v, want one text/plain part", b.Parts)
	}
}

func TestParseDepthLimitRecodes(t *testing.T) {
	p := &Parser{Limits: Limits{MaxDepth: 1, MaxParts: 100, AssumedCharset: "us-ascii"}, Filer: newTestFiler(t)}

	raw := "Content-Type: multipart/mixed; boundary=A\r\n\r\n" +
		"--A\r\n" +
		"Content-Type: multipart/mixed; boundary=B\r\n\r\n" +
		"--B\r\n" +
		"Content-Type: multipart/mixed; boundary=C\r\n\r\n" +
		"--C\r\n" +
		"Content-Type: text/plain\r\n\r\n" +
		"deep\r\n" +
		"--C--\r\n" +
		"--B--\r\n" +
		"--A--\r\n"

	b, err := p.Parse(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	// depth 0 is the root multipart/mixed; its child at depth 1 (boundary
	// B) is still under the limit; that child's own multipart/mixed
	// child (boundary C) is parsed at depth 2, which exceeds MaxDepth=1
	// and must be recoded as a defensive text/plain leaf.
	depth1 := b.Parts[0]
	if depth1.Flags.Recoded {
		t.Errorf("Parts[0].Flags.Recoded = true, want false at depth 1 (within MaxDepth=1)")
	}
	if len(depth1.Parts) != 1 {
		t.Fatalf("len(Parts[0].Parts) = %d, want 1", len(depth1.Parts))
	}
	depth2 := depth1.Parts[0]
	if !depth2.Flags.Recoded {
		t.Errorf("Parts[0].Parts[0].Flags.Recoded = false, want true past MaxDepth")
	}
	if depth2.Type != "text" || depth2.Subtype != "plain" {
		t.Errorf("recoded part Type/Subtype = %s/%s, want text/plain", depth2.Type, depth2.Subtype)
	}
}

func TestParseCharsetDoubled(t *testing.T) {
	raw := "Content-Type: text/plain; charset=charset=iso-8859-1\r\n\r\n" +
		"caf\xe9\r\n"
	b := parse(t, raw)
	if b.Charset != "iso-8859-1" {
		t.Errorf("Charset = %q, want iso-8859-1 (one layer of charset= stripped)", b.Charset)
	}
}
