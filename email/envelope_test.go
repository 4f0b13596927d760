package email_test

import (
	"bufio"
	"strings"
	"testing"

	"inkwell.dev/email"
	"inkwell.dev/third_party/imf"
)

// imfAddrs adapts third_party/imf's package-level address functions to
// email.AddressParser, the interface ParseEnvelope is driven through.
type imfAddrs struct{}

func (imfAddrs) ParseAddressList(s string) (*email.Address, error) { return imf.ParseAddressList(s) }
func (imfAddrs) ParseReferences(s string) (refs []string, err error) {
	return imf.ParseReferences(s)
}

func mustParseHeader(t *testing.T, raw string) *email.Header {
	t.Helper()
	r, err := imf.NewReader(bufio.NewReader(strings.NewReader(raw))).ReadMIMEHeader()
	if err != nil {
		t.Fatalf("ReadMIMEHeader: %v", err)
	}
	return &r
}

func TestParseEnvelopeBasicFields(t *testing.T) {
	raw := "From: Alice <alice@example.com>\r\n" +
		"To: Bob <bob@example.com>\r\n" +
		"Subject: hello\r\n" +
		"Message-Id: <abc123@example.com>\r\n" +
		"Date: Fri, 31 Jul 2026 10:00:00 -0700\r\n" +
		"X-Label: work\r\n" +
		"X-Mailer: test-suite\r\n" +
		"\r\n"

	hdr := mustParseHeader(t, raw)
	e, err := email.ParseEnvelope(hdr, imfAddrs{}, nil, nil, nil)
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if e.Subject != "hello" {
		t.Errorf("Subject = %q, want hello", e.Subject)
	}
	if e.MessageID != "<abc123@example.com>" {
		t.Errorf("MessageID = %q, want <abc123@example.com>", e.MessageID)
	}
	if e.From == nil || e.From.Mailbox != "alice@example.com" {
		t.Fatalf("From = %+v, want alice@example.com", e.From)
	}
	if e.To == nil || e.To.Mailbox != "bob@example.com" {
		t.Fatalf("To = %+v, want bob@example.com", e.To)
	}
	if e.XLabel != "work" {
		t.Errorf("XLabel = %q, want work", e.XLabel)
	}
	if len(e.UserHdrs) != 1 || e.UserHdrs[0] != "X-Mailer: test-suite" {
		t.Errorf("UserHdrs = %v, want [X-Mailer: test-suite]", e.UserHdrs)
	}
	if e.DateSentZoneUnknown {
		t.Error("DateSentZoneUnknown = true, want false (explicit -0700)")
	}
	if gotOffset := e.DateSent.Format("-0700"); gotOffset != "-0700" {
		t.Errorf("DateSent zone = %s, want -0700", gotOffset)
	}
}

func TestParseEnvelopeReferencesAndInReplyTo(t *testing.T) {
	raw := "References: <one@example.com> <two@example.com>\r\n" +
		"In-Reply-To: <two@example.com>\r\n" +
		"\r\n"
	hdr := mustParseHeader(t, raw)
	e, err := email.ParseEnvelope(hdr, imfAddrs{}, nil, nil, nil)
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if len(e.References) != 2 {
		t.Fatalf("References = %v, want 2 entries", e.References)
	}
	if len(e.InReplyTo) != 1 || e.InReplyTo[0] != "<two@example.com>" {
		t.Errorf("InReplyTo = %v, want [<two@example.com>]", e.InReplyTo)
	}
}

func TestParseEnvelopeListPostAutoSubscribe(t *testing.T) {
	raw := "List-Post: <mailto:list@example.com>\r\n\r\n"
	hdr := mustParseHeader(t, raw)
	list := &email.ListConfig{AutoSubscribe: true, Subscribed: map[string]bool{}}
	e, err := email.ParseEnvelope(hdr, imfAddrs{}, list, nil, nil)
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if e.ListPost != "mailto:list@example.com" {
		t.Errorf("ListPost = %q, want mailto:list@example.com", e.ListPost)
	}
	if !list.Subscribed["list@example.com"] {
		t.Errorf("Subscribed = %v, want list@example.com present", list.Subscribed)
	}
}

func TestParseEnvelopeRealSubjOffsetStripsReplyPrefix(t *testing.T) {
	raw := "Subject: Re: project status\r\n\r\n"
	hdr := mustParseHeader(t, raw)
	e, err := email.ParseEnvelope(hdr, imfAddrs{}, nil, nil, nil)
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if got := e.Subject[e.RealSubjOffset:]; got != "project status" {
		t.Errorf("Subject[RealSubjOffset:] = %q, want %q", got, "project status")
	}
}

func TestParseEnvelopeMissingTimezoneFlagged(t *testing.T) {
	raw := "Date: 31 Jul 2026 10:00:00\r\n\r\n"
	hdr := mustParseHeader(t, raw)
	e, err := email.ParseEnvelope(hdr, imfAddrs{}, nil, nil, nil)
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if !e.DateSentZoneUnknown {
		t.Error("DateSentZoneUnknown = false, want true (no tz field)")
	}
}

func TestEnsureMessageIDSynthesizesWhenAbsent(t *testing.T) {
	raw := "Subject: no message id here\r\n\r\n"
	hdr := mustParseHeader(t, raw)
	e, err := email.ParseEnvelope(hdr, imfAddrs{}, nil, nil, nil)
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if e.MessageID != "" {
		t.Fatalf("MessageID = %q, want empty before EnsureMessageID", e.MessageID)
	}

	first := e.EnsureMessageID("example.com")
	if first == "" || !strings.HasSuffix(first, "@example.com>") {
		t.Errorf("EnsureMessageID = %q, want a synthesized <...@example.com>", first)
	}
	if e.Changed&email.ChangedMessageID == 0 {
		t.Error("Changed does not have ChangedMessageID set after synthesis")
	}

	if again := e.EnsureMessageID("example.com"); again != first {
		t.Errorf("EnsureMessageID called twice = %q, want stable %q", again, first)
	}
}

func TestEnsureMessageIDLeavesExistingAlone(t *testing.T) {
	raw := "Message-Id: <already@example.com>\r\n\r\n"
	hdr := mustParseHeader(t, raw)
	e, err := email.ParseEnvelope(hdr, imfAddrs{}, nil, nil, nil)
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if got := e.EnsureMessageID("example.com"); got != "<already@example.com>" {
		t.Errorf("EnsureMessageID = %q, want existing value unchanged", got)
	}
	if e.Changed&email.ChangedMessageID != 0 {
		t.Error("ChangedMessageID set despite a pre-existing Message-Id")
	}
}
