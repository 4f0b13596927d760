package mime

import "testing"

func mustMatch(t *testing.T, major, minor string) AttachMatch {
	t.Helper()
	m, err := NewAttachMatch(major, minor)
	if err != nil {
		t.Fatalf("NewAttachMatch(%q, %q): %v", major, minor, err)
	}
	return m
}

func TestCountAttachmentsDefaultAllowsEverything(t *testing.T) {
	root := &Body{
		Type: "multipart", Subtype: "mixed",
		Parts: []*Body{
			{Type: "text", Subtype: "plain"},
			{Type: "application", Subtype: "pdf", Disposition: "attachment"},
			{Type: "image", Subtype: "png", Disposition: "attachment"},
		},
	}
	lists := &AttachmentLists{}
	if got, want := lists.CountAttachments(root), 3; got != want {
		t.Errorf("CountAttachments = %d, want %d", got, want)
	}
	for _, p := range root.Parts {
		if !p.AttachQualifies {
			t.Errorf("part %s/%s AttachQualifies = false, want true", p.Type, p.Subtype)
		}
	}
}

func TestCountAttachmentsDenyExcludes(t *testing.T) {
	root := &Body{
		Type: "multipart", Subtype: "mixed",
		Parts: []*Body{
			{Type: "text", Subtype: "plain"},
			{Type: "image", Subtype: "png", Disposition: "attachment"},
		},
	}
	lists := &AttachmentLists{
		AttachExclude: []AttachMatch{mustMatch(t, "image", ".*")},
	}
	if got, want := lists.CountAttachments(root), 1; got != want {
		t.Errorf("CountAttachments = %d, want %d", got, want)
	}
	if root.Parts[1].AttachQualifies {
		t.Errorf("excluded image/png part AttachQualifies = true, want false")
	}
}

func TestCountAttachmentsAlternativeRoot(t *testing.T) {
	// A multipart/alternative as the message root: its children are
	// treated as root parts (subject to Root lists), not inline, and
	// are not recursed into by default (CountAlternatives is false).
	root := &Body{
		Type: "multipart", Subtype: "alternative",
		Parts: []*Body{
			{Type: "text", Subtype: "plain"},
			{Type: "text", Subtype: "html"},
		},
	}
	lists := &AttachmentLists{
		CountAlternatives: true,
		RootExclude:       []AttachMatch{mustMatch(t, "text", "html")},
	}
	if got, want := lists.CountAttachments(root), 1; got != want {
		t.Errorf("CountAttachments = %d, want %d", got, want)
	}
}

func TestCountAttachmentsNestedMessageRFC822(t *testing.T) {
	root := &Body{
		Type: "multipart", Subtype: "mixed",
		Parts: []*Body{
			{Type: "text", Subtype: "plain"},
			{
				Type: "message", Subtype: "rfc822",
				Disposition: "attachment",
				Parts: []*Body{
					{Type: "text", Subtype: "plain"},
				},
			},
		},
	}
	lists := &AttachmentLists{}
	// root's own text/plain counts as its root part; the message/rfc822
	// container is itself an attachment (counted once, since a nested
	// container is not exempted from counting the way the top-level
	// container is); and its single inner part counts as that embedded
	// message's root part.
	if got, want := lists.CountAttachments(root), 3; got != want {
		t.Errorf("CountAttachments = %d, want %d", got, want)
	}
}
