package mime

import (
	"regexp"
	"strings"
)

// AttachMatch is one (major, minor-regex) entry in an allow/deny list used
// by attachment counting, per §4.5's "configurable allow/deny lists of
// (major, minor-regex) pairs".
type AttachMatch struct {
	Major string // MIME major type, or "*" to match any
	Minor *regexp.Regexp
}

// NewAttachMatch compiles a "major/minor-regex" pair, e.g. "image/.*" or
// "*/pgp-.*".
func NewAttachMatch(major, minorPattern string) (AttachMatch, error) {
	rx, err := regexp.Compile(minorPattern)
	if err != nil {
		return AttachMatch{}, err
	}
	return AttachMatch{Major: strings.ToLower(major), Minor: rx}, nil
}

func (m AttachMatch) matches(b *Body) bool {
	if m.Major != "*" && m.Major != b.Type {
		return false
	}
	return m.Minor.MatchString(b.Subtype)
}

func matchAny(list []AttachMatch, b *Body) bool {
	for _, m := range list {
		if m.matches(b) {
			return true
		}
	}
	return false
}

// AttachmentLists groups the allow/deny regex lists §4.5 describes,
// separately for top-level ("root") inline parts, non-root inline parts,
// and explicit attachments.
type AttachmentLists struct {
	AttachAllow, AttachExclude []AttachMatch
	RootAllow, RootExclude     []AttachMatch
	InlineAllow, InlineExclude []AttachMatch

	// CountAlternatives, when false (the default, matching
	// count_body_parts' OPTCOUNTALTERNATIVES default), skips recursing
	// into a non-root multipart/alternative when counting.
	CountAlternatives bool
}

// checkList reports whether b matches list. An empty list (the allow/deny
// list was never configured) falls back to dflt: true for an allow list
// (nothing excludes by omission), false for a deny list (nothing is
// excluded by omission).
func checkList(list []AttachMatch, b *Body, dflt bool) bool {
	if len(list) == 0 {
		return dflt
	}
	return matchAny(list, b)
}

// CountAttachments walks root depth-first, classifying each part per the
// configured allow/deny lists, and returns the total attachment count. It
// sets AttachQualifies on every part and AttachCount on every container
// whose subtree was recursed into, caching the grand total on root itself.
func (lists *AttachmentLists) CountAttachments(root *Body) int {
	if root == nil {
		return 0
	}
	total := lists.countList([]*Body{root}, true, false, false)
	root.AttachCount = total
	return total
}

// countList mirrors mutt's count_body_parts, operating on one sibling
// list at a time rather than a linked list's ->next chain.
//
// topLevel is true only for the singleton list holding the message's own
// top BODY: a message/multipart container found there is never itself
// counted, only recursed into (a nested container found deeper in the
// tree has no such exemption). rootMPAlt/nonrootMPAlt are inherited from
// the parent: once a list's first element saw a multipart/alternative
// with itself as that alternative's first sibling, every element of this
// list is classified as a "root" part (rootMPAlt); if it saw one where it
// was NOT the first sibling, even this list's own first element is
// classified as "inline" (nonrootMPAlt) rather than "root".
func (lists *AttachmentLists) countList(list []*Body, topLevel, rootMPAlt, nonrootMPAlt bool) int {
	count := 0
	for i, b := range list {
		isFirst := i == 0
		shallCount := true
		shallRecurse := false
		var childRootMPAlt, childNonrootMPAlt bool

		switch {
		case b.Type == "message":
			shallRecurse = b.Subtype != "external-body"
			if topLevel {
				shallCount = false
			}
		case b.Type == "multipart":
			shallRecurse = true
			if b.Subtype == "alternative" {
				shallRecurse = lists.CountAlternatives
				if isFirst {
					childRootMPAlt = true
				} else {
					childNonrootMPAlt = true
				}
			}
			if topLevel {
				shallCount = false
			}
		}

		if shallCount {
			switch {
			case b.Disposition == "attachment":
				if !checkList(lists.AttachAllow, b, true) {
					shallCount = false
				}
				if checkList(lists.AttachExclude, b, false) {
					shallCount = false
				}
			case (isFirst && !nonrootMPAlt) || rootMPAlt:
				if !checkList(lists.RootAllow, b, true) {
					shallCount = false
				}
				if checkList(lists.RootExclude, b, false) {
					shallCount = false
				}
			default:
				if !checkList(lists.InlineAllow, b, true) {
					shallCount = false
				}
				if checkList(lists.InlineExclude, b, false) {
					shallCount = false
				}
			}
		}

		if shallCount {
			count++
		}
		b.AttachQualifies = shallCount

		if shallRecurse {
			sub := lists.countList(b.Parts, false, childRootMPAlt, childNonrootMPAlt)
			b.AttachCount = sub
			count += sub
		}
	}

	if count < 0 {
		return 0
	}
	return count
}
