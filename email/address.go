package email

import "golang.org/x/net/idna"

// Address is a node in an RFC5322 address list.
//
// A normal address has Mailbox and Personal set and GroupStart/GroupEnd
// both false. Group syntax ("display-name: mailbox-list ;") is preserved
// by a pair of zero-mailbox sentinels: GroupStart carries the group's
// display-name in Personal and opens the group; the matching GroupEnd (an
// empty sentinel) closes it. An empty group ("Undisclosed recipients:;")
// is a GroupStart immediately followed by its GroupEnd.
//
// Addresses form a singly linked list via Next. Ownership belongs to
// whichever envelope field or caller built the list.
type Address struct {
	Mailbox    string // ASCII after IDNToASCII; "" for a group sentinel
	Personal   string // display name; group name for a GroupStart sentinel
	GroupStart bool
	GroupEnd   bool

	// IDNChecked is true once IDNToASCII/IDNToUnicode has been applied.
	// Parsing never sets this; it is only touched by the explicit
	// conversion calls below.
	IDNChecked bool
	// Intl is true when Mailbox currently holds the Unicode (local) form
	// rather than the ASCII (IDNA2008) form.
	Intl bool

	Next *Address
}

// IsGroupSentinel reports whether a holds no mailbox and only marks a
// group boundary.
func (a *Address) IsGroupSentinel() bool {
	return a.GroupStart || a.GroupEnd
}

// Len returns the number of nodes in the list starting at a.
func (a *Address) Len() int {
	n := 0
	for cur := a; cur != nil; cur = cur.Next {
		n++
	}
	return n
}

// Append walks to the end of the list rooted at head (which may be nil)
// and appends tail, returning the resulting head.
func Append(head, tail *Address) *Address {
	if head == nil {
		return tail
	}
	cur := head
	for cur.Next != nil {
		cur = cur.Next
	}
	cur.Next = tail
	return head
}

// ForEach calls fn for every node in the list, in order.
func (a *Address) ForEach(fn func(*Address)) {
	for cur := a; cur != nil; cur = cur.Next {
		fn(cur)
	}
}

// ToIntl converts every non-sentinel address's Mailbox from ASCII
// (IDNA2008/punycode) to its Unicode local form. Parsing never does this
// implicitly; callers opt in explicitly, per the invariant that mailbox
// text is untouched until this is called.
func (a *Address) ToIntl() {
	for cur := a; cur != nil; cur = cur.Next {
		if cur.IsGroupSentinel() || cur.Intl {
			continue
		}
		local, domain, ok := splitAddr(cur.Mailbox)
		if !ok {
			continue
		}
		if u, err := idna.ToUnicode(domain); err == nil {
			cur.Mailbox = local + "@" + u
		}
		cur.IDNChecked = true
		cur.Intl = true
	}
}

// ToLocal converts every non-sentinel address's Mailbox from its Unicode
// form to ASCII (IDNA2008/punycode), the wire form required by SMTP/IMAP.
func (a *Address) ToLocal() {
	for cur := a; cur != nil; cur = cur.Next {
		if cur.IsGroupSentinel() || !cur.Intl {
			continue
		}
		local, domain, ok := splitAddr(cur.Mailbox)
		if !ok {
			continue
		}
		if ascii, err := idna.ToASCII(domain); err == nil {
			cur.Mailbox = local + "@" + ascii
		}
		cur.IDNChecked = true
		cur.Intl = false
	}
}

func splitAddr(mailbox string) (local, domain string, ok bool) {
	at := -1
	for i := len(mailbox) - 1; i >= 0; i-- {
		if mailbox[i] == '@' {
			at = i
			break
		}
	}
	if at < 0 {
		return "", "", false
	}
	return mailbox[:at], mailbox[at+1:], true
}
