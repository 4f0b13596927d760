package email

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/xid"
)

// Changed bits flag which Envelope fields a caller has mutated since
// parsing, so a later encode pass knows which headers must be rewritten
// rather than copied through verbatim.
type Changed uint32

const (
	ChangedSubject Changed = 1 << iota
	ChangedFrom
	ChangedTo
	ChangedCC
	ChangedBCC
	ChangedReplyTo
	ChangedMessageID
	ChangedReferences
	ChangedXLabel
)

// Envelope holds the structured fields of a message's top-level header, as
// distinct from its MIME content tree (see the mime package).
//
// Invariant: RealSubjOffset <= len(Subject). References is stored
// reverse-chronologically, the most recently added (outermost, usually
// the immediate parent) Message-ID first.
type Envelope struct {
	ReturnPath     *Address
	From           *Address
	Sender         *Address
	ReplyTo        *Address
	To             *Address
	CC             *Address
	BCC            *Address
	MailFollowupTo *Address

	Subject        string
	RealSubjOffset int    // index into Subject past any reply/forward prefix
	DispSubj       string // Subject after configured rewrite rules; "" if unmodified

	MessageID  string
	Supersedes string

	Date                string // raw header value, unparsed
	DateSent            time.Time
	DateSentZoneUnknown bool // Date: had no parseable timezone; DateSent assumes +0000

	XLabel string
	Spam   string

	References []string // reverse-chronological, most recent first
	InReplyTo  []string

	ListPost string // first mailto: target found in List-Post:, if any

	UserHdrs []string // unrecognized header lines, "Key: Value", in file order

	Autocrypt       []string // raw Autocrypt: header values, one per occurrence
	AutocryptGossip []string // raw Autocrypt-Gossip: header values

	Changed Changed
}

// AddressParser is the subset of third_party/imf that ParseEnvelope needs,
// so this package stays independent of the header-reading layer it is
// normally driven by.
type AddressParser interface {
	ParseAddressList(s string) (*Address, error)
	ParseReferences(s string) (refs []string, err error)
}

// ListConfig carries the auto-subscribe and spam-tagging configuration a
// caller may supply to ParseEnvelope. A zero value disables both features.
type ListConfig struct {
	AutoSubscribe bool
	// Subscribed receives an address's mailbox when List-Post: extraction
	// and auto-subscribe succeed; it de-duplicates across repeated calls.
	Subscribed map[string]bool
	// MailLists, SubscribedLists, UnMailLists, UnSubscribedLists mirror
	// mutt's rx-list quadruple: a mailbox only auto-subscribes if it is
	// not already known to MailLists/SubscribedLists and does not match
	// UnMailLists or UnSubscribedLists.
	MailLists, SubscribedLists, UnMailLists, UnSubscribedLists []*regexp.Regexp
}

func matchesAny(list []*regexp.Regexp, s string) bool {
	for _, rx := range list {
		if rx.MatchString(s) {
			return true
		}
	}
	return false
}

// SpamRule is one configured spam-tagging entry: a regex matched against a
// raw "Key: Value" header line, and a replacement template using Go regexp
// submatch syntax ("$1", "$2", ...) to build the spam tag from the match.
type SpamRule struct {
	Pattern     *regexp.Regexp
	Replacement string
}

// SpamConfig drives spam-tag accumulation across multiple matching
// SpamRules, mirroring mutt's spam_list/nospam_list/spam_separator trio.
type SpamConfig struct {
	Rules     []SpamRule
	NoSpam    []*regexp.Regexp
	Separator string // joins multiple matches; "" means later matches overwrite
}

func (c *SpamConfig) apply(e *Envelope, rawLine string) {
	if c == nil {
		return
	}
	for _, rule := range c.Rules {
		loc := rule.Pattern.FindStringSubmatchIndex(rawLine)
		if loc == nil {
			continue
		}
		if matchesAny(c.NoSpam, rawLine) {
			return
		}
		tag := string(rule.Pattern.ExpandString(nil, c.Replacement, rawLine, loc))
		switch {
		case e.Spam != "" && tag != "":
			if c.Separator != "" {
				e.Spam = e.Spam + c.Separator + tag
			} else {
				e.Spam = tag
			}
		case e.Spam == "" && tag != "":
			e.Spam = tag
		case e.Spam == "":
			e.Spam = ""
		}
		return
	}
}

// DefaultReplyRegexp matches the leading reply/forward markers ParseEnvelope
// strips from Subject to compute RealSubjOffset when no custom pattern is
// supplied: "Re:", "Aw:", "Fwd:"/"Fw:", optionally followed by a bracketed
// counter ("Re[2]:"), repeated once (matching a single regexec pass, not an
// iterative strip).
var DefaultReplyRegexp = regexp.MustCompile(`(?i)^(re|aw|fwd?)(\[[0-9]+\])*:[ \t]*`)

// ParseEnvelope fills an Envelope from hdr's entries, dispatching each
// recognised header by case-insensitive first letter and then full prefix
// match (matching the dispatch table this package's header-line handling
// is grounded on), and appending anything unrecognised to UserHdrs.
// addrs supplies address-list and reference parsing (normally
// third_party/imf); list and spam configure the optional auto-subscribe
// and spam-tagging passes. replyRegexp computes RealSubjOffset; a nil
// value uses DefaultReplyRegexp.
func ParseEnvelope(hdr *Header, addrs AddressParser, list *ListConfig, spam *SpamConfig, replyRegexp *regexp.Regexp) (*Envelope, error) {
	e := &Envelope{}
	for _, entry := range hdr.Entries {
		key := string(entry.Key)
		val := strings.TrimSpace(string(entry.Value))
		if val == "" {
			continue
		}
		if spam != nil {
			spam.apply(e, key+": "+string(entry.Value))
		}
		matched, err := e.dispatch(key, val, addrs, list)
		if err != nil {
			return nil, err
		}
		if !matched {
			e.UserHdrs = append(e.UserHdrs, key+": "+val)
		}
	}
	if e.Subject != "" {
		rx := replyRegexp
		if rx == nil {
			rx = DefaultReplyRegexp
		}
		if loc := rx.FindStringIndex(e.Subject); loc != nil {
			e.RealSubjOffset = loc[1]
		}
	}
	return e, nil
}

func (e *Envelope) dispatch(key, val string, addrs AddressParser, list *ListConfig) (matched bool, err error) {
	lower := strings.ToLower(key)
	switch lower[0] {
	case 'a':
		switch lower {
		case "apparently-to":
			e.To, err = appendAddrs(addrs, e.To, val)
			return true, err
		case "apparently-from":
			e.From, err = appendAddrs(addrs, e.From, val)
			return true, err
		case "autocrypt":
			e.Autocrypt = append(e.Autocrypt, val)
			return true, nil
		case "autocrypt-gossip":
			e.AutocryptGossip = append(e.AutocryptGossip, val)
			return true, nil
		}
	case 'b':
		if lower == "bcc" {
			e.BCC, err = appendAddrs(addrs, e.BCC, val)
			return true, err
		}
	case 'c':
		if lower == "cc" {
			e.CC, err = appendAddrs(addrs, e.CC, val)
			return true, err
		}
		if strings.HasPrefix(lower, "content-") {
			// Belongs to the MIME body node, not the envelope; the mime
			// package's parser reads Content-* headers directly off hdr
			// rather than through ParseEnvelope. Still "matched" here so
			// it isn't also filed as a user header.
			return true, nil
		}
	case 'd':
		if lower == "date" {
			e.Date = val
			t, zoneUnknown, perr := ParseDate(val)
			if perr == nil {
				e.DateSent = t
				e.DateSentZoneUnknown = zoneUnknown
			}
			return true, nil
		}
	case 'f':
		if lower == "from" {
			e.From, err = appendAddrs(addrs, e.From, val)
			return true, err
		}
	case 'i':
		if lower == "in-reply-to" {
			e.InReplyTo = parseRefs(addrs, val)
			return true, nil
		}
	case 'l':
		switch lower {
		case "list-post":
			target := extractMailto(val)
			if target != "" {
				e.ListPost = target
				maybeAutoSubscribe(list, target)
			}
			return true, nil
		case "lines":
			return true, nil
		}
	case 'm':
		switch lower {
		case "mime-version":
			return true, nil
		case "message-id":
			e.MessageID = extractMessageID(val)
			return true, nil
		case "mail-reply-to":
			e.ReplyTo, err = appendAddrs(addrs, nil, val)
			return true, err
		case "mail-followup-to":
			e.MailFollowupTo, err = appendAddrs(addrs, e.MailFollowupTo, val)
			return true, err
		}
	case 'r':
		switch lower {
		case "references":
			e.References = parseRefs(addrs, val)
			return true, nil
		case "reply-to":
			e.ReplyTo, err = appendAddrs(addrs, e.ReplyTo, val)
			return true, err
		case "return-path":
			e.ReturnPath, err = appendAddrs(addrs, e.ReturnPath, val)
			return true, err
		}
	case 's':
		switch lower {
		case "subject":
			if e.Subject == "" {
				e.Subject = val
			}
			return true, nil
		case "sender":
			e.Sender, err = appendAddrs(addrs, e.Sender, val)
			return true, err
		case "supersedes":
			e.Supersedes = val
			return true, nil
		}
	case 't':
		if lower == "to" {
			e.To, err = appendAddrs(addrs, e.To, val)
			return true, err
		}
	case 'x':
		if lower == "x-label" {
			e.XLabel = val
			return true, nil
		}
	}
	return false, nil
}

func appendAddrs(addrs AddressParser, head *Address, val string) (*Address, error) {
	if addrs == nil {
		return head, nil
	}
	list, err := addrs.ParseAddressList(val)
	if err != nil {
		return head, nil // malformed address lists are dropped, not fatal
	}
	return Append(head, list), nil
}

func parseRefs(addrs AddressParser, val string) []string {
	if addrs == nil {
		return nil
	}
	refs, err := addrs.ParseReferences(val)
	if err != nil {
		return nil
	}
	return refs
}

// extractMessageID pulls the first bracketed "<...>" token out of s,
// matching mutt_extract_message_id's strict (bracketed-only) mode.
func extractMessageID(s string) string {
	start := strings.IndexByte(s, '<')
	if start < 0 {
		return ""
	}
	end := strings.IndexByte(s[start:], '>')
	if end < 0 {
		return ""
	}
	return s[start : start+end+1]
}

// GenerateMessageID synthesizes an RFC 5322 Message-ID using a
// collision-resistant xid as the local-part. Unlike mutt's PID-plus-
// counter scheme, xid already bakes in a timestamp, machine ID, and
// process ID, so no caller-maintained sequence counter is needed.
func GenerateMessageID(domain string) string {
	return fmt.Sprintf("<%s@%s>", xid.New().String(), domain)
}

// EnsureMessageID returns e.MessageID, synthesizing and recording one
// against domain first if the message arrived (or was built) with none.
// History-keyed consumers (Autocrypt peer/gossip history, which primary-keys
// on (EmailAddr, MessageID)) need a non-empty, unique value even for a
// message whose Message-ID: header was absent or stripped.
func (e *Envelope) EnsureMessageID(domain string) string {
	if e.MessageID != "" {
		return e.MessageID
	}
	e.MessageID = GenerateMessageID(domain)
	e.Changed |= ChangedMessageID
	return e.MessageID
}

// extractMailto returns the first "<...>" token in s that is a mailto:
// URL, matching mutt_parse_list_header's scan of comma-separated
// angle-bracketed List-Post: targets.
func extractMailto(s string) string {
	for {
		start := strings.IndexByte(s, '<')
		if start < 0 {
			return ""
		}
		s = s[start+1:]
		end := strings.IndexByte(s, '>')
		if end < 0 {
			return ""
		}
		target := s[:end]
		if strings.HasPrefix(strings.ToLower(target), "mailto:") {
			return target
		}
		s = s[end+1:]
	}
}

func maybeAutoSubscribe(list *ListConfig, mailtoTarget string) {
	if list == nil || !list.AutoSubscribe {
		return
	}
	addr := strings.TrimPrefix(mailtoTarget, "mailto:")
	if i := strings.IndexByte(addr, '?'); i >= 0 {
		addr = addr[:i]
	}
	if addr == "" {
		return
	}
	if matchesAny(list.MailLists, addr) || matchesAny(list.SubscribedLists, addr) {
		return
	}
	if matchesAny(list.UnMailLists, addr) || matchesAny(list.UnSubscribedLists, addr) {
		return
	}
	if list.Subscribed == nil {
		return
	}
	list.Subscribed[addr] = true
}
