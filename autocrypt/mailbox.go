package autocrypt

import (
	"strings"

	"golang.org/x/net/idna"
)

// NormalizeMailbox lower-cases addr and IDNA-ASCII-folds its domain, the
// normalization spec.md requires before any account/peer lookup so that
// "Jane@Example.COM" and "jane@example.com" are the same peer.
func NormalizeMailbox(addr string) string {
	addr = strings.TrimSpace(addr)
	at := strings.LastIndexByte(addr, '@')
	if at < 0 {
		return strings.ToLower(addr)
	}
	local := strings.ToLower(addr[:at])
	domain := addr[at+1:]
	if ascii, err := idna.ToASCII(domain); err == nil {
		domain = ascii
	}
	return local + "@" + strings.ToLower(domain)
}

// NormalizeMailboxes applies NormalizeMailbox to every entry of addrs.
func NormalizeMailboxes(addrs []string) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = NormalizeMailbox(a)
	}
	return out
}
