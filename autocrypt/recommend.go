package autocrypt

import (
	"context"
	"time"
)

// Recommendation is the outbound encryption posture spec.md §4.10 derives
// for a composed message, mirroring autocrypt_rec_t.
type Recommendation int

const (
	RecOff        Recommendation = iota // no usable account for From
	RecNo                               // at least one recipient has no usable key
	RecDiscourage                       // usable, but a key is stale or gossip-only
	RecAvailable                        // usable, but not both sides prefer-encrypt
	RecYes                              // usable and every side prefers encryption
)

func (r Recommendation) String() string {
	switch r {
	case RecOff:
		return "off"
	case RecNo:
		return "no"
	case RecDiscourage:
		return "discourage"
	case RecAvailable:
		return "available"
	case RecYes:
		return "yes"
	}
	return "unknown"
}

// staleThreshold is the 35-day window spec.md's recommendation algorithm
// uses to decide a peer's key deserves a "discourage" recommendation even
// though it is technically still usable.
const staleThreshold = 35 * 24 * time.Hour

// Recommend computes the outbound recommendation for a message from
// "from" (already NormalizeMailbox'd) to recipients (To+Cc+Bcc,
// normalized, group markers removed, deduplicated by the caller). When
// the result is anything but RecOff/RecNo it also returns the key list:
// the account's own keyid followed by one matching key per recipient, in
// recipient order.
func (s *Store) Recommend(ctx context.Context, from string, recipients []string) (Recommendation, []string, error) {
	account, err := s.Account(ctx, from)
	if err != nil {
		return RecOff, nil, err
	}
	if account == nil || !account.Enabled {
		s.observeRec(RecOff)
		return RecOff, nil, nil
	}

	if len(recipients) == 0 {
		s.observeRec(RecNo)
		return RecNo, nil, nil
	}

	keylist := []string{account.KeyID}
	allEncrypt := true
	hasDiscourage := false

	for _, r := range recipients {
		peer, err := s.Peer(ctx, r)
		if err != nil {
			return RecOff, nil, err
		}

		var matchingKey string
		switch {
		case peer != nil && s.isValidKey(ctx, peer.KeyID):
			matchingKey = peer.KeyID
			if peer.LastSeen.Unix() == 0 || peer.AutocryptTimestamp.Unix() == 0 ||
				peer.LastSeen.Sub(peer.AutocryptTimestamp) > staleThreshold {
				hasDiscourage = true
				allEncrypt = false
			}
			if account.PreferEncrypt != PreferEncryptMutual || peer.PreferEncrypt != PreferEncryptMutual {
				allEncrypt = false
			}
		case peer != nil && s.isValidKey(ctx, peer.GossipKeyID):
			matchingKey = peer.GossipKeyID
			hasDiscourage = true
			allEncrypt = false
		default:
			s.observeRec(RecNo)
			return RecNo, nil, nil
		}

		keylist = append(keylist, matchingKey)
	}

	var rec Recommendation
	switch {
	case allEncrypt:
		rec = RecYes
	case hasDiscourage:
		rec = RecDiscourage
	default:
		rec = RecAvailable
	}
	s.observeRec(rec)
	return rec, keylist, nil
}

func (s *Store) isValidKey(ctx context.Context, keyid string) bool {
	if keyid == "" || s.Importer == nil {
		return false
	}
	return s.Importer.IsValidKey(ctx, keyid)
}

func (s *Store) observeRec(r Recommendation) {
	if s.Metrics != nil {
		s.Metrics.Recommendations.WithLabelValues(r.String()).Inc()
	}
}

// GossipHeaders builds the raw Autocrypt-Gossip: header values (without
// the header name) to attach to an outgoing message, one per recipient
// in to+cc with a known key, plus one per replyTo address that resolves
// to either a local account or a known peer — replyTo addresses are
// treated as both potential account and potential peer sources, per
// spec.md §4.10's gossip emission rule.
func (s *Store) GossipHeaders(ctx context.Context, to, cc, replyTo []string) ([]string, error) {
	var headers []string
	seen := map[string]bool{}

	addFromPeer := func(addr string) error {
		if seen[addr] {
			return nil
		}
		peer, err := s.Peer(ctx, addr)
		if err != nil {
			return err
		}
		if peer == nil {
			return nil
		}
		keydata := peer.KeyData
		if s.isValidKey(ctx, peer.GossipKeyID) && !s.isValidKey(ctx, peer.KeyID) {
			keydata = peer.GossipKeyData
		}
		if len(keydata) == 0 {
			return nil
		}
		seen[addr] = true
		headers = append(headers, FormatHeader(addr, PreferEncryptNone, keydata))
		return nil
	}

	for _, addr := range append(append([]string{}, to...), cc...) {
		if err := addFromPeer(addr); err != nil {
			return nil, err
		}
	}

	for _, addr := range replyTo {
		if seen[addr] {
			continue
		}
		if account, err := s.Account(ctx, addr); err != nil {
			return nil, err
		} else if account != nil {
			seen[addr] = true
			headers = append(headers, FormatHeader(addr, PreferEncryptNone, account.KeyData))
			continue
		}
		if err := addFromPeer(addr); err != nil {
			return nil, err
		}
	}

	return headers, nil
}

// AccountHeader returns the raw Autocrypt: header value (without the
// header name) this account should attach to its own outgoing mail, or
// ok=false if there is no enabled account for from.
func (s *Store) AccountHeader(ctx context.Context, from string) (value string, ok bool, err error) {
	account, err := s.Account(ctx, from)
	if err != nil {
		return "", false, err
	}
	if account == nil || !account.Enabled || len(account.KeyData) == 0 {
		return "", false, nil
	}
	return FormatHeader(account.EmailAddr, account.PreferEncrypt, account.KeyData), true, nil
}
