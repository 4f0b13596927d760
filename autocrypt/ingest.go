package autocrypt

import (
	"bytes"
	"context"
	"time"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
)

// futureSkew is how far past "now" a message's Date may claim to be
// before its Autocrypt headers are ignored outright — an email claiming
// to be from next month could otherwise block every legitimate update
// until that date arrives.
const futureSkew = 7 * 24 * time.Hour

// IngestAutocryptHeader applies the Autocrypt 1.1 ingestion rules for an
// incoming message's Autocrypt: headers (spec.md §4.10). from must
// already be NormalizeMailbox'd; it is the message's unique From
// mailbox, or "" if the message had more than one From address (the
// caller is responsible for that check, since this package has no
// header-parsing dependency). isMultipartReport is the message's
// top-level Content-Type test.
func (s *Store) IngestAutocryptHeader(ctx context.Context, messageID, from string, dateSent time.Time, isMultipartReport bool, rawHeaders []string) error {
	if from == "" || isMultipartReport {
		return nil
	}
	if dateSent.After(time.Now().Add(futureSkew)) {
		return nil
	}

	var valid *Header
	for _, h := range ParseHeaders(rawHeaders) {
		if !h.Valid || h.Addr != from {
			continue
		}
		if valid != nil {
			// More than one valid header for this From: RFC rule says
			// treat the message as if none were present.
			valid = nil
			break
		}
		valid = h
	}

	conn := s.dbpool.Get(ctx)
	if conn == nil {
		return context.Canceled
	}
	defer s.dbpool.Put(conn)

	peer, err := getPeer(conn, from)
	if err != nil {
		s.observe("autocrypt", "error")
		return err
	}

	if peer != nil && !dateSent.After(peer.AutocryptTimestamp) {
		s.observe("autocrypt", "stale")
		return nil
	}

	updateDB := false
	insertDB := peer == nil && valid != nil
	insertHistory := false
	importGPG := false

	if peer == nil {
		if valid == nil {
			s.observe("autocrypt", "no_header")
			return nil
		}
		peer = &Peer{
			EmailAddr:          from,
			LastSeen:           dateSent,
			AutocryptTimestamp: dateSent,
			KeyData:            valid.KeyData,
			PreferEncrypt:      valid.PreferEncrypt,
			GossipTimestamp:    time.Unix(0, 0),
		}
		importGPG = true
		insertHistory = true
	} else {
		if dateSent.After(peer.LastSeen) {
			updateDB = true
			peer.LastSeen = dateSent
		}
		if valid != nil {
			updateDB = true
			peer.AutocryptTimestamp = dateSent
			peer.PreferEncrypt = valid.PreferEncrypt
			if !bytes.Equal(peer.KeyData, valid.KeyData) {
				importGPG = true
				insertHistory = true
				peer.KeyData = valid.KeyData
			}
		}
		if !(importGPG || insertDB || updateDB) {
			s.observe("autocrypt", "no_change")
			return nil
		}
	}

	if importGPG && s.Importer != nil {
		keyid, err := s.Importer.ImportKey(ctx, peer.KeyData)
		if err != nil {
			s.observe("autocrypt", "import_error")
			return err
		}
		peer.KeyID = keyid
	}

	err = sqlitexSave(conn, func() error {
		if err := putPeer(conn, peer); err != nil {
			return err
		}
		if insertHistory {
			if err := insertPeerHistory(conn, from, messageID, dateSent, peer.KeyData); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.observe("autocrypt", "db_error")
		return err
	}

	s.observe("autocrypt", "updated")
	if importGPG {
		s.publish(EventKeyLearned, from, peer.KeyID)
	}
	return nil
}

// IngestGossipHeader applies the Autocrypt 1.1 gossip ingestion rules
// for an incoming message's Autocrypt-Gossip: headers found inside the
// protected-header section of a signed+encrypted multipart (spec.md
// §4.10). recipients is the outer message's To+Cc+Reply-To list, group
// markers removed, each entry already NormalizeMailbox'd; from is the
// message's From mailbox, used only to attribute gossip_history rows.
func (s *Store) IngestGossipHeader(ctx context.Context, messageID, from string, dateSent time.Time, recipients []string, rawGossipHeaders []string) error {
	if dateSent.After(time.Now().Add(futureSkew)) {
		return nil
	}

	recipSet := make(map[string]bool, len(recipients))
	for _, r := range recipients {
		recipSet[r] = true
	}

	conn := s.dbpool.Get(ctx)
	if conn == nil {
		return context.Canceled
	}
	defer s.dbpool.Put(conn)

	for _, h := range ParseHeaders(rawGossipHeaders) {
		if !h.Valid || !recipSet[h.Addr] {
			continue
		}
		if err := s.ingestOneGossip(ctx, conn, messageID, from, dateSent, h); err != nil {
			s.observe("gossip", "error")
			return err
		}
	}
	return nil
}

func (s *Store) ingestOneGossip(ctx context.Context, conn *sqlite.Conn, messageID, from string, dateSent time.Time, h *Header) error {
	peer, err := getPeer(conn, h.Addr)
	if err != nil {
		return err
	}

	updateDB := false
	insertDB := peer == nil
	importGPG := false

	if peer == nil {
		peer = &Peer{
			EmailAddr: h.Addr,
			// LastSeen/AutocryptTimestamp stay at the epoch sentinel: no
			// Autocrypt: header has ever been seen for this peer, only
			// gossip, which Recommend treats as "stale" regardless of
			// the 35-day threshold.
			LastSeen:           time.Unix(0, 0),
			AutocryptTimestamp: time.Unix(0, 0),
			GossipTimestamp:    dateSent,
			GossipKeyData:      h.KeyData,
		}
		importGPG = true
	} else {
		if !dateSent.After(peer.GossipTimestamp) {
			s.observe("gossip", "stale")
			return nil
		}
		updateDB = true
		peer.GossipTimestamp = dateSent

		// Avoid setting an empty peer.GossipKeyData with a value that
		// only matches the already-known peer.KeyData — the same
		// deliberate deviation from the 1.1 spec's letter that the
		// original ingestion logic makes.
		differs := false
		if len(peer.GossipKeyData) > 0 {
			differs = !bytes.Equal(peer.GossipKeyData, h.KeyData)
		} else {
			differs = !bytes.Equal(peer.KeyData, h.KeyData)
		}
		if differs {
			importGPG = true
			peer.GossipKeyData = h.KeyData
		}
	}

	if !(importGPG || insertDB || updateDB) {
		return nil
	}

	if importGPG && s.Importer != nil {
		keyid, err := s.Importer.ImportKey(ctx, peer.GossipKeyData)
		if err != nil {
			return err
		}
		peer.GossipKeyID = keyid
	}

	err = sqlitexSave(conn, func() error {
		if err := putPeer(conn, peer); err != nil {
			return err
		}
		if importGPG {
			if err := insertGossipHistory(conn, h.Addr, from, messageID, dateSent, peer.GossipKeyData); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.observe("gossip", "updated")
	if importGPG {
		s.publish(EventGossipKeyLearned, h.Addr, peer.GossipKeyID)
	}
	return nil
}

func sqlitexSave(conn *sqlite.Conn, fn func() error) (err error) {
	defer sqlitex.Save(conn)(&err)
	return fn()
}
