// Package autocrypt implements the Autocrypt 1.1 peer/account store: a
// small relational cache of opportunistic OpenPGP keys keyed by mailbox,
// the Autocrypt-header ingestion rules, and the outbound recommendation
// and gossip algorithms that decide when a composed message should be
// encrypted. None of this exists in mutt proper — this package adapts the
// same sqlite-backed-store shape spilldb uses elsewhere to a domain mutt
// never had.
package autocrypt

import (
	"context"
	"fmt"
	"time"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
	"github.com/asaskevich/EventBus"
	"github.com/prometheus/client_golang/prometheus"
)

const dbSQL = `
CREATE TABLE IF NOT EXISTS AutocryptAccount (
	EmailAddr     TEXT PRIMARY KEY,
	KeyID         TEXT NOT NULL,
	KeyData       BLOB NOT NULL,
	PreferEncrypt INTEGER NOT NULL, -- 0 or 1
	Enabled       INTEGER NOT NULL  -- 0 or 1
);

CREATE TABLE IF NOT EXISTS AutocryptPeer (
	EmailAddr          TEXT PRIMARY KEY,
	LastSeen           INTEGER NOT NULL, -- unix seconds
	AutocryptTimestamp INTEGER NOT NULL, -- unix seconds
	KeyID              TEXT,
	KeyData            BLOB,
	PreferEncrypt      INTEGER NOT NULL,
	GossipTimestamp    INTEGER NOT NULL,
	GossipKeyID        TEXT,
	GossipKeyData      BLOB
);

CREATE TABLE IF NOT EXISTS AutocryptPeerHistory (
	EmailAddr TEXT NOT NULL,
	MessageID TEXT NOT NULL,
	Timestamp INTEGER NOT NULL,
	KeyData   BLOB NOT NULL,
	PRIMARY KEY (EmailAddr, MessageID)
);

CREATE TABLE IF NOT EXISTS AutocryptGossipHistory (
	EmailAddr     TEXT NOT NULL,
	SenderAddr    TEXT NOT NULL,
	MessageID     TEXT NOT NULL,
	Timestamp     INTEGER NOT NULL,
	GossipKeyData BLOB NOT NULL,
	PRIMARY KEY (EmailAddr, MessageID)
);
`

// PreferEncrypt is the Autocrypt "prefer-encrypt" attribute: absent means
// "nopreference" (mutual auto-encryption requires both sides opt in).
type PreferEncrypt int

const (
	PreferEncryptNone   PreferEncrypt = 0
	PreferEncryptMutual PreferEncrypt = 1
)

// Account is a locally owned Autocrypt identity.
type Account struct {
	EmailAddr     string
	KeyID         string
	KeyData       []byte
	PreferEncrypt PreferEncrypt
	Enabled       bool
}

// Peer is everything known about a correspondent's Autocrypt state.
type Peer struct {
	EmailAddr          string
	LastSeen           time.Time
	AutocryptTimestamp time.Time
	KeyID              string
	KeyData            []byte
	PreferEncrypt      PreferEncrypt
	GossipTimestamp    time.Time
	GossipKeyID        string
	GossipKeyData      []byte
}

// KeyImporter mediates the crypto engine this store needs but does not
// own: importing keydata into a keyring, and checking whether a keyid is
// still a valid (unexpired, unrevoked) key to encrypt to.
type KeyImporter interface {
	ImportKey(ctx context.Context, keydata []byte) (keyid string, err error)
	IsValidKey(ctx context.Context, keyid string) bool
}

// Metrics are the Prometheus counters for store activity.
type Metrics struct {
	HeadersIngested *prometheus.CounterVec // labels: kind (autocrypt/gossip), result
	Recommendations *prometheus.CounterVec // labels: outcome
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HeadersIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailcore_autocrypt_headers_ingested_total",
			Help: "Autocrypt/Autocrypt-Gossip headers processed, by kind and result.",
		}, []string{"kind", "result"}),
		Recommendations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailcore_autocrypt_recommendations_total",
			Help: "Outbound Autocrypt recommendation outcomes.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.HeadersIngested, m.Recommendations)
	return m
}

// Store is the Autocrypt account/peer database plus the key engine used
// to validate and import keydata it ingests from the wire.
type Store struct {
	dbpool   *sqlitex.Pool
	Importer KeyImporter
	Bus      EventBus.Bus
	Metrics  *Metrics
	Logf     func(format string, v ...interface{})
}

// Events published on Bus when a peer's key state changes, so an
// interactive front-end can surface "new key learned for X" without this
// package depending on any UI.
const (
	EventKeyLearned       = "autocrypt:key:learned"
	EventGossipKeyLearned = "autocrypt:gossip:learned"
)

// New opens (creating if necessary) the Autocrypt tables in dbpool.
func New(dbpool *sqlitex.Pool, importer KeyImporter) (*Store, error) {
	conn := dbpool.Get(nil)
	defer dbpool.Put(conn)
	if err := sqlitex.ExecScript(conn, dbSQL); err != nil {
		return nil, fmt.Errorf("autocrypt.New: %v", err)
	}
	return &Store{dbpool: dbpool, Importer: importer}, nil
}

func (s *Store) logf(format string, v ...interface{}) {
	if s.Logf != nil {
		s.Logf(format, v...)
	}
}

func (s *Store) publish(topic string, args ...interface{}) {
	if s.Bus != nil {
		s.Bus.Publish(topic, args...)
	}
}

func (s *Store) observe(kind, result string) {
	if s.Metrics != nil {
		s.Metrics.HeadersIngested.WithLabelValues(kind, result).Inc()
	}
}

// Account returns the locally owned identity for emailAddr, or
// (nil, nil) if none exists. emailAddr must already be normalized (see
// NormalizeMailbox).
func (s *Store) Account(ctx context.Context, emailAddr string) (*Account, error) {
	conn := s.dbpool.Get(ctx)
	if conn == nil {
		return nil, context.Canceled
	}
	defer s.dbpool.Put(conn)

	stmt := conn.Prep(`SELECT KeyID, KeyData, PreferEncrypt, Enabled FROM AutocryptAccount WHERE EmailAddr = $addr;`)
	stmt.SetText("$addr", emailAddr)
	has, err := stmt.Step()
	if err != nil {
		return nil, err
	}
	if !has {
		stmt.Reset()
		return nil, nil
	}
	a := &Account{
		EmailAddr:     emailAddr,
		KeyID:         stmt.GetText("KeyID"),
		PreferEncrypt: PreferEncrypt(stmt.GetInt64("PreferEncrypt")),
		Enabled:       stmt.GetInt64("Enabled") != 0,
	}
	a.KeyData = make([]byte, stmt.GetLen("KeyData"))
	stmt.GetBytes("KeyData", a.KeyData)
	stmt.Reset()
	return a, nil
}

// PutAccount inserts or replaces the local account record for
// a.EmailAddr.
func (s *Store) PutAccount(ctx context.Context, a *Account) (err error) {
	conn := s.dbpool.Get(ctx)
	if conn == nil {
		return context.Canceled
	}
	defer s.dbpool.Put(conn)
	defer sqlitex.Save(conn)(&err)

	stmt := conn.Prep(`INSERT INTO AutocryptAccount (
			EmailAddr, KeyID, KeyData, PreferEncrypt, Enabled
		) VALUES (
			$addr, $keyid, $keydata, $prefer, $enabled
		) ON CONFLICT (EmailAddr) DO UPDATE SET
			KeyID=$keyid, KeyData=$keydata, PreferEncrypt=$prefer, Enabled=$enabled;`)
	stmt.SetText("$addr", a.EmailAddr)
	stmt.SetText("$keyid", a.KeyID)
	stmt.SetBytes("$keydata", a.KeyData)
	stmt.SetInt64("$prefer", int64(a.PreferEncrypt))
	enabled := int64(0)
	if a.Enabled {
		enabled = 1
	}
	stmt.SetInt64("$enabled", enabled)
	_, err = stmt.Step()
	return err
}

// Peer returns the peer record for emailAddr, or (nil, nil) if none
// exists.
func (s *Store) Peer(ctx context.Context, emailAddr string) (*Peer, error) {
	conn := s.dbpool.Get(ctx)
	if conn == nil {
		return nil, context.Canceled
	}
	defer s.dbpool.Put(conn)
	return getPeer(conn, emailAddr)
}

// getPeer reads the peer record for emailAddr using an already-acquired
// connection, so callers that need to read-then-write within one
// transaction (the ingestion paths) don't check a second connection out
// of the pool just to do the lookup half.
func getPeer(conn *sqlite.Conn, emailAddr string) (*Peer, error) {
	stmt := conn.Prep(`SELECT LastSeen, AutocryptTimestamp, KeyID, KeyData,
			PreferEncrypt, GossipTimestamp, GossipKeyID, GossipKeyData
		FROM AutocryptPeer WHERE EmailAddr = $addr;`)
	stmt.SetText("$addr", emailAddr)
	has, err := stmt.Step()
	if err != nil {
		return nil, err
	}
	if !has {
		stmt.Reset()
		return nil, nil
	}
	p := scanPeer(stmt, emailAddr)
	stmt.Reset()
	return p, nil
}

func scanPeer(stmt *sqlite.Stmt, emailAddr string) *Peer {
	p := &Peer{
		EmailAddr:          emailAddr,
		LastSeen:           time.Unix(stmt.GetInt64("LastSeen"), 0),
		AutocryptTimestamp: time.Unix(stmt.GetInt64("AutocryptTimestamp"), 0),
		KeyID:              stmt.GetText("KeyID"),
		PreferEncrypt:      PreferEncrypt(stmt.GetInt64("PreferEncrypt")),
		GossipTimestamp:    time.Unix(stmt.GetInt64("GossipTimestamp"), 0),
		GossipKeyID:        stmt.GetText("GossipKeyID"),
	}
	p.KeyData = make([]byte, stmt.GetLen("KeyData"))
	stmt.GetBytes("KeyData", p.KeyData)
	p.GossipKeyData = make([]byte, stmt.GetLen("GossipKeyData"))
	stmt.GetBytes("GossipKeyData", p.GossipKeyData)
	return p
}

// putPeer inserts or replaces p, the caller's responsibility to run
// inside a transaction alongside any history row it writes.
func putPeer(conn *sqlite.Conn, p *Peer) error {
	stmt := conn.Prep(`INSERT INTO AutocryptPeer (
			EmailAddr, LastSeen, AutocryptTimestamp, KeyID, KeyData,
			PreferEncrypt, GossipTimestamp, GossipKeyID, GossipKeyData
		) VALUES (
			$addr, $lastSeen, $acTimestamp, $keyid, $keydata,
			$prefer, $gossipTimestamp, $gossipKeyID, $gossipKeyData
		) ON CONFLICT (EmailAddr) DO UPDATE SET
			LastSeen=$lastSeen, AutocryptTimestamp=$acTimestamp,
			KeyID=$keyid, KeyData=$keydata, PreferEncrypt=$prefer,
			GossipTimestamp=$gossipTimestamp, GossipKeyID=$gossipKeyID,
			GossipKeyData=$gossipKeyData;`)
	stmt.SetText("$addr", p.EmailAddr)
	stmt.SetInt64("$lastSeen", p.LastSeen.Unix())
	stmt.SetInt64("$acTimestamp", p.AutocryptTimestamp.Unix())
	stmt.SetText("$keyid", p.KeyID)
	stmt.SetBytes("$keydata", p.KeyData)
	stmt.SetInt64("$prefer", int64(p.PreferEncrypt))
	stmt.SetInt64("$gossipTimestamp", p.GossipTimestamp.Unix())
	stmt.SetText("$gossipKeyID", p.GossipKeyID)
	stmt.SetBytes("$gossipKeyData", p.GossipKeyData)
	_, err := stmt.Step()
	return err
}

func insertPeerHistory(conn *sqlite.Conn, emailAddr, messageID string, ts time.Time, keydata []byte) error {
	stmt := conn.Prep(`INSERT INTO AutocryptPeerHistory (
			EmailAddr, MessageID, Timestamp, KeyData
		) VALUES ($addr, $msgid, $ts, $keydata)
		ON CONFLICT (EmailAddr, MessageID) DO UPDATE SET Timestamp=$ts, KeyData=$keydata;`)
	stmt.SetText("$addr", emailAddr)
	stmt.SetText("$msgid", messageID)
	stmt.SetInt64("$ts", ts.Unix())
	stmt.SetBytes("$keydata", keydata)
	_, err := stmt.Step()
	return err
}

func insertGossipHistory(conn *sqlite.Conn, emailAddr, senderAddr, messageID string, ts time.Time, keydata []byte) error {
	stmt := conn.Prep(`INSERT INTO AutocryptGossipHistory (
			EmailAddr, SenderAddr, MessageID, Timestamp, GossipKeyData
		) VALUES ($addr, $sender, $msgid, $ts, $keydata)
		ON CONFLICT (EmailAddr, MessageID) DO UPDATE SET
			SenderAddr=$sender, Timestamp=$ts, GossipKeyData=$keydata;`)
	stmt.SetText("$addr", emailAddr)
	stmt.SetText("$sender", senderAddr)
	stmt.SetText("$msgid", messageID)
	stmt.SetInt64("$ts", ts.Unix())
	stmt.SetBytes("$keydata", keydata)
	_, err := stmt.Step()
	return err
}
