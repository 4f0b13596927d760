package autocrypt

import (
	"context"
	"encoding/base64"
	"fmt"
	"testing"
	"time"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
)

// fakeImporter is a KeyImporter that treats keydata's own contents as its
// fingerprint (no actual keyring involved) and considers any non-empty
// keyid valid unless it has been explicitly marked invalid.
type fakeImporter struct {
	invalid map[string]bool
	imports int
}

func (f *fakeImporter) ImportKey(ctx context.Context, keydata []byte) (string, error) {
	f.imports++
	return "fpr:" + string(keydata), nil
}

func (f *fakeImporter) IsValidKey(ctx context.Context, keyid string) bool {
	if keyid == "" {
		return false
	}
	return !f.invalid[keyid]
}

func newTestStore(t *testing.T, importer KeyImporter) *Store {
	t.Helper()
	flags := sqlite.SQLITE_OPEN_READWRITE | sqlite.SQLITE_OPEN_CREATE | sqlite.SQLITE_OPEN_SHAREDCACHE | sqlite.SQLITE_OPEN_URI
	name := fmt.Sprintf("file:autocrypt-test-%d?mode=memory&cache=shared", time.Now().UnixNano())
	dbpool, err := sqlitex.Open(name, flags, 4)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { dbpool.Close() })

	s, err := New(dbpool, importer)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestAccountRoundTrip(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	a := &Account{
		EmailAddr:     "me@example.com",
		KeyID:         "fpr1",
		KeyData:       []byte("keydata-1"),
		PreferEncrypt: PreferEncryptMutual,
		Enabled:       true,
	}
	if err := s.PutAccount(ctx, a); err != nil {
		t.Fatal(err)
	}

	got, err := s.Account(ctx, "me@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("Account returned nil after PutAccount")
	}
	if got.KeyID != a.KeyID || string(got.KeyData) != string(a.KeyData) || !got.Enabled {
		t.Errorf("got %+v, want %+v", got, a)
	}
}

func TestIngestAutocryptHeaderCreatesPeer(t *testing.T) {
	importer := &fakeImporter{invalid: map[string]bool{}}
	s := newTestStore(t, importer)
	ctx := context.Background()

	raw := "addr=bob@example.com; keydata=" + b64("bobs-key")
	date := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := s.IngestAutocryptHeader(ctx, "msg1", "bob@example.com", date, false, []string{raw}); err != nil {
		t.Fatal(err)
	}

	peer, err := s.Peer(ctx, "bob@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if peer == nil {
		t.Fatal("no peer created")
	}
	if string(peer.KeyData) != "bobs-key" {
		t.Errorf("KeyData = %q", peer.KeyData)
	}
	if peer.KeyID != "fpr:bobs-key" {
		t.Errorf("KeyID = %q, want imported fingerprint", peer.KeyID)
	}
	if importer.imports != 1 {
		t.Errorf("imports = %d, want 1", importer.imports)
	}
}

func TestIngestAutocryptHeaderSkipsMultipartReport(t *testing.T) {
	s := newTestStore(t, &fakeImporter{invalid: map[string]bool{}})
	ctx := context.Background()

	raw := "addr=bob@example.com; keydata=" + b64("bobs-key")
	if err := s.IngestAutocryptHeader(ctx, "msg1", "bob@example.com", time.Now(), true, []string{raw}); err != nil {
		t.Fatal(err)
	}
	peer, err := s.Peer(ctx, "bob@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if peer != nil {
		t.Error("multipart/report message must not create a peer")
	}
}

func TestIngestAutocryptHeaderMultipleValidHeadersIgnored(t *testing.T) {
	s := newTestStore(t, &fakeImporter{invalid: map[string]bool{}})
	ctx := context.Background()

	raws := []string{
		"addr=bob@example.com; keydata=" + b64("key-a"),
		"addr=bob@example.com; keydata=" + b64("key-b"),
	}
	if err := s.IngestAutocryptHeader(ctx, "msg1", "bob@example.com", time.Now(), false, raws); err != nil {
		t.Fatal(err)
	}
	peer, err := s.Peer(ctx, "bob@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if peer != nil {
		t.Error("two valid headers for the same From must be treated as none present")
	}
}

func TestIngestAutocryptHeaderStaleIsIgnored(t *testing.T) {
	s := newTestStore(t, &fakeImporter{invalid: map[string]bool{}})
	ctx := context.Background()

	newer := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	older := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	raw1 := "addr=bob@example.com; keydata=" + b64("key-new")
	if err := s.IngestAutocryptHeader(ctx, "msg1", "bob@example.com", newer, false, []string{raw1}); err != nil {
		t.Fatal(err)
	}

	raw2 := "addr=bob@example.com; keydata=" + b64("key-old")
	if err := s.IngestAutocryptHeader(ctx, "msg2", "bob@example.com", older, false, []string{raw2}); err != nil {
		t.Fatal(err)
	}

	peer, err := s.Peer(ctx, "bob@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if string(peer.KeyData) != "key-new" {
		t.Errorf("a stale (older date_sent) header must not overwrite a newer key, got %q", peer.KeyData)
	}
}

func TestRecommendOffWithoutAccount(t *testing.T) {
	s := newTestStore(t, &fakeImporter{invalid: map[string]bool{}})
	ctx := context.Background()

	rec, _, err := s.Recommend(ctx, "me@example.com", []string{"bob@example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if rec != RecOff {
		t.Errorf("Recommend = %v, want RecOff", rec)
	}
}

func TestRecommendYesWhenBothPreferEncrypt(t *testing.T) {
	importer := &fakeImporter{invalid: map[string]bool{}}
	s := newTestStore(t, importer)
	ctx := context.Background()

	if err := s.PutAccount(ctx, &Account{
		EmailAddr: "me@example.com", KeyID: "fpr:me", KeyData: []byte("me"),
		PreferEncrypt: PreferEncryptMutual, Enabled: true,
	}); err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	raw := "addr=bob@example.com; prefer-encrypt=mutual; keydata=" + b64("bobs-key")
	if err := s.IngestAutocryptHeader(ctx, "msg1", "bob@example.com", now, false, []string{raw}); err != nil {
		t.Fatal(err)
	}

	rec, keylist, err := s.Recommend(ctx, "me@example.com", []string{"bob@example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if rec != RecYes {
		t.Errorf("Recommend = %v, want RecYes", rec)
	}
	if len(keylist) != 2 || keylist[0] != "fpr:me" {
		t.Errorf("keylist = %v", keylist)
	}
}

func TestRecommendNoWithoutPeerKey(t *testing.T) {
	s := newTestStore(t, &fakeImporter{invalid: map[string]bool{}})
	ctx := context.Background()
	if err := s.PutAccount(ctx, &Account{EmailAddr: "me@example.com", KeyID: "fpr:me", Enabled: true}); err != nil {
		t.Fatal(err)
	}
	rec, _, err := s.Recommend(ctx, "me@example.com", []string{"stranger@example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if rec != RecNo {
		t.Errorf("Recommend = %v, want RecNo", rec)
	}
}

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}
