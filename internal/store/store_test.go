package store

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir, "test.db")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// Testable property 1: the last loaded account state equals the last saved
// state, field for field.
func TestAccountSaveLoadRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	acc := Account{
		UserID:        "@alice:example.org",
		DeviceID:      "DEV1",
		HomeserverURL: "https://matrix.example.org",
		AccessToken:   "T1",
		OlmPickle:     []byte("pickle-v1"),
		NextBatch:     "batch1",
		FilterID:      "f1",
		Enabled:       true,
	}
	if err := s.SaveAccount(ctx, acc); err != nil {
		t.Fatalf("SaveAccount: %v", err)
	}

	acc.AccessToken = "T2"
	acc.OlmPickle = []byte("pickle-v2")
	acc.NextBatch = "batch2"
	if err := s.SaveAccount(ctx, acc); err != nil {
		t.Fatalf("SaveAccount (update): %v", err)
	}

	got, err := s.LoadAccount(ctx, acc.UserID, acc.DeviceID)
	if err != nil {
		t.Fatalf("LoadAccount: %v", err)
	}
	if got == nil {
		t.Fatal("expected account, got nil")
	}
	if got.AccessToken != "T2" || string(got.OlmPickle) != "pickle-v2" || got.NextBatch != "batch2" || got.FilterID != "f1" || !got.Enabled {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestLoadAccountMissing(t *testing.T) {
	s := openTestStore(t)
	got, err := s.LoadAccount(context.Background(), "@nobody:example.org", "DEV")
	if err != nil {
		t.Fatalf("LoadAccount: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing account, got %+v", got)
	}
}

func TestDeleteAccountCascades(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	acc := AccountID{UserID: "@bob:example.org", DeviceID: "DEV2"}
	if err := s.SaveAccount(ctx, Account{UserID: acc.UserID, DeviceID: acc.DeviceID, HomeserverURL: "https://x"}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveRoom(ctx, acc, Room{RoomID: "!r:example.org"}); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteAccount(ctx, acc.UserID, acc.DeviceID); err != nil {
		t.Fatalf("DeleteAccount: %v", err)
	}
	rooms, err := s.ListRooms(ctx, acc)
	if err != nil {
		t.Fatal(err)
	}
	if len(rooms) != 0 {
		t.Fatalf("expected rooms to cascade-delete, got %v", rooms)
	}
}

// Testable property 5: add_room_events(E, prepend=false) followed by
// add_room_events(E, prepend=true) is idempotent.
func TestAddRoomEventsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	acc := AccountID{UserID: "@alice:example.org", DeviceID: "DEV1"}
	room := "!room:example.org"

	events := []RoomEvent{
		{EventUID: "$1", EventType: "m.room.message", Sender: "@alice:example.org", OriginTS: 1, ContentJSON: "{}"},
		{EventUID: "$2", EventType: "m.room.message", Sender: "@alice:example.org", OriginTS: 2, ContentJSON: "{}"},
	}

	if err := s.AddRoomEvents(ctx, acc, room, events, false); err != nil {
		t.Fatalf("AddRoomEvents append: %v", err)
	}
	before, err := s.GetPastEvents(ctx, acc, room, nil, 30)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.AddRoomEvents(ctx, acc, room, events, true); err != nil {
		t.Fatalf("AddRoomEvents prepend (duplicate): %v", err)
	}
	after, err := s.GetPastEvents(ctx, acc, room, nil, 30)
	if err != nil {
		t.Fatal(err)
	}

	if len(before) != len(after) || len(after) != 2 {
		t.Fatalf("expected idempotent event list, before=%d after=%d", len(before), len(after))
	}
}

func TestAddRoomEventsPrependOrdering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	acc := AccountID{UserID: "@alice:example.org", DeviceID: "DEV1"}
	room := "!room:example.org"

	recent := []RoomEvent{{EventUID: "$recent", EventType: "m.room.message", OriginTS: 10, ContentJSON: "{}"}}
	if err := s.AddRoomEvents(ctx, acc, room, recent, false); err != nil {
		t.Fatal(err)
	}
	historical := []RoomEvent{
		{EventUID: "$old2", EventType: "m.room.message", OriginTS: 2, ContentJSON: "{}"},
		{EventUID: "$old1", EventType: "m.room.message", OriginTS: 1, ContentJSON: "{}"},
	}
	if err := s.AddRoomEvents(ctx, acc, room, historical, true); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetPastEvents(ctx, acc, room, nil, 30)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	if got[0].EventUID != "$recent" {
		t.Fatalf("expected newest-first ordering, got %+v", got[0])
	}
}

func TestSessionLookupExactAndByPeer(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	acc := AccountID{UserID: "@alice:example.org", DeviceID: "DEV1"}

	if err := s.AddSession(ctx, acc, "curve-peer", "sess-1", SessionOlmOutbound, []byte("pickle-1"), ""); err != nil {
		t.Fatal(err)
	}
	if err := s.AddSession(ctx, acc, "curve-peer", "sess-2", SessionOlmInbound, []byte("pickle-2"), ""); err != nil {
		t.Fatal(err)
	}

	exact, err := s.LookupSession(ctx, acc, "curve-peer", "sess-1", SessionOlmOutbound)
	if err != nil {
		t.Fatal(err)
	}
	if exact == nil || string(exact.Pickle) != "pickle-1" {
		t.Fatalf("unexpected exact lookup result: %+v", exact)
	}

	candidates, err := s.LookupOlmSessions(ctx, acc, "curve-peer")
	if err != nil {
		t.Fatal(err)
	}
	if len(candidates) != 2 {
		t.Fatalf("expected 2 candidate sessions, got %d", len(candidates))
	}
}

func TestFileEncRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	acc := AccountID{UserID: "@alice:example.org", DeviceID: "DEV1"}

	fk := FileKey{MXCURI: "mxc://example.org/abc", SHA256: "deadbeef", IV: "iv", AESKey: "key", Extractable: true}
	if err := s.SaveFileEnc(ctx, acc, fk); err != nil {
		t.Fatal(err)
	}
	got, err := s.FindFileEnc(ctx, acc, fk.MXCURI)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.SHA256 != "deadbeef" {
		t.Fatalf("unexpected file key: %+v", got)
	}

	miss, err := s.FindFileEnc(ctx, acc, "mxc://example.org/missing")
	if err != nil {
		t.Fatal(err)
	}
	if miss != nil {
		t.Fatalf("expected nil for unknown mxc uri, got %+v", miss)
	}
}

// Scenario B (store-and-migrate), reduced to: opening a fresh store lands on
// the compiled-in schema version, and reopening an already-migrated store is
// a no-op.
func TestMigrateReachesCurrentVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "migrate.db")
	s, err := Open(dir, "migrate.db")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Close()

	s2, err := Open(dir, "migrate.db")
	if err != nil {
		t.Fatalf("reopen after migration: %v", err)
	}
	defer s2.Close()

	var version int
	row := s2.db.QueryRow("PRAGMA user_version")
	if err := row.Scan(&version); err != nil {
		t.Fatalf("read user_version: %v", err)
	}
	if version != schemaVersion {
		t.Fatalf("expected schema version %d, got %d (db at %s)", schemaVersion, version, path)
	}
}
