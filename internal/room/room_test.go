package room

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/n42blockchain/matrixcore/internal/directory"
	"github.com/n42blockchain/matrixcore/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeTransport struct {
	sentEvents  []sentEvent
	sendErr     error
	nextEventID string

	pastChunk []Event
	pastStart string
	pastEnd   string
	pastErr   error
}

type sentEvent struct {
	roomID, eventType, txnID string
	content                  map[string]interface{}
}

func (f *fakeTransport) SendEvent(roomID, eventType, txnID string, content map[string]interface{}) (string, error) {
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sentEvents = append(f.sentEvents, sentEvent{roomID, eventType, txnID, content})
	if f.nextEventID != "" {
		return f.nextEventID, nil
	}
	return "$generated", nil
}

func (f *fakeTransport) GetMessages(roomID, from string, limit int) ([]Event, string, string, error) {
	if f.pastErr != nil {
		return nil, "", "", f.pastErr
	}
	return f.pastChunk, f.pastStart, f.pastEnd, nil
}

func (f *fakeTransport) UploadEncryptedFile(data []byte, mimeType string) (string, FileEncryptInfo, error) {
	return "mxc://example.org/file", FileEncryptInfo{}, nil
}

func testRoom(t *testing.T, transport Transport) (*Room, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir(), "room.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	acc := store.AccountID{UserID: "@alice:example.org", DeviceID: "AAAA"}
	if err := st.SaveAccount(context.Background(), store.Account{UserID: acc.UserID, DeviceID: acc.DeviceID}); err != nil {
		t.Fatalf("seed account: %v", err)
	}

	dir := directory.New(testLogger(), st, acc, nil)
	r := New(testLogger(), st, acc, "!room:example.org", acc.UserID, Deps{Directory: dir, Transport: transport})
	t.Cleanup(r.Close)
	return r, st
}

func strPtr(s string) *string { return &s }

// TestSetDataAppliesStateAndMembership covers spec §4.4 "Incoming events":
// state events are mirrored into Metadata and the roster, and an unnamed
// room picks up a derived name from its joined members.
func TestSetDataAppliesStateAndMembership(t *testing.T) {
	r, _ := testRoom(t, &fakeTransport{})
	ctx := context.Background()

	state := []RawEvent{
		{Type: "m.room.topic", Content: map[string]interface{}{"topic": "hello"}},
		{Type: "m.room.member", StateKey: strPtr("@bob:example.org"),
			Content: map[string]interface{}{"membership": "join", "displayname": "Bob"}},
	}
	if err := r.SetData(ctx, nil, state, "batch1"); err != nil {
		t.Fatalf("SetData: %v", err)
	}

	meta := r.Metadata()
	if meta.Topic != "hello" {
		t.Fatalf("expected topic to be mirrored, got %q", meta.Topic)
	}
	if meta.Name != "Bob" {
		t.Fatalf("expected derived name 'Bob', got %q", meta.Name)
	}

	members := r.JoinedMembers()
	if len(members) != 1 || members[0].UserID != "@bob:example.org" {
		t.Fatalf("expected bob joined, got %v", members)
	}

	// A later leave must clear the roster.
	leave := []RawEvent{
		{Type: "m.room.member", StateKey: strPtr("@bob:example.org"),
			Content: map[string]interface{}{"membership": "leave"}},
	}
	if err := r.SetData(ctx, nil, leave, "batch2"); err != nil {
		t.Fatalf("SetData leave: %v", err)
	}
	if len(r.JoinedMembers()) != 0 {
		t.Fatalf("expected bob to be removed from joined roster after leave")
	}
}

// TestSetDataPersistsTimelineEvents covers the unencrypted timeline path:
// plaintext m.room.message events are appended to the in-memory list and
// persisted to the store.
func TestSetDataPersistsTimelineEvents(t *testing.T) {
	r, st := testRoom(t, &fakeTransport{})
	ctx := context.Background()

	timeline := []RawEvent{
		{EventUID: "$1", Type: "m.room.message", Sender: "@bob:example.org", OriginTS: 100,
			Content: map[string]interface{}{"msgtype": "m.text", "body": "hi"}},
	}
	if err := r.SetData(ctx, timeline, nil, "batch1"); err != nil {
		t.Fatalf("SetData: %v", err)
	}

	events := r.Events()
	if len(events) != 1 || events[0].EventUID != "$1" {
		t.Fatalf("expected one in-memory event, got %v", events)
	}

	rows, err := st.GetPastEvents(ctx, store.AccountID{UserID: "@alice:example.org", DeviceID: "AAAA"}, r.RoomID, nil, 30)
	if err != nil {
		t.Fatalf("get past events: %v", err)
	}
	if len(rows) != 1 || rows[0].EventUID != "$1" {
		t.Fatalf("expected the event persisted to the store, got %v", rows)
	}
}

// TestDeriveRoomNameIsDeterministic guards against the map-iteration-order
// bug: calling deriveRoomName repeatedly against the same membership must
// always produce the same string.
func TestDeriveRoomNameIsDeterministic(t *testing.T) {
	joined := map[string]*Member{
		"@carol:example.org": {UserID: "@carol:example.org", DisplayName: "Carol"},
		"@bob:example.org":   {UserID: "@bob:example.org", DisplayName: "Bob"},
		"@dave:example.org":  {UserID: "@dave:example.org", DisplayName: "Dave"},
	}
	first := deriveRoomName(joined, nil, "@alice:example.org")
	for i := 0; i < 20; i++ {
		if got := deriveRoomName(joined, nil, "@alice:example.org"); got != first {
			t.Fatalf("expected deterministic name, got %q then %q", first, got)
		}
	}
	const want = "Bob and Carol and 1 other(s)"
	if first != want {
		t.Fatalf("expected %q, got %q", want, first)
	}
}

// TestSendUnencryptedRoom covers the plain-room send pipeline: step (f) PUTs
// the event as-is, with no encryption detour, once a joined member is known.
func TestSendUnencryptedRoom(t *testing.T) {
	transport := &fakeTransport{nextEventID: "$abc"}
	r, _ := testRoom(t, transport)

	state := []RawEvent{
		{Type: "m.room.member", StateKey: strPtr("@bob:example.org"),
			Content: map[string]interface{}{"membership": "join"}},
	}
	if err := r.SetData(context.Background(), nil, state, "batch1"); err != nil {
		t.Fatalf("SetData: %v", err)
	}

	eventID, err := r.Send(context.Background(), "m.room.message", map[string]interface{}{"body": "hi"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if eventID != "$abc" {
		t.Fatalf("expected event id $abc, got %q", eventID)
	}
	if len(transport.sentEvents) != 1 || transport.sentEvents[0].content["body"] != "hi" {
		t.Fatalf("expected the message to reach the transport, got %v", transport.sentEvents)
	}
}

// TestSendFailsWithoutMembers covers the "roster not loaded" guard: a send
// against a room with no known members fails locally rather than silently
// PUTting an event no one can read.
func TestSendFailsWithoutMembers(t *testing.T) {
	r, _ := testRoom(t, &fakeTransport{})
	_, err := r.Send(context.Background(), "m.room.message", map[string]interface{}{"body": "hi"})
	if err == nil {
		t.Fatalf("expected an error when no members are known")
	}
}

// TestLoadPastEventsFallsBackToTransport covers spec §4.4 pagination: an
// empty local store falls back to the homeserver, persists what it gets,
// and clears the cursor once start == end.
func TestLoadPastEventsFallsBackToTransport(t *testing.T) {
	transport := &fakeTransport{
		pastChunk: []Event{
			{EventUID: "$old1", Type: "m.room.message", Sender: "@bob:example.org", OriginTS: 50,
				Content: map[string]interface{}{"body": "old"}},
		},
		pastStart: "s1",
		pastEnd:   "s1",
	}
	r, _ := testRoom(t, transport)
	r.mu.Lock()
	r.prevBatch = "s0"
	r.mu.Unlock()

	got, err := r.LoadPastEvents(context.Background())
	if err != nil {
		t.Fatalf("load past events: %v", err)
	}
	if len(got) != 1 || got[0].EventUID != "$old1" {
		t.Fatalf("expected one past event from the transport, got %v", got)
	}

	r.mu.Lock()
	cursor := r.prevBatch
	r.mu.Unlock()
	if cursor != "" {
		t.Fatalf("expected cursor to clear once start == end, got %q", cursor)
	}
}
