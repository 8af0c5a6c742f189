package crypto

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"maunium.net/go/mautrix/id"

	"github.com/n42blockchain/matrixcore/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, userID, deviceID string) *Engine {
	t.Helper()
	st, err := store.Open(t.TempDir(), "crypto.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	accID := store.AccountID{UserID: userID, DeviceID: deviceID}
	eng, err := New(context.Background(), testLogger(), st, accID, RotationPolicy{}, nil, nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return eng
}

// TestSignVerifyRoundTrip covers spec property 2: signing then verifying an
// object succeeds, and any single-field mutation after signing breaks
// verification.
func TestSignVerifyRoundTrip(t *testing.T) {
	e := newTestEngine(t, "@alice:example.org", "AAAA")
	obj := map[string]interface{}{
		"user_id":   "@alice:example.org",
		"device_id": "AAAA",
		"extra":     "value",
	}
	keyID, sig, err := e.SignJSON(obj)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	obj["signatures"] = map[string]interface{}{
		"@alice:example.org": map[string]interface{}{keyID: sig},
	}

	edKey, _ := e.IdentityKeys()
	pub, err := DecodeEd25519(edKey)
	if err != nil {
		t.Fatalf("decode ed25519 key: %v", err)
	}
	if !VerifyJSON(obj, "@alice:example.org", "AAAA", pub) {
		t.Fatalf("expected signature to verify")
	}

	obj["extra"] = "tampered"
	if VerifyJSON(obj, "@alice:example.org", "AAAA", pub) {
		t.Fatalf("expected tampered object to fail verification")
	}
}

// TestDeviceKeysJSONSelfVerifies checks the device-keys object this engine
// publishes verifies against its own identity key.
func TestDeviceKeysJSONSelfVerifies(t *testing.T) {
	e := newTestEngine(t, "@alice:example.org", "AAAA")
	obj, err := e.DeviceKeysJSON()
	if err != nil {
		t.Fatalf("device keys json: %v", err)
	}
	edKey, _ := e.IdentityKeys()
	pub, err := DecodeEd25519(edKey)
	if err != nil {
		t.Fatalf("decode ed25519 key: %v", err)
	}
	if !VerifyJSON(obj, "@alice:example.org", "AAAA", pub) {
		t.Fatalf("expected device keys to self-verify")
	}
}

// TestGenerateOneTimeKeysCap covers spec §4.2: a single call never produces
// more than floor(maxOneTimeKeys/2) keys.
func TestGenerateOneTimeKeysCap(t *testing.T) {
	e := newTestEngine(t, "@alice:example.org", "AAAA")
	n := e.GenerateOneTimeKeys(1000)
	if n != maxOneTimeKeys/2 {
		t.Fatalf("expected capped count %d, got %d", maxOneTimeKeys/2, n)
	}

	keys, err := e.GetOneTimeKeysJSON()
	if err != nil {
		t.Fatalf("get otk json: %v", err)
	}
	if len(keys) != n {
		t.Fatalf("expected %d signed one-time keys, got %d", n, len(keys))
	}
}

// TestPublishOneTimeKeysExcludesPublished covers spec §8 property 3: once
// published, a key is not returned again by GetOneTimeKeysJSON.
func TestPublishOneTimeKeysExcludesPublished(t *testing.T) {
	e := newTestEngine(t, "@alice:example.org", "AAAA")
	e.GenerateOneTimeKeys(5)
	e.PublishOneTimeKeys()

	keys, err := e.GetOneTimeKeysJSON()
	if err != nil {
		t.Fatalf("get otk json: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("expected no unpublished keys after publish, got %d", len(keys))
	}

	e.GenerateOneTimeKeys(3)
	keys, err = e.GetOneTimeKeysJSON()
	if err != nil {
		t.Fatalf("get otk json: %v", err)
	}
	if len(keys) != 3 {
		t.Fatalf("expected 3 freshly generated keys, got %d", len(keys))
	}
}

// TestOlmToDeviceRoundTrip covers spec §8 scenario C: Alice encrypts an
// m.room_key to Bob over a freshly created Olm session; Bob decrypts it via
// HandleToDevice and ends up with a usable inbound Megolm session.
func TestOlmToDeviceRoundTrip(t *testing.T) {
	ctx := context.Background()
	alice := newTestEngine(t, "@alice:example.org", "AAAA")
	bob := newTestEngine(t, "@bob:example.org", "BBBB")

	bob.GenerateOneTimeKeys(1)
	bobKeys, err := bob.GetOneTimeKeysJSON()
	if err != nil {
		t.Fatalf("bob get otk: %v", err)
	}
	var bobOTK id.Curve25519
	for _, v := range bobKeys {
		obj := v.(map[string]interface{})
		bobOTK = id.Curve25519(obj["key"].(string))
		break
	}

	_, bobCurve := bob.IdentityKeys()
	_, aliceCurve := alice.IdentityKeys()

	roomID := "!test:example.org"
	if _, err := alice.SetRoomGroupKey(ctx, roomID); err != nil {
		t.Fatalf("alice set room group key: %v", err)
	}

	peer := DeviceKeyClaim{
		UserID:        "@bob:example.org",
		DeviceID:      "BBBB",
		Curve25519Key: bobCurve,
		OneTimeKey:    bobOTK,
	}
	messages, err := alice.CreateRoomGroupKeys(ctx, roomID, []DeviceKeyClaim{peer})
	if err != nil {
		t.Fatalf("create room group keys: %v", err)
	}

	env, ok := messages["@bob:example.org"]["BBBB"]
	if !ok {
		t.Fatalf("expected a to-device envelope for bob")
	}
	env.SenderKey = aliceCurve

	decrypted, err := bob.HandleToDevice(ctx, env)
	if err != nil {
		t.Fatalf("bob handle to device: %v", err)
	}
	if decrypted.Type != "m.room_key" {
		t.Fatalf("expected m.room_key payload, got %q", decrypted.Type)
	}

	plaintext, _, err := bob.inboundMegolmSession(ctx, decrypted.Content["session_id"].(string))
	if err != nil {
		t.Fatalf("bob should now have the inbound megolm session installed: %v", err)
	}
	_ = plaintext
}

// TestMegolmRoomRoundTrip covers spec §8 scenario D: a room message
// encrypted with EncryptForRoom decrypts back to the original plaintext
// through HandleRoomEncrypted once the recipient has the session.
func TestMegolmRoomRoundTrip(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, "@alice:example.org", "AAAA")
	roomID := "!test:example.org"

	env, rotated, err := e.EncryptForRoom(ctx, roomID, []byte(`{"body":"hello"}`))
	if err != nil {
		t.Fatalf("encrypt for room: %v", err)
	}
	if !rotated {
		t.Fatalf("expected first call to create a fresh outbound session")
	}

	decrypted, _, err := e.HandleRoomEncrypted(ctx, roomID, *env)
	if err != nil {
		t.Fatalf("handle room encrypted: %v", err)
	}
	_ = decrypted
}

// TestMegolmRotationByMessageCount covers spec §4.2 rotation accounting:
// once sentCount reaches the configured threshold, the next EncryptForRoom
// call rotates to a new session.
func TestMegolmRotationByMessageCount(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(t.TempDir(), "crypto.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	accID := store.AccountID{UserID: "@alice:example.org", DeviceID: "AAAA"}
	e, err := New(ctx, testLogger(), st, accID, RotationPolicy{MessageCount: 2}, nil, nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	roomID := "!test:example.org"
	firstEnv, _, err := e.EncryptForRoom(ctx, roomID, []byte("one"))
	if err != nil {
		t.Fatalf("encrypt 1: %v", err)
	}
	_, rotated2, err := e.EncryptForRoom(ctx, roomID, []byte("two"))
	if err != nil {
		t.Fatalf("encrypt 2: %v", err)
	}
	if rotated2 {
		t.Fatalf("did not expect rotation before threshold reached")
	}
	thirdEnv, rotated3, err := e.EncryptForRoom(ctx, roomID, []byte("three"))
	if err != nil {
		t.Fatalf("encrypt 3: %v", err)
	}
	if !rotated3 {
		t.Fatalf("expected rotation on the message after the threshold")
	}
	if firstEnv.SessionID == thirdEnv.SessionID {
		t.Fatalf("expected a new session id after rotation")
	}
}

// TestRmRoomGroupKeyForcesRotation covers has_room_group_key/rm_room_group_key
// lifecycle (spec §4.2).
func TestRmRoomGroupKeyForcesRotation(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, "@alice:example.org", "AAAA")
	roomID := "!test:example.org"

	if e.HasRoomGroupKey(roomID) {
		t.Fatalf("expected no outbound session before first use")
	}
	if _, _, err := e.EncryptForRoom(ctx, roomID, []byte("hi")); err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if !e.HasRoomGroupKey(roomID) {
		t.Fatalf("expected an outbound session after first encrypt")
	}

	if err := e.RmRoomGroupKey(ctx, roomID); err != nil {
		t.Fatalf("rm room group key: %v", err)
	}
	if e.HasRoomGroupKey(roomID) {
		t.Fatalf("expected no outbound session after rm_room_group_key")
	}
}
