package directory

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/n42blockchain/matrixcore/internal/crypto"
	"github.com/n42blockchain/matrixcore/internal/store"
	"github.com/n42blockchain/matrixcore/matrixerr"
)

// signedDeviceKeys builds a device_keys object for userID/deviceID, signs it
// with a freshly generated Ed25519 keypair the way a real device would, and
// returns the response fixture plus the base64 Ed25519 key callers can feed
// back as the device's claimed ed25519 key -- LoadDevices now verifies this
// self-signature before trusting a device (SPEC_FULL.md §3 "device_keys_json").
func signedDeviceKeys(t *testing.T, userID, deviceID, curveKey string) DeviceKeysResponse {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate ed25519 key: %v", err)
	}
	edKeyB64 := base64.RawStdEncoding.EncodeToString(pub)

	obj := map[string]interface{}{
		"user_id":    userID,
		"device_id":  deviceID,
		"algorithms": []interface{}{"m.olm.v1.curve25519-aes-sha2", "m.megolm.v1.aes-sha2"},
		"keys": map[string]interface{}{
			"curve25519:" + deviceID: curveKey,
			"ed25519:" + deviceID:    edKeyB64,
		},
	}
	canon, err := crypto.CanonicalJSON(obj)
	if err != nil {
		t.Fatalf("canonicalize device keys: %v", err)
	}
	sig := base64.RawStdEncoding.EncodeToString(ed25519.Sign(priv, canon))
	obj["signatures"] = map[string]interface{}{
		userID: map[string]interface{}{"ed25519:" + deviceID: sig},
	}

	raw, err := json.Marshal(obj)
	if err != nil {
		t.Fatalf("marshal signed device keys: %v", err)
	}

	return DeviceKeysResponse{
		UserID:     userID,
		DeviceID:   deviceID,
		Algorithms: []string{"m.olm.v1.curve25519-aes-sha2", "m.megolm.v1.aes-sha2"},
		Keys: map[string]string{
			"curve25519:" + deviceID: curveKey,
			"ed25519:" + deviceID:    edKeyB64,
		},
		Signatures: map[string]map[string]string{userID: {"ed25519:" + deviceID: sig}},
		RawJSON:    string(raw),
	}
}

type fakeKeysAPI struct {
	queryResp  map[string]map[string]DeviceKeysResponse
	queryErr   error
	queryCalls int

	claimResp map[string]map[string]ClaimedKey
	claimErr  error

	sentMessages []map[string]map[string]interface{}
}

func (f *fakeKeysAPI) QueryKeys(ctx context.Context, users []string) (map[string]map[string]DeviceKeysResponse, error) {
	f.queryCalls++
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.queryResp, nil
}

func (f *fakeKeysAPI) ClaimKeys(ctx context.Context, oneTimeKeys map[string]map[string]string) (map[string]map[string]ClaimedKey, error) {
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	return f.claimResp, nil
}

func (f *fakeKeysAPI) SendToDevice(ctx context.Context, eventType, txnID string, messages map[string]map[string]interface{}) error {
	f.sentMessages = append(f.sentMessages, messages)
	return nil
}

func testDirectory(t *testing.T, api KeysAPI) *Directory {
	t.Helper()
	st, err := store.Open(t.TempDir(), "directory.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	acc := store.AccountID{UserID: "@alice:example.org", DeviceID: "AAAA"}
	if err := st.SaveAccount(context.Background(), store.Account{UserID: acc.UserID, DeviceID: acc.DeviceID}); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(log, st, acc, api)
}

// TestLoadDevicesAppliesDiff covers spec §4.3 load_devices: a successful
// /keys/query installs added devices and clears changed_users.
func TestLoadDevicesAppliesDiff(t *testing.T) {
	api := &fakeKeysAPI{
		queryResp: map[string]map[string]DeviceKeysResponse{
			"@bob:example.org": {
				"BBBB": signedDeviceKeys(t, "@bob:example.org", "BBBB", "curvekeybase64"),
			},
		},
	}
	d := testDirectory(t, api)
	d.MarkChanged([]string{"@bob:example.org"})

	var changedSeen []string
	err := d.LoadDevices(context.Background(), func(users []string) { changedSeen = users }, []string{"@bob:example.org"})
	if err != nil {
		t.Fatalf("load devices: %v", err)
	}
	if len(changedSeen) != 1 || changedSeen[0] != "@bob:example.org" {
		t.Fatalf("expected user-changed signal for bob, got %v", changedSeen)
	}
	if d.IsChanged("@bob:example.org") {
		t.Fatalf("expected bob to be removed from changed_users after successful load")
	}

	u := d.User("@bob:example.org")
	if u == nil || u.Devices["BBBB"] == nil {
		t.Fatalf("expected bob's device BBBB to be installed")
	}
}

// TestLoadDevicesDropsBadSelfSignature covers SPEC_FULL.md §3's
// device_keys_json cache: a device whose self-signature does not verify
// against its own claimed Ed25519 key must never be installed, even though
// the /keys/query call itself succeeded.
func TestLoadDevicesDropsBadSelfSignature(t *testing.T) {
	bad := signedDeviceKeys(t, "@bob:example.org", "BBBB", "curvekeybase64")
	bad.RawJSON = strings.Replace(bad.RawJSON, "curvekeybase64", "tamperedcurvekey", 1)

	api := &fakeKeysAPI{
		queryResp: map[string]map[string]DeviceKeysResponse{
			"@bob:example.org": {"BBBB": bad},
		},
	}
	d := testDirectory(t, api)
	d.MarkChanged([]string{"@bob:example.org"})

	if err := d.LoadDevices(context.Background(), nil, []string{"@bob:example.org"}); err != nil {
		t.Fatalf("load devices: %v", err)
	}

	u := d.User("@bob:example.org")
	if u != nil && u.Devices["BBBB"] != nil {
		t.Fatalf("device with an invalid self-signature must not be installed")
	}
}

// TestLoadDevicesRestoresChangedOnFailure covers the failure path: a failed
// /keys/query must restore the removed users to changed_users so a retry
// will pick them up.
func TestLoadDevicesRestoresChangedOnFailure(t *testing.T) {
	api := &fakeKeysAPI{queryErr: io.ErrUnexpectedEOF}
	d := testDirectory(t, api)
	d.MarkChanged([]string{"@bob:example.org"})

	err := d.LoadDevices(context.Background(), nil, []string{"@bob:example.org"})
	if err == nil {
		t.Fatalf("expected an error from the failing query")
	}
	if !d.IsChanged("@bob:example.org") {
		t.Fatalf("expected bob to be restored to changed_users after failed query")
	}
}

// TestClaimKeysFailsFastOnChangedUser covers spec §4.3 claim_keys: any
// requested user currently in changed_users must fail fast with
// USER_DEVICE_CHANGED rather than issuing /keys/claim.
func TestClaimKeysFailsFastOnChangedUser(t *testing.T) {
	api := &fakeKeysAPI{}
	d := testDirectory(t, api)
	d.MarkChanged([]string{"@bob:example.org"})

	_, err := d.ClaimKeys(context.Background(), map[string][]string{"@bob:example.org": {"BBBB"}})
	if err == nil {
		t.Fatalf("expected claim to fail fast")
	}
	if !matrixerr.IsCode(err, matrixerr.CodeUserDeviceChanged) {
		t.Fatalf("expected USER_DEVICE_CHANGED, got %v", err)
	}
}

// TestFilterPendingSkipsUnchangedKnownUsers ensures a user with a populated
// device list that is not in changed_users is not re-queried.
func TestFilterPendingSkipsUnchangedKnownUsers(t *testing.T) {
	api := &fakeKeysAPI{
		queryResp: map[string]map[string]DeviceKeysResponse{
			"@bob:example.org": {
				"BBBB": signedDeviceKeys(t, "@bob:example.org", "BBBB", "x"),
			},
		},
	}
	d := testDirectory(t, api)
	d.MarkChanged([]string{"@bob:example.org"})
	if err := d.LoadDevices(context.Background(), nil, []string{"@bob:example.org"}); err != nil {
		t.Fatalf("initial load: %v", err)
	}
	if api.queryCalls != 1 {
		t.Fatalf("expected exactly one query so far, got %d", api.queryCalls)
	}

	if err := d.LoadDevices(context.Background(), nil, []string{"@bob:example.org"}); err != nil {
		t.Fatalf("second load: %v", err)
	}
	if api.queryCalls != 1 {
		t.Fatalf("expected no additional query for an unchanged known user, got %d calls", api.queryCalls)
	}
}
