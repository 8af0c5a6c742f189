package directory

import (
	"context"
	"crypto/ed25519"
	"fmt"

	"maunium.net/go/mautrix/id"

	"github.com/n42blockchain/matrixcore/internal/crypto"
	"github.com/n42blockchain/matrixcore/matrixerr"
)

// ClaimKeys fails fast with matrixerr.CodeUserDeviceChanged if any requested
// user is currently in changed_users; callers must re-run LoadDevices first.
// Otherwise it issues /keys/claim and verifies each returned one-time key's
// signature against the device's known Ed25519 key before accepting it
// (spec §4.3 claim_keys).
func (d *Directory) ClaimKeys(ctx context.Context, deviceIDsByUser map[string][]string) ([]crypto.DeviceKeyClaim, error) {
	d.mu.Lock()
	for uid := range deviceIDsByUser {
		if _, changed := d.changedUsers[uid]; changed {
			d.mu.Unlock()
			return nil, matrixerr.New(matrixerr.KindLocal, matrixerr.CodeUserDeviceChanged, fmt.Errorf("user %s has an unresolved device-list change", uid))
		}
	}
	d.mu.Unlock()

	request := make(map[string]map[string]string, len(deviceIDsByUser))
	for uid, deviceIDs := range deviceIDsByUser {
		request[uid] = make(map[string]string, len(deviceIDs))
		for _, devID := range deviceIDs {
			request[uid][devID] = "signed_curve25519"
		}
	}

	resp, err := d.api.ClaimKeys(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("claim one-time keys: %w", err)
	}

	var claims []crypto.DeviceKeyClaim
	for uid, perDevice := range resp {
		for devID, claimed := range perDevice {
			dev := d.deviceOf(uid, devID)
			if dev == nil {
				d.log.Warn("claimed key for unknown device, skipping", "user_id", uid, "device_id", devID)
				continue
			}
			pubKey, err := crypto.DecodeEd25519(dev.Ed25519Key)
			if err != nil {
				d.log.Warn("could not decode device ed25519 key, skipping claim", "user_id", uid, "device_id", devID, "error", err)
				continue
			}
			if !verifyClaimedKey(claimed, uid, devID, pubKey) {
				d.log.Warn("claimed one-time key signature mismatch, skipping", "user_id", uid, "device_id", devID)
				continue
			}
			claims = append(claims, crypto.DeviceKeyClaim{
				UserID:        uid,
				DeviceID:      devID,
				Curve25519Key: dev.Curve25519Key,
				Ed25519Key:    dev.Ed25519Key,
				OneTimeKey:    id.Curve25519(claimed.Key),
			})
		}
	}
	return claims, nil
}

func (d *Directory) deviceOf(userID, deviceID string) *Device {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[userID]
	if !ok {
		return nil
	}
	return u.Devices[deviceID]
}

// verifyClaimedKey checks a claimed one-time key's detached signature using
// the same canonical-JSON + Ed25519 scheme as crypto.VerifyJSON, applied to
// the {"key": "<base64>"} object /keys/claim returns per key.
func verifyClaimedKey(claimed ClaimedKey, userID, deviceID string, pubKey ed25519.PublicKey) bool {
	obj := map[string]interface{}{
		"key": claimed.Key,
		"signatures": map[string]interface{}{
			userID: toInterfaceMap(claimed.Signatures[userID]),
		},
	}
	return crypto.VerifyJSON(obj, userID, deviceID, pubKey)
}

func toInterfaceMap(m map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
