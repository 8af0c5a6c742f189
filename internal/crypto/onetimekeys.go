package crypto

import (
	"fmt"

	"maunium.net/go/mautrix/id"
)

// GenerateOneTimeKeys generates up to n new one-time keys, capped at
// floor(maxOneTimeKeys/2) as required by spec §4.2. Repeated calls
// accumulate keys until the account-internal maximum is reached.
func (e *Engine) GenerateOneTimeKeys(n int) int {
	maxAllowed := maxOneTimeKeys / 2
	if n > maxAllowed {
		n = maxAllowed
	}
	if n <= 0 {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.account.GenOneTimeKeys(uint(n))
	return n
}

// GetOneTimeKeysJSON returns every currently unpublished one-time key,
// individually signed as a "signed_curve25519:<id>" object, ready to be
// embedded under device_one_time_keys_count / one_time_keys in
// /keys/upload (spec §4.2).
func (e *Engine) GetOneTimeKeysJSON() (map[string]interface{}, error) {
	e.mu.Lock()
	keys := e.account.OneTimeKeys()
	e.mu.Unlock()

	out := make(map[string]interface{}, len(keys))
	for keyID, curveKey := range keys {
		obj := map[string]interface{}{
			"key": string(curveKey),
		}
		keyIDWithSig, sig, err := e.SignJSON(obj)
		if err != nil {
			return nil, fmt.Errorf("sign one-time key %s: %w", keyID, err)
		}
		obj["signatures"] = map[string]interface{}{
			e.userID: map[string]interface{}{keyIDWithSig: sig},
		}
		out["signed_curve25519:"+string(keyID)] = obj
	}
	return out, nil
}

// PublishOneTimeKeys marks the account's currently-held one-time keys as
// sent to the homeserver; subsequent GetOneTimeKeysJSON calls return only
// keys generated after this point (spec §8 property 3).
func (e *Engine) PublishOneTimeKeys() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.account.MarkKeysAsPublished()
}

// claimedOneTimeKey is a one-time key obtained via /keys/claim for a peer
// device, verified against that device's Ed25519 fingerprint before use.
type claimedOneTimeKey struct {
	DeviceID      id.DeviceID
	Curve25519Key id.Curve25519
}
