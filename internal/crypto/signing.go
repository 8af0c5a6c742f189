package crypto

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"

	"maunium.net/go/mautrix/id"
)

// DecodeEd25519 turns a base64 Ed25519 fingerprint, as stored in an account's
// identity keys or a device's device_keys_json, into a standard library
// public key usable with VerifyJSON.
func DecodeEd25519(k id.Ed25519) (ed25519.PublicKey, error) {
	raw, err := decodeSignature(string(k))
	if err != nil {
		return nil, fmt.Errorf("decode ed25519 key: %w", err)
	}
	return ed25519.PublicKey(raw), nil
}

// SignJSON produces the canonical-JSON form of obj (signatures/unsigned
// stripped, keys sorted, no whitespace) and signs it with the account's
// Ed25519 fingerprint key via libolm/goolm's own account_sign. It returns
// the single "signatures"."<user>"."ed25519:<device>" member ready to be
// merged back into obj by the caller (spec §4.2).
func (e *Engine) SignJSON(obj map[string]interface{}) (keyID string, signature string, err error) {
	canon, err := canonicalize(obj)
	if err != nil {
		return "", "", fmt.Errorf("canonicalize for signing: %w", err)
	}
	signature, err = e.account.Sign(canon)
	if err != nil {
		return "", "", fmt.Errorf("sign canonical json: %w", err)
	}
	keyID = "ed25519:" + e.deviceID
	return keyID, signature, nil
}

// VerifyJSON reverses SignJSON: it strips signatures/unsigned, re-derives
// the canonical form, and verifies it against the named device's known
// Ed25519 key. Any single-bit change to the canonical body must cause this
// to return false (spec §8 property 2).
func VerifyJSON(obj map[string]interface{}, userID, deviceID string, edKey ed25519.PublicKey) bool {
	sigs, _ := obj["signatures"].(map[string]interface{})
	if sigs == nil {
		return false
	}
	userSigs, _ := sigs[userID].(map[string]interface{})
	if userSigs == nil {
		return false
	}
	sigB64, _ := userSigs["ed25519:"+deviceID].(string)
	if sigB64 == "" {
		return false
	}
	sig, err := decodeSignature(sigB64)
	if err != nil {
		return false
	}

	canon, err := canonicalize(obj)
	if err != nil {
		return false
	}
	return ed25519.Verify(edKey, canon, sig)
}

func decodeSignature(s string) ([]byte, error) {
	if b, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.StdEncoding.DecodeString(s)
}
