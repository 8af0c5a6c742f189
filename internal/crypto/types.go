package crypto

import "maunium.net/go/mautrix/id"

// OlmCiphertext is one recipient device's ciphertext inside an
// m.room.encrypted to-device event, keyed by the recipient's own
// Curve25519 identity key in the envelope's top-level "ciphertext" map.
type OlmCiphertext struct {
	Type id.OlmMsgType `json:"type"`
	Body string        `json:"body"`
}

// ToDeviceEnvelope is the content of an incoming m.room.encrypted to-device
// event (spec §4.2 handle_to_device).
type ToDeviceEnvelope struct {
	Algorithm  string                   `json:"algorithm"`
	SenderKey  id.Curve25519            `json:"sender_key"`
	Ciphertext map[string]OlmCiphertext `json:"ciphertext"`
}

// DecryptedToDevice is the plaintext payload recovered from an Olm
// to-device message, mirroring the Matrix "m.room.encrypted" inner
// plaintext envelope (type/content/sender/recipient fields).
type DecryptedToDevice struct {
	Type      string                 `json:"type"`
	Content   map[string]interface{} `json:"content"`
	Sender    string                 `json:"sender"`
	Recipient string                 `json:"recipient"`
}

// RoomKeyPayload is the plaintext "m.room_key" content shared over Olm to
// distribute a Megolm outbound session to one peer device.
type RoomKeyPayload struct {
	Algorithm  string `json:"algorithm"`
	RoomID     string `json:"room_id"`
	SessionID  string `json:"session_id"`
	SessionKey string `json:"session_key"`
}

// MegolmEnvelope is the content of an m.room.encrypted *room* event
// (Megolm-encrypted timeline content, spec §4.2 handle_room_encrypted).
type MegolmEnvelope struct {
	Algorithm  string        `json:"algorithm"`
	SenderKey  id.Curve25519 `json:"sender_key"`
	SessionID  string        `json:"session_id"`
	Ciphertext string        `json:"ciphertext"`
	DeviceID   string        `json:"device_id"`
}

// DeviceKeyClaim is one peer device's claimed one-time key plus identity
// keys, the shape /keys/claim returns and the shape create_room_group_keys
// consumes.
type DeviceKeyClaim struct {
	UserID        string
	DeviceID      string
	Curve25519Key id.Curve25519
	Ed25519Key    id.Ed25519
	OneTimeKey    id.Curve25519
}
