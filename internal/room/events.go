package room

import (
	"context"
	"encoding/json"
	"fmt"

	"maunium.net/go/mautrix/id"

	"github.com/n42blockchain/matrixcore/internal/crypto"
	"github.com/n42blockchain/matrixcore/internal/store"
)

// decryptEvent runs an m.room.encrypted timeline event through the room's
// EncEngine, caching any attachment FileKey the decrypted content carries
// (spec §4.2 handle_room_encrypted "if the plaintext is an attachment event
// also caches the FileKey").
func (r *Room) decryptEvent(ctx context.Context, ev RawEvent) (*crypto.DecryptedToDevice, error) {
	senderKey, _ := ev.Content["sender_key"].(string)
	sessionID, _ := ev.Content["session_id"].(string)
	ciphertext, _ := ev.Content["ciphertext"].(string)
	algorithm, _ := ev.Content["algorithm"].(string)
	deviceID, _ := ev.Content["device_id"].(string)

	env := crypto.MegolmEnvelope{
		Algorithm:  algorithm,
		SenderKey:  id.Curve25519(senderKey),
		SessionID:  sessionID,
		Ciphertext: ciphertext,
		DeviceID:   deviceID,
	}

	decrypted, _, err := r.deps.Engine.HandleRoomEncrypted(ctx, r.RoomID, env)
	if err != nil {
		return nil, err
	}

	if decrypted.Type == "m.room.message" {
		if file, ok := decrypted.Content["file"].(map[string]interface{}); ok {
			r.cacheAttachmentKey(ctx, file)
		}
	}
	return decrypted, nil
}

func (r *Room) cacheAttachmentKey(ctx context.Context, file map[string]interface{}) {
	mxcURI, _ := file["url"].(string)
	if mxcURI == "" {
		return
	}
	keyObj, _ := file["key"].(map[string]interface{})
	ivAny, _ := file["iv"].(string)
	hashes, _ := file["hashes"].(map[string]interface{})
	sha256, _ := hashes["sha256"].(string)

	var aesKey, alg, version, keyType string
	var extractable bool
	if keyObj != nil {
		aesKey, _ = keyObj["k"].(string)
		alg, _ = keyObj["alg"].(string)
		keyType, _ = keyObj["kty"].(string)
		extractable, _ = keyObj["ext"].(bool)
	}
	version, _ = file["v"].(string)

	key := store.FileKey{
		MXCURI:      mxcURI,
		SHA256:      sha256,
		IV:          ivAny,
		AESKey:      aesKey,
		Algorithm:   alg,
		Version:     version,
		KeyType:     keyType,
		Extractable: extractable,
	}
	if err := r.deps.Engine.CacheFileKey(ctx, key); err != nil {
		r.log.Warn("failed to cache attachment file key", "mxc_uri", mxcURI, "error", err)
	}
}

func (r *Room) persistEvent(ctx context.Context, eventUID, eventType, sender string, originTS int64, content map[string]interface{}) error {
	raw, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("marshal event content for persistence: %w", err)
	}
	return r.st.AddRoomEvents(ctx, r.acc, r.RoomID, []store.RoomEvent{{
		EventUID:    eventUID,
		EventType:   eventType,
		Sender:      sender,
		OriginTS:    originTS,
		ContentJSON: string(raw),
	}}, false)
}
