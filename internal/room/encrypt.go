package room

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/n42blockchain/matrixcore/internal/crypto"
)

// prepareEncryptedContent runs steps (b)-(e) of the send pipeline (spec
// §4.4): ensure device keys are known for every member, ensure one-time
// keys are claimed for any device without an outbound Olm session, encrypt
// the plaintext (substituting an uploaded file's MXC URI first, for file
// messages) into the m.room.encrypted envelope actually PUT to the
// homeserver, and make sure the room's group key has reached every such
// device before that envelope is returned.
func (r *Room) prepareEncryptedContent(ctx context.Context, members []Member, msg *OutgoingMessage) (map[string]interface{}, error) {
	userIDs := make([]string, 0, len(members))
	for _, m := range members {
		userIDs = append(userIDs, m.UserID)
	}

	// (b) ensure device keys queried for all members.
	if err := r.deps.Directory.LoadDevices(ctx, nil, userIDs); err != nil {
		return nil, fmt.Errorf("load member devices: %w", err)
	}

	deviceIDsByUser := make(map[string][]string)
	for _, uid := range userIDs {
		u := r.deps.Directory.User(uid)
		if u == nil {
			continue
		}
		for devID, dev := range u.Devices {
			if r.deps.Engine.HasOutboundOlmSession(dev.Curve25519Key) {
				continue
			}
			deviceIDsByUser[uid] = append(deviceIDsByUser[uid], devID)
		}
	}

	// (c) ensure one-time keys claimed only for devices that still lack an
	// outbound Olm session -- a device already holding one never needs to be
	// re-claimed on every send (spec §4.4 "ensure", not "refresh").
	var peers []crypto.DeviceKeyClaim
	if len(deviceIDsByUser) > 0 {
		claims, err := r.deps.Directory.ClaimKeys(ctx, deviceIDsByUser)
		if err != nil {
			return nil, fmt.Errorf("claim device one-time keys: %w", err)
		}
		peers = claims
	}

	// (e) for file messages, upload the encrypted blob and substitute the
	// MXC URI before the event content is finalized.
	content := msg.Content
	if msg.IsFile {
		uri, _, err := r.deps.Transport.UploadEncryptedFile(msg.FileData, msg.FileMime)
		if err != nil {
			return nil, fmt.Errorf("upload encrypted file: %w", err)
		}
		content = mergeFileURI(content, uri)
	}

	plaintext, err := json.Marshal(map[string]interface{}{
		"type":    msg.EventType,
		"content": content,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal event plaintext: %w", err)
	}

	env, rotated, err := r.deps.Engine.EncryptForRoom(ctx, r.RoomID, plaintext)
	if err != nil {
		return nil, fmt.Errorf("megolm encrypt: %w", err)
	}

	// (d) ensure group keys uploaded. A fresh/rotated session must reach
	// every device before it is safe to rely on the PUT below; an existing
	// session may still need to reach devices claimed for the first time.
	if rotated || len(peers) > 0 {
		if err := r.deps.Directory.UploadGroupKeys(ctx, r.deps.Engine, r.RoomID, peers); err != nil {
			return nil, fmt.Errorf("upload room group keys: %w", err)
		}
	}

	return map[string]interface{}{
		"algorithm":  env.Algorithm,
		"sender_key": string(env.SenderKey),
		"session_id": env.SessionID,
		"ciphertext": env.Ciphertext,
		"device_id":  env.DeviceID,
	}, nil
}
