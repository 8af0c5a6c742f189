package directory

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/n42blockchain/matrixcore/internal/crypto"
)

// UploadGroupKeys wraps EncEngine.CreateRoomGroupKeys's output in a
// PUT /sendToDevice/m.room.encrypted/<txn> request (spec §4.3
// upload_group_keys). The engine has already installed the outbound Megolm
// session as active (via EncryptForRoom's rotation check or an explicit
// SetRoomGroupKey call) before this is invoked; a distribution failure here
// does not roll that back, since the session remains usable for subsequent
// local encrypts and a retry will simply redistribute the same session.
func (d *Directory) UploadGroupKeys(ctx context.Context, eng *crypto.Engine, roomID string, peers []crypto.DeviceKeyClaim) error {
	if len(peers) == 0 {
		return nil
	}

	messages, err := eng.CreateRoomGroupKeys(ctx, roomID, peers)
	if err != nil {
		return fmt.Errorf("build room group key payloads: %w", err)
	}
	if len(messages) == 0 {
		return nil
	}

	flat := make(map[string]map[string]interface{}, len(messages))
	for uid, byDevice := range messages {
		flat[uid] = make(map[string]interface{}, len(byDevice))
		for devID, env := range byDevice {
			flat[uid][devID] = env
		}
	}

	txnID := uuid.New().String()
	if err := d.api.SendToDevice(ctx, "m.room.encrypted", txnID, flat); err != nil {
		return fmt.Errorf("send room group keys to devices: %w", err)
	}
	return nil
}
