package crypto

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"maunium.net/go/mautrix/crypto/olm"
	"maunium.net/go/mautrix/id"

	"github.com/n42blockchain/matrixcore/internal/store"
)

// handleRoomKey installs an inbound Megolm session received over Olm as an
// m.room_key payload (spec §4.2, the inbound half of create_room_group_keys).
func (e *Engine) handleRoomKey(ctx context.Context, senderKey id.Curve25519, content map[string]interface{}) error {
	raw, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("re-marshal room_key content: %w", err)
	}
	var payload RoomKeyPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("parse room_key payload: %w", err)
	}
	if payload.Algorithm != AlgorithmMegolm {
		return fmt.Errorf("unsupported room_key algorithm %q", payload.Algorithm)
	}

	sess, err := olm.NewInboundGroupSession([]byte(payload.SessionKey))
	if err != nil {
		return fmt.Errorf("import inbound megolm session: %w", err)
	}

	e.mu.Lock()
	e.inboundMegolm[payload.SessionID] = sess
	e.mu.Unlock()

	return e.st.AddSession(ctx, e.accID, string(senderKey), payload.SessionID, store.SessionMegolmInbound, sess.Pickle(e.pickleKey.Bytes()), payload.RoomID)
}

// HandleRoomEncrypted decrypts a Megolm-encrypted room timeline event. It
// consults the in-memory cache first, then falls back to the Store by
// session_id, matching spec §4.2 handle_room_encrypted(room, envelope).
func (e *Engine) HandleRoomEncrypted(ctx context.Context, roomID string, env MegolmEnvelope) (*DecryptedToDevice, int, error) {
	if env.Algorithm != AlgorithmMegolm {
		return nil, 0, fmt.Errorf("unsupported room algorithm %q", env.Algorithm)
	}

	sess, err := e.inboundMegolmSession(ctx, env.SessionID)
	if err != nil {
		return nil, 0, err
	}

	plaintext, msgIndex, err := sess.Decrypt(env.Ciphertext)
	if err != nil {
		return nil, 0, fmt.Errorf("decrypt megolm ciphertext: %w", err)
	}

	var decrypted DecryptedToDevice
	if err := json.Unmarshal(plaintext, &decrypted); err != nil {
		return nil, 0, fmt.Errorf("parse decrypted room payload: %w", err)
	}
	return &decrypted, int(msgIndex), nil
}

func (e *Engine) inboundMegolmSession(ctx context.Context, sessionID string) (*olm.InboundGroupSession, error) {
	e.mu.Lock()
	sess, ok := e.inboundMegolm[sessionID]
	e.mu.Unlock()
	if ok {
		return sess, nil
	}

	row, err := e.st.LookupSession(ctx, e.accID, "", sessionID, store.SessionMegolmInbound)
	if err != nil {
		return nil, fmt.Errorf("lookup inbound megolm session %s: %w", sessionID, err)
	}
	if row == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMegolmSession, sessionID)
	}
	sess = olm.NewBlankInboundGroupSession()
	if err := sess.Unpickle(row.Pickle, e.pickleKey.Bytes()); err != nil {
		return nil, fmt.Errorf("unpickle inbound megolm session %s: %w", sessionID, err)
	}

	e.mu.Lock()
	e.inboundMegolm[sessionID] = sess
	e.mu.Unlock()
	return sess, nil
}

// HasRoomGroupKey reports whether an outbound (sending) Megolm session
// currently exists for roomID (spec §4.2 has_room_group_key).
func (e *Engine) HasRoomGroupKey(roomID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	sessID, ok := e.roomOutbound[roomID]
	if !ok {
		return false
	}
	_, ok = e.outboundMegolm[sessID]
	return ok
}

// SetRoomGroupKey installs a freshly created outbound session as the room's
// current sending session (spec §4.2 set_room_group_key).
func (e *Engine) SetRoomGroupKey(ctx context.Context, roomID string) (*RoomKeyPayload, error) {
	e.mu.Lock()
	sess, err := olm.NewOutboundGroupSession()
	e.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("create outbound megolm session: %w", err)
	}

	state := &outboundGroupSessionState{
		session:   sess,
		roomID:    roomID,
		createdAt: time.Now(),
	}

	// Keep an inbound copy of our own session so messages this device sends
	// can be decrypted through HandleRoomEncrypted like anyone else's.
	inbound, err := olm.NewInboundGroupSession([]byte(sess.Key()))
	if err != nil {
		return nil, fmt.Errorf("create inbound copy of outbound megolm session: %w", err)
	}

	e.mu.Lock()
	e.outboundMegolm[string(sess.ID())] = state
	e.roomOutbound[roomID] = string(sess.ID())
	e.inboundMegolm[string(sess.ID())] = inbound
	e.mu.Unlock()

	if err := e.st.AddSession(ctx, e.accID, "", string(sess.ID()), store.SessionMegolmOutbound, sess.Pickle(e.pickleKey.Bytes()), roomID); err != nil {
		e.log.Warn("failed to persist new outbound megolm session", "error", err)
	}

	return &RoomKeyPayload{
		Algorithm:  AlgorithmMegolm,
		RoomID:     roomID,
		SessionID:  string(sess.ID()),
		SessionKey: string(sess.Key()),
	}, nil
}

// RmRoomGroupKey forces rotation by discarding the room's current outbound
// session; the next EncryptForRoom call creates a fresh one, which the caller
// then distributes with CreateRoomGroupKeys (spec §4.2 rm_room_group_key,
// invoked on membership change or rotation).
func (e *Engine) RmRoomGroupKey(ctx context.Context, roomID string) error {
	e.mu.Lock()
	sessID, ok := e.roomOutbound[roomID]
	if ok {
		delete(e.outboundMegolm, sessID)
		delete(e.roomOutbound, roomID)
	}
	e.mu.Unlock()
	if !ok {
		return nil
	}
	return e.st.InvalidateSession(ctx, e.accID, sessID, store.SessionMegolmOutbound)
}

// needsRotation reports whether the room's current outbound session has
// exceeded either rotation bound from spec §4.2 (message count or age).
func (e *Engine) needsRotation(state *outboundGroupSessionState) bool {
	if state.sentCount >= e.rotation.MessageCount {
		return true
	}
	return time.Since(state.createdAt) >= e.rotation.Period
}

// EncryptForRoom encrypts plaintext with the room's current outbound Megolm
// session, rotating first if the session is due for rotation (spec §4.2
// encrypt_for_room). The caller is responsible for calling
// CreateRoomGroupKeys to redistribute the session key after a rotation.
func (e *Engine) EncryptForRoom(ctx context.Context, roomID string, plaintext []byte) (*MegolmEnvelope, bool, error) {
	e.mu.Lock()
	sessID, ok := e.roomOutbound[roomID]
	var state *outboundGroupSessionState
	if ok {
		state, ok = e.outboundMegolm[sessID]
	}
	e.mu.Unlock()

	rotated := false
	if !ok || e.needsRotation(state) {
		if ok {
			if err := e.RmRoomGroupKey(ctx, roomID); err != nil {
				return nil, false, fmt.Errorf("rotate outbound megolm session: %w", err)
			}
		}
		if _, err := e.SetRoomGroupKey(ctx, roomID); err != nil {
			return nil, false, err
		}
		rotated = true
		e.mu.Lock()
		sessID = e.roomOutbound[roomID]
		state = e.outboundMegolm[sessID]
		e.mu.Unlock()
	}

	e.mu.Lock()
	ciphertext := state.session.Encrypt(plaintext)
	state.sentCount++
	pickle := state.session.Pickle(e.pickleKey.Bytes())
	e.mu.Unlock()

	if err := e.st.UpdateSession(ctx, e.accID, store.Session{
		SessionID:    sessID,
		Type:         store.SessionMegolmOutbound,
		RoomID:       roomID,
		Pickle:       pickle,
		MessageIndex: state.sentCount,
		State:        store.SessionUsable,
	}); err != nil {
		e.log.Warn("failed to persist outbound megolm advance", "error", err)
	}

	_, curve := e.IdentityKeys()
	return &MegolmEnvelope{
		Algorithm:  AlgorithmMegolm,
		SenderKey:  curve,
		SessionID:  sessID,
		Ciphertext: ciphertext,
		DeviceID:   e.deviceID,
	}, rotated, nil
}

// CreateRoomGroupKeys distributes the room's current outbound Megolm session
// key to every claimed peer device over Olm, creating an outbound Olm
// session per device that lacks one (spec §4.2 create_room_group_keys).
func (e *Engine) CreateRoomGroupKeys(ctx context.Context, roomID string, peers []DeviceKeyClaim) (map[string]map[string]ToDeviceEnvelope, error) {
	e.mu.Lock()
	sessID, ok := e.roomOutbound[roomID]
	var state *outboundGroupSessionState
	if ok {
		state, ok = e.outboundMegolm[sessID]
	}
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoOutboundSession, roomID)
	}

	_, ownCurve := e.IdentityKeys()
	e.mu.Lock()
	sessionKey := string(state.session.Key())
	e.mu.Unlock()

	payload := RoomKeyPayload{
		Algorithm:  AlgorithmMegolm,
		RoomID:     roomID,
		SessionID:  sessID,
		SessionKey: sessionKey,
	}

	messages := make(map[string]map[string]ToDeviceEnvelope, len(peers))
	for _, peer := range peers {
		ciphertext, err := e.encryptOlmFor(ctx, peer, DecryptedToDevice{
			Type: "m.room_key",
			Content: map[string]interface{}{
				"algorithm":   payload.Algorithm,
				"room_id":     payload.RoomID,
				"session_id":  payload.SessionID,
				"session_key": payload.SessionKey,
			},
			Sender:    e.userID,
			Recipient: peer.UserID,
		})
		if err != nil {
			e.log.Warn("failed to encrypt room key for peer device", "peer_user", peer.UserID, "peer_device", peer.DeviceID, "error", err)
			continue
		}
		if _, ok := messages[peer.UserID]; !ok {
			messages[peer.UserID] = make(map[string]ToDeviceEnvelope)
		}
		messages[peer.UserID][peer.DeviceID] = ToDeviceEnvelope{
			Algorithm: AlgorithmOlm,
			SenderKey: ownCurve,
			Ciphertext: map[string]OlmCiphertext{
				string(peer.Curve25519Key): ciphertext,
			},
		}
	}
	return messages, nil
}
