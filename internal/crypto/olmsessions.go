package crypto

import (
	"context"
	"encoding/json"
	"fmt"

	"maunium.net/go/mautrix/crypto/olm"
	"maunium.net/go/mautrix/id"

	"github.com/n42blockchain/matrixcore/internal/store"
)

// HandleToDevice attempts Olm decryption of an incoming m.room.encrypted
// to-device message: (i) look up a matching session in the in-memory
// cache, (ii) fall back to Store.LookupOlmSessions, (iii) for pre-key
// messages with no match, create a new inbound session from the Olm
// account. On success it parses the inner content; m.room_key payloads
// produce a new inbound Megolm session entered into the cache
// (spec §4.2).
func (e *Engine) HandleToDevice(ctx context.Context, env ToDeviceEnvelope) (*DecryptedToDevice, error) {
	if env.Algorithm != AlgorithmOlm {
		return nil, fmt.Errorf("unsupported to-device algorithm %q", env.Algorithm)
	}
	_, ownCurve := e.IdentityKeys()
	ours, ok := env.Ciphertext[string(ownCurve)]
	if !ok {
		return nil, fmt.Errorf("to-device message not encrypted for this device")
	}

	plaintext, err := e.decryptOlm(ctx, env.SenderKey, ours.Type, ours.Body)
	if err != nil {
		return nil, fmt.Errorf("decrypt olm to-device message: %w", err)
	}

	var decrypted DecryptedToDevice
	if err := json.Unmarshal(plaintext, &decrypted); err != nil {
		return nil, fmt.Errorf("parse decrypted to-device payload: %w", err)
	}

	if decrypted.Type == "m.room_key" {
		if err := e.handleRoomKey(ctx, env.SenderKey, decrypted.Content); err != nil {
			e.log.Warn("failed to install inbound megolm session from room_key", "error", err)
		}
	}

	return &decrypted, nil
}

// decryptOlm tries the in-memory session cache, then the Store's
// sender-key-indexed scan, and finally -- for pre-key messages only --
// creates a brand new inbound session from the Olm account.
func (e *Engine) decryptOlm(ctx context.Context, senderKey id.Curve25519, msgType id.OlmMsgType, ciphertext string) ([]byte, error) {
	e.mu.Lock()
	cached := e.inboundOlm[string(senderKey)]
	e.mu.Unlock()

	for _, sess := range cached {
		if pt, err := sess.Decrypt(ciphertext, msgType); err == nil {
			e.persistOlmSession(ctx, senderKey, sess)
			return pt, nil
		}
	}

	stored, err := e.st.LookupOlmSessions(ctx, e.accID, string(senderKey))
	if err != nil {
		return nil, fmt.Errorf("lookup stored olm sessions: %w", err)
	}
	for _, row := range stored {
		sess := olm.NewBlankSession()
		if err := sess.Unpickle(row.Pickle, e.pickleKey.Bytes()); err != nil {
			continue
		}
		if pt, err := sess.Decrypt(ciphertext, msgType); err == nil {
			e.cacheInboundOlm(senderKey, sess)
			e.persistOlmSession(ctx, senderKey, sess)
			return pt, nil
		}
	}

	if msgType != olmMsgTypePreKey {
		return nil, fmt.Errorf("no matching olm session for non-prekey message")
	}

	e.mu.Lock()
	sess, err := e.account.NewInboundSessionFrom(senderKey, ciphertext)
	e.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("create inbound session from prekey message: %w", err)
	}
	pt, err := sess.Decrypt(ciphertext, msgType)
	if err != nil {
		return nil, fmt.Errorf("decrypt with newly created inbound session: %w", err)
	}
	e.cacheInboundOlm(senderKey, sess)
	if err := e.st.AddSession(ctx, e.accID, string(senderKey), string(sess.ID()), store.SessionOlmInbound, sess.Pickle(e.pickleKey.Bytes()), ""); err != nil {
		e.log.Warn("failed to persist new inbound olm session", "error", err)
	}
	return pt, nil
}

// olmMsgTypePreKey is the Olm wire message type for a pre-key (initial)
// message, as opposed to an ordinary ratcheted message.
const olmMsgTypePreKey = id.OlmMsgTypePreKey

func (e *Engine) cacheInboundOlm(senderKey id.Curve25519, sess *olm.Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.inboundOlm[string(senderKey)]
	if !ok {
		m = make(map[string]*olm.Session)
		e.inboundOlm[string(senderKey)] = m
	}
	m[string(sess.ID())] = sess
}

func (e *Engine) persistOlmSession(ctx context.Context, senderKey id.Curve25519, sess *olm.Session) {
	err := e.st.UpdateSession(ctx, e.accID, store.Session{
		SenderKey: string(senderKey),
		SessionID: string(sess.ID()),
		Type:      store.SessionOlmInbound,
		Pickle:    sess.Pickle(e.pickleKey.Bytes()),
		State:     store.SessionUsable,
	})
	if err != nil {
		e.log.Warn("failed to persist olm session advance", "error", err)
	}
}

// HasOutboundOlmSession reports whether a usable outbound Olm session to
// peerCurveKey is already cached, so callers can skip re-claiming a one-time
// key for a device they have already established a session with
// (spec §4.4 "ensure" semantics: claim only devices that still need it).
func (e *Engine) HasOutboundOlmSession(peerCurveKey id.Curve25519) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.outboundOlm[string(peerCurveKey)]
	return ok
}

// ensureOutboundOlmSession returns the cached outbound session to a peer
// device if one exists, or creates one from a claimed one-time key
// (spec §4.2 "at most one usable outbound Olm session per peer-device").
func (e *Engine) ensureOutboundOlmSession(ctx context.Context, peer DeviceKeyClaim) (*olm.Session, error) {
	e.mu.Lock()
	if sess, ok := e.outboundOlm[string(peer.Curve25519Key)]; ok {
		e.mu.Unlock()
		return sess, nil
	}
	sess, err := e.account.NewOutboundSession(peer.Curve25519Key, peer.OneTimeKey)
	e.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("create outbound olm session to %s/%s: %w", peer.UserID, peer.DeviceID, err)
	}

	e.mu.Lock()
	e.outboundOlm[string(peer.Curve25519Key)] = sess
	e.mu.Unlock()

	if err := e.st.AddSession(ctx, e.accID, string(peer.Curve25519Key), string(sess.ID()), store.SessionOlmOutbound, sess.Pickle(e.pickleKey.Bytes()), ""); err != nil {
		e.log.Warn("failed to persist new outbound olm session", "error", err)
	}
	return sess, nil
}

// encryptOlmFor encrypts an arbitrary JSON-able payload for one peer device
// over its (possibly freshly created) outbound Olm session, producing the
// ciphertext body used in a to-device m.room.encrypted envelope.
func (e *Engine) encryptOlmFor(ctx context.Context, peer DeviceKeyClaim, payload DecryptedToDevice) (OlmCiphertext, error) {
	sess, err := e.ensureOutboundOlmSession(ctx, peer)
	if err != nil {
		return OlmCiphertext{}, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return OlmCiphertext{}, fmt.Errorf("marshal olm payload: %w", err)
	}

	e.mu.Lock()
	msgType, ciphertext := sess.Encrypt(body)
	e.mu.Unlock()

	if err := e.st.UpdateSession(ctx, e.accID, store.Session{
		SenderKey: string(peer.Curve25519Key),
		SessionID: string(sess.ID()),
		Type:      store.SessionOlmOutbound,
		Pickle:    sess.Pickle(e.pickleKey.Bytes()),
		State:     store.SessionUsable,
	}); err != nil {
		e.log.Warn("failed to persist outbound olm session advance", "error", err)
	}

	return OlmCiphertext{Type: msgType, Body: ciphertext}, nil
}
