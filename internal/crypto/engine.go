// Package crypto implements the EncEngine from SPEC_FULL.md §4.2: all
// cryptographic state for one account -- the Olm account, its identity and
// one-time keys, every Olm and Megolm session, and the per-file encryption
// metadata cache. It is a thin, renamed restructuring of the
// maunium.net/go/mautrix OlmMachine shape (see
// _examples/other_examples/da09d52f_eachchat-mautrix-go__crypto-decryptolm.go.go
// and the sibling SQLCryptoStore snippet) onto the operation names
// SPEC_FULL.md §4.2 specifies, backed by maunium.net/go/mautrix/crypto/olm
// instead of a hand-rolled double ratchet.
package crypto

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"maunium.net/go/mautrix/crypto/olm"
	"maunium.net/go/mautrix/id"

	"github.com/n42blockchain/matrixcore/internal/store"
	"github.com/n42blockchain/matrixcore/matrixerr"
)

// AlgorithmOlm and AlgorithmMegolm are the two algorithms this engine
// declares support for in its published device keys (spec §4.2).
const (
	AlgorithmOlm    = "m.olm.v1.curve25519-aes-sha2"
	AlgorithmMegolm = "m.megolm.v1.aes-sha2"
)

// RotationPolicy controls when an outbound Megolm session is retired.
// SPEC_FULL.md §9 resolves the source's self-contradictory zero-duration
// default: RotationPeriod defaults to 7 days, never to "rotate immediately."
type RotationPolicy struct {
	MessageCount int           // default 100
	Period       time.Duration // default 7 * 24h
}

func (p RotationPolicy) normalized() RotationPolicy {
	if p.MessageCount <= 0 {
		p.MessageCount = 100
	}
	if p.Period <= 0 {
		p.Period = 7 * 24 * time.Hour
	}
	return p
}

// Engine is one account's EncEngine instance.
type Engine struct {
	log   *slog.Logger
	st    *store.Store
	accID store.AccountID

	deviceID  string
	userID    string
	pickleKey *SecureBuffer

	mu      sync.Mutex
	account *olm.Account

	// Four session maps, per spec §4.2.
	inboundOlm     map[string]map[string]*olm.Session // peer_curve_key -> session_id -> Session
	outboundOlm    map[string]*olm.Session            // peer_curve_key -> Session
	inboundMegolm  map[string]*olm.InboundGroupSession
	outboundMegolm map[string]*outboundGroupSessionState // session_id -> state
	roomOutbound   map[string]string                     // room_id -> outbound session_id

	fileKeys map[string]store.FileKey // mxc_uri -> FileKey, write-through to Store

	rotation RotationPolicy
}

type outboundGroupSessionState struct {
	session   *olm.OutboundGroupSession
	roomID    string
	createdAt time.Time
	sentCount int
}

// New either unpickles an existing account from a prior save, or generates a
// fresh identity (new Curve25519/Ed25519 keys, a random 64-byte pickle
// passphrase) when none is found. See spec §4.2 "new(store, pickle?, passphrase?)".
//
// existingPickleKey is the raw passphrase the caller resolved from its
// credstore.CredentialSink (spec §6.3: the pickle_key belongs in the
// external credential store, never in the Store's own journal). It is
// combined with existing.OlmPickle, which is the only olm-account material
// this engine ever keeps in the Store.
func New(ctx context.Context, log *slog.Logger, st *store.Store, accID store.AccountID, rotation RotationPolicy, existing *store.Account, existingPickleKey []byte) (*Engine, error) {
	e := &Engine{
		log:            log.With("component", "crypto", "user_id", accID.UserID, "device_id", accID.DeviceID),
		st:             st,
		accID:          accID,
		deviceID:       accID.DeviceID,
		userID:         accID.UserID,
		inboundOlm:     make(map[string]map[string]*olm.Session),
		outboundOlm:    make(map[string]*olm.Session),
		inboundMegolm:  make(map[string]*olm.InboundGroupSession),
		outboundMegolm: make(map[string]*outboundGroupSessionState),
		roomOutbound:   make(map[string]string),
		fileKeys:       make(map[string]store.FileKey),
		rotation:       rotation.normalized(),
	}

	if e.rotation.Period == 7*24*time.Hour && rotation.Period <= 0 {
		e.log.Info("rotation_period unset, defaulting to 7 days", "rotation_msg_count", e.rotation.MessageCount)
	}

	if existing != nil && len(existing.OlmPickle) > 0 && len(existingPickleKey) > 0 {
		e.pickleKey = NewSecureBuffer(existingPickleKey)
		acc, err := loadOlmAccount(existing.OlmPickle, e.pickleKey.Bytes())
		if err != nil {
			return nil, matrixerr.Wrap(matrixerr.KindCrypto, err)
		}
		e.account = acc
		e.log.Info("loaded existing olm account")
		return e, nil
	}

	pickleKey, err := NewRandomPickleKey()
	if err != nil {
		return nil, matrixerr.Wrap(matrixerr.KindCrypto, fmt.Errorf("generate pickle passphrase: %w", err))
	}
	acc, err := newOlmAccount()
	if err != nil {
		return nil, matrixerr.Wrap(matrixerr.KindCrypto, err)
	}
	e.pickleKey = pickleKey
	e.account = acc
	e.log.Info("generated new olm account identity")
	return e, nil
}

// Persist pickles the account and saves it through the Store. Callers
// invoke this after any mutation that must survive a restart (key
// generation, session creation, rotation). The pickle passphrase itself
// never goes through this call -- it belongs in the caller's
// credstore.CredentialSink; use PickleKey to read it back out for that.
func (e *Engine) Persist(ctx context.Context, acc *store.Account) error {
	e.mu.Lock()
	pickle := pickleAccount(e.account, e.pickleKey.Bytes())
	e.mu.Unlock()

	acc.OlmPickle = pickle
	if err := e.st.SaveAccount(ctx, *acc); err != nil {
		return fmt.Errorf("persist olm account: %w", err)
	}
	return nil
}

// PickleKey returns the raw passphrase currently protecting the pickled Olm
// account, so the caller can write it to its credstore.CredentialSink
// (spec §6.3). It is never written to the SQLite journal.
func (e *Engine) PickleKey() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pickleKey.Bytes()
}

// IdentityKeys returns the account's long-term Ed25519 fingerprint and
// Curve25519 identity keys.
func (e *Engine) IdentityKeys() (ed25519Key id.Ed25519, curveKey id.Curve25519) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return identityKeys(e.account)
}

// DeviceKeysJSON returns the signed device-keys object declaring support
// for Olm and Megolm (spec §4.2 device_keys_json()).
func (e *Engine) DeviceKeysJSON() (map[string]interface{}, error) {
	ed, curve := e.IdentityKeys()
	obj := map[string]interface{}{
		"user_id":    e.userID,
		"device_id":  e.deviceID,
		"algorithms": []string{AlgorithmOlm, AlgorithmMegolm},
		"keys": map[string]interface{}{
			"curve25519:" + e.deviceID: string(curve),
			"ed25519:" + e.deviceID:    string(ed),
		},
	}
	keyID, sig, err := e.SignJSON(obj)
	if err != nil {
		return nil, err
	}
	obj["signatures"] = map[string]interface{}{
		e.userID: map[string]interface{}{keyID: sig},
	}
	return obj, nil
}

func b64(b []byte) string { return base64.RawStdEncoding.EncodeToString(b) }
