package verification

import (
	"context"
	"fmt"
)

var sasStartContent = map[string]interface{}{
	"method":                       "m.sas.v1",
	"key_agreement_protocols":      []interface{}{"curve25519-hkdf-sha256"},
	"hashes":                       []interface{}{"sha256"},
	"message_authentication_codes": []interface{}{"hkdf-hmac-sha256"},
	"short_authentication_string":  []interface{}{"decimal", "emoji"},
}

// Ready sends m.key.verification.ready, acknowledging a peer's
// verification request before either side proposes a method.
func (s *Session) Ready(ctx context.Context) error {
	s.setState(StateReady)
	return s.transport.SendToDevice(ctx, "m.key.verification.ready", s.theirUserID, s.theirDeviceID, map[string]interface{}{
		"transaction_id": s.txnID,
		"methods":        []interface{}{"m.sas.v1"},
	})
}

// Start sends m.key.verification.start, proposing SAS verification. Only
// valid for a session this device initiated.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if !s.initiatorIsUs {
		s.mu.Unlock()
		return fmt.Errorf("only the initiating side sends m.key.verification.start")
	}
	s.mu.Unlock()

	content := make(map[string]interface{}, len(sasStartContent)+1)
	for k, v := range sasStartContent {
		content[k] = v
	}
	content["transaction_id"] = s.txnID

	canonical, err := canonicalContent(content)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.startCanonical = canonical
	s.state = StateStarted
	s.mu.Unlock()

	return s.transport.SendToDevice(ctx, "m.key.verification.start", s.theirUserID, s.theirDeviceID, content)
}

// HandleStart processes a peer-initiated m.key.verification.start, checking
// the proposed method set against what this implementation supports.
func (s *Session) HandleStart(ctx context.Context, content map[string]interface{}) error {
	if !sasMethodSupported(content) {
		return s.Cancel(ctx, CancelUnknownMethod)
	}

	canonical, err := canonicalContent(content)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.startCanonical = canonical
	s.state = StateStarted
	s.mu.Unlock()
	return nil
}

func sasMethodSupported(content map[string]interface{}) bool {
	if s, _ := content["method"].(string); s != "m.sas.v1" {
		return false
	}
	return hasString(content, "key_agreement_protocols", "curve25519-hkdf-sha256") &&
		hasString(content, "hashes", "sha256") &&
		hasString(content, "message_authentication_codes", "hkdf-hmac-sha256") &&
		hasString(content, "short_authentication_string", "decimal")
}

func hasString(content map[string]interface{}, field, want string) bool {
	arr, _ := content[field].([]interface{})
	for _, v := range arr {
		if s, ok := v.(string); ok && s == want {
			return true
		}
	}
	return false
}

// Accept responds to a peer's m.key.verification.start with
// m.key.verification.accept, committing to this device's (not yet
// revealed) public key hashed together with the canonical start content
// (spec §4.5, cm-olm-sas.c's cm_olm_sas_create_commitment).
func (s *Session) Accept(ctx context.Context) error {
	s.mu.Lock()
	startCanonical := s.startCanonical
	s.mu.Unlock()
	if startCanonical == nil {
		return fmt.Errorf("no m.key.verification.start content to commit against")
	}

	pub, err := s.pubKey()
	if err != nil {
		return err
	}
	commitment := commitmentHash(pub, startCanonical)

	s.setState(StateAccepted)
	return s.transport.SendToDevice(ctx, "m.key.verification.accept", s.theirUserID, s.theirDeviceID, map[string]interface{}{
		"transaction_id":              s.txnID,
		"method":                      "m.sas.v1",
		"key_agreement_protocol":      "curve25519-hkdf-sha256",
		"hash":                        "sha256",
		"message_authentication_code": "hkdf-hmac-sha256",
		"short_authentication_string": []interface{}{"decimal", "emoji"},
		"commitment":                  commitment,
	})
}

// HandleAccept stores the peer's commitment (initiator side only); it is
// checked once the peer's actual public key arrives via HandleKey.
func (s *Session) HandleAccept(ctx context.Context, content map[string]interface{}) error {
	commitment, _ := content["commitment"].(string)
	if commitment == "" {
		return s.Cancel(ctx, CancelKeyMismatch)
	}
	s.mu.Lock()
	s.receivedCommitment = commitment
	s.state = StateAccepted
	s.mu.Unlock()
	return nil
}

// SendKey publishes this device's ephemeral SAS public key.
func (s *Session) SendKey(ctx context.Context) error {
	pub, err := s.pubKey()
	if err != nil {
		return err
	}
	return s.transport.SendToDevice(ctx, "m.key.verification.key", s.theirUserID, s.theirDeviceID, map[string]interface{}{
		"transaction_id": s.txnID,
		"key":            pub,
	})
}

// HandleKey installs the peer's SAS public key, verifying it against the
// commitment received earlier if this device is the initiator.
func (s *Session) HandleKey(ctx context.Context, theirKey string) error {
	s.mu.Lock()
	startCanonical := s.startCanonical
	receivedCommitment := s.receivedCommitment
	s.mu.Unlock()

	if receivedCommitment != "" {
		if commitmentHash(theirKey, startCanonical) != receivedCommitment {
			return s.Cancel(ctx, CancelKeyMismatch)
		}
	}

	if err := s.setTheirKey(theirKey); err != nil {
		return err
	}

	s.setState(StateKeysExchanged)
	return nil
}

// ConfirmMatch is called once the local user has visually confirmed the
// emoji/decimal short-authentication-string matches on both devices. It
// sends this device's MAC over its own identity key. A session whose peer
// MAC has already been verified stays in mac_verified.
func (s *Session) ConfirmMatch(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateMACVerified {
		s.state = StateUserConfirmed
	}
	s.mu.Unlock()

	keyID := "ed25519:" + s.ourDeviceID
	info := s.macInfo(s.ourUserID, s.ourDeviceID, s.theirUserID, s.theirDeviceID)

	mac, err := s.calculateMAC(string(s.ourEd25519), info+keyID)
	if err != nil {
		return err
	}
	keysMAC, err := s.calculateMAC(keyID, info+"KEY_IDS")
	if err != nil {
		return err
	}

	return s.transport.SendToDevice(ctx, "m.key.verification.mac", s.theirUserID, s.theirDeviceID, map[string]interface{}{
		"transaction_id": s.txnID,
		"mac":            map[string]interface{}{keyID: mac},
		"keys":           keysMAC,
	})
}

// HandleMAC verifies the peer's m.key.verification.mac, checking the
// keys-list MAC and the per-key MAC against the peer's known Ed25519
// identity key (spec §4.5, cm-olm-sas.c's cm_olm_sas_parse_verification_mac).
func (s *Session) HandleMAC(ctx context.Context, content map[string]interface{}) error {
	macs, _ := content["mac"].(map[string]interface{})
	keysMAC, _ := content["keys"].(string)
	if len(macs) == 0 || keysMAC == "" {
		return s.Cancel(ctx, CancelKeyMismatch)
	}

	keyIDs := sortedKeys(macs)
	info := s.macInfo(s.theirUserID, s.theirDeviceID, s.ourUserID, s.ourDeviceID)

	expectedKeysMAC, err := s.calculateMAC(joinComma(keyIDs), info+"KEY_IDS")
	if err != nil {
		return err
	}
	if expectedKeysMAC != keysMAC {
		return s.Cancel(ctx, CancelKeyMismatch)
	}

	theirEd25519, ok := s.keys.Ed25519Key(s.theirUserID, s.theirDeviceID)
	if !ok {
		return s.Cancel(ctx, CancelKeyMismatch)
	}

	for _, keyID := range keyIDs {
		if keyID != "ed25519:"+s.theirDeviceID {
			continue
		}
		claimedMAC, _ := macs[keyID].(string)
		expected, err := s.calculateMAC(string(theirEd25519), info+keyID)
		if err != nil {
			return err
		}
		if expected != claimedMAC {
			return s.Cancel(ctx, CancelKeyMismatch)
		}
	}

	s.setState(StateMACVerified)
	return nil
}

// Done sends m.key.verification.done once both sides' MACs have verified.
func (s *Session) Done(ctx context.Context) error {
	s.setState(StateDone)
	return s.transport.SendToDevice(ctx, "m.key.verification.done", s.theirUserID, s.theirDeviceID, map[string]interface{}{
		"transaction_id": s.txnID,
	})
}

func (s *Session) macInfo(senderUser, senderDevice, recipientUser, recipientDevice string) string {
	return fmt.Sprintf("MATRIX_KEY_VERIFICATION_MAC%s%s%s%s%s", senderUser, senderDevice, recipientUser, recipientDevice, s.txnID)
}
