package crypto

import "github.com/pkg/errors"

// Sentinel errors returned by EncEngine operations. They are created with
// github.com/pkg/errors.New, so each carries the stack trace of its
// declaration; call sites in this package add context by wrapping them
// with fmt.Errorf and %w, so errors.Is still matches them.
var (
	// ErrNoOutboundSession is returned when a room has no outbound Megolm
	// session and the caller asked not to create one implicitly.
	ErrNoOutboundSession = errors.New("no outbound megolm session for room")

	// ErrDeviceKeyMismatch names the case of a claimed one-time key whose
	// signature does not verify against the claimed device's known
	// Ed25519 fingerprint. directory.ClaimKeys logs and skips such keys;
	// it does not return this error.
	ErrDeviceKeyMismatch = errors.New("claimed one-time key signature mismatch")

	// ErrUnknownMegolmSession is returned when handle_room_encrypted
	// cannot find the referenced session in cache or Store.
	ErrUnknownMegolmSession = errors.New("unknown megolm session")
)
