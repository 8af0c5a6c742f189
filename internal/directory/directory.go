// Package directory implements the UserDirectory from SPEC_FULL.md §4.3: the
// process-wide registry of known users and their device lists, the
// changed-users set tracking staleness, and the queue-backed /keys/query and
// /keys/claim mediation that guarantees at most one outstanding device-key
// refresh at a time. The single-in-flight-request shape is grounded on the
// teacher's internal/bridge/loadbalancer.go connection-slot pattern; the
// abstraction boundary against the HTTP layer follows
// internal/bridge/encryption.go's CryptoHelper/CryptoStore interface split.
package directory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"
	"maunium.net/go/mautrix/id"

	"github.com/n42blockchain/matrixcore/internal/store"
	"github.com/n42blockchain/matrixcore/matrixerr"
)

// Device mirrors the store's persisted device row plus its live trust state.
type Device struct {
	UserID        string
	DeviceID      string
	Curve25519Key id.Curve25519
	Ed25519Key    id.Ed25519
	Algorithms    []string
	DisplayName   string
	Verification  VerificationState

	// RawJSON is the exact device_keys bytes last received from
	// /keys/query, cached so a later re-verification checks the same bytes
	// that were signed rather than a re-serialization (SPEC_FULL.md §3
	// "Device.device_keys_json").
	RawJSON string
}

// VerificationState tracks a device's trust level (spec §3 Device entity).
type VerificationState string

const (
	VerificationUnset       VerificationState = "unset"
	VerificationKnown       VerificationState = "known"
	VerificationVerified    VerificationState = "verified"
	VerificationBlacklisted VerificationState = "blacklisted"
	VerificationIgnored     VerificationState = "ignored"
)

// User is one entry in the directory: a user id, profile fields, and the set
// of devices known for that user.
type User struct {
	UserID      string
	DisplayName string
	AvatarURL   string
	Devices     map[string]*Device // device_id -> Device
}

// KeysAPI is the subset of the homeserver client-server API the directory
// needs. mxclient implements this; tests use a fake.
type KeysAPI interface {
	QueryKeys(ctx context.Context, users []string) (map[string]map[string]DeviceKeysResponse, error)
	ClaimKeys(ctx context.Context, oneTimeKeys map[string]map[string]string) (map[string]map[string]ClaimedKey, error)
	SendToDevice(ctx context.Context, eventType, txnID string, messages map[string]map[string]interface{}) error
}

// DeviceKeysResponse is one device's entry in a /keys/query response.
type DeviceKeysResponse struct {
	UserID     string
	DeviceID   string
	Algorithms []string
	Keys       map[string]string // "curve25519:<device>" / "ed25519:<device>" -> base64 key
	Signatures map[string]map[string]string
	RawJSON    string // exact bytes of this device's entry, for self-signature verification
}

// ClaimedKey is one device's claimed one-time key from a /keys/claim response.
type ClaimedKey struct {
	KeyID      string // e.g. "signed_curve25519:AAAAAA"
	Key        string
	Signatures map[string]map[string]string
}

// Directory is the UserDirectory singleton for one Client.
type Directory struct {
	log *slog.Logger
	st  *store.Store
	acc store.AccountID
	api KeysAPI

	mu           sync.Mutex
	users        map[string]*User
	changedUsers map[string]struct{}

	// querySem enforces "at most one outstanding /keys/query" (spec §4.3).
	querySem *semaphore.Weighted
}

// New constructs an empty UserDirectory bound to one account's Store and
// homeserver transport.
func New(log *slog.Logger, st *store.Store, acc store.AccountID, api KeysAPI) *Directory {
	return &Directory{
		log:          log.With("component", "directory", "user_id", acc.UserID),
		st:           st,
		acc:          acc,
		api:          api,
		users:        make(map[string]*User),
		changedUsers: make(map[string]struct{}),
	}
}

// MarkChanged merges a /sync device_lists.changed[] array into the
// changed-users set, creating directory entries for any user not yet known.
func (d *Directory) MarkChanged(userIDs []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, uid := range userIDs {
		if _, ok := d.users[uid]; !ok {
			d.users[uid] = &User{UserID: uid, Devices: make(map[string]*Device)}
		}
		d.changedUsers[uid] = struct{}{}
	}
}

// MarkLeft processes a /sync device_lists.left[] array: a user's device list
// is no longer tracked as changed once we are no longer sharing any room.
func (d *Directory) MarkLeft(userIDs []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, uid := range userIDs {
		delete(d.changedUsers, uid)
	}
}

// User returns the directory entry for a user id, or nil if unknown.
func (d *Directory) User(userID string) *User {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.users[userID]
}

// IsChanged reports whether a user is currently in the changed-users set.
func (d *Directory) IsChanged(userID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.changedUsers[userID]
	return ok
}

func (d *Directory) errStorage(op string, err error) error {
	return matrixerr.Wrap(matrixerr.KindStorage, fmt.Errorf("directory %s: %w", op, err))
}
