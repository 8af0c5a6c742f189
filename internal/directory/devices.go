package directory

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/semaphore"

	"maunium.net/go/mautrix/id"

	"github.com/n42blockchain/matrixcore/internal/crypto"
)

// UsersChangedFunc, when non-nil, is invoked after LoadDevices successfully
// installs a diff for at least one user (the "user-changed" signal, spec
// §4.3). The caller passes it to each LoadDevices call.
type UsersChangedFunc func(userIDs []string)

// querySem is lazily created on first use so zero-value Directory (as built
// by tests) doesn't need to call a constructor just for this field.
func (d *Directory) sem() *semaphore.Weighted {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.querySem == nil {
		d.querySem = semaphore.NewWeighted(1)
	}
	return d.querySem
}

// LoadDevices refreshes device lists for the given users via /keys/query,
// honoring the single-in-flight invariant: if a query is already running,
// this call blocks until it completes and then proceeds with its own
// request (spec §4.3 load_devices).
//
// The user set is filtered against changed_users: a user already known with
// a non-empty device list and NOT currently marked changed is dropped. The
// remaining subset is removed from changed_users before the request is
// sent, so a user that becomes changed again while this request is in
// flight is correctly left for the next call.
func (d *Directory) LoadDevices(ctx context.Context, onChanged UsersChangedFunc, users []string) error {
	toQuery := d.filterPending(users)
	if len(toQuery) == 0 {
		return nil
	}

	sem := d.sem()
	if err := sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire keys/query slot: %w", err)
	}
	defer sem.Release(1)

	resp, err := d.api.QueryKeys(ctx, toQuery)
	if err != nil {
		d.restoreChanged(toQuery)
		return fmt.Errorf("query device keys: %w", err)
	}

	var touched []string
	for _, uid := range toQuery {
		devicesResp, ok := resp[uid]
		if !ok {
			continue
		}
		added, removed, err := d.applyDeviceDiff(ctx, uid, devicesResp)
		if err != nil {
			d.log.Warn("failed to apply device diff", "user_id", uid, "error", err)
			continue
		}
		if len(added) > 0 || len(removed) > 0 {
			touched = append(touched, uid)
		}
	}

	if len(touched) > 0 && onChanged != nil {
		onChanged(touched)
	}
	return nil
}

// filterPending drops from users anyone already known with a non-empty
// device list and not in changed_users (unknown users, users with no
// devices, and changed users are always queried), then removes the
// remainder from changed_users.
func (d *Directory) filterPending(users []string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []string
	for _, uid := range users {
		u, known := d.users[uid]
		_, changed := d.changedUsers[uid]
		if known && len(u.Devices) > 0 && !changed {
			continue
		}
		out = append(out, uid)
		delete(d.changedUsers, uid)
	}
	return out
}

func (d *Directory) restoreChanged(users []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, uid := range users {
		d.changedUsers[uid] = struct{}{}
	}
}

// applyDeviceDiff compares a /keys/query response for one user against the
// directory's current state, persisting the diff and updating the
// in-memory device set.
func (d *Directory) applyDeviceDiff(ctx context.Context, userID string, devicesResp map[string]DeviceKeysResponse) (added, removed []string, err error) {
	d.mu.Lock()
	u, ok := d.users[userID]
	if !ok {
		u = &User{UserID: userID, Devices: make(map[string]*Device)}
		d.users[userID] = u
	}
	existing := u.Devices
	d.mu.Unlock()

	seen := make(map[string]struct{}, len(devicesResp))
	for deviceID, resp := range devicesResp {
		curve := id.Curve25519(resp.Keys["curve25519:"+deviceID])
		ed := id.Ed25519(resp.Keys["ed25519:"+deviceID])

		if !verifyDeviceSelfSignature(resp, userID, deviceID, ed) {
			d.log.Warn("device self-signature verification failed, dropping", "user_id", userID, "device_id", deviceID)
			continue
		}
		seen[deviceID] = struct{}{}

		dev, existed := existing[deviceID]
		if !existed {
			dev = &Device{
				UserID:        userID,
				DeviceID:      deviceID,
				Curve25519Key: curve,
				Ed25519Key:    ed,
				Algorithms:    resp.Algorithms,
				Verification:  VerificationUnset,
			}
			added = append(added, deviceID)
		} else {
			dev.Algorithms = resp.Algorithms
		}
		dev.RawJSON = resp.RawJSON

		if err := d.st.SaveDevice(ctx, d.acc, userID, deviceID, string(curve), string(ed), resp.Algorithms, dev.DisplayName, string(dev.Verification), dev.RawJSON); err != nil {
			return nil, nil, d.errStorage("save device", err)
		}

		d.mu.Lock()
		u.Devices[deviceID] = dev
		d.mu.Unlock()
	}

	for deviceID := range existing {
		if _, ok := seen[deviceID]; !ok {
			removed = append(removed, deviceID)
			d.mu.Lock()
			delete(u.Devices, deviceID)
			d.mu.Unlock()
			if err := d.st.DeleteDevice(ctx, d.acc, userID, deviceID); err != nil {
				return nil, nil, d.errStorage("delete device", err)
			}
		}
	}

	return added, removed, nil
}

// verifyDeviceSelfSignature checks a device_keys response against its own
// claimed Ed25519 key before it is ever trusted, using the exact bytes the
// homeserver returned rather than a re-marshaled copy of resp's fields --
// re-serializing through Go's map/struct encoding is not guaranteed to
// reproduce the canonical form the device actually signed (spec §9's
// canonical-JSON note; closed by caching device_keys_json per SPEC_FULL.md
// §3).
func verifyDeviceSelfSignature(resp DeviceKeysResponse, userID, deviceID string, ed id.Ed25519) bool {
	if resp.RawJSON == "" || ed == "" {
		return false
	}
	pub, err := crypto.DecodeEd25519(ed)
	if err != nil {
		return false
	}
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(resp.RawJSON), &obj); err != nil {
		return false
	}
	return crypto.VerifyJSON(obj, userID, deviceID, pub)
}
