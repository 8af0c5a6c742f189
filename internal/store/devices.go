package store

import (
	"context"
	"database/sql"
	"strings"
)

// SaveUser upserts a directory user's profile fields, creating the row if
// this is the first time the user has been seen.
func (s *Store) SaveUser(ctx context.Context, acc AccountID, userID, displayName, avatarURL string, needsRefresh bool) error {
	_, err := s.submit(ctx, func(db *sql.DB) (interface{}, error) {
		_, err := db.ExecContext(ctx, `
			INSERT INTO users (account_user_id, account_device_id, user_id, display_name, avatar_url, needs_refresh)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (account_user_id, account_device_id, user_id) DO UPDATE SET
				display_name = excluded.display_name,
				avatar_url = excluded.avatar_url,
				needs_refresh = excluded.needs_refresh
		`, acc.UserID, acc.DeviceID, userID, displayName, avatarURL, boolToInt(needsRefresh))
		return nil, err
	})
	return ioErr(err)
}

// SaveDevice upserts one owner-user's device row, creating the owning user
// row first if absent (user_devices.owner_user_id is foreign-keyed to users).
func (s *Store) SaveDevice(ctx context.Context, acc AccountID, ownerUserID, deviceID, curve25519Key, ed25519Key string, algorithms []string, displayName, verification, deviceKeysJSON string) error {
	_, err := s.submit(ctx, func(db *sql.DB) (interface{}, error) {
		if _, err := db.ExecContext(ctx, `
			INSERT INTO users (account_user_id, account_device_id, user_id)
			VALUES (?, ?, ?)
			ON CONFLICT (account_user_id, account_device_id, user_id) DO NOTHING
		`, acc.UserID, acc.DeviceID, ownerUserID); err != nil {
			return nil, err
		}

		_, err := db.ExecContext(ctx, `
			INSERT INTO user_devices (account_user_id, account_device_id, owner_user_id, device_id,
				curve25519_key, ed25519_key, algorithms, display_name, verification, device_keys_json)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (account_user_id, account_device_id, owner_user_id, device_id) DO UPDATE SET
				curve25519_key = excluded.curve25519_key,
				ed25519_key = excluded.ed25519_key,
				algorithms = excluded.algorithms,
				display_name = excluded.display_name,
				verification = excluded.verification,
				device_keys_json = excluded.device_keys_json
		`, acc.UserID, acc.DeviceID, ownerUserID, deviceID, curve25519Key, ed25519Key,
			strings.Join(algorithms, ","), displayName, verification, deviceKeysJSON)
		return nil, err
	})
	return ioErr(err)
}

// DeleteDevice removes one device row, used when a /keys/query diff reports
// a device as no longer present for its owner.
func (s *Store) DeleteDevice(ctx context.Context, acc AccountID, ownerUserID, deviceID string) error {
	_, err := s.submit(ctx, func(db *sql.DB) (interface{}, error) {
		_, err := db.ExecContext(ctx, `
			DELETE FROM user_devices
			WHERE account_user_id = ? AND account_device_id = ? AND owner_user_id = ? AND device_id = ?`,
			acc.UserID, acc.DeviceID, ownerUserID, deviceID)
		return nil, err
	})
	return ioErr(err)
}

// ListDevices returns every known device for one owner user.
func (s *Store) ListDevices(ctx context.Context, acc AccountID, ownerUserID string) ([]DeviceRow, error) {
	v, err := s.submit(ctx, func(db *sql.DB) (interface{}, error) {
		rows, err := db.QueryContext(ctx, `
			SELECT device_id, curve25519_key, ed25519_key, algorithms, display_name, verification, device_keys_json
			FROM user_devices WHERE account_user_id = ? AND account_device_id = ? AND owner_user_id = ?`,
			acc.UserID, acc.DeviceID, ownerUserID)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		var out []DeviceRow
		for rows.Next() {
			var d DeviceRow
			var algos string
			if err := rows.Scan(&d.DeviceID, &d.Curve25519Key, &d.Ed25519Key, &algos, &d.DisplayName, &d.Verification, &d.DeviceKeysJSON); err != nil {
				return nil, err
			}
			d.OwnerUserID = ownerUserID
			if algos != "" {
				d.Algorithms = strings.Split(algos, ",")
			}
			out = append(out, d)
		}
		return out, rows.Err()
	})
	if err != nil {
		return nil, ioErr(err)
	}
	devices, _ := v.([]DeviceRow)
	return devices, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
