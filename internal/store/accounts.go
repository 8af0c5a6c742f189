package store

import (
	"context"
	"database/sql"
	"time"
)

// SaveAccount upserts the account row and its pickled Olm account blob. A
// failed save is only reported to the caller; no dirty flag is kept, and the
// full row is written again on the next save (Client saves it after every
// sync).
func (s *Store) SaveAccount(ctx context.Context, acc Account) error {
	_, err := s.submit(ctx, func(db *sql.DB) (interface{}, error) {
		_, err := db.ExecContext(ctx, `
			INSERT INTO accounts (user_id, device_id, homeserver_url, access_token, olm_pickle,
				next_batch, filter_id, enabled, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (user_id, device_id) DO UPDATE SET
				homeserver_url = excluded.homeserver_url,
				access_token   = excluded.access_token,
				olm_pickle     = excluded.olm_pickle,
				next_batch     = excluded.next_batch,
				filter_id      = excluded.filter_id,
				enabled        = excluded.enabled
		`, acc.UserID, acc.DeviceID, acc.HomeserverURL, acc.AccessToken, acc.OlmPickle,
			acc.NextBatch, acc.FilterID, acc.Enabled, nowUnix())
		return nil, err
	})
	return ioErr(err)
}

// LoadAccount retrieves the persisted account row for (user, device), or
// (nil, nil) if it has never been saved.
func (s *Store) LoadAccount(ctx context.Context, userID, deviceID string) (*Account, error) {
	v, err := s.submit(ctx, func(db *sql.DB) (interface{}, error) {
		row := db.QueryRowContext(ctx, `
			SELECT user_id, device_id, homeserver_url, access_token, olm_pickle,
				next_batch, filter_id, enabled, created_at
			FROM accounts WHERE user_id = ? AND device_id = ?`, userID, deviceID)
		var a Account
		var createdAt int64
		err := row.Scan(&a.UserID, &a.DeviceID, &a.HomeserverURL, &a.AccessToken, &a.OlmPickle,
			&a.NextBatch, &a.FilterID, &a.Enabled, &createdAt)
		if err == sql.ErrNoRows {
			return (*Account)(nil), nil
		}
		if err != nil {
			return nil, err
		}
		a.CreatedAt = time.Unix(createdAt, 0).UTC()
		return &a, nil
	})
	if err != nil {
		return nil, ioErr(err)
	}
	acc, _ := v.(*Account)
	return acc, nil
}

// DeleteAccount removes the account's session rows and the account row;
// ON DELETE CASCADE then removes every user, user-device, room and
// room-member row scoped to that account. Room-event and encryption-key
// rows are not removed.
func (s *Store) DeleteAccount(ctx context.Context, userID, deviceID string) error {
	_, err := s.submit(ctx, func(db *sql.DB) (interface{}, error) {
		if _, err := db.ExecContext(ctx, `DELETE FROM session WHERE account_user_id = ? AND account_device_id = ?`, userID, deviceID); err != nil {
			return nil, err
		}
		_, err := db.ExecContext(ctx, `DELETE FROM accounts WHERE user_id = ? AND device_id = ?`, userID, deviceID)
		return nil, err
	})
	return ioErr(err)
}

func nowUnix() int64 { return time.Now().Unix() }
