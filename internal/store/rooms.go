package store

import (
	"context"
	"database/sql"
)

// SaveRoom upserts a room's metadata for the given account.
func (s *Store) SaveRoom(ctx context.Context, acc AccountID, room Room) error {
	_, err := s.submit(ctx, func(db *sql.DB) (interface{}, error) {
		_, err := db.ExecContext(ctx, `
			INSERT INTO rooms (account_user_id, account_device_id, room_id, prev_batch, state_json, replacement_id)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (account_user_id, account_device_id, room_id) DO UPDATE SET
				prev_batch = excluded.prev_batch,
				state_json = excluded.state_json,
				replacement_id = excluded.replacement_id
		`, acc.UserID, acc.DeviceID, room.RoomID, room.PrevBatch, room.StateJSON, room.ReplacementID)
		return nil, err
	})
	return ioErr(err)
}

// LoadRoom retrieves one room's persisted metadata, or (nil, nil) if absent.
func (s *Store) LoadRoom(ctx context.Context, acc AccountID, roomID string) (*Room, error) {
	v, err := s.submit(ctx, func(db *sql.DB) (interface{}, error) {
		row := db.QueryRowContext(ctx, `
			SELECT room_id, prev_batch, state_json, replacement_id
			FROM rooms WHERE account_user_id = ? AND account_device_id = ? AND room_id = ?`,
			acc.UserID, acc.DeviceID, roomID)
		var r Room
		err := row.Scan(&r.RoomID, &r.PrevBatch, &r.StateJSON, &r.ReplacementID)
		if err == sql.ErrNoRows {
			return (*Room)(nil), nil
		}
		if err != nil {
			return nil, err
		}
		return &r, nil
	})
	if err != nil {
		return nil, ioErr(err)
	}
	r, _ := v.(*Room)
	return r, nil
}

// ListRooms returns every room persisted for the given account.
func (s *Store) ListRooms(ctx context.Context, acc AccountID) ([]Room, error) {
	v, err := s.submit(ctx, func(db *sql.DB) (interface{}, error) {
		rows, err := db.QueryContext(ctx, `
			SELECT room_id, prev_batch, state_json, replacement_id
			FROM rooms WHERE account_user_id = ? AND account_device_id = ?`, acc.UserID, acc.DeviceID)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		var out []Room
		for rows.Next() {
			var r Room
			if err := rows.Scan(&r.RoomID, &r.PrevBatch, &r.StateJSON, &r.ReplacementID); err != nil {
				return nil, err
			}
			out = append(out, r)
		}
		return out, rows.Err()
	})
	if err != nil {
		return nil, ioErr(err)
	}
	rooms, _ := v.([]Room)
	return rooms, nil
}
