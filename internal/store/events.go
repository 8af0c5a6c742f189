package store

import (
	"context"
	"database/sql"
)

// AddRoomEvents inserts events assigning a contiguous block of sorted_id
// values: ascending from the current maximum when appending (prepend=false),
// descending from the current minimum when prepending historical events
// (prepend=true). Duplicate (room_id, event_uid) pairs are skipped, making
// the call idempotent (spec §3 invariant, §8 property 5).
func (s *Store) AddRoomEvents(ctx context.Context, acc AccountID, roomID string, events []RoomEvent, prepend bool) error {
	if len(events) == 0 {
		return nil
	}
	_, err := s.submit(ctx, func(db *sql.DB) (interface{}, error) {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return nil, err
		}
		defer tx.Rollback()

		var extremum sql.NullInt64
		if prepend {
			err = tx.QueryRowContext(ctx, `
				SELECT MIN(sorted_id) FROM room_events
				WHERE account_user_id = ? AND account_device_id = ? AND room_id = ?`,
				acc.UserID, acc.DeviceID, roomID).Scan(&extremum)
		} else {
			err = tx.QueryRowContext(ctx, `
				SELECT MAX(sorted_id) FROM room_events
				WHERE account_user_id = ? AND account_device_id = ? AND room_id = ?`,
				acc.UserID, acc.DeviceID, roomID).Scan(&extremum)
		}
		if err != nil {
			return nil, err
		}

		next := int64(0)
		if extremum.Valid {
			next = extremum.Int64
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR IGNORE INTO room_events (
				account_user_id, account_device_id, room_id, event_uid, sorted_id,
				event_type, sender, origin_ts, content_json, encrypted_json,
				replaces_id, reply_to_id, transaction_id
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return nil, err
		}
		defer stmt.Close()

		for _, e := range events {
			if prepend {
				next--
			} else {
				next++
			}
			_, err := stmt.ExecContext(ctx,
				acc.UserID, acc.DeviceID, roomID, e.EventUID, next,
				e.EventType, e.Sender, e.OriginTS, e.ContentJSON, e.EncryptedJSON,
				e.ReplacesID, e.ReplyToID, e.TransactionID)
			if err != nil {
				return nil, err
			}
		}
		return nil, tx.Commit()
	})
	return ioErr(err)
}

// GetPastEvents returns up to limit room-message events with
// sorted_id <= from.SortedID (all events if from is nil), newest first. If
// from is supplied the matching event itself is excluded.
func (s *Store) GetPastEvents(ctx context.Context, acc AccountID, roomID string, from *RoomEvent, limit int) ([]RoomEvent, error) {
	if limit <= 0 {
		limit = 30
	}
	v, err := s.submit(ctx, func(db *sql.DB) (interface{}, error) {
		var rows *sql.Rows
		var err error
		if from != nil {
			rows, err = db.QueryContext(ctx, `
				SELECT id, room_id, event_uid, sorted_id, event_type, sender, origin_ts,
					content_json, encrypted_json, replaces_id, reply_to_id, transaction_id
				FROM room_events
				WHERE account_user_id = ? AND account_device_id = ? AND room_id = ?
					AND event_type = 'm.room.message' AND sorted_id < ?
				ORDER BY sorted_id DESC LIMIT ?`,
				acc.UserID, acc.DeviceID, roomID, from.SortedID, limit)
		} else {
			rows, err = db.QueryContext(ctx, `
				SELECT id, room_id, event_uid, sorted_id, event_type, sender, origin_ts,
					content_json, encrypted_json, replaces_id, reply_to_id, transaction_id
				FROM room_events
				WHERE account_user_id = ? AND account_device_id = ? AND room_id = ?
					AND event_type = 'm.room.message'
				ORDER BY sorted_id DESC LIMIT ?`,
				acc.UserID, acc.DeviceID, roomID, limit)
		}
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []RoomEvent
		for rows.Next() {
			var e RoomEvent
			if err := rows.Scan(&e.ID, &e.RoomID, &e.EventUID, &e.SortedID, &e.EventType, &e.Sender,
				&e.OriginTS, &e.ContentJSON, &e.EncryptedJSON, &e.ReplacesID, &e.ReplyToID, &e.TransactionID); err != nil {
				return nil, err
			}
			out = append(out, e)
		}
		return out, rows.Err()
	})
	if err != nil {
		return nil, ioErr(err)
	}
	events, _ := v.([]RoomEvent)
	return events, nil
}
