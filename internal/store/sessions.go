package store

import (
	"context"
	"database/sql"
	"time"
)

// AddSession inserts a new Olm or Megolm session pickle with a wall-clock
// creation timestamp.
func (s *Store) AddSession(ctx context.Context, acc AccountID, senderKey, sessionID string, typ SessionType, pickle []byte, roomID string) error {
	_, err := s.submit(ctx, func(db *sql.DB) (interface{}, error) {
		_, err := db.ExecContext(ctx, `
			INSERT INTO session (account_user_id, account_device_id, sender_key, session_id,
				session_type, room_id, pickle, message_index, state, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0, 'usable', ?)`,
			acc.UserID, acc.DeviceID, senderKey, sessionID, string(typ), roomID, pickle, time.Now().Unix())
		return nil, err
	})
	return ioErr(err)
}

// UpdateSession persists a session's pickle, message index and lifecycle state.
func (s *Store) UpdateSession(ctx context.Context, acc AccountID, sess Session) error {
	_, err := s.submit(ctx, func(db *sql.DB) (interface{}, error) {
		_, err := db.ExecContext(ctx, `
			UPDATE session SET pickle = ?, message_index = ?, state = ?
			WHERE account_user_id = ? AND account_device_id = ? AND sender_key = ?
				AND session_id = ? AND session_type = ?`,
			sess.Pickle, sess.MessageIndex, string(sess.State),
			acc.UserID, acc.DeviceID, sess.SenderKey, sess.SessionID, string(sess.Type))
		return nil, err
	})
	return ioErr(err)
}

// LookupSession retrieves one session by its exact (sender_key, session_id,
// type), as used for Megolm decryption.
func (s *Store) LookupSession(ctx context.Context, acc AccountID, senderKey, sessionID string, typ SessionType) (*Session, error) {
	v, err := s.submit(ctx, func(db *sql.DB) (interface{}, error) {
		row := db.QueryRowContext(ctx, `
			SELECT id, sender_key, session_id, session_type, room_id, pickle, message_index, state, created_at
			FROM session
			WHERE account_user_id = ? AND account_device_id = ? AND sender_key = ?
				AND session_id = ? AND session_type = ?`,
			acc.UserID, acc.DeviceID, senderKey, sessionID, string(typ))
		sess, err := scanSession(row)
		if err == sql.ErrNoRows {
			return (*Session)(nil), nil
		}
		return sess, err
	})
	if err != nil {
		return nil, ioErr(err)
	}
	sess, _ := v.(*Session)
	return sess, nil
}

// InvalidateSession marks a session row as invalidated rather than deleting
// it, preserving history for the message-index accounting the row carries.
func (s *Store) InvalidateSession(ctx context.Context, acc AccountID, sessionID string, typ SessionType) error {
	_, err := s.submit(ctx, func(db *sql.DB) (interface{}, error) {
		_, err := db.ExecContext(ctx, `
			UPDATE session SET state = 'invalidated'
			WHERE account_user_id = ? AND account_device_id = ? AND session_id = ? AND session_type = ?`,
			acc.UserID, acc.DeviceID, sessionID, string(typ))
		return nil, err
	})
	return ioErr(err)
}

// LookupOlmSessions scans all candidate Olm sessions for a peer Curve25519
// key, ordered by recency. The caller tries decrypting with each in turn --
// this is how an inbound Olm message is routed when the session id is not
// explicit in the envelope.
func (s *Store) LookupOlmSessions(ctx context.Context, acc AccountID, senderCurveKey string) ([]Session, error) {
	v, err := s.submit(ctx, func(db *sql.DB) (interface{}, error) {
		rows, err := db.QueryContext(ctx, `
			SELECT id, sender_key, session_id, session_type, room_id, pickle, message_index, state, created_at
			FROM session
			WHERE account_user_id = ? AND account_device_id = ? AND sender_key = ?
				AND session_type IN ('olm_inbound', 'olm_outbound')
			ORDER BY created_at DESC`,
			acc.UserID, acc.DeviceID, senderCurveKey)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		var out []Session
		for rows.Next() {
			sess, err := scanSession(rows)
			if err != nil {
				return nil, err
			}
			out = append(out, *sess)
		}
		return out, rows.Err()
	})
	if err != nil {
		return nil, ioErr(err)
	}
	sessions, _ := v.([]Session)
	return sessions, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(sc scanner) (*Session, error) {
	var sess Session
	var typ, state string
	var createdAt int64
	if err := sc.Scan(&sess.ID, &sess.SenderKey, &sess.SessionID, &typ, &sess.RoomID,
		&sess.Pickle, &sess.MessageIndex, &state, &createdAt); err != nil {
		return nil, err
	}
	sess.Type = SessionType(typ)
	sess.State = SessionState(state)
	sess.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &sess, nil
}
