package store

import (
	"context"
	"database/sql"
)

// SaveFileEnc caches an attachment's encryption metadata, keyed by MXC URI.
func (s *Store) SaveFileEnc(ctx context.Context, acc AccountID, fk FileKey) error {
	_, err := s.submit(ctx, func(db *sql.DB) (interface{}, error) {
		_, err := db.ExecContext(ctx, `
			INSERT INTO encryption_keys (account_user_id, account_device_id, mxc_uri, sha256, iv,
				aes_key, algorithm, version, key_type, extractable)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (account_user_id, account_device_id, mxc_uri) DO UPDATE SET
				sha256 = excluded.sha256, iv = excluded.iv, aes_key = excluded.aes_key,
				algorithm = excluded.algorithm, version = excluded.version,
				key_type = excluded.key_type, extractable = excluded.extractable
		`, acc.UserID, acc.DeviceID, fk.MXCURI, fk.SHA256, fk.IV, fk.AESKey,
			fk.Algorithm, fk.Version, fk.KeyType, fk.Extractable)
		return nil, err
	})
	return ioErr(err)
}

// FindFileEnc retrieves cached encryption metadata for an MXC URI, or
// (nil, nil) if the attachment has not been seen before.
func (s *Store) FindFileEnc(ctx context.Context, acc AccountID, mxcURI string) (*FileKey, error) {
	v, err := s.submit(ctx, func(db *sql.DB) (interface{}, error) {
		row := db.QueryRowContext(ctx, `
			SELECT mxc_uri, sha256, iv, aes_key, algorithm, version, key_type, extractable
			FROM encryption_keys WHERE account_user_id = ? AND account_device_id = ? AND mxc_uri = ?`,
			acc.UserID, acc.DeviceID, mxcURI)
		var fk FileKey
		err := row.Scan(&fk.MXCURI, &fk.SHA256, &fk.IV, &fk.AESKey, &fk.Algorithm,
			&fk.Version, &fk.KeyType, &fk.Extractable)
		if err == sql.ErrNoRows {
			return (*FileKey)(nil), nil
		}
		if err != nil {
			return nil, err
		}
		return &fk, nil
	})
	if err != nil {
		return nil, ioErr(err)
	}
	fk, _ := v.(*FileKey)
	return fk, nil
}
