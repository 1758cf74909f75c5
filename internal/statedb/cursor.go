package statedb

import (
	"database/sql"
	"time"

	"github.com/echatapp/echat/internal/model"
)

// SaveCursor durably records synchronization progress for an account.
// Called only after the corresponding store writes have been applied, so
// a crash in between replays events the deduplication step absorbs.
func (db *DB) SaveCursor(account model.AccountID, backend model.BackendKind, cursor string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO sync_cursors (account_id, backend, cursor, schema_version, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			cursor = excluded.cursor,
			schema_version = excluded.schema_version,
			updated_at = excluded.updated_at`,
		string(account), string(backend), cursor, SchemaVersion, now)
	return err
}

// LoadCursor returns the last persisted cursor for an account, or the
// empty string if none exists (full resync).
func (db *DB) LoadCursor(account model.AccountID) (string, error) {
	var cursor string
	err := db.QueryRow(`SELECT cursor FROM sync_cursors WHERE account_id = ?`, string(account)).
		Scan(&cursor)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return cursor, nil
}

// SaveChannelCursor records per-channel progress for backends that track
// it separately from the account-level cursor.
func (db *DB) SaveChannelCursor(account model.AccountID, channelID int64, pts int) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO channel_cursors (account_id, channel_id, pts, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(account_id, channel_id) DO UPDATE SET
			pts = excluded.pts,
			updated_at = excluded.updated_at`,
		string(account), channelID, pts, now)
	return err
}

// LoadChannelCursor returns the stored pts for one channel. The second
// return is false if no row exists.
func (db *DB) LoadChannelCursor(account model.AccountID, channelID int64) (int, bool, error) {
	var pts int
	err := db.QueryRow(`SELECT pts FROM channel_cursors WHERE account_id = ? AND channel_id = ?`,
		string(account), channelID).Scan(&pts)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return pts, true, nil
}

// ForEachChannelCursor iterates all stored channel cursors for an
// account.
func (db *DB) ForEachChannelCursor(account model.AccountID, f func(channelID int64, pts int) error) error {
	rows, err := db.Query(`SELECT channel_id, pts FROM channel_cursors WHERE account_id = ?`, string(account))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var channelID int64
		var pts int
		if err := rows.Scan(&channelID, &pts); err != nil {
			return err
		}
		if err := f(channelID, pts); err != nil {
			return err
		}
	}
	return rows.Err()
}
