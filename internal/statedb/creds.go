package statedb

import (
	"database/sql"
	"time"

	"github.com/echatapp/echat/internal/model"
)

// Account pairs a stored account with its backend kind.
type Account struct {
	ID      model.AccountID
	Backend model.BackendKind
}

// PutCredentials stores (or replaces) the opaque credential payload for
// an account. The payload format is owned by the adapter; the row's
// schema_version lets formats evolve.
func (db *DB) PutCredentials(account model.AccountID, backend model.BackendKind, payload []byte) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO credentials (account_id, backend, payload, schema_version, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			payload = excluded.payload,
			schema_version = excluded.schema_version,
			updated_at = excluded.updated_at`,
		string(account), string(backend), payload, SchemaVersion, now)
	return err
}

// GetCredentials returns the stored payload for an account, or nil if
// the account is unknown.
func (db *DB) GetCredentials(account model.AccountID) ([]byte, error) {
	var payload []byte
	err := db.QueryRow(`SELECT payload FROM credentials WHERE account_id = ?`, string(account)).
		Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// ListAccounts returns every account with stored credentials.
func (db *DB) ListAccounts() ([]Account, error) {
	rows, err := db.Query(`SELECT account_id, backend FROM credentials ORDER BY account_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var accounts []Account
	for rows.Next() {
		var id, backend string
		if err := rows.Scan(&id, &backend); err != nil {
			return nil, err
		}
		accounts = append(accounts, Account{
			ID:      model.AccountID(id),
			Backend: model.BackendKind(backend),
		})
	}
	return accounts, rows.Err()
}

// DeleteCredentials removes an account's credentials and cursors, used
// on logout.
func (db *DB) DeleteCredentials(account model.AccountID) error {
	if _, err := db.Exec(`DELETE FROM credentials WHERE account_id = ?`, string(account)); err != nil {
		return err
	}
	if _, err := db.Exec(`DELETE FROM sync_cursors WHERE account_id = ?`, string(account)); err != nil {
		return err
	}
	_, err := db.Exec(`DELETE FROM channel_cursors WHERE account_id = ?`, string(account))
	return err
}
