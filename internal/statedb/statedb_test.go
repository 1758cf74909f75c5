package statedb

import (
	"path/filepath"
	"testing"

	"github.com/echatapp/echat/internal/model"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

const acct = model.AccountID("matrix:@a:example.org")

func TestCredentialsRoundTrip(t *testing.T) {
	db := testDB(t)

	if err := db.PutCredentials(acct, model.BackendMatrix, []byte(`{"v":1}`)); err != nil {
		t.Fatalf("PutCredentials() error = %v", err)
	}

	payload, err := db.GetCredentials(acct)
	if err != nil {
		t.Fatal(err)
	}
	if string(payload) != `{"v":1}` {
		t.Errorf("payload = %q", payload)
	}

	// Replace is idempotent on the account id.
	if err := db.PutCredentials(acct, model.BackendMatrix, []byte(`{"v":2}`)); err != nil {
		t.Fatal(err)
	}
	payload, _ = db.GetCredentials(acct)
	if string(payload) != `{"v":2}` {
		t.Errorf("payload after replace = %q", payload)
	}
}

func TestGetCredentialsUnknown(t *testing.T) {
	db := testDB(t)
	payload, err := db.GetCredentials("telegram:404")
	if err != nil {
		t.Fatal(err)
	}
	if payload != nil {
		t.Errorf("payload = %v, want nil", payload)
	}
}

func TestListAccounts(t *testing.T) {
	db := testDB(t)
	_ = db.PutCredentials(acct, model.BackendMatrix, []byte(`{}`))
	_ = db.PutCredentials("telegram:42", model.BackendTelegram, []byte(`{}`))

	accounts, err := db.ListAccounts()
	if err != nil {
		t.Fatal(err)
	}
	if len(accounts) != 2 {
		t.Fatalf("got %d accounts, want 2", len(accounts))
	}
	if accounts[0].Backend != model.BackendMatrix && accounts[1].Backend != model.BackendMatrix {
		t.Error("matrix account missing from list")
	}
}

func TestCursorRoundTrip(t *testing.T) {
	db := testDB(t)

	cursor, err := db.LoadCursor(acct)
	if err != nil {
		t.Fatal(err)
	}
	if cursor != "" {
		t.Errorf("initial cursor = %q, want empty", cursor)
	}

	if err := db.SaveCursor(acct, model.BackendMatrix, "s123_456"); err != nil {
		t.Fatalf("SaveCursor() error = %v", err)
	}
	if err := db.SaveCursor(acct, model.BackendMatrix, "s123_789"); err != nil {
		t.Fatal(err)
	}

	cursor, err = db.LoadCursor(acct)
	if err != nil {
		t.Fatal(err)
	}
	if cursor != "s123_789" {
		t.Errorf("cursor = %q, want s123_789", cursor)
	}
}

func TestChannelCursors(t *testing.T) {
	db := testDB(t)
	tgAcct := model.AccountID("telegram:42")

	if _, found, _ := db.LoadChannelCursor(tgAcct, 100); found {
		t.Error("unexpected channel cursor before save")
	}

	_ = db.SaveChannelCursor(tgAcct, 100, 55)
	_ = db.SaveChannelCursor(tgAcct, 200, 7)
	_ = db.SaveChannelCursor(tgAcct, 100, 56)

	pts, found, err := db.LoadChannelCursor(tgAcct, 100)
	if err != nil {
		t.Fatal(err)
	}
	if !found || pts != 56 {
		t.Errorf("pts = %d found = %v, want 56 true", pts, found)
	}

	seen := map[int64]int{}
	err = db.ForEachChannelCursor(tgAcct, func(channelID int64, pts int) error {
		seen[channelID] = pts
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(seen) != 2 || seen[200] != 7 {
		t.Errorf("seen = %v", seen)
	}
}

func TestDeleteCredentialsClearsCursors(t *testing.T) {
	db := testDB(t)
	_ = db.PutCredentials(acct, model.BackendMatrix, []byte(`{}`))
	_ = db.SaveCursor(acct, model.BackendMatrix, "tok")

	if err := db.DeleteCredentials(acct); err != nil {
		t.Fatalf("DeleteCredentials() error = %v", err)
	}

	payload, _ := db.GetCredentials(acct)
	if payload != nil {
		t.Error("credentials survived delete")
	}
	cursor, _ := db.LoadCursor(acct)
	if cursor != "" {
		t.Error("cursor survived delete")
	}
}
