package sync

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/echatapp/echat/internal/backend"
	"github.com/echatapp/echat/internal/bus"
	"github.com/echatapp/echat/internal/config"
	"github.com/echatapp/echat/internal/crypto"
	"github.com/echatapp/echat/internal/model"
	"github.com/echatapp/echat/internal/statedb"
	"github.com/echatapp/echat/internal/store"
	"go.uber.org/zap"
)

const fakeKind = model.BackendKind("fake")

var engAcct = model.NewAccountID(fakeKind, "user1")

type fakeSession struct {
	account model.AccountID
	batches chan backend.Batch
	convs   []model.ConversationEvent
	history []model.MessageEvent
	resumed chan string

	mu   sync.Mutex
	keys map[string]string // ciphertext -> plaintext
}

func newFakeSession(account model.AccountID) *fakeSession {
	return &fakeSession{
		account: account,
		batches: make(chan backend.Batch, 16),
		resumed: make(chan string, 1),
		keys:    make(map[string]string),
	}
}

func (s *fakeSession) learnKey(ciphertext, plaintext string) {
	s.mu.Lock()
	s.keys[ciphertext] = plaintext
	s.mu.Unlock()
}

func (s *fakeSession) Decrypt(_ context.Context, ciphertext []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if plain, ok := s.keys[string(ciphertext)]; ok {
		return plain, nil
	}
	return "", errors.New("no session key")
}

func (s *fakeSession) Account() model.AccountID { return s.account }

func (s *fakeSession) Resume(_ context.Context, cursor string) error {
	select {
	case s.resumed <- cursor:
	default:
	}
	return nil
}

func (s *fakeSession) Next(ctx context.Context) (backend.Batch, error) {
	select {
	case batch, ok := <-s.batches:
		if !ok {
			return backend.Batch{}, &model.TransientError{Err: errors.New("stream ended")}
		}
		return batch, nil
	case <-ctx.Done():
		return backend.Batch{}, ctx.Err()
	}
}

func (s *fakeSession) ListConversations(_ context.Context) ([]model.ConversationEvent, error) {
	return s.convs, nil
}

func (s *fakeSession) FetchHistory(_ context.Context, _ model.ConversationID, _ string, _ int) ([]model.MessageEvent, string, error) {
	return s.history, "", nil
}

func (s *fakeSession) Send(_ context.Context, _ model.ConversationID, _ string) (string, error) {
	return "", errors.New("not implemented")
}

func (s *fakeSession) Edit(_ context.Context, _ model.MessageID, _ string) error { return nil }

func (s *fakeSession) React(_ context.Context, _ model.MessageID, _ string, _ bool) error {
	return nil
}

func (s *fakeSession) Delete(_ context.Context, _ model.MessageID) error { return nil }

func (s *fakeSession) MarkRead(_ context.Context, _ model.ConversationID) error { return nil }

func (s *fakeSession) Close(_ context.Context) error { return nil }

type fakeAdapter struct {
	mu          sync.Mutex
	sessions    map[model.AccountID]*fakeSession
	connectErrs chan error // consumed before each successful connect
	connects    chan struct{}
}

func newFakeAdapter(s *fakeSession) *fakeAdapter {
	return &fakeAdapter{
		sessions:    map[model.AccountID]*fakeSession{s.account: s},
		connectErrs: make(chan error, 16),
		connects:    make(chan struct{}, 16),
	}
}

func (a *fakeAdapter) add(s *fakeSession) {
	a.mu.Lock()
	a.sessions[s.account] = s
	a.mu.Unlock()
}

func (a *fakeAdapter) Kind() model.BackendKind { return fakeKind }

func (a *fakeAdapter) Connect(_ context.Context, creds backend.Credentials) (backend.Session, error) {
	select {
	case a.connects <- struct{}{}:
	default:
	}
	select {
	case err := <-a.connectErrs:
		return nil, err
	default:
	}
	a.mu.Lock()
	s, ok := a.sessions[creds.Account]
	a.mu.Unlock()
	if !ok {
		return nil, &model.PermanentError{Err: errors.New("no session for account")}
	}
	return s, nil
}

type engineFixture struct {
	engine  *Engine
	store   *store.Store
	db      *statedb.DB
	bus     *bus.Bus
	adapter *fakeAdapter
	session *fakeSession
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	db, err := statedb.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := db.PutCredentials(engAcct, fakeKind, []byte(`{}`)); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Backoff.InitialMS = 1
	cfg.Backoff.MaxIntervalMS = 2

	b := bus.New()
	st := store.New(b, nil)
	session := newFakeSession(engAcct)
	adapter := newFakeAdapter(session)
	engine := NewEngine(st, crypto.NewManager(nil), b, db, cfg, []backend.Adapter{adapter}, zap.NewNop())
	t.Cleanup(engine.Stop)

	return &engineFixture{engine: engine, store: st, db: db, bus: b, adapter: adapter, session: session}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func engMsg(native string, ts int64, body string) model.MessageEvent {
	return model.MessageEvent{
		Msg: model.Message{
			ID: model.MessageID{
				Conversation: model.ConversationID{Account: engAcct, Native: "c1"},
				Native:       native,
			},
			Sender:    "peer",
			Timestamp: ts,
			Body:      body,
			State:     model.StateDelivered,
		},
	}
}

func TestEngineAppliesBatchThenPersistsCursor(t *testing.T) {
	f := newEngineFixture(t)
	if err := f.engine.StartAccount(engAcct); err != nil {
		t.Fatal(err)
	}

	f.session.batches <- backend.Batch{
		Events: []model.Event{engMsg("m1", 100, "hello")},
		Cursor: "cur-1",
	}

	waitFor(t, "cursor persisted", func() bool {
		cursor, _ := f.db.LoadCursor(engAcct)
		return cursor == "cur-1"
	})

	// The store write happened before the cursor write.
	v, ok := f.store.Conversation(model.ConversationID{Account: engAcct, Native: "c1"})
	if !ok || len(v.Messages) != 1 || v.Messages[0].Body != "hello" {
		t.Fatalf("store after batch = %+v", v)
	}
}

func TestEngineSeedsConversationList(t *testing.T) {
	f := newEngineFixture(t)
	f.session.convs = []model.ConversationEvent{
		{Conv: model.Conversation{ID: model.ConversationID{Account: engAcct, Native: "c1"}, Name: "Ada"}},
		{Conv: model.Conversation{ID: model.ConversationID{Account: engAcct, Native: "c2"}, Name: "Bob"}},
	}
	if err := f.engine.StartAccount(engAcct); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "conversation seed", func() bool {
		return len(f.store.Snapshot(nil)) == 2
	})
}

func TestEngineResumesFromPersistedCursor(t *testing.T) {
	f := newEngineFixture(t)
	if err := f.db.SaveCursor(engAcct, fakeKind, "cur-42"); err != nil {
		t.Fatal(err)
	}
	if err := f.engine.StartAccount(engAcct); err != nil {
		t.Fatal(err)
	}

	select {
	case cursor := <-f.session.resumed:
		if cursor != "cur-42" {
			t.Errorf("resumed from %q, want cur-42", cursor)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("session never resumed")
	}
}

func TestEngineDuplicateDeliveryAcrossBatches(t *testing.T) {
	f := newEngineFixture(t)
	if err := f.engine.StartAccount(engAcct); err != nil {
		t.Fatal(err)
	}

	f.session.batches <- backend.Batch{Events: []model.Event{engMsg("m1", 100, "once")}, Cursor: "a"}
	f.session.batches <- backend.Batch{Events: []model.Event{engMsg("m1", 100, "once")}, Cursor: "b"}
	f.session.batches <- backend.Batch{Events: []model.Event{engMsg("m2", 200, "twice")}, Cursor: "c"}

	waitFor(t, "all batches applied", func() bool {
		cursor, _ := f.db.LoadCursor(engAcct)
		return cursor == "c"
	})

	v, _ := f.store.Conversation(model.ConversationID{Account: engAcct, Native: "c1"})
	if len(v.Messages) != 2 {
		t.Errorf("got %d messages, want 2 (replay must be idempotent)", len(v.Messages))
	}
}

func TestEngineAuthFailureStopsLoop(t *testing.T) {
	f := newEngineFixture(t)
	authEvents, unsub := f.bus.Subscribe(bus.KindAccountAuthFailed, 4)
	defer unsub()

	f.adapter.connectErrs <- &model.AuthError{Backend: fakeKind, Reason: "token revoked"}
	if err := f.engine.StartAccount(engAcct); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-authEvents:
		if evt.Payload.(model.AccountID) != engAcct {
			t.Errorf("payload = %v", evt.Payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("auth failure never published")
	}

	waitFor(t, "loop disconnected", func() bool {
		return f.engine.Status(engAcct) != "CONNECTING"
	})
}

func TestEngineRetriesTransientConnect(t *testing.T) {
	f := newEngineFixture(t)
	f.adapter.connectErrs <- &model.TransientError{Err: errors.New("network down")}
	if err := f.engine.StartAccount(engAcct); err != nil {
		t.Fatal(err)
	}

	// First connect fails, second succeeds and starts streaming.
	f.session.batches <- backend.Batch{Events: []model.Event{engMsg("m1", 100, "after retry")}, Cursor: "x"}
	waitFor(t, "reconnect and apply", func() bool {
		cursor, _ := f.db.LoadCursor(engAcct)
		return cursor == "x"
	})

	if len(f.adapter.connects) < 2 {
		t.Errorf("connect attempts = %d, want at least 2", len(f.adapter.connects))
	}
}

func TestEngineForwardsEphemeralWithoutStoring(t *testing.T) {
	f := newEngineFixture(t)
	ephemeral, unsub := f.bus.Subscribe(bus.KindConversationEphemeral, 4)
	defer unsub()

	if err := f.engine.StartAccount(engAcct); err != nil {
		t.Fatal(err)
	}

	conv := model.ConversationID{Account: engAcct, Native: "c1"}
	f.session.batches <- backend.Batch{Events: []model.Event{
		model.TypingEvent{Conversation: conv, Participants: []string{"peer"}},
	}}

	select {
	case evt := <-ephemeral:
		te, ok := evt.Payload.(model.TypingEvent)
		if !ok || te.Conversation != conv {
			t.Errorf("payload = %+v", evt.Payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("typing event never forwarded")
	}

	if _, ok := f.store.Conversation(conv); ok {
		t.Error("ephemeral event created stored state")
	}
}

func TestEngineAcksBatchAfterApply(t *testing.T) {
	f := newEngineFixture(t)
	if err := f.engine.StartAccount(engAcct); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	f.session.batches <- backend.Batch{
		Events: []model.Event{engMsg("m1", 100, "acked")},
		Done:   done,
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("batch never acknowledged")
	}

	// The ack must imply the store write already happened.
	v, ok := f.store.Conversation(model.ConversationID{Account: engAcct, Native: "c1"})
	if !ok || len(v.Messages) != 1 {
		t.Fatalf("store at ack time = %+v", v)
	}
}

func TestFetchHistoryRecoverableAfterKeyArrives(t *testing.T) {
	f := newEngineFixture(t)
	conv := model.ConversationID{Account: engAcct, Native: "c1"}

	enc := engMsg("m9", 100, "")
	enc.Msg.State = model.StateDecryptionFailed
	enc.Msg.CiphertextRef = "raw-event-json"
	f.session.history = []model.MessageEvent{enc}

	if err := f.engine.StartAccount(engAcct); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "session registered", func() bool {
		_, ok := f.engine.Session(engAcct)
		return ok
	})

	if _, err := f.engine.FetchHistory(context.Background(), conv, ""); err != nil {
		t.Fatal(err)
	}

	// The stored message carries a manager reference, not raw ciphertext.
	v, _ := f.store.Conversation(conv)
	if len(v.Messages) != 1 || v.Messages[0].CiphertextRef == "raw-event-json" {
		t.Fatalf("history message = %+v", v.Messages)
	}

	f.session.learnKey("raw-event-json", "recovered text")
	f.session.batches <- backend.Batch{Events: []model.Event{model.KeysEvent{Account: engAcct}}}

	waitFor(t, "history message recovered", func() bool {
		v, _ := f.store.Conversation(conv)
		return len(v.Messages) == 1 &&
			v.Messages[0].Body == "recovered text" &&
			v.Messages[0].State == model.StateDelivered
	})
}

func TestEngineStopAccountWaits(t *testing.T) {
	f := newEngineFixture(t)
	if err := f.engine.StartAccount(engAcct); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "session registered", func() bool {
		_, ok := f.engine.Session(engAcct)
		return ok
	})

	f.engine.StopAccount(engAcct)
	if _, ok := f.engine.Session(engAcct); ok {
		t.Error("session registry still holds stopped account")
	}
}

func TestEngineStopAccountLeavesOthersRunning(t *testing.T) {
	f := newEngineFixture(t)

	acctB := model.NewAccountID(fakeKind, "user2")
	sessB := newFakeSession(acctB)
	f.adapter.add(sessB)
	if err := f.db.PutCredentials(acctB, fakeKind, []byte(`{}`)); err != nil {
		t.Fatal(err)
	}

	if err := f.engine.StartAccount(engAcct); err != nil {
		t.Fatal(err)
	}
	if err := f.engine.StartAccount(acctB); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "both sessions registered", func() bool {
		_, okA := f.engine.Session(engAcct)
		_, okB := f.engine.Session(acctB)
		return okA && okB
	})

	f.engine.StopAccount(engAcct)

	convB := model.ConversationID{Account: acctB, Native: "c9"}
	sessB.batches <- backend.Batch{
		Events: []model.Event{model.MessageEvent{Msg: model.Message{
			ID:        model.MessageID{Conversation: convB, Native: "b1"},
			Sender:    "peer",
			Timestamp: 100,
			Body:      "still here",
			State:     model.StateDelivered,
		}}},
		Cursor: "b-cur",
	}
	waitFor(t, "account B still ingesting", func() bool {
		cursor, _ := f.db.LoadCursor(acctB)
		return cursor == "b-cur"
	})

	if _, ok := f.engine.Session(engAcct); ok {
		t.Error("stopped account still registered")
	}
	if v, ok := f.store.Conversation(convB); !ok || len(v.Messages) != 1 {
		t.Errorf("account B conversation = %+v", v)
	}
}
