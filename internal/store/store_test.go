package store

import (
	"fmt"
	"sync"
	"testing"

	"github.com/echatapp/echat/internal/bus"
	"github.com/echatapp/echat/internal/model"
)

var (
	testAcct = model.AccountID("matrix:@me:example.org")
	testConv = model.ConversationID{Account: testAcct, Native: "!room:example.org"}
)

func testStore() *Store {
	return New(bus.New(), nil)
}

func msgEvent(native string, ts int64, body string) model.MessageEvent {
	return model.MessageEvent{
		Msg: model.Message{
			ID:        model.MessageID{Conversation: testConv, Native: native},
			Sender:    "@alice:example.org",
			Timestamp: ts,
			Body:      body,
			State:     model.StateDelivered,
		},
		Sender: model.Participant{ID: "@alice:example.org", DisplayName: "Alice"},
	}
}

func TestApplyMessageIdempotent(t *testing.T) {
	s := testStore()

	if !s.ApplyMessage(msgEvent("$1", 100, "hello")) {
		t.Fatal("first apply reported no change")
	}
	if s.ApplyMessage(msgEvent("$1", 100, "hello")) {
		t.Error("duplicate apply reported a change")
	}

	v, ok := s.Conversation(testConv)
	if !ok {
		t.Fatal("conversation missing")
	}
	if len(v.Messages) != 1 {
		t.Fatalf("got %d messages, want 1", len(v.Messages))
	}
	if v.Conversation.Unread != 1 {
		t.Errorf("unread = %d, want 1 (duplicate must not double-count)", v.Conversation.Unread)
	}
}

func TestMessageOrdering(t *testing.T) {
	s := testStore()

	// Deliver out of order; also a timestamp tie broken by native id.
	s.ApplyMessage(msgEvent("$c", 300, "third"))
	s.ApplyMessage(msgEvent("$a", 100, "first"))
	s.ApplyMessage(msgEvent("$b2", 200, "tie-b"))
	s.ApplyMessage(msgEvent("$b1", 200, "tie-a"))

	v, _ := s.Conversation(testConv)
	var got []string
	for _, m := range v.Messages {
		got = append(got, m.Body)
	}
	want := []string{"first", "tie-a", "tie-b", "third"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestProvisionalReconcile(t *testing.T) {
	s := testStore()

	prov := s.NewProvisional(testConv, "@me:example.org", "outgoing")
	if !prov.ID.IsProvisional() {
		t.Fatalf("id %s not provisional", prov.ID)
	}
	if prov.State != model.StatePending {
		t.Errorf("state = %s, want pending", prov.State)
	}

	if err := s.Reconcile(prov.ID, "$server1", model.StateSent); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	v, _ := s.Conversation(testConv)
	if len(v.Messages) != 1 {
		t.Fatalf("got %d messages, want 1", len(v.Messages))
	}
	m := v.Messages[0]
	if m.ID.Native != "$server1" || m.State != model.StateSent || !m.FromMe {
		t.Errorf("reconciled message = %+v", m)
	}
}

func TestReconcileAfterEcho(t *testing.T) {
	s := testStore()

	prov := s.NewProvisional(testConv, "@me:example.org", "outgoing")

	// The backend's own event stream echoes the send before the ack
	// response lands.
	echo := msgEvent("$server1", prov.Timestamp, "outgoing")
	echo.Msg.Sender = "@me:example.org"
	echo.Msg.FromMe = true
	s.ApplyMessage(echo)

	if err := s.Reconcile(prov.ID, "$server1", model.StateSent); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	v, _ := s.Conversation(testConv)
	if len(v.Messages) != 1 {
		t.Fatalf("got %d messages, want exactly 1 after echo+ack", len(v.Messages))
	}
	if v.Messages[0].ID.Native != "$server1" {
		t.Errorf("surviving id = %s, want $server1", v.Messages[0].ID.Native)
	}
}

func TestReconcileUnknownProvisional(t *testing.T) {
	s := testStore()
	s.ApplyMessage(msgEvent("$1", 100, "x"))

	bogus := model.MessageID{Conversation: testConv, Native: "~000099"}
	if err := s.Reconcile(bogus, "$server1", model.StateSent); err == nil {
		t.Error("Reconcile() with unknown provisional id succeeded")
	}
}

func TestEditMessage(t *testing.T) {
	s := testStore()
	s.ApplyMessage(msgEvent("$1", 100, "typo"))

	edit := msgEvent("$2", 150, "fixed")
	edit.Msg.EditOf = "$1"
	if !s.ApplyMessage(edit) {
		t.Fatal("edit apply reported no change")
	}
	// Re-delivered edit is a no-op.
	if s.ApplyMessage(edit) {
		t.Error("duplicate edit reported a change")
	}

	v, _ := s.Conversation(testConv)
	if len(v.Messages) != 1 {
		t.Fatalf("got %d messages, want 1 (edit must not add a row)", len(v.Messages))
	}
	if v.Messages[0].Body != "fixed" || !v.Messages[0].Edited {
		t.Errorf("message = %+v, want edited body", v.Messages[0])
	}
}

func TestEditUnknownTarget(t *testing.T) {
	s := testStore()
	edit := msgEvent("$2", 150, "fixed")
	edit.Msg.EditOf = "$missing"
	if s.ApplyMessage(edit) {
		t.Error("edit of unknown target reported a change")
	}
}

func TestReactions(t *testing.T) {
	s := testStore()
	s.ApplyMessage(msgEvent("$1", 100, "hi"))
	target := model.MessageID{Conversation: testConv, Native: "$1"}

	s.ApplyReaction(model.ReactionEvent{Target: target, Key: "👍", Sender: "@bob:example.org"})
	// Duplicate delivery of the same reaction.
	s.ApplyReaction(model.ReactionEvent{Target: target, Key: "👍", Sender: "@bob:example.org"})

	v, _ := s.Conversation(testConv)
	if got := v.Messages[0].Reactions["👍"]; len(got) != 1 || got[0] != "@bob:example.org" {
		t.Errorf("reactions = %v", got)
	}

	s.ApplyReaction(model.ReactionEvent{Target: target, Key: "👍", Sender: "@bob:example.org", Removed: true})
	v, _ = s.Conversation(testConv)
	if got := v.Messages[0].Reactions["👍"]; len(got) != 0 {
		t.Errorf("reactions after removal = %v", got)
	}
}

func TestUnreadAndReceipts(t *testing.T) {
	s := testStore()
	s.ApplyMessage(msgEvent("$1", 100, "a"))
	s.ApplyMessage(msgEvent("$2", 200, "b"))

	v, _ := s.Conversation(testConv)
	if v.Conversation.Unread != 2 {
		t.Fatalf("unread = %d, want 2", v.Conversation.Unread)
	}

	// Own read receipt resets; a peer's receipt does not.
	s.ApplyReceipt(model.ReceiptEvent{Conversation: testConv, Own: false})
	v, _ = s.Conversation(testConv)
	if v.Conversation.Unread != 2 {
		t.Errorf("unread after peer receipt = %d, want 2", v.Conversation.Unread)
	}

	s.ApplyReceipt(model.ReceiptEvent{Conversation: testConv, Own: true})
	v, _ = s.Conversation(testConv)
	if v.Conversation.Unread != 0 {
		t.Errorf("unread after own receipt = %d, want 0", v.Conversation.Unread)
	}
}

func TestHistoryDoesNotCountUnread(t *testing.T) {
	s := testStore()

	applied := s.ApplyHistory(testConv, []model.MessageEvent{
		msgEvent("$h1", 10, "old-1"),
		msgEvent("$h2", 20, "old-2"),
		msgEvent("$h1", 10, "old-1"), // duplicate inside the batch
	})
	if applied != 2 {
		t.Errorf("applied = %d, want 2", applied)
	}

	v, _ := s.Conversation(testConv)
	if v.Conversation.Unread != 0 {
		t.Errorf("unread = %d, want 0 for history", v.Conversation.Unread)
	}
	if len(v.Messages) != 2 {
		t.Errorf("got %d messages, want 2", len(v.Messages))
	}
}

func TestSetMessageBodyAfterRedecryption(t *testing.T) {
	s := testStore()

	ev := msgEvent("$enc", 100, "")
	ev.Msg.Encrypted = true
	ev.Msg.CiphertextRef = "ct-1"
	ev.Msg.State = model.StateDecryptionFailed
	s.ApplyMessage(ev)

	id := model.MessageID{Conversation: testConv, Native: "$enc"}
	s.SetMessageBody(id, "now readable", model.StateDelivered)

	v, _ := s.Conversation(testConv)
	m := v.Messages[0]
	if m.Body != "now readable" || m.State != model.StateDelivered || m.CiphertextRef != "" {
		t.Errorf("message after redecryption = %+v", m)
	}
}

func TestSnapshotFilterAndOrder(t *testing.T) {
	s := testStore()
	tgAcct := model.AccountID("telegram:42")
	tgConv := model.ConversationID{Account: tgAcct, Native: "777"}

	s.ApplyMessage(msgEvent("$1", 100, "matrix msg"))
	s.ApplyMessage(model.MessageEvent{
		Msg: model.Message{
			ID:        model.MessageID{Conversation: tgConv, Native: "1"},
			Sender:    "42",
			Timestamp: 500,
			Body:      "telegram msg",
			State:     model.StateDelivered,
		},
	})

	all := s.Snapshot(nil)
	if len(all) != 2 {
		t.Fatalf("got %d conversations, want 2", len(all))
	}
	// Most recent activity first.
	if all[0].Conversation.ID != tgConv {
		t.Errorf("first = %s, want %s", all[0].Conversation.ID, tgConv)
	}

	only := s.Snapshot(&testAcct)
	if len(only) != 1 || only[0].Conversation.ID != testConv {
		t.Errorf("filtered snapshot = %+v", only)
	}
}

func TestViewIsolation(t *testing.T) {
	s := testStore()
	s.ApplyMessage(msgEvent("$1", 100, "original"))

	v1, _ := s.Conversation(testConv)
	v1.Messages[0].Body = "mutated by reader"
	v1.Conversation.Participants[0] = "mutated"

	v2, _ := s.Conversation(testConv)
	if v2.Messages[0].Body != "original" {
		t.Error("reader mutation leaked into the store")
	}
	if v2.Conversation.Participants[0] != "@alice:example.org" {
		t.Error("participant slice shared with reader")
	}
}

func TestVersionAdvancesOnWrite(t *testing.T) {
	s := testStore()
	s.ApplyMessage(msgEvent("$1", 100, "a"))

	v1, _ := s.Conversation(testConv)
	// Reads must not bump the version.
	again, _ := s.Conversation(testConv)
	if again.Version != v1.Version {
		t.Errorf("version changed on read: %d -> %d", v1.Version, again.Version)
	}

	s.ApplyMessage(msgEvent("$2", 200, "b"))
	v2, _ := s.Conversation(testConv)
	if v2.Version <= v1.Version {
		t.Errorf("version = %d, want > %d", v2.Version, v1.Version)
	}
}

func TestConversationMetadataMerge(t *testing.T) {
	s := testStore()

	s.ApplyConversation(model.ConversationEvent{
		Conv: model.Conversation{ID: testConv, Name: "Project", Encrypted: true, Unread: 3},
		Participants: []model.Participant{
			{ID: "@alice:example.org", DisplayName: "Alice"},
			{ID: "@bob:example.org", DisplayName: "Bob"},
		},
	})
	// A later event without a name must not erase the known one.
	s.ApplyConversation(model.ConversationEvent{
		Conv: model.Conversation{ID: testConv},
	})

	v, _ := s.Conversation(testConv)
	if v.Conversation.Name != "Project" || !v.Conversation.Encrypted {
		t.Errorf("conversation = %+v", v.Conversation)
	}
	if v.Conversation.Unread != 3 {
		t.Errorf("seeded unread = %d, want 3", v.Conversation.Unread)
	}
	if len(v.Participants) != 2 {
		t.Errorf("got %d participants, want 2", len(v.Participants))
	}
}

func TestArchivedSurvivesMetadataUpdate(t *testing.T) {
	s := testStore()

	s.ApplyConversation(model.ConversationEvent{
		Conv: model.Conversation{ID: testConv, Archived: true},
	})
	// A rename carries a zero Archived; the conversation must stay left.
	s.ApplyConversation(model.ConversationEvent{
		Conv: model.Conversation{ID: testConv, Name: "Renamed"},
	})

	v, _ := s.Conversation(testConv)
	if !v.Conversation.Archived {
		t.Error("metadata update un-archived the conversation")
	}
	if v.Conversation.Name != "Renamed" {
		t.Errorf("name = %q, want Renamed", v.Conversation.Name)
	}
}

func TestRemoveMessage(t *testing.T) {
	s := testStore()
	s.ApplyMessage(msgEvent("$1", 100, "a"))
	s.ApplyMessage(msgEvent("$2", 200, "b"))

	s.Remove(model.MessageID{Conversation: testConv, Native: "$1"})

	v, _ := s.Conversation(testConv)
	if len(v.Messages) != 1 || v.Messages[0].ID.Native != "$2" {
		t.Errorf("messages after remove = %+v", v.Messages)
	}
}

func TestConcurrentApplyDistinctConversations(t *testing.T) {
	s := testStore()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		conv := model.ConversationID{Account: testAcct, Native: fmt.Sprintf("!r%d:example.org", i)}
		wg.Add(1)
		go func(conv model.ConversationID) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.ApplyMessage(model.MessageEvent{
					Msg: model.Message{
						ID:        model.MessageID{Conversation: conv, Native: fmt.Sprintf("$%d", j)},
						Timestamp: int64(j),
						State:     model.StateDelivered,
					},
				})
			}
		}(conv)
	}
	wg.Wait()

	if got := len(s.Snapshot(nil)); got != 4 {
		t.Errorf("got %d conversations, want 4", got)
	}
}
