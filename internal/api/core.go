// Package api is the in-process surface consumed by frontends: value
// snapshots of the conversation store, change notifications, and intent
// submission. It carries no rendering concerns.
package api

import (
	"context"
	"sync"

	"github.com/echatapp/echat/internal/bus"
	"github.com/echatapp/echat/internal/model"
	"github.com/echatapp/echat/internal/outbox"
	"github.com/echatapp/echat/internal/status"
	"github.com/echatapp/echat/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Backends is the slice of the sync engine the API needs.
type Backends interface {
	FetchHistory(ctx context.Context, conv model.ConversationID, before string) (string, error)
	Status(account model.AccountID) status.State
	VerifyDevice(ctx context.Context, account model.AccountID, participantID, deviceID string) error
	StopAccount(account model.AccountID)
}

// Core ties the store, outbox and engine together behind one facade.
type Core struct {
	store    *store.Store
	queue    *outbox.Queue
	backends Backends
	bus      *bus.Bus
	logger   *zap.Logger
}

func NewCore(st *store.Store, queue *outbox.Queue, backends Backends, b *bus.Bus, logger *zap.Logger) *Core {
	return &Core{
		store:    st,
		queue:    queue,
		backends: backends,
		bus:      b,
		logger:   logger.Named("api"),
	}
}

// Snapshot returns value copies of all conversations, newest activity
// first. A non-nil filter restricts to one account.
func (c *Core) Snapshot(filter *model.AccountID) []store.ConversationView {
	return c.store.Snapshot(filter)
}

// Conversation returns the current view of one conversation.
func (c *Core) Conversation(id model.ConversationID) (store.ConversationView, bool) {
	return c.store.Conversation(id)
}

// Submit hands an intent to the outbound queue. For SendMessage the
// returned message is the provisional entry.
func (c *Core) Submit(intent model.Intent) (*model.Message, error) {
	return c.queue.Submit(intent)
}

// FetchHistory loads one older page into the store and returns the
// token for the page before it.
func (c *Core) FetchHistory(ctx context.Context, conv model.ConversationID, before string) (string, error) {
	return c.backends.FetchHistory(ctx, conv, before)
}

// Status reports an account's connection state.
func (c *Core) Status(account model.AccountID) status.State {
	return c.backends.Status(account)
}

// VerifyDevice marks a participant device as trusted.
func (c *Core) VerifyDevice(ctx context.Context, account model.AccountID, participantID, deviceID string) error {
	return c.backends.VerifyDevice(ctx, account, participantID, deviceID)
}

// DisconnectAccount aborts the account's queued and in-flight intents
// and stops its ingestion loop. Credentials stay stored, so the daemon
// can bring the account back later.
func (c *Core) DisconnectAccount(account model.AccountID) {
	c.queue.CancelAccount(account)
	c.backends.StopAccount(account)
}

// Events exposes the raw bus for consumers that want ephemeral and
// account-level events (typing, presence, status changes).
func (c *Core) Events(prefix string, buf int) (<-chan bus.Event, func()) {
	return c.bus.Subscribe(prefix, buf)
}

// Subscription delivers the ids of conversations that changed since the
// initial snapshot. A slow consumer loses notifications, not state: a
// fresh snapshot always reflects every change.
type Subscription struct {
	ID      uuid.UUID
	Updates <-chan model.ConversationID

	cancel func()
	once   sync.Once
}

// Close releases the subscription.
func (s *Subscription) Close() {
	s.once.Do(s.cancel)
}

// Subscribe returns a change feed, optionally filtered to one account.
// The caller pairs it with Snapshot: snapshot first, then apply
// updates.
func (c *Core) Subscribe(filter *model.AccountID, buf int) *Subscription {
	events, unsub := c.bus.Subscribe("", buf)
	updates := make(chan model.ConversationID, buf)
	done := make(chan struct{})

	go func() {
		defer close(updates)
		for {
			select {
			case <-done:
				return
			case evt, ok := <-events:
				if !ok {
					return
				}
				conv, ok := changedConversation(evt)
				if !ok {
					continue
				}
				if filter != nil && conv.Account != *filter {
					continue
				}
				select {
				case updates <- conv:
				default:
					// Consumer lagging; it will resnapshot.
				}
			}
		}
	}()

	return &Subscription{
		ID:      uuid.New(),
		Updates: updates,
		cancel: func() {
			close(done)
			unsub()
		},
	}
}

// changedConversation extracts the conversation a bus event touched.
func changedConversation(evt bus.Event) (model.ConversationID, bool) {
	switch payload := evt.Payload.(type) {
	case model.ConversationID:
		return payload, true
	case model.TypingEvent:
		return payload.Conversation, true
	case outbox.SendResult:
		return payload.Provisional.Conversation, true
	}
	return model.ConversationID{}, false
}
