package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/echatapp/echat/internal/bus"
	"github.com/echatapp/echat/internal/model"
	"go.uber.org/zap"
)

// Store is the in-memory authoritative cache of all conversations,
// messages and participants across every connected account.
//
// Locking is partitioned: the store-level mutex guards only the maps,
// while each conversation carries its own lock so unrelated
// conversations update in parallel. No lock is ever held across a
// network call; snapshot reads copy out cached immutable views.
type Store struct {
	mu           sync.RWMutex
	convs        map[string]*conversation
	participants map[model.AccountID]map[string]*model.Participant

	bus    *bus.Bus
	logger *zap.Logger
}

type conversation struct {
	mu   sync.Mutex
	meta model.Conversation
	msgs []*model.Message
	// index maps every applied native event id (messages, edits) to the
	// message it produced or modified, making re-delivery idempotent.
	index   map[string]*model.Message
	provSeq uint64
	version uint64
	// snap caches the immutable view handed to readers; nil after a
	// write, rebuilt on the next read.
	snap *ConversationView
}

// New creates an empty store.
func New(b *bus.Bus, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		convs:        make(map[string]*conversation),
		participants: make(map[model.AccountID]map[string]*model.Participant),
		bus:          b,
		logger:       logger,
	}
}

func (s *Store) conv(id model.ConversationID, create bool) *conversation {
	key := id.String()
	s.mu.RLock()
	c := s.convs[key]
	s.mu.RUnlock()
	if c != nil || !create {
		return c
	}

	s.mu.Lock()
	if c = s.convs[key]; c == nil {
		c = &conversation{
			meta:  model.Conversation{ID: id},
			index: make(map[string]*model.Message),
		}
		s.convs[key] = c
	}
	s.mu.Unlock()
	return c
}

func (s *Store) upsertParticipant(account model.AccountID, p model.Participant) {
	if p.ID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byID := s.participants[account]
	if byID == nil {
		byID = make(map[string]*model.Participant)
		s.participants[account] = byID
	}
	existing := byID[p.ID]
	if existing == nil {
		cp := p
		byID[p.ID] = &cp
		return
	}
	if p.DisplayName != "" {
		existing.DisplayName = p.DisplayName
	}
	if p.AvatarURL != "" {
		existing.AvatarURL = p.AvatarURL
	}
	if p.Verified {
		existing.Verified = true
	}
}

func (s *Store) participant(account model.AccountID, id string) (model.Participant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p := s.participants[account][id]; p != nil {
		return *p, true
	}
	return model.Participant{}, false
}

// notify publishes a conversation-scoped change.
func (s *Store) notify(kind string, id model.ConversationID) {
	if s.bus != nil {
		s.bus.Publish(bus.Now(kind, id))
	}
}

// insertLocked places msg into the ordered message slice. Caller holds
// the conversation lock.
func (c *conversation) insertLocked(msg *model.Message) {
	i := sort.Search(len(c.msgs), func(i int) bool {
		return msg.Before(c.msgs[i])
	})
	c.msgs = append(c.msgs, nil)
	copy(c.msgs[i+1:], c.msgs[i:])
	c.msgs[i] = msg
	c.index[msg.ID.Native] = msg
}

func (c *conversation) removeLocked(native string) {
	msg := c.index[native]
	if msg == nil {
		return
	}
	delete(c.index, native)
	for i, m := range c.msgs {
		if m == msg {
			c.msgs = append(c.msgs[:i], c.msgs[i+1:]...)
			break
		}
	}
}

func (c *conversation) dirtyLocked() {
	c.version++
	c.snap = nil
}

// ApplyMessage merges one live message event. Returns true if the store
// changed, false if the event was a duplicate. The conversation is
// created on first observation.
func (s *Store) ApplyMessage(ev model.MessageEvent) bool {
	id := ev.Msg.ID.Conversation
	s.upsertParticipant(id.Account, ev.Sender)

	c := s.conv(id, true)
	c.mu.Lock()
	defer c.mu.Unlock()

	changed := s.applyMessageLocked(c, ev, true)
	if changed {
		s.notify(bus.KindMessageUpserted, id)
	}
	return changed
}

// ApplyHistory merges a batch of fetched history messages. Unlike live
// events, history never touches the unread counter.
func (s *Store) ApplyHistory(id model.ConversationID, evs []model.MessageEvent) int {
	c := s.conv(id, true)

	applied := 0
	c.mu.Lock()
	for _, ev := range evs {
		s.upsertParticipant(id.Account, ev.Sender)
		if s.applyMessageLocked(c, ev, false) {
			applied++
		}
	}
	c.mu.Unlock()

	if applied > 0 {
		s.notify(bus.KindMessageUpserted, id)
	}
	return applied
}

// applyMessageLocked is the idempotent apply shared by live and history
// ingestion. Caller holds the conversation lock.
func (s *Store) applyMessageLocked(c *conversation, ev model.MessageEvent, live bool) bool {
	msg := ev.Msg

	if msg.EditOf != "" {
		// Edit event: dedup on the edit's own id, then mutate the target.
		if _, seen := c.index[msg.ID.Native]; seen {
			return false
		}
		target := c.index[msg.EditOf]
		if target == nil {
			// Edit for a message we never saw; nothing to modify.
			return false
		}
		target.Body = msg.Body
		target.Edited = true
		c.index[msg.ID.Native] = target
		c.dirtyLocked()
		return true
	}

	if existing := c.index[msg.ID.Native]; existing != nil {
		// Idempotent re-delivery.
		return false
	}

	cp := msg.Clone()
	c.insertLocked(&cp)
	if msg.Timestamp > c.meta.LastActivity {
		c.meta.LastActivity = msg.Timestamp
	}
	if live && !msg.FromMe {
		c.meta.Unread++
	}
	c.addParticipantLocked(msg.Sender)
	c.dirtyLocked()
	return true
}

func (c *conversation) addParticipantLocked(id string) {
	if id == "" {
		return
	}
	for _, p := range c.meta.Participants {
		if p == id {
			return
		}
	}
	c.meta.Participants = append(c.meta.Participants, id)
}

// ApplyConversation merges conversation metadata from the backend.
func (s *Store) ApplyConversation(ev model.ConversationEvent) {
	for _, p := range ev.Participants {
		s.upsertParticipant(ev.Conv.ID.Account, p)
	}

	c := s.conv(ev.Conv.ID, true)
	c.mu.Lock()
	if ev.Conv.Name != "" {
		c.meta.Name = ev.Conv.Name
	}
	if ev.Conv.Encrypted {
		c.meta.Encrypted = true
	}
	if ev.Conv.Archived {
		// Set-only: later metadata events (renames, membership) carry a
		// zero Archived and must not silently un-archive.
		c.meta.Archived = true
	}
	if ev.Conv.LastActivity > c.meta.LastActivity {
		c.meta.LastActivity = ev.Conv.LastActivity
	}
	if ev.Conv.Unread > 0 && len(c.msgs) == 0 {
		// Server-reported unread seeds the counter before any messages
		// have been ingested; afterwards the store tracks it itself.
		c.meta.Unread = ev.Conv.Unread
	}
	for _, p := range ev.Conv.Participants {
		c.addParticipantLocked(p)
	}
	for _, p := range ev.Participants {
		c.addParticipantLocked(p.ID)
	}
	c.dirtyLocked()
	c.mu.Unlock()

	s.notify(bus.KindConversationUpserted, ev.Conv.ID)
}

// ApplyParticipant merges a profile update.
func (s *Store) ApplyParticipant(ev model.ParticipantEvent) {
	s.upsertParticipant(ev.Account, ev.P)
}

// ApplyReceipt handles a read receipt. Own receipts reset the unread
// counter.
func (s *Store) ApplyReceipt(ev model.ReceiptEvent) {
	if !ev.Own {
		return
	}
	c := s.conv(ev.Conversation, false)
	if c == nil {
		return
	}
	c.mu.Lock()
	c.meta.Unread = 0
	c.dirtyLocked()
	c.mu.Unlock()
	s.notify(bus.KindConversationUpserted, ev.Conversation)
}

// ApplyReaction attaches or removes a reaction on the target message.
func (s *Store) ApplyReaction(ev model.ReactionEvent) {
	c := s.conv(ev.Target.Conversation, false)
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	msg := c.index[ev.Target.Native]
	if msg == nil {
		return
	}
	if msg.Reactions == nil {
		msg.Reactions = make(map[string][]string)
	}
	senders := msg.Reactions[ev.Key]
	if ev.Removed {
		for i, sdr := range senders {
			if sdr == ev.Sender {
				msg.Reactions[ev.Key] = append(senders[:i], senders[i+1:]...)
				break
			}
		}
	} else {
		for _, sdr := range senders {
			if sdr == ev.Sender {
				return // duplicate delivery
			}
		}
		msg.Reactions[ev.Key] = append(senders, ev.Sender)
	}
	c.dirtyLocked()
	s.notify(bus.KindMessageUpserted, ev.Target.Conversation)
}

// NewProvisional creates a locally issued Pending message so the UI can
// show it before the backend acknowledges the send.
func (s *Store) NewProvisional(id model.ConversationID, selfID, body string) model.Message {
	c := s.conv(id, true)
	c.mu.Lock()
	defer c.mu.Unlock()

	c.provSeq++
	msg := &model.Message{
		ID:        model.MessageID{Conversation: id, Native: model.NewProvisionalNative(c.provSeq)},
		Sender:    selfID,
		Timestamp: time.Now().UnixMilli(),
		Body:      body,
		FromMe:    true,
		State:     model.StatePending,
	}
	c.insertLocked(msg)
	if msg.Timestamp > c.meta.LastActivity {
		c.meta.LastActivity = msg.Timestamp
	}
	c.dirtyLocked()
	s.notify(bus.KindMessageUpserted, id)
	return msg.Clone()
}

// Reconcile atomically replaces a provisional message id with its
// server-assigned id. If the backend's own echo already delivered the
// message under the server id, the provisional entry is dropped so the
// two never coexist.
func (s *Store) Reconcile(prov model.MessageID, serverNative string, state model.DeliveryState) error {
	c := s.conv(prov.Conversation, false)
	if c == nil {
		return fmt.Errorf("reconcile: unknown conversation %s", prov.Conversation)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	msg := c.index[prov.Native]
	if msg == nil {
		return fmt.Errorf("reconcile: unknown provisional id %s", prov)
	}

	if echo := c.index[serverNative]; echo != nil {
		// Echo arrived first: keep it, drop the provisional.
		c.removeLocked(prov.Native)
		if echo.State == model.StateDelivered || echo.State == model.StateSent {
			echo.FromMe = true
		}
	} else {
		c.removeLocked(prov.Native)
		msg.ID.Native = serverNative
		msg.State = state
		msg.FailureReason = ""
		c.insertLocked(msg)
	}
	c.dirtyLocked()
	s.notify(bus.KindMessageUpserted, prov.Conversation)
	return nil
}

// SetMessageState updates delivery state, carrying an optional failure
// reason.
func (s *Store) SetMessageState(id model.MessageID, state model.DeliveryState, reason string) {
	c := s.conv(id.Conversation, false)
	if c == nil {
		return
	}
	c.mu.Lock()
	msg := c.index[id.Native]
	if msg != nil {
		msg.State = state
		msg.FailureReason = reason
		c.dirtyLocked()
	}
	c.mu.Unlock()
	if msg != nil {
		s.notify(bus.KindMessageUpserted, id.Conversation)
	}
}

// SetMessageBody populates the content of a previously undecryptable
// message after a successful re-decryption pass.
func (s *Store) SetMessageBody(id model.MessageID, body string, state model.DeliveryState) {
	c := s.conv(id.Conversation, false)
	if c == nil {
		return
	}
	c.mu.Lock()
	msg := c.index[id.Native]
	if msg != nil {
		msg.Body = body
		msg.State = state
		msg.FailureReason = ""
		msg.CiphertextRef = ""
		c.dirtyLocked()
	}
	c.mu.Unlock()
	if msg != nil {
		s.notify(bus.KindMessageRedecrypted, id.Conversation)
	}
}

// Remove deletes a message from a conversation (user-initiated delete).
func (s *Store) Remove(id model.MessageID) {
	c := s.conv(id.Conversation, false)
	if c == nil {
		return
	}
	c.mu.Lock()
	c.removeLocked(id.Native)
	c.dirtyLocked()
	c.mu.Unlock()
	s.notify(bus.KindMessageUpserted, id.Conversation)
}

// MarkRead resets the unread counter (local read-receipt).
func (s *Store) MarkRead(id model.ConversationID) {
	c := s.conv(id, false)
	if c == nil {
		return
	}
	c.mu.Lock()
	c.meta.Unread = 0
	c.dirtyLocked()
	c.mu.Unlock()
	s.notify(bus.KindConversationUpserted, id)
}
