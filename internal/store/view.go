package store

import (
	"sort"

	"github.com/echatapp/echat/internal/model"
)

// ConversationView is an immutable value copy of one conversation handed
// to readers. Version increments on every mutation, so consumers can
// cheaply detect staleness.
type ConversationView struct {
	Conversation model.Conversation
	Messages     []model.Message
	Participants []model.Participant
	Version      uint64
}

// viewLocked builds (or reuses) the cached view. Caller holds the
// conversation lock.
func (s *Store) viewLocked(c *conversation) *ConversationView {
	if c.snap != nil {
		return c.snap
	}

	v := &ConversationView{
		Conversation: c.meta,
		Version:      c.version,
	}
	v.Conversation.Participants = append([]string(nil), c.meta.Participants...)
	v.Messages = make([]model.Message, len(c.msgs))
	for i, m := range c.msgs {
		v.Messages[i] = m.Clone()
	}
	for _, id := range c.meta.Participants {
		if p, ok := s.participant(c.meta.ID.Account, id); ok {
			v.Participants = append(v.Participants, p)
		}
	}
	c.snap = v
	return v
}

// Conversation returns the current view of one conversation.
func (s *Store) Conversation(id model.ConversationID) (ConversationView, bool) {
	c := s.conv(id, false)
	if c == nil {
		return ConversationView{}, false
	}
	c.mu.Lock()
	v := s.viewLocked(c)
	c.mu.Unlock()
	return *v, true
}

// Snapshot returns views of all conversations, most recent activity
// first. A non-nil filter restricts the snapshot to one account.
func (s *Store) Snapshot(filter *model.AccountID) []ConversationView {
	s.mu.RLock()
	convs := make([]*conversation, 0, len(s.convs))
	for _, c := range s.convs {
		convs = append(convs, c)
	}
	s.mu.RUnlock()

	views := make([]ConversationView, 0, len(convs))
	for _, c := range convs {
		c.mu.Lock()
		if filter != nil && c.meta.ID.Account != *filter {
			c.mu.Unlock()
			continue
		}
		views = append(views, *s.viewLocked(c))
		c.mu.Unlock()
	}

	sort.Slice(views, func(i, j int) bool {
		a, b := views[i], views[j]
		if a.Conversation.LastActivity != b.Conversation.LastActivity {
			return a.Conversation.LastActivity > b.Conversation.LastActivity
		}
		return a.Conversation.ID.String() < b.Conversation.ID.String()
	})
	return views
}
