package telegram

import (
	"context"
	"strconv"
	"strings"

	"github.com/echatapp/echat/internal/model"
	"github.com/gotd/td/tg"
)

func participantFromUser(u *tg.User) model.Participant {
	return model.Participant{
		ID:          selfNative(u.ID),
		DisplayName: strings.TrimSpace(u.FirstName + " " + u.LastName),
	}
}

// senderNative resolves the author of a message: explicit FromID when
// present, otherwise the dialog peer (or self for outgoing).
func (s *telegramSession) senderNative(m *tg.Message) string {
	if from, ok := m.FromID.(*tg.PeerUser); ok {
		return selfNative(from.UserID)
	}
	if m.Out {
		return selfNative(s.selfID)
	}
	if p, ok := m.PeerID.(*tg.PeerUser); ok {
		return selfNative(p.UserID)
	}
	return ""
}

// messageEvent converts one Telegram message into the unified form.
// Entities, when available, contribute the sender's profile.
func (s *telegramSession) messageEvent(conv model.ConversationID, m *tg.Message, e *tg.Entities) model.MessageEvent {
	sender := s.senderNative(m)
	ev := model.MessageEvent{
		Msg: model.Message{
			ID:        model.MessageID{Conversation: conv, Native: strconv.Itoa(m.ID)},
			Sender:    sender,
			Timestamp: int64(m.Date) * 1000,
			Body:      m.Message,
			FromMe:    m.Out,
			State:     model.StateDelivered,
		},
		Sender: model.Participant{ID: sender},
	}
	if e != nil {
		if from, ok := m.FromID.(*tg.PeerUser); ok {
			if u := e.Users[from.UserID]; u != nil {
				ev.Sender = participantFromUser(u)
			}
		} else if p, ok := m.PeerID.(*tg.PeerUser); ok && !m.Out {
			if u := e.Users[p.UserID]; u != nil {
				ev.Sender = participantFromUser(u)
			}
		}
	}
	return ev
}

func (s *telegramSession) conversationFor(peer tg.PeerClass) (model.ConversationID, bool) {
	native := nativeID(peer)
	if native == "" {
		return model.ConversationID{}, false
	}
	return model.ConversationID{Account: s.account, Native: native}, true
}

// editNative derives a unique native id for an edit event. Telegram
// edits reuse the message id, so the edit date disambiguates
// re-deliveries from distinct edits.
func editNative(id, editDate int) string {
	return strconv.Itoa(id) + ":edit:" + strconv.Itoa(editDate)
}

func (s *telegramSession) handleMessage(ctx context.Context, e tg.Entities, msg tg.MessageClass) error {
	s.peers.observeEntities(e)
	m, ok := msg.(*tg.Message)
	if !ok {
		return nil
	}
	conv, ok := s.conversationFor(m.PeerID)
	if !ok {
		return nil
	}
	return s.emit(ctx, s.messageEvent(conv, m, &e))
}

func (s *telegramSession) handleEdit(ctx context.Context, e tg.Entities, msg tg.MessageClass) error {
	s.peers.observeEntities(e)
	m, ok := msg.(*tg.Message)
	if !ok {
		return nil
	}
	conv, ok := s.conversationFor(m.PeerID)
	if !ok {
		return nil
	}

	ev := s.messageEvent(conv, m, &e)
	ev.Msg.EditOf = strconv.Itoa(m.ID)
	ev.Msg.ID.Native = editNative(m.ID, m.EditDate)
	return s.emit(ctx, ev)
}

func (s *telegramSession) registerHandlers(d tg.UpdateDispatcher) {
	d.OnNewMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
		return s.handleMessage(ctx, e, u.Message)
	})
	d.OnNewChannelMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
		return s.handleMessage(ctx, e, u.Message)
	})
	d.OnEditMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateEditMessage) error {
		return s.handleEdit(ctx, e, u.Message)
	})
	d.OnEditChannelMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateEditChannelMessage) error {
		return s.handleEdit(ctx, e, u.Message)
	})

	d.OnDeleteChannelMessages(func(ctx context.Context, e tg.Entities, u *tg.UpdateDeleteChannelMessages) error {
		conv := model.ConversationID{
			Account: s.account,
			Native:  peerChannel + ":" + strconv.FormatInt(u.ChannelID, 10),
		}
		events := make([]model.Event, 0, len(u.Messages))
		for _, id := range u.Messages {
			events = append(events, model.RedactionEvent{
				Target: model.MessageID{Conversation: conv, Native: strconv.Itoa(id)},
			})
		}
		return s.emit(ctx, events...)
	})

	d.OnUserTyping(func(ctx context.Context, e tg.Entities, u *tg.UpdateUserTyping) error {
		conv := model.ConversationID{Account: s.account, Native: selfNative(u.UserID)}
		return s.emit(ctx, model.TypingEvent{
			Conversation: conv,
			Participants: []string{selfNative(u.UserID)},
		})
	})
	d.OnChatUserTyping(func(ctx context.Context, e tg.Entities, u *tg.UpdateChatUserTyping) error {
		from, ok := u.FromID.(*tg.PeerUser)
		if !ok {
			return nil
		}
		conv := model.ConversationID{
			Account: s.account,
			Native:  peerChat + ":" + strconv.FormatInt(u.ChatID, 10),
		}
		return s.emit(ctx, model.TypingEvent{
			Conversation: conv,
			Participants: []string{selfNative(from.UserID)},
		})
	})

	d.OnUserStatus(func(ctx context.Context, e tg.Entities, u *tg.UpdateUserStatus) error {
		_, online := u.Status.(*tg.UserStatusOnline)
		return s.emit(ctx, model.PresenceEvent{
			Account:     s.account,
			Participant: selfNative(u.UserID),
			Online:      online,
		})
	})

	// Inbox read = this account read the conversation (possibly from
	// another device); outbox read = the peer read our messages.
	d.OnReadHistoryInbox(func(ctx context.Context, e tg.Entities, u *tg.UpdateReadHistoryInbox) error {
		conv, ok := s.conversationFor(u.Peer)
		if !ok {
			return nil
		}
		return s.emit(ctx, model.ReceiptEvent{Conversation: conv, Own: true})
	})
	d.OnReadHistoryOutbox(func(ctx context.Context, e tg.Entities, u *tg.UpdateReadHistoryOutbox) error {
		conv, ok := s.conversationFor(u.Peer)
		if !ok {
			return nil
		}
		return s.emit(ctx, model.ReceiptEvent{Conversation: conv, Own: false})
	})
}
