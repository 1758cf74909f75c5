package matrix

import (
	"context"
	"encoding/json"

	"github.com/echatapp/echat/internal/model"
	"go.uber.org/zap"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// parseSync normalizes one /sync response. To-device traffic is fed to
// the olm machine first so room keys delivered in the same response can
// decrypt its timeline events.
func (s *matrixSession) parseSync(ctx context.Context, resp *mautrix.RespSync) []model.Event {
	var out []model.Event

	if len(resp.ToDevice.Events) > 0 {
		s.helper.Machine().ProcessSyncResponse(ctx, resp, s.since)
		out = append(out, model.KeysEvent{Account: s.account})
	}

	for _, evt := range resp.Presence.Events {
		if err := evt.Content.ParseRaw(evt.Type); err != nil {
			continue
		}
		out = append(out, model.PresenceEvent{
			Account:     s.account,
			Participant: evt.Sender.String(),
			Online:      evt.Content.AsPresence().Presence == event.PresenceOnline,
		})
	}

	for roomID, room := range resp.Rooms.Join {
		for _, evt := range room.State.Events {
			evt.RoomID = roomID
			if ev := s.parseStateEvent(evt); ev != nil {
				out = append(out, ev)
			}
		}
		for _, evt := range room.Timeline.Events {
			evt.RoomID = roomID
			if ev := s.parseTimelineEvent(ctx, evt); ev != nil {
				out = append(out, ev)
			}
		}
		for _, evt := range room.Ephemeral.Events {
			evt.RoomID = roomID
			out = append(out, s.parseEphemeralEvent(evt)...)
		}
	}

	for roomID := range resp.Rooms.Leave {
		out = append(out, model.ConversationEvent{
			Conv: model.Conversation{ID: s.conversationID(roomID), Archived: true},
		})
	}

	return out
}

func (s *matrixSession) parseStateEvent(evt *event.Event) model.Event {
	if err := evt.Content.ParseRaw(evt.Type); err != nil {
		return nil
	}
	conv := s.conversationID(evt.RoomID)

	switch evt.Type {
	case event.StateRoomName:
		return model.ConversationEvent{
			Conv: model.Conversation{ID: conv, Name: evt.Content.AsRoomName().Name},
		}
	case event.StateEncryption:
		return model.ConversationEvent{
			Conv: model.Conversation{ID: conv, Encrypted: true},
		}
	case event.StateMember:
		member := evt.Content.AsMember()
		userID := evt.GetStateKey()
		switch member.Membership {
		case event.MembershipJoin:
			p := model.Participant{
				ID:          userID,
				DisplayName: member.Displayname,
				AvatarURL:   string(member.AvatarURL),
			}
			return model.ConversationEvent{
				Conv:         model.Conversation{ID: conv, Participants: []string{userID}},
				Participants: []model.Participant{p},
			}
		default:
			return model.ParticipantEvent{
				Account: s.account,
				P:       model.Participant{ID: userID, DisplayName: member.Displayname},
			}
		}
	}
	return nil
}

// parseTimelineEvent normalizes one timeline event, attempting
// decryption inline. Undecryptable ciphertext becomes a
// DecryptionFailed message carrying the raw event for later retry.
func (s *matrixSession) parseTimelineEvent(ctx context.Context, evt *event.Event) model.Event {
	conv := s.conversationID(evt.RoomID)

	s.mu.Lock()
	if s.lastEvent == nil {
		s.lastEvent = make(map[id.RoomID]id.EventID)
	}
	s.lastEvent[evt.RoomID] = evt.ID
	s.mu.Unlock()

	if err := evt.Content.ParseRaw(evt.Type); err != nil {
		return nil
	}

	encrypted := false
	if evt.Type == event.EventEncrypted {
		encrypted = true
		decrypted, err := s.helper.Decrypt(ctx, evt)
		if err != nil {
			s.logger.Debug("decryption failed", zap.String("event", evt.ID.String()), zap.Error(err))
			return s.undecryptableMessage(conv, evt)
		}
		if err := decrypted.Content.ParseRaw(decrypted.Type); err != nil {
			return nil
		}
		decrypted.RoomID = evt.RoomID
		evt = decrypted
	}

	switch evt.Type {
	case event.EventMessage:
		content := evt.Content.AsMessage()
		msg := model.Message{
			ID:        model.MessageID{Conversation: conv, Native: evt.ID.String()},
			Sender:    evt.Sender.String(),
			Timestamp: evt.Timestamp,
			Body:      content.Body,
			Encrypted: encrypted,
			FromMe:    evt.Sender.String() == s.selfID,
			State:     model.StateDelivered,
		}
		if replaces := content.RelatesTo.GetReplaceID(); replaces != "" {
			msg.EditOf = replaces.String()
			if content.NewContent != nil {
				msg.Body = content.NewContent.Body
			}
		}
		return model.MessageEvent{
			Msg:    msg,
			Sender: model.Participant{ID: evt.Sender.String()},
		}

	case event.EventReaction:
		rel := evt.Content.AsReaction().RelatesTo
		return model.ReactionEvent{
			Target: model.MessageID{Conversation: conv, Native: rel.EventID.String()},
			Key:    rel.Key,
			Sender: evt.Sender.String(),
		}

	case event.EventRedaction:
		return model.RedactionEvent{
			Target: model.MessageID{Conversation: conv, Native: evt.Redacts.String()},
		}

	case event.StateRoomName, event.StateEncryption, event.StateMember:
		return s.parseStateEvent(evt)
	}
	return nil
}

func (s *matrixSession) undecryptableMessage(conv model.ConversationID, evt *event.Event) model.Event {
	raw, err := json.Marshal(evt)
	if err != nil {
		raw = nil
	}
	return model.MessageEvent{
		Msg: model.Message{
			ID:            model.MessageID{Conversation: conv, Native: evt.ID.String()},
			Sender:        evt.Sender.String(),
			Timestamp:     evt.Timestamp,
			Encrypted:     true,
			CiphertextRef: string(raw),
			FromMe:        evt.Sender.String() == s.selfID,
			State:         model.StateDecryptionFailed,
		},
		Sender: model.Participant{ID: evt.Sender.String()},
	}
}

func (s *matrixSession) parseEphemeralEvent(evt *event.Event) []model.Event {
	if err := evt.Content.ParseRaw(evt.Type); err != nil {
		return nil
	}
	conv := s.conversationID(evt.RoomID)

	switch evt.Type {
	case event.EphemeralEventTyping:
		users := make([]string, 0, len(evt.Content.AsTyping().UserIDs))
		for _, uid := range evt.Content.AsTyping().UserIDs {
			users = append(users, uid.String())
		}
		return []model.Event{model.TypingEvent{Conversation: conv, Participants: users}}

	case event.EphemeralEventReceipt:
		content, ok := evt.Content.Parsed.(*event.ReceiptEventContent)
		if !ok {
			return nil
		}
		var out []model.Event
		for _, receipts := range *content {
			for userID := range receipts[event.ReceiptTypeRead] {
				out = append(out, model.ReceiptEvent{
					Conversation: conv,
					Own:          userID.String() == s.selfID,
				})
			}
		}
		return out
	}
	return nil
}
