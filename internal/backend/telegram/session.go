package telegram

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"

	"github.com/echatapp/echat/internal/backend"
	"github.com/echatapp/echat/internal/model"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"
)

type telegramSession struct {
	account model.AccountID
	client  *telegram.Client
	api     *tg.Client
	peers   *peerStore
	selfID  int64

	// batches carries normalized updates from dispatcher handlers to
	// Next. emit blocks the handler until the engine acknowledges the
	// applied batch, so gotd advances its sequence state only after the
	// store write committed.
	batches chan backend.Batch
	ready   chan struct{}
	runErr  chan error
	cancel  context.CancelFunc

	logger *zap.Logger
}

var _ backend.Session = (*telegramSession)(nil)

func (s *telegramSession) Account() model.AccountID { return s.account }

// Resume is a no-op: resumption state lives in the update manager's
// storage, which was already consulted during Connect.
func (s *telegramSession) Resume(_ context.Context, _ string) error { return nil }

// Next returns the next update batch. The batch cursor is empty because
// sequence state is persisted by the update manager itself.
func (s *telegramSession) Next(ctx context.Context) (backend.Batch, error) {
	select {
	case batch, ok := <-s.batches:
		if !ok {
			select {
			case err := <-s.runErr:
				return backend.Batch{}, err
			default:
				return backend.Batch{}, &model.TransientError{Err: errors.New("telegram: connection closed")}
			}
		}
		return batch, nil
	case err := <-s.runErr:
		return backend.Batch{}, err
	case <-ctx.Done():
		return backend.Batch{}, ctx.Err()
	}
}

// emit hands events to Next and blocks until the engine has applied
// them. Returning earlier would let the update manager durably advance
// pts/qts past events the store never saw.
func (s *telegramSession) emit(ctx context.Context, events ...model.Event) error {
	if len(events) == 0 {
		return nil
	}
	done := make(chan struct{})
	select {
	case s.batches <- backend.Batch{Events: events, Done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListConversations fetches the dialog list, seeding peer access hashes
// as a side effect.
func (s *telegramSession) ListConversations(ctx context.Context) ([]model.ConversationEvent, error) {
	resp, err := s.api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
		OffsetPeer: &tg.InputPeerEmpty{},
		Limit:      100,
	})
	if err != nil {
		return nil, classify(err)
	}

	var dialogs []tg.DialogClass
	var users []tg.UserClass
	var chats []tg.ChatClass
	switch d := resp.(type) {
	case *tg.MessagesDialogs:
		dialogs, users, chats = d.Dialogs, d.Users, d.Chats
	case *tg.MessagesDialogsSlice:
		dialogs, users, chats = d.Dialogs, d.Users, d.Chats
	default:
		return nil, nil
	}

	userByID := make(map[int64]*tg.User)
	for _, uc := range users {
		if u, ok := uc.(*tg.User); ok {
			userByID[u.ID] = u
			s.peers.observeUser(u)
		}
	}
	chatTitle := make(map[string]string)
	for _, cc := range chats {
		s.peers.observeChat(cc)
		switch c := cc.(type) {
		case *tg.Chat:
			chatTitle[peerChat+":"+strconv.FormatInt(c.ID, 10)] = c.Title
		case *tg.Channel:
			chatTitle[peerChannel+":"+strconv.FormatInt(c.ID, 10)] = c.Title
		}
	}

	out := make([]model.ConversationEvent, 0, len(dialogs))
	for _, dc := range dialogs {
		d, ok := dc.(*tg.Dialog)
		if !ok {
			continue
		}
		native := nativeID(d.Peer)
		if native == "" {
			continue
		}
		ev := model.ConversationEvent{
			Conv: model.Conversation{
				ID:     model.ConversationID{Account: s.account, Native: native},
				Unread: d.UnreadCount,
			},
		}
		if p, ok := d.Peer.(*tg.PeerUser); ok {
			if u := userByID[p.UserID]; u != nil {
				ev.Conv.Name = strings.TrimSpace(u.FirstName + " " + u.LastName)
				ev.Participants = append(ev.Participants, participantFromUser(u))
				ev.Conv.Participants = append(ev.Conv.Participants, selfNative(u.ID))
			}
		} else if title, ok := chatTitle[native]; ok {
			ev.Conv.Name = title
		}
		out = append(out, ev)
	}
	return out, nil
}

// FetchHistory pages backwards with offset ids. The returned token is
// the oldest message id of the page.
func (s *telegramSession) FetchHistory(ctx context.Context, conv model.ConversationID, before string, limit int) ([]model.MessageEvent, string, error) {
	peer, err := s.peers.inputPeer(conv.Native)
	if err != nil {
		return nil, "", &model.PermanentError{Err: err}
	}

	offsetID := 0
	if before != "" {
		offsetID, err = strconv.Atoi(before)
		if err != nil {
			return nil, "", &model.PermanentError{Err: fmt.Errorf("telegram: bad history token %q", before)}
		}
	}

	resp, err := s.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:     peer,
		OffsetID: offsetID,
		Limit:    limit,
	})
	if err != nil {
		return nil, "", classify(err)
	}

	var raw []tg.MessageClass
	switch m := resp.(type) {
	case *tg.MessagesMessages:
		raw = m.Messages
	case *tg.MessagesMessagesSlice:
		raw = m.Messages
	case *tg.MessagesChannelMessages:
		raw = m.Messages
	default:
		return nil, "", nil
	}

	var out []model.MessageEvent
	oldest := 0
	for _, mc := range raw {
		m, ok := mc.(*tg.Message)
		if !ok {
			continue
		}
		if oldest == 0 || m.ID < oldest {
			oldest = m.ID
		}
		out = append(out, s.messageEvent(conv, m, nil))
	}

	next := ""
	if oldest > 0 && len(raw) >= limit {
		next = strconv.Itoa(oldest)
	}
	return out, next, nil
}

func (s *telegramSession) Send(ctx context.Context, conv model.ConversationID, body string) (string, error) {
	peer, err := s.peers.inputPeer(conv.Native)
	if err != nil {
		return "", &model.PermanentError{Err: err}
	}

	resp, err := s.api.MessagesSendMessage(ctx, &tg.MessagesSendMessageRequest{
		Peer:     peer,
		Message:  body,
		RandomID: rand.Int63(),
	})
	if err != nil {
		return "", classify(err)
	}

	id, ok := sentMessageID(resp)
	if !ok {
		return "", &model.PermanentError{Err: errors.New("telegram: send response carried no message id")}
	}
	return strconv.Itoa(id), nil
}

// sentMessageID digs the assigned message id out of the send response.
func sentMessageID(u tg.UpdatesClass) (int, bool) {
	switch v := u.(type) {
	case *tg.UpdateShortSentMessage:
		return v.ID, true
	case *tg.Updates:
		for _, upd := range v.Updates {
			switch inner := upd.(type) {
			case *tg.UpdateMessageID:
				return inner.ID, true
			case *tg.UpdateNewMessage:
				if m, ok := inner.Message.(*tg.Message); ok {
					return m.ID, true
				}
			case *tg.UpdateNewChannelMessage:
				if m, ok := inner.Message.(*tg.Message); ok {
					return m.ID, true
				}
			}
		}
	}
	return 0, false
}

func messageIDInt(target model.MessageID) (int, error) {
	id, err := strconv.Atoi(target.Native)
	if err != nil {
		return 0, &model.PermanentError{Err: fmt.Errorf("telegram: bad message id %q", target.Native)}
	}
	return id, nil
}

func (s *telegramSession) Edit(ctx context.Context, target model.MessageID, body string) error {
	peer, err := s.peers.inputPeer(target.Conversation.Native)
	if err != nil {
		return &model.PermanentError{Err: err}
	}
	id, err := messageIDInt(target)
	if err != nil {
		return err
	}

	req := &tg.MessagesEditMessageRequest{Peer: peer, ID: id}
	req.SetMessage(body)
	_, err = s.api.MessagesEditMessage(ctx, req)
	return classify(err)
}

func (s *telegramSession) React(ctx context.Context, target model.MessageID, key string, remove bool) error {
	peer, err := s.peers.inputPeer(target.Conversation.Native)
	if err != nil {
		return &model.PermanentError{Err: err}
	}
	id, err := messageIDInt(target)
	if err != nil {
		return err
	}

	req := &tg.MessagesSendReactionRequest{Peer: peer, MsgID: id}
	if remove {
		req.SetReaction([]tg.ReactionClass{})
	} else {
		req.SetReaction([]tg.ReactionClass{&tg.ReactionEmoji{Emoticon: key}})
	}
	_, err = s.api.MessagesSendReaction(ctx, req)
	return classify(err)
}

func (s *telegramSession) Delete(ctx context.Context, target model.MessageID) error {
	id, err := messageIDInt(target)
	if err != nil {
		return err
	}

	native := target.Conversation.Native
	if strings.HasPrefix(native, peerChannel+":") {
		peer, err := s.peers.inputPeer(native)
		if err != nil {
			return &model.PermanentError{Err: err}
		}
		ch := peer.(*tg.InputPeerChannel)
		_, err = s.api.ChannelsDeleteMessages(ctx, &tg.ChannelsDeleteMessagesRequest{
			Channel: &tg.InputChannel{ChannelID: ch.ChannelID, AccessHash: ch.AccessHash},
			ID:      []int{id},
		})
		return classify(err)
	}

	_, err = s.api.MessagesDeleteMessages(ctx, &tg.MessagesDeleteMessagesRequest{
		ID:     []int{id},
		Revoke: true,
	})
	return classify(err)
}

func (s *telegramSession) MarkRead(ctx context.Context, conv model.ConversationID) error {
	peer, err := s.peers.inputPeer(conv.Native)
	if err != nil {
		return &model.PermanentError{Err: err}
	}

	if ch, ok := peer.(*tg.InputPeerChannel); ok {
		_, err = s.api.ChannelsReadHistory(ctx, &tg.ChannelsReadHistoryRequest{
			Channel: &tg.InputChannel{ChannelID: ch.ChannelID, AccessHash: ch.AccessHash},
		})
		return classify(err)
	}

	_, err = s.api.MessagesReadHistory(ctx, &tg.MessagesReadHistoryRequest{Peer: peer})
	return classify(err)
}

func (s *telegramSession) Close(_ context.Context) error {
	s.cancel()
	return nil
}
