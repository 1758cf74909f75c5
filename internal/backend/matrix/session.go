package matrix

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/echatapp/echat/internal/backend"
	"github.com/echatapp/echat/internal/model"
	"go.uber.org/zap"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/cryptohelper"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// syncTimeout is the long-poll timeout passed to /sync.
const syncTimeout = 30 * time.Second

type matrixSession struct {
	account model.AccountID
	cli     *mautrix.Client
	helper  *cryptohelper.CryptoHelper
	selfID  string
	logger  *zap.Logger

	mu    sync.Mutex
	since string
	// lastEvent tracks the newest timeline event per room so read
	// receipts can point at it.
	lastEvent map[id.RoomID]id.EventID
}

var (
	_ backend.Session        = (*matrixSession)(nil)
	_ backend.Decryptor      = (*matrixSession)(nil)
	_ backend.DeviceVerifier = (*matrixSession)(nil)
)

func (s *matrixSession) Account() model.AccountID { return s.account }

func (s *matrixSession) Resume(_ context.Context, cursor string) error {
	s.mu.Lock()
	s.since = cursor
	if s.lastEvent == nil {
		s.lastEvent = make(map[id.RoomID]id.EventID)
	}
	s.mu.Unlock()
	return nil
}

// Next performs one long-poll sync round. The returned cursor is the
// server's next_batch token; the engine persists it only after the
// batch has been applied.
func (s *matrixSession) Next(ctx context.Context) (backend.Batch, error) {
	s.mu.Lock()
	since := s.since
	s.mu.Unlock()

	resp, err := s.cli.FullSyncRequest(ctx, mautrix.ReqSync{
		Since:   since,
		Timeout: int(syncTimeout.Milliseconds()),
	})
	if err != nil {
		return backend.Batch{}, classify(s.account, err)
	}

	events := s.parseSync(ctx, resp)

	s.mu.Lock()
	s.since = resp.NextBatch
	s.mu.Unlock()

	return backend.Batch{Events: events, Cursor: resp.NextBatch}, nil
}

func (s *matrixSession) conversationID(room id.RoomID) model.ConversationID {
	return model.ConversationID{Account: s.account, Native: room.String()}
}

// ListConversations walks the joined room list, resolving names,
// encryption state and membership for the initial store seed.
func (s *matrixSession) ListConversations(ctx context.Context) ([]model.ConversationEvent, error) {
	joined, err := s.cli.JoinedRooms(ctx)
	if err != nil {
		return nil, classify(s.account, err)
	}

	out := make([]model.ConversationEvent, 0, len(joined.JoinedRooms))
	for _, room := range joined.JoinedRooms {
		ev := model.ConversationEvent{
			Conv: model.Conversation{ID: s.conversationID(room)},
		}

		var name event.RoomNameEventContent
		if err := s.cli.StateEvent(ctx, room, event.StateRoomName, "", &name); err == nil {
			ev.Conv.Name = name.Name
		}
		var enc event.EncryptionEventContent
		if err := s.cli.StateEvent(ctx, room, event.StateEncryption, "", &enc); err == nil && enc.Algorithm != "" {
			ev.Conv.Encrypted = true
		}

		members, err := s.cli.JoinedMembers(ctx, room)
		if err != nil {
			s.logger.Warn("listing members failed", zap.String("room", room.String()), zap.Error(err))
		} else {
			for uid, member := range members.Joined {
				p := model.Participant{ID: uid.String()}
				if member.DisplayName != "" {
					p.DisplayName = member.DisplayName
				}
				if member.AvatarURL != "" {
					p.AvatarURL = member.AvatarURL
				}
				ev.Participants = append(ev.Participants, p)
				ev.Conv.Participants = append(ev.Conv.Participants, p.ID)
			}
		}
		out = append(out, ev)
	}
	return out, nil
}

// FetchHistory pages backwards through /messages. The before argument
// is the End token of the previous page, empty for the newest page.
func (s *matrixSession) FetchHistory(ctx context.Context, conv model.ConversationID, before string, limit int) ([]model.MessageEvent, string, error) {
	room := id.RoomID(conv.Native)
	resp, err := s.cli.Messages(ctx, room, before, "", mautrix.DirectionBackward, nil, limit)
	if err != nil {
		return nil, "", classify(s.account, err)
	}

	var out []model.MessageEvent
	for _, evt := range resp.Chunk {
		evt.RoomID = room
		if me, ok := s.parseTimelineEvent(ctx, evt).(model.MessageEvent); ok {
			out = append(out, me)
		}
	}
	return out, resp.End, nil
}

// textContent is the submission form of a plain text message.
func textContent(body string) *event.MessageEventContent {
	return &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    body,
	}
}

// Send posts a text message. The client encrypts transparently in
// rooms with encryption enabled.
func (s *matrixSession) Send(ctx context.Context, conv model.ConversationID, body string) (string, error) {
	resp, err := s.cli.SendMessageEvent(ctx, id.RoomID(conv.Native), event.EventMessage, textContent(body))
	if err != nil {
		return "", classify(s.account, err)
	}
	return resp.EventID.String(), nil
}

func (s *matrixSession) Edit(ctx context.Context, target model.MessageID, body string) error {
	content := textContent("* " + body)
	content.NewContent = textContent(body)
	content.RelatesTo = &event.RelatesTo{
		Type:    event.RelReplace,
		EventID: id.EventID(target.Native),
	}
	_, err := s.cli.SendMessageEvent(ctx, id.RoomID(target.Conversation.Native), event.EventMessage, content)
	return classify(s.account, err)
}

func (s *matrixSession) React(ctx context.Context, target model.MessageID, key string, remove bool) error {
	if remove {
		// Removing requires redacting the original annotation event,
		// whose id this client does not track.
		return &model.PermanentError{Err: errReactionRemoval}
	}
	_, err := s.cli.SendReaction(ctx, id.RoomID(target.Conversation.Native), id.EventID(target.Native), key)
	return classify(s.account, err)
}

func (s *matrixSession) Delete(ctx context.Context, target model.MessageID) error {
	_, err := s.cli.RedactEvent(ctx, id.RoomID(target.Conversation.Native), id.EventID(target.Native))
	return classify(s.account, err)
}

func (s *matrixSession) MarkRead(ctx context.Context, conv model.ConversationID) error {
	room := id.RoomID(conv.Native)
	s.mu.Lock()
	last := s.lastEvent[room]
	s.mu.Unlock()
	if last == "" {
		return nil // nothing observed yet; nothing to acknowledge
	}
	err := s.cli.SendReceipt(ctx, room, last, event.ReceiptTypeRead, nil)
	return classify(s.account, err)
}

func (s *matrixSession) Close(_ context.Context) error {
	return s.helper.Close()
}

// Decrypt re-attempts decryption of a retained raw encrypted event.
func (s *matrixSession) Decrypt(ctx context.Context, ciphertext []byte) (string, error) {
	var evt event.Event
	if err := json.Unmarshal(ciphertext, &evt); err != nil {
		return "", err
	}
	if err := evt.Content.ParseRaw(event.EventEncrypted); err != nil {
		return "", err
	}
	decrypted, err := s.helper.Decrypt(ctx, &evt)
	if err != nil {
		return "", err
	}
	if err := decrypted.Content.ParseRaw(decrypted.Type); err != nil {
		return "", err
	}
	return decrypted.Content.AsMessage().Body, nil
}

// VerifyDevice marks one of a participant's devices as trusted.
func (s *matrixSession) VerifyDevice(ctx context.Context, participantID, deviceID string) error {
	mach := s.helper.Machine()
	device, err := mach.GetOrFetchDevice(ctx, id.UserID(participantID), id.DeviceID(deviceID))
	if err != nil {
		return classify(s.account, err)
	}
	device.Trust = id.TrustStateVerified
	return mach.CryptoStore.PutDevice(ctx, device.UserID, device)
}
