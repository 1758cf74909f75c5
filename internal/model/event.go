package model

// Event is one normalized backend event, produced by an adapter and
// consumed by the synchronization engine.
type Event interface {
	eventAccount() AccountID
}

// MessageEvent carries a new, edited or historical message. Sender holds
// the profile observed on the wire so the store can maintain its
// participant set without a separate fetch.
type MessageEvent struct {
	Msg    Message
	Sender Participant
}

func (e MessageEvent) eventAccount() AccountID { return e.Msg.ID.Conversation.Account }

// ConversationEvent carries conversation metadata: creation, rename,
// membership snapshot, encryption toggle, archive/leave.
type ConversationEvent struct {
	Conv         Conversation
	Participants []Participant
}

func (e ConversationEvent) eventAccount() AccountID { return e.Conv.ID.Account }

// ParticipantEvent carries a profile update for one participant.
type ParticipantEvent struct {
	Account AccountID
	P       Participant
}

func (e ParticipantEvent) eventAccount() AccountID { return e.Account }

// ReceiptEvent is a read receipt. Own receipts reset the unread counter
// for the conversation.
type ReceiptEvent struct {
	Conversation ConversationID
	Own          bool
}

func (e ReceiptEvent) eventAccount() AccountID { return e.Conversation.Account }

// ReactionEvent attaches or removes a reaction on a message.
type ReactionEvent struct {
	Target  MessageID
	Key     string
	Sender  string
	Removed bool
}

func (e ReactionEvent) eventAccount() AccountID { return e.Target.Conversation.Account }

// RedactionEvent removes a message deleted on the backend side.
type RedactionEvent struct {
	Target MessageID
}

func (e RedactionEvent) eventAccount() AccountID { return e.Target.Conversation.Account }

// TypingEvent is ephemeral: forwarded to subscribers, never stored.
type TypingEvent struct {
	Conversation ConversationID
	Participants []string
}

func (e TypingEvent) eventAccount() AccountID { return e.Conversation.Account }

// PresenceEvent is ephemeral: forwarded to subscribers, never stored.
type PresenceEvent struct {
	Account     AccountID
	Participant string
	Online      bool
}

func (e PresenceEvent) eventAccount() AccountID { return e.Account }

// KeysEvent signals that new encryption key material arrived for the
// account. The engine answers with a targeted re-decryption pass.
type KeysEvent struct {
	Account AccountID
}

func (e KeysEvent) eventAccount() AccountID { return e.Account }
