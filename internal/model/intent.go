package model

// Intent is a user command accepted by the outbound queue.
type Intent interface {
	intentAccount() AccountID
}

// IntentAccount returns the account an intent routes to.
func IntentAccount(i Intent) AccountID { return i.intentAccount() }

// SendMessage sends a new text message.
type SendMessage struct {
	Conversation ConversationID
	Body         string
}

func (i SendMessage) intentAccount() AccountID { return i.Conversation.Account }

// EditMessage replaces the body of an already-sent message. If the
// target is still provisional the edit queues behind its reconciliation.
type EditMessage struct {
	Target MessageID
	Body   string
}

func (i EditMessage) intentAccount() AccountID { return i.Target.Conversation.Account }

// React attaches (or removes) a reaction on a message.
type React struct {
	Target MessageID
	Key    string
	Remove bool
}

func (i React) intentAccount() AccountID { return i.Target.Conversation.Account }

// DeleteMessage removes a message, best-effort on backends that allow it.
type DeleteMessage struct {
	Target MessageID
}

func (i DeleteMessage) intentAccount() AccountID { return i.Target.Conversation.Account }

// MarkRead resets the conversation's unread counter and notifies the
// backend.
type MarkRead struct {
	Conversation ConversationID
}

func (i MarkRead) intentAccount() AccountID { return i.Conversation.Account }
