package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds. Subscribers filter by prefix, so "message." matches every
// message-scoped kind.
const (
	KindMessageUpserted    = "message.upserted"
	KindMessageSendAck     = "message.send_ack"
	KindMessageSendFailed  = "message.send_failed"
	KindMessageRedecrypted = "message.redecrypted"

	KindConversationUpserted  = "conversation.upserted"
	KindConversationEphemeral = "conversation.ephemeral"

	KindSyncStatusChanged = "sync.status_changed"
	KindSyncCaughtUp      = "sync.caught_up"

	KindAccountAuthFailed   = "account.auth_failed"
	KindAccountUnreachable  = "account.unreachable"
	KindAccountDisconnected = "account.disconnected"
)

// Now builds an event stamped with the current time.
func Now(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
