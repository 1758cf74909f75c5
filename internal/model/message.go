package model

// DeliveryState tracks a message's progress from local intent to
// server-confirmed delivery.
type DeliveryState string

const (
	// Pending: created locally, not yet acknowledged by the backend.
	StatePending DeliveryState = "pending"
	// Sent: acknowledged by the backend with a server id.
	StateSent DeliveryState = "sent"
	// Delivered: received from the backend's event stream.
	StateDelivered DeliveryState = "delivered"
	// Failed: gave up sending, or reconciliation timed out. The message
	// stays visible for user-initiated resend or delete.
	StateFailed DeliveryState = "failed"
	// DecryptionFailed: ciphertext arrived but no session key could
	// decrypt it. Content is empty until a re-decryption pass succeeds.
	StateDecryptionFailed DeliveryState = "decryption_failed"
)

// Message is the unified representation of one chat message.
type Message struct {
	ID        MessageID
	Sender    string // participant native id
	Timestamp int64  // unix milliseconds
	Body      string

	// Encrypted marks the body as having arrived as ciphertext. When the
	// state is DecryptionFailed the ciphertext is retained by the
	// encryption manager under CiphertextRef for later re-decryption.
	Encrypted     bool
	CiphertextRef string

	// EditOf holds the native id of the message this event replaced, for
	// events that are edits rather than new messages.
	EditOf string
	Edited bool

	// Reactions maps reaction key to the participant ids that sent it.
	Reactions map[string][]string

	FromMe        bool
	State         DeliveryState
	FailureReason string
}

// Clone returns a deep copy safe to hand to readers.
func (m *Message) Clone() Message {
	c := *m
	if m.Reactions != nil {
		c.Reactions = make(map[string][]string, len(m.Reactions))
		for k, v := range m.Reactions {
			c.Reactions[k] = append([]string(nil), v...)
		}
	}
	return c
}

// Before reports whether m sorts before other in display order:
// (timestamp, native id tie-break), stable under concurrent insertion.
func (m *Message) Before(other *Message) bool {
	if m.Timestamp != other.Timestamp {
		return m.Timestamp < other.Timestamp
	}
	return m.ID.Native < other.ID.Native
}
