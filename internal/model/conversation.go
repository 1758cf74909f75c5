package model

// Participant is one chat identity, owned by the conversation store and
// shared by reference across every conversation it appears in.
type Participant struct {
	ID          string // backend-native id
	DisplayName string
	AvatarURL   string

	// Verified is advisory device-verification metadata. It never blocks
	// message display.
	Verified bool
}

// Conversation is the unified representation of one room/chat.
type Conversation struct {
	ID           ConversationID
	Name         string
	Participants []string // participant native ids
	LastActivity int64    // unix milliseconds
	Unread       int
	Encrypted    bool

	// Archived marks conversations the account has left. Conversations
	// are never deleted from the store.
	Archived bool
}
