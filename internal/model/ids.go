package model

import (
	"fmt"
	"strings"
)

// BackendKind identifies one messaging network integration.
type BackendKind string

const (
	BackendMatrix   BackendKind = "matrix"
	BackendTelegram BackendKind = "telegram"
)

// AccountID scopes all entities to one logged-in backend account.
// It is opaque to consumers; the kind prefix exists so intents can be
// routed without a lookup.
type AccountID string

// NewAccountID builds an account id from a backend kind and the
// backend-native user identifier.
func NewAccountID(kind BackendKind, nativeUser string) AccountID {
	return AccountID(string(kind) + ":" + nativeUser)
}

// Kind returns the backend kind encoded in the account id.
func (a AccountID) Kind() BackendKind {
	s := string(a)
	if i := strings.IndexByte(s, ':'); i > 0 {
		return BackendKind(s[:i])
	}
	return ""
}

// NativeUser returns the backend-native user identifier encoded in the
// account id.
func (a AccountID) NativeUser() string {
	s := string(a)
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// ConversationID is a backend-qualified conversation identifier.
type ConversationID struct {
	Account AccountID
	Native  string // backend-native room/chat id
}

func (c ConversationID) String() string {
	return string(c.Account) + "/" + c.Native
}

// IsZero reports whether the id is unset.
func (c ConversationID) IsZero() bool {
	return c.Account == "" && c.Native == ""
}

// ProvisionalPrefix marks locally issued message ids. Backends never
// produce ids starting with it.
const ProvisionalPrefix = "~"

// MessageID wraps a backend-native message id with its conversation for
// global uniqueness.
type MessageID struct {
	Conversation ConversationID
	Native       string
}

func (m MessageID) String() string {
	return m.Conversation.String() + "#" + m.Native
}

// IsProvisional reports whether the id was issued locally and has not
// been reconciled to a server id yet.
func (m MessageID) IsProvisional() bool {
	return strings.HasPrefix(m.Native, ProvisionalPrefix)
}

// NewProvisionalNative formats a provisional native id from a
// per-conversation monotonic sequence number.
func NewProvisionalNative(seq uint64) string {
	return fmt.Sprintf("%s%06d", ProvisionalPrefix, seq)
}
