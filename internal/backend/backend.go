// Package backend defines the contract every messaging network
// integration implements. Adapters translate between backend-native
// protocols and the unified model; the synchronization engine drives
// them without knowing which network sits behind the interface.
package backend

import (
	"context"

	"github.com/echatapp/echat/internal/model"
)

// Credentials is the opaque, adapter-owned payload persisted for one
// logged-in account.
type Credentials struct {
	Account model.AccountID
	Payload []byte
}

// Batch is one unit of synchronization progress: the normalized events
// plus the cursor that must be persisted only after every event has
// been applied to the store.
type Batch struct {
	Events []model.Event
	Cursor string

	// Done, when non-nil, is closed by the engine once every event in
	// the batch has been applied. Sessions whose resumption state is
	// persisted outside the engine block their producer on it so that
	// state never advances past an unapplied batch.
	Done chan struct{}
}

// Adapter constructs live sessions from stored credentials.
type Adapter interface {
	Kind() model.BackendKind

	// Connect establishes a session from persisted credentials. It
	// returns an AuthError when the credentials are no longer valid and
	// a TransientError when the backend is unreachable.
	Connect(ctx context.Context, creds Credentials) (Session, error)
}

// Session is one live connection to a backend account. All methods are
// safe for concurrent use; blocking calls honor context cancellation.
type Session interface {
	Account() model.AccountID

	// Resume positions the event stream at the given cursor. An empty
	// cursor means full initial sync.
	Resume(ctx context.Context, cursor string) error

	// Next blocks until the next batch of events is available. The
	// engine applies the batch to the store, then persists the cursor.
	Next(ctx context.Context) (Batch, error)

	// ListConversations returns the account's current conversation list
	// so the store can be seeded before the stream catches up.
	ListConversations(ctx context.Context) ([]model.ConversationEvent, error)

	// FetchHistory pages backwards from beforeNative (empty = latest).
	// It returns the fetched messages and an opaque token for the next
	// older page, empty when the start of history is reached.
	FetchHistory(ctx context.Context, conv model.ConversationID, beforeNative string, limit int) ([]model.MessageEvent, string, error)

	// Send delivers a message and returns its server-assigned native id.
	Send(ctx context.Context, conv model.ConversationID, body string) (string, error)
	Edit(ctx context.Context, target model.MessageID, body string) error
	React(ctx context.Context, target model.MessageID, key string, remove bool) error
	Delete(ctx context.Context, target model.MessageID) error
	MarkRead(ctx context.Context, conv model.ConversationID) error

	Close(ctx context.Context) error
}

// Decryptor is the optional capability of sessions for end-to-end
// encrypted backends: a second decryption attempt over retained
// ciphertext, after new key material arrived.
type Decryptor interface {
	Decrypt(ctx context.Context, ciphertext []byte) (string, error)
}

// DeviceVerifier is the optional capability to mark a participant's
// device as trusted.
type DeviceVerifier interface {
	VerifyDevice(ctx context.Context, participantID, deviceID string) error
}
