package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gotd/td/session"
)

const credentialSchemaVersion = 1

// credentialPayload is the JSON document persisted for a Telegram
// account. Session holds gotd's serialized MTProto session (auth key,
// DC, salts); it is rewritten whenever the library rotates it.
type credentialPayload struct {
	SchemaVersion int    `json:"schema_version"`
	UserID        int64  `json:"user_id"`
	Phone         string `json:"phone"`
	Session       []byte `json:"session"`
}

func decodePayload(raw []byte) (credentialPayload, error) {
	var p credentialPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("telegram: decoding credentials: %w", err)
	}
	if p.SchemaVersion != credentialSchemaVersion {
		return p, fmt.Errorf("telegram: unsupported credential schema %d", p.SchemaVersion)
	}
	return p, nil
}

func (p credentialPayload) encode() ([]byte, error) {
	p.SchemaVersion = credentialSchemaVersion
	return json.Marshal(p)
}

// sessionStorage implements gotd's session.Storage in memory, invoking
// onUpdate when the library rewrites the session so the credential
// store stays current.
type sessionStorage struct {
	mu       sync.Mutex
	data     []byte
	onUpdate func(data []byte)
}

var _ session.Storage = (*sessionStorage)(nil)

func (s *sessionStorage) LoadSession(_ context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.data) == 0 {
		return nil, session.ErrNotFound
	}
	return append([]byte(nil), s.data...), nil
}

func (s *sessionStorage) StoreSession(_ context.Context, data []byte) error {
	s.mu.Lock()
	s.data = append([]byte(nil), data...)
	onUpdate := s.onUpdate
	s.mu.Unlock()
	if onUpdate != nil {
		onUpdate(data)
	}
	return nil
}
