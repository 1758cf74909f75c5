// Package crypto tracks undecryptable ciphertext so messages that
// arrived before their session keys can be recovered later without a
// full resync.
package crypto

import (
	"context"
	"fmt"
	"sync"

	"github.com/echatapp/echat/internal/backend"
	"github.com/echatapp/echat/internal/model"
	"go.uber.org/zap"
)

type pending struct {
	account    model.AccountID
	id         model.MessageID
	ciphertext []byte
}

// Manager retains ciphertext for messages whose decryption failed and
// re-attempts them when new key material arrives.
type Manager struct {
	mu        sync.Mutex
	decryptor map[model.AccountID]backend.Decryptor
	retained  map[string]*pending // keyed by ciphertext ref
	seq       uint64

	logger *zap.Logger
}

// NewManager creates an empty manager.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		decryptor: make(map[model.AccountID]backend.Decryptor),
		retained:  make(map[string]*pending),
		logger:    logger,
	}
}

// Register attaches the account's decryptor. Sessions without
// end-to-end encryption never register.
func (m *Manager) Register(account model.AccountID, dec backend.Decryptor) {
	m.mu.Lock()
	m.decryptor[account] = dec
	m.mu.Unlock()
}

// Unregister drops the account's decryptor and all retained ciphertext,
// used on disconnect or logout.
func (m *Manager) Unregister(account model.AccountID) {
	m.mu.Lock()
	delete(m.decryptor, account)
	for ref, p := range m.retained {
		if p.account == account {
			delete(m.retained, ref)
		}
	}
	m.mu.Unlock()
}

// Retain stores ciphertext that could not be decrypted and returns the
// reference recorded on the message.
func (m *Manager) Retain(account model.AccountID, id model.MessageID, ciphertext []byte) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	ref := fmt.Sprintf("ct-%d", m.seq)
	m.retained[ref] = &pending{
		account:    account,
		id:         id,
		ciphertext: append([]byte(nil), ciphertext...),
	}
	return ref
}

// PendingCount reports how many ciphertexts are retained for the
// account.
func (m *Manager) PendingCount(account model.AccountID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.retained {
		if p.account == account {
			n++
		}
	}
	return n
}

// Redecrypt re-attempts every retained ciphertext for the account,
// invoking apply for each success. Ciphertext that still fails stays
// retained for the next key event. Returns the number recovered.
func (m *Manager) Redecrypt(ctx context.Context, account model.AccountID, apply func(id model.MessageID, body string)) int {
	m.mu.Lock()
	dec := m.decryptor[account]
	var batch []struct {
		ref string
		p   *pending
	}
	for ref, p := range m.retained {
		if p.account == account {
			batch = append(batch, struct {
				ref string
				p   *pending
			}{ref, p})
		}
	}
	m.mu.Unlock()

	if dec == nil || len(batch) == 0 {
		return 0
	}

	recovered := 0
	for _, item := range batch {
		if ctx.Err() != nil {
			break
		}
		body, err := dec.Decrypt(ctx, item.p.ciphertext)
		if err != nil {
			m.logger.Debug("ciphertext still undecryptable",
				zap.String("account", string(account)),
				zap.String("message", item.p.id.String()))
			continue
		}
		m.mu.Lock()
		delete(m.retained, item.ref)
		m.mu.Unlock()
		apply(item.p.id, body)
		recovered++
	}

	if recovered > 0 {
		m.logger.Info("recovered messages after key update",
			zap.String("account", string(account)),
			zap.Int("count", recovered))
	}
	return recovered
}
