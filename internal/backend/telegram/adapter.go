// Package telegram integrates Telegram through the gotd MTProto
// client. Update-sequence state (pts/qts/date/seq) is persisted through
// the profile state database so gotd's gap recovery resumes the stream
// after a restart.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/echatapp/echat/internal/backend"
	"github.com/echatapp/echat/internal/config"
	"github.com/echatapp/echat/internal/model"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/updates"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"
)

// connectTimeout bounds how long Connect waits for the MTProto
// handshake and authorization check.
const connectTimeout = 30 * time.Second

// Adapter builds Telegram sessions. SaveCredentials is invoked whenever
// gotd rotates the serialized session so the stored payload never goes
// stale.
type Adapter struct {
	cfg             config.Telegram
	cursors         CursorStore
	saveCredentials func(account model.AccountID, payload []byte) error
	logger          *zap.Logger
}

func NewAdapter(cfg config.Telegram, cursors CursorStore, saveCredentials func(account model.AccountID, payload []byte) error, logger *zap.Logger) *Adapter {
	return &Adapter{
		cfg:             cfg,
		cursors:         cursors,
		saveCredentials: saveCredentials,
		logger:          logger.Named("telegram"),
	}
}

func (a *Adapter) Kind() model.BackendKind { return model.BackendTelegram }

// Connect starts the MTProto client and blocks until it is authorized
// and the update manager is recovering state.
func (a *Adapter) Connect(ctx context.Context, creds backend.Credentials) (backend.Session, error) {
	p, err := decodePayload(creds.Payload)
	if err != nil {
		return nil, &model.PermanentError{Err: err}
	}
	if len(p.Session) == 0 {
		return nil, &model.AuthError{Backend: model.BackendTelegram, Reason: "no stored session"}
	}

	storage := &sessionStorage{data: p.Session}
	storage.onUpdate = func(data []byte) {
		p.Session = data
		payload, err := p.encode()
		if err == nil {
			err = a.saveCredentials(creds.Account, payload)
		}
		if err != nil {
			a.logger.Warn("persisting rotated session failed", zap.Error(err))
		}
	}

	dispatcher := tg.NewUpdateDispatcher()
	gaps := updates.New(updates.Config{
		Handler: dispatcher,
		Storage: &stateStorage{account: creds.Account, store: a.cursors},
		Logger:  a.logger.Named("gaps"),
	})

	client := telegram.NewClient(a.cfg.APIID, a.cfg.APIHash, telegram.Options{
		SessionStorage: storage,
		UpdateHandler:  gaps,
		Logger:         a.logger.Named("mtproto"),
	})

	runCtx, cancel := context.WithCancel(context.Background())
	s := &telegramSession{
		account: creds.Account,
		client:  client,
		api:     client.API(),
		peers:   newPeerStore(),
		batches: make(chan backend.Batch),
		ready:   make(chan struct{}),
		runErr:  make(chan error, 1),
		cancel:  cancel,
		logger:  a.logger.With(zap.String("account", string(creds.Account))),
	}
	s.registerHandlers(dispatcher)

	go func() {
		err := client.Run(runCtx, func(ctx context.Context) error {
			status, err := client.Auth().Status(ctx)
			if err != nil {
				return err
			}
			if !status.Authorized {
				return &model.AuthError{Backend: model.BackendTelegram, Reason: "session revoked"}
			}
			s.selfID = status.User.ID
			s.peers.observeUser(status.User)
			close(s.ready)
			return gaps.Run(ctx, s.api, status.User.ID, updates.AuthOptions{})
		})
		if err != nil && runCtx.Err() == nil {
			s.runErr <- classify(err)
		}
		close(s.batches)
	}()

	select {
	case <-s.ready:
	case err := <-s.runErr:
		cancel()
		return nil, err
	case <-ctx.Done():
		cancel()
		return nil, &model.TransientError{Err: ctx.Err()}
	case <-time.After(connectTimeout):
		cancel()
		return nil, &model.TransientError{Err: fmt.Errorf("telegram: connect timed out")}
	}

	a.logger.Info("connected", zap.Int64("user", s.selfID))
	return s, nil
}

// selfNative renders the logged-in user as a participant id.
func selfNative(id int64) string {
	return peerUser + ":" + strconv.FormatInt(id, 10)
}
