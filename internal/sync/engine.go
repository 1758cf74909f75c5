// Package sync runs one ingestion loop per account: connect, seed the
// store, stream event batches, persist cursors, and recover from
// failures with exponential backoff.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/echatapp/echat/internal/backend"
	"github.com/echatapp/echat/internal/bus"
	"github.com/echatapp/echat/internal/config"
	"github.com/echatapp/echat/internal/crypto"
	"github.com/echatapp/echat/internal/model"
	"github.com/echatapp/echat/internal/statedb"
	"github.com/echatapp/echat/internal/status"
	"github.com/echatapp/echat/internal/store"
	"go.uber.org/zap"
)

// Engine owns the per-account ingestion loops and the registry of live
// sessions that the outbox sends through.
type Engine struct {
	store    *store.Store
	crypto   *crypto.Manager
	bus      *bus.Bus
	db       *statedb.DB
	cfg      *config.Config
	adapters map[model.BackendKind]backend.Adapter
	logger   *zap.Logger

	mu       sync.Mutex
	loops    map[model.AccountID]*accountLoop
	sessions map[model.AccountID]backend.Session
}

type accountLoop struct {
	cancel  context.CancelFunc
	done    chan struct{}
	machine *status.Machine
}

func NewEngine(st *store.Store, cm *crypto.Manager, b *bus.Bus, db *statedb.DB, cfg *config.Config, adapters []backend.Adapter, logger *zap.Logger) *Engine {
	byKind := make(map[model.BackendKind]backend.Adapter, len(adapters))
	for _, a := range adapters {
		byKind[a.Kind()] = a
	}
	return &Engine{
		store:    st,
		crypto:   cm,
		bus:      b,
		db:       db,
		cfg:      cfg,
		adapters: byKind,
		logger:   logger.Named("sync"),
		loops:    make(map[model.AccountID]*accountLoop),
		sessions: make(map[model.AccountID]backend.Session),
	}
}

// StartAccount launches the ingestion loop for a stored account. It is
// a no-op if the loop is already running.
func (e *Engine) StartAccount(account model.AccountID) error {
	adapter, ok := e.adapters[account.Kind()]
	if !ok {
		return fmt.Errorf("sync: no adapter for backend %q", account.Kind())
	}
	payload, err := e.db.GetCredentials(account)
	if err != nil {
		return err
	}
	if payload == nil {
		return fmt.Errorf("sync: no credentials for %s", account)
	}

	e.mu.Lock()
	if _, running := e.loops[account]; running {
		e.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	loop := &accountLoop{
		cancel:  cancel,
		done:    make(chan struct{}),
		machine: status.NewMachine(account, e.bus),
	}
	e.loops[account] = loop
	e.mu.Unlock()

	go e.run(ctx, loop, adapter, backend.Credentials{Account: account, Payload: payload})
	return nil
}

// StopAccount cancels an account's loop and waits for it to exit.
func (e *Engine) StopAccount(account model.AccountID) {
	e.mu.Lock()
	loop := e.loops[account]
	delete(e.loops, account)
	e.mu.Unlock()
	if loop == nil {
		return
	}
	loop.cancel()
	<-loop.done
}

// Stop shuts every loop down.
func (e *Engine) Stop() {
	e.mu.Lock()
	loops := make([]*accountLoop, 0, len(e.loops))
	for account, loop := range e.loops {
		loops = append(loops, loop)
		delete(e.loops, account)
	}
	e.mu.Unlock()
	for _, loop := range loops {
		loop.cancel()
		<-loop.done
	}
}

// Session returns the live session for an account, if connected.
func (e *Engine) Session(account model.AccountID) (backend.Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[account]
	return s, ok
}

// Status reports the account's loop state.
func (e *Engine) Status(account model.AccountID) status.State {
	e.mu.Lock()
	loop := e.loops[account]
	e.mu.Unlock()
	if loop == nil {
		return status.Disconnected
	}
	return loop.machine.Current()
}

func (e *Engine) setSession(account model.AccountID, s backend.Session) {
	e.mu.Lock()
	if s == nil {
		delete(e.sessions, account)
	} else {
		e.sessions[account] = s
	}
	e.mu.Unlock()
}

func (e *Engine) transition(loop *accountLoop, to status.State) {
	if err := loop.machine.Transition(to); err != nil {
		e.logger.Warn("state transition rejected", zap.Error(err))
	}
}

// run is the lifecycle of one account: connect with backoff, stream
// until failure, reconnect. Auth failures end the loop; the account
// stays visible in Disconnected state until the user logs in again.
func (e *Engine) run(ctx context.Context, loop *accountLoop, adapter backend.Adapter, creds backend.Credentials) {
	defer close(loop.done)
	account := creds.Account
	logger := e.logger.With(zap.String("account", string(account)))

	attempt := 0
	for {
		e.transition(loop, status.Connecting)
		sess, err := adapter.Connect(ctx, creds)
		if err != nil {
			if ctx.Err() != nil {
				e.transition(loop, status.Disconnected)
				return
			}
			if model.IsAuth(err) {
				logger.Error("authentication failed", zap.Error(err))
				e.bus.Publish(bus.Now(bus.KindAccountAuthFailed, account))
				e.transition(loop, status.Disconnected)
				return
			}
			attempt++
			if attempt > e.cfg.Backoff.MaxReconnectAttempts {
				logger.Error("giving up reconnecting", zap.Int("attempts", attempt-1), zap.Error(err))
				e.bus.Publish(bus.Now(bus.KindAccountUnreachable, account))
				e.transition(loop, status.Disconnected)
				return
			}
			wait := e.cfg.Backoff.Interval(attempt)
			logger.Warn("connect failed", zap.Int("attempt", attempt), zap.Duration("backoff", wait), zap.Error(err))
			e.transition(loop, status.Backoff)
			if !sleep(ctx, wait) {
				e.transition(loop, status.Disconnected)
				return
			}
			continue
		}
		attempt = 0

		err = e.stream(ctx, loop, sess, logger)

		e.setSession(account, nil)
		e.crypto.Unregister(account)
		if cerr := sess.Close(context.Background()); cerr != nil {
			logger.Warn("closing session", zap.Error(cerr))
		}

		if ctx.Err() != nil {
			e.transition(loop, status.Disconnected)
			e.bus.Publish(bus.Now(bus.KindAccountDisconnected, account))
			return
		}
		if model.IsAuth(err) {
			logger.Error("session lost authorization", zap.Error(err))
			e.bus.Publish(bus.Now(bus.KindAccountAuthFailed, account))
			e.transition(loop, status.Disconnected)
			return
		}

		attempt = 1
		wait := e.cfg.Backoff.Interval(attempt)
		logger.Warn("stream interrupted", zap.Duration("backoff", wait), zap.Error(err))
		e.transition(loop, status.Backoff)
		if !sleep(ctx, wait) {
			e.transition(loop, status.Disconnected)
			return
		}
	}
}

// stream seeds the store, resumes from the persisted cursor, and
// applies batches until the session errors or the context ends.
func (e *Engine) stream(ctx context.Context, loop *accountLoop, sess backend.Session, logger *zap.Logger) error {
	account := sess.Account()

	if dec, ok := sess.(backend.Decryptor); ok {
		e.crypto.Register(account, dec)
	}
	e.setSession(account, sess)
	e.transition(loop, status.Syncing)

	convs, err := sess.ListConversations(ctx)
	if err != nil {
		return err
	}
	for _, ev := range convs {
		e.store.ApplyConversation(ev)
	}

	cursor, err := e.db.LoadCursor(account)
	if err != nil {
		return err
	}
	if err := sess.Resume(ctx, cursor); err != nil {
		return err
	}
	e.bus.Publish(bus.Now(bus.KindSyncCaughtUp, account))
	logger.Info("streaming", zap.Int("conversations", len(convs)), zap.Bool("resumed", cursor != ""))

	for {
		batch, err := sess.Next(ctx)
		if err != nil {
			return err
		}
		e.apply(ctx, account, batch.Events)
		if batch.Done != nil {
			close(batch.Done)
		}
		// The cursor is persisted strictly after the batch has been
		// applied: a crash in between replays events, never skips them.
		if batch.Cursor != "" {
			if err := e.db.SaveCursor(account, account.Kind(), batch.Cursor); err != nil {
				return err
			}
		}
	}
}

// retainUndecryptable swaps a message's raw ciphertext for a crypto
// manager reference so a later key event can replay the decryption.
func (e *Engine) retainUndecryptable(account model.AccountID, ev model.MessageEvent) model.MessageEvent {
	if ev.Msg.State == model.StateDecryptionFailed && ev.Msg.CiphertextRef != "" {
		ev.Msg.CiphertextRef = e.crypto.Retain(account, ev.Msg.ID, []byte(ev.Msg.CiphertextRef))
	}
	return ev
}

// apply routes normalized events into the store. Ephemeral events pass
// through to the bus without touching state.
func (e *Engine) apply(ctx context.Context, account model.AccountID, events []model.Event) {
	for _, ev := range events {
		switch ev := ev.(type) {
		case model.MessageEvent:
			e.store.ApplyMessage(e.retainUndecryptable(account, ev))
		case model.ConversationEvent:
			e.store.ApplyConversation(ev)
		case model.ParticipantEvent:
			e.store.ApplyParticipant(ev)
		case model.ReceiptEvent:
			e.store.ApplyReceipt(ev)
		case model.ReactionEvent:
			e.store.ApplyReaction(ev)
		case model.RedactionEvent:
			e.store.Remove(ev.Target)
		case model.TypingEvent, model.PresenceEvent:
			e.bus.Publish(bus.Now(bus.KindConversationEphemeral, ev))
		case model.KeysEvent:
			e.crypto.Redecrypt(ctx, account, func(id model.MessageID, body string) {
				e.store.SetMessageBody(id, body, model.StateDelivered)
			})
		}
	}
}

// FetchHistory pulls one older page for a conversation into the store,
// returning the token for the next page.
func (e *Engine) FetchHistory(ctx context.Context, conv model.ConversationID, before string) (string, error) {
	sess, ok := e.Session(conv.Account)
	if !ok {
		return "", &model.TransientError{Err: errors.New("account not connected")}
	}
	events, next, err := sess.FetchHistory(ctx, conv, before, e.cfg.Sync.HistoryPageSize)
	if err != nil {
		return "", err
	}
	// Undecryptable history needs the same retained-ciphertext handling
	// as the live stream, or a later key event cannot recover it.
	for i := range events {
		events[i] = e.retainUndecryptable(conv.Account, events[i])
	}
	e.store.ApplyHistory(conv, events)
	return next, nil
}

// VerifyDevice marks a participant device as trusted, when the backend
// supports device verification.
func (e *Engine) VerifyDevice(ctx context.Context, account model.AccountID, participantID, deviceID string) error {
	sess, ok := e.Session(account)
	if !ok {
		return &model.TransientError{Err: errors.New("account not connected")}
	}
	verifier, ok := sess.(backend.DeviceVerifier)
	if !ok {
		return &model.PermanentError{Err: fmt.Errorf("backend %q does not verify devices", account.Kind())}
	}
	return verifier.VerifyDevice(ctx, participantID, deviceID)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
