// Package outbox executes user intents against backend sessions:
// provisional insert, retries with backoff, and reconciliation of
// provisional ids once the server acknowledges a send.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/echatapp/echat/internal/backend"
	"github.com/echatapp/echat/internal/bus"
	"github.com/echatapp/echat/internal/config"
	"github.com/echatapp/echat/internal/model"
	"github.com/echatapp/echat/internal/store"
	"go.uber.org/zap"
)

// Sessions resolves live backend sessions; satisfied by the sync
// engine.
type Sessions interface {
	Session(account model.AccountID) (backend.Session, bool)
}

var errNotConnected = errors.New("account not connected")

// SendResult is published on the bus when a send resolves.
type SendResult struct {
	Provisional model.MessageID
	ServerID    string
	Reason      string
}

// reconcileWaiter lets intents targeting a provisional message block
// until its send resolves. Entries live in the waiter map only while
// the send is in flight; resolution evicts them, and intents submitted
// during the flight hold their waiter by reference.
type reconcileWaiter struct {
	account  model.AccountID
	done     chan struct{}
	serverID string
	failed   bool
}

type worker struct {
	ctx     context.Context
	cancel  context.CancelFunc
	intents chan model.Intent
}

// Queue routes intents to per-account workers. Intents for one account
// execute in submission order; accounts never block each other.
type Queue struct {
	store    *store.Store
	sessions Sessions
	bus      *bus.Bus
	cfg      *config.Config
	logger   *zap.Logger

	mu      sync.Mutex
	workers map[model.AccountID]*worker
	waiters map[string]*reconcileWaiter
	closed  bool
	wg      sync.WaitGroup
}

func NewQueue(st *store.Store, sessions Sessions, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *Queue {
	return &Queue{
		store:    st,
		sessions: sessions,
		bus:      b,
		cfg:      cfg,
		logger:   logger.Named("outbox"),
		workers:  make(map[model.AccountID]*worker),
		waiters:  make(map[string]*reconcileWaiter),
	}
}

// Submit accepts an intent. For SendMessage the returned message is the
// provisional entry already visible in the store; for other intents it
// is nil. Store effects of MarkRead are applied optimistically before
// the backend call.
func (q *Queue) Submit(intent model.Intent) (*model.Message, error) {
	account := model.IntentAccount(intent)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, errors.New("outbox: closed")
	}
	w := q.workers[account]
	if w == nil {
		ctx, cancel := context.WithCancel(context.Background())
		w = &worker{ctx: ctx, cancel: cancel, intents: make(chan model.Intent, 64)}
		q.workers[account] = w
		q.wg.Add(1)
		go q.runWorker(w)
	}

	var provisional *model.Message
	switch it := intent.(type) {
	case model.SendMessage:
		msg := q.store.NewProvisional(it.Conversation, account.NativeUser(), it.Body)
		q.waiters[msg.ID.String()] = &reconcileWaiter{account: account, done: make(chan struct{})}
		provisional = &msg
		intent = sendQueued{SendMessage: it, Provisional: msg.ID}
	case model.MarkRead:
		q.store.MarkRead(it.Conversation)
	case model.EditMessage:
		intent = q.pinWaiterLocked(intent, it.Target)
	case model.React:
		intent = q.pinWaiterLocked(intent, it.Target)
	case model.DeleteMessage:
		intent = q.pinWaiterLocked(intent, it.Target)
	}
	q.mu.Unlock()

	select {
	case w.intents <- intent:
		return provisional, nil
	case <-w.ctx.Done():
		return provisional, errors.New("outbox: account cancelled")
	}
}

// sendQueued carries the provisional id assigned at submission time.
type sendQueued struct {
	model.SendMessage
	Provisional model.MessageID
}

// targetQueued pairs an intent whose target was still provisional at
// submission time with the in-flight send's waiter, so the waiter map
// itself can be cleared the moment the send resolves.
type targetQueued struct {
	model.Intent
	waiter *reconcileWaiter
}

// pinWaiterLocked attaches the target's waiter when the send is still
// in flight. Caller holds q.mu.
func (q *Queue) pinWaiterLocked(intent model.Intent, target model.MessageID) model.Intent {
	if !target.IsProvisional() {
		return intent
	}
	w := q.waiters[target.String()]
	if w == nil {
		return intent
	}
	return targetQueued{Intent: intent, waiter: w}
}

// CancelAccount aborts the account's worker; queued intents are
// discarded and in-flight results ignored. Used on logout.
func (q *Queue) CancelAccount(account model.AccountID) {
	q.mu.Lock()
	w := q.workers[account]
	delete(q.workers, account)
	for key, waiter := range q.waiters {
		if waiter.account == account {
			delete(q.waiters, key)
			waiter.failed = true
			close(waiter.done)
		}
	}
	q.mu.Unlock()
	if w != nil {
		w.cancel()
	}
}

// Close stops every worker.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	for account, w := range q.workers {
		w.cancel()
		delete(q.workers, account)
	}
	q.mu.Unlock()
	q.wg.Wait()
}

func (q *Queue) runWorker(w *worker) {
	defer q.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case intent := <-w.intents:
			q.handle(w.ctx, intent)
		}
	}
}

func (q *Queue) handle(ctx context.Context, intent model.Intent) {
	var waiter *reconcileWaiter
	if tq, ok := intent.(targetQueued); ok {
		waiter = tq.waiter
		intent = tq.Intent
	}

	switch it := intent.(type) {
	case sendQueued:
		q.handleSend(ctx, it)
	case model.EditMessage:
		target, ok := q.resolveTarget(ctx, it.Target, waiter)
		if !ok {
			return
		}
		q.withRetry(ctx, model.IntentAccount(it), "edit", func(sess backend.Session) error {
			return sess.Edit(ctx, target, it.Body)
		})
	case model.React:
		target, ok := q.resolveTarget(ctx, it.Target, waiter)
		if !ok {
			return
		}
		q.withRetry(ctx, model.IntentAccount(it), "react", func(sess backend.Session) error {
			return sess.React(ctx, target, it.Key, it.Remove)
		})
	case model.DeleteMessage:
		target, ok := q.resolveTarget(ctx, it.Target, waiter)
		if !ok {
			return
		}
		err := q.withRetry(ctx, model.IntentAccount(it), "delete", func(sess backend.Session) error {
			return sess.Delete(ctx, target)
		})
		if err == nil {
			q.store.Remove(target)
		}
	case model.MarkRead:
		// Store already updated at submission; the backend call is
		// best-effort.
		err := q.withRetry(ctx, model.IntentAccount(it), "mark read", func(sess backend.Session) error {
			return sess.MarkRead(ctx, it.Conversation)
		})
		if err != nil {
			q.logger.Warn("read receipt not delivered", zap.Error(err))
		}
	}
}

// handleSend runs the retry loop for one message, then reconciles the
// provisional id or fails it.
func (q *Queue) handleSend(ctx context.Context, it sendQueued) {
	serverID, err := q.trySend(ctx, it)
	if ctx.Err() != nil {
		// Cancelled mid-flight: the result, either way, is discarded, but
		// anything blocked on this send must still be released.
		q.resolveWaiter(it.Provisional, "", true)
		return
	}

	if err != nil {
		reason := err.Error()
		q.store.SetMessageState(it.Provisional, model.StateFailed, reason)
		q.resolveWaiter(it.Provisional, "", true)
		q.bus.Publish(bus.Now(bus.KindMessageSendFailed, SendResult{
			Provisional: it.Provisional,
			Reason:      reason,
		}))
		return
	}

	if err := q.store.Reconcile(it.Provisional, serverID, model.StateSent); err != nil {
		q.logger.Warn("reconcile failed", zap.Error(err))
	}
	q.resolveWaiter(it.Provisional, serverID, false)
	q.bus.Publish(bus.Now(bus.KindMessageSendAck, SendResult{
		Provisional: it.Provisional,
		ServerID:    serverID,
	}))
}

func (q *Queue) trySend(ctx context.Context, it sendQueued) (string, error) {
	account := model.IntentAccount(it.SendMessage)
	var lastErr error
	for attempt := 1; attempt <= q.cfg.Backoff.MaxSendAttempts; attempt++ {
		if attempt > 1 {
			if !sleep(ctx, q.cfg.Backoff.Interval(attempt-1)) {
				return "", ctx.Err()
			}
		}

		sess, ok := q.sessions.Session(account)
		if !ok {
			lastErr = &model.TransientError{Err: errNotConnected}
			continue
		}
		serverID, err := sess.Send(ctx, it.Conversation, it.Body)
		if err == nil {
			return serverID, nil
		}
		if !model.IsTransient(err) {
			return "", err
		}
		lastErr = err
		q.logger.Debug("send attempt failed",
			zap.String("account", string(account)),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	return "", fmt.Errorf("gave up after %d attempts: %w", q.cfg.Backoff.MaxSendAttempts, lastErr)
}

// withRetry executes one backend call with the send retry policy.
// Transient failures back off; auth and permanent failures surface
// immediately.
func (q *Queue) withRetry(ctx context.Context, account model.AccountID, op string, call func(backend.Session) error) error {
	var lastErr error
	for attempt := 1; attempt <= q.cfg.Backoff.MaxSendAttempts; attempt++ {
		if attempt > 1 {
			if !sleep(ctx, q.cfg.Backoff.Interval(attempt-1)) {
				return ctx.Err()
			}
		}
		sess, ok := q.sessions.Session(account)
		if !ok {
			lastErr = &model.TransientError{Err: errNotConnected}
			continue
		}
		err := call(sess)
		if err == nil {
			return nil
		}
		if !model.IsTransient(err) {
			q.logger.Warn(op+" failed", zap.String("account", string(account)), zap.Error(err))
			return err
		}
		lastErr = err
	}
	q.logger.Warn(op+" abandoned", zap.String("account", string(account)), zap.Error(lastErr))
	return lastErr
}

// resolveTarget maps a possibly-provisional target to its server id,
// waiting out an in-flight send when needed. The waiter pinned at
// submission time survives its own eviction from the map.
func (q *Queue) resolveTarget(ctx context.Context, target model.MessageID, waiter *reconcileWaiter) (model.MessageID, bool) {
	if !target.IsProvisional() {
		return target, true
	}

	if waiter == nil {
		q.mu.Lock()
		waiter = q.waiters[target.String()]
		q.mu.Unlock()
	}
	if waiter == nil {
		// Never submitted, or already resolved and evicted; the caller
		// holds a stale id.
		return target, false
	}

	timer := time.NewTimer(q.cfg.Outbox.ReconcileTimeout())
	defer timer.Stop()
	select {
	case <-waiter.done:
		if waiter.failed {
			return target, false
		}
		target.Native = waiter.serverID
		return target, true
	case <-timer.C:
		q.store.SetMessageState(target, model.StateFailed, model.ReasonReconciliationTimeout)
		q.bus.Publish(bus.Now(bus.KindMessageSendFailed, SendResult{
			Provisional: target,
			Reason:      model.ReasonReconciliationTimeout,
		}))
		return target, false
	case <-ctx.Done():
		return target, false
	}
}

// resolveWaiter completes and evicts the provisional id's mapping. The
// waiter map never outlives a send: entries are cleared here and on
// CancelAccount.
func (q *Queue) resolveWaiter(provisional model.MessageID, serverID string, failed bool) {
	q.mu.Lock()
	key := provisional.String()
	if waiter := q.waiters[key]; waiter != nil {
		delete(q.waiters, key)
		waiter.serverID = serverID
		waiter.failed = failed
		close(waiter.done)
	}
	q.mu.Unlock()
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
