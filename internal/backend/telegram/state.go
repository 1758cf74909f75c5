package telegram

import (
	"context"
	"encoding/json"

	"github.com/echatapp/echat/internal/model"
	"github.com/gotd/td/telegram/updates"
)

// CursorStore is the persistence the adapter needs for update-sequence
// state. The daemon wires the profile state database in.
type CursorStore interface {
	SaveCursor(account model.AccountID, backend model.BackendKind, cursor string) error
	LoadCursor(account model.AccountID) (string, error)
	SaveChannelCursor(account model.AccountID, channelID int64, pts int) error
	LoadChannelCursor(account model.AccountID, channelID int64) (int, bool, error)
	ForEachChannelCursor(account model.AccountID, f func(channelID int64, pts int) error) error
}

// cursorState is the account-level cursor serialized into CursorStore.
type cursorState struct {
	Pts  int `json:"pts"`
	Qts  int `json:"qts"`
	Date int `json:"date"`
	Seq  int `json:"seq"`
}

// stateStorage adapts CursorStore to gotd's updates.StateStorage, so
// the library's own gap recovery drives resumption. The userID
// arguments are ignored: one storage serves exactly one account.
type stateStorage struct {
	account model.AccountID
	store   CursorStore
}

var _ updates.StateStorage = (*stateStorage)(nil)

func (s *stateStorage) load() (cursorState, bool, error) {
	raw, err := s.store.LoadCursor(s.account)
	if err != nil || raw == "" {
		return cursorState{}, false, err
	}
	var st cursorState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return cursorState{}, false, err
	}
	return st, true, nil
}

func (s *stateStorage) save(st cursorState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.store.SaveCursor(s.account, model.BackendTelegram, string(raw))
}

func (s *stateStorage) GetState(_ context.Context, _ int64) (updates.State, bool, error) {
	st, found, err := s.load()
	return updates.State{Pts: st.Pts, Qts: st.Qts, Date: st.Date, Seq: st.Seq}, found, err
}

func (s *stateStorage) SetState(_ context.Context, _ int64, state updates.State) error {
	return s.save(cursorState{Pts: state.Pts, Qts: state.Qts, Date: state.Date, Seq: state.Seq})
}

func (s *stateStorage) modify(f func(*cursorState)) error {
	st, _, err := s.load()
	if err != nil {
		return err
	}
	f(&st)
	return s.save(st)
}

func (s *stateStorage) SetPts(_ context.Context, _ int64, pts int) error {
	return s.modify(func(st *cursorState) { st.Pts = pts })
}

func (s *stateStorage) SetQts(_ context.Context, _ int64, qts int) error {
	return s.modify(func(st *cursorState) { st.Qts = qts })
}

func (s *stateStorage) SetDate(_ context.Context, _ int64, date int) error {
	return s.modify(func(st *cursorState) { st.Date = date })
}

func (s *stateStorage) SetSeq(_ context.Context, _ int64, seq int) error {
	return s.modify(func(st *cursorState) { st.Seq = seq })
}

func (s *stateStorage) SetDateSeq(_ context.Context, _ int64, date, seq int) error {
	return s.modify(func(st *cursorState) {
		st.Date = date
		st.Seq = seq
	})
}

func (s *stateStorage) GetChannelPts(_ context.Context, _, channelID int64) (int, bool, error) {
	return s.store.LoadChannelCursor(s.account, channelID)
}

func (s *stateStorage) SetChannelPts(_ context.Context, _, channelID int64, pts int) error {
	return s.store.SaveChannelCursor(s.account, channelID, pts)
}

func (s *stateStorage) ForEachChannels(ctx context.Context, _ int64, f func(ctx context.Context, channelID int64, pts int) error) error {
	return s.store.ForEachChannelCursor(s.account, func(channelID int64, pts int) error {
		return f(ctx, channelID, pts)
	})
}
