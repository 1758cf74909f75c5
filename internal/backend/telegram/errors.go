package telegram

import (
	"context"
	"errors"

	"github.com/echatapp/echat/internal/model"
	"github.com/gotd/td/tgerr"
)

// classify maps an MTProto error onto the unified taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var rpcErr *tgerr.Error
	if errors.As(err, &rpcErr) {
		switch {
		case rpcErr.Code == 401:
			return &model.AuthError{
				Backend: model.BackendTelegram,
				Reason:  rpcErr.Type,
				Err:     err,
			}
		case rpcErr.Code == 420 || rpcErr.Code >= 500:
			return &model.TransientError{Err: err}
		default:
			return &model.PermanentError{Err: err}
		}
	}
	// Transport-level failures: reachability.
	return &model.TransientError{Err: err}
}
