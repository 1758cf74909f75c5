package matrix

import (
	"context"
	"errors"
	"net"

	"maunium.net/go/mautrix"

	"github.com/echatapp/echat/internal/model"
)

// errReactionRemoval: removing a reaction means redacting the original
// annotation event, whose id is not tracked.
var errReactionRemoval = errors.New("matrix: reaction removal not supported")

// classify maps a client error onto the unified taxonomy so the engine
// and outbox can pick the right recovery strategy.
func classify(account model.AccountID, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var httpErr mautrix.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.RespError != nil {
			switch httpErr.RespError.ErrCode {
			case "M_UNKNOWN_TOKEN", "M_MISSING_TOKEN":
				return &model.AuthError{
					Backend: model.BackendMatrix,
					Reason:  httpErr.RespError.ErrCode,
					Err:     err,
				}
			case "M_LIMIT_EXCEEDED":
				return &model.TransientError{Err: err}
			}
		}
		if httpErr.IsStatus(429) || httpErr.Response != nil && httpErr.Response.StatusCode >= 500 {
			return &model.TransientError{Err: err}
		}
		return &model.PermanentError{Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &model.TransientError{Err: err}
	}
	// Anything else from the HTTP layer is treated as reachability.
	return &model.TransientError{Err: err}
}
