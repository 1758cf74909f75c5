// Package matrix integrates Matrix homeservers through mautrix-go,
// including end-to-end encryption via its crypto helper.
package matrix

import (
	"context"
	"crypto/rand"
	"fmt"

	"github.com/echatapp/echat/internal/backend"
	"github.com/echatapp/echat/internal/config"
	"github.com/echatapp/echat/internal/model"
	"github.com/echatapp/echat/internal/session"
	"go.uber.org/zap"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/cryptohelper"
	"maunium.net/go/mautrix/id"
)

// Adapter builds Matrix sessions. One adapter serves every Matrix
// account of a profile; the crypto store lives in a per-account SQLite
// database under the profile directory.
type Adapter struct {
	profile string
	cfg     config.Matrix
	logger  *zap.Logger
}

func NewAdapter(profile string, cfg config.Matrix, logger *zap.Logger) *Adapter {
	return &Adapter{profile: profile, cfg: cfg, logger: logger.Named("matrix")}
}

func (a *Adapter) Kind() model.BackendKind { return model.BackendMatrix }

// Login performs a password login against the homeserver and returns
// the credentials to persist. The device is freshly provisioned; its
// pickle key never leaves the credential store.
func (a *Adapter) Login(ctx context.Context, homeserver, username, password string) (backend.Credentials, error) {
	if homeserver == "" {
		homeserver = a.cfg.Homeserver
	}
	cli, err := mautrix.NewClient(homeserver, "", "")
	if err != nil {
		return backend.Credentials{}, fmt.Errorf("matrix: creating client: %w", err)
	}

	resp, err := cli.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: username,
		},
		Password:                 password,
		InitialDeviceDisplayName: "echat",
		StoreCredentials:         true,
	})
	if err != nil {
		return backend.Credentials{}, classify("", err)
	}

	pickleKey := make([]byte, 32)
	if _, err := rand.Read(pickleKey); err != nil {
		return backend.Credentials{}, err
	}

	payload, err := credentialPayload{
		Homeserver:  homeserver,
		UserID:      resp.UserID.String(),
		DeviceID:    resp.DeviceID.String(),
		AccessToken: resp.AccessToken,
		PickleKey:   pickleKey,
	}.encode()
	if err != nil {
		return backend.Credentials{}, err
	}

	return backend.Credentials{
		Account: model.NewAccountID(model.BackendMatrix, resp.UserID.String()),
		Payload: payload,
	}, nil
}

// Connect restores a session from stored credentials and initializes
// the encryption state for the device.
func (a *Adapter) Connect(ctx context.Context, creds backend.Credentials) (backend.Session, error) {
	p, err := decodePayload(creds.Payload)
	if err != nil {
		return nil, &model.PermanentError{Err: err}
	}

	cli, err := mautrix.NewClient(p.Homeserver, id.UserID(p.UserID), p.AccessToken)
	if err != nil {
		return nil, &model.PermanentError{Err: err}
	}
	cli.DeviceID = id.DeviceID(p.DeviceID)

	// Whoami doubles as the credential check so an invalid token is
	// reported as an AuthError before the sync loop starts.
	whoami, err := cli.Whoami(ctx)
	if err != nil {
		return nil, classify(creds.Account, err)
	}
	if whoami.UserID.String() != p.UserID {
		return nil, &model.AuthError{
			Backend: model.BackendMatrix,
			Reason:  "token belongs to a different user",
		}
	}

	helper, err := cryptohelper.NewCryptoHelper(cli, p.PickleKey,
		session.CryptoDBPath(a.profile, string(creds.Account)))
	if err != nil {
		return nil, &model.PermanentError{Err: err}
	}
	if err := helper.Init(ctx); err != nil {
		return nil, classify(creds.Account, err)
	}
	cli.Crypto = helper

	s := &matrixSession{
		account: creds.Account,
		cli:     cli,
		helper:  helper,
		selfID:  p.UserID,
		logger:  a.logger.With(zap.String("account", string(creds.Account))),
	}
	a.logger.Info("connected", zap.String("user", p.UserID), zap.String("device", p.DeviceID))
	return s, nil
}
