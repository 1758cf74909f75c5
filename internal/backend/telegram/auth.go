package telegram

import (
	"context"
	"errors"
	"fmt"

	"github.com/echatapp/echat/internal/backend"
	"github.com/echatapp/echat/internal/model"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/auth/qrlogin"
	"github.com/gotd/td/tg"
)

// LoginPrompts supplies the interactive pieces of a phone login.
type LoginPrompts struct {
	Code     func(ctx context.Context) (string, error)
	Password func(ctx context.Context) (string, error)
}

type promptAuthenticator struct {
	phone   string
	prompts LoginPrompts
}

var _ auth.UserAuthenticator = promptAuthenticator{}

func (a promptAuthenticator) Phone(_ context.Context) (string, error) { return a.phone, nil }

func (a promptAuthenticator) Password(ctx context.Context) (string, error) {
	if a.prompts.Password == nil {
		return "", errors.New("telegram: two-factor password required but no prompt available")
	}
	return a.prompts.Password(ctx)
}

func (a promptAuthenticator) Code(ctx context.Context, _ *tg.AuthSentCode) (string, error) {
	return a.prompts.Code(ctx)
}

func (a promptAuthenticator) AcceptTermsOfService(_ context.Context, _ tg.HelpTermsOfService) error {
	return nil
}

func (a promptAuthenticator) SignUp(_ context.Context) (auth.UserInfo, error) {
	return auth.UserInfo{}, errors.New("telegram: account does not exist; sign-up is not supported")
}

// login runs a short-lived client around the given authorization step
// and captures the resulting session as stored credentials.
func (a *Adapter) login(ctx context.Context, storage *sessionStorage, opts telegram.Options, authorize func(ctx context.Context, client *telegram.Client) (*tg.User, error)) (backend.Credentials, error) {
	opts.SessionStorage = storage
	opts.Logger = a.logger.Named("login")
	client := telegram.NewClient(a.cfg.APIID, a.cfg.APIHash, opts)

	var creds backend.Credentials
	err := client.Run(ctx, func(ctx context.Context) error {
		user, err := authorize(ctx, client)
		if err != nil {
			return err
		}

		storage.mu.Lock()
		data := append([]byte(nil), storage.data...)
		storage.mu.Unlock()
		if len(data) == 0 {
			return errors.New("telegram: login produced no session")
		}

		payload, err := credentialPayload{
			UserID:  user.ID,
			Phone:   user.Phone,
			Session: data,
		}.encode()
		if err != nil {
			return err
		}
		creds = backend.Credentials{
			Account: model.NewAccountID(model.BackendTelegram, fmt.Sprintf("%d", user.ID)),
			Payload: payload,
		}
		return nil
	})
	if err != nil {
		return backend.Credentials{}, classify(err)
	}
	return creds, nil
}

// Login performs the phone-number code flow, with an optional
// two-factor password prompt.
func (a *Adapter) Login(ctx context.Context, phone string, prompts LoginPrompts) (backend.Credentials, error) {
	flow := auth.NewFlow(promptAuthenticator{phone: phone, prompts: prompts}, auth.SendCodeOptions{})
	return a.login(ctx, &sessionStorage{}, telegram.Options{},
		func(ctx context.Context, client *telegram.Client) (*tg.User, error) {
			if err := client.Auth().IfNecessary(ctx, flow); err != nil {
				return nil, err
			}
			return client.Self(ctx)
		})
}

// LoginQR performs the QR-code flow: show receives the tg:// login URL
// to render; the call returns once another device scans it.
func (a *Adapter) LoginQR(ctx context.Context, show func(url string) error) (backend.Credentials, error) {
	dispatcher := tg.NewUpdateDispatcher()
	loggedIn := qrlogin.OnLoginToken(dispatcher)

	return a.login(ctx, &sessionStorage{}, telegram.Options{UpdateHandler: dispatcher},
		func(ctx context.Context, client *telegram.Client) (*tg.User, error) {
			authz, err := client.QR().Auth(ctx, loggedIn, func(_ context.Context, token qrlogin.Token) error {
				return show(token.URL())
			})
			if err != nil {
				return nil, err
			}
			user, ok := authz.User.(*tg.User)
			if !ok {
				return nil, errors.New("telegram: unexpected authorization response")
			}
			return user, nil
		})
}
