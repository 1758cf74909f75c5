package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/echatapp/echat/internal/backend"
	"github.com/echatapp/echat/internal/backend/matrix"
	"github.com/echatapp/echat/internal/backend/telegram"
	"github.com/echatapp/echat/internal/config"
	"github.com/echatapp/echat/internal/lock"
	"github.com/echatapp/echat/internal/model"
	"github.com/echatapp/echat/internal/session"
	"github.com/echatapp/echat/internal/statedb"
	qrcode "github.com/skip2/go-qrcode"
	"go.uber.org/zap"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	profile := session.Resolve(*profileFlag)
	if err := session.ValidateName(profile); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	ctl, err := open(profile)
	if err != nil {
		var held *lock.LockHeldError
		if errors.As(err, &held) {
			fmt.Fprintf(os.Stderr, "error: profile %q is in use by a running daemon (pid %d); stop echatd first\n", profile, held.PID)
		} else {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}
	defer ctl.close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	switch args[0] {
	case "accounts":
		ctl.cmdAccounts(*jsonFlag)
	case "login":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: echatctl login <matrix|telegram> ...")
			os.Exit(1)
		}
		ctl.cmdLogin(ctx, args[1], args[2:])
	case "logout":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: echatctl logout <account-id>")
			os.Exit(1)
		}
		ctl.cmdLogout(args[1])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: echatctl [--profile <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  accounts                          List stored accounts")
	fmt.Fprintln(os.Stderr, "  login matrix <user>               Log into a Matrix account (password prompt)")
	fmt.Fprintln(os.Stderr, "  login telegram <phone>            Log into Telegram via SMS/app code")
	fmt.Fprintln(os.Stderr, "  login telegram --qr               Log into Telegram by scanning a QR code")
	fmt.Fprintln(os.Stderr, "  logout <account-id>               Remove an account's credentials and state")
}

// ctl bundles the profile resources a command needs. Commands mutate
// the state database directly, so the profile lock is held to keep a
// running daemon from racing the changes.
type ctl struct {
	profile string
	cfg     *config.Config
	db      *statedb.DB
	lk      *lock.Lock
}

func open(profile string) (*ctl, error) {
	if err := session.EnsureDir(profile); err != nil {
		return nil, err
	}
	lk, err := lock.Acquire(session.Dir(profile))
	if err != nil {
		return nil, err
	}
	db, err := statedb.Open(session.StateDBPath(profile))
	if err != nil {
		_ = lk.Release()
		return nil, err
	}
	if _, err := db.Migrate(); err != nil {
		_ = db.Close()
		_ = lk.Release()
		return nil, err
	}
	return &ctl{
		profile: profile,
		cfg:     config.LoadOrDefault(session.ConfigPath()),
		db:      db,
		lk:      lk,
	}, nil
}

func (c *ctl) close() {
	_ = c.db.Close()
	_ = c.lk.Release()
}

func (c *ctl) cmdAccounts(jsonOut bool) {
	accounts, err := c.db.ListAccounts()
	if err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(accounts)
		return
	}
	if len(accounts) == 0 {
		fmt.Println("No accounts. Use 'echatctl login' to add one.")
		return
	}
	for _, a := range accounts {
		fmt.Printf("%-10s %s\n", a.Backend, a.ID)
	}
}

func (c *ctl) cmdLogin(ctx context.Context, kind string, args []string) {
	var creds backend.Credentials
	var err error

	switch kind {
	case "matrix":
		creds, err = c.loginMatrix(ctx, args)
	case "telegram":
		creds, err = c.loginTelegram(ctx, args)
	default:
		fmt.Fprintf(os.Stderr, "unknown backend: %s\n", kind)
		os.Exit(1)
	}
	if err != nil {
		fatal(err)
	}

	if err := c.db.PutCredentials(creds.Account, creds.Account.Kind(), creds.Payload); err != nil {
		fatal(err)
	}
	fmt.Printf("Logged in as %s. Restart echatd to start syncing.\n", creds.Account)
}

func (c *ctl) loginMatrix(ctx context.Context, args []string) (backend.Credentials, error) {
	fs := flag.NewFlagSet("login matrix", flag.ExitOnError)
	homeserver := fs.String("homeserver", "", "homeserver URL (defaults to config)")
	_ = fs.Parse(args)
	if fs.NArg() < 1 {
		return backend.Credentials{}, errors.New("usage: echatctl login matrix [--homeserver URL] <user>")
	}
	username := fs.Arg(0)

	password, err := prompt("Password: ")
	if err != nil {
		return backend.Credentials{}, err
	}

	adapter := matrix.NewAdapter(c.profile, c.cfg.Matrix, zap.NewNop())
	return adapter.Login(ctx, *homeserver, username, password)
}

func (c *ctl) loginTelegram(ctx context.Context, args []string) (backend.Credentials, error) {
	fs := flag.NewFlagSet("login telegram", flag.ExitOnError)
	useQR := fs.Bool("qr", false, "log in by scanning a QR code from another device")
	_ = fs.Parse(args)

	if c.cfg.Telegram.APIID == 0 || c.cfg.Telegram.APIHash == "" {
		return backend.Credentials{}, errors.New("telegram api_id/api_hash missing; set them in " + session.ConfigPath())
	}

	saveCredentials := func(account model.AccountID, payload []byte) error {
		return c.db.PutCredentials(account, account.Kind(), payload)
	}
	adapter := telegram.NewAdapter(c.cfg.Telegram, c.db, saveCredentials, zap.NewNop())

	if *useQR {
		return adapter.LoginQR(ctx, func(url string) error {
			qr, err := qrcode.New(url, qrcode.Medium)
			if err != nil {
				return err
			}
			fmt.Println("Scan with Telegram on your phone (Settings > Devices > Link Desktop Device):")
			fmt.Print(qr.ToSmallString(false))
			return nil
		})
	}

	if fs.NArg() < 1 {
		return backend.Credentials{}, errors.New("usage: echatctl login telegram [--qr] <phone>")
	}
	phone := fs.Arg(0)

	return adapter.Login(ctx, phone, telegram.LoginPrompts{
		Code: func(_ context.Context) (string, error) {
			return prompt("Code: ")
		},
		Password: func(_ context.Context) (string, error) {
			return prompt("Two-factor password: ")
		},
	})
}

func (c *ctl) cmdLogout(accountArg string) {
	account := model.AccountID(accountArg)
	payload, err := c.db.GetCredentials(account)
	if err != nil {
		fatal(err)
	}
	if payload == nil {
		fmt.Fprintf(os.Stderr, "error: unknown account %q\n", accountArg)
		os.Exit(1)
	}

	if err := c.db.DeleteCredentials(account); err != nil {
		fatal(err)
	}
	// Encryption state is useless without the credentials.
	_ = os.Remove(session.CryptoDBPath(c.profile, string(account)))
	fmt.Printf("Logged out %s.\n", account)
}

func prompt(label string) (string, error) {
	fmt.Print(label)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
