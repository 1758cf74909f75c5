package session

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.echat.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".echat")
}

// Dir returns the profile-specific directory.
func Dir(profile string) string {
	return filepath.Join(BaseDir(), "profiles", profile)
}

// LockPath returns the lock file path for a profile.
func LockPath(profile string) string {
	return filepath.Join(Dir(profile), "LOCK")
}

// StateDBPath returns the durable state database path (credentials,
// sync cursors).
func StateDBPath(profile string) string {
	return filepath.Join(Dir(profile), "state.db")
}

// CryptoDBPath returns the Matrix encryption store path for one account.
func CryptoDBPath(profile, account string) string {
	return filepath.Join(Dir(profile), "crypto-"+sanitize(account)+".db")
}

// LogDir returns the log directory for a profile.
func LogDir(profile string) string {
	return filepath.Join(Dir(profile), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(profile string) string {
	return filepath.Join(LogDir(profile), "echatd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the profile directory tree with proper permissions.
func EnsureDir(profile string) error {
	dirs := []string{
		Dir(profile),
		LogDir(profile),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}

// sanitize maps an account id to a filesystem-safe fragment.
func sanitize(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
