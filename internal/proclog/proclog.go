// Package proclog builds the daemon's zap logger and resolves uids to
// usernames for log readability. The logger's verbosity is gated by the
// print_debug_log config key rather than fixed at startup, since that key
// is one of the keys the config cache's change callback reprograms live. Username resolution is adapted from
// process.GetUsernameFromUID in the teacher repo; it is diagnostic only and
// never appears in the CSV journal itself.
package proclog

import (
	"fmt"
	"os/user"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap.Logger writing to stderr, at debug level if debug is
// true and info level otherwise. It also returns the logger's AtomicLevel,
// so a caller can wire live print_debug_log changes to SetDebug instead of
// the level being fixed for the process's lifetime.
func New(debug bool) (*zap.Logger, zap.AtomicLevel, error) {
	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}
	atom := zap.NewAtomicLevelAt(level)

	cfg := zap.NewProductionConfig()
	cfg.Level = atom
	cfg.OutputPaths = []string{"stderr"}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return nil, atom, fmt.Errorf("proclog: build logger: %w", err)
	}
	return logger, atom, nil
}

// SetDebug atomically raises or lowers level; intended to be wired to
// the config cache's print_debug_log change callback.
func SetDebug(level zap.AtomicLevel, debug bool) {
	if debug {
		level.SetLevel(zapcore.DebugLevel)
	} else {
		level.SetLevel(zapcore.InfoLevel)
	}
}

var (
	usernameCacheMu sync.RWMutex
	usernameCache   = make(map[uint32]string)
)

// UsernameForUID resolves uid to a username, caching the result. An unknown
// uid resolves to "".
func UsernameForUID(uid uint32) string {
	usernameCacheMu.RLock()
	if name, ok := usernameCache[uid]; ok {
		usernameCacheMu.RUnlock()
		return name
	}
	usernameCacheMu.RUnlock()

	u, err := user.LookupId(fmt.Sprintf("%d", uid))
	if err != nil {
		return ""
	}

	usernameCacheMu.Lock()
	usernameCache[uid] = u.Username
	usernameCacheMu.Unlock()
	return u.Username
}
