package proclog

import (
	"os"
	"os/user"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewBuildsLoggerAtRequestedLevel(t *testing.T) {
	quiet, _, err := New(false)
	if err != nil {
		t.Fatalf("New(false): %v", err)
	}
	defer quiet.Sync()
	if quiet.Core().Enabled(zapcore.DebugLevel) {
		t.Error("expected debug disabled when debug=false")
	}
	if !quiet.Core().Enabled(zapcore.InfoLevel) {
		t.Error("expected info enabled when debug=false")
	}

	verbose, _, err := New(true)
	if err != nil {
		t.Fatalf("New(true): %v", err)
	}
	defer verbose.Sync()
	if !verbose.Core().Enabled(zapcore.DebugLevel) {
		t.Error("expected debug enabled when debug=true")
	}
}

func TestSetDebugTogglesAtomicLevel(t *testing.T) {
	logger, atom, err := New(false)
	if err != nil {
		t.Fatalf("New(false): %v", err)
	}
	defer logger.Sync()

	if logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("expected debug disabled before SetDebug(true)")
	}

	SetDebug(atom, true)
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Error("expected debug enabled after SetDebug(true)")
	}

	SetDebug(atom, false)
	if logger.Core().Enabled(zapcore.DebugLevel) {
		t.Error("expected debug disabled after SetDebug(false)")
	}
}

func TestUsernameForUIDResolvesAndCachesCurrentUser(t *testing.T) {
	me, err := user.Current()
	if err != nil {
		t.Skipf("user.Current unavailable in this environment: %v", err)
	}
	uid := uint32(os.Getuid())

	got := UsernameForUID(uid)
	if got != me.Username {
		t.Errorf("UsernameForUID(%d) = %q, want %q", uid, got, me.Username)
	}

	// second call should hit the cache and return the same value.
	if got2 := UsernameForUID(uid); got2 != me.Username {
		t.Errorf("cached UsernameForUID(%d) = %q, want %q", uid, got2, me.Username)
	}
}

func TestUsernameForUIDUnknownReturnsEmpty(t *testing.T) {
	got := UsernameForUID(4294967295)
	if got != "" {
		t.Errorf("UsernameForUID(unknown) = %q, want empty string", got)
	}
}
