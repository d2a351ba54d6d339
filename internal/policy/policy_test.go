package policy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/linuxdeepin/anything-logger/internal/fsevent"
	"go.uber.org/zap"
)

const denySecretRule = `title: deny secret paths
id: deny-secret-paths
status: experimental
logsource:
  category: file_event
detection:
  selection:
    EventPath|contains: 'secret'
  condition: selection
`

func TestEngineWithNoRulesDirAlwaysAllows(t *testing.T) {
	e, err := New("", zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.Close()

	ev := fsevent.FileEvent{EventPath: "/anything/at/all", Action: fsevent.ActDelFile}
	if !e.Allow(ev) {
		t.Error("expected Allow to return true with no rules loaded")
	}
}

func TestEngineDeniesOnRuleMatch(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "deny-secret.yml"), []byte(denySecretRule), 0644); err != nil {
		t.Fatalf("write rule: %v", err)
	}

	e, err := New(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.Close()

	matching := fsevent.FileEvent{EventPath: "/home/user/secret-notes.txt", Action: fsevent.ActDelFile}
	if e.Allow(matching) {
		t.Error("expected Allow to deny a path matching the loaded rule")
	}

	clean := fsevent.FileEvent{EventPath: "/home/user/notes.txt", Action: fsevent.ActDelFile}
	if !e.Allow(clean) {
		t.Error("expected Allow to permit a path not matching the loaded rule")
	}
}

func TestEngineReloadsRulesOnFileChange(t *testing.T) {
	dir := t.TempDir()
	e, err := New(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.Close()

	ev := fsevent.FileEvent{EventPath: "/home/user/secret-notes.txt", Action: fsevent.ActDelFile}
	if !e.Allow(ev) {
		t.Fatal("expected Allow to be permissive before any rule is written")
	}

	if err := os.WriteFile(filepath.Join(dir, "deny-secret.yml"), []byte(denySecretRule), 0644); err != nil {
		t.Fatalf("write rule: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !e.Allow(ev) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Error("expected watcher to pick up the new rule file and start denying the matching event")
}
