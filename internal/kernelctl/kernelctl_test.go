package kernelctl

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestController(t *testing.T) (*Controller, string) {
	t.Helper()
	dir := t.TempDir()
	for _, name := range []string{"trace_event_mask", "disable_event_merge", "vfs_unnamed_devices"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0644); err != nil {
			t.Fatalf("seed control file %s: %v", name, err)
		}
	}
	return New(dir), dir
}

func TestSetEventMaskWritesDecimalLine(t *testing.T) {
	c, dir := newTestController(t)
	if err := c.SetEventMask(48); err != nil {
		t.Fatalf("SetEventMask: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "trace_event_mask"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "48\n" {
		t.Errorf("trace_event_mask content = %q, want %q", data, "48\n")
	}
}

func TestSetDisableEventMerge(t *testing.T) {
	c, dir := newTestController(t)
	if err := c.SetDisableEventMerge(true); err != nil {
		t.Fatalf("SetDisableEventMerge: %v", err)
	}
	data, _ := os.ReadFile(filepath.Join(dir, "disable_event_merge"))
	if string(data) != "1\n" {
		t.Errorf("disable_event_merge content = %q, want %q", data, "1\n")
	}
}

func TestPublishMinorDeltaAndReadback(t *testing.T) {
	c, dir := newTestController(t)
	if err := c.PublishMinorDelta(5, true); err != nil {
		t.Fatalf("PublishMinorDelta: %v", err)
	}
	data, _ := os.ReadFile(filepath.Join(dir, "vfs_unnamed_devices"))
	if string(data) != "a5\n" {
		t.Errorf("vfs_unnamed_devices content = %q, want %q", data, "a5\n")
	}

	if err := os.WriteFile(filepath.Join(dir, "vfs_unnamed_devices"), []byte("5,9,12"), 0644); err != nil {
		t.Fatalf("seed readback: %v", err)
	}
	minors, err := c.PublishedMinors()
	if err != nil {
		t.Fatalf("PublishedMinors: %v", err)
	}
	want := []uint8{5, 9, 12}
	if len(minors) != len(want) {
		t.Fatalf("PublishedMinors() = %v, want %v", minors, want)
	}
	for i := range want {
		if minors[i] != want[i] {
			t.Errorf("PublishedMinors()[%d] = %d, want %d", i, minors[i], want[i])
		}
	}
}

func TestAvailableAndReloaded(t *testing.T) {
	dir := t.TempDir()
	modDir := filepath.Join(dir, "vfs_monitor")
	if err := os.Mkdir(modDir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	c := New(modDir)

	if !c.Available() {
		t.Fatal("expected Available() to be true")
	}
	if c.Reloaded() {
		t.Error("first Reloaded() call should establish baseline and return false")
	}
	if c.Reloaded() {
		t.Error("Reloaded() should be false with no change")
	}

	// Move the old directory aside rather than deleting it, so its inode
	// stays allocated and the recreated directory cannot reuse it.
	if err := os.Rename(modDir, modDir+".old"); err != nil {
		t.Fatalf("move aside: %v", err)
	}
	if err := os.Mkdir(modDir, 0755); err != nil {
		t.Fatalf("recreate: %v", err)
	}
	if !c.Reloaded() {
		t.Error("expected Reloaded() to report true after directory recreation (new inode)")
	}
}
