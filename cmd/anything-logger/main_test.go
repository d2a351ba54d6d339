package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/linuxdeepin/anything-logger/internal/kernelctl"
	"go.uber.org/zap"
)

func TestWaitForKernelModuleReturnsImmediatelyWhenAvailable(t *testing.T) {
	dir := t.TempDir()
	ctl := kernelctl.New(dir)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if !waitForKernelModule(ctx, ctl, zap.NewNop()) {
		t.Fatal("expected waitForKernelModule to return true when the control dir already exists")
	}
}

func TestWaitForKernelModuleStopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	ctl := kernelctl.New(filepath.Join(dir, "never-created"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if waitForKernelModule(ctx, ctl, zap.NewNop()) {
		t.Fatal("expected waitForKernelModule to return false when the context is already cancelled")
	}
}

func TestWaitForKernelModuleNoticesLateCreation(t *testing.T) {
	dir := t.TempDir()
	modDir := filepath.Join(dir, "vfs_monitor")
	ctl := kernelctl.New(modDir)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	done := make(chan bool, 1)
	go func() {
		done <- waitForKernelModule(ctx, ctl, zap.NewNop())
	}()

	time.Sleep(100 * time.Millisecond)
	if err := os.Mkdir(modDir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	select {
	case ok := <-done:
		if !ok {
			t.Fatal("expected waitForKernelModule to report true once the dir appears")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("waitForKernelModule did not notice the control dir being created")
	}
}
