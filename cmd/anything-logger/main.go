// Command anything-logger is the deepin-anything-logger daemon: it must run
// as root, joins the kernel module's generic-netlink multicast groups, and
// streams filesystem change events to a rotating CSV journal until told to
// stop. Startup, shutdown, and the kernel-module wait/reload watchdogs are
// grounded directly on main.c.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/linuxdeepin/anything-logger/internal/config"
	"github.com/linuxdeepin/anything-logger/internal/genetlink"
	"github.com/linuxdeepin/anything-logger/internal/kernelctl"
	"github.com/linuxdeepin/anything-logger/internal/listener"
	"github.com/linuxdeepin/anything-logger/internal/mount"
	"github.com/linuxdeepin/anything-logger/internal/policy"
	"github.com/linuxdeepin/anything-logger/internal/proclog"
	"github.com/linuxdeepin/anything-logger/internal/sink"
	"github.com/linuxdeepin/anything-logger/internal/worker"
	"go.uber.org/zap"
)

const (
	eventLogPath       = "/var/log/deepin/deepin-anything-logger/events.csv"
	policyRulesDir     = "/etc/deepin/anything-logger/rules/enabled_rules"
	kernelModuleDir    = "/sys/kernel/vfs_monitor"
	kernelWaitInterval = 1 * time.Second
	reloadCheckInterval = 3 * time.Second
	mountPollInterval  = 5 * time.Second
	eventQueueSize     = 4096
)

const (
	genlFamilyName       = "vfsmonitor"
	mcastGroupDentry     = "dentry"
	mcastGroupProcessInfo = "process-info"
)

func main() {
	os.Exit(run())
}

func run() int {
	log, logLevel, err := proclog.New(false)
	if err != nil {
		return 1
	}
	defer log.Sync()

	log.Info("deepin-anything-logger started")

	if os.Geteuid() != 0 {
		log.Error("deepin-anything-logger must be run as root user")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctl := kernelctl.New(kernelModuleDir)
	if !waitForKernelModule(ctx, ctl, log) {
		log.Error("failed to wait for kernel module to become available")
		return 1
	}
	if ctx.Err() != nil {
		return 0
	}

	// eventListener is assigned further down, once the kernel socket is
	// dialed; onChange may fire (from the D-Bus signal goroutine) before
	// then, so it guards against a nil listener the same way config.c's
	// config_change_handler guards against the daemon not being fully up
	// yet.
	var eventListener *listener.Listener
	var cfg *config.Cache
	onChange := func(key string) {
		switch key {
		case config.KeyLogEvents, config.KeyLogEventsType:
			mask := cfg.EventMask()
			if eventListener != nil {
				eventListener.SetMask(mask)
			}
			if err := ctl.SetEventMask(mask); err != nil {
				log.Warn("config: failed to update kernel event mask", zap.Error(err))
			}
		case config.KeyDisableEventMerge:
			if err := ctl.SetDisableEventMerge(cfg.GetBoolean(config.KeyDisableEventMerge)); err != nil {
				log.Warn("config: failed to update disable_event_merge", zap.Error(err))
			}
		case config.KeyPrintDebugLog:
			proclog.SetDebug(logLevel, cfg.GetBoolean(config.KeyPrintDebugLog))
		}
	}

	cfg, err = config.New(log, onChange, "")
	if err != nil {
		log.Error("failed to initialize config", zap.Error(err))
		return 1
	}
	defer cfg.Close()
	proclog.SetDebug(logLevel, cfg.GetBoolean(config.KeyPrintDebugLog))

	logSink, err := sink.New(eventLogPath, int(cfg.GetUint(config.KeyLogFileSize)), int(cfg.GetUint(config.KeyLogFileCount)), log)
	if err != nil {
		log.Error("failed to initialize log sink", zap.Error(err))
		return 1
	}
	defer logSink.Close()

	policyEngine, err := policy.New(policyRulesDir, log)
	if err != nil {
		log.Error("failed to initialize policy engine", zap.Error(err))
		return 1
	}
	defer policyEngine.Close()

	eventWorker, err := worker.New(eventQueueSize, logSink, policyEngine, log)
	if err != nil {
		log.Error("failed to initialize event worker", zap.Error(err))
		return 1
	}
	go eventWorker.Run()
	defer func() {
		eventWorker.Stop()
		eventWorker.Wait()
	}()

	sock, err := genetlink.Dial()
	if err != nil {
		log.Error("failed to dial kernel control channel", zap.Error(err))
		return 1
	}
	defer sock.Close()

	if err := sock.SetReceiveBufferSize(kernelctl.ReceiveBufferSize()); err != nil {
		log.Warn("failed to set socket receive buffer size", zap.Error(err))
	}

	_, groups, err := sock.ResolveFamily(genlFamilyName)
	if err != nil {
		log.Error("failed to resolve kernel family", zap.Error(err))
		return 1
	}
	for _, name := range []string{mcastGroupDentry, mcastGroupProcessInfo} {
		gid, ok := groups[name]
		if !ok {
			log.Error("kernel family is missing multicast group", zap.String("group", name))
			return 1
		}
		if err := sock.JoinMulticastGroup(gid); err != nil {
			log.Error("failed to join multicast group", zap.String("group", name), zap.Error(err))
			return 1
		}
	}

	eventListener = listener.New(sock, log, eventWorker.Push)
	eventListener.SetMask(cfg.EventMask())

	if err := ctl.SetEventMask(cfg.EventMask()); err != nil {
		log.Error("failed to set kernel event mask", zap.Error(err))
		return 1
	}
	if err := ctl.SetDisableEventMerge(cfg.GetBoolean(config.KeyDisableEventMerge)); err != nil {
		log.Error("failed to set disable_event_merge", zap.Error(err))
		return 1
	}

	mountTracker := mount.New(ctl, nil, mountPollInterval, log)
	go mountTracker.Run(ctx)

	log.Info("service running")
	restart := runMainLoop(ctx, eventListener, ctl, cfg, log)
	log.Info("service stopping")

	log.Info("deepin-anything-logger shutdown complete", zap.Bool("restart", restart))
	if restart {
		return 1
	}
	return 0
}

// waitForKernelModule blocks, polling at kernelWaitInterval, until the
// kernel module's control directory appears or ctx is cancelled.
func waitForKernelModule(ctx context.Context, ctl *kernelctl.Controller, log *zap.Logger) bool {
	if ctl.Available() {
		return true
	}
	log.Info("waiting for kernel module to become available")

	ticker := time.NewTicker(kernelWaitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctl.Available()
		case <-ticker.C:
			if ctl.Available() {
				return true
			}
		}
	}
}

// runMainLoop drives the listener's blocking reads on its own goroutine
// (the socket has no integrated readiness multiplexer here, unlike the
// single-threaded glib loop in the original), while watching for shutdown
// and for a kernel-module reload signalling a required restart.
func runMainLoop(ctx context.Context, l *listener.Listener, ctl *kernelctl.Controller, cfg *config.Cache, log *zap.Logger) bool {
	readErrs := make(chan error, 1)
	go func() {
		for {
			if err := l.ReadOne(); err != nil {
				readErrs <- err
				return
			}
		}
	}()

	reloadTicker := time.NewTicker(reloadCheckInterval)
	defer reloadTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case err := <-readErrs:
			log.Error("kernel control channel read failed", zap.Error(err))
			return false
		case <-reloadTicker.C:
			if ctl.Reloaded() {
				log.Info("kernel module reloaded, requesting restart")
				return true
			}
		}
	}
}
