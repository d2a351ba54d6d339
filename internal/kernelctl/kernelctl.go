// Package kernelctl owns the daemon's side of the sysfs control surface the
// out-of-tree kernel module exposes under /sys/kernel/vfs_monitor: sizing the
// netlink receive buffer, writing the event mask and merge-disable flags, and
// detecting whether the module is present or has been reloaded since last
// checked. It is grounded on event_listener.c's equivalent helpers in the
// original daemon.
package kernelctl

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

const (
	defaultControlDir = "/sys/kernel/vfs_monitor"
	rmemMaxPath        = "/proc/sys/net/core/rmem_max"

	// fallbackReceiveBufferSize is used when rmem_max can't be read or
	// parsed, matching the original daemon's conservative default.
	fallbackReceiveBufferSize = 212992
)

// Controller writes to and reads availability of the kernel module's control
// directory. It holds no file handles open between calls: every control file
// is write-only and single-shot per write, exactly like the C original's
// fopen/fprintf/fclose sequences.
type Controller struct {
	dir        string
	lastInode  uint64
	haveInode  bool
}

// New returns a Controller rooted at the kernel module's control directory.
// An empty dir defaults to /sys/kernel/vfs_monitor.
func New(dir string) *Controller {
	if dir == "" {
		dir = defaultControlDir
	}
	return &Controller{dir: dir}
}

func (c *Controller) path(name string) string {
	return c.dir + "/" + name
}

// ReceiveBufferSize reads /proc/sys/net/core/rmem_max and returns it as the
// socket receive buffer size to request, falling back to a fixed default if
// the file is missing or unparsable.
func ReceiveBufferSize() int {
	data, err := os.ReadFile(rmemMaxPath)
	if err != nil {
		return fallbackReceiveBufferSize
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || n <= 0 {
		return fallbackReceiveBufferSize
	}
	return n
}

// SetEventMask writes the decimal event-type bitmask to trace_event_mask.
func (c *Controller) SetEventMask(mask uint32) error {
	return writeLine(c.path("trace_event_mask"), strconv.FormatUint(uint64(mask), 10))
}

// SetDisableEventMerge writes the merge-disable flag to disable_event_merge.
func (c *Controller) SetDisableEventMerge(disable bool) error {
	v := "0"
	if disable {
		v = "1"
	}
	return writeLine(c.path("disable_event_merge"), v)
}

// PublishMinorDelta writes one incremental add/remove operation for the
// vfs_unnamed_devices control file: "a<minor>" to add, "r<minor>" to remove.
func (c *Controller) PublishMinorDelta(minor uint8, add bool) error {
	op := "r"
	if add {
		op = "a"
	}
	return writeLine(c.path("vfs_unnamed_devices"), fmt.Sprintf("%s%d", op, minor))
}

// PublishedMinors reads back the comma-separated current minor set from
// vfs_unnamed_devices.
func (c *Controller) PublishedMinors() ([]uint8, error) {
	data, err := os.ReadFile(c.path("vfs_unnamed_devices"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("kernelctl: read vfs_unnamed_devices: %w", err)
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]uint8, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 || n > 255 {
			continue
		}
		out = append(out, uint8(n))
	}
	return out, nil
}

// Available reports whether the kernel module's control directory currently
// exists.
func (c *Controller) Available() bool {
	_, err := os.Lstat(c.dir)
	return err == nil
}

// Reloaded reports whether the control directory's inode has changed since
// the last call (the module was unloaded and reloaded, or the filesystem
// backing it was recreated), tracking its own baseline across calls.
// The first call after construction establishes the baseline and reports
// false.
func (c *Controller) Reloaded() bool {
	var st syscall.Stat_t
	if err := syscall.Lstat(c.dir, &st); err != nil {
		return false
	}
	if !c.haveInode {
		c.lastInode = st.Ino
		c.haveInode = true
		return false
	}
	if st.Ino != c.lastInode {
		c.lastInode = st.Ino
		return true
	}
	return false
}

func writeLine(path, line string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return fmt.Errorf("kernelctl: open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("kernelctl: write %s: %w", path, err)
	}
	return nil
}
