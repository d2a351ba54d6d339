// Package mount runs the independent mount/device tracker (spec.md's mount
// tracker, C6): it polls the mount table, filters to the operator-configured
// set of unnamed-device filesystem types, and diff-publishes minor-number
// deltas to the kernel module's control file. It is grounded on the original
// server's main.c for the fstype/device filtering rule, adapted into a Go
// polling loop
// because inotify/fsnotify on /proc/self/mountinfo does not fire on content
// changes (procfs files aren't backed by a real inode event source) — see
// DESIGN.md.
package mount

import (
	"context"
	"sort"
	"time"

	"github.com/linuxdeepin/anything-logger/internal/mounttopology"
	"go.uber.org/zap"
)

// defaultFSTypes is the operator-configured set named in spec.md §4.6.
var defaultFSTypes = map[string]bool{
	"overlay":     true,
	"btrfs":       true,
	"fuse.dlnfs":  true,
	"ulnfs":       true,
}

// Publisher is the write side of the kernel's vfs_unnamed_devices control
// file, satisfied by internal/kernelctl.Controller.
type Publisher interface {
	PublishMinorDelta(minor uint8, add bool) error
	PublishedMinors() ([]uint8, error)
}

// Tracker runs the poll loop and publishes incremental changes.
type Tracker struct {
	publisher Publisher
	fsTypes   map[string]bool
	interval  time.Duration
	log       *zap.Logger
}

// New returns a Tracker polling every interval. A nil/empty fsTypes falls
// back to the spec default set.
func New(publisher Publisher, fsTypes map[string]bool, interval time.Duration, log *zap.Logger) *Tracker {
	if len(fsTypes) == 0 {
		fsTypes = defaultFSTypes
	}
	return &Tracker{publisher: publisher, fsTypes: fsTypes, interval: interval, log: log}
}

// Run polls until ctx is cancelled, publishing each detected delta.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.tick()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.tick()
		}
	}
}

func (t *Tracker) tick() {
	rows, err := mounttopology.ReadMountinfo()
	if err != nil {
		t.log.Warn("mount: failed to read mount table", zap.Error(err))
		return
	}

	wanted := t.filterMinors(rows)

	published, err := t.publisher.PublishedMinors()
	if err != nil {
		t.log.Warn("mount: failed to read published minor set", zap.Error(err))
		return
	}

	additions, removals := diff(published, wanted)

	for _, minor := range removals {
		if err := t.publisher.PublishMinorDelta(minor, false); err != nil {
			t.log.Warn("mount: failed to publish removal", zap.Uint8("minor", minor), zap.Error(err))
		}
	}
	for _, minor := range additions {
		if err := t.publisher.PublishMinorDelta(minor, true); err != nil {
			t.log.Warn("mount: failed to publish addition", zap.Uint8("minor", minor), zap.Error(err))
		}
	}
}

// filterMinors keeps rows whose fstype is tracked and whose device is an
// unnamed device (major 0, minor <= 255), deduplicated by minor.
func (t *Tracker) filterMinors(rows []mounttopology.Row) []uint8 {
	seen := make(map[uint8]bool)
	var out []uint8
	for _, row := range rows {
		if !t.fsTypes[row.FSType] {
			continue
		}
		if row.Device.Major != 0 {
			continue
		}
		minor := row.Device.Minor
		if seen[minor] {
			continue
		}
		seen[minor] = true
		out = append(out, minor)
	}
	return out
}

// diff computes additions (in wanted, not in published) and removals (in
// published, not in wanted), both sorted ascending.
func diff(published, wanted []uint8) (additions, removals []uint8) {
	pubSet := make(map[uint8]bool, len(published))
	for _, m := range published {
		pubSet[m] = true
	}
	wantSet := make(map[uint8]bool, len(wanted))
	for _, m := range wanted {
		wantSet[m] = true
	}

	for _, m := range wanted {
		if !pubSet[m] {
			additions = append(additions, m)
		}
	}
	for _, m := range published {
		if !wantSet[m] {
			removals = append(removals, m)
		}
	}

	sort.Slice(additions, func(i, j int) bool { return additions[i] < additions[j] })
	sort.Slice(removals, func(i, j int) bool { return removals[i] < removals[j] })
	return additions, removals
}
