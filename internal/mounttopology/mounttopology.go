// Package mounttopology builds the root-mount tree and the device-id
// indexes the daemon needs to answer "what is this device mounted at" and
// "what mounts live under it" queries, and to recognize lower-filesystem
// overlays. It is grounded directly on mount_info.c's MountInfo/MountRecord
// and is_mount_chain_all_root, reading /proc/self/mountinfo instead of
// linking libmount (no Go binding for it appears anywhere in the retrieval
// pack, and the kernel's own mountinfo file carries the same fields
// mnt_fs_get_* reads off libmount's parsed mtab).
package mounttopology

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/linuxdeepin/anything-logger/internal/fsevent"
)

// Row is one parsed line of /proc/self/mountinfo.
type Row struct {
	MountID      int
	ParentID     int
	Device       fsevent.Device
	Root         string
	MountPoint   string
	FSType       string
}

// ParseMountinfo reads and parses r as /proc/self/mountinfo content.
func ParseMountinfo(r io.Reader) ([]Row, error) {
	var rows []Row
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		row, ok, err := parseMountinfoLine(scanner.Text())
		if err != nil {
			return nil, err
		}
		if ok {
			rows = append(rows, row)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("mounttopology: scan mountinfo: %w", err)
	}
	return rows, nil
}

// ReadMountinfo opens and parses /proc/self/mountinfo.
func ReadMountinfo() ([]Row, error) {
	f, err := os.Open("/proc/self/mountinfo")
	if err != nil {
		return nil, fmt.Errorf("mounttopology: open mountinfo: %w", err)
	}
	defer f.Close()
	return ParseMountinfo(f)
}

func parseMountinfoLine(line string) (Row, bool, error) {
	fields := strings.Fields(line)
	if len(fields) < 10 {
		return Row{}, false, nil
	}

	mountID, err := strconv.Atoi(fields[0])
	if err != nil {
		return Row{}, false, fmt.Errorf("mounttopology: bad mount id in %q", line)
	}
	parentID, err := strconv.Atoi(fields[1])
	if err != nil {
		return Row{}, false, fmt.Errorf("mounttopology: bad parent id in %q", line)
	}

	majMin := strings.SplitN(fields[2], ":", 2)
	if len(majMin) != 2 {
		return Row{}, false, fmt.Errorf("mounttopology: bad major:minor in %q", line)
	}
	major, err := strconv.Atoi(majMin[0])
	if err != nil {
		return Row{}, false, fmt.Errorf("mounttopology: bad major in %q", line)
	}
	minor, err := strconv.Atoi(majMin[1])
	if err != nil {
		return Row{}, false, fmt.Errorf("mounttopology: bad minor in %q", line)
	}
	if minor > 255 {
		// Unnamed-device minors are tracked in a single byte end to end
		// (vfs_unnamed_devices, the kernel module's control protocol); a
		// minor outside that range can't be represented and must be
		// excluded rather than truncated into a colliding value.
		return Row{}, false, nil
	}

	root := fields[3]
	mountPoint := fields[4]

	// Optional fields run from index 6 until a literal "-" separator.
	sepIdx := -1
	for i := 6; i < len(fields); i++ {
		if fields[i] == "-" {
			sepIdx = i
			break
		}
	}
	if sepIdx < 0 || sepIdx+1 >= len(fields) {
		return Row{}, false, fmt.Errorf("mounttopology: missing separator in %q", line)
	}
	fstype := fields[sepIdx+1]

	return Row{
		MountID:    mountID,
		ParentID:   parentID,
		Device:     fsevent.Device{Major: uint16(major), Minor: uint8(minor)},
		Root:       root,
		MountPoint: mountPoint,
		FSType:     fstype,
	}, true, nil
}

// Record is an arena-allocated entry in Index; entries reference each other
// only through ParentID, never through live pointers, per spec.md's
// recommended "arena of records plus index maps" strategy.
type Record struct {
	Device       fsevent.Device
	MountID      int
	ParentID     int
	MountPoint   string
}

// Index is the two-map device-id view over the mount table: a device's
// representative mount point, and the mount points of its direct root-chain
// children.
type Index struct {
	records      []Record
	byDeviceID   map[uint64]int // device.ID() -> index into records
	children     map[uint64][]string
	existLowerFS bool
}

// Build walks rows and constructs the root-mount tree: a row qualifies iff
// its filesystem root is "/" and every ancestor in its parent-mount-id chain
// is already present in the tree with mount point "/" or is the tree's own
// root. The first device to qualify wins; later duplicates are dropped.
func Build(rows []Row) *Index {
	idx := &Index{
		byDeviceID: make(map[uint64]int),
		children:   make(map[uint64][]string),
	}

	rootTree := make(map[int]int) // mount id -> index into idx.records
	for _, row := range rows {
		if row.FSType == "fuse.dlnfs" || row.FSType == "ulnfs" {
			idx.existLowerFS = true
		}

		if !isMountChainAllRoot(rootTree, idx.records, row) {
			continue
		}

		devID := row.Device.ID()
		if _, exists := idx.byDeviceID[devID]; exists {
			continue
		}

		rec := Record{
			Device:     row.Device,
			MountID:    row.MountID,
			ParentID:   row.ParentID,
			MountPoint: row.MountPoint,
		}
		idx.records = append(idx.records, rec)
		recIdx := len(idx.records) - 1
		idx.byDeviceID[devID] = recIdx
		rootTree[row.MountID] = recIdx
	}

	idx.buildChildren()
	return idx
}

func isMountChainAllRoot(rootTree map[int]int, records []Record, row Row) bool {
	if row.Root != "/" {
		return false
	}
	if row.MountPoint == "/" {
		return true
	}

	parentID := row.ParentID
	for {
		recIdx, ok := rootTree[parentID]
		if !ok {
			return false
		}
		rec := records[recIdx]
		if rec.MountPoint == "/" {
			return true
		}
		parentID = rec.ParentID
	}
}

func (idx *Index) buildChildren() {
	for _, rec := range idx.records {
		for _, other := range idx.records {
			if other.ParentID == rec.MountID && other.MountID != rec.MountID {
				idx.children[rec.Device.ID()] = append(idx.children[rec.Device.ID()], other.MountPoint)
			}
		}
	}
}

// DeviceMountPoint returns the representative mount point for dev, if any.
func (idx *Index) DeviceMountPoint(dev fsevent.Device) (string, bool) {
	recIdx, ok := idx.byDeviceID[dev.ID()]
	if !ok {
		return "", false
	}
	return idx.records[recIdx].MountPoint, true
}

// ChildMountPoints returns the mount points whose parent mount is the
// representative mount of dev.
func (idx *Index) ChildMountPoints(dev fsevent.Device) []string {
	return idx.children[dev.ID()]
}

// ExistLowerFS reports whether any row in the table that built idx had
// fstype fuse.dlnfs or ulnfs.
func (idx *Index) ExistLowerFS() bool {
	return idx.existLowerFS
}

// Dump renders the index for diagnostics, in the same shape as
// mount_info_dump.
func (idx *Index) Dump() string {
	var b strings.Builder
	b.WriteString("device mount points:\n")
	for _, rec := range idx.records {
		fmt.Fprintf(&b, "%s -> %s\n", rec.Device, rec.MountPoint)
	}
	b.WriteString("child mount points:\n")
	for devID, children := range idx.children {
		fmt.Fprintf(&b, "%d:\n", devID)
		for _, c := range children {
			fmt.Fprintf(&b, "  %s\n", c)
		}
	}
	fmt.Fprintf(&b, "exist lowerfs: %t\n", idx.existLowerFS)
	return b.String()
}
