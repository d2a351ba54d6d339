// Package fsevent holds the data model shared by the kernel listener, the
// event worker and the log sink: the FileEvent type, the action enum, and
// the canonical string tables used both in CSV output and in the
// log_events_type config value.
package fsevent

import "fmt"

// Action is the tagged enum over VFS change kinds the kernel module reports.
// Values match the out-of-tree kernel module's wire encoding; they are not
// ours to renumber.
type Action uint8

const (
	ActNewFile Action = iota
	ActNewLink
	ActNewSymlink
	ActNewFolder
	ActDelFile
	ActDelFolder
	ActRenameFromFile
	ActRenameToFile
	ActRenameFromFolder
	ActRenameToFolder
	ActFSMount
	ActFSUnmount

	// ActInvalid is the sentinel for an uninitialized/partial event. Chosen
	// well outside the kernel's valid action range.
	ActInvalid Action = 100
	// ActTerminate is the internal sentinel pushed to unblock the worker on
	// shutdown; never seen on the wire.
	ActTerminate Action = 101
)

// Name returns the canonical CSV action name for a, or "" if a is not a
// loggable action (sentinels, unknown codes).
func (a Action) Name() string {
	switch a {
	case ActNewFile:
		return "file-created"
	case ActNewLink:
		return "link-created"
	case ActNewSymlink:
		return "symlink-created"
	case ActNewFolder:
		return "folder-created"
	case ActDelFile:
		return "file-deleted"
	case ActDelFolder:
		return "folder-deleted"
	case ActRenameFromFile, ActRenameToFile:
		return "file-renamed"
	case ActRenameFromFolder, ActRenameToFolder:
		return "folder-renamed"
	default:
		return ""
	}
}

// IsRename reports whether a is one of the four rename-half actions.
func (a Action) IsRename() bool {
	switch a {
	case ActRenameFromFile, ActRenameToFile, ActRenameFromFolder, ActRenameToFolder:
		return true
	default:
		return false
	}
}

// IsRenameFrom reports whether a is a rename-from half.
func (a Action) IsRenameFrom() bool {
	return a == ActRenameFromFile || a == ActRenameFromFolder
}

// IsRenameTo reports whether a is a rename-to half.
func (a Action) IsRenameTo() bool {
	return a == ActRenameToFile || a == ActRenameToFolder
}

// Valid reports whether a is a real kernel action (excludes both sentinels).
func (a Action) Valid() bool {
	return a <= ActFSUnmount
}

// actionTokens maps the log_events_type config token to the mask bit(s) it
// sets. file-renamed and folder-renamed each cover both halves of their pair
// so that enabling the token enables correlation end to end.
var actionTokens = map[string]uint32{
	"file-created":    1 << ActNewFile,
	"link-created":    1 << ActNewLink,
	"symlink-created": 1 << ActNewSymlink,
	"folder-created":  1 << ActNewFolder,
	"file-deleted":    1 << ActDelFile,
	"folder-deleted":  1 << ActDelFolder,
	"file-renamed":    1<<ActRenameFromFile | 1<<ActRenameToFile,
	"folder-renamed":  1<<ActRenameFromFolder | 1<<ActRenameToFolder,
}

// MaskBitForToken returns the mask bits set by a single log_events_type
// token, and false if the token is unrecognized.
func MaskBitForToken(token string) (uint32, bool) {
	bits, ok := actionTokens[token]
	return bits, ok
}

// DefaultMask is the log_events_type default: del-file ∪ del-folder.
const DefaultMask uint32 = 1<<ActDelFile | 1<<ActDelFolder

// InMask reports whether a's bit is set in mask.
func (a Action) InMask(mask uint32) bool {
	if a > 31 {
		return false
	}
	return mask&(1<<uint(a)) != 0
}

// Device is a (major, minor) device pair as reported by the kernel.
type Device struct {
	Major uint16
	Minor uint8
}

// ID packs Device into a Linux-style dev_t for use as a map key, matching
// the encoding mount_info.c reads back out with major()/minor().
func (d Device) ID() uint64 {
	return uint64(d.Major)<<8 | uint64(d.Minor)
}

func (d Device) String() string {
	return fmt.Sprintf("%d:%d", d.Major, d.Minor)
}

// FileEvent is the unit flowing from the listener (C2) to the worker (C3).
type FileEvent struct {
	Action      Action
	Cookie      uint32
	Device      Device
	EventPath   string
	UID         uint32
	PID         int32
	ProcessPath string
}

// Valid reports whether e satisfies the invariants spec.md §3 requires of an
// event delivered to the worker: a real action, non-empty paths, a positive
// pid.
func (e *FileEvent) Valid() bool {
	return e.Action.Valid() &&
		e.EventPath != "" &&
		e.ProcessPath != "" &&
		e.PID > 0
}
