// Package listener decodes generic-netlink frames from the kernel module
// into fsevent.FileEvent values, maintaining the single in-flight
// dentry/process-info pairing the wire protocol requires. It plays the role
// event_listener.c's event_handler plays in the original daemon.
package listener

import (
	"errors"
	"fmt"

	"github.com/linuxdeepin/anything-logger/internal/fsevent"
	"github.com/linuxdeepin/anything-logger/internal/genetlink"
	"github.com/linuxdeepin/anything-logger/internal/proclog"
	"go.uber.org/zap"
)

const (
	cmdNotify            = 1
	cmdNotifyProcessInfo = 2

	attrAction = 1
	attrCookie = 2
	attrMajor  = 3
	attrMinor  = 4
	attrPath   = 5
	attrUID    = 6
	attrTGID   = 7
)

var framePolicy = genetlink.Policy{
	attrAction: genetlink.TypeU8,
	attrCookie: genetlink.TypeU32,
	attrMajor:  genetlink.TypeU16,
	attrMinor:  genetlink.TypeU8,
	attrPath:   genetlink.TypeString,
	attrUID:    genetlink.TypeU32,
	attrTGID:   genetlink.TypeI32,
}

// ErrMissingAttr names the condition of a required attribute being absent
// from a frame. ReadOne does not return it: such frames are logged at debug
// level and skipped, like any other frame-level decode problem.
var ErrMissingAttr = errors.New("listener: missing required attribute")

// Socket is the subset of genetlink.Socket the listener needs, so tests can
// supply a fake.
type Socket interface {
	Recv(genetlink.Policy) ([]genetlink.Message, error)
}

// Listener decodes frames from sock and hands completed events to onEvent.
// It is not safe for concurrent use: spec.md assumes a single reader on the
// main loop.
type Listener struct {
	sock    Socket
	mask    uint32
	log     *zap.Logger
	onEvent func(fsevent.FileEvent)

	partial    fsevent.FileEvent
	inFlight   bool
}

// New returns a Listener that decodes frames from sock, applies mask to
// filter actions between NOTIFY and NOTIFY_PROCESS_INFO, and calls onEvent
// for every accepted, fully-formed event.
func New(sock Socket, log *zap.Logger, onEvent func(fsevent.FileEvent)) *Listener {
	return &Listener{
		sock:    sock,
		mask:    fsevent.DefaultMask,
		log:     log,
		onEvent: onEvent,
	}
}

// SetMask updates the action mask applied between NOTIFY and
// NOTIFY_PROCESS_INFO. Safe to call from the main loop between ReadOne
// calls (the main loop is single-threaded, per spec).
func (l *Listener) SetMask(mask uint32) {
	l.mask = mask
}

// ReadOne blocks for one datagram, decodes every message in it, and updates
// listener state, invoking onEvent once for each event those messages
// complete. It returns a non-nil error only for a
// socket-level failure; frame-level decode problems are logged and
// swallowed so the caller's main loop keeps running.
func (l *Listener) ReadOne() error {
	msgs, err := l.sock.Recv(framePolicy)
	if err != nil {
		return fmt.Errorf("listener: recv: %w", err)
	}
	for _, msg := range msgs {
		l.handle(msg)
	}
	return nil
}

func (l *Listener) handle(msg genetlink.Message) {
	switch msg.Command {
	case cmdNotify:
		l.handleNotify(msg)
	case cmdNotifyProcessInfo:
		l.handleProcessInfo(msg)
	default:
		l.log.Warn("listener: unknown command", zap.Uint8("command", msg.Command))
	}
}

func (l *Listener) handleNotify(msg genetlink.Message) {
	action, okAction := msg.Attrs[attrAction]
	cookie, okCookie := msg.Attrs[attrCookie]
	major, okMajor := msg.Attrs[attrMajor]
	minor, okMinor := msg.Attrs[attrMinor]
	path, okPath := msg.Attrs[attrPath]
	if !okAction || !okCookie || !okMajor || !okMinor || !okPath {
		l.log.Debug("listener: NOTIFY frame missing required attribute")
		return
	}

	if l.inFlight {
		l.log.Debug("listener: discarding unpaired partial event (merge or overflow)",
			zap.String("action", fsevent.Action(l.partial.Action).Name()),
			zap.String("path", l.partial.EventPath))
	}

	l.partial = fsevent.FileEvent{
		Action: fsevent.Action(action.U8),
		Cookie: cookie.U32,
		Device: fsevent.Device{Major: major.U16, Minor: minor.U8},
		EventPath: path.Str,
	}
	l.inFlight = true
}

func (l *Listener) handleProcessInfo(msg genetlink.Message) {
	if !l.inFlight {
		l.log.Debug("listener: discarding orphan process-info (no partial in flight)")
		return
	}

	uid, okUID := msg.Attrs[attrUID]
	tgid, okTGID := msg.Attrs[attrTGID]
	path, okPath := msg.Attrs[attrPath]

	ev := l.partial
	l.inFlight = false

	if !okUID || !okTGID || !okPath {
		l.log.Debug("listener: NOTIFY_PROCESS_INFO frame missing required attribute")
		return
	}

	if !ev.Action.InMask(l.mask) {
		l.log.Debug("listener: event masked out",
			zap.String("action", ev.Action.Name()),
			zap.String("path", ev.EventPath),
			zap.String("user", proclog.UsernameForUID(uid.U32)))
		return
	}

	ev.UID = uid.U32
	ev.PID = tgid.I32
	ev.ProcessPath = path.Str

	if !ev.Valid() {
		l.log.Warn("listener: discarding invalid event",
			zap.String("action", ev.Action.Name()),
			zap.String("path", ev.EventPath),
			zap.Int32("pid", ev.PID))
		return
	}

	l.onEvent(ev)
}
