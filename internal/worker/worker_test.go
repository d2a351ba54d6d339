package worker

import (
	"strings"
	"testing"

	"github.com/linuxdeepin/anything-logger/internal/fsevent"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fakeSink struct {
	lines []string
}

func (f *fakeSink) WriteLine(line string) error {
	f.lines = append(f.lines, line)
	return nil
}

func newTestWorker(t *testing.T, sink Sink) *Worker {
	t.Helper()
	w, err := New(16, sink, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return w
}

func TestEscapeCSV(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"a,b", `"a,b"`},
		{`has "quote"`, `"has ""quote"""`},
		{"line\nbreak", "\"line\nbreak\""},
	}
	for _, c := range cases {
		if got := escapeCSV(c.in); got != c.want {
			t.Errorf("escapeCSV(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestFormatSingleProducesSixFields(t *testing.T) {
	ev := fsevent.FileEvent{Action: fsevent.ActDelFile, EventPath: "/tmp/x", ProcessPath: "/bin/rm", UID: 1000, PID: 42}
	line := formatSingle(ev)
	if !strings.HasSuffix(line, "\n") {
		t.Fatal("expected CSV line to end in newline")
	}
	fields := strings.Split(strings.TrimSuffix(line, "\n"), ",")
	if len(fields) != 6 {
		t.Fatalf("expected 6 fields, got %d: %v", len(fields), fields)
	}
	if fields[4] != "file-deleted" {
		t.Errorf("expected action name file-deleted, got %q", fields[4])
	}
}

func TestFormatRenameProducesSevenFields(t *testing.T) {
	from := fsevent.FileEvent{Action: fsevent.ActRenameFromFile, EventPath: "/a", ProcessPath: "/bin/mv", UID: 1, PID: 2}
	to := fsevent.FileEvent{Action: fsevent.ActRenameToFile, EventPath: "/b"}
	line := formatRename(from, to)
	fields := strings.Split(strings.TrimSuffix(line, "\n"), ",")
	if len(fields) != 7 {
		t.Fatalf("expected 7 fields, got %d: %v", len(fields), fields)
	}
	if fields[4] != "file-renamed" || fields[5] != "/a" || fields[6] != "/b" {
		t.Errorf("unexpected rename CSV fields: %v", fields)
	}
}

func TestRenamePairingEmitsOneLine(t *testing.T) {
	sink := &fakeSink{}
	w := newTestWorker(t, sink)

	from := fsevent.FileEvent{Action: fsevent.ActRenameFromFile, Cookie: 7, EventPath: "/a", ProcessPath: "/bin/mv", PID: 1}
	to := fsevent.FileEvent{Action: fsevent.ActRenameToFile, Cookie: 7, EventPath: "/b", ProcessPath: "/bin/mv", PID: 1}

	w.process(from)
	if len(sink.lines) != 0 {
		t.Fatalf("from-half alone should not emit, got %v", sink.lines)
	}
	w.process(to)
	if len(sink.lines) != 1 {
		t.Fatalf("expected exactly one emitted line, got %d", len(sink.lines))
	}
	if !strings.Contains(sink.lines[0], "/a") || !strings.Contains(sink.lines[0], "/b") {
		t.Errorf("emitted rename line missing from/to path: %q", sink.lines[0])
	}
}

func TestOrphanRenameToIsDropped(t *testing.T) {
	sink := &fakeSink{}
	w := newTestWorker(t, sink)

	to := fsevent.FileEvent{Action: fsevent.ActRenameToFile, Cookie: 99, EventPath: "/b"}
	w.process(to)
	if len(sink.lines) != 0 {
		t.Fatalf("orphan rename-to should be dropped, got %v", sink.lines)
	}
}

func TestMismatchedRenamePairDropsBoth(t *testing.T) {
	sink := &fakeSink{}
	w := newTestWorker(t, sink)

	first := fsevent.FileEvent{Action: fsevent.ActRenameFromFile, Cookie: 5, EventPath: "/a"}
	second := fsevent.FileEvent{Action: fsevent.ActRenameFromFolder, Cookie: 5, EventPath: "/c"}
	w.process(first)
	w.process(second)
	if len(sink.lines) != 0 {
		t.Fatalf("mismatched pair kinds should drop both, got %v", sink.lines)
	}
}

func TestRunDrainsUntilTerminateSentinel(t *testing.T) {
	sink := &fakeSink{}
	w := newTestWorker(t, sink)

	go w.Run()

	ev := fsevent.FileEvent{Action: fsevent.ActDelFile, EventPath: "/x", ProcessPath: "/bin/rm", PID: 1}
	w.Push(ev)
	w.Stop()
	w.Wait()

	if len(sink.lines) != 1 {
		t.Fatalf("expected one line written before shutdown, got %d", len(sink.lines))
	}
}

func TestPendingEvictionLogsWarningUnderCapacityPressure(t *testing.T) {
	sink := &fakeSink{}
	core, logs := observer.New(zapcore.DebugLevel)
	w, err := newWithPendingCapacity(16, 1, sink, nil, zap.New(core))
	if err != nil {
		t.Fatalf("newWithPendingCapacity: %v", err)
	}

	first := fsevent.FileEvent{Action: fsevent.ActRenameFromFile, Cookie: 1, EventPath: "/a"}
	second := fsevent.FileEvent{Action: fsevent.ActRenameFromFile, Cookie: 2, EventPath: "/b"}
	w.process(first)
	w.process(second) // capacity 1: evicts cookie 1's pending entry

	entries := logs.FilterMessage("worker: evicting unpaired rename-from event under sustained load").All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one eviction warning, got %d", len(entries))
	}
	if entries[0].Level != zapcore.WarnLevel {
		t.Errorf("expected eviction to log at Warn level, got %v", entries[0].Level)
	}
}

func TestPairedRenameRemovalDoesNotLogEviction(t *testing.T) {
	sink := &fakeSink{}
	core, logs := observer.New(zapcore.DebugLevel)
	w, err := newWithPendingCapacity(16, 4, sink, nil, zap.New(core))
	if err != nil {
		t.Fatalf("newWithPendingCapacity: %v", err)
	}

	from := fsevent.FileEvent{Action: fsevent.ActRenameFromFile, Cookie: 7, EventPath: "/a", ProcessPath: "/bin/mv", PID: 1}
	to := fsevent.FileEvent{Action: fsevent.ActRenameToFile, Cookie: 7, EventPath: "/b", ProcessPath: "/bin/mv", PID: 1}
	w.process(from)
	w.process(to)

	entries := logs.FilterMessage("worker: evicting unpaired rename-from event under sustained load").All()
	if len(entries) != 0 {
		t.Fatalf("paired rename removal should not log as an eviction, got %d entries", len(entries))
	}
}

func TestPendingRenamesDroppedAtShutdown(t *testing.T) {
	sink := &fakeSink{}
	w := newTestWorker(t, sink)

	go w.Run()

	from := fsevent.FileEvent{Action: fsevent.ActRenameFromFile, Cookie: 1, EventPath: "/a"}
	w.Push(from)
	w.Stop()
	w.Wait()

	if len(sink.lines) != 0 {
		t.Fatalf("unpaired rename-from should not be emitted at shutdown, got %v", sink.lines)
	}
}
