package logbuf

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func TestBufferEvictsOldest(t *testing.T) {
	b := New(3)
	base := time.Now()
	for i, msg := range []string{"one", "two", "three", "four"} {
		b.Append(Entry{Time: base.Add(time.Duration(i) * time.Second), Level: "INFO", Message: msg})
	}

	if b.Len() != 3 {
		t.Fatalf("Len = %d, want 3", b.Len())
	}
	entries := b.Query(time.Time{}, slog.LevelDebug, 0)
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	if entries[0].Message != "two" || entries[2].Message != "four" {
		t.Errorf("oldest = %q newest = %q, want two/four", entries[0].Message, entries[2].Message)
	}
}

func TestQueryFilters(t *testing.T) {
	b := New(10)
	base := time.Now()
	b.Append(Entry{Time: base, Level: "DEBUG", Message: "noise"})
	b.Append(Entry{Time: base.Add(time.Second), Level: "WARN", Message: "drift"})
	b.Append(Entry{Time: base.Add(2 * time.Second), Level: "ERROR", Message: "broke"})

	got := b.Query(time.Time{}, slog.LevelWarn, 0)
	if len(got) != 2 {
		t.Fatalf("level filter: %d entries, want 2", len(got))
	}

	got = b.Query(base.Add(2*time.Second), slog.LevelDebug, 0)
	if len(got) != 1 || got[0].Message != "broke" {
		t.Fatalf("since filter: %+v", got)
	}

	got = b.Query(time.Time{}, slog.LevelDebug, 1)
	if len(got) != 1 || got[0].Message != "broke" {
		t.Fatalf("limit keeps newest: %+v", got)
	}
}

func TestHandlerCaptures(t *testing.T) {
	buf := New(16)
	inner := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError})
	logger := slog.New(NewHandler(inner, buf))

	logger.Info("assignment committed", "conversation", "conv-1")
	logger.With("agent", "agent-1").Warn("slow greeting")

	entries := buf.Query(time.Time{}, slog.LevelDebug, 0)
	if len(entries) != 2 {
		t.Fatalf("captured = %d, want 2 (inner level must not gate the buffer)", len(entries))
	}
	if entries[0].Attrs["conversation"] != "conv-1" {
		t.Errorf("attrs = %v", entries[0].Attrs)
	}
	if entries[1].Attrs["agent"] != "agent-1" {
		t.Errorf("bound attrs = %v", entries[1].Attrs)
	}
}

func TestHandlerGroups(t *testing.T) {
	buf := New(4)
	logger := slog.New(NewHandler(slog.NewTextHandler(io.Discard, nil), buf))

	logger.WithGroup("queue").Info("repaired", "entries", 3)

	entries := buf.Query(time.Time{}, slog.LevelDebug, 0)
	if len(entries) != 1 {
		t.Fatalf("captured = %d, want 1", len(entries))
	}
	if entries[0].Attrs["queue.entries"] != int64(3) {
		t.Errorf("grouped attrs = %v", entries[0].Attrs)
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("debug") != slog.LevelDebug || ParseLevel("ERROR") != slog.LevelError {
		t.Error("known levels not parsed")
	}
	if ParseLevel("bogus") != slog.LevelInfo {
		t.Error("unknown level should default to info")
	}
}
