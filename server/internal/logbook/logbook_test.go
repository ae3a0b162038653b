package logbook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogbookSeparatesInfoAndErrors(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	book := New(zap.New(core))

	book.Info("Script ready.")
	book.Warn("Maximum buffer size exceeded. Current: 101")
	book.Error("Failed to open database.")
	book.Debug("no link element found")

	info := book.Lines(LevelInfo)
	require.Len(t, info, 1)
	require.Equal(t, "Script ready.", info[0].Text)

	errs := book.Lines(LevelError)
	require.Len(t, errs, 2)
	require.Equal(t, "Failed to open database.", errs[1].Text)

	// debug 只进控制台
	require.Equal(t, 4, logs.Len())
	require.Equal(t, zap.WarnLevel, logs.All()[1].Level)
}

func TestLogbookLinesReturnsCopy(t *testing.T) {
	book := New(nil)
	book.Info("a")

	lines := book.Lines(LevelInfo)
	lines[0].Text = "mutated"

	require.Equal(t, "a", book.Lines(LevelInfo)[0].Text)
}

func TestLogbookSubscribe(t *testing.T) {
	book := New(nil)
	ch, cancel := book.Subscribe()
	defer cancel()

	book.Error("boom")

	select {
	case line := <-ch:
		require.Equal(t, LevelError, line.Level)
		require.Equal(t, "boom", line.Text)
	case <-time.After(time.Second):
		t.Fatal("expected line on subscriber channel")
	}
}

func TestLogbookCancelIsIdempotent(t *testing.T) {
	book := New(nil)
	_, cancel := book.Subscribe()
	cancel()
	cancel()

	// 取消后写入不能 panic
	book.Info("after cancel")
}

func TestLogbookReplayThenFollow(t *testing.T) {
	book := New(nil)
	book.Info("one")
	book.Warn("two")

	backlog, ch, cancel := book.Replay()
	defer cancel()
	require.Len(t, backlog, 2)
	require.Equal(t, "one", backlog[0].Text)
	require.Equal(t, LevelError, backlog[1].Level)

	book.Info("three")
	select {
	case line := <-ch:
		require.Equal(t, "three", line.Text)
	case <-time.After(time.Second):
		t.Fatal("expected live line after replay")
	}
}
