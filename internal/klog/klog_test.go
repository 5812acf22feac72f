package klog

import (
	"bytes"
	"context"
	"log/slog"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T, buf *bytes.Buffer, json bool) *slog.Logger {
	t.Helper()
	h := slog.NewTextHandler(buf, &slog.HandlerOptions{Level: LevelTrace, ReplaceAttr: replaceAttr})
	if json {
		h = slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: LevelTrace, ReplaceAttr: replaceAttr})
	}
	return slog.New(h)
}

func TestSeverityNamesReplaceLevelKey(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, false)

	Trace(context.Background(), l, "hello")

	require.Regexp(t, regexp.MustCompile(`severity=TRACE`), buf.String())
	assert.NotContains(t, buf.String(), "level=")
}

func TestEachSeverityMapsToItsName(t *testing.T) {
	cases := []struct {
		level slog.Level
		want  string
		log   func(l *slog.Logger, msg string)
	}{
		{LevelTrace, "TRACE", func(l *slog.Logger, msg string) { Trace(context.Background(), l, msg) }},
		{LevelDebug, "DEBUG", func(l *slog.Logger, msg string) { l.Debug(msg) }},
		{LevelInfo, "INFO", func(l *slog.Logger, msg string) { l.Info(msg) }},
		{LevelWarning, "WARNING", func(l *slog.Logger, msg string) { Warning(context.Background(), l, msg) }},
		{LevelError, "ERROR", func(l *slog.Logger, msg string) { l.Error(msg) }},
	}

	for _, c := range cases {
		var buf bytes.Buffer
		l := newTestLogger(t, &buf, false)
		c.log(l, "msg")
		assert.Contains(t, buf.String(), "severity="+c.want, "level %v", c.level)
	}
}

func TestJSONHandlerAlsoRenamesSeverity(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, true)

	l.Info("hello")

	assert.Contains(t, buf.String(), `"severity":"INFO"`)
	assert.NotContains(t, buf.String(), `"level"`)
}

func TestNewDefaultsToStderrTextInfo(t *testing.T) {
	l := New(Options{})
	require.NotNil(t, l)
	assert.False(t, l.Enabled(context.Background(), LevelDebug))
	assert.True(t, l.Enabled(context.Background(), LevelInfo))
}

func TestNewWithRotateFileBuildsLumberjackSink(t *testing.T) {
	dir := t.TempDir()
	l := New(Options{RotateFile: dir + "/kernel.log", Level: LevelTrace})
	require.NotNil(t, l)
	l.Info("rotate me")
}
