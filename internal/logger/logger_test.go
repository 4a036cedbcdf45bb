package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capture(t *testing.T, lvl, format string) *bytes.Buffer {
	t.Helper()
	buf := new(bytes.Buffer)
	InitWithWriter(buf, lvl, format)
	t.Cleanup(func() { InitWithWriter(os.Stdout, "info", "text") })
	return buf
}

func TestLevelFiltering(t *testing.T) {
	buf := capture(t, "warn", "text")

	Debug("debug message")
	Info("info message")
	Warn("warn message")
	Error("error message")

	out := buf.String()
	assert.NotContains(t, out, "debug message")
	assert.NotContains(t, out, "info message")
	assert.Contains(t, out, "warn message")
	assert.Contains(t, out, "error message")
}

func TestJSONFormat(t *testing.T) {
	buf := capture(t, "info", "json")

	Info("task admitted", KeyURL, "https://example.com", KeyConfidence, 0.7)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "task admitted", rec["msg"])
	assert.Equal(t, "https://example.com", rec[KeyURL])
}

func TestSetLevelIgnoresUnknown(t *testing.T) {
	buf := capture(t, "info", "text")
	SetLevel("verbose")
	Info("still info")
	assert.Contains(t, buf.String(), "still info")
	assert.False(t, DebugEnabled())
}

func TestRateLimited(t *testing.T) {
	buf := capture(t, "info", "text")

	now := time.Unix(1_700_000_000, 0)
	rl := NewRateLimited(time.Minute)
	rl.now = func() time.Time { return now }

	rl.Warn("queue full")
	rl.Warn("queue full")
	rl.Warn("queue full")
	assert.Equal(t, 1, strings.Count(buf.String(), "queue full"))

	now = now.Add(2 * time.Minute)
	rl.Warn("queue full")
	assert.Equal(t, 2, strings.Count(buf.String(), "queue full"))
	assert.Contains(t, buf.String(), "suppressed=2")
}

func TestInitFileOutput(t *testing.T) {
	path := t.TempDir() + "/prefetchd.log"
	require.NoError(t, Init(Config{Level: "debug", Format: "text", Output: path}))
	t.Cleanup(func() { InitWithWriter(os.Stdout, "info", "text") })

	Debug("to file")
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "to file")
}
