package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBuffered(t *testing.T, cfg Config) (*Logger, *bytes.Buffer) {
	t.Helper()
	output := &bytes.Buffer{}
	cfg.writer = output
	l, err := New(&cfg)
	require.NoError(t, err)
	return l, output
}

func decodeLines(t *testing.T, output *bytes.Buffer) []map[string]any {
	t.Helper()
	var entries []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(output.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		entries = append(entries, entry)
	}
	return entries
}

func TestNew_JSONLevels(t *testing.T) {
	tests := []struct {
		level    string
		wantMsgs []string
	}{
		{level: "debug", wantMsgs: []string{"debug", "info", "warn", "error"}},
		{level: "info", wantMsgs: []string{"info", "warn", "error"}},
		{level: "WARN", wantMsgs: []string{"warn", "error"}},
		{level: "error", wantMsgs: []string{"error"}},
		{level: "bogus", wantMsgs: []string{"info", "warn", "error"}},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			l, output := newBuffered(t, Config{Level: tt.level, Format: "json"})
			l.Debug("debug")
			l.Info("info")
			l.Warn("warn")
			l.Error("error")

			var got []string
			for _, e := range decodeLines(t, output) {
				got = append(got, e["msg"].(string))
			}
			assert.Equal(t, tt.wantMsgs, got)
		})
	}
}

func TestNew_Console(t *testing.T) {
	l, output := newBuffered(t, Config{Level: "info", Format: "console", NoColor: true})
	l.Info("job claimed", slog.String("job_id", "j1"))

	assert.Contains(t, output.String(), "INF")
	assert.Contains(t, output.String(), "job claimed")
	assert.Contains(t, output.String(), "job_id=j1")
	assert.NotContains(t, output.String(), "\x1b[")
}

func TestNew_ServiceAndSource(t *testing.T) {
	l, output := newBuffered(t, Config{Format: "json", Service: "adgen-worker", EnableSource: true})
	l.Info("started")

	entries := decodeLines(t, output)
	require.Len(t, entries, 1)
	assert.Equal(t, "adgen-worker", entries[0]["service"])
	assert.Contains(t, entries[0], "source")
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "service.log")

	l, err := New(&Config{Format: "json", Output: path})
	require.NoError(t, err)
	l.Info("to file")
	require.NoError(t, l.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "to file")
}

func TestNew_FileOutputError(t *testing.T) {
	_, err := New(&Config{Output: filepath.Join(t.TempDir(), "missing", "dir", "x.log")})
	assert.Error(t, err)
}

func TestLogger_Derivations(t *testing.T) {
	l, output := newBuffered(t, Config{Format: "json"})

	l.WithGroup("job").Info("grouped", slog.String("id", "j1"))
	l.WithAttrs(slog.String("worker_id", "w1")).Info("attrs")
	l.With("owner_id", "u1").Info("args")

	entries := decodeLines(t, output)
	require.Len(t, entries, 3)
	assert.Equal(t, "j1", entries[0]["job"].(map[string]any)["id"])
	assert.Equal(t, "w1", entries[1]["worker_id"])
	assert.Equal(t, "u1", entries[2]["owner_id"])
}

func TestNewDefault(t *testing.T) {
	l := NewDefault()
	require.NotNil(t, l.Logger)
	assert.NoError(t, l.Close())
}
