package log_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/batchui/batchrun/internal/log"
	"github.com/batchui/batchrun/internal/model"
	"github.com/stretchr/testify/require"
)

func TestContextAttrs(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := log.NewWriter(&buf, false)

	ctx := log.WithRun(t.Context(), "run-1", "backup")
	ctx2 := log.ContextAttrs(ctx, slog.Int("pid", 42))
	logger.InfoContext(ctx2, "started")
	logger.DebugContext(ctx2, "hidden")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "started", rec["msg"])
	require.Equal(t, "run-1", rec["run_id"])
	require.Equal(t, "backup", rec["script_id"])
	require.EqualValues(t, 42, rec["pid"])

	buf.Reset()
	logger.InfoContext(ctx, "parent")
	require.NotContains(t, buf.String(), "pid")
}

func TestWithAttrsKeepsContext(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := log.NewWriter(&buf, true).With("component", "engine")

	logger.DebugContext(log.WithRun(t.Context(), "r", "s"), "dbg")
	require.Contains(t, buf.String(), `"component":"engine"`)
	require.Contains(t, buf.String(), `"run_id":"r"`)
}

func TestFromConfig(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "batchrun.log")
	logger, closer, err := log.FromConfig(model.Service{Log: path})
	require.NoError(t, err)
	logger.Info("hello")
	require.NoError(t, closer())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(b), `"msg":"hello"`)

	_, closer, err = log.FromConfig(model.Service{Log: model.LogDiscard})
	require.NoError(t, err)
	require.NoError(t, closer())

	_, _, err = log.FromConfig(model.Service{Log: filepath.Join(t.TempDir(), "missing", "x.log")})
	require.Error(t, err)
}
