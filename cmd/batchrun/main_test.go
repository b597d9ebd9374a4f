package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/batchui/batchrun/internal/model"
)

func TestLogConfigErrors(t *testing.T) {
	t.Parallel()
	_, err := model.LoadConfig(strings.NewReader("store:\n  driver: mysql\n"))
	require.Error(t, err)

	var buf bytes.Buffer
	logConfigErrors(slog.New(slog.NewJSONHandler(&buf, nil)), err)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, len(model.CueErrDetails(err)))
	for _, line := range lines {
		var record struct {
			Level  string         `json:"level"`
			Msg    string         `json:"msg"`
			Detail map[string]any `json:"detail"`
		}
		require.NoError(t, json.Unmarshal([]byte(line), &record))
		require.Equal(t, "ERROR", record.Level)
		require.Equal(t, "invalid config", record.Msg)
		require.Contains(t, record.Detail, "message")
	}
	require.Contains(t, buf.String(), "driver")
}
