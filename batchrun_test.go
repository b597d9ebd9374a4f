package batchrun_test

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var (
	batchrunPath string

	// tmpDir is a function used to create a tempdir
	// -test.keepdir flag says test to use os.MkdirTemp
	// default is t.TempDir, which will be cleaned up
	tmpDir func(t *testing.T) string
)

func TestMain(m *testing.M) {
	var keepTestDir bool
	flag.BoolVar(&keepTestDir, "test.keepdir", false, "use os.TempDir instead of t.TempDir to keep test artifacts")

	flag.Parse()

	if testing.Short() {
		slog.Warn("integration tests with -short are ignored")
		os.Exit(0)
	}
	if runtime.GOOS == "windows" {
		slog.Warn("integration tests use posix shell scripts")
		os.Exit(0)
	}

	if !keepTestDir {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			return t.TempDir()
		}
	} else {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			dir, err := os.MkdirTemp("", t.Name()+"*")
			require.NoError(t, err)
			t.Logf("TEMPDIR %s: -test.keepdir used, so it won't be automatically deleted", dir)
			return dir
		}
	}

	if !isExecutable("batchrun-ci") {
		slog.Warn("cannot locate batchrun-ci binary, integration tests are ignored: run go build -race -cover -covermode=atomic -o batchrun-ci ./cmd/batchrun/ first")
		os.Exit(0)
	}

	var err error
	batchrunPath, err = filepath.Abs("batchrun-ci")
	if err != nil {
		slog.Error("can't get abspath for batchrun-ci", "error", err)
		os.Exit(1)
	}
	coverDir, err := filepath.Abs("coverage")
	if err != nil {
		slog.Error("can't get value for GOCOVERDIR for batchrun-ci", "error", err)
		os.Exit(1)
	}
	if err := rmRfMkdirp(coverDir); err != nil {
		slog.Error("can't reset GOCOVERDIR for batchrun-ci", "error", err, "coverdir", coverDir)
		os.Exit(1)
	}
	if err := os.Setenv("GOCOVERDIR", coverDir); err != nil {
		slog.Error("can't set GOCOVERDIR env variable", "error", err)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

const config = `
version: 0
service:
    verbose: true
    log: batchrun.log
store:
    driver: sqlite
    dsn: %s
logs:
    dir: %s
retention:
    enabled: false
    retention_days: 30
`

func TestBatchrun(t *testing.T) {
	dir := tmpDir(t)
	configPath := filepath.Join(dir, "batchrun.yaml")
	creat(t, configPath, fmt.Appendf(nil, config,
		filepath.Join(dir, "runs.db"),
		filepath.Join(dir, "logs"),
	))
	script := filepath.Join(dir, "nightly.sh")
	creat(t, script, []byte("echo PROGRESS: 40\necho hello\necho oops 1>&2\n"))
	failing := filepath.Join(dir, "broken.sh")
	creat(t, failing, []byte("echo about to fail\nexit 3\n"))

	batchrun := func(t *testing.T, args ...string) (string, string, error) {
		t.Helper()
		ctx, cancel := context.WithTimeout(t.Context(), 60*time.Second)
		defer cancel()
		var stdout, stderr bytes.Buffer
		cmd := exec.CommandContext(ctx, batchrunPath, append([]string{"--config", configPath}, args...)...)
		cmd.Dir = dir
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		err := cmd.Run()
		return stdout.String(), stderr.String(), err
	}

	t.Run("run", func(t *testing.T) {
		stdout, stderr, err := batchrun(t, "run", "--kind", "batch", script)
		if err != nil {
			t.Logf("%s", stderr)
			require.NoError(t, err)
		}
		require.Contains(t, stdout, "hello")
		require.Contains(t, stderr, "completed")
	})

	t.Run("run failed", func(t *testing.T) {
		_, stderr, err := batchrun(t, "run", "--kind", "batch", "--script-id", "broken", failing)
		require.Error(t, err)
		var exitErr *exec.ExitError
		require.ErrorAs(t, err, &exitErr)
		require.Equal(t, 1, exitErr.ExitCode())
		_ = stderr
	})

	var runID string
	t.Run("runs list", func(t *testing.T) {
		stdout, stderr, err := batchrun(t, "runs", "list", "--script-id", "nightly")
		require.NoError(t, err, stderr)
		lines := strings.Split(strings.TrimSpace(stdout), "\n")
		require.Len(t, lines, 3, stdout)
		require.Contains(t, lines[1], "completed")
		require.Contains(t, lines[1], "100%")
		runID = strings.Fields(lines[1])[0]
	})

	t.Run("runs get", func(t *testing.T) {
		require.NotEmpty(t, runID)
		stdout, stderr, err := batchrun(t, "runs", "get", runID)
		require.NoError(t, err, stderr)
		var run struct {
			ID     string
			Status string
			Log    string
		}
		require.NoError(t, json.Unmarshal([]byte(stdout), &run))
		require.Equal(t, runID, run.ID)
		require.Equal(t, "completed", run.Status)
		require.Contains(t, run.Log, "hello")
		require.Contains(t, run.Log, "oops")
	})

	t.Run("runs stats", func(t *testing.T) {
		stdout, stderr, err := batchrun(t, "runs", "stats")
		require.NoError(t, err, stderr)
		var stats struct {
			Total    int
			ByStatus map[string]int
		}
		require.NoError(t, json.Unmarshal([]byte(stdout), &stats))
		require.Equal(t, 2, stats.Total)
		require.Equal(t, 1, stats.ByStatus["completed"])
		require.Equal(t, 1, stats.ByStatus["failed"])
	})

	t.Run("sweep", func(t *testing.T) {
		stdout, stderr, err := batchrun(t, "sweep", "--dry-run", "--days", "0", "--status", "failed")
		require.NoError(t, err, stderr)
		var summary struct {
			DryRun    bool
			TotalRuns int
			Deleted   int
		}
		require.NoError(t, json.Unmarshal([]byte(stdout), &summary))
		require.True(t, summary.DryRun)
		require.Equal(t, 1, summary.TotalRuns)
		require.Equal(t, 0, summary.Deleted)

		stdout, stderr, err = batchrun(t, "sweep", "--days", "0", "--status", "failed")
		require.NoError(t, err, stderr)
		require.NoError(t, json.Unmarshal([]byte(stdout), &summary))
		require.False(t, summary.DryRun)
		require.Equal(t, 1, summary.Deleted)
	})

	t.Run("runs delete", func(t *testing.T) {
		require.NotEmpty(t, runID)
		stdout, stderr, err := batchrun(t, "runs", "delete", runID)
		require.NoError(t, err, stderr)
		require.Contains(t, stdout, "deleted 1 of 1 runs")

		_, _, err = batchrun(t, "runs", "get", runID)
		require.Error(t, err)
	})
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().Perm()&0111 != 0
}

func rmRfMkdirp(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return nil
}

func creat(t *testing.T, path string, content []byte) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, f.Close())
	}()
	_, err = f.Write(content)
	require.NoError(t, err)
	err = f.Sync()
	require.NoError(t, err)
}
