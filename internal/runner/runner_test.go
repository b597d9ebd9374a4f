package runner_test

import (
	"bytes"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/batchui/batchrun/internal/model"
	"github.com/batchui/batchrun/internal/runner"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestOneShot(t *testing.T) {
	t.Parallel()
	requireUnix(t)

	var testCases = []struct {
		scenario string
		script   string
		stdout   string
		stderr   string
		status   int
	}{
		{
			scenario: "exit 0",
			script:   "echo hello\necho warn 1>&2\nexit 0\n",
			stdout:   "hello\n",
			stderr:   "warn\n",
		},
		{
			scenario: "exit 3",
			script:   "echo PROGRESS: 10\nexit 3\n",
			stdout:   "PROGRESS: 10\n",
			status:   3,
		},
	}

	r := runner.New(runner.Config{})
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			path := writeScript(t, dir, "job.sh", tc.script)

			h, err := r.Start(t.Context(), model.KindBatch, path, dir)
			require.NoError(t, err)
			require.Equal(t, model.KindBatch, h.Kind())
			require.Positive(t, h.PID())

			stdout, stderr := drain(h)
			err = h.Wait()
			require.Equal(t, tc.stdout, stdout)
			require.Equal(t, tc.stderr, stderr)
			if tc.status == 0 {
				require.NoError(t, err)
				return
			}
			var invErr *runner.InvocationError
			require.ErrorAs(t, err, &invErr)
			require.Equal(t, tc.status, invErr.Status)
		})
	}
}

func TestOneShot_Kill(t *testing.T) {
	t.Parallel()
	requireUnix(t)
	dir := t.TempDir()
	path := writeScript(t, dir, "sleep.sh", "echo started\nsleep 30\necho never\n")

	r := runner.New(runner.Config{})
	h, err := r.Start(t.Context(), model.KindBatch, path, dir)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var stdout, stderr string
	wg.Add(1)
	go func() {
		defer wg.Done()
		stdout, stderr = drain(h)
	}()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, h.Kill())
	require.NoError(t, h.Kill())

	start := time.Now()
	wg.Wait()
	err = h.Wait()
	require.Error(t, err)
	require.Less(t, time.Since(start), 5*time.Second)
	require.NotContains(t, stdout, "never")
	require.Empty(t, stderr)
	require.Eventually(t, func() bool { return !runner.Alive(h.PID()) }, 2*time.Second, 20*time.Millisecond)

	// exited handle
	require.NoError(t, h.Kill())
}

func TestStart_Errors(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	r := runner.New(runner.Config{})
	_, err := r.Start(t.Context(), model.KindBatch, filepath.Join(dir, "missing.sh"), dir)
	require.ErrorIs(t, err, model.ErrScriptFileMissing)

	_, err = r.Start(t.Context(), model.KindBash, dir, dir)
	require.ErrorIs(t, err, model.ErrScriptFileMissing)

	path := writeScript(t, dir, "ok.sh", "exit 0\n")
	broken := runner.New(runner.Config{
		Batch: runner.Command{Path: filepath.Join(dir, "no-such-interpreter")},
		Bash:  runner.Command{Path: filepath.Join(dir, "no-such-bash")},
	})
	_, err = broken.Start(t.Context(), model.KindBatch, path, dir)
	require.ErrorIs(t, err, model.ErrSpawnFailed)
	_, err = broken.Start(t.Context(), model.KindBash, path, dir)
	require.ErrorIs(t, err, model.ErrSpawnFailed)
}

func TestBashSession(t *testing.T) {
	t.Parallel()
	requireUnix(t)
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skipf("skipped, binary bash not available: %v", err)
	}

	var testCases = []struct {
		scenario string
		script   string
		stdout   string
		stderr   string
		status   int
	}{
		{
			scenario: "success",
			script:   "echo 'PROGRESS: 42'\necho oops >&2\ntrue",
			stdout:   "PROGRESS: 42\n",
			stderr:   "oops\n",
		},
		{
			scenario: "last command failed",
			script:   "echo before\nfalse\n",
			stdout:   "before\n",
			status:   1,
		},
		{
			scenario: "explicit exit",
			script:   "echo bye\nexit 5\n",
			stdout:   "bye\n",
			status:   5,
		},
		{
			scenario: "no output",
			script:   "",
		},
	}

	r := runner.New(runner.Config{})
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			path := writeScript(t, dir, "job.sh", tc.script)

			h, err := r.Start(t.Context(), model.KindBash, path, dir)
			require.NoError(t, err)
			require.Equal(t, model.KindBash, h.Kind())

			stdout, stderr := drain(h)
			err = h.Wait()
			require.Equal(t, tc.stdout, stdout)
			require.Equal(t, tc.stderr, stderr)
			if tc.status == 0 {
				require.NoError(t, err)
				return
			}
			var invErr *runner.InvocationError
			require.ErrorAs(t, err, &invErr)
			require.Equal(t, tc.status, invErr.Status)
		})
	}
}

func TestBashSession_Kill(t *testing.T) {
	t.Parallel()
	requireUnix(t)
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skipf("skipped, binary bash not available: %v", err)
	}
	dir := t.TempDir()
	path := writeScript(t, dir, "sleep.sh", "trap '' INT\nsleep 30\n")

	r := runner.New(runner.Config{KillGrace: 200 * time.Millisecond})
	h, err := r.Start(t.Context(), model.KindBash, path, dir)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, h.Kill())
	drain(h)

	start := time.Now()
	err = h.Wait()
	require.ErrorIs(t, err, runner.ErrKilled)
	require.Less(t, time.Since(start), 5*time.Second)
	require.NoError(t, h.Kill())
}

func TestConfigFrom(t *testing.T) {
	t.Parallel()
	cfg := runner.ConfigFrom(model.Interpreters{
		Bash: &model.Interpreter{Path: "/opt/bash", Args: []string{"-s"}},
	}, 0)
	require.Equal(t, runner.Command{Path: "/opt/bash", Args: []string{"-s"}}, cfg.Bash)
	require.Equal(t, runner.DefaultConfig().Batch, cfg.Batch)
	require.Equal(t, runner.DefaultConfig().PowerShell, cfg.PowerShell)
	require.Equal(t, runner.DefaultKillGrace, cfg.KillGrace)
}

func TestIsClosed(t *testing.T) {
	t.Parallel()
	require.True(t, runner.IsClosed(io.EOF))
	require.True(t, runner.IsClosed(os.ErrClosed))
	require.True(t, runner.IsClosed(io.ErrClosedPipe))
	require.False(t, runner.IsClosed(io.ErrUnexpectedEOF))
}

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("skipped, unix shell scripts")
	}
}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

func drain(h runner.Handle) (string, string) {
	var stdout, stderr bytes.Buffer
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(&stdout, h.Stdout())
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(&stderr, h.Stderr())
	}()
	wg.Wait()
	return stdout.String(), stderr.String()
}
