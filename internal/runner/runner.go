// Package runner spawns script interpreters and exposes their output
// streams. One-shot scripts are detached child processes, bash and
// PowerShell scripts are fed to a dedicated interpreter session.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/batchui/batchrun/internal/model"
)

const DefaultKillGrace = 2 * time.Second

// Handle is a started script.
type Handle interface {
	Kind() model.Kind
	PID() int
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the script finished. It returns nil on success and
	// *InvocationError on non-zero status. Drain Stdout and Stderr first.
	Wait() error
	// Kill terminates the script. Calling it more than once or on a
	// finished script is a no-op.
	Kill() error
}

// Command is an interpreter executable and its leading arguments.
type Command struct {
	Path string
	Args []string
}

func (c Command) isZero() bool {
	return c.Path == ""
}

// InvocationError reports a script which finished with non-zero status.
type InvocationError struct {
	Status int
	Err    error
}

func (e *InvocationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("script exited with status %d: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("script exited with status %d", e.Status)
}

func (e *InvocationError) Unwrap() error {
	return e.Err
}

var ErrKilled = errors.New("killed")

type Config struct {
	Batch      Command
	Bash       Command
	PowerShell Command
	// KillGrace is the time between the interrupt and the forced kill of
	// an interpreter session.
	KillGrace time.Duration
}

// ConfigFrom merges interpreter overrides with the platform defaults.
func ConfigFrom(in model.Interpreters, killGrace time.Duration) Config {
	cfg := DefaultConfig()
	if in.Batch != nil {
		cfg.Batch = Command{Path: in.Batch.Path, Args: in.Batch.Args}
	}
	if in.Bash != nil {
		cfg.Bash = Command{Path: in.Bash.Path, Args: in.Bash.Args}
	}
	if in.PowerShell != nil {
		cfg.PowerShell = Command{Path: in.PowerShell.Path, Args: in.PowerShell.Args}
	}
	if killGrace > 0 {
		cfg.KillGrace = killGrace
	}
	return cfg
}

func DefaultConfig() Config {
	return Config{
		Batch: defaultBatch,
		Bash: Command{
			Path: "bash",
			Args: []string{"--noprofile", "--norc", "-s"},
		},
		PowerShell: Command{
			Path: defaultPowerShell,
			Args: []string{"-NoLogo", "-NoProfile", "-NonInteractive", "-Command", "-"},
		},
		KillGrace: DefaultKillGrace,
	}
}

type Runner struct {
	cfg Config
}

func New(cfg Config) *Runner {
	dflt := DefaultConfig()
	if cfg.Batch.isZero() {
		cfg.Batch = dflt.Batch
	}
	if cfg.Bash.isZero() {
		cfg.Bash = dflt.Bash
	}
	if cfg.PowerShell.isZero() {
		cfg.PowerShell = dflt.PowerShell
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = dflt.KillGrace
	}
	return &Runner{cfg: cfg}
}

// Start spawns the interpreter for kind. It returns model.ErrScriptFileMissing
// when scriptPath can't be read and model.ErrSpawnFailed when the process
// can't be started.
func (r *Runner) Start(ctx context.Context, kind model.Kind, scriptPath, workDir string) (Handle, error) {
	info, err := os.Stat(scriptPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", model.ErrScriptFileMissing, scriptPath, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", model.ErrScriptFileMissing, scriptPath)
	}

	var h Handle
	switch kind {
	case model.KindBash, model.KindPowerShell:
		body, err := os.ReadFile(scriptPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", model.ErrScriptFileMissing, scriptPath, err)
		}
		proto := r.cfg.Bash
		if kind == model.KindPowerShell {
			proto = r.cfg.PowerShell
		}
		h, err = startSession(kind, proto, body, workDir, r.cfg.KillGrace)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", model.ErrSpawnFailed, proto.Path, err)
		}
	default:
		h, err = startOneShot(r.cfg.Batch, scriptPath, workDir)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", model.ErrSpawnFailed, r.cfg.Batch.Path, err)
		}
	}
	slog.DebugContext(ctx, "script started", "kind", h.Kind(), "pid", h.PID(), "path", scriptPath)
	return h, nil
}

// IsClosed reports whether err from a stream read means the stream is gone.
func IsClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.EIO)
}

// Alive reports whether a process with pid exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return alive(pid)
}

func exitResult(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &InvocationError{Status: exitErr.ExitCode(), Err: err}
	}
	return err
}
