package runner

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/batchui/batchrun/internal/model"
)

// oneShot is a detached interpreter process running a single script file.
// It is started without a context, so the caller's cancellation never
// reaches the child.
type oneShot struct {
	cmd    *exec.Cmd
	stdout *os.File
	stderr *os.File

	done    chan struct{}
	waitErr error

	killOnce  sync.Once
	closeOnce sync.Once
}

func startOneShot(proto Command, scriptPath, workDir string) (*oneShot, error) {
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		_ = outR.Close()
		_ = outW.Close()
		return nil, err
	}

	args := append(append([]string(nil), proto.Args...), scriptPath)
	cmd := exec.Command(proto.Path, args...)
	cmd.Dir = workDir
	cmd.Stdout = outW
	cmd.Stderr = errW
	detach(cmd)

	startErr := cmd.Start()
	// the child owns the write ends now
	_ = outW.Close()
	_ = errW.Close()
	if startErr != nil {
		_ = outR.Close()
		_ = errR.Close()
		return nil, startErr
	}

	h := &oneShot{
		cmd:    cmd,
		stdout: outR,
		stderr: errR,
		done:   make(chan struct{}),
	}
	go h.wait()
	return h, nil
}

func (h *oneShot) wait() {
	h.waitErr = h.cmd.Wait()
	close(h.done)
}

func (h *oneShot) Kind() model.Kind  { return model.KindBatch }
func (h *oneShot) PID() int          { return h.cmd.Process.Pid }
func (h *oneShot) Stdout() io.Reader { return h.stdout }
func (h *oneShot) Stderr() io.Reader { return h.stderr }

// Wait waits for the process to exit and releases the stream read ends.
func (h *oneShot) Wait() error {
	<-h.done
	h.closeStreams()
	return exitResult(h.waitErr)
}

func (h *oneShot) Kill() error {
	select {
	case <-h.done:
		return nil
	default:
	}
	var err error
	h.killOnce.Do(func() {
		err = killGroup(h.PID())
		if err != nil && errors.Is(err, os.ErrProcessDone) {
			err = nil
		}
		// grandchildren may keep the pipes open
		h.closeStreams()
	})
	return err
}

func (h *oneShot) closeStreams() {
	h.closeOnce.Do(func() {
		_ = h.stdout.Close()
		_ = h.stderr.Close()
	})
}
