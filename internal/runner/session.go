package runner

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/batchui/batchrun/internal/model"
)

const tokenLength = 16

const tokenAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// session feeds a script body to a long-lived interpreter reading commands
// from stdin. A trailer prints a completion token with the exit status to
// stdout and the bare token to stderr; the pumps strip both markers and
// end the exposed streams.
type session struct {
	kind      model.Kind
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	token     string
	killGrace time.Duration

	procOut *os.File
	procErr *os.File
	stdout  *io.PipeReader
	stderr  *io.PipeReader

	done    chan struct{}
	waitErr error

	resolved    chan struct{}
	resolveOnce sync.Once
	result      error

	killOnce sync.Once
}

func startSession(kind model.Kind, proto Command, body []byte, workDir string, killGrace time.Duration) (*session, error) {
	token := newToken()
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
	closeAll := func() {
		for _, f := range []*os.File{outR, outW, errR, errW} {
			_ = f.Close()
		}
	}

	cmd := exec.Command(proto.Path, proto.Args...)
	cmd.Dir = workDir
	cmd.Stdout = outW
	cmd.Stderr = errW
	detach(cmd)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		closeAll()
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		closeAll()
		return nil, err
	}
	_ = outW.Close()
	_ = errW.Close()

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	s := &session{
		kind:      kind,
		cmd:       cmd,
		stdin:     stdin,
		token:     token,
		killGrace: killGrace,
		procOut:   outR,
		procErr:   errR,
		stdout:    stdoutR,
		stderr:    stderrR,
		done:      make(chan struct{}),
		resolved:  make(chan struct{}),
	}

	go s.wait()
	go s.feed(body)
	go s.pumpStdout(stdoutW)
	go s.pumpStderr(stderrW)
	return s, nil
}

func newToken() string {
	buf := make([]byte, tokenLength)
	_, _ = rand.Read(buf)
	for i, b := range buf {
		buf[i] = tokenAlphabet[int(b)%len(tokenAlphabet)]
	}
	return string(buf)
}

func (s *session) trailer() string {
	if s.kind == model.KindPowerShell {
		return fmt.Sprintf(
			"\n$__code = if ($?) { 0 } elseif ($LASTEXITCODE) { $LASTEXITCODE } else { 1 }\n"+
				"[Console]::Out.WriteLine(\"%[1]s:$__code\")\n"+
				"[Console]::Error.WriteLine(\"%[1]s\")\n",
			s.token)
	}
	return fmt.Sprintf("\necho \"%[1]s:$?\"\necho %[1]s 1>&2\n", s.token)
}

func (s *session) wait() {
	s.waitErr = s.cmd.Wait()
	close(s.done)
}

// feed owns the interpreter stdin. Once the invocation resolved the
// session is disposed by asking the interpreter to exit.
func (s *session) feed(body []byte) {
	defer s.stdin.Close()
	if _, err := s.stdin.Write(body); err != nil {
		return
	}
	if _, err := io.WriteString(s.stdin, s.trailer()); err != nil {
		return
	}
	select {
	case <-s.resolved:
		_, _ = io.WriteString(s.stdin, "exit\n")
	case <-s.done:
	}
}

func (s *session) resolve(err error) {
	s.resolveOnce.Do(func() {
		s.result = err
		close(s.resolved)
	})
}

func (s *session) pumpStdout(w *io.PipeWriter) {
	defer s.procOut.Close()
	defer w.Close()
	marker := []byte(s.token + ":")
	rd := bufio.NewReader(s.procOut)
	forward := true
	for {
		line, err := rd.ReadBytes('\n')
		if len(line) > 0 && forward {
			if idx := bytes.Index(line, marker); idx >= 0 {
				if idx > 0 {
					_, _ = w.Write(line[:idx])
				}
				s.resolve(parseStatus(line[idx+len(marker):]))
				forward = false
				_ = w.Close()
			} else if _, werr := w.Write(line); werr != nil {
				forward = false
			}
		}
		if err != nil {
			break
		}
	}
	// the interpreter ended without printing the marker
	<-s.done
	s.resolve(exitResult(s.waitErr))
}

func (s *session) pumpStderr(w *io.PipeWriter) {
	defer s.procErr.Close()
	defer w.Close()
	rd := bufio.NewReader(s.procErr)
	forward := true
	for {
		line, err := rd.ReadBytes('\n')
		if len(line) > 0 && forward {
			if bytes.Equal(bytes.TrimSpace(line), []byte(s.token)) {
				forward = false
				_ = w.Close()
			} else if _, werr := w.Write(line); werr != nil {
				forward = false
			}
		}
		if err != nil {
			return
		}
	}
}

func parseStatus(b []byte) error {
	status, err := strconv.Atoi(string(bytes.TrimSpace(b)))
	if err != nil {
		return &InvocationError{Status: -1, Err: fmt.Errorf("malformed completion status %q", bytes.TrimSpace(b))}
	}
	if status == 0 {
		return nil
	}
	return &InvocationError{Status: status}
}

func (s *session) Kind() model.Kind  { return s.kind }
func (s *session) PID() int          { return s.cmd.Process.Pid }
func (s *session) Stdout() io.Reader { return s.stdout }
func (s *session) Stderr() io.Reader { return s.stderr }

// Wait returns the invocation result once the interpreter exited.
func (s *session) Wait() error {
	<-s.resolved
	<-s.done
	return s.result
}

// Kill interrupts the interpreter group, tears down the streams and forces
// the kill when the interpreter outlives the grace period.
func (s *session) Kill() error {
	select {
	case <-s.done:
		return nil
	default:
	}
	var err error
	s.killOnce.Do(func() {
		s.resolve(&InvocationError{Status: -1, Err: ErrKilled})
		err = interruptGroup(s.PID())
		_ = s.stdout.Close()
		_ = s.stderr.Close()
		_ = s.procOut.Close()
		_ = s.procErr.Close()
		go s.escalate()
	})
	return err
}

func (s *session) escalate() {
	timer := time.NewTimer(s.killGrace)
	defer timer.Stop()
	select {
	case <-s.done:
	case <-timer.C:
		_ = killGroup(s.PID())
	}
}
