// Package execproc is a processor backend that runs one subprocess per job.
// The request is written to the child's stdin as a protocol.Request and the
// child answers with a single protocol.Response on stdout.
package execproc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/mattjoyce/darkroom/internal/config"
	"github.com/mattjoyce/darkroom/internal/job"
	"github.com/mattjoyce/darkroom/internal/log"
	"github.com/mattjoyce/darkroom/internal/processor"
	"github.com/mattjoyce/darkroom/internal/protocol"
)

// Output beyond these limits is discarded while the child runs.
const (
	maxStdoutBytes = 1 << 20
	maxStderrBytes = 64 * 1024
)

// cappedBuffer keeps the first max bytes written and drops the rest. It
// never reports a short write, so the child is not killed by SIGPIPE.
type cappedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.max - b.buf.Len(); room < len(p) {
		b.truncated = true
		if room > 0 {
			b.buf.Write(p[:room])
		}
		return len(p), nil
	}
	return b.buf.Write(p)
}

// Backend spawns cfg.Command for every submitted job.
type Backend struct {
	cfg    config.ProcessorConfig
	logger *slog.Logger
}

func New(cfg config.ProcessorConfig) *Backend {
	return &Backend{cfg: cfg, logger: log.WithComponent("execproc")}
}

// Connect checks that the processor binary is runnable and returns a
// session for userID.
func (b *Backend) Connect(ctx context.Context, userID string) (processor.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := exec.LookPath(b.cfg.Command); err != nil {
		return nil, fmt.Errorf("%w: %v", job.ErrResourceUnavailable, err)
	}
	b.logger.Debug("session opened", "user_id", userID, "command", b.cfg.Command)
	return &session{
		backend: b,
		userID:  userID,
		logger:  b.logger.With("user_id", userID),
		runs:    make(map[string]*run),
		done:    make(chan struct{}),
	}, nil
}

// run is one child process. It owns its job's slot in session.runs from
// reservation until it exits or is interrupted, whichever comes first.
type run struct {
	cmd         *exec.Cmd
	exited      chan struct{}
	started     bool
	interrupted bool
}

type session struct {
	backend *Backend
	userID  string
	logger  *slog.Logger

	mu     sync.Mutex
	runs   map[string]*run
	closed bool

	done      chan struct{}
	closeOnce sync.Once
}

func (s *session) Submit(ctx context.Context, req processor.Request, cb processor.Callback) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cfg := s.backend.cfg
	// Not CommandContext: termination is managed by Interrupt.
	cmd := exec.Command(cfg.Command, cfg.Args...)
	// Own process group so signals reach helpers the processor forks.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = cfg.GracePeriod
	if len(cfg.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout := &cappedBuffer{max: maxStdoutBytes}
	stderr := &cappedBuffer{max: maxStderrBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	r := &run{cmd: cmd, exited: make(chan struct{})}
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		_ = stdin.Close()
		return fmt.Errorf("%w: session closed", job.ErrResourceUnavailable)
	case s.runs[req.JobID] != nil:
		s.mu.Unlock()
		_ = stdin.Close()
		return fmt.Errorf("%w: job %s is still running", job.ErrResourceUnavailable, req.JobID)
	}
	s.runs[req.JobID] = r
	s.mu.Unlock()

	if err := cmd.Start(); err != nil {
		s.release(req.JobID, r)
		return fmt.Errorf("start process: %w", err)
	}

	s.mu.Lock()
	r.started = true
	cancelled := r.interrupted
	s.mu.Unlock()

	logger := s.logger.With("job_id", req.JobID)
	logger.Debug("processor spawned", "pid", cmd.Process.Pid, "mode", req.Mode.String())
	if cancelled {
		s.terminate(req.JobID, r)
	}

	wire := &protocol.Request{
		Protocol:    protocol.Version,
		JobID:       req.JobID,
		UserID:      req.UserID,
		Mode:        wireMode(req.Mode),
		Source:      req.Payload.Source,
		Destination: req.Payload.Destination,
		Metadata:    req.Payload.Metadata,
		DeadlineAt:  req.Deadline,
	}

	writeErr := make(chan error, 1)
	go func() {
		defer stdin.Close()
		writeErr <- protocol.EncodeRequest(stdin, wire)
	}()

	go func() {
		waitErr := cmd.Wait()
		close(r.exited)

		s.mu.Lock()
		interrupted := r.interrupted
		s.mu.Unlock()
		s.release(req.JobID, r)

		if interrupted {
			logger.Debug("processor interrupted")
			return
		}
		if stdout.truncated || stderr.truncated {
			logger.Warn("processor output truncated", "stdout_truncated", stdout.truncated, "stderr_truncated", stderr.truncated)
		}
		out := s.outcome(logger, req.JobID, waitErr, <-writeErr, stdout.buf.Bytes(), stderr.buf.String())
		cb(out)
	}()
	return nil
}

// release frees jobID's slot if r still holds it.
func (s *session) release(jobID string, r *run) {
	s.mu.Lock()
	if s.runs[jobID] == r {
		delete(s.runs, jobID)
	}
	s.mu.Unlock()
}

func (s *session) outcome(logger *slog.Logger, jobID string, waitErr, writeErr error, stdout []byte, stderr string) processor.Outcome {
	out := processor.Outcome{JobID: jobID}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			out.Err = fmt.Errorf("wait for process: %w", waitErr)
			return out
		}
		logger.Warn("processor exited with non-zero status", "exit_code", exitErr.ExitCode(), "stderr", stderr)
	}
	if writeErr != nil {
		out.Err = fmt.Errorf("encode request: %w", writeErr)
		return out
	}

	resp, raw, err := protocol.DecodeResponseLenient(bytes.NewReader(stdout))
	if err != nil {
		logger.Error("failed to decode processor response", "error", err, "stdout", string(raw))
		out.Err = &job.ProcessingError{Code: "protocol", Retriable: true, Msg: err.Error()}
		return out
	}

	for _, entry := range resp.Logs {
		logger.Info("processor log", "level", entry.Level, "message", entry.Message)
	}

	if resp.Status == "error" {
		out.Err = &job.ProcessingError{Code: resp.Code, Retriable: resp.ShouldRetry(), Msg: resp.Error}
		return out
	}
	out.Result = resp.Result
	return out
}

// Interrupt sends SIGTERM and escalates to SIGKILL after the grace period.
// The job's slot is freed at once, so it may be submitted again while the
// old process is still exiting.
func (s *session) Interrupt(jobID string) {
	s.mu.Lock()
	r, ok := s.runs[jobID]
	started := false
	if ok {
		r.interrupted = true
		started = r.started
		delete(s.runs, jobID)
	}
	s.mu.Unlock()
	if started {
		s.terminate(jobID, r)
	}
}

func (s *session) terminate(jobID string, r *run) {
	logger := s.logger.With("job_id", jobID)
	pgid := -r.cmd.Process.Pid
	if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil {
		logger.Debug("failed to send SIGTERM", "error", err)
	}

	grace := s.backend.cfg.GracePeriod
	go func() {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-r.exited:
		case <-timer.C:
			logger.Warn("processor did not exit after SIGTERM, sending SIGKILL")
			if err := syscall.Kill(pgid, syscall.SIGKILL); err != nil {
				logger.Error("failed to send SIGKILL", "error", err)
			}
		}
	}()
}

func (s *session) Done() <-chan struct{} { return s.done }

// Close interrupts every running job and marks the session dead.
func (s *session) Close() error {
	s.mu.Lock()
	s.closed = true
	runs := make(map[string]*run, len(s.runs))
	for id, r := range s.runs {
		r.interrupted = true
		if r.started {
			runs[id] = r
		}
	}
	s.runs = make(map[string]*run)
	s.mu.Unlock()

	for id, r := range runs {
		s.terminate(id, r)
	}
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

func wireMode(m processor.Mode) string {
	if m == processor.ModePerformance {
		return protocol.ModePerformance
	}
	return protocol.ModeLoadBalanced
}
