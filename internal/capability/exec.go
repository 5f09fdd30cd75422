package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"github.com/mattjoyce/cascade/internal/log"
	"github.com/mattjoyce/cascade/internal/protocol"
)

const (
	// maxStderrBytes caps the amount of stderr captured from a
	// capability process.
	maxStderrBytes = 64 * 1024

	// terminationGracePeriod is the time we wait after SIGTERM before
	// sending SIGKILL.
	terminationGracePeriod = 5 * time.Second
)

// Exec invokes a capability by spawning a subprocess: the request
// envelope goes to stdin, the response envelope comes back on stdout.
type Exec struct {
	entrypoint string
	args       []string
	logger     *slog.Logger
}

// NewExec creates a subprocess-backed capability.
func NewExec(entrypoint string, args ...string) *Exec {
	return &Exec{
		entrypoint: entrypoint,
		args:       args,
		logger:     log.WithComponent("capability"),
	}
}

// Invoke runs the capability process under the request timeout. Timeout
// and process failures surface as *CallError so the retry controller
// can absorb them.
func (e *Exec) Invoke(ctx context.Context, req Request) (json.RawMessage, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	env := &protocol.Request{
		Protocol:   1,
		RunID:      req.RunID,
		TaskID:     req.TaskID,
		Kind:       req.Kind,
		Input:      req.Input,
		DeadlineAt: time.Now().UTC().Add(timeout),
	}

	resp, stderr, err := e.spawn(ctx, env, timeout)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// run cancellation, not a stage failure
			return nil, err
		}
		kind := CallTransport
		if errors.Is(err, context.DeadlineExceeded) {
			kind = CallTimeout
		}
		if len(stderr) > 0 {
			e.logger.Debug("capability stderr", "task_id", req.TaskID, "stderr", stderr)
		}
		return nil, &CallError{Kind: kind, TaskID: req.TaskID, Message: err.Error()}
	}

	for _, entry := range resp.Logs {
		e.logger.Info("capability log", "task_id", req.TaskID, "level", entry.Level, "message", entry.Message)
	}

	if resp.Status == "error" {
		return nil, &CallError{
			Kind:    CallCapability,
			TaskID:  req.TaskID,
			Message: resp.Error,
			NoRetry: !resp.ShouldRetry(),
		}
	}

	return resp.Payload, nil
}

// spawn runs the process, writes the request to stdin, and reads the
// response from stdout. On timeout it escalates SIGTERM to SIGKILL.
func (e *Exec) spawn(ctx context.Context, env *protocol.Request, timeout time.Duration) (*protocol.Response, string, error) {
	timeoutTimer := time.NewTimer(timeout)
	defer timeoutTimer.Stop()

	// Termination is managed here, not by CommandContext, so the
	// process gets a graceful SIGTERM first.
	cmd := exec.Command(e.entrypoint, e.args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, "", fmt.Errorf("create stdin pipe: %w", err)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	e.logger.Debug("spawning capability", "entrypoint", e.entrypoint, "task_id", env.TaskID, "timeout", timeout)

	if err := cmd.Start(); err != nil {
		return nil, "", fmt.Errorf("start process: %w", err)
	}

	writeErr := make(chan error, 1)
	go func() {
		defer stdin.Close()
		writeErr <- protocol.EncodeRequest(stdin, env)
	}()

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	select {
	case <-ctx.Done():
		e.terminate(cmd, waitErr, env.TaskID)
		return nil, truncateStderr(stderr.String()), ctx.Err()

	case <-timeoutTimer.C:
		e.logger.Warn("capability timed out, sending SIGTERM", "task_id", env.TaskID, "timeout", timeout)
		e.terminate(cmd, waitErr, env.TaskID)
		return nil, truncateStderr(stderr.String()), context.DeadlineExceeded

	case err := <-waitErr:
		if werr := <-writeErr; werr != nil {
			return nil, truncateStderr(stderr.String()), fmt.Errorf("encode request: %w", werr)
		}

		stderrStr := truncateStderr(stderr.String())

		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				e.logger.Warn("capability exited with non-zero status", "task_id", env.TaskID, "exit_code", exitErr.ExitCode())
			} else {
				return nil, stderrStr, fmt.Errorf("wait for process: %w", err)
			}
		}

		resp, rawBytes, err := protocol.DecodeResponse(bytes.NewReader(stdout.Bytes()))
		if err != nil {
			e.logger.Error("failed to decode capability response", "task_id", env.TaskID, "error", err, "stdout", string(rawBytes))
			return nil, stderrStr, fmt.Errorf("decode response: %w", err)
		}

		return resp, stderrStr, nil
	}
}

func (e *Exec) terminate(cmd *exec.Cmd, waitErr chan error, taskID string) {
	if cmd.Process == nil {
		return
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		e.logger.Error("failed to send SIGTERM", "task_id", taskID, "error", err)
	}

	grace := time.NewTimer(terminationGracePeriod)
	defer grace.Stop()

	select {
	case <-waitErr:
		e.logger.Debug("capability exited after SIGTERM", "task_id", taskID)
	case <-grace.C:
		e.logger.Warn("capability did not exit after SIGTERM, sending SIGKILL", "task_id", taskID)
		if err := cmd.Process.Kill(); err != nil {
			e.logger.Error("failed to send SIGKILL", "task_id", taskID, "error", err)
		}
		<-waitErr
	}
}

func truncateStderr(s string) string {
	if len(s) > maxStderrBytes {
		return s[:maxStderrBytes]
	}
	return s
}
