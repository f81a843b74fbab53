// Package inference runs the external analysis process against a staged
// artifact and captures what it prints.
package inference

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/example/ai-diagnose/internal/diagnosis"
	"github.com/example/ai-diagnose/internal/logging"
)

const tracerName = "github.com/example/ai-diagnose/internal/inference"

// waitDelay bounds how long Wait keeps draining pipes after the process is
// killed, for grandchildren that inherited stdout.
const waitDelay = 2 * time.Second

// Config describes how to launch the collaborator.
type Config struct {
	// Command is the executable, resolved through PATH when not absolute.
	Command string
	// Args precede the staged path, which is always the last argument.
	Args []string
	// Timeout bounds the whole invocation, including waiting for a slot.
	Timeout time.Duration
	// MaxConcurrent caps simultaneous processes. Zero means unlimited.
	MaxConcurrent int
	// Dir is the working directory of the process; empty inherits ours.
	Dir string
}

// Invoker launches one collaborator process per call.
type Invoker struct {
	cfg    Config
	slots  *semaphore.Weighted
	logger *zap.Logger
}

// NewInvoker validates cfg and returns an Invoker.
func NewInvoker(cfg Config, logger *zap.Logger) (*Invoker, error) {
	if cfg.Command == "" {
		return nil, errors.New("inference command is required")
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("inference timeout must be positive, got %s", cfg.Timeout)
	}
	if cfg.MaxConcurrent < 0 {
		return nil, fmt.Errorf("inference max concurrency must not be negative, got %d", cfg.MaxConcurrent)
	}
	inv := &Invoker{cfg: cfg, logger: logger.Named("invoker")}
	if cfg.MaxConcurrent > 0 {
		inv.slots = semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	}
	return inv, nil
}

// Invoke runs the collaborator with path as its final argument and blocks
// until it exits or the timeout expires. On timeout the whole process group
// is killed. A non-zero exit status is not an error; it is recorded in the Outcome.
func (i *Invoker) Invoke(ctx context.Context, requestID, path string) (*diagnosis.Outcome, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "inference.invoke")
	defer span.End()
	span.SetAttributes(attribute.String("request_id", requestID), attribute.String("inference.command", i.cfg.Command))

	opLogger := logging.WithOperation(i.logger, "inference.invoke", requestID)

	ctx, cancel := context.WithTimeout(ctx, i.cfg.Timeout)
	defer cancel()

	if i.slots != nil {
		if err := i.slots.Acquire(ctx, 1); err != nil {
			span.SetStatus(codes.Error, "no inference slot")
			return nil, i.contextError(ctx, "inference.acquire_slot", err)
		}
		defer i.slots.Release(1)
	}

	args := make([]string, 0, len(i.cfg.Args)+1)
	args = append(args, i.cfg.Args...)
	args = append(args, path)

	cmd := exec.CommandContext(ctx, i.cfg.Command, args...)
	cmd.Dir = i.cfg.Dir
	cmd.WaitDelay = waitDelay
	configureProcessGroup(cmd)

	var stdout bytes.Buffer
	stderr := newLineLogger(opLogger)
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	started := time.Now()
	if err := cmd.Start(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "start failed")
		opLogger.Error("failed to start inference process", zap.String("command", i.cfg.Command), zap.Error(err))
		return nil, diagnosis.NewInvocationError("inference.start", err)
	}
	opLogger.Debug("inference process started", zap.Int("pid", cmd.Process.Pid))

	waitErr := cmd.Wait()
	stderr.Flush()
	elapsed := time.Since(started)

	if ctx.Err() != nil {
		span.SetStatus(codes.Error, "inference interrupted")
		opLogger.Error("inference process killed", zap.Duration("elapsed", elapsed), zap.Error(ctx.Err()))
		return nil, i.contextError(ctx, "inference.wait", ctx.Err())
	}

	exitCode := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			span.RecordError(waitErr)
			span.SetStatus(codes.Error, "wait failed")
			return nil, diagnosis.NewInvocationError("inference.wait", waitErr)
		}
		exitCode = exitErr.ExitCode()
		opLogger.Warn("inference process exited with non-zero status", zap.Int("exit_code", exitCode))
	}

	span.SetAttributes(attribute.Int("inference.exit_code", exitCode), attribute.Int("inference.stdout_bytes", stdout.Len()))
	opLogger.Info("inference process finished",
		zap.Int("exit_code", exitCode),
		zap.Int("stdout_bytes", stdout.Len()),
		zap.Duration("elapsed", elapsed),
	)

	return &diagnosis.Outcome{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: exitCode,
		Duration: elapsed,
	}, nil
}

func (i *Invoker) contextError(ctx context.Context, op string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return diagnosis.NewTimeoutError(op, fmt.Errorf("no result within %s: %w", i.cfg.Timeout, err))
	}
	return diagnosis.NewInvocationError(op, err)
}
