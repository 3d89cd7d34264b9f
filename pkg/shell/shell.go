package shell

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"
)

// Result captures what an external tool produced.
type Result struct {
	Stdout []byte
	Stderr []byte
	Code   int
}

var ErrTimeout = errors.New("command timed out")

// Runner is the capability every disk-touching component depends on.
// The production implementation invokes real tools; tests substitute a
// Fake so pipeline logic runs without hardware.
type Runner interface {
	Run(ctx context.Context, timeout time.Duration, name string, args ...string) (Result, error)
	// RunInput is Run with data written to the tool's stdin. Used for
	// passphrases so they never appear in argv or logs.
	RunInput(ctx context.Context, timeout time.Duration, stdin []byte, name string, args ...string) (Result, error)
}

// Local runs commands on the host with a fixed minimal environment.
type Local struct{}

func (Local) Run(ctx context.Context, timeout time.Duration, name string, args ...string) (Result, error) {
	return run(ctx, timeout, nil, name, args...)
}

func (Local) RunInput(ctx context.Context, timeout time.Duration, stdin []byte, name string, args ...string) (Result, error) {
	return run(ctx, timeout, stdin, name, args...)
}

func run(ctx context.Context, timeout time.Duration, stdin []byte, name string, args ...string) (Result, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, name, args...)
	cmd.Env = []string{"PATH=/usr/sbin:/usr/bin:/sbin:/bin", "LANG=C", "LC_ALL=C"}
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err := cmd.Run()
	res := Result{Stdout: outBuf.Bytes(), Stderr: errBuf.Bytes(), Code: exitCode(err)}
	if cctx.Err() == context.DeadlineExceeded {
		return res, ErrTimeout
	}
	return res, err
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}
