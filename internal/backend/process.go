package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// waitDelay bounds how long Wait blocks on inherited pipes after a kill.
const waitDelay = 5 * time.Second

// invocation describes one process spawn.
type invocation struct {
	binary  string
	args    []string
	stdin   string
	dir     string
	timeout time.Duration
	prepare func(*exec.Cmd) // Optional environment tweaks
}

// run spawns the process in its own process group and waits for it. When the
// deadline passes the whole group is killed and the Execution reports
// TimedOut. Partial output collected before the kill is kept for artifacts
// but is never treated as a result.
func run(ctx context.Context, inv invocation) (*Execution, error) {
	if inv.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inv.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, inv.binary, inv.args...)
	cmd.Dir = inv.dir
	if inv.stdin != "" {
		cmd.Stdin = strings.NewReader(inv.stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay
	if inv.prepare != nil {
		inv.prepare(cmd)
	}
	killProcessGroupOnCancel(cmd)

	start := time.Now()
	err := cmd.Run()
	result := &Execution{
		Output:   stdout.Bytes(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		result.ExitCode = -1
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			result.TimedOut = true
			return result, nil
		}
		return result, fmt.Errorf("%s: %w", inv.binary, ctxErr)
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		result.ExitCode = -1
		return result, fmt.Errorf("failed to run %s: %w", inv.binary, err)
	}
	return result, nil
}
