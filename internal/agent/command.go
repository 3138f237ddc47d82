package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const maxOutputBytes = 1 << 20 // 1 MiB

// Command wraps an external CLI agent (for example `claude -p`) in
// non-interactive pipe mode: the prompt goes in on stdin, the answer comes
// back on stdout.
type Command struct {
	bin     string
	args    []string
	timeout time.Duration
}

var _ Agent = (*Command)(nil)

// NewCommand builds a CLI-backed agent. timeout <= 0 means no intrinsic
// timeout beyond the caller's context.
func NewCommand(bin string, args []string, timeout time.Duration) *Command {
	return &Command{bin: bin, args: args, timeout: timeout}
}

// Available reports whether the configured binary is on PATH.
func (c *Command) Available() bool {
	_, err := exec.LookPath(c.bin)
	return err == nil
}

func (c *Command) Execute(ctx context.Context, req Request) (*Response, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.bin, c.args...)
	cmd.Stdin = strings.NewReader(req.Prompt)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("agent command exited %d: %s", exitErr.ExitCode(), firstLine(stderr.String()))
		}
		return nil, fmt.Errorf("agent command run: %w", err)
	}

	out := stdout.String()
	if len(out) > maxOutputBytes {
		out = out[:maxOutputBytes]
	}
	return &Response{Text: strings.TrimSpace(out)}, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
