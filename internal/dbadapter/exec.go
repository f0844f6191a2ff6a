package dbadapter

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// stderrTailLimit bounds how much engine stderr is kept for error reporting.
const stderrTailLimit = 4096

// DumpError carries the exit code and the tail of stderr of a failed engine
// tool invocation. The tail ends up in the run's error message and detail.
type DumpError struct {
	Tool       string
	Code       int
	StderrTail string
}

func (e *DumpError) Error() string {
	if e.StderrTail == "" {
		return fmt.Sprintf("dbadapter: %s exited with code %d", e.Tool, e.Code)
	}
	return fmt.Sprintf("dbadapter: %s exited with code %d: %s", e.Tool, e.Code, e.StderrTail)
}

// tailBuffer keeps the last stderrTailLimit bytes written to it.
type tailBuffer struct {
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > stderrTailLimit {
		t.buf = t.buf[len(t.buf)-stderrTailLimit:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.buf) }

// runTool executes an engine binary, streaming stdin/stdout, and converts a
// non-zero exit into a DumpError with the stderr tail attached. extraEnv
// entries are appended to the inherited environment (engine passwords go
// through env vars, never argv, so they don't leak into process listings).
func runTool(ctx context.Context, stdout io.Writer, stdin io.Reader, extraEnv []string, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), extraEnv...)
	cmd.Stdin = stdin
	cmd.Stdout = stdout

	tail := &tailBuffer{}
	cmd.Stderr = tail

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			return &DumpError{Tool: name, Code: exitErr.ExitCode(), StderrTail: tail.String()}
		}
		return fmt.Errorf("dbadapter: run %s: %w", name, err)
	}
	return nil
}

// firstAvailable returns the first binary found in PATH, or the last
// candidate when none resolve (the eventual exec error names the tool).
func firstAvailable(candidates ...string) string {
	for _, c := range candidates {
		if _, err := exec.LookPath(c); err == nil {
			return c
		}
	}
	return candidates[len(candidates)-1]
}

// countingWriter counts bytes passed through to the underlying writer.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
