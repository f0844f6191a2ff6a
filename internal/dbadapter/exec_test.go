package dbadapter

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTailBufferKeepsTail(t *testing.T) {
	tail := &tailBuffer{}

	_, err := tail.Write([]byte("short"))
	require.NoError(t, err)
	assert.Equal(t, "short", tail.String())

	big := strings.Repeat("x", stderrTailLimit) + "END"
	_, err = tail.Write([]byte(big))
	require.NoError(t, err)
	assert.Len(t, tail.String(), stderrTailLimit)
	assert.True(t, strings.HasSuffix(tail.String(), "END"))
}

func TestDumpErrorMessage(t *testing.T) {
	withTail := &DumpError{Tool: "pg_dump", Code: 1, StderrTail: "connection refused"}
	assert.Contains(t, withTail.Error(), "pg_dump")
	assert.Contains(t, withTail.Error(), "code 1")
	assert.Contains(t, withTail.Error(), "connection refused")

	bare := &DumpError{Tool: "mysqldump", Code: 2}
	assert.Contains(t, bare.Error(), "mysqldump")
	assert.NotContains(t, bare.Error(), ": $")
}

func TestRunToolCapturesExitAndStderr(t *testing.T) {
	var out bytes.Buffer
	err := runTool(context.Background(), &out, nil, nil, "sh", "-c", "echo data; echo oops >&2; exit 3")
	require.Error(t, err)

	var dumpErr *DumpError
	require.ErrorAs(t, err, &dumpErr)
	assert.Equal(t, "sh", dumpErr.Tool)
	assert.Equal(t, 3, dumpErr.Code)
	assert.Contains(t, dumpErr.StderrTail, "oops")
	assert.Equal(t, "data\n", out.String())
}

func TestRunToolStreamsStdin(t *testing.T) {
	var out bytes.Buffer
	err := runTool(context.Background(), &out, strings.NewReader("hello\n"), nil, "cat")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", out.String())
}

func TestRunToolExtraEnv(t *testing.T) {
	var out bytes.Buffer
	err := runTool(context.Background(), &out, nil, []string{"DBKEEP_TEST_VAR=injected"}, "sh", "-c", "printf %s \"$DBKEEP_TEST_VAR\"")
	require.NoError(t, err)
	assert.Equal(t, "injected", out.String())
}

func TestRunToolCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := runTool(ctx, &bytes.Buffer{}, nil, nil, "sleep", "10")
	require.ErrorIs(t, err, context.Canceled)
}

func TestFirstAvailable(t *testing.T) {
	assert.Equal(t, "sh", firstAvailable("definitely-not-a-binary-xyz", "sh"))
	assert.Equal(t, "also-missing", firstAvailable("definitely-not-a-binary-xyz", "also-missing"))
}

func TestCountingWriter(t *testing.T) {
	var sink bytes.Buffer
	cw := &countingWriter{w: &sink}

	n, err := cw.Write([]byte("12345"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	_, err = cw.Write([]byte("678"))
	require.NoError(t, err)
	assert.Equal(t, int64(8), cw.n)
	assert.Equal(t, "12345678", sink.String())
}
