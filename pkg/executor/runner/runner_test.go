package runner

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestShellRunnerCompletesWithinTimeout(t *testing.T) {
	r := NewShellRunner()
	outcome := r.Run(context.Background(), "echo hello", 5)

	require.Empty(t, outcome.SpawnError)
	require.False(t, outcome.TerminatedByTimeout)
	require.NotNil(t, outcome.ExitCode)
	require.Equal(t, 0, *outcome.ExitCode)
	require.Equal(t, "hello\n", outcome.Stdout)
}

func TestShellRunnerGracefulSIGTERMStopsBeforeHardKill(t *testing.T) {
	// plain `sleep` terminates on SIGTERM without needing SIGKILL, so this
	// exercises the first branch of terminateAndWait: the process exits
	// inside the grace window and the timer never fires.
	r := NewShellRunner()
	start := time.Now()
	outcome := r.Run(context.Background(), "sleep 10", 1)
	elapsed := time.Since(start)

	require.True(t, outcome.TerminatedByTimeout)
	require.Less(t, elapsed, terminationGrace,
		"a command that honors SIGTERM should not need the hard-kill grace window")
}

func TestShellRunnerSIGKILLAfterGraceWindow(t *testing.T) {
	// trap away SIGTERM so the runner must fall through to SIGKILL once
	// terminationGrace elapses.
	r := NewShellRunner()
	start := time.Now()
	outcome := r.Run(context.Background(), "trap '' TERM; sleep 10", 1)
	elapsed := time.Since(start)

	require.True(t, outcome.TerminatedByTimeout)
	require.GreaterOrEqual(t, elapsed, terminationGrace,
		"a SIGTERM-ignoring command must wait out the full grace window before SIGKILL")
	// A SIGKILLed process reports as an ExitError with no real exit code
	// (exec.ExitError.ExitCode returns -1 for a signal-terminated process).
	require.NotNil(t, outcome.ExitCode)
	require.NotEqual(t, 0, *outcome.ExitCode)
}

func TestShellRunnerExternalCancellationIsNotATimeout(t *testing.T) {
	r := NewShellRunner()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	var outcome struct {
		TerminatedByTimeout bool
	}
	go func() {
		o := r.Run(ctx, "sleep 10", 30)
		outcome.TerminatedByTimeout = o.TerminatedByTimeout
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not return after context cancellation")
	}
	require.False(t, outcome.TerminatedByTimeout,
		"a context cancellation is not a configured-timeout kill")
}

func TestShellRunnerTruncatesLargeOutputAtCap(t *testing.T) {
	r := NewShellRunner()
	// emit a little more than outputCap bytes of stdout; well under a typical
	// shell timeout so this does not race the 1s/2s timing tests above.
	outcome := r.Run(context.Background(), "head -c 1100000 /dev/zero | tr '\\0' 'x'", 10)

	require.NotNil(t, outcome.ExitCode)
	require.Equal(t, 0, *outcome.ExitCode)
	require.True(t, strings.HasSuffix(outcome.Stdout, truncationMarker))
	require.Equal(t, outputCap+len(truncationMarker), len(outcome.Stdout))
}

func TestCappedBufferTruncatesAtBoundary(t *testing.T) {
	buf := newCappedBuffer(8)

	n, err := buf.Write([]byte("1234"))
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, "1234", buf.String())

	// this write crosses the 8-byte cap: 4 more bytes fit, the rest is
	// dropped and the marker appended exactly once.
	n, err = buf.Write([]byte("5678extra"))
	require.NoError(t, err)
	require.Equal(t, 9, n) // Write always reports the full length to its caller
	require.Equal(t, "12345678"+truncationMarker, buf.String())

	// further writes are silently dropped once truncated.
	_, err = buf.Write([]byte("more"))
	require.NoError(t, err)
	require.Equal(t, "12345678"+truncationMarker, buf.String())
}
