package process_test

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/airdrop-runtime/internal/process"
	"github.com/devrev/airdrop-runtime/logger"
)

// TestMain lets the test binary re-exec itself as the worker subprocess
// under test, branching on TEST_MAIN the same way the supervisor would
// invoke a real connector worker.
func TestMain(m *testing.M) {
	switch os.Getenv("TEST_MAIN") {
	case "output":
		fmt.Fprintf(os.Stdout, "llamas1\n")
		fmt.Fprintf(os.Stderr, "alpacas1\n")
		fmt.Fprintf(os.Stdout, "llamas2\n")
		fmt.Fprintf(os.Stderr, "alpacas2\n")
		os.Exit(0)

	case "tester-no-handler":
		fmt.Println("Ready")
		time.Sleep(10 * time.Second)
		os.Exit(0)

	case "tester-signal":
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
		fmt.Println("Ready")
		fmt.Printf("SIG %v", <-signals)
		os.Exit(0)

	case "tester-slow-handler":
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
		go func() {
			<-signals
			time.Sleep(10 * time.Second)
			os.Exit(0)
		}()
		fmt.Println("Ready")
		time.Sleep(15 * time.Second)
		os.Exit(0)

	default:
		os.Exit(m.Run())
	}
}

func TestProcessOutput(t *testing.T) {
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}

	p := process.New(logger.Discard, process.Config{
		Path:   os.Args[0],
		Env:    []string{"TEST_MAIN=output"},
		Stdout: stdout,
		Stderr: stderr,
	})

	err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "llamas1\nllamas2\n", stdout.String())
	assert.Equal(t, "alpacas1\nalpacas2\n", stderr.String())
	assert.Equal(t, 0, p.WaitStatus().ExitStatus())
}

func TestProcessInput(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("tr isn't available on windows")
	}

	stdout := &bytes.Buffer{}

	p := process.New(logger.Discard, process.Config{
		Path:   "tr",
		Args:   []string{"hw", "HW"},
		Stdin:  strings.NewReader("hello world"),
		Stdout: stdout,
	})

	err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Hello World", stdout.String())
}

func TestProcessInterruptsOnContextCancel(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("signal delivery differs on windows")
	}

	stdout := &bytes.Buffer{}
	ctx, cancel := context.WithCancel(context.Background())

	p := process.New(logger.Discard, process.Config{
		Path:              os.Args[0],
		Env:               []string{"TEST_MAIN=tester-signal"},
		Stdout:            stdout,
		InterruptSignal:   process.SIGTERM,
		SignalGracePeriod: 2 * time.Second,
	})

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		return strings.Contains(stdout.String(), "Ready")
	}, time.Second, 10*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("process did not exit after interrupt")
	}

	assert.Contains(t, stdout.String(), "SIG terminated")
}

func TestProcessEscalatesToKillWhenUnhandled(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("signal delivery differs on windows")
	}

	stdout := &bytes.Buffer{}
	ctx, cancel := context.WithCancel(context.Background())

	p := process.New(logger.Discard, process.Config{
		Path:              os.Args[0],
		Env:               []string{"TEST_MAIN=tester-no-handler"},
		Stdout:            stdout,
		InterruptSignal:   process.SIGTERM,
		SignalGracePeriod: 200 * time.Millisecond,
	})

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		return strings.Contains(stdout.String(), "Ready")
	}, time.Second, 10*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("process did not exit after escalation to SIGKILL")
	}

	assert.True(t, p.WaitStatus().Signaled())
	assert.Equal(t, process.SIGKILL, process.Signal(p.WaitStatus().Signal()))
}

func TestSignalString(t *testing.T) {
	for _, row := range []struct {
		s process.Signal
		n string
	}{
		{process.SIGINT, "SIGINT"},
		{process.SIGKILL, "SIGKILL"},
		{process.SIGTERM, "SIGTERM"},
		{process.Signal(100), "100"},
	} {
		assert.Equal(t, row.n, row.s.String())
	}
}
