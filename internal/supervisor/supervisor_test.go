package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/airdrop-runtime/internal/eventtypes"
	"github.com/devrev/airdrop-runtime/internal/httpclient"
	"github.com/devrev/airdrop-runtime/internal/logtransport"
	"github.com/devrev/airdrop-runtime/internal/model"
	"github.com/devrev/airdrop-runtime/logger"
)

// TestMain doubles this test binary as a fake worker process, following
// the same GO_WANT_HELPER_PROCESS re-exec idiom the agent's own tests use
// to exercise subprocess behavior without a separate build step.
func TestMain(m *testing.M) {
	switch os.Getenv("GO_WANT_HELPER_PROCESS") {
	case "":
		os.Exit(m.Run())
	case "clean-exit":
		helperReadStartFrame()
		os.Exit(0)
	case "emit-then-exit":
		helperReadStartFrame()
		fmt.Fprintln(os.Stdout, `{"kind":"emitted"}`)
		os.Exit(0)
	case "crash":
		helperReadStartFrame()
		os.Exit(1)
	case "hang-until-signaled":
		helperReadStartFrame()
		helperWaitForExitFrame()
		os.Exit(0)
	case "oom-stderr":
		helperReadStartFrame()
		fmt.Fprintln(os.Stderr, "fatal error: runtime: out of memory")
		// Never exits on its own, cooperatively or otherwise, forcing the
		// supervisor to escalate to a hard kill — the only way a real
		// SIGKILL (and hence Classify's OOM path) fires.
		select {}
	}
}

func helperReadStartFrame() {
	sc := bufio.NewScanner(os.Stdin)
	sc.Scan()
}

func helperWaitForExitFrame() {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		var f logtransport.Frame
		if json.Unmarshal(sc.Bytes(), &f) == nil && f.Kind == logtransport.KindExit {
			return
		}
	}
}

func testConfig(t *testing.T, mode string, callbackURL string) Config {
	t.Helper()
	c := httpclient.New(logger.Discard, "")
	c.RetrySleepFunc = func(time.Duration) {}
	return Config{
		WorkerPath:         os.Args[0],
		HTTP:               c,
		Logger:             logger.Discard,
		Deadline:           5 * time.Second,
		SignalGracePeriod:  200 * time.Millisecond,
		MemoryCeilingBytes: 0,
		RSSPollInterval:    10 * time.Millisecond,
	}
}

func withHelperEnv(t *testing.T, mode string) func() {
	t.Helper()
	require.NoError(t, os.Setenv("GO_WANT_HELPER_PROCESS", mode))
	return func() { os.Unsetenv("GO_WANT_HELPER_PROCESS") }
}

func sampleEvent(callbackURL string) model.AirdropEvent {
	return model.AirdropEvent{
		EventType: "StartExtractingExternalSyncUnits",
		EventContext: model.EventContext{
			CallbackURL:   callbackURL,
			WorkerDataURL: callbackURL,
		},
	}
}

func TestRunReportsCleanExitWithoutFault(t *testing.T) {
	var faultCalls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		faultCalls++
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	defer withHelperEnv(t, "clean-exit")()
	s := New(testConfig(t, "clean-exit", server.URL))

	result, err := s.Run(context.Background(), sampleEvent(server.URL))
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.False(t, result.WorkerEmitted)
	assert.False(t, result.FaultSent)
	assert.Equal(t, 0, faultCalls)
}

func TestRunDoesNotFaultWhenWorkerEmittedBeforeCrashing(t *testing.T) {
	var faultCalls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		faultCalls++
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	defer withHelperEnv(t, "emit-then-exit")()
	s := New(testConfig(t, "emit-then-exit", server.URL))

	result, err := s.Run(context.Background(), sampleEvent(server.URL))
	require.NoError(t, err)
	assert.True(t, result.WorkerEmitted)
	assert.False(t, result.FaultSent)
	assert.Equal(t, 0, faultCalls)
}

func TestRunSynthesizesFaultEventOnCrashWithoutEmit(t *testing.T) {
	var faultBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&faultBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	defer withHelperEnv(t, "crash")()
	s := New(testConfig(t, "crash", server.URL))

	result, err := s.Run(context.Background(), sampleEvent(server.URL))
	require.NoError(t, err)
	assert.False(t, result.WorkerEmitted)
	assert.True(t, result.FaultSent)
	require.NotNil(t, faultBody)

	want, ok := eventtypes.FaultEvent[eventtypes.StartExtractingExternalSyncUnits]
	require.True(t, ok)
	assert.Equal(t, eventtypes.OutgoingWireName(want, false), faultBody["event_type"])
}

func TestRunClassifiesOOMFromStderrSentinel(t *testing.T) {
	var faultBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&faultBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	defer withHelperEnv(t, "oom-stderr")()
	cfg := testConfig(t, "oom-stderr", server.URL)
	cfg.Deadline = 50 * time.Millisecond
	cfg.SignalGracePeriod = 100 * time.Millisecond
	s := New(cfg)

	result, err := s.Run(context.Background(), sampleEvent(server.URL))
	require.NoError(t, err)
	assert.True(t, result.OOM)
	require.NotNil(t, faultBody)
	data, _ := faultBody["event_data"].(map[string]any)
	errObj, _ := data["error"].(map[string]any)
	assert.Equal(t, eventtypes.FaultMessageForOOM, errObj["message"])
}

func TestRunSignalsExitFrameOnDeadlineAndWorkerExitsCleanly(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	defer withHelperEnv(t, "hang-until-signaled")()
	cfg := testConfig(t, "hang-until-signaled", server.URL)
	cfg.Deadline = 50 * time.Millisecond
	s := New(cfg)

	start := time.Now()
	result, err := s.Run(context.Background(), sampleEvent(server.URL))
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Less(t, elapsed, 2*time.Second)
}
