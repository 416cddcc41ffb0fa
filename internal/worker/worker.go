// Package worker is the in-worker bootstrap (C7): the first code that
// runs in the child process, hosting the connector's task under a
// timeout-aware context and translating its outcome into an exit code.
//
// Grounded on the teacher's internal/job/executor.go Run method: build a
// cancellable context, install a logger before anything else touches it,
// run the phases, and fold whatever comes back into a single exit code
// via a defer/teardown shape — reframed around one user task instead of
// a pipeline of hook phases, since a connector registers one function per
// event family rather than a sequence of named hooks.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/devrev/airdrop-runtime/internal/adapter"
	"github.com/devrev/airdrop-runtime/internal/eventtypes"
	"github.com/devrev/airdrop-runtime/internal/httpclient"
	"github.com/devrev/airdrop-runtime/internal/logtransport"
	"github.com/devrev/airdrop-runtime/internal/model"
	"github.com/devrev/airdrop-runtime/internal/state"
	"github.com/devrev/airdrop-runtime/internal/streampool"
	"github.com/devrev/airdrop-runtime/internal/uploader"
)

// Task is the connector-supplied function run under the adapter's
// surface. Its return error is serialized and becomes the worker's exit
// code; nil means the invocation finished on its own terms (whether or
// not the adapter ever emitted).
type Task[S any] func(ctx context.Context, a *adapter.Adapter[S]) error

// OnTimeout is invoked once handleTimeout has fired and the in-flight
// Task call has returned, letting the connector flush anything it can
// under the remaining grace period before the harness exits 0.
type OnTimeout[S any] func(ctx context.Context, a *adapter.Adapter[S])

// Config bundles everything Run needs to host one worker invocation.
type Config[S any] struct {
	Stdin  io.Reader
	Stdout io.Writer

	HTTP                   *httpclient.Client
	UploaderBaseURL        string
	Mapper                 adapter.MapperClient
	Connector              adapter.Connector
	AttachmentBatchSize    int
	SizeThresholdBytes     int64
	ProgressReportInterval int
	UseLegacyEventNames    bool

	Run       Task[S]
	OnTimeout OnTimeout[S]
}

// ExitSuccess and ExitFailure are the two codes Run returns, matching
// §4.7's "thrown error exits 1, everything else (including a
// cooperative timeout) exits 0".
const (
	ExitSuccess = 0
	ExitFailure = 1
)

// Run executes the §4.7 bootstrap algorithm to completion and returns the
// process exit code the caller (cmd/worker's main) should use.
func Run[S any](cfg Config[S]) int {
	out := logtransport.NewWriter(cfg.Stdout)
	sdkLogger := logtransport.NewSDKLogger(out, true)
	userLogger := logtransport.NewSDKLogger(out, false)

	reader := logtransport.NewReader(cfg.Stdin)
	startFrame, err := reader.Next()
	if err != nil || startFrame.Kind != logtransport.KindStart {
		sdkLogger.Error("worker: expected a start frame: %v", err)
		return ExitFailure
	}

	var event model.AirdropEvent
	if err := json.Unmarshal(startFrame.Event, &event); err != nil {
		sdkLogger.Error("worker: decoding start event: %v", err)
		return ExitFailure
	}

	incoming := eventtypes.NormalizeIncoming(event.EventType)
	sdkLogger.Info("worker: starting for event_type=%s (canonical=%s)", event.EventType, incoming)

	store := state.New[S](cfg.HTTP, sdkLogger)
	initialState, err := store.Load(context.Background(), event, incoming)
	if err != nil {
		sdkLogger.Error("worker: loading state: %v", err)
		return ExitFailure
	}

	up := uploader.New(cfg.HTTP, sdkLogger, cfg.UploaderBaseURL)
	pool := streampool.New(sdkLogger, cfg.ProgressReportInterval)

	taskCtx, cancelTask := context.WithCancel(context.Background())
	defer cancelTask()

	a := adapter.New(adapter.Config[S]{
		Event:               event,
		Incoming:            incoming,
		State:               initialState,
		Logger:              userLogger,
		Store:               store,
		Uploader:            up,
		Pool:                pool,
		Mapper:              cfg.Mapper,
		Connector:           cfg.Connector,
		AttachmentBatchSize: cfg.AttachmentBatchSize,
		SizeThresholdBytes:  cfg.SizeThresholdBytes,
		UseLegacyEventNames: cfg.UseLegacyEventNames,
		RequestWorkerExit:   func(error) { cancelTask() },
		SignalEmitted:       func() { out.WriteFrame(logtransport.Frame{Kind: logtransport.KindEmitted}) },
	}, cfg.HTTP)

	taskDone := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				taskDone <- fmt.Errorf("worker: task panicked: %v", r)
				return
			}
		}()
		taskDone <- cfg.Run(taskCtx, a)
	}()

	exitSignaled := make(chan struct{})
	go func() {
		for {
			f, err := reader.Next()
			if err != nil {
				return
			}
			if f.Kind == logtransport.KindExit {
				close(exitSignaled)
				return
			}
		}
	}()

	select {
	case taskErr := <-taskDone:
		if taskErr != nil {
			sdkLogger.Error("worker: task failed: %s", serializeError(taskErr))
			return ExitFailure
		}
		sdkLogger.Info("worker: task completed, emitted=%v", a.HasEmitted())
		return ExitSuccess

	case <-exitSignaled:
		sdkLogger.Info("worker: received exit signal, entering timeout")
		a.HandleTimeout()
		cancelTask()
		<-taskDone // await the in-flight task call, suppressing its error per §4.7
		if cfg.OnTimeout != nil {
			cfg.OnTimeout(context.Background(), a)
		}
		return ExitSuccess
	}
}

// serializeError flattens an error for the single log line §4.7 emits
// before exiting 1. httpclient.ExhaustedError already carries a scrubbed
// message; anything else is reported via its own Error() text, which is
// the closest Go equivalent to the teacher's structured-error logging
// without inventing fields no Go error actually carries.
func serializeError(err error) string {
	var exhausted *httpclient.ExhaustedError
	if ok := errors.As(err, &exhausted); ok {
		return fmt.Sprintf("%s %s: status=%d: %s", exhausted.Method, exhausted.URL, exhausted.LastStatus, exhausted.ScrubbedMsg)
	}
	return err.Error()
}
