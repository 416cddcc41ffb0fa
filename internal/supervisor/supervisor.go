// Package supervisor is the parent-side lifecycle (C8): spawn one worker
// process per incoming event, enforce its wall-clock deadline and memory
// ceiling, drain its log transport, and classify its exit — synthesizing
// a terminal fault event itself when the worker dies without ever
// emitting one.
//
// Grounded on the teacher's agent/agent_worker.go (one goroutine owns a
// job's lifecycle end-to-end) for the overall shape, and built directly
// on internal/process (spawn/signal/wait) and internal/memory (RSS
// monitoring and OOM classification) rather than re-deriving either.
package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/devrev/airdrop-runtime/env"
	"github.com/devrev/airdrop-runtime/internal/adapter"
	"github.com/devrev/airdrop-runtime/internal/eventtypes"
	"github.com/devrev/airdrop-runtime/internal/httpclient"
	"github.com/devrev/airdrop-runtime/internal/logtransport"
	"github.com/devrev/airdrop-runtime/internal/memory"
	"github.com/devrev/airdrop-runtime/internal/model"
	"github.com/devrev/airdrop-runtime/internal/process"
	"github.com/devrev/airdrop-runtime/logger"
	"github.com/devrev/airdrop-runtime/metrics"
	"github.com/devrev/airdrop-runtime/tracetools"
)

// Config bundles a Supervisor's tunables and collaborators.
type Config struct {
	WorkerPath string
	WorkerArgs []string

	HTTP   *httpclient.Client
	Logger logger.Logger

	Deadline            time.Duration
	SignalGracePeriod   time.Duration
	MemoryCeilingBytes  int64
	RSSPollInterval     time.Duration
	UseLegacyEventNames bool

	// Metrics records per-run timing and outcome counts. Nil disables
	// recording, the same "safe to leave wired" convention tracetools
	// follows for its no-op tracer.
	Metrics *metrics.Scope
}

// Supervisor spawns and supervises exactly one worker process per Run
// call; a new Run is made for each incoming event.
type Supervisor struct {
	cfg Config
}

func New(cfg Config) *Supervisor {
	if cfg.SignalGracePeriod <= 0 {
		cfg.SignalGracePeriod = 5 * time.Second
	}
	if cfg.RSSPollInterval <= 0 {
		cfg.RSSPollInterval = time.Second
	}
	return &Supervisor{cfg: cfg}
}

// Result is Run's outcome, reported for logging/metrics by the caller.
type Result struct {
	ExitCode      int
	WorkerEmitted bool
	OOM           bool
	FaultSent     bool
}

// Run spawns the configured worker binary, feeds it event as a start
// frame over its stdin, enforces the deadline by writing an exit frame
// and escalating to SIGKILL after a grace period, and on a faulty exit
// synthesizes the §4.9 terminal event itself when the worker never
// emitted one.
func (s *Supervisor) Run(ctx context.Context, event model.AirdropEvent) (Result, error) {
	span, ctx := tracetools.StartSpanFromContext(ctx, "supervisor.run")
	tracetools.AddAttributesToSpan(span, map[string]string{
		"event_type":   event.EventType,
		"sync_unit_id": event.EventContext.SyncUnitID,
	})
	traceCarrier := map[string]string{}
	tracetools.EncodeTraceContext(span, traceCarrier)

	start := time.Now()
	result, err := s.run(ctx, event, traceCarrier)
	tracetools.FinishWithError(span, err)
	s.recordMetrics(event, result, err, time.Since(start))
	return result, err
}

func (s *Supervisor) recordMetrics(event model.AirdropEvent, result Result, err error, elapsed time.Duration) {
	if s.cfg.Metrics == nil {
		return
	}
	tags := metrics.Tags{"event_type": event.EventType}
	s.cfg.Metrics.Timing("worker_run_duration", elapsed, tags)
	s.cfg.Metrics.Count("worker_run_total", 1, tags)
	if err != nil {
		s.cfg.Metrics.Count("worker_run_errors", 1, tags)
		return
	}
	if result.FaultSent {
		s.cfg.Metrics.Count("worker_faults_sent", 1, tags)
	}
	if result.OOM {
		s.cfg.Metrics.Count("worker_oom_kills", 1, tags)
	}
}

func (s *Supervisor) run(ctx context.Context, event model.AirdropEvent, traceCarrier map[string]string) (Result, error) {
	incoming := eventtypes.NormalizeIncoming(event.EventType)

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	monitor := memory.NewMonitor(s.cfg.Logger, s.cfg.MemoryCeilingBytes, memory.WithPollInterval(s.cfg.RSSPollInterval))

	// process.Config.Env is appended atop the supervisor's own os.Environ(),
	// so only the per-run additions belong here.
	workerEnv := env.New()
	workerEnv.Set("AIRDROP_SYNC_UNIT_ID", event.EventContext.SyncUnitID)
	workerEnv.Set("AIRDROP_EVENT_TYPE", event.EventType)
	if traceparent, ok := traceCarrier["traceparent"]; ok {
		workerEnv.Set(tracetools.EnvVarTraceContextKey, traceparent)
	}

	p := process.New(s.cfg.Logger, process.Config{
		Path:              s.cfg.WorkerPath,
		Args:              s.cfg.WorkerArgs,
		Env:               workerEnv.ToSlice(),
		Stdin:             stdinR,
		Stdout:            stdoutW,
		Stderr:            monitor.StderrTail(),
		SignalGracePeriod: s.cfg.SignalGracePeriod,
		MemoryLimitBytes:  s.cfg.MemoryCeilingBytes,
	})

	runDone := make(chan error, 1)
	go func() { runDone <- p.Run(context.Background()) }()

	select {
	case <-p.Started():
	case err := <-runDone:
		return Result{}, fmt.Errorf("supervisor: worker never started: %w", err)
	}

	frameWriter := logtransport.NewWriter(stdinW)
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return Result{}, fmt.Errorf("supervisor: encoding start event: %w", err)
	}
	if err := frameWriter.WriteFrame(logtransport.Frame{Kind: logtransport.KindStart, Event: eventJSON}); err != nil {
		return Result{}, fmt.Errorf("supervisor: writing start frame: %w", err)
	}

	var hasWorkerEmitted bool
	forwardDone := make(chan struct{})
	go func() {
		defer close(forwardDone)
		reader := logtransport.NewReader(stdoutR)
		_ = logtransport.ForwardTo(reader, s.cfg.Logger, func() { hasWorkerEmitted = true })
	}()

	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		monitor.Run(p)
	}()

	deadline := s.cfg.Deadline
	if deadline <= 0 {
		deadline = 10 * time.Minute
	}
	deadlineTimer := time.NewTimer(deadline)
	defer deadlineTimer.Stop()

	select {
	case <-p.Done():
	case <-ctx.Done():
		s.cfg.Logger.Warn("[supervisor] context canceled, signaling worker exit")
		s.signalAndAwaitExit(frameWriter, p)
	case <-deadlineTimer.C:
		s.cfg.Logger.Warn("[supervisor] deadline of %s reached, signaling worker exit", deadline)
		s.signalAndAwaitExit(frameWriter, p)
	}

	runErr := <-runDone
	// The exec package never closes a caller-supplied Stdout writer once
	// the child exits — only its own internal pipe — so ForwardTo can't
	// see EOF on stdoutR until stdoutW is closed here.
	stdoutW.Close()
	stdinW.Close()
	<-forwardDone
	<-monitorDone

	if runErr != nil {
		return Result{}, fmt.Errorf("supervisor: running worker: %w", runErr)
	}

	status := p.WaitStatus()
	result := Result{WorkerEmitted: hasWorkerEmitted, ExitCode: status.ExitStatus()}
	classified := monitor.Classify(status)
	result.OOM = classified.IsOOM

	if result.WorkerEmitted {
		// At-most-one invariant (§4.8): the worker already emitted its one
		// terminal event; a dying process after that point is not faulted.
		return result, nil
	}
	if status.ExitStatus() == 0 && !status.Signaled() {
		return result, nil
	}

	faultEvent, ok := eventtypes.FaultEvent[incoming]
	if !ok {
		return result, nil
	}
	faultErr := classifyFaultError(result.OOM)
	if err := s.sendFaultEvent(ctx, event, faultEvent, faultMessage(faultErr)); err != nil {
		return result, fmt.Errorf("supervisor: sending fault event: %w", err)
	}
	result.FaultSent = true
	return result, nil
}

// signalAndAwaitExit writes a cooperative exit frame and waits up to the
// configured grace period before escalating to a hard kill, mirroring
// process.Process's own interrupt-then-terminate idiom but over the
// log-transport pipe instead of an OS signal, since the worker harness
// only ever watches for a KindExit frame.
func (s *Supervisor) signalAndAwaitExit(frameWriter *logtransport.Writer, p *process.Process) {
	_ = frameWriter.WriteFrame(logtransport.Frame{Kind: logtransport.KindExit})
	select {
	case <-p.Done():
	case <-time.After(s.cfg.SignalGracePeriod):
		s.cfg.Logger.Warn("[supervisor] worker did not exit within grace period, killing pid=%d", p.Pid())
		if err := p.Terminate(); err != nil {
			s.cfg.Logger.Error("[supervisor] terminating worker: %v", err)
		}
		<-p.Done()
	}
}

// classifyFaultError wraps the monitor's boolean OOM verdict in the
// typed error adapter.LoadItemTypes and friends already detect with
// errors.As, so a synthesized fault shares the same taxonomy as an
// in-task error returned by a connector hook.
func classifyFaultError(oom bool) error {
	if oom {
		return &adapter.OOMError{Message: eventtypes.FaultMessageForOOM}
	}
	return errors.New(eventtypes.FaultMessageForCrash)
}

func faultMessage(err error) string {
	var oomErr *adapter.OOMError
	if errors.As(err, &oomErr) {
		return oomErr.Message
	}
	return err.Error()
}

func (s *Supervisor) sendFaultEvent(ctx context.Context, event model.AirdropEvent, out eventtypes.Outgoing, message string) error {
	body := map[string]any{
		"event_type":    eventtypes.OutgoingWireName(out, s.cfg.UseLegacyEventNames),
		"event_context": event.EventContext,
		"event_data":    map[string]any{"error": map[string]any{"message": message}},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, event.EventContext.CallbackURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	_, _, err = s.cfg.HTTP.Do(ctx, req)
	return err
}
