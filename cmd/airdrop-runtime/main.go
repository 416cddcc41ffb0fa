// Command airdrop-runtime is the thin CLI the surrounding orchestration
// layer shells out to for a single invocation: it reads one
// AirdropEvent as JSON from stdin (or a --event-file), spawns
// cmd/worker under internal/supervisor, and reports the worker's fate on
// exit.
//
// Grounded on the teacher's cmd/agent "run" subcommand: parse the event
// identifier off the command line, hand it to the long-lived runtime
// type, and translate its outcome into a process exit code.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/devrev/airdrop-runtime/internal/config"
	"github.com/devrev/airdrop-runtime/internal/httpclient"
	"github.com/devrev/airdrop-runtime/internal/model"
	"github.com/devrev/airdrop-runtime/internal/supervisor"
	"github.com/devrev/airdrop-runtime/logger"
	"github.com/devrev/airdrop-runtime/metrics"
	"github.com/devrev/airdrop-runtime/version"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "run-local" {
		os.Exit(runLocal(os.Args[2:]))
	}

	eventFile := flag.String("event-file", "", "path to a JSON-encoded AirdropEvent; defaults to stdin")
	workerPath := flag.String("worker-path", "", "path to the cmd/worker binary; defaults to the co-located 'worker' executable")
	flag.Parse()

	os.Exit(run(*eventFile, *workerPath))
}

func run(eventFile, workerPath string) int {
	log := logger.NewConsoleLogger(logger.NewTextPrinter(os.Stderr), os.Exit)

	cfg, err := config.LoadFromEnviron()
	if err != nil {
		log.Error("airdrop-runtime: loading config: %v", err)
		return 1
	}

	event, err := readEvent(eventFile)
	if err != nil {
		log.Error("airdrop-runtime: reading event: %v", err)
		return 1
	}

	if workerPath == "" {
		workerPath = defaultWorkerPath()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing := setupTracing()
	defer shutdownTracing()

	metricsCollector := metrics.NewCollector(log, metrics.CollectorConfig{
		Enabled:    cfg.MetricsEnabled,
		ListenAddr: cfg.MetricsListenAddr,
	})
	if err := metricsCollector.Start(); err != nil {
		log.Error("airdrop-runtime: starting metrics collector: %v", err)
	}
	defer metricsCollector.Stop()

	httpClient := httpclient.New(log, "")
	s := supervisor.New(supervisor.Config{
		WorkerPath:          workerPath,
		HTTP:                httpClient,
		Logger:              log,
		Deadline:            cfg.EffectiveTimeout(),
		SignalGracePeriod:   cfg.SignalGracePeriod,
		MemoryCeilingBytes:  cfg.MaxOldGenerationSizeMB() * 1024 * 1024,
		UseLegacyEventNames: cfg.UseLegacyEventNames,
		Metrics:             metricsCollector.Scope(metrics.Tags{"component": "supervisor"}),
	})

	result, err := s.Run(ctx, event)
	if err != nil {
		log.Error("airdrop-runtime: supervising worker: %v", err)
		return 1
	}

	log.Info("airdrop-runtime: worker exited code=%d emitted=%v oom=%v fault_sent=%v",
		result.ExitCode, result.WorkerEmitted, result.OOM, result.FaultSent)
	if result.ExitCode != 0 && !result.WorkerEmitted && !result.FaultSent {
		return 1
	}
	return 0
}

// setupTracing registers a process-wide OTel TracerProvider so
// tracetools.StartSpanFromContext produces real spans instead of the
// no-op default, and returns a func to flush and shut it down. Grounded
// on the teacher's job/tracing.go startTracingOpenTelemetry, minus the
// OTLP exporter wiring: the runtime doesn't carry an OTLP collector
// dependency, so spans are sampled and end-timed but not exported
// off-host until a caller passes sdktrace.WithBatcher a real exporter.
func setupTracing() func() {
	res := resource.NewWithAttributes("",
		attribute.String("service.name", "airdrop-runtime"),
		attribute.String("service.version", version.Version()),
	)
	provider := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	otel.SetTracerProvider(provider)
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}
}

func readEvent(path string) (model.AirdropEvent, error) {
	var r io.Reader = os.Stdin
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return model.AirdropEvent{}, fmt.Errorf("opening event file: %w", err)
		}
		defer f.Close()
		r = f
	}

	var event model.AirdropEvent
	if err := json.NewDecoder(r).Decode(&event); err != nil {
		return model.AirdropEvent{}, fmt.Errorf("decoding event: %w", err)
	}
	return event, nil
}

// defaultWorkerPath looks for a 'worker' binary next to this executable,
// the layout `go build ./cmd/...` produces into a single output
// directory.
func defaultWorkerPath() string {
	self, err := os.Executable()
	if err != nil {
		return "worker"
	}
	candidate := execDir(self) + string(os.PathSeparator) + "worker"
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	if p, err := exec.LookPath("worker"); err == nil {
		return p
	}
	return "worker"
}

func execDir(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if os.IsPathSeparator(path[i]) {
			return path[:i]
		}
	}
	return "."
}
