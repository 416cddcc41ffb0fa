// Command worker is the re-exec target the supervisor spawns for a
// single invocation: it reads its event off stdin as a log-transport
// start frame, runs the task under internal/worker's bootstrap, and
// exits with the code the task's outcome dictates.
//
// Grounded on the teacher's cmd/agent/main.go: a minimal main that wires
// concrete collaborators and flags, deferring all real behavior to an
// internal package.
package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/devrev/airdrop-runtime/internal/adapter"
	"github.com/devrev/airdrop-runtime/internal/config"
	"github.com/devrev/airdrop-runtime/internal/eventtypes"
	"github.com/devrev/airdrop-runtime/internal/httpclient"
	"github.com/devrev/airdrop-runtime/internal/memory"
	"github.com/devrev/airdrop-runtime/internal/model"
	"github.com/devrev/airdrop-runtime/internal/worker"
	"github.com/devrev/airdrop-runtime/logger"
	"github.com/devrev/airdrop-runtime/tracetools"
)

// demoState is the connector-opaque state section a real connector would
// replace with its own cursor/bookmark shape. The harness never
// interprets it; it only round-trips it through C1.
type demoState struct {
	Cursor string `json:"cursor,omitempty"`
}

// passthroughMapper and passthroughConnector stand in for the
// connector-specific extractor/loader bodies the runtime deliberately
// leaves external. A real deployment replaces both with code that talks
// to the destination platform's API.
type passthroughMapper struct{}

func (passthroughMapper) Resolve(ctx context.Context, itemType, devrevID string) (bool, error) {
	return false, nil
}

type passthroughConnector struct{}

func (passthroughConnector) Create(ctx context.Context, itemType string, record json.RawMessage) (model.LoaderReport, error) {
	one := 1
	return model.LoaderReport{ItemType: itemType, Created: &one}, nil
}

func (passthroughConnector) Update(ctx context.Context, itemType string, record json.RawMessage) (model.LoaderReport, error) {
	one := 1
	return model.LoaderReport{ItemType: itemType, Updated: &one}, nil
}

// createAttachment stands in for the connector-specific attachment-load
// body (§4.6's loadAttachments create hook): a real deployment uploads
// record to the destination platform and reports the outcome.
func createAttachment(ctx context.Context, itemType string, record json.RawMessage) (model.LoaderReport, error) {
	one := 1
	return model.LoaderReport{ItemType: itemType, Created: &one}, nil
}

func main() {
	cfg, err := config.LoadFromEnviron()
	if err != nil {
		logger.Discard.Error("worker: loading config: %v", err)
		os.Exit(worker.ExitFailure)
	}

	memory.ApplyWorkerLimit(logger.Discard)

	span, _ := startWorkerSpan()
	defer tracetools.FinishWithError(span, nil)

	httpClient := httpclient.New(logger.Discard, "")

	exitCode := worker.Run(worker.Config[demoState]{
		Stdin:                  os.Stdin,
		Stdout:                 os.Stdout,
		HTTP:                   httpClient,
		UploaderBaseURL:        cfg.ArtifactStoreBaseURL,
		Mapper:                 passthroughMapper{},
		Connector:              passthroughConnector{},
		AttachmentBatchSize:    cfg.AttachmentBatchSize,
		SizeThresholdBytes:     cfg.ArtifactSizeThresholdBytes,
		ProgressReportInterval: cfg.ProgressReportInterval,
		UseLegacyEventNames:    cfg.UseLegacyEventNames,
		Run:                    runTask,
		OnTimeout:              onTimeout,
	})
	os.Exit(exitCode)
}

// startWorkerSpan resumes the supervisor's sync span using the
// traceparent it injected into the environment (see
// internal/supervisor's use of tracetools.EncodeTraceContext), since the
// worker gets its own OTel tracer instance rather than sharing memory
// with the parent process.
func startWorkerSpan() (trace.Span, context.Context) {
	carrier := map[string]string{}
	if tp, ok := os.LookupEnv(tracetools.EnvVarTraceContextKey); ok {
		carrier["traceparent"] = tp
	}
	ctx := tracetools.DecodeTraceContext(context.Background(), carrier)
	return tracetools.StartSpanFromContext(ctx, "worker.run")
}

// runTask is the reference task body: it demonstrates the shape a real
// connector implements (inspect the normalized event type, do
// family-appropriate work, emit at most once) without encoding any
// actual destination-platform logic, which §1's Non-goals place outside
// the runtime's scope. Event types it has no case for, and that have no
// no-script done event, return without emitting.
func runTask(ctx context.Context, a *adapter.Adapter[demoState]) error {
	event := a.Event()
	incoming := eventtypes.NormalizeIncoming(event.EventType)

	switch incoming {
	case eventtypes.StartExtractingExternalSyncUnits:
		return a.Emit(ctx, eventtypes.ExternalSyncUnitExtractionDone, map[string]any{"external_sync_units": []any{}})
	case eventtypes.StartLoadingData, eventtypes.ContinueLoadingData:
		report, finished, delay, err := a.LoadItemTypes(ctx, fetchNoLines)
		if err != nil {
			return err
		}
		if !finished {
			return a.Emit(ctx, eventtypes.DataLoadingDelayed, map[string]any{
				"delay":   int64(delay / time.Second),
				"reports": []model.LoaderReport{report},
			})
		}
		return a.Emit(ctx, eventtypes.DataLoadingDone, report)
	case eventtypes.StartLoadingAttachments, eventtypes.ContinueLoadingAttachments:
		report, finished, delay, err := a.LoadAttachments(ctx, fetchAttachmentLine, createAttachment)
		if err != nil {
			return err
		}
		if !finished {
			return a.Emit(ctx, eventtypes.AttachmentLoadingDelayed, map[string]any{
				"delay":   int64(delay / time.Second),
				"reports": []model.LoaderReport{report},
			})
		}
		return a.Emit(ctx, eventtypes.AttachmentLoadingDone, report)
	default:
		if done, ok := eventtypes.NoScriptDoneEvent[incoming]; ok {
			return a.Emit(ctx, done, nil)
		}
		return nil
	}
}

// fetchNoLines is the reference fetchLine hook: a real connector fetches
// the transformer artifact's line and its devrev_id from the artifact
// store; the runtime itself never interprets record contents.
func fetchNoLines(ctx context.Context, file model.FileToLoad, line int) (json.RawMessage, string, error) {
	return json.RawMessage(`{}`), "", nil
}

// fetchAttachmentLine is the reference fetchLine hook for loadAttachments:
// a real connector fetches the attachment metadata artifact's line from
// the artifact store.
func fetchAttachmentLine(ctx context.Context, file model.FileToLoad, line int) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func onTimeout(ctx context.Context, a *adapter.Adapter[demoState]) {
	incoming := eventtypes.NormalizeIncoming(a.Event().EventType)
	fault, ok := eventtypes.FaultEvent[incoming]
	if !ok {
		return
	}
	_ = a.Emit(ctx, fault, map[string]any{
		"error": map[string]any{"message": eventtypes.FaultMessageForCrash},
	})
}
