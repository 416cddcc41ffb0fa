// Package emitter is the event emitter (C4): the single place a worker
// posts a terminal or progress event back to the control plane, per the
// seven-step algorithm in §4.4.
//
// Grounded on the teacher's agent_worker.go status/heartbeat dispatch
// (single-shot POST guarded by a latch) and api/client.go's retrying POST
// path, reused here via internal/httpclient.
package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/devrev/airdrop-runtime/internal/eventtypes"
	"github.com/devrev/airdrop-runtime/internal/httpclient"
	"github.com/devrev/airdrop-runtime/internal/model"
	"github.com/devrev/airdrop-runtime/logger"
)

// maxDataBytes is the platform's event payload size limit. prune does not
// measure payloads against it: its truncation and summarization apply
// regardless of the payload's total size.
const maxDataBytes = 64 * 1024

const maxArraySample = 2

// UploadAllRepos flushes every repository in declared order and returns
// the concatenated, ordered artifact list.
type UploadAllRepos func(ctx context.Context) ([]model.Artifact, error)

// RequestWorkerExit signals the parent process that the worker must exit
// (a fatal upload or state.put failure per §4.1/§4.4).
type RequestWorkerExit func(reason error)

// SignalEmitted notifies the parent that an event was successfully sent,
// so the supervisor can set hasWorkerEmitted (§4.8).
type SignalEmitted func()

// Emitter is constructed once per worker invocation.
type Emitter struct {
	http              *httpclient.Client
	logger            logger.Logger
	uploadAllRepos    UploadAllRepos
	requestWorkerExit RequestWorkerExit
	signalEmitted     SignalEmitted
	useLegacyNames    bool

	mu         sync.Mutex
	hasEmitted bool
}

// Config bundles an Emitter's collaborators.
type Config struct {
	HTTP              *httpclient.Client
	Logger            logger.Logger
	UploadAllRepos    UploadAllRepos
	RequestWorkerExit RequestWorkerExit
	SignalEmitted     SignalEmitted
	UseLegacyNames    bool
}

func New(c Config) *Emitter {
	return &Emitter{
		http:              c.HTTP,
		logger:            c.Logger,
		uploadAllRepos:    c.UploadAllRepos,
		requestWorkerExit: c.RequestWorkerExit,
		signalEmitted:     c.SignalEmitted,
		useLegacyNames:    c.UseLegacyNames,
	}
}

// PutState persists the full state envelope; supplied by the caller since
// the emitter is not generic over the connector's state shape S.
type PutState func(ctx context.Context) error

// AdvanceSyncMarkers applies step 3 of §4.4 to the caller's state: when
// out is AttachmentExtractionDone, lastSuccessfulSyncStarted takes
// lastSyncStarted's value and lastSyncStarted is cleared.
type AdvanceSyncMarkers func()

// Emit runs the §4.4 algorithm. data is the caller-supplied payload
// (already domain-shaped; Emit prunes and attaches artifacts around it).
// putState persists state.AdapterState unless out is in the stateless
// set. advanceSyncMarkers is invoked (if non-nil) only for
// AttachmentExtractionDone, before putState, matching step 3's ordering.
func (e *Emitter) Emit(
	ctx context.Context,
	callbackURL string,
	eventContext model.EventContext,
	incoming eventtypes.Incoming,
	out eventtypes.Outgoing,
	data any,
	putState PutState,
	advanceSyncMarkers AdvanceSyncMarkers,
) error {
	e.mu.Lock()
	if e.hasEmitted {
		e.mu.Unlock()
		e.logger.Warn("[emitter] emit(%s) called after an event was already emitted; ignoring", out)
		return nil
	}
	e.mu.Unlock()

	var artifacts []model.Artifact
	if out != eventtypes.ExternalSyncUnitExtractionDone {
		var err error
		artifacts, err = e.uploadAllRepos(ctx)
		if err != nil {
			e.finishAsFailed(err)
			return fmt.Errorf("emitter: uploadAllRepos: %w", err)
		}
	}

	if out == eventtypes.AttachmentExtractionDone && advanceSyncMarkers != nil {
		advanceSyncMarkers()
	}

	if _, stateless := eventtypes.Stateless[incoming]; !stateless && putState != nil {
		if err := putState(ctx); err != nil {
			e.finishAsFailed(err)
			return fmt.Errorf("emitter: putState: %w", err)
		}
	}

	prunedData := prune(data)

	eventData := buildEventData(prunedData)
	if _, inFamily := eventtypes.ExtractionFamily[out]; inFamily {
		eventData["artifacts"] = artifacts
	}

	envelope := map[string]any{
		"event_type":    eventtypes.OutgoingWireName(out, e.useLegacyNames),
		"event_context": eventContext,
	}
	if len(eventData) > 0 {
		envelope["event_data"] = eventData
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		e.finish()
		e.requestWorkerExit(err)
		return fmt.Errorf("emitter: encoding envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, strings.NewReader(string(payload)))
	if err != nil {
		e.finish()
		e.requestWorkerExit(err)
		return fmt.Errorf("emitter: building emit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if _, _, err := e.http.Do(ctx, req); err != nil {
		e.finish()
		e.requestWorkerExit(err)
		return fmt.Errorf("emitter: posting event: %w", err)
	}

	e.finish()
	if e.signalEmitted != nil {
		e.signalEmitted()
	}
	return nil
}

func (e *Emitter) finish() {
	e.mu.Lock()
	e.hasEmitted = true
	e.mu.Unlock()
}

func (e *Emitter) finishAsFailed(err error) {
	e.finish()
	if e.requestWorkerExit != nil {
		e.requestWorkerExit(err)
	}
}

// HasEmitted reports whether a successful-or-attempted emit has already
// latched (E1: at most one successful emit per worker).
func (e *Emitter) HasEmitted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasEmitted
}

// buildEventData flattens data into the map §6's event_data envelope
// nests the emission payload under. A caller's map[string]any (the
// common case: {"delay": 30}, {"error": {...}}) is copied key-for-key;
// a single domain struct (e.g. a model.LoaderReport) is round-tripped
// through JSON so its fields land the same way a map's would.
func buildEventData(data any) map[string]any {
	out := map[string]any{}
	if data == nil {
		return out
	}
	if m, ok := data.(map[string]any); ok {
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return out
	}
	_ = json.Unmarshal(raw, &out)
	return out
}

// prune applies step 5 of §4.4: truncate any string longer than
// maxErrorStringLen, summarize arrays of more than maxArraySample items as
// {type, length, firstItem, lastItem}, and recurse into maps/slices. The
// total encoded size is not measured, so a pruned payload can still exceed
// the platform size limit.
func prune(data any) any {
	return pruneValue(data, 0)
}

const maxErrorStringLen = 2048
const maxRecurseDepth = 12

func pruneValue(v any, depth int) any {
	if depth > maxRecurseDepth {
		return "[truncated: max depth exceeded]"
	}
	switch t := v.(type) {
	case string:
		if len(t) > maxErrorStringLen {
			return t[:maxErrorStringLen] + "...[truncated]"
		}
		return t
	case []any:
		if len(t) > maxArraySample {
			first := pruneValue(t[0], depth+1)
			last := pruneValue(t[len(t)-1], depth+1)
			return map[string]any{
				"type":      "array",
				"length":    len(t),
				"firstItem": first,
				"lastItem":  last,
			}
		}
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = pruneValue(item, depth+1)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = pruneValue(val, depth+1)
		}
		return out
	default:
		return t
	}
}
