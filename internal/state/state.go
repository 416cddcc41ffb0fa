// Package state is the worker-side state store (C1): it fetches a
// connector's AdapterState from the worker-data URL encoded on the
// incoming event, persists it back with the shared retrying HTTP client,
// and installs a read-only projection once the worker enters timeout.
//
// Grounded on the teacher's JobController: a small client-held struct
// mutated in place by the caller and flushed with the same retry-backed
// HTTP client used everywhere else, plus a mutex guarding the one field
// (frozen) that can be written from a different goroutine than the task.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/google/go-querystring/query"

	"github.com/devrev/airdrop-runtime/internal/eventtypes"
	"github.com/devrev/airdrop-runtime/internal/httpclient"
	"github.com/devrev/airdrop-runtime/internal/model"
	"github.com/devrev/airdrop-runtime/logger"
)

// LoadOptions narrows a state fetch to a field projection, letting a
// caller that only needs e.g. the attachments cursor avoid round-tripping
// the connector's entire opaque state section.
type LoadOptions struct {
	Fields []string `url:"fields,omitempty,comma"`
}

// Store is the worker's handle on its AdapterState[S]. S is the
// connector-opaque section; the store never interprets it.
type Store[S any] struct {
	http   *httpclient.Client
	logger logger.Logger

	mu     sync.Mutex
	frozen bool
}

// New constructs a Store backed by c for outbound GET/POST calls.
func New[S any](c *httpclient.Client, l logger.Logger) *Store[S] {
	return &Store[S]{http: c, logger: l}
}

// Load fetches state for event. Stateless event types (per
// eventtypes.Stateless) return fresh zero-value state without a network
// call. Any other load failure is returned to the caller, who per §4.1
// must treat it as fatal before the task starts.
func (s *Store[S]) Load(ctx context.Context, event model.AirdropEvent, incoming eventtypes.Incoming, opts ...LoadOptions) (model.AdapterState[S], error) {
	var zero model.AdapterState[S]
	if _, ok := eventtypes.Stateless[incoming]; ok {
		return zero, nil
	}

	loadURL := event.EventContext.WorkerDataURL + ".get"
	if len(opts) > 0 {
		values, err := query.Values(opts[0])
		if err != nil {
			return zero, fmt.Errorf("state: encoding load options: %w", err)
		}
		if encoded := values.Encode(); encoded != "" {
			loadURL += "?" + encoded
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, loadURL, nil)
	if err != nil {
		return zero, fmt.Errorf("state: building load request: %w", err)
	}

	_, respBody, err := s.http.Do(ctx, req)
	if err != nil {
		return zero, fmt.Errorf("state: load: %w", err)
	}

	body, err := unwrapStateEnvelope(respBody)
	if err != nil {
		return zero, fmt.Errorf("state: decoding load envelope: %w", err)
	}

	migrated, err := migrateLegacyAttachmentIDs(body)
	if err != nil {
		return zero, fmt.Errorf("state: migrating legacy attachment ids: %w", err)
	}

	var st model.AdapterState[S]
	if len(migrated) > 0 {
		if err := json.Unmarshal(migrated, &st); err != nil {
			return zero, fmt.Errorf("state: decoding load response: %w", err)
		}
	}

	reconcileAttachmentsMetadata(&st)

	return st, nil
}

// migrateLegacyAttachmentIDs rewrites bare-string entries of
// lastProcessedAttachmentsIdsList into {id, parent_id:""} pairs before
// the caller unmarshals into the typed AdapterState, since the current
// struct shape can't absorb the legacy bare-string form on its own.
func migrateLegacyAttachmentIDs(body []byte) ([]byte, error) {
	if len(body) == 0 {
		return body, nil
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, err
	}
	toDevRevRaw, ok := envelope["toDevRev"]
	if !ok {
		return body, nil
	}

	var toDevRev map[string]json.RawMessage
	if err := json.Unmarshal(toDevRevRaw, &toDevRev); err != nil {
		return nil, err
	}
	metaRaw, ok := toDevRev["attachmentsMetadata"]
	if !ok {
		return body, nil
	}

	var meta map[string]json.RawMessage
	if err := json.Unmarshal(metaRaw, &meta); err != nil {
		return nil, err
	}
	listRaw, ok := meta["lastProcessedAttachmentsIdsList"]
	if !ok {
		return body, nil
	}

	var rawEntries []json.RawMessage
	if err := json.Unmarshal(listRaw, &rawEntries); err != nil {
		return nil, err
	}

	migrated := make([]model.AttachmentRef, 0, len(rawEntries))
	changed := false
	for _, entry := range rawEntries {
		var asString string
		if err := json.Unmarshal(entry, &asString); err == nil {
			migrated = append(migrated, model.AttachmentRef{ID: asString, ParentID: ""})
			changed = true
			continue
		}
		var ref model.AttachmentRef
		if err := json.Unmarshal(entry, &ref); err != nil {
			return nil, fmt.Errorf("decoding lastProcessedAttachmentsIdsList entry: %w", err)
		}
		migrated = append(migrated, ref)
	}
	if !changed {
		return body, nil
	}

	newList, err := json.Marshal(migrated)
	if err != nil {
		return nil, err
	}
	meta["lastProcessedAttachmentsIdsList"] = newList
	newMeta, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	toDevRev["attachmentsMetadata"] = newMeta
	newToDevRev, err := json.Marshal(toDevRev)
	if err != nil {
		return nil, err
	}
	envelope["toDevRev"] = newToDevRev
	return json.Marshal(envelope)
}

func reconcileAttachmentsMetadata[S any](st *model.AdapterState[S]) {
	am := &st.ToDevRev.AttachmentsMetadata
	if len(am.ArtifactIDs) == 0 {
		am.LastProcessed = 0
		am.LastProcessedAttachmentsIdsList = nil
		return
	}
	// lastProcessed and lastProcessedAttachmentsIdsList describe progress
	// against artifactIds[0]. Only a negative lastProcessed is corrected
	// here; the state does not record which chunk the progress belongs to,
	// so a head chunk that changed since they were written is not detected.
	if am.LastProcessed < 0 {
		am.LastProcessed = 0
	}
}

// Put persists state, POSTing it to <url>.update wrapped in the
// {"state": "<json-string>"} envelope §6 mandates. A failure is surfaced
// to the caller (the emitter), who per §4.1 treats it as fatal for the
// current emission and requests worker exit.
func (s *Store[S]) Put(ctx context.Context, url string, st model.AdapterState[S]) error {
	if s.isFrozen() {
		s.logger.Warn("[state] Attempted to modify %s during timeout", url)
		return nil
	}

	stateJSON, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("state: encoding put payload: %w", err)
	}

	payload, err := json.Marshal(stateEnvelope{State: string(stateJSON)})
	if err != nil {
		return fmt.Errorf("state: encoding put envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url+".update", strings.NewReader(string(payload)))
	if err != nil {
		return fmt.Errorf("state: building put request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if _, _, err := s.http.Do(ctx, req); err != nil {
		return fmt.Errorf("state: put: %w", err)
	}
	return nil
}

// stateEnvelope is the §6 wire shape for both GET and POST: the
// connector-opaque AdapterState travels as a JSON-encoded string, not a
// nested object, so the control plane can store it without parsing it.
type stateEnvelope struct {
	State string `json:"state"`
}

// unwrapStateEnvelope decodes {"state": "<json-string>"} and returns the
// inner JSON bytes. An empty response body (no state stored yet) returns
// nil without error.
func unwrapStateEnvelope(body []byte) ([]byte, error) {
	if len(body) == 0 {
		return nil, nil
	}
	var envelope stateEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, err
	}
	if envelope.State == "" {
		return nil, nil
	}
	return []byte(envelope.State), nil
}

// Freeze installs the read-only projection: every subsequent Put call
// logs a warning and returns nil without making a network call.
func (s *Store[S]) Freeze() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frozen = true
}

func (s *Store[S]) isFrozen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frozen
}

// IsFrozen reports whether Freeze has been called, for callers (the
// adapter) that want to short-circuit their own mutation paths with the
// same warning message rather than reaching Put.
func (s *Store[S]) IsFrozen() bool {
	return s.isFrozen()
}

// WarnBlockedWrite logs the §4.1-mandated warning for a mutation the
// caller chose not to forward to Put (e.g. a direct state.connector
// field write the adapter intercepted).
func (s *Store[S]) WarnBlockedWrite(path string) {
	s.logger.Warn("[state] Attempted to modify %s during timeout", path)
}
