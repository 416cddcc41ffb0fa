// Package model holds the wire-level value types every component shares:
// the incoming event envelope, the three-section adapter state, and the
// small records that flow through repositories and the attachment pool.
// These are pure data; behavior lives in the packages that operate on
// them (internal/state, internal/repository, internal/streampool, ...).
package model

import "encoding/json"

// EventContext is the passthrough sync-unit identification and addressing
// information carried on every AirdropEvent, unchanged by the worker.
type EventContext struct {
	SyncUnitID         string         `json:"sync_unit_id"`
	CallbackURL        string         `json:"callback_url"`
	WorkerDataURL      string         `json:"worker_data_url"`
	DeadlineHintMillis int64          `json:"deadline_hint_millis,omitempty"`
	ReconciliationFrom int64          `json:"reconciliation_from,omitempty"`
	ReconciliationTo   int64          `json:"reconciliation_to,omitempty"`
	DomainIdentifiers  map[string]any `json:"domain_identifiers,omitempty"`
}

// ExecutionMetadata carries the control-plane endpoint and the token the
// worker authenticates outbound calls with.
type ExecutionMetadata struct {
	ControlPlaneEndpoint string `json:"control_plane_endpoint"`
	DevrevToken          string `json:"devrev_token"`
}

// AirdropEvent is the value the supervisor receives and forwards verbatim
// to the worker; the harness only ever reads it.
type AirdropEvent struct {
	EventType         string             `json:"event_type"`
	EventContext      EventContext       `json:"event_context"`
	ExecutionMetadata ExecutionMetadata  `json:"execution_metadata"`
	Payload           *json.RawMessage   `json:"payload,omitempty"`
}

// AttachmentRef identifies one attachment that has already been streamed,
// by the pair the resume invariant is defined over.
type AttachmentRef struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id"`
}

// AttachmentsMetadata is the toDevRev section tracking attachment-chunk
// progress.
type AttachmentsMetadata struct {
	ArtifactIDs                     []string        `json:"artifactIds"`
	LastProcessed                   int             `json:"lastProcessed"`
	LastProcessedAttachmentsIdsList []AttachmentRef `json:"lastProcessedAttachmentsIdsList"`
}

// ToDevRev is the outbound-facing state section.
type ToDevRev struct {
	AttachmentsMetadata AttachmentsMetadata `json:"attachmentsMetadata"`
}

// FileToLoad tracks one loader input file's progress, per §3.
type FileToLoad struct {
	ArtifactID     string `json:"artifact_id"`
	ItemType       string `json:"item_type"`
	Count          int    `json:"count"`
	Completed      bool   `json:"completed"`
	LineToProcess  int    `json:"lineToProcess"`
}

// FromDevRev is the inbound-facing state section.
type FromDevRev struct {
	FilesToLoad []FileToLoad `json:"filesToLoad"`
}

// AdapterState is the three-section persisted state, generic over the
// connector-opaque S.
type AdapterState[S any] struct {
	Connector  S          `json:"connector"`
	ToDevRev   ToDevRev   `json:"toDevRev"`
	FromDevRev FromDevRev `json:"fromDevRev"`

	// LastSyncStarted and LastSuccessfulSyncStarted are unix-millis
	// markers the emitter advances per §4.4 step 3 / §12.
	LastSyncStarted           int64 `json:"lastSyncStarted,omitempty"`
	LastSuccessfulSyncStarted int64 `json:"lastSuccessfulSyncStarted,omitempty"`
}

// Artifact is a server-side addressable blob produced by uploading a
// batch of normalized items.
type Artifact struct {
	ID         string `json:"id"`
	ItemType   string `json:"item_type"`
	ItemCount  int    `json:"item_count"`
	ByteLength int64  `json:"byte_length"`
}

// NormalizedAttachment is the input to the streaming pool.
type NormalizedAttachment struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	ParentID string `json:"parent_id"`
	FileName string `json:"file_name"`
	AuthorID string `json:"author_id,omitempty"`
	Inline   bool   `json:"inline,omitempty"`
}

// LoaderReport aggregates per-item-type loader outcomes; Merge sums
// matching fields, treating a nil pointer as the additive identity.
type LoaderReport struct {
	ItemType string `json:"item_type"`
	Created  *int   `json:"created,omitempty"`
	Updated  *int   `json:"updated,omitempty"`
	Failed   *int   `json:"failed,omitempty"`
}

func addPtr(a, b *int) *int {
	if a == nil && b == nil {
		return nil
	}
	sum := 0
	if a != nil {
		sum += *a
	}
	if b != nil {
		sum += *b
	}
	return &sum
}

// Merge combines other into r in place, summing each of
// created/updated/failed with undefined acting as identity.
func (r *LoaderReport) Merge(other LoaderReport) {
	r.Created = addPtr(r.Created, other.Created)
	r.Updated = addPtr(r.Updated, other.Updated)
	r.Failed = addPtr(r.Failed, other.Failed)
}

// PreparedArtifact is C2's prepareUpload result.
type PreparedArtifact struct {
	ArtifactID      string            `json:"artifact_id"`
	UploadFormFields map[string]string `json:"upload_form_fields"`
}

// SSORAttachment is the back-reference record pushed to the
// ssor_attachment repository after an attachment is streamed.
type SSORAttachment struct {
	ID       SSORAttachmentID `json:"id"`
	ParentID SSORParentID     `json:"parent_id"`
	ActorID  string           `json:"actor_id,omitempty"`
	Inline   bool             `json:"inline,omitempty"`
}

type SSORAttachmentID struct {
	Devrev   string `json:"devrev"`
	External string `json:"external"`
}

type SSORParentID struct {
	External string `json:"external"`
}

// ExternalDomainMetadata and SSORAttachment item types skip normalization
// in Repository.push / Repository.upload, per §4.3.
const (
	ItemTypeExternalDomainMetadata = "external_domain_metadata"
	ItemTypeSSORAttachment         = "ssor_attachment"
	ItemTypeAttachments            = "attachments"
)
