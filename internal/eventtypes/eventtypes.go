// Package eventtypes holds the closed set of incoming and outgoing event
// types the runtime translates between, the legacy-alias lookup tables for
// both directions, and the per-incoming-type fault/no-script tables the
// supervisor consults when it has to synthesize a terminal event itself.
package eventtypes

// Incoming is the canonical set of event types the control plane sends to
// a worker invocation.
type Incoming string

const (
	StartExtractingExternalSyncUnits       Incoming = "StartExtractingExternalSyncUnits"
	StartExtractingMetadata                Incoming = "StartExtractingMetadata"
	StartExtractingData                    Incoming = "StartExtractingData"
	ContinueExtractingData                 Incoming = "ContinueExtractingData"
	StartDeletingExtractorState            Incoming = "StartDeletingExtractorState"
	StartExtractingAttachments             Incoming = "StartExtractingAttachments"
	ContinueExtractingAttachments          Incoming = "ContinueExtractingAttachments"
	StartDeletingExtractorAttachmentsState Incoming = "StartDeletingExtractorAttachmentsState"
	StartLoadingData                       Incoming = "StartLoadingData"
	ContinueLoadingData                    Incoming = "ContinueLoadingData"
	StartDeletingLoaderState               Incoming = "StartDeletingLoaderState"
	StartLoadingAttachments                Incoming = "StartLoadingAttachments"
	ContinueLoadingAttachments             Incoming = "ContinueLoadingAttachments"
	StartDeletingLoaderAttachmentState     Incoming = "StartDeletingLoaderAttachmentState"
	Unknown                                Incoming = "UnknownEventType"
)

// Outgoing is the canonical set of event types a worker (or the
// supervisor, on its behalf) emits back to the control plane.
type Outgoing string

const (
	ExternalSyncUnitExtractionDone  Outgoing = "ExternalSyncUnitExtractionDone"
	ExternalSyncUnitExtractionError Outgoing = "ExternalSyncUnitExtractionError"

	MetadataExtractionDone  Outgoing = "MetadataExtractionDone"
	MetadataExtractionError Outgoing = "MetadataExtractionError"

	DataExtractionDone     Outgoing = "DataExtractionDone"
	DataExtractionProgress Outgoing = "DataExtractionProgress"
	DataExtractionError    Outgoing = "DataExtractionError"
	DataExtractionDelayed  Outgoing = "DataExtractionDelayed"

	ExtractorStateDeletionDone  Outgoing = "ExtractorStateDeletionDone"
	ExtractorStateDeletionError Outgoing = "ExtractorStateDeletionError"

	AttachmentExtractionDone     Outgoing = "AttachmentExtractionDone"
	AttachmentExtractionProgress Outgoing = "AttachmentExtractionProgress"
	AttachmentExtractionError    Outgoing = "AttachmentExtractionError"
	AttachmentExtractionDelayed  Outgoing = "AttachmentExtractionDelayed"

	ExtractorAttachmentsStateDeletionDone  Outgoing = "ExtractorAttachmentsStateDeletionDone"
	ExtractorAttachmentsStateDeletionError Outgoing = "ExtractorAttachmentsStateDeletionError"

	DataLoadingDone     Outgoing = "DataLoadingDone"
	DataLoadingProgress Outgoing = "DataLoadingProgress"
	DataLoadingDelayed  Outgoing = "DataLoadingDelayed"
	DataLoadingError    Outgoing = "DataLoadingError"

	LoaderStateDeletionDone  Outgoing = "LoaderStateDeletionDone"
	LoaderStateDeletionError Outgoing = "LoaderStateDeletionError"

	AttachmentLoadingDone     Outgoing = "AttachmentLoadingDone"
	AttachmentLoadingProgress Outgoing = "AttachmentLoadingProgress"
	AttachmentLoadingDelayed  Outgoing = "AttachmentLoadingDelayed"
	AttachmentLoadingError    Outgoing = "AttachmentLoadingError"

	LoaderAttachmentStateDeletionDone  Outgoing = "LoaderAttachmentStateDeletionDone"
	LoaderAttachmentStateDeletionError Outgoing = "LoaderAttachmentStateDeletionError"

	UnknownEventType Outgoing = "UnknownEventType"
)

// legacyIncomingAliases maps legacy SNAKE_CASE event-type strings the
// control plane may still send to their canonical Incoming value.
// Unrecognized input (including an empty string) normalizes to Unknown.
var legacyIncomingAliases = map[string]Incoming{
	"EXTRACTION_EXTERNAL_SYNC_UNITS_START": StartExtractingExternalSyncUnits,
	"EXTRACTION_METADATA_START":            StartExtractingMetadata,
	"EXTRACTION_DATA_START":                StartExtractingData,
	"EXTRACTION_DATA_CONTINUE":             ContinueExtractingData,
	"EXTRACTION_DATA_DELETE":               StartDeletingExtractorState,
	"EXTRACTION_ATTACHMENTS_START":         StartExtractingAttachments,
	"EXTRACTION_ATTACHMENTS_CONTINUE":      ContinueExtractingAttachments,
	"EXTRACTION_ATTACHMENTS_DELETE":        StartDeletingExtractorAttachmentsState,
	"DATA_LOADING_START":                   StartLoadingData,
	"DATA_LOADING_CONTINUE":                ContinueLoadingData,
	"DATA_LOADING_DELETE":                  StartDeletingLoaderState,
	"ATTACHMENT_LOADING_START":             StartLoadingAttachments,
	"ATTACHMENT_LOADING_CONTINUE":          ContinueLoadingAttachments,
	"ATTACHMENT_LOADING_DELETE":            StartDeletingLoaderAttachmentState,
}

// legacyOutgoingAliases maps a canonical Outgoing value to the legacy
// name downstream consumers may still expect on the wire. Event types
// without an entry are sent under their canonical name unchanged.
var legacyOutgoingAliases = map[Outgoing]string{
	DataExtractionDone:  "EXTRACTION_DATA_DONE",
	DataExtractionError: "EXTRACTION_DATA_ERROR",
	DataLoadingDone:     "DATA_LOADING_DONE",
	DataLoadingError:    "DATA_LOADING_ERROR",
}

// NormalizeIncoming translates a wire event-type string (canonical or
// legacy) into its canonical Incoming value, returning Unknown for
// anything unrecognized.
func NormalizeIncoming(raw string) Incoming {
	if canonical, ok := legacyIncomingAliases[raw]; ok {
		return canonical
	}
	for _, known := range allIncoming {
		if string(known) == raw {
			return known
		}
	}
	return Unknown
}

// OutgoingWireName returns the name to put on the wire for out, honoring
// the legacy-alias table if configured to do so; canonical is used
// otherwise.
func OutgoingWireName(out Outgoing, useLegacyAliases bool) string {
	if useLegacyAliases {
		if legacy, ok := legacyOutgoingAliases[out]; ok {
			return legacy
		}
	}
	return string(out)
}

var allIncoming = []Incoming{
	StartExtractingExternalSyncUnits,
	StartExtractingMetadata,
	StartExtractingData,
	ContinueExtractingData,
	StartDeletingExtractorState,
	StartExtractingAttachments,
	ContinueExtractingAttachments,
	StartDeletingExtractorAttachmentsState,
	StartLoadingData,
	ContinueLoadingData,
	StartDeletingLoaderState,
	StartLoadingAttachments,
	ContinueLoadingAttachments,
	StartDeletingLoaderAttachmentState,
}

// FaultEvent is the §4.9 timeout/fault table: for each incoming event
// type, the outgoing event the supervisor synthesizes when the worker
// that was handling it dies without emitting anything itself.
var FaultEvent = map[Incoming]Outgoing{
	StartExtractingExternalSyncUnits:       ExternalSyncUnitExtractionError,
	StartExtractingMetadata:                MetadataExtractionError,
	StartExtractingData:                    DataExtractionError,
	ContinueExtractingData:                 DataExtractionError,
	StartDeletingExtractorState:            ExtractorStateDeletionError,
	StartExtractingAttachments:             AttachmentExtractionError,
	ContinueExtractingAttachments:          AttachmentExtractionError,
	StartDeletingExtractorAttachmentsState: ExtractorAttachmentsStateDeletionError,
	StartLoadingData:                       DataLoadingError,
	ContinueLoadingData:                    DataLoadingError,
	StartDeletingLoaderState:               LoaderStateDeletionError,
	StartLoadingAttachments:                AttachmentLoadingError,
	ContinueLoadingAttachments:             AttachmentLoadingError,
	StartDeletingLoaderAttachmentState:     LoaderAttachmentStateDeletionError,
}

// NoScriptDoneEvent maps the four deletion starts to the "done" event the
// supervisor (or adapter) can emit directly when the connector has no
// deletion script registered, making deletion a no-op.
var NoScriptDoneEvent = map[Incoming]Outgoing{
	StartDeletingExtractorState:            ExtractorStateDeletionDone,
	StartDeletingExtractorAttachmentsState: ExtractorAttachmentsStateDeletionDone,
	StartDeletingLoaderState:               LoaderStateDeletionDone,
	StartDeletingLoaderAttachmentState:     LoaderAttachmentStateDeletionDone,
}

// ExtractionFamily is the set of outgoing event types that carry the
// accumulated artifacts list per §4.4 step 6.
var ExtractionFamily = map[Outgoing]struct{}{
	ExternalSyncUnitExtractionDone: {},
	MetadataExtractionDone:         {},
	DataExtractionDone:             {},
	DataExtractionProgress:         {},
	AttachmentExtractionDone:       {},
	AttachmentExtractionProgress:   {},
}

// Stateless is the set of incoming event types for which State.load
// returns fresh initial state rather than fetching from the worker-data
// URL, and for which Event Emitter skips State.put.
var Stateless = map[Incoming]struct{}{
	StartExtractingExternalSyncUnits: {},
}

// FaultMessageForOOM is the error message the supervisor attaches to a
// synthesized fault event when it classifies the worker's exit as OOM.
const FaultMessageForOOM = "Worker exceeded memory limit"

// FaultMessageForCrash is used for any other abnormal exit.
const FaultMessageForCrash = "Worker exited the process"
