// Package adapter is the worker adapter (C6): the façade a connector's
// task runs against, aggregating the state store, repositories, the
// emitter, and the attachment streaming pool behind one surface.
//
// Grounded on the teacher's core/controller.go (aggregation of
// collaborators behind one façade) and core/job_controller.go (the
// surface a task/hook is handed).
package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/airdrop-runtime/internal/emitter"
	"github.com/devrev/airdrop-runtime/internal/eventtypes"
	"github.com/devrev/airdrop-runtime/internal/httpclient"
	"github.com/devrev/airdrop-runtime/internal/model"
	"github.com/devrev/airdrop-runtime/internal/repository"
	"github.com/devrev/airdrop-runtime/internal/state"
	"github.com/devrev/airdrop-runtime/internal/streampool"
	"github.com/devrev/airdrop-runtime/logger"
)

// MapperClient is the domain-mapper client contract loadItemTypes
// consults to decide between create and update, per §4.6. It is an
// external collaborator the runtime never implements itself; the
// connector's Create/Update hooks are responsible for writing the
// resulting sync-mapper record back through it.
type MapperClient interface {
	Resolve(ctx context.Context, itemType, devrevID string) (found bool, err error)
}

// Connector is the user task's create/update hooks, invoked by
// loadItemTypes and loadAttachments.
type Connector interface {
	Create(ctx context.Context, itemType string, record json.RawMessage) (model.LoaderReport, error)
	Update(ctx context.Context, itemType string, record json.RawMessage) (model.LoaderReport, error)
}

// StateBackend is the C1 contract the adapter drives: fetch, persist,
// and freeze the connector-opaque state. It is an external collaborator
// per §1/§14; *state.Store[S] satisfies it.
type StateBackend[S any] interface {
	Load(ctx context.Context, event model.AirdropEvent, incoming eventtypes.Incoming, opts ...state.LoadOptions) (model.AdapterState[S], error)
	Put(ctx context.Context, url string, st model.AdapterState[S]) error
	Freeze()
	IsFrozen() bool
}

// ArtifactStore is the C2 contract processAttachment, streamAttachments,
// and every Repository drive directly. It is an external collaborator
// per §1/§14; *uploader.Uploader satisfies it.
type ArtifactStore interface {
	PrepareUpload(ctx context.Context, fileName, fileType string, fileSize *int64) (model.PreparedArtifact, error)
	Stream(ctx context.Context, prepared model.PreparedArtifact, r io.Reader, contentType string, contentLength int64) (*model.Artifact, error)
	Confirm(ctx context.Context, artifactID string) (bool, error)
	FetchJSON(ctx context.Context, artifactID string, gzipped bool, out any) error
	UploadJsonl(ctx context.Context, itemType string, objects []any) (model.Artifact, error)
}

// Adapter aggregates C1-C5 for a single worker invocation, generic over
// the connector-opaque state section S. Adapter implements
// repository.UploadObserver directly, per the cyclic-dependency fix in
// the design notes: each Repository holds the adapter as its observer
// instead of closing over adapter state.
type Adapter[S any] struct {
	event    model.AirdropEvent
	incoming eventtypes.Incoming

	logger    logger.Logger
	store     StateBackend[S]
	upload    ArtifactStore
	pool      *streampool.Pool
	emit      *emitter.Emitter
	mapper    MapperClient
	connector Connector

	attachmentBatchSize int
	sizeThresholdBytes  int64

	mu        sync.Mutex
	st        model.AdapterState[S]
	repos     map[string]*repository.Repository
	repoOrder []string
	byteTotal int64

	isTimeout   atomic.Bool
	softTimeout atomic.Bool
	requestExit func(error)
}

// Config bundles an Adapter's collaborators and tunables.
type Config[S any] struct {
	Event               model.AirdropEvent
	Incoming            eventtypes.Incoming
	State               model.AdapterState[S]
	Logger              logger.Logger
	Store               StateBackend[S]
	Uploader            ArtifactStore
	Pool                *streampool.Pool
	Mapper              MapperClient
	Connector           Connector
	AttachmentBatchSize int
	SizeThresholdBytes  int64
	UseLegacyEventNames bool
	RequestWorkerExit   func(error)
	SignalEmitted       func()
}

// New constructs an Adapter and wires its internal Emitter, whose
// UploadAllRepos callback is the adapter's own method — safe because the
// Adapter is fully constructed before the Emitter's first use, unlike a
// Repository closing over an Adapter that doesn't exist yet.
func New[S any](c Config[S], httpClient *httpclient.Client) *Adapter[S] {
	requestExit := c.RequestWorkerExit
	if requestExit == nil {
		requestExit = func(error) {}
	}

	a := &Adapter[S]{
		event:               c.Event,
		incoming:            c.Incoming,
		logger:              c.Logger,
		store:               c.Store,
		upload:              c.Uploader,
		pool:                c.Pool,
		mapper:              c.Mapper,
		connector:           c.Connector,
		attachmentBatchSize: streampool.ClampBatchSize(c.AttachmentBatchSize),
		sizeThresholdBytes:  c.SizeThresholdBytes,
		st:                  c.State,
		repos:               make(map[string]*repository.Repository),
		requestExit:         requestExit,
	}

	a.emit = emitter.New(emitter.Config{
		HTTP:              httpClient,
		Logger:            c.Logger,
		UploadAllRepos:    a.UploadAllRepos,
		RequestWorkerExit: requestExit,
		SignalEmitted:     c.SignalEmitted,
		UseLegacyNames:    c.UseLegacyEventNames,
	})

	return a
}

// Event returns the originating event, unchanged for the invocation's
// lifetime.
func (a *Adapter[S]) Event() model.AirdropEvent { return a.event }

// State returns a pointer to the adapter-owned state for the task to
// read and, before timeout, mutate directly. Mutations observed after
// IsTimeout() is true are the caller's own bug; Put (via Emit) still
// enforces the read-only projection at the network boundary.
func (a *Adapter[S]) State() *model.AdapterState[S] {
	a.mu.Lock()
	defer a.mu.Unlock()
	return &a.st
}

// IsTimeout reports whether the parent has signaled WorkerMessageExit.
func (a *Adapter[S]) IsTimeout() bool { return a.isTimeout.Load() }

// HasEmitted reports whether the emitter has completed its one allowed
// emission for this invocation.
func (a *Adapter[S]) HasEmitted() bool { return a.emit.HasEmitted() }

// InitializeRepos registers repos in the order the task declares them;
// uploadAllRepos and the cross-repo ordering invariant rely on this
// order.
func (a *Adapter[S]) InitializeRepos(repos []*repository.Repository) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range repos {
		if _, exists := a.repos[r.ItemType()]; exists {
			continue
		}
		a.repos[r.ItemType()] = r
		a.repoOrder = append(a.repoOrder, r.ItemType())
	}
}

// GetRepo looks up a previously-initialized repository by item type.
func (a *Adapter[S]) GetRepo(itemType string) (*repository.Repository, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.repos[itemType]
	return r, ok
}

// UploadAllRepos flushes every repository in declared order and returns
// the concatenated, per-repository-ordered artifact list (the cross-repo
// ordering invariant in §4.3).
func (a *Adapter[S]) UploadAllRepos(ctx context.Context) ([]model.Artifact, error) {
	a.mu.Lock()
	order := append([]string(nil), a.repoOrder...)
	a.mu.Unlock()

	var all []model.Artifact
	for _, itemType := range order {
		repo, _ := a.GetRepo(itemType)
		if err := repo.Upload(ctx); err != nil {
			return nil, fmt.Errorf("adapter: uploading repo %s: %w", itemType, err)
		}
		all = append(all, repo.UploadedArtifacts()...)
	}
	return all, nil
}

// OnUpload implements repository.UploadObserver: attachments-item-type
// artifacts are recorded into the state's artifactIds list, and every
// artifact's encoded size accumulates toward the soft-timeout threshold,
// per §4.3.
func (a *Adapter[S]) OnUpload(ctx context.Context, itemType string, artifact model.Artifact) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if itemType == model.ItemTypeAttachments {
		a.st.ToDevRev.AttachmentsMetadata.ArtifactIDs = append(a.st.ToDevRev.AttachmentsMetadata.ArtifactIDs, artifact.ID)
	}

	n, err := repository.ByteLength(artifact)
	if err != nil {
		return err
	}
	a.byteTotal += n
	if a.sizeThresholdBytes > 0 && a.byteTotal > a.sizeThresholdBytes {
		a.softTimeout.Store(true)
		a.logger.Warn("[adapter] accumulated artifact metadata %s exceeds threshold %s; entering soft-timeout",
			repository.HumanBytes(a.byteTotal), repository.HumanBytes(a.sizeThresholdBytes))
	}
	return nil
}

// NewRepo constructs a Repository observed by this adapter and backed by
// its uploader, ready to be passed to InitializeRepos.
func (a *Adapter[S]) NewRepo(itemType string, batchSize int) *repository.Repository {
	return repository.New(itemType, batchSize, a.upload, a, a.logger)
}

// SoftTimeout reports whether an onUpload hook asked the adapter to
// prefer emitting a progress event over a done event for the remainder
// of this invocation.
func (a *Adapter[S]) SoftTimeout() bool { return a.softTimeout.Load() }

// HandleTimeout flips isTimeout, freezes the state store against further
// mutation, and asks the pool to wind down after its current attachment.
func (a *Adapter[S]) HandleTimeout() {
	a.isTimeout.Store(true)
	if a.store != nil {
		a.store.Freeze()
	}
}

// Emit posts eventType to the callback URL via the emitter, pruning data
// and attaching accumulated artifacts per §4.4.
func (a *Adapter[S]) Emit(ctx context.Context, out eventtypes.Outgoing, data any) error {
	putState := func(ctx context.Context) error {
		a.mu.Lock()
		st := a.st
		a.mu.Unlock()
		return a.store.Put(ctx, a.event.EventContext.WorkerDataURL, st)
	}
	advance := func() {
		a.mu.Lock()
		a.st.LastSuccessfulSyncStarted = a.st.LastSyncStarted
		a.st.LastSyncStarted = 0
		a.mu.Unlock()
	}
	return a.emit.Emit(ctx, a.event.EventContext.CallbackURL, a.event.EventContext, a.incoming, out, data, putState, advance)
}

// ProcessAttachment runs the §4.5/§4.6 per-attachment flow: prepare an
// artifact slot sized from the source stream, PUT the bytes, confirm,
// and synthesize the ssor_attachment record. If the adapter's timeout
// flag flips mid-flow, the in-flight stream is abandoned (via ctx
// cancellation) and ProcessAttachment returns (nil, nil) — no record.
func (a *Adapter[S]) ProcessAttachment(ctx context.Context, attachment model.NormalizedAttachment, open func(ctx context.Context) (*AttachmentSource, error)) (*model.SSORAttachment, error) {
	src, err := open(ctx)
	if err != nil {
		return nil, fmt.Errorf("adapter: opening attachment %s: %w", attachment.ID, err)
	}
	defer src.Body.Close()

	if a.IsTimeout() {
		return nil, nil
	}

	prepared, err := a.upload.PrepareUpload(ctx, attachment.FileName, src.ContentType, &src.ContentLength)
	if err != nil {
		return nil, fmt.Errorf("adapter: preparing attachment artifact: %w", err)
	}

	artifact, err := a.upload.Stream(ctx, prepared, src.Body, src.ContentType, src.ContentLength)
	if err != nil {
		return nil, fmt.Errorf("adapter: streaming attachment %s: %w", attachment.ID, err)
	}
	if artifact == nil {
		return nil, nil
	}

	if ok, err := a.upload.Confirm(ctx, artifact.ID); err != nil {
		return nil, fmt.Errorf("adapter: confirming attachment %s: %w", attachment.ID, err)
	} else if !ok {
		return nil, fmt.Errorf("adapter: confirm rejected for attachment %s", attachment.ID)
	}

	record := &model.SSORAttachment{
		ID:       model.SSORAttachmentID{Devrev: artifact.ID, External: attachment.ID},
		ParentID: model.SSORParentID{External: attachment.ParentID},
		ActorID:  attachment.AuthorID,
		Inline:   attachment.Inline,
	}

	if repo, ok := a.GetRepo(model.ItemTypeSSORAttachment); ok {
		if err := repo.Push(ctx, []any{record}); err != nil {
			return nil, fmt.Errorf("adapter: pushing ssor_attachment record: %w", err)
		}
	}

	return record, nil
}

// AttachmentSource is what open() in ProcessAttachment returns: an
// abortable HTTP stream plus the metadata Content-Type/Content-Length
// header prep needs.
type AttachmentSource struct {
	Body          ReadCloser
	ContentType   string
	ContentLength int64
}

// ReadCloser is a local read-and-close interface with the same method set
// as io.ReadCloser, matching the narrow-interface style the teacher's
// workUnit abstractions use.
type ReadCloser interface {
	Read(p []byte) (n int, err error)
	Close() error
}

// StreamAttachments iterates state.toDevRev.attachmentsMetadata.artifactIds
// in order, fetching each chunk's attachment list via the uploader and
// handing it to the pool, per §4.6.
func (a *Adapter[S]) StreamAttachments(ctx context.Context, open func(ctx context.Context) (*AttachmentSource, error)) (*streampool.Result, error) {
	a.mu.Lock()
	meta := &a.st.ToDevRev.AttachmentsMetadata
	a.mu.Unlock()

	for len(meta.ArtifactIDs) > 0 {
		chunkID := meta.ArtifactIDs[0]

		var attachments []model.NormalizedAttachment
		if err := a.upload.FetchJSON(ctx, chunkID, true, &attachments); err != nil {
			return nil, fmt.Errorf("adapter: fetching attachment chunk %s: %w", chunkID, err)
		}
		if len(attachments) == 0 {
			a.mu.Lock()
			meta.ArtifactIDs = meta.ArtifactIDs[1:]
			a.mu.Unlock()
			continue
		}

		already := make(map[model.AttachmentRef]struct{}, len(meta.LastProcessedAttachmentsIdsList))
		for _, ref := range meta.LastProcessedAttachmentsIdsList {
			already[ref] = struct{}{}
		}

		stream := func(ctx context.Context, attachment model.NormalizedAttachment) (*streampool.StreamResult, error) {
			if _, err := a.ProcessAttachment(ctx, attachment, open); err != nil {
				var rateLimit *RateLimitError
				if errors.As(err, &rateLimit) {
					seconds := int64(rateLimit.Delay / time.Second)
					return &streampool.StreamResult{Delay: &seconds}, nil
				}
				return &streampool.StreamResult{Err: err}, nil
			}
			return nil, nil
		}

		result := a.pool.Run(ctx, attachments, already, stream, a.attachmentBatchSize, a.IsTimeout)

		if result.Delay != nil {
			return &result, nil
		}

		skipped := 0
		for _, attachment := range attachments {
			if _, ok := already[model.AttachmentRef{ID: attachment.ID, ParentID: attachment.ParentID}]; ok {
				skipped++
			}
		}
		complete := skipped+len(result.Processed) == len(attachments)

		a.mu.Lock()
		if complete {
			// A2: pool exited cleanly for this chunk — clear progress and
			// drop the chunk id from the head of the queue.
			meta.LastProcessed = 0
			meta.LastProcessedAttachmentsIdsList = nil
			meta.ArtifactIDs = meta.ArtifactIDs[1:]
		} else {
			meta.LastProcessedAttachmentsIdsList = append(meta.LastProcessedAttachmentsIdsList, result.Processed...)
			meta.LastProcessed = len(meta.LastProcessedAttachmentsIdsList)
		}
		a.mu.Unlock()

		if a.IsTimeout() {
			break
		}
		if !complete {
			// A failed attachment keeps the chunk at the head of the queue;
			// stop here instead of re-fetching the same chunk.
			return &result, nil
		}
	}
	return nil, nil
}

// loadLine produces the LoaderReport for one record at (file, line); the
// two load operations below differ only in how they get there -
// loadItemTypes resolves create-vs-update through the mapper,
// loadAttachments always creates.
type loadLine func(ctx context.Context, file model.FileToLoad, line int) (model.LoaderReport, error)

// runLoadLoop walks state.fromDevRev.filesToLoad and calls load for each
// record from lineToProcess to count, persisting progress before every
// return. A *RateLimitError from load surfaces as (report, false, delay,
// nil) without advancing lineToProcess past the record that triggered
// it or flipping completed, per §4.6's "Returning {delay} emits
// DataLoadingDelayed and breaks". A *TimeoutError is treated the same as
// the adapter's own IsTimeout() check. Any other error is fatal.
func (a *Adapter[S]) runLoadLoop(ctx context.Context, load loadLine) (model.LoaderReport, bool, time.Duration, error) {
	var report model.LoaderReport

	a.mu.Lock()
	files := a.st.FromDevRev.FilesToLoad
	a.mu.Unlock()

	for i := range files {
		file := &files[i]
		if file.Completed {
			continue
		}

		for file.LineToProcess < file.Count {
			if a.IsTimeout() {
				a.persistFilesToLoad(files)
				return report, false, 0, nil
			}

			lineReport, err := load(ctx, *file, file.LineToProcess)
			if err != nil {
				var rateLimit *RateLimitError
				if errors.As(err, &rateLimit) {
					a.persistFilesToLoad(files)
					return report, false, rateLimit.Delay, nil
				}
				var timeout *TimeoutError
				if errors.As(err, &timeout) {
					a.persistFilesToLoad(files)
					return report, false, 0, nil
				}
				a.persistFilesToLoad(files)
				return report, false, 0, fmt.Errorf("adapter: loading line: %w", err)
			}

			report.Merge(lineReport)
			file.LineToProcess++
		}
		file.Completed = true
	}

	a.persistFilesToLoad(files)
	return report, true, 0, nil
}

// LoadItemTypes walks state.fromDevRev.filesToLoad, resolving each
// record against the mapper and dispatching to the connector's
// create/update hook, per §4.6.
func (a *Adapter[S]) LoadItemTypes(ctx context.Context, fetchLine func(ctx context.Context, file model.FileToLoad, line int) (json.RawMessage, string, error)) (model.LoaderReport, bool, time.Duration, error) {
	return a.runLoadLoop(ctx, func(ctx context.Context, file model.FileToLoad, line int) (model.LoaderReport, error) {
		raw, devrevID, err := fetchLine(ctx, file, line)
		if err != nil {
			return model.LoaderReport{}, fmt.Errorf("adapter: fetching load line: %w", err)
		}
		return a.loadItem(ctx, file.ItemType, devrevID, raw)
	})
}

func (a *Adapter[S]) loadItem(ctx context.Context, itemType, devrevID string, record json.RawMessage) (model.LoaderReport, error) {
	found, err := a.mapper.Resolve(ctx, itemType, devrevID)
	if err != nil {
		return model.LoaderReport{}, err
	}
	if found {
		return a.connector.Update(ctx, itemType, record)
	}
	return a.connector.Create(ctx, itemType, record)
}

// LoadAttachments walks state.fromDevRev.filesToLoad the same way
// LoadItemTypes does, but always creates: an attachment being loaded
// into the destination has no devrev_id for the mapper to resolve
// against, so the C6 surface takes a single create hook instead of a
// mapper-backed create/update pair.
func (a *Adapter[S]) LoadAttachments(
	ctx context.Context,
	fetchLine func(ctx context.Context, file model.FileToLoad, line int) (json.RawMessage, error),
	create func(ctx context.Context, itemType string, record json.RawMessage) (model.LoaderReport, error),
) (model.LoaderReport, bool, time.Duration, error) {
	return a.runLoadLoop(ctx, func(ctx context.Context, file model.FileToLoad, line int) (model.LoaderReport, error) {
		raw, err := fetchLine(ctx, file, line)
		if err != nil {
			return model.LoaderReport{}, fmt.Errorf("adapter: fetching load line: %w", err)
		}
		return create(ctx, file.ItemType, raw)
	})
}

func (a *Adapter[S]) persistFilesToLoad(files []model.FileToLoad) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.st.FromDevRev.FilesToLoad = files
}
