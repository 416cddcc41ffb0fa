// Package repository is C3: a single-writer, append-only buffer per item
// type that auto-flushes to an uploaded Artifact once it reaches
// batchSize, preserving push order as upload order.
//
// Grounded on the teacher's buildkite/logstreamer (an ordered chunk
// buffer flushed sequentially to one upload target) and
// internal/artifact/uploader.go's batched-accounting idiom.
package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/devrev/airdrop-runtime/internal/model"
	"github.com/devrev/airdrop-runtime/logger"
)

// Uploader is the subset of the artifact uploader a Repository needs;
// satisfied by *uploader.Uploader.
type Uploader interface {
	UploadJsonl(ctx context.Context, itemType string, objects []any) (model.Artifact, error)
}

// UploadObserver is notified after each successful flush, letting the
// adapter track attachment artifact ids and the cumulative-size
// soft-timeout threshold per §4.3. The adapter implements this directly
// rather than handing Repository a closure over itself, avoiding the
// cyclic adapter-constructs-repository-which-closes-over-adapter
// dependency the teacher's equivalent hook sidesteps with an interface.
type UploadObserver interface {
	OnUpload(ctx context.Context, itemType string, artifact model.Artifact) error
}

// Repository buffers items of one itemType and flushes full batches
// synchronously as push appends them.
type Repository struct {
	itemType  string
	batchSize int
	uploader  Uploader
	observer  UploadObserver
	logger    logger.Logger

	buffer           []any
	uploadedArtifacts []model.Artifact
}

// exemptFromNormalization is the §4.3 set of item types whose records are
// structural, not normalized, and so are pushed through untouched.
var exemptFromNormalization = map[string]struct{}{
	model.ItemTypeExternalDomainMetadata: {},
	model.ItemTypeSSORAttachment:         {},
}

// New constructs a Repository. batchSize is clamped to 1 if non-positive;
// callers that need the attachments-streaming ceiling clamp to 50
// themselves before calling New (§4.3's "never greater than 50" applies
// to the streaming pool's batch size, not the Repository's own ceiling).
func New(itemType string, batchSize int, u Uploader, observer UploadObserver, l logger.Logger) *Repository {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &Repository{
		itemType:  itemType,
		batchSize: batchSize,
		uploader:  u,
		observer:  observer,
		logger:    l,
	}
}

// ItemType returns the repository's identifying item type.
func (r *Repository) ItemType() string { return r.itemType }

// UploadedArtifacts returns the ordered sequence of artifacts flushed so
// far, in push order.
func (r *Repository) UploadedArtifacts() []model.Artifact {
	out := make([]model.Artifact, len(r.uploadedArtifacts))
	copy(out, r.uploadedArtifacts)
	return out
}

// Push appends items to the buffer and flushes full batches synchronously
// in order, returning as soon as all resulting auto-flushes complete. Any
// upload error aborts the call, leaving whatever was not yet flushed in
// the buffer.
func (r *Repository) Push(ctx context.Context, items []any) error {
	r.buffer = append(r.buffer, items...)
	for len(r.buffer) >= r.batchSize {
		batch := r.buffer[:r.batchSize]
		r.buffer = r.buffer[r.batchSize:]
		if err := r.flush(ctx, batch); err != nil {
			return err
		}
	}
	return nil
}

// Upload flushes whatever remains in the buffer, even if it is a partial
// batch. A no-op if the buffer is empty.
func (r *Repository) Upload(ctx context.Context) error {
	if len(r.buffer) == 0 {
		return nil
	}
	batch := r.buffer
	r.buffer = nil
	return r.flush(ctx, batch)
}

func (r *Repository) flush(ctx context.Context, batch []any) error {
	objects := batch
	if _, exempt := exemptFromNormalization[r.itemType]; !exempt {
		objects = normalize(batch)
	}

	artifact, err := r.uploader.UploadJsonl(ctx, r.itemType, objects)
	if err != nil {
		return fmt.Errorf("repository[%s]: uploading batch of %d: %w", r.itemType, len(batch), err)
	}
	r.uploadedArtifacts = append(r.uploadedArtifacts, artifact)

	if r.observer != nil {
		if err := r.observer.OnUpload(ctx, r.itemType, artifact); err != nil {
			return fmt.Errorf("repository[%s]: onUpload hook: %w", r.itemType, err)
		}
	}
	return nil
}

// normalize is the identity transform for already-structured items; real
// normalization (field renames, required-field defaults) lives with the
// connector's domain mapper, which is out of scope for the runtime per
// spec.md's Non-goals. The Repository's job is only to decide which item
// types skip the step, per the exemption table above.
func normalize(items []any) []any {
	return items
}

// ByteLength returns json(artifact)'s encoded length, used by the
// adapter's running-total soft-timeout check in onUpload, and for the
// heap-ceiling log line's human-readable rendering.
func ByteLength(artifact model.Artifact) (int64, error) {
	encoded, err := json.Marshal(artifact)
	if err != nil {
		return 0, err
	}
	return int64(len(encoded)), nil
}

// HumanBytes renders n the way the teacher's heap-ceiling and size-
// threshold log lines do.
func HumanBytes(n int64) string {
	return humanize.IBytes(uint64(n))
}
