// Package uploader is the artifact uploader (C2): prepare a signed upload
// slot, stream the body to the artifact store, confirm completion, and
// the inverse fetch/decode path. Every call goes through the shared
// retrying httpclient.Client, per §4.2.
//
// Grounded on the teacher's internal/artifact package: prepare/confirm
// mirrors batch_creator.go's create-then-poll shape, and stream mirrors
// bk_uploader.go's signed-form PUT. uploadJsonl's gzip step uses
// klauspost/compress the way the teacher's artifact gzip paths do.
package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/google/go-querystring/query"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"github.com/devrev/airdrop-runtime/internal/httpclient"
	"github.com/devrev/airdrop-runtime/internal/model"
	"github.com/devrev/airdrop-runtime/logger"
)

// Uploader is the worker-side handle on the artifact store.
type Uploader struct {
	http    *httpclient.Client
	logger  logger.Logger
	baseURL string
}

func New(c *httpclient.Client, l logger.Logger, baseURL string) *Uploader {
	return &Uploader{http: c, logger: l, baseURL: baseURL}
}

// PrepareUpload requests a signed upload slot for a file of fileType and
// optional fileSize, returning the artifact id and the form fields the
// caller must send on the follow-up PUT/POST.
func (u *Uploader) PrepareUpload(ctx context.Context, fileName, fileType string, fileSize *int64) (model.PreparedArtifact, error) {
	body := map[string]any{
		"file_name": fileName,
		"file_type": fileType,
	}
	if fileSize != nil {
		body["file_size"] = *fileSize
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return model.PreparedArtifact{}, fmt.Errorf("uploader: encoding prepare request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.baseURL+"/artifacts.prepare", bytes.NewReader(payload))
	if err != nil {
		return model.PreparedArtifact{}, fmt.Errorf("uploader: building prepare request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	_, respBody, err := u.http.Do(ctx, req)
	if err != nil {
		return model.PreparedArtifact{}, fmt.Errorf("uploader: prepare: %w", err)
	}

	var prepared model.PreparedArtifact
	if err := json.Unmarshal(respBody, &prepared); err != nil {
		return model.PreparedArtifact{}, fmt.Errorf("uploader: decoding prepare response: %w", err)
	}
	return prepared, nil
}

// Stream PUTs r (an abortable HTTP response body, e.g. from the
// attachment streaming pool's source fetch) to the artifact store,
// honoring ctx cancellation mid-stream. Returns nil without error if ctx
// is canceled before the PUT completes, matching §4.5's "destroy the
// stream and return without a record" semantics.
func (u *Uploader) Stream(ctx context.Context, prepared model.PreparedArtifact, r io.Reader, contentType string, contentLength int64) (*model.Artifact, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u.baseURL+"/artifacts/"+url.PathEscape(prepared.ArtifactID), r)
	if err != nil {
		return nil, fmt.Errorf("uploader: building stream request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	if contentLength > 0 {
		req.ContentLength = contentLength
	}
	for k, v := range prepared.UploadFormFields {
		req.Header.Set(k, v)
	}

	_, respBody, err := u.http.Do(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		return nil, fmt.Errorf("uploader: stream: %w", err)
	}

	var artifact model.Artifact
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &artifact); err != nil {
			return nil, fmt.Errorf("uploader: decoding stream response: %w", err)
		}
	}
	if artifact.ID == "" {
		artifact.ID = prepared.ArtifactID
	}
	return &artifact, nil
}

// Confirm tells the artifact store the upload identified by artifactID is
// complete.
func (u *Uploader) Confirm(ctx context.Context, artifactID string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.baseURL+"/artifacts/"+url.PathEscape(artifactID)+"/confirm", nil)
	if err != nil {
		return false, fmt.Errorf("uploader: building confirm request: %w", err)
	}

	resp, _, err := u.http.Do(ctx, req)
	if err != nil {
		return false, fmt.Errorf("uploader: confirm: %w", err)
	}
	return resp.StatusCode == http.StatusOK, nil
}

// FetchJSON downloads and decodes the artifact identified by artifactID.
// When gzipped is true the response body is inflated before decoding.
func (u *Uploader) FetchJSON(ctx context.Context, artifactID string, gzipped bool, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.baseURL+"/artifacts/"+url.PathEscape(artifactID), nil)
	if err != nil {
		return fmt.Errorf("uploader: building fetch request: %w", err)
	}

	_, body, err := u.http.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("uploader: fetch: %w", err)
	}

	if gzipped {
		gr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("uploader: opening gzip reader: %w", err)
		}
		defer gr.Close()
		body, err = io.ReadAll(gr)
		if err != nil {
			return fmt.Errorf("uploader: inflating response: %w", err)
		}
	}

	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("uploader: decoding fetch response: %w", err)
	}
	return nil
}

// ListOptions filters an artifact-search request: find the artifacts a
// connector has already produced for an item type (e.g. to resume an
// interrupted sync without re-uploading a chunk already accepted) rather
// than fetching one artifact id at a time.
type ListOptions struct {
	ItemType string `url:"item_type,omitempty"`
	SyncUnit string `url:"sync_unit,omitempty"`
	Since    string `url:"since,omitempty"`
	Limit    int    `url:"limit,omitempty"`
}

// ListArtifacts searches the artifact store with opts encoded as a query
// string, the same way the teacher's api/client.go encodes its list
// endpoints' filter structs rather than hand-building a url.Values.
func (u *Uploader) ListArtifacts(ctx context.Context, opts ListOptions) ([]model.Artifact, error) {
	values, err := query.Values(opts)
	if err != nil {
		return nil, fmt.Errorf("uploader: encoding list options: %w", err)
	}

	reqURL := u.baseURL + "/artifacts.list"
	if encoded := values.Encode(); encoded != "" {
		reqURL += "?" + encoded
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("uploader: building list request: %w", err)
	}

	_, body, err := u.http.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("uploader: list: %w", err)
	}

	var artifacts []model.Artifact
	if len(body) > 0 {
		if err := json.Unmarshal(body, &artifacts); err != nil {
			return nil, fmt.Errorf("uploader: decoding list response: %w", err)
		}
	}
	return artifacts, nil
}

// UploadJsonl serializes objects one-per-line, gzips the result, and
// uploads it in a single prepare+stream+confirm round trip — the fast
// path for small batches that don't warrant separate prepare/stream
// calls from the caller.
func (u *Uploader) UploadJsonl(ctx context.Context, itemType string, objects []any) (model.Artifact, error) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	for _, obj := range objects {
		line, err := json.Marshal(obj)
		if err != nil {
			return model.Artifact{}, fmt.Errorf("uploader: encoding jsonl line: %w", err)
		}
		if _, err := gw.Write(line); err != nil {
			return model.Artifact{}, fmt.Errorf("uploader: writing jsonl line: %w", err)
		}
		if _, err := gw.Write([]byte("\n")); err != nil {
			return model.Artifact{}, fmt.Errorf("uploader: writing jsonl newline: %w", err)
		}
	}
	if err := gw.Close(); err != nil {
		return model.Artifact{}, fmt.Errorf("uploader: closing gzip writer: %w", err)
	}

	fileName := itemType + "-" + uuid.NewString() + ".jsonl.gz"
	size := int64(buf.Len())
	prepared, err := u.PrepareUpload(ctx, fileName, "application/gzip", &size)
	if err != nil {
		return model.Artifact{}, err
	}

	artifact, err := u.Stream(ctx, prepared, &buf, "application/gzip", size)
	if err != nil {
		return model.Artifact{}, err
	}
	if artifact == nil {
		return model.Artifact{}, fmt.Errorf("uploader: stream canceled before completion")
	}

	if ok, err := u.Confirm(ctx, artifact.ID); err != nil {
		return model.Artifact{}, err
	} else if !ok {
		return model.Artifact{}, fmt.Errorf("uploader: confirm rejected for artifact %s", artifact.ID)
	}

	artifact.ItemType = itemType
	artifact.ItemCount = len(objects)
	artifact.ByteLength = size
	return *artifact, nil
}
