package uploader

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/airdrop-runtime/internal/httpclient"
	"github.com/devrev/airdrop-runtime/internal/model"
	"github.com/devrev/airdrop-runtime/logger"
)

func newTestUploader(t *testing.T, handler http.HandlerFunc) (*Uploader, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	c := httpclient.New(logger.Discard, "")
	c.RetrySleepFunc = func(time.Duration) {}
	return New(c, logger.Discard, server.URL), server
}

func TestPrepareUploadDecodesResponse(t *testing.T) {
	u, server := newTestUploader(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/artifacts.prepare", r.URL.Path)
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "file.txt", req["file_name"])
		json.NewEncoder(w).Encode(model.PreparedArtifact{
			ArtifactID:       "art-1",
			UploadFormFields: map[string]string{"x-custom": "v"},
		})
	})
	defer server.Close()

	size := int64(10)
	prepared, err := u.PrepareUpload(context.Background(), "file.txt", "text/plain", &size)
	require.NoError(t, err)
	assert.Equal(t, "art-1", prepared.ArtifactID)
	assert.Equal(t, "v", prepared.UploadFormFields["x-custom"])
}

func TestStreamPutsBodyAndDecodesArtifact(t *testing.T) {
	u, server := newTestUploader(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "payload", string(body))
		json.NewEncoder(w).Encode(model.Artifact{ID: "art-1", ByteLength: 7})
	})
	defer server.Close()

	artifact, err := u.Stream(context.Background(), model.PreparedArtifact{ArtifactID: "art-1"}, strings.NewReader("payload"), "text/plain", 7)
	require.NoError(t, err)
	require.NotNil(t, artifact)
	assert.Equal(t, int64(7), artifact.ByteLength)
}

func TestStreamReturnsNilWhenContextCanceled(t *testing.T) {
	u, server := newTestUploader(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	artifact, err := u.Stream(ctx, model.PreparedArtifact{ArtifactID: "art-1"}, strings.NewReader("x"), "text/plain", 1)
	require.NoError(t, err)
	assert.Nil(t, artifact)
}

func TestConfirmReturnsTrueOn200(t *testing.T) {
	u, server := newTestUploader(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/artifacts/art-1/confirm", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	})
	defer server.Close()

	ok, err := u.Confirm(context.Background(), "art-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFetchJSONInflatesGzip(t *testing.T) {
	var buf strings.Builder
	gw := gzip.NewWriter(&buf)
	gw.Write([]byte(`{"hello":"world"}`))
	gw.Close()

	u, server := newTestUploader(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(buf.String()))
	})
	defer server.Close()

	var out map[string]string
	err := u.FetchJSON(context.Background(), "art-1", true, &out)
	require.NoError(t, err)
	assert.Equal(t, "world", out["hello"])
}

func TestUploadJsonlRoundTrips(t *testing.T) {
	var confirmed bool
	u, server := newTestUploader(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/artifacts.prepare":
			json.NewEncoder(w).Encode(model.PreparedArtifact{ArtifactID: "art-9"})
		case r.Method == http.MethodPut:
			body, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			gr, err := gzip.NewReader(strings.NewReader(string(body)))
			require.NoError(t, err)
			inflated, err := io.ReadAll(gr)
			require.NoError(t, err)
			assert.Contains(t, string(inflated), `"id":"1"`)
			json.NewEncoder(w).Encode(model.Artifact{ID: "art-9"})
		case strings.HasSuffix(r.URL.Path, "/confirm"):
			confirmed = true
			w.WriteHeader(http.StatusOK)
		}
	})
	defer server.Close()

	artifact, err := u.UploadJsonl(context.Background(), "contacts", []any{
		map[string]string{"id": "1"},
		map[string]string{"id": "2"},
	})
	require.NoError(t, err)
	assert.True(t, confirmed)
	assert.Equal(t, "contacts", artifact.ItemType)
	assert.Equal(t, 2, artifact.ItemCount)
}
