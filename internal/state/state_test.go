package state

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/airdrop-runtime/internal/eventtypes"
	"github.com/devrev/airdrop-runtime/internal/httpclient"
	"github.com/devrev/airdrop-runtime/internal/model"
	"github.com/devrev/airdrop-runtime/logger"
)

type connectorState struct {
	Cursor string `json:"cursor"`
}

func newTestStore(t *testing.T, handler http.HandlerFunc) (*Store[connectorState], *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	c := httpclient.New(logger.Discard, "")
	c.RetrySleepFunc = func(time.Duration) {}
	return New[connectorState](c, logger.Discard), server
}

// writeStateEnvelope serves st the way the control plane does: encoded as
// a JSON string under "state".
func writeStateEnvelope(w http.ResponseWriter, st any) {
	inner, _ := json.Marshal(st)
	json.NewEncoder(w).Encode(map[string]string{"state": string(inner)})
}

func TestLoadReturnsFreshStateForStatelessEventType(t *testing.T) {
	called := false
	store, server := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})
	defer server.Close()

	event := model.AirdropEvent{EventContext: model.EventContext{WorkerDataURL: server.URL}}
	st, err := store.Load(context.Background(), event, eventtypes.StartExtractingExternalSyncUnits)
	require.NoError(t, err)
	assert.False(t, called)
	assert.Equal(t, model.AdapterState[connectorState]{}, st)
}

func TestLoadDecodesStateFromWorkerDataURL(t *testing.T) {
	store, server := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		writeStateEnvelope(w, map[string]any{
			"connector": map[string]any{"cursor": "abc"},
			"toDevRev": map[string]any{
				"attachmentsMetadata": map[string]any{
					"artifactIds":    []string{"art-1"},
					"lastProcessed":  2,
				},
			},
		})
	})
	defer server.Close()

	event := model.AirdropEvent{EventContext: model.EventContext{WorkerDataURL: server.URL}}
	st, err := store.Load(context.Background(), event, eventtypes.StartExtractingData)
	require.NoError(t, err)
	assert.Equal(t, "abc", st.Connector.Cursor)
	assert.Equal(t, []string{"art-1"}, st.ToDevRev.AttachmentsMetadata.ArtifactIDs)
	assert.Equal(t, 2, st.ToDevRev.AttachmentsMetadata.LastProcessed)
}

func TestLoadMigratesLegacyBareStringAttachmentIDs(t *testing.T) {
	store, server := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		writeStateEnvelope(w, map[string]any{
			"connector": map[string]any{},
			"toDevRev": map[string]any{
				"attachmentsMetadata": map[string]any{
					"artifactIds":                     []string{"art-1"},
					"lastProcessed":                   1,
					"lastProcessedAttachmentsIdsList": []string{"att-1", "att-2"},
				},
			},
		})
	})
	defer server.Close()

	event := model.AirdropEvent{EventContext: model.EventContext{WorkerDataURL: server.URL}}
	st, err := store.Load(context.Background(), event, eventtypes.StartExtractingAttachments)
	require.NoError(t, err)
	require.Len(t, st.ToDevRev.AttachmentsMetadata.LastProcessedAttachmentsIdsList, 2)
	assert.Equal(t, model.AttachmentRef{ID: "att-1", ParentID: ""}, st.ToDevRev.AttachmentsMetadata.LastProcessedAttachmentsIdsList[0])
}

func TestLoadResetsProgressWhenArtifactIDsEmpty(t *testing.T) {
	store, server := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		writeStateEnvelope(w, map[string]any{
			"toDevRev": map[string]any{
				"attachmentsMetadata": map[string]any{
					"lastProcessed":                   5,
					"lastProcessedAttachmentsIdsList": []map[string]string{{"id": "x", "parent_id": "y"}},
				},
			},
		})
	})
	defer server.Close()

	event := model.AirdropEvent{EventContext: model.EventContext{WorkerDataURL: server.URL}}
	st, err := store.Load(context.Background(), event, eventtypes.StartExtractingData)
	require.NoError(t, err)
	assert.Equal(t, 0, st.ToDevRev.AttachmentsMetadata.LastProcessed)
	assert.Empty(t, st.ToDevRev.AttachmentsMetadata.LastProcessedAttachmentsIdsList)
}

func TestLoadPropagatesHTTPFailure(t *testing.T) {
	store, server := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	defer server.Close()

	event := model.AirdropEvent{EventContext: model.EventContext{WorkerDataURL: server.URL}}
	_, err := store.Load(context.Background(), event, eventtypes.StartExtractingData)
	assert.Error(t, err)
}

func TestPutPostsEncodedState(t *testing.T) {
	var received model.AdapterState[connectorState]
	store, server := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var envelope struct {
			State string `json:"state"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&envelope))
		require.NoError(t, json.Unmarshal([]byte(envelope.State), &received))
		w.WriteHeader(http.StatusOK)
	})
	defer server.Close()

	st := model.AdapterState[connectorState]{Connector: connectorState{Cursor: "next"}}
	err := store.Put(context.Background(), server.URL, st)
	require.NoError(t, err)
	assert.Equal(t, "next", received.Connector.Cursor)
}

func TestPutIsNoopAfterFreeze(t *testing.T) {
	called := false
	store, server := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})
	defer server.Close()

	store.Freeze()
	err := store.Put(context.Background(), server.URL, model.AdapterState[connectorState]{})
	require.NoError(t, err)
	assert.False(t, called)
	assert.True(t, store.IsFrozen())
}

func TestPutPropagatesHTTPFailure(t *testing.T) {
	store, server := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	defer server.Close()

	err := store.Put(context.Background(), server.URL, model.AdapterState[connectorState]{})
	assert.Error(t, err)
}
