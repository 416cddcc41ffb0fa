// run-local is a developer harness: it stands up an in-process fake
// control plane (state store backed by internal/localcache on disk,
// artifact store backed by a scratch directory) and a fake callback
// sink, then drives the real supervisor against it for one event. It
// exists so a connector author can exercise a worker end-to-end without
// a live control plane, the same role the teacher's `bootstrap`
// subcommand plays for exercising an agent outside a real pipeline.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/devrev/airdrop-runtime/internal/config"
	"github.com/devrev/airdrop-runtime/internal/httpclient"
	"github.com/devrev/airdrop-runtime/internal/localcache"
	"github.com/devrev/airdrop-runtime/internal/model"
	"github.com/devrev/airdrop-runtime/internal/supervisor"
	"github.com/devrev/airdrop-runtime/logger"
)

func runLocal(args []string) int {
	fs := flag.NewFlagSet("run-local", flag.ExitOnError)
	eventFile := fs.String("event-file", "", "path to a JSON-encoded AirdropEvent; defaults to stdin")
	workerPath := fs.String("worker-path", "", "path to the cmd/worker binary; defaults to the co-located 'worker' executable")
	cacheDir := fs.String("cache-dir", filepath.Join(os.TempDir(), "airdrop-runtime-local"), "scratch directory for the fake control plane's state and artifacts")
	_ = fs.Parse(args)

	log := logger.NewConsoleLogger(logger.NewTextPrinter(os.Stderr), os.Exit)

	cfg, err := config.LoadFromEnviron()
	if err != nil {
		log.Error("run-local: loading config: %v", err)
		return 1
	}

	event, err := readEvent(*eventFile)
	if err != nil {
		log.Error("run-local: reading event: %v", err)
		return 1
	}

	fake := newFakeControlPlane(log, *cacheDir)
	server := httptest.NewServer(fake)
	defer server.Close()

	event.EventContext.WorkerDataURL = server.URL + "/state/" + urlSafe(event.EventContext.SyncUnitID)
	event.EventContext.CallbackURL = server.URL + "/callback"

	// The worker inherits this process's environment, so this points its
	// uploader at the fake artifact store.
	os.Setenv("AIRDROP_ARTIFACT_STORE_BASE_URL", server.URL)

	wp := *workerPath
	if wp == "" {
		wp = defaultWorkerPath()
	}

	s := supervisor.New(supervisor.Config{
		WorkerPath:          wp,
		HTTP:                httpclient.New(log, ""),
		Logger:              log,
		Deadline:            cfg.EffectiveTimeout(),
		SignalGracePeriod:   cfg.SignalGracePeriod,
		MemoryCeilingBytes:  cfg.MaxOldGenerationSizeMB() * 1024 * 1024,
		UseLegacyEventNames: cfg.UseLegacyEventNames,
	})

	result, err := s.Run(context.Background(), event)
	if err != nil {
		log.Error("run-local: supervising worker: %v", err)
		return 1
	}
	log.Info("run-local: worker exited code=%d emitted=%v oom=%v fault_sent=%v",
		result.ExitCode, result.WorkerEmitted, result.OOM, result.FaultSent)
	log.Info("run-local: callbacks received: %s", strings.Join(fake.callbackSummaries(), "; "))
	return 0
}

func urlSafe(s string) string {
	if s == "" {
		return "default"
	}
	return strings.ReplaceAll(s, "/", "_")
}

// fakeControlPlane serves just enough of the state-store and artifact-
// store surface (internal/state.Store, internal/uploader.Uploader) for a
// worker to run against, persisting state to disk with localcache so
// runs survive across invocations the way a real control plane's state
// would.
type fakeControlPlane struct {
	log       logger.Logger
	cacheDir  string
	callbacks []string
}

func newFakeControlPlane(l logger.Logger, cacheDir string) *fakeControlPlane {
	return &fakeControlPlane{log: l, cacheDir: cacheDir}
}

func (f *fakeControlPlane) callbackSummaries() []string {
	if len(f.callbacks) == 0 {
		return []string{"(none)"}
	}
	return f.callbacks
}

func (f *fakeControlPlane) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasPrefix(r.URL.Path, "/state/") && strings.HasSuffix(r.URL.Path, ".get") && r.Method == http.MethodGet:
		f.handleStateGet(w, r)
	case strings.HasPrefix(r.URL.Path, "/state/") && strings.HasSuffix(r.URL.Path, ".update") && r.Method == http.MethodPost:
		f.handleStatePut(w, r)
	case r.URL.Path == "/callback":
		f.handleCallback(w, r)
	case r.URL.Path == "/artifacts.prepare":
		f.handlePrepare(w, r)
	case strings.HasPrefix(r.URL.Path, "/artifacts/") && strings.HasSuffix(r.URL.Path, "/confirm"):
		f.handleConfirm(w, r)
	case strings.HasPrefix(r.URL.Path, "/artifacts/") && r.Method == http.MethodPut:
		f.handleArtifactPut(w, r)
	case strings.HasPrefix(r.URL.Path, "/artifacts/") && r.Method == http.MethodGet:
		f.handleArtifactGet(w, r)
	case r.URL.Path == "/artifacts.list":
		f.handleArtifactList(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeControlPlane) stateCache(path string) *localcache.Cache {
	key := strings.TrimPrefix(path, "/state/")
	key = strings.TrimSuffix(key, ".get")
	key = strings.TrimSuffix(key, ".update")
	return localcache.New(filepath.Join(f.cacheDir, "state", key+".json"))
}

// handleStateGet and handleStatePut speak the §6 wire contract: the
// connector-opaque state travels as a JSON-encoded string nested under
// "state", not as a bare object, so the control plane never has to parse
// it.
func (f *fakeControlPlane) handleStateGet(w http.ResponseWriter, r *http.Request) {
	data, err := f.stateCache(r.URL.Path).Load(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if data == nil {
		data = []byte(`{}`)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"state": string(data)})
}

func (f *fakeControlPlane) handleStatePut(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var envelope struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := f.stateCache(r.URL.Path).Save(r.Context(), []byte(envelope.State)); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (f *fakeControlPlane) handleCallback(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var envelope map[string]any
	_ = json.Unmarshal(body, &envelope)
	f.callbacks = append(f.callbacks, fmt.Sprintf("%v", envelope["event_type"]))
	f.log.Info("run-local: callback received: %s", string(body))
	w.WriteHeader(http.StatusOK)
}

func (f *fakeControlPlane) artifactPath(id string) string {
	return filepath.Join(f.cacheDir, "artifacts", id)
}

func (f *fakeControlPlane) handlePrepare(w http.ResponseWriter, r *http.Request) {
	id := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(f.artifactPath(id)), 0o755); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp := model.PreparedArtifact{ArtifactID: id, UploadFormFields: map[string]string{}}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (f *fakeControlPlane) artifactIDFromPath(p string) string {
	trimmed := strings.TrimPrefix(p, "/artifacts/")
	return strings.TrimSuffix(trimmed, "/confirm")
}

func (f *fakeControlPlane) handleArtifactPut(w http.ResponseWriter, r *http.Request) {
	id := f.artifactIDFromPath(r.URL.Path)
	out, err := os.Create(f.artifactPath(id))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer out.Close()
	if _, err := io.Copy(out, r.Body); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(model.Artifact{ID: id})
}

func (f *fakeControlPlane) handleConfirm(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (f *fakeControlPlane) handleArtifactGet(w http.ResponseWriter, r *http.Request) {
	id := f.artifactIDFromPath(r.URL.Path)
	data, err := os.ReadFile(f.artifactPath(id))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Write(data)
}

func (f *fakeControlPlane) handleArtifactList(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`[]`))
}
