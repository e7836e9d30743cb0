package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/searchguard/internal/activity"
	"github.com/JakeFAU/searchguard/internal/backup"
	"github.com/JakeFAU/searchguard/internal/config"
	"github.com/JakeFAU/searchguard/internal/control"
	"github.com/JakeFAU/searchguard/internal/hash/sha256"
	"github.com/JakeFAU/searchguard/internal/id/uuid"
	"github.com/JakeFAU/searchguard/internal/state"
	"github.com/JakeFAU/searchguard/internal/storage/memory"
)

var testNow = time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC)

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Auth = config.AuthConfig{Enabled: true, APIKey: "secret"}
	server := newTestServer(t, withConfig(cfg))

	req := httptest.NewRequest(http.MethodGet, "/v1/state", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/state", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/state?api_key=secret", nil)
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// Probes stay reachable without a key.
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	server := newTestServer(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	server.Handler().ServeHTTP(rec, req)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/v1/state", nil)
	req.Header.Set("X-Request-ID", "req-42")
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
	ack := decodeAck(t, rec)
	require.Equal(t, "req-42", ack.RequestID)
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, withReady(func(context.Context) error { return errors.New("db down") }))
	rec := do(t, server, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "db down")

	rec = do(t, newTestServer(t), http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestStateRoutes(t *testing.T) {
	t.Parallel()

	server := newTestServer(t)

	rec := do(t, server, http.MethodGet, "/v1/state", "")
	require.Equal(t, http.StatusOK, rec.Code)
	ack := decodeAck(t, rec)
	require.True(t, ack.OK())
	require.NotNil(t, ack.State)
	require.Empty(t, ack.State.WordList)
	require.True(t, ack.State.Settings.ShowIndicator)

	rec = do(t, server, http.MethodPatch, "/v1/state", `{"settings":{"usePatternMode":true}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	ack = decodeAck(t, rec)
	require.True(t, ack.State.Settings.UsePatternMode)
	require.True(t, ack.State.Settings.ShowIndicator)

	rec = do(t, server, http.MethodPatch, "/v1/state", `{not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, server, http.MethodPost, "/v1/state/blocked", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 1, decodeAck(t, rec).State.BlockedCount)

	rec = do(t, server, http.MethodPatch, "/v1/state", `{"blockedCount":0}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 1, decodeAck(t, rec).State.BlockedCount, "the counter never goes down")
}

func TestBlockWithoutBrowser(t *testing.T) {
	t.Parallel()

	server := newTestServer(t)

	rec := do(t, server, http.MethodPost, "/v1/block", `{"query":"x"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, server, http.MethodPost, "/v1/block", `{"query":"x","matchedTerm":"x","engineHost":"www.google.com","tabId":"T1"}`)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	ack := decodeAck(t, rec)
	require.Equal(t, control.StatusError, ack.Status)
	require.NotEmpty(t, ack.Error)
}

func TestWordRoutes(t *testing.T) {
	t.Parallel()

	server := newTestServer(t)

	rec := do(t, server, http.MethodPut, "/v1/words", "spoiler\nending\n\nspoiler\n")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"spoiler", "ending"}, decodeAck(t, rec).State.WordList)

	rec = doJSON(t, server, http.MethodPost, "/v1/words", `{"words":["finale","ending"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"spoiler", "ending", "finale"}, decodeAck(t, rec).State.WordList)

	rec = do(t, server, http.MethodDelete, "/v1/words/ending", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"spoiler", "finale"}, decodeAck(t, rec).State.WordList)

	rec = do(t, server, http.MethodDelete, "/v1/words/ending", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, server, http.MethodPost, "/v1/words", `{"words":`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSettingsRoute(t *testing.T) {
	t.Parallel()

	server := newTestServer(t)

	rec := do(t, server, http.MethodPut, "/v1/settings", `{"useWordBoundary":true,"showIndicator":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	settings := decodeAck(t, rec).State.Settings
	require.True(t, settings.UseWordBoundary)
	require.False(t, settings.ShowIndicator)
	require.False(t, settings.UsePatternMode)

	rec = do(t, server, http.MethodGet, "/v1/indicator", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var ind indicatorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ind))
	require.False(t, ind.Visible)
}

func TestBypassRoutes(t *testing.T) {
	t.Parallel()

	emitter := &recordingEmitter{}
	server := newTestServer(t, withEmitter(emitter))

	rec := do(t, server, http.MethodPost, "/v1/bypass", `{"minutes":0}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, server, http.MethodPost, "/v1/bypass", `{"minutes":15}`)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decodeAck(t, rec).State
	require.NotNil(t, st.BypassUntil)
	require.Equal(t, testNow.Add(15*time.Minute).UnixMilli(), *st.BypassUntil)
	require.Equal(t, []activity.Kind{activity.KindBypassStarted}, emitter.kinds())

	rec = do(t, server, http.MethodGet, "/v1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.True(t, status.Bypassed)
	require.EqualValues(t, 15, status.RemainingMin)

	rec = do(t, server, http.MethodGet, "/v1/indicator", "")
	var ind indicatorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ind))
	require.False(t, ind.Visible)

	rec = do(t, server, http.MethodDelete, "/v1/bypass", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Nil(t, decodeAck(t, rec).State.BypassUntil)

	rec = do(t, server, http.MethodGet, "/v1/status", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Equal(t, "active", status.Status)
}

func TestExportImport(t *testing.T) {
	t.Parallel()

	server := newTestServer(t)
	require.Equal(t, http.StatusOK, do(t, server, http.MethodPut, "/v1/words", "spoiler").Code)

	rec := do(t, server, http.MethodGet, "/v1/export", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.Contains(t, rec.Header().Get("Content-Disposition"), "ngword-blocker-backup-2025-03-04.json")
	require.JSONEq(t, `{"wordList":["spoiler"],"settings":{"usePatternMode":false,"useWordBoundary":false,"showIndicator":true}}`, rec.Body.String())

	rec = do(t, server, http.MethodGet, "/v1/export?format=yaml", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Disposition"), ".yaml")
	require.Contains(t, rec.Body.String(), "wordList:")

	rec = do(t, server, http.MethodGet, "/v1/export?format=xml", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, server, http.MethodPost, "/v1/import", `[1,2]`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, server, http.MethodPost, "/v1/import", `{"ngWords":["finale",3,null],"settings":{"useRegex":true}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decodeAck(t, rec).State
	require.Equal(t, []string{"finale", "3"}, st.WordList)
	require.True(t, st.Settings.UsePatternMode)
}

func TestBackupRoutes(t *testing.T) {
	t.Parallel()

	rec := do(t, newTestServer(t), http.MethodPost, "/v1/backup", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	blobs := memory.NewBlobStore()
	server := newTestServer(t, withBlobs(blobs))
	require.Equal(t, http.StatusOK, do(t, server, http.MethodPut, "/v1/words", "spoiler").Code)

	rec = do(t, server, http.MethodPost, "/v1/backup", "")
	require.Equal(t, http.StatusCreated, rec.Code)
	var res backup.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.True(t, strings.HasPrefix(res.Path, "ngword-blocker-backup-2025-03-04-"))
	require.Equal(t, 1, res.Words)
	require.Equal(t, []string{res.Path}, blobs.Paths())

	require.Equal(t, http.StatusOK, do(t, server, http.MethodPut, "/v1/words", "").Code)

	rec = do(t, server, http.MethodPost, "/v1/restore", `{"path":"`+res.Path+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"spoiler"}, decodeAck(t, rec).State.WordList)

	rec = do(t, server, http.MethodPost, "/v1/restore", `{"path":"missing.json"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, server, http.MethodPost, "/v1/restore", `{}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBlocksRoute(t *testing.T) {
	t.Parallel()

	rec := do(t, newTestServer(t), http.MethodGet, "/v1/activity/blocks", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	evt := activity.New(activity.KindBlocked, testNow)
	evt.Host = "www.google.com"
	evt.TabID = "T1"
	evt.MatchedTerm = "spoiler"
	counter := &fakeBlocks{total: 7, events: []activity.Event{evt}}
	server := newTestServer(t, withBlocks(counter))

	rec = do(t, server, http.MethodGet, "/v1/activity/blocks?limit=1000&offset=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Total  int64      `json:"total"`
		Blocks []blockDTO `json:"blocks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.EqualValues(t, 7, body.Total)
	require.Len(t, body.Blocks, 1)
	require.Equal(t, "Google", body.Blocks[0].Engine)
	require.Equal(t, "spoiler", body.Blocks[0].MatchedTerm)
	require.Equal(t, maxBlocksLimit, counter.limit)
	require.Equal(t, 2, counter.offset)

	rec = do(t, server, http.MethodGet, "/v1/activity/blocks?limit=-1", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	counter.err = errors.New("boom")
	rec = do(t, server, http.MethodGet, "/v1/activity/blocks", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestBlockedPage(t *testing.T) {
	t.Parallel()

	rec := do(t, newTestServer(t), http.MethodGet, "/blocked?query=x&ngword=spoiler&engine=www.bing.com", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	require.Contains(t, rec.Body.String(), "spoiler")
}

func TestEventsStream(t *testing.T) {
	t.Parallel()

	server := newTestServer(t)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	client, err := control.NewHTTPClient(control.HTTPClientConfig{BaseURL: ts.URL, IDs: uuid.New()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	changes, err := client.Subscribe(ctx)
	require.NoError(t, err)

	_, err = client.SetState(ctx, state.WithWordList([]string{"spoiler"}))
	require.NoError(t, err)

	select {
	case change := <-changes:
		require.True(t, change.Has(state.KeyWordList))
		require.Equal(t, []string{"spoiler"}, change.State.WordList)
	case <-time.After(5 * time.Second):
		t.Fatal("no change event received")
	}
}

func TestNewServerRequiresService(t *testing.T) {
	t.Parallel()

	_, err := NewServer(Deps{}, testConfig())
	require.Error(t, err)
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected unsupported hijacker error, got %v", err)
	}

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	if err != nil {
		t.Fatalf("expected successful hijack, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close hijacked conn: %v", err)
	}
	if err := h.CloseClient(); err != nil {
		t.Fatalf("close hijacked client: %v", err)
	}
	if buf == nil {
		t.Fatal("expected buf to be non-nil")
	}
}

// --- helpers/fakes ---

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type recordingEmitter struct {
	mu     sync.Mutex
	events []activity.Event
}

func (e *recordingEmitter) Emit(evt activity.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
}

func (e *recordingEmitter) kinds() []activity.Kind {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]activity.Kind, 0, len(e.events))
	for _, evt := range e.events {
		out = append(out, evt.Kind)
	}
	return out
}

type fakeBlocks struct {
	total  int64
	events []activity.Event
	err    error
	limit  int
	offset int
}

func (f *fakeBlocks) Count(context.Context) (int64, error) {
	return f.total, f.err
}

func (f *fakeBlocks) Recent(_ context.Context, limit, offset int) ([]activity.Event, error) {
	f.limit, f.offset = limit, offset
	return f.events, f.err
}

// storeClient adapts a state.Store to backup.StateClient.
type storeClient struct{ store *state.Store }

func (c storeClient) GetState(ctx context.Context) (state.Configuration, error) {
	return c.store.Get(ctx)
}

func (c storeClient) SetState(ctx context.Context, patch state.Patch) (state.Configuration, error) {
	return c.store.Set(ctx, patch)
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}

type serverOptions struct {
	cfg     config.Config
	blobs   *memory.BlobStore
	blocks  BlockCounter
	emitter activity.Emitter
	ready   func(context.Context) error
}

type serverOption func(*serverOptions)

func withConfig(cfg config.Config) serverOption {
	return func(o *serverOptions) { o.cfg = cfg }
}

func withBlobs(b *memory.BlobStore) serverOption {
	return func(o *serverOptions) { o.blobs = b }
}

func withBlocks(b BlockCounter) serverOption {
	return func(o *serverOptions) { o.blocks = b }
}

func withEmitter(e activity.Emitter) serverOption {
	return func(o *serverOptions) { o.emitter = e }
}

func withReady(fn func(context.Context) error) serverOption {
	return func(o *serverOptions) { o.ready = fn }
}

func testConfig() config.Config {
	return config.Config{
		Server:  config.ServerConfig{Port: 8080, BaseURL: "http://127.0.0.1:8080", RequestTimeout: 5 * time.Second},
		Logging: config.LoggingConfig{Development: true},
	}
}

func newTestServer(t *testing.T, opts ...serverOption) *Server {
	t.Helper()
	o := serverOptions{cfg: testConfig()}
	for _, opt := range opts {
		opt(&o)
	}

	store := state.NewStore(memory.NewStateBackend(nil), nil)
	_, err := store.Init(context.Background())
	require.NoError(t, err)

	clock := fixedClock{now: testNow}
	svc, err := control.NewService(control.ServiceConfig{
		Store:   store,
		BaseURL: o.cfg.Server.BaseURL,
		IDs:     uuid.New(),
		Clock:   clock,
	})
	require.NoError(t, err)

	var backups *backup.Service
	if o.blobs != nil {
		backups, err = backup.New(storeClient{store: store}, o.blobs, sha256.New(), clock, nil)
		require.NoError(t, err)
	}

	server, err := NewServer(Deps{
		Service: svc,
		Backups: backups,
		Blocks:  o.blocks,
		Clock:   clock,
		Emitter: o.emitter,
		Ready:   o.ready,
		Logger:  zap.NewNop(),
	}, o.cfg)
	require.NoError(t, err)
	return server
}

func do(t *testing.T, server *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}

func doJSON(t *testing.T, server *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeAck(t *testing.T, rec *httptest.ResponseRecorder) control.Ack {
	t.Helper()
	var ack control.Ack
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack), rec.Body.String())
	return ack
}
