package integration_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/specvault/internal/auth"
	"github.com/MarcoPoloResearchLab/specvault/internal/chain"
	"github.com/MarcoPoloResearchLab/specvault/internal/database"
	"github.com/MarcoPoloResearchLab/specvault/internal/delta"
	"github.com/MarcoPoloResearchLab/specvault/internal/history"
	"github.com/MarcoPoloResearchLab/specvault/internal/metrics"
	"github.com/MarcoPoloResearchLab/specvault/internal/payload"
	"github.com/MarcoPoloResearchLab/specvault/internal/server"
	"github.com/MarcoPoloResearchLab/specvault/internal/versions"
	"github.com/MarcoPoloResearchLab/specvault/internal/watcher"
	"github.com/MarcoPoloResearchLab/specvault/internal/worker"
	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

const (
	sessionSigningSecret = "integration-secret"
	sessionCookieName    = "specvault_session"
	sessionIssuer        = "specvault"
	jsonContentType      = "application/json"
	documentPath         = "apis/petstore.json"
)

type stack struct {
	server  *httptest.Server
	service *history.Service
	issuer  *auth.TokenIssuer
}

func newStack(testContext *testing.T) *stack {
	testContext.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(testContext.TempDir(), "integration.db"), zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	store, err := versions.NewStore(versions.StoreConfig{Database: db, CheckpointInterval: 3})
	if err != nil {
		testContext.Fatalf("failed to build store: %v", err)
	}
	codec, err := payload.NewCodec()
	if err != nil {
		testContext.Fatalf("failed to build codec: %v", err)
	}
	engine := delta.NewEngine(delta.Options{})
	collectors := metrics.New()

	ctx, cancel := context.WithCancel(context.Background())
	client, storeWorker, err := worker.Connect(ctx, worker.Config{
		Store:         store,
		Reconstructor: chain.NewReconstructor(engine, codec),
		Metrics:       collectors,
	})
	if err != nil {
		cancel()
		testContext.Fatalf("failed to start worker: %v", err)
	}

	service, err := history.NewService(history.ServiceConfig{
		Backend: client,
		Engine:  engine,
		Codec:   codec,
		Metrics: collectors,
	})
	if err != nil {
		testContext.Fatalf("failed to build service: %v", err)
	}

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(sessionSigningSecret),
		Issuer:        sessionIssuer,
		CookieName:    sessionCookieName,
	})
	if err != nil {
		testContext.Fatalf("failed to construct session validator: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(sessionSigningSecret),
		Issuer:        sessionIssuer,
	})
	if err != nil {
		testContext.Fatalf("failed to construct token issuer: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		History:          service,
		SessionValidator: validator,
		Metrics:          collectors,
		Logger:           zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}

	testServer := httptest.NewServer(handler)
	testContext.Cleanup(func() {
		testServer.Close()
		_ = client.Close()
		cancel()
		storeWorker.Wait()
		_ = codec.Close()
		_ = database.Close(db)
	})
	return &stack{server: testServer, service: service, issuer: issuer}
}

func (s *stack) token(testContext *testing.T, scope string) string {
	testContext.Helper()
	token, _, err := s.issuer.Issue("pipeline", scope)
	if err != nil {
		testContext.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (s *stack) request(testContext *testing.T, method, target, token string, body any) *http.Response {
	testContext.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			testContext.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request, err := http.NewRequest(method, s.server.URL+target, reader)
	if err != nil {
		testContext.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Content-Type", jsonContentType)
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		testContext.Fatalf("%s %s failed: %v", method, target, err)
	}
	testContext.Cleanup(func() { _ = response.Body.Close() })
	return response
}

func decode(testContext *testing.T, response *http.Response, into any) {
	testContext.Helper()
	if err := json.NewDecoder(response.Body).Decode(into); err != nil {
		testContext.Fatalf("failed to decode response: %v", err)
	}
}

func TestAuthAndHistoryFlow(testContext *testing.T) {
	vault := newStack(testContext)
	readToken := vault.token(testContext, auth.ScopeRead)
	writeToken := vault.token(testContext, auth.ScopeWrite)

	if response := vault.request(testContext, http.MethodGet, "/api/entries", "", nil); response.StatusCode != http.StatusUnauthorized {
		testContext.Fatalf("expected 401 without a token, got %d", response.StatusCode)
	}

	saveBody := map[string]any{
		"path":    documentPath,
		"name":    "petstore",
		"version": "1.0.0",
		"content": map[string]any{"openapi": "3.0.0", "paths": map[string]any{"/pets": map[string]any{"get": "list"}}},
	}
	if response := vault.request(testContext, http.MethodPost, "/api/versions", readToken, saveBody); response.StatusCode != http.StatusForbidden {
		testContext.Fatalf("expected 403 for a read token save, got %d", response.StatusCode)
	}

	first := vault.request(testContext, http.MethodPost, "/api/versions", writeToken, saveBody)
	if first.StatusCode != http.StatusCreated {
		testContext.Fatalf("unexpected save status: %d", first.StatusCode)
	}
	var firstResult struct {
		Version struct {
			ID     int64 `json:"id"`
			IsFull bool  `json:"is_full"`
		} `json:"version"`
		Reason string `json:"reason"`
	}
	decode(testContext, first, &firstResult)
	if !firstResult.Version.IsFull || firstResult.Reason != string(chain.ReasonFirst) {
		testContext.Fatalf("expected a full first version, got %+v", firstResult)
	}

	saveBody["version"] = "1.1.0"
	saveBody["content"] = map[string]any{"openapi": "3.0.0", "paths": map[string]any{"/pets": map[string]any{"get": "list", "post": "create"}}}
	second := vault.request(testContext, http.MethodPost, "/api/versions", writeToken, saveBody)
	if second.StatusCode != http.StatusCreated {
		testContext.Fatalf("unexpected second save status: %d", second.StatusCode)
	}
	var secondResult struct {
		Version struct {
			ID     int64 `json:"id"`
			IsFull bool  `json:"is_full"`
		} `json:"version"`
	}
	decode(testContext, second, &secondResult)
	if secondResult.Version.IsFull {
		testContext.Fatalf("expected the second version to be stored as a delta")
	}

	repeated := vault.request(testContext, http.MethodPost, "/api/versions", writeToken, map[string]any{
		"path": documentPath, "name": "petstore", "version": "1.2.0", "content": saveBody["content"],
	})
	if repeated.StatusCode != http.StatusConflict {
		testContext.Fatalf("expected 409 for an unchanged save, got %d", repeated.StatusCode)
	}

	contentRequest, _ := http.NewRequest(http.MethodGet,
		vault.server.URL+"/api/versions/"+strconv.FormatInt(firstResult.Version.ID, 10)+"/content?path="+url.QueryEscape(documentPath), nil)
	contentRequest.AddCookie(&http.Cookie{Name: sessionCookieName, Value: readToken})
	contentResponse, err := http.DefaultClient.Do(contentRequest)
	if err != nil {
		testContext.Fatalf("content request failed: %v", err)
	}
	defer contentResponse.Body.Close()
	if contentResponse.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected content status: %d", contentResponse.StatusCode)
	}
	var content struct {
		Content struct {
			Paths map[string]map[string]string `json:"paths"`
		} `json:"content"`
	}
	decode(testContext, contentResponse, &content)
	if _, ok := content.Content.Paths["/pets"]["post"]; ok {
		testContext.Fatalf("first version must not contain later operations: %+v", content.Content)
	}

	renamed := vault.request(testContext, http.MethodPost, "/api/files/rename", writeToken, map[string]any{
		"old_path": documentPath, "new_path": "apis/store.json",
	})
	if renamed.StatusCode != http.StatusNoContent {
		testContext.Fatalf("unexpected rename status: %d", renamed.StatusCode)
	}

	latest := vault.request(testContext, http.MethodGet, "/api/files/latest?path="+url.QueryEscape("apis/store.json"), readToken, nil)
	if latest.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected latest status: %d", latest.StatusCode)
	}
	var latestContent struct {
		Content struct {
			Paths map[string]map[string]string `json:"paths"`
		} `json:"content"`
	}
	decode(testContext, latest, &latestContent)
	if latestContent.Content.Paths["/pets"]["post"] != "create" {
		testContext.Fatalf("expected the renamed history to end with the second version, got %+v", latestContent.Content)
	}

	entries := vault.request(testContext, http.MethodGet, "/api/entries", readToken, nil)
	if entries.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected entries status: %d", entries.StatusCode)
	}
	var entryView struct {
		Entries []struct {
			Path  string `json:"path"`
			Count int    `json:"count"`
		} `json:"entries"`
	}
	decode(testContext, entries, &entryView)
	if len(entryView.Entries) != 1 || entryView.Entries[0].Path != "apis/store.json" || entryView.Entries[0].Count != 2 {
		testContext.Fatalf("unexpected entries: %+v", entryView.Entries)
	}
}

func TestWatcherRenamesTrackedHistory(testContext *testing.T) {
	vault := newStack(testContext)
	root := testContext.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "apis"), 0o755); err != nil {
		testContext.Fatalf("failed to create vault dir: %v", err)
	}
	oldFile := filepath.Join(root, "apis", "orders.yaml")
	if err := os.WriteFile(oldFile, []byte("openapi: 3.0.0\n"), 0o644); err != nil {
		testContext.Fatalf("failed to write document: %v", err)
	}

	ctx := context.Background()
	if _, err := vault.service.Save(ctx, history.SaveRequest{
		Path: "apis/orders.yaml", Name: "orders", Version: "1.0.0", Content: map[string]any{"openapi": "3.0.0"},
	}); err != nil {
		testContext.Fatalf("failed to save: %v", err)
	}

	moves := make(chan watcher.Move, 1)
	fileWatcher, err := watcher.New(watcher.Config{
		Root:    root,
		Renamer: vault.service,
		Logger:  zap.NewNop(),
		OnMove:  func(move watcher.Move) { moves <- move },
	})
	if err != nil {
		testContext.Fatalf("failed to start watcher: %v", err)
	}
	go fileWatcher.Run(ctx)
	defer fileWatcher.Stop()

	if err := os.Rename(oldFile, filepath.Join(root, "apis", "orders-v2.yaml")); err != nil {
		testContext.Fatalf("failed to rename document: %v", err)
	}

	select {
	case move := <-moves:
		if move.OldPath != "apis/orders.yaml" || move.NewPath != "apis/orders-v2.yaml" {
			testContext.Fatalf("unexpected move: %+v", move)
		}
	case <-time.After(5 * time.Second):
		testContext.Fatalf("timed out waiting for the rename")
	}

	tracked, err := vault.service.IsFileTracked(ctx, "apis/orders-v2.yaml")
	if err != nil || !tracked {
		testContext.Fatalf("expected the history to follow the file, tracked=%v err=%v", tracked, err)
	}
}

