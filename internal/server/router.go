package server

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/specvault/internal/auth"
	"github.com/MarcoPoloResearchLab/specvault/internal/chain"
	"github.com/MarcoPoloResearchLab/specvault/internal/document"
	"github.com/MarcoPoloResearchLab/specvault/internal/history"
	"github.com/MarcoPoloResearchLab/specvault/internal/metrics"
	"github.com/MarcoPoloResearchLab/specvault/internal/rpc"
	"github.com/MarcoPoloResearchLab/specvault/internal/versions"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	claimsContextKey      = "specvault_claims"
	requestIDContextKey   = "specvault_request_id"
	requestIDHeader       = "X-Request-ID"
	accessTokenQueryKey   = "access_token"
	defaultHeartbeat      = 25 * time.Second
	errorCodeInvalid      = "invalid_request"
	errorCodeUnauthorized = "unauthorized"
	errorCodeForbidden    = "forbidden"
)

var (
	errMissingHistoryService = errors.New("history service dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// VersionService is the history surface served over HTTP. *history.Service
// implements it.
type VersionService interface {
	Save(ctx context.Context, request history.SaveRequest) (history.SaveResult, error)
	GetPatchedVersion(ctx context.Context, documentPath string, id int64) (any, error)
	GetLatestContent(ctx context.Context, documentPath string) (any, bool, error)
	ListVersions(ctx context.Context, documentPath string, includeDeleted bool) ([]versions.Record, error)
	GetVersion(ctx context.Context, id int64) (*versions.Record, error)
	DeleteVersion(ctx context.Context, id int64) error
	RestoreVersion(ctx context.Context, id int64) error
	DeletePermanently(ctx context.Context, id int64) error
	RenameFile(ctx context.Context, oldPath, newPath string) error
	IsFileTracked(ctx context.Context, documentPath string) (bool, error)
	DeleteFile(ctx context.Context, documentPath string) error
	EntryView(ctx context.Context) (map[string]versions.EntryStats, error)
	RemoveAllVersions(ctx context.Context, documentPath string) error
	ClearAll(ctx context.Context) error
	RestoreAll(ctx context.Context, documentPath string) error
	PermanentlyClearAll(ctx context.Context) error
	ChainStats(ctx context.Context, documentPath string) (history.ChainStats, error)
}

// SessionValidator authenticates HTTP requests.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
	ValidateToken(token string) (auth.SessionClaims, error)
}

type Dependencies struct {
	History VersionService
	// SessionValidator enables token auth when set.
	SessionValidator  SessionValidator
	Metrics           *metrics.Metrics
	Realtime          *RealtimeDispatcher
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.History == nil {
		return nil, errMissingHistoryService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())
	router.Use(observeMiddleware(deps.Metrics, logger))
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		history:   deps.History,
		validator: deps.SessionValidator,
		realtime:  realtime,
		heartbeat: heartbeat,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	api := router.Group("/api")
	read := api.Group("/")
	read.Use(handler.authorizeRequest(auth.ScopeRead))
	read.GET("/entries", handler.handleListEntries)
	read.GET("/versions", handler.handleListVersions)
	read.GET("/versions/:id/content", handler.handleVersionContent)
	read.GET("/files/tracked", handler.handleIsFileTracked)
	read.GET("/files/latest", handler.handleLatestContent)
	read.GET("/files/stats", handler.handleChainStats)
	read.GET("/events", handler.handleEventStream)

	write := api.Group("/")
	write.Use(handler.authorizeRequest(auth.ScopeWrite))
	write.POST("/versions", handler.handleSaveVersion)
	write.POST("/versions/:id/restore", handler.handleRestoreVersion)
	write.DELETE("/versions/:id", handler.handleDeleteVersion)
	write.DELETE("/versions/:id/permanent", handler.handleDeletePermanently)
	write.DELETE("/versions", handler.handleRemoveAllVersions)
	write.POST("/files/rename", handler.handleRenameFile)
	write.DELETE("/files", handler.handleDeleteFile)
	write.DELETE("/entries", handler.handleClearAll)
	write.POST("/trash/restore", handler.handleRestoreAll)
	write.DELETE("/trash", handler.handleEmptyTrash)

	return router, nil
}

type httpHandler struct {
	history   VersionService
	validator SessionValidator
	realtime  *RealtimeDispatcher
	heartbeat time.Duration
	logger    *zap.Logger
}

func corsMiddleware(origins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", requestIDHeader},
		ExposeHeaders:    []string{requestIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

// requestIDMiddleware propagates or assigns an X-Request-ID.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := strings.TrimSpace(c.GetHeader(requestIDHeader))
		if requestID == "" {
			generated, err := uuid.NewV7()
			if err != nil {
				generated = uuid.New()
			}
			requestID = generated.String()
		}
		c.Set(requestIDContextKey, requestID)
		c.Header(requestIDHeader, requestID)
		c.Next()
	}
}

func observeMiddleware(collectors *metrics.Metrics, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(started)
		collectors.ObserveHTTP(c.Request.Method, route, c.Writer.Status(), elapsed)
		logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", elapsed),
			zap.String("request_id", c.GetString(requestIDContextKey)))
	}
}

// authorizeRequest requires a token granting scope when a validator is
// configured. EventSource clients may pass the token as access_token.
func (h *httpHandler) authorizeRequest(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.validator == nil {
			c.Next()
			return
		}
		var (
			claims auth.SessionClaims
			err    error
		)
		if token := c.Query(accessTokenQueryKey); token != "" {
			claims, err = h.validator.ValidateToken(token)
		} else {
			claims, err = h.validator.ValidateRequest(c.Request)
		}
		if err != nil {
			level := zapcore.WarnLevel
			if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
				level = zapcore.InfoLevel
			}
			h.logger.Log(level, "token validation failed", zap.Error(err), zap.String("request_id", c.GetString(requestIDContextKey)))
			message := errorCodeUnauthorized
			if errors.Is(err, auth.ErrMissingSessionToken) {
				message = errInvalidAuthorization.Error()
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": message})
			return
		}
		if !claims.Permits(scope) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": errorCodeForbidden})
			return
		}
		c.Set(claimsContextKey, claims)
		c.Next()
	}
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type entryPayload struct {
	Path         string `json:"path"`
	Count        int    `json:"count"`
	DeletedCount int    `json:"deleted_count"`
	LastUpdate   int64  `json:"last_update"`
}

func (h *httpHandler) handleListEntries(c *gin.Context) {
	view, err := h.history.EntryView(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	entries := make([]entryPayload, 0, len(view))
	for documentPath, stats := range view {
		entries = append(entries, entryPayload{
			Path:         documentPath,
			Count:        stats.Count,
			DeletedCount: stats.DeletedCount,
			LastUpdate:   stats.LastUpdate,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

type versionPayload struct {
	ID              int64  `json:"id"`
	Path            string `json:"path"`
	Name            string `json:"name"`
	Version         string `json:"version"`
	CreatedAtMillis int64  `json:"created_at_ms"`
	IsFull          bool   `json:"is_full"`
	SoftDeleted     bool   `json:"soft_deleted"`
}

func newVersionPayload(record versions.Record) versionPayload {
	return versionPayload{
		ID:              record.ID,
		Path:            record.Path,
		Name:            record.Name,
		Version:         record.Version,
		CreatedAtMillis: record.CreatedAtMillis,
		IsFull:          record.IsFull,
		SoftDeleted:     record.SoftDeleted,
	}
}

func (h *httpHandler) handleListVersions(c *gin.Context) {
	documentPath, ok := requirePath(c)
	if !ok {
		return
	}
	includeDeleted, _ := strconv.ParseBool(c.DefaultQuery("include_deleted", "false"))
	records, err := h.history.ListVersions(c.Request.Context(), documentPath, includeDeleted)
	if err != nil {
		h.writeError(c, err)
		return
	}
	payload := make([]versionPayload, 0, len(records))
	for _, record := range records {
		payload = append(payload, newVersionPayload(record))
	}
	c.JSON(http.StatusOK, gin.H{"path": documentPath, "versions": payload})
}

type saveRequestPayload struct {
	Path    string          `json:"path"`
	Name    string          `json:"name"`
	Version string          `json:"version"`
	Content json.RawMessage `json:"content"`
	// Document carries raw file text in Format when Content is absent.
	Document string `json:"document"`
	Format   string `json:"format"`
}

func (h *httpHandler) handleSaveVersion(c *gin.Context) {
	var request saveRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Path) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalid})
		return
	}
	content, err := decodeContent(request)
	if err != nil {
		h.writeError(c, err)
		return
	}
	result, err := h.history.Save(c.Request.Context(), history.SaveRequest{
		Path:    request.Path,
		Name:    request.Name,
		Version: request.Version,
		Content: content,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.realtime.Publish(RealtimeMessage{
		EventType:  RealtimeEventVersionSaved,
		Path:       result.Record.Path,
		VersionIDs: []int64{result.Record.ID},
	})
	c.JSON(http.StatusCreated, gin.H{
		"version": newVersionPayload(result.Record),
		"reason":  result.Reason,
		"changes": result.Changes,
	})
}

func decodeContent(request saveRequestPayload) (any, error) {
	if len(request.Content) > 0 && string(request.Content) != "null" {
		return document.Parse(request.Content, document.FormatJSON)
	}
	if request.Document == "" {
		return nil, document.ErrInvalidDocument
	}
	format := document.Format(strings.ToLower(strings.TrimSpace(request.Format)))
	if format == "" {
		detected, err := document.FormatFromPath(request.Path)
		if err != nil {
			return nil, err
		}
		format = detected
	}
	if format == "yml" {
		format = document.FormatYAML
	}
	return document.Parse([]byte(request.Document), format)
}

func (h *httpHandler) handleVersionContent(c *gin.Context) {
	id, ok := requireID(c)
	if !ok {
		return
	}
	documentPath := strings.TrimSpace(c.Query("path"))
	if documentPath == "" {
		record, err := h.history.GetVersion(c.Request.Context(), id)
		if err != nil {
			h.writeError(c, err)
			return
		}
		if record == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		documentPath = record.Path
	}
	tree, err := h.history.GetPatchedVersion(c.Request.Context(), documentPath, id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.writeContent(c, documentPath, id, tree)
}

func (h *httpHandler) handleLatestContent(c *gin.Context) {
	documentPath, ok := requirePath(c)
	if !ok {
		return
	}
	tree, found, err := h.history.GetLatestContent(c.Request.Context(), documentPath)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	h.writeContent(c, documentPath, 0, tree)
}

// writeContent answers with a JSON envelope, or with the raw document when
// format=yaml or format=raw is requested.
func (h *httpHandler) writeContent(c *gin.Context, documentPath string, id int64, tree any) {
	switch strings.ToLower(c.Query("format")) {
	case "yaml", "yml":
		encoded, err := document.Marshal(tree, document.FormatYAML)
		if err != nil {
			h.writeError(c, err)
			return
		}
		c.Data(http.StatusOK, "application/yaml; charset=utf-8", encoded)
	case "raw":
		format, err := document.FormatFromPath(documentPath)
		if err != nil {
			format = document.FormatJSON
		}
		encoded, err := document.Marshal(tree, format)
		if err != nil {
			h.writeError(c, err)
			return
		}
		contentType := "application/json; charset=utf-8"
		if format == document.FormatYAML {
			contentType = "application/yaml; charset=utf-8"
		}
		c.Data(http.StatusOK, contentType, encoded)
	default:
		response := gin.H{"path": documentPath, "content": tree}
		if id != 0 {
			response["id"] = id
		}
		c.JSON(http.StatusOK, response)
	}
}

func (h *httpHandler) handleRestoreVersion(c *gin.Context) {
	h.mutateVersion(c, RealtimeEventVersionRestored, h.history.RestoreVersion)
}

func (h *httpHandler) handleDeleteVersion(c *gin.Context) {
	h.mutateVersion(c, RealtimeEventVersionDeleted, h.history.DeleteVersion)
}

func (h *httpHandler) handleDeletePermanently(c *gin.Context) {
	h.mutateVersion(c, RealtimeEventVersionPurged, h.history.DeletePermanently)
}

// mutateVersion applies a by-id operation. Unknown ids succeed silently.
func (h *httpHandler) mutateVersion(c *gin.Context, eventType string, apply func(context.Context, int64) error) {
	id, ok := requireID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	record, err := h.history.GetVersion(ctx, id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if err := apply(ctx, id); err != nil {
		h.writeError(c, err)
		return
	}
	if record != nil {
		h.realtime.Publish(RealtimeMessage{EventType: eventType, Path: record.Path, VersionIDs: []int64{id}})
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleRemoveAllVersions(c *gin.Context) {
	documentPath, ok := requirePath(c)
	if !ok {
		return
	}
	if err := h.history.RemoveAllVersions(c.Request.Context(), documentPath); err != nil {
		h.writeError(c, err)
		return
	}
	h.realtime.Publish(RealtimeMessage{EventType: RealtimeEventHistoryCleared, Path: documentPath})
	c.Status(http.StatusNoContent)
}

type renameRequestPayload struct {
	OldPath string `json:"old_path"`
	NewPath string `json:"new_path"`
}

func (h *httpHandler) handleRenameFile(c *gin.Context) {
	var request renameRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.OldPath == "" || request.NewPath == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalid})
		return
	}
	if err := h.history.RenameFile(c.Request.Context(), request.OldPath, request.NewPath); err != nil {
		h.writeError(c, err)
		return
	}
	h.realtime.Publish(RealtimeMessage{EventType: RealtimeEventFileRenamed, Path: request.OldPath, NewPath: request.NewPath})
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleDeleteFile(c *gin.Context) {
	documentPath, ok := requirePath(c)
	if !ok {
		return
	}
	if err := h.history.DeleteFile(c.Request.Context(), documentPath); err != nil {
		h.writeError(c, err)
		return
	}
	h.realtime.Publish(RealtimeMessage{EventType: RealtimeEventFileDeleted, Path: documentPath})
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleIsFileTracked(c *gin.Context) {
	documentPath, ok := requirePath(c)
	if !ok {
		return
	}
	tracked, err := h.history.IsFileTracked(c.Request.Context(), documentPath)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": documentPath, "tracked": tracked})
}

func (h *httpHandler) handleChainStats(c *gin.Context) {
	documentPath, ok := requirePath(c)
	if !ok {
		return
	}
	stats, err := h.history.ChainStats(c.Request.Context(), documentPath)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"path":                   documentPath,
		"records":                stats.Records,
		"full":                   stats.Full,
		"soft_deleted":           stats.SoftDeleted,
		"max_delta_applications": stats.MaxDeltaApplications,
	})
}

func (h *httpHandler) handleClearAll(c *gin.Context) {
	if err := h.history.ClearAll(c.Request.Context()); err != nil {
		h.writeError(c, err)
		return
	}
	h.realtime.Publish(RealtimeMessage{EventType: RealtimeEventHistoryCleared})
	c.Status(http.StatusNoContent)
}

// handleRestoreAll restores the trash of ?path=, or the whole trash.
func (h *httpHandler) handleRestoreAll(c *gin.Context) {
	documentPath := strings.TrimSpace(c.Query("path"))
	if err := h.history.RestoreAll(c.Request.Context(), documentPath); err != nil {
		h.writeError(c, err)
		return
	}
	h.realtime.Publish(RealtimeMessage{EventType: RealtimeEventTrashRestored, Path: documentPath})
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleEmptyTrash(c *gin.Context) {
	if err := h.history.PermanentlyClearAll(c.Request.Context()); err != nil {
		h.writeError(c, err)
		return
	}
	h.realtime.Publish(RealtimeMessage{EventType: RealtimeEventTrashEmptied})
	c.Status(http.StatusNoContent)
}

func requirePath(c *gin.Context) (string, bool) {
	documentPath := strings.TrimSpace(c.Query("path"))
	if documentPath == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_path"})
		return "", false
	}
	return documentPath, true
}

func requireID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id"})
		return 0, false
	}
	return id, true
}

type codedError interface {
	Code() string
}

// writeError maps service failures to HTTP statuses and stable codes.
func (h *httpHandler) writeError(c *gin.Context, err error) {
	status, code := classifyError(err)
	response := gin.H{"error": code}
	var coded codedError
	if errors.As(err, &coded) {
		response["code"] = coded.Code()
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("route", c.FullPath()),
			zap.String("request_id", c.GetString(requestIDContextKey)),
			zap.Error(err))
	} else {
		response["message"] = err.Error()
	}
	c.JSON(status, response)
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, chain.ErrNoChanges):
		return http.StatusConflict, "no_changes"
	case errors.Is(err, versions.ErrDuplicateKey):
		return http.StatusConflict, "duplicate"
	case errors.Is(err, history.ErrVersionNotIncreasing):
		return http.StatusConflict, "version_not_increasing"
	case errors.Is(err, versions.ErrPathTracked):
		return http.StatusConflict, "path_tracked"
	case errors.Is(err, history.ErrVersionNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, history.ErrInvalidPath):
		return http.StatusBadRequest, "invalid_path"
	case errors.Is(err, history.ErrInvalidVersion):
		return http.StatusBadRequest, "invalid_version"
	case errors.Is(err, document.ErrInvalidDocument), errors.Is(err, document.ErrUnsupportedFormat):
		return http.StatusBadRequest, "invalid_document"
	case errors.Is(err, rpc.ErrTerminated):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
