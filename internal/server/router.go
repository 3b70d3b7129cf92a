// Package server exposes the sync engine over a local HTTP control API.
// Clients authenticate once with the shared API secret and use the returned
// bearer token for everything else.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Xperiamol/flashnote-sync/internal/auth"
	"github.com/Xperiamol/flashnote-sync/internal/localstore"
	syncengine "github.com/Xperiamol/flashnote-sync/internal/sync"
)

const deviceIDContextKey = "flashnote_device_id"

var (
	errMissingOrchestrator  = errors.New("orchestrator dependency required")
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingLocalStore    = errors.New("local store dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenManager issues and validates control-API bearer tokens.
type TokenManager interface {
	Exchange(ctx context.Context, apiSecret, deviceID string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// Snapshotter lets the router trigger bundle generation without owning the
// manager.
type Snapshotter interface {
	Generate(ctx context.Context) (*syncengine.Bundle, error)
}

// Dependencies wires the HTTP handler. Snapshots is optional; without it
// POST /snapshot reports unavailability.
type Dependencies struct {
	Orchestrator *syncengine.Orchestrator
	TokenManager TokenManager
	LocalStore   *localstore.Store
	Snapshots    Snapshotter
	Logger       *zap.Logger
}

// NewHTTPHandler builds the gin router for the control API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Orchestrator == nil {
		return nil, errMissingOrchestrator
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.LocalStore == nil {
		return nil, errMissingLocalStore
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		orchestrator: deps.Orchestrator,
		tokens:       deps.TokenManager,
		local:        deps.LocalStore,
		snapshots:    deps.Snapshots,
		logger:       logger,
	}

	router.POST("/auth/token", handler.handleTokenExchange)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/status", handler.handleStatus)
	protected.GET("/notes", handler.handleListNotes)
	protected.PUT("/notes/:id", handler.handleWriteNote)
	protected.DELETE("/notes/:id", handler.handleDeleteNote)
	protected.GET("/conflicts", handler.handleListConflicts)
	protected.POST("/conflicts/:id/resolve", handler.handleResolveConflict)
	protected.POST("/sync", handler.handleIncrementalSync)
	protected.POST("/sync/full-restore", handler.handleFullRestore)
	protected.POST("/snapshot", handler.handleSnapshot)
	protected.GET("/events", handler.handleEvents)

	return router, nil
}

type httpHandler struct {
	orchestrator *syncengine.Orchestrator
	tokens       TokenManager
	local        *localstore.Store
	snapshots    Snapshotter
	logger       *zap.Logger
}

type tokenRequestPayload struct {
	APISecret string `json:"api_secret"`
	DeviceID  string `json:"device_id"`
}

type tokenResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleTokenExchange(c *gin.Context) {
	var request tokenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil ||
		strings.TrimSpace(request.APISecret) == "" ||
		strings.TrimSpace(request.DeviceID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	token, expiresIn, err := h.tokens.Exchange(c.Request.Context(), request.APISecret, request.DeviceID)
	if errors.Is(err, auth.ErrInvalidAPISecret) {
		h.logger.Warn("api secret exchange rejected", zap.String("device_id", request.DeviceID))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if err != nil {
		h.logger.Error("failed to issue token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, tokenResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.orchestrator.Status())
}

type notePayload struct {
	NoteID           string `json:"note_id"`
	Title            string `json:"title"`
	Content          string `json:"content"`
	IsDeleted        bool   `json:"is_deleted"`
	CreatedAtSeconds int64  `json:"created_at_s"`
	UpdatedAtSeconds int64  `json:"updated_at_s"`
	LastWriterDevice string `json:"last_writer_device"`
}

func (h *httpHandler) handleListNotes(c *gin.Context) {
	rows, err := h.local.ListLive(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list notes", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	notes := make([]notePayload, 0, len(rows))
	for _, row := range rows {
		notes = append(notes, notePayload{
			NoteID:           row.NoteID,
			Title:            row.Title,
			Content:          row.Content,
			IsDeleted:        row.IsDeleted,
			CreatedAtSeconds: row.CreatedAtSeconds,
			UpdatedAtSeconds: row.UpdatedAtSeconds,
			LastWriterDevice: row.LastWriterDevice,
		})
	}
	c.JSON(http.StatusOK, gin.H{"notes": notes})
}

type writeNoteRequestPayload struct {
	Content string `json:"content"`
}

func (h *httpHandler) handleWriteNote(c *gin.Context) {
	noteID := c.Param("id")
	var request writeNoteRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	err := h.orchestrator.WriteNote(c.Request.Context(), noteID, []byte(request.Content))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"note_id": noteID, "status": "uploaded"})
	case errors.Is(err, syncengine.ErrConflictDetected):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict_detected", "note_id": noteID})
	case errors.Is(err, syncengine.ErrConflictPending):
		c.JSON(http.StatusConflict, gin.H{"error": "conflicts_pending"})
	case errors.Is(err, syncengine.ErrSyncInFlight):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "sync_in_flight"})
	case errors.Is(err, localstore.ErrInvalidNoteID):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_note_id"})
	default:
		h.logger.Error("note write failed", zap.String("note_id", noteID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "write_failed"})
	}
}

func (h *httpHandler) handleDeleteNote(c *gin.Context) {
	noteID := c.Param("id")
	err := h.orchestrator.DeleteNote(c.Request.Context(), noteID)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"note_id": noteID, "status": "deleted"})
	case errors.Is(err, syncengine.ErrConflictPending):
		c.JSON(http.StatusConflict, gin.H{"error": "conflicts_pending"})
	case errors.Is(err, syncengine.ErrSyncInFlight):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "sync_in_flight"})
	case errors.Is(err, localstore.ErrInvalidNoteID):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_note_id"})
	default:
		h.logger.Error("note delete failed", zap.String("note_id", noteID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete_failed"})
	}
}

func (h *httpHandler) handleListConflicts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"conflicts": h.orchestrator.Conflicts()})
}

type resolveRequestPayload struct {
	Action string `json:"action"`
}

func (h *httpHandler) handleResolveConflict(c *gin.Context) {
	noteID := c.Param("id")
	var request resolveRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Action) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	action := syncengine.ResolutionAction(strings.ToLower(strings.TrimSpace(request.Action)))
	err := h.orchestrator.ResolveConflict(c.Request.Context(), noteID, action)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"note_id": noteID, "status": "resolved"})
	case errors.Is(err, syncengine.ErrUnknownConflict):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_conflict"})
	case errors.Is(err, syncengine.ErrUnknownAction):
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_action"})
	default:
		h.logger.Error("conflict resolution failed", zap.String("note_id", noteID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "resolve_failed"})
	}
}

func (h *httpHandler) handleIncrementalSync(c *gin.Context) {
	report, err := h.orchestrator.IncrementalSync(c.Request.Context())
	h.respondWithReport(c, report, err)
}

func (h *httpHandler) handleFullRestore(c *gin.Context) {
	report, err := h.orchestrator.FullRestore(c.Request.Context())
	h.respondWithReport(c, report, err)
}

func (h *httpHandler) respondWithReport(c *gin.Context, report *syncengine.Report, err error) {
	switch {
	case err == nil:
		c.JSON(http.StatusOK, report)
	case errors.Is(err, syncengine.ErrConflictPending):
		c.JSON(http.StatusConflict, gin.H{"error": "conflicts_pending"})
	case errors.Is(err, syncengine.ErrSyncInFlight):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "sync_in_flight"})
	default:
		h.logger.Error("sync pass failed", zap.Error(err))
		payload := gin.H{"error": "sync_failed"}
		if report != nil {
			payload["report"] = report
		}
		c.JSON(http.StatusInternalServerError, payload)
	}
}

func (h *httpHandler) handleSnapshot(c *gin.Context) {
	if h.snapshots == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "snapshots_unavailable"})
		return
	}
	bundle, err := h.snapshots.Generate(c.Request.Context())
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{
			"version": bundle.Version,
			"notes":   bundle.NotesCount,
		})
	case errors.Is(err, syncengine.ErrSnapshotBusy), errors.Is(err, syncengine.ErrSnapshotInFlight):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "snapshot_busy"})
	default:
		h.logger.Error("snapshot failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "snapshot_failed"})
	}
}

type eventPayload struct {
	Type      string                     `json:"type"`
	NoteID    string                     `json:"note_id,omitempty"`
	Conflict  *syncengine.ConflictRecord `json:"conflict,omitempty"`
	Timestamp time.Time                  `json:"timestamp"`
}

const eventsHeartbeatInterval = 30 * time.Second

// handleEvents streams sync events as server-sent events until the client
// disconnects.
func (h *httpHandler) handleEvents(c *gin.Context) {
	stream, unsubscribe := h.orchestrator.Events().Subscribe(c.Request.Context())
	defer unsubscribe()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	heartbeat := time.NewTicker(eventsHeartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case event, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(event.Type, eventPayload{
				Type:      event.Type,
				NoteID:    event.NoteID,
				Conflict:  event.Conflict,
				Timestamp: event.Timestamp,
			})
			return true
		case <-heartbeat.C:
			c.SSEvent("heartbeat", gin.H{"ts": time.Now().UTC()})
			return true
		}
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	deviceID, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(deviceIDContextKey, deviceID)
	c.Next()
}
