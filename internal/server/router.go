package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/roomsync/internal/auth"
	"github.com/MarcoPoloResearchLab/roomsync/internal/events"
	"github.com/MarcoPoloResearchLab/roomsync/internal/rooms"
	"github.com/MarcoPoloResearchLab/roomsync/internal/syncapi"
	"github.com/MarcoPoloResearchLab/roomsync/internal/timeline"
	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userIDContextKey         = "roomsync_user_id"
	accessTokenQueryKey      = "access_token"
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingValidator  = errors.New("session validator dependency required")
	errMissingIngestor   = errors.New("ingestor dependency required")
	errMissingSummaries  = errors.New("summary reader dependency required")
	errMissingTimeline   = errors.New("timeline reader dependency required")
	errMissingDispatcher = errors.New("notification dispatcher dependency required")
)

// SessionValidator authenticates requests.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// Ingestor applies sync deltas on top of the committed cursor and reports whether a delta was
// the initial sync.
type Ingestor interface {
	ApplyNext(ctx context.Context, response *syncapi.Response) (bool, error)
}

// SummaryReader serves room summaries.
type SummaryReader interface {
	FindSummary(ctx context.Context, roomID string) (*rooms.RoomSummary, error)
}

// TimelineReader serves single timeline events.
type TimelineReader interface {
	Fetch(ctx context.Context, chunkID int64, eventID string, settings *timeline.Settings) (*timeline.Item, error)
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	Validator         SessionValidator
	Ingestor          Ingestor
	Summaries         SummaryReader
	Timeline          TimelineReader
	Dispatcher        *NotificationDispatcher
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

// NewHTTPHandler builds the gin router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Validator == nil:
		return nil, errMissingValidator
	case deps.Ingestor == nil:
		return nil, errMissingIngestor
	case deps.Summaries == nil:
		return nil, errMissingSummaries
	case deps.Timeline == nil:
		return nil, errMissingTimeline
	case deps.Dispatcher == nil:
		return nil, errMissingDispatcher
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		validator:  deps.Validator,
		ingestor:   deps.Ingestor,
		summaries:  deps.Summaries,
		timeline:   deps.Timeline,
		dispatcher: deps.Dispatcher,
		heartbeat:  heartbeat,
		logger:     logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/sync", handler.handleSync)
	protected.GET("/rooms/:roomId/summary", handler.handleRoomSummary)
	protected.GET("/timeline/chunks/:chunkId/events/:eventId", handler.handleTimelineEvent)

	router.GET("/notifications/stream", acceptQueryToken, handler.authorizeRequest, handler.handleNotificationStream)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		ExposeHeaders:    []string{"Content-Type"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	validator  SessionValidator
	ingestor   Ingestor
	summaries  SummaryReader
	timeline   TimelineReader
	dispatcher *NotificationDispatcher
	heartbeat  time.Duration
	logger     *zap.Logger
}

type syncResponsePayload struct {
	NextBatch   string `json:"next_batch"`
	InitialSync bool   `json:"initial_sync"`
}

type codedError interface {
	Code() string
}

func (h *httpHandler) handleSync(c *gin.Context) {
	var delta syncapi.Response
	if err := c.ShouldBindJSON(&delta); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	initialSync, err := h.ingestor.ApplyNext(c.Request.Context(), &delta)
	if err != nil {
		code := "sync_failed"
		var coded codedError
		if errors.As(err, &coded) {
			code = coded.Code()
		}
		status := http.StatusInternalServerError
		if strings.HasSuffix(code, ".missing_next_batch") || strings.HasSuffix(code, ".missing_payload") {
			status = http.StatusBadRequest
		}
		h.logger.Error("failed to apply sync delta", zap.String("code", code), zap.Error(err))
		c.JSON(status, gin.H{"error": code})
		return
	}

	c.JSON(http.StatusOK, syncResponsePayload{NextBatch: delta.NextBatch, InitialSync: initialSync})
}

type summaryPayload struct {
	RoomID            string `json:"room_id"`
	Membership        string `json:"membership"`
	VersioningState   string `json:"versioning_state"`
	ReplacementRoomID string `json:"replacement_room_id,omitempty"`
	Name              string `json:"name,omitempty"`
	Topic             string `json:"topic,omitempty"`
	NotificationCount int64  `json:"notification_count"`
	HighlightCount    int64  `json:"highlight_count"`
	LastEventID       string `json:"last_event_id,omitempty"`
}

func (h *httpHandler) handleRoomSummary(c *gin.Context) {
	roomID := strings.TrimSpace(c.Param("roomId"))
	summary, err := h.summaries.FindSummary(c.Request.Context(), roomID)
	if err != nil {
		h.logger.Error("failed to load room summary", zap.String("room_id", roomID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "summary_unavailable"})
		return
	}
	if summary == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "room_not_found"})
		return
	}
	c.JSON(http.StatusOK, summaryPayload{
		RoomID:            summary.RoomID,
		Membership:        summary.Membership,
		VersioningState:   string(summary.VersioningState),
		ReplacementRoomID: summary.ReplacementRoomID,
		Name:              summary.Name,
		Topic:             summary.Topic,
		NotificationCount: summary.NotificationCount,
		HighlightCount:    summary.HighlightCount,
		LastEventID:       summary.LastEventID,
	})
}

type timelineEventPayload struct {
	ChunkID         int64           `json:"chunk_id"`
	DisplayIndex    int64           `json:"display_index"`
	EventID         string          `json:"event_id"`
	RoomID          string          `json:"room_id"`
	Type            string          `json:"type"`
	StateKey        *string         `json:"state_key,omitempty"`
	Sender          string          `json:"sender,omitempty"`
	OriginServerTS  int64           `json:"origin_server_ts,omitempty"`
	Content         json.RawMessage `json:"content"`
	Unsigned        json.RawMessage `json:"unsigned"`
	DecryptionState string          `json:"decryption_state,omitempty"`
}

func (h *httpHandler) handleTimelineEvent(c *gin.Context) {
	chunkID, err := strconv.ParseInt(c.Param("chunkId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_chunk_id"})
		return
	}
	eventID, err := events.NewEventID(c.Param("eventId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_event_id"})
		return
	}
	settings, err := parseTimelineSettings(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_settings"})
		return
	}

	item, err := h.timeline.Fetch(c.Request.Context(), chunkID, eventID.String(), settings)
	if err != nil {
		h.logger.Error("failed to fetch timeline event", zap.Int64("chunk_id", chunkID), zap.String("event_id", eventID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "timeline_unavailable"})
		return
	}
	if item == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "event_not_found"})
		return
	}
	c.JSON(http.StatusOK, timelineEventPayload{
		ChunkID:         item.ChunkID,
		DisplayIndex:    item.DisplayIndex,
		EventID:         item.EventID,
		RoomID:          item.RoomID,
		Type:            item.Type,
		StateKey:        item.StateKey,
		Sender:          item.Sender,
		OriginServerTS:  item.OriginServerTS,
		Content:         rawObject(item.ContentJSON),
		Unsigned:        rawObject(item.UnsignedJSON),
		DecryptionState: item.DecryptionState,
	})
}

func parseTimelineSettings(c *gin.Context) (*timeline.Settings, error) {
	settings := &timeline.Settings{}
	var err error
	if raw := c.Query("filter_types"); raw != "" {
		if settings.FilterTypes, err = strconv.ParseBool(raw); err != nil {
			return nil, err
		}
	}
	if raw := c.Query("filter_edits"); raw != "" {
		if settings.FilterEdits, err = strconv.ParseBool(raw); err != nil {
			return nil, err
		}
	}
	if raw := c.Query("types"); raw != "" {
		settings.AllowedTypes = strings.Split(raw, ",")
	}
	return settings, nil
}

func rawObject(value string) json.RawMessage {
	if strings.TrimSpace(value) == "" {
		return json.RawMessage("{}")
	}
	return json.RawMessage(value)
}

type pushPayload struct {
	RoomID    string `json:"room_id"`
	EventID   string `json:"event_id"`
	RuleID    string `json:"rule_id"`
	Kind      string `json:"kind"`
	Highlight bool   `json:"highlight"`
	Timestamp string `json:"timestamp"`
}

func (h *httpHandler) handleNotificationStream(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	ctx := c.Request.Context()
	stream, cleanup := h.dispatcher.Subscribe(ctx, userID)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case notification, ok := <-stream:
			if !ok {
				return false
			}
			err := sse.Encode(w, sse.Event{Event: streamEventPush, Data: pushPayload{
				RoomID:    notification.RoomID,
				EventID:   notification.EventID,
				RuleID:    notification.RuleID,
				Kind:      string(notification.Kind),
				Highlight: notification.Highlight,
				Timestamp: notification.Timestamp.UTC().Format(time.RFC3339),
			}})
			if err != nil {
				h.logger.Warn("failed to encode push notification", zap.Error(err))
			}
			return true
		case <-ticker.C:
			if err := sse.Encode(w, sse.Event{Event: streamEventHeartbeat, Data: gin.H{}}); err != nil {
				h.logger.Debug("failed to write heartbeat", zap.Error(err))
			}
			return true
		}
	})
}

// acceptQueryToken lets EventSource clients, which cannot set headers, pass the bearer token
// as a query parameter. Only the notification stream installs it.
func acceptQueryToken(c *gin.Context) {
	if c.GetHeader("Authorization") != "" {
		return
	}
	if token := strings.TrimSpace(c.Query(accessTokenQueryKey)); token != "" {
		c.Request = c.Request.Clone(c.Request.Context())
		c.Request.Header.Set("Authorization", "Bearer "+token)
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.validator.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, claims.UserID)
	c.Next()
}
