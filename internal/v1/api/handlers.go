// Package api serves the REST surface: room creation, the lobby listing,
// and transcript export downloads.
package api

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/voicedeck/voicedeck/internal/v1/auth"
	"github.com/voicedeck/voicedeck/internal/v1/metrics"
	"github.com/voicedeck/voicedeck/internal/v1/store"
	"github.com/voicedeck/voicedeck/internal/v1/transcript"
	"github.com/voicedeck/voicedeck/internal/v1/types"
)

// Handler serves the room REST endpoints.
type Handler struct {
	store       *store.Store
	transcripts *transcript.Store
}

// NewHandler creates the REST handler over the room and transcript stores.
func NewHandler(roomStore *store.Store, transcripts *transcript.Store) *Handler {
	return &Handler{store: roomStore, transcripts: transcripts}
}

// Register mounts the endpoints on the given router group. roomsLimit, when
// non-nil, is applied to room creation only.
func (h *Handler) Register(r gin.IRouter, roomsLimit gin.HandlerFunc) {
	rooms := r.Group("/rooms")
	if roomsLimit != nil {
		rooms.POST("", roomsLimit, h.CreateRoom)
	} else {
		rooms.POST("", h.CreateRoom)
	}
	rooms.GET("", h.ListRooms)
	rooms.GET("/:id", h.GetRoom)
	rooms.GET("/:id/transcript", h.GetTranscript)
}

// CreateRoomRequest is the POST /rooms body.
type CreateRoomRequest struct {
	Name            string `json:"name" binding:"required"`
	Description     string `json:"description"`
	MaxParticipants int    `json:"maxParticipants"`
	AIPersonality   string `json:"aiPersonality"`
	VoiceSettings   string `json:"voiceSettings"`
}

// CreateRoom handles POST /rooms.
func (h *Handler) CreateRoom(c *gin.Context) {
	var req CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	ownerID := ""
	if claims, exists := c.Get("claims"); exists {
		if userClaims, ok := claims.(*auth.CustomClaims); ok {
			ownerID = userClaims.Subject
		}
	}

	room, err := h.store.Create(store.CreateRequest{
		Name:            req.Name,
		Description:     req.Description,
		MaxParticipants: req.MaxParticipants,
		OwnerID:         ownerID,
		AIPersonality:   req.AIPersonality,
		VoiceSettings:   req.VoiceSettings,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	metrics.ActiveRooms.Inc()
	c.JSON(http.StatusCreated, room.Summary())
}

// ListRooms handles GET /rooms. Closed rooms are excluded unless
// ?includeClosed=true or an explicit ?status=closed is given.
func (h *Handler) ListRooms(c *gin.Context) {
	filter := store.ListFilter{
		Status:        types.RoomStatus(c.Query("status")),
		IncludeClosed: c.Query("includeClosed") == "true",
	}
	rooms := h.store.List(filter)
	c.JSON(http.StatusOK, gin.H{"rooms": rooms, "total": len(rooms)})
}

// GetRoom handles GET /rooms/:id.
func (h *Handler) GetRoom(c *gin.Context) {
	id := types.RoomIDType(c.Param("id"))
	room, ok := h.store.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("room %s not found", id)})
		return
	}
	c.JSON(http.StatusOK, room)
}

// GetTranscript handles GET /rooms/:id/transcript. Supported query params:
// format (json|txt|md), limit, offset, download.
func (h *Handler) GetTranscript(c *gin.Context) {
	id := types.RoomIDType(c.Param("id"))
	room, ok := h.store.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("room %s not found", id)})
		return
	}

	entries := h.transcripts.AllEntries(id)
	total := len(entries)

	offset := intQuery(c, "offset", 0)
	if offset > len(entries) {
		offset = len(entries)
	}
	entries = entries[offset:]
	if limit := intQuery(c, "limit", 0); limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}

	format := c.DefaultQuery("format", "json")
	download := c.Query("download") == "true"
	filename := transcriptFilename(room, format)

	switch format {
	case "json":
		if download {
			c.Header("Content-Disposition", "attachment; filename="+filename)
		}
		c.JSON(http.StatusOK, gin.H{
			"room":      room.Summary(),
			"entries":   entries,
			"summaries": h.transcripts.GetSummaries(id),
			"total":     total,
		})
	case "txt":
		if download {
			c.Header("Content-Disposition", "attachment; filename="+filename)
		}
		c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(formatPlainText(room, entries)))
	case "md":
		if download {
			c.Header("Content-Disposition", "attachment; filename="+filename)
		}
		c.Data(http.StatusOK, "text/markdown; charset=utf-8", []byte(formatMarkdown(room, entries)))
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "format must be json, txt, or md"})
	}
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

var unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// transcriptFilename derives a safe attachment filename from the room name.
// Header injection through the name is neutralized by the character filter.
func transcriptFilename(room types.Room, format string) string {
	base := unsafeFilenameChars.ReplaceAllString(room.Name, "-")
	base = strings.Trim(base, "-.")
	if base == "" {
		base = string(room.ID)
	}
	return fmt.Sprintf("transcript-%s.%s", base, format)
}

func formatPlainText(room types.Room, entries []types.TranscriptEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Transcript: %s\n\n", room.Name)
	for _, e := range entries {
		fmt.Fprintf(&b, "[%s] %s: %s\n", e.Timestamp.UTC().Format("15:04:05"), e.Speaker, e.Content)
	}
	return b.String()
}

func formatMarkdown(room types.Room, entries []types.TranscriptEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Transcript: %s\n\n", room.Name)
	for _, e := range entries {
		fmt.Fprintf(&b, "**%s** (%s): %s\n\n", e.Speaker, e.Timestamp.UTC().Format("15:04:05"), e.Content)
	}
	return b.String()
}

// writeError maps a WireError to the matching HTTP status.
func writeError(c *gin.Context, err error) {
	var we *types.WireError
	if !errors.As(err, &we) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	status := http.StatusBadRequest
	switch we.Code {
	case types.ErrCodeRoomNotFound:
		status = http.StatusNotFound
	case types.ErrCodeRoomClosed, types.ErrCodeRoomFull:
		status = http.StatusConflict
	case types.ErrCodeRateLimited:
		status = http.StatusTooManyRequests
	}
	c.JSON(status, gin.H{"error": we.Message, "code": we.Code})
}
