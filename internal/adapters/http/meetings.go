package http

import (
	"errors"
	"net/http"

	"github.com/dkeye/Meet/internal/app"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type MeetingsHandler struct {
	reg   *app.Registry
	store store.Store
}

// NewMeetingsHandler serves lookups; st may be nil.
func NewMeetingsHandler(reg *app.Registry, st store.Store) *MeetingsHandler {
	return &MeetingsHandler{reg: reg, store: st}
}

type meetingResponse struct {
	Live     bool             `json:"live"`
	Meeting  *app.MeetingView `json:"meeting,omitempty"`
	Document *store.Document  `json:"document,omitempty"`
}

// Get returns the live roster, or the stored document for a meeting that
// has ended.
func (h *MeetingsHandler) Get(c *gin.Context) {
	id := domain.ParseMeetingID(c.Param("id"))
	if !id.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid meeting id"})
		return
	}
	if v, ok := h.reg.Lookup(id); ok {
		c.JSON(http.StatusOK, meetingResponse{Live: true, Meeting: &v})
		return
	}
	if h.store != nil {
		doc, err := h.store.Meeting(c.Request.Context(), id)
		switch {
		case err == nil:
			c.JSON(http.StatusOK, meetingResponse{Document: &doc})
			return
		case !errors.Is(err, store.ErrNotFound):
			log.Error().Err(err).Str("module", "adapters.http").Str("meeting", string(id)).Msg("store lookup")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "meeting not found"})
}

func (h *MeetingsHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "stats": h.reg.Stats()})
}
