package attemptlog

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/invigilo/backend/pkg/response"
)

// Handler handles GET /exams/:id/presence.
type Handler struct {
	repo *Repository
}

// NewHandler creates a presence log handler.
func NewHandler(repo *Repository) *Handler {
	return &Handler{repo: repo}
}

// GetPresence handles GET /exams/:id/presence (faculty/admin: room join and
// leave history).
func (h *Handler) GetPresence(c *gin.Context) {
	examID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid exam id")
		return
	}
	list, err := h.repo.ListByExam(c.Request.Context(), examID)
	if err != nil {
		response.Internal(c, "failed to list presence")
		return
	}
	response.OK(c, gin.H{"presence": list})
}
