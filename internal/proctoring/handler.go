package proctoring

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/invigilo/backend/pkg/response"
)

// Handler exposes the proctoring query surface for the monitoring view.
type Handler struct {
	router *Router
	repo   *Repository
	logger *zap.Logger
}

// NewHandler creates a proctoring query handler.
func NewHandler(router *Router, repo *Repository, logger *zap.Logger) *Handler {
	return &Handler{router: router, repo: repo, logger: logger}
}

// SnapshotExam handles GET /exams/:id/proctoring — the current proctoring
// state of every student in the exam room.
func (h *Handler) SnapshotExam(c *gin.Context) {
	examID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid exam id")
		return
	}
	states := h.router.SnapshotExam(examID)
	response.OK(c, states)
}

// RecentViolations handles GET /exams/:id/students/:studentID/violations.
// Live state answers when the attempt is in memory; otherwise the audit
// trail answers (e.g. after a server restart).
func (h *Handler) RecentViolations(c *gin.Context) {
	examID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid exam id")
		return
	}
	studentID, err := uuid.Parse(c.Param("studentID"))
	if err != nil {
		response.BadRequest(c, "invalid student id")
		return
	}

	if st, ok := h.router.Snapshot(studentID, examID); ok {
		response.OK(c, st.Violations)
		return
	}
	list, err := h.repo.ListRecentViolations(c.Request.Context(), studentID, examID, 20)
	if err != nil {
		h.logger.Error("list recent violations", zap.Error(err))
		response.Internal(c, "failed to load violations")
		return
	}
	response.OK(c, list)
}
