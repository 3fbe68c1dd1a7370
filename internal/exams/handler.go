package exams

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/invigilo/backend/internal/middleware"
	"github.com/invigilo/backend/internal/models"
	"github.com/invigilo/backend/internal/proctoring"
	"github.com/invigilo/backend/internal/realtime"
	"github.com/invigilo/backend/pkg/response"
)

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

// CreateRequest is the body for POST /exams.
type CreateRequest struct {
	Title           string  `json:"title" binding:"required"`
	CourseCode      string  `json:"course_code"`
	Description     string  `json:"description"`
	StartsAt        string  `json:"starts_at" binding:"required"`
	EndsAt          *string `json:"ends_at"`
	DurationMinutes int     `json:"duration_minutes" binding:"required,min=1"`
}

// Handler handles exam HTTP endpoints.
type Handler struct {
	repo   *Repository
	router *proctoring.Router
}

// NewHandler creates an exam handler.
func NewHandler(repo *Repository, router *proctoring.Router) *Handler {
	return &Handler{repo: repo, router: router}
}

// Create handles POST /exams (faculty or admin).
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)

	startsAt, err := parseTime(req.StartsAt)
	if err != nil {
		response.BadRequest(c, "invalid starts_at")
		return
	}
	var endsAt *time.Time
	if req.EndsAt != nil {
		t, err := parseTime(*req.EndsAt)
		if err != nil {
			response.BadRequest(c, "invalid ends_at")
			return
		}
		endsAt = &t
	}

	e := &models.Exam{
		Title:           req.Title,
		CourseCode:      req.CourseCode,
		Description:     req.Description,
		StartsAt:        startsAt,
		EndsAt:          endsAt,
		DurationMinutes: req.DurationMinutes,
		CreatedBy:       userID,
	}
	if err := h.repo.Create(c.Request.Context(), e); err != nil {
		response.Internal(c, "failed to create exam")
		return
	}
	response.Created(c, e)
}

// GetByID handles GET /exams/:id.
func (h *Handler) GetByID(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid exam id")
		return
	}
	e, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		response.NotFound(c, "exam not found")
		return
	}
	response.OK(c, e)
}

// List handles GET /exams. Query ?mine=1 returns only exams created by the current user.
func (h *Handler) List(c *gin.Context) {
	var createdBy *uuid.UUID
	if c.Query("mine") == "1" {
		uid := c.MustGet(middleware.ContextUserID).(uuid.UUID)
		createdBy = &uid
	}
	list, err := h.repo.List(c.Request.Context(), createdBy)
	if err != nil {
		response.Internal(c, "failed to list exams")
		return
	}
	response.OK(c, list)
}

// Update handles PATCH /exams/:id (creator only).
func (h *Handler) Update(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid exam id")
		return
	}
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	e, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		response.NotFound(c, "exam not found")
		return
	}
	if e.CreatedBy != userID {
		response.Forbidden(c, "only the creator can update this exam")
		return
	}
	var req struct {
		Title       *string `json:"title"`
		Description *string `json:"description"`
		StartsAt    *string `json:"starts_at"`
		EndsAt      *string `json:"ends_at"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request")
		return
	}
	title, desc := e.Title, e.Description
	if req.Title != nil {
		title = *req.Title
	}
	if req.Description != nil {
		desc = *req.Description
	}
	var startsAt, endsAt *time.Time
	if req.StartsAt != nil {
		t, err := parseTime(*req.StartsAt)
		if err != nil {
			response.BadRequest(c, "invalid starts_at")
			return
		}
		startsAt = &t
	}
	if req.EndsAt != nil {
		t, err := parseTime(*req.EndsAt)
		if err != nil {
			response.BadRequest(c, "invalid ends_at")
			return
		}
		endsAt = &t
	}
	if err := h.repo.Update(c.Request.Context(), id, title, desc, startsAt, endsAt); err != nil {
		response.Internal(c, "failed to update exam")
		return
	}
	updated, _ := h.repo.GetByID(c.Request.Context(), id)
	response.OK(c, updated)
}

// Delete handles DELETE /exams/:id (creator only).
func (h *Handler) Delete(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid exam id")
		return
	}
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	e, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		response.NotFound(c, "exam not found")
		return
	}
	if e.CreatedBy != userID {
		response.Forbidden(c, "only the creator can delete this exam")
		return
	}
	if err := h.repo.Delete(c.Request.Context(), id); err != nil {
		response.Internal(c, "failed to delete exam")
		return
	}
	response.NoContent(c)
}

// StartAttemptResponse is the body returned by POST /exams/:id/attempts.
type StartAttemptResponse struct {
	Attempt *models.Attempt `json:"attempt"`
	Room    string          `json:"room"`
}

// StartAttempt handles POST /exams/:id/attempts (student). Idempotent:
// re-entry resumes the existing attempt.
func (h *Handler) StartAttempt(c *gin.Context) {
	examID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid exam id")
		return
	}
	studentID := c.MustGet(middleware.ContextUserID).(uuid.UUID)

	if _, err := h.repo.GetByID(c.Request.Context(), examID); err != nil {
		response.NotFound(c, "exam not found")
		return
	}
	attempt, err := h.repo.StartAttempt(c.Request.Context(), examID, studentID)
	if err != nil {
		response.Internal(c, "failed to start attempt")
		return
	}
	if attempt.Status == models.AttemptInProgress {
		h.router.StartAttempt(studentID, examID)
	}
	response.Created(c, StartAttemptResponse{Attempt: attempt, Room: models.ExamRoom(examID)})
}

// SubmitAttempt handles POST /exams/:id/attempts/submit (student).
func (h *Handler) SubmitAttempt(c *gin.Context) {
	examID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid exam id")
		return
	}
	studentID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	if err := h.repo.SubmitAttempt(c.Request.Context(), examID, studentID); err != nil {
		response.Internal(c, "failed to submit attempt")
		return
	}
	response.OK(c, gin.H{"exam_id": examID, "status": models.AttemptSubmitted})
}

// ListAttempts handles GET /exams/:id/attempts (faculty or admin).
func (h *Handler) ListAttempts(c *gin.Context) {
	examID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid exam id")
		return
	}
	list, err := h.repo.ListAttempts(c.Request.Context(), examID)
	if err != nil {
		response.Internal(c, "failed to list attempts")
		return
	}
	response.OK(c, list)
}

// ActiveStudents returns a handler that reports the students currently
// connected to the exam room.
func (h *Handler) ActiveStudents(registry *realtime.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		examID, err := uuid.Parse(c.Param("id"))
		if err != nil {
			response.BadRequest(c, "invalid exam id")
			return
		}
		members := registry.MembersOf(models.ExamRoom(examID), models.RoleStudent)
		response.OK(c, gin.H{"exam_id": examID, "students": members, "count": len(members)})
	}
}
