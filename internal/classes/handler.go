package classes

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/electrothon/attendance/internal/middleware"
	"github.com/electrothon/attendance/internal/models"
	"github.com/electrothon/attendance/pkg/response"
	"github.com/electrothon/attendance/pkg/storage"
)

// ReportLinker returns a download link for a stored report.
type ReportLinker interface {
	ReportURL(ctx context.Context, key string) (string, error)
}

// Handler serves the /class routes.
type Handler struct {
	svc     *Service
	reports ReportLinker
	logger  *zap.Logger
}

// NewHandler creates a class handler. reports may be nil when object storage is not configured.
func NewHandler(svc *Service, reports ReportLinker, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, reports: reports, logger: logger}
}

// Register mounts the routes on a JWT-protected group.
func (h *Handler) Register(g *gin.RouterGroup) {
	teacher := middleware.RequireRole(models.RoleTeacher)
	g.POST("", teacher, h.Create)
	g.GET("/mine", h.Mine)
	g.POST("/join", middleware.RequireRole(models.RoleStudent), h.Join)
	g.GET("/:id", h.Get)
	g.POST("/:id/students", teacher, h.AddStudents)
	g.POST("/:id/frequency", teacher, h.GenerateFrequency)
	g.GET("/:id/frequency", h.Frequency)
	g.GET("/:id/ongoing", h.Ongoing)
	g.GET("/:id/attendance", h.Attendance)
	g.GET("/:id/attendance/report", teacher, h.Report)
}

// ActorFrom builds the acting user from the JWT middleware context.
func ActorFrom(c *gin.Context) Actor {
	var a Actor
	if v, ok := c.Get(middleware.ContextUserID); ok {
		a.UserID, _ = v.(uuid.UUID)
	}
	if v, ok := c.Get(middleware.ContextUserRole); ok {
		role, _ := v.(string)
		a.Role = models.Role(role)
	}
	if v, ok := c.Get(middleware.ContextUserName); ok {
		a.Name, _ = v.(string)
	}
	return a
}

// fail maps service errors onto the response envelope.
func (h *Handler) fail(c *gin.Context, err error, fallback string) {
	var e *Error
	if !errors.As(err, &e) {
		h.logger.Error(fallback, zap.Error(err), zap.String("path", c.FullPath()))
		response.Internal(c, fallback)
		return
	}
	switch {
	case errors.Is(err, ErrClassNotFound), errors.Is(err, ErrNotFound), errors.Is(err, ErrNoSession):
		response.NotFound(c, e.Message)
	case errors.Is(err, ErrForbidden):
		response.Forbidden(c, e.Message)
	case errors.Is(err, ErrSessionActive), errors.Is(err, ErrSessionCompleted):
		response.Conflict(c, e.Message)
	default:
		response.BadRequest(c, e.Message)
	}
}

// Create handles POST /class.
func (h *Handler) Create(c *gin.Context) {
	var req CreateClassRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	class, err := h.svc.CreateClass(c.Request.Context(), ActorFrom(c), req)
	if err != nil {
		h.fail(c, err, "failed to create class")
		return
	}
	response.Created(c, class)
}

// Mine handles GET /class/mine.
func (h *Handler) Mine(c *gin.Context) {
	list, err := h.svc.ClassesFor(c.Request.Context(), ActorFrom(c))
	if err != nil {
		h.fail(c, err, "failed to list classes")
		return
	}
	if list == nil {
		list = []models.Class{}
	}
	response.OK(c, list)
}

// Get handles GET /class/:id.
func (h *Handler) Get(c *gin.Context) {
	class, err := h.svc.GetClass(c.Request.Context(), ActorFrom(c), c.Param("id"))
	if err != nil {
		h.fail(c, err, "failed to load class")
		return
	}
	response.OK(c, class)
}

type studentsRequest struct {
	StudentIDs []string `json:"student_ids" binding:"required,min=1"`
}

// AddStudents handles POST /class/:id/students.
func (h *Handler) AddStudents(c *gin.Context) {
	var req studentsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	class, err := h.svc.AddStudents(c.Request.Context(), ActorFrom(c), c.Param("id"), req.StudentIDs)
	if err != nil {
		h.fail(c, err, "failed to add students")
		return
	}
	response.OK(c, class)
}

type joinRequest struct {
	Passcode string `json:"passcode" binding:"required"`
}

// Join handles POST /class/join.
func (h *Handler) Join(c *gin.Context) {
	var req joinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	class, err := h.svc.JoinClass(c.Request.Context(), ActorFrom(c), req.Passcode)
	if err != nil {
		h.fail(c, err, "failed to join class")
		return
	}
	response.OK(c, class)
}

type frequencyRequest struct {
	Count int `json:"count"`
}

type frequencyResponse struct {
	ClassID   string `json:"class_id"`
	Frequency []int  `json:"frequency"`
}

// GenerateFrequency handles POST /class/:id/frequency.
func (h *Handler) GenerateFrequency(c *gin.Context) {
	var req frequencyRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "invalid request: "+err.Error())
			return
		}
	}
	freqs, err := h.svc.GenerateFrequency(c.Request.Context(), ActorFrom(c), c.Param("id"), req.Count)
	if err != nil {
		h.fail(c, err, "failed to generate frequency")
		return
	}
	response.OKMessage(c, "frequency generated and stored successfully!", frequencyResponse{ClassID: c.Param("id"), Frequency: freqs})
}

// Frequency handles GET /class/:id/frequency.
func (h *Handler) Frequency(c *gin.Context) {
	freqs, err := h.svc.Frequency(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err, "failed to load frequency")
		return
	}
	response.OK(c, frequencyResponse{ClassID: c.Param("id"), Frequency: freqs})
}

// Ongoing handles GET /class/:id/ongoing.
func (h *Handler) Ongoing(c *gin.Context) {
	states, err := h.svc.Ongoing(c.Request.Context(), ActorFrom(c), c.Param("id"))
	if err != nil {
		h.fail(c, err, "failed to load sessions")
		return
	}
	response.OK(c, states)
}

func sessionTypeQuery(c *gin.Context) models.SessionType {
	return models.SessionType(c.DefaultQuery("sessionType", string(models.SessionLecture)))
}

// Attendance handles GET /class/:id/attendance?date=&sessionType=. The body mirrors the attendanceData socket reply.
func (h *Handler) Attendance(c *gin.Context) {
	data, err := h.svc.FetchAttendance(c.Request.Context(), ActorFrom(c), c.Param("id"), c.Query("date"), sessionTypeQuery(c))
	if err != nil {
		h.logger.Error("fetch attendance failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, data)
		return
	}
	status := http.StatusOK
	if !data.Success {
		status = http.StatusBadRequest
	}
	c.JSON(status, data)
}

type reportResponse struct {
	Key string `json:"key"`
	URL string `json:"url"`
}

// Report handles GET /class/:id/attendance/report: a pre-signed link to the CSV written when the session ended.
func (h *Handler) Report(c *gin.Context) {
	if h.reports == nil {
		response.ServiceUnavailable(c, "report storage is not configured")
		return
	}
	actor := ActorFrom(c)
	class, err := h.svc.GetClass(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		h.fail(c, err, "failed to load class")
		return
	}
	if class.TeacherID != actor.UserID {
		response.Forbidden(c, "Not authorized to manage this class")
		return
	}
	day, ok := ParseDate(c.Query("date"))
	if !ok {
		response.BadRequest(c, "Invalid date format")
		return
	}
	st := sessionTypeQuery(c)
	if !validSessionType(st) {
		response.BadRequest(c, "Invalid session type")
		return
	}
	key := storage.ReportKey(class.ID.String(), day.Format(dateLayout), string(st))
	url, err := h.reports.ReportURL(c.Request.Context(), key)
	if err != nil {
		h.logger.Debug("report unavailable", zap.String("key", key), zap.Error(err))
		response.NotFound(c, "report not available yet")
		return
	}
	response.OK(c, reportResponse{Key: key, URL: url})
}
