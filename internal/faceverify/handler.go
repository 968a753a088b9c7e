package faceverify

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/electrothon/attendance/internal/middleware"
	"github.com/electrothon/attendance/internal/models"
	"github.com/electrothon/attendance/pkg/response"
	"github.com/electrothon/attendance/pkg/storage"
)

// Users loads and updates the registered face of a user.
type Users interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	SetFaceKey(ctx context.Context, id uuid.UUID, key string) error
}

// Store keeps face captures.
type Store interface {
	UploadFace(ctx context.Context, key, contentType string, body io.Reader, size int64) (string, error)
	DeleteFace(ctx context.Context, key string) error
}

// Verifier compares a capture with a user's registered face.
type Verifier interface {
	Verify(ctx context.Context, userID, referenceKey string, image []byte) (Result, error)
}

// StatusResponse is the body of GET /face/status.
type StatusResponse struct {
	UserID         uuid.UUID `json:"user_id"`
	FaceRegistered bool      `json:"face_registered"`
}

// Handler serves face registration and verification.
type Handler struct {
	users    Users
	store    Store
	verifier Verifier
	logger   *zap.Logger
	now      func() time.Time
}

// NewHandler creates a face handler. A nil store or verifier answers 503 on the routes that need it.
func NewHandler(users Users, store Store, verifier Verifier, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{users: users, store: store, verifier: verifier, logger: logger, now: time.Now}
}

// Register mounts the face routes on an authenticated group.
func (h *Handler) Register(g *gin.RouterGroup) {
	g.POST("/register", h.RegisterFace)
	g.POST("/verify", h.Verify)
	g.GET("/status", h.Status)
}

func currentUser(c *gin.Context) (uuid.UUID, bool) {
	v, ok := c.Get(middleware.ContextUserID)
	if !ok {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	return id, ok && id != uuid.Nil
}

type faceFile struct {
	data        []byte
	contentType string
	ext         string
}

// capture reads the "face" form file. It writes the error response itself and reports false on failure.
func (h *Handler) capture(c *gin.Context) (faceFile, bool) {
	file, err := c.FormFile("face")
	if err != nil {
		response.BadRequest(c, "missing file (form field: face)")
		return faceFile{}, false
	}
	if file.Size > storage.MaxFaceFileSize {
		response.BadRequest(c, "file size exceeds 5MB limit")
		return faceFile{}, false
	}
	contentType := file.Header.Get("Content-Type")
	ext, ok := storage.FaceExtension(contentType)
	if !ok {
		response.BadRequest(c, "invalid file type: only jpg, png and webp images allowed")
		return faceFile{}, false
	}
	rc, err := file.Open()
	if err != nil {
		h.logger.Error("open uploaded file failed", zap.Error(err))
		response.Internal(c, "failed to read file")
		return faceFile{}, false
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, storage.MaxFaceFileSize+1))
	if err != nil {
		h.logger.Error("read uploaded file failed", zap.Error(err))
		response.Internal(c, "failed to read file")
		return faceFile{}, false
	}
	if len(data) > storage.MaxFaceFileSize {
		response.BadRequest(c, "file size exceeds 5MB limit")
		return faceFile{}, false
	}
	if len(data) == 0 {
		response.BadRequest(c, "empty file")
		return faceFile{}, false
	}
	return faceFile{data: data, contentType: contentType, ext: ext}, true
}

func (h *Handler) upload(ctx context.Context, userID uuid.UUID, f faceFile) (string, error) {
	key := storage.FaceKey(userID.String(), h.now(), f.ext)
	if _, err := h.store.UploadFace(ctx, key, f.contentType, bytes.NewReader(f.data), int64(len(f.data))); err != nil {
		return "", err
	}
	return key, nil
}

// RegisterFace handles POST /face/register. The capture replaces any previously registered face.
func (h *Handler) RegisterFace(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		response.Unauthorized(c, "missing user context")
		return
	}
	if h.store == nil {
		response.ServiceUnavailable(c, "face storage is not configured")
		return
	}
	user, err := h.users.GetByID(c.Request.Context(), userID)
	if err != nil {
		response.NotFound(c, "user not found")
		return
	}
	f, ok := h.capture(c)
	if !ok {
		return
	}

	key, err := h.upload(c.Request.Context(), userID, f)
	if err != nil {
		h.logger.Error("upload face failed", zap.Error(err), zap.String("user_id", userID.String()))
		response.Internal(c, "failed to store face")
		return
	}
	if err := h.users.SetFaceKey(c.Request.Context(), userID, key); err != nil {
		h.logger.Error("save face key failed", zap.Error(err), zap.String("user_id", userID.String()))
		response.Internal(c, "failed to register face")
		return
	}
	if user.FaceKey != "" && user.FaceKey != key {
		if err := h.store.DeleteFace(c.Request.Context(), user.FaceKey); err != nil {
			h.logger.Warn("delete previous face failed", zap.Error(err), zap.String("key", user.FaceKey))
		}
	}
	h.logger.Info("face registered", zap.String("user_id", userID.String()), zap.String("s3_key", key))
	response.OKMessage(c, "Face registered successfully", StatusResponse{UserID: userID, FaceRegistered: true})
}

// Verify handles POST /face/verify.
func (h *Handler) Verify(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		response.Unauthorized(c, "missing user context")
		return
	}
	if h.verifier == nil {
		response.ServiceUnavailable(c, "face verification is not configured")
		return
	}
	user, err := h.users.GetByID(c.Request.Context(), userID)
	if err != nil {
		response.NotFound(c, "user not found")
		return
	}
	if user.FaceKey == "" {
		response.BadRequest(c, "no face registered for this user")
		return
	}
	f, ok := h.capture(c)
	if !ok {
		return
	}
	if h.store != nil {
		if _, err := h.upload(c.Request.Context(), userID, f); err != nil {
			h.logger.Warn("store verification capture failed", zap.Error(err), zap.String("user_id", userID.String()))
		}
	}

	res, err := h.verifier.Verify(c.Request.Context(), userID.String(), user.FaceKey, f.data)
	switch {
	case errors.Is(err, ErrRejected):
		response.Fail(c, http.StatusUnprocessableEntity, err.Error())
		return
	case err != nil:
		h.logger.Error("face verification failed", zap.Error(err), zap.String("user_id", userID.String()))
		response.BadGateway(c, "face service unavailable")
		return
	}
	msg := "Face verified"
	if !res.Match {
		msg = "Face does not match"
	}
	response.OKMessage(c, msg, res)
}

// Status handles GET /face/status.
func (h *Handler) Status(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		response.Unauthorized(c, "missing user context")
		return
	}
	user, err := h.users.GetByID(c.Request.Context(), userID)
	if err != nil {
		response.NotFound(c, "user not found")
		return
	}
	response.OK(c, StatusResponse{UserID: userID, FaceRegistered: user.FaceKey != ""})
}
