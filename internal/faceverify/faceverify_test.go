package faceverify

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/electrothon/attendance/internal/auth"
	"github.com/electrothon/attendance/internal/middleware"
	"github.com/electrothon/attendance/internal/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// faceService fakes the recognition service with a fixed similarity per user.
func faceService(t *testing.T, similarity float64, status int) (*httptest.Server, *[]verifyRequest) {
	t.Helper()
	var mu sync.Mutex
	var seen []verifyRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/verify", r.URL.Path)
		var req verifyRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		mu.Lock()
		seen = append(seen, req)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			_, _ = w.Write([]byte(`{"error":"no face detected"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]float64{"similarity": similarity})
	}))
	t.Cleanup(srv.Close)
	return srv, &seen
}

func TestClientVerify(t *testing.T) {
	srv, seen := faceService(t, 0.72, http.StatusOK)
	c := NewClient(srv.URL+"/", 0, time.Second, nil)

	res, err := c.Verify(context.Background(), "u1", "faces/u1/1.jpg", []byte("jpeg"))
	require.NoError(t, err)
	assert.True(t, res.Match)
	assert.InDelta(t, 0.72, res.Similarity, 1e-9)
	assert.Equal(t, DefaultThreshold, res.Threshold)

	require.Len(t, *seen, 1)
	assert.Equal(t, "u1", (*seen)[0].UserID)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("jpeg")), (*seen)[0].FaceImage)

	strict := NewClient(srv.URL, 0.9, time.Second, nil)
	res, err = strict.Verify(context.Background(), "u1", "", []byte("jpeg"))
	require.NoError(t, err)
	assert.False(t, res.Match)
}

func TestClientErrors(t *testing.T) {
	rejecting, _ := faceService(t, 0, http.StatusBadRequest)
	_, err := NewClient(rejecting.URL, 0, time.Second, nil).Verify(context.Background(), "u1", "", []byte("x"))
	assert.ErrorIs(t, err, ErrRejected)
	assert.ErrorContains(t, err, "no face detected")

	broken, _ := faceService(t, 0, http.StatusInternalServerError)
	_, err = NewClient(broken.URL, 0, time.Second, nil).Verify(context.Background(), "u1", "", []byte("x"))
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = NewClient("http://127.0.0.1:1", 0, time.Second, nil).Verify(context.Background(), "u1", "", []byte("x"))
	assert.ErrorIs(t, err, ErrUnavailable)
}

type memFaces struct {
	mu      sync.Mutex
	objects map[string][]byte
	deleted []string
	err     error
}

func (m *memFaces) UploadFace(_ context.Context, key, _ string, body io.Reader, _ int64) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	b, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = make(map[string][]byte)
	}
	m.objects[key] = b
	return "https://faces.example/" + key, nil
}

func (m *memFaces) DeleteFace(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	m.deleted = append(m.deleted, key)
	return nil
}

type handlerEnv struct {
	router *gin.Engine
	users  *auth.MemoryStore
	faces  *memFaces
	user   *models.User
	clock  time.Time
}

func newHandlerEnv(t *testing.T, verifier Verifier) *handlerEnv {
	t.Helper()
	env := &handlerEnv{users: auth.NewMemoryStore(), faces: &memFaces{}, clock: time.Unix(1700000000, 0)}
	u, err := env.users.Create(context.Background(), auth.CreateUserParams{Email: "asha@school.edu", FullName: "Asha", Role: models.RoleStudent})
	require.NoError(t, err)
	env.user = u

	h := NewHandler(env.users, env.faces, verifier, nil)
	h.now = func() time.Time {
		env.clock = env.clock.Add(time.Second)
		return env.clock
	}
	env.router = gin.New()
	g := env.router.Group("/face", func(c *gin.Context) {
		if id, err := uuid.Parse(c.GetHeader("X-User")); err == nil {
			c.Set(middleware.ContextUserID, id)
		}
	})
	h.Register(g)
	return env
}

func (e *handlerEnv) upload(t *testing.T, path, contentType string, data []byte) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", `form-data; name="face"; filename="face.jpg"`)
	hdr.Set("Content-Type", contentType)
	part, err := mw.CreatePart(hdr)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-User", e.user.ID.String())
	return e.do(t, req)
}

func (e *handlerEnv) do(t *testing.T, req *http.Request) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w, body
}

func (e *handlerEnv) status(t *testing.T) bool {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/face/status", nil)
	req.Header.Set("X-User", e.user.ID.String())
	w, body := e.do(t, req)
	require.Equal(t, http.StatusOK, w.Code)
	return body["data"].(map[string]interface{})["face_registered"].(bool)
}

func TestRegisterReplacesPreviousFace(t *testing.T) {
	env := newHandlerEnv(t, nil)
	assert.False(t, env.status(t))

	w, body := env.upload(t, "/face/register", "image/jpeg", []byte("first"))
	require.Equal(t, http.StatusOK, w.Code, body)
	assert.Equal(t, "Face registered successfully", body["message"])
	assert.True(t, env.status(t))

	u, err := env.users.GetByID(context.Background(), env.user.ID)
	require.NoError(t, err)
	first := u.FaceKey
	assert.True(t, strings.HasPrefix(first, "faces/"+env.user.ID.String()+"/"))
	assert.True(t, strings.HasSuffix(first, ".jpg"))

	w, _ = env.upload(t, "/face/register", "image/png", []byte("second"))
	require.Equal(t, http.StatusOK, w.Code)
	u, err = env.users.GetByID(context.Background(), env.user.ID)
	require.NoError(t, err)
	assert.NotEqual(t, first, u.FaceKey)
	assert.Equal(t, []string{first}, env.faces.deleted)
	assert.Len(t, env.faces.objects, 1)
}

func TestRegisterRejectsBadUploads(t *testing.T) {
	env := newHandlerEnv(t, nil)

	w, body := env.upload(t, "/face/register", "application/pdf", []byte("%PDF"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, body["error"], "invalid file type")

	w, _ = env.upload(t, "/face/register", "image/jpeg", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	env.faces.err = errors.New("access denied")
	w, _ = env.upload(t, "/face/register", "image/jpeg", []byte("x"))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.False(t, env.status(t))
}

func TestVerifyForwardsToService(t *testing.T) {
	srv, seen := faceService(t, 0.81, http.StatusOK)
	env := newHandlerEnv(t, NewClient(srv.URL, 0.6, time.Second, nil))

	w, body := env.upload(t, "/face/verify", "image/jpeg", []byte("probe"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "no face registered for this user", body["error"])

	w, _ = env.upload(t, "/face/register", "image/jpeg", []byte("ref"))
	require.Equal(t, http.StatusOK, w.Code)
	u, err := env.users.GetByID(context.Background(), env.user.ID)
	require.NoError(t, err)

	w, body = env.upload(t, "/face/verify", "image/jpeg", []byte("probe"))
	require.Equal(t, http.StatusOK, w.Code, body)
	assert.Equal(t, "Face verified", body["message"])
	data := body["data"].(map[string]interface{})
	assert.Equal(t, true, data["match"])
	assert.InDelta(t, 0.81, data["similarity"].(float64), 1e-9)

	require.Len(t, *seen, 1)
	assert.Equal(t, env.user.ID.String(), (*seen)[0].UserID)
	assert.Equal(t, u.FaceKey, (*seen)[0].ReferenceKey)
	assert.Len(t, env.faces.objects, 2, "the probe is kept alongside the registered face")
}

func TestVerifyMapsServiceFailures(t *testing.T) {
	rejecting, _ := faceService(t, 0, http.StatusBadRequest)
	env := newHandlerEnv(t, NewClient(rejecting.URL, 0.6, time.Second, nil))
	w, _ := env.upload(t, "/face/register", "image/jpeg", []byte("ref"))
	require.Equal(t, http.StatusOK, w.Code)

	w, _ = env.upload(t, "/face/verify", "image/jpeg", []byte("probe"))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	down := newHandlerEnv(t, NewClient("http://127.0.0.1:1", 0.6, time.Second, nil))
	w, _ = down.upload(t, "/face/register", "image/jpeg", []byte("ref"))
	require.Equal(t, http.StatusOK, w.Code)
	w, _ = down.upload(t, "/face/verify", "image/jpeg", []byte("probe"))
	assert.Equal(t, http.StatusBadGateway, w.Code)

	unconfigured := newHandlerEnv(t, nil)
	w, _ = unconfigured.upload(t, "/face/verify", "image/jpeg", []byte("probe"))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRoutesRequireUser(t *testing.T) {
	env := newHandlerEnv(t, nil)
	w, _ := env.do(t, httptest.NewRequest(http.MethodGet, "/face/status", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
