package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/electrothon/attendance/internal/auth"
	"github.com/electrothon/attendance/internal/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(jwtSvc *auth.JWTService, revoker auth.Revoker) *gin.Engine {
	r := gin.New()
	r.Use(CORS([]string{"http://app.local"}))
	protected := r.Group("/", JWT(jwtSvc, revoker, nil))
	protected.GET("/any", func(c *gin.Context) {
		c.String(http.StatusOK, c.MustGet(ContextUserName).(string))
	})
	protected.GET("/teacher", RequireRole(models.RoleTeacher), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return r
}

func do(r http.Handler, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Origin", "http://app.local")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestJWTMiddleware(t *testing.T) {
	jwtSvc := auth.NewJWTService("secret", 1)
	revoker := auth.NewMemoryRevoker()
	r := newRouter(jwtSvc, revoker)

	student, err := jwtSvc.Generate(uuid.New(), "s@x.io", "Asha", string(models.RoleStudent))
	require.NoError(t, err)

	w := do(r, http.MethodGet, "/any", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(r, http.MethodGet, "/any", "garbage")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(r, http.MethodGet, "/any", student)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Asha", w.Body.String())
	assert.Equal(t, "http://app.local", w.Header().Get("Access-Control-Allow-Origin"))

	w = do(r, http.MethodGet, "/teacher", student)
	assert.Equal(t, http.StatusForbidden, w.Code)

	claims, err := jwtSvc.Validate(student)
	require.NoError(t, err)
	require.NoError(t, revoker.Revoke(context.Background(), claims.ID, time.Hour))
	w = do(r, http.MethodGet, "/any", student)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireRoleAllowsTeacher(t *testing.T) {
	jwtSvc := auth.NewJWTService("secret", 1)
	r := newRouter(jwtSvc, nil)
	teacher, err := jwtSvc.Generate(uuid.New(), "t@x.io", "Ravi", string(models.RoleTeacher))
	require.NoError(t, err)

	w := do(r, http.MethodGet, "/teacher", teacher)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCORSPreflight(t *testing.T) {
	r := newRouter(auth.NewJWTService("secret", 1), nil)
	w := do(r, http.MethodOptions, "/any", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "Origin", w.Header().Get("Vary"))
}
