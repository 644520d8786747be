package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"morphik-go/internal/config"
	"morphik-go/pkg/token"
)

func newAuthRouter(m *token.JWTManager, cfg config.AuthConfig) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(AuthMiddleware(m, cfg))
	r.GET("/whoami", func(c *gin.Context) {
		auth, ok := GetAuthContext(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.JSON(http.StatusOK, auth)
	})
	return r
}

func TestAuthMiddlewareBearerToken(t *testing.T) {
	m := token.NewJWTManager("secret", time.Hour)
	r := newAuthRouter(m, config.AuthConfig{})

	tok, err := m.GenerateToken("user-1", "app-1")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"entity_id":"user-1","app_id":"app-1"}`, w.Body.String())
}

func TestAuthMiddlewareRejects(t *testing.T) {
	m := token.NewJWTManager("secret", time.Hour)
	r := newAuthRouter(m, config.AuthConfig{})

	other, err := token.NewJWTManager("other", time.Hour).GenerateToken("user-1", "")
	require.NoError(t, err)

	for _, header := range []string{"", "Token abc", "Bearer not-a-jwt", "Bearer " + other} {
		req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code, header)
	}
}

func TestAuthMiddlewareDevMode(t *testing.T) {
	r := newAuthRouter(nil, config.AuthConfig{DevMode: true, DevEntityID: "dev", DevAppID: "dev-app"})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/whoami", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"entity_id":"dev","app_id":"dev-app"}`, w.Body.String())
}

