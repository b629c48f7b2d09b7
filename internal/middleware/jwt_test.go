package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func newRouter(role string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/private", JWTAuth(secret, role), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(ContextUserID))
	})
	return r
}

func get(r http.Handler, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/private", nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestJWTAuth(t *testing.T) {
	modToken, err := IssueToken(secret, "mod", RoleModerator, time.Hour)
	require.NoError(t, err)
	userToken, err := IssueToken(secret, "someone", "user", time.Hour)
	require.NoError(t, err)
	expired, err := IssueToken(secret, "mod", RoleModerator, -time.Minute)
	require.NoError(t, err)
	forged, err := IssueToken("other-secret", "mod", RoleModerator, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name string
		auth string
		want int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"garbage", "Bearer nope", http.StatusUnauthorized},
		{"expired", "Bearer " + expired, http.StatusUnauthorized},
		{"wrong secret", "Bearer " + forged, http.StatusUnauthorized},
		{"wrong role", "Bearer " + userToken, http.StatusForbidden},
		{"moderator", "Bearer " + modToken, http.StatusOK},
	}
	r := newRouter(RoleModerator)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := get(r, tt.auth)
			assert.Equal(t, tt.want, w.Code)
		})
	}

	w := get(r, "Bearer "+modToken)
	assert.Equal(t, "mod", w.Body.String())
}

func TestJWTAuth_AnyRole(t *testing.T) {
	token, err := IssueToken(secret, "someone", "user", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, get(newRouter(""), "Bearer "+token).Code)
}
