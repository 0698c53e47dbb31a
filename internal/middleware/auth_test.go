package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	iauth "github.com/masrizal/pushbox/internal/auth"
	"github.com/masrizal/pushbox/pkg/response"
)

func validToken(t *testing.T, jwt *iauth.JWTService, userID string) string {
	t.Helper()
	token, err := jwt.GenerateAccessToken(iauth.AccessTokenInput{UserID: userID})
	require.NoError(t, err)
	return token
}

func TestAuthAcceptsBearerToken(t *testing.T) {
	jwt := mustJWT(t, "test-secret")

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Auth(jwt))
	r.GET("/protected", func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{"user_id": c.GetString(CtxUserIDKey)})
	})

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+validToken(t, jwt, "user-1"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "user-1")
}

func TestAuthRejectsMissingAndMalformedTokens(t *testing.T) {
	jwt, err := iauth.NewJWTService(iauth.JWTConfig{Secret: "test-secret"})
	require.NoError(t, err)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Auth(jwt))
	r.GET("/protected", func(c *gin.Context) { c.Status(http.StatusOK) })

	cases := map[string]string{
		"missing":      "",
		"not bearer":   "Basic abc",
		"garbage":      "Bearer not-a-jwt",
		"wrong secret": "Bearer " + validToken(t, mustJWT(t, "other"), "u"),
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/protected", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			require.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}
}

func mustJWT(t *testing.T, secret string) *iauth.JWTService {
	t.Helper()
	svc, err := iauth.NewJWTService(iauth.JWTConfig{Secret: secret})
	require.NoError(t, err)
	return svc
}

func TestAuthWithQueryFallback(t *testing.T) {
	jwt := mustJWT(t, "test-secret")

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(AuthWithQueryFallback(jwt))
	r.GET("/stream", func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{"user_id": c.GetString(CtxUserIDKey)})
	})

	token := validToken(t, jwt, "user-2")

	// Header still works.
	req := httptest.NewRequest(http.MethodGet, "/stream", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	// Query parameter works for header-less clients.
	req = httptest.NewRequest(http.MethodGet, "/stream?token="+token, nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "user-2")

	// No credentials at all is still rejected.
	req = httptest.NewRequest(http.MethodGet, "/stream", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}
