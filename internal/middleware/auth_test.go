package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/anonchat/presence-go/internal/apperror"
)

func newRouter(issuer *TokenIssuer) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/me", Auth(issuer), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString("userId"))
	})
	r.GET("/admin", Auth(issuer), RequireAdmin(), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return r
}

func TestTokenIssuer_RoundTrip(t *testing.T) {
	issuer := NewTokenIssuer("secret", time.Hour)
	token, err := issuer.Issue("u1", RoleUser)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	claims, err := issuer.Parse(token)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if claims.Subject != "u1" || claims.Role != RoleUser {
		t.Errorf("Unexpected claims %+v", claims)
	}

	other := NewTokenIssuer("other", time.Hour)
	if _, err := other.Parse(token); !apperror.Is(err, apperror.AuthInvalid) {
		t.Errorf("Expected AuthInvalid for wrong secret, got %v", err)
	}
}

func TestTokenIssuer_Expired(t *testing.T) {
	issuer := NewTokenIssuer("secret", time.Minute)
	issuer.now = func() time.Time { return time.Now().Add(-time.Hour) }
	token, _ := issuer.Issue("u1", RoleUser)

	issuer.now = time.Now
	if _, err := issuer.Parse(token); !apperror.Is(err, apperror.AuthInvalid) {
		t.Errorf("Expected AuthInvalid for expired token, got %v", err)
	}
}

func TestAuth_Middleware(t *testing.T) {
	issuer := NewTokenIssuer("secret", time.Hour)
	r := newRouter(issuer)
	userToken, _ := issuer.Issue("u1", RoleUser)
	adminToken, _ := issuer.Issue("a1", RoleAdmin)

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"missing token", "/me", "", http.StatusUnauthorized},
		{"garbage token", "/me", "Bearer nope", http.StatusUnauthorized},
		{"user token", "/me", "Bearer " + userToken, http.StatusOK},
		{"query token", "/me?token=" + userToken, "", http.StatusOK},
		{"user on admin route", "/admin", "Bearer " + userToken, http.StatusForbidden},
		{"admin on admin route", "/admin", "Bearer " + adminToken, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestCORS_AllowedOrigins(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CORS([]string{"https://chat.example"}))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "https://evil.example")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Expected no CORS header for unknown origin, got %q", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/x", nil)
	req.Header.Set("Origin", "https://chat.example")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent || w.Header().Get("Access-Control-Allow-Origin") != "https://chat.example" {
		t.Errorf("Unexpected preflight response %d %v", w.Code, w.Header())
	}
}
