package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestUploadAuthMiddleware(t *testing.T) {
	secret := []byte("secret")
	token, err := GenerateUploadToken("u1", "author1", time.Hour, secret)
	if err != nil {
		t.Fatalf("GenerateUploadToken: %v", err)
	}

	r := gin.New()
	r.GET("/uploads/:id", UploadAuthMiddleware(secret), func(c *gin.Context) {
		claims, ok := UploadClaimsFromContext(c)
		if !ok || claims.UploadID != "u1" || claims.PubKey != "author1" {
			t.Errorf("claims not set, got %+v", claims)
		}
		c.String(200, "ok")
	})

	// Missing header
	w := httptest.NewRecorder()
	req, _ := http.NewRequestWithContext(context.Background(), "GET", "/uploads/u1", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}

	// Malformed header
	w = httptest.NewRecorder()
	req, _ = http.NewRequestWithContext(context.Background(), "GET", "/uploads/u1", nil)
	req.Header.Set("Authorization", token)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}

	// Garbage token
	w = httptest.NewRecorder()
	req, _ = http.NewRequestWithContext(context.Background(), "GET", "/uploads/u1", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}

	// Token for a different upload
	w = httptest.NewRecorder()
	req, _ = http.NewRequestWithContext(context.Background(), "GET", "/uploads/u2", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}

	// Valid token on its own upload
	w = httptest.NewRecorder()
	req, _ = http.NewRequestWithContext(context.Background(), "GET", "/uploads/u1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestUploadAuthMiddlewareExpiredToken(t *testing.T) {
	secret := []byte("secret")
	token, err := GenerateUploadToken("u1", "author1", -time.Minute, secret)
	if err != nil {
		t.Fatalf("GenerateUploadToken: %v", err)
	}

	r := gin.New()
	r.GET("/uploads/:id", UploadAuthMiddleware(secret), func(c *gin.Context) {
		c.String(200, "ok")
	})

	w := httptest.NewRecorder()
	req, _ := http.NewRequestWithContext(context.Background(), "GET", "/uploads/u1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}
