package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/KevinKickass/OpenRemoteIO/internal/config"
)

func newService(t *testing.T, tokens ...config.MachineTokenEntry) *AuthService {
	t.Helper()
	t.Setenv("RIO_TEST_SECRET", "0123456789abcdef0123456789abcdef")
	return NewAuthService(config.AuthConfig{
		Enabled:        true,
		JWTSecretEnv:   "RIO_TEST_SECRET",
		AccessTokenTTL: time.Minute,
		MachineTokens:  tokens,
	})
}

func TestIssueAndValidate(t *testing.T) {
	s := newService(t)

	tok, err := s.IssueToken("alice", "technician")
	if err != nil {
		t.Fatal(err)
	}
	sub, perms, err := s.ValidateToken(tok)
	if err != nil {
		t.Fatal(err)
	}
	if sub != "alice" || len(perms) != 2 || perms[1] != PermTechnician {
		t.Errorf("got %q %v", sub, perms)
	}

	if _, err := s.IssueToken("bob", "root"); err == nil {
		t.Error("unknown role accepted")
	}
	if _, _, err := s.ValidateToken(tok + "x"); err == nil {
		t.Error("tampered token accepted")
	}

	other := NewJWTHandler("another-secret-another-secret-xx", time.Minute)
	foreign, _ := other.GenerateAccessToken("eve", "admin")
	if _, _, err := s.ValidateToken(foreign); err == nil {
		t.Error("token signed with other secret accepted")
	}

	expired := NewJWTHandler("0123456789abcdef0123456789abcdef", -time.Minute)
	old, _ := expired.GenerateAccessToken("alice", "operator")
	if _, _, err := s.ValidateToken(old); err == nil {
		t.Error("expired token accepted")
	}
}

func TestMachineToken(t *testing.T) {
	tok, hash, err := GenerateMachineToken()
	if err != nil {
		t.Fatal(err)
	}
	if !ValidateTokenFormat(tok) {
		t.Fatalf("generated token %q has invalid format", tok)
	}
	if HashToken(tok) != hash {
		t.Fatal("hash mismatch")
	}

	s := newService(t, config.MachineTokenEntry{Name: "plc", Hash: hash, Role: "operator"})
	sub, perms, err := s.ValidateToken(tok)
	if err != nil || sub != "plc" || len(perms) != 1 {
		t.Fatalf("ValidateToken = %q %v %v", sub, perms, err)
	}

	other, _, _ := GenerateMachineToken()
	if _, _, err := s.ValidateToken(other); err != ErrInvalidToken {
		t.Errorf("unknown machine token: %v", err)
	}
	if ValidateTokenFormat("rio_short") {
		t.Error("short token passed format check")
	}
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := newService(t)

	r := gin.New()
	r.Use(s.AuthMiddleware())
	r.GET("/read", func(c *gin.Context) { c.String(http.StatusOK, Subject(c)) })
	r.POST("/write", RequirePermission(PermTechnician), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	op, _ := s.IssueToken("op", "operator")
	tech, _ := s.IssueToken("tech", "technician")

	tests := []struct {
		name   string
		method string
		path   string
		header string
		want   int
	}{
		{"no header", http.MethodGet, "/read", "", http.StatusUnauthorized},
		{"bad scheme", http.MethodGet, "/read", "Basic abc", http.StatusUnauthorized},
		{"operator read", http.MethodGet, "/read", "Bearer " + op, http.StatusOK},
		{"query token", http.MethodGet, "/read?token=" + op, "", http.StatusOK},
		{"operator write", http.MethodPost, "/write", "Bearer " + op, http.StatusForbidden},
		{"technician write", http.MethodPost, "/write", "Bearer " + tech, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestRequirePermissionWithoutAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/write", RequirePermission(PermAdmin), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/write", nil))
	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d", w.Code)
	}
}
