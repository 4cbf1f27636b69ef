package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/KevinKickass/OpenRemoteIO/internal/config"
)

type Permission string

const (
	PermOperator   Permission = "operator"
	PermTechnician Permission = "technician"
	PermAdmin      Permission = "admin"
)

// Roles accepted by IssueToken.
var Roles = []string{"operator", "technician", "admin"}

var ErrInvalidToken = errors.New("invalid or expired token")

type machineToken struct {
	name string
	hash string
	role string
}

type AuthService struct {
	jwtHandler    *JWTHandler
	machineTokens []machineToken
}

func NewAuthService(cfg config.AuthConfig) *AuthService {
	s := &AuthService{
		jwtHandler: NewJWTHandler(cfg.GetJWTSecret(), cfg.AccessTokenTTL),
	}
	for _, t := range cfg.MachineTokens {
		s.machineTokens = append(s.machineTokens, machineToken{
			name: t.Name,
			hash: strings.ToLower(t.Hash),
			role: t.Role,
		})
	}
	return s
}

// IssueToken signs an access token for subject with role.
func (a *AuthService) IssueToken(subject, role string) (string, error) {
	if !validRole(role) {
		return "", fmt.Errorf("unknown role %q (want one of %s)", role, strings.Join(Roles, ", "))
	}
	return a.jwtHandler.GenerateAccessToken(subject, role)
}

// ValidateToken validates any token (JWT or machine token) and returns
// the subject and its permissions.
func (a *AuthService) ValidateToken(token string) (string, []Permission, error) {
	// JWT zuerst
	if claims, err := a.jwtHandler.ValidateAccessToken(token); err == nil {
		return claims.Subject, roleToPermissions(claims.Role), nil
	}

	if !ValidateTokenFormat(token) {
		return "", nil, ErrInvalidToken
	}
	hash := HashToken(token)
	for _, t := range a.machineTokens {
		if hashEqual(t.hash, hash) {
			return t.name, roleToPermissions(t.role), nil
		}
	}
	return "", nil, ErrInvalidToken
}

func validRole(role string) bool {
	for _, r := range Roles {
		if r == role {
			return true
		}
	}
	return false
}

func roleToPermissions(role string) []Permission {
	switch role {
	case "admin":
		return []Permission{PermOperator, PermTechnician, PermAdmin}
	case "technician":
		return []Permission{PermOperator, PermTechnician}
	default:
		return []Permission{PermOperator}
	}
}
