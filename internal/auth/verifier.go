// Package auth provides bearer token verification helpers.
package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"dispatch/internal/config"
	"dispatch/internal/model"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// Verifier validates bearer tokens and extracts role/user claims.
// Supports modes: dev (no verify, "role:id") and hmac (HS256).
type Verifier struct {
	Mode        string
	HMACSecret  []byte
	RoleClaim   string
	DriverClaim string
	parser      *jwt.Parser
}

type Principal struct {
	Role   string
	UserID string
}

func (p Principal) IsAdmin() bool  { return p.Role == model.RoleAdmin }
func (p Principal) IsDriver() bool { return p.Role == model.RoleDriver && p.UserID != "" }

func NewVerifier(c config.AuthConfig) *Verifier {
	mode := strings.ToLower(strings.TrimSpace(c.Mode))
	if mode == "" {
		mode = "dev"
	}
	return &Verifier{
		Mode:        mode,
		HMACSecret:  []byte(c.HMACSecret),
		RoleClaim:   or(c.RoleClaim, "role"),
		DriverClaim: or(c.DriverClaim, "sub"),
		parser:      jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()),
	}
}

func or(v, d string) string {
	if v != "" {
		return v
	}
	return d
}

func (v *Verifier) Verify(token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, ErrUnauthenticated
	}
	switch v.Mode {
	case "dev":
		// token format: role:id
		role, id, ok := strings.Cut(token, ":")
		if !ok || role == "" {
			return Principal{}, fmt.Errorf("%w: expected role:id dev token", ErrUnauthenticated)
		}
		return Principal{Role: strings.ToLower(role), UserID: id}, nil
	case "hmac":
		claims := jwt.MapClaims{}
		_, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
			return v.HMACSecret, nil
		})
		if err != nil {
			return Principal{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
		}
		role, _ := claims[v.RoleClaim].(string)
		id, _ := claims[v.DriverClaim].(string)
		if role == "" {
			return Principal{}, fmt.Errorf("%w: missing %s claim", ErrUnauthenticated, v.RoleClaim)
		}
		return Principal{Role: strings.ToLower(role), UserID: id}, nil
	default:
		return Principal{}, errors.New("unsupported auth mode")
	}
}

// Sign issues an HS256 token for p. Used by tooling and tests.
func (v *Verifier) Sign(p Principal, claims jwt.MapClaims) (string, error) {
	c := jwt.MapClaims{v.RoleClaim: p.Role, v.DriverClaim: p.UserID}
	for k, val := range claims {
		c[k] = val
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(v.HMACSecret)
}
