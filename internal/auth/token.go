package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/evalgo/veddb/internal/veddberr"
)

// Claims is the JWT payload carried by the bearer token issued post-Auth,
// generalized from the teacher's auth.Claims (UserID/Username/Roles) to a
// single Role per spec.md §4.7's fixed three-role model.
type Claims struct {
	Username string `json:"username"`
	Role     Role   `json:"role"`
	jwt.RegisteredClaims
}

// TokenService issues and validates session bearer tokens, grounded on the
// teacher's auth.TokenService (golang-jwt/v5, HS256, issuer/expiry claims).
type TokenService struct {
	secret     []byte
	expiration time.Duration
	issuer     string
}

// NewTokenService builds a token service signing with secret, issuing
// tokens valid for expiration.
func NewTokenService(secret string, expiration time.Duration) *TokenService {
	return &TokenService{secret: []byte(secret), expiration: expiration, issuer: "veddb"}
}

// Issue signs a bearer token for u.
func (s *TokenService) Issue(u *User) (string, error) {
	now := time.Now()
	claims := Claims{
		Username: u.Username,
		Role:     u.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    s.issuer,
			Subject:   u.Username,
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.secret)
	if err != nil {
		return "", veddberr.Wrap(veddberr.KindExternal, "StorageError", "sign token", err)
	}
	return signed, nil
}

// Validate parses and verifies a bearer token, returning its claims.
func (s *TokenService) Validate(tokenString string) (*Claims, error) {
	tok, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, veddberr.Wrap(veddberr.KindAuth, "AuthFailed", "invalid token", err)
	}
	claims, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid {
		return nil, veddberr.New(veddberr.KindAuth, "AuthFailed", "invalid token")
	}
	if claims.ExpiresAt != nil && claims.ExpiresAt.Before(time.Now()) {
		return nil, veddberr.New(veddberr.KindAuth, "AuthFailed", "token expired")
	}
	return claims, nil
}
