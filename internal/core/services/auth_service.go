package services

import (
	"errors"
	"time"

	"github.com/Parr-Marketing/Dicksword/internal/core/domain"
	"github.com/Parr-Marketing/Dicksword/internal/core/ports"
	"github.com/Parr-Marketing/Dicksword/pkg/utils"
	"github.com/Parr-Marketing/Dicksword/pkg/validation"

	"github.com/golang-jwt/jwt/v5"
)

const maxDisplayNameLen = 50

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// Claims is the verified identity binding issued by the authentication
// collaborator. The relay only ever reads it.
type Claims struct {
	IdentityID  domain.IdentityID `json:"identity_id"`
	DisplayName string            `json:"display_name"`
	jwt.RegisteredClaims
}

type authService struct {
	jwtSecret []byte
}

// NewAuthService returns a TokenVerifier that accepts HS256 tokens signed
// with the shared secret the identity service uses.
func NewAuthService(jwtSecret string) ports.TokenVerifier {
	return &authService{jwtSecret: []byte(jwtSecret)}
}

func (s *authService) Verify(tokenString string) (domain.Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return domain.Identity{}, ErrExpiredToken
		}
		return domain.Identity{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return domain.Identity{}, ErrInvalidToken
	}
	if err := validation.ValidateIdentityID(string(claims.IdentityID)); err != nil {
		return domain.Identity{}, ErrInvalidToken
	}

	// The display name is attacker-controlled token payload; it is clamped
	// here once so nothing downstream has to care.
	name := utils.TruncateString(utils.SanitizeString(claims.DisplayName), maxDisplayNameLen)
	return domain.Identity{ID: claims.IdentityID, DisplayName: name}, nil
}

// IssueToken signs a short-lived token for an identity. The production
// identity service owns issuance; this exists for the dev server and tests.
func IssueToken(jwtSecret string, id domain.Identity, ttl time.Duration) (string, error) {
	claims := &Claims{
		IdentityID:  id.ID,
		DisplayName: id.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(jwtSecret))
}
