package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrSecretNotConfigured = errors.New("JWT_SECRET_KEY not configured")

// TenantTokenClaims identifies the tenant whose WhatsApp session a caller may drive.
type TenantTokenClaims struct {
	TenantID string `json:"tenant_id"`
	jwt.RegisteredClaims
}

// GenerateTenantToken signs a HS256 token. A zero ttl yields a token without expiry.
func GenerateTenantToken(tenantID string, ttl time.Duration) (string, error) {
	_, secret := secrets()
	if secret == "" {
		return "", ErrSecretNotConfigured
	}
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return "", errors.New("tenant id is required")
	}

	now := time.Now()
	claims := TenantTokenClaims{
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   tenantID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func ValidateTenantToken(tokenString string) (*TenantTokenClaims, error) {
	_, secret := secrets()
	if secret == "" {
		return nil, ErrSecretNotConfigured
	}

	token, err := jwt.ParseWithClaims(tokenString, &TenantTokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*TenantTokenClaims); ok && token.Valid && claims.TenantID != "" {
		return claims, nil
	}
	return nil, errors.New("invalid token claims")
}
