package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"vpnshield/internal/support"
)

const (
	RoleAdmin = "admin"

	jwtSecretEnv = "JWT_SECRET"
)

var (
	ErrNoSecret     = errors.New("auth: JWT_SECRET is not configured")
	ErrInvalidToken = errors.New("auth: invalid token")
)

func signingKey() ([]byte, error) {
	secret := strings.TrimSpace(support.GetEnv(jwtSecretEnv, ""))
	if secret == "" {
		return nil, ErrNoSecret
	}
	return []byte(secret), nil
}

// GenerateJWT issues an HS256 token carrying sub and role.
func GenerateJWT(subject, role string, ttl time.Duration) (string, error) {
	key, err := signingKey()
	if err != nil {
		return "", err
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  subject,
		"role": role,
		"iat":  now.Unix(),
	}
	if ttl > 0 {
		claims["exp"] = now.Add(ttl).Unix()
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

func ValidateJWT(tokenString string) (jwt.MapClaims, error) {
	key, err := signingKey()
	if err != nil {
		return nil, err
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
