package utils

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrInvalidSubject = errors.New("invalid token subject")
)

// GenerateJWT signs an HS256 token whose subject is userID. A zero ttl
// produces a token without expiry.
func GenerateJWT(signingKey string, userID uint, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:  strconv.FormatUint(uint64(userID), 10),
		IssuedAt: jwt.NewNumericDate(now),
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signedToken, err := token.SignedString([]byte(signingKey))
	if err != nil {
		return "", err
	}
	return signedToken, nil
}

// VerifyJWT checks the signature and time claims and returns the user id.
func VerifyJWT(signingKey string, tokenString string) (uint, error) {
	claims := new(jwt.RegisteredClaims)
	token, err := jwt.NewParser(
		jwt.WithLeeway(5*time.Minute),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
	).ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (interface{}, error) {
		return []byte(signingKey), nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return 0, ErrInvalidToken
	}

	userID, err := strconv.ParseUint(claims.Subject, 10, 0)
	if err != nil || userID == 0 {
		return 0, ErrInvalidSubject
	}
	return uint(userID), nil
}
