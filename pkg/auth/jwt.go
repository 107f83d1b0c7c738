package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidJWT      = errors.New("invalid JWT token")
	ErrExpiredJWT      = errors.New("JWT token expired")
	ErrUnauthenticated = errors.New("authentication required")
)

// UploadClaims represents JWT claims bound to a single upload session.
// Tokens are minted when an upload is signed and must accompany every
// status poll and completion call for that upload.
type UploadClaims struct {
	UploadID string `json:"upload_id"`
	PubKey   string `json:"pubkey"`
	jwt.RegisteredClaims
}

// GenerateUploadToken creates a JWT scoped to one upload session.
func GenerateUploadToken(uploadID, pubKey string, ttl time.Duration, secret []byte) (string, error) {
	claims := &UploadClaims{
		UploadID: uploadID,
		PubKey:   pubKey,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ValidateUploadToken validates an upload token and returns its claims
func ValidateUploadToken(tokenString string, secret []byte) (*UploadClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &UploadClaims{}, func(token *jwt.Token) (interface{}, error) {
		// Verify the signing method to prevent algorithm confusion attacks
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredJWT
		}
		return nil, ErrInvalidJWT
	}

	if claims, ok := token.Claims.(*UploadClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, ErrInvalidJWT
}
