// ABOUTME: Signed OAuth state tokens for the Late connect flow
// ABOUTME: HS256 JWTs carrying the user id so raw API keys never leave the gateway

package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// StateTTL bounds how long a user has to complete the OAuth round trip.
const StateTTL = 10 * time.Minute

const stateAudience = "late-oauth"

// StateSigner issues and verifies OAuth state tokens.
type StateSigner struct {
	secret []byte
	now    func() time.Time
}

// NewStateSigner creates a signer with the given HMAC secret.
func NewStateSigner(secret []byte) (*StateSigner, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("state secret must be at least 32 bytes, got %d", len(secret))
	}
	return &StateSigner{secret: secret, now: time.Now}, nil
}

// Generate creates a state token for the user that expires after StateTTL.
func (s *StateSigner) Generate(userID int64) (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(userID, 10),
		Audience:  jwt.ClaimStrings{stateAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(StateTTL)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify validates the state token and returns the user id it was issued for.
func (s *StateSigner) Verify(state string) (int64, error) {
	token, err := jwt.ParseWithClaims(state, &jwt.RegisteredClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	},
		jwt.WithAudience(stateAudience),
		jwt.WithTimeFunc(s.now),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return 0, ErrExpiredToken
		}
		return 0, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid {
		return 0, ErrInvalidToken
	}
	if claims.Subject == "" {
		return 0, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: sub is not a user id", ErrInvalidToken)
	}
	return userID, nil
}
