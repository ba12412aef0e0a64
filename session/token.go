package session

import (
	"fmt"
	"time"

	"github.com/alwitt/securesync/models"
	"github.com/golang-jwt/jwt/v5"
)

// TokenClaims claims of a session bearer token
type TokenClaims struct {
	jwt.RegisteredClaims
	// SessionID the session the token authorizes
	SessionID string `json:"sid"`
}

// tokenIssuer issues and checks HS256 session tokens
type tokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

/*
issue create a token authorizing sync rounds under a session

	@param sessionID string - the session
	@param clientDeviceID string - the client device
	@returns the signed token
*/
func (t tokenIssuer) issue(sessionID, clientDeviceID string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   clientDeviceID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
		SessionID: sessionID,
	})
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token [%w]", err)
	}
	return signed, nil
}

/*
parse check a token and return its claims

	@param raw string - the token
	@returns the claims
*/
func (t tokenIssuer) parse(raw string) (TokenClaims, error) {
	claims := TokenClaims{}
	token, err := jwt.ParseWithClaims(raw, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil {
		return TokenClaims{}, models.WrapSyncError(
			models.ErrCodeAuthenticationFailure, err, "session token is not valid",
		)
	}
	if !token.Valid || claims.SessionID == "" || claims.Subject == "" {
		return TokenClaims{}, models.NewSyncError(
			models.ErrCodeAuthenticationFailure, "session token is not valid",
		)
	}
	return claims, nil
}
