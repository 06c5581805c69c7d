package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const issuer = "scout-cli"

// GenerateToken signs an HS256 bearer token for subject.
func GenerateToken(secret []byte, subject string, expiry time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("empty signing secret")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ValidateToken parses tokenStr and returns its claims. Only HS256 is accepted.
func ValidateToken(secret []byte, tokenStr string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v (only HS256 allowed)", t.Header["alg"])
		}
		return secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// bearerAuth rejects requests without a valid token. Browsers cannot set
// headers on websocket upgrades, so the token may also come as ?token=.
func bearerAuth(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr := c.Query("token")
		if h := c.GetHeader("Authorization"); h != "" {
			scheme, value, ok := strings.Cut(h, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") {
				fail(c, http.StatusUnauthorized, "authorization header must be a bearer token")
				return
			}
			tokenStr = strings.TrimSpace(value)
		}
		if tokenStr == "" {
			fail(c, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := ValidateToken(secret, tokenStr)
		if err != nil {
			fail(c, http.StatusUnauthorized, "invalid token: "+err.Error())
			return
		}
		c.Set("subject", claims.Subject)
		c.Next()
	}
}
