package middleware

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v4"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/fastygo/chatcrm/pkg/httpcontext"
)

// UserIDKey is the request user value holding the authenticated user.
const UserIDKey = "user_id"

// Claims carries the tenant of the caller. Tokens may name it either in user_id or sub.
type Claims struct {
	UserID string `json:"user_id,omitempty"`
	jwt.RegisteredClaims
}

func (c Claims) subject() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.Subject
}

// JWTAuth rejects requests without a valid HMAC-signed bearer token and exposes the
// token's user as X-User-ID. A client supplied X-User-ID header is never trusted.
func JWTAuth(secret, issuer string, logger *zap.Logger) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			ctx.Request.Header.Del(httpcontext.UserHeader)

			tokenString := extractToken(ctx)
			if tokenString == "" {
				ctx.SetStatusCode(fasthttp.StatusUnauthorized)
				return
			}

			userID, err := parseUser(tokenString, secret, issuer)
			if err != nil {
				logger.Warn("invalid jwt token", zap.Error(err))
				ctx.SetStatusCode(fasthttp.StatusUnauthorized)
				return
			}

			ctx.Request.Header.Set(httpcontext.UserHeader, userID)
			ctx.SetUserValue(UserIDKey, userID)
			next(ctx)
		}
	}
}

func parseUser(tokenString, secret, issuer string) (string, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", fmt.Errorf("token is not valid")
	}
	if issuer != "" && claims.Issuer != "" && !claims.VerifyIssuer(issuer, true) {
		return "", fmt.Errorf("unexpected issuer %q", claims.Issuer)
	}
	userID := claims.subject()
	if userID == "" {
		return "", fmt.Errorf("token carries no user")
	}
	return userID, nil
}

func extractToken(ctx *fasthttp.RequestCtx) string {
	header := string(ctx.Request.Header.Peek("Authorization"))
	if header == "" {
		return ""
	}
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return header
}
