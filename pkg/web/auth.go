package web

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/valyala/fasthttp"
	"golang.org/x/crypto/bcrypt"
)

// JWTConfig configures bearer-token authentication for the gateway.
type JWTConfig struct {
	// SecretKey verifies HMAC-signed tokens.
	SecretKey string

	// Issuer requires a matching iss claim when set.
	Issuer string

	// SkipPaths bypass authentication, e.g. /healthz and /metrics.
	SkipPaths []string
}

// JWT returns a middleware validating Authorization: Bearer tokens. Only
// HMAC signatures are accepted; alg confusion with asymmetric keys is
// rejected at the keyfunc.
func JWT(config JWTConfig) Middleware {
	if config.SecretKey == "" {
		panic("web.JWT: SecretKey must be provided")
	}

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return []byte(config.SecretKey), nil
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(config.Issuer))
	}
	parser := jwt.NewParser(opts...)

	return func(next Handler) Handler {
		return func(ctx *fasthttp.RequestCtx, params map[string]string) {
			if skipped(config.SkipPaths, string(ctx.Path())) {
				next(ctx, params)
				return
			}

			header := string(ctx.Request.Header.Peek("Authorization"))
			const scheme = "Bearer "
			if !strings.HasPrefix(header, scheme) {
				unauthorized(ctx)
				return
			}
			token, err := parser.Parse(header[len(scheme):], keyFunc)
			if err != nil || !token.Valid {
				unauthorized(ctx)
				return
			}
			next(ctx, params)
		}
	}
}

// APIKeyConfig configures X-API-Key authentication.
type APIKeyConfig struct {
	// KeyHash is the bcrypt hash the presented key must match. Storing
	// only the hash keeps the plaintext key out of config files.
	KeyHash string

	// SkipPaths bypass authentication.
	SkipPaths []string
}

// APIKey returns a middleware validating the X-API-Key header against a
// bcrypt hash.
func APIKey(config APIKeyConfig) Middleware {
	if config.KeyHash == "" {
		panic("web.APIKey: KeyHash must be provided")
	}

	return func(next Handler) Handler {
		return func(ctx *fasthttp.RequestCtx, params map[string]string) {
			if skipped(config.SkipPaths, string(ctx.Path())) {
				next(ctx, params)
				return
			}

			key := ctx.Request.Header.Peek("X-API-Key")
			if len(key) == 0 {
				unauthorized(ctx)
				return
			}
			if err := bcrypt.CompareHashAndPassword([]byte(config.KeyHash), key); err != nil {
				unauthorized(ctx)
				return
			}
			next(ctx, params)
		}
	}
}

// HashAPIKey produces the bcrypt hash to put in the gateway config.
func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func skipped(skipPaths []string, path string) bool {
	for _, p := range skipPaths {
		if path == p || strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func unauthorized(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("WWW-Authenticate", `Bearer realm="switchboard"`)
	writeError(ctx, fasthttp.StatusUnauthorized, "unauthorized")
}
