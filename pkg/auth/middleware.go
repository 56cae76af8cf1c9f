package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"ouka/pkg/federation"
)

// ContextKey for storing identity in context
type contextKey string

const (
	ActorContextKey     contextKey = "actor"
	SignatureContextKey contextKey = "signature"
)

// Middleware verifies the request signature before calling next. Malformed
// signature headers get 400, signers on blocked domains 403 and every other
// failure 401.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res, err := v.Verify(r.Context(), r)
		if err != nil {
			status := http.StatusUnauthorized
			switch {
			case IsMalformed(err):
				status = http.StatusBadRequest
			case errors.Is(err, federation.ErrBlockedDomain):
				status = http.StatusForbidden
			}
			v.logger.Info("Inbound signature rejected",
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Error(err))
			http.Error(w, http.StatusText(status), status)
			return
		}

		ctx := WithActor(r.Context(), res.Actor)
		ctx = context.WithValue(ctx, SignatureContextKey, res.Signature.KeyID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// WithActor returns a context carrying the authenticated actor.
func WithActor(ctx context.Context, actor federation.Actor) context.Context {
	return context.WithValue(ctx, ActorContextKey, actor)
}

// ActorFromContext retrieves the actor authenticated by Middleware.
func ActorFromContext(ctx context.Context) (federation.Actor, bool) {
	actor, ok := ctx.Value(ActorContextKey).(federation.Actor)
	return actor, ok && actor != nil
}

// KeyIDFromContext retrieves the keyId of the verified signature.
func KeyIDFromContext(ctx context.Context) (string, bool) {
	keyID, ok := ctx.Value(SignatureContextKey).(string)
	return keyID, ok
}

// RequireBearer rejects requests that do not present token as a bearer
// token. An empty token disables the check.
func RequireBearer(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer realm="outbox"`)
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}
