package server

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/codetally/codetally/internal/storage"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// ErrTokenMismatch is returned when a token does not match the one the
// user registered with.
var ErrTokenMismatch = errors.New("token does not match registered user")

const authCacheSize = 1024

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

// ContextKeyTokenHash is the context key for the caller's token hash.
const ContextKeyTokenHash contextKey = "token_hash"

// AuthService binds API tokens to user identities. Users register
// implicitly: the first request naming a new userId claims it for the
// presented token, and every later request for that userId must carry
// the same token.
type AuthService struct {
	users  storage.UserStore
	cache  *lru.Cache[string, string] // userID -> token hash
	logger zerolog.Logger
}

// NewAuthService creates an auth service over the given user store.
func NewAuthService(users storage.UserStore, logger zerolog.Logger) *AuthService {
	cache, _ := lru.New[string, string](authCacheSize)
	return &AuthService{
		users:  users,
		cache:  cache,
		logger: logger.With().Str("component", "auth").Logger(),
	}
}

// HashToken returns the hex SHA-256 of a token. Only the hash is
// stored or compared; the raw token never touches storage.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Authorize checks that tokenHash may act as userID, registering the
// binding on first use. Returns ErrTokenMismatch when the userID is
// already bound to a different token.
func (a *AuthService) Authorize(ctx context.Context, tokenHash, userID string) error {
	if cached, ok := a.cache.Get(userID); ok {
		if subtle.ConstantTimeCompare([]byte(cached), []byte(tokenHash)) == 1 {
			return nil
		}
		return ErrTokenMismatch
	}

	user, err := a.users.Get(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		now := time.Now()
		if err := a.users.Upsert(ctx, storage.User{
			UserID:    userID,
			TokenHash: tokenHash,
			CreatedAt: now,
			LastSeen:  now,
		}); err != nil {
			return fmt.Errorf("register user: %w", err)
		}
		a.cache.Add(userID, tokenHash)
		a.logger.Info().Str("user_id", userID).Msg("New user registered")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}

	if subtle.ConstantTimeCompare([]byte(user.TokenHash), []byte(tokenHash)) != 1 {
		return ErrTokenMismatch
	}
	a.cache.Add(userID, tokenHash)
	return nil
}

// Forget drops a user from the auth cache. Used when a user record is
// deleted or rebound out of band.
func (a *AuthService) Forget(userID string) {
	a.cache.Remove(userID)
}

// AuthMiddleware requires a Bearer token and stashes its hash in the
// request context. Per-user binding is checked by the handlers, which
// know which userId the request is acting on.
func AuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
				writeError(w, http.StatusUnauthorized, "missing or malformed Authorization header")
				return
			}

			ctx := context.WithValue(r.Context(), ContextKeyTokenHash, HashToken(parts[1]))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// tokenHashFromContext extracts the token hash set by AuthMiddleware.
func tokenHashFromContext(ctx context.Context) (string, bool) {
	hash, ok := ctx.Value(ContextKeyTokenHash).(string)
	return hash, ok
}
