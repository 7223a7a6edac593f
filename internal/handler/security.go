package handler

import (
	"net/http"
	"strings"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/grocer/internal/domain/auth"
)

// APIKeyHeader carries the raw admin API key.
const APIKeyHeader = "X-API-Key"

type userHandlerFunc func(w http.ResponseWriter, r *http.Request, userID string)

type adminHandlerFunc func(w http.ResponseWriter, r *http.Request, key *auth.APIKeyInfo)

// user authenticates a shopper by the HS256 bearer token in the
// Authorization header.
func (h *Handler) user(fn userHandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			h.fail(w, r, auth.ErrUnauthorized)
			return
		}
		userID, err := h.Tokens.UserID(token)
		if err != nil {
			h.fail(w, r, err)
			return
		}

		ctx := zctx.With(r.Context(), zap.String("user_id", userID))
		fn(w, r.WithContext(ctx), userID)
	})
}

// admin authenticates store staff by API key. Scope and store checks are
// made by each route once it knows the store it acts on.
func (h *Handler) admin(fn adminHandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, err := h.Keys.Verify(r.Context(), r.Header.Get(APIKeyHeader))
		if err != nil {
			h.fail(w, r, err)
			return
		}

		ctx := zctx.With(r.Context(), zap.String("api_key", key.Name))
		fn(w, r.WithContext(ctx), key)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	v := r.Header.Get("Authorization")
	if len(v) <= len(prefix) || !strings.EqualFold(v[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(v[len(prefix):]), true
}

// actorID names the API key in ledger movements and order confirmations.
func actorID(key *auth.APIKeyInfo) string {
	return "apikey:" + key.ID
}
