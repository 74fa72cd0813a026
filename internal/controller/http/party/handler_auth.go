package party

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/partyroster/be/pkg/common/logger"
)

// KeySource yields the gateway's public signing keys. Invalidate reports
// whether a revalidation was allowed.
type KeySource interface {
	Get(ctx context.Context) (jwk.Set, error)
	Invalidate() bool
}

// Caller is the chat user acting through the gateway.
type Caller struct {
	UserID   string
	Nickname string
	scope    any
}

type callerKey struct{}

// CallerFrom returns the verified caller stored by requireBearer.
func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}

// requireBearer verifies the Authorization: Bearer token and stores the caller.
func (h *Handler) requireBearer() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller, ok := h.verifyBearer(w, r)
			if !ok {
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, caller)))
		})
	}
}

// requireScopes rejects callers whose token lacks any of scopes.
// Must run after requireBearer.
func (h *Handler) requireScopes(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller, ok := CallerFrom(r.Context())
			if !ok || !hasAllScopes(caller.scope, scopes) {
				w.Header().Set("WWW-Authenticate", "Bearer error=\"insufficient_scope\"")
				http.Error(w, "insufficientScope", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// verifyBearer validates a token signed with the shared secret or a gateway key.
// Returns false and writes an error response when invalid.
func (h *Handler) verifyBearer(w http.ResponseWriter, r *http.Request) (Caller, bool) {
	auth := r.Header.Get("Authorization")
	if auth == "" || !strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		w.Header().Set("WWW-Authenticate", "Bearer realm=\"parties\"")
		http.Error(w, "missingAuthorization", http.StatusUnauthorized)
		return Caller{}, false
	}
	if len(h.secret) == 0 && h.keys == nil {
		http.Error(w, "signingKeyUnavailable", http.StatusInternalServerError)
		return Caller{}, false
	}
	tokenStr := strings.TrimSpace(auth[len("Bearer "):])
	tok, err := h.parseToken(r.Context(), []byte(tokenStr))
	if err != nil || tok.Subject() == "" {
		w.Header().Set("WWW-Authenticate", "Bearer error=\"invalid_token\"")
		http.Error(w, "invalidToken", http.StatusUnauthorized)
		return Caller{}, false
	}
	c := Caller{UserID: tok.Subject()}
	if v, ok := tok.Get("name"); ok {
		c.Nickname, _ = v.(string)
	}
	if v, ok := tok.Get("scope"); ok {
		c.scope = v
	}
	return c, true
}

var (
	errNoKeyID      = errors.New("token names no signing key")
	errUnknownKeyID = errors.New("token signing key is not published")
)

// parseToken tries the shared secret first, then the gateway key set. Only
// a well-formed token naming a key missing from the cached set asks the
// cache to revalidate, in case the gateway rotated keys.
func (h *Handler) parseToken(ctx context.Context, raw []byte) (jwt.Token, error) {
	if len(h.secret) > 0 {
		tok, err := jwt.Parse(raw, jwt.WithKey(jwa.HS256, h.secret))
		if err == nil || h.keys == nil {
			return tok, err
		}
	}
	kid, err := tokenKeyID(raw)
	if err != nil {
		return nil, err
	}
	set, err := h.keys.Get(ctx)
	if err != nil {
		logger.Warn("gateway keys unavailable: %v", err)
		return nil, err
	}
	if _, ok := set.LookupKeyID(kid); !ok {
		if !h.keys.Invalidate() {
			return nil, errUnknownKeyID
		}
		if set, err = h.keys.Get(ctx); err != nil {
			logger.Warn("gateway keys unavailable: %v", err)
			return nil, err
		}
	}
	return jwt.Parse(raw, jwt.WithKeySet(set))
}

// tokenKeyID reads the kid header without verifying the signature.
func tokenKeyID(raw []byte) (string, error) {
	msg, err := jws.Parse(raw)
	if err != nil {
		return "", err
	}
	sigs := msg.Signatures()
	if len(sigs) != 1 {
		return "", errNoKeyID
	}
	kid := sigs[0].ProtectedHeaders().KeyID()
	if kid == "" {
		return "", errNoKeyID
	}
	return kid, nil
}

func hasAllScopes(scopeClaim any, required []string) bool {
	// space-delimited string or a list
	have := map[string]struct{}{}
	switch s := scopeClaim.(type) {
	case string:
		for _, p := range strings.Fields(s) {
			have[p] = struct{}{}
		}
	case []string:
		for _, p := range s {
			have[p] = struct{}{}
		}
	case []any:
		for _, x := range s {
			if str, ok := x.(string); ok {
				have[str] = struct{}{}
			}
		}
	}
	for _, req := range required {
		if _, ok := have[req]; !ok {
			return false
		}
	}
	return true
}
