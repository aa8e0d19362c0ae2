package httpx

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

var (
	errMissingToken = errors.New("missing bearer token")
	errMalformed    = errors.New("invalid authorization header format")
)

// requireToken rejects requests that do not present the configured token.
// An empty token leaves the control surface open.
func (r *Router) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return r.guard(false, next)
}

// requireStreamToken also accepts the token as an access_token query
// parameter, since browser EventSource and WebSocket clients cannot set
// request headers.
func (r *Router) requireStreamToken(next http.HandlerFunc) http.HandlerFunc {
	return r.guard(true, next)
}

func (r *Router) guard(allowQuery bool, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		expected := r.cfg.APIToken
		if expected == "" {
			next(w, req)
			return
		}
		token, err := requestToken(req, allowQuery)
		if err != nil {
			r.logger.Warn("authorization missing", "error", err, "path", req.URL.Path)
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			r.logger.Warn("api token mismatch", "path", req.URL.Path, "ip", clientIP(req))
			writeError(w, http.StatusUnauthorized, "invalid api token")
			return
		}
		next(w, req)
	}
}

func requestToken(req *http.Request, allowQuery bool) (string, error) {
	header := strings.TrimSpace(req.Header.Get("Authorization"))
	if header == "" {
		if allowQuery {
			if token := strings.TrimSpace(req.URL.Query().Get("access_token")); token != "" {
				return token, nil
			}
		}
		return "", errMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", errMalformed
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", errMissingToken
	}
	return token, nil
}
