package ratelimit

import (
	"net"
	"net/http"
	"strconv"
	"strings"
)

// clientIP extracts the caller's address, preferring a trusted
// X-Forwarded-For/X-Real-IP header (set by the reverse proxy Scotty
// normally sits behind) and falling back to the raw socket address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, ok := strings.Cut(fwd, ","); ok {
			return strings.TrimSpace(first)
		}

		return strings.TrimSpace(fwd)
	}

	if real := r.Header.Get("X-Real-IP"); real != "" {
		return real
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}

// bearerToken extracts the token from an "Authorization: Bearer <token>"
// header, returning "" if the header is absent or malformed.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")

	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return ""
	}

	return token
}

// tooManyRequests writes a 429 response with a Retry-After hint.
func tooManyRequests(w http.ResponseWriter) {
	w.Header().Set("Retry-After", strconv.Itoa(1))
	w.WriteHeader(http.StatusTooManyRequests)
}

// PublicAuthMiddleware throttles unauthenticated auth endpoints (login) per
// client IP.
func (l *Limiter) PublicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.AllowPublicAuth(clientIP(r)) {
			tooManyRequests(w)

			return
		}

		next.ServeHTTP(w, r)
	})
}

// OAuthMiddleware throttles OAuth device/web flow endpoints per client IP.
func (l *Limiter) OAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.AllowOAuth(clientIP(r)) {
			tooManyRequests(w)

			return
		}

		next.ServeHTTP(w, r)
	})
}

// AuthenticatedMiddleware throttles bearer-token authenticated endpoints per
// token, so one caller's quota never affects another's.
func (l *Limiter) AuthenticatedMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := bearerToken(r)
		if key == "" {
			key = clientIP(r)
		}

		if !l.AllowAuthenticated(key) {
			tooManyRequests(w)

			return
		}

		next.ServeHTTP(w, r)
	})
}
