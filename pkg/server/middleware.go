package server

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/crystal-mush/worldtune/pkg/access"
)

type contextKey string

const callerKey contextKey = "caller"

// anonymous is the caller for requests without a token.
var anonymous = access.Caller{ID: "anonymous", Level: access.Guest}

// CallerFromContext returns the caller bound by authMiddleware, or the
// anonymous Guest.
func CallerFromContext(ctx context.Context) access.Caller {
	if c, ok := ctx.Value(callerKey).(access.Caller); ok {
		return c
	}
	return anonymous
}

func contextWithCaller(ctx context.Context, c access.Caller) context.Context {
	return context.WithValue(ctx, callerKey, c)
}

// bearerToken pulls the token from "Authorization: Bearer" or, for
// websocket upgrades from browsers, the token query parameter.
func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if h == "" {
		if t := r.URL.Query().Get("token"); t != "" {
			return t, true
		}
		return "", true
	}
	scheme, tok, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	return strings.TrimSpace(tok), true
}

// authMiddleware validates the bearer token and binds its caller to the
// request context. Requests without a token proceed as anonymous; a
// malformed or invalid token is a 401.
func authMiddleware(auth *AuthService, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid authorization header")
			return
		}
		if tok == "" {
			next.ServeHTTP(w, r)
			return
		}
		claims, err := auth.ValidateToken(tok)
		if err != nil {
			DebugLog("web: rejected token from %s: %v", r.RemoteAddr, err)
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(contextWithCaller(r.Context(), claims.Caller())))
	})
}

// requireLevel answers 401 for anonymous callers and 403 for callers
// below floor.
func requireLevel(floor access.Level, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c := CallerFromContext(r.Context())
		if c == anonymous && floor > access.Guest {
			writeError(w, http.StatusUnauthorized, "authorization required")
			return
		}
		if !c.Level.AtLeast(floor) {
			writeError(w, http.StatusForbidden, "requires "+floor.String())
			return
		}
		next(w, r)
	}
}

// corsMiddleware adds CORS headers for allowed origins. An empty list
// allows any origin.
func corsMiddleware(allowedOrigins []string, next http.Handler) http.Handler {
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[strings.ToLower(o)] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (len(originSet) == 0 || originSet[strings.ToLower(origin)]) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.Header().Set("Access-Control-Max-Age", "86400")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimiter counts requests per IP in fixed one-minute windows.
type rateLimiter struct {
	mu       sync.Mutex
	requests map[string]*rateBucket
	limit    int
	window   time.Duration
	now      func() time.Time
}

type rateBucket struct {
	count  int
	expiry time.Time
}

func newRateLimiter(requestsPerMinute int) *rateLimiter {
	return &rateLimiter{
		requests: make(map[string]*rateBucket),
		limit:    requestsPerMinute,
		window:   time.Minute,
		now:      time.Now,
	}
}

func (rl *rateLimiter) allow(ip string) bool {
	if rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	bucket, ok := rl.requests[ip]
	if !ok || now.After(bucket.expiry) {
		rl.requests[ip] = &rateBucket{count: 1, expiry: now.Add(rl.window)}
		return true
	}
	bucket.count++
	return bucket.count <= rl.limit
}

// cleanup drops expired buckets.
func (rl *rateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	for ip, bucket := range rl.requests {
		if now.After(bucket.expiry) {
			delete(rl.requests, ip)
		}
	}
}

func rateLimitMiddleware(rl *rateLimiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if !rl.allow(ip) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
