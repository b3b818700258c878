package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/aspect-build/caxe/internal/logx"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// RequestIDHeader identifies one HTTP request in logs and responses. It is
// distinct from the submission correlation id a verify stream carries.
const RequestIDHeader = "X-Request-Id"

const requestIDKey = "request_id"

// RequestID tags every request with an id. A client-supplied id is kept when
// it is a UUID; anything else is replaced.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// MethodScope lists the methods a browser may use under a path prefix.
type MethodScope struct {
	Prefix  string
	Methods []string
}

// CORS returns a Gin middleware that handles Cross-Origin Resource Sharing.
// Preflights are answered per route group: the longest matching scope
// decides the allowed methods, and a path outside every scope allows GET.
func CORS(origins []string, scopes []MethodScope) gin.HandlerFunc {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[strings.TrimRight(o, "/")] = true
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" || !allowed[strings.TrimRight(origin, "/")] {
			c.Next()
			return
		}

		methods := methodsFor(scopes, c.Request.URL.Path)
		preflight := c.Request.Method == http.MethodOptions && c.GetHeader("Access-Control-Request-Method") != ""
		if preflight && !contains(methods, c.GetHeader("Access-Control-Request-Method")) {
			c.AbortWithStatus(http.StatusForbidden)
			return
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Vary", "Origin")
		c.Header("Access-Control-Allow-Methods", strings.Join(append(methods, http.MethodOptions), ", "))
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, "+RequestIDHeader)
		c.Header("Access-Control-Expose-Headers", "X-Correlation-Id, "+RequestIDHeader)
		c.Header("Access-Control-Max-Age", "86400")

		if preflight {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func methodsFor(scopes []MethodScope, path string) []string {
	best := -1
	for i, s := range scopes {
		if strings.HasPrefix(path, s.Prefix) && (best < 0 || len(s.Prefix) > len(scopes[best].Prefix)) {
			best = i
		}
	}
	if best < 0 {
		return []string{http.MethodGet}
	}
	return append([]string(nil), scopes[best].Methods...)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

// AdminAuth returns a Gin middleware that requires a valid Bearer token.
// Denied attempts are logged with the request id and client address.
func AdminAuth(token string) gin.HandlerFunc {
	expected := "Bearer " + token
	log := logx.With("component", "admin")
	deny := func(c *gin.Context, reason string) {
		log.With("request_id", c.GetString(requestIDKey), "client", c.ClientIP()).
			Warnf("denied %s %s: %s", c.Request.Method, c.Request.URL.Path, reason)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"msg": reason})
	}
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if auth == "" {
			deny(c, "missing Authorization header")
			return
		}
		if !strings.HasPrefix(auth, "Bearer ") {
			deny(c, "Authorization header must use Bearer scheme")
			return
		}
		if subtle.ConstantTimeCompare([]byte(auth), []byte(expected)) != 1 {
			deny(c, "invalid admin token")
			return
		}
		c.Next()
	}
}
