package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ResultKey is the gin context key holding the *Result of a request.
const ResultKey = "auth_result"

// Middleware provides authentication middleware for gin routes
type Middleware struct {
	svc *Service
}

func NewMiddleware(svc *Service) *Middleware { return &Middleware{svc: svc} }

// GinAuth rejects requests without valid credentials.
func (m *Middleware) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := m.authenticate(c.Request)
		if err != nil || !res.Success {
			c.Header("WWW-Authenticate", `Basic realm="moltworker"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "authentication_failed",
				"details": "valid credentials required",
			})
			return
		}
		c.Set(ResultKey, res)
		c.Next()
	}
}

// GinRequirePermission must run after GinAuth.
func (m *Middleware) GinRequirePermission(resource, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		v, _ := c.Get(ResultKey)
		res, ok := v.(*Result)
		if !ok || !res.Success {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "authentication_required",
			})
			return
		}
		if !m.svc.HasPermission(res.Roles, resource, action) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "permission_denied",
				"details": "role lacks " + resource + ":" + action,
			})
			return
		}
		c.Next()
	}
}

// GinLogin exchanges credentials for a bearer token.
func (m *Middleware) GinLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid login request"})
			return
		}
		res, err := m.svc.Authenticate(c.Request.Context(), req)
		if err != nil || !res.Success || res.Token == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication_failed"})
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// authenticate tries a bearer token, then basic auth, then client credentials
// from the X-Client-Id/X-Client-Secret headers.
func (m *Middleware) authenticate(r *http.Request) (*Result, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return m.svc.Authenticate(r.Context(), LoginRequest{Method: MethodJWT, Token: parts[1]})
		}
	}
	if username, password, ok := r.BasicAuth(); ok {
		return m.svc.Authenticate(r.Context(), LoginRequest{Method: MethodBasic, Username: username, Password: password})
	}
	if id, secret := r.Header.Get("X-Client-Id"), r.Header.Get("X-Client-Secret"); id != "" && secret != "" {
		return m.svc.Authenticate(r.Context(), LoginRequest{Method: MethodClientSecret, ClientID: id, ClientSecret: secret})
	}
	return &Result{}, ErrInvalidCredentials
}
