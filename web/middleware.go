package web

import (
	"net/http"
	"strings"
	"time"

	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/rweb"

	"syncml/models"
)

// CorsMiddleware handles CORS headers for cross-origin requests
func CorsMiddleware(c rweb.Context) error {
	c.Response().SetHeader("Access-Control-Allow-Origin", "*")
	c.Response().SetHeader("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	c.Response().SetHeader("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")

	// Handle preflight OPTIONS requests
	if c.Request().Method() == "OPTIONS" {
		c.SetStatus(http.StatusOK)
		return nil
	}
	return c.Next()
}

// JWTAuthMiddleware validates Bearer tokens and populates the adapter
// identity in the context. It does not block - use RequireAuth on the
// endpoints that need it.
func JWTAuthMiddleware(c rweb.Context) error {
	authHeader := c.Request().Header("Authorization")
	if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
		c.Set("dev_id", "")
		c.Set("authenticated", false)
		return c.Next()
	}

	tokenString := strings.TrimPrefix(authHeader, "Bearer ")
	claims, err := models.ValidateToken(tokenString)
	if err != nil {
		// Don't log every invalid token attempt (could be attack)
		c.Set("dev_id", "")
		c.Set("authenticated", false)
		return c.Next()
	}

	c.Set("dev_id", claims.DevID)
	c.Set("adapter_name", claims.Name)
	c.Set("authenticated", true)
	return c.Next()
}

// RequireAuth wraps a handler so that only requests carrying a valid
// Bearer token (validated by JWTAuthMiddleware) reach it.
func RequireAuth(h func(rweb.Context) error) func(rweb.Context) error {
	return func(c rweb.Context) error {
		authenticated, _ := c.Get("authenticated").(bool)
		if !authenticated {
			c.SetStatus(http.StatusUnauthorized)
			return c.WriteJSON(map[string]interface{}{
				"success": false,
				"error":   "authentication required",
			})
		}
		return h(c)
	}
}

// SecurityHeadersMiddleware adds security headers to responses
func SecurityHeadersMiddleware(c rweb.Context) error {
	c.Response().SetHeader("X-Content-Type-Options", "nosniff")
	c.Response().SetHeader("X-Frame-Options", "DENY")
	c.Response().SetHeader("Referrer-Policy", "strict-origin-when-cross-origin")

	// The dashboard carries its own inline styles and no scripts
	csp := []string{
		"default-src 'self'",
		"style-src 'self' 'unsafe-inline'",
		"img-src 'self' data:",
	}
	c.Response().SetHeader("Content-Security-Policy", strings.Join(csp, "; "))
	return c.Next()
}

// LoggingMiddleware provides detailed request logging
func LoggingMiddleware(c rweb.Context) error {
	start := time.Now()

	logger.Debug("Request started",
		"method", c.Request().Method(),
		"path", c.Request().Path(),
	)

	err := c.Next()

	duration := time.Since(start)
	logger.Debug("Request completed",
		"method", c.Request().Method(),
		"path", c.Request().Path(),
		"duration", duration,
		"error", err,
	)
	return err
}
