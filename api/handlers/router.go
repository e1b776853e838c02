package handlers

import (
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"
)

// RouterConfig wires the handlers into an engine.
type RouterConfig struct {
	Auth           *AuthHandler
	IRC            *IRCHandler
	Metrics        http.Handler
	MetricsPath    string
	AllowedOrigins []string
	TrustedProxies []string
}

// NewRouter builds the gin engine serving the bridge API.
func NewRouter(cfg RouterConfig) (*gin.Engine, error) {
	r := gin.Default()
	if err := r.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, err
	}

	if len(cfg.AllowedOrigins) > 0 {
		r.Use(corsMiddleware(cfg.AllowedOrigins))
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
		})
	})
	if cfg.Metrics != nil {
		path := cfg.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.GET(path, gin.WrapH(cfg.Metrics))
	}

	root := r.Group("/")
	cfg.Auth.RegisterRoutes(root)
	cfg.IRC.RegisterRoutes(root, cfg.Auth.RequireSession())

	return r, nil
}

// corsMiddleware allows credentialed requests from the listed origins.
func corsMiddleware(allowed []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && slices.Contains(allowed, origin) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
			c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
			c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")
			c.Writer.Header().Add("Vary", "Origin")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
