package middleware

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/secure"
	"github.com/gin-gonic/gin"
)

// CORS lets browser dashboards on other origins read the status endpoints.
func CORS() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{http.MethodGet, http.MethodHead, http.MethodOptions},
		AllowHeaders:    []string{"Origin", "Authorization", "Accept-Encoding"},
	})
}

// Secure sets the response hardening headers. The API is plain HTTP on a
// private interface, so no TLS redirect or HSTS.
func Secure() gin.HandlerFunc {
	return secure.New(secure.Config{
		IsDevelopment:      false,
		FrameDeny:          true,
		ContentTypeNosniff: true,
		IENoOpen:           true,
		ReferrerPolicy:     "no-referrer",
	})
}
