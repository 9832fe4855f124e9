// Package api adapts HTTP requests to the login risk engine. It holds no
// decision logic of its own.
package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// HeaderAPIVersion carries the served API version on responses and the
	// requested version on requests
	HeaderAPIVersion = "X-API-Version"

	// DefaultAPIVersion is the version served when the client asks for none
	DefaultAPIVersion = "1.0"
)

// VersionMiddleware stamps responses with version and rejects requests
// asking for a version outside supported
func VersionMiddleware(version string, supported []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header(HeaderAPIVersion, version)

		requested := c.GetHeader(HeaderAPIVersion)
		if requested == "" {
			c.Set("api_version", version)
			c.Next()
			return
		}
		if !isVersionSupported(requested, supported) {
			c.AbortWithStatusJSON(http.StatusNotAcceptable, gin.H{
				"error":              "unsupported_api_version",
				"message":            "Requested API version is not supported",
				"supported_versions": supported,
			})
			return
		}
		c.Set("api_version", requested)
		c.Next()
	}
}

// isVersionSupported accepts both "1" and "1.0" style versions
func isVersionSupported(version string, supported []string) bool {
	for _, v := range supported {
		if v == version || strings.HasPrefix(v, version+".") {
			return true
		}
	}
	return false
}

// GetVersion returns the negotiated API version of the request
func GetVersion(c *gin.Context) string {
	if v, ok := c.Get("api_version"); ok {
		if version, ok := v.(string); ok {
			return version
		}
	}
	return DefaultAPIVersion
}
