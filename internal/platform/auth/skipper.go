package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths bypass authentication: health checks and the display board
// socket, which wall screens open without credentials.
var publicPaths = map[string]bool{
	"/health":    true,
	"/health/db": true,
	"/ws":        true,
}

// AuthSkipper returns true for requests whose path should skip
// authentication. It matches the registered route path.
func AuthSkipper(c echo.Context) bool {
	return IsPublicPath(c.Path())
}

// IsPublicPath reports whether a route path is served without credentials.
func IsPublicPath(path string) bool {
	return publicPaths[path]
}
