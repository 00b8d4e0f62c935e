package middleware

import (
	"github.com/labstack/echo/v4"
)

// relayHeaders apply to every relay response. Permissions-Policy leaves
// camera and microphone off: media never flows through the relay.
var relayHeaders = [][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
	{"Strict-Transport-Security", "max-age=31536000; includeSubDomains"},
	{"Referrer-Policy", "no-referrer"},
	{"Permissions-Policy", "camera=(), microphone=(), geolocation=()"},
	{"Cache-Control", "no-store"},
}

// SecurityHeaders sets the relay's response headers. Responses can carry
// appointment details, so nothing is cached.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			for _, kv := range relayHeaders {
				h.Set(kv[0], kv[1])
			}
			return next(c)
		}
	}
}
