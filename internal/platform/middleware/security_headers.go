package middleware

import (
	"github.com/labstack/echo/v4"
)

// baseHeaders go on every API response. Record and review payloads carry
// PHI, so nothing is cacheable and nothing may be framed or sniffed.
var baseHeaders = [][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
	{"Referrer-Policy", "no-referrer"},
	{"Cache-Control", "no-store"},
	{"Pragma", "no-cache"},
}

const hsts = "max-age=31536000; includeSubDomains"

// SecurityHeaders hardens responses. HSTS is only sent when tls is true so
// local plain-HTTP development is not pinned. Prometheus scrapes are left
// untouched.
func SecurityHeaders(tls bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Path() == "/metrics" {
				return next(c)
			}
			h := c.Response().Header()
			for _, kv := range baseHeaders {
				h.Set(kv[0], kv[1])
			}
			if tls {
				h.Set("Strict-Transport-Security", hsts)
			}
			return next(c)
		}
	}
}
