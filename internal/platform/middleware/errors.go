package middleware

import "github.com/labstack/echo/v4"

// failure writes the service's failure body for errors raised before a
// handler runs.
func failure(c echo.Context, status int, stage, msg string) error {
	if c.Response().Committed {
		return nil
	}
	return c.JSON(status, map[string]interface{}{
		"error":   msg,
		"stage":   stage,
		"partial": false,
	})
}
