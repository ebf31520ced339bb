package rules

import (
	"errors"

	"github.com/gin-gonic/gin"
)

// Response is the envelope every rule endpoint returns, success or failure.
// StatusCode mirrors the HTTP status so clients reading only the body see it.
type Response struct {
	Successful bool   `json:"isSuccessful"`
	Message    string `json:"message"`
	Data       any    `json:"data,omitempty"`
	StatusCode int    `json:"statusCode"`
}

func respond(c *gin.Context, status int, message string, data any) {
	c.JSON(status, Response{
		Successful: status < 400,
		Message:    message,
		Data:       data,
		StatusCode: status,
	})
}

// statusFor maps engine errors to HTTP statuses: caller mistakes are 400,
// partial installations and everything else are 500.
func statusFor(err error) int {
	var verr *ValidationError
	var ierr *InstallationError
	switch {
	case errors.As(err, &verr), errors.Is(err, ErrRuleNotFound):
		return 400
	case errors.As(err, &ierr):
		return 500
	default:
		return 500
	}
}
