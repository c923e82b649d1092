// Package errors writes the JSON error bodies returned by the HTTP API.
package errors

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/eternisai/notify-relay/internal/logger"
)

// APIError is the body of every non-2xx API response. RequestID echoes the
// id the request was logged under.
type APIError struct {
	Error     string                 `json:"error"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"requestId,omitempty"`
}

// AbortWithBadRequest sends a 400 Bad Request response and aborts the request.
func AbortWithBadRequest(c *gin.Context, message string, details map[string]interface{}) {
	abort(c, http.StatusBadRequest, message, details)
}

// AbortWithInternal sends a 500 Internal Server Error response and aborts the request.
func AbortWithInternal(c *gin.Context, message string, details map[string]interface{}) {
	abort(c, http.StatusInternalServerError, message, details)
}

func abort(c *gin.Context, status int, message string, details map[string]interface{}) {
	c.AbortWithStatusJSON(status, APIError{
		Error:     message,
		Details:   details,
		RequestID: logger.RequestIDFrom(c.Request.Context()),
	})
}
