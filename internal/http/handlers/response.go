package handlers

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/chat-gatekeeper/internal/domain"
	"github.com/tbourn/chat-gatekeeper/internal/http/middleware"
	"github.com/tbourn/chat-gatekeeper/internal/quota"
	"github.com/tbourn/chat-gatekeeper/internal/services"
)

// ErrorResponse is the body of every error response:
//
//	{"request_id": "4c1f…", "code": "invalid_field", "message": "gender must be female or male"}
//
// Admission rejections are not errors and never use it.
type ErrorResponse struct {
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

func requestID(c *gin.Context) string {
	if id := middleware.RequestIDFrom(c); id != "" {
		return id
	}
	return c.Writer.Header().Get("X-Request-ID")
}

// fail aborts with the error envelope.
func fail(c *gin.Context, status int, code, msg string) {
	failErr(c, nil, status, code, msg)
}

// failErr aborts with the error envelope and, for 5xx, logs err on the
// request logger. The cause never reaches the client.
func failErr(c *gin.Context, err error, status int, code, msg string) {
	if status >= http.StatusInternalServerError {
		ev := middleware.LoggerFrom(c).Error()
		if err != nil {
			ev = ev.Err(err)
		}
		ev.Int("status", status).Str("code", code).Msg(msg)
	}
	c.AbortWithStatusJSON(status, ErrorResponse{RequestID: requestID(c), Code: code, Message: msg})
}

// Fail lets the router answer NoRoute/NoMethod with the same envelope.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

// serviceError maps a service error onto a status and code. Validation
// errors are echoed; storage failures become 503 when retrying may help.
func serviceError(c *gin.Context, err error, op string) {
	switch {
	case errors.Is(err, services.ErrUserNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "user not found")
	case errors.Is(err, services.ErrInvalidUserID), errors.Is(err, quota.ErrInvalidUser):
		fail(c, http.StatusBadRequest, ErrCodeInvalidUser, err.Error())
	case errors.Is(err, services.ErrInvalidGender),
		errors.Is(err, services.ErrInvalidLanguage),
		errors.Is(err, services.ErrInvalidSubscription):
		fail(c, http.StatusBadRequest, ErrCodeInvalidField, err.Error())
	case domain.IsTransient(err):
		failErr(c, err, http.StatusServiceUnavailable, ErrCodeUnavailable, "storage temporarily unavailable")
	default:
		failErr(c, err, http.StatusInternalServerError, ErrCodeInternal, op+" failed")
	}
}

func ok(c *gin.Context, status int, body any) { c.JSON(status, body) }

func noContent(c *gin.Context) { c.Status(http.StatusNoContent) }

// setRetryAfter writes Retry-After in whole seconds, rounded up, and returns
// the value. Nothing is written for d <= 0.
func setRetryAfter(c *gin.Context, d time.Duration) int {
	if d <= 0 {
		return 0
	}
	secs := int(math.Ceil(d.Seconds()))
	c.Header("Retry-After", strconv.Itoa(secs))
	return secs
}
