package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-ledger/internal/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Response is the error envelope. Successful calls return the bare resource
// because the dashboard reads the body as the resource itself.
type Response struct {
	Success bool   `json:"success"`
	Error   *Error `json:"error,omitempty"`
}

// Error represents an error response
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// Common error codes
const (
	ErrCodeNotFound             = "NOT_FOUND"
	ErrCodeBadRequest           = "BAD_REQUEST"
	ErrCodeUnauthorized         = "UNAUTHORIZED"
	ErrCodeForbidden            = "FORBIDDEN"
	ErrCodeInternalError        = "INTERNAL_ERROR"
	ErrCodeValidationFailed     = "VALIDATION_FAILED"
	ErrCodeConflict             = "CONFLICT"
	ErrCodeUnavailable          = "UNAVAILABLE"
	ErrCodeRateLimited          = "RATE_LIMITED"
	ErrCodeConsistencyViolation = "CONSISTENCY_VIOLATION"
)

// Handle processes the error and returns appropriate response
func Handle(c *gin.Context, data interface{}, err error) {
	if err == nil {
		Success(c, data)
		return
	}
	HandleError(c, err)
}

// HandleError maps the error taxonomy onto HTTP status codes.
func HandleError(c *gin.Context, err error) {
	var validation *types.ValidationError
	var violation *types.ConsistencyViolation

	switch {
	case errors.As(err, &validation):
		abort(c, http.StatusBadRequest, Error{
			Code:    ErrCodeValidationFailed,
			Message: validation.Message,
			Field:   validation.Field,
		})
	case errors.Is(err, types.ErrOrderNotFound),
		errors.Is(err, types.ErrPositionNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		NotFound(c, err.Error())
	case errors.Is(err, types.ErrAccountForbidden):
		Forbidden(c, err.Error())
	case errors.Is(err, types.ErrOrderNotCancellable),
		errors.Is(err, types.ErrOrderNotAmendable),
		errors.Is(err, types.ErrOrderNotFillable),
		errors.Is(err, types.ErrStaleFill),
		errors.Is(err, gorm.ErrDuplicatedKey):
		Conflict(c, err.Error())
	case errors.As(err, &violation):
		log.Error().Err(err).Str("path", c.FullPath()).Msg("consistency violation surfaced to client")
		abort(c, http.StatusInternalServerError, Error{
			Code:    ErrCodeConsistencyViolation,
			Message: "internal consistency check failed; operator notified",
		})
	case types.IsRetryable(err):
		log.Warn().Err(err).Str("path", c.FullPath()).Msg("infrastructure error after retries")
		abort(c, http.StatusServiceUnavailable, Error{
			Code:    ErrCodeUnavailable,
			Message: "temporarily unavailable, retry later",
		})
	default:
		log.Error().Err(err).Str("path", c.FullPath()).Msg("unhandled error")
		InternalError(c, "An unexpected error occurred")
	}
}

// Success sends a successful response
func Success(c *gin.Context, data interface{}) {
	status := http.StatusOK
	if c.Request.Method == http.MethodPost {
		status = http.StatusCreated
	}
	c.JSON(status, data)
}

// OK sends a 200 response regardless of the request method.
func OK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, data)
}

// NoContent sends a 204 response
func NoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// NotFound sends a 404 response
func NotFound(c *gin.Context, message string) {
	abort(c, http.StatusNotFound, Error{Code: ErrCodeNotFound, Message: message})
}

// BadRequest sends a 400 response
func BadRequest(c *gin.Context, message string) {
	abort(c, http.StatusBadRequest, Error{Code: ErrCodeBadRequest, Message: message})
}

// Unauthorized sends a 401 response
func Unauthorized(c *gin.Context, message string) {
	abort(c, http.StatusUnauthorized, Error{Code: ErrCodeUnauthorized, Message: message})
}

// Forbidden sends a 403 response
func Forbidden(c *gin.Context, message string) {
	abort(c, http.StatusForbidden, Error{Code: ErrCodeForbidden, Message: message})
}

// TooManyRequests sends a 429 response
func TooManyRequests(c *gin.Context, message string) {
	abort(c, http.StatusTooManyRequests, Error{Code: ErrCodeRateLimited, Message: message})
}

// InternalError sends a 500 response
func InternalError(c *gin.Context, message string) {
	abort(c, http.StatusInternalServerError, Error{Code: ErrCodeInternalError, Message: message})
}

// Conflict sends a 409 response
func Conflict(c *gin.Context, message string) {
	abort(c, http.StatusConflict, Error{Code: ErrCodeConflict, Message: message})
}

func abort(c *gin.Context, status int, e Error) {
	c.AbortWithStatusJSON(status, Response{Success: false, Error: &e})
}
