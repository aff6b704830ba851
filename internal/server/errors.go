package server

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/kora/internal/authorization"
	ledgerdomain "github.com/smallbiznis/kora/internal/ledger/domain"
	"github.com/smallbiznis/kora/internal/promotable"
	promotiondomain "github.com/smallbiznis/kora/internal/promotion/domain"
	ratepolicydomain "github.com/smallbiznis/kora/internal/ratepolicy/domain"
	"github.com/smallbiznis/kora/pkg/db/pagination"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type       string            `json:"type"`
	Message    string            `json:"message"`
	Errors     []ValidationError `json:"errors,omitempty"`
	RetryAfter int64             `json:"retry_after_seconds,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrNotFound       = errors.New("not_found")
	ErrInvalidRequest = errors.New("invalid_request")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		if payload.RetryAfter > 0 {
			c.Header("Retry-After", strconv.FormatInt(payload.RetryAfter, 10))
		}
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: "invalid value",
				},
			},
		}
	}

	var limited *ratepolicydomain.RateLimitedError
	switch {
	case errors.As(err, &limited):
		return http.StatusTooManyRequests, errorPayload{
			Type:       ratepolicydomain.ErrRateLimited.Error(),
			Message:    limited.Reason,
			RetryAfter: int64(math.Ceil(limited.RetryAfter.Seconds())),
		}
	case errors.Is(err, ratepolicydomain.ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    ratepolicydomain.ErrRateLimited.Error(),
			Message: "rate limited",
		}
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrForbidden),
		errors.Is(err, authorization.ErrForbidden),
		errors.Is(err, authorization.ErrInvalidActor):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, ledgerdomain.ErrInsufficientCredits),
		errors.Is(err, ledgerdomain.ErrEarningDisabled):
		return http.StatusUnprocessableEntity, businessPayload(err)
	case isConflictError(err):
		return http.StatusConflict, businessPayload(err)
	case errors.Is(err, ledgerdomain.ErrLedgerUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func businessPayload(err error) errorPayload {
	code := businessErrorCode(err)
	return errorPayload{
		Type:    code,
		Message: strings.ReplaceAll(code, "_", " "),
	}
}

// businessErrorCode returns the sentinel code wrapped in err.
func businessErrorCode(err error) string {
	for _, sentinel := range []error{
		ledgerdomain.ErrInsufficientCredits,
		ledgerdomain.ErrEarningDisabled,
		promotiondomain.ErrPromotionNotActive,
		promotiondomain.ErrPromotionFull,
		promotiondomain.ErrAlreadyParticipated,
		promotiondomain.ErrParticipantNotPending,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return "conflict"
}

func isConflictError(err error) bool {
	switch {
	case errors.Is(err, promotiondomain.ErrPromotionNotActive),
		errors.Is(err, promotiondomain.ErrPromotionFull),
		errors.Is(err, promotiondomain.ErrAlreadyParticipated),
		errors.Is(err, promotiondomain.ErrParticipantNotPending):
		return true
	default:
		return false
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

var validationSentinels = []error{
	ErrInvalidRequest,
	pagination.ErrInvalidPageToken,
	ledgerdomain.ErrInvalidAmount,
	ledgerdomain.ErrInvalidUser,
	ledgerdomain.ErrInvalidSource,
	ledgerdomain.ErrInvalidActivity,
	ledgerdomain.ErrSelfTransfer,
	ratepolicydomain.ErrInvalidActivity,
	ratepolicydomain.ErrInvalidBaseRate,
	ratepolicydomain.ErrInvalidMaxDaily,
	ratepolicydomain.ErrInvalidCooldown,
	promotiondomain.ErrInvalidPromoter,
	promotiondomain.ErrInvalidUser,
	promotiondomain.ErrInvalidTitle,
	promotiondomain.ErrInvalidType,
	promotiondomain.ErrInvalidCreditsRequired,
	promotiondomain.ErrInvalidTotalSlots,
	promotiondomain.ErrInvalidWindow,
	promotiondomain.ErrInvalidReference,
	promotable.ErrUnknownKind,
	promotable.ErrInvalidID,
}

func isValidationError(err error) bool {
	return validationErrorCode(err) != ""
}

func validationErrorCode(err error) string {
	for _, sentinel := range validationSentinels {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return ""
}

func validationErrorField(code string) string {
	switch code {
	case "invalid_request":
		return "request"
	case "self_transfer":
		return "to_user_id"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, promotiondomain.ErrNotFound),
		errors.Is(err, promotiondomain.ErrParticipantNotFound),
		errors.Is(err, ratepolicydomain.ErrNotFound):
		return true
	default:
		return false
	}
}

// classifyErrorForLog feeds the request logger with the mapped error type.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	return payload.Type, strconv.Itoa(status)
}
