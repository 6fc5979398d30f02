package api

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"flexd/internal/flex"
	"flexd/internal/store"
)

type AppError struct {
	Code    string        `json:"code"`
	Status  int           `json:"-"`
	Message string        `json:"message"`
	Details []ErrorDetail `json:"details,omitempty"`
}

type ErrorDetail struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (e *AppError) Error() string {
	return e.Message
}

type ErrorResponse struct {
	Error *AppError `json:"error"`
}

// ErrorHandler is the Fiber app-level error handler. AppErrors keep
// their status and envelope; anything else renders as a 500.
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		code = fiberErr.Code
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return c.Status(appErr.Status).JSON(ErrorResponse{Error: appErr})
	}

	zap.L().Error("unhandled request error", zap.Error(err))
	return c.Status(code).JSON(ErrorResponse{
		Error: &AppError{
			Code:    "INTERNAL_ERROR",
			Message: "Internal server error",
		},
	})
}

func NewAppError(code string, status int, msg string) *AppError {
	return &AppError{Code: code, Status: status, Message: msg}
}

func NotFoundError(entity, id string) *AppError {
	return &AppError{
		Code:    "NOT_FOUND",
		Status:  404,
		Message: fmt.Sprintf("%s with id %s not found", entity, id),
	}
}

func ConflictError(msg string) *AppError {
	return &AppError{Code: "CONFLICT", Status: 409, Message: msg}
}

func UnauthorizedError(msg string) *AppError {
	return &AppError{Code: "UNAUTHORIZED", Status: 401, Message: msg}
}

func ForbiddenError(msg string) *AppError {
	return &AppError{Code: "FORBIDDEN", Status: 403, Message: msg}
}

func ValidationFailedError(details []ErrorDetail) *AppError {
	return &AppError{
		Code:    "VALIDATION_FAILED",
		Status:  422,
		Message: "Validation failed",
		Details: details,
	}
}

// MapDomainError translates flex and store errors into the response
// envelope. Validation problems carry their per-field details; rule
// graph defects and contract violations are server-side faults.
func MapDomainError(err error) *AppError {
	var verr *flex.ValidationError
	if errors.As(err, &verr) {
		details := make([]ErrorDetail, 0, len(verr.Errors))
		for _, fe := range verr.Errors {
			details = append(details, ErrorDetail{Field: fe.Field, Message: fe.Message})
		}
		return ValidationFailedError(details)
	}

	switch {
	case errors.Is(err, flex.ErrModelBusy):
		return &AppError{Code: "MODEL_BUSY", Status: 409, Message: "The model is being copied by another request"}
	case errors.Is(err, store.ErrUniqueViolation):
		return ConflictError("A record with this value already exists")
	case errors.Is(err, flex.ErrCyclicRef),
		errors.Is(err, flex.ErrNoConditions),
		errors.Is(err, flex.ErrNoPreviousOperator),
		errors.Is(err, flex.ErrInvalidOperator),
		errors.Is(err, flex.ErrNoConditionGroups),
		errors.Is(err, flex.ErrActionCountMismatch),
		errors.Is(err, flex.ErrNoValue):
		return &AppError{Code: "RULE_GRAPH_INVALID", Status: 500, Message: err.Error()}
	case errors.Is(err, flex.ErrContract):
		return &AppError{Code: "INTERNAL_ERROR", Status: 500, Message: "Internal server error"}
	}
	return nil
}
