package pkg

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

var ExposeErrorDetails = false

func init() {
	if gin.DebugMode == gin.Mode() || gin.TestMode == gin.Mode() {
		ExposeErrorDetails = true
	}
}

// Reusable errors
var (
	SqlError             = errors.New("sql error")
	ErrNotFound          = errors.New("record not found")
	ErrInsufficientFunds = errors.New("insufficient balance")
)

// ErrorCode defines a standardized error code
type ErrorCode struct {
	Code    string
	Status  int
	Message string // default message
}

var (
	// Generic app
	ErrInvalidInputCode   = ErrorCode{Code: "APP_INVALID_INPUT", Status: http.StatusBadRequest, Message: "invalid input"}
	ErrServerCode         = ErrorCode{Code: "APP_INTERNAL", Status: http.StatusInternalServerError, Message: "internal server error"}
	ErrRecordNotFoundCode = ErrorCode{Code: "APP_NOT_FOUND", Status: http.StatusNotFound, Message: "record not found"}
	ErrRateLimitedCode    = ErrorCode{Code: "APP_RATE_LIMITED", Status: http.StatusTooManyRequests, Message: "too many operations, try again shortly"}

	// Identity
	ErrNotAuthenticatedCode = ErrorCode{Code: "AUTH_NOT_AUTHENTICATED", Status: http.StatusUnauthorized, Message: "not signed in"}
	ErrNotRequestPayerCode  = ErrorCode{Code: "AUTH_NOT_REQUEST_PAYER", Status: http.StatusForbidden, Message: "only the requested payer may act on this request"}

	// Ledger rules
	ErrAccountNotFoundCode   = ErrorCode{Code: "LEDGER_ACCOUNT_NOT_FOUND", Status: http.StatusNotFound, Message: "account not found"}
	ErrInvalidAmountCode     = ErrorCode{Code: "LEDGER_INVALID_AMOUNT", Status: http.StatusBadRequest, Message: "amount must be a positive number"}
	ErrInsufficientFundsCode = ErrorCode{Code: "LEDGER_INSUFFICIENT_FUNDS", Status: http.StatusUnprocessableEntity, Message: "insufficient balance"}
	ErrEmptyParticipantsCode = ErrorCode{Code: "LEDGER_EMPTY_PARTICIPANTS", Status: http.StatusBadRequest, Message: "select at least one participant"}
	ErrMissingFieldCode      = ErrorCode{Code: "LEDGER_MISSING_FIELD", Status: http.StatusBadRequest, Message: "required field missing"}
	ErrInvalidRecipientCode  = ErrorCode{Code: "LEDGER_INVALID_RECIPIENT", Status: http.StatusBadRequest, Message: "invalid recipient"}
	ErrRequestNotPendingCode = ErrorCode{Code: "LEDGER_REQUEST_NOT_PENDING", Status: http.StatusConflict, Message: "money request is not pending"}

	// External collaborators (storage, identity provider, brokers)
	ErrCollaboratorCode = ErrorCode{Code: "COLLABORATOR_UNAVAILABLE", Status: http.StatusServiceUnavailable, Message: "a backing service is unavailable"}
)

type AppError struct {
	Code    ErrorCode
	Message string // public-facing message
	Cause   error  // internal cause (wrapped)
}

func (e AppError) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}
func (e AppError) Unwrap() error { return e.Cause }

func NewAppError(code ErrorCode, msg string, cause error) error {
	return AppError{Code: code, Message: msg, Cause: cause}
}

// ErrorResponse defines the standardized error response format
type ErrorResponse struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// ToErrorResponse converts an error into an ErrorResponse, logging details and optionally exposing error messages.
// If the error is not an AppError, it is converted to a generic 500 error.
func ToErrorResponse(logger *zap.Logger, traceID string, err error) ErrorResponse {
	var appErr AppError
	if errors.As(err, &appErr) {
		resp := ErrorResponse{
			Status:  appErr.Code.Status,
			Code:    appErr.Code.Code,
			Message: appErr.Message,
		}
		logger.Error("application error", zap.String(TraceId, traceID), zap.Error(err))
		if ExposeErrorDetails {
			resp.Details = err.Error()
		}
		return resp
	}
	// Unknown error : 500
	resp := ErrorResponse{
		Status:  ErrServerCode.Status,
		Code:    ErrServerCode.Code,
		Message: ErrServerCode.Message,
	}
	logger.Error("application error", zap.String(TraceId, traceID), zap.Error(err))
	if ExposeErrorDetails {
		resp.Details = err.Error()
	}
	return resp
}

// HandleSQLError maps pg errors -> AppError with proper codes/status
func HandleSQLError(traceId string, logger *zap.Logger, err error) error {
	var pgErr *pgconn.PgError
	if errors.Is(err, pgx.ErrNoRows) {
		logger.Warn("sql error : no records found", zap.String(TraceId, traceId))
		return NewAppError(ErrRecordNotFoundCode, "no records found", ErrNotFound)
	}
	if !errors.As(err, &pgErr) {
		logger.Error("sql error : unknown", zap.String(TraceId, traceId), zap.Error(err))
		return NewAppError(ErrCollaboratorCode, "storage unavailable", err)
	}

	// Log rich pg error context
	logger.Error("sql error",
		zap.String(TraceId, traceId),
		zap.String("code", pgErr.Code),
		zap.String("message", pgErr.Message),
		zap.String("detail", pgErr.Detail),
		zap.String("table", pgErr.TableName),
		zap.String("constraint", pgErr.ConstraintName),
	)

	switch pgErr.Code {
	case "23505": // unique_violation
		return NewAppError(ErrInvalidInputCode, "duplicate value violates unique constraint", SqlError)
	case "22P02": // invalid_text_representation
		return NewAppError(ErrInvalidInputCode, "invalid input syntax", SqlError)
	case "22001": // string_data_right_truncation
		return NewAppError(ErrInvalidInputCode, "value too long for column", SqlError)
	case "22003": // numeric_value_out_of_range
		return NewAppError(ErrInvalidInputCode, "numeric value out of range", SqlError)
	default:
		return NewAppError(ErrCollaboratorCode, "sql error", SqlError)
	}
}
