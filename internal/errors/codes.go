package errors

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for promotion and repair operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Client errors (4xx equivalent)
	ErrCodeInvalidArgument  ErrorCode = 1000
	ErrCodeNotFound         ErrorCode = 1001
	ErrCodeStaleEpoch       ErrorCode = 1002
	ErrCodeWrongPartition   ErrorCode = 1003
	ErrCodeUnknownReplica   ErrorCode = 1004
	ErrCodeChecksumFailed   ErrorCode = 1005
	ErrCodeHandleRegression ErrorCode = 1006
	ErrCodeRepairGap        ErrorCode = 1007

	// Server errors (5xx equivalent)
	ErrCodeInternal          ErrorCode = 2000
	ErrCodeUnavailable       ErrorCode = 2001
	ErrCodeCorruptedData     ErrorCode = 2002
	ErrCodeLogFailed         ErrorCode = 2003
	ErrCodeResourceExhausted ErrorCode = 2004
	ErrCodeTimeout           ErrorCode = 2005
)

// PromoterError represents a structured error with code and context
type PromoterError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *PromoterError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *PromoterError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a PromoterError with the same code. This lets
// packages declare coded sentinel errors that match any error of that code.
func (e *PromoterError) Is(target error) bool {
	t, ok := target.(*PromoterError)
	return ok && t.Code == e.Code
}

// ToGRPCStatus converts PromoterError to gRPC status
func (e *PromoterError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

func (e *PromoterError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument, ErrCodeWrongPartition:
		return codes.InvalidArgument
	case ErrCodeNotFound, ErrCodeUnknownReplica:
		return codes.NotFound
	case ErrCodeStaleEpoch, ErrCodeHandleRegression, ErrCodeRepairGap:
		return codes.FailedPrecondition
	case ErrCodeChecksumFailed, ErrCodeCorruptedData:
		return codes.DataLoss
	case ErrCodeResourceExhausted:
		return codes.ResourceExhausted
	case ErrCodeUnavailable:
		return codes.Unavailable
	case ErrCodeTimeout:
		return codes.DeadlineExceeded
	default:
		return codes.Internal
	}
}

// NewPromoterError creates a new PromoterError
func NewPromoterError(code ErrorCode, message string, cause error) *PromoterError {
	return &PromoterError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *PromoterError) WithDetail(key string, value interface{}) *PromoterError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *PromoterError {
	return NewPromoterError(ErrCodeInvalidArgument, message, cause)
}

func NotFound(kind, id string) *PromoterError {
	return NewPromoterError(ErrCodeNotFound, fmt.Sprintf("%s not found: %s", kind, id), nil).
		WithDetail("kind", kind).
		WithDetail("id", id)
}

func StaleEpoch(got, current uint64) *PromoterError {
	return NewPromoterError(ErrCodeStaleEpoch, fmt.Sprintf("stale epoch %d, current epoch is %d", got, current), nil).
		WithDetail("epoch", got).
		WithDetail("current_epoch", current)
}

func WrongPartition(got, expected int32) *PromoterError {
	return NewPromoterError(ErrCodeWrongPartition, fmt.Sprintf("response for partition %d delivered to partition %d", got, expected), nil).
		WithDetail("partition_id", got).
		WithDetail("expected_partition_id", expected)
}

func UnknownReplica(replicaID string) *PromoterError {
	return NewPromoterError(ErrCodeUnknownReplica, fmt.Sprintf("replica %s is not part of this episode", replicaID), nil).
		WithDetail("replica_id", replicaID)
}

func ChecksumFailed(handle uint64, expected, actual uint32) *PromoterError {
	return NewPromoterError(ErrCodeChecksumFailed, fmt.Sprintf("checksum validation failed for handle %d: expected %d, got %d", handle, expected, actual), nil).
		WithDetail("handle", handle).
		WithDetail("expected", expected).
		WithDetail("actual", actual)
}

func HandleRegression(replicaID string, reported, recorded uint64) *PromoterError {
	return NewPromoterError(ErrCodeHandleRegression, fmt.Sprintf("replica %s reported max handle %d below recorded %d", replicaID, reported, recorded), nil).
		WithDetail("replica_id", replicaID).
		WithDetail("reported", reported).
		WithDetail("recorded", recorded)
}

// RepairGap rejects a repair whose predecessor the replica has not applied
func RepairGap(handle, prev, max uint64) *PromoterError {
	return NewPromoterError(ErrCodeRepairGap, fmt.Sprintf("repair of handle %d needs handle %d applied, replica max is %d", handle, prev, max), nil).
		WithDetail("handle", handle).
		WithDetail("prev_handle", prev).
		WithDetail("max_handle", max)
}

func InternalError(message string, cause error) *PromoterError {
	return NewPromoterError(ErrCodeInternal, message, cause)
}

func Unavailable(message string, cause error) *PromoterError {
	return NewPromoterError(ErrCodeUnavailable, message, cause)
}

func CorruptedData(message string, cause error) *PromoterError {
	return NewPromoterError(ErrCodeCorruptedData, message, cause)
}

func LogFailed(message string, cause error) *PromoterError {
	return NewPromoterError(ErrCodeLogFailed, message, cause)
}

func Timeout(message string, cause error) *PromoterError {
	return NewPromoterError(ErrCodeTimeout, message, cause)
}

// IsPromoterError checks if an error chain contains a PromoterError
func IsPromoterError(err error) bool {
	var pe *PromoterError
	return errors.As(err, &pe)
}

// GetCode extracts the error code from an error chain
func GetCode(err error) ErrorCode {
	var pe *PromoterError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ErrCodeInternal
}

// ToGRPCError converts any error to a gRPC status error
func ToGRPCError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	var pe *PromoterError
	if errors.As(err, &pe) {
		return pe.ToGRPCStatus().Err()
	}
	return status.Error(codes.Internal, err.Error())
}
