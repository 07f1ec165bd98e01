package errors

import (
	stderrors "errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for storage and cluster operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Client errors
	ErrCodeInvalidArgument ErrorCode = 1000
	ErrCodeKeyNotFound     ErrorCode = 1001
	ErrCodeKeyTooLarge     ErrorCode = 1002
	ErrCodeValueTooLarge   ErrorCode = 1003
	ErrCodeInvalidName     ErrorCode = 1004
	ErrCodeInvalidRegion   ErrorCode = 1005
	ErrCodeTableNotFound   ErrorCode = 1007
	ErrCodeRegionNotFound  ErrorCode = 1008
	ErrCodeGroupNotFound   ErrorCode = 1009

	// Retryable conditions
	ErrCodeEngineBusy             ErrorCode = 1500
	ErrCodePeerUnavailable        ErrorCode = 1501
	ErrCodeCoordinatorUnavailable ErrorCode = 1502
	ErrCodeVersionConflict        ErrorCode = 1503

	// Server errors
	ErrCodeInternal          ErrorCode = 2000
	ErrCodeUnavailable       ErrorCode = 2001
	ErrCodeDiskFull          ErrorCode = 2002
	ErrCodeDiskThrottled     ErrorCode = 2003
	ErrCodeCommitLogFailed   ErrorCode = 2004
	ErrCodeSegmentFailed     ErrorCode = 2006
	ErrCodeCorruptedData     ErrorCode = 2007
	ErrCodeResourceExhausted ErrorCode = 2008
	ErrCodeResizeFailed      ErrorCode = 2009

	// Consistency-fatal
	ErrCodeVersionMismatch ErrorCode = 3000
)

// StorageError represents a structured error with code and context
type StorageError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// ToGRPCStatus converts StorageError to gRPC status
func (e *StorageError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

func (e *StorageError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument, ErrCodeKeyTooLarge, ErrCodeValueTooLarge,
		ErrCodeInvalidName, ErrCodeInvalidRegion:
		return codes.InvalidArgument
	case ErrCodeKeyNotFound, ErrCodeTableNotFound, ErrCodeRegionNotFound, ErrCodeGroupNotFound:
		return codes.NotFound
	case ErrCodeDiskFull, ErrCodeResourceExhausted:
		return codes.ResourceExhausted
	case ErrCodeEngineBusy, ErrCodeVersionConflict:
		return codes.Aborted
	case ErrCodeDiskThrottled, ErrCodeUnavailable, ErrCodePeerUnavailable,
		ErrCodeCoordinatorUnavailable:
		return codes.Unavailable
	case ErrCodeCorruptedData:
		return codes.DataLoss
	case ErrCodeVersionMismatch:
		return codes.FailedPrecondition
	default:
		return codes.Internal
	}
}

// FromGRPCError turns an error returned by a peer back into a StorageError so
// that callers can apply the same retry rules to local and remote failures.
func FromGRPCError(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.Aborted:
		return NewStorageError(ErrCodeEngineBusy, st.Message(), err)
	case codes.Unavailable, codes.DeadlineExceeded:
		return NewStorageError(ErrCodePeerUnavailable, st.Message(), err)
	case codes.InvalidArgument:
		return NewStorageError(ErrCodeInvalidArgument, st.Message(), err)
	case codes.NotFound:
		return NewStorageError(ErrCodeTableNotFound, st.Message(), err)
	case codes.DataLoss:
		return NewStorageError(ErrCodeCorruptedData, st.Message(), err)
	case codes.ResourceExhausted:
		return NewStorageError(ErrCodeResourceExhausted, st.Message(), err)
	default:
		return NewStorageError(ErrCodeInternal, st.Message(), err)
	}
}

// NewStorageError creates a new StorageError
func NewStorageError(code ErrorCode, message string, cause error) *StorageError {
	return &StorageError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *StorageError) WithDetail(key string, value interface{}) *StorageError {
	e.Details[key] = value
	return e
}

func InvalidArgument(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeInvalidArgument, message, cause)
}

func KeyNotFound(table, key string) *StorageError {
	return NewStorageError(ErrCodeKeyNotFound, fmt.Sprintf("key not found: %s:%s", table, key), nil).
		WithDetail("table", table).
		WithDetail("key", key)
}

func KeyTooLarge(size, maxSize int) *StorageError {
	return NewStorageError(ErrCodeKeyTooLarge, fmt.Sprintf("key size %d exceeds maximum %d", size, maxSize), nil).
		WithDetail("size", size).
		WithDetail("max_size", maxSize)
}

func ValueTooLarge(size, maxSize int) *StorageError {
	return NewStorageError(ErrCodeValueTooLarge, fmt.Sprintf("value size %d exceeds maximum %d", size, maxSize), nil).
		WithDetail("size", size).
		WithDetail("max_size", maxSize)
}

func InvalidName(name, reason string) *StorageError {
	return NewStorageError(ErrCodeInvalidName, fmt.Sprintf("invalid name '%s': %s", name, reason), nil).
		WithDetail("name", name).
		WithDetail("reason", reason)
}

func InvalidRegion(reason string) *StorageError {
	return NewStorageError(ErrCodeInvalidRegion, "invalid bounding region: "+reason, nil)
}

func TableNotFound(table string) *StorageError {
	return NewStorageError(ErrCodeTableNotFound, "table not found: "+table, nil).
		WithDetail("table", table)
}

func GroupNotFound(group string) *StorageError {
	return NewStorageError(ErrCodeGroupNotFound, fmt.Sprintf("distribution group %s not found", group), nil).
		WithDetail("group", group)
}

func RegionNotFound(group string, regionID int64) *StorageError {
	return NewStorageError(ErrCodeRegionNotFound, fmt.Sprintf("region %d not found in group %s", regionID, group), nil).
		WithDetail("group", group).
		WithDetail("region_id", regionID)
}

// EngineBusy is returned by writes against a table that is being resized.
func EngineBusy(table string) *StorageError {
	return NewStorageError(ErrCodeEngineBusy, "engine busy: "+table+" is read-only", nil).
		WithDetail("table", table)
}

func PeerUnavailable(node string, cause error) *StorageError {
	return NewStorageError(ErrCodePeerUnavailable, "peer unavailable: "+node, cause).
		WithDetail("node", node)
}

func CoordinatorUnavailable(op string, cause error) *StorageError {
	return NewStorageError(ErrCodeCoordinatorUnavailable, "coordinator unavailable during "+op, cause).
		WithDetail("operation", op)
}

func VersionConflict(group string, expected, actual uint64) *StorageError {
	return NewStorageError(ErrCodeVersionConflict,
		fmt.Sprintf("partition tree of %s changed: expected version %d, found %d", group, expected, actual), nil).
		WithDetail("group", group)
}

func VersionMismatch(group, local, remote string) *StorageError {
	return NewStorageError(ErrCodeVersionMismatch,
		fmt.Sprintf("group %s: local version %q does not match coordinator version %q", group, local, remote), nil).
		WithDetail("group", group).
		WithDetail("local", local).
		WithDetail("remote", remote)
}

func InternalError(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeInternal, message, cause)
}

func Unavailable(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeUnavailable, message, cause)
}

func DiskFull(usagePercent float64, availableBytes uint64) *StorageError {
	return NewStorageError(ErrCodeDiskFull, fmt.Sprintf("disk full: %.2f%% used, %d bytes available", usagePercent, availableBytes), nil).
		WithDetail("usage_percent", usagePercent).
		WithDetail("available_bytes", availableBytes)
}

func DiskThrottled(usagePercent float64) *StorageError {
	return NewStorageError(ErrCodeDiskThrottled, fmt.Sprintf("disk write throttled: %.2f%% used", usagePercent), nil).
		WithDetail("usage_percent", usagePercent)
}

func CommitLogFailed(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeCommitLogFailed, message, cause)
}

func SegmentFailed(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeSegmentFailed, message, cause)
}

func CorruptedData(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeCorruptedData, message, cause)
}

func ResizeFailed(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeResizeFailed, message, cause)
}

// IsStorageError checks if an error is, or wraps, a StorageError
func IsStorageError(err error) bool {
	var se *StorageError
	return stderrors.As(err, &se)
}

// AsStorageError returns the StorageError in err's chain.
func AsStorageError(err error) (*StorageError, bool) {
	var se *StorageError
	if stderrors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// GetCode extracts the error code from an error chain
func GetCode(err error) ErrorCode {
	var se *StorageError
	if stderrors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code ErrorCode) bool {
	var se *StorageError
	return stderrors.As(err, &se) && se.Code == code
}

// IsRetryable reports whether the caller may retry the failed operation
// with backoff.
func IsRetryable(err error) bool {
	switch GetCode(err) {
	case ErrCodeEngineBusy, ErrCodePeerUnavailable, ErrCodeCoordinatorUnavailable,
		ErrCodeVersionConflict, ErrCodeUnavailable, ErrCodeDiskThrottled:
		return true
	default:
		return false
	}
}
