package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestErrorWrapping(t *testing.T) {
	cause := fmt.Errorf("dial tcp: refused")
	err := fmt.Errorf("forward: %w", PeerUnavailable("n2", cause))

	assert.True(t, IsStorageError(err))
	assert.Equal(t, ErrCodePeerUnavailable, GetCode(err))
	assert.True(t, HasCode(err, ErrCodePeerUnavailable))
	assert.ErrorIs(t, err, cause)

	se, ok := AsStorageError(err)
	assert.True(t, ok)
	assert.Equal(t, "n2", se.Details["node"])

	assert.Equal(t, ErrCodeInternal, GetCode(fmt.Errorf("plain")))
	assert.False(t, HasCode(fmt.Errorf("plain"), ErrCodeInternal))
}

func TestIsRetryable(t *testing.T) {
	retryable := []error{
		EngineBusy("geo_points_1"),
		PeerUnavailable("n2", nil),
		CoordinatorUnavailable("publish", nil),
		VersionConflict("geo", 3, 4),
		Unavailable("closed", nil),
		DiskThrottled(91),
	}
	for _, err := range retryable {
		assert.True(t, IsRetryable(err), err.Error())
	}

	fatal := []error{
		InvalidArgument("bad", nil),
		VersionMismatch("geo", "a", "b"),
		CorruptedData("crc", nil),
		ResizeFailed("split", nil),
		DiskFull(99, 0),
		fmt.Errorf("plain"),
	}
	for _, err := range fatal {
		assert.False(t, IsRetryable(err), err.Error())
	}
}

func TestGRPCRoundTrip(t *testing.T) {
	tests := []struct {
		err      *StorageError
		grpcCode codes.Code
		back     ErrorCode
	}{
		{InvalidName("a_b", "underscore"), codes.InvalidArgument, ErrCodeInvalidArgument},
		{TableNotFound("geo_points_1"), codes.NotFound, ErrCodeTableNotFound},
		{EngineBusy("geo_points_1"), codes.Aborted, ErrCodeEngineBusy},
		{DiskThrottled(92), codes.Unavailable, ErrCodePeerUnavailable},
		{CorruptedData("bad block", nil), codes.DataLoss, ErrCodeCorruptedData},
		{NewStorageError(ErrCodeResourceExhausted, "flush queue full", nil), codes.ResourceExhausted, ErrCodeResourceExhausted},
		{VersionMismatch("geo", "1", "2"), codes.FailedPrecondition, ErrCodeInternal},
	}
	for _, tt := range tests {
		st := tt.err.ToGRPCStatus()
		assert.Equal(t, tt.grpcCode, st.Code(), tt.err.Error())
		assert.Equal(t, tt.back, GetCode(FromGRPCError(st.Err())), tt.err.Error())
	}

	assert.Nil(t, FromGRPCError(nil))
	plain := fmt.Errorf("not a status")
	assert.Equal(t, plain, FromGRPCError(plain))
	assert.Equal(t, ErrCodePeerUnavailable,
		GetCode(FromGRPCError(status.Error(codes.DeadlineExceeded, "slow"))))
}
