package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *AppError
		want string
	}{
		{
			name: "error without cause",
			err:  &AppError{Code: ErrCodeNotFound, Message: "prediction not found"},
			want: "prediction not found",
		},
		{
			name: "error with cause",
			err: &AppError{
				Code:    ErrCodeTransient,
				Message: "fetch image",
				Cause:   errors.New("connection reset"),
			},
			want: "fetch image: connection reset",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestPredicatesSeeThroughWrapping(t *testing.T) {
	base := Transient(errors.New("timeout"), "upload annotated image")
	wrapped := fmt.Errorf("process job: %w", base)

	assert.True(t, IsTransient(wrapped))
	assert.False(t, IsDetection(wrapped))
	assert.Equal(t, ErrCodeTransient, GetCode(wrapped))
}

func TestMalformedJobCarriesField(t *testing.T) {
	err := MalformedJob("chat_id", "chat_id is required")

	assert.True(t, IsMalformedJob(err))
	assert.Equal(t, "chat_id", GetField(err))
	assert.Equal(t, "chat_id is required", err.Error())
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, ErrCodeInternal, "noop"))
	assert.Nil(t, Transient(nil, "noop"))
}

func TestGetCodeNonAppError(t *testing.T) {
	assert.Equal(t, ErrorCode(""), GetCode(errors.New("plain")))
	assert.Empty(t, GetField(errors.New("plain")))
}

func TestStaleLease(t *testing.T) {
	err := StaleLease("lease token abc is not held")
	assert.True(t, IsStaleLease(err))
	assert.False(t, IsNotFound(err))
}
