package status

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"nil", nil, OK},
		{"invalid argument", ErrInvalidArgument, InvalidArgument},
		{"wrapped exhausted", fmt.Errorf("allocate 4096 bytes: %w", ErrResourceExhausted), ResourceExhausted},
		{"wrapped state", fmt.Errorf("shutdown: %w", ErrInvalidState), InvalidState},
		{"unsupported", ErrUnsupportedConfiguration, UnsupportedConfiguration},
		{"foreign", errors.New("boom"), Internal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeOf(tt.err))
		})
	}
}

func TestCodeString(t *testing.T) {
	assert.Equal(t, "Ok", OK.String())
	assert.Equal(t, "ResourceExhausted", ResourceExhausted.String())
	assert.Equal(t, "Internal", Code(99).String())
}
