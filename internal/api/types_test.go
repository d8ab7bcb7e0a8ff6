package api

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raaihank/inference-backends/internal/backend"
)

func TestErrorResponseRoundTrip(t *testing.T) {
	for _, err := range []error{backend.NoBackend(), backend.Start("oom"), backend.Inference("bad shape"), backend.Unhealthy()} {
		resp := NewErrorResponse(fmt.Errorf("embed: %w", err))
		be, ok := resp.BackendError()
		require.True(t, ok)
		assert.ErrorIs(t, be, err)
		assert.Equal(t, err.Error(), be.Error())
	}

	resp := NewErrorResponse(errors.New("invalid JSON"))
	assert.Empty(t, resp.Kind)
	_, ok := resp.BackendError()
	assert.False(t, ok)
}
