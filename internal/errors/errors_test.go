package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMeshError_IsMatchesByCode(t *testing.T) {
	err := New(CodeInsufficientCapacity, "gpu %d on %s has %d MB free", 0, "node-a", 12)
	wrapped := fmt.Errorf("reserve: %w", err)

	assert.True(t, stderrors.Is(wrapped, ErrInsufficientCapacity))
	assert.False(t, stderrors.Is(wrapped, ErrNotFound))
	assert.Equal(t, "gpu 0 on node-a has 12 MB free", err.Error())
}

func TestMeshError_Message(t *testing.T) {
	assert.Equal(t, "NOT_FOUND", ErrNotFound.Error())
	assert.Equal(t, `node "x" not found`, NotFound("node", "x").Error())

	inner := stderrors.New("hostname is required")
	inv := Invalid(inner)
	assert.Equal(t, "invalid request: hostname is required", inv.Error())
	assert.ErrorIs(t, inv, inner)
	assert.ErrorIs(t, inv, ErrInvalidRequest)
}

func TestUnknownOutcome(t *testing.T) {
	err := UnknownOutcome("gpu.reserve", stderrors.New("deadline exceeded"))
	assert.ErrorIs(t, err, ErrNodeUnreachable)
	assert.Contains(t, err.Error(), "unknown outcome")
	assert.True(t, Transient(err))
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"nil", nil, ""},
		{"plain", stderrors.New("boom"), CodeInternal},
		{"mesh", ErrNoCapacity, CodeNoCapacity},
		{"wrapped", fmt.Errorf("plan: %w", New(CodeNoCapacity, "none")), CodeNoCapacity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeOf(tt.err))
		})
	}
}

func TestTransient(t *testing.T) {
	assert.True(t, Transient(ErrInsufficientCapacity))
	assert.True(t, Transient(ErrNodeUnreachable))
	assert.False(t, Transient(ErrNotFound))
	assert.False(t, Transient(ErrInvalidRequest))
	assert.False(t, Transient(ErrNoCapacity))
	assert.False(t, Transient(stderrors.New("boom")))
}

func TestFromCode(t *testing.T) {
	err := FromCode(CodeNotFound, "work \"w\" not found")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, CodeInternal, FromCode("", "x").Code)
}
