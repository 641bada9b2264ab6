package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"transient", Transientf("kv", "timeout"), Transient},
		{"conflict", Conflictf("cas", "version moved"), Conflict},
		{"invalid", Invalidf("task", "missing node"), Invalid},
		{"unreachable", Unreachablef("fence", "no route"), Unreachable},
		{"fatal", Fatalf("config", "parse failed"), Fatal},
		{"wrapped keeps class", fmt.Errorf("outer: %w", Transientf("kv", "blip")), Transient},
		{"unclassified defaults to fatal", stderrors.New("mystery"), Fatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassOf(tt.err))
		})
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(Transient))
	assert.True(t, Retryable(Conflict))
	assert.False(t, Retryable(Invalid))
	assert.False(t, Retryable(Unreachable))
	assert.False(t, Retryable(Fatal))
}

func TestErrorMessage(t *testing.T) {
	err := New(Unreachable, "fence", stderrors.New("peer down"))
	assert.Contains(t, err.Error(), "fence")
	assert.Contains(t, err.Error(), "unreachable")
	assert.Contains(t, err.Error(), "peer down")
	assert.Equal(t, "peer down", err.Unwrap().Error())
}
