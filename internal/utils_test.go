package internal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextKey(t *testing.T) {
	caller := NewContextKey[string]("caller")
	attempt := NewContextKey[int]("caller")

	ctx := WithValue(context.Background(), caller, "n2")

	got, ok := Value(ctx, caller)
	assert.True(t, ok)
	assert.Equal(t, "n2", got)

	// Same name, different type
	_, ok = Value(ctx, attempt)
	assert.False(t, ok)
}
