// Package internal holds helpers shared by the node's packages.
package internal

import "context"

// ContextKey is a context key bound to the type of the value stored under it, so lookups need no type assertion at
// the call site.
type ContextKey[T any] struct {
	name string
}

func NewContextKey[T any](name string) ContextKey[T] {
	return ContextKey[T]{name: name}
}

func WithValue[T any](ctx context.Context, key ContextKey[T], value T) context.Context {
	return context.WithValue(ctx, key, value)
}

// Value returns the value stored under key and whether there was one.
func Value[T any](ctx context.Context, key ContextKey[T]) (T, bool) {
	value, ok := ctx.Value(key).(T)
	return value, ok
}
