// Package internal is code only for consumption from within the tms project.
package internal

// Ptr returns a pointer to the given value.
func Ptr[T any](v T) *T { return &v }

// Bool returns a pointer to the given boolean.
func Bool(b bool) *bool { return &b }

// Int returns a pointer to the given integer.
func Int(i int) *int { return &i }

// String returns a pointer to the given string.
func String(s string) *string { return &s }
