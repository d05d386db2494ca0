package utils

import "strings"

// Value dereferences v, returning the zero value for nil.
func Value[T any](v *T) T {
	if v == nil {
		return *new(T)
	}
	return *v
}

func Ptr[T any](v T) *T {
	return &v
}

// Blank reports whether s is nil or holds only whitespace.
func Blank(s *string) bool {
	return s == nil || strings.TrimSpace(*s) == ""
}
