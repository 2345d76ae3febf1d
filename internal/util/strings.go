package util

import (
	"strings"
	"sync"
)

// UCase and LCase change the case of string based types, e.g. methods and protocol names.
func UCase[T ~string](s T) T { return T(strings.ToUpper(string(s))) }

func LCase[T ~string](s T) T { return T(strings.ToLower(string(s))) }

// EqFold compares string based values of different types case-insensitively.
func EqFold[T1, T2 ~string](a T1, b T2) bool { return strings.EqualFold(string(a), string(b)) }

// builderSize fits a typical request rendered for logs.
const builderSize = 1024

var builders = sync.Pool{
	New: func() any {
		sb := new(strings.Builder)
		sb.Grow(builderSize)
		return sb
	},
}

// GetStringBuilder takes an empty builder from the pool, return it with [FreeStringBuilder].
func GetStringBuilder() *strings.Builder { return builders.Get().(*strings.Builder) } //nolint:forcetypeassert

func FreeStringBuilder(sb *strings.Builder) {
	if sb.Cap() > 16*builderSize {
		return
	}
	sb.Reset()
	builders.Put(sb)
}
