package internal

import "reflect"

// ZeroValue returns T's zero value, for returning alongside a non-nil
// error from a generic function where the caller's T is unknown here.
func ZeroValue[T any]() T {
	var nilValue T
	return nilValue
}

// TypeName returns T's bare type name, used to build a diagnostic
// default when a caller doesn't supply one explicitly.
func TypeName[T any]() string {
	t := reflect.TypeOf((*T)(nil))
	return t.Elem().Name()
}
