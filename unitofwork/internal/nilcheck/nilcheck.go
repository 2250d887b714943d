// Package nilcheck guards option setters against interface values that wrap
// a nil pointer, which a plain == nil comparison lets through.
package nilcheck

import "reflect"

// Interface reports whether value carries nothing usable: either the
// interface itself is nil, or its dynamic value is a nil pointer, map,
// slice, channel or func.
func Interface(value any) bool {
	if value == nil {
		return true
	}

	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func:
		return rv.IsNil()
	default:
		return false
	}
}
