package mapper

import (
	"fmt"
	"reflect"
	"strconv"
	"time"
)

var timeType = reflect.TypeOf(time.Time{})

// Convert coerces a store or wire value into V. Stores that round-trip through
// JSON hand back float64 and string values; those are narrowed here.
func Convert[V any](value any) (V, error) {
	var zero V
	if value == nil {
		return zero, nil
	}
	if typed, ok := value.(V); ok {
		return typed, nil
	}
	target := reflect.TypeOf((*V)(nil)).Elem()
	out, err := convertValue(reflect.ValueOf(value), target)
	if err != nil {
		return zero, err
	}
	return out.Interface().(V), nil
}

func convertValue(src reflect.Value, target reflect.Type) (reflect.Value, error) {
	if src.Type() == target {
		return src, nil
	}
	if target.Kind() == reflect.Pointer {
		if src.Kind() == reflect.Pointer {
			if src.IsNil() {
				return reflect.Zero(target), nil
			}
			src = src.Elem()
		}
		inner, err := convertValue(src, target.Elem())
		if err != nil {
			return reflect.Value{}, err
		}
		ptr := reflect.New(target.Elem())
		ptr.Elem().Set(inner)
		return ptr, nil
	}
	if src.Kind() == reflect.Pointer {
		if src.IsNil() {
			return reflect.Zero(target), nil
		}
		return convertValue(src.Elem(), target)
	}
	switch {
	case target == timeType && src.Kind() == reflect.String:
		t, err := time.Parse(time.RFC3339Nano, src.String())
		if err != nil {
			return reflect.Value{}, fmt.Errorf("parse time %q: %w", src.String(), err)
		}
		return reflect.ValueOf(t), nil
	case target.Kind() == reflect.String && isNumber(src.Kind()):
		return reflect.ValueOf(fmt.Sprint(src.Interface())).Convert(target), nil
	case isInteger(target.Kind()) && src.Kind() == reflect.String:
		if i, err := strconv.ParseInt(src.String(), 10, 64); err == nil {
			return reflect.ValueOf(i).Convert(target), nil
		}
		f, err := strconv.ParseFloat(src.String(), 64)
		if err != nil {
			return reflect.Value{}, fmt.Errorf("parse number %q: %w", src.String(), err)
		}
		return reflect.ValueOf(f).Convert(target), nil
	case isNumber(target.Kind()) && src.Kind() == reflect.String:
		f, err := strconv.ParseFloat(src.String(), 64)
		if err != nil {
			return reflect.Value{}, fmt.Errorf("parse number %q: %w", src.String(), err)
		}
		return reflect.ValueOf(f).Convert(target), nil
	case target.Kind() == reflect.Bool && src.Kind() == reflect.String:
		b, err := strconv.ParseBool(src.String())
		if err != nil {
			return reflect.Value{}, fmt.Errorf("parse bool %q: %w", src.String(), err)
		}
		return reflect.ValueOf(b).Convert(target), nil
	case target.Kind() == reflect.Bool && isNumber(src.Kind()):
		return reflect.ValueOf(!src.IsZero()).Convert(target), nil
	case src.Type().ConvertibleTo(target) && (isNumber(src.Kind()) == isNumber(target.Kind())):
		return src.Convert(target), nil
	}
	return reflect.Value{}, fmt.Errorf("cannot assign %s to %s", src.Type(), target)
}

func isInteger(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	}
	return false
}

func isNumber(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}
