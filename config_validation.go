package fluent

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/golobby/cast"
)

// Static errors for default processing
var (
	ErrConfigNil              = errors.New("config cannot be nil")
	ErrConfigNotPointer       = errors.New("config must be a pointer to a struct")
	ErrUnsupportedDefaultType = errors.New("unsupported type for default value")
)

const tagDefault = "default"

var durationType = reflect.TypeFor[time.Duration]()

// ProcessConfigDefaults applies `default:"value"` tags to every zero-valued
// field of the struct cfg points to.
//
// Supported field types:
//   - strings and string-based types such as ConflictMode
//   - booleans, integers, unsigned integers and floats
//   - time.Duration, written as "5s" or "250ms"
//   - slices of the above, written as comma separated values
//
// Nested structs are processed recursively; nil struct pointers are left alone.
func ProcessConfigDefaults(cfg any) error {
	if cfg == nil {
		return ErrConfigNil
	}
	v := reflect.ValueOf(cfg)
	if v.Kind() != reflect.Pointer || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return ErrConfigNotPointer
	}
	return processStructDefaults(v.Elem())
}

func processStructDefaults(v reflect.Value) error {
	t := v.Type()
	for i := range v.NumField() {
		field := v.Field(i)
		fieldType := t.Field(i)
		if !field.CanSet() {
			continue
		}

		switch {
		case field.Kind() == reflect.Struct:
			if err := processStructDefaults(field); err != nil {
				return err
			}
			continue
		case field.Kind() == reflect.Pointer && field.Type().Elem().Kind() == reflect.Struct:
			if !field.IsNil() {
				if err := processStructDefaults(field.Elem()); err != nil {
					return err
				}
			}
			continue
		}

		defaultVal, ok := fieldType.Tag.Lookup(tagDefault)
		if !ok || !field.IsZero() {
			continue
		}
		if err := setDefaultValue(field, defaultVal); err != nil {
			return fmt.Errorf("failed to set default value for %s: %w", fieldType.Name, err)
		}
	}
	return nil
}

func setDefaultValue(field reflect.Value, defaultVal string) error {
	if field.Kind() == reflect.Slice {
		parts := strings.Split(defaultVal, ",")
		slice := reflect.MakeSlice(field.Type(), 0, len(parts))
		for _, p := range parts {
			elem := reflect.New(field.Type().Elem()).Elem()
			if err := setDefaultValue(elem, strings.TrimSpace(p)); err != nil {
				return err
			}
			slice = reflect.Append(slice, elem)
		}
		field.Set(slice)
		return nil
	}

	converted, err := convertString(defaultVal, field.Type())
	if err != nil {
		return err
	}
	field.Set(converted)
	return nil
}

// convertString converts s to a value of type t.
func convertString(s string, t reflect.Type) (reflect.Value, error) {
	if t == durationType {
		d, err := time.ParseDuration(s)
		if err != nil {
			return reflect.Value{}, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		return reflect.ValueOf(d), nil
	}

	switch t.Kind() {
	case reflect.String, reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
	default:
		return reflect.Value{}, fmt.Errorf("%w: %s", ErrUnsupportedDefaultType, t)
	}

	// cast works on the underlying kind; named types are converted afterwards.
	base := reflect.New(t).Elem()
	v, err := cast.FromType(s, kindType(t.Kind()))
	if err != nil {
		return reflect.Value{}, fmt.Errorf("cannot convert %q to %s: %w", s, t, err)
	}
	base.Set(reflect.ValueOf(v).Convert(t))
	return base, nil
}

func kindType(k reflect.Kind) reflect.Type {
	switch k {
	case reflect.Bool:
		return reflect.TypeFor[bool]()
	case reflect.Int:
		return reflect.TypeFor[int]()
	case reflect.Int8:
		return reflect.TypeFor[int8]()
	case reflect.Int16:
		return reflect.TypeFor[int16]()
	case reflect.Int32:
		return reflect.TypeFor[int32]()
	case reflect.Int64:
		return reflect.TypeFor[int64]()
	case reflect.Uint:
		return reflect.TypeFor[uint]()
	case reflect.Uint8:
		return reflect.TypeFor[uint8]()
	case reflect.Uint16:
		return reflect.TypeFor[uint16]()
	case reflect.Uint32:
		return reflect.TypeFor[uint32]()
	case reflect.Uint64:
		return reflect.TypeFor[uint64]()
	case reflect.Float32:
		return reflect.TypeFor[float32]()
	case reflect.Float64:
		return reflect.TypeFor[float64]()
	default:
		return reflect.TypeFor[string]()
	}
}
