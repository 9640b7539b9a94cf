package feeders

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/golobby/cast"
)

// EnvFeeder reads environment variables named by `env` struct tags.
// With a Prefix, the variable for `env:"CONFLICT_MODE"` is PREFIX_CONFLICT_MODE.
// Empty variables are ignored, so they never clear a value fed earlier.
type EnvFeeder struct {
	Prefix string
	// lookup replaces os.LookupEnv in tests.
	lookup func(string) (string, bool)
}

func NewEnvFeeder(prefix string) EnvFeeder {
	return EnvFeeder{Prefix: prefix}
}

func (f EnvFeeder) Feed(target any) error {
	rv := reflect.ValueOf(target)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("%w, got %T", ErrEnvInvalidStructure, target)
	}
	return f.processStructFields(rv.Elem())
}

func (f EnvFeeder) processStructFields(rv reflect.Value) error {
	for i := range rv.NumField() {
		field := rv.Field(i)
		fieldType := rv.Type().Field(i)
		if !fieldType.IsExported() {
			continue
		}
		if err := f.processField(field, fieldType); err != nil {
			return fmt.Errorf("error in field '%s': %w", fieldType.Name, err)
		}
	}
	return nil
}

func (f EnvFeeder) processField(field reflect.Value, fieldType reflect.StructField) error {
	switch field.Kind() {
	case reflect.Struct:
		if field.Type() != reflect.TypeFor[time.Time]() {
			return f.processStructFields(field)
		}
	case reflect.Pointer:
		if !field.IsNil() && field.Elem().Kind() == reflect.Struct {
			return f.processStructFields(field.Elem())
		}
	}

	envTag, ok := fieldType.Tag.Lookup("env")
	if !ok || envTag == "" {
		return nil
	}
	name := strings.ToUpper(envTag)
	if f.Prefix != "" {
		name = strings.ToUpper(f.Prefix) + "_" + name
	}

	lookup := f.lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	value, ok := lookup(name)
	if !ok || value == "" {
		return nil
	}
	return setFieldValue(field, name, value)
}

// setFieldValue converts value to the field's type and sets it.
func setFieldValue(field reflect.Value, name, value string) error {
	if !field.CanSet() {
		return ErrEnvFieldCannotBeSet
	}

	t := field.Type()
	if t.Kind() == reflect.Pointer {
		elem := reflect.New(t.Elem())
		if err := setFieldValue(elem.Elem(), name, value); err != nil {
			return err
		}
		field.Set(elem)
		return nil
	}

	if t == reflect.TypeFor[time.Duration]() {
		d, err := time.ParseDuration(value)
		if err != nil {
			return wrapEnvConvertError(name, value, err)
		}
		field.Set(reflect.ValueOf(d))
		return nil
	}

	switch t.Kind() {
	case reflect.String, reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
	case reflect.Slice:
		parts := strings.Split(value, ",")
		slice := reflect.MakeSlice(t, 0, len(parts))
		for _, p := range parts {
			elem := reflect.New(t.Elem()).Elem()
			if err := setFieldValue(elem, name, strings.TrimSpace(p)); err != nil {
				return err
			}
			slice = reflect.Append(slice, elem)
		}
		field.Set(slice)
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrEnvUnsupportedType, t)
	}

	// cast converts by kind; named types such as ConflictMode are converted after.
	converted, err := cast.FromType(value, basicType(t.Kind()))
	if err != nil {
		return wrapEnvConvertError(name, value, err)
	}
	field.Set(reflect.ValueOf(converted).Convert(t))
	return nil
}

var basicTypes = map[reflect.Kind]reflect.Type{
	reflect.String:  reflect.TypeFor[string](),
	reflect.Bool:    reflect.TypeFor[bool](),
	reflect.Int:     reflect.TypeFor[int](),
	reflect.Int8:    reflect.TypeFor[int8](),
	reflect.Int16:   reflect.TypeFor[int16](),
	reflect.Int32:   reflect.TypeFor[int32](),
	reflect.Int64:   reflect.TypeFor[int64](),
	reflect.Uint:    reflect.TypeFor[uint](),
	reflect.Uint8:   reflect.TypeFor[uint8](),
	reflect.Uint16:  reflect.TypeFor[uint16](),
	reflect.Uint32:  reflect.TypeFor[uint32](),
	reflect.Uint64:  reflect.TypeFor[uint64](),
	reflect.Float32: reflect.TypeFor[float32](),
	reflect.Float64: reflect.TypeFor[float64](),
}

func basicType(k reflect.Kind) reflect.Type {
	return basicTypes[k]
}
