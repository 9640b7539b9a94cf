package feeders

import (
	"errors"
	"fmt"
)

var (
	ErrMissingPath         = errors.New("missing file path")
	ErrDecode              = errors.New("cannot decode config file")
	ErrEnvInvalidStructure = errors.New("env: expected pointer to struct")
	ErrEnvUnsupportedType  = errors.New("env: unsupported field type")
	ErrEnvFieldCannotBeSet = errors.New("env: field cannot be set")
)

func wrapEnvConvertError(name, value string, err error) error {
	return fmt.Errorf("env %s=%q: %w", name, value, err)
}
