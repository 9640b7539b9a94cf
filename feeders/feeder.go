// Package feeders provides configuration feeders that populate a struct from
// YAML, TOML or JSON files and from environment variables.
//
// Feeders are applied in order, each one overriding the fields its source sets.
package feeders

import (
	"fmt"
	"os"
)

// Feeder populates target, a pointer to a struct, from one source.
type Feeder interface {
	Feed(target any) error
}

// KeyFeeder can populate target from a single top-level key of its source.
type KeyFeeder interface {
	Feeder
	FeedKey(key string, target any) error
}

// feedKey extracts one top-level key from a file feeder's data and decodes it
// into target by remarshalling it in the feeder's own format.
func feedKey(
	feeder Feeder,
	key string,
	target any,
	marshalFunc func(any) ([]byte, error),
	unmarshalFunc func([]byte, any) error,
	fileType string,
) error {
	var allData map[string]any
	if err := feeder.Feed(&allData); err != nil {
		return fmt.Errorf("failed to read %s: %w", fileType, err)
	}

	value, exists := allData[key]
	if !exists {
		return nil
	}

	valueBytes, err := marshalFunc(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s data: %w", fileType, err)
	}
	if err = unmarshalFunc(valueBytes, target); err != nil {
		return fmt.Errorf("failed to unmarshal %s data: %w", fileType, err)
	}
	return nil
}

func readFile(path, fileType string) ([]byte, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: %s feeder has no path", ErrMissingPath, fileType)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s file %s: %w", fileType, path, err)
	}
	return data, nil
}
