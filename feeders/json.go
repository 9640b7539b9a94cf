package feeders

import (
	"encoding/json"
	"fmt"
)

// JSONFeeder reads a JSON file. Durations are JSON numbers in nanoseconds.
type JSONFeeder struct {
	Path string
}

func NewJSONFeeder(filePath string) JSONFeeder {
	return JSONFeeder{Path: filePath}
}

func (j JSONFeeder) Feed(target any) error {
	data, err := readFile(j.Path, "json")
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrDecode, j.Path, err)
	}
	return nil
}

func (j JSONFeeder) FeedKey(key string, target any) error {
	return feedKey(j, key, target, json.Marshal, json.Unmarshal, "json")
}
