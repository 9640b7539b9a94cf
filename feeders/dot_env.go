package feeders

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"
)

// DotEnvFeeder reads KEY=value lines from a .env file and feeds them through
// the same `env` tags as EnvFeeder. Variables already set in the process
// environment take precedence over the file.
type DotEnvFeeder struct {
	Path   string
	Prefix string
}

func NewDotEnvFeeder(path string) DotEnvFeeder {
	return DotEnvFeeder{Path: path}
}

func (f DotEnvFeeder) Feed(target any) error {
	data, err := readFile(f.Path, "dotenv")
	if err != nil {
		return err
	}
	vars, err := parseDotEnv(data)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrDecode, f.Path, err)
	}
	env := EnvFeeder{
		Prefix: f.Prefix,
		lookup: func(name string) (string, bool) {
			if v, ok := os.LookupEnv(name); ok && v != "" {
				return v, true
			}
			v, ok := vars[name]
			return v, ok
		},
	}
	return env.Feed(target)
}

func parseDotEnv(data []byte) (map[string]string, error) {
	vars := make(map[string]string)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("line %d: missing '='", lineNum)
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("line %d: empty key", lineNum)
		}
		vars[key] = unquote(strings.TrimSpace(value))
	}
	return vars, scanner.Err()
}

func unquote(v string) string {
	if len(v) >= 2 {
		if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
			return v[1 : len(v)-1]
		}
	}
	return v
}
