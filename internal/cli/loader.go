package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// LoadError reports an input document that could not be used.
type LoadError struct {
	Path    string
	Message string
	Err     error
}

func (e *LoadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Path, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// LoadObject reads a JSON object from path, or from stdin when path is
// "-". Numbers decode as float64 and are canonicalised like any other
// number.
func LoadObject(path string, stdin io.Reader) (map[string]any, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, &LoadError{Path: path, Message: "read failed", Err: err}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &LoadError{Path: path, Message: "empty document"}
	}

	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, &LoadError{Path: path, Message: "not a JSON object", Err: err}
	}
	if obj == nil {
		return nil, &LoadError{Path: path, Message: "not a JSON object"}
	}
	return obj, nil
}

// splitFields parses a comma-separated field list. An empty flag means
// "all fields" and returns nil.
func splitFields(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
