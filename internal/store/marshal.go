package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/conformance/internal/canonical"
)

// timeLayout keeps sub-second precision and sorts lexically for UTC times.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// marshalObject converts a JSON object to canonical JSON TEXT for storage.
// A nil object is stored as {}.
func marshalObject(obj map[string]any) (string, error) {
	if obj == nil {
		return "{}", nil
	}
	data, err := canonical.Marshal(obj)
	if err != nil {
		return "", fmt.Errorf("marshal object: %w", err)
	}
	return string(data), nil
}

func marshalStrings(m map[string]string) (string, error) {
	obj := make(map[string]any, len(m))
	for k, v := range m {
		obj[k] = v
	}
	return marshalObject(obj)
}

// unmarshalObject parses JSON TEXT. Empty objects come back as nil so that
// stored records compare equal to freshly created ones.
func unmarshalObject(data string) (map[string]any, error) {
	if data == "" || data == "{}" {
		return nil, nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(data), &obj); err != nil {
		return nil, fmt.Errorf("unmarshal object: %w", err)
	}
	return obj, nil
}

func unmarshalStrings(data string) (map[string]string, error) {
	if data == "" || data == "{}" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, fmt.Errorf("unmarshal strings: %w", err)
	}
	return m, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}
