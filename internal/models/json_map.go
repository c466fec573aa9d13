package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
)

// JSONMap stores loosely structured metadata as a JSON object column, tolerating
// legacy rows that hold "null" or empty strings.
type JSONMap map[string]interface{}

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]interface{}(m))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (m *JSONMap) Scan(value interface{}) error {
	if m == nil {
		return fmt.Errorf("models.JSONMap: Scan on nil pointer")
	}
	if value == nil {
		*m = JSONMap{}
		return nil
	}

	var raw string
	switch v := value.(type) {
	case []byte:
		raw = string(v)
	case string:
		raw = v
	default:
		return fmt.Errorf("models.JSONMap: unsupported Scan type %T", value)
	}

	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		*m = JSONMap{}
		return nil
	}

	out := map[string]interface{}{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return fmt.Errorf("models.JSONMap: %w", err)
	}
	*m = out
	return nil
}

// Str returns the string value stored under key, or "" when absent.
func (m JSONMap) Str(key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
