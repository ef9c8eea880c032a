package model

import "encoding/json"

// DecodeColumns unmarshals a JSON column-map (as stored in oplog
// newRow/oldRow) into a map[string]any. An empty string decodes to nil.
func DecodeColumns(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// EncodeColumns marshals a column map back to its JSON storage form.
func EncodeColumns(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
