package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// yamlToJSON returns config bytes the strict JSON decoder can read. Files
// without a .yaml/.yml extension pass through untouched.
//
// A YAML file must hold exactly one document; a stray "---" followed by a
// second block is rejected the same way trailing JSON is.
func yamlToJSON(path string, data []byte) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	default:
		return data, nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	var doc any
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return []byte("{}"), nil
		}
		return nil, fmt.Errorf("config yaml: %w", err)
	}
	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		if err == nil {
			return nil, errors.New("config yaml: more than one document")
		}
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	j, err := json.Marshal(jsonValue(doc))
	if err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}
	return j, nil
}

// jsonValue rewrites YAML maps with non-string keys (`1: x`) into string-keyed
// maps; json.Marshal refuses map[any]any.
func jsonValue(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = jsonValue(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = jsonValue(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = jsonValue(x[i])
		}
		return x
	}
	return in
}
