// Package ingest loads context payloads from files.
package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format is how a payload file is decoded.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// DetectFormat picks a format from the file extension. Unknown extensions
// are text.
func DetectFormat(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON
	case ".yaml", ".yml":
		return FormatYAML
	}
	return FormatText
}

// Load reads a payload file. "-" reads standard input as text.
func Load(path string) (any, error) {
	if path == "-" {
		return Read(os.Stdin, FormatText)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening context: %w", err)
	}
	defer f.Close()
	payload, err := Read(f, DetectFormat(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return payload, nil
}

// Read decodes a payload. Structured formats yield the same plain data
// shapes as encoding/json: map[string]any, []any, string, float64, bool.
func Read(r io.Reader, format Format) (any, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading context: %w", err)
	}

	switch format {
	case FormatText:
		return string(data), nil
	case FormatJSON:
		var out any
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("decoding JSON: %w", err)
		}
		return out, nil
	case FormatYAML:
		var doc any
		if err := yaml.NewDecoder(bytes.NewReader(data)).Decode(&doc); err != nil && err != io.EOF {
			return nil, fmt.Errorf("decoding YAML: %w", err)
		}
		// YAML allows non-string keys and timestamps; a JSON round trip
		// flattens them to plain data.
		b, err := json.Marshal(jsonSafe(doc))
		if err != nil {
			return nil, fmt.Errorf("converting YAML: %w", err)
		}
		var out any
		if err := json.Unmarshal(b, &out); err != nil {
			return nil, fmt.Errorf("converting YAML: %w", err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown context format %q", format)
}

func jsonSafe(v any) any {
	switch v := v.(type) {
	case map[string]any:
		for k, item := range v {
			v[k] = jsonSafe(item)
		}
		return v
	case map[any]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[fmt.Sprint(k)] = jsonSafe(item)
		}
		return out
	case []any:
		for i, item := range v {
			v[i] = jsonSafe(item)
		}
		return v
	}
	return v
}
