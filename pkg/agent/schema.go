package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Schema is a named JSON schema used to constrain and validate model output.
type Schema struct {
	Name       string
	Definition map[string]interface{}
	compiled   *gojsonschema.Schema
}

// NewSchema compiles definition under name.
func NewSchema(name string, definition map[string]interface{}) (*Schema, error) {
	if name == "" {
		return nil, fmt.Errorf("schema name is required")
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(definition))
	if err != nil {
		return nil, fmt.Errorf("invalid schema %s: %w", name, err)
	}
	return &Schema{Name: name, Definition: definition, compiled: compiled}, nil
}

// MustSchema is NewSchema for package-level schemas; it panics on an invalid definition.
func MustSchema(name string, definition map[string]interface{}) *Schema {
	s, err := NewSchema(name, definition)
	if err != nil {
		panic(err)
	}
	return s
}

// Validate checks a JSON document and returns one message per violation.
// A document that is not JSON at all yields a single message.
func (s *Schema) Validate(document []byte) []string {
	result, err := s.compiled.Validate(gojsonschema.NewBytesLoader(document))
	if err != nil {
		return []string{fmt.Sprintf("output is not valid JSON: %v", err)}
	}
	if result.Valid() {
		return nil
	}
	problems := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		problems = append(problems, e.String())
	}
	return problems
}

// extractJSON returns the outermost JSON object in text. Models sometimes wrap
// JSON in prose or markdown fences even when asked not to.
func extractJSON(text string) string {
	trimmed := strings.TrimSpace(text)
	if json.Valid([]byte(trimmed)) {
		return trimmed
	}

	start := strings.Index(trimmed, "{")
	if start < 0 {
		return trimmed
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(trimmed); i++ {
		c := trimmed[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return trimmed[start : i+1]
			}
		}
	}
	return trimmed[start:]
}
