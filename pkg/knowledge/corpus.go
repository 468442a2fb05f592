package knowledge

import _ "embed"

//go:embed tools.txt
var defaultCorpus string

// DefaultCorpus returns the bundled knowledge base describing the built-in checks.
func DefaultCorpus() string {
	return defaultCorpus
}

// Load parses path, or the bundled corpus when path is empty.
func Load(path string) ([]ToolDescriptor, error) {
	if path == "" {
		return Parse(defaultCorpus), nil
	}
	return ParseFile(path)
}
