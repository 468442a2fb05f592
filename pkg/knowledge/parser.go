package knowledge

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

const (
	// IDPrefix is prepended to a tool name to form its descriptor id.
	IDPrefix = "tool:"
	// UnknownName names a chunk with no Tool header.
	UnknownName = "unknown"
	// NoValue stands in for a missing section.
	NoValue = "No value"
)

var (
	toolLine   = regexp.MustCompile(`(?m)^Tool:[ \t]*([A-Za-z_][A-Za-z0-9_]*)`)
	tagsLine   = regexp.MustCompile(`(?m)^[ \t]*Tags:[ \t]*(.*)$`)
	labelStart = regexp.MustCompile(`\n[A-Z][A-Za-z _]+:`)
)

// ToolDescriptor is one knowledge-base entry.
type ToolDescriptor struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	RawText string   `json:"raw_text"`
	Tags    []string `json:"tags"`
}

// Description returns the Description section or NoValue.
func (d ToolDescriptor) Description() string {
	if desc, ok := ExtractSection(d.RawText, "Description"); ok {
		return desc
	}
	return NoValue
}

// Parse splits text into descriptors at every line starting with "Tool:".
func Parse(text string) []ToolDescriptor {
	text = strings.ReplaceAll(text, "\r\n", "\n")

	var starts []int
	for _, loc := range toolLine.FindAllStringIndex(text, -1) {
		starts = append(starts, loc[0])
	}
	if len(starts) == 0 || starts[0] != 0 {
		starts = append([]int{0}, starts...)
	}

	descriptors := make([]ToolDescriptor, 0, len(starts))
	for i, start := range starts {
		end := len(text)
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		chunk := strings.TrimSpace(text[start:end])
		if chunk == "" {
			continue
		}
		descriptors = append(descriptors, parseChunk(chunk))
	}
	return descriptors
}

func parseChunk(chunk string) ToolDescriptor {
	name := UnknownName
	if m := toolLine.FindStringSubmatch(chunk); m != nil {
		name = m[1]
	}

	tags := []string{}
	if m := tagsLine.FindStringSubmatch(chunk); m != nil {
		for _, t := range strings.Split(m[1], ",") {
			if t = strings.TrimSpace(t); t != "" {
				tags = append(tags, t)
			}
		}
	}

	return ToolDescriptor{
		ID:      IDPrefix + name,
		Name:    name,
		RawText: chunk,
		Tags:    tags,
	}
}

// ParseFile reads and parses a knowledge-base file.
func ParseFile(path string) ([]ToolDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read knowledge base: %w", err)
	}
	return Parse(string(data)), nil
}

// ExtractSection returns the text after the first "label:" up to the next line
// that starts with a capitalised label followed by a colon, or the end of text.
// The result is trimmed. ok is false when the label is absent or its section is empty.
func ExtractSection(text, label string) (string, bool) {
	idx := strings.Index(text, label+":")
	if idx < 0 {
		return "", false
	}
	rest := strings.TrimLeft(text[idx+len(label)+1:], " \t\r\n\f\v")
	if rest == "" {
		return "", false
	}

	// The section owns at least its first character, so a terminator can only start after it.
	if loc := labelStart.FindStringIndex(rest[1:]); loc != nil {
		rest = rest[:loc[0]+1]
	}

	section := strings.TrimSpace(rest)
	return section, section != ""
}
