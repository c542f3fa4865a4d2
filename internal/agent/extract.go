package agent

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

var fencedBlock = regexp.MustCompile("(?s)```(?:json|JSON)?[ \t]*\r?\n(.*?)```")

const previewLen = 200

// ExtractJSON finds a JSON object or array in free-form agent output. It
// tries fenced code blocks first, then the outermost braces, then the
// outermost brackets, then any single line that is valid JSON.
func ExtractJSON(output string) (json.RawMessage, error) {
	for _, m := range fencedBlock.FindAllStringSubmatch(output, -1) {
		if doc, ok := validDocument(m[1]); ok {
			return doc, nil
		}
	}

	if doc, ok := between(output, "{", "}"); ok {
		return doc, nil
	}
	if doc, ok := between(output, "[", "]"); ok {
		return doc, nil
	}

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "{") || strings.HasPrefix(line, "[") {
			if doc, ok := validDocument(line); ok {
				return doc, nil
			}
		}
	}

	return nil, &ParseError{Preview: preview(output)}
}

func between(output, open, close string) (json.RawMessage, bool) {
	start := strings.Index(output, open)
	end := strings.LastIndex(output, close)
	if start < 0 || end <= start {
		return nil, false
	}
	return validDocument(output[start : end+1])
}

func validDocument(s string) (json.RawMessage, bool) {
	s = strings.TrimSpace(s)
	if s == "" || !gjson.Valid(s) {
		return nil, false
	}
	if r := gjson.Parse(s); !r.IsObject() && !r.IsArray() {
		return nil, false
	}
	return json.RawMessage(s), true
}

func preview(output string) string {
	output = strings.TrimSpace(output)
	if len(output) > previewLen {
		return output[:previewLen] + "..."
	}
	return output
}
