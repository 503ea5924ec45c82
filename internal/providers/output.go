package providers

import (
	"encoding/json"
	"fmt"

	"github.com/PaesslerAG/jsonpath"
)

// extractOutput applies a JSONPath to a provider response and returns the
// first string it finds.
func extractOutput(body []byte, path string) (string, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return "", NewFatalError(fmt.Errorf("decode provider response: %w", err))
	}
	v, err := jsonpath.Get(path, doc)
	if err != nil {
		return "", NewFatalError(fmt.Errorf("output path %s: %w", path, err))
	}
	if s, ok := firstString(v); ok {
		return s, nil
	}
	return "", NewFatalError(fmt.Errorf("output path %s: no string result", path))
}

func firstString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, t != ""
	case []any:
		for _, item := range t {
			if s, ok := firstString(item); ok {
				return s, true
			}
		}
	}
	return "", false
}
