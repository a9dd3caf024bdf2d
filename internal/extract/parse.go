package extract

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var knownKeys = map[string]struct{}{
	"designer":  {},
	"pieces":    {},
	"size":      {},
	"condition": {},
	"price":     {},
	"notes":     {},
}

// ParseFields reads a JSON object out of a model response that may be wrapped in code
// fences or prose. Unknown keys and empty values are dropped.
func ParseFields(raw string) (map[string]string, error) {
	text := stripFences(raw)

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end < start {
		return nil, errors.New("no JSON object found")
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(text[start:end+1]), &obj); err != nil {
		return nil, fmt.Errorf("failed to parse fields: %w", err)
	}

	out := make(map[string]string, len(obj))
	for k, v := range obj {
		key := strings.ToLower(strings.TrimSpace(k))
		if _, ok := knownKeys[key]; !ok {
			continue
		}
		var s string
		switch t := v.(type) {
		case string:
			s = strings.TrimSpace(t)
		case float64:
			s = strconv.FormatFloat(t, 'f', -1, 64)
		case bool, nil:
			continue
		default:
			s = strings.TrimSpace(fmt.Sprint(t))
		}
		if s != "" {
			out[key] = s
		}
	}
	return out, nil
}

func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	lines := strings.Split(text, "\n")
	if len(lines) < 3 {
		return text
	}
	end := len(lines) - 1
	for i := len(lines) - 1; i > 0; i-- {
		if strings.TrimSpace(lines[i]) == "```" {
			end = i
			break
		}
	}
	return strings.Join(lines[1:end], "\n")
}
