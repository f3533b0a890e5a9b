package service

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf16"

	"github.com/PaesslerAG/jsonpath"
)

// pathSegment is one step of a dot/bracket path: an object key or an index.
type pathSegment struct {
	key     string
	index   int
	isIndex bool
}

// LookupJSONPath resolves path against parsed JSON. Simple dot/bracket paths
// (a.b[0].c, ["key"], items.length) are walked directly; full JSONPath
// expressions with filters or wildcards go through PaesslerAG/jsonpath.
// found is false when any segment is missing.
func LookupJSONPath(data interface{}, path string) (value interface{}, found bool, err error) {
	path = strings.TrimSpace(path)
	if isFullJSONPath(path) {
		v, err := jsonpath.Get(path, data)
		if err != nil {
			return nil, false, nil
		}
		return v, true, nil
	}

	segments, err := parsePath(path)
	if err != nil {
		return nil, false, err
	}

	current := data
	for _, seg := range segments {
		next, ok := step(current, seg)
		if !ok {
			return nil, false, nil
		}
		current = next
	}
	return current, true, nil
}

func isFullJSONPath(path string) bool {
	if !strings.HasPrefix(path, "$") {
		return false
	}
	return strings.ContainsAny(path, "*?@") || strings.Contains(path, "..")
}

func step(current interface{}, seg pathSegment) (interface{}, bool) {
	switch v := current.(type) {
	case map[string]interface{}:
		if seg.isIndex {
			val, ok := v[strconv.Itoa(seg.index)]
			return val, ok
		}
		val, ok := v[seg.key]
		return val, ok
	case []interface{}:
		if seg.isIndex {
			if seg.index < 0 || seg.index >= len(v) {
				return nil, false
			}
			return v[seg.index], true
		}
		if seg.key == "length" {
			return float64(len(v)), true
		}
		if i, err := strconv.Atoi(seg.key); err == nil && i >= 0 && i < len(v) {
			return v[i], true
		}
		return nil, false
	case string:
		if !seg.isIndex && seg.key == "length" {
			return float64(len(utf16.Encode([]rune(v)))), true
		}
		return nil, false
	default:
		return nil, false
	}
}

// parsePath splits "a.b[0]['c d']" into segments. A leading "$" is ignored.
func parsePath(path string) ([]pathSegment, error) {
	path = strings.TrimPrefix(path, "$")
	var segments []pathSegment
	i := 0
	for i < len(path) {
		switch c := path[i]; {
		case c == '.':
			i++
		case c == '[':
			end := strings.IndexByte(path[i:], ']')
			if end < 0 {
				return nil, fmt.Errorf("unclosed bracket in path %q", path)
			}
			inner := strings.TrimSpace(path[i+1 : i+end])
			i += end + 1
			if len(inner) >= 2 && (inner[0] == '"' || inner[0] == '\'') && inner[len(inner)-1] == inner[0] {
				segments = append(segments, pathSegment{key: inner[1 : len(inner)-1]})
				continue
			}
			n, err := strconv.Atoi(inner)
			if err != nil {
				segments = append(segments, pathSegment{key: inner})
				continue
			}
			segments = append(segments, pathSegment{index: n, isIndex: true})
		default:
			start := i
			for i < len(path) && path[i] != '.' && path[i] != '[' {
				i++
			}
			segments = append(segments, pathSegment{key: path[start:i]})
		}
	}
	return segments, nil
}

// stringifyJSONValue renders a resolved value for substring tests and messages.
func stringifyJSONValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return "null"
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}
