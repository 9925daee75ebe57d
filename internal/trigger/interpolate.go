package trigger

import (
	"fmt"
	"regexp"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// interpolate replaces {{a.b.c}} placeholders in text with the value at
// path a.b.c in data. A path that doesn't resolve (missing key, or a
// non-map intermediate) is left as the literal token, never blanked.
func interpolate(text string, data map[string]any) string {
	return placeholderPattern.ReplaceAllStringFunc(text, func(match string) string {
		sub := placeholderPattern.FindStringSubmatch(match)
		if len(sub) != 2 {
			return match
		}
		val, ok := lookupPath(data, sub[1])
		if !ok {
			return match
		}
		return fmt.Sprintf("%v", val)
	})
}

func lookupPath(data map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = data
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[p]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}
