package util

import (
	"fmt"
	"strings"
)

// RenderTemplate does simple {var} replacement of vars into body.
func RenderTemplate(body string, vars map[string]any) string {
	out := body
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{"+k+"}", Stringify(v))
	}
	return out
}

func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}
