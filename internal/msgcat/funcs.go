package msgcat

import (
	"fmt"
	"text/template"
)

var funcs = template.FuncMap{
	"has":    has,
	"pawns":  pawns,
	"moveNo": moveNo,
}

// has reports whether a map-valued template context carries key. Plain
// field access on a missing key fails under missingkey=error.
func has(data any, key string) bool {
	switch m := data.(type) {
	case map[string]any:
		_, ok := m[key]
		return ok
	case map[string]string:
		_, ok := m[key]
		return ok
	default:
		return false
	}
}

// pawns formats a centipawn score as signed pawns, e.g. 35 -> "+0.35".
func pawns(v any) string {
	cp, ok := toInt(v)
	if !ok {
		return "?"
	}
	sign := "+"
	if cp < 0 {
		sign = "-"
		cp = -cp
	}
	return fmt.Sprintf("%s%d.%02d", sign, cp/100, cp%100)
}

// moveNo turns a ply count into the number of the move being played.
func moveNo(v any) int {
	plies, ok := toInt(v)
	if !ok || plies < 0 {
		return 1
	}
	return plies/2 + 1
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case int32:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
