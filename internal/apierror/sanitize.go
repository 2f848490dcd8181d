package apierror

import (
	"reflect"
	"strconv"
	"time"
	"unicode/utf8"
)

const (
	circularMarker = "[Circular]"
	depthMarker    = "[MaxDepth]"
	opaqueMarker   = "[Unserializable]"

	maxSanitizeDepth = 32
)

// Sanitize returns a copy of v that is safe to log and JSON-encode. Maps and
// slices that refer back to one of their ancestors are replaced with
// "[Circular]". Nesting is cut off at a fixed depth. Values of types other than
// the JSON-like ones (maps of string keys, []any, scalars, errors, time) are
// replaced with a placeholder.
func Sanitize(v any) any {
	s := sanitizer{seen: make(map[uintptr]bool)}
	return s.walk(v, 0)
}

type sanitizer struct {
	seen map[uintptr]bool // containers on the current path
}

func (s *sanitizer) walk(v any, depth int) any {
	if depth > maxSanitizeDepth {
		return depthMarker
	}

	switch x := v.(type) {
	case nil, string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return x
	case []byte:
		return string(x)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case time.Duration:
		return x.String()
	case *ProcessedError:
		if x == nil {
			return nil
		}
		return "[ProcessedError " + x.CorrelationID + "]"
	case error:
		return safeCall(x.Error)
	case map[string]any:
		if x == nil {
			return nil
		}
		id := reflect.ValueOf(x).Pointer()
		if s.seen[id] {
			return circularMarker
		}
		s.seen[id] = true
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = s.walk(e, depth+1)
		}
		delete(s.seen, id)
		return out
	case map[string]string:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = e
		}
		return out
	case []any:
		if x == nil {
			return nil
		}
		var id uintptr
		if cap(x) > 0 {
			id = reflect.ValueOf(x).Pointer()
			if s.seen[id] {
				return circularMarker
			}
			s.seen[id] = true
		}
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = s.walk(e, depth+1)
		}
		if id != 0 {
			delete(s.seen, id)
		}
		return out
	case []string:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = e
		}
		return out
	case interface{ String() string }:
		return safeCall(x.String)
	default:
		return opaqueMarker
	}
}

// safeCall runs a String or Error method, turning a panic into a placeholder.
func safeCall(fn func() string) (s string) {
	defer func() {
		if recover() != nil {
			s = opaqueMarker
		}
	}()
	return fn()
}

// truncate cuts s to at most n bytes on a rune boundary, marking the cut.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…(" + strconv.Itoa(len(s)-n) + " more bytes)"
}
