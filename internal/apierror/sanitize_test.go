package apierror

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestSanitize_MapCycle(t *testing.T) {
	t.Parallel()
	m := map[string]any{"name": "infusion pump"}
	m["self"] = m
	m["nested"] = map[string]any{"parent": m}

	out := Sanitize(m).(map[string]any)
	if out["self"] != circularMarker {
		t.Errorf("self = %v, want %s", out["self"], circularMarker)
	}
	if out["nested"].(map[string]any)["parent"] != circularMarker {
		t.Errorf("nested.parent = %v", out["nested"])
	}
	if _, err := json.Marshal(out); err != nil {
		t.Fatalf("sanitized value does not marshal: %v", err)
	}
}

func TestSanitize_SliceCycle(t *testing.T) {
	t.Parallel()
	s := make([]any, 2)
	s[0] = "a"
	s[1] = s

	out := Sanitize(s).([]any)
	if out[1] != circularMarker {
		t.Fatalf("s[1] = %v, want %s", out[1], circularMarker)
	}
}

func TestSanitize_SharedNonCyclicValue(t *testing.T) {
	t.Parallel()
	shared := map[string]any{"id": 1}
	in := map[string]any{"a": shared, "b": shared}

	out := Sanitize(in).(map[string]any)
	for _, k := range []string{"a", "b"} {
		if _, ok := out[k].(map[string]any); !ok {
			t.Errorf("%s = %v, shared sibling must not be treated as a cycle", k, out[k])
		}
	}
}

func TestSanitize_DepthLimit(t *testing.T) {
	t.Parallel()
	var v any = "leaf"
	for range maxSanitizeDepth + 5 {
		v = map[string]any{"next": v}
	}
	raw, err := json.Marshal(Sanitize(v))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), depthMarker) {
		t.Fatal("deep value not cut off")
	}
}

func TestSanitize_Scalars(t *testing.T) {
	t.Parallel()
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	in := map[string]any{
		"err":   errors.New("bad"),
		"time":  ts,
		"bytes": []byte("raw"),
		"chan":  make(chan int),
		"n":     3,
	}
	out := Sanitize(in).(map[string]any)
	if out["err"] != "bad" || out["bytes"] != "raw" || out["n"] != 3 {
		t.Errorf("out = %v", out)
	}
	if out["time"] != ts.Format(time.RFC3339Nano) {
		t.Errorf("time = %v", out["time"])
	}
	if out["chan"] != opaqueMarker {
		t.Errorf("chan = %v, want %s", out["chan"], opaqueMarker)
	}
}

func TestSanitize_PanickingError(t *testing.T) {
	t.Parallel()
	if got := Sanitize(panickyError{}); got != opaqueMarker {
		t.Fatalf("got %v, want %s", got, opaqueMarker)
	}
}

func TestTruncate_KeepsRunesWhole(t *testing.T) {
	t.Parallel()
	// "Gerät ausgefallen" puts the two-byte "ä" across byte 4.
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"short", "Gerät", 10, "Gerät"},
		{"cut inside rune", "Gerät ausgefallen", 4, "Ger…(15 more bytes)"},
		{"cut after rune", "Gerät ausgefallen", 5, "Gerä…(13 more bytes)"},
		{"ascii", "deadlock detected", 8, "deadlock…(9 more bytes)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := truncate(tt.in, tt.n)
			if got != tt.want {
				t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
			}
			if !utf8.ValidString(got) {
				t.Errorf("truncate(%q, %d) produced invalid UTF-8", tt.in, tt.n)
			}
		})
	}
}

func TestClassify_LongBodyStaysValidUTF8(t *testing.T) {
	t.Parallel()
	body := strings.Repeat("x", maxRawBody-1) + "ä not json"
	p := Classify(t.Context(), &ResponseError{Status: 502, Body: []byte(body)})

	raw, ok := p.Raw.(map[string]any)
	if !ok {
		t.Fatalf("Raw = %T", p.Raw)
	}
	s, _ := raw["body"].(string)
	if !utf8.ValidString(s) || !strings.HasSuffix(s, "more bytes)") {
		t.Errorf("raw body = %q", s[max(0, len(s)-40):])
	}
}
