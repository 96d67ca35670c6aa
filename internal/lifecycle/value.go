package lifecycle

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// ValueKind tags a normalized agent field.
type ValueKind int

const (
	// KindText is a scalar rendered as text.
	KindText ValueKind = iota
	// KindStructured is a list or an object.
	KindStructured
)

// Value is an agent result field normalized at decode time. Agents send the
// same field as a string on one run and a list on the next; downstream code
// only ever asks for Text (canonical string) or Raw (structured form).
type Value struct {
	kind ValueKind
	text string
	raw  any
}

// Normalize converts a decoded JSON value into a Value.
func Normalize(v any) Value {
	switch t := v.(type) {
	case nil:
		return Value{kind: KindText}
	case Value:
		return t
	case string:
		return Value{kind: KindText, text: strings.TrimSpace(t), raw: t}
	case bool:
		return Value{kind: KindText, text: strconv.FormatBool(t), raw: t}
	case float64:
		return Value{kind: KindText, text: strconv.FormatFloat(t, 'f', -1, 64), raw: t}
	case int:
		return Value{kind: KindText, text: strconv.Itoa(t), raw: t}
	case int64:
		return Value{kind: KindText, text: strconv.FormatInt(t, 10), raw: t}
	case json.Number:
		return Value{kind: KindText, text: t.String(), raw: t}
	case []any:
		return Value{kind: KindStructured, text: renderList(t), raw: t}
	case []string:
		items := make([]any, len(t))
		for i, s := range t {
			items[i] = s
		}
		return Value{kind: KindStructured, text: renderList(items), raw: items}
	case map[string]any:
		return Value{kind: KindStructured, text: renderObject(t), raw: t}
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return Value{kind: KindText}
		}
		var generic any
		if err := json.Unmarshal(b, &generic); err != nil {
			return Value{kind: KindText, text: string(b), raw: t}
		}
		return Normalize(generic)
	}
}

// Kind reports whether the value arrived as text or as structure.
func (v Value) Kind() ValueKind { return v.kind }

// Text is the canonical string form stored in text columns.
func (v Value) Text() string { return v.text }

// Raw returns the value as decoded from the agent.
func (v Value) Raw() any { return v.raw }

// IsZero reports an absent or empty field.
func (v Value) IsZero() bool { return v.raw == nil && v.text == "" }

// Int parses the text form as an integer, returning 0 when it is not numeric.
func (v Value) Int() int {
	if v.text == "" {
		return 0
	}
	if n, err := strconv.Atoi(v.text); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(v.text, 64); err == nil {
		return int(f)
	}
	return 0
}

// Records returns the list elements that are objects, each normalized.
func (v Value) Records() []Record {
	switch t := v.raw.(type) {
	case []any:
		out := make([]Record, 0, len(t))
		for _, item := range t {
			if obj, ok := item.(map[string]any); ok {
				out = append(out, NewRecord(obj))
			}
		}
		return out
	case map[string]any:
		return []Record{NewRecord(t)}
	}
	return nil
}

// MarshalJSON keeps the agent's original shape on the wire.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.raw == nil {
		if v.text == "" {
			return []byte("null"), nil
		}
		return json.Marshal(v.text)
	}
	return json.Marshal(v.raw)
}

// UnmarshalJSON normalizes any JSON value.
func (v *Value) UnmarshalJSON(b []byte) error {
	var generic any
	if err := json.Unmarshal(b, &generic); err != nil {
		return err
	}
	*v = Normalize(generic)
	return nil
}

func renderList(items []any) string {
	parts := make([]string, 0, len(items))
	for _, item := range items {
		var s string
		switch t := item.(type) {
		case map[string]any:
			s = renderObject(t)
		default:
			s = Normalize(t).Text()
		}
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n")
}

func renderObject(obj map[string]any) string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		s := Normalize(obj[k]).Text()
		if s == "" {
			continue
		}
		parts = append(parts, k+": "+strings.ReplaceAll(s, "\n", "; "))
	}
	return strings.Join(parts, "\n")
}

// Record is one normalized object from an agent result list.
type Record struct {
	fields map[string]Value
	raw    map[string]any
}

// NewRecord normalizes every field of obj.
func NewRecord(obj map[string]any) Record {
	r := Record{fields: make(map[string]Value, len(obj)), raw: obj}
	for k, v := range obj {
		r.fields[k] = Normalize(v)
	}
	return r
}

// Get returns the first present field among keys. Agents are inconsistent
// about snake_case and camelCase, so callers list both.
func (r Record) Get(keys ...string) Value {
	for _, k := range keys {
		if v, ok := r.fields[k]; ok && !v.IsZero() {
			return v
		}
	}
	return Value{kind: KindText}
}

// Text is Get(keys...).Text().
func (r Record) Text(keys ...string) string { return r.Get(keys...).Text() }

// Raw returns the record as decoded from the agent.
func (r Record) Raw() map[string]any { return r.raw }

// RawJSON renders the record as stored in raw_json columns.
func (r Record) RawJSON() string {
	if r.raw == nil {
		return "{}"
	}
	b, err := json.Marshal(r.raw)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// Result is a normalized Completed payload.
type Result map[string]Value

// NewResult normalizes a decoded agent payload.
func NewResult(payload map[string]any) Result {
	res := make(Result, len(payload))
	for k, v := range payload {
		res[k] = Normalize(v)
	}
	return res
}

// Get returns the first present field among keys.
func (r Result) Get(keys ...string) Value {
	for _, k := range keys {
		if v, ok := r[k]; ok && !v.IsZero() {
			return v
		}
	}
	return Value{kind: KindText}
}

// Records returns the object list stored under the first present key.
func (r Result) Records(keys ...string) []Record {
	return r.Get(keys...).Records()
}

// Record returns the object under the first present key, or the whole result
// as one record when none of the keys exist.
func (r Result) Record(keys ...string) Record {
	if recs := r.Get(keys...).Records(); len(recs) > 0 {
		return recs[0]
	}
	return NewRecord(r.Raw())
}

// Raw rebuilds the agent payload.
func (r Result) Raw() map[string]any {
	out := make(map[string]any, len(r))
	for k, v := range r {
		out[k] = v.Raw()
	}
	return out
}
