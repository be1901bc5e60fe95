package dune

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Column is one cell of a result row.
type Column struct {
	Name  string
	Value json.RawMessage
}

// Row is one schema-less record of a query result.
//
// Columns keep the order in which the API sent them, and values are carried as
// raw JSON, so a row marshals back to the same object it was decoded from.
// String escapes are normalized on decode: "é" is stored as "é".
type Row []Column

// Get returns the raw value of the named column.
func (r Row) Get(name string) (json.RawMessage, bool) {
	for _, c := range r {
		if c.Name == name {
			return c.Value, true
		}
	}
	return nil, false
}

// Names returns column names in order.
func (r Row) Names() []string {
	names := make([]string, len(r))
	for i, c := range r {
		names[i] = c.Name
	}
	return names
}

// UnmarshalJSON decodes a JSON object keeping key order.
func (r *Row) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("dune: row must be a JSON object, got %v", tok)
	}

	cols := make(Row, 0, 8)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := tok.(string)
		if !ok {
			return fmt.Errorf("dune: unexpected row key %v", tok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("dune: column %q: %w", name, err)
		}
		value, err := normalize(raw)
		if err != nil {
			return fmt.Errorf("dune: column %q: %w", name, err)
		}
		cols = append(cols, Column{Name: name, Value: value})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*r = cols
	return nil
}

// MarshalJSON writes the columns back as a JSON object in their original order.
func (r Row) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, c := range r {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := marshalNoEscape(c.Name)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		if len(c.Value) == 0 {
			buf.WriteString("null")
		} else {
			buf.Write(c.Value)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// normalize rewrites string escapes as plain UTF-8 and recurses into nested
// objects and arrays; numbers, booleans and null are returned untouched.
func normalize(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return raw, nil
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return nil, err
		}
		return marshalNoEscape(s)
	case '{':
		var nested Row
		if err := json.Unmarshal(trimmed, &nested); err != nil {
			return nil, err
		}
		return nested.MarshalJSON()
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, err
		}
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, item := range items {
			if i > 0 {
				buf.WriteByte(',')
			}
			v, err := normalize(item)
			if err != nil {
				return nil, err
			}
			buf.Write(v)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	default:
		return trimmed, nil
	}
}

func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return RawLineSeparators(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

// RawLineSeparators undoes the \u2028 and \u2029 escapes that encoding/json
// applies even with SetEscapeHTML(false). Escapes are walked pairwise, so an
// escaped backslash followed by "u2028" stays as it is.
func RawLineSeparators(b []byte) []byte {
	if !bytes.Contains(b, []byte(`\u202`)) {
		return b
	}
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		if b[i] != '\\' || i+1 >= len(b) {
			out = append(out, b[i])
			continue
		}
		if rest := b[i+1:]; len(rest) >= 5 && rest[0] == 'u' {
			switch string(rest[1:5]) {
			case "2028":
				out = append(out, "\u2028"...)
				i += 5
				continue
			case "2029":
				out = append(out, "\u2029"...)
				i += 5
				continue
			}
		}
		out = append(out, b[i], b[i+1])
		i++
	}
	return out
}
