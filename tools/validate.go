package tools

import (
	"bytes"
	"encoding/json"
	"math"
	"sort"
	"strconv"

	"github.com/voocel/codebox/schema"
)

// Validate checks args against s and returns the normalized JSON
// object. Empty or null args count as an empty object. Unknown fields,
// missing required fields and primitive type mismatches are rejected.
func (s Spec) Validate(args json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(args)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		trimmed = []byte("{}")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, schema.NewValidationError("arguments", string(trimmed), "expected a JSON object")
	}
	if fields == nil {
		fields = map[string]json.RawMessage{}
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	rewritten := false
	for _, name := range names {
		p, ok := s.Param(name)
		if !ok {
			return nil, schema.NewValidationError(name, nil, "unknown field")
		}
		if p.Type == schema.TypeInteger {
			n, ok := normalizeInteger(fields[name])
			if !ok {
				return nil, schema.NewValidationError(name, string(fields[name]), "expected "+p.Type)
			}
			if !bytes.Equal(n, fields[name]) {
				fields[name] = n
				rewritten = true
			}
			continue
		}
		if !matchesType(p.Type, fields[name]) {
			return nil, schema.NewValidationError(name, string(fields[name]), "expected "+p.Type)
		}
	}

	for _, p := range s.Params {
		if !p.Required {
			continue
		}
		if raw, ok := fields[p.Name]; !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			return nil, schema.NewValidationError(p.Name, nil, "required field missing")
		}
	}

	if rewritten {
		return json.Marshal(fields)
	}
	return trimmed, nil
}

// normalizeInteger accepts a JSON integer, or an integral number written
// with a fraction or exponent (5.0, 1e2), and returns it as a plain int64
// literal.
func normalizeInteger(raw json.RawMessage) (json.RawMessage, bool) {
	raw = bytes.TrimSpace(raw)
	if bytes.Equal(raw, []byte("null")) {
		return raw, true
	}
	if _, err := strconv.ParseInt(string(raw), 10, 64); err == nil {
		return raw, true
	}
	var v float64
	if json.Unmarshal(raw, &v) != nil || v != math.Trunc(v) || math.Abs(v) > 1<<53 {
		return nil, false
	}
	return json.RawMessage(strconv.FormatInt(int64(v), 10)), true
}

func matchesType(typ string, raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	if bytes.Equal(raw, []byte("null")) {
		return true
	}
	switch typ {
	case schema.TypeString:
		var v string
		return json.Unmarshal(raw, &v) == nil
	case schema.TypeBoolean:
		var v bool
		return json.Unmarshal(raw, &v) == nil
	case schema.TypeNumber:
		var v float64
		return json.Unmarshal(raw, &v) == nil
	case schema.TypeInteger:
		_, ok := normalizeInteger(raw)
		return ok
	default:
		return true
	}
}
