// Package claims holds the decoded form of a JWT payload and the pure rules
// used to accept or reject it.
package claims

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ClaimSet is an immutable view over a decoded JWT payload. Accessors never
// return implicit zero values for absent claims: every lookup reports whether
// the claim was present and of the requested type.
type ClaimSet struct {
	m map[string]any
}

// Decode parses a JSON object into a ClaimSet. Numbers are kept as
// json.Number so integer claims survive without float rounding.
func Decode(payload []byte) (ClaimSet, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return ClaimSet{}, fmt.Errorf("decode claims: %w", err)
	}
	if m == nil {
		return ClaimSet{}, errors.New("decode claims: payload is not a JSON object")
	}
	return ClaimSet{m: m}, nil
}

// New builds a ClaimSet from an existing map. The map is deep-copied.
func New(m map[string]any) ClaimSet {
	if m == nil {
		return ClaimSet{}
	}
	return ClaimSet{m: copyMap(m)}
}

// Len reports the number of claims.
func (c ClaimSet) Len() int { return len(c.m) }

// Has reports whether name is present, including when its value is null.
func (c ClaimSet) Has(name string) bool {
	_, ok := c.m[name]
	return ok
}

// IsNull reports whether name is present with an explicit JSON null.
func (c ClaimSet) IsNull(name string) bool {
	v, ok := c.m[name]
	return ok && v == nil
}

// Raw returns a copy of the value stored under name.
func (c ClaimSet) Raw(name string) (any, bool) {
	v, ok := c.m[name]
	if !ok {
		return nil, false
	}
	return copyValue(v), true
}

// String returns name as a string.
func (c ClaimSet) String(name string) (string, bool) {
	s, ok := c.m[name].(string)
	return s, ok
}

// Number returns name as a float64 if it is any JSON number.
func (c ClaimSet) Number(name string) (float64, bool) {
	return toFloat(c.m[name])
}

// Int returns name as an int64. Numbers with a fractional part are rejected.
func (c ClaimSet) Int(name string) (int64, bool) {
	switch v := c.m[name].(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, true
		}
		f, err := v.Float64()
		if err != nil || f != math.Trunc(f) {
			return 0, false
		}
		return floatToInt64(f)
	case float64:
		if v != math.Trunc(v) {
			return 0, false
		}
		return floatToInt64(v)
	case int64:
		return v, true
	case int:
		return int64(v), true
	}
	return 0, false
}

// Time interprets name as a NumericDate (seconds since the epoch, possibly
// fractional).
func (c ClaimSet) Time(name string) (time.Time, bool) {
	f, ok := toFloat(c.m[name])
	if !ok {
		return time.Time{}, false
	}
	sec, frac := math.Modf(f)
	isec, ok := floatToInt64(sec)
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(isec, int64(frac*1e9)), true
}

// Strings returns name as a list of strings. A single string value is
// returned as a one-element list.
func (c ClaimSet) Strings(name string) ([]string, bool) {
	switch v := c.m[name].(type) {
	case string:
		return []string{v}, true
	case []string:
		return append([]string(nil), v...), true
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			s, ok := e.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

// Issuer returns the iss claim.
func (c ClaimSet) Issuer() (string, bool) { return c.String("iss") }

// Subject returns the sub claim.
func (c ClaimSet) Subject() (string, bool) { return c.String("sub") }

// Scopes returns the union of the space-delimited "scope" claim and the
// "scp" array claim, in first-seen order.
func (c ClaimSet) Scopes() []string {
	var out []string
	seen := map[string]struct{}{}
	add := func(s string) {
		if s == "" {
			return
		}
		if _, ok := seen[s]; ok {
			return
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	if s, ok := c.String("scope"); ok {
		for _, f := range strings.Fields(s) {
			add(f)
		}
	}
	if scp, ok := c.Strings("scp"); ok {
		for _, s := range scp {
			for _, f := range strings.Fields(s) {
				add(f)
			}
		}
	}
	return out
}

// Map returns a deep copy of the underlying claims.
func (c ClaimSet) Map() map[string]any {
	if c.m == nil {
		return map[string]any{}
	}
	return copyMap(c.m)
}

// Unmarshal decodes the claim set into ref using JSON field mapping.
func (c ClaimSet) Unmarshal(ref any) error {
	b, err := json.Marshal(c.m)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

// MarshalJSON implements json.Marshaler.
func (c ClaimSet) MarshalJSON() ([]byte, error) {
	if c.m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(c.m)
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *ClaimSet) UnmarshalJSON(b []byte) error {
	cs, err := Decode(b)
	if err != nil {
		return err
	}
	*c = cs
	return nil
}

// floatToInt64 converts an integral f, rejecting values int64 cannot hold.
func floatToInt64(f float64) (int64, bool) {
	if !(f >= -0x1p63 && f < 0x1p63) {
		return 0, false
	}
	return int64(f), true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := strconv.ParseFloat(string(n), 64)
		return f, err == nil
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
