package canon

import (
	"bytes"
	"encoding/json"
	"fmt"

	"golang.org/x/text/unicode/norm"
)

// ErrEncodeCap is returned when canonical encoding exceeds the declared
// byte cap. This is a resource-cap condition: the caller must halt
// deterministically, not retry.
type ErrEncodeCap struct {
	Cap int
}

func (e *ErrEncodeCap) Error() string {
	return fmt.Sprintf("canonical encoding exceeds declared cap of %d bytes", e.Cap)
}

// MarshalCanonical produces RFC 8785 canonical JSON for hashing.
// CRITICAL: This is the ONLY serialization that may feed
// content-addressed identity computation.
//
// Key differences from standard json.Marshal:
//  1. Object keys sorted by UTF-16 code units (not UTF-8 bytes)
//  2. No HTML escaping (< > & are NOT escaped)
//  3. Strings are NFC normalized
//  4. No floats (returns error)
//  5. No null (returns error)
//  6. Rationals encode as reduced {"d":…,"n":…} integer pairs
func MarshalCanonical(v any) ([]byte, error) {
	return MarshalCanonicalBounded(v, 0)
}

// MarshalCanonicalBounded is MarshalCanonical with a byte cap. A cap of
// zero means unbounded. Exceeding the cap returns *ErrEncodeCap with no
// partial output.
func MarshalCanonicalBounded(v any, maxBytes int) ([]byte, error) {
	enc := &encoder{cap: maxBytes}
	if err := enc.encode(v); err != nil {
		return nil, err
	}
	return enc.buf.Bytes(), nil
}

// encoder accumulates canonical output while enforcing the byte cap.
type encoder struct {
	buf bytes.Buffer
	cap int
}

func (e *encoder) write(p []byte) error {
	if e.cap > 0 && e.buf.Len()+len(p) > e.cap {
		return &ErrEncodeCap{Cap: e.cap}
	}
	e.buf.Write(p)
	return nil
}

func (e *encoder) writeByte(b byte) error {
	if e.cap > 0 && e.buf.Len()+1 > e.cap {
		return &ErrEncodeCap{Cap: e.cap}
	}
	e.buf.WriteByte(b)
	return nil
}

func (e *encoder) encode(v any) error {
	switch val := v.(type) {
	case nil:
		return fmt.Errorf("null is forbidden in canonical JSON")
	case String:
		return e.encodeString(string(val))
	case Int:
		return e.write([]byte(fmt.Sprintf("%d", int64(val))))
	case Bool:
		if val {
			return e.write([]byte("true"))
		}
		return e.write([]byte("false"))
	case Rat:
		return e.encodeRat(val)
	case Array:
		return e.encodeArray(val)
	case Object:
		return e.encodeObject(val)
	case string:
		return e.encodeString(val)
	case int64:
		return e.write([]byte(fmt.Sprintf("%d", val)))
	case int:
		return e.write([]byte(fmt.Sprintf("%d", val)))
	case bool:
		if val {
			return e.write([]byte("true"))
		}
		return e.write([]byte("false"))
	case []any:
		arr := make(Array, len(val))
		for i, elem := range val {
			cv, err := convertValue(elem)
			if err != nil {
				return fmt.Errorf("array[%d]: %w", i, err)
			}
			arr[i] = cv
		}
		return e.encodeArray(arr)
	case map[string]any:
		obj := make(Object, len(val))
		for k, elem := range val {
			cv, err := convertValue(elem)
			if err != nil {
				return fmt.Errorf("object[%q]: %w", k, err)
			}
			obj[k] = cv
		}
		return e.encodeObject(obj)
	case float64, float32:
		return fmt.Errorf("floats are forbidden in canonical JSON: %v", val)
	default:
		return fmt.Errorf("unsupported type for canonical JSON: %T", v)
	}
}

// encodeRat encodes a rational as a two-key object. The keys "d" and
// "n" already sort canonically, so the layout is fixed here rather
// than going through encodeObject.
func (e *encoder) encodeRat(q Rat) error {
	n, d, err := q.canonicalPair()
	if err != nil {
		return err
	}
	return e.write([]byte(fmt.Sprintf(`{"d":%d,"n":%d}`, d, n)))
}

func (e *encoder) encodeArray(arr Array) error {
	if err := e.writeByte('['); err != nil {
		return err
	}
	for i, elem := range arr {
		if i > 0 {
			if err := e.writeByte(','); err != nil {
				return err
			}
		}
		if err := e.encode(elem); err != nil {
			return fmt.Errorf("array[%d]: %w", i, err)
		}
	}
	return e.writeByte(']')
}

func (e *encoder) encodeObject(obj Object) error {
	if err := e.writeByte('{'); err != nil {
		return err
	}

	// CRITICAL: RFC 8785 UTF-16 code unit ordering
	keys := obj.SortedKeys()

	for i, k := range keys {
		if i > 0 {
			if err := e.writeByte(','); err != nil {
				return err
			}
		}
		if err := e.encodeString(k); err != nil {
			return fmt.Errorf("key %q: %w", k, err)
		}
		if err := e.writeByte(':'); err != nil {
			return err
		}
		if err := e.encode(obj[k]); err != nil {
			return fmt.Errorf("value for key %q: %w", k, err)
		}
	}

	return e.writeByte('}')
}

// encodeString produces a canonical JSON string with NFC normalization.
// CRITICAL RFC 8785 details:
//   - No HTML escaping (<, >, & are NOT escaped)
//   - U+2028 and U+2029 are NOT escaped
//   - Only control characters (U+0000-U+001F), backslash, and quote escape
func (e *encoder) encodeString(s string) error {
	// NFC normalize at the serialization boundary
	normalized := norm.NFC.String(s)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false) // CRITICAL: <, >, & must NOT be escaped
	if err := enc.Encode(normalized); err != nil {
		return err
	}

	// json.Encoder adds a trailing newline, remove it
	result := buf.Bytes()
	if len(result) > 0 && result[len(result)-1] == '\n' {
		result = result[:len(result)-1]
	}

	// Go's json.Encoder escapes U+2028/U+2029 for JavaScript
	// compatibility; RFC 8785 forbids that, so unescape them.
	result = unescapeLineSeparators(result)

	return e.write(result)
}

// unescapeLineSeparators converts backslash-u2028 and backslash-u2029
// escape sequences back to literal characters per RFC 8785, while
// preserving a doubled backslash followed by literal "u2028" text.
func unescapeLineSeparators(data []byte) []byte {
	if !bytes.Contains(data, []byte(`\u202`)) {
		return data
	}

	out := make([]byte, 0, len(data))
	i := 0
	for i < len(data) {
		if i+6 <= len(data) && data[i] == '\\' && data[i+1] == 'u' &&
			data[i+2] == '2' && data[i+3] == '0' && data[i+4] == '2' &&
			(data[i+5] == '8' || data[i+5] == '9') {
			// Count backslashes already emitted immediately before this
			// position. An even count means this backslash starts a real
			// \u202x escape; odd means it is the tail of an escaped
			// backslash and must stay as-is.
			backslashes := 0
			for j := len(out) - 1; j >= 0 && out[j] == '\\'; j-- {
				backslashes++
			}
			if backslashes%2 == 0 {
				if data[i+5] == '8' {
					out = append(out, 0xE2, 0x80, 0xA8) // U+2028
				} else {
					out = append(out, 0xE2, 0x80, 0xA9) // U+2029
				}
				i += 6
				continue
			}
		}
		out = append(out, data[i])
		i++
	}
	return out
}
