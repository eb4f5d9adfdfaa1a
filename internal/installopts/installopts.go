// Package installopts parses the ks_meta, kernel_options and
// kernel_options_post strings of a recipe.
//
// Each string is a whitespace separated list of tokens: "key", "key=value"
// or "!key". Values may be quoted with single or double quotes. A key may
// repeat, in which case it collects every value in order. "!key" asks for a
// default to be dropped, so no string of a recipe may both set and negate
// the same key.
package installopts

import (
	"fmt"
	"slices"
	"strings"
)

// SyntaxError points at the token that could not be parsed.
type SyntaxError struct {
	Source string
	Token  string
	Msg    string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("%s: %s in %q", e.Source, e.Msg, e.Token)
}

// ConflictError reports a key that Source negates while Other sets it.
// Other is empty when both happen in the same string.
type ConflictError struct {
	Source string
	Key    string
	Other  string
}

func (e *ConflictError) Error() string {
	if e.Other == "" {
		return fmt.Sprintf("%s: %q is both set and negated", e.Source, e.Key)
	}
	return fmt.Sprintf("%s: %q is negated but set in %s", e.Source, e.Key, e.Other)
}

// Values is one parsed option string. Keys keep first-seen order.
type Values struct {
	keys    []string
	values  map[string][]*string
	negated []string
}

// Get returns the last value of key. ok is false when the key is absent;
// a bare key yields "", true.
func (v Values) Get(key string) (string, bool) {
	vals, ok := v.values[key]
	if !ok || len(vals) == 0 {
		return "", ok
	}
	last := vals[len(vals)-1]
	if last == nil {
		return "", true
	}
	return *last, true
}

// Has reports whether key is set.
func (v Values) Has(key string) bool {
	_, ok := v.values[key]
	return ok
}

// Negated reports whether the string carried "!key".
func (v Values) Negated(key string) bool {
	return slices.Contains(v.negated, key)
}

func (v Values) Keys() []string {
	return append([]string(nil), v.keys...)
}

func (v Values) Len() int {
	return len(v.keys)
}

func (v *Values) add(key string, value *string) {
	if v.values == nil {
		v.values = map[string][]*string{}
	}
	if _, ok := v.values[key]; !ok {
		v.keys = append(v.keys, key)
	}
	v.values[key] = append(v.values[key], value)
}

// String renders the values back into the token grammar.
func (v Values) String() string {
	var parts []string
	for _, k := range v.keys {
		for _, val := range v.values[k] {
			if val == nil {
				parts = append(parts, k)
				continue
			}
			parts = append(parts, k+"="+quote(*val))
		}
	}
	for _, k := range v.negated {
		parts = append(parts, "!"+k)
	}
	return strings.Join(parts, " ")
}

func quote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n'\"\\") {
		return s
	}
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s) + `"`
}

// Parse parses a single option string. source names it in errors.
func Parse(source, s string) (Values, error) {
	var v Values
	tokens, err := split(source, s)
	if err != nil {
		return v, err
	}
	for _, tok := range tokens {
		if strings.HasPrefix(tok.text, "!") {
			key := tok.text[1:]
			if key == "" {
				return v, &SyntaxError{Source: source, Token: tok.raw, Msg: "missing key after !"}
			}
			if tok.hasValue {
				return v, &SyntaxError{Source: source, Token: tok.raw, Msg: "negated key cannot carry a value"}
			}
			if !slices.Contains(v.negated, key) {
				v.negated = append(v.negated, key)
			}
			continue
		}
		if tok.text == "" {
			return v, &SyntaxError{Source: source, Token: tok.raw, Msg: "missing key"}
		}
		if tok.hasValue {
			val := tok.value
			v.add(tok.text, &val)
		} else {
			v.add(tok.text, nil)
		}
	}
	for _, key := range v.negated {
		if v.Has(key) {
			return v, &ConflictError{Source: source, Key: key}
		}
	}
	return v, nil
}

type token struct {
	raw      string
	text     string
	value    string
	hasValue bool
}

// split breaks s into tokens honouring quotes and backslash escapes. The
// first unquoted '=' separates the key from its value.
func split(source, s string) ([]token, error) {
	var (
		out     []token
		cur     token
		buf     strings.Builder
		quoteCh rune
		inToken bool
		start   int
	)
	flush := func(end int) {
		if !inToken {
			return
		}
		if cur.hasValue {
			cur.value = buf.String()
		} else {
			cur.text = buf.String()
		}
		cur.raw = s[start:end]
		out = append(out, cur)
		cur = token{}
		buf.Reset()
		inToken = false
	}
	runes := []rune(s)
	offsets := make([]int, 0, len(runes)+1)
	for i := range s {
		offsets = append(offsets, i)
	}
	offsets = append(offsets, len(s))
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case quoteCh != 0:
			switch {
			case r == quoteCh:
				quoteCh = 0
			case r == '\\' && quoteCh == '"' && i+1 < len(runes):
				i++
				buf.WriteRune(runes[i])
			default:
				buf.WriteRune(r)
			}
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			flush(offsets[i])
		default:
			if !inToken {
				inToken = true
				start = offsets[i]
			}
			switch {
			case r == '\'' || r == '"':
				quoteCh = r
			case r == '\\' && i+1 < len(runes):
				i++
				buf.WriteRune(runes[i])
			case r == '=' && !cur.hasValue:
				cur.text = buf.String()
				cur.hasValue = true
				buf.Reset()
			default:
				buf.WriteRune(r)
			}
		}
	}
	if quoteCh != 0 {
		return nil, &SyntaxError{Source: source, Token: s[start:], Msg: "unterminated quote"}
	}
	flush(len(s))
	return out, nil
}

// Options are the three parsed option strings of a recipe.
type Options struct {
	KSMeta            Values
	KernelOptions     Values
	KernelOptionsPost Values
}

// FromStrings parses all three strings, failing on the first syntax error
// or conflicting key. A key negated in one string conflicts with the same
// key set in any of them.
func FromStrings(ksMeta, kernelOptions, kernelOptionsPost string) (Options, error) {
	var (
		o   Options
		err error
	)
	if o.KSMeta, err = Parse("ks_meta", ksMeta); err != nil {
		return o, err
	}
	if o.KernelOptions, err = Parse("kernel_options", kernelOptions); err != nil {
		return o, err
	}
	if o.KernelOptionsPost, err = Parse("kernel_options_post", kernelOptionsPost); err != nil {
		return o, err
	}
	sources := []struct {
		name string
		v    Values
	}{
		{"ks_meta", o.KSMeta},
		{"kernel_options", o.KernelOptions},
		{"kernel_options_post", o.KernelOptionsPost},
	}
	for _, neg := range sources {
		for _, key := range neg.v.negated {
			for _, set := range sources {
				if set.v.Has(key) {
					return o, &ConflictError{Source: neg.name, Key: key, Other: set.name}
				}
			}
		}
	}
	return o, nil
}
