// Package bencode implements the bencoding grammar used by .torrent files
// and tracker responses: a tagged union of integer, byte-string, list and
// dictionary, with no reflection and no schema.
package bencode

import "sort"

// Kind tags which variant a Value holds.
type Kind uint8

const (
	KindInt Kind = iota
	KindString
	KindList
	KindDict
)

// Value is a bencoded value. Exactly one of Int, Str, List, Dict is
// meaningful, selected by Kind. Using one struct with a kind tag instead of
// an interface with four implementations keeps the grammar's sum-type
// nature explicit rather than simulating it with dynamic dispatch.
type Value struct {
	Kind Kind
	Int  int64
	Str  []byte
	List []Value
	Dict map[string]Value
}

// Integer constructs an integer Value.
func Integer(n int64) Value { return Value{Kind: KindInt, Int: n} }

// String constructs a byte-string Value from raw bytes (not necessarily
// UTF-8).
func String(b []byte) Value { return Value{Kind: KindString, Str: append([]byte(nil), b...)} }

// Text constructs a byte-string Value from a Go string.
func Text(s string) Value { return String([]byte(s)) }

// List constructs a list Value.
func List(items ...Value) Value { return Value{Kind: KindList, List: items} }

// Dict constructs a dictionary Value from a key -> Value map.
func Dict(m map[string]Value) Value { return Value{Kind: KindDict, Dict: m} }

// IsInt, IsString, IsList, IsDict report the Value's variant.
func (v Value) IsInt() bool    { return v.Kind == KindInt }
func (v Value) IsString() bool { return v.Kind == KindString }
func (v Value) IsList() bool   { return v.Kind == KindList }
func (v Value) IsDict() bool   { return v.Kind == KindDict }

// Lookup returns the value at key in a dictionary Value, and whether it
// was present. It is a no-op returning (zero, false) for non-dict values.
func (v Value) Lookup(key string) (Value, bool) {
	if v.Kind != KindDict {
		return Value{}, false
	}
	val, ok := v.Dict[key]
	return val, ok
}

// sortedKeys returns a dict's keys in the lexicographic order bencode
// requires on encode.
func sortedKeys(m map[string]Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
