package alias

import (
	"fmt"
	"sort"
	"strconv"
)

// Kind identifies the variant held by a Value.
type Kind int

const (
	// KindScalar is a leaf: string, bool, integer, float or null.
	KindScalar Kind = iota

	// KindList is an ordered sequence. Lists are replaced, never merged.
	KindList

	// KindMap is a string-keyed mapping. Maps merge key by key.
	KindMap
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Value is a node of an alias document.
type Value interface {
	Kind() Kind
	clone() Value
}

// Scalar is a leaf value. V holds string, bool, int64, float64 or nil.
type Scalar struct {
	V interface{}
}

// List is an ordered sequence of values.
type List []Value

// Map is a string-keyed mapping of values.
type Map map[string]Value

func (Scalar) Kind() Kind { return KindScalar }
func (List) Kind() Kind   { return KindList }
func (Map) Kind() Kind    { return KindMap }

func (s Scalar) clone() Value { return s }

func (l List) clone() Value {
	out := make(List, len(l))
	for i, v := range l {
		out[i] = cloneValue(v)
	}
	return out
}

func (m Map) clone() Value {
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v Value) Value {
	if v == nil {
		return nil
	}
	return v.clone()
}

// Clone returns a deep copy of the map.
func (m Map) Clone() Map {
	if m == nil {
		return Map{}
	}
	return m.clone().(Map)
}

// Keys returns the map keys in sorted order.
func (m Map) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Lookup follows path through nested maps.
func (m Map) Lookup(path ...string) (Value, bool) {
	var cur Value = m
	for _, key := range path {
		mm, ok := cur.(Map)
		if !ok {
			return nil, false
		}
		cur, ok = mm[key]
		if !ok {
			return nil, false
		}
	}
	return cur, cur != nil
}

// Submap returns the map found at path, or nil when the path is absent or not a map.
func (m Map) Submap(path ...string) Map {
	v, ok := m.Lookup(path...)
	if !ok {
		return nil
	}
	mm, _ := v.(Map)
	return mm
}

// String returns the scalar at path rendered as a string.
func (m Map) String(path ...string) string {
	v, ok := m.Lookup(path...)
	if !ok {
		return ""
	}
	s, ok := v.(Scalar)
	if !ok {
		return ""
	}
	return s.String()
}

// String renders the scalar. Null renders as the empty string.
func (s Scalar) String() string {
	switch v := s.V.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// FromNative converts decoded YAML/JSON/CUE/Starlark data into a Value tree.
func FromNative(in interface{}) (Value, error) {
	switch v := in.(type) {
	case nil:
		return Scalar{}, nil
	case Value:
		return cloneValue(v), nil
	case string:
		return Scalar{V: v}, nil
	case bool:
		return Scalar{V: v}, nil
	case int:
		return Scalar{V: int64(v)}, nil
	case int32:
		return Scalar{V: int64(v)}, nil
	case int64:
		return Scalar{V: v}, nil
	case uint:
		return Scalar{V: int64(v)}, nil
	case uint32:
		return Scalar{V: int64(v)}, nil
	case uint64:
		return Scalar{V: int64(v)}, nil
	case float32:
		return Scalar{V: float64(v)}, nil
	case float64:
		return Scalar{V: v}, nil
	case []interface{}:
		out := make(List, 0, len(v))
		for i, item := range v {
			cv, err := FromNative(item)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out = append(out, cv)
		}
		return out, nil
	case []string:
		out := make(List, 0, len(v))
		for _, item := range v {
			out = append(out, Scalar{V: item})
		}
		return out, nil
	case map[string]interface{}:
		out := make(Map, len(v))
		for k, item := range v {
			cv, err := FromNative(item)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = cv
		}
		return out, nil
	case map[interface{}]interface{}:
		out := make(Map, len(v))
		for k, item := range v {
			key := fmt.Sprint(k)
			cv, err := FromNative(item)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			out[key] = cv
		}
		return out, nil
	case map[string]string:
		out := make(Map, len(v))
		for k, item := range v {
			out[k] = Scalar{V: item}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", in)
	}
}

// MapFromNative is FromNative for documents whose top level must be a mapping.
func MapFromNative(in interface{}) (Map, error) {
	v, err := FromNative(in)
	if err != nil {
		return nil, err
	}
	m, ok := v.(Map)
	if !ok {
		return nil, fmt.Errorf("expected a mapping, got %s", v.Kind())
	}
	return m, nil
}

// ToNative converts a Value tree back into plain Go maps, slices and scalars.
func ToNative(v Value) interface{} {
	switch t := v.(type) {
	case nil:
		return nil
	case Scalar:
		return t.V
	case List:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = ToNative(item)
		}
		return out
	case Map:
		out := make(map[string]interface{}, len(t))
		for k, item := range t {
			out[k] = ToNative(item)
		}
		return out
	default:
		return nil
	}
}
