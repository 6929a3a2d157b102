package alias

// Merge combines base with the more specific override and returns a new tree.
// Neither input is modified.
//
// When both sides are maps the result holds every key of either side, recursing where
// both define the key. In every other case the override wins outright, which makes
// lists replace wholesale and scalars replace whatever they shadow.
func Merge(base, override Value) Value {
	if override == nil {
		return cloneValue(base)
	}
	bm, baseIsMap := base.(Map)
	om, overrideIsMap := override.(Map)
	if !baseIsMap || !overrideIsMap {
		return cloneValue(override)
	}

	out := make(Map, len(bm)+len(om))
	for k, v := range bm {
		out[k] = cloneValue(v)
	}
	for k, v := range om {
		if existing, ok := out[k]; ok {
			out[k] = Merge(existing, v)
			continue
		}
		out[k] = cloneValue(v)
	}
	return out
}

// MergeMaps folds docs left to right, least specific first.
func MergeMaps(docs ...Map) Map {
	out := Map{}
	for _, d := range docs {
		if d == nil {
			continue
		}
		out = Merge(out, d).(Map)
	}
	return out
}
