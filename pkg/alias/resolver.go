package alias

import "errors"

// Defaults carries environment-derived values that alias documents may omit.
type Defaults struct {
	// User owns written files when server-environment names no user.
	User string

	// Group owns written files when server-environment names no group.
	Group string
}

// Resolver flattens aliases held in a Store.
type Resolver struct {
	store    *Store
	defaults Defaults
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithDefaults sets the values used for omitted ownership fields.
func WithDefaults(d Defaults) ResolverOption {
	return func(r *Resolver) {
		r.defaults = d
	}
}

// NewResolver creates a resolver over store.
func NewResolver(store *Store, opts ...ResolverOption) *Resolver {
	r := &Resolver{store: store}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Chain returns the records from name up to its root ancestor, most specific first.
func (r *Resolver) Chain(name string) ([]*Record, error) {
	rec, err := r.store.Get(name)
	if err != nil {
		return nil, err
	}

	var (
		chain   []*Record
		visited = make(map[string]bool)
		walk    []string
	)
	for {
		full := rec.FullName()
		walk = append(walk, full)
		if visited[full] {
			return nil, &CyclicInheritanceError{Chain: walk}
		}
		visited[full] = true
		chain = append(chain, rec)

		if rec.Parent == "" {
			return chain, nil
		}
		parent, err := r.store.lookup(rec.Parent, rec.Group)
		if err != nil {
			var missing *MissingAliasError
			if errors.As(err, &missing) {
				missing.ReferencedBy = full
			}
			return nil, err
		}
		rec = parent
	}
}

// Resolve flattens name into a ResolvedAlias, root ancestor merged first.
func (r *Resolver) Resolve(name string) (*ResolvedAlias, error) {
	chain, err := r.Chain(name)
	if err != nil {
		return nil, err
	}

	doc := Map{}
	names := make([]string, 0, len(chain))
	for i := len(chain) - 1; i >= 0; i-- {
		doc = Merge(doc, chain[i].Body).(Map)
		names = append(names, chain[i].FullName())
	}

	return &ResolvedAlias{
		Name:     chain[0].FullName(),
		Chain:    names,
		Doc:      doc,
		defaults: r.defaults,
	}, nil
}

// ResolveAll resolves every alias in the store, returning the first failure per name.
func (r *Resolver) ResolveAll() (map[string]*ResolvedAlias, map[string]error) {
	resolved := make(map[string]*ResolvedAlias)
	failed := make(map[string]error)
	for _, name := range r.store.Names() {
		ra, err := r.Resolve(name)
		if err != nil {
			failed[name] = err
			continue
		}
		resolved[name] = ra
	}
	return resolved, failed
}
