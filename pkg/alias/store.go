package alias

import (
	"sort"
	"strings"
)

// Document is one alias as produced by a loader, before indexing.
type Document struct {
	// Name is the alias name without group or leading "@".
	Name string

	// Group is the alias file group (usually the file base name). Optional.
	Group string

	// Origin describes where the document came from, for error messages.
	Origin string

	// Body is the alias document, including an optional "parent" key.
	Body Map
}

// Record is an indexed alias document.
type Record struct {
	Name   string
	Group  string
	Origin string
	Parent string
	Body   Map
}

// FullName returns "group.name", or the bare name for ungrouped aliases.
func (r *Record) FullName() string {
	return qualify(r.Group, r.Name)
}

// Store indexes alias records by qualified name.
type Store struct {
	records map[string]*Record
	byShort map[string][]string
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		records: make(map[string]*Record),
		byShort: make(map[string][]string),
	}
}

// Load indexes docs into a new store.
func Load(docs ...Document) (*Store, error) {
	s := NewStore()
	for _, d := range docs {
		if err := s.Add(d); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add indexes one document. Legacy drush key spellings are normalised on the way in.
func (s *Store) Add(doc Document) error {
	name := strings.TrimPrefix(doc.Name, "@")
	full := qualify(doc.Group, name)
	if existing, ok := s.records[full]; ok {
		return &DuplicateAliasError{Name: full, First: existing.Origin, Second: doc.Origin}
	}

	body := normalizeKeys(doc.Body.Clone())
	parent := ""
	if p, ok := body["parent"].(Scalar); ok {
		parent = p.String()
	}
	delete(body, "parent")

	s.records[full] = &Record{
		Name:   name,
		Group:  doc.Group,
		Origin: doc.Origin,
		Parent: parent,
		Body:   body,
	}
	if doc.Group != "" {
		s.byShort[name] = append(s.byShort[name], full)
	}
	return nil
}

// Names returns every qualified alias name in sorted order.
func (s *Store) Names() []string {
	names := make([]string, 0, len(s.records))
	for n := range s.records {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of records.
func (s *Store) Len() int { return len(s.records) }

// Get looks an alias up by name. The name may carry a leading "@" and may be either
// qualified ("group.name") or, when unique, short ("name").
func (s *Store) Get(name string) (*Record, error) {
	return s.lookup(name, "")
}

// lookup resolves name, preferring an alias in the caller's group.
func (s *Store) lookup(name, group string) (*Record, error) {
	name = strings.TrimPrefix(name, "@")
	if group != "" {
		if r, ok := s.records[qualify(group, name)]; ok {
			return r, nil
		}
	}
	if r, ok := s.records[name]; ok {
		return r, nil
	}
	candidates := s.byShort[name]
	switch len(candidates) {
	case 0:
		return nil, &MissingAliasError{Name: name}
	case 1:
		return s.records[candidates[0]], nil
	default:
		sorted := append([]string(nil), candidates...)
		sort.Strings(sorted)
		return nil, &AmbiguousAliasError{Name: name, Candidates: sorted}
	}
}

func qualify(group, name string) string {
	if group == "" {
		return name
	}
	return group + "." + name
}

var legacyKeys = map[string]string{
	"sitespinner-destination": KeyDestination,
	"create-domain":           KeyDomainBinding,
}

// normalizeKeys renames drush-era keys at the top level and inside destination-config.
func normalizeKeys(body Map) Map {
	for old, current := range legacyKeys {
		v, ok := body[old]
		if !ok {
			continue
		}
		delete(body, old)
		if existing, ok := body[current]; ok {
			body[current] = Merge(v, existing)
		} else {
			body[current] = v
		}
	}
	if dest, ok := body[KeyDestination].(Map); ok {
		body[KeyDestination] = normalizeKeys(dest)
	}
	return body
}
