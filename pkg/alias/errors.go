package alias

import (
	"fmt"
	"strings"
)

// DuplicateAliasError reports two documents defining the same alias name.
type DuplicateAliasError struct {
	Name   string
	First  string
	Second string
}

func (e *DuplicateAliasError) Error() string {
	if e.First == "" && e.Second == "" {
		return fmt.Sprintf("duplicate alias %q", e.Name)
	}
	return fmt.Sprintf("duplicate alias %q defined in %s and %s", e.Name, e.First, e.Second)
}

// MissingAliasError reports a lookup, or a parent reference, that names no loaded alias.
type MissingAliasError struct {
	Name string
	// ReferencedBy is the alias whose parent field named Name; empty for a direct lookup.
	ReferencedBy string
}

func (e *MissingAliasError) Error() string {
	if e.ReferencedBy != "" {
		return fmt.Sprintf("alias %q (parent of %q) not found", e.Name, e.ReferencedBy)
	}
	return fmt.Sprintf("alias %q not found", e.Name)
}

// CyclicInheritanceError reports a parent chain that revisits an alias.
type CyclicInheritanceError struct {
	// Chain lists the walk in visiting order, ending with the repeated name.
	Chain []string
}

func (e *CyclicInheritanceError) Error() string {
	return fmt.Sprintf("cyclic alias inheritance: %s", strings.Join(e.Chain, " -> "))
}

// AmbiguousAliasError reports a short name that matches aliases in several groups.
type AmbiguousAliasError struct {
	Name       string
	Candidates []string
}

func (e *AmbiguousAliasError) Error() string {
	return fmt.Sprintf("alias %q is ambiguous, candidates: %s", e.Name, strings.Join(e.Candidates, ", "))
}
