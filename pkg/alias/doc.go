// Package alias loads site-alias documents and flattens them along their parent chains.
//
// An alias is a named, inheritable document describing where a site lives (root, uri,
// files directory), how to reach its database and, for destinations, how the site should
// be provisioned. Documents are held as a tagged variant tree (Scalar, List, Map) so that
// inheritance is a pure recursive merge:
//
//   - maps merge key by key, recursing into nested maps
//   - a scalar in the more specific document always wins
//   - a list in the more specific document replaces the inherited list
//
// Typical use:
//
//	store, err := alias.Load(docs...)
//	if err != nil {
//	    return err // *DuplicateAliasError
//	}
//	resolver := alias.NewResolver(store, alias.WithDefaults(alias.Defaults{User: "www"}))
//	dest, err := resolver.Resolve("@sites.peace")
//
// Resolution walks the chain iteratively with a visited set and fails with
// *CyclicInheritanceError or *MissingAliasError before any merge happens.
package alias
