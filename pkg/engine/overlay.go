package engine

import "github.com/sitespinner/sitespinner/pkg/alias"

// Overlay deep-merges the destination's variable overrides on top of the values read
// from the live source site. It has no side effects and is idempotent: applying the
// same overrides to its own result changes nothing.
func Overlay(live, overrides alias.Map) alias.Map {
	return alias.MergeMaps(live, overrides)
}
