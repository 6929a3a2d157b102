package engine

import (
	"bytes"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/sitespinner/sitespinner/pkg/alias"
)

// databasesMarker matches the empty $databases assignment that a settings template must
// carry exactly once. Both the array() and [] spellings are accepted.
var databasesMarker = regexp.MustCompile(`(?m)^[ \t]*\$databases[ \t]*=[ \t]*(?:array\([ \t]*\)|\[[ \t]*\])[ \t]*;[ \t]*$`)

// defaultSettingsTemplate is used when the destination names no template.
const defaultSettingsTemplate = "<?php\n\n$databases = array();\n"

// RenderSettings replaces the $databases marker in template with db.
func RenderSettings(template []byte, db alias.Database) ([]byte, error) {
	locs := databasesMarker.FindAllIndex(template, -1)
	switch len(locs) {
	case 0:
		return nil, NewPermanentError("settings template has no empty $databases assignment", nil).
			WithCode(ErrCodeValidation)
	case 1:
	default:
		return nil, NewPermanentError(
			fmt.Sprintf("settings template has %d empty $databases assignments", len(locs)), nil).
			WithCode(ErrCodeValidation)
	}

	var out bytes.Buffer
	out.Write(template[:locs[0][0]])
	out.WriteString(renderDatabases(db))
	out.Write(template[locs[0][1]:])
	return out.Bytes(), nil
}

// renderDatabases emits the assignment in PHP var_export layout. Per-table prefixes
// become a nested prefix array led by the default entry.
func renderDatabases(db alias.Database) string {
	port := ""
	if db.Port != 0 {
		port = strconv.Itoa(db.Port)
	}
	fields := [][2]string{
		{"database", db.Name},
		{"username", db.Username},
		{"password", db.Password},
		{"host", db.Host},
		{"port", port},
		{"driver", db.Driver},
	}

	var b strings.Builder
	b.WriteString("$databases = array (\n")
	b.WriteString("  'default' => \n  array (\n")
	b.WriteString("    'default' => \n    array (\n")
	for _, f := range fields {
		fmt.Fprintf(&b, "      %s => %s,\n", phpString(f[0]), phpString(f[1]))
	}
	if len(db.Prefixes) == 0 {
		fmt.Fprintf(&b, "      'prefix' => %s,\n", phpString(db.Prefix))
	} else {
		tables := make([]string, 0, len(db.Prefixes))
		for table := range db.Prefixes {
			tables = append(tables, table)
		}
		sort.Strings(tables)

		b.WriteString("      'prefix' => \n      array (\n")
		fmt.Fprintf(&b, "        'default' => %s,\n", phpString(db.Prefix))
		for _, table := range tables {
			fmt.Fprintf(&b, "        %s => %s,\n", phpString(table), phpString(db.Prefixes[table]))
		}
		b.WriteString("      ),\n")
	}
	b.WriteString("    ),\n  ),\n);")
	return b.String()
}

// phpString quotes s as a single-quoted PHP literal.
func phpString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	return "'" + s + "'"
}
