package database

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/elliotchance/phpserialize"

	"github.com/sitespinner/sitespinner/pkg/alias"
)

// EncodeVariable PHP-serializes v the way the CMS stores variable values.
func EncodeVariable(v alias.Value) ([]byte, error) {
	data, err := phpserialize.Marshal(alias.ToNative(v), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize variable: %w", err)
	}
	return data, nil
}

// DecodeVariable parses a PHP-serialized value. Arrays with keys 0..n-1 become
// lists; objects and other types without a native form are kept as their raw text.
func DecodeVariable(data []byte) (alias.Value, error) {
	if len(data) == 0 {
		return alias.Scalar{}, nil
	}

	var native interface{}
	switch data[0] {
	case 'N':
		native = nil
	case 's':
		var s string
		if err := phpserialize.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("failed to decode string: %w", err)
		}
		native = s
	case 'i':
		var i int64
		if err := phpserialize.Unmarshal(data, &i); err != nil {
			return nil, fmt.Errorf("failed to decode integer: %w", err)
		}
		native = i
	case 'd':
		var f float64
		if err := phpserialize.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("failed to decode float: %w", err)
		}
		native = f
	case 'b':
		var b bool
		if err := phpserialize.Unmarshal(data, &b); err != nil {
			return nil, fmt.Errorf("failed to decode boolean: %w", err)
		}
		native = b
	case 'a':
		arr, err := phpserialize.UnmarshalAssociativeArray(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode array: %w", err)
		}
		native = fromPHPArray(arr)
	default:
		native = string(data)
	}

	return alias.FromNative(native)
}

// fromPHPArray turns index-keyed arrays back into slices.
func fromPHPArray(arr map[interface{}]interface{}) interface{} {
	list := make([]interface{}, len(arr))
	sequential := true
	for k := range arr {
		i, ok := k.(int64)
		if !ok || i < 0 || i >= int64(len(arr)) {
			sequential = false
			break
		}
	}

	out := make(map[string]interface{}, len(arr))
	for k, v := range arr {
		if nested, ok := v.(map[interface{}]interface{}); ok {
			v = fromPHPArray(nested)
		}
		if sequential {
			list[k.(int64)] = v
			continue
		}
		out[fmt.Sprint(k)] = v
	}

	if sequential && len(arr) > 0 {
		return list
	}
	return out
}

// variableTable runs the variable queries shared by every SQL engine.
type variableTable struct {
	table  string
	upsert string
}

func newVariableTable(db alias.Database, upsertTemplate string) variableTable {
	table := db.Table("variable")
	return variableTable{
		table:  table,
		upsert: fmt.Sprintf(upsertTemplate, table),
	}
}

func (t variableTable) read(ctx context.Context, conn *sql.DB, names []string) (alias.Map, error) {
	out := alias.Map{}
	if len(names) == 0 {
		return out, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(names)), ",")
	args := make([]interface{}, len(names))
	for i, name := range names {
		args[i] = name
	}

	query := fmt.Sprintf("SELECT name, value FROM %s WHERE name IN (%s)", t.table, placeholders)
	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read variables: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		var raw []byte
		if err := rows.Scan(&name, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan variable: %w", err)
		}
		value, err := DecodeVariable(raw)
		if err != nil {
			return nil, fmt.Errorf("variable %s: %w", name, err)
		}
		out[name] = value
	}

	return out, rows.Err()
}

func (t variableTable) write(ctx context.Context, conn *sql.DB, vars alias.Map) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, name := range vars.Keys() {
		data, err := EncodeVariable(vars[name])
		if err != nil {
			return fmt.Errorf("variable %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, t.upsert, name, data); err != nil {
			return fmt.Errorf("failed to write variable %s: %w", name, err)
		}
	}

	return tx.Commit()
}

func (t variableTable) delete(ctx context.Context, conn *sql.DB, names []string) error {
	if len(names) == 0 {
		return nil
	}

	sorted := append([]string(nil), names...)
	sort.Strings(sorted)

	query := fmt.Sprintf("DELETE FROM %s WHERE name = ?", t.table)
	for _, name := range sorted {
		if _, err := conn.ExecContext(ctx, query, name); err != nil {
			return fmt.Errorf("failed to delete variable %s: %w", name, err)
		}
	}
	return nil
}
