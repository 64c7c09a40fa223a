package sqlite

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/samber/lo"

	"github.com/astro-web3/graph-gateway/internal/domain/store"
)

func ident(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func columnType(p store.Property) string {
	if p.List {
		return "TEXT"
	}
	switch p.Kind {
	case store.KindInt, store.KindBoolean:
		return "INTEGER"
	case store.KindFloat:
		return "REAL"
	default:
		return "TEXT"
	}
}

func createTable(l store.Label) string {
	defs := lo.Map(l.Properties, func(p store.Property, _ int) string {
		def := ident(p.Name) + " " + columnType(p)
		if p.Unique {
			def += " UNIQUE"
		}
		return def
	})
	if len(defs) == 0 {
		return "CREATE TABLE IF NOT EXISTS " + ident(l.Name) + " (rowid INTEGER PRIMARY KEY)"
	}
	return "CREATE TABLE IF NOT EXISTS " + ident(l.Name) + " (" + strings.Join(defs, ", ") + ")"
}

// columns renders the select list. An empty list still yields one column so
// the row count is preserved.
func columns(fields []string) string {
	if len(fields) == 0 {
		return "1"
	}
	return strings.Join(lo.Map(fields, func(f string, _ int) string { return ident(f) }), ", ")
}

func selectStatement(l store.Label, plan *store.Plan) (string, []any, error) {
	if err := checkFields(l, plan.Fields); err != nil {
		return "", nil, err
	}
	where, args, err := whereClause(l, plan.Where)
	if err != nil {
		return "", nil, err
	}

	query := "SELECT " + columns(plan.Fields) + " FROM " + ident(l.Name) + where + " ORDER BY rowid"
	switch {
	case plan.Limit > 0:
		query += " LIMIT ? OFFSET ?"
		args = append(args, plan.Limit, plan.Offset)
	case plan.Offset > 0:
		query += " LIMIT -1 OFFSET ?"
		args = append(args, plan.Offset)
	}
	return query, args, nil
}

func whereClause(l store.Label, preds []store.Predicate) (string, []any, error) {
	if len(preds) == 0 {
		return "", nil, nil
	}

	var sb strings.Builder
	var args []any
	for i, p := range preds {
		prop, ok := l.Property(p.Field)
		if !ok {
			return "", nil, fmt.Errorf("unknown field %s.%s", l.Name, p.Field)
		}
		if i == 0 {
			sb.WriteString(" WHERE ")
		} else {
			sb.WriteString(" AND ")
		}

		switch p.Cmp {
		case store.CmpIn:
			values, ok := p.Value.([]any)
			if !ok {
				return "", nil, fmt.Errorf("field %s: in expects a list, got %T", p.Field, p.Value)
			}
			if len(values) == 0 {
				sb.WriteString("0")
				continue
			}
			sb.WriteString(ident(p.Field) + " IN (" + strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ") + ")")
			for _, v := range values {
				args = append(args, encode(prop, v))
			}
		case store.CmpContains:
			sb.WriteString("instr(" + ident(p.Field) + ", ?) > 0")
			args = append(args, p.Value)
		default:
			sb.WriteString(ident(p.Field) + " = ?")
			args = append(args, encode(prop, p.Value))
		}
	}
	return sb.String(), args, nil
}

func insertStatement(l store.Label, input map[string]any) (string, []any, error) {
	if len(input) == 0 {
		return "INSERT INTO " + ident(l.Name) + " DEFAULT VALUES", nil, nil
	}

	names := lo.Keys(input)
	sort.Strings(names)
	if err := checkFields(l, names); err != nil {
		return "", nil, err
	}

	args := make([]any, len(names))
	for i, name := range names {
		prop, _ := l.Property(name)
		args[i] = encode(prop, input[name])
	}

	query := "INSERT INTO " + ident(l.Name) + " (" + columns(names) + ") VALUES (" +
		strings.TrimSuffix(strings.Repeat("?, ", len(names)), ", ") + ")"
	return query, args, nil
}

func checkFields(l store.Label, fields []string) error {
	for _, f := range fields {
		if _, ok := l.Property(f); !ok {
			return fmt.Errorf("unknown field %s.%s", l.Name, f)
		}
	}
	return nil
}

// encode converts a value into its column representation. Lists are stored
// as JSON text.
func encode(p store.Property, v any) any {
	if v == nil {
		return nil
	}
	if p.List {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
	return v
}

func decode(p store.Property, v any) (any, error) {
	if b, ok := v.([]byte); ok {
		v = string(b)
	}
	if v == nil {
		return nil, nil
	}

	if p.List {
		text, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("field %s: list column holds %T", p.Name, v)
		}
		dec := json.NewDecoder(bytes.NewReader([]byte(text)))
		dec.UseNumber()
		var list []any
		if err := dec.Decode(&list); err != nil {
			return nil, fmt.Errorf("field %s: %w", p.Name, err)
		}
		return list, nil
	}

	if p.Kind == store.KindBoolean {
		if n, ok := v.(int64); ok {
			return n != 0, nil
		}
	}
	return v, nil
}

func scanRows(rows *sql.Rows, l store.Label, fields []string) ([]store.Row, error) {
	out := []store.Row{}
	for rows.Next() {
		values := make([]any, max(len(fields), 1))
		ptrs := make([]any, len(values))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, mapError(err)
		}

		row := make(store.Row, len(fields))
		for i, f := range fields {
			prop, _ := l.Property(f)
			v, err := decode(prop, values[i])
			if err != nil {
				return nil, err
			}
			row[f] = v
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return out, nil
}
