package neo4j

import (
	"fmt"
	"strings"

	"github.com/astro-web3/graph-gateway/internal/domain/store"
)

// statement is one parameterized Cypher statement.
type statement struct {
	Cypher     string
	Parameters map[string]any
}

func quote(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// compile renders a plan into Cypher. Values are always passed as parameters.
func compile(plan *store.Plan) (statement, error) {
	st := statement{Parameters: map[string]any{}}
	var sb strings.Builder

	switch plan.Operation {
	case store.OpRead:
		fmt.Fprintf(&sb, "MATCH (n:%s)", quote(plan.Label))
		writeWhere(&sb, plan.Where, st.Parameters)
		fmt.Fprintf(&sb, " RETURN %s AS n", projection(plan.Fields))
		if plan.Offset > 0 {
			sb.WriteString(" SKIP $offset")
			st.Parameters["offset"] = plan.Offset
		}
		if plan.Limit > 0 {
			sb.WriteString(" LIMIT $limit")
			st.Parameters["limit"] = plan.Limit
		}
	case store.OpCreate:
		fmt.Fprintf(&sb, "UNWIND $input AS props CREATE (n:%s) SET n = props RETURN %s AS n",
			quote(plan.Label), projection(plan.Fields))
		st.Parameters["input"] = plan.Input
	case store.OpDelete:
		fmt.Fprintf(&sb, "MATCH (n:%s)", quote(plan.Label))
		writeWhere(&sb, plan.Where, st.Parameters)
		fmt.Fprintf(&sb, " DETACH DELETE n RETURN count(n) AS %s", store.CountField)
	default:
		return statement{}, fmt.Errorf("unsupported operation %s", plan.Operation)
	}

	st.Cypher = sb.String()
	return st, nil
}

func writeWhere(sb *strings.Builder, preds []store.Predicate, params map[string]any) {
	for i, p := range preds {
		if i == 0 {
			sb.WriteString(" WHERE ")
		} else {
			sb.WriteString(" AND ")
		}
		param := fmt.Sprintf("p%d", i)
		params[param] = p.Value

		switch p.Cmp {
		case store.CmpIn:
			fmt.Fprintf(sb, "n.%s IN $%s", quote(p.Field), param)
		case store.CmpContains:
			fmt.Fprintf(sb, "n.%s CONTAINS $%s", quote(p.Field), param)
		default:
			fmt.Fprintf(sb, "n.%s = $%s", quote(p.Field), param)
		}
	}
}

func projection(fields []string) string {
	if len(fields) == 0 {
		return "{}"
	}
	items := make([]string, len(fields))
	for i, f := range fields {
		items[i] = "." + quote(f)
	}
	return "n {" + strings.Join(items, ", ") + "}"
}
