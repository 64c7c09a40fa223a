package graph

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/astro-web3/graph-gateway/internal/domain/store"
)

// coerceValue converts a store or input value to the representation of f.
// nil stays nil.
func coerceValue(f *NodeField, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if !f.List {
		return coerceScalar(f.Kind, v)
	}

	var items []any
	switch list := v.(type) {
	case []any:
		items = list
	case []string:
		items = make([]any, len(list))
		for i, s := range list {
			items[i] = s
		}
	default:
		// A single value is accepted where a list is expected.
		items = []any{v}
	}

	out := make([]any, 0, len(items))
	for _, item := range items {
		c, err := coerceScalar(f.Kind, item)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func coerceScalar(kind store.ScalarKind, v any) (any, error) {
	if v == nil {
		return nil, nil
	}

	switch kind {
	case store.KindString:
		switch x := v.(type) {
		case string:
			return x, nil
		case []byte:
			return string(x), nil
		case json.Number:
			return x.String(), nil
		case int, int32, int64, float64:
			return fmt.Sprint(x), nil
		}
	case store.KindInt:
		switch x := v.(type) {
		case int:
			return int64(x), nil
		case int32:
			return int64(x), nil
		case int64:
			return x, nil
		case float64:
			if x == math.Trunc(x) && !math.IsInf(x, 0) {
				return int64(x), nil
			}
		case json.Number:
			if n, err := x.Int64(); err == nil {
				return n, nil
			}
		}
	case store.KindFloat:
		switch x := v.(type) {
		case float64:
			return x, nil
		case float32:
			return float64(x), nil
		case int:
			return float64(x), nil
		case int64:
			return float64(x), nil
		case json.Number:
			if n, err := x.Float64(); err == nil {
				return n, nil
			}
		}
	case store.KindBoolean:
		switch x := v.(type) {
		case bool:
			return x, nil
		case int64:
			return x != 0, nil
		case int:
			return x != 0, nil
		}
	}

	return nil, fmt.Errorf("cannot represent %T as %s", v, kind)
}

func toInt(v any) (int, bool) {
	c, err := coerceScalar(store.KindInt, v)
	if err != nil || c == nil {
		return 0, false
	}
	return int(c.(int64)), true
}
