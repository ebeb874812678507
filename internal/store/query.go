package store

import (
	"fmt"
	"strings"
)

// Select describes a single-table listing query.
//
// Compile always emits an ORDER BY so listings are deterministic. Values are
// never interpolated; every filter becomes a ? placeholder.
type Select struct {
	From    string
	Columns string
	Where   []Eq
	OrderBy []Order
	Limit   int
}

// Eq is an equality filter on one column. Filters with an empty value and
// OmitEmpty set are dropped, which lets callers pass optional filters as-is.
type Eq struct {
	Column    string
	Value     any
	OmitEmpty bool
}

// Order is one ORDER BY key.
type Order struct {
	Column string
	Desc   bool
}

// Where returns an equality filter that is skipped when value is "".
func Where(column, value string) Eq {
	return Eq{Column: column, Value: value, OmitEmpty: true}
}

// Compile renders the query and its parameters.
func (s Select) Compile() (string, []any, error) {
	if !isIdent(s.From) {
		return "", nil, fmt.Errorf("invalid table %q", s.From)
	}
	if len(s.OrderBy) == 0 {
		return "", nil, fmt.Errorf("select from %s: order by is required", s.From)
	}

	columns := s.Columns
	if columns == "" {
		columns = "*"
	}

	var (
		b      strings.Builder
		params []any
		conds  []string
	)
	fmt.Fprintf(&b, "SELECT %s FROM %s", columns, s.From)

	for _, eq := range s.Where {
		if !isIdent(eq.Column) {
			return "", nil, fmt.Errorf("invalid column %q", eq.Column)
		}
		if eq.OmitEmpty && isEmpty(eq.Value) {
			continue
		}
		conds = append(conds, eq.Column+" = ?")
		params = append(params, eq.Value)
	}
	if len(conds) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(conds, " AND "))
	}

	keys := make([]string, 0, len(s.OrderBy))
	for _, o := range s.OrderBy {
		if !isIdent(o.Column) {
			return "", nil, fmt.Errorf("invalid order column %q", o.Column)
		}
		dir := "ASC"
		if o.Desc {
			dir = "DESC"
		}
		keys = append(keys, o.Column+" "+dir)
	}
	b.WriteString(" ORDER BY ")
	b.WriteString(strings.Join(keys, ", "))

	if s.Limit > 0 {
		b.WriteString(" LIMIT ?")
		params = append(params, s.Limit)
	}

	return b.String(), params, nil
}

// ClampLimit applies a default for non-positive limits and caps the rest.
func ClampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

func isEmpty(v any) bool {
	switch v := v.(type) {
	case nil:
		return true
	case string:
		return v == ""
	case fmt.Stringer:
		return v.String() == ""
	}
	return false
}

// isIdent accepts lower-case SQL identifiers only.
func isIdent(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r == '_':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
