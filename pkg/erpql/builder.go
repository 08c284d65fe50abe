// Package erpql builds query fragments for the ERP generic-query endpoint.
package erpql

import (
	"fmt"
	"math"
	"net/url"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/kiranshivaraju/approvalhub/internal/apperr"
	"github.com/shopspring/decimal"
)

// SoftDeletePredicate excludes rows the ERP has flagged as deleted. It is
// always the first predicate of every where fragment.
const SoftDeletePredicate = "D_E_L_E_T_ <> '*'"

const (
	DefaultPageSize = 100
	MaxPageSize     = 1000
)

// erpDateLayout is the ERP's on-disk date format.
const erpDateLayout = "20060102"

var identifierRe = regexp.MustCompile(`^[A-Z][A-Za-z0-9_]{0,63}$`)

// Operator is a comparison supported by the generic query endpoint.
type Operator string

const (
	OpEq      Operator = "eq"
	OpLike    Operator = "like"
	OpGt      Operator = "gt"
	OpLt      Operator = "lt"
	OpGte     Operator = "gte"
	OpLte     Operator = "lte"
	OpIn      Operator = "in"
	OpBetween Operator = "between"
)

var sqlOperators = map[Operator]string{
	OpEq:   "=",
	OpLike: "LIKE",
	OpGt:   ">",
	OpLt:   "<",
	OpGte:  ">=",
	OpLte:  "<=",
}

// Condition is one typed filter. In takes a slice; Between takes a slice of
// exactly two bounds.
type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
}

// Order is one ordering term.
type Order struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc"`
}

// Options describes a generic query before validation.
type Options struct {
	Table      string
	Fields     []string
	Conditions []Condition
	OrderBy    []Order
	Page       int
	PageSize   int
}

// Query is a validated generic query. Dropped lists field and order names
// removed by validation; it is not sent to the ERP.
type Query struct {
	Tables   string
	Fields   string
	Where    string
	OrderBy  string
	Page     int
	PageSize int
	Dropped  []string
}

// Values returns the query as endpoint parameters.
func (q Query) Values() url.Values {
	v := url.Values{
		"tables":   {q.Tables},
		"fields":   {q.Fields},
		"where":    {q.Where},
		"page":     {strconv.Itoa(q.Page)},
		"pageSize": {strconv.Itoa(q.PageSize)},
	}
	if q.OrderBy != "" {
		v.Set("orderBy", q.OrderBy)
	}
	return v
}

// String returns the URL-encoded query string sent to the ERP.
func (q Query) String() string {
	return q.Values().Encode()
}

// QueryBuilder constructs safe generic-query strings.
// All methods are pure functions with no side effects.
// Zero value is ready to use.
type QueryBuilder struct{}

// Build validates opts and renders the query. An invalid table, condition
// field, operator or value fails the whole call with apperr.ErrValidation;
// invalid names in the field and order lists are dropped.
func (b QueryBuilder) Build(opts Options) (Query, error) {
	if !ValidIdentifier(opts.Table) {
		return Query{}, apperr.Validation("invalid table name %q", opts.Table)
	}

	q := Query{Tables: opts.Table}

	fields := make([]string, 0, len(opts.Fields))
	for _, f := range opts.Fields {
		if !ValidIdentifier(f) {
			q.Dropped = append(q.Dropped, f)
			continue
		}
		fields = append(fields, f)
	}
	if len(fields) == 0 {
		q.Fields = "*"
	} else {
		q.Fields = strings.Join(fields, ",")
	}

	where, err := b.buildWhere(opts.Conditions)
	if err != nil {
		return Query{}, err
	}
	q.Where = where

	orderBy, dropped := b.buildOrderBy(opts.OrderBy)
	q.OrderBy = orderBy
	q.Dropped = append(q.Dropped, dropped...)

	q.Page, q.PageSize = normalizePage(opts.Page, opts.PageSize)
	return q, nil
}

func (b QueryBuilder) buildWhere(conds []Condition) (string, error) {
	parts := make([]string, 0, len(conds)+1)
	parts = append(parts, SoftDeletePredicate)
	for i, c := range conds {
		p, err := b.buildCondition(c)
		if err != nil {
			return "", fmt.Errorf("condition %d: %w", i, err)
		}
		parts = append(parts, p)
	}
	return strings.Join(parts, " AND "), nil
}

func (b QueryBuilder) buildCondition(c Condition) (string, error) {
	if !ValidIdentifier(c.Field) {
		return "", apperr.Validation("invalid field name %q", c.Field)
	}

	switch c.Operator {
	case OpEq, OpLike, OpGt, OpLt, OpGte, OpLte:
		lit, err := Literal(c.Value)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s %s %s", c.Field, sqlOperators[c.Operator], lit), nil

	case OpIn:
		values, err := sliceValues(c.Value)
		if err != nil {
			return "", err
		}
		if len(values) == 0 {
			return "", apperr.Validation("operator in on %s needs at least one value", c.Field)
		}
		lits := make([]string, len(values))
		for i, v := range values {
			if lits[i], err = Literal(v); err != nil {
				return "", err
			}
		}
		return fmt.Sprintf("%s IN (%s)", c.Field, strings.Join(lits, ",")), nil

	case OpBetween:
		values, err := sliceValues(c.Value)
		if err != nil {
			return "", err
		}
		if len(values) != 2 {
			return "", apperr.Validation("operator between on %s needs exactly two values, got %d", c.Field, len(values))
		}
		lo, err := Literal(values[0])
		if err != nil {
			return "", err
		}
		hi, err := Literal(values[1])
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s BETWEEN %s AND %s", c.Field, lo, hi), nil
	}

	return "", apperr.Validation("unsupported operator %q", c.Operator)
}

func (b QueryBuilder) buildOrderBy(orders []Order) (string, []string) {
	var terms, dropped []string
	for _, o := range orders {
		if !ValidIdentifier(o.Field) {
			dropped = append(dropped, o.Field)
			continue
		}
		if o.Desc {
			terms = append(terms, o.Field+" DESC")
		} else {
			terms = append(terms, o.Field)
		}
	}
	return strings.Join(terms, ","), dropped
}

func normalizePage(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}
	return page, size
}

// ValidIdentifier reports whether name is an acceptable table or field name:
// an upper-case letter followed by letters, digits or underscores.
func ValidIdentifier(name string) bool {
	return identifierRe.MatchString(name)
}

var escaper = strings.NewReplacer(
	`\`, `\\`,
	`'`, `''`,
	"\x00", `\0`,
	"\n", `\n`,
	"\r", `\r`,
	"\x1a", `\Z`,
)

// Escape prepares s for use inside a single-quoted literal. Every value the
// builder renders goes through here.
func Escape(s string) string {
	return escaper.Replace(s)
}

// Quote returns s as an escaped single-quoted literal.
func Quote(s string) string {
	return "'" + Escape(s) + "'"
}

// Literal renders a condition value. Strings, dates and Stringers are quoted;
// numbers are rendered bare.
func Literal(v any) (string, error) {
	switch v := v.(type) {
	case string:
		return Quote(v), nil
	case int:
		return strconv.FormatInt(int64(v), 10), nil
	case int8:
		return strconv.FormatInt(int64(v), 10), nil
	case int16:
		return strconv.FormatInt(int64(v), 10), nil
	case int32:
		return strconv.FormatInt(int64(v), 10), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case uint:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint64:
		return strconv.FormatUint(v, 10), nil
	case float32:
		return formatFloat(float64(v))
	case float64:
		return formatFloat(v)
	case decimal.Decimal:
		return v.String(), nil
	case time.Time:
		return Quote(v.Format(erpDateLayout)), nil
	case fmt.Stringer:
		return Quote(v.String()), nil
	case nil:
		return "", apperr.Validation("condition value is required")
	}
	return "", apperr.Validation("unsupported condition value type %T", v)
}

func formatFloat(f float64) (string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", apperr.Validation("condition value %v is not a finite number", f)
	}
	return strconv.FormatFloat(f, 'f', -1, 64), nil
}

// sliceValues flattens any slice or array value into []any.
func sliceValues(v any) ([]any, error) {
	if v == nil {
		return nil, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, apperr.Validation("expected a list value, got %T", v)
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, nil
}
