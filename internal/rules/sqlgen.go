package rules

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Expression rules accept a single, narrow query shape:
//
//	select <agg>(<column>) from <category> where <col> <op> <literal> [and ...]
//
// The text is never executed as submitted. It is parsed into a
// CompiledExpression whose identifiers are checked against the introspected
// schema and whose literals travel as bind parameters; SQL is rendered from
// the compiled form only at the store boundary.

// categoryTables maps the category tokens operators may reference to the
// physical tables they resolve to. Substitution is whole-token, so a column
// that happens to contain a category name is left alone.
var categoryTables = map[string]string{
	"transaction_history": "transactions",
	"anomaly_history":     "anomalies",
}

// AggFunc is the set of aggregates an expression rule may compute.
type AggFunc string

const (
	AggSum   AggFunc = "sum"
	AggCount AggFunc = "count"
	AggAvg   AggFunc = "avg"
	AggMin   AggFunc = "min"
	AggMax   AggFunc = "max"
)

// Filter is one predicate of an expression's scoping clause.
type Filter struct {
	Column string
	Op     Conditional
	Value  string // literal as written, without quotes
	Quoted bool   // literal was a quoted string
}

// CompiledExpression is the validated internal form of an expression rule.
type CompiledExpression struct {
	Func       AggFunc
	Column     string // "*" only for count
	Table      string
	Filters    []Filter
	ResultType DataType
}

var (
	identPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)
	selectShape  = regexp.MustCompile(`(?is)^\s*select\s+(\w+)\s*\(\s*(\*|[a-z0-9_]+)\s*\)\s+from\s+([a-z0-9_]+)\s+where\s+(.+?)\s*;?\s*$`)
	// A predicate comparing two literals is always-true (or always-false) and
	// therefore unbounded; reject the whole expression. The scan runs over
	// text with quoted-literal contents blanked, so an operator inside a
	// string literal never counts.
	tautologyPattern = regexp.MustCompile(`(?i)('[^']*'|\b\d+(?:\.\d+)?)\s*(?:=|<>|!=|<=|>=|<|>)\s*('[^']*'|\d+(?:\.\d+)?\b)`)
	quotedLiteral    = regexp.MustCompile(`'(?:[^']|'')*'`)
	filterPattern    = regexp.MustCompile(`(?i)^\s*([a-z0-9_]+)\s*(<=|>=|<>|!=|=|<|>)\s*('(?:[^']|'')*'|-?\d+(?:\.\d+)?)\s*$`)
	wherePattern     = regexp.MustCompile(`(?i)\bwhere\b`)
)

// categoryPatterns holds the precompiled whole-token matcher per category.
var categoryPatterns = func() map[string]*regexp.Regexp {
	m := make(map[string]*regexp.Regexp, len(categoryTables))
	for category := range categoryTables {
		m[category] = regexp.MustCompile(`\b` + regexp.QuoteMeta(category) + `\b`)
	}
	return m
}()

var sqlOpConditionals = map[string]Conditional{
	">":  GreaterThan,
	"<":  LessThan,
	"=":  EqualTo,
	">=": GreaterThanOrEqualTo,
	"<=": LessThanOrEqualTo,
	"!=": NotEqualTo,
	"<>": NotEqualTo,
}

// CompileExpression validates raw expression text and lowers it to a
// CompiledExpression. columnsOf resolves a table's introspected schema and
// acts as the identifier allow-list. Each failure mode is a distinct
// ValidationError, checked in the documented order: read keyword, tautology,
// filter clause, category reference, query shape, identifier resolution.
func CompileExpression(raw string, columnsOf func(table string) ([]Column, error)) (*CompiledExpression, error) {
	folded := strings.ToLower(strings.TrimSpace(raw))
	if folded == "" {
		return nil, validationf("expression is required")
	}
	if !strings.HasPrefix(folded, "select") {
		return nil, validationf("expression must be a read-only select query")
	}
	if tautologyPattern.MatchString(quotedLiteral.ReplaceAllString(folded, "''")) {
		return nil, validationf("expression contains an always-true predicate")
	}
	if !wherePattern.MatchString(folded) {
		return nil, validationf("expression must contain a where clause scoping the query")
	}

	table, err := resolveCategory(folded)
	if err != nil {
		return nil, err
	}
	columns, err := columnsOf(table)
	if err != nil {
		return nil, fmt.Errorf("rules: introspecting %s: %w", table, err)
	}

	m := selectShape.FindStringSubmatch(folded)
	if m == nil {
		return nil, validationf("expression must have the form select <aggregate>(<column>) from <category> where <filters>")
	}
	fn, col, filtersRaw := AggFunc(strings.ToLower(m[1])), m[2], m[4]
	if categoryTables[m[3]] != table {
		return nil, validationf("expression must select from a data category, got %s", m[3])
	}

	switch fn {
	case AggSum, AggCount, AggAvg, AggMin, AggMax:
	default:
		return nil, validationf("unsupported aggregate function: %s", string(fn))
	}
	if col == "*" && fn != AggCount {
		return nil, validationf("%s requires a column argument", string(fn))
	}

	byName := make(map[string]Column, len(columns))
	for _, c := range columns {
		byName[c.Name] = c
	}

	var colType DataType
	if col != "*" {
		c, ok := byName[col]
		if !ok {
			return nil, validationf("column %s does not exist on %s", col, table)
		}
		colType = c.Type
	}

	var filters []Filter
	for _, part := range splitConjuncts(filtersRaw) {
		fm := filterPattern.FindStringSubmatch(part)
		if fm == nil {
			return nil, validationf("unsupported filter predicate: %s", strings.TrimSpace(part))
		}
		fcol, op, lit := fm[1], fm[2], fm[3]
		if _, ok := byName[fcol]; !ok {
			return nil, validationf("filter column %s does not exist on %s", fcol, table)
		}
		quoted := strings.HasPrefix(lit, "'")
		if quoted {
			lit = strings.ReplaceAll(lit[1:len(lit)-1], "''", "'")
		}
		filters = append(filters, Filter{Column: fcol, Op: sqlOpConditionals[op], Value: lit, Quoted: quoted})
	}
	if len(filters) == 0 {
		return nil, validationf("expression must contain at least one filter predicate")
	}

	return &CompiledExpression{
		Func:       fn,
		Column:     col,
		Table:      table,
		Filters:    filters,
		ResultType: resultTypeFor(fn, colType),
	}, nil
}

// resolveCategory requires exactly one allow-listed category token in the
// expression and returns the physical table it maps to.
func resolveCategory(folded string) (string, error) {
	var table string
	matches := 0
	for category, pattern := range categoryPatterns {
		if pattern.MatchString(folded) {
			matches++
			table = categoryTables[category]
		}
	}
	switch matches {
	case 0:
		return "", validationf("expression references no known data category")
	case 1:
		return table, nil
	}
	return "", validationf("expression must reference exactly one data category")
}

// splitConjuncts splits a where clause on AND, respecting quoted literals.
func splitConjuncts(clause string) []string {
	var parts []string
	depth := false // inside quote
	start := 0
	lower := strings.ToLower(clause)
	for i := 0; i < len(clause); i++ {
		if clause[i] == '\'' {
			depth = !depth
			continue
		}
		if !depth && i+5 <= len(lower) && lower[i:i+5] == " and " {
			parts = append(parts, clause[start:i])
			start = i + 5
			i += 4
		}
	}
	parts = append(parts, clause[start:])
	return parts
}

// resultTypeFor picks the logical type of the aggregate's outcome.
func resultTypeFor(fn AggFunc, colType DataType) DataType {
	switch fn {
	case AggCount:
		return TypeInt
	case AggAvg:
		return TypeFloat
	default:
		return colType
	}
}

// Canonical renders the compiled expression in its stored, human-auditable
// form, with the per-account scope bound to the :account placeholder.
func (e *CompiledExpression) Canonical() string {
	var b strings.Builder
	fmt.Fprintf(&b, "select %s(%s) from %s where ", e.Func, e.Column, e.Table)
	for i, f := range e.Filters {
		if i > 0 {
			b.WriteString(" and ")
		}
		b.WriteString(f.Column)
		b.WriteString(" ")
		b.WriteString(f.Op.SQL())
		b.WriteString(" ")
		b.WriteString(f.literal())
	}
	fmt.Fprintf(&b, " and %s = :account", AccountColumn)
	return b.String()
}

// ParamSQL renders the scoped aggregate as a parameterized query. Filter
// literals bind to $1..$n and the account binds to the final parameter; the
// returned args cover the filters only, so callers append the account value.
func (e *CompiledExpression) ParamSQL() (query string, args []any) {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s(%s) FROM %s WHERE ", strings.ToUpper(string(e.Func)), e.Column, e.Table)
	for i, f := range e.Filters {
		if i > 0 {
			b.WriteString(" AND ")
		}
		fmt.Fprintf(&b, "%s %s $%d", f.Column, f.Op.SQL(), i+1)
		args = append(args, f.argValue())
	}
	fmt.Fprintf(&b, " AND %s = $%d", AccountColumn, len(e.Filters)+1)
	return b.String(), args
}

// ScopedSQL renders the aggregate with literals inlined and the account
// bound to the given SQL expression (e.g. NEW.source_account_number inside a
// trigger body). Identifiers were allow-listed at compile time and literals
// are re-escaped here, so the result is safe to embed in DDL.
func (e *CompiledExpression) ScopedSQL(accountExpr string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s(%s) FROM %s WHERE ", strings.ToUpper(string(e.Func)), e.Column, e.Table)
	for i, f := range e.Filters {
		if i > 0 {
			b.WriteString(" AND ")
		}
		fmt.Fprintf(&b, "%s %s %s", f.Column, f.Op.SQL(), f.literal())
	}
	fmt.Fprintf(&b, " AND %s = %s", AccountColumn, accountExpr)
	return b.String()
}

func (f Filter) literal() string {
	if f.Quoted {
		return "'" + strings.ReplaceAll(f.Value, "'", "''") + "'"
	}
	return f.Value
}

// argValue types the literal for parameter binding.
func (f Filter) argValue() any {
	if f.Quoted {
		return f.Value
	}
	if n, err := strconv.ParseFloat(f.Value, 64); err == nil {
		return n
	}
	return f.Value
}

// TriggerName derives a trigger identifier from a rule name plus a random
// disambiguator. Whitespace becomes underscores and anything outside
// [a-z0-9_] is dropped; the suffix keeps same-named rules from colliding.
func TriggerName(ruleName, suffix string) (string, error) {
	name := strings.ToLower(strings.TrimSpace(ruleName))
	name = strings.Join(strings.Fields(name), "_")
	var b strings.Builder
	for _, r := range name {
		if r == '_' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	name = b.String()
	if name == "" {
		return "", validationf("rule name yields no usable trigger identifier")
	}
	trigger := "trg_" + name + "_" + suffix
	if !identPattern.MatchString(trigger) {
		return "", validationf("rule name yields no usable trigger identifier")
	}
	// Postgres truncates identifiers beyond 63 bytes. The trigger function is
	// named fn_<trigger>, so budget those 3 bytes here and keep the suffix
	// intact.
	const maxLen = 60
	if len(trigger) > maxLen {
		trigger = trigger[:maxLen-len(suffix)-1] + "_" + suffix
	}
	return trigger, nil
}
