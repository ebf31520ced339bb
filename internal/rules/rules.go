// Package rules implements the fraud rule engine: operator-defined rules are
// persisted at runtime and every inbound transaction is evaluated against the
// active set before it is recorded.
//
// Two rule kinds exist. A value rule compares one transaction field against a
// stored literal. An expression rule compares one transaction field against a
// per-account aggregate that a generated database trigger keeps current; the
// aggregate reflects state as of the previous transaction insert, so an
// expression rule always sees the account one step behind the transaction it
// is checking.
package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Errors returned by the engine and its stores.
var (
	ErrRuleNotFound         = errors.New("rules: rule not found")
	ErrNoExpressionResult   = errors.New("rules: no expression result for account")
	ErrTriggerNameTaken     = errors.New("rules: trigger name already installed")
	ErrUnsupportedPredicate = errors.New("rules: unsupported predicate")
)

// ValidationError reports malformed or semantically invalid caller input.
// It is surfaced to clients as HTTP 400 and is never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func validationf(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// InstallationError reports a failure while installing an expression rule's
// trigger. The rule row may exist without a working trigger; installation is
// not retried automatically.
type InstallationError struct {
	Step string
	Err  error
}

func (e *InstallationError) Error() string {
	return fmt.Sprintf("rules: trigger installation failed at %s: %v", e.Step, e.Err)
}

func (e *InstallationError) Unwrap() error { return e.Err }

// Kind discriminates the two rule evaluation strategies.
type Kind string

const (
	KindValue      Kind = "ValueCheck"
	KindExpression Kind = "ExpressionCheck"
)

// Conditional is a closed enumeration of the relational operators a rule may
// use. Unknown operator names fail at parse time, not at evaluation time.
type Conditional string

const (
	GreaterThan          Conditional = "GreaterThan"
	LessThan             Conditional = "LessThan"
	EqualTo              Conditional = "EqualTo"
	GreaterThanOrEqualTo Conditional = "GreaterThanOrEqualTo"
	LessThanOrEqualTo    Conditional = "LessThanOrEqualTo"
	NotEqualTo           Conditional = "NotEqualTo"
)

// Conditionals lists every supported operator, in a stable order.
func Conditionals() []Conditional {
	return []Conditional{
		GreaterThan, LessThan, EqualTo,
		GreaterThanOrEqualTo, LessThanOrEqualTo, NotEqualTo,
	}
}

// ParseConditional validates an operator name.
func ParseConditional(name string) (Conditional, error) {
	switch c := Conditional(name); c {
	case GreaterThan, LessThan, EqualTo, GreaterThanOrEqualTo, LessThanOrEqualTo, NotEqualTo:
		return c, nil
	}
	return "", validationf("unsupported conditional: %s", name)
}

// SQL returns the operator's SQL spelling.
func (c Conditional) SQL() string {
	switch c {
	case GreaterThan:
		return ">"
	case LessThan:
		return "<"
	case EqualTo:
		return "="
	case GreaterThanOrEqualTo:
		return ">="
	case LessThanOrEqualTo:
		return "<="
	case NotEqualTo:
		return "<>"
	}
	return ""
}

// holds reports whether the relation c holds for a three-way comparison
// result (cmp < 0 means a < b, 0 equal, > 0 greater).
func (c Conditional) holds(cmp int) (bool, error) {
	switch c {
	case GreaterThan:
		return cmp > 0, nil
	case LessThan:
		return cmp < 0, nil
	case EqualTo:
		return cmp == 0, nil
	case GreaterThanOrEqualTo:
		return cmp >= 0, nil
	case LessThanOrEqualTo:
		return cmp <= 0, nil
	case NotEqualTo:
		return cmp != 0, nil
	}
	return false, fmt.Errorf("rules: unknown conditional %q", string(c))
}

// Compare applies the operator to two values of the same logical type.
func (c Conditional) Compare(a, b Value) (bool, error) {
	cmp, err := a.compare(b)
	if err != nil {
		return false, err
	}
	return c.holds(cmp)
}

// DataType is a closed enumeration of the logical types the engine can
// convert and compare. It replaces the lookup-table dispatch of the original
// design with exhaustive switches.
type DataType string

const (
	TypeInt      DataType = "int"
	TypeFloat    DataType = "float"
	TypeDateTime DataType = "datetime"
	TypeText     DataType = "text"
)

// datetimeLayout is the wire format accepted for datetime literals.
const datetimeLayout = "2006-01-02 15:04:05"

// ParseDataType validates a logical type name as stored on a rule row.
func ParseDataType(name string) (DataType, error) {
	switch t := DataType(name); t {
	case TypeInt, TypeFloat, TypeDateTime, TypeText:
		return t, nil
	}
	return "", fmt.Errorf("rules: unknown data type %q", name)
}

// TypeOfSQL maps an information_schema data_type to a logical type.
// Character-like columns collapse to text, matching the validation rule that
// textual columns accept any literal.
func TypeOfSQL(sqlType string) DataType {
	s := strings.ToLower(strings.TrimSpace(sqlType))
	switch {
	case strings.Contains(s, "char"), s == "text", s == "uuid":
		return TypeText
	case strings.Contains(s, "int"), strings.Contains(s, "serial"):
		return TypeInt
	case s == "numeric", s == "decimal", s == "real", s == "money",
		strings.Contains(s, "double"), strings.Contains(s, "float"):
		return TypeFloat
	case strings.Contains(s, "timestamp"), s == "date":
		return TypeDateTime
	}
	return TypeText
}

// Value is a converted, comparable scalar. Exactly one of the payload fields
// is meaningful, selected by Type.
type Value struct {
	Type  DataType
	Int   int64
	Float float64
	Time  time.Time
	Text  string
}

// Convert coerces a raw payload or stored value into a comparable Value.
// JSON numbers arrive as float64, stored comparands as strings; both sides of
// a comparison go through here so they normalize identically.
func (t DataType) Convert(raw any) (Value, error) {
	switch t {
	case TypeInt:
		n, err := toInt64(raw)
		if err != nil {
			return Value{}, err
		}
		return Value{Type: TypeInt, Int: n}, nil
	case TypeFloat:
		f, err := toFloat64(raw)
		if err != nil {
			return Value{}, err
		}
		return Value{Type: TypeFloat, Float: f}, nil
	case TypeDateTime:
		ts, err := toTime(raw)
		if err != nil {
			return Value{}, err
		}
		return Value{Type: TypeDateTime, Time: ts}, nil
	case TypeText:
		s, ok := raw.(string)
		if !ok {
			return Value{}, fmt.Errorf("rules: expected text, got %T", raw)
		}
		return Value{Type: TypeText, Text: s}, nil
	}
	return Value{}, fmt.Errorf("rules: unknown data type %q", string(t))
}

func toInt64(raw any) (int64, error) {
	switch v := raw.(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		n := int64(v)
		if float64(n) != v {
			return 0, fmt.Errorf("rules: %v is not an integer", v)
		}
		return n, nil
	case json.Number:
		return toInt64(string(v))
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("rules: %q is not an integer", v)
		}
		return n, nil
	}
	return 0, fmt.Errorf("rules: cannot convert %T to int", raw)
}

func toFloat64(raw any) (float64, error) {
	switch v := raw.(type) {
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case float64:
		return v, nil
	case json.Number:
		return toFloat64(string(v))
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("rules: %q is not a number", v)
		}
		return f, nil
	}
	return 0, fmt.Errorf("rules: cannot convert %T to float", raw)
}

func toTime(raw any) (time.Time, error) {
	switch v := raw.(type) {
	case time.Time:
		return v, nil
	case string:
		s := strings.TrimSpace(v)
		if ts, err := time.Parse(datetimeLayout, s); err == nil {
			return ts, nil
		}
		if ts, err := time.Parse(time.RFC3339, s); err == nil {
			return ts, nil
		}
		return time.Time{}, fmt.Errorf("rules: %q is not a datetime (want %q)", v, datetimeLayout)
	}
	return time.Time{}, fmt.Errorf("rules: cannot convert %T to datetime", raw)
}

// compare returns a three-way comparison between two values of the same type.
func (v Value) compare(o Value) (int, error) {
	if v.Type != o.Type {
		return 0, fmt.Errorf("rules: type mismatch %s vs %s", v.Type, o.Type)
	}
	switch v.Type {
	case TypeInt:
		switch {
		case v.Int < o.Int:
			return -1, nil
		case v.Int > o.Int:
			return 1, nil
		}
		return 0, nil
	case TypeFloat:
		switch {
		case v.Float < o.Float:
			return -1, nil
		case v.Float > o.Float:
			return 1, nil
		}
		return 0, nil
	case TypeDateTime:
		return v.Time.Compare(o.Time), nil
	case TypeText:
		return strings.Compare(v.Text, o.Text), nil
	}
	return 0, fmt.Errorf("rules: unknown data type %q", string(v.Type))
}

// String renders the value in the form stored in expression_results.
func (v Value) String() string {
	switch v.Type {
	case TypeInt:
		return strconv.FormatInt(v.Int, 10)
	case TypeFloat:
		return strconv.FormatFloat(v.Float, 'f', -1, 64)
	case TypeDateTime:
		return v.Time.Format(datetimeLayout)
	default:
		return v.Text
	}
}

// AccountColumn is the transaction column expression rules are scoped by.
const AccountColumn = "source_account_number"

// Rule is a persisted policy definition. Exactly one of CheckValue and
// Expression is populated, governed by Kind; TriggerName is set only for
// expression rules whose trigger installation succeeded. Rules are never
// hard-deleted, only disabled.
type Rule struct {
	ID            string      `json:"id"`
	Name          string      `json:"ruleName"`
	Description   string      `json:"description"`
	DataPoint     string      `json:"dataPoint"`
	Kind          Kind        `json:"kind"`
	Conditional   Conditional `json:"conditional"`
	CheckValue    string      `json:"checkValue,omitempty"`
	Expression    string      `json:"expression,omitempty"`
	CheckType     DataType    `json:"checkValueDataType"`
	DataPointType DataType    `json:"dataPointDataType"`
	TriggerName   string      `json:"triggerName,omitempty"`
	Active        bool        `json:"isActive"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

// IsExpression reports whether the rule uses the aggregate strategy.
func (r *Rule) IsExpression() bool { return r.Kind == KindExpression }

// ExpressionResult is the precomputed aggregate outcome for one
// (rule, account) pair. After the compiler's seed pass it is maintained
// exclusively by the installed trigger; the application only reads it.
type ExpressionResult struct {
	RuleID        string    `json:"ruleId"`
	SourceAccount string    `json:"sourceAccountNumber"`
	Value         string    `json:"resultValue"`
	Type          DataType  `json:"resultDataType"`
	UpdatedAt     time.Time `json:"dateTimeUpdated"`
}

// Report is a recorded rule violation: one row per rule that faults during a
// single transaction check. Append-only.
type Report struct {
	ID          string    `json:"id"`
	RuleID      string    `json:"ruleId"`
	PayloadType string    `json:"payloadType"`
	Payload     []byte    `json:"payloadDetails"`
	CreatedAt   time.Time `json:"dateInserted"`
}

// ReportEntry is a violation joined with its rule's metadata for display.
type ReportEntry struct {
	Seq         int             `json:"seq"`
	RuleID      string          `json:"ruleId"`
	RuleName    string          `json:"ruleName"`
	Description string          `json:"description"`
	PayloadType string          `json:"payloadType"`
	Payload     map[string]any  `json:"payload"`
	CreatedAt   time.Time       `json:"dateInserted"`
}

// Column describes one introspected column of a persisted table.
type Column struct {
	Name    string   `json:"name"`
	SQLType string   `json:"sqlType"`
	Type    DataType `json:"dataType"`
}

// Verdict is the outcome of one transaction check.
type Verdict struct {
	Flagged        bool     `json:"flagged"`
	Message        string   `json:"message"`
	RulesEvaluated int      `json:"rulesEvaluated"`
	FaultedRules   []string `json:"faultedRules,omitempty"`
}

// Verdict messages. Clients match on these strings.
const (
	MsgSuspicious    = "Transaction is suspicious"
	MsgNotSuspicious = "Not a suspicious transaction"
	MsgNoActiveRules = "No active rules"
)

// NormalizePayload lowercases payload keys so field lookups match column
// names regardless of the caller's casing.
func NormalizePayload(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return out
}
