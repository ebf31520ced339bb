package rules

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testColumnsOf mirrors the introspected schema of the two data categories.
func testColumnsOf(table string) ([]Column, error) {
	switch table {
	case "transactions":
		return []Column{
			{Name: "id", SQLType: "bigint", Type: TypeInt},
			{Name: "source_account_number", SQLType: "character varying", Type: TypeText},
			{Name: "destination_account_number", SQLType: "character varying", Type: TypeText},
			{Name: "amount", SQLType: "numeric", Type: TypeFloat},
			{Name: "destination_bank_code", SQLType: "character varying", Type: TypeText},
			{Name: "narration", SQLType: "text", Type: TypeText},
			{Name: "date_inserted", SQLType: "timestamp with time zone", Type: TypeDateTime},
		}, nil
	case "anomalies":
		return []Column{
			{Name: "id", SQLType: "character varying", Type: TypeText},
			{Name: "user_id", SQLType: "character varying", Type: TypeText},
			{Name: "alert_type", SQLType: "character varying", Type: TypeText},
			{Name: "source_account_number", SQLType: "character varying", Type: TypeText},
			{Name: "timestamp", SQLType: "timestamp with time zone", Type: TypeDateTime},
			{Name: "risk_score", SQLType: "numeric", Type: TypeFloat},
		}, nil
	}
	return nil, fmt.Errorf("no such table %s", table)
}

func TestCompileExpression(t *testing.T) {
	expr, err := CompileExpression(
		"select sum(amount) from transaction_history where amount > 1000",
		testColumnsOf,
	)
	require.NoError(t, err)
	assert.Equal(t, AggSum, expr.Func)
	assert.Equal(t, "amount", expr.Column)
	assert.Equal(t, "transactions", expr.Table)
	assert.Equal(t, TypeFloat, expr.ResultType)
	require.Len(t, expr.Filters, 1)
	assert.Equal(t, Filter{Column: "amount", Op: GreaterThan, Value: "1000"}, expr.Filters[0])
}

func TestCompileExpression_ResultTypes(t *testing.T) {
	tests := []struct {
		raw  string
		want DataType
	}{
		{"select count(*) from transaction_history where amount > 0.5", TypeInt},
		{"select avg(amount) from transaction_history where amount > 0.5", TypeFloat},
		{"select max(date_inserted) from transaction_history where amount > 0.5", TypeDateTime},
		{"select min(narration) from transaction_history where amount > 0.5", TypeText},
	}
	for _, tt := range tests {
		expr, err := CompileExpression(tt.raw, testColumnsOf)
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, expr.ResultType, tt.raw)
	}
}

func TestCompileExpression_CaseInsensitive(t *testing.T) {
	expr, err := CompileExpression(
		"SELECT COUNT(*) FROM Transaction_History WHERE Amount >= 10;",
		testColumnsOf,
	)
	require.NoError(t, err)
	assert.Equal(t, AggCount, expr.Func)
	assert.Equal(t, "*", expr.Column)
	assert.Equal(t, GreaterThanOrEqualTo, expr.Filters[0].Op)
}

func TestCompileExpression_AnomalyCategory(t *testing.T) {
	expr, err := CompileExpression(
		"select max(risk_score) from anomaly_history where alert_type = 'velocity'",
		testColumnsOf,
	)
	require.NoError(t, err)
	assert.Equal(t, "anomalies", expr.Table)
	require.Len(t, expr.Filters, 1)
	assert.True(t, expr.Filters[0].Quoted)
	assert.Equal(t, "velocity", expr.Filters[0].Value)
}

func TestCompileExpression_QuotedLiterals(t *testing.T) {
	// Escaped quotes unescape; a quoted "and" must not split the clause.
	expr, err := CompileExpression(
		"select count(*) from transaction_history where narration = 'o''brien and co' and amount > 5",
		testColumnsOf,
	)
	require.NoError(t, err)
	require.Len(t, expr.Filters, 2)
	assert.Equal(t, "o'brien and co", expr.Filters[0].Value)
	assert.Equal(t, "5", expr.Filters[1].Value)
}

func TestCompileExpression_OperatorInsideQuotedLiteral(t *testing.T) {
	// A comparison spelled inside a string literal is data, not a predicate.
	expr, err := CompileExpression(
		"select sum(amount) from transaction_history where narration = '1 = 1'",
		testColumnsOf,
	)
	require.NoError(t, err)
	require.Len(t, expr.Filters, 1)
	assert.Equal(t, "1 = 1", expr.Filters[0].Value)

	// Two quoted literals compared against each other are still unbounded.
	_, err = CompileExpression(
		"select sum(amount) from transaction_history where 'a' = 'a'",
		testColumnsOf,
	)
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "expression contains an always-true predicate", verr.Reason)
}

func TestCompileExpression_Rejections(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		msg  string
	}{
		{
			"empty",
			"   ",
			"expression is required",
		},
		{
			"not a select",
			"delete from transaction_history where amount > 1",
			"expression must be a read-only select query",
		},
		{
			"tautology",
			"select sum(amount) from transaction_history where 1 = 1",
			"expression contains an always-true predicate",
		},
		{
			"missing where",
			"select sum(amount) from transaction_history",
			"expression must contain a where clause scoping the query",
		},
		{
			"unknown category",
			"select sum(amount) from transactions where amount > 1",
			"expression references no known data category",
		},
		{
			"two categories",
			"select sum(amount) from transaction_history where anomaly_history > 1",
			"expression must reference exactly one data category",
		},
		{
			"no aggregate call",
			"select amount from transaction_history where amount > 1",
			"expression must have the form select <aggregate>(<column>) from <category> where <filters>",
		},
		{
			"unsupported aggregate",
			"select median(amount) from transaction_history where amount > 1",
			"unsupported aggregate function: median",
		},
		{
			"star outside count",
			"select sum(*) from transaction_history where amount > 1",
			"sum requires a column argument",
		},
		{
			"unknown aggregate column",
			"select sum(balance) from transaction_history where amount > 1",
			"column balance does not exist on transactions",
		},
		{
			"unknown filter column",
			"select sum(amount) from transaction_history where balance > 1",
			"filter column balance does not exist on transactions",
		},
		{
			"unsupported predicate",
			"select sum(amount) from transaction_history where narration like 'cash'",
			"unsupported filter predicate: narration like 'cash'",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CompileExpression(tt.raw, testColumnsOf)
			require.Error(t, err)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.msg, verr.Reason)
		})
	}
}

func TestCompiledExpression_Canonical(t *testing.T) {
	expr, err := CompileExpression(
		"SELECT sum(amount) FROM transaction_history WHERE amount > 1000 AND destination_bank_code = '044'",
		testColumnsOf,
	)
	require.NoError(t, err)
	assert.Equal(t,
		"select sum(amount) from transactions where amount > 1000 and destination_bank_code = '044' and source_account_number = :account",
		expr.Canonical(),
	)
}

func TestCompiledExpression_ParamSQL(t *testing.T) {
	expr, err := CompileExpression(
		"select sum(amount) from transaction_history where amount > 1000 and destination_bank_code = '044'",
		testColumnsOf,
	)
	require.NoError(t, err)

	query, args := expr.ParamSQL()
	assert.Equal(t,
		"SELECT SUM(amount) FROM transactions WHERE amount > $1 AND destination_bank_code = $2 AND source_account_number = $3",
		query,
	)
	require.Len(t, args, 2)
	assert.Equal(t, float64(1000), args[0])
	assert.Equal(t, "044", args[1])
}

func TestCompiledExpression_ScopedSQL(t *testing.T) {
	expr, err := CompileExpression(
		"select count(*) from transaction_history where narration = 'o''brien'",
		testColumnsOf,
	)
	require.NoError(t, err)

	got := expr.ScopedSQL("NEW.source_account_number")
	assert.Equal(t,
		"SELECT COUNT(*) FROM transactions WHERE narration = 'o''brien' AND source_account_number = NEW.source_account_number",
		got,
	)
}

func TestTriggerName(t *testing.T) {
	name, err := TriggerName("High Value Transfer", "a1b")
	require.NoError(t, err)
	assert.Equal(t, "trg_high_value_transfer_a1b", name)

	name, err = TriggerName("Rule #1!", "ff0")
	require.NoError(t, err)
	assert.Equal(t, "trg_rule_1_ff0", name)

	_, err = TriggerName("!!!", "ab1")
	require.Error(t, err)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestTriggerName_Truncation(t *testing.T) {
	name, err := TriggerName(strings.Repeat("very long rule name ", 5), "c0ffee")
	require.NoError(t, err)
	assert.LessOrEqual(t, len(name), 60)
	// The derived trigger function name must fit a Postgres identifier too.
	assert.LessOrEqual(t, len("fn_"+name), 63)
	assert.True(t, strings.HasSuffix(name, "_c0ffee"), name)
	assert.True(t, strings.HasPrefix(name, "trg_very_long_rule_name"), name)
}
