package rules

import "context"

// Store is the persistence contract for the rule engine. PostgresStore is
// the production implementation; MemoryStore backs tests and demo mode and
// models the database trigger as an explicit refresh-on-insert hook with the
// same one-insert lag.
type Store interface {
	// Columns introspects the named table, in column order.
	Columns(ctx context.Context, table string) ([]Column, error)

	// CreateRule inserts a new rule row.
	CreateRule(ctx context.Context, r *Rule) error
	// ListRules returns every rule, active or not, newest first.
	ListRules(ctx context.Context) ([]*Rule, error)
	// ActiveRules returns the rules eligible for evaluation.
	ActiveRules(ctx context.Context) ([]*Rule, error)
	// SetRuleActive flips a rule's active gate. Returns ErrRuleNotFound if
	// no row matches.
	SetRuleActive(ctx context.Context, id string, active bool) error

	// ExpressionResult reads the precomputed aggregate for one
	// (rule, account) pair. Returns ErrNoExpressionResult when the trigger
	// has not yet produced a row for the account.
	ExpressionResult(ctx context.Context, ruleID, account string) (*ExpressionResult, error)
	// SeedExpressionResults computes the aggregate per observed account over
	// existing history and inserts one result row each. Rows that already
	// exist are left alone. Returns the number of accounts seeded.
	SeedExpressionResults(ctx context.Context, r *Rule, expr *CompiledExpression) (int, error)
	// TestExpression executes the compiled expression with a placeholder
	// account; an execution failure marks the expression invalid.
	TestExpression(ctx context.Context, expr *CompiledExpression) error
	// InstallTrigger installs the refresh-on-insert hook that keeps the
	// rule's expression results current.
	InstallTrigger(ctx context.Context, r *Rule, expr *CompiledExpression) error
	// TriggerInstalled checks the trigger catalog after installation.
	TriggerInstalled(ctx context.Context, name string) (bool, error)

	// InsertReport records a violation. Append-only.
	InsertReport(ctx context.Context, rep *Report) error
	// ListReports returns violations joined with rule metadata, newest first.
	ListReports(ctx context.Context, limit int) ([]*ReportEntry, error)

	// InsertTransaction persists the checked transaction; only payload keys
	// matching introspected transaction columns are written. The insert is
	// what fires the installed triggers.
	InsertTransaction(ctx context.Context, payload map[string]any) error
}
