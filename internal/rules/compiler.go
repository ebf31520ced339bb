package rules

import (
	"context"
	"strings"
	"time"

	"github.com/dkalu/fraudmark/internal/idgen"
	"github.com/dkalu/fraudmark/internal/metrics"
	"github.com/dkalu/fraudmark/internal/traces"
)

// ExpressionRuleRequest defines an aggregate rule: the named transaction
// field is compared against a per-account aggregate that a generated trigger
// keeps current after this compiler seeds it from history.
type ExpressionRuleRequest struct {
	DataPoint   string `json:"dataPoint"`
	Expression  string `json:"expression"`
	Conditional string `json:"conditional"`
	Name        string `json:"ruleName"`
	Description string `json:"description"`
}

// SetupExpressionRule validates, compiles and installs an expression rule.
//
// Validation is fail-fast and each failure is a distinct ValidationError.
// Installation inserts the rule row, seeds expression_results from existing
// history, installs the trigger, then verifies the trigger catalog. An
// inconclusive catalog check is logged but does not fail the call: the rule
// is installed and the operator re-runs installation out of band.
func (e *Engine) SetupExpressionRule(ctx context.Context, req ExpressionRuleRequest) (*Rule, error) {
	ctx, span := traces.StartSpan(ctx, "rules.setup_expression_rule")
	defer span.End()

	if strings.TrimSpace(req.DataPoint) == "" ||
		strings.TrimSpace(req.Expression) == "" ||
		strings.TrimSpace(req.Conditional) == "" ||
		strings.TrimSpace(req.Name) == "" ||
		strings.TrimSpace(req.Description) == "" {
		return nil, validationf("dataPoint, expression, conditional, ruleName and description are required")
	}

	expr, err := CompileExpression(req.Expression, func(table string) ([]Column, error) {
		return e.store.Columns(ctx, table)
	})
	if err != nil {
		return nil, err
	}

	conditional, err := ParseConditional(req.Conditional)
	if err != nil {
		return nil, err
	}
	column, err := e.resolveDataPoint(ctx, req.DataPoint)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(traces.DataPoint(column.Name))

	if err := e.store.TestExpression(ctx, expr); err != nil {
		return nil, validationf("expression is not executable: %v", err)
	}

	triggerName, err := TriggerName(req.Name, idgen.Hex(3))
	if err != nil {
		return nil, err
	}
	span.SetAttributes(traces.TriggerName(triggerName))

	now := time.Now().UTC()
	rule := &Rule{
		ID:            idgen.WithPrefix("rule_"),
		Name:          req.Name,
		Description:   req.Description,
		DataPoint:     column.Name,
		Kind:          KindExpression,
		Conditional:   conditional,
		Expression:    expr.Canonical(),
		CheckType:     expr.ResultType,
		DataPointType: column.Type,
		TriggerName:   triggerName,
		Active:        true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.store.CreateRule(ctx, rule); err != nil {
		return nil, err
	}
	span.SetAttributes(traces.RuleID(rule.ID))

	seeded, err := e.store.SeedExpressionResults(ctx, rule, expr)
	if err != nil {
		metrics.TriggerInstallsTotal.WithLabelValues("seed_failed").Inc()
		return nil, &InstallationError{Step: "seed", Err: err}
	}

	if err := e.store.InstallTrigger(ctx, rule, expr); err != nil {
		metrics.TriggerInstallsTotal.WithLabelValues("install_failed").Inc()
		return nil, &InstallationError{Step: "install", Err: err}
	}

	// Catalog verification is advisory: a rule without a visible trigger is
	// flagged for operator follow-up, not rolled back.
	installed, err := e.store.TriggerInstalled(ctx, triggerName)
	switch {
	case err != nil:
		e.logger.Warn("trigger catalog verification inconclusive",
			"rule_id", rule.ID, "trigger", triggerName, "error", err)
	case !installed:
		e.logger.Error("trigger missing from catalog after installation, reinstall required",
			"rule_id", rule.ID, "trigger", triggerName)
	}

	metrics.TriggerInstallsTotal.WithLabelValues("ok").Inc()
	e.logger.Info("expression rule installed",
		"rule_id", rule.ID, "trigger", triggerName, "accounts_seeded", seeded)
	return rule, nil
}
