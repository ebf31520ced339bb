package rules

import (
	"context"
	"strings"
	"time"

	"github.com/dkalu/fraudmark/internal/idgen"
	"github.com/dkalu/fraudmark/internal/traces"
)

// ValueRuleRequest defines an inline comparison rule: the named transaction
// field is compared against a stored literal on every check.
type ValueRuleRequest struct {
	DataPoint   string `json:"dataPoint"`
	CheckValue  string `json:"checkValue"`
	Conditional string `json:"conditional"`
	Name        string `json:"ruleName"`
	Description string `json:"description"`
}

// SetupValueRule validates and persists a value rule. The rule is active
// immediately; the only side effect is the inserted rule row.
func (e *Engine) SetupValueRule(ctx context.Context, req ValueRuleRequest) (*Rule, error) {
	ctx, span := traces.StartSpan(ctx, "rules.setup_value_rule")
	defer span.End()

	if strings.TrimSpace(req.DataPoint) == "" ||
		strings.TrimSpace(req.CheckValue) == "" ||
		strings.TrimSpace(req.Conditional) == "" {
		return nil, validationf("dataPoint, checkValue and conditional are required")
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

	// Textual columns accept any literal; everything else must convert.
	if column.Type != TypeText {
		if _, err := column.Type.Convert(req.CheckValue); err != nil {
			return nil, validationf("invalid checkValue %q: expected type %s", req.CheckValue, column.Type)
		}
	}

	now := time.Now().UTC()
	rule := &Rule{
		ID:            idgen.WithPrefix("rule_"),
		Name:          req.Name,
		Description:   req.Description,
		DataPoint:     column.Name,
		Kind:          KindValue,
		Conditional:   conditional,
		CheckValue:    req.CheckValue,
		CheckType:     column.Type,
		DataPointType: column.Type,
		Active:        true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.store.CreateRule(ctx, rule); err != nil {
		return nil, err
	}
	span.SetAttributes(traces.RuleID(rule.ID))
	e.logger.Info("value rule created",
		"rule_id", rule.ID, "data_point", rule.DataPoint, "conditional", string(conditional))
	return rule, nil
}

// resolveDataPoint checks that a field names a known transaction column and
// returns its introspected definition.
func (e *Engine) resolveDataPoint(ctx context.Context, dataPoint string) (Column, error) {
	name := strings.ToLower(strings.TrimSpace(dataPoint))
	cols, err := e.store.Columns(ctx, transactionTable)
	if err != nil {
		return Column{}, err
	}
	for _, c := range cols {
		if c.Name == name {
			return c, nil
		}
	}
	return Column{}, validationf("dataPoint %s is not mapped to the transaction table", dataPoint)
}
