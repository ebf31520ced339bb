package rules

import (
	"context"
	"errors"

	"github.com/dkalu/fraudmark/internal/logging"
	"github.com/dkalu/fraudmark/internal/metrics"
)

// FailOpen is the evaluation policy for missing or unconvertible runtime
// data: the rule reports not-faulted instead of erroring, so bad data never
// blocks a transaction. Tests assert this constant rather than relying on
// incidental error swallowing.
const FailOpen = true

// evaluateRule dispatches a stored rule to its evaluation strategy and
// returns the fault verdict. The payload must already be key-normalized.
func (e *Engine) evaluateRule(ctx context.Context, r *Rule, payload map[string]any) bool {
	var faulted bool
	switch r.Kind {
	case KindExpression:
		faulted = e.evaluateExpression(ctx, r, payload)
	default:
		faulted = e.evaluateValue(ctx, r, payload)
	}

	outcome := "clear"
	if faulted {
		outcome = "faulted"
	}
	metrics.RuleEvaluationsTotal.WithLabelValues(string(r.Kind), outcome).Inc()
	return faulted
}

// evaluateValue compares the payload field against the rule's stored literal.
func (e *Engine) evaluateValue(ctx context.Context, r *Rule, payload map[string]any) bool {
	raw, ok := payload[r.DataPoint]
	if !ok {
		logging.L(ctx).Debug("rule data point absent from payload, failing open",
			"rule_id", r.ID, "data_point", r.DataPoint)
		return !FailOpen
	}

	left, err := r.CheckType.Convert(raw)
	if err != nil {
		logging.L(ctx).Warn("payload value not convertible, failing open",
			"rule_id", r.ID, "data_point", r.DataPoint, "error", err)
		return !FailOpen
	}
	right, err := r.CheckType.Convert(r.CheckValue)
	if err != nil {
		logging.L(ctx).Warn("stored check value not convertible, failing open",
			"rule_id", r.ID, "error", err)
		return !FailOpen
	}

	faulted, err := r.Conditional.Compare(left, right)
	if err != nil {
		logging.L(ctx).Warn("comparison failed, failing open", "rule_id", r.ID, "error", err)
		return !FailOpen
	}
	return faulted
}

// evaluateExpression compares the payload field against the precomputed
// per-account aggregate. The aggregate is read as it stood before this
// transaction's insert, so it reflects the account one transaction behind.
func (e *Engine) evaluateExpression(ctx context.Context, r *Rule, payload map[string]any) bool {
	raw, ok := payload[r.DataPoint]
	if !ok {
		logging.L(ctx).Debug("rule data point absent from payload, failing open",
			"rule_id", r.ID, "data_point", r.DataPoint)
		return !FailOpen
	}
	account, _ := payload[AccountColumn].(string)
	if account == "" {
		logging.L(ctx).Debug("payload has no source account, failing open", "rule_id", r.ID)
		return !FailOpen
	}

	er, err := e.store.ExpressionResult(ctx, r.ID, account)
	if err != nil {
		if !errors.Is(err, ErrNoExpressionResult) {
			logging.L(ctx).Warn("expression result lookup failed, failing open",
				"rule_id", r.ID, "account", account, "error", err)
		}
		return !FailOpen
	}

	left, err := r.CheckType.Convert(raw)
	if err != nil {
		logging.L(ctx).Warn("payload value not convertible, failing open",
			"rule_id", r.ID, "data_point", r.DataPoint, "error", err)
		return !FailOpen
	}
	right, err := r.CheckType.Convert(er.Value)
	if err != nil {
		logging.L(ctx).Warn("stored aggregate not convertible, failing open",
			"rule_id", r.ID, "account", account, "error", err)
		return !FailOpen
	}

	faulted, err := r.Conditional.Compare(left, right)
	if err != nil {
		logging.L(ctx).Warn("comparison failed, failing open", "rule_id", r.ID, "error", err)
		return !FailOpen
	}
	return faulted
}
