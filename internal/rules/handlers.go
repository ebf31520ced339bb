package rules

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dkalu/fraudmark/internal/logging"
	"github.com/dkalu/fraudmark/internal/validation"
)

// Handler provides the HTTP surface of the rule engine.
type Handler struct {
	engine *Engine
}

// NewHandler creates a rule handler backed by the given engine.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes sets up rule routes under the given group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/setup", h.Setup)
	r.GET("/datapoints", h.DataPoints)
	r.GET("/rules", h.List)
	r.GET("/report", h.Report)
	r.POST("/rulecheck", h.Check)
	r.POST("/disable", h.Disable)
	r.POST("/enable", h.Enable)
}

// setupRequest is the union body of POST /rule/setup; IsExpression selects
// which rule kind the rest of the fields describe.
type setupRequest struct {
	IsExpression bool   `json:"isExpression"`
	DataPoint    string `json:"dataPoint"`
	CheckValue   string `json:"checkValue"`
	Expression   string `json:"expression"`
	Conditional  string `json:"conditional"`
	Name         string `json:"ruleName"`
	Description  string `json:"description"`
}

// Setup handles POST /rule/setup
func (h *Handler) Setup(c *gin.Context) {
	var req setupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond(c, http.StatusBadRequest, "invalid request body", nil)
		return
	}
	if errs := validation.Validate(
		validation.Required("dataPoint", req.DataPoint),
		validation.Required("conditional", req.Conditional),
		validation.MaxLength("ruleName", req.Name, 120),
	); len(errs) > 0 {
		respond(c, http.StatusBadRequest, errs.Error(), nil)
		return
	}
	req.Name = validation.SanitizeString(req.Name, 120)
	req.Description = validation.SanitizeString(req.Description, 500)

	ctx := c.Request.Context()
	var (
		rule *Rule
		err  error
	)
	if req.IsExpression {
		rule, err = h.engine.SetupExpressionRule(ctx, ExpressionRuleRequest{
			DataPoint:   req.DataPoint,
			Expression:  req.Expression,
			Conditional: req.Conditional,
			Name:        req.Name,
			Description: req.Description,
		})
	} else {
		rule, err = h.engine.SetupValueRule(ctx, ValueRuleRequest{
			DataPoint:   req.DataPoint,
			CheckValue:  req.CheckValue,
			Conditional: req.Conditional,
			Name:        req.Name,
			Description: req.Description,
		})
	}
	if err != nil {
		status := statusFor(err)
		if status >= 500 {
			logging.L(ctx).Error("rule setup failed", "error", err)
			respond(c, status, "rule setup failed", nil)
			return
		}
		respond(c, status, err.Error(), nil)
		return
	}
	respond(c, http.StatusOK, "rule created successfully", rule)
}

// DataPoints handles GET /rule/datapoints
func (h *Handler) DataPoints(c *gin.Context) {
	cols, err := h.engine.DataPoints(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("data point listing failed", "error", err)
		respond(c, http.StatusInternalServerError, "failed to list data points", nil)
		return
	}
	respond(c, http.StatusOK, "data points retrieved", cols)
}

// List handles GET /rule/rules
func (h *Handler) List(c *gin.Context) {
	rls, err := h.engine.ListRules(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("rule listing failed", "error", err)
		respond(c, http.StatusInternalServerError, "failed to list rules", nil)
		return
	}
	if rls == nil {
		rls = []*Rule{}
	}
	respond(c, http.StatusOK, "rules retrieved", rls)
}

// Report handles GET /rule/report
func (h *Handler) Report(c *gin.Context) {
	bundle, err := h.engine.Report(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("report aggregation failed", "error", err)
		respond(c, http.StatusInternalServerError, "failed to build report", nil)
		return
	}
	respond(c, http.StatusOK, "report retrieved", bundle)
}

// Check handles POST /rule/rulecheck
func (h *Handler) Check(c *gin.Context) {
	var payload map[string]any
	dec := json.NewDecoder(c.Request.Body)
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil || len(payload) == 0 {
		respond(c, http.StatusBadRequest, "invalid transaction payload", nil)
		return
	}

	verdict, err := h.engine.CheckTransaction(c.Request.Context(), payload)
	if err != nil {
		logging.L(c.Request.Context()).Error("transaction check failed", "error", err)
		respond(c, http.StatusInternalServerError, "transaction check failed", nil)
		return
	}
	respond(c, http.StatusOK, verdict.Message, verdict)
}

type ruleIDRequest struct {
	RuleID string `json:"ruleId"`
}

// Disable handles POST /rule/disable
func (h *Handler) Disable(c *gin.Context) {
	h.setActive(c, false, "rule disabled")
}

// Enable handles POST /rule/enable
func (h *Handler) Enable(c *gin.Context) {
	h.setActive(c, true, "rule enabled")
}

func (h *Handler) setActive(c *gin.Context, active bool, okMessage string) {
	var req ruleIDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond(c, http.StatusBadRequest, "invalid request body", nil)
		return
	}
	if errs := validation.Validate(validation.Required("ruleId", req.RuleID)); len(errs) > 0 {
		respond(c, http.StatusBadRequest, errs.Error(), nil)
		return
	}

	ctx := c.Request.Context()
	var err error
	if active {
		err = h.engine.EnableRule(ctx, req.RuleID)
	} else {
		err = h.engine.DisableRule(ctx, req.RuleID)
	}
	if err != nil {
		status := statusFor(err)
		if status >= 500 {
			logging.L(ctx).Error("rule state change failed", "rule_id", req.RuleID, "error", err)
			respond(c, status, "rule state change failed", nil)
			return
		}
		respond(c, status, err.Error(), nil)
		return
	}
	respond(c, http.StatusOK, okMessage, gin.H{"ruleId": req.RuleID, "isActive": active})
}
