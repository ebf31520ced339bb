package anomaly

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dkalu/fraudmark/internal/idgen"
	"github.com/dkalu/fraudmark/internal/logging"
	"github.com/dkalu/fraudmark/internal/pagination"
	"github.com/dkalu/fraudmark/internal/rules"
	"github.com/dkalu/fraudmark/internal/validation"
)

// Handler provides HTTP endpoints for anomaly ingestion.
type Handler struct {
	store Store
}

// NewHandler creates an anomaly handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up anomaly routes under the given group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/record", h.Record)
	r.GET("/records", h.List)
}

// Record handles POST /anomaly/record
func (h *Handler) Record(c *gin.Context) {
	var req struct {
		UserID        string     `json:"userId"`
		AlertType     string     `json:"alertType"`
		SourceAccount string     `json:"sourceAccountNumber"`
		Timestamp     *time.Time `json:"timestamp"`
		RiskScore     float64    `json:"riskScore"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, rules.Response{
			Message: "invalid request body", StatusCode: http.StatusBadRequest,
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("userId", req.UserID),
		validation.Required("alertType", req.AlertType),
		validation.ValidAccount("sourceAccountNumber", req.SourceAccount),
		validation.MaxLength("userId", req.UserID, 128),
		validation.MaxLength("alertType", req.AlertType, 128),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, rules.Response{
			Message: errs.Error(), StatusCode: http.StatusBadRequest,
		})
		return
	}

	ts := time.Now().UTC()
	if req.Timestamp != nil {
		ts = req.Timestamp.UTC()
	}
	rec := &Record{
		ID:            idgen.WithPrefix("ano_"),
		UserID:        validation.SanitizeString(req.UserID, 128),
		AlertType:     validation.SanitizeString(req.AlertType, 128),
		SourceAccount: req.SourceAccount,
		Timestamp:     ts,
		RiskScore:     req.RiskScore,
	}
	if err := h.store.Insert(c.Request.Context(), rec); err != nil {
		logging.L(c.Request.Context()).Error("anomaly insert failed", "error", err)
		c.JSON(http.StatusInternalServerError, rules.Response{
			Message: "failed to record anomaly", StatusCode: http.StatusInternalServerError,
		})
		return
	}
	c.JSON(http.StatusOK, rules.Response{
		Successful: true, Message: "anomaly recorded", Data: rec, StatusCode: http.StatusOK,
	})
}

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// List handles GET /anomaly/records with cursor pagination.
func (h *Handler) List(c *gin.Context) {
	limit := defaultPageSize
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, rules.Response{
				Message: "limit must be a positive integer", StatusCode: http.StatusBadRequest,
			})
			return
		}
		if n > maxPageSize {
			n = maxPageSize
		}
		limit = n
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, rules.Response{
			Message: "invalid cursor", StatusCode: http.StatusBadRequest,
		})
		return
	}

	// Fetch one extra record to learn whether another page exists.
	recs, err := h.store.ListAfter(c.Request.Context(), cursor, limit+1)
	if err != nil {
		logging.L(c.Request.Context()).Error("anomaly listing failed", "error", err)
		c.JSON(http.StatusInternalServerError, rules.Response{
			Message: "failed to list anomalies", StatusCode: http.StatusInternalServerError,
		})
		return
	}

	page, next, hasMore := pagination.ComputePage(recs, limit, func(rec *Record) (time.Time, string) {
		return rec.Timestamp, rec.ID
	})
	if page == nil {
		page = []*Record{}
	}
	c.JSON(http.StatusOK, rules.Response{
		Successful: true,
		Message:    "anomalies retrieved",
		Data:       gin.H{"records": page, "nextCursor": next, "hasMore": hasMore},
		StatusCode: http.StatusOK,
	})
}

// Lister adapts a Store to the report aggregator's read interface.
type Lister struct {
	store Store
}

// NewLister wraps a store for the report aggregator.
func NewLister(store Store) *Lister {
	return &Lister{store: store}
}

// ListAnomalies returns recent anomaly records, newest first.
func (l *Lister) ListAnomalies(ctx context.Context, limit int) ([]rules.AnomalyEntry, error) {
	recs, err := l.store.List(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]rules.AnomalyEntry, len(recs))
	for i, rec := range recs {
		out[i] = rules.AnomalyEntry{
			Seq:           i + 1,
			UserID:        rec.UserID,
			AlertType:     rec.AlertType,
			SourceAccount: rec.SourceAccount,
			Timestamp:     rec.Timestamp,
			RiskScore:     rec.RiskScore,
		}
	}
	return out, nil
}

var _ rules.AnomalyLister = (*Lister)(nil)
